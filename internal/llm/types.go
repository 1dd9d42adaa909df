// Package llm is the boundary to the language model provider. It speaks the
// Responses streaming event vocabulary and a small chat-completions subset.
package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ent0n29/callrelay/internal/reliability"
)

// EventKind is the closed set of stream events the completion loop consumes.
type EventKind int

const (
	EventItemAdded EventKind = iota + 1
	EventTextDelta
	EventTextDone
	EventArgumentsDelta
	EventArgumentsDone
	EventItemDone
	EventCompleted
)

func (k EventKind) String() string {
	switch k {
	case EventItemAdded:
		return "item_added"
	case EventTextDelta:
		return "text_delta"
	case EventTextDone:
		return "text_done"
	case EventArgumentsDelta:
		return "arguments_delta"
	case EventArgumentsDone:
		return "arguments_done"
	case EventItemDone:
		return "item_done"
	case EventCompleted:
		return "completed"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

type ItemType string

const (
	ItemMessage      ItemType = "message"
	ItemFunctionCall ItemType = "function_call"
)

// Item is an output item as announced by item-added and item-done events.
type Item struct {
	ID        string   `json:"id"`
	Type      ItemType `json:"type"`
	CallID    string   `json:"call_id,omitempty"`
	Name      string   `json:"name,omitempty"`
	Arguments string   `json:"arguments,omitempty"`
	Status    string   `json:"status,omitempty"`
}

// Event is one decoded stream event. Which fields are set depends on Kind.
type Event struct {
	Kind   EventKind
	ItemID string
	Item   *Item
	// Delta carries text or argument fragments.
	Delta string
	// Text carries the full text of a text-done event.
	Text string
	// Arguments carries the full argument string of an arguments-done event.
	Arguments string
	// Reason is set on completed events that ended early, e.g. "length".
	Reason FinishReason
}

type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishContentFilter FinishReason = "content_filter"
	FinishFunctionCall  FinishReason = "function_call"
	FinishLength        FinishReason = "length"
)

// Stream yields events in arrival order. Recv returns io.EOF once the
// provider closed the stream normally.
type Stream interface {
	Recv() (Event, error)
	Close() error
}

// InputItem is one entry of the provider input list: a role message, a
// function call, or a function-call output.
type InputItem struct {
	Type      string `json:"type,omitempty"`
	Role      string `json:"role,omitempty"`
	Content   any    `json:"content,omitempty"`
	ID        string `json:"id,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Status    string `json:"status,omitempty"`
	Output    string `json:"output,omitempty"`
}

// ContentPart is a structured content block of a user message.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Tool is a function tool offered to the model.
type Tool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Strict      bool           `json:"strict,omitempty"`
}

type StreamRequest struct {
	Model string      `json:"model"`
	Input []InputItem `json:"input"`
	Tools []Tool      `json:"tools,omitempty"`
}

// Config is the model configuration used for one completion round.
type Config struct {
	Model string
}

// Provider opens streaming completions.
type Provider interface {
	OpenStream(ctx context.Context, req StreamRequest) (Stream, error)
}

// ChatMessage is a chat-completions message.
type ChatMessage struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	ToolCalls []ChatToolCall `json:"tool_calls,omitempty"`
}

type ChatToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type ChatFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

type ChatTool struct {
	Type     string       `json:"type"`
	Function ChatFunction `json:"function"`
}

type ChatRequest struct {
	Model      string        `json:"model"`
	Messages   []ChatMessage `json:"messages"`
	Tools      []ChatTool    `json:"tools,omitempty"`
	ToolChoice string        `json:"tool_choice,omitempty"`
}

type ChatChoice struct {
	FinishReason FinishReason `json:"finish_reason"`
	Message      ChatMessage  `json:"message"`
}

type ChatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
}

// ChatCompleter issues non-streaming chat completions.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req ChatRequest) (ChatResponse, error)
}

// APIError is a non-2xx provider response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("llm api status %d: %s", e.StatusCode, e.Body)
}

func (e *APIError) Retryable() bool {
	return reliability.IsRetryableHTTPStatus(e.StatusCode)
}

// StreamError is an error event reported by the provider mid-stream.
type StreamError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("llm stream error %s: %s", e.Code, e.Message)
}

// MarshalOutput renders a tool result as a function-call output string.
func MarshalOutput(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return `{"status":"error","error":"unknown"}`
	}
	return string(b)
}
