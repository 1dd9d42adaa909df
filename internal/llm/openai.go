package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultBaseURL = "https://api.openai.com/v1"

// OpenAIClient talks to the OpenAI Responses and Chat Completions APIs.
type OpenAIClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	log     *zap.Logger
}

func NewOpenAIClient(baseURL, apiKey string, log *zap.Logger) *OpenAIClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &OpenAIClient{
		baseURL: baseURL,
		apiKey:  strings.TrimSpace(apiKey),
		// No global timeout: streams are long-lived and bounded by ctx.
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: 60 * time.Second,
				IdleConnTimeout:       90 * time.Second,
				MaxIdleConnsPerHost:   8,
			},
		},
		log: log.With(zap.String("provider", "openai")),
	}
}

type responsesRequest struct {
	StreamRequest
	Stream bool `json:"stream"`
}

// OpenStream starts a streaming Responses request. Errors returned here are
// open failures; failures after this returns surface from Recv.
func (c *OpenAIClient) OpenStream(ctx context.Context, req StreamRequest) (Stream, error) {
	res, err := c.post(ctx, "/responses", responsesRequest{StreamRequest: req, Stream: true}, "text/event-stream")
	if err != nil {
		return nil, err
	}
	c.log.Debug("stream opened", zap.String("model", req.Model), zap.Int("input_items", len(req.Input)), zap.Int("tools", len(req.Tools)))
	return newSSEStream(res.Body), nil
}

func (c *OpenAIClient) CreateChatCompletion(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	res, err := c.post(ctx, "/chat/completions", req, "application/json")
	if err != nil {
		return ChatResponse{}, err
	}
	defer res.Body.Close()

	var out ChatResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return ChatResponse{}, fmt.Errorf("decode chat completion: %w", err)
	}
	if len(out.Choices) == 0 {
		return ChatResponse{}, fmt.Errorf("chat completion returned no choices")
	}
	return out, nil
}

func (c *OpenAIClient) post(ctx context.Context, path string, body any, accept string) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", accept)
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	res, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		defer res.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return nil, &APIError{StatusCode: res.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	return res, nil
}

// sseStream decodes a text/event-stream body into Events, skipping the
// lifecycle events the loop has no use for.
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	done    bool
}

func newSSEStream(body io.ReadCloser) *sseStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &sseStream{body: body, scanner: scanner}
}

func (s *sseStream) Recv() (Event, error) {
	for {
		if s.done {
			return Event{}, io.EOF
		}
		data, err := s.nextData()
		if err != nil {
			return Event{}, err
		}
		if data == "[DONE]" {
			s.done = true
			return Event{}, io.EOF
		}
		evt, ok, err := decodeEvent([]byte(data))
		if err != nil {
			return Event{}, err
		}
		if ok {
			if evt.Kind == EventCompleted {
				s.done = true
			}
			return evt, nil
		}
	}
}

// nextData returns the joined data lines of the next SSE event.
func (s *sseStream) nextData() (string, error) {
	var lines []string
	for s.scanner.Scan() {
		line := s.scanner.Text()
		if line == "" {
			if len(lines) == 0 {
				continue
			}
			return strings.Join(lines, "\n"), nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if strings.HasPrefix(line, "data:") {
			lines = append(lines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := s.scanner.Err(); err != nil {
		return "", fmt.Errorf("stream read: %w", err)
	}
	if len(lines) > 0 {
		return strings.Join(lines, "\n"), nil
	}
	return "", io.EOF
}

func (s *sseStream) Close() error {
	s.done = true
	return s.body.Close()
}

type wireEvent struct {
	Type      string `json:"type"`
	ItemID    string `json:"item_id"`
	Item      *Item  `json:"item"`
	Delta     string `json:"delta"`
	Text      string `json:"text"`
	Arguments string `json:"arguments"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Response  *struct {
		Status            string       `json:"status"`
		Error             *StreamError `json:"error"`
		IncompleteDetails *struct {
			Reason string `json:"reason"`
		} `json:"incomplete_details"`
	} `json:"response"`
}

func decodeEvent(raw []byte) (Event, bool, error) {
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return Event{}, false, fmt.Errorf("decode stream event: %w", err)
	}
	switch w.Type {
	case "response.output_item.added":
		if w.Item == nil {
			return Event{}, false, nil
		}
		return Event{Kind: EventItemAdded, ItemID: w.Item.ID, Item: w.Item}, true, nil
	case "response.output_item.done":
		if w.Item == nil {
			return Event{}, false, nil
		}
		return Event{Kind: EventItemDone, ItemID: w.Item.ID, Item: w.Item}, true, nil
	case "response.output_text.delta":
		return Event{Kind: EventTextDelta, ItemID: w.ItemID, Delta: w.Delta}, true, nil
	case "response.output_text.done":
		return Event{Kind: EventTextDone, ItemID: w.ItemID, Text: w.Text}, true, nil
	case "response.function_call_arguments.delta":
		return Event{Kind: EventArgumentsDelta, ItemID: w.ItemID, Delta: w.Delta}, true, nil
	case "response.function_call_arguments.done":
		return Event{Kind: EventArgumentsDone, ItemID: w.ItemID, Arguments: w.Arguments}, true, nil
	case "response.completed":
		return Event{Kind: EventCompleted}, true, nil
	case "response.incomplete":
		evt := Event{Kind: EventCompleted, Reason: FinishLength}
		if w.Response != nil && w.Response.IncompleteDetails != nil && w.Response.IncompleteDetails.Reason == "content_filter" {
			evt.Reason = FinishContentFilter
		}
		return evt, true, nil
	case "response.failed":
		if w.Response != nil && w.Response.Error != nil {
			return Event{}, false, w.Response.Error
		}
		return Event{}, false, &StreamError{Code: "failed", Message: "response failed"}
	case "error":
		return Event{}, false, &StreamError{Code: w.Code, Message: w.Message}
	default:
		return Event{}, false, nil
	}
}
