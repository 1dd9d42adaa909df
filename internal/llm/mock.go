package llm

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MockProvider provides deterministic local replies when no API key is set.
type MockProvider struct{}

func NewMockProvider() *MockProvider { return &MockProvider{} }

func (p *MockProvider) OpenStream(ctx context.Context, req StreamRequest) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text := mockReply(req.Input)
	id := "msg_" + uuid.NewString()

	words := strings.SplitAfter(text, " ")
	events := make([]Event, 0, len(words)+4)
	events = append(events, Event{Kind: EventItemAdded, ItemID: id, Item: &Item{ID: id, Type: ItemMessage}})
	for _, w := range words {
		events = append(events, Event{Kind: EventTextDelta, ItemID: id, Delta: w})
	}
	events = append(events,
		Event{Kind: EventTextDone, ItemID: id, Text: text},
		Event{Kind: EventItemDone, ItemID: id, Item: &Item{ID: id, Type: ItemMessage, Status: "completed"}},
		Event{Kind: EventCompleted},
	)
	return NewEventStream(events...), nil
}

// CreateChatCompletion never calls tools, so extraction against the mock is a
// no-op.
func (p *MockProvider) CreateChatCompletion(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return ChatResponse{}, err
	}
	return ChatResponse{
		ID:    "mock",
		Model: req.Model,
		Choices: []ChatChoice{{
			FinishReason: FinishStop,
			Message:      ChatMessage{Role: "assistant", Content: "nothing to extract"},
		}},
	}, nil
}

func mockReply(input []InputItem) string {
	base := ""
	for i := len(input) - 1; i >= 0; i-- {
		if input[i].Role != "user" {
			continue
		}
		base = contentText(input[i].Content)
		break
	}
	base = strings.TrimSpace(base)
	if base == "" {
		return "I am listening."
	}
	return fmt.Sprintf("I heard you: %s", base)
}

func contentText(content any) string {
	switch c := content.(type) {
	case string:
		return c
	case []ContentPart:
		parts := make([]string, 0, len(c))
		for _, p := range c {
			parts = append(parts, p.Text)
		}
		return strings.Join(parts, " ")
	default:
		return ""
	}
}

// EventStream replays a fixed list of events. Close makes further Recv calls
// return io.EOF.
type EventStream struct {
	mu     sync.Mutex
	events []Event
	err    error
	closed bool
}

func NewEventStream(events ...Event) *EventStream {
	return &EventStream{events: events}
}

// FailAfter makes Recv return err once every event has been delivered.
func (s *EventStream) FailAfter(err error) *EventStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
	return s
}

func (s *EventStream) Recv() (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Event{}, io.EOF
	}
	if len(s.events) == 0 {
		if s.err != nil {
			return Event{}, s.err
		}
		return Event{}, io.EOF
	}
	evt := s.events[0]
	s.events = s.events[1:]
	return evt, nil
}

func (s *EventStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
