package loop

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/ent0n29/callrelay/internal/convo"
	"github.com/ent0n29/callrelay/internal/llm"
)

type openFunc func(ctx context.Context) (llm.Stream, error)

type scriptedProvider struct {
	mu       sync.Mutex
	requests []llm.StreamRequest
	openedAt []time.Time
	script   []openFunc
	fallback openFunc
}

func (p *scriptedProvider) OpenStream(ctx context.Context, req llm.StreamRequest) (llm.Stream, error) {
	p.mu.Lock()
	i := len(p.requests)
	p.requests = append(p.requests, req)
	p.openedAt = append(p.openedAt, time.Now())
	fn := p.fallback
	if i < len(p.script) {
		fn = p.script[i]
	}
	p.mu.Unlock()
	if fn == nil {
		return nil, errors.New("unexpected stream open")
	}
	return fn(ctx)
}

func (p *scriptedProvider) opens() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *scriptedProvider) request(i int) llm.StreamRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[i]
}

// gaps returns the time between consecutive stream opens.
func (p *scriptedProvider) gaps() []time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []time.Duration
	for i := 1; i < len(p.openedAt); i++ {
		out = append(out, p.openedAt[i].Sub(p.openedAt[i-1]))
	}
	return out
}

func failOpen(context.Context) (llm.Stream, error) {
	return nil, &llm.APIError{StatusCode: 503, Body: "overloaded"}
}

func serve(events ...llm.Event) openFunc {
	return func(context.Context) (llm.Stream, error) {
		return llm.NewEventStream(events...), nil
	}
}

// held returns a stream that blocks until release is closed or the round
// context is cancelled, then replays events.
func held(release <-chan struct{}, events ...llm.Event) openFunc {
	return func(ctx context.Context) (llm.Stream, error) {
		return &heldStream{ctx: ctx, release: release, inner: llm.NewEventStream(events...)}, nil
	}
}

type heldStream struct {
	ctx     context.Context
	release <-chan struct{}
	inner   *llm.EventStream
}

func (s *heldStream) Recv() (llm.Event, error) {
	select {
	case <-s.ctx.Done():
		return llm.Event{}, s.ctx.Err()
	case <-s.release:
		return s.inner.Recv()
	}
}

func (s *heldStream) Close() error { return s.inner.Close() }

func textEvents(id, text string) []llm.Event {
	half := len(text) / 2
	return []llm.Event{
		{Kind: llm.EventItemAdded, ItemID: id, Item: &llm.Item{ID: id, Type: llm.ItemMessage}},
		{Kind: llm.EventTextDelta, ItemID: id, Delta: text[:half]},
		{Kind: llm.EventTextDelta, ItemID: id, Delta: text[half:]},
		{Kind: llm.EventTextDone, ItemID: id, Text: text},
		{Kind: llm.EventItemDone, ItemID: id, Item: &llm.Item{ID: id, Type: llm.ItemMessage}},
		{Kind: llm.EventCompleted},
	}
}

type fnCall struct {
	id, callID, name, args string
}

func toolEvents(calls ...fnCall) []llm.Event {
	var out []llm.Event
	for _, c := range calls {
		out = append(out, llm.Event{Kind: llm.EventItemAdded, ItemID: c.id, Item: &llm.Item{ID: c.id, Type: llm.ItemFunctionCall, CallID: c.callID, Name: c.name}})
	}
	for _, c := range calls {
		out = append(out,
			llm.Event{Kind: llm.EventArgumentsDelta, ItemID: c.id, Delta: c.args},
			llm.Event{Kind: llm.EventArgumentsDone, ItemID: c.id, Arguments: c.args},
		)
	}
	return append(out, llm.Event{Kind: llm.EventCompleted})
}

type invocation struct {
	turnID string
	name   string
	args   map[string]any
}

type fakeAgent struct {
	mu      sync.Mutex
	exec    func(ctx context.Context, name string, args map[string]any) (convo.ToolResult, error)
	calls   []invocation
	fillers []string
}

func (a *fakeAgent) Instructions() string  { return "be helpful" }
func (a *fakeAgent) Tools() []llm.Tool     { return []llm.Tool{{Type: "function", Name: "get_order"}} }
func (a *fakeAgent) LLMConfig() llm.Config { return llm.Config{Model: "test-model"} }

func (a *fakeAgent) ExecuteTool(ctx context.Context, turnID, name string, args map[string]any) (convo.ToolResult, error) {
	a.mu.Lock()
	a.calls = append(a.calls, invocation{turnID: turnID, name: name, args: args})
	exec := a.exec
	a.mu.Unlock()
	if exec == nil {
		return convo.ToolResult{Status: convo.ToolResultComplete, Data: map[string]any{"ok": true}}, nil
	}
	return exec(ctx, name, args)
}

func (a *fakeAgent) QueueFillerPhrase(_, toolName string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fillers = append(a.fillers, toolName)
}

func (a *fakeAgent) invocations() []invocation {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]invocation(nil), a.calls...)
}

type endCall struct{ code, message string }

type fakeRelay struct {
	mu   sync.Mutex
	ends []endCall
}

func (r *fakeRelay) End(_ context.Context, code, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ends = append(r.ends, endCall{code, message})
	return nil
}

func (r *fakeRelay) endCalls() []endCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]endCall(nil), r.ends...)
}

type recorder struct {
	mu    sync.Mutex
	notes []Notification
}

func (r *recorder) record(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

func (r *recorder) kinds() []NotificationKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]NotificationKind, 0, len(r.notes))
	for _, n := range r.notes {
		out = append(out, n.Kind)
	}
	return out
}

func (r *recorder) count(kind NotificationKind) int {
	n := 0
	for _, k := range r.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

type harness struct {
	loop     *Loop
	store    *convo.Store
	provider *scriptedProvider
	agent    *fakeAgent
	relay    *fakeRelay
	notes    *recorder
}

func newHarness(t *testing.T, cfg Config, provider *scriptedProvider) *harness {
	t.Helper()
	h := &harness{
		store:    convo.NewStore("CA1"),
		provider: provider,
		agent:    &fakeAgent{},
		relay:    &fakeRelay{},
		notes:    &recorder{},
	}
	h.loop = New(cfg, h.store, h.agent, h.relay, provider, zaptest.NewLogger(t), nil)
	h.loop.Subscribe(h.notes.record)
	t.Cleanup(h.loop.Close)
	return h
}

func fastConfig() Config {
	return Config{RetryBackoff: time.Millisecond, MaxRetries: 3, MaxToolRounds: 8}
}

func toolCall(t *testing.T, s *convo.Store, id string) convo.ToolCall {
	t.Helper()
	for _, turn := range s.List() {
		for _, tc := range turn.ToolCalls {
			if tc.ID == id {
				return tc
			}
		}
	}
	t.Fatalf("tool call %q not found", id)
	return convo.ToolCall{}
}
