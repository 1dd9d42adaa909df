package call

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ent0n29/callrelay/internal/agent"
	"github.com/ent0n29/callrelay/internal/convo"
	"github.com/ent0n29/callrelay/internal/llm"
	"github.com/ent0n29/callrelay/internal/loop"
	"github.com/ent0n29/callrelay/internal/profile"
	"github.com/ent0n29/callrelay/internal/protocol"
	"github.com/ent0n29/callrelay/internal/session"
)

const waitFor = 2 * time.Second

type failingProvider struct{}

func (failingProvider) OpenStream(context.Context, llm.StreamRequest) (llm.Stream, error) {
	return nil, errors.New("upstream unavailable")
}

type harness struct {
	t        *testing.T
	orch     *Orchestrator
	sessions *session.Manager
	profiles *profile.InMemoryStore
	inbound  chan any
	outbound chan any
	done     chan error
}

func newHarness(t *testing.T, provider llm.Provider) *harness {
	t.Helper()
	manifest, err := agent.LoadManifest("")
	require.NoError(t, err)

	h := &harness{
		t:        t,
		sessions: session.NewManager(time.Minute),
		profiles: profile.NewInMemoryStore(),
		inbound:  make(chan any),
		outbound: make(chan any, 256),
		done:     make(chan error, 1),
	}
	h.orch = NewOrchestrator(Options{
		Sessions: h.sessions,
		Provider: provider,
		Profiles: h.profiles,
		Manifest: manifest,
		Model:    "gpt-4o",
		Loop:     loop.Config{RetryBackoff: time.Millisecond, MaxRetries: 3, MaxToolRounds: 8},
		Logger:   zaptest.NewLogger(t),
	})
	return h
}

func (h *harness) start(from string) protocol.Setup {
	setup := protocol.Setup{Type: protocol.TypeSetup, CallSID: "CA1", From: from, To: "+15550009999"}
	h.sessions.Create(setup.CallSID, setup.From, setup.To)
	go func() {
		h.done <- h.orch.RunConnection(context.Background(), setup, h.inbound, h.outbound)
	}()
	return setup
}

func (h *harness) send(msg any) {
	h.t.Helper()
	select {
	case h.inbound <- msg:
	case <-time.After(waitFor):
		h.t.Fatalf("inbound %T not consumed", msg)
	}
}

func (h *harness) next() any {
	h.t.Helper()
	select {
	case msg := <-h.outbound:
		return msg
	case <-time.After(waitFor):
		h.t.Fatalf("no outbound message")
		return nil
	}
}

// utterance joins text tokens until the last marker.
func (h *harness) utterance() string {
	h.t.Helper()
	var b strings.Builder
	for {
		msg, ok := h.next().(protocol.Text)
		require.True(h.t, ok, "expected a text message")
		b.WriteString(msg.Token)
		if msg.Last {
			return b.String()
		}
	}
}

func (h *harness) finish() {
	h.t.Helper()
	close(h.inbound)
	h.wait()
}

func (h *harness) wait() {
	h.t.Helper()
	select {
	case err := <-h.done:
		require.NoError(h.t, err)
	case <-time.After(waitFor):
		h.t.Fatalf("RunConnection did not return")
	}
}

func TestRunConnectionGreetsAndReplies(t *testing.T) {
	h := newHarness(t, llm.NewMockProvider())
	setup := h.start("+15550001111")

	assert.Contains(t, h.utterance(), "You've reached Owl Shoes")

	h.send(protocol.Prompt{Type: protocol.TypePrompt, VoicePrompt: "where is", Last: false})
	h.send(protocol.Prompt{Type: protocol.TypePrompt, VoicePrompt: " my order", Last: true})
	assert.Equal(t, "I heard you: where is my order", h.utterance())

	turns, ok := h.orch.Turns(setup.CallSID)
	require.True(t, ok)
	require.Len(t, turns, 3)
	assert.Equal(t, "where is my order", turns[1].Content)

	h.finish()
	_, ok = h.orch.Turns(setup.CallSID)
	assert.False(t, ok)

	s, err := h.sessions.Get(setup.CallSID)
	require.NoError(t, err)
	assert.Equal(t, 1, s.PromptCount)
}

func TestRunConnectionIdentifiesCallerAndSavesRedactedTurns(t *testing.T) {
	h := newHarness(t, llm.NewMockProvider())
	_, err := h.profiles.Identify(context.Background(), "user_42", map[string]any{"name": "Ada", "phone": "+15550001111"})
	require.NoError(t, err)
	setup := h.start("+15550001111")

	assert.Equal(t, "Hello Ada, thanks for calling Owl Shoes. How can I help you today?", h.utterance())
	h.send(protocol.Prompt{Type: protocol.TypePrompt, VoicePrompt: "my email is ada@example.com", Last: true})
	h.utterance()
	h.finish()

	s, err := h.sessions.Get(setup.CallSID)
	require.NoError(t, err)
	assert.Equal(t, "user_42", s.UserID)

	saved, err := h.profiles.RecentTurns(context.Background(), "user_42", 10)
	require.NoError(t, err)
	require.Len(t, saved, 3)
	assert.Equal(t, "assistant", saved[0].Role)
	assert.Equal(t, "user", saved[1].Role)
	assert.Equal(t, "my email is [REDACTED_EMAIL]", saved[1].Content)
	assert.True(t, saved[1].PIIRedacted)
	assert.Equal(t, setup.CallSID, saved[1].SessionID)
}

func TestRunConnectionInterruptTruncatesSpokenTurn(t *testing.T) {
	h := newHarness(t, llm.NewMockProvider())
	setup := h.start("")
	h.utterance()

	h.send(protocol.Interrupt{Type: protocol.TypeInterrupt, UtteranceUntilInterrupt: "You've reached"})
	require.Eventually(t, func() bool {
		turns, ok := h.orch.Turns(setup.CallSID)
		return ok && len(turns) == 1 && turns[0].Status == convo.StatusInterrupted
	}, waitFor, 5*time.Millisecond)
	turns, _ := h.orch.Turns(setup.CallSID)
	assert.Equal(t, "You've reached", turns[0].Content)

	h.finish()
	s, err := h.sessions.Get(setup.CallSID)
	require.NoError(t, err)
	assert.Equal(t, 1, s.InterruptionCount)
}

func TestRunConnectionDTMFBecomesSystemTurn(t *testing.T) {
	h := newHarness(t, llm.NewMockProvider())
	setup := h.start("")
	h.utterance()

	h.send(protocol.DTMF{Type: protocol.TypeDTMF, Digit: "5"})
	h.utterance()

	turns, ok := h.orch.Turns(setup.CallSID)
	require.True(t, ok)
	require.GreaterOrEqual(t, len(turns), 3)
	assert.Equal(t, convo.RoleSystem, turns[1].Role)
	assert.Equal(t, "The caller pressed 5 on the keypad.", turns[1].Content)
	assert.Equal(t, convo.RoleBot, turns[2].Role, "queued keypad note starts a reply")
	h.finish()
}

func TestRunConnectionRetryExhaustionEndsCall(t *testing.T) {
	h := newHarness(t, failingProvider{})
	setup := h.start("")
	h.utterance()

	h.send(protocol.Prompt{Type: protocol.TypePrompt, VoicePrompt: "hello", Last: true})
	end, ok := h.next().(protocol.End)
	require.True(t, ok, "expected an end message")
	assert.Contains(t, end.HandoffData, loop.MaxRetriesMessage)
	assert.Contains(t, end.HandoffData, `"reasonCode":"error"`)

	h.wait()
	s, err := h.sessions.Get(setup.CallSID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusEnded, s.Status)
	assert.Equal(t, "error", s.EndReason)
}

func TestTerminateStopsLiveCall(t *testing.T) {
	h := newHarness(t, llm.NewMockProvider())
	setup := h.start("")
	h.utterance()

	assert.True(t, h.orch.Terminate(setup.CallSID))
	h.wait()
	assert.False(t, h.orch.Terminate(setup.CallSID))
}

func TestRunConnectionRejectsSetupWithoutCallSID(t *testing.T) {
	h := newHarness(t, llm.NewMockProvider())
	err := h.orch.RunConnection(context.Background(), protocol.Setup{}, h.inbound, h.outbound)
	assert.Error(t, err)
}
