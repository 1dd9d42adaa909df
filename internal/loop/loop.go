// Package loop drives streaming completions for one call: it turns the turn
// log into provider input, streams the reply back into the log, runs tool
// calls and re-enters itself until the model produces a final answer.
package loop

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ent0n29/callrelay/internal/convo"
	"github.com/ent0n29/callrelay/internal/llm"
	"github.com/ent0n29/callrelay/internal/observability"
	"github.com/ent0n29/callrelay/internal/reliability"
)

// MaxRetriesMessage is sent to the relay when stream opens keep failing.
const MaxRetriesMessage = "LLM completion failed more than max retry attempt"

// Store is the part of the turn log the loop mutates.
type Store interface {
	List() []convo.Turn
	Get(turnID string) (convo.Turn, error)
	Status(turnID string) convo.Status
	AddBotText(p convo.BotTextParams) convo.Turn
	AddBotTool(p convo.BotToolParams) convo.Turn
	SetContent(turnID, content string) error
	SetStatus(turnID string, status convo.Status) error
	Supersede(turnID string) error
	AppendToolCall(turnID string, call convo.ToolCall) (int, error)
	UpdateToolCall(callID string, fn func(*convo.ToolCall)) error
	SetToolResult(callID string, result convo.ToolResult) error
	InsertQueuedItems() int
}

type Agent interface {
	Instructions() string
	Tools() []llm.Tool
	LLMConfig() llm.Config
	ExecuteTool(ctx context.Context, turnID, name string, args map[string]any) (convo.ToolResult, error)
	QueueFillerPhrase(turnID, toolName string)
}

// Relay is the channel to the caller. End is only used for unrecoverable
// failures.
type Relay interface {
	End(ctx context.Context, reasonCode, message string) error
}

type Config struct {
	RetryBackoff  time.Duration
	MaxRetries    int
	MaxToolRounds int
}

func DefaultConfig() Config {
	return Config{RetryBackoff: time.Second, MaxRetries: 3, MaxToolRounds: 8}
}

type claimMode int

const (
	// claimForce preempts any active round.
	claimForce claimMode = iota
	// claimIdle only starts when no round is active.
	claimIdle
	// claimSuccessor only starts while prev is still the active round.
	claimSuccessor
	// claimRetry only starts when idle and no round has begun since gen.
	claimRetry
)

type claim struct {
	mode claimMode
	prev string
	gen  uint64
}

type outcome int

const (
	outcomeDone outcome = iota
	outcomePreempted
	outcomeOpenFailed
	outcomeToolsResolved
)

// Loop owns at most one in-flight stream. The active round id is the only
// source of truth for whether work is still relevant.
type Loop struct {
	cfg      Config
	store    Store
	agent    Agent
	relay    Relay
	provider llm.Provider
	log      *zap.Logger
	metrics  *observability.Metrics

	mu     sync.Mutex
	round  string
	gen    uint64
	cancel context.CancelFunc
	stream llm.Stream
	ended  bool

	obsMu     sync.Mutex
	observers map[int]func(Notification)
	nextObs   int

	wg sync.WaitGroup
}

func New(cfg Config, store Store, agent Agent, relay Relay, provider llm.Provider, log *zap.Logger, metrics *observability.Metrics) *Loop {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Loop{
		cfg:       cfg,
		store:     store,
		agent:     agent,
		relay:     relay,
		provider:  provider,
		log:       log.With(zap.String("component", "loop")),
		metrics:   metrics,
		observers: make(map[int]func(Notification)),
	}
}

// Run starts a completion and returns once the loop goes idle or is
// preempted. A round already in flight is aborted: the newest request wins.
func (l *Loop) Run(ctx context.Context) {
	l.drive(ctx, claim{mode: claimForce})
}

// Completable is the handler for the turn store's completable signal. It is
// ignored while a round is active.
func (l *Loop) Completable(ctx context.Context) {
	if l.Busy() {
		l.log.Debug("completable ignored, round in flight")
		return
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.drive(ctx, claim{mode: claimIdle})
	}()
}

// Busy reports whether a round is active.
func (l *Loop) Busy() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.round != ""
}

// Abort cancels the active stream, if any, and clears the round.
func (l *Loop) Abort() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.abortLocked()
}

// Close aborts the active round and waits for background runs to exit.
func (l *Loop) Close() {
	l.mu.Lock()
	l.ended = true
	l.abortLocked()
	l.mu.Unlock()
	l.wg.Wait()
}

func (l *Loop) abortLocked() {
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	if l.stream != nil {
		_ = l.stream.Close()
		l.stream = nil
	}
	l.round = ""
}

func (l *Loop) begin(parent context.Context, c claim) (string, context.Context, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ended {
		return "", nil, false
	}
	switch c.mode {
	case claimForce:
		if l.round != "" {
			l.log.Warn("starting a completion while one is underway, aborting the previous round",
				zap.String("round_id", l.round))
			l.metrics.ObserveRound("preempted")
			l.abortLocked()
		}
	case claimIdle:
		if l.round != "" {
			return "", nil, false
		}
	case claimSuccessor:
		if l.round != c.prev {
			return "", nil, false
		}
		l.abortLocked()
	case claimRetry:
		if l.round != "" || l.gen != c.gen {
			return "", nil, false
		}
	}

	ctx, cancel := context.WithCancel(parent)
	l.gen++
	l.round = uuid.NewString()
	l.cancel = cancel
	return l.round, ctx, true
}

func (l *Loop) isActive(roundID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.round == roundID
}

// release clears roundID if it is still the active round and returns the
// generation at that point.
func (l *Loop) release(roundID string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.round == roundID {
		l.abortLocked()
	}
	return l.gen
}

// locked runs fn under the loop mutex if roundID is still active. A Run
// cannot start a new round while a stale one writes to the log.
func (l *Loop) locked(roundID string, fn func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.round != roundID {
		return false
	}
	fn()
	return true
}

func (l *Loop) attach(roundID string, s llm.Stream) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.round != roundID {
		return false
	}
	l.stream = s
	return true
}

// detach closes s unless an abort already did.
func (l *Loop) detach(s llm.Stream) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stream == s {
		_ = l.stream.Close()
		l.stream = nil
	}
}

func (l *Loop) drive(ctx context.Context, c claim) {
	attempt := 0
	toolRounds := 0
	started := false
	defer func() {
		if started {
			l.notify(Notification{Kind: RunFinished})
		}
	}()

	for {
		roundID, roundCtx, ok := l.begin(ctx, c)
		if !ok {
			if c.mode == claimRetry {
				l.log.Debug("retry superseded by a newer round")
			}
			return
		}
		if !started {
			started = true
			l.notify(Notification{Kind: RunStarted, RoundID: roundID})
		}

		switch l.runRound(ctx, roundCtx, roundID) {
		case outcomeDone:
			l.release(roundID)
			return

		case outcomePreempted:
			return

		case outcomeOpenFailed:
			attempt++
			gen := l.release(roundID)
			if err := reliability.Sleep(ctx, l.cfg.RetryBackoff); err != nil {
				return
			}
			if attempt > l.cfg.MaxRetries {
				l.endCall(ctx, gen)
				return
			}
			l.log.Info("completion retry attempt", zap.Int("attempt", attempt))
			l.metrics.ObserveRetry()
			c = claim{mode: claimRetry, gen: gen}

		case outcomeToolsResolved:
			toolRounds++
			if l.cfg.MaxToolRounds > 0 && toolRounds >= l.cfg.MaxToolRounds {
				l.log.Warn("tool round ceiling reached, not re-entering",
					zap.Int("tool_rounds", toolRounds))
				l.metrics.ObserveRound("tool_ceiling")
				l.release(roundID)
				return
			}
			attempt = 0
			c = claim{mode: claimSuccessor, prev: roundID}
		}
	}
}

// endCall gives up on the session unless a newer round has taken over while
// the last backoff elapsed.
func (l *Loop) endCall(ctx context.Context, gen uint64) {
	l.mu.Lock()
	if l.ended || l.round != "" || l.gen != gen {
		l.mu.Unlock()
		return
	}
	l.ended = true
	l.mu.Unlock()

	l.log.Error(MaxRetriesMessage, zap.Int("max_retries", l.cfg.MaxRetries))
	l.metrics.ObserveRound("failed")
	if l.relay == nil {
		return
	}
	if err := l.relay.End(ctx, "error", MaxRetriesMessage); err != nil {
		l.log.Warn("relay end failed", zap.Error(err))
	}
}

func (l *Loop) runRound(ctx, roundCtx context.Context, roundID string) outcome {
	log := l.log.With(zap.String("round_id", roundID))
	started := time.Now()
	defer func() { l.metrics.ObserveRoundStage(observability.StageRound, time.Since(started)) }()

	l.store.InsertQueuedItems()
	input, dropped := Translate(l.agent.Instructions(), l.store.List())
	for _, d := range dropped {
		if d.Interrupted {
			log.Warn("skipping interrupted turn", zap.String("turn_id", d.TurnID), zap.String("reason", d.Reason))
			continue
		}
		log.Error("dropping turn from completion input", zap.String("turn_id", d.TurnID), zap.String("reason", d.Reason))
	}

	stream, err := l.provider.OpenStream(roundCtx, llm.StreamRequest{
		Model: l.agent.LLMConfig().Model,
		Input: input,
		Tools: l.agent.Tools(),
	})
	if err != nil {
		if !l.isActive(roundID) {
			return outcomePreempted
		}
		log.Error("error attempting completion", zap.Error(err), zap.Int("input_items", len(input)))
		l.metrics.ObserveProviderError("llm", reliability.ErrorCode(err))
		return outcomeOpenFailed
	}
	if !l.attach(roundID, stream) {
		_ = stream.Close()
		return outcomePreempted
	}
	defer l.detach(stream)

	var pending []Notification
	st := newRoundState(roundID, l.store, l.agent, log, func(n Notification) { pending = append(pending, n) })
	st.firstToken = func() { l.metrics.ObserveFirstTokenLatency(time.Since(started)) }
	defer func() {
		if !l.isActive(roundID) {
			st.abandonTools()
		}
	}()

	for {
		evt, err := stream.Recv()
		if !l.isActive(roundID) {
			return outcomePreempted
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			log.Error("completion stream failed", zap.Error(err))
			l.metrics.ObserveProviderError("llm", reliability.ErrorCode(err))
			l.metrics.ObserveRound("stream_failed")
			l.locked(roundID, st.abandonTools)
			return outcomeDone
		}
		if !l.locked(roundID, func() { st.apply(evt) }) {
			return outcomePreempted
		}
		for _, n := range pending {
			l.notify(n)
		}
		pending = pending[:0]
	}

	var reason llm.FinishReason
	if !l.locked(roundID, func() { reason = st.result() }) {
		return outcomePreempted
	}
	switch reason {
	case llm.FinishStop:
		l.metrics.ObserveRound("stop")
		return outcomeDone

	case llm.FinishToolCalls:
		l.detach(stream)
		toolsStarted := time.Now()
		committed := l.executeTools(ctx, roundID, st.toolTurnID, log)
		l.metrics.ObserveRoundStage(observability.StageToolBatch, time.Since(toolsStarted))
		if !l.isActive(roundID) {
			log.Debug("round superseded during tool execution")
			return outcomePreempted
		}
		if !committed {
			l.metrics.ObserveRound("interrupted")
			return outcomeDone
		}
		if l.store.Status(st.toolTurnID) == convo.StatusStreaming {
			_ = l.store.SetStatus(st.toolTurnID, convo.StatusComplete)
		}
		l.metrics.ObserveRound("tool_calls")
		return outcomeToolsResolved

	default:
		log.Warn("unusual finish reason", zap.String("finish_reason", string(reason)))
		l.metrics.ObserveRound("anomalous")
		return outcomeDone
	}
}
