// Package call runs one ConversationRelay connection: it wires the turn log,
// the agent, the completion loop and memory extraction to the websocket.
package call

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/callrelay/internal/agent"
	"github.com/ent0n29/callrelay/internal/convo"
	"github.com/ent0n29/callrelay/internal/llm"
	"github.com/ent0n29/callrelay/internal/loop"
	"github.com/ent0n29/callrelay/internal/memory"
	"github.com/ent0n29/callrelay/internal/observability"
	"github.com/ent0n29/callrelay/internal/policy"
	"github.com/ent0n29/callrelay/internal/profile"
	"github.com/ent0n29/callrelay/internal/protocol"
	"github.com/ent0n29/callrelay/internal/session"
	"github.com/ent0n29/callrelay/internal/tracking"
)

const (
	lookupTimeout   = 2 * time.Second
	turnSaveTimeout = 5 * time.Second
)

var (
	errRelayEnded       = errors.New("relay ended")
	errRelayUnavailable = errors.New("relay unavailable")
)

type Options struct {
	Sessions  *session.Manager
	Provider  llm.Provider
	Completer llm.ChatCompleter
	Profiles  profile.Store
	Tracker   tracking.Client
	Schemas   *memory.Registry
	Manifest  agent.Manifest
	// ToolFallback handles manifest tools without a built-in handler.
	ToolFallback agent.Handler

	Model              string
	CompanyName        string
	Loop               loop.Config
	ExtractionModel    string
	ExtractionInterval time.Duration
	Policy             memory.Policy

	Logger  *zap.Logger
	Metrics *observability.Metrics
}

type Orchestrator struct {
	opts Options
	log  *zap.Logger

	mu    sync.RWMutex
	calls map[string]*runtime
}

type runtime struct {
	store  *convo.Store
	cancel context.CancelFunc
}

func NewOrchestrator(opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Loop == (loop.Config{}) {
		opts.Loop = loop.DefaultConfig()
	}
	return &Orchestrator{
		opts:  opts,
		log:   opts.Logger.With(zap.String("component", "call")),
		calls: make(map[string]*runtime),
	}
}

// Turns returns the turn log of a live call.
func (o *Orchestrator) Turns(callSID string) ([]convo.Turn, bool) {
	o.mu.RLock()
	rt, ok := o.calls[callSID]
	o.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return rt.store.List(), true
}

// Terminate cancels a live call. It reports whether the call was running.
func (o *Orchestrator) Terminate(callSID string) bool {
	o.mu.RLock()
	rt, ok := o.calls[callSID]
	o.mu.RUnlock()
	if ok {
		rt.cancel()
	}
	return ok
}

func (o *Orchestrator) register(callSID string, rt *runtime) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if prev, ok := o.calls[callSID]; ok {
		prev.cancel()
	}
	o.calls[callSID] = rt
}

func (o *Orchestrator) unregister(callSID string, rt *runtime) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.calls[callSID] == rt {
		delete(o.calls, callSID)
	}
}

// RunConnection serves one call until inbound is closed, ctx is done or the
// relay is ended.
func (o *Orchestrator) RunConnection(ctx context.Context, setup protocol.Setup, inbound <-chan any, outbound chan<- any) error {
	if strings.TrimSpace(setup.CallSID) == "" {
		return errors.New("setup without call sid")
	}
	log := o.log.With(zap.String("call_sid", setup.CallSID))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	store := convo.NewStore(setup.CallSID)
	store.SetCaller(setup.From, setup.To)
	rt := &runtime{store: store, cancel: cancel}
	o.register(setup.CallSID, rt)
	defer o.unregister(setup.CallSID, rt)

	relay := &relayConn{
		outbound: outbound,
		done:     ctx.Done(),
		log:      log,
		metrics:  o.opts.Metrics,
		onEnd: func(reasonCode string) {
			o.endSession(setup.CallSID, reasonCode)
			cancel()
		},
	}

	o.identifyCaller(ctx, log, store, setup.From)

	resolver, err := agent.NewResolver(agent.Options{
		Manifest:    o.opts.Manifest,
		Model:       o.opts.Model,
		CompanyName: o.opts.CompanyName,
		Store:       store,
		Profiles:    o.opts.Profiles,
		Fallback:    o.opts.ToolFallback,
		Speaker:     relay,
		Logger:      log,
	})
	if err != nil {
		return fmt.Errorf("build agent resolver: %w", err)
	}
	resolver.Prime(ctx)

	lp := loop.New(o.opts.Loop, store, resolver, relay, o.opts.Provider, log, o.opts.Metrics)
	unsubscribe := lp.Subscribe(func(n loop.Notification) { o.onNotification(log, relay, n) })
	defer unsubscribe()
	unhook := store.OnCompletable(func() { lp.Completable(ctx) })
	defer unhook()

	var cycle *memory.Cycle
	if o.opts.Completer != nil && o.opts.Tracker != nil && o.opts.Schemas != nil {
		cycle = memory.NewCycle(memory.Options{
			Store:     store,
			Schemas:   o.opts.Schemas,
			Completer: o.opts.Completer,
			Tracker:   o.opts.Tracker,
			Policy:    o.opts.Policy,
			Model:     o.opts.ExtractionModel,
			Interval:  o.opts.ExtractionInterval,
			Logger:    log,
			Metrics:   o.opts.Metrics,
		})
		if err := cycle.Start(ctx); err != nil {
			log.Warn("memory extraction not started", zap.Error(err))
		}
	}

	if greeting := resolver.Greeting(); greeting != "" {
		store.AddBotText(convo.BotTextParams{Content: greeting, Origin: convo.OriginGreeting})
		_ = relay.Speak(ctx, greeting)
	}

	var runs sync.WaitGroup
	run := func() {
		runs.Add(1)
		go func() {
			defer runs.Done()
			lp.Run(ctx)
		}()
	}

	log.Info("relay connection started", zap.String("from", policy.MaskPhone(setup.From)))
	var partial strings.Builder
	for done := false; !done; {
		select {
		case <-ctx.Done():
			done = true
		case msg, ok := <-inbound:
			if !ok {
				done = true
				break
			}
			_ = o.opts.Sessions.Touch(setup.CallSID)
			switch m := msg.(type) {
			case protocol.Prompt:
				partial.WriteString(m.VoicePrompt)
				if !m.Last {
					continue
				}
				text := strings.TrimSpace(partial.String())
				partial.Reset()
				if text == "" {
					continue
				}
				store.AddHuman(text)
				_ = o.opts.Sessions.RecordPrompt(setup.CallSID)
				run()

			case protocol.Interrupt:
				ids := store.Interrupt(m.UtteranceUntilInterrupt)
				lp.Abort()
				_ = o.opts.Sessions.Interrupt(setup.CallSID)
				log.Info("caller interrupted", zap.Strings("turn_ids", ids))

			case protocol.DTMF:
				// Queued so a reply in flight is not preempted. The completable
				// signal starts a round when the loop is idle.
				store.Enqueue(convo.Turn{
					Role:    convo.RoleSystem,
					Origin:  convo.OriginSystem,
					Status:  convo.StatusComplete,
					Content: fmt.Sprintf("The caller pressed %s on the keypad.", m.Digit),
				})

			case protocol.Error:
				log.Warn("relay reported an error", zap.String("description", m.Description))
				o.opts.Metrics.ObserveSessionEvent("relay_error")

			case protocol.Setup:
				log.Debug("ignoring repeated setup")
			}
		}
	}

	cancel()
	if cycle != nil {
		cycle.Stop()
	}
	lp.Close()
	runs.Wait()
	resolver.Close()
	o.saveTurns(log, store)
	log.Info("relay connection finished", zap.Int("turns", len(store.List())))
	return nil
}

func (o *Orchestrator) identifyCaller(ctx context.Context, log *zap.Logger, store *convo.Store, phone string) {
	if o.opts.Profiles == nil || strings.TrimSpace(phone) == "" {
		return
	}
	lookupCtx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()
	p, err := o.opts.Profiles.Lookup(lookupCtx, "", phone)
	if errors.Is(err, profile.ErrNotFound) {
		log.Debug("caller not recognized")
		return
	}
	if err != nil {
		log.Warn("caller lookup failed", zap.Error(err))
		return
	}
	store.SetUser(convo.User{UserID: p.UserID, Traits: p.Traits})
	_ = o.opts.Sessions.SetUser(store.CallSID(), p.UserID)
	log.Info("caller identified", zap.String("user_id", p.UserID))
}

func (o *Orchestrator) onNotification(log *zap.Logger, relay *relayConn, n loop.Notification) {
	switch n.Kind {
	case loop.TextChunk:
		if n.Final {
			relay.token("", true)
			return
		}
		if n.Delta != "" {
			relay.token(n.Delta, false)
		}
	case loop.ToolStarting:
		log.Debug("tool starting", zap.String("tool", n.ToolCall.Function.Name), zap.String("round_id", n.RoundID))
	case loop.ToolError:
		log.Info("tool returned an error", zap.String("tool", n.ToolCall.Function.Name))
	}
}

func (o *Orchestrator) endSession(callSID, reason string) {
	if _, err := o.opts.Sessions.End(callSID, reason); err != nil && !errors.Is(err, session.ErrNotFound) {
		o.log.Warn("end session failed", zap.String("call_sid", callSID), zap.Error(err))
	}
}

// saveTurns persists the spoken turns of an identified caller for future
// calls. Content is redacted first.
func (o *Orchestrator) saveTurns(log *zap.Logger, store *convo.Store) {
	sc := store.Context()
	if o.opts.Profiles == nil || sc.User == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), turnSaveTimeout)
	defer cancel()

	saved := 0
	for _, t := range store.List() {
		role := ""
		switch {
		case t.Role == convo.RoleHuman:
			role = "user"
		case t.Role == convo.RoleBot && t.Type == convo.BotText && t.Origin != convo.OriginFiller:
			role = "assistant"
		default:
			continue
		}
		if strings.TrimSpace(t.Content) == "" {
			continue
		}
		content, redacted := policy.RedactPII(t.Content)
		err := o.opts.Profiles.SaveTurn(ctx, profile.TurnRecord{
			UserID:      sc.User.UserID,
			SessionID:   sc.CallSID,
			Role:        role,
			Content:     content,
			PIIRedacted: redacted,
			CreatedAt:   t.CreatedAt,
		})
		if err != nil {
			log.Warn("save turn failed", zap.Error(err))
			o.opts.Metrics.ObserveSessionEvent("turn_save_failed")
			return
		}
		saved++
	}
	log.Debug("saved call turns", zap.Int("count", saved))
}
