// Package agent resolves what the completion loop needs from the agent:
// instructions, tools, model configuration and tool execution.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"text/template"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/callrelay/internal/convo"
	"github.com/ent0n29/callrelay/internal/llm"
	"github.com/ent0n29/callrelay/internal/policy"
	"github.com/ent0n29/callrelay/internal/profile"
)

// ErrToolUnavailable is reported for tools with no handler.
var ErrToolUnavailable = errors.New("tool unavailable")

// Speaker says a short phrase to the caller outside of a completion round.
type Speaker interface {
	Speak(ctx context.Context, text string) error
}

// Call is one tool invocation.
type Call struct {
	TurnID  string
	Name    string
	Args    map[string]any
	Session convo.Context
}

type Handler interface {
	Handle(ctx context.Context, call Call) (any, error)
}

type HandlerFunc func(ctx context.Context, call Call) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, call Call) (any, error) { return f(ctx, call) }

type Options struct {
	Manifest Manifest
	Model    string
	// CompanyName overrides the manifest company name when set.
	CompanyName string
	Store       *convo.Store
	Profiles    profile.Store
	// Fallback handles manifest tools without a built-in handler.
	Fallback Handler
	Speaker  Speaker
	// HistoryLimit bounds the past turns rendered into the instructions.
	HistoryLimit int
	Logger       *zap.Logger
}

type Resolver struct {
	manifest Manifest
	model    string
	store    *convo.Store
	profiles profile.Store
	fallback Handler
	speaker  Speaker
	history  int
	log      *zap.Logger

	instructions *template.Template
	greetKnown   *template.Template
	greetUnknown *template.Template
	handlers     map[string]Handler
	tools        []llm.Tool

	mu        sync.Mutex
	fillerIdx map[string]int
	past      []profile.TurnRecord

	speakMu  sync.Mutex
	speakCh  chan string
	speakEnd bool
	speakWG  sync.WaitGroup
}

// fillerQueue bounds the phrases waiting to be spoken. Extra phrases are
// logged but not spoken.
const fillerQueue = 8

var templateFuncs = template.FuncMap{
	"json": func(v any) string {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	},
}

func NewResolver(opts Options) (*Resolver, error) {
	if opts.Store == nil {
		return nil, errors.New("agent resolver requires a turn store")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.CompanyName != "" {
		opts.Manifest.Company.Name = opts.CompanyName
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 20
	}

	r := &Resolver{
		manifest:  opts.Manifest,
		model:     opts.Model,
		store:     opts.Store,
		profiles:  opts.Profiles,
		fallback:  opts.Fallback,
		speaker:   opts.Speaker,
		history:   opts.HistoryLimit,
		log:       opts.Logger.With(zap.String("component", "agent")),
		handlers:  make(map[string]Handler),
		fillerIdx: make(map[string]int),
	}

	var err error
	if r.instructions, err = template.New("instructions").Funcs(templateFuncs).Parse(opts.Manifest.Instructions); err != nil {
		return nil, fmt.Errorf("parse instructions template: %w", err)
	}
	if r.greetKnown, err = template.New("greeting_known").Parse(opts.Manifest.Greeting.Known); err != nil {
		return nil, fmt.Errorf("parse greeting template: %w", err)
	}
	if r.greetUnknown, err = template.New("greeting_unknown").Parse(opts.Manifest.Greeting.Unknown); err != nil {
		return nil, fmt.Errorf("parse greeting template: %w", err)
	}

	if opts.Profiles != nil {
		for name, h := range profileHandlers(opts.Store, opts.Profiles) {
			r.handlers[name] = h
		}
	}
	for _, t := range opts.Manifest.Tools {
		r.tools = append(r.tools, llm.Tool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	if r.speaker != nil {
		r.speakCh = make(chan string, fillerQueue)
		r.speakWG.Add(1)
		go r.speakFillers()
	}

	return r, nil
}

// Prime loads the caller's past turns for the instructions. It is a no-op
// until a user is resolved.
func (r *Resolver) Prime(ctx context.Context) {
	sc := r.store.Context()
	if sc.User == nil || r.profiles == nil {
		return
	}
	past, err := r.profiles.RecentTurns(ctx, sc.User.UserID, r.history)
	if err != nil {
		r.log.Warn("load conversation history failed", zap.Error(err))
		return
	}
	r.mu.Lock()
	r.past = past
	r.mu.Unlock()
}

type instructionData struct {
	Company Company
	Caller  *convo.User
	History []profile.TurnRecord
	Now     time.Time
}

func (r *Resolver) Instructions() string {
	r.mu.Lock()
	past := r.past
	r.mu.Unlock()

	data := instructionData{
		Company: r.manifest.Company,
		Caller:  r.store.Context().User,
		History: past,
		Now:     time.Now().UTC(),
	}
	var buf bytes.Buffer
	if err := r.instructions.Execute(&buf, data); err != nil {
		r.log.Error("render instructions failed", zap.Error(err))
		return r.manifest.Instructions
	}
	return buf.String()
}

// Greeting renders the opening line for the call.
func (r *Resolver) Greeting() string {
	sc := r.store.Context()
	tmpl := r.greetUnknown
	data := struct {
		Company Company
		Name    string
	}{Company: r.manifest.Company}
	if sc.User != nil {
		data.Name = callerName(sc.User.Traits)
		if data.Name != "" {
			tmpl = r.greetKnown
		}
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		r.log.Error("render greeting failed", zap.Error(err))
		return ""
	}
	return buf.String()
}

func (r *Resolver) Tools() []llm.Tool {
	out := make([]llm.Tool, len(r.tools))
	copy(out, r.tools)
	return out
}

func (r *Resolver) LLMConfig() llm.Config {
	return llm.Config{Model: r.model}
}

// ExecuteTool runs a tool. Handler faults are returned as errors; a missing
// handler is a regular error result the model can react to.
func (r *Resolver) ExecuteTool(ctx context.Context, turnID, name string, args map[string]any) (convo.ToolResult, error) {
	h, ok := r.handlers[name]
	if !ok && r.fallback != nil && r.manifest.hasTool(name) {
		h, ok = r.fallback, true
	}
	if !ok {
		r.log.Warn("no handler for tool", zap.String("tool", name))
		return convo.ToolResult{Status: convo.ToolResultError, Error: ErrToolUnavailable.Error()}, nil
	}

	r.log.Debug("executing tool",
		zap.String("tool", name),
		zap.String("turn_id", turnID),
		zap.Any("args", policy.RedactValue(args)),
	)
	data, err := h.Handle(ctx, Call{TurnID: turnID, Name: name, Args: args, Session: r.store.Context()})
	if err != nil {
		return convo.ToolResult{}, fmt.Errorf("tool %s: %w", name, err)
	}
	return convo.ToolResult{Status: convo.ToolResultComplete, Data: data}, nil
}

// QueueFillerPhrase logs a filler turn and hands it to the speaker without
// waiting. Phrases rotate per tool so repeated calls do not sound canned.
func (r *Resolver) QueueFillerPhrase(turnID, toolName string) {
	phrase := r.nextFiller(toolName)
	if phrase == "" {
		return
	}
	r.store.AddBotText(convo.BotTextParams{Content: phrase, Origin: convo.OriginFiller})
	if r.speakCh == nil {
		return
	}
	r.speakMu.Lock()
	defer r.speakMu.Unlock()
	if r.speakEnd {
		return
	}
	select {
	case r.speakCh <- phrase:
	default:
		r.log.Warn("filler queue full, phrase not spoken", zap.String("turn_id", turnID))
	}
}

func (r *Resolver) speakFillers() {
	defer r.speakWG.Done()
	for phrase := range r.speakCh {
		if err := r.speaker.Speak(context.Background(), phrase); err != nil {
			r.log.Warn("speak filler failed", zap.Error(err))
		}
	}
}

// Close stops the filler speaker once queued phrases have been handed over.
func (r *Resolver) Close() {
	r.speakMu.Lock()
	if r.speakCh == nil || r.speakEnd {
		r.speakMu.Unlock()
		return
	}
	r.speakEnd = true
	close(r.speakCh)
	r.speakMu.Unlock()
	r.speakWG.Wait()
}

func (r *Resolver) nextFiller(toolName string) string {
	key := toolName
	phrases := r.manifest.Fillers[key]
	if len(phrases) == 0 {
		key = "default"
		phrases = r.manifest.Fillers[key]
	}
	if len(phrases) == 0 {
		return ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.fillerIdx[key]
	r.fillerIdx[key] = (i + 1) % len(phrases)
	return phrases[i]
}

func callerName(traits map[string]any) string {
	for _, k := range []string{"first_name", "firstName", "name"} {
		if s, ok := traits[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
