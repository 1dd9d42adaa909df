package memory

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"text/template"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/callrelay/internal/convo"
	"github.com/ent0n29/callrelay/internal/llm"
	"github.com/ent0n29/callrelay/internal/observability"
	"github.com/ent0n29/callrelay/internal/policy"
	"github.com/ent0n29/callrelay/internal/tracking"
)

const (
	minTranscriptLen = 50
	extractToolName  = "extract_memory"
)

var ErrAlreadyStarted = errors.New("memory extraction cycle already started")

//go:embed instructions.tmpl
var instructionsTemplate string

var instructions = template.Must(template.New("extraction").Parse(instructionsTemplate))

// SessionStore is the read side of the turn log plus the trait mirror.
type SessionStore interface {
	CallSID() string
	List() []convo.Turn
	Context() convo.Context
	SetUserTraits(traits map[string]any) bool
}

type SchemaSource interface {
	ActiveSchemas() map[string]Schema
}

type Options struct {
	Store     SessionStore
	Schemas   SchemaSource
	Completer llm.ChatCompleter
	Tracker   tracking.Client
	Policy    Policy
	Model     string
	Interval  time.Duration
	Logger    *zap.Logger
	Metrics   *observability.Metrics
	Now       func() time.Time
}

// Cycle periodically extracts memories from one session. Every fault is
// logged and ends the tick.
type Cycle struct {
	store     SessionStore
	schemas   SchemaSource
	completer llm.ChatCompleter
	tracker   tracking.Client
	policy    Policy
	model     string
	interval  time.Duration
	log       *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running sync.Mutex
}

func NewCycle(opts Options) *Cycle {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Policy == (Policy{}) {
		opts.Policy = DefaultPolicy()
	}
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	return &Cycle{
		store:     opts.Store,
		schemas:   opts.Schemas,
		completer: opts.Completer,
		tracker:   opts.Tracker,
		policy:    opts.Policy,
		model:     opts.Model,
		interval:  opts.Interval,
		log:       opts.Logger.With(zap.String("component", "memory_extraction")),
		metrics:   opts.Metrics,
		now:       opts.Now,
	}
}

// Start runs Execute on every interval until Stop or ctx is done.
func (c *Cycle) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Execute(ctx)
			}
		}
	}(c.done)
	return nil
}

// Stop cancels the ticker and waits for an in-flight tick to return.
func (c *Cycle) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Execute runs one extraction tick.
func (c *Cycle) Execute(ctx context.Context) {
	c.running.Lock()
	defer c.running.Unlock()
	started := c.now()
	defer func() { c.metrics.ObserveRoundStage(observability.StageExtraction, c.now().Sub(started)) }()

	transcript := Transcript(c.store.List())
	if len(transcript) < minTranscriptLen {
		c.metrics.ObserveExtraction("short_transcript")
		return
	}
	sessCtx := c.store.Context()
	if sessCtx.User == nil || sessCtx.User.UserID == "" {
		c.log.Warn("no user id found, skipping memory extraction")
		c.metrics.ObserveExtraction("no_user")
		return
	}
	userID := sessCtx.User.UserID
	log := c.log.With(zap.String("user_id", userID))

	active := c.schemas.ActiveSchemas()
	if len(active) == 0 {
		c.metrics.ObserveExtraction("no_schemas")
		return
	}

	prompt, err := renderInstructions(userID, transcript, active, CurrentMemories(sessCtx.User.Traits, active))
	if err != nil {
		log.Error("render extraction instructions failed", zap.Error(err))
		c.metrics.ObserveExtraction("failed")
		return
	}

	res, err := c.completer.CreateChatCompletion(ctx, llm.ChatRequest{
		Model:      c.model,
		Messages:   []llm.ChatMessage{{Role: "user", Content: prompt}},
		Tools:      []llm.ChatTool{extractTool(active)},
		ToolChoice: "auto",
	})
	if err != nil {
		log.Error("memory extraction completion request failed", zap.Error(err))
		c.metrics.ObserveProviderError("llm", "extraction")
		c.metrics.ObserveExtraction("failed")
		return
	}
	if len(res.Choices) == 0 {
		log.Warn("memory extraction returned no choices")
		c.metrics.ObserveExtraction("failed")
		return
	}

	choice := res.Choices[0]
	if choice.FinishReason != llm.FinishToolCalls || len(choice.Message.ToolCalls) == 0 {
		log.Debug("no memories extracted from current conversation", zap.String("finish_reason", string(choice.FinishReason)))
		c.metrics.ObserveExtraction("none")
		return
	}
	for _, tc := range choice.Message.ToolCalls {
		if tc.Function.Name != extractToolName {
			log.Warn("ignoring unexpected extraction tool", zap.String("tool", tc.Function.Name))
			continue
		}
		ext, err := parseExtraction(tc.Function.Arguments)
		if err != nil {
			redacted, _ := policy.RedactPII(tc.Function.Arguments)
			log.Error("error processing extraction tool call", zap.String("arguments", redacted), zap.Error(err))
			c.metrics.ObserveExtraction("rejected")
			continue
		}
		c.metrics.ObserveExtraction(c.apply(ctx, log, userID, active, ext))
	}
}

// apply validates ext, runs the novelty policy and writes the merged record.
// It returns the outcome label.
func (c *Cycle) apply(ctx context.Context, log *zap.Logger, userID string, active map[string]Schema, ext Extraction) string {
	log = log.With(zap.String("schema_id", ext.SchemaID))
	if _, ok := active[ext.SchemaID]; !ok {
		log.Warn("unknown schema id")
		return "rejected"
	}
	if ext.Data == nil {
		log.Warn("invalid or missing memory_data")
		return "rejected"
	}
	if !c.policy.Accept(ext.Confidence) {
		log.Debug("low confidence extraction, skipping", zap.Float64("confidence", ext.Confidence))
		return "low_confidence"
	}

	var traits map[string]any
	if u := c.store.Context().User; u != nil {
		traits = u.Traits
	}
	var existing *Record
	if r, ok := RecordFromTrait(traits[ext.SchemaID]); ok {
		existing = &r
		if c.policy.ShouldSkip(r, ext.Data, ext.Confidence) {
			log.Debug("no meaningful new information to merge")
			return "skipped"
		}
	}

	merged := Merge(existing, ext.Data, ext.Confidence, c.store.CallSID(), c.now())
	updated := make(map[string]any, len(traits)+1)
	for k, v := range traits {
		updated[k] = v
	}
	updated[ext.SchemaID] = merged.Trait()

	if err := c.tracker.Identify(ctx, tracking.IdentifyParams{UserID: userID, Traits: updated}); err != nil {
		log.Error("failed to store memory", zap.Error(err))
		return "write_failed"
	}
	c.store.SetUserTraits(updated)

	reasoning, _ := policy.RedactPII(ext.Reasoning)
	log.Info("memory extracted",
		zap.Float64("confidence", merged.Confidence),
		zap.Strings("sources", merged.Sources),
		zap.String("reasoning", reasoning),
	)
	return "applied"
}

func parseExtraction(args string) (Extraction, error) {
	var raw struct {
		SchemaID   string          `json:"schema_id"`
		Data       json.RawMessage `json:"memory_data"`
		Confidence float64         `json:"confidence"`
		Reasoning  string          `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(args), &raw); err != nil {
		return Extraction{}, fmt.Errorf("decode extraction arguments: %w", err)
	}
	ext := Extraction{SchemaID: raw.SchemaID, Confidence: raw.Confidence, Reasoning: raw.Reasoning}
	if len(raw.Data) > 0 {
		// Non-object memory_data leaves Data nil and is rejected later.
		_ = json.Unmarshal(raw.Data, &ext.Data)
	}
	return ext, nil
}

// Transcript renders human turns and spoken bot text as [ROLE]: lines.
func Transcript(turns []convo.Turn) string {
	lines := make([]string, 0, len(turns))
	for _, t := range turns {
		switch t.Role {
		case convo.RoleHuman:
			lines = append(lines, "[HUMAN]: "+t.Content)
		case convo.RoleBot:
			if t.Origin == convo.OriginFiller || t.Type == convo.BotTool {
				continue
			}
			lines = append(lines, "[BOT]: "+t.Content)
		}
	}
	return strings.Join(lines, "\n\n")
}

func renderInstructions(userID, transcript string, schemas map[string]Schema, memories map[string]Record) (string, error) {
	schemaJSON, err := json.MarshalIndent(schemas, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode schemas: %w", err)
	}
	memoryJSON, err := json.MarshalIndent(memories, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode memories: %w", err)
	}
	var buf bytes.Buffer
	err = instructions.Execute(&buf, struct {
		UserID, Transcript, Schemas, Memories string
	}{userID, transcript, string(schemaJSON), string(memoryJSON)})
	if err != nil {
		return "", fmt.Errorf("render instructions: %w", err)
	}
	return buf.String(), nil
}

func extractTool(active map[string]Schema) llm.ChatTool {
	ids := make([]string, 0, len(active))
	for id := range active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return llm.ChatTool{
		Type: "function",
		Function: llm.ChatFunction{
			Name:        extractToolName,
			Description: "Extract or update memory information for a user. MUST include memory_data with the actual extracted information.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"schema_id": map[string]any{
						"type":        "string",
						"enum":        ids,
						"description": "The ID of the memory schema",
					},
					"memory_data": map[string]any{
						"type":        "object",
						"description": `The extracted memory data as a JSON object matching the schema properties. Example: {"diet_type": "vegetarian", "allergies": ["nuts"]}`,
					},
					"confidence": map[string]any{
						"type":        "number",
						"minimum":     0,
						"maximum":     1,
						"description": "Confidence score for the extraction (0-1)",
					},
					"reasoning": map[string]any{
						"type":        "string",
						"description": "Brief explanation of why this memory was extracted",
					},
				},
				"required": []string{"schema_id", "memory_data", "confidence", "reasoning"},
			},
		},
	}
}
