// Package convo holds the ordered turn log and session context of one call.
package convo

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	ErrTurnNotFound     = errors.New("turn not found")
	ErrToolCallNotFound = errors.New("tool call not found")
)

// Store is an append-only log of turns. Turns may be mutated in place
// (content, status, tool calls) while a completion streams into them.
type Store struct {
	mu        sync.RWMutex
	turns     []*Turn
	byID      map[string]*Turn
	callOwner map[string]string
	queued    []Turn
	ctx       Context

	hookMu   sync.Mutex
	hooks    map[int]func()
	nextHook int

	now func() time.Time
}

func NewStore(callSID string) *Store {
	return &Store{
		byID:      make(map[string]*Turn),
		callOwner: make(map[string]string),
		ctx:       Context{CallSID: callSID},
		hooks:     make(map[int]func()),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) CallSID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ctx.CallSID
}

// List returns copies of every turn in log order.
func (s *Store) List() []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Turn, 0, len(s.turns))
	for _, t := range s.turns {
		out = append(out, t.clone())
	}
	return out
}

func (s *Store) Get(turnID string) (Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.byID[turnID]
	if !ok {
		return Turn{}, ErrTurnNotFound
	}
	return t.clone(), nil
}

// Status returns the current status of a turn, or "" if it does not exist.
func (s *Store) Status(turnID string) Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.byID[turnID]; ok {
		return t.Status
	}
	return ""
}

func (s *Store) AddHuman(content string) Turn {
	return s.append(Turn{Role: RoleHuman, Content: content, Status: StatusComplete})
}

func (s *Store) AddSystem(content string) Turn {
	return s.append(Turn{Role: RoleSystem, Origin: OriginSystem, Content: content, Status: StatusComplete})
}

func (s *Store) AddDTMF(digits string) Turn {
	return s.append(Turn{Role: RoleBot, Type: BotDTMF, Origin: OriginDTMF, Content: digits, Status: StatusComplete})
}

func (s *Store) AddBotText(p BotTextParams) Turn {
	if p.Origin == "" {
		p.Origin = OriginLLM
	}
	if p.Status == "" {
		p.Status = StatusComplete
	}
	return s.append(Turn{
		ID:      p.ID,
		Role:    RoleBot,
		Type:    BotText,
		Origin:  p.Origin,
		Status:  p.Status,
		Content: p.Content,
	})
}

func (s *Store) AddBotTool(p BotToolParams) Turn {
	if p.Origin == "" {
		p.Origin = OriginLLM
	}
	if p.Status == "" {
		p.Status = StatusStreaming
	}
	calls := make([]ToolCall, len(p.ToolCalls))
	copy(calls, p.ToolCalls)
	return s.append(Turn{
		ID:        p.ID,
		Role:      RoleBot,
		Type:      BotTool,
		Origin:    p.Origin,
		Status:    p.Status,
		ToolCalls: calls,
	})
}

func (s *Store) append(t Turn) Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(t)
}

func (s *Store) appendLocked(t Turn) Turn {
	if t.ID == "" || s.byID[t.ID] != nil {
		t.ID = ulid.Make().String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	t.Seq = len(s.turns)
	stored := t.clone()
	s.turns = append(s.turns, &stored)
	s.byID[stored.ID] = &stored
	for _, tc := range stored.ToolCalls {
		s.callOwner[tc.ID] = stored.ID
	}
	return stored.clone()
}

func (s *Store) SetContent(turnID, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[turnID]
	if !ok {
		return ErrTurnNotFound
	}
	t.Content = content
	return nil
}

func (s *Store) SetStatus(turnID string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[turnID]
	if !ok {
		return ErrTurnNotFound
	}
	t.Status = status
	return nil
}

// Supersede marks a turn interrupted and excludes it from later completion
// input. Unlike Interrupt, the turn is not kept as history.
func (s *Store) Supersede(turnID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[turnID]
	if !ok {
		return ErrTurnNotFound
	}
	t.Status = StatusInterrupted
	t.Superseded = true
	return nil
}

// AppendToolCall adds a tool call slot to a tool turn and returns its index.
func (s *Store) AppendToolCall(turnID string, call ToolCall) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[turnID]
	if !ok {
		return -1, ErrTurnNotFound
	}
	t.ToolCalls = append(t.ToolCalls, call)
	s.callOwner[call.ID] = t.ID
	return len(t.ToolCalls) - 1, nil
}

// UpdateToolCall applies fn to the tool call identified by callID.
func (s *Store) UpdateToolCall(callID string, fn func(*ToolCall)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tc, err := s.toolCallLocked(callID)
	if err != nil {
		return err
	}
	fn(tc)
	return nil
}

func (s *Store) SetToolResult(callID string, result ToolResult) error {
	return s.UpdateToolCall(callID, func(tc *ToolCall) {
		r := result
		tc.Result = &r
	})
}

func (s *Store) toolCallLocked(callID string) (*ToolCall, error) {
	owner, ok := s.callOwner[callID]
	if !ok {
		return nil, ErrToolCallNotFound
	}
	t := s.byID[owner]
	for i := range t.ToolCalls {
		if t.ToolCalls[i].ID == callID {
			return &t.ToolCalls[i], nil
		}
	}
	return nil, ErrToolCallNotFound
}

// Enqueue parks an out-of-band item until the next completion round and
// signals that a completion may now be attempted.
func (s *Store) Enqueue(t Turn) {
	s.mu.Lock()
	s.queued = append(s.queued, t)
	s.mu.Unlock()
	s.fireCompletable()
}

// InsertQueuedItems moves every parked item into the log, in arrival order.
func (s *Store) InsertQueuedItems() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.queued)
	for _, t := range s.queued {
		s.appendLocked(t)
	}
	s.queued = nil
	return n
}

// Interrupt marks the in-progress bot turns since the last human turn as
// interrupted. When spoken is found in a bot text turn, its content is cut
// to what the caller actually heard.
func (s *Store) Interrupt(spoken string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	spoken = strings.TrimSpace(spoken)
	var ids []string
	for i := len(s.turns) - 1; i >= 0; i-- {
		t := s.turns[i]
		if t.Role == RoleHuman {
			break
		}
		if t.Role != RoleBot || t.Status == StatusInterrupted {
			continue
		}
		switch t.Type {
		case BotText:
			if spoken != "" {
				if idx := strings.Index(t.Content, spoken); idx >= 0 {
					t.Content = t.Content[:idx+len(spoken)]
				}
			}
		case BotTool:
			if t.Status == StatusComplete && t.Resolved() {
				continue
			}
		default:
			continue
		}
		t.Status = StatusInterrupted
		ids = append(ids, t.ID)
	}
	return ids
}

func (s *Store) Context() Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ctx.clone()
}

func (s *Store) SetCaller(from, to string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx.From = from
	s.ctx.To = to
}

func (s *Store) SetUser(u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u.Traits = copyTraits(u.Traits)
	s.ctx.User = &u
}

// SetUserTraits replaces the traits of the current user. It is a no-op when
// no user has been resolved.
func (s *Store) SetUserTraits(traits map[string]any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.User == nil {
		return false
	}
	s.ctx.User.Traits = copyTraits(traits)
	return true
}

// OnCompletable registers fn to be called whenever the store believes a
// completion should be attempted.
func (s *Store) OnCompletable(fn func()) func() {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.nextHook++
	id := s.nextHook
	s.hooks[id] = fn
	return func() {
		s.hookMu.Lock()
		defer s.hookMu.Unlock()
		delete(s.hooks, id)
	}
}

func (s *Store) fireCompletable() {
	s.hookMu.Lock()
	hooks := make([]func(), 0, len(s.hooks))
	for _, fn := range s.hooks {
		hooks = append(hooks, fn)
	}
	s.hookMu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}
