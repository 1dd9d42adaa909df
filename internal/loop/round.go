package loop

import (
	"go.uber.org/zap"

	"github.com/ent0n29/callrelay/internal/convo"
	"github.com/ent0n29/callrelay/internal/llm"
)

type toolSlot struct {
	name string
	args string
	done bool
}

// roundState accumulates the stream events of one round into the turn log.
// It holds at most one bot text turn and one bot tool turn.
type roundState struct {
	roundID string
	store   Store
	agent   Agent
	log     *zap.Logger
	emit    func(Notification)
	// firstToken is called once, on the first text delta.
	firstToken func()

	textTurnID string
	text       string

	toolTurnID string
	slots      map[string]*toolSlot

	finish llm.FinishReason
}

func newRoundState(roundID string, store Store, agent Agent, log *zap.Logger, emit func(Notification)) *roundState {
	if emit == nil {
		emit = func(Notification) {}
	}
	return &roundState{
		roundID: roundID,
		store:   store,
		agent:   agent,
		log:     log,
		emit:    emit,
		slots:   make(map[string]*toolSlot),
	}
}

func (s *roundState) apply(evt llm.Event) {
	switch evt.Kind {
	case llm.EventItemAdded:
		if evt.Item == nil {
			return
		}
		switch evt.Item.Type {
		case llm.ItemMessage:
			s.openText(evt.Item.ID)
		case llm.ItemFunctionCall:
			s.openToolCall(*evt.Item)
		}

	case llm.EventTextDelta:
		s.openText(evt.ItemID)
		s.text += evt.Delta
		s.setContent()
		if s.firstToken != nil {
			s.firstToken()
			s.firstToken = nil
		}
		s.emit(Notification{Kind: TextChunk, RoundID: s.roundID, TurnID: s.textTurnID, Delta: evt.Delta, Content: s.text})

	case llm.EventTextDone:
		s.openText(evt.ItemID)
		if evt.Text != s.text {
			s.log.Warn("text deltas diverged from final text",
				zap.Int("delta_len", len(s.text)),
				zap.Int("final_len", len(evt.Text)),
			)
			s.text = evt.Text
		}
		s.setContent()
		if err := s.store.SetStatus(s.textTurnID, convo.StatusComplete); err != nil {
			s.log.Warn("complete text turn failed", zap.Error(err))
		}
		s.emit(Notification{Kind: TextChunk, RoundID: s.roundID, TurnID: s.textTurnID, Final: true, Content: s.text})
		if s.finish == "" {
			s.finish = llm.FinishStop
		}

	case llm.EventArgumentsDelta:
		slot, ok := s.slots[evt.ItemID]
		if !ok {
			s.log.Warn("argument delta for unknown tool call", zap.String("item_id", evt.ItemID))
			return
		}
		slot.args += evt.Delta
		args := slot.args
		s.updateCall(evt.ItemID, func(tc *convo.ToolCall) { tc.Function.Arguments = args })

	case llm.EventArgumentsDone:
		s.completeCall(evt.ItemID, evt.Arguments)

	case llm.EventItemDone:
		if evt.Item == nil || evt.Item.Type != llm.ItemFunctionCall {
			return
		}
		if slot, ok := s.slots[evt.Item.ID]; ok && !slot.done {
			s.completeCall(evt.Item.ID, evt.Item.Arguments)
		}

	case llm.EventCompleted:
		if evt.Reason != "" {
			s.finish = evt.Reason
		}
	}
}

func (s *roundState) openText(itemID string) {
	if s.textTurnID != "" {
		return
	}
	t := s.store.AddBotText(convo.BotTextParams{ID: itemID, Status: convo.StatusStreaming})
	s.textTurnID = t.ID
}

func (s *roundState) setContent() {
	if err := s.store.SetContent(s.textTurnID, s.text); err != nil {
		s.log.Warn("update text turn failed", zap.Error(err))
	}
}

func (s *roundState) openToolCall(item llm.Item) {
	if _, ok := s.slots[item.ID]; ok {
		return
	}
	if s.toolTurnID == "" {
		t := s.store.AddBotTool(convo.BotToolParams{Status: convo.StatusStreaming})
		s.toolTurnID = t.ID
	}
	if _, err := s.store.AppendToolCall(s.toolTurnID, convo.ToolCall{
		ID:       item.ID,
		CallID:   item.CallID,
		Function: convo.FunctionCall{Name: item.Name, Arguments: item.Arguments},
		Status:   convo.ToolCallStreaming,
	}); err != nil {
		s.log.Error("append tool call failed", zap.Error(err))
		return
	}
	s.slots[item.ID] = &toolSlot{name: item.Name, args: item.Arguments}
	if item.Name != "" && s.agent != nil {
		s.agent.QueueFillerPhrase(s.toolTurnID, item.Name)
	}
}

func (s *roundState) completeCall(itemID, args string) {
	slot, ok := s.slots[itemID]
	if !ok {
		s.log.Warn("arguments done for unknown tool call", zap.String("item_id", itemID))
		return
	}
	if args != "" {
		slot.args = args
	}
	slot.done = true
	final := slot.args
	s.updateCall(itemID, func(tc *convo.ToolCall) {
		tc.Function.Arguments = final
		tc.Status = convo.ToolCallCompleted
	})
	if s.toolsReady() {
		if err := s.store.SetStatus(s.toolTurnID, convo.StatusComplete); err != nil {
			s.log.Warn("complete tool turn failed", zap.Error(err))
		}
		s.finish = llm.FinishToolCalls
	}
}

func (s *roundState) updateCall(itemID string, fn func(*convo.ToolCall)) {
	if err := s.store.UpdateToolCall(itemID, fn); err != nil {
		s.log.Warn("update tool call failed", zap.String("item_id", itemID), zap.Error(err))
	}
}

// toolsReady reports whether every tool call slot is completed with
// non-empty arguments.
func (s *roundState) toolsReady() bool {
	if len(s.slots) == 0 {
		return false
	}
	for _, slot := range s.slots {
		if !slot.done || slot.args == "" {
			return false
		}
	}
	return true
}

// result settles the finish reason. A round that produced both text and a
// ready tool batch finishes as tool_calls and its text turn is superseded.
func (s *roundState) result() llm.FinishReason {
	if s.textTurnID != "" && s.toolTurnID != "" {
		s.log.Error("round produced both text and tool calls",
			zap.String("round_id", s.roundID),
			zap.String("text_turn_id", s.textTurnID),
			zap.String("tool_turn_id", s.toolTurnID),
		)
		if s.toolsReady() {
			if err := s.store.Supersede(s.textTurnID); err != nil {
				s.log.Warn("supersede text turn failed", zap.Error(err))
			}
			return llm.FinishToolCalls
		}
	}
	return s.finish
}

// abandonTools marks an unresolved tool turn interrupted once its round has
// lost the loop, so later input skips it quietly.
func (s *roundState) abandonTools() {
	if s.toolTurnID == "" {
		return
	}
	t, err := s.store.Get(s.toolTurnID)
	if err != nil || t.Resolved() || t.Status == convo.StatusInterrupted {
		return
	}
	if err := s.store.SetStatus(s.toolTurnID, convo.StatusInterrupted); err != nil {
		s.log.Warn("abandon tool turn failed", zap.Error(err))
	}
}
