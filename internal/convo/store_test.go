package convo

import (
	"errors"
	"testing"
)

func TestStoreAppendOrderAndCopies(t *testing.T) {
	s := NewStore("CA1")
	h := s.AddHuman("hi")
	b := s.AddBotText(BotTextParams{ID: "msg_1", Content: "", Status: StatusStreaming})

	if b.ID != "msg_1" {
		t.Fatalf("bot ID = %q, want msg_1", b.ID)
	}
	if err := s.SetContent(b.ID, "hello"); err != nil {
		t.Fatalf("SetContent() error = %v", err)
	}

	turns := s.List()
	if len(turns) != 2 {
		t.Fatalf("len(List()) = %d, want 2", len(turns))
	}
	if turns[0].ID != h.ID || turns[1].Content != "hello" {
		t.Fatalf("unexpected turns: %+v", turns)
	}
	if turns[1].Seq != 1 {
		t.Fatalf("Seq = %d, want 1", turns[1].Seq)
	}

	turns[1].Content = "mutated"
	got, err := s.Get(b.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Content != "hello" {
		t.Fatalf("List() leaked internal state, content = %q", got.Content)
	}
}

func TestStoreDuplicateIDGetsFreshID(t *testing.T) {
	s := NewStore("CA1")
	a := s.AddBotText(BotTextParams{ID: "x"})
	b := s.AddBotText(BotTextParams{ID: "x"})
	if a.ID == b.ID {
		t.Fatalf("duplicate turn id %q", a.ID)
	}
}

func TestStoreToolResults(t *testing.T) {
	s := NewStore("CA1")
	tool := s.AddBotTool(BotToolParams{ID: "fc_turn"})
	if _, err := s.AppendToolCall(tool.ID, ToolCall{ID: "fc_1", CallID: "call_1", Status: ToolCallStreaming}); err != nil {
		t.Fatalf("AppendToolCall() error = %v", err)
	}
	if err := s.UpdateToolCall("fc_1", func(tc *ToolCall) {
		tc.Function.Arguments = `{"a":1}`
		tc.Status = ToolCallCompleted
	}); err != nil {
		t.Fatalf("UpdateToolCall() error = %v", err)
	}

	got, _ := s.Get(tool.ID)
	if got.Resolved() {
		t.Fatalf("Resolved() = true before results were written")
	}

	if err := s.SetToolResult("fc_1", ToolResult{Status: ToolResultComplete, Data: "ok"}); err != nil {
		t.Fatalf("SetToolResult() error = %v", err)
	}
	got, _ = s.Get(tool.ID)
	if !got.Resolved() {
		t.Fatalf("Resolved() = false after results were written")
	}
	if got.ToolCalls[0].Function.Arguments != `{"a":1}` {
		t.Fatalf("arguments = %q", got.ToolCalls[0].Function.Arguments)
	}

	if err := s.SetToolResult("missing", ToolResult{}); err != ErrToolCallNotFound {
		t.Fatalf("SetToolResult(missing) error = %v, want ErrToolCallNotFound", err)
	}
}

func TestStoreQueuedItemsFireCompletable(t *testing.T) {
	s := NewStore("CA1")
	fired := 0
	unsub := s.OnCompletable(func() { fired++ })

	s.Enqueue(Turn{Role: RoleSystem, Content: "agent answered"})
	if fired != 1 {
		t.Fatalf("completable fired %d times, want 1", fired)
	}
	if len(s.List()) != 0 {
		t.Fatalf("queued item should not be in the log yet")
	}
	if n := s.InsertQueuedItems(); n != 1 {
		t.Fatalf("InsertQueuedItems() = %d, want 1", n)
	}
	if n := s.InsertQueuedItems(); n != 0 {
		t.Fatalf("second InsertQueuedItems() = %d, want 0", n)
	}

	unsub()
	s.Enqueue(Turn{Role: RoleSystem, Content: "again"})
	if fired != 1 {
		t.Fatalf("completable fired after unsubscribe")
	}
}

func TestStoreInterruptTruncatesSpokenText(t *testing.T) {
	s := NewStore("CA1")
	s.AddHuman("what's my balance")
	bot := s.AddBotText(BotTextParams{Content: "Your balance is 40 dollars. Anything else?"})
	tool := s.AddBotTool(BotToolParams{ToolCalls: []ToolCall{{ID: "fc_1"}}})

	ids := s.Interrupt("Your balance is 40 dollars.")
	if len(ids) != 2 {
		t.Fatalf("Interrupt() ids = %v, want 2", ids)
	}
	b, _ := s.Get(bot.ID)
	if b.Status != StatusInterrupted || b.Content != "Your balance is 40 dollars." {
		t.Fatalf("bot turn after interrupt = %+v", b)
	}
	if s.Status(tool.ID) != StatusInterrupted {
		t.Fatalf("tool turn status = %q, want interrupted", s.Status(tool.ID))
	}
}

func TestStoreUserTraits(t *testing.T) {
	s := NewStore("CA1")
	if s.SetUserTraits(map[string]any{"a": 1}) {
		t.Fatalf("SetUserTraits() without user = true")
	}
	s.SetUser(User{UserID: "u1", Traits: map[string]any{"name": "Ada"}})
	if !s.SetUserTraits(map[string]any{"name": "Ada", "x": 2}) {
		t.Fatalf("SetUserTraits() = false")
	}
	ctx := s.Context()
	if ctx.User == nil || ctx.User.Traits["x"] != 2 {
		t.Fatalf("context user = %+v", ctx.User)
	}
}

func TestStoreSupersede(t *testing.T) {
	s := NewStore("CA1")
	b := s.AddBotText(BotTextParams{ID: "msg_1", Content: "Let me", Status: StatusStreaming})

	if err := s.Supersede(b.ID); err != nil {
		t.Fatalf("Supersede() error = %v", err)
	}
	got, err := s.Get(b.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !got.Superseded || got.Status != StatusInterrupted {
		t.Fatalf("Supersede() = %+v, want superseded and interrupted", got)
	}
	if err := s.Supersede("missing"); !errors.Is(err, ErrTurnNotFound) {
		t.Fatalf("Supersede(missing) error = %v, want %v", err, ErrTurnNotFound)
	}
}
