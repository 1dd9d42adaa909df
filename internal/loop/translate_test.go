package loop

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/callrelay/internal/convo"
	"github.com/ent0n29/callrelay/internal/llm"
)

func TestTranslateOrderAndShapes(t *testing.T) {
	ok := &convo.ToolResult{Status: convo.ToolResultComplete, Data: "shipped"}
	turns := []convo.Turn{
		{ID: "h1", Role: convo.RoleHuman, Content: "where is my order"},
		{ID: "f1", Role: convo.RoleBot, Type: convo.BotText, Origin: convo.OriginFiller, Content: "One moment please."},
		{ID: "t1", Role: convo.RoleBot, Type: convo.BotTool, ToolCalls: []convo.ToolCall{
			{ID: "fc_1", CallID: "call_1", Function: convo.FunctionCall{Name: "get_order", Arguments: `{"orderId":"1"}`}, Status: convo.ToolCallCompleted, Result: ok},
			{ID: "fc_2", CallID: "call_2", Function: convo.FunctionCall{Name: "get_order", Arguments: `{"orderId":"2"}`}, Status: convo.ToolCallCompleted, Result: ok},
		}},
		{ID: "b1", Role: convo.RoleBot, Type: convo.BotText, Origin: convo.OriginLLM, Content: "Both shipped."},
		{ID: "d1", Role: convo.RoleBot, Type: convo.BotDTMF, Origin: convo.OriginDTMF, Content: "1"},
		{ID: "s1", Role: convo.RoleSystem, Content: "the caller was transferred"},
	}

	items, dropped := Translate("be helpful", turns)
	require.Empty(t, dropped)

	output := `{"status":"complete","data":"shipped"}`
	want := []llm.InputItem{
		{Role: "system", Content: "be helpful"},
		{Type: "message", Role: "user", Content: []llm.ContentPart{{Type: "input_text", Text: "where is my order"}}},
		{Type: "function_call", ID: "fc_1", CallID: "call_1", Name: "get_order", Arguments: `{"orderId":"1"}`, Status: "completed"},
		{Type: "function_call", ID: "fc_2", CallID: "call_2", Name: "get_order", Arguments: `{"orderId":"2"}`, Status: "completed"},
		{Type: "function_call_output", CallID: "call_1", Output: output},
		{Type: "function_call_output", CallID: "call_2", Output: output},
		{Role: "assistant", Content: "Both shipped."},
		{Role: "assistant", Content: "1"},
		{Role: "system", Content: "the caller was transferred"},
	}
	if diff := cmp.Diff(want, items); diff != "" {
		t.Fatalf("Translate() mismatch (-want +got):\n%s", diff)
	}
}

func TestTranslateKeepsInterruptedTextAndSkipsSuperseded(t *testing.T) {
	turns := []convo.Turn{
		{ID: "b1", Role: convo.RoleBot, Type: convo.BotText, Status: convo.StatusInterrupted, Content: "Your order is"},
		{ID: "b2", Role: convo.RoleBot, Type: convo.BotText, Status: convo.StatusInterrupted, Superseded: true, Content: "Let me check"},
	}

	items, dropped := Translate("be helpful", turns)
	require.Empty(t, dropped)

	want := []llm.InputItem{
		{Role: "system", Content: "be helpful"},
		{Role: "assistant", Content: "Your order is"},
	}
	if diff := cmp.Diff(want, items); diff != "" {
		t.Fatalf("Translate() mismatch (-want +got):\n%s", diff)
	}
}

func TestTranslateDropsUnresolvedToolTurn(t *testing.T) {
	turns := []convo.Turn{
		{ID: "t1", Role: convo.RoleBot, Type: convo.BotTool, ToolCalls: []convo.ToolCall{
			{ID: "fc_1", CallID: "call_1", Result: &convo.ToolResult{Status: convo.ToolResultComplete}},
			{ID: "fc_2", CallID: "call_2"},
		}},
		{ID: "t2", Role: convo.RoleBot, Type: convo.BotTool, Status: convo.StatusInterrupted, ToolCalls: []convo.ToolCall{{ID: "fc_3"}}},
		{ID: "x", Role: convo.Role("alien")},
	}
	items, dropped := Translate("", turns)
	assert.Len(t, items, 1, "only the system message remains")
	require.Len(t, dropped, 3)
	assert.Equal(t, Dropped{TurnID: "t1", Reason: reasonUnresolved}, dropped[0])
	assert.True(t, dropped[1].Interrupted)
	assert.Equal(t, reasonUnknown, dropped[2].Reason)
}
