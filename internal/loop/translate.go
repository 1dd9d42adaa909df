package loop

import (
	"github.com/ent0n29/callrelay/internal/convo"
	"github.com/ent0n29/callrelay/internal/llm"
)

// Dropped names a turn that was left out of the provider input.
type Dropped struct {
	TurnID string
	Reason string
	// Interrupted is set when the turn was cut off by the caller or a newer
	// round, which is an expected way for a tool turn to stay unresolved.
	Interrupted bool
}

const (
	reasonUnresolved = "tool turn has calls without results"
	reasonUnknown    = "unknown turn kind"
)

// Translate snapshots turns into provider input: the instructions first, then
// each turn in log order. Filler bot turns are excluded. Tool turns are only
// emitted once every call carries a result. Superseded text is skipped.
func Translate(instructions string, turns []convo.Turn) ([]llm.InputItem, []Dropped) {
	items := make([]llm.InputItem, 0, len(turns)+1)
	items = append(items, llm.InputItem{Role: "system", Content: instructions})

	var dropped []Dropped
	for _, t := range turns {
		switch {
		case t.Role == convo.RoleHuman:
			items = append(items, llm.InputItem{
				Type:    "message",
				Role:    "user",
				Content: []llm.ContentPart{{Type: "input_text", Text: t.Content}},
			})

		case t.Role == convo.RoleSystem:
			items = append(items, llm.InputItem{Role: "system", Content: t.Content})

		case t.Role == convo.RoleBot && (t.Origin == convo.OriginFiller || t.Superseded):
			continue

		case t.Role == convo.RoleBot && (t.Type == convo.BotText || t.Type == convo.BotDTMF):
			items = append(items, llm.InputItem{Role: "assistant", Content: t.Content})

		case t.Role == convo.RoleBot && t.Type == convo.BotTool:
			if !t.Resolved() {
				dropped = append(dropped, Dropped{
					TurnID:      t.ID,
					Reason:      reasonUnresolved,
					Interrupted: t.Status == convo.StatusInterrupted,
				})
				continue
			}
			items = append(items, toolItems(t)...)

		default:
			dropped = append(dropped, Dropped{TurnID: t.ID, Reason: reasonUnknown})
		}
	}
	return items, dropped
}

func toolItems(t convo.Turn) []llm.InputItem {
	out := make([]llm.InputItem, 0, 2*len(t.ToolCalls))
	for _, tc := range t.ToolCalls {
		status := string(tc.Status)
		if status == "" {
			status = string(convo.ToolCallCompleted)
		}
		out = append(out, llm.InputItem{
			Type:      "function_call",
			ID:        tc.ID,
			CallID:    tc.CallID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
			Status:    status,
		})
	}
	for _, tc := range t.ToolCalls {
		if tc.Result == nil {
			continue
		}
		out = append(out, llm.InputItem{
			Type:   "function_call_output",
			CallID: tc.CallID,
			Output: llm.MarshalOutput(tc.Result),
		})
	}
	return out
}
