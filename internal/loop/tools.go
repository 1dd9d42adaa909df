package loop

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/callrelay/internal/convo"
	"github.com/ent0n29/callrelay/internal/policy"
)

func genericToolError() convo.ToolResult {
	return convo.ToolResult{Status: convo.ToolResultError, Error: "unknown"}
}

// executeTools runs every call of the tool turn concurrently and waits for
// the whole batch. Results are written back only if the turn was not
// interrupted and the round still holds the loop. It reports whether the
// results were committed.
func (l *Loop) executeTools(ctx context.Context, roundID, turnID string, log *zap.Logger) bool {
	turn, err := l.store.Get(turnID)
	if err != nil {
		log.Error("tool turn vanished before execution", zap.String("turn_id", turnID), zap.Error(err))
		return false
	}

	results := make([]convo.ToolResult, len(turn.ToolCalls))
	var g errgroup.Group
	for i, tc := range turn.ToolCalls {
		g.Go(func() error {
			results[i] = l.executeOne(ctx, roundID, turn.ID, tc, log)
			return nil
		})
	}
	_ = g.Wait()

	notes, ok := l.commitResults(roundID, turn, results)
	if !ok {
		log.Info("discarding tool results", zap.String("turn_id", turn.ID))
		return false
	}
	for _, n := range notes {
		l.notify(n)
	}
	return true
}

func (l *Loop) commitResults(roundID string, turn convo.Turn, results []convo.ToolResult) ([]Notification, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.round != roundID || l.store.Status(turn.ID) == convo.StatusInterrupted {
		return nil, false
	}

	notes := make([]Notification, 0, len(results))
	for i, tc := range turn.ToolCalls {
		res := results[i]
		if err := l.store.SetToolResult(tc.ID, res); err != nil {
			l.log.Warn("write tool result failed", zap.String("tool_call_id", tc.ID), zap.Error(err))
			continue
		}
		l.metrics.ObserveTool(tc.Function.Name, string(res.Status))
		kind := ToolComplete
		if res.Status == convo.ToolResultError {
			kind = ToolError
		}
		tc.Result = &res
		notes = append(notes, Notification{Kind: kind, RoundID: roundID, TurnID: turn.ID, ToolCall: tc, Result: &res})
	}
	return notes, true
}

func (l *Loop) executeOne(ctx context.Context, roundID, turnID string, tc convo.ToolCall, log *zap.Logger) (result convo.ToolResult) {
	log = log.With(zap.String("tool", tc.Function.Name), zap.String("tool_call_id", tc.ID))
	defer func() {
		if r := recover(); r != nil {
			log.Warn("tool execution panicked", zap.String("panic", fmt.Sprint(r)))
			result = genericToolError()
		}
	}()

	l.notify(Notification{Kind: ToolStarting, RoundID: roundID, TurnID: turnID, ToolCall: tc})

	var args map[string]any
	if tc.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
			redacted, _ := policy.RedactPII(tc.Function.Arguments)
			log.Warn("error parsing tool arguments", zap.String("arguments", redacted), zap.Error(err))
			args = nil
		}
	}

	res, err := l.agent.ExecuteTool(ctx, turnID, tc.Function.Name, args)
	if err != nil {
		log.Warn("error while executing a tool", zap.Error(err))
		return genericToolError()
	}
	if res.Status == "" {
		res.Status = convo.ToolResultComplete
	}
	return res
}
