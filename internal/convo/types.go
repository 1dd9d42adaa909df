package convo

import "time"

type Role string

const (
	RoleHuman  Role = "human"
	RoleBot    Role = "bot"
	RoleSystem Role = "system"
)

// BotType discriminates bot turns. Empty for human and system turns.
type BotType string

const (
	BotText BotType = "text"
	BotTool BotType = "tool"
	BotDTMF BotType = "dtmf"
)

type Origin string

const (
	OriginLLM      Origin = "llm"
	OriginFiller   Origin = "filler"
	OriginGreeting Origin = "greeting"
	OriginSystem   Origin = "system"
	OriginDTMF     Origin = "dtmf"
)

type Status string

const (
	StatusStreaming   Status = "streaming"
	StatusComplete    Status = "complete"
	StatusInterrupted Status = "interrupted"
)

type ToolCallStatus string

const (
	ToolCallStreaming ToolCallStatus = "streaming"
	ToolCallCompleted ToolCallStatus = "completed"
)

type ToolResultStatus string

const (
	ToolResultComplete ToolResultStatus = "complete"
	ToolResultError    ToolResultStatus = "error"
)

// ToolResult is the settled outcome of one tool call.
type ToolResult struct {
	Status ToolResultStatus `json:"status"`
	Data   any              `json:"data,omitempty"`
	Error  string           `json:"error,omitempty"`
}

type FunctionCall struct {
	Name string `json:"name"`
	// Arguments is accumulated from a delta stream and is only expected to be
	// valid JSON once the owning call is completed.
	Arguments string `json:"arguments"`
}

type ToolCall struct {
	ID       string         `json:"id"`
	CallID   string         `json:"call_id"`
	Function FunctionCall   `json:"function"`
	Status   ToolCallStatus `json:"status"`
	Result   *ToolResult    `json:"result"`
}

// Turn is one logged unit of conversation.
type Turn struct {
	ID        string     `json:"id"`
	Seq       int        `json:"seq"`
	Role      Role       `json:"role"`
	Type      BotType    `json:"type,omitempty"`
	Origin    Origin     `json:"origin,omitempty"`
	Status    Status     `json:"status,omitempty"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	CreatedAt time.Time  `json:"created_at"`

	// Superseded marks partial bot text replaced by a tool batch of the same
	// round. It is never sent upstream again.
	Superseded bool `json:"superseded,omitempty"`
}

// Resolved reports whether every tool call of a tool turn carries a result.
func (t Turn) Resolved() bool {
	for _, tc := range t.ToolCalls {
		if tc.Result == nil {
			return false
		}
	}
	return true
}

func (t Turn) clone() Turn {
	out := t
	if t.ToolCalls != nil {
		out.ToolCalls = make([]ToolCall, len(t.ToolCalls))
		for i, tc := range t.ToolCalls {
			if tc.Result != nil {
				r := *tc.Result
				tc.Result = &r
			}
			out.ToolCalls[i] = tc
		}
	}
	return out
}

type BotTextParams struct {
	ID      string
	Content string
	Origin  Origin
	Status  Status
}

type BotToolParams struct {
	ID        string
	Origin    Origin
	Status    Status
	ToolCalls []ToolCall
}

// User is the caller identity resolved for a session.
type User struct {
	UserID string         `json:"user_id"`
	Traits map[string]any `json:"traits,omitempty"`
}

// Context is the mutable per-session context shared by the loop, the agent
// resolver and the memory extraction cycle.
type Context struct {
	CallSID string `json:"call_sid"`
	From    string `json:"from,omitempty"`
	To      string `json:"to,omitempty"`
	User    *User  `json:"user,omitempty"`
}

func (c Context) clone() Context {
	out := c
	if c.User != nil {
		u := *c.User
		u.Traits = copyTraits(c.User.Traits)
		out.User = &u
	}
	return out
}

func copyTraits(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
