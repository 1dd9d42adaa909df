package loop

import (
	"sort"

	"github.com/ent0n29/callrelay/internal/convo"
)

type NotificationKind int

const (
	RunStarted NotificationKind = iota + 1
	RunFinished
	TextChunk
	ToolStarting
	ToolComplete
	ToolError
)

func (k NotificationKind) String() string {
	switch k {
	case RunStarted:
		return "run.started"
	case RunFinished:
		return "run.finished"
	case TextChunk:
		return "text-chunk"
	case ToolStarting:
		return "tool.starting"
	case ToolComplete:
		return "tool.complete"
	case ToolError:
		return "tool.error"
	default:
		return "unknown"
	}
}

// Notification is delivered to subscribers in emission order. Which fields
// are set depends on Kind.
type Notification struct {
	Kind    NotificationKind
	RoundID string
	TurnID  string

	// TextChunk
	Delta   string
	Final   bool
	Content string

	// ToolStarting, ToolComplete, ToolError
	ToolCall convo.ToolCall
	Result   *convo.ToolResult
}

// Subscribe registers fn for every notification. Observers run on the
// loop's goroutines and must not block.
func (l *Loop) Subscribe(fn func(Notification)) func() {
	l.obsMu.Lock()
	defer l.obsMu.Unlock()
	l.nextObs++
	id := l.nextObs
	l.observers[id] = fn
	return func() {
		l.obsMu.Lock()
		defer l.obsMu.Unlock()
		delete(l.observers, id)
	}
}

func (l *Loop) notify(n Notification) {
	l.obsMu.Lock()
	ids := make([]int, 0, len(l.observers))
	for id := range l.observers {
		ids = append(ids, id)
	}
	fns := make([]func(Notification), 0, len(ids))
	sort.Ints(ids)
	for _, id := range ids {
		fns = append(fns, l.observers[id])
	}
	l.obsMu.Unlock()
	for _, fn := range fns {
		fn(n)
	}
}
