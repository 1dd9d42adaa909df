package call

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/callrelay/internal/observability"
	"github.com/ent0n29/callrelay/internal/protocol"
)

const (
	sendTimeout      = 600 * time.Millisecond
	defaultEndReason = "call ended"
)

// relayConn writes ConversationRelay messages for one connection. It is the
// loop's Relay and the agent's Speaker.
type relayConn struct {
	outbound chan<- any
	done     <-chan struct{}
	log      *zap.Logger
	metrics  *observability.Metrics

	mu    sync.Mutex
	ended bool
	onEnd func(reasonCode string)
}

func (r *relayConn) send(msg any) bool {
	timer := time.NewTimer(sendTimeout)
	defer timer.Stop()
	select {
	case r.outbound <- msg:
		return true
	case <-r.done:
		return false
	case <-timer.C:
		r.metrics.ObserveSessionEvent("outbound_timeout")
		r.log.Warn("outbound message dropped", zap.String("type", typeOf(msg)))
		return false
	}
}

// Speak sends text as a complete utterance.
func (r *relayConn) Speak(_ context.Context, text string) error {
	if r.isEnded() {
		return errRelayEnded
	}
	text = sanitizeSpeech(text)
	if text == "" {
		return nil
	}
	if !r.send(protocol.NewText(text, true)) {
		return errRelayUnavailable
	}
	return nil
}

func (r *relayConn) token(delta string, last bool) {
	if r.isEnded() {
		return
	}
	delta = speechToken(delta)
	if delta == "" && !last {
		return
	}
	r.send(protocol.NewText(delta, last))
}

// End hangs up the call with a handoff payload. Only the first call sends.
func (r *relayConn) End(_ context.Context, reasonCode, message string) error {
	r.mu.Lock()
	if r.ended {
		r.mu.Unlock()
		return nil
	}
	r.ended = true
	onEnd := r.onEnd
	r.mu.Unlock()

	if message == "" {
		message = defaultEndReason
	}
	end, err := protocol.NewEnd(protocol.Handoff{ReasonCode: reasonCode, Reason: message})
	if err != nil {
		return err
	}
	r.log.Info("ending relay", zap.String("reason_code", reasonCode), zap.String("reason", message))
	r.metrics.ObserveSessionEvent("relay_end")
	sent := r.send(end)
	if onEnd != nil {
		onEnd(reasonCode)
	}
	if !sent {
		return errRelayUnavailable
	}
	return nil
}

func (r *relayConn) isEnded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ended
}

func typeOf(msg any) string {
	switch m := msg.(type) {
	case protocol.Text:
		return string(m.Type)
	case protocol.End:
		return string(m.Type)
	}
	return "unknown"
}
