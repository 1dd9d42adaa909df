package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// WebhookHandler forwards tool calls to an HTTP bridge in front of the CRM
// and commerce systems: POST {base}/{tool} with the call arguments.
type WebhookHandler struct {
	baseURL string
	client  *http.Client
}

func NewWebhookHandler(baseURL string, timeout time.Duration) *WebhookHandler {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &WebhookHandler{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type webhookRequest struct {
	Tool      string         `json:"tool"`
	CallSID   string         `json:"call_sid"`
	UserID    string         `json:"user_id,omitempty"`
	From      string         `json:"from,omitempty"`
	Arguments map[string]any `json:"arguments"`
}

func (h *WebhookHandler) Handle(ctx context.Context, c Call) (any, error) {
	body := webhookRequest{
		Tool:      c.Name,
		CallSID:   c.Session.CallSID,
		From:      c.Session.From,
		Arguments: c.Args,
	}
	if c.Session.User != nil {
		body.UserID = c.Session.User.UserID
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal webhook request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/"+url.PathEscape(c.Name), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send webhook request: %w", err)
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read webhook response: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, fmt.Errorf("webhook status %d: %s", res.StatusCode, strings.TrimSpace(string(raw)))
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return map[string]any{"ok": true}, nil
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return strings.TrimSpace(string(raw)), nil
	}
	return out, nil
}
