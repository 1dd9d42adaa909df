// Package tracking writes profile traits to the customer data platform.
package tracking

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/callrelay/internal/profile"
	"github.com/ent0n29/callrelay/internal/reliability"
)

const defaultSegmentEndpoint = "https://api.segment.io/v1"

type IdentifyParams struct {
	UserID string         `json:"userId"`
	Traits map[string]any `json:"traits"`
}

// Client acknowledges an identify call or returns a fault.
type Client interface {
	Identify(ctx context.Context, p IdentifyParams) error
}

// SegmentClient sends identify calls to the Segment HTTP tracking API.
type SegmentClient struct {
	endpoint    string
	writeKey    string
	client      *http.Client
	maxAttempts int
	backoff     time.Duration
	log         *zap.Logger
}

type SegmentOption func(*SegmentClient)

func WithEndpoint(endpoint string) SegmentOption {
	return func(c *SegmentClient) { c.endpoint = strings.TrimRight(endpoint, "/") }
}

func WithBackoff(base time.Duration) SegmentOption {
	return func(c *SegmentClient) { c.backoff = base }
}

func NewSegmentClient(writeKey string, log *zap.Logger, opts ...SegmentOption) *SegmentClient {
	if log == nil {
		log = zap.NewNop()
	}
	c := &SegmentClient{
		endpoint:    defaultSegmentEndpoint,
		writeKey:    writeKey,
		client:      &http.Client{Timeout: 10 * time.Second},
		maxAttempts: 3,
		backoff:     200 * time.Millisecond,
		log:         log.With(zap.String("component", "segment")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string   { return fmt.Sprintf("segment identify status %d: %s", e.code, e.body) }
func (e *statusError) Retryable() bool { return reliability.IsRetryableHTTPStatus(e.code) }

func (c *SegmentClient) Identify(ctx context.Context, p IdentifyParams) error {
	if strings.TrimSpace(p.UserID) == "" {
		return errors.New("identify requires a user id")
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal identify: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			if err := reliability.Sleep(ctx, reliability.ExponentialBackoff(attempt-1, c.backoff, 5*time.Second)); err != nil {
				return err
			}
		}
		lastErr = c.send(ctx, payload)
		if lastErr == nil || !reliability.IsRetryable(lastErr) {
			return lastErr
		}
		c.log.Warn("identify attempt failed", zap.Int("attempt", attempt+1), zap.Error(lastErr))
	}
	return lastErr
}

func (c *SegmentClient) send(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/identify", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create identify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.writeKey, "")

	res, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send identify: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 2<<10))
		return &statusError{code: res.StatusCode, body: strings.TrimSpace(string(b))}
	}
	return nil
}

// StoreClient writes identify calls straight to the local profile store.
type StoreClient struct {
	store profile.Store
}

func NewStoreClient(store profile.Store) *StoreClient {
	return &StoreClient{store: store}
}

func (c *StoreClient) Identify(ctx context.Context, p IdentifyParams) error {
	if strings.TrimSpace(p.UserID) == "" {
		return errors.New("identify requires a user id")
	}
	_, err := c.store.Identify(ctx, p.UserID, p.Traits)
	return err
}

// Tee fans an identify call out to every client. The first client is
// authoritative; failures of the others are only logged.
type Tee struct {
	clients []Client
	log     *zap.Logger
}

func NewTee(log *zap.Logger, primary Client, mirrors ...Client) *Tee {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tee{clients: append([]Client{primary}, mirrors...), log: log}
}

func (t *Tee) Identify(ctx context.Context, p IdentifyParams) error {
	if err := t.clients[0].Identify(ctx, p); err != nil {
		return err
	}
	for _, c := range t.clients[1:] {
		if err := c.Identify(ctx, p); err != nil {
			t.log.Warn("identify mirror failed", zap.String("user_id", p.UserID), zap.Error(err))
		}
	}
	return nil
}
