// Package profile persists caller profiles: traits, behavioral events and
// past conversation turns.
package profile

import (
	"context"
	"errors"
	"strings"
	"time"
)

var ErrNotFound = errors.New("profile not found")

type Profile struct {
	UserID    string         `json:"user_id"`
	Traits    map[string]any `json:"traits"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Event is a tracked behavioral event, e.g. "Order Completed".
type Event struct {
	ID         string         `json:"id"`
	UserID     string         `json:"user_id"`
	Name       string         `json:"name"`
	Properties map[string]any `json:"properties,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// TurnRecord stores a single caller or agent turn of a past call.
type TurnRecord struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	SessionID   string    `json:"session_id"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	PIIRedacted bool      `json:"pii_redacted"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store persists and retrieves caller profiles.
type Store interface {
	Get(ctx context.Context, userID string) (Profile, error)
	// Lookup finds a profile by its email or phone trait.
	Lookup(ctx context.Context, email, phone string) (Profile, error)
	// Identify shallow-merges traits into the profile, creating it if needed.
	Identify(ctx context.Context, userID string, traits map[string]any) (Profile, error)
	Track(ctx context.Context, event Event) error
	// Events returns the most recent events, newest first.
	Events(ctx context.Context, userID string, limit int) ([]Event, error)
	SaveTurn(ctx context.Context, record TurnRecord) error
	// RecentTurns returns the most recent turns in chronological order.
	RecentTurns(ctx context.Context, userID string, limit int) ([]TurnRecord, error)
	Close() error
}

func mergeTraits(dst, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		out[k] = v
	}
	return out
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func traitString(traits map[string]any, key string) string {
	s, _ := traits[key].(string)
	return s
}

func clampLimit(limit, def int) int {
	if limit <= 0 {
		return def
	}
	if limit > 200 {
		return 200
	}
	return limit
}
