package profile

import (
	"context"
	"strings"
)

// NewStore picks a backend from databaseURL: empty is in-memory, a sqlite://
// URL is a local SQLite file, anything else is PostgreSQL.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	databaseURL = strings.TrimSpace(databaseURL)
	switch {
	case databaseURL == "":
		return NewInMemoryStore(), nil
	case strings.HasPrefix(databaseURL, "sqlite://"):
		return NewSQLiteStore(strings.TrimPrefix(databaseURL, "sqlite://"))
	default:
		return NewPostgresStore(ctx, databaseURL)
	}
}
