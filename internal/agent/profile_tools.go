package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ent0n29/callrelay/internal/convo"
	"github.com/ent0n29/callrelay/internal/profile"
)

func profileHandlers(store *convo.Store, profiles profile.Store) map[string]Handler {
	return map[string]Handler{
		"get_user_by_email_or_phone": HandlerFunc(func(ctx context.Context, c Call) (any, error) {
			email, phone := stringArg(c.Args, "email"), stringArg(c.Args, "phone")
			if email == "" && phone == "" {
				return map[string]any{"found": false, "error": "email or phone is required"}, nil
			}
			p, err := profiles.Lookup(ctx, email, phone)
			if errors.Is(err, profile.ErrNotFound) {
				return map[string]any{"found": false}, nil
			}
			if err != nil {
				return nil, err
			}
			store.SetUser(convo.User{UserID: p.UserID, Traits: p.Traits})
			return map[string]any{"found": true, "user_id": p.UserID, "traits": p.Traits}, nil
		}),

		"get_profile_traits": HandlerFunc(func(ctx context.Context, c Call) (any, error) {
			p, err := resolveExternalID(ctx, profiles, stringArg(c.Args, "external_id"))
			if errors.Is(err, profile.ErrNotFound) {
				return "No traits found.", nil
			}
			if err != nil {
				return nil, err
			}
			return p.Traits, nil
		}),

		"get_profile_events": HandlerFunc(func(ctx context.Context, c Call) (any, error) {
			p, err := resolveExternalID(ctx, profiles, stringArg(c.Args, "external_id"))
			if errors.Is(err, profile.ErrNotFound) {
				return []any{}, nil
			}
			if err != nil {
				return nil, err
			}
			limit := 20
			if f, ok := c.Args["limit"].(float64); ok {
				limit = int(f)
			}
			return profiles.Events(ctx, p.UserID, limit)
		}),

		"identify_user": HandlerFunc(func(ctx context.Context, c Call) (any, error) {
			if c.Session.User == nil {
				return map[string]any{"updated": false, "error": "caller is not identified"}, nil
			}
			traits, _ := c.Args["traits"].(map[string]any)
			if len(traits) == 0 {
				return map[string]any{"updated": false, "error": "no traits given"}, nil
			}
			p, err := profiles.Identify(ctx, c.Session.User.UserID, traits)
			if err != nil {
				return nil, err
			}
			store.SetUserTraits(p.Traits)
			return map[string]any{"updated": true, "traits": p.Traits}, nil
		}),
	}
}

// resolveExternalID accepts "email:...", "phone:...", "user_id:..." or a bare
// user id.
func resolveExternalID(ctx context.Context, profiles profile.Store, externalID string) (profile.Profile, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return profile.Profile{}, fmt.Errorf("external_id is required")
	}
	kind, value, ok := strings.Cut(externalID, ":")
	if !ok {
		return profiles.Get(ctx, externalID)
	}
	switch kind {
	case "email":
		return profiles.Lookup(ctx, value, "")
	case "phone":
		return profiles.Lookup(ctx, "", value)
	case "user_id":
		return profiles.Get(ctx, value)
	default:
		return profiles.Get(ctx, externalID)
	}
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return strings.TrimSpace(s)
}
