// Package profile keeps speaker profiles, engagement counters and talk
// history.
package profile

import (
	"context"
	"strings"

	"github.com/slofp/estella/internal/voice"
)

// Store is both the profile and the history backend of a session.
type Store interface {
	voice.ProfileStore
	voice.HistoryStore
	Close() error
}

// NewStore returns a Postgres store when databaseURL is set and an
// in-memory store otherwise.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}

// pronounClass maps the single-letter gender column onto the label used
// in message headers.
func pronounClass(gender string) string {
	switch strings.ToUpper(strings.TrimSpace(gender)) {
	case "M":
		return "male"
	case "F":
		return "female"
	case "O":
		return "other"
	default:
		return ""
	}
}
