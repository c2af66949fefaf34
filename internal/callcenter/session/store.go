package session

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Load when no session exists for the id.
var ErrNotFound = errors.New("session: not found")

// DefaultTTL is how long an idle session is kept after its last save.
const DefaultTTL = 30 * time.Minute

// Store persists sessions across processes. Every Save refreshes the idle
// expiry, and a Save is visible to Load immediately.
type Store interface {
	Save(ctx context.Context, s *CallSession) error
	Load(ctx context.Context, callID string) (*CallSession, error)
	Delete(ctx context.Context, callID string) error
}
