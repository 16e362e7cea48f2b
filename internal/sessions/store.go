// Package sessions persists conversation sessions and their append-only
// message logs.
package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/polymathlabs/polymath/pkg/models"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("session not found")

// Store is the interface for session persistence. AppendMessage and
// GetHistory together form the conversation log: append-only, ordered by
// insertion, queried by recency.
type Store interface {
	Create(ctx context.Context, session *models.Session) error
	Get(ctx context.Context, id string) (*models.Session, error)
	Delete(ctx context.Context, id string) error

	// GetByKey looks a session up by its stable external key.
	GetByKey(ctx context.Context, key string) (*models.Session, error)

	// GetOrCreate returns the session for key, creating it if absent.
	GetOrCreate(ctx context.Context, key string) (*models.Session, error)

	// AppendMessage appends one immutable turn to the session's log.
	AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error

	// GetHistory returns the most recent limit turns in chronological order.
	GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error)

	// PruneIdle deletes sessions not updated since the cutoff. Returns the
	// number of sessions removed.
	PruneIdle(ctx context.Context, olderThan time.Duration) (int64, error)
}
