// Package ledger defines the persistent presence ledger: players and their
// per-day sessions.
package ledger

import (
	"context"
	"time"

	"github.com/presence-ledger/internal/domain"
)

// Store is the ledger persistence contract. Implementations must be safe for
// concurrent use and apply each upsert atomically per row.
//
// Lookups return domain.ErrPlayerNotFound or domain.ErrSessionNotFound when
// nothing matches. Every other failure matches domain.ErrStoreUnavailable.
// Dates are calendar days as produced by domain.Day.
type Store interface {
	// Player operations
	FindPlayer(ctx context.Context, id string) (*domain.Player, error)
	FindPlayerByName(ctx context.Context, name string) (*domain.Player, error)
	UpsertPlayer(ctx context.Context, player domain.Player) error
	ListOnlinePlayers(ctx context.Context) ([]domain.Player, error)
	BulkMarkOffline(ctx context.Context, asOf time.Time) (int64, error)

	// Session operations
	FindSession(ctx context.Context, playerID string, date time.Time) (*domain.Session, error)
	UpsertSession(ctx context.Context, session domain.Session) error

	// ListSessionsInRange returns sessions with start <= date <= end joined
	// with their player, ordered by date and then insertion order.
	ListSessionsInRange(ctx context.Context, start, end time.Time) ([]domain.PlayerSession, error)
	ListPlayerSessions(ctx context.Context, playerID string, start, end time.Time) ([]domain.Session, error)
	CountActivePlayers(ctx context.Context, start, end time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}
