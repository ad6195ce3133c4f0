package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/coder/quartz"

	"github.com/presence-ledger/internal/domain"
	"github.com/presence-ledger/internal/ledger"
)

// Reconciler applies status probe snapshots to the ledger
type Reconciler struct {
	store     ledger.Store
	clock     quartz.Clock
	loc       *time.Location
	increment int64
	logger    *slog.Logger
}

// NewReconciler creates a reconciler that credits every sighting with one
// poll interval of playtime, in whole seconds.
func NewReconciler(
	store ledger.Store,
	clock quartz.Clock,
	loc *time.Location,
	interval time.Duration,
	logger *slog.Logger,
) *Reconciler {
	return &Reconciler{
		store:     store,
		clock:     clock,
		loc:       loc,
		increment: int64(interval / time.Second),
		logger:    logger,
	}
}

// Increment returns the seconds credited per sighting
func (r *Reconciler) Increment() int64 {
	return r.increment
}

// Today returns the current calendar day
func (r *Reconciler) Today() time.Time {
	return domain.Day(r.clock.Now(), r.loc)
}

// ResetPresence marks every online player offline as of today.
func (r *Reconciler) ResetPresence(ctx context.Context) (int64, error) {
	n, err := r.store.BulkMarkOffline(ctx, r.Today())
	if err != nil {
		return 0, &domain.ReconcileError{Stage: "reset presence", Err: err}
	}
	return n, nil
}

// Reconcile marks everyone offline, then brings each snapshot player back
// online and credits them and today's session with the increment.
//
// A failure aborts the cycle without undoing earlier writes. Calling it twice
// with the same snapshot credits the players twice.
func (r *Reconciler) Reconcile(ctx context.Context, snapshot []domain.OnlinePlayer) (*domain.CycleReport, error) {
	today := r.Today()

	previous, err := r.store.ListOnlinePlayers(ctx)
	if err != nil {
		return nil, &domain.ReconcileError{Stage: "list online players", Err: err}
	}
	wasOnline := make(map[string]struct{}, len(previous))
	for _, p := range previous {
		wasOnline[p.ID] = struct{}{}
	}

	if _, err := r.store.BulkMarkOffline(ctx, today); err != nil {
		return nil, &domain.ReconcileError{Stage: "mark offline", Err: err}
	}

	report := &domain.CycleReport{
		Date:      today,
		Increment: r.increment,
		Online:    make([]domain.OnlinePlayer, 0, len(snapshot)),
	}

	seen := make(map[string]struct{}, len(snapshot))
	for _, entry := range snapshot {
		if _, dup := seen[entry.ID]; dup {
			continue
		}
		seen[entry.ID] = struct{}{}

		created, err := r.creditPlayer(ctx, entry)
		if err != nil {
			return nil, &domain.ReconcileError{Stage: "upsert player", PlayerID: entry.ID, Err: err}
		}
		if err := r.creditSession(ctx, entry.ID, today); err != nil {
			return nil, &domain.ReconcileError{Stage: "upsert session", PlayerID: entry.ID, Err: err}
		}

		if created {
			report.NewCount++
			r.logger.Info("new player", "player_id", entry.ID, "name", entry.Name)
		}
		report.Online = append(report.Online, entry)
		if _, ok := wasOnline[entry.ID]; !ok {
			report.Joined = append(report.Joined, entry.ID)
		}
	}

	for _, p := range previous {
		if _, ok := seen[p.ID]; !ok {
			report.Left = append(report.Left, p.ID)
		}
	}

	return report, nil
}

func (r *Reconciler) creditPlayer(ctx context.Context, entry domain.OnlinePlayer) (bool, error) {
	player, err := r.store.FindPlayer(ctx, entry.ID)
	created := false
	switch {
	case errors.Is(err, domain.ErrPlayerNotFound):
		created = true
		player = &domain.Player{ID: entry.ID}
	case err != nil:
		return false, err
	}

	player.Name = entry.Name
	player.Status = domain.StatusOnline()
	player.TotalPlayTime += r.increment

	if err := r.store.UpsertPlayer(ctx, *player); err != nil {
		return false, err
	}
	return created, nil
}

func (r *Reconciler) creditSession(ctx context.Context, playerID string, today time.Time) error {
	session, err := r.store.FindSession(ctx, playerID, today)
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		session = &domain.Session{PlayerID: playerID, Date: today}
	case err != nil:
		return err
	}

	session.TimePlayed += r.increment
	return r.store.UpsertSession(ctx, *session)
}
