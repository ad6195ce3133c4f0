package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/coder/quartz"

	"github.com/presence-ledger/internal/domain"
	"github.com/presence-ledger/internal/ledger"
	"github.com/presence-ledger/internal/ledger/memory"
)

var (
	day1 = time.Date(2024, 7, 26, 0, 0, 0, 0, time.UTC)
	day2 = time.Date(2024, 7, 27, 0, 0, 0, 0, time.UTC)
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newMockClock returns a clock reading noon on day1
func newMockClock(t *testing.T) *quartz.Mock {
	clock := quartz.NewMock(t)
	clock.Set(day1.Add(12 * time.Hour))
	return clock
}

func newTestReconciler(store ledger.Store, clock quartz.Clock) *Reconciler {
	return NewReconciler(store, clock, time.UTC, time.Minute, testLogger())
}

func newTestAggregator(store ledger.Store, cache QueryCache, clock quartz.Clock) *Aggregator {
	return NewAggregator(store, cache, clock, time.UTC, day1, testLogger())
}

var errConnectionLost = errors.New("connection lost")

// failingStore fails the operations named in failOn
type failingStore struct {
	ledger.Store
	failOn map[string]bool
}

func newFailingStore(ops ...string) *failingStore {
	f := &failingStore{Store: memory.New(), failOn: make(map[string]bool)}
	for _, op := range ops {
		f.failOn[op] = true
	}
	return f
}

func (f *failingStore) fail(op string) error {
	if f.failOn[op] {
		return domain.StoreError(op, errConnectionLost)
	}
	return nil
}

func (f *failingStore) BulkMarkOffline(ctx context.Context, asOf time.Time) (int64, error) {
	if err := f.fail("BulkMarkOffline"); err != nil {
		return 0, err
	}
	return f.Store.BulkMarkOffline(ctx, asOf)
}

func (f *failingStore) UpsertSession(ctx context.Context, session domain.Session) error {
	if err := f.fail("UpsertSession"); err != nil {
		return err
	}
	return f.Store.UpsertSession(ctx, session)
}

func (f *failingStore) ListSessionsInRange(ctx context.Context, start, end time.Time) ([]domain.PlayerSession, error) {
	if err := f.fail("ListSessionsInRange"); err != nil {
		return nil, err
	}
	return f.Store.ListSessionsInRange(ctx, start, end)
}

func (f *failingStore) FindPlayerByName(ctx context.Context, name string) (*domain.Player, error) {
	if err := f.fail("FindPlayerByName"); err != nil {
		return nil, err
	}
	return f.Store.FindPlayerByName(ctx, name)
}
