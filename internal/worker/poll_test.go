package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/presence-ledger/internal/config"
	"github.com/presence-ledger/internal/domain"
	"github.com/presence-ledger/internal/ledger/memory"
	"github.com/presence-ledger/internal/service"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var noon = time.Date(2024, 7, 26, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func pollConfig() *config.PollConfig {
	return &config.PollConfig{
		Interval:     time.Minute,
		ProbeTimeout: time.Second,
	}
}

type proberFunc func(ctx context.Context) ([]domain.OnlinePlayer, error)

func (f proberFunc) Probe(ctx context.Context) ([]domain.OnlinePlayer, error) {
	return f(ctx)
}

func staticProber(players ...domain.OnlinePlayer) Prober {
	return proberFunc(func(context.Context) ([]domain.OnlinePlayer, error) {
		return players, nil
	})
}

type recordingListener struct {
	mu      sync.Mutex
	reports []*domain.CycleReport
	err     error
}

func (l *recordingListener) NotifyCycle(ctx context.Context, report *domain.CycleReport) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reports = append(l.reports, report)
	return l.err
}

func (l *recordingListener) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.reports)
}

type recordingReconciler struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingReconciler) Reconcile(ctx context.Context, snapshot []domain.OnlinePlayer) (*domain.CycleReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "reconcile")
	return &domain.CycleReport{Online: snapshot}, nil
}

func (r *recordingReconciler) ResetPresence(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "reset")
	return 0, nil
}

func (r *recordingReconciler) recorded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func newMockClock(t *testing.T) *quartz.Mock {
	clock := quartz.NewMock(t)
	clock.Set(noon)
	return clock
}

func TestPollWorkerRunsCyclesOnInterval(t *testing.T) {
	ctx := testContext(t)
	clock := newMockClock(t)
	store := memory.New()
	reconciler := service.NewReconciler(store, clock, time.UTC, time.Minute, testLogger())
	listener := &recordingListener{}
	metrics := NewMetrics(prometheus.NewRegistry())

	var probes atomic.Int32
	prober := proberFunc(func(context.Context) ([]domain.OnlinePlayer, error) {
		probes.Add(1)
		return []domain.OnlinePlayer{{ID: "p1", Name: "Alice"}}, nil
	})

	w := NewPollWorker(prober, reconciler, pollConfig(), clock, metrics, testLogger(), listener)
	defer w.Stop()
	trap := clock.Trap().NewTimer("poll")
	defer trap.Close()

	require.NoError(t, w.Start(ctx))
	assert.True(t, w.IsRunning())

	// The first cycle runs before the first wait is armed.
	trap.MustWait(ctx).MustRelease(ctx)
	assert.Equal(t, int32(1), probes.Load())
	player, err := store.FindPlayer(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(60), player.TotalPlayTime)

	clock.Advance(time.Minute).MustWait(ctx)
	trap.MustWait(ctx).MustRelease(ctx)

	assert.Equal(t, int32(2), probes.Load())
	player, err = store.FindPlayer(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(120), player.TotalPlayTime)

	assert.Equal(t, 2, listener.count())
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.cyclesTotal.WithLabelValues(resultSuccess)))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.playersOnline))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.playersCredited))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.newPlayers))
	assert.Zero(t, testutil.ToFloat64(metrics.driftTotal))

	require.NoError(t, w.Stop())
	assert.False(t, w.IsRunning())
	assert.Equal(t, StateIdle, w.State())
}

func TestPollWorkerContinuesAfterProbeFailure(t *testing.T) {
	ctx := testContext(t)
	clock := newMockClock(t)
	store := memory.New()
	reconciler := service.NewReconciler(store, clock, time.UTC, time.Minute, testLogger())
	metrics := NewMetrics(prometheus.NewRegistry())

	var probes atomic.Int32
	prober := proberFunc(func(context.Context) ([]domain.OnlinePlayer, error) {
		if probes.Add(1) == 1 {
			return nil, fmt.Errorf("dialing: %w", domain.ErrProbeUnreachable)
		}
		return []domain.OnlinePlayer{{ID: "p1", Name: "Alice"}}, nil
	})

	w := NewPollWorker(prober, reconciler, pollConfig(), clock, metrics, testLogger())
	defer w.Stop()
	trap := clock.Trap().NewTimer("poll")
	defer trap.Close()

	require.NoError(t, w.Start(ctx))

	trap.MustWait(ctx).MustRelease(ctx)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.cyclesTotal.WithLabelValues(resultProbeError)))
	_, err := store.FindPlayer(ctx, "p1")
	assert.ErrorIs(t, err, domain.ErrPlayerNotFound, "a failed probe changes nothing")

	clock.Advance(time.Minute).MustWait(ctx)
	trap.MustWait(ctx).MustRelease(ctx)

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.cyclesTotal.WithLabelValues(resultSuccess)))
	player, err := store.FindPlayer(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(60), player.TotalPlayTime)
}

func TestPollWorkerDetectsDrift(t *testing.T) {
	ctx := testContext(t)
	clock := newMockClock(t)
	store := memory.New()
	reconciler := service.NewReconciler(store, clock, time.UTC, time.Minute, testLogger())
	metrics := NewMetrics(prometheus.NewRegistry())

	// Every probe takes 40s, so cycle starts are 100s apart.
	prober := proberFunc(func(context.Context) ([]domain.OnlinePlayer, error) {
		clock.Advance(40 * time.Second)
		return nil, nil
	})

	w := NewPollWorker(prober, reconciler, pollConfig(), clock, metrics, testLogger())
	defer w.Stop()
	trap := clock.Trap().NewTimer("poll")
	defer trap.Close()

	require.NoError(t, w.Start(ctx))

	trap.MustWait(ctx).MustRelease(ctx)
	assert.Zero(t, testutil.ToFloat64(metrics.driftTotal))

	clock.Advance(time.Minute).MustWait(ctx)
	trap.MustWait(ctx).MustRelease(ctx)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.driftTotal))
}

func TestPollWorkerStartupReset(t *testing.T) {
	disabled := false
	tests := []struct {
		name  string
		reset *bool
		want  []string
	}{
		{name: "default resets", reset: nil, want: []string{"reset", "reconcile"}},
		{name: "disabled", reset: &disabled, want: []string{"reconcile"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := testContext(t)
			clock := newMockClock(t)
			reconciler := &recordingReconciler{}
			cfg := pollConfig()
			cfg.ResetOnStartup = tt.reset

			w := NewPollWorker(staticProber(), reconciler, cfg, clock, NewMetrics(prometheus.NewRegistry()), testLogger())
			defer w.Stop()
			trap := clock.Trap().NewTimer("poll")
			defer trap.Close()

			require.NoError(t, w.Start(ctx))
			trap.MustWait(ctx).MustRelease(ctx)

			assert.Equal(t, tt.want, reconciler.recorded())
		})
	}
}

func TestPollWorkerStartupResetClearsStalePlayers(t *testing.T) {
	ctx := testContext(t)
	clock := newMockClock(t)
	store := memory.New()
	require.NoError(t, store.UpsertPlayer(ctx, domain.Player{ID: "p9", Name: "Stale", Status: domain.StatusOnline()}))
	reconciler := service.NewReconciler(store, clock, time.UTC, time.Minute, testLogger())

	var online atomic.Int32
	prober := proberFunc(func(ctx context.Context) ([]domain.OnlinePlayer, error) {
		players, err := store.ListOnlinePlayers(ctx)
		online.Store(int32(len(players)))
		return nil, err
	})

	w := NewPollWorker(prober, reconciler, pollConfig(), clock, NewMetrics(prometheus.NewRegistry()), testLogger())
	defer w.Stop()
	trap := clock.Trap().NewTimer("poll")
	defer trap.Close()

	require.NoError(t, w.Start(ctx))
	trap.MustWait(ctx).MustRelease(ctx)

	assert.Zero(t, online.Load(), "stale players are offline before the first probe")
}

func TestPollWorkerStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(testContext(t))
	clock := newMockClock(t)

	w := NewPollWorker(staticProber(), &recordingReconciler{}, pollConfig(), clock, NewMetrics(prometheus.NewRegistry()), testLogger())
	trap := clock.Trap().NewTimer("poll")
	defer trap.Close()

	require.NoError(t, w.Start(ctx))
	trap.MustWait(ctx).MustRelease(ctx)

	cancel()
	require.NoError(t, w.Stop())
	assert.False(t, w.IsRunning())
}

func TestPollWorkerFinishesCycleAfterCancel(t *testing.T) {
	testCtx := testContext(t)
	ctx, cancel := context.WithCancel(testCtx)
	defer cancel()
	clock := newMockClock(t)
	store := memory.New()
	reconciler := service.NewReconciler(store, clock, time.UTC, time.Minute, testLogger())

	entered := make(chan struct{})
	release := make(chan struct{})
	var probeErr atomic.Value
	prober := proberFunc(func(ctx context.Context) ([]domain.OnlinePlayer, error) {
		close(entered)
		<-release
		if err := ctx.Err(); err != nil {
			probeErr.Store(err)
		}
		return []domain.OnlinePlayer{{ID: "p1", Name: "Alice"}}, nil
	})

	w := NewPollWorker(prober, reconciler, pollConfig(), clock, NewMetrics(prometheus.NewRegistry()), testLogger())
	require.NoError(t, w.Start(ctx))

	select {
	case <-entered:
	case <-testCtx.Done():
		t.Fatal("cycle never reached the server")
	}
	assert.Equal(t, StatePolling, w.State())

	// Shutdown arrives while the server is still answering.
	cancel()
	close(release)
	require.NoError(t, w.Stop())

	assert.Nil(t, probeErr.Load())
	assert.Equal(t, StateIdle, w.State())
	player, err := store.FindPlayer(testCtx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "Alice", player.Name)
	assert.True(t, player.Status.IsOnline())
	assert.Equal(t, int64(60), player.TotalPlayTime)
}

func TestRunOnce(t *testing.T) {
	ctx := testContext(t)
	clock := newMockClock(t)
	reconciler := &recordingReconciler{}
	metrics := NewMetrics(prometheus.NewRegistry())

	failing := proberFunc(func(context.Context) ([]domain.OnlinePlayer, error) {
		return nil, fmt.Errorf("reading status response: %w", domain.ErrProbeTimeout)
	})
	w := NewPollWorker(failing, reconciler, pollConfig(), clock, metrics, testLogger())

	err := w.RunOnce(ctx)
	assert.ErrorIs(t, err, domain.ErrProbeTimeout)
	assert.Empty(t, reconciler.recorded())
	assert.Equal(t, StateIdle, w.State())
	assert.False(t, w.IsRunning())

	listener := &recordingListener{err: errors.New("broker down")}
	w = NewPollWorker(staticProber(domain.OnlinePlayer{ID: "p1", Name: "Alice"}), reconciler, pollConfig(), clock, metrics, testLogger(), listener)

	require.NoError(t, w.RunOnce(ctx), "listener failures do not fail the cycle")
	assert.Equal(t, 1, listener.count())
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.listenerErrors))
}

func TestRunOnceSurfacesReconcileError(t *testing.T) {
	ctx := testContext(t)
	clock := newMockClock(t)
	metrics := NewMetrics(prometheus.NewRegistry())
	reconciler := reconcilerFunc(func(context.Context, []domain.OnlinePlayer) (*domain.CycleReport, error) {
		return nil, &domain.ReconcileError{Stage: "mark offline", Err: domain.StoreError("marking players offline", errors.New("disk full"))}
	})

	w := NewPollWorker(staticProber(), reconciler, pollConfig(), clock, metrics, testLogger())

	err := w.RunOnce(ctx)
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.cyclesTotal.WithLabelValues(resultReconcileError)))
}

type reconcilerFunc func(ctx context.Context, snapshot []domain.OnlinePlayer) (*domain.CycleReport, error)

func (f reconcilerFunc) Reconcile(ctx context.Context, snapshot []domain.OnlinePlayer) (*domain.CycleReport, error) {
	return f(ctx, snapshot)
}

func (f reconcilerFunc) ResetPresence(ctx context.Context) (int64, error) {
	return 0, nil
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "polling", StatePolling.String())
}
