package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/quartz"

	"github.com/presence-ledger/internal/config"
	"github.com/presence-ledger/internal/domain"
)

// Prober fetches the current online snapshot
type Prober interface {
	Probe(ctx context.Context) ([]domain.OnlinePlayer, error)
}

// Reconciler applies a snapshot to the ledger
type Reconciler interface {
	Reconcile(ctx context.Context, snapshot []domain.OnlinePlayer) (*domain.CycleReport, error)
	ResetPresence(ctx context.Context) (int64, error)
}

// CycleListener is notified after every successful cycle
type CycleListener interface {
	NotifyCycle(ctx context.Context, report *domain.CycleReport) error
}

// State is what the worker is doing right now
type State int32

const (
	StateIdle State = iota
	StatePolling
)

func (s State) String() string {
	switch s {
	case StatePolling:
		return "polling"
	default:
		return "idle"
	}
}

// PollWorker probes the game server on a fixed interval and reconciles
// each snapshot into the ledger. Cycles never overlap.
type PollWorker struct {
	prober     Prober
	reconciler Reconciler
	listeners  []CycleListener
	config     *config.PollConfig
	clock      quartz.Clock
	metrics    *Metrics
	logger     *slog.Logger

	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool

	cycleMu   sync.Mutex
	state     atomic.Int32
	lastStart time.Time
}

// NewPollWorker creates a new poll worker
func NewPollWorker(
	prober Prober,
	reconciler Reconciler,
	cfg *config.PollConfig,
	clock quartz.Clock,
	metrics *Metrics,
	logger *slog.Logger,
	listeners ...CycleListener,
) *PollWorker {
	return &PollWorker{
		prober:     prober,
		reconciler: reconciler,
		listeners:  listeners,
		config:     cfg,
		clock:      clock,
		metrics:    metrics,
		logger:     logger,
	}
}

// Start runs the first cycle immediately and then one cycle per interval
// until ctx is cancelled or Stop is called.
func (w *PollWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.mu.Unlock()

	if w.config.ShouldResetOnStartup() {
		n, err := w.reconciler.ResetPresence(ctx)
		if err != nil {
			w.logger.Error("failed to reset presence on startup", "error", err)
		} else {
			w.logger.Info("reset stale online players", "count", n)
		}
	}

	w.logger.Info("poll worker started", "interval", w.config.Interval)

	go w.run(ctx, w.stopCh, w.doneCh)
	return nil
}

// Stop waits for the in-flight cycle to finish and stops the loop
func (w *PollWorker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	stopCh, doneCh := w.stopCh, w.doneCh
	w.mu.Unlock()

	close(stopCh)
	<-doneCh

	w.logger.Info("poll worker stopped")
	return nil
}

// run is the main worker loop
func (w *PollWorker) run(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	for {
		w.scheduledCycle(ctx)

		timer := w.clock.NewTimer(w.config.Interval, "poll", "wait")
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// scheduledCycle runs a loop cycle and checks how far it started from the
// expected time.
func (w *PollWorker) scheduledCycle(ctx context.Context) {
	start := w.clock.Now()
	if !w.lastStart.IsZero() {
		gap := start.Sub(w.lastStart)
		drift := gap - w.config.Interval
		if drift < 0 {
			drift = -drift
		}
		if drift > w.config.Interval/2 {
			w.metrics.driftTotal.Inc()
			w.logger.Warn("poll cycle drifted from interval",
				"gap", gap,
				"interval", w.config.Interval,
			)
		}
	}
	w.lastStart = start

	// The cycle outlives shutdown so a snapshot is never half applied.
	_ = w.cycle(context.WithoutCancel(ctx))
}

// RunOnce runs a single cycle (useful for manual triggers)
func (w *PollWorker) RunOnce(ctx context.Context) error {
	return w.cycle(ctx)
}

func (w *PollWorker) cycle(ctx context.Context) error {
	w.cycleMu.Lock()
	defer w.cycleMu.Unlock()

	w.state.Store(int32(StatePolling))
	defer w.state.Store(int32(StateIdle))

	start := w.clock.Now()

	probeCtx, cancel := context.WithTimeout(ctx, w.config.ProbeTimeout)
	snapshot, err := w.prober.Probe(probeCtx)
	cancel()
	if err != nil {
		w.metrics.cyclesTotal.WithLabelValues(resultProbeError).Inc()
		w.logger.Error("status probe failed", "error", err)
		return err
	}

	report, err := w.reconciler.Reconcile(ctx, snapshot)
	if err != nil {
		w.metrics.cyclesTotal.WithLabelValues(resultReconcileError).Inc()
		w.logger.Error("reconcile failed", "error", err)
		return err
	}

	duration := w.clock.Since(start)
	w.metrics.cyclesTotal.WithLabelValues(resultSuccess).Inc()
	w.metrics.cycleDuration.Observe(duration.Seconds())
	w.metrics.playersOnline.Set(float64(len(report.Online)))
	w.metrics.playersCredited.Add(float64(len(report.Online)))
	w.metrics.newPlayers.Add(float64(report.NewCount))

	w.logger.Info("poll cycle completed",
		"duration", duration,
		"online", len(report.Online),
		"joined", len(report.Joined),
		"left", len(report.Left),
		"new_players", report.NewCount,
	)

	for _, l := range w.listeners {
		if err := l.NotifyCycle(ctx, report); err != nil {
			w.metrics.listenerErrors.Inc()
			w.logger.Warn("cycle listener failed", "error", err)
		}
	}

	return nil
}

// IsRunning returns whether the worker loop is running
func (w *PollWorker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// State returns whether a cycle is in flight
func (w *PollWorker) State() State {
	return State(w.state.Load())
}
