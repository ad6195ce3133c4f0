package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/presence-ledger/internal/config"
	"github.com/presence-ledger/internal/domain"
	"github.com/presence-ledger/internal/service"
	"github.com/presence-ledger/internal/websocket"
)

// Leaderboard periods
const (
	PeriodDay   = "day"
	PeriodWeek  = "week"
	PeriodMonth = "month"
	PeriodMap   = "map"
)

// maxWindowDays bounds ?days on history and active counts
const maxWindowDays = 366

// Pinger reports whether the ledger store is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler provides HTTP handlers for the presence API
type Handler struct {
	aggregator *service.Aggregator
	store      Pinger
	hub        *websocket.Hub
	gatherer   prometheus.Gatherer
	config     *config.LeaderboardConfig
	logger     *slog.Logger
}

// NewHandler creates a new HTTP handler. A nil gatherer serves the default
// prometheus registry.
func NewHandler(
	aggregator *service.Aggregator,
	store Pinger,
	hub *websocket.Hub,
	gatherer prometheus.Gatherer,
	cfg *config.LeaderboardConfig,
	logger *slog.Logger,
) *Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Handler{
		aggregator: aggregator,
		store:      store,
		hub:        hub,
		gatherer:   gatherer,
		config:     cfg,
		logger:     logger,
	}
}

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// OnlineResponse lists the players seen in the latest poll cycle
type OnlineResponse struct {
	Count   int             `json:"count"`
	Players []domain.Player `json:"players"`
}

// ActiveResponse is the distinct player count over a window of days
type ActiveResponse struct {
	Days  int   `json:"days"`
	Count int64 `json:"count"`
}

// LeaderboardResponse is one page of ranked playtime
type LeaderboardResponse struct {
	Period  string                  `json:"period,omitempty"`
	Start   string                  `json:"start,omitempty"`
	End     string                  `json:"end,omitempty"`
	Limit   int                     `json:"limit"`
	Players []domain.PlayerPlaytime `json:"players"`
}

// Router creates and configures the HTTP router
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(corsMiddleware)

	// Health check
	r.Get("/health", h.HealthCheck)
	r.Get("/ready", h.ReadyCheck)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	// WebSocket endpoint
	r.Get("/ws", h.HandleWebSocket)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/online", h.GetOnline)

		r.Route("/players", func(r chi.Router) {
			r.Get("/active", h.GetActiveCount)
			r.Get("/{name}/history", h.GetPlayerHistory)
		})

		r.Route("/leaderboards", func(r chi.Router) {
			r.Get("/", h.GetRange)
			r.Get("/{period}", h.GetPeriod)
		})

		// WebSocket info endpoint
		r.Get("/ws/stats", h.GetWebSocketStats)
	})

	return r
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeSuccess writes a successful JSON response
func (h *Handler) writeSuccess(w http.ResponseWriter, data interface{}) {
	h.writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    data,
	})
}

// writeError writes an error JSON response
func (h *Handler) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, APIResponse{
		Success: false,
		Error:   err.Error(),
	})
}

// writeFailure maps an aggregator error to a response
func (h *Handler) writeFailure(w http.ResponseWriter, r *http.Request, msg string, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		h.writeError(w, http.StatusBadRequest, err)
	case domain.IsNotFoundError(err):
		h.writeError(w, http.StatusNotFound, err)
	default:
		h.logger.Error(msg, "error", err, "path", r.URL.Path)
		h.writeError(w, http.StatusInternalServerError, domain.ErrInternalError)
	}
}

// intParam reads a positive integer query parameter, falling back to def
// when it is absent.
func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		return 0, fmt.Errorf("%w: %s must be a positive integer", domain.ErrInvalidRequest, name)
	}
	return v, nil
}

// daysParam reads ?days, rejecting windows longer than maxWindowDays
func daysParam(r *http.Request, def int) (int, error) {
	days, err := intParam(r, "days", def)
	if err != nil {
		return 0, err
	}
	if days > maxWindowDays {
		return 0, fmt.Errorf("%w: days must be at most %d", domain.ErrInvalidRequest, maxWindowDays)
	}
	return days, nil
}

// limitParam reads ?limit, capped at the configured maximum
func (h *Handler) limitParam(r *http.Request) (int, error) {
	limit, err := intParam(r, "limit", h.config.DefaultLimit)
	if err != nil {
		return 0, err
	}
	return min(limit, h.config.MaxLimit), nil
}

func dateParam(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, fmt.Errorf("%w: %s is required", domain.ErrInvalidRequest, name)
	}
	day, err := domain.ParseDate(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s must be YYYY-MM-DD", domain.ErrInvalidRequest, name)
	}
	return day, nil
}

// HandleWebSocket handles WebSocket upgrade requests
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	websocket.ServeWs(h.hub, h.aggregator, h.logger, w, r)
}

// GetWebSocketStats returns WebSocket connection statistics
func (h *Handler) GetWebSocketStats(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]interface{}{
		"total_connections":    h.hub.GetTotalConnections(),
		"presence_subscribers": h.hub.GetSubscriberCount(websocket.TopicPresence),
	})
}

// HealthCheck returns service health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, map[string]string{"status": "healthy"})
}

// ReadyCheck reports ready once the ledger store answers
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		h.logger.Warn("ledger store not ready", "error", err)
		h.writeJSON(w, http.StatusServiceUnavailable, APIResponse{
			Success: false,
			Data:    map[string]string{"status": "unavailable"},
			Error:   domain.ErrStoreUnavailable.Error(),
		})
		return
	}
	h.writeSuccess(w, map[string]string{"status": "ready"})
}

// GetOnline returns the players seen in the latest poll cycle
func (h *Handler) GetOnline(w http.ResponseWriter, r *http.Request) {
	players, err := h.aggregator.OnlinePlayers(r.Context())
	if err != nil {
		h.writeFailure(w, r, "failed to list online players", err)
		return
	}

	h.writeSuccess(w, OnlineResponse{Count: len(players), Players: players})
}

// GetActiveCount returns how many distinct players played in the last N days
func (h *Handler) GetActiveCount(w http.ResponseWriter, r *http.Request) {
	days, err := daysParam(r, h.config.ActiveWindowDays)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	count, err := h.aggregator.DistinctActivePlayerCount(r.Context(), days)
	if err != nil {
		h.writeFailure(w, r, "failed to count active players", err)
		return
	}

	h.writeSuccess(w, ActiveResponse{Days: days, Count: count})
}

// GetPeriod returns the leaderboard for day, week, month or map
func (h *Handler) GetPeriod(w http.ResponseWriter, r *http.Request) {
	period := chi.URLParam(r, "period")
	limit, err := h.limitParam(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	var top func(context.Context, int) ([]domain.PlayerPlaytime, error)
	switch period {
	case PeriodDay:
		top = h.aggregator.DayTopPlayers
	case PeriodWeek:
		top = h.aggregator.WeekTopPlayers
	case PeriodMonth:
		top = h.aggregator.MonthTopPlayers
	case PeriodMap:
		top = h.aggregator.MapTopPlayers
	default:
		h.writeError(w, http.StatusBadRequest, fmt.Errorf("%w: unknown period %q", domain.ErrInvalidRequest, period))
		return
	}

	players, err := top(r.Context(), limit)
	if err != nil {
		h.writeFailure(w, r, "failed to rank players", err)
		return
	}

	h.writeSuccess(w, LeaderboardResponse{Period: period, Limit: limit, Players: players})
}

// GetRange returns the leaderboard over an explicit date range
func (h *Handler) GetRange(w http.ResponseWriter, r *http.Request) {
	start, err := dateParam(r, "start")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	end, err := dateParam(r, "end")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	if start.After(end) {
		h.writeError(w, http.StatusBadRequest, fmt.Errorf("%w: start is after end", domain.ErrInvalidRequest))
		return
	}
	limit, err := h.limitParam(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	players, err := h.aggregator.TopPlayers(r.Context(), start, end, limit)
	if err != nil {
		h.writeFailure(w, r, "failed to rank players", err)
		return
	}

	h.writeSuccess(w, LeaderboardResponse{
		Start:   domain.FormatDate(start),
		End:     domain.FormatDate(end),
		Limit:   limit,
		Players: players,
	})
}

// GetPlayerHistory returns a player's daily sessions over the last N days
func (h *Handler) GetPlayerHistory(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if name == "" {
		h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
		return
	}
	days, err := daysParam(r, h.config.HistoryWindowDays)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	history, err := h.aggregator.PlayerHistory(r.Context(), name, days)
	if err != nil {
		h.writeFailure(w, r, "failed to load player history", err)
		return
	}
	if history == nil {
		h.writeError(w, http.StatusNotFound, domain.ErrPlayerNotFound)
		return
	}

	h.writeSuccess(w, history)
}
