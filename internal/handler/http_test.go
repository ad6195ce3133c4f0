package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/quartz"
	gorillaws "github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/presence-ledger/internal/config"
	"github.com/presence-ledger/internal/domain"
	"github.com/presence-ledger/internal/ledger"
	"github.com/presence-ledger/internal/ledger/memory"
	"github.com/presence-ledger/internal/service"
	"github.com/presence-ledger/internal/websocket"
)

var day1 = time.Date(2024, 7, 26, 0, 0, 0, 0, time.UTC)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

type testServer struct {
	router     http.Handler
	store      ledger.Store
	reconciler *service.Reconciler
	clock      *quartz.Mock
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, store ledger.Store) *testServer {
	t.Helper()

	clock := quartz.NewMock(t)
	clock.Set(day1.Add(12 * time.Hour))

	cfg := config.DefaultConfig()
	aggregator := service.NewAggregator(store, nil, clock, time.UTC, day1, testLogger())
	hub := websocket.NewHub(testLogger())
	go hub.Run()
	t.Cleanup(hub.Stop)

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presence_test_total",
		Help: "Test counter.",
	}))

	h := NewHandler(aggregator, store, hub, registry, &cfg.Leaderboard, testLogger())
	return &testServer{
		router:     h.Router(),
		store:      store,
		reconciler: service.NewReconciler(store, clock, time.UTC, time.Minute, testLogger()),
		clock:      clock,
	}
}

func (s *testServer) reconcile(t *testing.T, players ...domain.OnlinePlayer) {
	t.Helper()
	_, err := s.reconciler.Reconcile(context.Background(), players)
	require.NoError(t, err)
}

func (s *testServer) get(t *testing.T, path string) (int, envelope) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var body envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return rec.Code, body
}

var (
	alice = domain.OnlinePlayer{ID: "p1", Name: "Alice"}
	bob   = domain.OnlinePlayer{ID: "p2", Name: "Bob"}
)

func TestHealthAndReady(t *testing.T) {
	s := newTestServer(t, memory.New())

	code, body := s.get(t, "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, body.Success)

	code, body = s.get(t, "/ready")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"ready"}`, string(body.Data))
}

func TestReadyWhenStoreDown(t *testing.T) {
	s := newTestServer(t, downStore{Store: memory.New()})

	code, body := s.get(t, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.False(t, body.Success)
}

func TestOnline(t *testing.T) {
	s := newTestServer(t, memory.New())

	code, body := s.get(t, "/api/v1/online")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"count":0,"players":[]}`, string(body.Data))

	s.reconcile(t, alice, bob)

	_, body = s.get(t, "/api/v1/online")
	var online OnlineResponse
	require.NoError(t, json.Unmarshal(body.Data, &online))
	assert.Equal(t, 2, online.Count)
	for _, p := range online.Players {
		assert.True(t, p.Status.IsOnline())
	}
}

func TestPeriodLeaderboards(t *testing.T) {
	s := newTestServer(t, memory.New())
	s.reconcile(t, alice, bob)
	s.reconcile(t, bob)

	for _, period := range []string{PeriodDay, PeriodWeek, PeriodMonth, PeriodMap} {
		t.Run(period, func(t *testing.T) {
			code, body := s.get(t, "/api/v1/leaderboards/"+period)
			require.Equal(t, http.StatusOK, code)

			var lb LeaderboardResponse
			require.NoError(t, json.Unmarshal(body.Data, &lb))
			assert.Equal(t, period, lb.Period)
			assert.Equal(t, 10, lb.Limit)
			require.Len(t, lb.Players, 2)
			assert.Equal(t, "Bob", lb.Players[0].PlayerName)
			assert.Equal(t, int64(120), lb.Players[0].Playtime)
			assert.Equal(t, int64(60), lb.Players[1].Playtime)
		})
	}
}

func TestLeaderboardLimit(t *testing.T) {
	s := newTestServer(t, memory.New())
	s.reconcile(t, alice, bob)

	_, body := s.get(t, "/api/v1/leaderboards/day?limit=1")
	var lb LeaderboardResponse
	require.NoError(t, json.Unmarshal(body.Data, &lb))
	assert.Len(t, lb.Players, 1)

	_, body = s.get(t, "/api/v1/leaderboards/day?limit=5000")
	require.NoError(t, json.Unmarshal(body.Data, &lb))
	assert.Equal(t, 100, lb.Limit)

	for _, bad := range []string{"0", "-3", "ten"} {
		code, body := s.get(t, "/api/v1/leaderboards/day?limit="+bad)
		assert.Equal(t, http.StatusBadRequest, code, bad)
		assert.False(t, body.Success)
	}
}

func TestUnknownPeriod(t *testing.T) {
	s := newTestServer(t, memory.New())

	code, body := s.get(t, "/api/v1/leaderboards/year")
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, body.Error, "year")
}

func TestRangeLeaderboard(t *testing.T) {
	s := newTestServer(t, memory.New())
	s.reconcile(t, alice)
	s.clock.Set(day1.Add(36 * time.Hour))
	s.reconcile(t, bob)

	code, body := s.get(t, "/api/v1/leaderboards?start=2024-07-27&end=2024-07-27")
	require.Equal(t, http.StatusOK, code)

	var lb LeaderboardResponse
	require.NoError(t, json.Unmarshal(body.Data, &lb))
	assert.Equal(t, "2024-07-27", lb.Start)
	require.Len(t, lb.Players, 1)
	assert.Equal(t, "Bob", lb.Players[0].PlayerName)

	_, body = s.get(t, "/api/v1/leaderboards?start=2024-07-26&end=2024-07-27")
	require.NoError(t, json.Unmarshal(body.Data, &lb))
	assert.Len(t, lb.Players, 2)
}

func TestRangeLeaderboardValidation(t *testing.T) {
	s := newTestServer(t, memory.New())

	for _, query := range []string{
		"",
		"?start=2024-07-26",
		"?start=07/26/2024&end=2024-07-27",
		"?start=2024-07-28&end=2024-07-27",
	} {
		code, _ := s.get(t, "/api/v1/leaderboards"+query)
		assert.Equal(t, http.StatusBadRequest, code, query)
	}
}

func TestActivePlayers(t *testing.T) {
	s := newTestServer(t, memory.New())
	s.reconcile(t, alice, bob)
	s.clock.Set(day1.Add(36 * time.Hour))
	s.reconcile(t, alice)

	_, body := s.get(t, "/api/v1/players/active")
	var active ActiveResponse
	require.NoError(t, json.Unmarshal(body.Data, &active))
	assert.Equal(t, 7, active.Days)
	assert.Equal(t, int64(2), active.Count)

	_, body = s.get(t, "/api/v1/players/active?days=1")
	require.NoError(t, json.Unmarshal(body.Data, &active))
	assert.Equal(t, int64(1), active.Count)

	code, _ := s.get(t, "/api/v1/players/active?days=1000")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestPlayerHistory(t *testing.T) {
	s := newTestServer(t, memory.New())
	s.reconcile(t, alice)

	code, body := s.get(t, "/api/v1/players/Alice/history?days=3")
	require.Equal(t, http.StatusOK, code)

	var history domain.PlayerQuery
	require.NoError(t, json.Unmarshal(body.Data, &history))
	assert.Equal(t, "p1", history.Player.ID)
	require.Len(t, history.Sessions, 3)
	assert.Equal(t, int64(0), history.Sessions[0].TimePlayed)
	assert.Equal(t, int64(60), history.Sessions[2].TimePlayed)
	assert.Equal(t, int64(60), history.TotalPlaytime)
}

func TestPlayerHistoryUnknown(t *testing.T) {
	s := newTestServer(t, memory.New())

	code, body := s.get(t, "/api/v1/players/Nobody/history")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, domain.ErrPlayerNotFound.Error(), body.Error)
}

func TestStoreFailureIsInternalError(t *testing.T) {
	s := newTestServer(t, downStore{Store: memory.New()})

	code, body := s.get(t, "/api/v1/online")
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, domain.ErrInternalError.Error(), body.Error)
}

func TestWebSocketStats(t *testing.T) {
	s := newTestServer(t, memory.New())

	code, body := s.get(t, "/api/v1/ws/stats")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"total_connections":0,"presence_subscribers":0}`, string(body.Data))
}

func TestWebSocketSubscribeSeesLedger(t *testing.T) {
	s := newTestServer(t, memory.New())
	s.reconcile(t, alice, bob)

	server := httptest.NewServer(s.router)
	defer server.Close()

	conn, _, err := gorillaws.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(websocket.ClientMessage{Type: websocket.MessageTypeSubscribe, Topic: websocket.TopicPresence}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var ack struct {
		Type string                     `json:"type"`
		Data websocket.PresenceSnapshot `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, websocket.MessageTypeSubscribed, ack.Type)
	assert.Equal(t, 2, ack.Data.OnlineCount)
}

func TestMetrics(t *testing.T) {
	s := newTestServer(t, memory.New())

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "presence_test_total")
}

// downStore fails every call that reaches the database
type downStore struct {
	ledger.Store
}

var errDown = domain.StoreError("ping", errors.New("connection refused"))

func (downStore) Ping(ctx context.Context) error {
	return errDown
}

func (downStore) ListOnlinePlayers(ctx context.Context) ([]domain.Player, error) {
	return nil, errDown
}
