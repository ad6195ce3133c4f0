package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/presence-ledger/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSource serves a fixed ledger view
type fakeSource struct {
	online  []domain.Player
	players map[string]domain.Player
	err     error
}

func (s *fakeSource) OnlinePlayers(ctx context.Context) ([]domain.Player, error) {
	return s.online, s.err
}

func (s *fakeSource) Player(ctx context.Context, id string) (*domain.Player, error) {
	if s.err != nil {
		return nil, s.err
	}
	p, ok := s.players[id]
	if !ok {
		return nil, fmt.Errorf("finding player: %w", domain.ErrPlayerNotFound)
	}
	return &p, nil
}

var (
	day1  = time.Date(2024, 7, 26, 0, 0, 0, 0, time.UTC)
	alice = domain.Player{ID: "p1", Name: "Alice", Status: domain.StatusOnline(), TotalPlayTime: 120}
	carol = domain.Player{ID: "p3", Name: "Carol", Status: domain.StatusOfflineSince(day1), TotalPlayTime: 60}
)

func ledgerSource() *fakeSource {
	return &fakeSource{
		online:  []domain.Player{alice},
		players: map[string]domain.Player{"p1": alice, "p3": carol},
	}
}

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()
	return startHubWithSource(t, ledgerSource())
}

func startHubWithSource(t *testing.T, source PresenceSource) (*Hub, string) {
	t.Helper()

	hub := NewHub(testLogger())
	go hub.Run()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, source, testLogger(), w, r)
	}))
	t.Cleanup(func() {
		server.Close()
		hub.Stop()
	})

	return hub, "ws" + strings.TrimPrefix(server.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

// subscribe joins topic and returns the acknowledgement
func subscribe(t *testing.T, hub *Hub, conn *websocket.Conn, topic string) Message {
	t.Helper()
	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MessageTypeSubscribe, Topic: topic}))

	ack := readMessage(t, conn)
	require.Equal(t, MessageTypeSubscribed, ack.Type)
	require.Equal(t, topic, ack.Topic)

	require.Eventually(t, func() bool {
		return hub.GetSubscriberCount(topic) == 1
	}, 5*time.Second, 10*time.Millisecond)
	return ack
}

// decode converts a generically decoded payload into dest
func decode(t *testing.T, data any, dest any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, dest))
}

func testReport() *domain.CycleReport {
	return &domain.CycleReport{
		Date:   time.Date(2024, 7, 26, 0, 0, 0, 0, time.UTC),
		Online: []domain.OnlinePlayer{{ID: "p1", Name: "Alice"}, {ID: "p2", Name: "Bob"}},
		Joined: []string{"p2"},
		Left:   []string{"p3"},
	}
}

func TestPresenceSubscriberReceivesCycle(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, url)
	subscribe(t, hub, conn, TopicPresence)

	require.NoError(t, hub.NotifyCycle(context.Background(), testReport()))

	msg := readMessage(t, conn)
	assert.Equal(t, MessageTypePresenceUpdate, msg.Type)
	assert.Equal(t, TopicPresence, msg.Topic)

	data, err := json.Marshal(msg.Data)
	require.NoError(t, err)
	var update PresenceUpdate
	require.NoError(t, json.Unmarshal(data, &update))
	assert.Equal(t, "2024-07-26", update.Date)
	assert.Equal(t, 2, update.OnlineCount)
	assert.Equal(t, []string{"p2"}, update.Joined)
	assert.Equal(t, []string{"p3"}, update.Left)
}

func TestPlayerSubscriberReceivesOwnEvents(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, url)
	subscribe(t, hub, conn, PlayerTopic("p2"))

	require.NoError(t, hub.NotifyCycle(context.Background(), testReport()))

	msg := readMessage(t, conn)
	assert.Equal(t, MessageTypePlayerUpdate, msg.Type)
	assert.Equal(t, "player:p2", msg.Topic)

	data, err := json.Marshal(msg.Data)
	require.NoError(t, err)
	var event domain.PresenceEvent
	require.NoError(t, json.Unmarshal(data, &event))
	assert.Equal(t, domain.PresenceEventJoined, event.Type)
	assert.Equal(t, "Bob", event.PlayerName)
}

func TestPresenceSubscribeSendsOnlinePlayers(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, url)

	ack := subscribe(t, hub, conn, TopicPresence)

	var snapshot PresenceSnapshot
	decode(t, ack.Data, &snapshot)
	assert.Equal(t, 1, snapshot.OnlineCount)
	require.Len(t, snapshot.Online, 1)
	assert.Equal(t, "Alice", snapshot.Online[0].Name)
	assert.True(t, snapshot.Online[0].Status.IsOnline())
}

func TestPlayerSubscribeSendsStatus(t *testing.T) {
	hub, url := startHub(t)

	tests := []struct {
		id   string
		want PlayerSnapshot
	}{
		{"p1", PlayerSnapshot{PlayerID: "p1", Known: true, Player: &alice}},
		{"p3", PlayerSnapshot{PlayerID: "p3", Known: true, Player: &carol}},
		{"p9", PlayerSnapshot{PlayerID: "p9"}},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			conn := dial(t, url)
			ack := subscribe(t, hub, conn, PlayerTopic(tt.id))

			var got PlayerSnapshot
			decode(t, ack.Data, &got)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSubscribeFailsWhenLedgerUnavailable(t *testing.T) {
	hub, url := startHubWithSource(t, &fakeSource{err: domain.StoreError("listing online players", errors.New("connection refused"))})
	conn := dial(t, url)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MessageTypeSubscribe, Topic: TopicPresence}))

	msg := readMessage(t, conn)
	assert.Equal(t, MessageTypeError, msg.Type)
	require.Eventually(t, func() bool {
		return hub.GetSubscriberCount(TopicPresence) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestUnsubscribe(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, url)
	subscribe(t, hub, conn, TopicPresence)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MessageTypeUnsubscribe, Topic: TopicPresence}))
	assert.Equal(t, MessageTypeUnsubscribed, readMessage(t, conn).Type)
	require.Eventually(t, func() bool {
		return hub.GetSubscriberCount(TopicPresence) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestInvalidMessageKeepsConnection(t *testing.T) {
	_, url := startHub(t)
	conn := dial(t, url)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{")))
	assert.Equal(t, MessageTypeError, readMessage(t, conn).Type)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MessageTypePing}))
	assert.Equal(t, MessageTypePong, readMessage(t, conn).Type)
}

func TestSubscribeRejectsUnknownTopic(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, url)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MessageTypeSubscribe, Topic: "leaderboard"}))

	msg := readMessage(t, conn)
	assert.Equal(t, MessageTypeError, msg.Type)
	assert.Equal(t, 0, hub.GetSubscriberCount("leaderboard"))
}

func TestPing(t *testing.T) {
	_, url := startHub(t)
	conn := dial(t, url)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MessageTypePing}))
	assert.Equal(t, MessageTypePong, readMessage(t, conn).Type)
}

func TestConnectionsAreCounted(t *testing.T) {
	hub, url := startHub(t)
	first := dial(t, url)
	dial(t, url)

	require.Eventually(t, func() bool {
		return hub.GetTotalConnections() == 2
	}, 5*time.Second, 10*time.Millisecond)

	first.Close()

	require.Eventually(t, func() bool {
		return hub.GetTotalConnections() == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestValidTopic(t *testing.T) {
	assert.True(t, validTopic(TopicPresence))
	assert.True(t, validTopic(PlayerTopic("p1")))
	assert.False(t, validTopic("player:"))
	assert.False(t, validTopic(""))
}
