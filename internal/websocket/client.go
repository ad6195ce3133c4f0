package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/presence-ledger/internal/domain"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 4096

	// snapshotTimeout bounds the ledger read answering a subscribe
	snapshotTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Dashboards are served from other origins
		return true
	},
}

// PresenceSource answers what a client sees the moment it subscribes
type PresenceSource interface {
	OnlinePlayers(ctx context.Context) ([]domain.Player, error)
	Player(ctx context.Context, id string) (*domain.Player, error)
}

// PresenceSnapshot acknowledges a presence subscription with who is online
type PresenceSnapshot struct {
	OnlineCount int             `json:"online_count"`
	Online      []domain.Player `json:"online"`
}

// PlayerSnapshot acknowledges a player subscription. Known is false for an
// id the ledger has never seen.
type PlayerSnapshot struct {
	PlayerID string         `json:"player_id"`
	Known    bool           `json:"known"`
	Player   *domain.Player `json:"player,omitempty"`
}

// Client is one dashboard connection
type Client struct {
	id     string
	hub    *Hub
	conn   *websocket.Conn
	source PresenceSource
	send   chan []byte
	logger *slog.Logger
}

// ClientMessage represents a message from the client
type ClientMessage struct {
	Type  string `json:"type"`
	Topic string `json:"topic,omitempty"`
}

// playerTopicID returns the player id of a player topic
func playerTopicID(topic string) (string, bool) {
	id, ok := strings.CutPrefix(topic, "player:")
	return id, ok && id != ""
}

// validTopic accepts the presence topic and player topics
func validTopic(topic string) bool {
	if topic == TopicPresence {
		return true
	}
	_, ok := playerTopicID(topic)
	return ok
}

// NewClient creates a client. source may be nil, in which case subscribe
// acknowledgements carry no snapshot.
func NewClient(hub *Hub, conn *websocket.Conn, source PresenceSource, logger *slog.Logger) *Client {
	id := uuid.New().String()
	return &Client{
		id:     id,
		hub:    hub,
		conn:   conn,
		source: source,
		send:   make(chan []byte, 256),
		logger: logger.With("client_id", id),
	}
}

// readPump reads client requests until the connection drops
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket error", "error", err)
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("invalid message format", "error", err)
			c.replyError("invalid message format")
			continue
		}

		switch msg.Type {
		case MessageTypeSubscribe:
			c.subscribe(msg.Topic)
		case MessageTypeUnsubscribe:
			if msg.Topic != "" {
				c.hub.Unsubscribe(c, msg.Topic)
				c.reply(&Message{Type: MessageTypeUnsubscribed, Topic: msg.Topic})
			}
		case MessageTypePing:
			c.reply(&Message{Type: MessageTypePong})
		default:
			c.logger.Debug("unknown message type", "type", msg.Type)
		}
	}
}

// subscribe joins topic and acknowledges with its current state. The client
// joins first so no update falls between the snapshot and the subscription.
func (c *Client) subscribe(topic string) {
	if !validTopic(topic) {
		c.replyError("unknown topic: " + topic)
		return
	}
	c.hub.Subscribe(c, topic)

	snapshot, err := c.snapshot(topic)
	if err != nil {
		c.logger.Warn("failed to load subscription snapshot", "topic", topic, "error", err)
		c.hub.Unsubscribe(c, topic)
		c.replyError("presence unavailable")
		return
	}
	c.reply(&Message{Type: MessageTypeSubscribed, Topic: topic, Data: snapshot})
}

func (c *Client) snapshot(topic string) (any, error) {
	if c.source == nil {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(c.hub.ctx, snapshotTimeout)
	defer cancel()

	if topic == TopicPresence {
		online, err := c.source.OnlinePlayers(ctx)
		if err != nil {
			return nil, err
		}
		return PresenceSnapshot{OnlineCount: len(online), Online: online}, nil
	}

	id, _ := playerTopicID(topic)
	player, err := c.source.Player(ctx, id)
	switch {
	case errors.Is(err, domain.ErrPlayerNotFound):
		return PlayerSnapshot{PlayerID: id}, nil
	case err != nil:
		return nil, err
	}
	return PlayerSnapshot{PlayerID: id, Known: true, Player: player}, nil
}

// writePump writes queued messages, one frame each, and keeps the
// connection alive with pings
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// reply queues a direct answer to this client, dropping it if the client is
// not keeping up
func (c *Client) reply(msg *Message) {
	msg.Timestamp = time.Now()
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("failed to marshal reply", "type", msg.Type, "error", err)
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("client send buffer full, dropping reply", "type", msg.Type)
	}
}

func (c *Client) replyError(errMsg string) {
	c.reply(&Message{Type: MessageTypeError, Data: map[string]string{"error": errMsg}})
}

// ServeWs upgrades the request and attaches the connection to hub
func ServeWs(hub *Hub, source PresenceSource, logger *slog.Logger, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(hub, conn, source, logger)
	hub.Register(client)

	go client.writePump()
	go client.readPump()

	client.logger.Debug("new websocket connection")
}
