// Package probe asks a Minecraft Java server who is online using the
// Server List Ping protocol.
package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/Tnze/go-mc/bot"
	"github.com/google/uuid"

	"github.com/presence-ledger/internal/domain"
)

// Packet ids and handshake state of the status exchange
const (
	packetHandshake = 0x00
	packetStatus    = 0x00
	packetPing      = 0x01
	stateStatus     = 1
)

// ServerStatus is the decoded status reply
type ServerStatus struct {
	Version struct {
		Name     string `json:"name"`
		Protocol int    `json:"protocol"`
	} `json:"version"`
	Players struct {
		Max    int            `json:"max"`
		Online int            `json:"online"`
		Sample []SamplePlayer `json:"sample"`
	} `json:"players"`
	Description json.RawMessage `json:"description"`
	Latency     time.Duration   `json:"-"`
}

// SamplePlayer is one entry of the players.sample list
type SamplePlayer struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}

// Client performs status pings
type Client struct {
	timeout time.Duration
	logger  *slog.Logger
}

// NewClient creates a client. timeout bounds a whole ping when the context
// carries no earlier deadline.
func NewClient(timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		timeout: timeout,
		logger:  logger,
	}
}

// Status pings address:port and returns the raw status reply
func (c *Client) Status(ctx context.Context, address string, port int) (*ServerStatus, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	target := net.JoinHostPort(address, strconv.Itoa(port))

	payload, latency, err := bot.PingAndListContext(ctx, target)
	if err != nil {
		return nil, classify(ctx, "pinging "+target, err)
	}

	var status ServerStatus
	if err := json.Unmarshal(payload, &status); err != nil {
		return nil, fmt.Errorf("decoding status response: %w: %w", domain.ErrProbeUnreachable, err)
	}
	status.Latency = latency

	return &status, nil
}

// GetOnlineSnapshot returns the players currently listed by the server.
// Ids are normalized to canonical UUID form when they parse as one, and
// repeated ids keep their first entry.
func (c *Client) GetOnlineSnapshot(ctx context.Context, address string, port int) ([]domain.OnlinePlayer, error) {
	status, err := c.Status(ctx, address, port)
	if err != nil {
		return nil, err
	}

	if status.Players.Online > len(status.Players.Sample) {
		c.logger.Debug("server sample is truncated",
			"online", status.Players.Online,
			"sample", len(status.Players.Sample),
		)
	}

	return Snapshot(status), nil
}

// Snapshot converts a status reply into ledger snapshot entries
func Snapshot(status *ServerStatus) []domain.OnlinePlayer {
	players := make([]domain.OnlinePlayer, 0, len(status.Players.Sample))
	seen := make(map[string]struct{}, len(status.Players.Sample))
	for _, p := range status.Players.Sample {
		id := normalizeID(p.ID)
		// Hidden players are listed under the nil UUID
		if id == "" || id == uuid.Nil.String() {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		players = append(players, domain.OnlinePlayer{ID: id, Name: p.Name})
	}
	return players
}

func normalizeID(id string) string {
	if parsed, err := uuid.Parse(id); err == nil {
		return parsed.String()
	}
	return id
}

// Server binds a client to one game server
type Server struct {
	client  *Client
	address string
	port    int
}

// NewServer creates a prober for address:port
func NewServer(client *Client, address string, port int) *Server {
	return &Server{client: client, address: address, port: port}
}

// Probe returns the current online snapshot of the bound server
func (s *Server) Probe(ctx context.Context) ([]domain.OnlinePlayer, error) {
	return s.client.GetOnlineSnapshot(ctx, s.address, s.port)
}

// Target returns address:port of the bound server
func (s *Server) Target() string {
	return net.JoinHostPort(s.address, strconv.Itoa(s.port))
}

func classify(ctx context.Context, op string, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("%s: %w: %w", op, domain.ErrProbeUnreachable, ctx.Err())
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, os.ErrDeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) ||
		errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		pastDeadline(ctx) {
		return fmt.Errorf("%s: %w: %w", op, domain.ErrProbeTimeout, err)
	}
	return fmt.Errorf("%s: %w: %w", op, domain.ErrProbeUnreachable, err)
}

// pastDeadline catches socket timeouts that fire just before the context does
func pastDeadline(ctx context.Context) bool {
	deadline, ok := ctx.Deadline()
	return ok && !time.Now().Before(deadline)
}
