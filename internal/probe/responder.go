package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	mcnet "github.com/Tnze/go-mc/net"
	pk "github.com/Tnze/go-mc/net/packet"
)

// responderDeadline bounds one status exchange on the serving side
const responderDeadline = 10 * time.Second

// StatusFunc returns the status to report for the next ping
type StatusFunc func() *ServerStatus

// Responder answers Server List Ping requests. It only speaks the status
// state and is meant for local development and tests.
type Responder struct {
	status StatusFunc
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewResponder creates a responder reporting whatever status returns
func NewResponder(status StatusFunc, logger *slog.Logger) *Responder {
	return &Responder{status: status, logger: logger}
}

// Serve accepts connections on listener until ctx is cancelled. It closes
// the listener and waits for open exchanges before returning.
func (r *Responder) Serve(ctx context.Context, listener net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		_ = listener.Close()
	})
	defer stop()
	defer r.wg.Wait()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accepting status connection: %w", err)
		}

		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.handle(conn); err != nil {
				r.logger.Debug("status exchange failed", "remote", conn.RemoteAddr().String(), "error", err)
			}
		}()
	}
}

func (r *Responder) handle(socket net.Conn) error {
	conn := mcnet.WrapConn(socket)
	defer conn.Close()
	_ = socket.SetDeadline(time.Now().Add(responderDeadline))

	var (
		p         pk.Packet
		protocol  pk.VarInt
		host      pk.String
		port      pk.UnsignedShort
		nextState pk.VarInt
	)
	if err := conn.ReadPacket(&p); err != nil {
		return fmt.Errorf("reading handshake: %w", err)
	}
	if p.ID != packetHandshake {
		return fmt.Errorf("unexpected handshake packet id %#x", p.ID)
	}
	if err := p.Scan(&protocol, &host, &port, &nextState); err != nil {
		return fmt.Errorf("decoding handshake: %w", err)
	}
	if nextState != stateStatus {
		return errors.New("only the status state is served")
	}

	if err := conn.ReadPacket(&p); err != nil {
		return fmt.Errorf("reading status request: %w", err)
	}
	if p.ID != packetStatus {
		return fmt.Errorf("unexpected packet id %#x", p.ID)
	}

	payload, err := json.Marshal(r.status())
	if err != nil {
		return fmt.Errorf("encoding status: %w", err)
	}
	if err := conn.WritePacket(pk.Marshal(packetStatus, pk.String(payload))); err != nil {
		return fmt.Errorf("writing status: %w", err)
	}

	// Clients measure latency with a ping that must be echoed.
	if err := conn.ReadPacket(&p); err != nil {
		return nil
	}
	if p.ID == packetPing {
		return conn.WritePacket(p)
	}
	return nil
}
