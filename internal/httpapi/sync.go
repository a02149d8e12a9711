package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/rectangular-labs/workspacesync/internal/logging"
	"github.com/rectangular-labs/workspacesync/internal/room"
)

const (
	wsPingTimeout  = 5 * time.Second
	wsWriteTimeout = 15 * time.Second
)

var (
	errSlowPeer   = errors.New("peer send buffer full")
	errPeerClosed = errors.New("peer connection closed")
)

// wsPeer adapts a websocket connection to room.Peer. Frames are queued and
// written by a single goroutine so Send never blocks the room.
type wsPeer struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func newWSPeer(conn *websocket.Conn, buffer int) *wsPeer {
	return &wsPeer{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

func (p *wsPeer) ID() string { return p.id }

func (p *wsPeer) Send(frame []byte) error {
	select {
	case <-p.done:
		return errPeerClosed
	default:
	}
	select {
	case p.send <- frame:
		return nil
	default:
		p.shutdown(websocket.StatusPolicyViolation, "peer too slow")
		return errSlowPeer
	}
}

func (p *wsPeer) shutdown(status websocket.StatusCode, reason string) {
	p.closeOnce.Do(func() {
		close(p.done)
		// Close waits for the close handshake; Send may be running under
		// a room broadcast.
		go func() { _ = p.conn.Close(status, reason) }()
	})
}

func (p *wsPeer) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case frame := <-p.send:
			writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := p.conn.Write(writeCtx, websocket.MessageBinary, frame)
			cancel()
			if err != nil {
				p.shutdown(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

func (p *wsPeer) pingLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, wsPingTimeout)
			err := p.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				p.shutdown(websocket.StatusGoingAway, "ping timeout")
				return
			}
		}
	}
}

// AuthorizeJoin is the relay join hook for connections accepted by
// handleSync: the token must grant the room being joined.
func AuthorizeJoin(ctx context.Context, key room.Key) error {
	claims := claimsFrom(ctx)
	if claims == nil {
		return nil
	}
	if !claims.allows(key) {
		return fmt.Errorf("token does not grant room %s", key)
	}
	return nil
}

// handleSync upgrades to a websocket and feeds every binary frame to the
// relay in receipt order.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowedOrigins,
	})
	if err != nil {
		// Accept already wrote the response.
		return
	}
	conn.SetReadLimit(s.cfg.MaxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	peer := newWSPeer(conn, s.cfg.SendBuffer)
	logger := logging.WithContext(ctx).With(zap.String("peer", peer.id))
	logger.Info("sync peer connected")

	go peer.writeLoop(ctx)
	go peer.pingLoop(ctx, s.cfg.PingInterval)

	defer func() {
		s.relay.Disconnect(context.WithoutCancel(ctx), peer)
		peer.shutdown(websocket.StatusNormalClosure, "")
		logger.Info("sync peer disconnected")
	}()

	for {
		kind, frame, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				logger.Debug("sync read ended", logging.Err(err))
			}
			return
		}
		if kind != websocket.MessageBinary {
			peer.shutdown(websocket.StatusUnsupportedData, "binary frames only")
			return
		}
		if err := s.relay.Handle(ctx, peer, frame); err != nil {
			logger.Warn("sync handling failed", logging.Err(err))
			return
		}
	}
}
