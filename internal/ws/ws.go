// Package ws is the transport adapter: it upgrades an HTTP request to a
// websocket connection, drives its read/write pump, and feeds frames to a
// session.Session. Grounded on the teacher's pkg/protocol/socketapi.A.Serve
// (upgrade, ping/pong keepalive, read-limit, message dispatch loop),
// generalized from the teacher's fasthttp/websocket fork to
// gorilla/websocket, the variant three other pack repos converge on.
package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"novarelay.dev/internal/chk"
	"novarelay.dev/internal/logging"
	"novarelay.dev/internal/metrics"
	"novarelay.dev/internal/ratelimit"
	"novarelay.dev/internal/security"
	"novarelay.dev/internal/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait / 2
	maxMessageSize = 1 << 20 // 1 MiB, per §6 max_event_bytes headroom
	writeQueueCap  = 64      // back-pressure bound (§5)
)

// Upgrader is shared across connections; CheckOrigin is permissive since
// origin policy is the relay operator's concern at the reverse-proxy layer,
// not this specification's (§1 Non-goals).
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Connection wraps one upgraded websocket with a single writer goroutine,
// so concurrent callers (the session's own handlers plus subscription
// fan-out) never race on the underlying socket.
type Connection struct {
	ID     string
	conn   *websocket.Conn
	out    chan []any
	closed chan struct{}
}

// WriteFrame enqueues frame for delivery, implementing session.Sink. If the
// outbound queue is full the connection is treated as failed and torn down
// (§5 back-pressure).
func (c *Connection) WriteFrame(frame []any) error {
	select {
	case c.out <- frame:
		return nil
	case <-c.closed:
		return websocket.ErrCloseSent
	default:
		c.teardown()
		return websocket.ErrCloseSent
	}
}

// Close tears the connection down, implementing session.Sink. It is the
// mechanism the security policy uses to end a banned or disconnect-verdict
// connection (§4.6): the same teardown path an exhausted write queue already
// uses for back-pressure.
func (c *Connection) Close() error {
	c.teardown()
	return nil
}

func (c *Connection) teardown() {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
}

// Deps bundles the serialized components a new connection's session needs.
type Deps = session.Deps

// Limits is re-exported so callers configure one type across ws and
// session.
type Limits = session.Limits

// Serve upgrades r into a websocket connection, constructs a session.Session
// over it, and drives the connection's read and write pumps until the
// socket closes or ctx is cancelled. Intended to be called directly from an
// http.Handler (§4.8: "upgraded from an HTTP path").
func Serve(ctx context.Context, w http.ResponseWriter, r *http.Request, deps Deps, limits Limits, policy *security.Policy, limiter *ratelimit.Limiter, remoteAddr string) {
	admit := limiter.AdmitConnection(remoteAddr)
	if !admit.Allowed() {
		http.Error(w, admit.Reason, http.StatusTooManyRequests)
		return
	}

	conn, err := Upgrader.Upgrade(w, r, nil)
	if chk.E(err) {
		limiter.ReleaseConnection(remoteAddr)
		return
	}

	connID := uuid.NewString()
	c := &Connection{ID: connID, conn: conn, out: make(chan []any, writeQueueCap), closed: make(chan struct{})}
	sess := session.New(connID, remoteAddr, deps, limits, c)
	metrics.ConnectionsActive.Inc()

	connCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		c.teardown()
		sess.Close()
		_ = conn.Close()
		metrics.ConnectionsActive.Dec()
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go writePump(c, cancel)

	readPump(connCtx, conn, sess, c)
}

func readPump(ctx context.Context, conn *websocket.Conn, sess *session.Session, c *Connection) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		default:
		}
		typ, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
				websocket.CloseAbnormalClosure,
			) {
				logging.L().Warn().Str("conn", c.ID).Err(err).Msg("unexpected websocket close")
			}
			return
		}
		if typ != websocket.TextMessage {
			_ = c.WriteFrame([]any{"NOTICE", "malformed: binary frames are not accepted"})
			continue
		}
		sess.HandleFrame(ctx, message)
	}
}

func writePump(c *Connection, cancel context.CancelFunc) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cancel()
	}()
	for {
		select {
		case frame, ok := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(frame); chk.W(err) {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); chk.W(err) {
				return
			}
		case <-c.closed:
			return
		}
	}
}
