package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	apperrors "github.com/cribcall/monitor-server-go/internal/errors"
	"github.com/cribcall/monitor-server-go/internal/identity"
	"github.com/cribcall/monitor-server-go/internal/protocol"
)

// ControlPath is the upgrade endpoint on the control port.
const ControlPath = "/control"

const wsReadBuffer = 32 * 1024

// WebSocketBackend is the stream-oriented transport: WebSocket over
// mutually-authenticated TLS, length-framed JSON inside binary messages.
type WebSocketBackend struct{}

func (WebSocketBackend) Name() string { return "websocket" }

// Close is a no-op; each generation's TCP listener is self-contained.
func (WebSocketBackend) Close() error { return nil }

type wsListener struct {
	tcp      net.Listener
	server   *http.Server
	conns    chan Connection
	done     chan struct{}
	closeOne sync.Once
}

func (WebSocketBackend) Listen(addr string, id *identity.Identity, trusted map[string]bool, maxFrameBytes int) (Listener, error) {
	tcp, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	l := &wsListener{
		tcp:   tcp,
		conns: make(chan Connection, 8),
		done:  make(chan struct{}),
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  wsReadBuffer,
		WriteBufferSize: wsReadBuffer,
		// trust is decided by client-certificate fingerprint, not origin
		CheckOrigin: func(*http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc(ControlPath, func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
			http.Error(w, "client certificate required", http.StatusUnauthorized)
			return
		}
		fp := identity.FingerprintDER(r.TLS.PeerCertificates[0].Raw)

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
			return
		}

		conn := newWSConn(ws, fp, trusted[fp], maxFrameBytes)
		select {
		case l.conns <- conn:
		case <-l.done:
			conn.Close("listener closed")
		}
	})

	l.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	tlsLn := tls.NewListener(tcp, serverTLSConfig(id))
	go func() {
		// returns when the tcp listener closes; upgraded connections are
		// hijacked and keep running
		if err := l.server.Serve(tlsLn); err != nil && err != http.ErrServerClosed {
			log.Debug().Err(err).Msg("websocket listener serve ended")
		}
	}()

	return l, nil
}

func (l *wsListener) Accept(ctx context.Context) (Connection, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.done:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *wsListener) Addr() net.Addr { return l.tcp.Addr() }

func (l *wsListener) Close() error {
	var err error
	l.closeOne.Do(func() {
		close(l.done)
		err = l.tcp.Close()
	})
	return err
}

func (WebSocketBackend) Dial(ctx context.Context, opts DialOptions) (Connection, error) {
	var observed string
	dialer := websocket.Dialer{
		TLSClientConfig:  clientTLSConfig(opts.Identity, opts.ExpectedFingerprint, &observed),
		HandshakeTimeout: opts.timeout(),
	}

	url := fmt.Sprintf("wss://%s%s", opts.Endpoint, ControlPath)
	ws, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	// the client dialed a known endpoint; pinning already validated it
	return newWSConn(ws, observed, true, opts.MaxFrameBytes), nil
}

type wsConn struct {
	id      string
	fp      string
	ws      *websocket.Conn
	trusted atomic.Bool
	decoder *protocol.FrameDecoder
	pending [][]byte

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newWSConn(ws *websocket.Conn, fingerprint string, trusted bool, maxFrameBytes int) *wsConn {
	c := &wsConn{
		id:      uuid.NewString(),
		fp:      fingerprint,
		ws:      ws,
		decoder: protocol.NewFrameDecoder(maxFrameBytes),
	}
	c.trusted.Store(trusted)
	return c
}

func (c *wsConn) ID() string              { return c.id }
func (c *wsConn) PeerFingerprint() string { return c.fp }
func (c *wsConn) RemoteAddr() net.Addr    { return c.ws.RemoteAddr() }
func (c *wsConn) Trusted() bool           { return c.trusted.Load() }
func (c *wsConn) Elevate()                { c.trusted.Store(true) }

func (c *wsConn) Send(ctx context.Context, payload []byte) error {
	frame, err := protocol.EncodeFrame(payload)
	if err != nil {
		return apperrors.ProtocolViolation(err.Error()).WithCause(err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(DefaultConnectTimeout)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.BinaryMessage, frame)
}

func (c *wsConn) ReadMessage(ctx context.Context) ([]byte, error) {
	for {
		if len(c.pending) > 0 {
			payload := c.pending[0]
			c.pending = c.pending[1:]
			return payload, nil
		}

		if d, ok := ctx.Deadline(); ok {
			if err := c.ws.SetReadDeadline(d); err != nil {
				return nil, err
			}
		}

		_, chunk, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}

		frames, err := c.decoder.Feed(chunk)
		c.pending = append(c.pending, frames...)
		if err != nil {
			c.Close("protocol error: " + err.Error())
			return nil, apperrors.ProtocolViolation(err.Error()).WithCause(err)
		}
	}
}

func (c *wsConn) Close(reason string) error {
	var err error
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		c.writeMu.Lock()
		c.ws.SetWriteDeadline(time.Now().Add(time.Second))
		c.ws.WriteMessage(websocket.CloseMessage, msg)
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}
