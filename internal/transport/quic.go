package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog/log"

	apperrors "github.com/cribcall/monitor-server-go/internal/errors"
	"github.com/cribcall/monitor-server-go/internal/identity"
	"github.com/cribcall/monitor-server-go/internal/protocol"
)

// ALPN is the QUIC application protocol identifier for the control channel.
const ALPN = "cribcall-ctrl"

const (
	quicIdleTimeout    = 30 * time.Second
	quicStreamTimeout  = 5 * time.Second
	quicReadChunkBytes = 32 * 1024
)

// QUICBackend is the datagram-oriented transport. One bidirectional stream
// per connection carries the length-framed control protocol; the client
// opens it and sends an initial keep-alive so the server sees the stream
// right away.
//
// The backend owns a single long-lived UDP socket shared by all listener
// generations. Listeners created on it only gate new handshakes, so closing
// one during a rebind leaves established connections running, same as a TCP
// listener close does for the WebSocket backend.
type QUICBackend struct {
	mu   sync.Mutex
	udp  *net.UDPConn
	tr   *quic.Transport
	addr string
}

func NewQUICBackend() *QUICBackend { return &QUICBackend{} }

func (*QUICBackend) Name() string { return "quic" }

// socket returns the shared QUIC transport, binding the UDP socket on
// first use.
func (b *QUICBackend) socket(addr string) (*quic.Transport, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.tr != nil {
		if b.addr != addr {
			return nil, fmt.Errorf("quic socket already bound on %s, cannot listen on %s", b.addr, addr)
		}
		return b.tr, nil
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	udp, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}

	b.udp = udp
	b.tr = &quic.Transport{Conn: udp}
	b.addr = addr
	return b.tr, nil
}

type quicListener struct {
	ln *quic.Listener

	trusted  map[string]bool
	maxFrame int
}

func (b *QUICBackend) Listen(addr string, id *identity.Identity, trusted map[string]bool, maxFrameBytes int) (Listener, error) {
	tr, err := b.socket(addr)
	if err != nil {
		return nil, err
	}

	tlsConf := serverTLSConfig(id)
	tlsConf.NextProtos = []string{ALPN}

	ln, err := tr.Listen(tlsConf, &quic.Config{
		MaxIdleTimeout: quicIdleTimeout,
	})
	if err != nil {
		return nil, err
	}

	return &quicListener{ln: ln, trusted: trusted, maxFrame: maxFrameBytes}, nil
}

// Close releases the shared UDP socket. Called once the server is done
// with the backend for good.
func (b *QUICBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.tr == nil {
		return nil
	}
	err := b.tr.Close()
	if cerr := b.udp.Close(); err == nil {
		err = cerr
	}
	b.tr = nil
	b.udp = nil
	b.addr = ""
	return err
}

func (l *quicListener) Accept(ctx context.Context) (Connection, error) {
	for {
		qconn, err := l.ln.Accept(ctx)
		if err != nil {
			return nil, err
		}

		fp, err := peerFingerprint(qconn.ConnectionState().TLS)
		if err != nil {
			qconn.CloseWithError(0, "client certificate required")
			continue
		}

		streamCtx, cancel := context.WithTimeout(ctx, quicStreamTimeout)
		stream, err := qconn.AcceptStream(streamCtx)
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("fingerprint", fp).Msg("control stream not opened in time")
			qconn.CloseWithError(0, "control stream not opened")
			continue
		}

		return newQUICConn(qconn, stream, fp, l.trusted[fp], l.maxFrame), nil
	}
}

func (l *quicListener) Addr() net.Addr { return l.ln.Addr() }

func (l *quicListener) Close() error { return l.ln.Close() }

func (*QUICBackend) Dial(ctx context.Context, opts DialOptions) (Connection, error) {
	var observed string
	tlsConf := clientTLSConfig(opts.Identity, opts.ExpectedFingerprint, &observed)
	tlsConf.NextProtos = []string{ALPN}

	dialCtx, cancel := context.WithTimeout(ctx, opts.timeout())
	defer cancel()

	qconn, err := quic.DialAddr(dialCtx, opts.Endpoint, tlsConf, &quic.Config{
		MaxIdleTimeout: quicIdleTimeout,
	})
	if err != nil {
		return nil, err
	}

	stream, err := qconn.OpenStreamSync(dialCtx)
	if err != nil {
		qconn.CloseWithError(0, "open control stream failed")
		return nil, err
	}

	conn := newQUICConn(qconn, stream, observed, true, opts.MaxFrameBytes)

	// make the stream visible server-side immediately
	ping, err := protocol.Encode(protocol.Ping{Type: protocol.TypePing})
	if err == nil {
		err = conn.Send(dialCtx, ping)
	}
	if err != nil {
		conn.Close("initial keep-alive failed")
		return nil, err
	}

	return conn, nil
}

type quicConn struct {
	id      string
	fp      string
	conn    quic.Connection
	stream  quic.Stream
	trusted atomic.Bool
	decoder *protocol.FrameDecoder
	pending [][]byte
	readBuf []byte

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newQUICConn(conn quic.Connection, stream quic.Stream, fingerprint string, trusted bool, maxFrameBytes int) *quicConn {
	c := &quicConn{
		id:      uuid.NewString(),
		fp:      fingerprint,
		conn:    conn,
		stream:  stream,
		decoder: protocol.NewFrameDecoder(maxFrameBytes),
		readBuf: make([]byte, quicReadChunkBytes),
	}
	c.trusted.Store(trusted)
	return c
}

func (c *quicConn) ID() string              { return c.id }
func (c *quicConn) PeerFingerprint() string { return c.fp }
func (c *quicConn) RemoteAddr() net.Addr    { return c.conn.RemoteAddr() }
func (c *quicConn) Trusted() bool           { return c.trusted.Load() }
func (c *quicConn) Elevate()                { c.trusted.Store(true) }

func (c *quicConn) Send(ctx context.Context, payload []byte) error {
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
	if err := c.stream.SetWriteDeadline(deadline); err != nil {
		return err
	}
	_, err = c.stream.Write(frame)
	return err
}

func (c *quicConn) ReadMessage(ctx context.Context) ([]byte, error) {
	for {
		if len(c.pending) > 0 {
			payload := c.pending[0]
			c.pending = c.pending[1:]
			return payload, nil
		}

		if d, ok := ctx.Deadline(); ok {
			if err := c.stream.SetReadDeadline(d); err != nil {
				return nil, err
			}
		}

		n, err := c.stream.Read(c.readBuf)
		if n > 0 {
			frames, feedErr := c.decoder.Feed(c.readBuf[:n])
			c.pending = append(c.pending, frames...)
			if feedErr != nil {
				c.Close("protocol error: " + feedErr.Error())
				return nil, apperrors.ProtocolViolation(feedErr.Error()).WithCause(feedErr)
			}
		}
		if err != nil {
			if len(c.pending) > 0 {
				continue
			}
			return nil, err
		}
	}
}

func (c *quicConn) Close(reason string) error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.CloseWithError(0, reason)
	})
	return err
}
