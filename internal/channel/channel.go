package channel

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cribcall/monitor-server-go/internal/audit"
	apperrors "github.com/cribcall/monitor-server-go/internal/errors"
	"github.com/cribcall/monitor-server-go/internal/protocol"
	"github.com/cribcall/monitor-server-go/internal/transport"
)

const (
	sendTimeout     = 10 * time.Second
	stateBufferSize = 16
)

// StateKind is the channel lifecycle phase. Transitions are monotonic:
// Connecting, then Connected, then Closed or Error; the last two are
// terminal.
type StateKind string

const (
	StateConnecting StateKind = "connecting"
	StateConnected  StateKind = "connected"
	StateClosed     StateKind = "closed"
	StateError      StateKind = "error"
)

type State struct {
	Kind            StateKind
	ConnectionID    string
	PeerFingerprint string
	Failure         *Failure
}

func (s State) Terminal() bool {
	return s.Kind == StateClosed || s.Kind == StateError
}

// MessageHandler processes inbound messages. Handlers for one channel run
// sequentially; a reply sent from inside a handler goes through the same
// FIFO outbound queue as any other send.
type MessageHandler func(ch *Channel, msg protocol.Message)

type sendRequest struct {
	payload []byte
	done    chan error

	// abandoned is set when the caller's context expired while the
	// request was still queued; the send loop must not transmit it.
	abandoned atomic.Bool
}

// Channel wraps exactly one transport connection for its lifetime with a
// state machine, a serialized outbound queue, and failure classification.
type Channel struct {
	conn    transport.Connection
	handler MessageHandler

	states chan State
	done   chan struct{}
	kick   chan struct{}

	mu       sync.Mutex
	queue    []*sendRequest
	current  State
	disposed bool

	disposeOnce sync.Once
	wg          sync.WaitGroup
}

// New wraps a live connection. The channel starts in Connecting and emits
// Connected once its loops are running; the connection is owned exclusively
// by the channel from here on.
func New(conn transport.Connection, handler MessageHandler) *Channel {
	c := &Channel{
		conn:    conn,
		handler: handler,
		states:  make(chan State, stateBufferSize),
		done:    make(chan struct{}),
		kick:    make(chan struct{}, 1),
	}
	c.setState(State{Kind: StateConnecting})
	return c
}

// Start launches the inbound and outbound loops and emits Connected.
func (c *Channel) Start() {
	c.setState(State{
		Kind:            StateConnected,
		ConnectionID:    c.conn.ID(),
		PeerFingerprint: c.conn.PeerFingerprint(),
	})

	c.wg.Add(2)
	go c.readLoop()
	go c.sendLoop()
}

// States delivers state transitions. Slow consumers lose intermediate
// states but State() always reflects the latest.
func (c *Channel) States() <-chan State {
	return c.states
}

// State returns the current state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Channel) ID() string              { return c.conn.ID() }
func (c *Channel) PeerFingerprint() string { return c.conn.PeerFingerprint() }
func (c *Channel) Trusted() bool           { return c.conn.Trusted() }

// Elevate promotes the underlying connection to full trust in place after
// a mid-session pairing success.
func (c *Channel) Elevate() {
	c.conn.Elevate()
	log.Info().
		Str("connectionId", c.conn.ID()).
		Str("fingerprint", c.conn.PeerFingerprint()).
		Msg("connection elevated to trusted")
}

// Send queues a message and blocks until the transport accepted the bytes,
// the context is cancelled, or the channel is torn down. Sends complete in
// submission order with exactly one in flight at a time.
func (c *Channel) Send(ctx context.Context, msg protocol.Message) error {
	payload, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	req := &sendRequest{payload: payload, done: make(chan error, 1)}

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return apperrors.ChannelClosed()
	}
	c.queue = append(c.queue, req)
	c.mu.Unlock()

	select {
	case c.kick <- struct{}{}:
	default:
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		req.abandoned.Store(true)
		return ctx.Err()
	}
}

// Dispose tears the channel down: cancels the loops, rejects every queued
// send with a closed error, closes the connection, and emits Closed unless
// an error path already emitted a terminal state. Idempotent and safe from
// any state.
func (c *Channel) Dispose() {
	c.teardown(State{
		Kind:            StateClosed,
		ConnectionID:    c.conn.ID(),
		PeerFingerprint: c.conn.PeerFingerprint(),
	}, "channel disposed")
}

func (c *Channel) teardown(terminal State, reason string) {
	c.disposeOnce.Do(func() {
		c.mu.Lock()
		c.disposed = true
		pending := c.queue
		c.queue = nil
		c.mu.Unlock()

		close(c.done)

		// no caller waits forever on a dead channel
		for _, req := range pending {
			req.done <- apperrors.ChannelClosed()
		}

		c.conn.Close(reason)
		c.setState(terminal)

		log.Info().
			Str("connectionId", c.conn.ID()).
			Str("fingerprint", c.conn.PeerFingerprint()).
			Str("state", string(terminal.Kind)).
			Msg("channel torn down")
	})
}

func (c *Channel) fail(err error) {
	failure := Classify(err)
	terminal := State{
		Kind:            StateError,
		ConnectionID:    c.conn.ID(),
		PeerFingerprint: c.conn.PeerFingerprint(),
		Failure:         &failure,
	}
	if failure.Kind == FailureClosed {
		// clean remote close is not an error
		terminal = State{
			Kind:            StateClosed,
			ConnectionID:    c.conn.ID(),
			PeerFingerprint: c.conn.PeerFingerprint(),
		}
	}
	c.teardown(terminal, failure.Message)
}

func (c *Channel) readLoop() {
	defer c.wg.Done()

	for {
		payload, err := c.conn.ReadMessage(context.Background())
		if err != nil {
			select {
			case <-c.done:
				// teardown already in progress
			default:
				c.fail(err)
			}
			return
		}

		msg, err := protocol.Decode(payload)
		if err != nil {
			c.fail(apperrors.ProtocolViolation("malformed message: " + err.Error()).WithCause(err))
			return
		}

		if !c.conn.Trusted() && !protocol.AllowedUntrusted(msg.MessageType()) {
			log.Warn().
				Str("connectionId", c.conn.ID()).
				Str("fingerprint", c.conn.PeerFingerprint()).
				Str("type", string(msg.MessageType())).
				Msg("non-pairing message on untrusted connection")
			audit.Log(audit.Event{
				Type:        audit.EventTrustViolation,
				Fingerprint: c.conn.PeerFingerprint(),
				Details: map[string]interface{}{
					"connection_id": c.conn.ID(),
					"message_type":  string(msg.MessageType()),
				},
			})
			c.fail(apperrors.ProtocolViolation(
				"message type " + string(msg.MessageType()) + " not allowed on untrusted connection"))
			return
		}

		if c.handler != nil {
			c.handler(c, msg)
		}
	}
}

func (c *Channel) sendLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.done:
			return
		case <-c.kick:
		}

		for {
			c.mu.Lock()
			if c.disposed || len(c.queue) == 0 {
				c.mu.Unlock()
				break
			}
			req := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()

			if req.abandoned.Load() {
				continue
			}

			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			err := c.conn.Send(ctx, req.payload)
			cancel()

			req.done <- err
			if err != nil {
				c.fail(err)
				return
			}
		}
	}
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	if c.current.Terminal() {
		c.mu.Unlock()
		return
	}
	c.current = s
	c.mu.Unlock()

	select {
	case c.states <- s:
	default:
		log.Warn().
			Str("connectionId", s.ConnectionID).
			Str("state", string(s.Kind)).
			Msg("state buffer full, dropping transition")
	}
}
