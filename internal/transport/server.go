package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/cribcall/monitor-server-go/internal/audit"
	"github.com/cribcall/monitor-server-go/internal/identity"
	"github.com/cribcall/monitor-server-go/internal/trust"
)

// Server owns the control listener across trust-store generations. Each
// generation binds a fresh socket with a frozen snapshot of the trusted
// fingerprint set; a trust mutation closes the old listener and binds a new
// one. Connections accepted by an earlier generation keep running; closing
// a listener never drops established connections.
type Server struct {
	backend  Backend
	addr     string
	id       *identity.Identity
	trust    *trust.Store
	maxFrame int

	conns chan Connection
	done  chan struct{}

	mu         sync.Mutex
	current    Listener
	generation int
	closed     bool
	acceptWG   sync.WaitGroup
}

func NewServer(backend Backend, addr string, id *identity.Identity, trustStore *trust.Store, maxFrameBytes int) *Server {
	return &Server{
		backend:  backend,
		addr:     addr,
		id:       id,
		trust:    trustStore,
		maxFrame: maxFrameBytes,
		conns:    make(chan Connection, 16),
		done:     make(chan struct{}),
	}
}

// Start binds the first listener generation.
func (s *Server) Start() error {
	return s.Rebind()
}

// Connections delivers accepted connections across all generations.
func (s *Server) Connections() <-chan Connection {
	return s.conns
}

// Rebind replaces the listener with one carrying the current trust
// snapshot. It returns only once the new listener is accepting, so callers
// can treat the trust mutation as visible when Rebind returns. Safe to call
// from trust-store change listeners.
func (s *Server) Rebind() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("transport server is closed")
	}

	// close the old socket first; its established connections survive
	if s.current != nil {
		if err := s.current.Close(); err != nil {
			log.Debug().Err(err).Msg("closing previous listener generation")
		}
	}

	ln, err := s.backend.Listen(s.addr, s.id, s.trust.Fingerprints(), s.maxFrame)
	if err != nil {
		s.current = nil
		return fmt.Errorf("bind %s listener on %s: %w", s.backend.Name(), s.addr, err)
	}

	s.generation++
	s.current = ln
	gen := s.generation

	log.Info().
		Str("transport", s.backend.Name()).
		Str("addr", ln.Addr().String()).
		Int("generation", gen).
		Msg("control listener bound")

	audit.Log(audit.Event{
		Type: audit.EventListenerRebind,
		Details: map[string]interface{}{
			"transport":  s.backend.Name(),
			"generation": gen,
		},
	})

	s.acceptWG.Add(1)
	go s.acceptLoop(ln, gen)
	return nil
}

// HandleTrustChange reacts to a trust-store mutation. Push-token rotations
// (PeerUpdated) leave the fingerprint set unchanged and keep the current
// generation; membership changes rebind.
func (s *Server) HandleTrustChange(change trust.Change) error {
	if change.Kind == trust.PeerUpdated {
		return nil
	}
	return s.Rebind()
}

// Generation reports the current listener generation, mostly for tests and
// health introspection.
func (s *Server) Generation() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// Addr returns the bound address of the current generation.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	return s.current.Addr()
}

// Close shuts the server down; no further generations can be bound.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.current
	s.current = nil
	s.mu.Unlock()

	close(s.done)

	var err error
	if ln != nil {
		err = ln.Close()
	}
	s.acceptWG.Wait()
	close(s.conns)
	if cerr := s.backend.Close(); err == nil {
		err = cerr
	}
	return err
}

func (s *Server) acceptLoop(ln Listener, gen int) {
	defer s.acceptWG.Done()

	for {
		conn, err := ln.Accept(context.Background())
		if err != nil {
			// listener closed by rebind or shutdown
			if !errors.Is(err, net.ErrClosed) {
				log.Debug().Err(err).Int("generation", gen).Msg("accept loop ended")
			}
			return
		}

		log.Info().
			Str("connectionId", conn.ID()).
			Str("fingerprint", conn.PeerFingerprint()).
			Bool("trusted", conn.Trusted()).
			Int("generation", gen).
			Msg("control connection accepted")

		select {
		case s.conns <- conn:
		case <-s.done:
			conn.Close("server shutting down")
			return
		}
	}
}
