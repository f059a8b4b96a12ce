package rpc

import (
	"context"
	"sync"

	"github.com/capnp-go/rpc-core/rpc/internal/tasks"
)

// VatNetwork is the collaborator a System uses to reach other vats: dial
// one by id, or accept connections from ones dialing us.
type VatNetwork interface {
	Connect(ctx context.Context, vatID string) (Transport, error)
	Accept(ctx context.Context) (Transport, error)
}

// System owns one
// Conn per peer vat, answers Bootstrap requests either locally or by
// opening/reusing a connection, drives an accept loop for inbound
// connections, and tears every Conn down together on Close.
type System struct {
	network   VatNetwork
	bootstrap Client
	logger    Logger
	metrics   *Metrics

	mu    sync.Mutex
	conns map[string]*Conn
	tasks *tasks.Set
}

// SystemOption configures a System at construction.
type SystemOption func(*System)

// WithLogger overrides the default logrus-backed Logger every Conn the
// System creates will use.
func WithLogger(l Logger) SystemOption {
	return func(s *System) { s.logger = l }
}

// WithMetrics attaches Prometheus gauges to the System and every Conn it
// creates.
func WithMetrics(m *Metrics) SystemOption {
	return func(s *System) { s.metrics = m }
}

// NewSystem creates a System that answers local Bootstrap requests with
// bootstrap (the zero Client refuses them) and reaches other vats
// through network.
func NewSystem(network VatNetwork, bootstrap Client, opts ...SystemOption) *System {
	s := &System{
		network:   network,
		bootstrap: bootstrap,
		logger:    newLogrusLogger(),
		conns:     make(map[string]*Conn),
	}
	for _, o := range opts {
		o(s)
	}
	s.tasks = tasks.NewSet(tasks.ReaperFunc(func(err error) {
		s.logger.LogError("system", "background task", err)
	}))
	return s
}

// Bootstrap returns the main interface of vatID, or the System's own
// bootstrap client if vatID is empty (the local vat).
func (s *System) Bootstrap(ctx context.Context, vatID string) (Client, error) {
	if vatID == "" {
		return s.bootstrap.AddRef(), nil
	}
	conn, err := s.connFor(ctx, vatID)
	if err != nil {
		return Client{}, err
	}
	return conn.Bootstrap(ctx), nil
}

// connFor returns the live Conn for vatID, dialing a new one through the
// VatNetwork if none exists yet.
func (s *System) connFor(ctx context.Context, vatID string) (*Conn, error) {
	s.mu.Lock()
	if conn, ok := s.conns[vatID]; ok {
		s.mu.Unlock()
		return conn, nil
	}
	s.mu.Unlock()

	t, err := s.network.Connect(ctx, vatID)
	if err != nil {
		return nil, err
	}
	conn := NewConn(t, Options{BootstrapClient: s.bootstrap.AddRef(), Logger: s.logger, Metrics: s.metrics})

	s.mu.Lock()
	if existing, ok := s.conns[vatID]; ok {
		s.mu.Unlock()
		conn.Close()
		return existing, nil
	}
	s.conns[vatID] = conn
	s.mu.Unlock()

	s.tasks.Add(func(ctx context.Context) error {
		err := conn.Wait()
		s.dropConn(vatID, conn)
		return err
	})
	return conn, nil
}

func (s *System) dropConn(vatID string, conn *Conn) {
	s.mu.Lock()
	if s.conns[vatID] == conn {
		delete(s.conns, vatID)
	}
	s.mu.Unlock()
}

// Serve runs the accept loop until ctx is canceled or the network
// returns a fatal error, installing a fresh Conn for every incoming
// Transport. A two-party session and a listener serving many peers
// both go through this same path; the vat
// id an accepted Conn is filed under comes from peerID, which callers
// wire up from whatever handshake their VatNetwork performs.
func (s *System) Serve(ctx context.Context, peerID func(Transport) string) error {
	for {
		t, err := s.network.Accept(ctx)
		if err != nil {
			return err
		}
		conn := NewConn(t, Options{BootstrapClient: s.bootstrap.AddRef(), Logger: s.logger, Metrics: s.metrics})
		id := peerID(t)
		s.mu.Lock()
		s.conns[id] = conn
		s.mu.Unlock()
		s.tasks.Add(func(ctx context.Context) error {
			err := conn.Wait()
			s.dropConn(id, conn)
			return err
		})
	}
}

// Close aborts every connection the System owns, waits for every
// background task the System started to finish, and releases the local
// bootstrap reference. Serve's accept loop runs on its caller's goroutine
// and is not waited for.
func (s *System) Close() error {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var first error
	for _, c := range conns {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	s.tasks.Terminate()
	s.tasks.Wait()
	s.bootstrap.Release()
	return first
}
