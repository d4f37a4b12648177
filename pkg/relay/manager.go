// Package relay owns the websocket connections to Nostr relays.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultWriteTimeout   = 10 * time.Second
)

var (
	ErrConnectTimeout     = errors.New("relay connect timeout")
	ErrConnectError       = errors.New("relay connect error")
	ErrNoConnection       = errors.New("no relay connection")
	ErrNotOpen            = errors.New("relay connection not open")
	ErrSubscriptionActive = errors.New("another subscription is open on this connection")
)

// Options configures a Manager. Zero values select the defaults.
type Options struct {
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	Dialer         *websocket.Dialer
	Logger         *zap.Logger
}

// Manager holds the current set of relay connections. All mutations go
// through its methods; callers borrow connections via Connections. A caller
// that runs subscriptions holds the reservation for the whole run.
type Manager struct {
	mu             sync.Mutex
	reserved       chan struct{}
	conns          []*Conn
	dialer         *websocket.Dialer
	connectTimeout time.Duration
	writeTimeout   time.Duration
	logger         *zap.Logger
}

// NewManager creates a Manager with no connections.
func NewManager(opts Options) *Manager {
	m := &Manager{
		reserved:       make(chan struct{}, 1),
		dialer:         opts.Dialer,
		connectTimeout: opts.ConnectTimeout,
		writeTimeout:   opts.WriteTimeout,
		logger:         opts.Logger,
	}
	if m.dialer == nil {
		m.dialer = websocket.DefaultDialer
	}
	if m.connectTimeout <= 0 {
		m.connectTimeout = DefaultConnectTimeout
	}
	if m.writeTimeout <= 0 {
		m.writeTimeout = DefaultWriteTimeout
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	return m
}

// Reserve gives the caller exclusive use of the connections until release is
// called. It blocks while another caller holds the reservation.
func (m *Manager) Reserve(ctx context.Context) (release func(), err error) {
	select {
	case m.reserved <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() { once.Do(func() { <-m.reserved }) }, nil
}

// Connect makes url the only connection. An open connection to url is kept;
// anything else is closed and a fresh connection is dialed.
func (m *Manager) Connect(ctx context.Context, relayURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var keep *Conn
	for _, c := range m.conns {
		if keep == nil && c.URL() == relayURL && c.State() == StateOpen {
			keep = c
			continue
		}
		c.Close()
	}
	if keep != nil {
		m.conns = []*Conn{keep}
		return nil
	}
	m.conns = nil

	c, err := m.dial(ctx, relayURL)
	if err != nil {
		return err
	}
	m.conns = []*Conn{c}
	return nil
}

// ConnectAll connects to every url independently, reusing open connections
// and dropping connections to relays not in urls. It fails only when no
// relay could be connected.
func (m *Manager) ConnectAll(ctx context.Context, urls []string) error {
	if len(urls) == 0 {
		return fmt.Errorf("%w: no relay urls", ErrConnectError)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing := make(map[string]*Conn, len(m.conns))
	for _, c := range m.conns {
		if c.State() == StateOpen && existing[c.URL()] == nil {
			existing[c.URL()] = c
		} else {
			c.Close()
		}
	}

	conns := make([]*Conn, len(urls))
	errs := make([]error, len(urls))
	wanted := make(map[string]bool, len(urls))

	g, gctx := errgroup.WithContext(ctx)
	for i, u := range urls {
		if wanted[u] {
			continue
		}
		wanted[u] = true
		if c := existing[u]; c != nil {
			conns[i] = c
			continue
		}
		g.Go(func() error {
			// Failures are collected rather than returned so one relay
			// does not cancel the others.
			conns[i], errs[i] = m.dial(gctx, u)
			return nil
		})
	}
	_ = g.Wait()

	for u, c := range existing {
		if !wanted[u] {
			c.Close()
		}
	}

	m.conns = m.conns[:0]
	for i, c := range conns {
		if c != nil {
			m.conns = append(m.conns, c)
		} else if errs[i] != nil {
			m.logger.Warn("relay unavailable", zap.String("relay", urls[i]), zap.Error(errs[i]))
		}
	}
	if len(m.conns) == 0 {
		return errors.Join(errs...)
	}
	return nil
}

func (m *Manager) dial(ctx context.Context, relayURL string) (*Conn, error) {
	if err := validateURL(relayURL); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConnectError, relayURL, err)
	}

	c := newConn(relayURL, m.writeTimeout, m.logger)

	dctx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()

	start := time.Now()
	ws, _, err := m.dialer.DialContext(dctx, relayURL, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(dctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s after %s", ErrConnectTimeout, relayURL, m.connectTimeout)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrConnectError, relayURL, err)
	}

	c.open(ws)
	m.logger.Info("relay connected", zap.String("relay", relayURL), zap.Duration("took", time.Since(start)))
	return c, nil
}

// Connections returns the current connections in the order they were requested.
func (m *Manager) Connections() []*Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Conn(nil), m.conns...)
}

// Close closes every connection.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.conns {
		c.Close()
	}
	m.conns = nil
	return nil
}

// validateURL accepts ws:// and wss:// URLs with a host.
func validateURL(relayURL string) error {
	parsed, err := url.Parse(relayURL)
	if err != nil {
		return err
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	if parsed.Hostname() == "" {
		return errors.New("missing host")
	}
	return nil
}
