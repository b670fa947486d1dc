// Package tunnel manages ngrok tunnels that expose local development
// servers to the public internet, so Blok's hosted personas can reach
// an app that only exists on the developer's machine.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"

	"golang.ngrok.com/ngrok"
	"golang.ngrok.com/ngrok/config"
)

// ErrNotFound is returned when no tunnel is open for the given port.
var ErrNotFound = errors.New("tunnel not found")

// Forwarder is the slice of ngrok.Forwarder the manager needs. Tests
// and alternative backends substitute their own.
type Forwarder interface {
	URL() string
	Close() error
}

// DialFunc opens a forwarder for a local port.
type DialFunc func(ctx context.Context, port int, protocol string) (Forwarder, error)

// Tunnel is one active tunnel keyed by its local port.
type Tunnel struct {
	Port      int
	Protocol  string
	PublicURL string

	fwd Forwarder
}

// Manager tracks active tunnels, at most one per local port. All
// methods are safe for concurrent use; mutations are serialized, so
// two concurrent opens on one port cannot race into duplicate dials.
type Manager struct {
	authtoken string

	mu      sync.Mutex
	tunnels map[int]*Tunnel
	dial    DialFunc
}

// Option configures a Manager.
type Option func(*Manager)

// WithDialer replaces the ngrok dialer, e.g. with a stub.
func WithDialer(dial DialFunc) Option {
	return func(m *Manager) {
		m.dial = dial
	}
}

// NewManager builds a tunnel manager. An empty authtoken falls back to
// the NGROK_AUTHTOKEN environment variable at dial time.
func NewManager(authtoken string, opts ...Option) *Manager {
	m := &Manager{
		authtoken: authtoken,
		tunnels:   make(map[int]*Tunnel),
	}
	m.dial = m.ngrokDial
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open starts a tunnel to the given local port, or hands back the one
// already forwarding it. existed reports which happened; an existing
// tunnel keeps the protocol it was opened with. Protocol defaults to
// "http".
func (m *Manager) Open(ctx context.Context, port int, protocol string) (tun *Tunnel, existed bool, err error) {
	if protocol == "" {
		protocol = "http"
	}
	if protocol != "http" && protocol != "tcp" {
		return nil, false, fmt.Errorf("unsupported protocol %q", protocol)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if tun, ok := m.tunnels[port]; ok {
		return tun, true, nil
	}

	fwd, err := m.dial(ctx, port, protocol)
	if err != nil {
		return nil, false, err
	}

	tun = &Tunnel{
		Port:      port,
		Protocol:  protocol,
		PublicURL: fwd.URL(),
		fwd:       fwd,
	}
	m.tunnels[port] = tun
	return tun, false, nil
}

// Active returns the open tunnels ordered by port.
func (m *Manager) Active() []*Tunnel {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Tunnel, 0, len(m.tunnels))
	for _, t := range m.tunnels {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

// Close shuts down the tunnel for the given port.
func (m *Manager) Close(port int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tun, ok := m.tunnels[port]
	if !ok {
		return ErrNotFound
	}
	delete(m.tunnels, port)
	return tun.fwd.Close()
}

// CloseAll shuts down every tunnel and reports how many there were.
// It keeps going past individual close failures.
func (m *Manager) CloseAll() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	n := len(m.tunnels)
	for port, tun := range m.tunnels {
		if err := tun.fwd.Close(); err != nil {
			errs = append(errs, fmt.Errorf("port %d: %w", port, err))
		}
		delete(m.tunnels, port)
	}
	return n, errors.Join(errs...)
}

func (m *Manager) ngrokDial(ctx context.Context, port int, protocol string) (Forwarder, error) {
	var endpoint config.Tunnel
	scheme := protocol
	switch protocol {
	case "tcp":
		endpoint = config.TCPEndpoint()
	default:
		endpoint = config.HTTPEndpoint()
		scheme = "http"
	}

	backend, err := url.Parse(fmt.Sprintf("%s://localhost:%d", scheme, port))
	if err != nil {
		return nil, err
	}

	opt := ngrok.WithAuthtokenFromEnv()
	if m.authtoken != "" {
		opt = ngrok.WithAuthtoken(m.authtoken)
	}
	return ngrok.ListenAndForward(ctx, backend, endpoint, opt)
}
