// Package network watches whether the collector is reachable.
package network

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/phuslu/log"

	"github.com/shaunagostinho/trackagent/internal/clock"
)

// Probe returns nil when the network is usable.
type Probe func(ctx context.Context) error

// TCPProbe dials addr and closes the connection.
func TCPProbe(addr string, timeout time.Duration) Probe {
	return func(ctx context.Context) error {
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		return conn.Close()
	}
}

// ProbeAddr derives a host:port to dial from the collector URL.
func ProbeAddr(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("network: no host in %q", rawURL)
	}
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "https":
			port = "443"
		default:
			port = "80"
		}
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}

// Monitor polls a probe and reports connectivity edges.
type Monitor struct {
	probe    Probe
	clock    clock.Clock
	interval time.Duration
	timeout  time.Duration

	mu       sync.Mutex
	online   bool
	running  bool
	timer    clock.Timer
	onChange func(bool)

	log log.Logger
}

func NewMonitor(p Probe, c clock.Clock, interval, timeout time.Duration) *Monitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	m := &Monitor{probe: p, clock: c, interval: interval, timeout: timeout}
	m.log = log.DefaultLogger
	m.log.Context = log.NewContext(nil).Str("module", "network").Value()
	return m
}

// IsOnline returns the last observed state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Start probes once to learn the initial state, then polls in the
// background. onChange runs only when the state flips.
func (m *Monitor) Start(onChange func(online bool)) error {
	online := m.check()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.online = online
	m.onChange = onChange
	m.running = true
	m.timer = m.clock.AfterFunc(m.interval, m.tick)
	m.log.Info().Bool("online", online).Msg("started")
	return nil
}

func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = false
	m.onChange = nil
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Monitor) tick() {
	online := m.check()

	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	changed := online != m.online
	m.online = online
	cb := m.onChange
	m.timer = m.clock.AfterFunc(m.interval, m.tick)
	m.mu.Unlock()

	if changed {
		m.log.Info().Bool("online", online).Msg("connectivity changed")
		if cb != nil {
			cb(online)
		}
	}
}

func (m *Monitor) check() bool {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	if err := m.probe(ctx); err != nil {
		m.log.Debug().Err(err).Msg("probe failed")
		return false
	}
	return true
}
