// Package health periodically probes a connection and reconnects it when
// it is down.
package health

//go:generate go run go.uber.org/mock/mockgen -source=monitor.go -destination=../mocks/mock_prober.go -package=mocks

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Defaults for Options.
const (
	DefaultInterval = 30 * time.Second
	DefaultTimeout  = 5 * time.Second
)

// Prober is the connection under watch.
type Prober interface {
	Connected() bool
	Connect()
	// Ping round-trips a probe and returns its latency.
	Ping(ctx context.Context) (time.Duration, error)
}

// Status is the outcome of one probe.
type Status struct {
	Connected    bool          `json:"connected"`
	Reconnecting bool          `json:"reconnecting"`
	Latency      time.Duration `json:"latency"`
	Missed       bool          `json:"missed"`
	CheckedAt    time.Time     `json:"checked_at"`
}

// Options configures a Monitor.
type Options struct {
	Interval time.Duration
	Timeout  time.Duration
	// OnTick receives every probe result.
	OnTick func(Status)
}

// Monitor runs probes on a fixed interval between Start and Stop.
type Monitor struct {
	prober Prober
	opts   Options
	logger zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	last   Status
}

// NewMonitor creates a stopped monitor.
func NewMonitor(p Prober, opts Options, logger zerolog.Logger) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Monitor{
		prober: p,
		opts:   opts,
		logger: logger.With().Str("component", "health").Logger(),
	}
}

// Start begins probing. It is a no-op when already running.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.loop(ctx, m.done)
	m.logger.Debug().Dur("interval", m.opts.Interval).Msg("health monitor started")
}

// Stop halts probing and waits for an in-flight probe to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.logger.Debug().Msg("health monitor stopped")
}

// Running reports whether the monitor is probing.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancel != nil
}

// Last returns the most recent probe result.
func (m *Monitor) Last() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Check(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Check runs one probe: reconnect when down, otherwise ping. A missed ping
// is advisory only.
func (m *Monitor) Check(ctx context.Context) Status {
	st := Status{CheckedAt: time.Now()}
	if !m.prober.Connected() {
		m.logger.Warn().Msg("connection down, reconnecting")
		m.prober.Connect()
		st.Reconnecting = true
	} else {
		st.Connected = true
		pctx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
		latency, err := m.prober.Ping(pctx)
		cancel()
		if err != nil {
			st.Missed = true
			m.logger.Warn().Err(err).Msg("health probe missed")
		} else {
			st.Latency = latency
			m.logger.Debug().Dur("latency", latency).Msg("health probe")
		}
	}

	m.mu.Lock()
	m.last = st
	m.mu.Unlock()
	if m.opts.OnTick != nil {
		m.opts.OnTick(st)
	}
	return st
}
