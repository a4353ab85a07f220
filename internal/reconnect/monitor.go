package reconnect

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State is the connectivity lifecycle of the transport link.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Prober checks whether the link is usable. A nil error means healthy.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// Event records one state transition for the status surface.
type Event struct {
	From State
	To   State
	At   time.Time
	Err  error
}

// Config carries the retry schedule.
type Config struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	MaxAttempts    int
	ProbeInterval  time.Duration
	EventCapacity  int
}

// Monitor drives the link through its lifecycle with multiplicative
// backoff between reconnection attempts. It runs beside the request
// path and never blocks it.
type Monitor struct {
	mu       sync.Mutex
	state    State
	attempts int
	lastErr  error
	events   []Event
	eventCap int

	prober Prober
	cfg    Config
	log    zerolog.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewMonitor applies defaults for any zero-valued Config field.
func NewMonitor(p Prober, cfg Config, log zerolog.Logger) *Monitor {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 2
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 5 * time.Second
	}
	if cfg.EventCapacity <= 0 {
		cfg.EventCapacity = 64
	}
	return &Monitor{
		state:    StateDisconnected,
		eventCap: cfg.EventCapacity,
		prober:   p,
		cfg:      cfg,
		log:      log.With().Str("component", "reconnect").Logger(),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives the lifecycle until the context ends or the attempt
// budget is exhausted. It returns the last probe error on failure and
// nil on context cancellation.
func (m *Monitor) Run(ctx context.Context) error {
	m.transition(StateConnecting, nil)
	for {
		err := m.prober.Probe(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			m.connected()
			if serr := m.sleep(ctx, m.cfg.ProbeInterval); serr != nil {
				return nil
			}
			continue
		}

		m.mu.Lock()
		m.attempts++
		attempts := m.attempts
		m.mu.Unlock()
		if attempts >= m.cfg.MaxAttempts {
			m.transition(StateFailed, err)
			return err
		}
		m.transition(StateReconnecting, err)
		if serr := m.sleep(ctx, m.backoff(attempts)); serr != nil {
			return nil
		}
		m.transition(StateConnecting, nil)
	}
}

// backoff computes the delay before attempt n+1, capped at MaxBackoff.
func (m *Monitor) backoff(attempt int) time.Duration {
	d := float64(m.cfg.InitialBackoff)
	for i := 1; i < attempt; i++ {
		d *= m.cfg.Multiplier
		if d >= float64(m.cfg.MaxBackoff) {
			return m.cfg.MaxBackoff
		}
	}
	if d > float64(m.cfg.MaxBackoff) {
		return m.cfg.MaxBackoff
	}
	return time.Duration(d)
}

// connected records a successful probe and resets the attempt budget.
func (m *Monitor) connected() {
	m.mu.Lock()
	m.attempts = 0
	m.mu.Unlock()
	m.transition(StateConnected, nil)
}

func (m *Monitor) transition(to State, err error) {
	m.mu.Lock()
	from := m.state
	if from == to {
		m.mu.Unlock()
		return
	}
	m.state = to
	m.lastErr = err
	ev := Event{From: from, To: to, At: m.now(), Err: err}
	m.events = append(m.events, ev)
	if len(m.events) > m.eventCap {
		m.events = m.events[len(m.events)-m.eventCap:]
	}
	m.mu.Unlock()

	stateGauge.Set(float64(to))
	transitionsTotal.WithLabelValues(to.String()).Inc()
	evt := m.log.Info()
	if err != nil {
		evt = m.log.Warn().Err(err)
	}
	evt.Str("from", from.String()).Str("to", to.String()).Msg("link state change")
}

// State reports the current lifecycle state and the last probe error.
func (m *Monitor) State() (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.lastErr
}

// Attempts reports consecutive failed attempts since the last success.
func (m *Monitor) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Events returns a copy of the bounded transition history, oldest first.
func (m *Monitor) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}
