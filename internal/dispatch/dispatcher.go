package dispatch

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"relayd/internal/conn"
	"relayd/pkg/types"
)

// Handler processes the payload of one message type and returns the
// response payload, if any.
type Handler interface {
	Handle(ctx context.Context, connID string, payload []byte) ([]byte, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, connID string, payload []byte) ([]byte, error)

func (f HandlerFunc) Handle(ctx context.Context, connID string, payload []byte) ([]byte, error) {
	return f(ctx, connID, payload)
}

// Config carries the admission-control knobs.
type Config struct {
	MaxConcurrent int
	Policy        Policy
	MaxWait       time.Duration
	QueueDepth    int
}

// Dispatcher routes inbound frames to per-type handlers behind a
// bounded admission gate. Control traffic (heartbeat, cancel, shutdown)
// bypasses admission so a saturated node stays steerable.
type Dispatcher struct {
	handlers map[types.MessageType]Handler
	sem      *semaphore
	conns    *conn.Registry
	log      zerolog.Logger
}

// New builds a Dispatcher. Handlers are registered before serving
// starts; the map is read-only afterwards.
func New(cfg Config, conns *conn.Registry, log zerolog.Logger) *Dispatcher {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 5 * time.Second
	}
	if cfg.QueueDepth < 1 {
		cfg.QueueDepth = cfg.MaxConcurrent
	}
	return &Dispatcher{
		handlers: make(map[types.MessageType]Handler),
		sem:      newSemaphore(cfg.MaxConcurrent, cfg.Policy, cfg.MaxWait, cfg.QueueDepth),
		conns:    conns,
		log:      log.With().Str("component", "dispatch").Logger(),
	}
}

// Register installs the handler for a message type, replacing any
// previous registration.
func (d *Dispatcher) Register(t types.MessageType, h Handler) {
	d.handlers[t] = h
}

// controlType reports whether t bypasses admission control.
func controlType(t types.MessageType) bool {
	switch t {
	case types.MessageHeartbeat, types.MessageCancel, types.MessageShutdown:
		return true
	}
	return false
}

// Dispatch admits the frame, touches the connection, and invokes the
// registered handler. Handler panics are contained and surfaced as a
// handler fault error.
func (d *Dispatcher) Dispatch(ctx context.Context, connID string, t types.MessageType, payload []byte) ([]byte, error) {
	h, ok := d.handlers[t]
	if !ok {
		requestsTotal.WithLabelValues(t.String(), "unsupported").Inc()
		return nil, ErrUnsupported(t.String())
	}

	if d.conns != nil {
		d.conns.Touch(connID)
	}

	if !controlType(t) {
		p, err := d.sem.acquire(ctx)
		if err != nil {
			requestsTotal.WithLabelValues(t.String(), "backpressure").Inc()
			return nil, err
		}
		defer p.Release()
		if d.conns != nil {
			d.conns.SetPermit(connID, true)
			defer d.conns.SetPermit(connID, false)
		}
	}

	resp, err := d.invoke(ctx, h, t, connID, payload)
	switch {
	case err == nil:
		requestsTotal.WithLabelValues(t.String(), "ok").Inc()
	case IsHandlerFault(err):
		d.log.Error().Str("type", t.String()).Err(err).Msg("handler fault")
		requestsTotal.WithLabelValues(t.String(), "fault").Inc()
	default:
		requestsTotal.WithLabelValues(t.String(), "error").Inc()
	}
	return resp, err
}

// QueueDepth reports waiters queued at the admission gate.
func (d *Dispatcher) QueueDepth() int { return d.sem.depth() }

func (d *Dispatcher) invoke(ctx context.Context, h Handler, t types.MessageType, connID string, payload []byte) (resp []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			resp = nil
			err = handlerFaultError{kind: t.String(), cause: r}
		}
	}()
	return h.Handle(ctx, connID, payload)
}
