// Package server owns the daemon's data plane: it polls the inbound
// shared channel, dispatches frames through admission control, relays
// completion streams from the routed provider back over the outbound
// channel, and escalates transport faults to the reconnection monitor.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"relayd/internal/bufpool"
	"relayd/internal/config"
	"relayd/internal/conn"
	"relayd/internal/dispatch"
	"relayd/internal/provider"
	"relayd/internal/reconnect"
	"relayd/internal/registry"
	"relayd/internal/ring"
	"relayd/pkg/types"
)

// pollInterval is the sleep between empty ring polls. Short enough to
// keep p50 frame pickup under a millisecond, long enough not to burn a
// core on an idle channel.
const pollInterval = 200 * time.Microsecond

// envelope is the common prefix of every request payload.
type envelope struct {
	ConnectionID string `json:"connection_id"`
	RequestID    string `json:"request_id"`
}

// Options configures a Server. Client and Publisher may be nil for a
// pool with no reachable backends and for dropped events respectively.
type Options struct {
	Config    config.Config
	Client    provider.Client
	Publisher EventPublisher
	Log       zerolog.Logger
}

// Server wires the transport, admission, routing and streaming layers
// together around one inbound/outbound channel pair.
type Server struct {
	cfg    config.Config
	in     *ring.Channel
	out    *ring.Channel
	bufs   *bufpool.Pool
	conns  *conn.Registry
	disp   *dispatch.Dispatcher
	pool   *provider.Pool
	client provider.Client
	mon    *reconnect.Monitor
	pub    EventPublisher
	log    zerolog.Logger

	// chanMu guards the channel pair across fault recovery swaps.
	chanMu sync.RWMutex
	// outMu serializes outbound writes: the ring is single-writer and
	// stream relays run concurrently.
	outMu sync.Mutex

	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc

	faultPending atomic.Bool
	stopOnce     sync.Once
	stop         chan struct{}
	inflight     sync.WaitGroup
}

// New builds a Server from validated configuration.
func New(opts Options) (*Server, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := opts.Log.With().Str("component", "server").Logger()

	tiers := make([]bufpool.Tier, 0, len(cfg.BufferTiers))
	for _, size := range cfg.BufferTiers {
		tiers = append(tiers, bufpool.Tier{Size: size, Cap: cfg.BufferCap})
	}
	bufs, err := bufpool.New(tiers)
	if err != nil {
		return nil, err
	}

	in, err := ring.Create(cfg.ChannelName+".req", cfg.SlotSize, cfg.SlotCount)
	if err != nil {
		return nil, err
	}
	out, err := ring.Create(cfg.ChannelName+".resp", cfg.SlotSize, cfg.SlotCount)
	if err != nil {
		in.Close()
		return nil, err
	}

	specs, err := registry.Build(cfg.Providers)
	if err != nil {
		in.Close()
		out.Close()
		return nil, err
	}
	pool := provider.NewPool(specs, provider.Config{
		FailureThreshold: uint32(cfg.FailureThreshold),
		Cooldown:         time.Duration(cfg.BreakerCooldownMS) * time.Millisecond,
		MaxRetries:       cfg.MaxRetries,
	}, opts.Log)

	conns := conn.NewRegistry(time.Duration(cfg.ConnIdleTimeoutMS)*time.Millisecond, opts.Log)

	pub := opts.Publisher
	if pub == nil {
		pub = noopPublisher{}
	}

	s := &Server{
		cfg:     cfg,
		in:      in,
		out:     out,
		bufs:    bufs,
		conns:   conns,
		pool:    pool,
		client:  opts.Client,
		pub:     pub,
		log:     log,
		cancels: make(map[string]context.CancelFunc),
		stop:    make(chan struct{}),
	}

	s.disp = dispatch.New(dispatch.Config{
		MaxConcurrent: cfg.MaxConcurrent,
		Policy:        parsePolicy(cfg.AdmissionPolicy),
		MaxWait:       time.Duration(cfg.AdmissionWaitMS) * time.Millisecond,
		QueueDepth:    cfg.AdmissionQueue,
	}, conns, opts.Log)
	s.disp.Register(types.MessageEcho, dispatch.HandlerFunc(s.handleEcho))
	s.disp.Register(types.MessageCompletion, dispatch.HandlerFunc(s.handleCompletion))
	s.disp.Register(types.MessageCancel, dispatch.HandlerFunc(s.handleCancel))
	s.disp.Register(types.MessageHeartbeat, dispatch.HandlerFunc(s.handleHeartbeat))
	s.disp.Register(types.MessageShutdown, dispatch.HandlerFunc(s.handleShutdown))

	s.mon = reconnect.NewMonitor(reconnect.ProberFunc(s.probe), reconnect.Config{
		InitialBackoff: time.Duration(cfg.InitialBackoffMS) * time.Millisecond,
		MaxBackoff:     time.Duration(cfg.MaxBackoffMS) * time.Millisecond,
		Multiplier:     cfg.BackoffMultiplier,
		MaxAttempts:    cfg.MaxReconnects,
	}, opts.Log)

	return s, nil
}

func parsePolicy(s string) dispatch.Policy {
	switch s {
	case "reject":
		return dispatch.PolicyReject
	case "drop_oldest":
		return dispatch.PolicyDropOldest
	default:
		return dispatch.PolicyBlock
	}
}

// probe reports link health to the reconnection monitor. A pending
// transport fault surfaces once; the channel pair is recreated so the
// next probe finds a healthy link.
func (s *Server) probe(context.Context) error {
	if !s.faultPending.CompareAndSwap(true, false) {
		return nil
	}
	if err := s.recreateChannels(); err != nil {
		s.faultPending.Store(true)
		return err
	}
	return fmt.Errorf("transport fault, channel pair recreated")
}

func (s *Server) inbound() *ring.Channel {
	s.chanMu.RLock()
	defer s.chanMu.RUnlock()
	return s.in
}

func (s *Server) outbound() *ring.Channel {
	s.chanMu.RLock()
	defer s.chanMu.RUnlock()
	return s.out
}

func (s *Server) recreateChannels() error {
	s.chanMu.Lock()
	defer s.chanMu.Unlock()
	s.in.Close()
	s.out.Close()
	in, err := ring.Create(s.cfg.ChannelName+".req", s.cfg.SlotSize, s.cfg.SlotCount)
	if err != nil {
		return err
	}
	out, err := ring.Create(s.cfg.ChannelName+".resp", s.cfg.SlotSize, s.cfg.SlotCount)
	if err != nil {
		in.Close()
		return err
	}
	s.in = in
	s.out = out
	s.pub.Publish(Event{Name: "channels_recreated"})
	return nil
}

// Run polls the inbound channel until the context ends or a shutdown
// frame arrives, then drains in-flight work and closes the channels.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.mon.Run(ctx)
	go s.sweepLoop(ctx)

	buf := s.bufs.Acquire(s.inbound().SlotCapacity())
	defer s.bufs.Release(buf)

	for {
		select {
		case <-ctx.Done():
			return s.drain()
		case <-s.stop:
			cancel()
			return s.drain()
		default:
		}

		f, ok, err := s.inbound().TryReadInto(buf.Bytes())
		if err != nil {
			if ring.IsTransportFault(err) {
				s.log.Error().Err(err).Msg("inbound transport fault")
				s.faultPending.Store(true)
				s.pub.Publish(Event{Name: "transport_fault", Fields: map[string]any{"error": err.Error()}})
				time.Sleep(time.Duration(s.cfg.InitialBackoffMS) * time.Millisecond)
				continue
			}
			// Closed during recreate: pick up the fresh channel.
			time.Sleep(pollInterval)
			continue
		}
		if !ok {
			time.Sleep(pollInterval)
			continue
		}

		framesTotal.WithLabelValues("in", f.Type.String()).Inc()
		payload := make([]byte, len(f.Payload))
		copy(payload, f.Payload)

		s.inflight.Add(1)
		go func(t types.MessageType, p []byte) {
			defer s.inflight.Done()
			s.handleFrame(ctx, t, p)
		}(f.Type, payload)
	}
}

// drain waits for in-flight handlers, then tears the channels down.
func (s *Server) drain() error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.log.Warn().Msg("drain timed out, closing channels with handlers in flight")
	}
	s.inbound().Close()
	s.outbound().Close()
	return nil
}

// Shutdown requests a stop from outside the poll loop. Idempotent.
func (s *Server) Shutdown() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Server) sweepLoop(ctx context.Context) {
	interval := time.Duration(s.cfg.ConnIdleTimeoutMS) * time.Millisecond / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, c := range s.conns.Sweep() {
				s.pub.Publish(Event{Name: "connection_evicted", ConnID: c.ID, Fields: map[string]any{
					"held_permit": c.HoldsPermit,
				}})
			}
		}
	}
}

// handleFrame runs one inbound frame through the dispatcher and writes
// whatever comes back. Stream responses are written by the completion
// handler itself; its dispatch result is nil.
func (s *Server) handleFrame(ctx context.Context, t types.MessageType, payload []byte) {
	var env envelope
	_ = json.Unmarshal(payload, &env)

	resp, err := s.disp.Dispatch(ctx, env.ConnectionID, t, payload)
	if err != nil {
		s.writeError(env, err)
		return
	}
	if resp != nil {
		s.writeFrame(ring.Frame{Type: t, Payload: resp})
	}
}

// writeError maps an internal error to the wire taxonomy and sends it
// as an error frame.
func (s *Server) writeError(env envelope, err error) {
	kind := "internal"
	switch {
	case dispatch.IsBackpressure(err):
		kind = "backpressure"
	case dispatch.IsUnsupported(err):
		kind = "unsupported"
	case provider.IsNoProviderAvailable(err):
		kind = "provider_unavailable"
	case IsProtocolError(err), ring.IsFrameTooLarge(err):
		kind = "protocol"
	case err == context.Canceled:
		kind = "cancelled"
	case err == context.DeadlineExceeded:
		kind = "timeout"
	default:
		if _, ok := err.(*provider.CallError); ok {
			kind = "provider_error"
		}
	}
	body, merr := json.Marshal(struct {
		envelope
		types.ErrorResponse
	}{env, types.ErrorResponse{Kind: kind, Message: err.Error()}})
	if merr != nil {
		return
	}
	s.writeFrame(ring.Frame{Type: types.MessageError, Payload: body})
}

// writeFrame publishes one outbound frame, retrying briefly while the
// ring is full. A persistent full ring or oversized frame drops the
// frame with a metric rather than wedging the relay.
func (s *Server) writeFrame(f ring.Frame) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	for attempt := 0; attempt < 500; attempt++ {
		err := s.outbound().TryWrite(f)
		if err == nil {
			framesTotal.WithLabelValues("out", f.Type.String()).Inc()
			return
		}
		switch {
		case err == ring.ErrFull:
			ringFullTotal.Inc()
			s.outMu.Unlock()
			time.Sleep(pollInterval)
			s.outMu.Lock()
		case ring.IsTransportFault(err):
			s.faultPending.Store(true)
			s.log.Error().Err(err).Msg("outbound transport fault, frame dropped")
			return
		default:
			s.log.Error().Err(err).Str("type", f.Type.String()).Msg("outbound write failed, frame dropped")
			return
		}
	}
	s.log.Error().Str("type", f.Type.String()).Msg("outbound ring full, frame dropped")
}

// Ready reports whether the poll loop is up with a healthy link.
func (s *Server) Ready() bool {
	st, _ := s.mon.State()
	return st == reconnect.StateConnected
}

// Status snapshots the daemon for the admin surface.
func (s *Server) Status() types.StatusResponse {
	linkState, lastErr := s.mon.State()
	st := types.StatusResponse{
		State:          "ok",
		Connections:    s.conns.Count(),
		QueueDepth:     s.disp.QueueDepth(),
		Providers:      s.pool.Status(),
		ReconnectState: linkState.String(),
	}
	if linkState == reconnect.StateFailed {
		st.State = "failed"
	} else if linkState == reconnect.StateReconnecting {
		st.State = "degraded"
	}
	if lastErr != nil {
		st.Err = lastErr.Error()
	}
	return st
}
