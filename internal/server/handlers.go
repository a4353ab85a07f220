package server

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"relayd/internal/provider"
	"relayd/internal/ring"
	"relayd/internal/stream"
	"relayd/pkg/types"
)

// protocolError is a malformed request payload. Surfaced to the client
// as a protocol-kind error frame.
type protocolError struct{ reason string }

func (e protocolError) Error() string { return "server: protocol error: " + e.reason }

// IsProtocolError reports whether err is a malformed-payload error.
func IsProtocolError(err error) bool {
	_, ok := err.(protocolError)
	return ok
}

// tokenFrame is the wire shape of one outbound stream frame.
type tokenFrame struct {
	ConnectionID string            `json:"connection_id"`
	RequestID    string            `json:"request_id"`
	Seq          int               `json:"seq"`
	Kind         string            `json:"kind"`
	Text         string            `json:"text,omitempty"`
	Delta        *stream.Delta     `json:"delta,omitempty"`
	Tool         *stream.ToolCall  `json:"tool_call,omitempty"`
	Err          *stream.ErrorInfo `json:"error,omitempty"`
}

// handleEcho reflects the payload back unchanged. Used by clients to
// verify the channel end to end.
func (s *Server) handleEcho(_ context.Context, _ string, payload []byte) ([]byte, error) {
	out := make([]byte, len(payload))
	copy(out, payload)
	return out, nil
}

// handleHeartbeat acknowledges liveness. The dispatcher already touched
// the connection before this runs.
func (s *Server) handleHeartbeat(_ context.Context, connID string, _ []byte) ([]byte, error) {
	return json.Marshal(struct {
		ConnectionID string `json:"connection_id"`
		At           int64  `json:"at_unix_ms"`
	}{connID, time.Now().UnixMilli()})
}

// handleCancel aborts the stream identified by request_id. Cancelling
// an unknown or already finished request acknowledges without error.
func (s *Server) handleCancel(_ context.Context, _ string, payload []byte) ([]byte, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, protocolError{reason: err.Error()}
	}
	found := s.cancelRequest(env.RequestID)
	return json.Marshal(struct {
		RequestID string `json:"request_id"`
		Cancelled bool   `json:"cancelled"`
	}{env.RequestID, found})
}

// handleShutdown begins a graceful stop: the poll loop drains in-flight
// handlers and closes the channel pair.
func (s *Server) handleShutdown(_ context.Context, connID string, _ []byte) ([]byte, error) {
	s.log.Info().Str("conn_id", connID).Msg("shutdown requested over channel")
	s.pub.Publish(Event{Name: "shutdown_requested", ConnID: connID})
	s.Shutdown()
	return json.Marshal(struct {
		ShuttingDown bool `json:"shutting_down"`
	}{true})
}

// handleCompletion routes the request across the provider pool and
// relays the resulting stream to the outbound channel. Failover only
// happens before the first token reaches the client; after that,
// upstream failures are delivered in-band as a terminal error.
func (s *Server) handleCompletion(ctx context.Context, connID string, payload []byte) ([]byte, error) {
	var req types.CompletionRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, protocolError{reason: err.Error()}
	}
	if req.ConnectionID == "" {
		req.ConnectionID = connID
	}
	if s.client == nil {
		return nil, provider.ErrNoProviderAvailable(0)
	}

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.registerCancel(req.RequestID, cancel)
	defer s.unregisterCancel(req.RequestID)

	delivered := false
	err := s.pool.Do(func(h *provider.Handle) error {
		body, err := s.client.Stream(cctx, h.Provider.Endpoint(), req)
		if err != nil {
			return &provider.CallError{ProviderID: h.Provider.ID(), Kind: provider.ClassifyError(err), Err: err}
		}
		emitted, rerr := s.relay(cctx, req, body)
		body.Close()
		if rerr == nil {
			return nil
		}
		kind := provider.ClassifyError(rerr)
		if emitted {
			// The client already saw tokens plus an in-band terminal
			// error. Retrying would replay the prefix.
			delivered = true
			kind = provider.FailureNonRetryable
		}
		return &provider.CallError{ProviderID: h.Provider.ID(), Kind: kind, Err: rerr}
	})
	if delivered {
		return nil, nil
	}
	return nil, err
}

// relay pumps the provider body through a decode session and delivers
// tokens over the outbound channel. Returns whether any token reached
// the client and the upstream error, if one cut the stream short.
func (s *Server) relay(ctx context.Context, req types.CompletionRequest, body io.Reader) (bool, error) {
	sess := stream.NewSession(s.log)
	bp, err := stream.NewBackpressure(
		s.cfg.StreamBufferMin,
		s.cfg.StreamBufferMax,
		time.Duration(s.cfg.SlowDrainMS)*time.Millisecond,
	)
	if err != nil {
		return false, err
	}

	rb := s.bufs.Acquire(s.outbound().SlotCapacity())
	defer s.bufs.Release(rb)

	emitted := false
	for !sess.Done() {
		if ctx.Err() != nil {
			s.deliver(req, bp, sess.Cancel())
			return true, nil
		}
		n, rerr := body.Read(rb.Bytes())
		if n > 0 {
			toks := sess.Decode(rb.Bytes()[:n])
			if len(toks) > 0 {
				emitted = true
			}
			s.deliver(req, bp, toks)
		}
		if rerr == io.EOF {
			if !sess.Done() {
				// Provider closed without a done event: flush the
				// partial record and finish the stream cleanly.
				s.deliver(req, bp, sess.Cancel())
			}
			return emitted, nil
		}
		if rerr != nil {
			if ctx.Err() != nil {
				s.deliver(req, bp, sess.Cancel())
				return true, nil
			}
			if emitted {
				s.deliver(req, bp, []stream.Token{
					{Kind: stream.TokenError, Err: &stream.ErrorInfo{Kind: "provider", Message: rerr.Error()}},
					{Kind: stream.TokenDone},
				})
			}
			return emitted, rerr
		}
	}
	return emitted, nil
}

// deliver queues tokens through the adaptive buffer and drains them to
// the outbound ring, feeding drain timing back into the buffer target.
func (s *Server) deliver(req types.CompletionRequest, bp *stream.Backpressure, toks []stream.Token) {
	for _, tok := range toks {
		if err := bp.Push(tok); err != nil {
			s.flush(req, bp)
			// Target may have grown; a second failure means it is
			// pinned at max, deliver directly.
			if err := bp.Push(tok); err != nil {
				s.sendToken(req, tok)
			}
		}
	}
	s.flush(req, bp)
}

func (s *Server) flush(req types.CompletionRequest, bp *stream.Backpressure) {
	start := time.Now()
	n := 0
	for {
		tok, ok := bp.Pop()
		if !ok {
			break
		}
		s.sendToken(req, tok)
		n++
	}
	observeDrain(bp, time.Since(start), n)
}

// observeDrain feeds the per-token drain cost back into the buffer
// target. The slow threshold is per token, so a large healthy burst
// must not read as a slow consumer.
func observeDrain(bp *stream.Backpressure, elapsed time.Duration, n int) {
	if n > 0 {
		bp.ObserveDrain(elapsed / time.Duration(n))
	}
}

func (s *Server) sendToken(req types.CompletionRequest, tok stream.Token) {
	frame := tokenFrame{
		ConnectionID: req.ConnectionID,
		RequestID:    req.RequestID,
		Seq:          tok.Seq,
		Kind:         tok.Kind.String(),
		Text:         tok.Text,
		Delta:        tok.Delta,
		Tool:         tok.Tool,
		Err:          tok.Err,
	}
	b, err := json.Marshal(frame)
	if err != nil {
		s.log.Error().Err(err).Msg("token marshal failed")
		return
	}
	tokensTotal.Inc()
	s.writeFrame(ring.Frame{Type: types.MessageStream, Payload: b})
}

func (s *Server) registerCancel(requestID string, cancel context.CancelFunc) {
	if requestID == "" {
		return
	}
	s.cancelMu.Lock()
	s.cancels[requestID] = cancel
	s.cancelMu.Unlock()
}

func (s *Server) unregisterCancel(requestID string) {
	if requestID == "" {
		return
	}
	s.cancelMu.Lock()
	delete(s.cancels, requestID)
	s.cancelMu.Unlock()
}

// cancelRequest fires the cancel for requestID if it is in flight.
func (s *Server) cancelRequest(requestID string) bool {
	s.cancelMu.Lock()
	cancel, ok := s.cancels[requestID]
	s.cancelMu.Unlock()
	if ok {
		cancel()
	}
	return ok
}
