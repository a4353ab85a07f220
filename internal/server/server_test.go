package server

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"relayd/internal/config"
	"relayd/internal/provider"
	"relayd/internal/ring"
	"relayd/internal/stream"
	"relayd/pkg/types"
)

// fakeClient serves a scripted SSE body per call, or blocks until the
// request context ends when blocking is set.
type fakeClient struct {
	bodies   []string
	calls    int
	blocking bool
}

func (f *fakeClient) Stream(ctx context.Context, _ provider.Endpoint, _ types.CompletionRequest) (io.ReadCloser, error) {
	f.calls++
	if f.blocking {
		return &ctxReader{ctx: ctx}, nil
	}
	body := f.bodies[0]
	if len(f.bodies) > 1 {
		f.bodies = f.bodies[1:]
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

// ctxReader blocks every Read until the context is cancelled.
type ctxReader struct{ ctx context.Context }

func (r *ctxReader) Read([]byte) (int, error) {
	<-r.ctx.Done()
	return 0, r.ctx.Err()
}

func (r *ctxReader) Close() error { return nil }

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.ChannelName = t.Name()
	cfg.SlotSize = 4096
	cfg.SlotCount = 8
	cfg.Providers = []config.ProviderEntry{
		{ID: "p1", Priority: 1, URL: "http://primary"},
		{ID: "p2", Priority: 2, URL: "http://backup"},
	}
	return cfg
}

// startServer runs the poll loop and returns the client side of the
// channel pair plus a stop function that waits for Run to return.
func startServer(t *testing.T, cfg config.Config, client provider.Client) (*Server, *ring.Channel, *ring.Channel, func()) {
	t.Helper()
	s, err := New(Options{Config: cfg, Client: client, Log: zerolog.Nop()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	req, err := ring.Open(cfg.ChannelName + ".req")
	if err != nil {
		t.Fatalf("open req ring: %v", err)
	}
	resp, err := ring.Open(cfg.ChannelName + ".resp")
	if err != nil {
		t.Fatalf("open resp ring: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	stop := func() {
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Fatalf("server did not stop")
		}
	}
	return s, req, resp, stop
}

// awaitFrame polls the response ring until a frame arrives.
func awaitFrame(t *testing.T, resp *ring.Channel) ring.Frame {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		f, ok, err := resp.TryRead()
		if err != nil {
			t.Fatalf("read resp ring: %v", err)
		}
		if ok {
			return f
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("no response frame within deadline")
	return ring.Frame{}
}

func sendJSON(t *testing.T, req *ring.Channel, typ types.MessageType, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if err := req.TryWrite(ring.Frame{Type: typ, Payload: b}); err != nil {
		t.Fatalf("write request frame: %v", err)
	}
}

func TestEchoRoundTrip(t *testing.T) {
	_, req, resp, stop := startServer(t, testConfig(t), nil)
	defer stop()

	payload := map[string]string{"connection_id": "c1", "msg": "ping"}
	sendJSON(t, req, types.MessageEcho, payload)

	f := awaitFrame(t, resp)
	if f.Type != types.MessageEcho {
		t.Fatalf("response type: %v", f.Type)
	}
	var got map[string]string
	if err := json.Unmarshal(f.Payload, &got); err != nil {
		t.Fatalf("unmarshal echo: %v", err)
	}
	if got["msg"] != "ping" {
		t.Fatalf("echo payload: %v", got)
	}
}

func TestCompletionStreamDelivered(t *testing.T) {
	client := &fakeClient{bodies: []string{
		"data: {\"text\":\"Hel\",\"index\":0}\n\n" +
			"data: {\"text\":\"lo\",\"index\":0}\n\n" +
			"data: [DONE]\n\n",
	}}
	_, req, resp, stop := startServer(t, testConfig(t), client)
	defer stop()

	sendJSON(t, req, types.MessageCompletion, types.CompletionRequest{
		ConnectionID: "c1", RequestID: "r1", Prompt: "hi",
	})

	var frames []tokenFrame
	for {
		f := awaitFrame(t, resp)
		if f.Type != types.MessageStream {
			t.Fatalf("frame type: %v", f.Type)
		}
		var tf tokenFrame
		if err := json.Unmarshal(f.Payload, &tf); err != nil {
			t.Fatalf("unmarshal token frame: %v", err)
		}
		frames = append(frames, tf)
		if tf.Kind == "done" {
			break
		}
	}
	// Both deltas arrive in one chunk, so they coalesce into one frame.
	if len(frames) != 2 {
		t.Fatalf("frames: %+v", frames)
	}
	if frames[0].Kind != "delta" || frames[0].Delta == nil || frames[0].Delta.Content != "Hello" {
		t.Fatalf("delta frame: %+v", frames[0])
	}
	if frames[0].RequestID != "r1" || frames[0].ConnectionID != "c1" {
		t.Fatalf("routing fields: %+v", frames[0])
	}
}

func TestCompletionFailsOverBeforeFirstToken(t *testing.T) {
	// First call dies immediately; second succeeds.
	client := &failingThenOK{
		ok: "data: {\"text\":\"x\",\"index\":0}\n\ndata: [DONE]\n\n",
	}
	_, req, resp, stop := startServer(t, testConfig(t), client)
	defer stop()

	sendJSON(t, req, types.MessageCompletion, types.CompletionRequest{
		ConnectionID: "c1", RequestID: "r1", Prompt: "hi",
	})

	f := awaitFrame(t, resp)
	if f.Type != types.MessageStream {
		t.Fatalf("frame type: %v (payload %s)", f.Type, f.Payload)
	}
	if client.calls != 2 {
		t.Fatalf("calls: %d", client.calls)
	}
}

type failingThenOK struct {
	ok    string
	calls int
}

func (f *failingThenOK) Stream(_ context.Context, _ provider.Endpoint, _ types.CompletionRequest) (io.ReadCloser, error) {
	f.calls++
	if f.calls == 1 {
		return nil, io.ErrUnexpectedEOF
	}
	return io.NopCloser(strings.NewReader(f.ok)), nil
}

func TestMidStreamFailureNotRetried(t *testing.T) {
	client := &brokenMidStream{}
	_, req, resp, stop := startServer(t, testConfig(t), client)
	defer stop()

	sendJSON(t, req, types.MessageCompletion, types.CompletionRequest{
		ConnectionID: "c1", RequestID: "r1", Prompt: "hi",
	})

	var kinds []string
	for {
		f := awaitFrame(t, resp)
		if f.Type != types.MessageStream {
			t.Fatalf("frame type: %v (payload %s)", f.Type, f.Payload)
		}
		var tf tokenFrame
		if err := json.Unmarshal(f.Payload, &tf); err != nil {
			t.Fatal(err)
		}
		kinds = append(kinds, tf.Kind)
		if tf.Kind == "done" {
			break
		}
	}
	// The failure arrives after a token reached the client, so it is
	// delivered in-band and the backup provider is never called.
	if client.calls != 1 {
		t.Fatalf("calls: %d", client.calls)
	}
	if len(kinds) != 3 || kinds[0] != "delta" || kinds[1] != "error" {
		t.Fatalf("kinds: %v", kinds)
	}
}

// brokenMidStream serves one delta event, then fails the read.
type brokenMidStream struct {
	calls int
}

func (f *brokenMidStream) Stream(_ context.Context, _ provider.Endpoint, _ types.CompletionRequest) (io.ReadCloser, error) {
	f.calls++
	return io.NopCloser(io.MultiReader(
		strings.NewReader("data: {\"text\":\"par\",\"index\":0}\n\n"),
		errReader{},
	)), nil
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, io.ErrUnexpectedEOF }

func TestDrainFeedbackIsPerToken(t *testing.T) {
	bp, err := stream.NewBackpressure(4, 64, 50*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	// 32 tokens in 320ms is 10ms per token: a healthy burst.
	observeDrain(bp, 320*time.Millisecond, 32)
	if bp.Target() != 4 {
		t.Fatalf("healthy burst grew target to %d", bp.Target())
	}
	// 2 tokens in 320ms is a genuinely slow consumer.
	observeDrain(bp, 320*time.Millisecond, 2)
	if bp.Target() != 8 {
		t.Fatalf("slow consumer target: %d", bp.Target())
	}
}

func TestUnsupportedTypeReturnsErrorFrame(t *testing.T) {
	_, req, resp, stop := startServer(t, testConfig(t), nil)
	defer stop()

	sendJSON(t, req, types.MessageCustom, map[string]string{"connection_id": "c1"})

	f := awaitFrame(t, resp)
	if f.Type != types.MessageError {
		t.Fatalf("frame type: %v", f.Type)
	}
	var er types.ErrorResponse
	if err := json.Unmarshal(f.Payload, &er); err != nil {
		t.Fatal(err)
	}
	if er.Kind != "unsupported" {
		t.Fatalf("error kind: %q", er.Kind)
	}
}

func TestCancelEndsStream(t *testing.T) {
	client := &fakeClient{blocking: true}
	_, req, resp, stop := startServer(t, testConfig(t), client)
	defer stop()

	sendJSON(t, req, types.MessageCompletion, types.CompletionRequest{
		ConnectionID: "c1", RequestID: "r-cancel", Prompt: "hi",
	})
	// Let the stream get in flight before cancelling.
	time.Sleep(50 * time.Millisecond)
	sendJSON(t, req, types.MessageCancel, map[string]string{
		"connection_id": "c1", "request_id": "r-cancel",
	})

	sawDone := false
	sawAck := false
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && !(sawDone && sawAck) {
		f, ok, err := resp.TryRead()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if !ok {
			time.Sleep(time.Millisecond)
			continue
		}
		switch f.Type {
		case types.MessageCancel:
			sawAck = true
		case types.MessageStream:
			var tf tokenFrame
			if err := json.Unmarshal(f.Payload, &tf); err != nil {
				t.Fatal(err)
			}
			if tf.Kind == "done" {
				sawDone = true
			}
		}
	}
	if !sawAck || !sawDone {
		t.Fatalf("ack=%v done=%v", sawAck, sawDone)
	}
}

func TestShutdownFrameStopsServer(t *testing.T) {
	cfg := testConfig(t)
	s, err := New(Options{Config: cfg, Log: zerolog.Nop()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	req, err := ring.Open(cfg.ChannelName + ".req")
	if err != nil {
		t.Fatalf("open req ring: %v", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(context.Background())
	}()

	sendJSON(t, req, types.MessageShutdown, map[string]string{"connection_id": "c1"})
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("shutdown frame did not stop the server")
	}
}

func TestStatusSnapshot(t *testing.T) {
	s, req, _, stop := startServer(t, testConfig(t), nil)
	defer stop()

	sendJSON(t, req, types.MessageHeartbeat, map[string]string{"connection_id": "c1"})
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && s.Status().Connections == 0 {
		time.Sleep(time.Millisecond)
	}

	st := s.Status()
	if st.Connections != 1 {
		t.Fatalf("connections: %d", st.Connections)
	}
	if len(st.Providers) != 2 || st.Providers[0].ID != "p1" {
		t.Fatalf("providers: %+v", st.Providers)
	}
	if st.ReconnectState == "" || st.ReconnectState == "failed" {
		t.Fatalf("status: %+v", st)
	}
}

func TestEventPublisherSeesShutdown(t *testing.T) {
	cfg := testConfig(t)
	pub := NewMemoryPublisher()
	s, err := New(Options{Config: cfg, Publisher: pub, Log: zerolog.Nop()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := s.handleShutdown(context.Background(), "c9", nil); err != nil {
		t.Fatalf("handleShutdown: %v", err)
	}
	evs := pub.Events()
	if len(evs) != 1 || evs[0].Name != "shutdown_requested" || evs[0].ConnID != "c9" {
		t.Fatalf("events: %+v", evs)
	}
}
