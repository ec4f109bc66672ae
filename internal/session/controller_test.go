package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/user/buddy/internal/sse"
	"github.com/user/buddy/internal/state"
	"github.com/user/buddy/internal/transport"
	"github.com/user/buddy/internal/types"
)

// fakeOpener returns a fixed body or error and records the requests it saw.
type fakeOpener struct {
	body     func() io.ReadCloser
	err      error
	onOpen   func()
	requests []ChatRequest
}

func (f *fakeOpener) OpenStream(ctx context.Context, _ string, body any) (io.ReadCloser, error) {
	f.requests = append(f.requests, body.(ChatRequest))
	if f.onOpen != nil {
		f.onOpen()
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.body(), nil
}

func frame(payload string) string {
	return "data: " + payload + "\n\n"
}

func tokenFrame(ts int, token string) string {
	return frame(fmt.Sprintf(`{"type":"token","sessionId":"s1","timestamp":%d,"token":%q}`, ts, token))
}

func stringBody(s string) func() io.ReadCloser {
	return func() io.ReadCloser { return io.NopCloser(strings.NewReader(s)) }
}

func newTestStore(t *testing.T) *state.Store {
	t.Helper()
	store, err := state.NewStore(context.Background(), state.NewMemoryKV(), state.Settings{})
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func TestControllerCompletesOnDone(t *testing.T) {
	stream := tokenFrame(1, "Hel") + tokenFrame(2, "lo") +
		frame(`{"type":"tool_call","sessionId":"s1","timestamp":3,"toolName":"web_search","toolInput":"q"}`) +
		frame(`{"type":"tool_result","sessionId":"s1","timestamp":4,"toolName":"web_search","result":"r","success":true}`) +
		frame(`{"type":"done","sessionId":"s1","timestamp":5}`) +
		tokenFrame(6, "after done")

	opener := &fakeOpener{body: stringBody(stream)}
	store := newTestStore(t)
	ctrl := New(opener, store, "http://agent/api/chat/stream")

	out, err := ctrl.Start(context.Background(), "s1", "hello")
	if err != nil {
		t.Fatal(err)
	}
	if out.State != StateCompleted {
		t.Errorf("expected completed, got %s", out.State)
	}
	if out.Events != 5 {
		t.Errorf("expected 5 events, got %d", out.Events)
	}
	if out.Transcript != "Hello" || store.Transcript() != "Hello" {
		t.Errorf("expected transcript Hello, got %q / %q", out.Transcript, store.Transcript())
	}

	want := types.Metrics{OpenAICalls: 1, SearchCalls: 1, TokensEmitted: 2, ToolCalls: 1}
	if got := store.Metrics(); got != want {
		t.Errorf("expected %+v, got %+v", want, got)
	}
	if store.Streaming() {
		t.Error("expected streaming flag to be cleared")
	}
	if ctrl.State() != StateIdle {
		t.Errorf("expected idle controller, got %s", ctrl.State())
	}
	if len(opener.requests) != 1 || opener.requests[0].Message != "hello" || opener.requests[0].SessionID != "s1" {
		t.Errorf("unexpected requests %+v", opener.requests)
	}
}

func TestControllerEOFWithoutDoneCompletes(t *testing.T) {
	opener := &fakeOpener{body: stringBody(tokenFrame(1, "a") + tokenFrame(2, "b"))}
	store := newTestStore(t)
	ctrl := New(opener, store, "")

	out, err := ctrl.Start(context.Background(), "s1", "hi")
	if err != nil {
		t.Fatal(err)
	}
	if out.State != StateCompleted || out.Events != 2 {
		t.Errorf("expected completed with 2 events, got %s with %d", out.State, out.Events)
	}
}

func TestControllerSkipsMalformedFrames(t *testing.T) {
	opener := &fakeOpener{body: stringBody(tokenFrame(1, "a") + frame(`{oops`) + tokenFrame(2, "b"))}
	store := newTestStore(t)
	ctrl := New(opener, store, "", WithDecoderOptions(sse.WithChunkSize(3)))

	out, err := ctrl.Start(context.Background(), "s1", "hi")
	if err != nil {
		t.Fatal(err)
	}
	if out.Events != 2 || len(store.Activity()) != 2 {
		t.Errorf("expected 2 applied events, got %d / %d", out.Events, len(store.Activity()))
	}
}

func TestControllerCancelAfterTwoEvents(t *testing.T) {
	var stream strings.Builder
	for i := 1; i <= 5; i++ {
		stream.WriteString(tokenFrame(i, fmt.Sprintf("t%d", i)))
	}

	opener := &fakeOpener{body: stringBody(stream.String())}
	store := newTestStore(t)

	var ctrl *Controller
	seen := 0
	ctrl = New(opener, store, "", WithObserver(func(types.Event) {
		seen++
		if seen == 2 {
			ctrl.Cancel()
		}
	}))

	out, err := ctrl.Start(context.Background(), "s1", "hi")
	if err != nil {
		t.Fatalf("cancellation must not be an error, got %v", err)
	}
	if out.State != StateCancelled {
		t.Errorf("expected cancelled, got %s", out.State)
	}
	if got := len(store.Activity()); got != 2 {
		t.Errorf("expected exactly 2 entries, got %d", got)
	}
	if store.Metrics().TokensEmitted != 2 {
		t.Errorf("expected 2 tokens, got %d", store.Metrics().TokensEmitted)
	}
	if store.Streaming() {
		t.Error("expected streaming flag to be cleared")
	}
}

func TestControllerRejectsSecondStart(t *testing.T) {
	pr, pw := io.Pipe()
	opener := &fakeOpener{body: func() io.ReadCloser { return pr }}
	store := newTestStore(t)
	ctrl := New(opener, store, "")

	type result struct {
		out *Outcome
		err error
	}
	results := make(chan result, 1)
	go func() {
		out, err := ctrl.Start(context.Background(), "s1", "first")
		results <- result{out, err}
	}()

	if _, err := io.WriteString(pw, tokenFrame(1, "a")); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(store.Activity()) < 1 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for first event")
		}
		time.Sleep(5 * time.Millisecond)
	}

	out, err := ctrl.Start(context.Background(), "s1", "second")
	if !errors.Is(err, ErrStreamActive) {
		t.Fatalf("expected ErrStreamActive, got %v", err)
	}
	if out != nil {
		t.Errorf("expected nil outcome, got %+v", out)
	}

	io.WriteString(pw, tokenFrame(2, "b"))
	io.WriteString(pw, frame(`{"type":"done","sessionId":"s1","timestamp":3}`))

	select {
	case r := <-results:
		if r.err != nil {
			t.Fatal(r.err)
		}
		if r.out.State != StateCompleted || r.out.Events != 3 {
			t.Errorf("expected first stream to complete with 3 events, got %s/%d", r.out.State, r.out.Events)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first stream did not finish")
	}
	if len(opener.requests) != 1 {
		t.Errorf("expected the rejected start to send nothing, got %d requests", len(opener.requests))
	}

	// The controller accepts a new stream once idle.
	opener.body = stringBody(frame(`{"type":"done","sessionId":"s1","timestamp":4}`))
	if _, err := ctrl.Start(context.Background(), "s1", "third"); err != nil {
		t.Errorf("expected third start to succeed, got %v", err)
	}
}

func TestControllerOpenFailure(t *testing.T) {
	opener := &fakeOpener{err: &transport.StatusError{StatusCode: 500, Body: "boom"}}
	store := newTestStore(t)
	ctrl := New(opener, store, "")

	out, err := ctrl.Start(context.Background(), "s1", "hi")
	var statusErr *transport.StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if out.State != StateFailed || out.Err == nil {
		t.Errorf("expected failed outcome with error, got %+v", out)
	}
	if len(store.Activity()) != 0 {
		t.Error("expected no activity")
	}
}

func TestControllerReadFailure(t *testing.T) {
	boom := errors.New("connection lost")
	opener := &fakeOpener{body: func() io.ReadCloser {
		return io.NopCloser(io.MultiReader(strings.NewReader(tokenFrame(1, "a")), errReader{boom}))
	}}
	store := newTestStore(t)
	ctrl := New(opener, store, "")

	out, err := ctrl.Start(context.Background(), "s1", "hi")
	if !errors.Is(err, boom) {
		t.Fatalf("expected read error, got %v", err)
	}
	if out.State != StateFailed || out.Events != 1 {
		t.Errorf("expected failed after 1 event, got %s/%d", out.State, out.Events)
	}
	if len(store.Activity()) != 1 {
		t.Error("expected applied events to be kept")
	}
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

func TestControllerRetriesTransientFaultOverHTTP(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			conn, _, err := w.(http.Hijacker).Hijack()
			if err == nil {
				conn.Close()
			}
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, tokenFrame(1, "a")+tokenFrame(2, "b")+frame(`{"type":"done","sessionId":"s1","timestamp":3}`))
	}))
	defer server.Close()

	client := transport.New(transport.WithRetryPolicy(&transport.RetryPolicy{MaxAttempts: 2}))
	store := newTestStore(t)
	ctrl := New(client, store, server.URL)

	out, err := ctrl.Start(context.Background(), "s1", "hi")
	if err != nil {
		t.Fatal(err)
	}
	if out.State != StateCompleted {
		t.Errorf("expected completed, got %s", out.State)
	}
	if got := len(store.Activity()); got != 3 {
		t.Errorf("expected 3 entries without duplicates, got %d", got)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 attempts, got %d", calls.Load())
	}
}

func TestControllerDoubleFaultFailsOnce(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		conn, _, err := w.(http.Hijacker).Hijack()
		if err == nil {
			conn.Close()
		}
	}))
	defer server.Close()

	client := transport.New(transport.WithRetryPolicy(&transport.RetryPolicy{MaxAttempts: 2}))
	store := newTestStore(t)

	failures := 0
	ctrl := New(client, store, server.URL)
	out, err := ctrl.Start(context.Background(), "s1", "hi")
	if err != nil {
		failures++
	}
	if failures != 1 || out.State != StateFailed {
		t.Errorf("expected exactly one failed outcome, got %+v", out)
	}
	if !transport.IsTransient(err) {
		t.Errorf("expected transient cause, got %v", err)
	}
	if len(store.Activity()) != 0 {
		t.Errorf("expected no events, got %d", len(store.Activity()))
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 attempts, got %d", calls.Load())
	}
}

func TestControllerParentContextCancel(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	opener := &fakeOpener{body: func() io.ReadCloser { return pr }}
	ctrl := New(opener, newTestStore(t), "")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		io.WriteString(pw, tokenFrame(1, "a"))
		cancel()
		pw.CloseWithError(context.Canceled)
	}()

	out, err := ctrl.Start(ctx, "s1", "hi")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out.State != StateCancelled {
		t.Errorf("expected cancelled, got %s", out.State)
	}
}

func TestCancelWhenIdle(t *testing.T) {
	ctrl := New(&fakeOpener{}, newTestStore(t), "")
	ctrl.Cancel()
	ctrl.Cancel()
	if ctrl.State() != StateIdle {
		t.Errorf("expected idle, got %s", ctrl.State())
	}
}

func TestControllerRecordsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer tp.Shutdown(context.Background())

	opener := &fakeOpener{body: stringBody(tokenFrame(1, "a") + frame(`{"type":"done","sessionId":"s1","timestamp":2}`))}
	ctrl := New(opener, newTestStore(t), "", WithTracer(tp.Tracer("test")))

	if _, err := ctrl.Start(context.Background(), "s1", "hi"); err != nil {
		t.Fatal(err)
	}

	spans := recorder.Ended()
	if len(spans) != 1 || spans[0].Name() != "session.stream" {
		t.Fatalf("expected one session.stream span, got %d", len(spans))
	}
	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	if attrs["stream.state"] != "completed" || attrs["stream.events"] != "2" || attrs["session.id"] != "s1" {
		t.Errorf("unexpected span attributes %v", attrs)
	}
}

func TestControllerCancelWhileOpening(t *testing.T) {
	opener := &fakeOpener{body: stringBody(tokenFrame(1, "a"))}
	store := newTestStore(t)
	ctrl := New(opener, store, "")
	opener.onOpen = func() {
		if ctrl.State() != StateStreaming {
			t.Errorf("expected streaming while opening, got %s", ctrl.State())
		}
		ctrl.Cancel()
	}

	out, err := ctrl.Start(context.Background(), "s1", "hi")
	if err != nil {
		t.Fatalf("cancellation must not be an error: %v", err)
	}
	if out.State != StateCancelled || out.Events != 0 {
		t.Errorf("expected cancelled with no events, got %s/%d", out.State, out.Events)
	}
	if ctrl.State() != StateIdle {
		t.Errorf("expected idle after cancel, got %s", ctrl.State())
	}
}

func TestControllerEmptyBodyFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Length", "0")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	store := newTestStore(t)
	ctrl := New(transport.New(transport.WithRetryPolicy(&transport.RetryPolicy{MaxAttempts: 2})), store, server.URL)

	out, err := ctrl.Start(context.Background(), "s1", "hi")
	if !errors.Is(err, transport.ErrNoBody) {
		t.Fatalf("expected ErrNoBody, got %v", err)
	}
	if out.State != StateFailed || out.Events != 0 {
		t.Errorf("expected failed with no events, got %s/%d", out.State, out.Events)
	}
	if n := strings.Count(err.Error(), "open stream"); n != 1 {
		t.Errorf("expected a single open stream prefix, got %q", err.Error())
	}
	if store.Streaming() {
		t.Error("expected streaming flag cleared")
	}
}
