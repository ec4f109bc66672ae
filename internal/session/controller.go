// Package session drives a single chat stream from open to terminal state,
// forwarding every decoded event into the state store.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/user/buddy/internal/sse"
	"github.com/user/buddy/internal/state"
	"github.com/user/buddy/internal/types"
)

var ErrStreamActive = errors.New("a stream is already active")

// Opener opens the raw event stream.
type Opener interface {
	OpenStream(ctx context.Context, url string, body any) (io.ReadCloser, error)
}

// Observer is notified of each event after it has been applied to the store.
type Observer func(types.Event)

type Option func(*Controller)

func WithObserver(obs Observer) Option {
	return func(c *Controller) { c.observers = append(c.observers, obs) }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(c *Controller) { c.tracer = tracer }
}

func WithDecoderOptions(opts ...sse.Option) Option {
	return func(c *Controller) { c.decoderOpts = append(c.decoderOpts, opts...) }
}

// Controller runs at most one stream at a time.
type Controller struct {
	opener      Opener
	store       *state.Store
	endpoint    string
	observers   []Observer
	tracer      trace.Tracer
	decoderOpts []sse.Option
	active      *semaphore.Weighted

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
}

func New(opener Opener, store *state.Store, endpoint string, opts ...Option) *Controller {
	c := &Controller{
		opener:   opener,
		store:    store,
		endpoint: endpoint,
		tracer:   otel.Tracer("github.com/user/buddy/internal/session"),
		active:   semaphore.NewWeighted(1),
		state:    StateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns StateStreaming while a stream is open and StateIdle
// otherwise.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Cancel stops the active stream. It is a no-op when idle.
func (c *Controller) Cancel() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Start sends message and consumes the resulting stream until it ends. It
// returns ErrStreamActive without side effects if a stream is already
// running. A failed stream returns its error alongside the outcome;
// cancellation is not an error.
func (c *Controller) Start(ctx context.Context, sessionID types.SessionID, message string) (*Outcome, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Acquire and publish cancel together so a concurrent Cancel either
	// sees the stream or finds the controller idle.
	c.mu.Lock()
	if !c.active.TryAcquire(1) {
		c.mu.Unlock()
		return nil, ErrStreamActive
	}
	c.state = StateStreaming
	c.cancel = cancel
	c.mu.Unlock()

	streamCtx, span := c.tracer.Start(streamCtx, "session.stream",
		trace.WithAttributes(attribute.String("session.id", string(sessionID))))

	started := time.Now()
	out := c.run(streamCtx, sessionID, message)
	out.Duration = time.Since(started)

	span.SetAttributes(
		attribute.String("stream.state", string(out.State)),
		attribute.Int("stream.events", out.Events),
	)
	if out.Err != nil {
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, out.Err.Error())
	}
	span.End()

	c.store.SetStreaming(false)
	if err := c.store.Flush(context.WithoutCancel(ctx)); err != nil {
		slog.Warn("persist state failed", "session_id", sessionID, "error", err)
	}

	c.mu.Lock()
	c.state = StateIdle
	c.cancel = nil
	c.active.Release(1)
	c.mu.Unlock()

	slog.Info("stream finished",
		"session_id", sessionID,
		"state", out.State,
		"events", out.Events,
		"duration", out.Duration,
	)
	if out.State == StateFailed {
		return out, out.Err
	}
	return out, nil
}

func (c *Controller) run(ctx context.Context, sessionID types.SessionID, message string) *Outcome {
	out := &Outcome{}
	c.store.SetStreaming(true)
	c.store.SetTranscript("")

	body, err := c.opener.OpenStream(ctx, c.endpoint, ChatRequest{SessionID: sessionID, Message: message})
	if err != nil {
		if ctx.Err() != nil {
			out.State = StateCancelled
			return out
		}
		out.State = StateFailed
		out.Err = err
		return out
	}
	defer body.Close()

	dec := sse.NewDecoder(body, c.decoderOpts...)
	transcript := make([]byte, 0, 256)
	defer func() { out.Transcript = string(transcript) }()

	for {
		ev, err := dec.Next(ctx)
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}
		if err != nil {
			switch {
			case ctx.Err() != nil:
				out.State = StateCancelled
			case errors.Is(err, io.EOF):
				slog.Debug("stream ended without done event", "session_id", sessionID)
				out.State = StateCompleted
			default:
				out.State = StateFailed
				out.Err = err
			}
			return out
		}

		c.store.Apply(ev)
		out.Events++

		done := false
		switch e := ev.(type) {
		case *types.TokenEvent:
			transcript = append(transcript, e.Token...)
			c.store.AppendTranscript(e.Token)
		case *types.ToolCallEvent, *types.ToolResultEvent:
		case *types.DoneEvent:
			done = true
		default:
			panic(fmt.Sprintf("session: unhandled event type %T", ev))
		}

		for _, obs := range c.observers {
			obs(ev)
		}
		if done {
			out.State = StateCompleted
			return out
		}
	}
}
