// Package mock serves a scripted stand-in for the agent backend so the
// client can be exercised without the real services.
package mock

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/user/buddy/internal/types"
)

const healthMessage = "Chat service is running and ready!"

type Option func(*Server)

// WithTokenDelay pauses between events.
func WithTokenDelay(d time.Duration) Option {
	return func(s *Server) { s.delay = d }
}

// WithMalformedFrame inserts an undecodable frame after the first event.
func WithMalformedFrame() Option {
	return func(s *Server) { s.malformed = true }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

type Server struct {
	router    chi.Router
	delay     time.Duration
	malformed bool
	now       func() time.Time
}

func NewServer(opts ...Option) *Server {
	s := &Server{
		router: chi.NewRouter(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.router.Use(middleware.Recoverer)
	s.router.Get("/api/chat/test", s.handleHealth)
	s.router.Post("/api/chat/stream", s.handleStream)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprint(w, healthMessage)
}

type chatRequest struct {
	SessionID types.SessionID `json:"sessionId"`
	Message   string          `json:"message"`
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		http.Error(w, "message is required", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events := Script(req.SessionID, req.Message, s.now)
	slog.Debug("mock stream started", "session_id", req.SessionID, "events", len(events))

	for i, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			slog.Error("marshal mock event", "error", err)
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		if s.malformed && i == 0 {
			fmt.Fprint(w, "data: {\"type\":\"token\",\n\n")
		}
		flusher.Flush()

		if s.delay > 0 {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(s.delay):
			}
		}
	}
}

// Script returns the events the mock emits for message: a web_search tool
// call and result when the message mentions searching, the reply as one
// token per word, then done.
func Script(sessionID types.SessionID, message string, now func() time.Time) []types.Event {
	meta := func() types.EventMeta {
		return types.EventMeta{SessionID: sessionID, Timestamp: now().UnixMilli()}
	}

	var events []types.Event
	if strings.Contains(strings.ToLower(message), "search") {
		events = append(events,
			&types.ToolCallEvent{EventMeta: meta(), ToolName: "web_search", ToolInput: message},
			&types.ToolResultEvent{
				EventMeta: meta(),
				ToolName:  "web_search",
				Result:    "<ul><li><a href=\"https://go.dev\">The Go Programming Language</a></li><li><a href=\"https://pkg.go.dev\">Go Packages</a></li></ul>",
				Success:   true,
			},
		)
	}

	words := strings.Fields(reply(message))
	for i, word := range words {
		if i < len(words)-1 {
			word += " "
		}
		events = append(events, &types.TokenEvent{EventMeta: meta(), Token: word})
	}

	events = append(events, &types.DoneEvent{
		EventMeta: meta(),
		Summary:   fmt.Sprintf("%d tokens", len(words)),
	})
	return events
}

func reply(message string) string {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "search"):
		return "I searched the web and found two relevant pages about Go."
	case strings.Contains(lower, "hello") || strings.Contains(lower, "hi"):
		return "Hello! I'm Buddy. How can I help you today?"
	default:
		return fmt.Sprintf("You said: %s", message)
	}
}
