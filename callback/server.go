//
// Tencent is pleased to support the open source community by making trpc-durable-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-durable-go is licensed under the Apache License Version 2.0.
//
//

// Package callback serves the callback addresses of suspended branches
// over HTTP and streams run messages to browsers as server-sent events.
package callback

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"trpc.group/trpc-go/trpc-durable-go/engine"
	"trpc.group/trpc-go/trpc-durable-go/event"
	"trpc.group/trpc-go/trpc-durable-go/log"
)

// PathPrefix is where callback addresses are mounted.
const PathPrefix = "/callbacks"

const (
	defaultSubscriberBuffer = 256
	defaultRetainedRuns     = 64
	maxBodyBytes            = 4 << 20
)

// Pending describes a suspended branch awaiting a callback.
type Pending struct {
	RunID       string           `json:"runId"`
	NodeID      string           `json:"nodeId"`
	Kind        engine.InputKind `json:"kind"`
	CallbackURL string           `json:"callbackUrl"`
	TimeoutAt   *time.Time       `json:"timeoutAt,omitempty"`
	Tool        *event.ToolCall  `json:"tool,omitempty"`
}

// Server routes HTTP callbacks into an engine.Inbox.
type Server struct {
	inbox   *engine.Inbox
	router  *mux.Router
	handler http.Handler
	baseURL string

	subscriberBuffer int
	retainedRuns     int

	mu       sync.Mutex
	streams  map[string]*runStream
	finished []string
}

// Option configures the Server instance.
type Option func(*Server)

// WithBaseURL sets the externally visible address of the server, such as
// "https://durable.example.com". Callback addresses are built from it.
func WithBaseURL(base string) Option {
	return func(s *Server) { s.baseURL = strings.TrimRight(base, "/") }
}

// WithInbox shares an existing inbox.
func WithInbox(inbox *engine.Inbox) Option {
	return func(s *Server) { s.inbox = inbox }
}

// WithSubscriberBuffer sets how many messages a slow event stream client
// may lag behind before messages are dropped for it.
func WithSubscriberBuffer(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.subscriberBuffer = n
		}
	}
}

// WithRetainedRuns sets how many finished runs keep their message history
// for late event stream clients.
func WithRetainedRuns(n int) Option {
	return func(s *Server) {
		if n >= 0 {
			s.retainedRuns = n
		}
	}
}

// New creates a callback server.
func New(opts ...Option) *Server {
	s := &Server{
		router:           mux.NewRouter().UseEncodedPath(),
		subscriberBuffer: defaultSubscriberBuffer,
		retainedRuns:     defaultRetainedRuns,
		streams:          map[string]*runStream{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.inbox == nil {
		s.inbox = engine.NewInbox()
	}
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"Content-Length", "Content-Type"},
	})
	s.registerRoutes()
	s.handler = c.Handler(s.router)
	return s
}

// Handler returns the http.Handler for the server. CORS pre-flight
// requests are answered before routing.
func (s *Server) Handler() http.Handler { return s.handler }

// Host returns the host workflows suspend on.
func (s *Server) Host() engine.Host { return s.inbox }

// Inbox returns the inbox behind the server.
func (s *Server) Inbox() *engine.Inbox { return s.inbox }

// CallbackBaseURL is the base handed to workflow.WithCallbackBaseURL.
func (s *Server) CallbackBaseURL() string { return s.baseURL + PathPrefix }

func (s *Server) registerRoutes() {
	s.router.HandleFunc(PathPrefix+"/{runId}", s.handleListPending).Methods(http.MethodGet)
	s.router.HandleFunc(PathPrefix+"/{runId}/{nodeId}", s.handleFulfill).Methods(http.MethodPost)
	s.router.HandleFunc("/runs/{runId}/events", s.handleEvents).Methods(http.MethodGet)
}

func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	runID := pathVar(r, "runId")
	reqs := s.inbox.Pending(runID)
	out := make([]Pending, 0, len(reqs))
	for _, req := range reqs {
		out = append(out, Pending{
			RunID:       req.RunID,
			NodeID:      req.NodeID,
			Kind:        req.Kind,
			CallbackURL: req.CallbackURL,
			TimeoutAt:   req.TimeoutAt,
			Tool:        req.Announced,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleFulfill delivers the JSON body as the value of a suspended node.
// With the X-Callback-Error header set the node fails instead; the "error"
// field of the body, or the header value, is the failure message.
func (s *Server) handleFulfill(w http.ResponseWriter, r *http.Request) {
	runID, nodeID := pathVar(r, "runId"), pathVar(r, "nodeId")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
		return
	}
	var value any
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &value); err != nil {
			http.Error(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
			return
		}
	}
	if r.Header.Get("X-Callback-Error") != "" {
		msg := r.Header.Get("X-Callback-Error")
		if m, ok := value.(map[string]any); ok {
			if text, ok := m["error"].(string); ok && text != "" {
				msg = text
			}
		}
		err = s.inbox.Fail(runID, nodeID, errors.New(msg))
	} else {
		err = s.inbox.Fulfill(runID, nodeID, value)
	}
	if errors.Is(err, engine.ErrAlreadyFulfilled) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if errors.Is(err, engine.ErrInboxFull) {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	log.Debugf("callback: delivered value for %s/%s", runID, nodeID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	runID := pathVar(r, "runId")
	sse, err := event.NewSSESink(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	history, ch, cancel := s.subscribe(runID)
	defer cancel()
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	ctx := r.Context()
	for _, msg := range history {
		if err := sse.Send(ctx, msg); err != nil {
			return
		}
		if msg.Type.Terminal() {
			return
		}
	}
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if err := sse.Send(ctx, msg); err != nil {
				log.Debugf("callback: event stream of run %s closed: %v", runID, err)
				return
			}
			if msg.Type.Terminal() {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// Sink returns the event sink that feeds the event streams of the server.
// Messages are routed by their run id.
func (s *Server) Sink() event.Sink {
	return event.SinkFunc(s.publish)
}

// pathVar returns a decoded route variable. Routes match on the encoded
// path so that ids containing "/" stay in one segment.
func pathVar(r *http.Request, key string) string {
	v := mux.Vars(r)[key]
	if dec, err := url.PathUnescape(v); err == nil {
		return dec
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
