package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashfox/meshgate/internal/auth"
	"github.com/ashfox/meshgate/internal/config"
	"github.com/ashfox/meshgate/internal/dispatch"
	"github.com/ashfox/meshgate/internal/eventlog"
	"github.com/ashfox/meshgate/internal/lock"
	"github.com/ashfox/meshgate/internal/logger"
	"github.com/ashfox/meshgate/internal/metrics"
	"github.com/ashfox/meshgate/internal/session"
)

// Options carries the collaborators the MCP server is wired from.
type Options struct {
	Sessions   *session.Store
	Registry   *Registry
	Resolver   *Resolver
	Dispatcher *dispatch.Dispatcher
	Resources  ResourceStore
	Events     *eventlog.Log
	AuthStore  *auth.Store
	Limiter    *auth.RateLimiter
	Locks      *lock.Manager

	// Capabilities builds the envelope returned by initialize; usually
	// the default backend's Capabilities method.
	Capabilities func() map[string]any

	Instructions string
}

// Server hosts the MCP endpoint plus health and metrics.
type Server struct {
	cfg        *config.Config
	sessions   *session.Store
	router     *Router
	authn      *auth.Authenticator
	limiter    *auth.RateLimiter
	locks      *lock.Manager
	events     *eventlog.Log
	httpServer *http.Server
}

// NewServer wires the transport. The event log's appends are fanned out
// to every session's SSE streams from here.
func NewServer(cfg *config.Config, opts Options) *Server {
	limiter := opts.Limiter
	if limiter == nil {
		limiter = auth.NewRateLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst)
	}

	s := &Server{
		cfg:      cfg,
		sessions: opts.Sessions,
		router:   NewRouter(opts.Sessions, opts.Registry, opts.Resolver, opts.Dispatcher, opts.Resources, opts.Capabilities, opts.Instructions),
		authn:    auth.NewAuthenticator(opts.AuthStore),
		limiter:  limiter,
		locks:    opts.Locks,
		events:   opts.Events,
	}
	if opts.Events != nil {
		opts.Events.Watch(s.fanOutEvent)
	}
	return s
}

// Handler builds the full HTTP surface. Health, readiness, and metrics
// stay unauthenticated; the MCP path runs the middleware chain.
func (s *Server) Handler() http.Handler {
	mcpHandler := s.requestLogging(http.HandlerFunc(s.handleMCP))
	authed := auth.Middleware(s.authn)(mcpHandler)
	limited := auth.RateLimitMiddleware(s.limiter)(authed)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle(s.cfg.MCPPath, metrics.Middleware(limited))
	mux.Handle(s.cfg.MCPPath+"/", metrics.Middleware(limited))
	return mux
}

// Serve runs the HTTP server until ctx is canceled, then shuts down
// gracefully with a deadline.
func (s *Server) Serve(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("meshgate listening on %s (MCP at %s)", s.cfg.Addr(), s.cfg.MCPPath)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info("shutting down MCP server")
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down cleanly: %w", err)
		}
		return nil
	}
}

func (s *Server) requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()[:8]
		}
		w.Header().Set("X-Request-ID", requestID)

		ctx := context.WithValue(r.Context(), logger.ContextKeyRequestID, requestID)
		logger.Info("HTTP %s %s from %s [request_id=%s]", r.Method, r.URL.Path, r.RemoteAddr, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","sessions":%d}`, s.sessions.Count())
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"status":"ready"}`)
}

func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handlePost(w, r)
	case http.MethodGet:
		if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
			s.handleSSE(w, r)
			return
		}
		writeTransportError(w, http.StatusMethodNotAllowed, CodeInvalidRequest, "GET requires Accept: text/event-stream")
	case http.MethodDelete:
		s.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "POST, GET, DELETE")
		writeTransportError(w, http.StatusMethodNotAllowed, CodeInvalidRequest, "method not allowed")
	}
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); !strings.Contains(ct, "application/json") {
		writeTransportError(w, http.StatusBadRequest, CodeInvalidRequest, "Content-Type must be application/json")
		return
	}

	body, err := readBody(w, r, s.cfg.MaxBodyBytes)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeTransportError(w, http.StatusRequestEntityTooLarge, CodeInvalidRequest,
				fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			return
		}
		writeTransportError(w, http.StatusBadRequest, CodeParseError, "failed to read request body")
		return
	}

	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse(nil, CodeParseError, "Parse error", nil))
		return
	}

	if trimmed[0] == '[' {
		s.handleBatch(w, r, trimmed)
		return
	}

	var req Request
	if err := json.Unmarshal(trimmed, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(nil, CodeParseError, "Parse error", nil))
		return
	}

	resp, status := s.route(w, r, &req)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSON(w, status, resp)
}

// handleBatch serves a JSON-RPC batch: one response entry per non-
// notification request, always with HTTP 200.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request, body []byte) {
	var reqs []*Request
	if err := json.Unmarshal(body, &reqs); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse(nil, CodeParseError, "Parse error", nil))
		return
	}
	if len(reqs) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse(nil, CodeInvalidRequest, "empty batch", nil))
		return
	}

	responses := make([]*Response, 0, len(reqs))
	for _, req := range reqs {
		resp, _ := s.route(w, r, req)
		if resp != nil && !req.IsNotification() {
			responses = append(responses, resp)
		}
	}
	if len(responses) == 0 {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSON(w, http.StatusOK, responses)
}

// route resolves authentication and session state for one request and
// hands it to the router.
func (s *Server) route(w http.ResponseWriter, r *http.Request, req *Request) (*Response, int) {
	if req.JSONRPC != "2.0" {
		return errorResponse(req.ID, CodeInvalidRequest, "jsonrpc must be \"2.0\"", nil), http.StatusBadRequest
	}

	ctx := r.Context()
	principal := auth.PrincipalFromContext(ctx)

	if req.Method == "initialize" {
		resp, sess, status := s.router.Initialize(ctx, principal, req)
		if sess != nil {
			w.Header().Set("Mcp-Session-Id", sess.ID)
		}
		return resp, status
	}

	sess, errResp, status := s.resolveSession(r, req)
	if errResp != nil {
		return errResp, status
	}
	s.sessions.Touch(sess)
	return s.router.Dispatch(ctx, sess, req)
}

func (s *Server) resolveSession(r *http.Request, req *Request) (*session.Session, *Response, int) {
	id := r.Header.Get("Mcp-Session-Id")
	if id == "" {
		return nil, errorResponse(req.ID, CodeInvalidRequest, "Mcp-Session-Id required", nil), http.StatusBadRequest
	}
	sess := s.sessions.Get(id)
	if sess == nil {
		return nil, errorResponse(req.ID, CodeInvalidRequest, "Unknown session", nil), http.StatusNotFound
	}
	if pv := r.Header.Get("MCP-Protocol-Version"); pv != "" && pv != sess.ProtocolVersion {
		return nil, errorResponse(req.ID, CodeInvalidRequest, "MCP-Protocol-Version mismatch", nil), http.StatusBadRequest
	}
	return sess, nil, 0
}

// handleDelete tears down a session explicitly and releases any project
// locks it still owns.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get("Mcp-Session-Id")
	if id == "" {
		writeTransportError(w, http.StatusBadRequest, CodeInvalidRequest, "Mcp-Session-Id required")
		return
	}
	sess := s.sessions.Remove(id)
	if sess == nil {
		writeTransportError(w, http.StatusNotFound, CodeInvalidRequest, "Unknown session")
		return
	}
	if s.locks != nil {
		if released := s.locks.ReleaseByOwner(sess.AgentID, sess.ID); released > 0 {
			logger.Info("released %d lock(s) held by session %s", released, sess.ID)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	defer r.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("failed to write response: %v", err)
	}
}

func writeTransportError(w http.ResponseWriter, status, code int, message string) {
	writeJSON(w, status, errorResponse(nil, code, message, nil))
}
