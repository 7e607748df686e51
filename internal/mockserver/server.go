package mockserver

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/thruflo/mpcwatch/internal/jobs"
	"github.com/thruflo/mpcwatch/internal/logging"
	"github.com/thruflo/mpcwatch/internal/stream"
)

// Config holds server configuration options.
type Config struct {
	// Addr is the listen address, e.g. ":8480". Port 0 picks a free port.
	Addr string
	// Token is the accepted credential. Empty accepts any non-empty token.
	Token string
	// Script overrides DefaultScript.
	Script []string
	// Jobs restricts the server to these ids. Empty admits any id.
	Jobs []string
	// AdvanceOnPoll moves a job one step each time its status is fetched.
	AdvanceOnPoll bool
	// StepInterval advances every job on a timer while the server runs.
	StepInterval time.Duration
	// HealthInterval broadcasts a health report on a timer.
	HealthInterval time.Duration
	RateLimit      RateLimitConfig
	Logger         *logging.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

// Server is a scripted job service.
type Server struct {
	cfg      Config
	registry *registry
	hub      *hub
	limiter  *authLimiter
	upgrader websocket.Upgrader
	router   chi.Router
	logger   *logging.Logger
	now      func() time.Time

	mu       sync.RWMutex
	server   *http.Server
	listener net.Listener
	started  bool
}

// New creates a Server.
func New(cfg Config) *Server {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.RateLimit == (RateLimitConfig{}) {
		cfg.RateLimit = DefaultRateLimitConfig()
	}
	logger := logging.OrDefault(cfg.Logger).With("component", "mockserver")
	s := &Server{
		cfg:      cfg,
		registry: newRegistry(cfg.Script, cfg.Jobs, cfg.Now),
		hub:      newHub(logger),
		limiter:  newAuthLimiter(cfg.RateLimit, cfg.Now),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger,
		now:    cfg.Now,
	}
	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler, for use with httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.withAuth)

	r.Get("/ws", s.handleWS)
	r.Route("/jobs/{id}", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/export", s.handleExport)
	})
	r.Route("/admin", func(r chi.Router) {
		r.Post("/jobs/{id}", s.handleSetJob)
		r.Post("/notice", s.handleNotice)
		r.Post("/health", s.handleHealth)
		r.Post("/reconnect", s.handleReconnect)
	})
	return r
}

// Start listens and serves until ctx is canceled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("server already started")
	}
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = listener
	s.server = &http.Server{
		Handler:     s.router,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	s.started = true
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.runTimers(ctx)
	go func() {
		<-ctx.Done()
		_ = s.Stop()
	}()

	s.logger.Info("mock server listening", "addr", listener.Addr().String())
	err = s.server.Serve(listener)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.server == nil {
		return nil
	}
	s.hub.close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	s.started = false
	return nil
}

// ListenAddr returns the address the server is listening on, or "" if it
// has not started.
func (s *Server) ListenAddr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Clients returns the number of connected push channels.
func (s *Server) Clients() int {
	return s.hub.count()
}

// Job returns the server-side state of a job, creating it if admissible.
func (s *Server) Job(id string) (Job, bool) {
	return s.registry.lookup(id)
}

// Advance moves a job one step along its script and pushes the change.
func (s *Server) Advance(id string) (Job, bool) {
	j, changed := s.registry.advance(id)
	if changed {
		s.publish(j)
	}
	return j, changed
}

// SetStatus forces a job's status and pushes the change.
func (s *Server) SetStatus(id, status, errorMessage string) (Job, bool) {
	j, ok := s.registry.set(id, status, errorMessage)
	if ok {
		s.publish(j)
	}
	return j, ok
}

// Notice broadcasts a notice to every channel.
func (s *Server) Notice(message, level string) {
	s.broadcast(stream.MessageTypeBroadcastNotice, stream.Notice{Message: message, Level: level})
}

// Health broadcasts a health report.
func (s *Server) Health(report map[string]any) {
	s.broadcast(stream.MessageTypeHealthReport, report)
}

// RequestReconnect asks every channel to reconnect.
func (s *Server) RequestReconnect(reason string) {
	s.broadcast(stream.MessageTypeReconnectRequest, stream.ReconnectRequest{Reason: reason})
}

// publish pushes a job change, followed by its result once completed.
func (s *Server) publish(j Job) {
	s.logger.Debug("job changed", "job", j.ID, "status", j.Status)
	s.broadcast(stream.MessageTypeJobUpdate, j.payload())
	if jobs.Normalize(j.Status) == jobs.StatusCompleted && len(j.Result) > 0 {
		s.broadcast(stream.MessageTypeAggregationResult, stream.AggregationResultPayload{JobID: j.ID, Result: j.Result})
	}
}

func (s *Server) broadcast(t stream.MessageType, data any) {
	f, err := stream.NewFrame(t, data, s.now())
	if err != nil {
		s.logger.Error("failed to build frame", "type", t, "error", err)
		return
	}
	s.hub.broadcast(f)
}

func (s *Server) runTimers(ctx context.Context) {
	var step, health <-chan time.Time
	if s.cfg.StepInterval > 0 {
		t := time.NewTicker(s.cfg.StepInterval)
		defer t.Stop()
		step = t.C
	}
	if s.cfg.HealthInterval > 0 {
		t := time.NewTicker(s.cfg.HealthInterval)
		defer t.Stop()
		health = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-step:
			for _, j := range s.registry.advanceAll() {
				s.publish(j)
			}
		case <-health:
			s.Health(map[string]any{"status": "ok", "clients": s.hub.count()})
		}
	}
}

// withAuth checks the bearer token, or the token query parameter used by
// the push channel.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := extractIP(r)
		if ok, retryAfter := s.limiter.check(ip); !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
			http.Error(w, "too many failed attempts", http.StatusTooManyRequests)
			return
		}

		token := r.URL.Query().Get("token")
		if header := r.Header.Get("Authorization"); header != "" {
			const bearerPrefix = "Bearer "
			if !strings.HasPrefix(header, bearerPrefix) {
				http.Error(w, "invalid authorization format", http.StatusUnauthorized)
				return
			}
			token = strings.TrimPrefix(header, bearerPrefix)
		}
		if token == "" {
			http.Error(w, "authorization required", http.StatusUnauthorized)
			return
		}
		if s.cfg.Token != "" && token != s.cfg.Token {
			if d := s.limiter.recordFailure(ip); d > 0 {
				s.logger.Warn("client blocked", "ip", ip, "duration", d)
			}
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		s.limiter.recordSuccess(ip)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.cfg.AdvanceOnPoll && s.registry.exists(id) {
		s.Advance(id)
	}
	j, ok := s.registry.lookup(id)
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, j.statusResponse())
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Format string `json:"format"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON", http.StatusBadRequest)
			return
		}
	}
	if req.Format == "" {
		req.Format = "json"
	}

	j, ok := s.registry.lookup(id)
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if jobs.Normalize(j.Status) != jobs.StatusCompleted {
		http.Error(w, "job has no result yet", http.StatusConflict)
		return
	}

	var (
		body        []byte
		contentType string
		err         error
	)
	switch req.Format {
	case "json":
		body, contentType = j.Result, "application/json"
	case "csv":
		body, err = resultCSV(j.Result)
		contentType = "text/csv"
	default:
		http.Error(w, "unsupported format "+req.Format, http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, "failed to export result", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="job-%s-result.%s"`, id, req.Format))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := s.hub.add(conn)
	defer s.hub.remove(c)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		f, err := stream.UnmarshalFrame(data)
		if err != nil {
			s.logger.Debug("ignoring malformed client frame", "error", err)
			continue
		}
		switch f.Type {
		case stream.MessageTypePing:
			err = c.send(stream.Frame{Type: stream.MessageTypePong, EchoedTime: f.ClientTime})
		case stream.MessageTypeGetSnapshot:
			err = s.sendSnapshot(c)
		default:
			s.logger.Debug("ignoring client frame", "type", f.Type)
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) sendSnapshot(c *client) error {
	list := s.registry.snapshot()
	payload := stream.SnapshotPayload{Jobs: make([]stream.JobPayload, len(list))}
	for i, j := range list {
		payload.Jobs[i] = j.payload()
	}
	f, err := stream.NewFrame(stream.MessageTypeJobListSnapshot, payload, s.now())
	if err != nil {
		return err
	}
	return c.send(f)
}

func (s *Server) handleSetJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status       string `json:"status"`
		ErrorMessage string `json:"error_message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Status == "" {
		http.Error(w, "status is required", http.StatusBadRequest)
		return
	}
	j, ok := s.SetStatus(chi.URLParam(r, "id"), req.Status, req.ErrorMessage)
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, j.statusResponse())
}

func (s *Server) handleNotice(w http.ResponseWriter, r *http.Request) {
	var req stream.Notice
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		http.Error(w, "message is required", http.StatusBadRequest)
		return
	}
	s.Notice(req.Message, req.Level)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := map[string]any{}
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	s.Health(report)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	var req stream.ReconnectRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON", http.StatusBadRequest)
			return
		}
	}
	s.RequestReconnect(req.Reason)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// resultCSV flattens a result object into key,value rows with dotted keys.
func resultCSV(result json.RawMessage) ([]byte, error) {
	var v any
	if err := json.Unmarshal(result, &v); err != nil {
		return nil, err
	}
	rows := map[string]string{}
	flatten("", v, rows)
	keys := make([]string, 0, len(rows))
	for k := range rows {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	_ = cw.Write([]string{"key", "value"})
	for _, k := range keys {
		_ = cw.Write([]string{k, rows[k]})
	}
	cw.Flush()
	return buf.Bytes(), cw.Error()
}

func flatten(prefix string, v any, out map[string]string) {
	switch v := v.(type) {
	case map[string]any:
		for k, child := range v {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			flatten(key, child, out)
		}
	case []any:
		for i, child := range v {
			flatten(prefix+"."+strconv.Itoa(i), child, out)
		}
	default:
		if prefix == "" {
			prefix = "value"
		}
		out[prefix] = fmt.Sprint(v)
	}
}
