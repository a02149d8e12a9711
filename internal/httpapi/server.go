// Package httpapi serves the tree API over REST and the relay protocol
// over websockets.
package httpapi

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/rectangular-labs/workspacesync/internal/logging"
	"github.com/rectangular-labs/workspacesync/internal/metrics"
	"github.com/rectangular-labs/workspacesync/internal/pipeline"
	"github.com/rectangular-labs/workspacesync/internal/relay"
	"github.com/rectangular-labs/workspacesync/internal/room"
	"github.com/rectangular-labs/workspacesync/internal/schedule"
	"github.com/rectangular-labs/workspacesync/internal/workspace"
)

// DevSecret signs and checks tokens when ServerConfig.JWTSecret is empty.
// It is only fit for local development.
const DevSecret = "dev-secret"

type ServerConfig struct {
	JWTSecret string
	// RateLimitPerSecond is the sustained request rate allowed per room
	// and agent; zero disables limiting.
	RateLimitPerSecond float64
	RateLimitBurst     int
	MaxBodyBytes       int64
	MaxFrameBytes      int64
	PingInterval       time.Duration
	SendBuffer         int
	AllowedOrigins     []string
}

type Server struct {
	service  *workspace.Service
	registry *room.Registry
	relay    *relay.Relay
	cfg      ServerConfig
	schemas  *schemas
	router   chi.Router

	limitMu  sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewServer(service *workspace.Service, registry *room.Registry, rl *relay.Relay, cfg ServerConfig) (*Server, error) {
	if cfg.JWTSecret == "" {
		logging.Warn("no JWT secret configured; tokens are checked against the development secret")
		cfg.JWTSecret = DevSecret
	}
	if cfg.RateLimitPerSecond < 0 {
		cfg.RateLimitPerSecond = 0
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = int(math.Max(1, math.Ceil(cfg.RateLimitPerSecond)))
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = 4 << 20
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	compiled, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	s := &Server{
		service:  service,
		registry: registry,
		relay:    rl,
		cfg:      cfg,
		schemas:  compiled,
		limiters: map[string]*rate.Limiter{},
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(logging.Middleware)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", metrics.Handler())

	r.With(s.authenticate(ScopeSync, false)).Get("/v1/sync", s.instrument("sync", s.handleSync))

	r.Route("/v1/rooms/{tenant}/{workspace}", func(r chi.Router) {
		r.With(s.authenticate(ScopeRead, true)).Get("/fs/tree", s.instrument("tree", s.handleTree))
		r.With(s.authenticate(ScopeRead, true)).Get("/fs/file", s.instrument("read_file", s.handleReadFile))
		r.With(s.authenticate(ScopeWrite, true)).Put("/fs/file", s.instrument("write_file", s.handleWriteFile))
		r.With(s.authenticate(ScopeWrite, true)).Delete("/fs/file", s.instrument("delete_file", s.handleDeleteFile))
		r.With(s.authenticate(ScopeWrite, true)).Post("/fs/move", s.instrument("move", s.handleMove))
		r.With(s.authenticate(ScopeRead, true)).Get("/state", s.instrument("room_state", s.handleRoomState))
	})

	r.Route("/v1/admin", func(r chi.Router) {
		r.Use(s.authenticate(ScopeAdmin, false))
		r.Get("/rooms", s.instrument("admin_rooms", s.handleAdminRooms))
		r.Post("/flush", s.instrument("admin_flush", s.handleAdminFlush))
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", logging.GetRequestID(r.Context()))
	})
	return r
}

func (s *Server) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		metrics.RecordHTTPRequest(r.Method, route, rec.status, time.Since(start))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack is required by the websocket upgrade on /v1/sync.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// authenticate checks the bearer token and, when roomScoped, that it
// grants the room named by the URL. It also applies the rate limit.
func (s *Server) authenticate(scope string, roomScoped bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := logging.GetRequestID(r.Context())
			var key *room.Key
			if roomScoped {
				parsed, err := roomKey(r)
				if err != nil {
					writeError(w, http.StatusBadRequest, "bad_request", err.Error(), requestID)
					return
				}
				key = &parsed
			}
			claims, authErr := authorizeBearer(bearerToken(r), s.cfg.JWTSecret, key, scope, time.Now().UTC())
			if authErr != nil {
				writeError(w, authErr.status, authErr.code, authErr.message, requestID)
				return
			}
			limitKey := claims.Tenant + "|" + claims.AgentName
			if key != nil {
				limitKey = key.String() + "|" + claims.AgentName
			}
			if !s.allow(limitKey) {
				retryAfter := int(math.Ceil(1 / s.cfg.RateLimitPerSecond))
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", requestID)
				return
			}
			next.ServeHTTP(w, r.WithContext(withClaims(r.Context(), claims)))
		})
	}
}

func (s *Server) allow(key string) bool {
	if s.cfg.RateLimitPerSecond == 0 {
		return true
	}
	s.limitMu.Lock()
	limiter, ok := s.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.RateLimitPerSecond), s.cfg.RateLimitBurst)
		s.limiters[key] = limiter
	}
	s.limitMu.Unlock()
	return limiter.Allow()
}

func roomKey(r *http.Request) (room.Key, error) {
	key := room.Key{
		Tenant:    chi.URLParam(r, "tenant"),
		Workspace: chi.URLParam(r, "workspace"),
		Scope:     r.URL.Query().Get("scope"),
	}
	return key, key.Validate()
}

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	key, _ := roomKey(r)
	path := r.URL.Query().Get("path")
	if path == "" {
		path = "/"
	}
	writeResult(w, s.service.List(r.Context(), key, path))
}

func (s *Server) handleReadFile(w http.ResponseWriter, r *http.Request) {
	key, _ := roomKey(r)
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing path query", logging.GetRequestID(r.Context()))
		return
	}
	writeResult(w, s.service.Read(r.Context(), key, path, r.URL.Query().Get("contentKey")))
}

type writeBody struct {
	Path            string           `json:"path"`
	Content         *string          `json:"content"`
	CreateIfMissing bool             `json:"createIfMissing"`
	ContentKey      string           `json:"contentKey"`
	Metadata        []pipeline.Entry `json:"metadata"`
	Context         struct {
		UserID  string       `json:"userId"`
		Cadence *cadenceBody `json:"cadence"`
	} `json:"context"`
}

type cadenceBody struct {
	Period      string   `json:"period"`
	Frequency   int      `json:"frequency"`
	AllowedDays []string `json:"allowedDays"`
}

// cadence converts without validating; an unusable cadence is reported by
// the pipeline as a configuration failure.
func (c *cadenceBody) cadence() (*schedule.Cadence, error) {
	if c == nil {
		return nil, nil
	}
	out := &schedule.Cadence{Period: schedule.Period(c.Period), Frequency: c.Frequency}
	for _, raw := range c.AllowedDays {
		day, err := schedule.ParseWeekday(raw)
		if err != nil {
			return nil, err
		}
		out.AllowedDays = append(out.AllowedDays, day)
	}
	return out, nil
}

func (s *Server) handleWriteFile(w http.ResponseWriter, r *http.Request) {
	requestID := logging.GetRequestID(r.Context())
	key, _ := roomKey(r)
	raw, ok := s.readRequestBody(w, r, requestID)
	if !ok {
		return
	}
	if err := validateBody(s.schemas.write, raw); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), requestID)
		return
	}
	var body writeBody
	if err := json.Unmarshal(raw, &body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", requestID)
		return
	}
	cadence, err := body.Context.Cadence.cadence()
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), requestID)
		return
	}
	userID := body.Context.UserID
	if userID == "" {
		userID = claimsFrom(r.Context()).Subject
	}
	writeResult(w, s.service.Write(r.Context(), key, pipeline.Request{
		Path:            body.Path,
		Content:         body.Content,
		CreateIfMissing: body.CreateIfMissing,
		ContentKey:      body.ContentKey,
		Metadata:        body.Metadata,
		Context: pipeline.Context{
			OrganizationID: key.Tenant,
			ProjectID:      key.Workspace,
			UserID:         userID,
			Cadence:        cadence,
		},
	}))
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	key, _ := roomKey(r)
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing path query", logging.GetRequestID(r.Context()))
		return
	}
	recursive, _ := strconv.ParseBool(r.URL.Query().Get("recursive"))
	writeResult(w, s.service.Delete(r.Context(), key, path, recursive))
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	requestID := logging.GetRequestID(r.Context())
	key, _ := roomKey(r)
	raw, ok := s.readRequestBody(w, r, requestID)
	if !ok {
		return
	}
	if err := validateBody(s.schemas.move, raw); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), requestID)
		return
	}
	var body struct {
		From string `json:"from"`
		To   string `json:"to"`
	}
	_ = json.Unmarshal(raw, &body)
	writeResult(w, s.service.Move(r.Context(), key, body.From, body.To))
}

type roomStateView struct {
	Room      string     `json:"room"`
	Loaded    bool       `json:"loaded"`
	Dirty     bool       `json:"dirty"`
	Version   uint64     `json:"version"`
	Peers     int        `json:"peers"`
	LastSaved *time.Time `json:"lastSaved,omitempty"`
}

func stateView(rm *room.Room) roomStateView {
	state := rm.State()
	view := roomStateView{
		Room:    rm.Key().String(),
		Loaded:  true,
		Dirty:   state.Dirty,
		Version: state.Version,
		Peers:   state.Peers,
	}
	if !state.LastSaved.IsZero() {
		saved := state.LastSaved
		view.LastSaved = &saved
	}
	return view
}

func (s *Server) handleRoomState(w http.ResponseWriter, r *http.Request) {
	key, _ := roomKey(r)
	rm, ok := s.registry.Lookup(key)
	if !ok {
		writeJSON(w, http.StatusOK, roomStateView{Room: key.String()})
		return
	}
	writeJSON(w, http.StatusOK, stateView(rm))
}

func (s *Server) handleAdminRooms(w http.ResponseWriter, _ *http.Request) {
	rooms := s.registry.Rooms()
	views := make([]roomStateView, 0, len(rooms))
	for _, rm := range rooms {
		views = append(views, stateView(rm))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rooms":          views,
		"pendingBatches": s.relay.PendingBatches(),
	})
}

func (s *Server) handleAdminFlush(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.FlushAll(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "flush_failed", err.Error(), logging.GetRequestID(r.Context()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"flushed": len(s.registry.Rooms())})
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, requestID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", requestID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", requestID)
		return nil, false
	}
	return body, true
}

// resultStatus maps a tree API result onto an HTTP status. The body is
// always the Result itself.
func resultStatus(result workspace.Result) int {
	if result.Success {
		return http.StatusOK
	}
	switch result.Code {
	case workspace.CodeNotFound:
		return http.StatusNotFound
	case workspace.CodeNotADirectory, workspace.CodeNotAFile, workspace.CodeNotEmpty, workspace.CodeCapacityExhausted:
		return http.StatusConflict
	case workspace.CodeValidation:
		return http.StatusBadRequest
	case workspace.CodeConfiguration:
		return http.StatusUnprocessableEntity
	case workspace.CodeUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeResult(w http.ResponseWriter, result workspace.Result) {
	writeJSON(w, resultStatus(result), result)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, requestID string) {
	writeJSON(w, status, map[string]any{
		"code":      code,
		"message":   message,
		"requestId": requestID,
	})
}

