// Package web is the thin HTTP surface over the schedule repository layer.
// It is a consumer of the repository contract: fetch-on-range-change, error
// classification and the read-only signal all live behind /api handlers.
package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"carecal/internal/config"
	"carecal/internal/ics"
	appLog "carecal/internal/log"
	"carecal/internal/poller"
	"carecal/internal/repo"
	"carecal/internal/schedule"
	"carecal/internal/schedule/faults"
)

// Server provides HTTP APIs for schedule access.
type Server struct {
	cfg      *config.Config
	provider *repo.Provider
	poller   *poller.Poller
	mux      *http.ServeMux
}

// NewServer constructs a new Server. poller may be nil (tests).
func NewServer(cfg *config.Config, provider *repo.Provider, p *poller.Poller) *Server {
	s := &Server{
		cfg:      cfg,
		provider: provider,
		poller:   p,
		mux:      http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty username or password counts as disabled.
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware wraps all handlers except /health.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="carecal", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// StartServer starts an HTTP server bound to cfg.Listen.
func StartServer(ctx context.Context, cfg *config.Config, provider *repo.Provider, p *poller.Poller) error {
	s := NewServer(cfg, provider, p)
	srv := &http.Server{Addr: cfg.Listen, Handler: s.Handler()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	appLog.Info("starting HTTP server", "listen", "http://"+cfg.Listen)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/schedule", s.handleSchedule)
	s.mux.HandleFunc("/api/schedule/", s.handleScheduleItem)
	s.mux.HandleFunc("/api/schedule.ics", s.handleFeed)
	s.mux.HandleFunc("/api/status", s.handleStatus)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleSchedule serves the collection:
//
//	GET  /api/schedule?from=RFC3339&to=RFC3339
//	POST /api/schedule
func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleList(w, r)
	case http.MethodPost:
		s.handleCreate(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	rng, err := parseRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	items, err := s.repository(r).List(r.Context(), rng)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, listResponse{
		Items: items,
		Range: rng,
	})
}

// repository resolves the backend for one request. An owner query parameter
// re-scopes visibility filtering to that user.
func (s *Server) repository(r *http.Request) schedule.Repository {
	if owner := r.URL.Query().Get("owner"); owner != "" {
		return s.provider.Repository(repo.WithOwner(owner))
	}
	return s.provider.Repository()
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var in schedule.CreateScheduleInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	item, err := s.provider.Repository().Create(r.Context(), in)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

// handleScheduleItem serves one entry:
//
//	PATCH  /api/schedule/{id}
//	DELETE /api/schedule/{id}
func (s *Server) handleScheduleItem(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/schedule/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodPatch:
		var in schedule.UpdateScheduleInput
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		in.ID = id
		if etag := r.Header.Get("If-Match"); etag != "" {
			in.ETag = etag
		}

		item, err := s.provider.Repository().Update(r.Context(), in)
		if err != nil {
			s.writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, item)

	case http.MethodDelete:
		if err := s.provider.Repository().Remove(r.Context(), id); err != nil {
			s.writeFailure(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleFeed serves the roster as an iCalendar subscription.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rng, err := parseRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	items, err := s.repository(r).List(r.Context(), rng)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(ics.Export(items, time.Now()))
}

// statusResponse reports whether the consumer should be read-only and why.
type statusResponse struct {
	ReadOnly bool                   `json:"readOnly"`
	Fault    *faults.Classification `json:"fault,omitempty"`
}

// handleStatus surfaces the poller's latest classification so the UI can
// show its banner without issuing a failing request of its own.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{}
	if !s.cfg.WritesEnabled {
		resp.ReadOnly = true
		c := faults.Classify(schedule.ErrWriteDisabled)
		resp.Fault = &c
	} else if s.poller != nil {
		if c := s.poller.LastFault(); c != nil {
			resp.Fault = c
			resp.ReadOnly = faults.ReadOnly(c.Kind)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// listResponse is the JSON shape for GET /api/schedule.
type listResponse struct {
	Items []schedule.ScheduleItem `json:"items"`
	Range schedule.DateRange      `json:"range"`
}

// parseRange reads from/to query parameters; absent values default to a
// two-week window starting yesterday.
func parseRange(r *http.Request) (schedule.DateRange, error) {
	q := r.URL.Query()
	now := time.Now().UTC()

	rng := schedule.DateRange{
		From: now.Add(-24 * time.Hour),
		To:   now.Add(14 * 24 * time.Hour),
	}

	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return schedule.DateRange{}, errors.New("from must be RFC3339")
		}
		rng.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return schedule.DateRange{}, errors.New("to must be RFC3339")
		}
		rng.To = t
	}
	if !rng.From.Before(rng.To) {
		return schedule.DateRange{}, errors.New("from must be before to")
	}
	return rng, nil
}

// conflictResponse targets the reload/merge flow at one entry.
type conflictResponse struct {
	Error string `json:"error"`
	ID    string `json:"id"`
}

// writeFailure maps repository errors onto HTTP responses. Conflicts and
// validation failures keep their specific shapes; everything else goes
// through the classifier.
func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	if faults.IsCancelled(err) {
		if r.Context().Err() != nil {
			// Client went away or the request was superseded; nothing to send.
			return
		}
		// The backend timed out while the client is still waiting.
		writeError(w, http.StatusGatewayTimeout, "schedule backend timed out")
		return
	}

	var conflict *schedule.ConflictError
	if errors.As(err, &conflict) {
		writeJSON(w, http.StatusConflict, conflictResponse{Error: conflict.Error(), ID: conflict.ID})
		return
	}
	var invalid *schedule.ValidationError
	if errors.As(err, &invalid) {
		writeError(w, http.StatusBadRequest, invalid.Error())
		return
	}
	var missing *schedule.NotFoundError
	if errors.As(err, &missing) {
		writeError(w, http.StatusNotFound, missing.Error())
		return
	}

	c := faults.Classify(err)
	appLog.Error("api request failed", err, "path", r.URL.Path, "kind", string(c.Kind))
	writeJSON(w, httpStatusFor(c.Kind), struct {
		Fault    faults.Classification `json:"fault"`
		ReadOnly bool                  `json:"readOnly"`
	}{Fault: c, ReadOnly: faults.ReadOnly(c.Kind)})
}

func httpStatusFor(k faults.Kind) int {
	switch k {
	case faults.KindAuthRequired:
		return http.StatusUnauthorized
	case faults.KindListMissing:
		return http.StatusNotFound
	case faults.KindWriteDisabled:
		return http.StatusForbidden
	case faults.KindThrottled:
		return http.StatusServiceUnavailable
	case faults.KindNetworkError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
