package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"flamcal/internal/calendar"
	"flamcal/internal/clock"
	"flamcal/internal/config"
	"flamcal/internal/conflict"
	"flamcal/internal/ics"
	appLog "flamcal/internal/log"
	"flamcal/internal/metrics"
	"flamcal/internal/model"
)

const maxRequestBody = 1 << 20

type Options struct {
	Listen    string
	BasicAuth *config.BasicAuthConfig
	// CacheSize is the number of expanded windows kept in memory.
	CacheSize int
	WeekStart time.Weekday
	// Name is the calendar name in /calendar.ics.
	Name     string
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	// Clock picks the month shown when /api/occurrences has no window.
	Clock clock.Clock
}

// Server exposes the calendar over a JSON API.
type Server struct {
	cal  *calendar.Calendar
	opts Options
	mux  *http.ServeMux

	// 전개 결과 캐시. 키에 calendar 버전이 들어가므로 변경이 생기면
	// 이전 항목은 자연스럽게 더 이상 조회되지 않는다.
	occCache *lru.Cache[string, occurrencesResponse]
}

func NewServer(cal *calendar.Calendar, opts Options) (*Server, error) {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 64
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{Location: cal.Location()}
	}
	cache, err := lru.New[string, occurrencesResponse](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("web: occurrence cache: %w", err)
	}
	s := &Server{
		cal:      cal,
		opts:     opts,
		mux:      http.NewServeMux(),
		occCache: cache,
	}
	s.registerRoutes()
	return s, nil
}

// Handler returns the API handler with metrics and, when configured, basic
// auth applied.
func (s *Server) Handler() http.Handler {
	h := s.instrument(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled")
		return s.basicAuthMiddleware(h)
	}
	return h
}

// ListenAndServe serves until ctx is canceled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.opts.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	appLog.Info("HTTP server stopped")
	return nil
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.opts.BasicAuth == nil {
		return false
	}
	// 빈 사용자명 또는 비밀번호가 설정된 경우에는 비활성화로 취급한다.
	return s.opts.BasicAuth.Username != "" && s.opts.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.opts.BasicAuth.Username
	password := s.opts.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// /health 는 항상 무인증으로 노출한다.
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="flamcal", charset="UTF-8"`)
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

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.opts.Metrics.RecordRequest(route, rec.status, time.Since(start))
	})
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))

	s.mux.HandleFunc("GET /api/events", s.handleListEvents)
	s.mux.HandleFunc("POST /api/events", s.handleAddEvent)
	s.mux.HandleFunc("DELETE /api/events", s.handleDeleteAll)
	s.mux.HandleFunc("GET /api/events/{id}", s.handleGetEvent)
	s.mux.HandleFunc("PUT /api/events/{id}", s.handleUpdateEvent)
	s.mux.HandleFunc("DELETE /api/events/{id}", s.handleDeleteEvent)
	s.mux.HandleFunc("POST /api/events/{id}/move", s.handleMoveEvent)

	s.mux.HandleFunc("GET /api/occurrences", s.handleOccurrences)
	s.mux.HandleFunc("POST /api/conflicts", s.handleConflicts)
	s.mux.HandleFunc("GET /api/categories", s.handleCategories)
	s.mux.HandleFunc("GET /calendar.ics", s.handleICS)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func filterFromQuery(r *http.Request) calendar.Filter {
	q := r.URL.Query()
	f := calendar.Filter{Term: q.Get("q")}
	for _, c := range strings.Split(q.Get("category"), ",") {
		if c = strings.TrimSpace(c); c != "" {
			f.Categories = append(f.Categories, c)
		}
	}
	return f
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	f := filterFromQuery(r)
	out := []model.EventDefinition{}
	for _, d := range s.cal.Definitions() {
		if f.Match(d) {
			out = append(out, d)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	d, err := s.cal.Resolve(r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleAddEvent(w http.ResponseWriter, r *http.Request) {
	var d model.EventDefinition
	if err := decodeBody(r, &d); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	added, err := s.cal.Add(r.Context(), d)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, added)
}

func (s *Server) handleUpdateEvent(w http.ResponseWriter, r *http.Request) {
	var d model.EventDefinition
	if err := decodeBody(r, &d); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	d.ID = r.PathValue("id")
	updated, err := s.cal.Update(r.Context(), d)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteEvent(w http.ResponseWriter, r *http.Request) {
	policy := s.cal.DefaultDeletePolicy()
	if raw := r.URL.Query().Get("policy"); raw != "" {
		p, err := calendar.ParseDeletePolicy(raw)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		policy = p
	}
	removed, err := s.cal.Delete(r.Context(), r.PathValue("id"), policy)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func (s *Server) handleDeleteAll(w http.ResponseWriter, r *http.Request) {
	if err := s.cal.DeleteAll(r.Context()); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type moveRequest struct {
	Date string `json:"date"`
}

func (s *Server) handleMoveEvent(w http.ResponseWriter, r *http.Request) {
	var req moveRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	date, err := clock.ParseDate(req.Date, s.cal.Location())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	moved, err := s.cal.Move(r.Context(), r.PathValue("id"), date)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, moved)
}

// occurrencesResponse is the JSON response shape for /api/occurrences.
type occurrencesResponse struct {
	Occurrences []occurrenceDTO `json:"occurrences"`
	Truncated   []string        `json:"truncated,omitempty"`
	RangeStart  string          `json:"range_start"`
	RangeEnd    string          `json:"range_end"`
	TimeZone    string          `json:"timezone"`
	WeekStart   string          `json:"week_start"`
}

// occurrenceDTO is a JSON-friendly view of an occurrence.
type occurrenceDTO struct {
	Key             string    `json:"key"`
	SourceID        string    `json:"source_id"`
	OriginalEventID string    `json:"original_event_id,omitempty"`
	Title           string    `json:"title"`
	Description     string    `json:"description,omitempty"`
	Category        string    `json:"category,omitempty"`
	Color           string    `json:"color,omitempty"`
	Start           time.Time `json:"start"`
	Index           int       `json:"index"`
	Recurring       bool      `json:"recurring"`
}

// handleOccurrences expands the collection over a window.
//
// GET /api/occurrences?month=2024-03
// GET /api/occurrences?start=2024-03-01&end=2024-03-31
//   - q, category: 목록 화면과 같은 필터
func (s *Server) handleOccurrences(w http.ResponseWriter, r *http.Request) {
	loc := s.cal.Location()
	q := r.URL.Query()

	var start, end time.Time
	switch {
	case q.Get("month") != "":
		m, err := clock.ParseMonth(q.Get("month"), loc)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		start, end = clock.MonthWindow(m)
	case q.Get("start") != "" && q.Get("end") != "":
		var err error
		if start, err = clock.ParseDate(q.Get("start"), loc); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if end, err = clock.ParseDate(q.Get("end"), loc); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	default:
		start, end = clock.MonthWindow(s.opts.Clock.Now().In(loc))
	}
	if end.Before(start) {
		writeError(w, http.StatusBadRequest, "end is before start")
		return
	}

	f := filterFromQuery(r)
	key := fmt.Sprintf("%d|%s|%s|%s|%s",
		s.cal.Version(),
		clock.StartOfDay(start).Format(time.DateOnly),
		clock.StartOfDay(end).Format(time.DateOnly),
		strings.ToLower(f.Term),
		strings.ToLower(strings.Join(f.Categories, ",")),
	)
	if resp, ok := s.occCache.Get(key); ok {
		s.opts.Metrics.RecordCache(true)
		writeJSON(w, http.StatusOK, resp)
		return
	}
	s.opts.Metrics.RecordCache(false)

	began := time.Now()
	res, err := s.cal.Occurrences(start, end, f)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.opts.Metrics.RecordExpansion(time.Since(began), len(res.Occurrences), len(res.Truncated))

	dtos := make([]occurrenceDTO, 0, len(res.Occurrences))
	for _, o := range res.Occurrences {
		dtos = append(dtos, occurrenceDTO{
			Key:             o.Key(),
			SourceID:        o.SourceEventID,
			OriginalEventID: o.OriginalEventID,
			Title:           o.Title,
			Description:     o.Description,
			Category:        o.Category,
			Color:           o.Color,
			Start:           o.DateTime,
			Index:           o.Index,
			Recurring:       o.Recurring,
		})
	}
	resp := occurrencesResponse{
		Occurrences: dtos,
		Truncated:   res.Truncated,
		RangeStart:  clock.StartOfDay(start).Format(time.DateOnly),
		RangeEnd:    clock.StartOfDay(end).Format(time.DateOnly),
		TimeZone:    loc.String(),
		WeekStart:   strings.ToLower(s.opts.WeekStart.String()),
	}
	s.occCache.Add(key, resp)
	writeJSON(w, http.StatusOK, resp)
}

type conflictResponse struct {
	Conflict bool         `json:"conflict"`
	With     *conflictDTO `json:"with,omitempty"`
}

type conflictDTO struct {
	ID              string    `json:"id"`
	OriginalEventID string    `json:"original_event_id,omitempty"`
	Start           time.Time `json:"start"`
}

func toConflictDTO(it conflict.Item) *conflictDTO {
	return &conflictDTO{ID: it.ID, OriginalEventID: it.OriginalEventID, Start: it.DateTime}
}

// handleConflicts is the non-blocking check used while an event is being
// edited. ?exclude= names the event under edit.
func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	var d model.EventDefinition
	if err := decodeBody(r, &d); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	resp := conflictResponse{}
	if hit, ok := s.cal.Check(d, r.URL.Query().Get("exclude")).Get(); ok {
		resp.Conflict = true
		resp.With = toConflictDTO(hit)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCategories(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cal.Categories())
}

func (s *Server) handleICS(w http.ResponseWriter, _ *http.Request) {
	body := ics.Export(s.cal.Definitions(), ics.ExportOptions{
		Location:  s.cal.Location(),
		WeekStart: s.opts.WeekStart,
		Name:      s.opts.Name,
	})
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, body)
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// writeDomainError maps calendar errors onto HTTP status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	var cerr *calendar.ConflictError
	switch {
	case errors.As(err, &cerr):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error": err.Error(),
			"with":  toConflictDTO(cerr.With),
		})
	case errors.Is(err, calendar.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, calendar.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		appLog.Error("api request failed", err)
		writeError(w, http.StatusInternalServerError, "internal error")
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
