// Package web exposes the review service over HTTP as JSON.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"strconv"
	"time"

	"github.com/conorfennell/knolsched/internal/cardfeed"
	"github.com/conorfennell/knolsched/internal/domain"
	"github.com/conorfennell/knolsched/internal/review"
	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/httprate"
	"go.uber.org/zap"
)

const (
	defaultDueLimit = 100
	maxDueLimit     = 1000
	maxBodyBytes    = 1 << 20
)

// Scheduler is the part of the review service the HTTP layer calls.
type Scheduler interface {
	SubmitReview(ctx context.Context, req review.ReviewRequest) (domain.CardSchedule, error)
	PeekSchedule(ctx context.Context, cardID string) (domain.CardSchedule, error)
	Preview(ctx context.Context, cardID string) (map[domain.Quality]domain.CardSchedule, error)
	History(ctx context.Context, cardID string) ([]domain.ReviewEvent, error)
	DueCards(ctx context.Context, owner string, asOf time.Time) iter.Seq2[string, error]
	RegisterCard(ctx context.Context, id domain.CardIdentity) (bool, error)
	RetireCard(ctx context.Context, cardID string) error
}

// SyncFunc reconciles the configured card sources.
type SyncFunc func(ctx context.Context) []cardfeed.Report

// Options configures a Server. Zero values disable the feature.
type Options struct {
	RateLimit      int // requests per minute and client IP
	RequestTimeout time.Duration
	Sync           SyncFunc
	Now            func() time.Time
}

// Server holds the dependencies for the HTTP server.
type Server struct {
	sched  Scheduler
	log    *zap.Logger
	router *chi.Mux
	sync   SyncFunc
	now    func() time.Time
}

// Response is the envelope of every reply.
type Response struct {
	Message string      `json:"message"`
	Code    int         `json:"code"`
	Data    interface{} `json:"data"`
	Error   string      `json:"error"`
}

// NewServer creates and configures a new server.
func NewServer(sched Scheduler, log *zap.Logger, opts Options) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	s := &Server{
		sched:  sched,
		log:    log,
		router: chi.NewRouter(),
		sync:   opts.Sync,
		now:    now,
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger(log))
	s.router.Use(middleware.Recoverer)
	if opts.RequestTimeout > 0 {
		s.router.Use(middleware.Timeout(opts.RequestTimeout))
	}
	if opts.RateLimit > 0 {
		s.router.Use(httprate.LimitByIP(opts.RateLimit, time.Minute))
	}

	s.routes()
	return s
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/due", s.handleDue)
		r.Post("/sync", s.handleSync)

		r.Route("/cards/{cardID}", func(r chi.Router) {
			r.Put("/", s.handleRegister)
			r.Delete("/", s.handleRetire)
			r.Post("/reviews", s.handleSubmitReview)
			r.Get("/schedule", s.handleSchedule)
			r.Get("/preview", s.handlePreview)
			r.Get("/history", s.handleHistory)
		})
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respond(w, Response{Message: "ok", Code: http.StatusOK})
}

type reviewBody struct {
	Quality        *domain.Quality `json:"quality"`
	Owner          string          `json:"owner"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// handleSubmitReview takes the idempotency key from the Idempotency-Key
// header, falling back to the body.
func (s *Server) handleSubmitReview(w http.ResponseWriter, r *http.Request) {
	var body reviewBody
	if err := decodeBody(w, r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	if body.Quality == nil {
		s.fail(w, r, fmt.Errorf("%w: quality is required", domain.ErrInvalidInput))
		return
	}

	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		key = body.IdempotencyKey
	}

	sched, err := s.sched.SubmitReview(r.Context(), review.ReviewRequest{
		CardID:         chi.URLParam(r, "cardID"),
		Quality:        *body.Quality,
		IdempotencyKey: key,
		Owner:          body.Owner,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, Response{Message: "review recorded", Code: http.StatusOK, Data: sched})
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	sched, err := s.sched.PeekSchedule(r.Context(), chi.URLParam(r, "cardID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, Response{Code: http.StatusOK, Data: sched})
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	preview, err := s.sched.Preview(r.Context(), chi.URLParam(r, "cardID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, Response{Code: http.StatusOK, Data: preview})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	events, err := s.sched.History(r.Context(), chi.URLParam(r, "cardID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if events == nil {
		events = []domain.ReviewEvent{}
	}
	s.respond(w, Response{Code: http.StatusOK, Data: events})
}

type dueResult struct {
	AsOf    time.Time `json:"as_of"`
	CardIDs []string  `json:"card_ids"`
}

func (s *Server) handleDue(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	asOf := s.now().UTC()
	if v := q.Get("as_of"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.fail(w, r, fmt.Errorf("%w: as_of must be RFC 3339", domain.ErrInvalidInput))
			return
		}
		asOf = t.UTC()
	}

	limit := defaultDueLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxDueLimit {
			s.fail(w, r, fmt.Errorf("%w: limit must be between 1 and %d", domain.ErrInvalidInput, maxDueLimit))
			return
		}
		limit = n
	}

	res := dueResult{AsOf: asOf, CardIDs: []string{}}
	for id, err := range s.sched.DueCards(r.Context(), q.Get("owner"), asOf) {
		if err != nil {
			s.fail(w, r, err)
			return
		}
		res.CardIDs = append(res.CardIDs, id)
		if len(res.CardIDs) == limit {
			break
		}
	}
	s.respond(w, Response{Code: http.StatusOK, Data: res})
}

type registerBody struct {
	Owner  string `json:"owner"`
	Source string `json:"source"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body registerBody
	if err := decodeBody(w, r, &body); err != nil {
		s.fail(w, r, err)
		return
	}

	id := chi.URLParam(r, "cardID")
	changed, err := s.sched.RegisterCard(r.Context(), domain.CardIdentity{CardID: id, Owner: body.Owner, Source: body.Source})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	sched, err := s.sched.PeekSchedule(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	msg := "card already registered"
	if changed {
		msg = "card registered"
	}
	s.respond(w, Response{Message: msg, Code: http.StatusOK, Data: sched})
}

func (s *Server) handleRetire(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.RetireCard(r.Context(), chi.URLParam(r, "cardID")); err != nil {
		s.fail(w, r, err)
		return
	}
	s.respond(w, Response{Message: "card retired", Code: http.StatusOK})
}

type syncReport struct {
	Source     string   `json:"source"`
	Parsed     int      `json:"parsed"`
	Registered int      `json:"registered"`
	Retired    int      `json:"retired"`
	Errors     []string `json:"errors,omitempty"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.sync == nil {
		s.respond(w, Response{Code: http.StatusNotImplemented, Error: "no card sources configured"})
		return
	}

	reports := s.sync(r.Context())
	out := make([]syncReport, 0, len(reports))
	for _, rep := range reports {
		sr := syncReport{Source: rep.Source, Parsed: rep.Parsed, Registered: rep.Registered, Retired: rep.Retired}
		for _, err := range rep.Errors {
			sr.Errors = append(sr.Errors, err.Error())
		}
		out = append(out, sr)
	}
	s.respond(w, Response{Message: "sync complete", Code: http.StatusOK, Data: out})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	if r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, domain.ErrInvalidInput) {
			return err
		}
		return fmt.Errorf("%w: malformed body: %v", domain.ErrInvalidInput, err)
	}
	return nil
}

func (s *Server) respond(w http.ResponseWriter, rsp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(rsp.Code)
	if err := json.NewEncoder(w).Encode(rsp); err != nil {
		s.log.Warn("failed to write response", zap.Error(err))
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code >= http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		if code == http.StatusInternalServerError {
			msg = "internal error"
		}
	}
	s.respond(w, Response{Code: code, Error: msg})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
