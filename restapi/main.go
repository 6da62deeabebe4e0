package restapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"masterclassdev/academy"
	"masterclassdev/catalog"
	"masterclassdev/coach"
	"masterclassdev/logger"
	"masterclassdev/progress"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

type ServerConnectProps struct {
	Logger  *logger.LogMiddleware
	Academy *academy.Academy
}

type Server struct {
	logger  *logger.LogMiddleware
	academy *academy.Academy

	mu       sync.Mutex
	finished map[string]academy.Finished
}

type submitRequest struct {
	Text string `json:"text"`
}

type submitResponse struct {
	Reply    *coach.Turn          `json:"reply,omitempty"`
	Outcome  *coach.OutcomeRecord `json:"outcome,omitempty"`
	Fallback bool                 `json:"fallback"`
	State    string               `json:"state"`
	Progress int                  `json:"progress"`
}

type outcomeResponse struct {
	SessionID string              `json:"sessionId"`
	Outcome   coach.OutcomeRecord `json:"outcome"`
	Record    *progress.Record    `json:"record,omitempty"`
	Unlocked  bool                `json:"unlocked"`
	Error     string              `json:"error,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func Connect(args ServerConnectProps) *Server {
	return &Server{
		logger:   args.Logger,
		academy:  args.Academy,
		finished: map[string]academy.Finished{},
	}
}

// Handler is the traced HTTP surface of the academy.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLoggerMiddleware(s.logger))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Get("/series", s.listSeries)
	r.Route("/learners/{learnerID}", func(r chi.Router) {
		r.Get("/progress", s.learnerProgress)
		r.Get("/series/{seriesID}", s.seriesProfile)
		r.Post("/series/{seriesID}/sessions", s.openSession)
	})
	r.Route("/sessions/{sessionID}", func(r chi.Router) {
		r.Get("/", s.sessionSnapshot)
		r.Post("/messages", s.submit)
		r.Post("/skip", s.skip)
		r.Delete("/", s.closeSession)
	})

	return otelhttp.NewHandler(r, "restapi")
}

func requestLoggerMiddleware(logger *logger.LogMiddleware) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			logger.Logger(ctx).Info("[RestAPI] Request Received", zap.String("url", r.URL.Path), zap.String("method", r.Method))
			next.ServeHTTP(w, r)
			logger.Logger(ctx).Info("[RestAPI] Request Completed", zap.String("path", r.URL.Path), zap.String("method", r.Method))
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Logger(r.Context()).Warn("[RestAPI] Could not write response", zap.Error(err))
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, academy.ErrUnknownSession),
		errors.Is(err, catalog.ErrUnknownSeries),
		errors.Is(err, catalog.ErrUnknownEpisode):
		return http.StatusNotFound
	case errors.Is(err, coach.ErrEmptyMessage), errors.Is(err, progress.ErrInvalidKey):
		return http.StatusBadRequest
	case errors.Is(err, coach.ErrTurnInFlight), errors.Is(err, coach.ErrSessionNotActive),
		errors.Is(err, coach.ErrNotComplete), errors.Is(err, coach.ErrAlreadyFinalized):
		return http.StatusConflict
	case errors.Is(err, coach.ErrSessionClosed):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Logger(r.Context()).Error("[RestAPI] Request failed", zap.Error(err), zap.String("path", r.URL.Path))
	}
	s.writeJSON(w, r, status, errorResponse{Error: err.Error()})
}

func (s *Server) listSeries(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, s.academy.Catalog().List())
}

func (s *Server) learnerProgress(w http.ResponseWriter, r *http.Request) {
	list, err := s.academy.Progress(r.Context(), chi.URLParam(r, "learnerID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, list)
}

func (s *Server) seriesProfile(w http.ResponseWriter, r *http.Request) {
	p, err := s.academy.Profile(r.Context(), chi.URLParam(r, "learnerID"), chi.URLParam(r, "seriesID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, p)
}

func (s *Server) openSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.academy.Open(r.Context(), academy.OpenArgs{
		LearnerID:  chi.URLParam(r, "learnerID"),
		SeriesID:   chi.URLParam(r, "seriesID"),
		OnFinished: s.remember,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusCreated, session.Snapshot())
}

// remember keeps a finished session's result until a client reads it.
func (s *Server) remember(f academy.Finished) {
	s.mu.Lock()
	s.finished[f.SessionID] = f
	s.mu.Unlock()
}

func (s *Server) takeFinished(id string) (academy.Finished, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.finished[id]
	delete(s.finished, id)
	return f, ok
}

func finishedResponse(f academy.Finished) outcomeResponse {
	resp := outcomeResponse{
		SessionID: f.SessionID,
		Outcome:   coach.Record(f.Outcome),
		Unlocked:  f.Unlocked(),
	}
	if f.Err != nil {
		resp.Error = f.Err.Error()
	} else {
		rec := f.Record
		resp.Record = &rec
	}
	return resp
}

func (s *Server) sessionSnapshot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	session, err := s.academy.Session(id)
	if err == nil {
		s.writeJSON(w, r, http.StatusOK, session.Snapshot())
		return
	}
	if f, ok := s.takeFinished(id); ok {
		s.writeJSON(w, r, http.StatusOK, finishedResponse(f))
		return
	}
	s.fail(w, r, err)
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, r, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}
	res, err := s.academy.Submit(r.Context(), chi.URLParam(r, "sessionID"), req.Text)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp := submitResponse{
		Reply:    res.Reply,
		Fallback: res.Fallback,
		State:    res.State.String(),
		Progress: res.Progress,
	}
	if res.Outcome != nil {
		rec := coach.Record(res.Outcome)
		resp.Outcome = &rec
	}
	s.writeJSON(w, r, http.StatusOK, resp)
}

func (s *Server) skip(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if _, err := s.academy.Skip(r.Context(), id); err != nil && !errors.Is(err, academy.ErrUnknownSession) {
		s.fail(w, r, err)
		return
	}
	s.writeFinished(w, r, id)
}

func (s *Server) closeSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if _, err := s.academy.Close(r.Context(), id); err != nil && !errors.Is(err, academy.ErrUnknownSession) {
		s.fail(w, r, err)
		return
	}
	s.writeFinished(w, r, id)
}

// writeFinished answers with the stored result of a session that has just
// been closed here or that settled on its own.
func (s *Server) writeFinished(w http.ResponseWriter, r *http.Request, id string) {
	f, ok := s.takeFinished(id)
	if !ok {
		s.fail(w, r, academy.ErrUnknownSession)
		return
	}
	s.writeJSON(w, r, http.StatusOK, finishedResponse(f))
}
