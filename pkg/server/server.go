// Package server provides the HTTP API over the versioning engine: data
// set and version inspection, the mapping workflow, publication and
// criteria queries.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/statflow/statflow/pkg/config"
	"github.com/statflow/statflow/pkg/errs"
	"github.com/statflow/statflow/pkg/lifecycle"
	"github.com/statflow/statflow/pkg/mapping"
	"github.com/statflow/statflow/pkg/query"
	"github.com/statflow/statflow/pkg/registry"
)

// Server handles HTTP requests.
type Server struct {
	cfg       config.ServerConfig
	reg       *registry.Registry
	mapper    *mapping.Engine
	lifecycle *lifecycle.Manager
	executor  *query.Executor
	log       logrus.FieldLogger

	router *mux.Router
}

// New creates the HTTP server.
func New(cfg config.ServerConfig, reg *registry.Registry, mapper *mapping.Engine,
	lc *lifecycle.Manager, executor *query.Executor, log logrus.FieldLogger) *Server {
	s := &Server{
		cfg:       cfg,
		reg:       reg,
		mapper:    mapper,
		lifecycle: lc,
		executor:  executor,
		log:       log,
		router:    mux.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/datasets", s.handleListDataSets).Methods(http.MethodGet)
	api.HandleFunc("/datasets/{id}", s.handleGetDataSet).Methods(http.MethodGet)
	api.HandleFunc("/datasets/{id}/versions", s.handleListVersions).Methods(http.MethodGet)

	api.HandleFunc("/versions/{id}", s.handleGetVersion).Methods(http.MethodGet)
	api.HandleFunc("/versions/{id}/mappings/start", s.handleStartMapping).Methods(http.MethodPost)
	api.HandleFunc("/versions/{id}/mappings", s.handleGetMappings).Methods(http.MethodGet)
	api.HandleFunc("/versions/{id}/mappings", s.handleApplyMappings).Methods(http.MethodPatch)
	api.HandleFunc("/versions/{id}/reprocess", s.handleReprocess).Methods(http.MethodPost)
	api.HandleFunc("/versions/{id}/publish", s.handlePublish).Methods(http.MethodPost)
	api.HandleFunc("/versions/{id}/withdraw", s.handleWithdraw).Methods(http.MethodPost)
	api.HandleFunc("/versions/{id}/query", s.handleQuery).Methods(http.MethodPost)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	s.router.ServeHTTP(w, r)
	s.log.WithFields(logrus.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
		"took":   time.Since(started),
	}).Debug("request handled")
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr(),
		Handler:      s,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", srv.Addr).Info("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.WithError(err).Warn("writing response")
	}
}

type apiError struct {
	Kind string `json:"kind"`
	Path string `json:"path,omitempty"`
	Msg  string `json:"message"`
}

// writeError maps the error taxonomy onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	body := apiError{Kind: "Internal", Msg: err.Error()}

	var e *errs.Error
	if errors.As(err, &e) {
		body = apiError{Kind: e.Kind.String(), Path: e.Path, Msg: e.Msg}
		switch e.Kind {
		case errs.KindValidation:
			status = http.StatusBadRequest
		case errs.KindNotFound:
			status = http.StatusNotFound
		case errs.KindInconsistency:
			status = http.StatusConflict
		case errs.KindTransient:
			status = http.StatusServiceUnavailable
		}
	} else if errors.Is(err, registry.ErrStatusConflict) || errors.Is(err, registry.ErrStageConflict) {
		status = http.StatusConflict
		body.Kind = "Conflict"
	}

	if status >= http.StatusInternalServerError {
		s.log.WithError(err).Error("request failed")
	}
	s.writeJSON(w, status, body)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"cache":  s.executor.CacheStats(),
	})
}
