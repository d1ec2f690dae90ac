// Package server exposes the administrative REST surface over the engine and
// the definition repository.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/pacmano1/the-cache/engine"
	"github.com/pacmano1/the-cache/logger"
	"github.com/pacmano1/the-cache/repository"
)

// Server wires the REST routes to the repository and the engine.
type Server struct {
	log  logger.Logger
	repo *repository.Repository
	eng  *engine.Engine
	http *http.Server
}

// New builds a server listening on addr.
func New(addr string, repo *repository.Repository, eng *engine.Engine, log logger.Logger) *Server {
	s := &Server{
		log:  log.WithPrefix("[server]"),
		repo: repo,
		eng:  eng,
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Routes returns the router for the administrative API.
func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/definitions", s.handleListDefinitions).Methods(http.MethodGet)
	r.HandleFunc("/definitions", s.handleCreateDefinition).Methods(http.MethodPost)
	r.HandleFunc("/definitions/{id}", s.handleGetDefinition).Methods(http.MethodGet)
	r.HandleFunc("/definitions/{id}", s.handleUpdateDefinition).Methods(http.MethodPut)
	r.HandleFunc("/definitions/{id}", s.handleDeleteDefinition).Methods(http.MethodDelete)
	r.HandleFunc("/definitions/{id}/refresh", s.handleRefresh).Methods(http.MethodPost)
	r.HandleFunc("/definitions/{id}/testConnection", s.handleTestConnection).Methods(http.MethodPost)
	r.HandleFunc("/testConnectionInline", s.handleTestConnectionInline).Methods(http.MethodPost)
	r.HandleFunc("/testQueryInline", s.handleTestQueryInline).Methods(http.MethodPost)
	r.HandleFunc("/statistics", s.handleAllStatistics).Methods(http.MethodGet)
	r.HandleFunc("/definitions/{id}/statistics", s.handleStatistics).Methods(http.MethodGet)
	r.HandleFunc("/definitions/{id}/snapshot", s.handleSnapshot).Methods(http.MethodGet)
	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("listening on %s", s.http.Addr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the listener, waiting up to the context deadline for
// in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
