// Package server exposes the execution API and the collaboration
// websocket transport over chi.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/michaelbrown/crucible/internal/collab"
	"github.com/michaelbrown/crucible/internal/config"
	"github.com/michaelbrown/crucible/internal/executor"
	"github.com/michaelbrown/crucible/internal/language"
	"github.com/michaelbrown/crucible/internal/storage"
)

// Server is the HTTP server for the crucible core API.
type Server struct {
	cfg      *config.Config
	log      *zap.Logger
	store    storage.Store
	langs    *language.Registry
	coord    *executor.Coordinator
	hub      *collab.Registry
	presence *collab.Presence
	router   chi.Router
	http     *http.Server

	connsMu sync.Mutex
	conns   map[string]*websocket.Conn
}

// New creates a Server. It owns transport liveness: the presence tracker
// is wired so a heartbeat timeout closes the connection and removes the
// participant through the same path as an explicit leave.
func New(cfg *config.Config, log *zap.Logger, store storage.Store, langs *language.Registry, coord *executor.Coordinator, hub *collab.Registry) *Server {
	s := &Server{
		cfg:    cfg,
		log:    log,
		store:  store,
		langs:  langs,
		coord:  coord,
		hub:    hub,
		router: chi.NewRouter(),
		conns:  make(map[string]*websocket.Conn),
	}
	s.presence = collab.NewPresence(log, cfg.Heartbeat(), s.expireConn)
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)

	r.Route("/api", func(r chi.Router) {
		r.Get("/languages", s.handleListLanguages)

		r.Route("/projects/{projectID}", func(r chi.Router) {
			r.Post("/executions", s.handleSubmitExecution)
			r.Get("/executions", s.handleListExecutions)
			r.Get("/collab", s.handleCollab)
		})

		r.Get("/executions/{id}", s.handleGetExecution)
		r.Delete("/executions/{id}", s.handleCancelExecution)
	})
}

// requestLogger logs API requests through zap instead of chi's default
// stdlib logger.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)))
	})
}

// Start begins listening on the given port.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.http = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	s.log.Info("server starting", zap.String("addr", addr))
	return s.http.ListenAndServe()
}

// Shutdown drains the server: cancels in-flight executions, closes every
// collaboration session (persisting canonical state) and stops the
// listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down")

	s.presence.Stop()
	s.coord.CancelAll()
	s.hub.Shutdown(ctx)

	s.connsMu.Lock()
	for _, conn := range s.conns {
		conn.Close()
	}
	s.conns = make(map[string]*websocket.Conn)
	s.connsMu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

// expireConn handles a heartbeat timeout: identical to transport loss.
func (s *Server) expireConn(connID string) {
	s.connsMu.Lock()
	conn := s.conns[connID]
	delete(s.conns, connID)
	s.connsMu.Unlock()

	if conn != nil {
		conn.Close()
	}
	s.hub.Disconnect(context.Background(), connID)
}
