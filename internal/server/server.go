/*
Copyright 2024 Xanthus Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package server exposes the orchestrator over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"

	"github.com/chrishham/xanthus-sub007/pkg/catalog"
	"github.com/chrishham/xanthus-sub007/pkg/config"
	"github.com/chrishham/xanthus-sub007/pkg/events"
	"github.com/chrishham/xanthus-sub007/pkg/orchestrator"
	"github.com/chrishham/xanthus-sub007/pkg/registry"
	"github.com/chrishham/xanthus-sub007/pkg/version"
	"github.com/chrishham/xanthus-sub007/pkg/vps"
)

// Server is the HTTP front end.
type Server struct {
	cfg      config.ServerConfig
	engine   *gin.Engine
	orc      *orchestrator.Orchestrator
	catalog  *catalog.Store
	resolver *version.Resolver
	storage  registry.Storage
	bus      *events.Bus
	fleet    *vps.Mirror
	logger   logr.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithFleet exposes the server inventory endpoint.
func WithFleet(fleet *vps.Mirror) Option {
	return func(s *Server) {
		s.fleet = fleet
	}
}

// WithBus exposes the recent-events endpoint.
func WithBus(bus *events.Bus) Option {
	return func(s *Server) {
		s.bus = bus
	}
}

// WithLogger sets the logger.
func WithLogger(logger logr.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates the HTTP server and registers all routes.
func New(cfg config.ServerConfig, orc *orchestrator.Orchestrator, store *catalog.Store, resolver *version.Resolver, storage registry.Storage, opts ...Option) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		cfg:      cfg,
		engine:   gin.New(),
		orc:      orc,
		catalog:  store,
		resolver: resolver,
		storage:  storage,
		bus:      events.NewBus(),
		logger:   logr.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.engine.Use(gin.Recovery())
	s.routes()
	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until the context is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Address(),
		Handler:      s.engine,
		ReadTimeout:  s.cfg.ReadTimeout.Duration(),
		WriteTimeout: s.cfg.WriteTimeout.Duration(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "address", s.cfg.Address())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout.Duration())
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
