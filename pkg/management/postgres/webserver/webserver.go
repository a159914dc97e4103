/*
Copyright The PostgreSQL Operation Manager Contributors

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

// Package webserver implements the HTTP API of the operation manager
package webserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/Revenberg/postgresql/internal/configuration"
	"github.com/Revenberg/postgresql/pkg/management/log"
	"github.com/Revenberg/postgresql/pkg/management/orchestrator"
	"github.com/Revenberg/postgresql/pkg/management/postgres/webserver/metricserver"
	"github.com/Revenberg/postgresql/pkg/management/topology"
)

// The URL prefix of the API
const apiPrefix = "/api/operationmanagement"

// The soft deadline of the read endpoints
const readDeadline = 30 * time.Second

// Orchestrator is the surface of the topology operations the API needs
type Orchestrator interface {
	Promote(ctx context.Context, target string) (*orchestrator.PromoteResult, error)
	DemoteAll(ctx context.Context) (*orchestrator.DemoteResult, error)
	AddHost(ctx context.Context, spec orchestrator.HostSpec) (*topology.Node, error)
	DeleteHost(ctx context.Context, identifier string) (*topology.Node, error)
}

// Server is the HTTP surface of the operation manager
type Server struct {
	config       *configuration.Data
	scanner      *topology.Scanner
	orchestrator Orchestrator
	metrics      *metricserver.MetricServer
}

// New creates the Server over its collaborators
func New(
	config *configuration.Data,
	scanner *topology.Scanner,
	orch Orchestrator,
	metrics *metricserver.MetricServer,
) *Server {
	return &Server{
		config:       config,
		scanner:      scanner,
		orchestrator: orch,
		metrics:      metrics,
	}
}

// Handler builds the routing table, wrapped by the request audit logger
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(apiPrefix+"/status", s.status)
	mux.HandleFunc(apiPrefix+"/overview", s.overview)
	mux.HandleFunc(apiPrefix+"/promote/", s.promote)
	mux.HandleFunc(apiPrefix+"/demote-all", s.demoteAll)
	mux.HandleFunc(apiPrefix+"/hosts", s.addHost)
	mux.HandleFunc(apiPrefix+"/hosts/", s.deleteHost)
	mux.HandleFunc(apiPrefix+"/health", s.health)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	return requestLogger(mux)
}

// Serve runs the HTTP server until the context is cancelled, then shuts
// it down gracefully
func (s *Server) Serve(ctx context.Context) error {
	contextLogger := log.FromContext(ctx)

	server := &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		contextLogger.Info("HTTP server listening", "addr", s.config.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
		close(errChan)
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), readDeadline)
	defer cancel()

	view := s.scanner.Scan(ctx)
	writeJSON(w, http.StatusOK, s.scanner.BuildStatus(view))
}

func (s *Server) overview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), readDeadline)
	defer cancel()

	view := s.scanner.Scan(ctx)
	overview := s.scanner.BuildOverview(ctx, view, s.config.HealthyLagBytes)
	if s.metrics != nil {
		s.metrics.ObserveVerdict(string(overview.ClusterStatus))
	}
	writeJSON(w, http.StatusOK, overview)
}

func (s *Server) promote(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	target := strings.TrimPrefix(r.URL.Path, apiPrefix+"/promote/")
	if target == "" || strings.Contains(target, "/") {
		writeError(w, &orchestrator.OperationError{
			Kind:    orchestrator.KindInvalidTarget,
			Message: "missing or malformed target node name",
		})
		return
	}

	// the operation outlives a disconnecting client: /status remains the
	// source of truth when the response is never read
	result, err := s.orchestrator.Promote(s.detachedContext(r), target)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) demoteAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	result, err := s.orchestrator.DemoteAll(s.detachedContext(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) addHost(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var spec orchestrator.HostSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, &orchestrator.OperationError{
			Kind:    orchestrator.KindInvalidTarget,
			Message: "malformed request body: " + err.Error(),
		})
		return
	}

	added, err := s.orchestrator.AddHost(s.detachedContext(r), spec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"host": added})
}

func (s *Server) deleteHost(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeMethodNotAllowed(w)
		return
	}

	identifier := strings.TrimPrefix(r.URL.Path, apiPrefix+"/hosts/")
	if identifier == "" || strings.Contains(identifier, "/") {
		writeError(w, &orchestrator.OperationError{
			Kind:    orchestrator.KindInvalidTarget,
			Message: "missing or malformed node identifier",
		})
		return
	}

	removed, err := s.orchestrator.DeleteHost(s.detachedContext(r), identifier)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted_host": removed})
}

// detachedContext keeps the request logger but drops the client
// cancellation: a mutating operation is bounded only by its own deadline
func (s *Server) detachedContext(r *http.Request) context.Context {
	return log.IntoContext(context.Background(), log.FromContext(r.Context()))
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	var operationError *orchestrator.OperationError
	if !errors.As(err, &operationError) {
		operationError = &orchestrator.OperationError{
			Kind:    orchestrator.KindInternal,
			Message: err.Error(),
		}
	}
	writeJSON(w, operationError.HTTPStatus(), operationError)
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]string{
		"error":   "METHOD_NOT_ALLOWED",
		"message": "unsupported method",
	})
}
