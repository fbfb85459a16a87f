// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server exposes the workflow manager over an agent-protocol
// JSON-RPC boundary: message/send carries one workflow turn as a data
// part, the agent card is served at the well-known path, and every
// failure is mapped to a JSON-RPC error response.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tombee/stepflow/internal/catalog"
	"github.com/tombee/stepflow/internal/manager"
	"github.com/tombee/stepflow/internal/server/httputil"
	"github.com/tombee/stepflow/pkg/errors"
)

// shutdownTimeout bounds graceful shutdown.
const shutdownTimeout = 5 * time.Second

// Manager is the workflow surface the server fronts.
type Manager interface {
	ProcessWorkflow(ctx context.Context, in manager.Input) (*manager.Output, error)
	ListWorkflows(ctx context.Context, token string) ([]catalog.Summary, error)
}

// Config configures the RPC server.
type Config struct {
	// AgentName keys the per-agent metadata block on outbound parts.
	AgentName string

	// ListenAddr is the bind address, for example "0.0.0.0:8080".
	ListenAddr string

	// BaseURL is the externally reachable URL advertised on the agent card.
	BaseURL string

	// Logger is the structured logger for server events.
	Logger *slog.Logger
}

// Server handles the JSON-RPC boundary for the workflow agent.
type Server struct {
	agentName string
	addr      string
	card      AgentCard
	manager   Manager
	logger    *slog.Logger
	mux       *http.ServeMux
}

// New creates a server fronting the given manager.
func New(cfg Config, mgr Manager) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	agentName := cfg.AgentName
	if agentName == "" {
		agentName = "workflow_agent"
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	s := &Server{
		agentName: agentName,
		addr:      cfg.ListenAddr,
		card:      newAgentCard(baseURL),
		manager:   mgr,
		logger:    logger.With("component", "server"),
		mux:       http.NewServeMux(),
	}

	s.mux.HandleFunc("GET /.well-known/agent.json", s.handleAgentCard)
	s.mux.HandleFunc("POST /", s.handleRPC)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	return s
}

// Handler returns the full HTTP handler, CORS middleware included.
func (s *Server) Handler() http.Handler {
	return withCORS(s.mux)
}

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("rpc server starting", "addr", s.addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("rpc server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// handleRPC dispatches a JSON-RPC request. Every failure becomes a
// JSON-RPC error response; nothing surfaces as a transport error.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteJSON(w, http.StatusOK, NewErrorResponse(nil, CodeParseError, "failed to parse request"))
		return
	}
	if req.JSONRPC != Version {
		httputil.WriteJSON(w, http.StatusOK, NewErrorResponse(req.ID, CodeInvalidRequest, "unsupported protocol version"))
		return
	}

	var resp *Response
	switch req.Method {
	case "message/send":
		resp = s.handleMessageSend(r.Context(), &req)
	case "workflows/list":
		resp = s.handleWorkflowsList(r.Context(), &req)
	case "tasks/cancel":
		resp = NewErrorResponse(req.ID, CodeUnsupportedOperation, "cancel not supported")
	case "message/stream", "tasks/resubscribe":
		resp = NewErrorResponse(req.ID, CodeUnsupportedOperation, fmt.Sprintf("%s not supported", req.Method))
	default:
		resp = NewErrorResponse(req.ID, CodeMethodNotFound, fmt.Sprintf("method %q not found", req.Method))
	}

	httputil.WriteJSON(w, http.StatusOK, resp)
}

// handleMessageSend runs one workflow turn carried in the first data
// part of the inbound message.
func (s *Server) handleMessageSend(ctx context.Context, req *Request) *Response {
	var params MessageSendParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return NewErrorResponse(req.ID, CodeInvalidParams, "invalid message/send params")
	}

	part := params.Message.DataPart()
	if part == nil {
		return NewErrorResponse(req.ID, CodeInvalidParams, "no data part found in message")
	}

	in, err := decodeInput(part.Data)
	if err != nil {
		return NewErrorResponse(req.ID, CodeInvalidParams, err.Error())
	}

	out, err := s.manager.ProcessWorkflow(ctx, in)
	if err != nil {
		s.logger.Error("workflow turn failed", "workflow_id", in.WorkflowID, "task_id", in.TaskID, "error", err)
		var notFound *errors.NotFoundError
		if errors.As(err, &notFound) {
			return NewErrorResponse(req.ID, CodeTaskNotFound, notFound.Error())
		}
		return NewErrorResponse(req.ID, CodeInternalError, err.Error())
	}

	data, err := toMap(out)
	if err != nil {
		return NewErrorResponse(req.ID, CodeInternalError, "failed to encode agent output")
	}

	reply := Message{
		Kind:      "message",
		Role:      "agent",
		MessageID: uuid.NewString(),
		TaskID:    in.TaskID,
		ContextID: in.ContextID,
		Parts: []Part{{
			Kind: "data",
			Data: data,
			Metadata: map[string]interface{}{
				s.agentName: map[string]interface{}{
					"event_log":     out.EventLog,
					"workflow_id":   in.WorkflowID,
					"workflow_name": out.WorkflowName,
				},
			},
		}},
	}

	return NewResponse(req.ID, reply)
}

// handleWorkflowsList returns the workflow headers readable with the
// supplied token.
func (s *Server) handleWorkflowsList(ctx context.Context, req *Request) *Response {
	var params struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return NewErrorResponse(req.ID, CodeInvalidParams, "invalid workflows/list params")
	}

	list, err := s.manager.ListWorkflows(ctx, params.Token)
	if err != nil {
		s.logger.Error("workflow listing failed", "error", err)
		return NewErrorResponse(req.ID, CodeInternalError, err.Error())
	}
	if list == nil {
		list = []catalog.Summary{}
	}

	return NewResponse(req.ID, map[string]interface{}{"workflows": list})
}

func (s *Server) handleAgentCard(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, s.card)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// decodeInput converts a data part payload into a workflow turn.
func decodeInput(data map[string]interface{}) (manager.Input, error) {
	var in manager.Input
	raw, err := json.Marshal(data)
	if err != nil {
		return in, fmt.Errorf("invalid data part: %w", err)
	}
	if err := json.Unmarshal(raw, &in); err != nil {
		return in, fmt.Errorf("invalid data part: %w", err)
	}
	return in, nil
}

// toMap round-trips a value through JSON into a generic map.
func toMap(v interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// withCORS applies permissive cross-origin headers.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "*")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
