// Package httpedge implements the kernel's HTTP/SSE edge (§6): the
// POST /chat/stream streaming endpoint and the read-only /config/*
// introspection endpoints. It never imports the graph engine's internals
// beyond the Orchestrator facade, matching the spec's "the edge is not the
// core" boundary.
package httpedge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowforge/orchestrator/internal/artifacts"
	"github.com/flowforge/orchestrator/internal/config"
	"github.com/flowforge/orchestrator/internal/llm"
	"github.com/flowforge/orchestrator/internal/workflow"
	"github.com/flowforge/orchestrator/pkg/models"
)

// Server is the HTTP/SSE edge (C7's external-facing half): a stdlib mux
// bound to the Orchestrator facade, the artifact store (for /tasks/{id}),
// and the worker/provider config tables (for /config/*).
type Server struct {
	cfg          config.ServerConfig
	orchestrator *workflow.Orchestrator
	store        *artifacts.TaskStore
	workers      []config.WorkerDefinition
	providers    map[string]config.LLMProviderConfig
	gateway      *llm.Gateway
	logger       *slog.Logger
	metrics      bool

	httpServer    *http.Server
	listener      net.Listener
	metricsServer *http.Server
}

// NewServer builds the HTTP/SSE edge. gateway is used only for its
// read-only Bindings() introspection, never to call an LLM directly.
// metricsEnabled gates a second listener on cfg.MetricsPort serving the
// default Prometheus registry; when false or MetricsPort is 0, no metrics
// listener is started.
func NewServer(cfg config.ServerConfig, orchestrator *workflow.Orchestrator, store *artifacts.TaskStore, workers []config.WorkerDefinition, providers map[string]config.LLMProviderConfig, gateway *llm.Gateway, logger *slog.Logger, metricsEnabled bool) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:          cfg,
		orchestrator: orchestrator,
		store:        store,
		workers:      workers,
		providers:    providers,
		gateway:      gateway,
		logger:       logger,
		metrics:      metricsEnabled,
	}
}

func (s *Server) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/chat/stream", s.handleChatStream)
	mux.HandleFunc("/config/agents", s.handleConfigAgents)
	mux.HandleFunc("/config/providers", s.handleConfigProviders)
	mux.HandleFunc("/tasks/", s.handleTaskStats)
	return mux
}

// Start binds the listener and begins serving in a background goroutine.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	readHeader := s.cfg.ReadHeader
	if readHeader <= 0 {
		readHeader = 5 * time.Second
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("httpedge: listen: %w", err)
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.mux(),
		ReadHeaderTimeout: readHeader,
	}
	s.listener = listener

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("httpedge: server error", "error", err)
		}
	}()

	s.logger.Info("httpedge: listening", "addr", addr)

	if s.metrics && s.cfg.MetricsPort > 0 {
		metricsAddr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.MetricsPort)
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		s.metricsServer = &http.Server{Addr: metricsAddr, Handler: metricsMux, ReadHeaderTimeout: readHeader}
		go func() {
			if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("httpedge: metrics server error", "error", err)
			}
		}()
		s.logger.Info("httpedge: metrics listening", "addr", metricsAddr)
	}

	return nil
}

// Stop gracefully shuts down the server, bounded by cfg.Shutdown.
func (s *Server) Stop(ctx context.Context) error {
	if s.metricsServer != nil {
		shutdownCtx := ctx
		if s.cfg.Shutdown > 0 {
			var cancel context.CancelFunc
			shutdownCtx, cancel = context.WithTimeout(ctx, s.cfg.Shutdown)
			defer cancel()
		}
		_ = s.metricsServer.Shutdown(shutdownCtx)
	}
	if s.httpServer == nil {
		return nil
	}
	shutdownCtx := ctx
	if s.cfg.Shutdown > 0 {
		var cancel context.CancelFunc
		shutdownCtx, cancel = context.WithTimeout(ctx, s.cfg.Shutdown)
		defer cancel()
	}
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// chatStreamRequest is the body of POST /chat/stream, per §6.
type chatStreamRequest struct {
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
	Debug                bool `json:"debug"`
	DeepThinkingMode     bool `json:"deep_thinking_mode"`
	SearchBeforePlanning bool `json:"search_before_planning"`
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req chatStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if len(req.Messages) == 0 {
		http.Error(w, "messages must be non-empty", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	messages := make([]*models.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := models.Role(m.Role)
		if role == "" {
			role = models.RoleUser
		}
		messages = append(messages, &models.Message{
			ID:        uuid.New().String(),
			Role:      role,
			Text:      m.Content,
			CreatedAt: time.Now(),
		})
	}

	// Caller disconnect cancels the task: r.Context() is done the moment the
	// underlying connection closes, per the facade's disconnect contract.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	opts := workflow.Options{
		DeepThinking:         req.DeepThinkingMode,
		SearchBeforePlanning: req.SearchBeforePlanning,
		Debug:                req.Debug,
	}
	_, events := s.orchestrator.Run(ctx, messages, opts)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case evt, open := <-events:
			if !open {
				return
			}
			if err := writeSSE(w, evt); err != nil {
				s.logger.Info("httpedge: client disconnected mid-stream", "error", err)
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, evt workflow.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, payload)
	return err
}

type agentInfo struct {
	Name  string   `json:"name"`
	Role  string   `json:"role"`
	Tools []string `json:"tools"`
}

func (s *Server) handleConfigAgents(w http.ResponseWriter, r *http.Request) {
	out := make([]agentInfo, 0, len(s.workers))
	for _, def := range s.workers {
		out = append(out, agentInfo{Name: def.Name, Role: def.Role, Tools: def.Tools})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

type providerInfo struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Model string `json:"model"`
}

func (s *Server) handleConfigProviders(w http.ResponseWriter, r *http.Request) {
	out := make([]providerInfo, 0, len(s.providers))
	for name, p := range s.providers {
		out = append(out, providerInfo{Name: name, Type: p.Type, Model: p.DefaultModel})
	}
	resp := struct {
		Providers []providerInfo        `json:"providers"`
		Bindings  map[string][]string   `json:"bindings"`
	}{Providers: out, Bindings: make(map[string][]string)}
	if s.gateway != nil {
		for role, chain := range s.gateway.Bindings() {
			resp.Bindings[string(role)] = chain
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// handleTaskStats serves GET /tasks/{id}/stats: the event-folded run
// aggregate (worker turns, LLM iterations, tool calls, wall time) plus the
// artifact index, a supplemented endpoint not named by the base wire
// protocol but useful to any client polling a task after its stream ends
// (SPEC_FULL.md §3's "Stats collection").
func (s *Server) handleTaskStats(w http.ResponseWriter, r *http.Request) {
	taskID, ok := parseTaskStatsPath(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}
	idx, err := s.store.Index(taskID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	stats, _ := s.orchestrator.Stats(taskID)
	resp := struct {
		TaskID       string              `json:"task_id"`
		PlanWritten  bool                `json:"plan_written"`
		SummaryCount int                 `json:"summary_count"`
		FinalWritten bool                `json:"final_written"`
		Stats        workflow.TaskStats  `json:"stats"`
	}{
		TaskID:       taskID,
		PlanWritten:  idx.Plan != "",
		SummaryCount: len(idx.Summaries),
		FinalWritten: idx.Final != "",
		Stats:        stats,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// parseTaskStatsPath extracts {id} from "/tasks/{id}/stats".
func parseTaskStatsPath(path string) (string, bool) {
	const prefix = "/tasks/"
	const suffix = "/stats"
	if len(path) <= len(prefix)+len(suffix) {
		return "", false
	}
	if path[:len(prefix)] != prefix || path[len(path)-len(suffix):] != suffix {
		return "", false
	}
	id := path[len(prefix) : len(path)-len(suffix)]
	if id == "" {
		return "", false
	}
	return id, true
}
