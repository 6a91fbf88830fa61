// Package httpapi exposes runs over HTTP: start and resume them, stream
// their messages over SSE or WebSocket, and resolve or cancel their hooks.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/PipeOpsHQ/agent-runtime-go/hooks"
	"github.com/PipeOpsHQ/agent-runtime-go/llm"
	"github.com/PipeOpsHQ/agent-runtime-go/observe"
	observestore "github.com/PipeOpsHQ/agent-runtime-go/observe/store"
	"github.com/PipeOpsHQ/agent-runtime-go/runtime"
	"github.com/PipeOpsHQ/agent-runtime-go/runtime/cron"
	"github.com/PipeOpsHQ/agent-runtime-go/state"
	"github.com/PipeOpsHQ/agent-runtime-go/tools"
	"github.com/PipeOpsHQ/agent-runtime-go/workflow"
)

const maxBodyBytes = 1 << 20

type Config struct {
	Addr                   string
	Store                  state.Store
	TraceStore             observestore.Store
	Workflows              *workflow.Registry
	DefaultWorkflow        string
	Model                  llm.LanguageModel
	SystemPrompt           string
	Tools                  *tools.Catalog
	HookMode               hooks.Mode
	IncrementalCheckpoints bool
	// Observer receives every runtime event in addition to the SSE event
	// stream.
	Observer observe.Sink
	// Gatherer backs /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer
	// Schedules backs /api/v1/schedules; nil disables the endpoints.
	Schedules        *cron.Scheduler
	Logger           *zap.Logger
	APIKeys          []string
	AllowLocalNoAuth bool
}

type Server struct {
	cfg     Config
	logger  *zap.Logger
	stream  *eventStream
	runs    *runManager
	mux     *http.ServeMux
	handler http.Handler
	http    *http.Server
	once    sync.Once
}

func NewServer(cfg Config) *Server {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:7070"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger.With(zap.String("component", "httpapi")),
		stream: newEventStream(),
		mux:    http.NewServeMux(),
	}
	sinks := []observe.Sink{observe.SinkFunc(s.Emit)}
	if cfg.Observer != nil {
		sinks = append(sinks, cfg.Observer)
	}
	s.runs = newRunManager(&s.cfg, s.logger, observe.NewMultiSink(sinks...))
	s.registerRoutes()
	s.handler = otelhttp.NewHandler(s.mux, "httpapi")
	s.http = &http.Server{Addr: cfg.Addr, Handler: s.handler, ReadHeaderTimeout: 10 * time.Second}
	return s
}

func (s *Server) Handler() http.Handler {
	if s == nil {
		return http.NotFoundHandler()
	}
	return s.handler
}

func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("server is nil")
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", s.cfg.Addr))
		err := s.http.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
		if err := s.Close(); err != nil {
			s.logger.Warn("shutdown error", zap.Error(err))
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// StartRun starts a workflow run exactly as POST /api/v1/runs does.
func (s *Server) StartRun(req StartRequest) (RunView, error) {
	lr, err := s.runs.start(req)
	if err != nil {
		return RunView{}, err
	}
	return lr.view(), nil
}

// Close stops accepting requests and stops every run started by the
// server. Suspended and failed runs keep their persisted state.
func (s *Server) Close() error {
	if s == nil {
		return nil
	}
	var outErr error
	s.once.Do(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		outErr = errors.Join(s.http.Shutdown(shutdownCtx), s.runs.close(shutdownCtx))
		if outErr == nil {
			s.logger.Info("server closed")
		}
	})
	return outErr
}

// Emit publishes an event to SSE watchers of /api/v1/events.
func (s *Server) Emit(_ context.Context, event observe.Event) error {
	event.Normalize()
	s.stream.publish(event)
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	if s.cfg.Gatherer != nil {
		s.mux.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	s.mux.HandleFunc("/api/v1/workflows", s.require(s.handleWorkflows))
	s.mux.HandleFunc("/api/v1/runs", s.require(s.handleRuns))
	s.mux.HandleFunc("/api/v1/runs/", s.require(s.handleRunSubresources))
	s.mux.HandleFunc("/api/v1/events", s.require(s.handleEventSSE))
	s.mux.HandleFunc("/api/v1/schedules", s.require(s.handleSchedules))
	s.mux.HandleFunc("/api/v1/schedules/", s.require(s.handleSchedules))
	s.mux.HandleFunc("/api/v1/metrics/summary", s.require(s.handleMetricsSummary))
}

func (s *Server) require(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.authenticate(r); err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		h(w, r)
	}
}

// authenticate accepts any request when no API keys are configured.
func (s *Server) authenticate(r *http.Request) error {
	if len(s.cfg.APIKeys) == 0 {
		return nil
	}
	key := extractAPIKey(r)
	if key == "" {
		if s.cfg.AllowLocalNoAuth && isLocalRequest(r.RemoteAddr) {
			return nil
		}
		return fmt.Errorf("missing API key")
	}
	for _, candidate := range s.cfg.APIKeys {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(key)) == 1 {
			return nil
		}
	}
	return fmt.Errorf("invalid API key")
}

func extractAPIKey(r *http.Request) string {
	if r == nil {
		return ""
	}
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	if authz := strings.TrimSpace(r.Header.Get("Authorization")); strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		return strings.TrimSpace(authz[7:])
	}
	if key := strings.TrimSpace(r.URL.Query().Get("api_key")); key != "" {
		return key
	}
	return ""
}

func isLocalRequest(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	ip := net.ParseIP(strings.TrimSpace(host))
	if ip != nil {
		return ip.IsLoopback()
	}
	return host == "localhost"
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "active": len(s.runs.list())})
}

func (s *Server) handleWorkflows(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	if s.cfg.Workflows == nil {
		writeJSON(w, http.StatusOK, map[string]string{})
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Workflows.Describe())
}

// handleSchedules serves GET /api/v1/schedules, GET
// /api/v1/schedules/{name} with its trigger history, and POST
// /api/v1/schedules/{name}/trigger|enable|disable.
func (s *Server) handleSchedules(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Schedules == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("no schedules configured"))
		return
	}
	parts := splitPath(strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, "/api/v1/schedules"), "/"))
	switch len(parts) {
	case 0:
		if allowMethod(w, r, http.MethodGet) {
			writeJSON(w, http.StatusOK, s.cfg.Schedules.List())
		}
		return
	case 1:
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		job, ok := s.cfg.Schedules.Get(parts[0])
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Errorf("schedule %q not found", parts[0]))
			return
		}
		history, _ := s.cfg.Schedules.History(parts[0], parseInt(r.URL.Query().Get("limit"), 20))
		writeJSON(w, http.StatusOK, map[string]any{"job": job, "history": history})
		return
	}
	if len(parts) != 2 {
		writeError(w, http.StatusNotFound, fmt.Errorf("not found"))
		return
	}
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	name := parts[0]
	if _, ok := s.cfg.Schedules.Get(name); !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("schedule %q not found", name))
		return
	}
	switch parts[1] {
	case "trigger":
		run, err := s.cfg.Schedules.Trigger(name)
		if err != nil {
			writeError(w, startStatus(err), err)
			return
		}
		writeJSON(w, http.StatusAccepted, run)
	case "enable", "disable":
		if err := s.cfg.Schedules.SetEnabled(name, parts[1] == "enable"); err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		job, _ := s.cfg.Schedules.Get(name)
		writeJSON(w, http.StatusOK, job)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("not found"))
	}
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req StartRequest
		if err := decodeBody(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		lr, err := s.runs.start(req)
		if err != nil {
			writeError(w, startStatus(err), err)
			return
		}
		writeJSON(w, http.StatusAccepted, lr.view())
	case http.MethodGet:
		s.listRuns(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
	}
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Store == nil {
		views := []RunView{}
		for _, lr := range s.runs.list() {
			views = append(views, lr.view())
		}
		writeJSON(w, http.StatusOK, views)
		return
	}
	q := state.ListRunsQuery{
		SessionID: strings.TrimSpace(r.URL.Query().Get("session_id")),
		Status:    strings.TrimSpace(r.URL.Query().Get("status")),
		Limit:     parseInt(r.URL.Query().Get("limit"), 100),
		Offset:    parseInt(r.URL.Query().Get("offset"), 0),
	}
	runs, err := s.cfg.Store.ListRuns(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	views := make([]RunView, 0, len(runs))
	for _, rec := range runs {
		views = append(views, s.mergeLive(recordView(rec)))
	}
	writeJSON(w, http.StatusOK, views)
}

// mergeLive overlays the in-process state of a run on its stored view.
func (s *Server) mergeLive(v RunView) RunView {
	lr, ok := s.runs.get(v.RunID)
	if !ok {
		return v
	}
	live := lr.view()
	live.Record = v.Record
	if live.Output == "" {
		live.Output = v.Output
	}
	return live
}

func (s *Server) handleRunSubresources(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(strings.TrimPrefix(r.URL.Path, "/api/v1/runs/"))
	if len(parts) == 0 {
		writeError(w, http.StatusNotFound, fmt.Errorf("run id is required"))
		return
	}
	runID := parts[0]
	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
			return
		}
		s.getRun(w, r, runID)
		return
	}

	switch parts[1] {
	case "checkpoints":
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		if s.cfg.Store == nil {
			writeJSON(w, http.StatusOK, []state.CheckpointRecord{})
			return
		}
		rows, err := s.cfg.Store.ListCheckpoints(r.Context(), runID, parseInt(r.URL.Query().Get("limit"), 100))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, rows)
	case "checkpoint":
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		s.latestCheckpoint(w, r, runID)
	case "stream":
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		s.handleMessageSSE(w, r, runID)
	case "ws":
		s.handleWebSocket(w, r, runID)
	case "events":
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		if s.cfg.TraceStore == nil {
			writeJSON(w, http.StatusOK, []observe.Event{})
			return
		}
		events, err := s.cfg.TraceStore.ListEventsByRun(r.Context(), runID, observestore.ListQuery{
			Limit:  parseInt(r.URL.Query().Get("limit"), 500),
			Offset: parseInt(r.URL.Query().Get("offset"), 0),
			Kind:   observe.Kind(r.URL.Query().Get("kind")),
			Status: observe.Status(r.URL.Query().Get("status")),
			Label:  r.URL.Query().Get("label"),
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, events)
	case "hooks":
		s.handleHooks(w, r, runID, parts[2:])
	case "resume":
		if !allowMethod(w, r, http.MethodPost) {
			return
		}
		var body struct {
			Resolutions map[string]json.RawMessage `json:"resolutions"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		lr, err := s.runs.resume(r.Context(), runID, body.Resolutions)
		if err != nil {
			writeError(w, resumeStatus(err), err)
			return
		}
		writeJSON(w, http.StatusAccepted, lr.view())
	case "stop":
		if !allowMethod(w, r, http.MethodPost) {
			return
		}
		lr, ok := s.runs.active(runID)
		if !ok {
			writeError(w, http.StatusNotFound, errRunNotLive)
			return
		}
		lr.run.Stop()
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "runId": runID})
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unsupported run endpoint"))
	}
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request, runID string) {
	if s.cfg.Store == nil {
		lr, ok := s.runs.get(runID)
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Errorf("run %q not found", runID))
			return
		}
		writeJSON(w, http.StatusOK, lr.view())
		return
	}
	rec, err := s.cfg.Store.LoadRun(r.Context(), runID)
	if err != nil {
		if lr, ok := s.runs.get(runID); ok && errors.Is(err, state.ErrNotFound) {
			writeJSON(w, http.StatusOK, lr.view())
			return
		}
		writeError(w, storeStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, s.mergeLive(recordView(rec)))
}

// latestCheckpoint serves the in-memory checkpoint of a live run, or the
// latest persisted one.
func (s *Server) latestCheckpoint(w http.ResponseWriter, r *http.Request, runID string) {
	if lr, ok := s.runs.active(runID); ok {
		raw, err := lr.run.Checkpoint().Marshal()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, state.CheckpointRecord{
			RunID:      runID,
			Status:     lr.run.State().String(),
			Checkpoint: raw,
			CreatedAt:  time.Now().UTC(),
		})
		return
	}
	if s.cfg.Store == nil {
		writeError(w, http.StatusNotFound, errNoStore)
		return
	}
	rec, err := s.cfg.Store.LoadLatestCheckpoint(r.Context(), runID)
	if err != nil {
		writeError(w, storeStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleHooks serves
//
//	GET  hooks
//	POST hooks/{hookID}/resolve
//	POST hooks/{hookID}/cancel
//
// A resolution or cancellation for a run that is not active resumes it
// from its latest checkpoint, provided the persisted run is still waiting on
// that hook.
func (s *Server) handleHooks(w http.ResponseWriter, r *http.Request, runID string, rest []string) {
	if len(rest) == 0 {
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		if lr, ok := s.runs.get(runID); ok {
			writeJSON(w, http.StatusOK, lr.view().PendingHooks)
			return
		}
		if s.cfg.Store == nil {
			writeError(w, http.StatusNotFound, fmt.Errorf("run %q not found", runID))
			return
		}
		rec, err := s.cfg.Store.LoadRun(r.Context(), runID)
		if err != nil {
			writeError(w, storeStatus(err), err)
			return
		}
		writeJSON(w, http.StatusOK, rec.PendingHooks)
		return
	}
	if len(rest) != 2 {
		writeError(w, http.StatusNotFound, fmt.Errorf("unsupported hook endpoint"))
		return
	}
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	hookID, action := rest[0], rest[1]

	switch action {
	case "resolve":
		raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if !json.Valid(raw) {
			writeError(w, http.StatusBadRequest, fmt.Errorf("resolution must be JSON"))
			return
		}
		if lr, ok := s.runs.active(runID); ok {
			if err := lr.run.Resolve(hookID, json.RawMessage(raw)); err != nil {
				writeError(w, hookStatus(err), err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true, "runId": runID, "hookId": hookID})
			return
		}
		if err := s.checkPending(r.Context(), runID, hookID); err != nil {
			writeError(w, pendingStatus(err), err)
			return
		}
		lr, err := s.runs.resume(r.Context(), runID, map[string]json.RawMessage{hookID: raw})
		if err != nil {
			writeError(w, resumeStatus(err), err)
			return
		}
		writeJSON(w, http.StatusAccepted, lr.view())
	case "cancel":
		if lr, ok := s.runs.active(runID); ok {
			if err := lr.run.Cancel(hookID); err != nil {
				writeError(w, hookStatus(err), err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true, "runId": runID, "hookId": hookID})
			return
		}
		if s.cfg.Store == nil {
			writeError(w, http.StatusNotImplemented, errNoStore)
			return
		}
		if err := runtime.CancelPending(r.Context(), s.cfg.Store, runID, hookID); err != nil {
			writeError(w, pendingStatus(err), err)
			return
		}
		lr, err := s.runs.resume(r.Context(), runID, nil)
		if err != nil {
			writeError(w, resumeStatus(err), err)
			return
		}
		writeJSON(w, http.StatusAccepted, lr.view())
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unsupported hook action %q", action))
	}
}

func (s *Server) checkPending(ctx context.Context, runID, hookID string) error {
	if s.cfg.Store == nil {
		return errNoStore
	}
	_, err := runtime.LookupPending(ctx, s.cfg.Store, runID, hookID)
	return err
}

func (s *Server) handleMetricsSummary(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	if s.cfg.TraceStore == nil {
		writeJSON(w, http.StatusOK, observestore.MetricsSummary{})
		return
	}
	metrics, err := s.cfg.TraceStore.AggregateMetrics(r.Context(), observestore.MetricsQuery{})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

func startStatus(err error) int {
	switch {
	case errors.Is(err, errRunIsLive):
		return http.StatusConflict
	case errors.Is(err, errNoWorkflows):
		return http.StatusNotImplemented
	}
	return http.StatusBadRequest
}

func resumeStatus(err error) int {
	switch {
	case errors.Is(err, errNoStore):
		return http.StatusNotImplemented
	case errors.Is(err, state.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errRunIsLive), errors.Is(err, runtime.ErrRunLocked), errors.Is(err, runtime.ErrRunCompleted):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func hookStatus(err error) int {
	switch {
	case errors.Is(err, hooks.ErrUnknownHook):
		return http.StatusNotFound
	case errors.Is(err, hooks.ErrAlreadyResolved):
		return http.StatusConflict
	case errors.Is(err, hooks.ErrInvalidResolution):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func pendingStatus(err error) int {
	if errors.Is(err, hooks.ErrUnknownHook) || errors.Is(err, hooks.ErrAlreadyResolved) {
		return hookStatus(err)
	}
	return resumeStatus(err)
}

func storeStatus(err error) int {
	if errors.Is(err, state.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return false
	}
	return true
}

func decodeBody(r *http.Request, out any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	parts := strings.Split(trimmed, "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func parseInt(raw string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, map[string]any{"error": msg})
}
