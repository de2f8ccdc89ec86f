package api

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"polyglot-sandbox/internal/executor"
	"polyglot-sandbox/internal/manager"
	"polyglot-sandbox/internal/monitor"
	"polyglot-sandbox/internal/policy"
	"polyglot-sandbox/internal/runtime"
	"polyglot-sandbox/internal/sandbox"
	"polyglot-sandbox/internal/storage"
)

type Handlers struct {
	coordinator *executor.Coordinator
	loader      *manager.Loader
	policies    *policy.Engine
	store       storage.Store
	metrics     *monitor.Metrics
	budget      int64
}

func NewHandlers(coordinator *executor.Coordinator, loader *manager.Loader, policies *policy.Engine, store storage.Store, metrics *monitor.Metrics, budgetBytes int64) *Handlers {
	return &Handlers{
		coordinator: coordinator,
		loader:      loader,
		policies:    policies,
		store:       store,
		metrics:     metrics,
		budget:      budgetBytes,
	}
}

func (h *Handlers) decodeExecute(w http.ResponseWriter, r *http.Request) (executor.Request, bool) {
	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return executor.Request{}, false
	}
	if req.Language == "" {
		writeError(w, "language is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return executor.Request{}, false
	}
	if req.Code == "" {
		writeError(w, "code is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return executor.Request{}, false
	}
	// The ID is known before the run starts so clients can cancel it.
	id := uuid.NewString()
	w.Header().Set("X-Execution-ID", id)
	return executor.Request{
		ID:        id,
		Language:  req.Language,
		Code:      req.Code,
		Policy:    policy.Level(req.Policy),
		Overrides: req.Overrides.policy(),
		Env:       req.Env,
		RequestIP: clientIP(r),
	}, true
}

func (h *Handlers) HandleExecute(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeExecute(w, r)
	if !ok {
		return
	}

	res, err := h.coordinator.Execute(r.Context(), req)
	if err != nil {
		h.writeExecuteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newExecuteResponse(res))
}

func (h *Handlers) HandleExecuteStream(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeExecute(w, r)
	if !ok {
		return
	}

	stream := newSSEStream(w)
	if stream == nil {
		writeError(w, "streaming not supported", "STREAMING_UNSUPPORTED", http.StatusInternalServerError, r)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	req.Stdout = stream.writer("stdout")
	req.Stderr = stream.writer("stderr")
	res, err := h.coordinator.Execute(r.Context(), req)
	if err != nil {
		log.Warn().Err(err).Str("exec_id", req.ID).Msg("streaming execution rejected")
		stream.finish("error", err.Error())
		return
	}

	doneData, _ := json.Marshal(newExecuteResponse(res))
	stream.finish("done", string(doneData))
}

// writeExecuteError maps request and load errors to status codes. Policy
// outcomes never reach here; they are part of a 200 response.
func (h *Handlers) writeExecuteError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, sandbox.ErrUnsupportedLang), errors.Is(err, sandbox.ErrInvalidRequest):
		writeError(w, err.Error(), "VALIDATION_ERROR", http.StatusBadRequest, r)
	case errors.Is(err, sandbox.ErrRuntimeLoad):
		writeError(w, err.Error(), "RUNTIME_UNAVAILABLE", http.StatusServiceUnavailable, r)
	default:
		h.metrics.RecordError("internal")
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("execution failed")
		writeError(w, "execution failed", "EXECUTION_FAILED", http.StatusInternalServerError, r)
	}
}

func (h *Handlers) HandleListRuntimes(w http.ResponseWriter, r *http.Request) {
	registry := h.loader.Registry()
	descs := h.loader.Catalog().All()
	out := make([]RuntimeResponse, 0, len(descs))
	for _, d := range descs {
		info, loaded := registry.Get(d.Language)
		out = append(out, newRuntimeResponse(d, info, loaded))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) HandleGetRuntime(w http.ResponseWriter, r *http.Request) {
	desc, ok := h.describe(w, r)
	if !ok {
		return
	}
	info, loaded := h.loader.Registry().Get(desc.Language)
	writeJSON(w, http.StatusOK, newRuntimeResponse(desc, info, loaded))
}

func (h *Handlers) HandleLoadRuntime(w http.ResponseWriter, r *http.Request) {
	desc, ok := h.describe(w, r)
	if !ok {
		return
	}
	if _, err := h.loader.EnsureLoaded(r.Context(), string(desc.Language)); err != nil {
		if r.Context().Err() != nil {
			writeError(w, "request cancelled", "CANCELLED", http.StatusRequestTimeout, r)
			return
		}
		writeError(w, err.Error(), "RUNTIME_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}
	info, loaded := h.loader.Registry().Get(desc.Language)
	writeJSON(w, http.StatusOK, newRuntimeResponse(desc, info, loaded))
}

// HandleUnloadRuntime unloads an idle runtime. ?force=true also unloads a
// busy one.
func (h *Handlers) HandleUnloadRuntime(w http.ResponseWriter, r *http.Request) {
	desc, ok := h.describe(w, r)
	if !ok {
		return
	}

	registry := h.loader.Registry()
	var err error
	if force, _ := strconv.ParseBool(r.URL.Query().Get("force")); force {
		err = registry.ForceUnload(r.Context(), desc.Language)
	} else {
		err = registry.Unload(r.Context(), desc.Language)
	}

	switch {
	case errors.Is(err, manager.ErrNotLoaded):
		writeError(w, err.Error(), "NOT_LOADED", http.StatusNotFound, r)
	case errors.Is(err, manager.ErrBusy):
		writeError(w, err.Error(), "RUNTIME_BUSY", http.StatusConflict, r)
	case err != nil:
		// The instance is gone from the registry even when cleanup fails.
		log.Warn().Err(err).Str("language", string(desc.Language)).Msg("runtime cleanup failed")
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *Handlers) describe(w http.ResponseWriter, r *http.Request) (runtime.Descriptor, bool) {
	desc, err := h.loader.Catalog().Describe(r.PathValue("language"))
	if err != nil {
		writeError(w, err.Error(), "UNKNOWN_LANGUAGE", http.StatusNotFound, r)
		return runtime.Descriptor{}, false
	}
	return desc, true
}

func (h *Handlers) HandleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, "execution ID required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if !h.coordinator.Cancel(id) {
		writeError(w, "no running execution with that ID", "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	writeJSON(w, http.StatusAccepted, CancelResponse{ID: id, Cancelled: 1})
}

func (h *Handlers) HandleCancelAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusAccepted, CancelResponse{Cancelled: h.coordinator.CancelAll()})
}

func (h *Handlers) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, "execution ID required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	if h.store == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	exec, err := h.store.GetExecution(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, "execution not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	if err != nil {
		log.Error().Err(err).Str("exec_id", id).Msg("get execution failed")
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusOK, exec)
}

func (h *Handlers) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	q := r.URL.Query()
	filter := storage.ExecutionFilter{
		Language: q.Get("language"),
		State:    q.Get("state"),
	}
	var err error
	if v := q.Get("limit"); v != "" {
		if filter.Limit, err = strconv.Atoi(v); err != nil || filter.Limit < 0 {
			writeError(w, "limit must be a non-negative integer", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
	}
	if v := q.Get("offset"); v != "" {
		if filter.Offset, err = strconv.Atoi(v); err != nil || filter.Offset < 0 {
			writeError(w, "offset must be a non-negative integer", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
	}

	execs, err := h.store.ListExecutions(r.Context(), filter)
	if err != nil {
		log.Error().Err(err).Msg("list executions failed")
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	if execs == nil {
		execs = []storage.Execution{}
	}

	writeJSON(w, http.StatusOK, execs)
}

func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats := h.loader.Registry().Stats()
	resp := StatsResponse{
		TotalMemoryMB:     bytesToMB(stats.TotalMemoryBytes),
		MemoryBudgetMB:    bytesToMB(h.budget),
		LoadedRuntimes:    make([]string, 0, len(stats.LoadedRuntimes)),
		AverageLoadTimeMS: stats.AverageLoadTime.Milliseconds(),
		ActiveExecutions:  h.coordinator.Active(),
		RunningRuntimes:   h.coordinator.Running(),
		Usage:             make(map[string]UsageStats, len(stats.Usage)),
	}
	for _, l := range stats.LoadedRuntimes {
		resp.LoadedRuntimes = append(resp.LoadedRuntimes, string(l))
	}
	for l, u := range stats.Usage {
		resp.Usage[string(l)] = UsageStats(u)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) HandlePolicies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.policies.Profiles())
}

// clientIP drops the port from RemoteAddr. X-Forwarded-For is not trusted.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
