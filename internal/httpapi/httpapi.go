// Package httpapi exposes the dispatcher's HTTP surface (§6): the four
// task-lifecycle endpoints, the operator-triggered chain-sync plan
// endpoint, and the operational probes. Routes use Go 1.22+ method-pattern
// ServeMux registration and a fixed middleware chain, the same shape as the
// teacher's router.go.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cryoforge/dispatcher/internal/apperr"
	"github.com/cryoforge/dispatcher/internal/dispatcher"
	"github.com/cryoforge/dispatcher/internal/logging"
	"github.com/cryoforge/dispatcher/internal/planner"
)

// CapabilityHeader is the single HTTP header carrying the signed capability
// token on every privileged call (§6).
const CapabilityHeader = "X-Capability-Token"

// Pinger is the readiness probe's dependency: anything that can report
// whether the state store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the handlers' collaborators.
type Deps struct {
	Dispatcher *dispatcher.Dispatcher
	Planner    *planner.Planner
	Pinger     Pinger
	Logger     logging.Logger
	Metrics    *prometheus.Registry
}

var validate = validator.New()

// NewRouter builds the full handler chain: routes wrapped in the
// middleware stack.
func NewRouter(deps Deps) http.Handler {
	logger := logging.OrNop(deps.Logger)
	h := &handlers{deps: deps, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /internal/task-claim", h.claim)
	mux.HandleFunc("POST /v1/task/heartbeat", h.heartbeat)
	mux.HandleFunc("POST /v1/task/buffer-publish", h.bufferPublish)
	mux.HandleFunc("POST /v1/task/complete", h.complete)
	mux.HandleFunc("POST /v1/chain-sync/plan", h.chainSyncPlan)
	mux.HandleFunc("GET /healthz", h.healthz)
	mux.HandleFunc("GET /readyz", h.readyz)
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(deps.Metrics, promhttp.HandlerOpts{}))
	}

	var handler http.Handler = mux
	handler = tracingMiddleware()(handler)
	handler = recoveryMiddleware(logger)(handler)
	handler = loggingMiddleware(logger)(handler)
	return handler
}

type handlers struct {
	deps   Deps
	logger logging.Logger
}

func (h *handlers) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

func (h *handlers) writeError(w http.ResponseWriter, err error) {
	h.logger.Warn("request failed: %v", err)
	h.writeJSON(w, apperr.HTTPStatus(err), map[string]string{"error": apperr.ClientMessage(err)})
}

func (h *handlers) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeError(w, apperr.Validation("malformed JSON body"))
		return false
	}
	if err := validate.Struct(dst); err != nil {
		h.writeError(w, apperr.Validation(err.Error()))
		return false
	}
	return true
}

type claimRequest struct {
	TaskID uuid.UUID `json:"task_id" validate:"required"`
}

func (h *handlers) claim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	resp, err := h.deps.Dispatcher.Claim(r.Context(), req.TaskID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) capabilityToken(r *http.Request) string {
	return r.Header.Get(CapabilityHeader)
}

func (h *handlers) heartbeat(w http.ResponseWriter, r *http.Request) {
	var fence dispatcher.Fence
	if !h.decodeAndValidate(w, r, &fence) {
		return
	}
	expiresAt, err := h.deps.Dispatcher.Heartbeat(r.Context(), h.capabilityToken(r), fence)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]time.Time{"lease_expires_at": expiresAt})
}

func (h *handlers) bufferPublish(w http.ResponseWriter, r *http.Request) {
	var req dispatcher.BufferPublishRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	if err := h.deps.Dispatcher.BufferPublish(r.Context(), h.capabilityToken(r), req); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, nil)
}

func (h *handlers) complete(w http.ResponseWriter, r *http.Request) {
	var req dispatcher.CompleteRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	result, err := h.deps.Dispatcher.Complete(r.Context(), h.capabilityToken(r), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

type chainSyncPlanRequest struct {
	ChainID     int64  `json:"chain_id" validate:"required,gt=0"`
	FromBlock   uint64 `json:"from_block"`
	ToBlock     uint64 `json:"to_block" validate:"gtfield=FromBlock"`
	ChunkSize   uint64 `json:"chunk_size" validate:"required,gt=0"`
	MaxInflight int    `json:"max_inflight" validate:"required,gt=0"`
	ConfigHash  string `json:"config_hash"`
}

type chainSyncPlanResponse struct {
	ScheduledRanges int    `json:"scheduled_ranges"`
	NextBlock       uint64 `json:"next_block"`
}

func (h *handlers) chainSyncPlan(w http.ResponseWriter, r *http.Request) {
	if h.deps.Planner == nil {
		h.writeError(w, apperr.Internal(nil))
		return
	}
	var req chainSyncPlanRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	result, err := h.deps.Planner.Plan(r.Context(), planner.Request{
		ChainID:     req.ChainID,
		FromBlock:   req.FromBlock,
		ToBlock:     req.ToBlock,
		ChunkSize:   req.ChunkSize,
		MaxInflight: req.MaxInflight,
		ConfigHash:  req.ConfigHash,
	})
	if err != nil {
		h.writeError(w, translatePlanErr(err))
		return
	}
	h.writeJSON(w, http.StatusOK, chainSyncPlanResponse{ScheduledRanges: result.ScheduledRanges, NextBlock: result.NextBlock})
}

// translatePlanErr maps planner errors onto the dispatcher's tagged error
// taxonomy, the same domain-sentinel-to-boundary-error split
// internal/dispatcher's translate() draws for store sentinel errors: only a
// malformed request is a client error, everything else (infra/DB failures)
// stays Internal so it's logged server-side and never echoed to the caller.
func translatePlanErr(err error) error {
	if errors.Is(err, planner.ErrInvalidRequest) {
		return apperr.Validation(err.Error())
	}
	return apperr.Internal(err)
}

func (h *handlers) healthz(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) readyz(w http.ResponseWriter, r *http.Request) {
	if h.deps.Pinger == nil {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.deps.Pinger.Ping(ctx); err != nil {
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
