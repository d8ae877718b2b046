// Package dispatcher implements the Task State Machine (§4.3): the
// claim/heartbeat/buffer-publish/complete endpoints and their atomic,
// fenced transitions. It orchestrates internal/store.TaskStore under row
// locks and internal/capability for request binding, and calls into
// internal/store's dataset registration inline with a successful
// completion, matching the teacher's pattern of a thin domain-orchestrator
// type sitting in front of a Postgres-backed store.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/cryoforge/dispatcher/internal/apperr"
	"github.com/cryoforge/dispatcher/internal/capability"
	"github.com/cryoforge/dispatcher/internal/ids"
	"github.com/cryoforge/dispatcher/internal/logging"
	"github.com/cryoforge/dispatcher/internal/store"
)

// Config carries the dispatcher's runtime policy knobs (§6).
type Config struct {
	OrgID                  string
	BufferTopic            string
	WakeupTopic            string
	DefaultGrants          capability.Grants
	AllowAutoCreateOnClaim bool
}

// TaskStore is the persistence port the Task State Machine depends on: the
// shape of internal/store.TaskStore, narrowed to an interface so tests can
// substitute an in-memory fake instead of a Postgres fixture, mirroring the
// teacher's kernel.Store port over its own dispatch store.
type TaskStore interface {
	Claim(ctx context.Context, taskID uuid.UUID, allowAutoCreate bool) (store.ClaimResult, error)
	Heartbeat(ctx context.Context, taskID uuid.UUID, attempt int, leaseToken uuid.UUID) (time.Time, error)
	BufferPublish(ctx context.Context, taskID uuid.UUID, attempt int, leaseToken uuid.UUID, outboxID uuid.UUID, bufferTopic string, requestBody json.RawMessage) error
	Complete(ctx context.Context, taskID uuid.UUID, attempt int, leaseToken uuid.UUID, outcome store.Outcome, wakeupOutboxID uuid.UUID, wakeupTopic string, onSuccess func(tx pgx.Tx) error) (store.CompleteResult, error)
}

var _ TaskStore = (*store.TaskStore)(nil)

// Dispatcher is the Task State Machine's orchestrator.
type Dispatcher struct {
	cfg      Config
	tasks    TaskStore
	issuer   *capability.Issuer
	verifier *capability.Verifier
	logger   logging.Logger
}

// New constructs a Dispatcher.
func New(cfg Config, tasks TaskStore, issuer *capability.Issuer, verifier *capability.Verifier, logger logging.Logger) *Dispatcher {
	return &Dispatcher{cfg: cfg, tasks: tasks, issuer: issuer, verifier: verifier, logger: logging.OrNop(logger)}
}

// ClaimResponse is returned by Claim.
type ClaimResponse struct {
	TaskID          uuid.UUID       `json:"task_id"`
	Attempt         int             `json:"attempt"`
	LeaseToken      uuid.UUID       `json:"lease_token"`
	LeaseExpiresAt  time.Time       `json:"lease_expires_at"`
	CapabilityToken string          `json:"capability_token"`
	WorkPayload     json.RawMessage `json:"work_payload"`
}

// Claim implements POST /internal/task-claim.
func (d *Dispatcher) Claim(ctx context.Context, taskID uuid.UUID) (ClaimResponse, error) {
	result, err := d.tasks.Claim(ctx, taskID, d.cfg.AllowAutoCreateOnClaim)
	if err != nil {
		return ClaimResponse{}, translate(err, taskID)
	}

	token, err := d.issuer.Issue(d.cfg.OrgID, taskID, result.Attempt, d.cfg.DefaultGrants)
	if err != nil {
		return ClaimResponse{}, apperr.Internal(fmt.Errorf("issue capability for task %s: %w", taskID, err))
	}

	return ClaimResponse{
		TaskID:          result.TaskID,
		Attempt:         result.Attempt,
		LeaseToken:      result.LeaseToken,
		LeaseExpiresAt:  result.LeaseExpiresAt,
		CapabilityToken: token,
		WorkPayload:     result.WorkPayload,
	}, nil
}

// Fence is the (task_id, attempt, lease_token) tuple every privileged
// endpoint is called with.
type Fence struct {
	TaskID     uuid.UUID `json:"task_id" validate:"required"`
	Attempt    int       `json:"attempt" validate:"required,min=1"`
	LeaseToken uuid.UUID `json:"lease_token" validate:"required"`
}

// authorize verifies the capability token and enforces request binding,
// the precondition every privileged endpoint shares.
func (d *Dispatcher) authorize(capabilityToken string, fence Fence) error {
	claims, err := d.verifier.Verify(capabilityToken)
	if err != nil {
		return apperr.Unauthorized("invalid or expired capability token")
	}
	if err := capability.Bind(claims, fence.TaskID, fence.Attempt); err != nil {
		return apperr.Forbidden("capability token does not bind to this request")
	}
	return nil
}

// Heartbeat implements POST /v1/task/heartbeat.
func (d *Dispatcher) Heartbeat(ctx context.Context, capabilityToken string, fence Fence) (time.Time, error) {
	if err := d.authorize(capabilityToken, fence); err != nil {
		return time.Time{}, err
	}
	expiresAt, err := d.tasks.Heartbeat(ctx, fence.TaskID, fence.Attempt, fence.LeaseToken)
	if err != nil {
		return time.Time{}, translate(err, fence.TaskID)
	}
	return expiresAt, nil
}

// BufferPublishRequest is the body of POST /v1/task/buffer-publish.
type BufferPublishRequest struct {
	Fence
	BatchURI       string `json:"batch_uri" validate:"required"`
	ContentType    string `json:"content_type" validate:"required"`
	BatchSizeBytes int64  `json:"batch_size_bytes" validate:"min=0"`
	DedupeScope    string `json:"dedupe_scope"`
}

// BufferPublish implements POST /v1/task/buffer-publish.
func (d *Dispatcher) BufferPublish(ctx context.Context, capabilityToken string, req BufferPublishRequest) error {
	if err := d.authorize(capabilityToken, req.Fence); err != nil {
		return err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return apperr.Internal(fmt.Errorf("encode buffer-publish body: %w", err))
	}
	outboxID := ids.OutboxBufferPublishID(req.TaskID.String(), req.Attempt, req.BatchURI)

	if err := d.tasks.BufferPublish(ctx, req.TaskID, req.Attempt, req.LeaseToken, outboxID, d.cfg.BufferTopic, body); err != nil {
		return translate(err, req.TaskID)
	}
	return nil
}

// Outcome mirrors store.Outcome at the dispatcher's API boundary so callers
// never need to import internal/store directly.
type Outcome = store.Outcome

const (
	OutcomeSuccess        = store.OutcomeSuccess
	OutcomeFatalError     = store.OutcomeFatalError
	OutcomeRetryableError = store.OutcomeRetryableError
)

// DatasetPublished is one element of CompleteRequest.DatasetsPublished.
type DatasetPublished struct {
	DatasetUUID   uuid.UUID `json:"dataset_uuid" validate:"required"`
	StoragePrefix string    `json:"storage_prefix" validate:"required"`
	ConfigHash    string    `json:"config_hash" validate:"required"`
	ChainID       int64     `json:"chain_id" validate:"required"`
	RangeStart    uint64    `json:"range_start"`
	RangeEnd      uint64    `json:"range_end" validate:"gtfield=RangeStart"`
}

// CompleteRequest is the body of POST /v1/task/complete.
type CompleteRequest struct {
	Fence
	Outcome           Outcome            `json:"outcome" validate:"required,oneof=success fatal_error retryable_error"`
	DatasetsPublished []DatasetPublished `json:"datasets_published,omitempty"`
}

// Complete implements POST /v1/task/complete.
func (d *Dispatcher) Complete(ctx context.Context, capabilityToken string, req CompleteRequest) (store.CompleteResult, error) {
	if err := d.authorize(capabilityToken, req.Fence); err != nil {
		return store.CompleteResult{}, err
	}

	wakeupOutboxID := ids.OutboxWakeupID(req.TaskID.String(), req.Attempt+1)

	var onSuccess func(tx pgx.Tx) error
	if req.Outcome == OutcomeSuccess && len(req.DatasetsPublished) > 0 {
		onSuccess = func(tx pgx.Tx) error {
			for _, dp := range req.DatasetsPublished {
				version := ids.DatasetVersion(dp.DatasetUUID, dp.ConfigHash, dp.ChainID, dp.RangeStart, dp.RangeEnd)
				err := store.RegisterDatasetVersion(ctx, tx, store.DatasetVersion{
					DatasetVersion: version,
					DatasetUUID:    dp.DatasetUUID,
					StoragePrefix:  dp.StoragePrefix,
					ConfigHash:     dp.ConfigHash,
					RangeStart:     dp.RangeStart,
					RangeEnd:       dp.RangeEnd,
				})
				if errors.Is(err, store.ErrDatasetDiverged) {
					return apperr.Conflict("dataset version diverged from an existing publication")
				}
				if err != nil {
					return fmt.Errorf("register dataset version: %w", err)
				}
			}
			return nil
		}
	}

	result, err := d.tasks.Complete(ctx, req.TaskID, req.Attempt, req.LeaseToken, req.Outcome, wakeupOutboxID, d.cfg.WakeupTopic, onSuccess)
	if err != nil {
		var appErr *apperr.Error
		if errors.As(err, &appErr) {
			return store.CompleteResult{}, err
		}
		return store.CompleteResult{}, translate(err, req.TaskID)
	}
	return result, nil
}

// translate maps store sentinel errors onto the dispatcher's tagged error
// taxonomy, the same domain-sentinel-to-boundary-error split the teacher
// draws in its HTTP error mapper.
func translate(err error, taskID uuid.UUID) error {
	switch {
	case errors.Is(err, store.ErrConflict):
		return apperr.Conflict(fmt.Sprintf("task %s is not claimable or fence is stale", taskID))
	case errors.Is(err, store.ErrNotFound):
		return apperr.Validation(fmt.Sprintf("task %s does not exist", taskID))
	default:
		return apperr.Internal(err)
	}
}
