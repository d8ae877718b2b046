// Package planner implements the Chain-Sync Planner (§4.6): a deterministic,
// single-transaction ranged scheduler that enqueues cryo_ingest tasks for a
// chain under a configured in-flight budget. Serialization is per-chain, via
// the row lock internal/store.ChainSyncStore.BeginPlan takes on the chain's
// cursor row.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/cryoforge/dispatcher/internal/ids"
	"github.com/cryoforge/dispatcher/internal/logging"
	"github.com/cryoforge/dispatcher/internal/store"
)

// ErrInvalidRequest is the sentinel wrapped by every validate() failure, so
// callers at a transport boundary can discriminate a malformed request from
// an infra failure the same way internal/dispatcher's translate() does for
// store sentinel errors.
var ErrInvalidRequest = errors.New("planner: invalid request")

// Request is the planner's input (§4.6: chain_id>0, from_block≥0,
// to_block>from_block exclusive, chunk_size>0, max_inflight>0).
type Request struct {
	ChainID     int64
	FromBlock   uint64
	ToBlock     uint64
	ChunkSize   uint64
	MaxInflight int
	ConfigHash  string
}

func (r Request) validate() error {
	switch {
	case r.ChainID <= 0:
		return fmt.Errorf("%w: chain_id must be positive", ErrInvalidRequest)
	case r.ToBlock <= r.FromBlock:
		return fmt.Errorf("%w: to_block must exceed from_block", ErrInvalidRequest)
	case r.ChunkSize == 0:
		return fmt.Errorf("%w: chunk_size must be positive", ErrInvalidRequest)
	case r.MaxInflight <= 0:
		return fmt.Errorf("%w: max_inflight must be positive", ErrInvalidRequest)
	}
	return nil
}

// Result is the planner's output: the count of newly scheduled ranges and
// the cursor position after this run.
type Result struct {
	ScheduledRanges int
	NextBlock       uint64
}

// taskPayload is the deterministic work payload written for every task this
// planner schedules.
type taskPayload struct {
	DatasetUUID uuid.UUID `json:"dataset_uuid"`
	ChainID     int64     `json:"chain_id"`
	RangeStart  uint64    `json:"range_start"`
	RangeEnd    uint64    `json:"range_end"`
	ConfigHash  string    `json:"config_hash"`
}

// Planner runs Plan over a store.ChainSyncStore.
type Planner struct {
	store       *store.ChainSyncStore
	wakeupTopic string
	logger      logging.Logger
}

// New constructs a Planner. wakeupTopic is the queue name every freshly
// scheduled task's first-attempt wakeup row is addressed to.
func New(s *store.ChainSyncStore, wakeupTopic string, logger logging.Logger) *Planner {
	return &Planner{store: s, wakeupTopic: wakeupTopic, logger: logging.OrNop(logger)}
}

// Plan runs the single-transaction algorithm of §4.6 and returns the number
// of ranges it scheduled plus the resulting cursor position. Calling Plan
// twice with identical arguments after the first call fully lands is
// idempotent: the second call schedules zero new ranges and reports the
// same next_block.
func (p *Planner) Plan(ctx context.Context, req Request) (Result, error) {
	if err := req.validate(); err != nil {
		return Result{}, fmt.Errorf("invalid chain-sync plan request: %w", err)
	}

	tx, nextBlock, err := p.store.BeginPlan(ctx, req.ChainID, req.FromBlock)
	if err != nil {
		return Result{}, fmt.Errorf("begin plan for chain %d: %w", req.ChainID, err)
	}
	committed := false
	defer func() {
		if !committed {
			p.store.AbortPlan(ctx, tx)
		}
	}()

	inflight, err := p.store.InFlightCount(ctx, tx, req.ChainID)
	if err != nil {
		return Result{}, err
	}
	remaining := req.MaxInflight - inflight
	if remaining < 0 {
		remaining = 0
	}

	datasetUUID := ids.ChainIngestDatasetUUID(req.ChainID)
	scheduled := 0

	for remaining > 0 && nextBlock < req.ToBlock {
		start := nextBlock
		endExclusive := start + req.ChunkSize
		if endExclusive > req.ToBlock {
			endExclusive = req.ToBlock
		}
		endInclusive := endExclusive - 1

		taskID := uuid.New()
		err := p.store.InsertRange(ctx, tx, req.ChainID, start, endInclusive, taskID)
		if errors.Is(err, store.ErrRangeAlreadyScheduled) {
			nextBlock = endExclusive
			continue
		}
		if err != nil {
			return Result{}, fmt.Errorf("insert range [%d,%d] for chain %d: %w", start, endInclusive, req.ChainID, err)
		}

		payload, err := json.Marshal(taskPayload{
			DatasetUUID: datasetUUID,
			ChainID:     req.ChainID,
			RangeStart:  start,
			RangeEnd:    endInclusive,
			ConfigHash:  req.ConfigHash,
		})
		if err != nil {
			return Result{}, fmt.Errorf("encode task payload: %w", err)
		}
		if err := p.store.InsertTask(ctx, tx, taskID, payload); err != nil {
			return Result{}, fmt.Errorf("insert task %s: %w", taskID, err)
		}

		outboxID := ids.OutboxWakeupID(taskID.String(), 1)
		wakeupPayload, err := json.Marshal(map[string]any{"task_id": taskID.String()})
		if err != nil {
			return Result{}, fmt.Errorf("encode wakeup payload: %w", err)
		}
		if err := p.store.InsertWakeupOutbox(ctx, tx, outboxID, p.wakeupTopic, wakeupPayload); err != nil {
			return Result{}, fmt.Errorf("enqueue wakeup for task %s: %w", taskID, err)
		}

		scheduled++
		remaining--
		nextBlock = endExclusive
	}

	if err := p.store.CommitPlan(ctx, tx, req.ChainID, nextBlock); err != nil {
		return Result{}, fmt.Errorf("commit plan for chain %d: %w", req.ChainID, err)
	}
	committed = true

	p.logger.Info("chain-sync plan for chain %d scheduled %d range(s), next_block=%d", req.ChainID, scheduled, nextBlock)
	return Result{ScheduledRanges: scheduled, NextBlock: nextBlock}, nil
}
