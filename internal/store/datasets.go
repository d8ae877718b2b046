package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// DatasetVersion is a row of dispatcher.dataset_versions.
type DatasetVersion struct {
	DatasetVersion uuid.UUID
	DatasetUUID    uuid.UUID
	StoragePrefix  string
	ConfigHash     string
	RangeStart     uint64
	RangeEnd       uint64
}

// ErrDatasetDiverged marks a dataset_version id that already exists with
// different field values — a bug, never a benign retry, since the id is
// content-derived from those same fields.
var ErrDatasetDiverged = errors.New("store: dataset version diverged from existing row")

// RegisterDatasetVersion implements §4.7 inside tx: insert with ON CONFLICT
// (dataset_version) DO NOTHING; if no row was inserted, re-read the
// existing row and require field-for-field equality, failing closed on any
// divergence. Called from TaskStore.Complete's onSuccess hook so it shares
// the completion's transaction and its abort-on-conflict behavior.
func RegisterDatasetVersion(ctx context.Context, tx pgx.Tx, v DatasetVersion) error {
	tag, err := tx.Exec(ctx,
		`INSERT INTO `+schemaName+`.dataset_versions
			(dataset_version, dataset_uuid, storage_prefix, config_hash, range_start, range_end)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (dataset_version) DO NOTHING`,
		v.DatasetVersion, v.DatasetUUID, v.StoragePrefix, v.ConfigHash, v.RangeStart, v.RangeEnd,
	)
	if err != nil {
		return fmt.Errorf("insert dataset version %s: %w", v.DatasetVersion, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var existing DatasetVersion
	err = tx.QueryRow(ctx,
		`SELECT dataset_version, dataset_uuid, storage_prefix, config_hash, range_start, range_end
		 FROM `+schemaName+`.dataset_versions WHERE dataset_version = $1`,
		v.DatasetVersion,
	).Scan(&existing.DatasetVersion, &existing.DatasetUUID, &existing.StoragePrefix,
		&existing.ConfigHash, &existing.RangeStart, &existing.RangeEnd)
	if err != nil {
		return fmt.Errorf("read existing dataset version %s: %w", v.DatasetVersion, err)
	}

	if existing != v {
		return fmt.Errorf("%w: %s", ErrDatasetDiverged, v.DatasetVersion)
	}
	return nil
}
