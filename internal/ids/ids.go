// Package ids centralizes the deterministic (UUIDv5) identifier derivations
// used across the dispatcher so every producer agrees on the same namespace
// bytes. Content-derived ids are what make outbox inserts and
// dataset-version registration idempotent under retry.
package ids

import (
	"strconv"

	"github.com/google/uuid"
)

// Namespaces, one per producer, derived once from a fixed seed so they are
// stable across builds and processes. Never change these values; doing so
// would silently break idempotency for anyone replaying old inputs.
var (
	NamespaceOutbox           = uuid.NewSHA1(uuid.Nil, []byte("dispatcher.outbox"))
	NamespaceChainDataset     = uuid.NewSHA1(uuid.Nil, []byte("dispatcher.chain_dataset"))
	NamespaceDatasetVersion   = uuid.NewSHA1(uuid.Nil, []byte("dispatcher.dataset_version"))
	NamespaceChainSyncDataset = uuid.NewSHA1(uuid.Nil, []byte("dispatcher.chain_sync_dataset"))
	NamespaceChainSyncYAML    = uuid.NewSHA1(uuid.Nil, []byte("dispatcher.chain_sync_yaml"))
)

// New returns a random v4 id, used for task_id, message_id, and lease_token
// values that carry no content-addressing requirement.
func New() uuid.UUID {
	return uuid.New()
}

// Derive returns a deterministic v5 id for name within namespace. Identical
// (namespace, name) pairs always produce the identical id.
func Derive(namespace uuid.UUID, name string) uuid.UUID {
	return uuid.NewSHA1(namespace, []byte(name))
}

// OutboxBufferPublishID derives the content-addressed outbox row id for a
// buffer-publish side effect: repeated calls with the same
// task/attempt/batch collapse to one row.
func OutboxBufferPublishID(taskID string, attempt int, batchURI string) uuid.UUID {
	return Derive(NamespaceOutbox, "buffer_publish:"+taskID+":"+strconv.Itoa(attempt)+":"+batchURI)
}

// OutboxWakeupID derives the content-addressed outbox row id for a task
// wakeup at a given attempt.
func OutboxWakeupID(taskID string, attempt int) uuid.UUID {
	return Derive(NamespaceOutbox, "task_wakeup:"+taskID+":"+strconv.Itoa(attempt))
}

// ChainIngestDatasetUUID derives the stable dataset_uuid for a chain's
// cryo_ingest.blocks dataset.
func ChainIngestDatasetUUID(chainID int64) uuid.UUID {
	return Derive(NamespaceChainDataset, "cryo_ingest.blocks:"+strconv.FormatInt(chainID, 10))
}

// DatasetVersion derives the content-addressed dataset_version id. A
// divergent rewrite of the same id is a conflict, never an overwrite.
func DatasetVersion(datasetUUID uuid.UUID, configHash string, chainID int64, rangeStart, rangeEnd uint64) uuid.UUID {
	name := datasetUUID.String() + ":" + configHash + ":" +
		strconv.FormatInt(chainID, 10) + ":" +
		strconv.FormatUint(rangeStart, 10) + ":" + strconv.FormatUint(rangeEnd, 10)
	return Derive(NamespaceDatasetVersion, name)
}
