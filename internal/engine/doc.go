// Package engine wires the scan index, artifact store, thumbnail cache,
// scheduler, indexer and directory watchers into one background service.
// It owns the task executors, the live-change handling, the periodic
// reconcile pass and graceful shutdown.
package engine
