// Package cowdisk implements a copy-on-write virtual disk engine: a base
// disk overlaid by an ordered chain of redo logs, each redo log mapping
// guest sectors to grains through a two-level (root table, leaf table)
// index.
//
// Subpackages implement the engine's components: diskio (the file/volume
// switch the engine consumes), header (on-disk redo-log layout), leafcache
// (the fully-associative leaf-entry cache), mapping (the two-level
// translation and free-space allocator), writequeue (the ready/active
// metadata-update queues), handletable (the process-wide chain-handle
// registry), chain (redo-log chain lifecycle and locking), readpath,
// writepath (the five-state write state machine), commit (online
// merge-down and splice) and recovery (the unclean-shutdown scan).
//
// This package is the foundation the subpackages build on: error codes,
// structured logging configuration, and the sector/grain/leaf constants
// that are normative across the whole engine.
package cowdisk

// Timeout model
//
// The engine has no intrinsic timeout (§5). Callers bound operations with
// a context.Context; cancellation surfaces as completion of the
// outstanding I/O with a cancelled status, handled by the write state
// machine exactly like any other I/O error. Retries, where they occur at
// all, live in the diskio adapter, never in the core state machine.
