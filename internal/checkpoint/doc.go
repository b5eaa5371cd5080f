// Package checkpoint persists engine state after every step.
//
// Checkpoints are immutable and parent-linked, so restoring an earlier one
// and continuing starts a new branch under it. Each thread carries a
// monotonically increasing sequence; a store rejects an append whose
// sequence is not the current maximum plus one, which lets several
// processes share one store without silently interleaving a thread.
//
// Three stores are provided: MemoryStore for tests and ephemeral runs,
// SQLiteStore for a single host and RedisStore for shared deployments.
// Individual checkpoints cannot be deleted, only whole threads.
package checkpoint
