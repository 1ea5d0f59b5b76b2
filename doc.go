// Package acid contains the atomic-transaction layer of a versioned,
// record-oriented database engine: speculative atomic operations with
// just-in-time locking, version-change preemption, write-set buffering
// and a crash-safe backup-then-commit transaction protocol.
//
// The root package holds the shared value types (Write, Token, lock
// contracts) and the collaborator interfaces the layer consumes. The
// transaction core lives in the common package; in_memory hosts a
// single-process engine stand-in and lock table; redis hosts the
// clustered lock service.
package acid
