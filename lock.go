package acid

import (
	"context"
	"sort"
	"time"
)

// LockMode enumerates how a Token will be held.
type LockMode int

const (
	// ReadMode is shared: concurrent readers of the same token do not conflict.
	ReadMode LockMode = iota + 1
	// WriteMode is exclusive.
	WriteMode
	// RangeMode fences the value range of a key; treated as exclusive.
	RangeMode
)

func (m LockMode) String() string {
	switch m {
	case ReadMode:
		return "READ"
	case WriteMode:
		return "WRITE"
	case RangeMode:
		return "RANGE"
	}
	return "UNKNOWN"
}

// LockIntention is a lock requirement recorded during speculative execution
// but not yet satisfied by an actual acquisition.
type LockIntention struct {
	Token Token    `json:"token"`
	Mode  LockMode `json:"mode"`
}

// LockDescription is the serializable form of a realized lock. It carries
// enough information to be re-acquired identically during recovery.
type LockDescription struct {
	Token Token    `json:"token"`
	Mode  LockMode `json:"mode"`
}

// LockKey is the unit a LockService operates on. LockID identifies the
// owner attempting acquisition; IsLockOwner is maintained by the service
// so Unlock only releases keys this owner actually holds.
type LockKey struct {
	Token       Token
	Mode        LockMode
	LockID      UUID
	IsLockOwner bool
}

// Description returns the serializable form of the key.
func (lk *LockKey) Description() LockDescription {
	return LockDescription{Token: lk.Token, Mode: lk.Mode}
}

// CreateLockKeys converts intentions into lock keys sharing one owner ID,
// sorted by token so acquisition order is deterministic across committers.
func CreateLockKeys(intentions []LockIntention) []*LockKey {
	ownerID := NewUUID()
	keys := make([]*LockKey, len(intentions))
	for i, in := range intentions {
		keys[i] = &LockKey{Token: in.Token, Mode: in.Mode, LockID: ownerID}
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].Token.Compare(keys[j].Token) < 0
	})
	return keys
}

// LockService is the mutual-exclusion contract this layer consumes. The
// lock-table implementation behind it is external; in_memory provides the
// Standalone rendition and redis the Clustered one.
type LockService interface {
	// Lock attempts to acquire all keys with the given TTL. On contention it
	// returns false together with the owner of the conflicting key, having
	// released any keys acquired along the way. Callers retry with jitter.
	Lock(ctx context.Context, duration time.Duration, lockKeys []*LockKey) (bool, UUID, error)
	// IsLocked confirms this owner still holds all keys.
	IsLocked(ctx context.Context, lockKeys []*LockKey) (bool, error)
	// Unlock releases the keys owned by this owner.
	Unlock(ctx context.Context, lockKeys []*LockKey) error
}

// noOpLockService trivially grants every request. Atomic operations birthed
// from a Transaction defer real locking to the Transaction's own commit, so
// their lock services are no-ops.
type noOpLockService struct{}

// NoOpLockService returns the no-op lock service.
func NoOpLockService() LockService {
	return noOpLockService{}
}

func (noOpLockService) Lock(ctx context.Context, duration time.Duration, lockKeys []*LockKey) (bool, UUID, error) {
	for _, lk := range lockKeys {
		lk.IsLockOwner = true
	}
	return true, NilUUID, nil
}

func (noOpLockService) IsLocked(ctx context.Context, lockKeys []*LockKey) (bool, error) {
	return true, nil
}

func (noOpLockService) Unlock(ctx context.Context, lockKeys []*LockKey) error {
	return nil
}
