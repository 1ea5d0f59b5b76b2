package in_memory

import (
	"context"
	"sync"
	"time"

	"github.com/sharedcode/acid"
)

// tokenLock is the per-token lock state: one writer or many readers.
type tokenLock struct {
	writer  acid.UUID
	readers map[acid.UUID]int
}

func (tl *tokenLock) idle() bool {
	return tl.writer.IsNil() && len(tl.readers) == 0
}

// LockService is the in-process lock table backing Standalone coordination.
// Acquisition is non-blocking all-or-nothing, matching the retry-with-jitter
// loop the commit path runs; TTLs are ignored because lock lifetime is bound
// to the owning process.
type LockService struct {
	mu     sync.Mutex
	tokens map[acid.Token]*tokenLock
}

func NewLockService() *LockService {
	return &LockService{tokens: make(map[acid.Token]*tokenLock)}
}

// Lock attempts to acquire all keys. On the first conflict it releases what
// it acquired in this call and returns false with the conflicting owner.
func (ls *LockService) Lock(ctx context.Context, duration time.Duration, lockKeys []*acid.LockKey) (bool, acid.UUID, error) {
	if err := ctx.Err(); err != nil {
		return false, acid.NilUUID, err
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	var acquired []*acid.LockKey
	for _, lk := range lockKeys {
		owner, ok := ls.acquire(lk)
		if !ok {
			for _, a := range acquired {
				ls.release(a)
				a.IsLockOwner = false
			}
			return false, owner, nil
		}
		lk.IsLockOwner = true
		acquired = append(acquired, lk)
	}
	return true, acid.NilUUID, nil
}

func (ls *LockService) IsLocked(ctx context.Context, lockKeys []*acid.LockKey) (bool, error) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	for _, lk := range lockKeys {
		tl, ok := ls.tokens[lk.Token]
		if !ok {
			lk.IsLockOwner = false
			return false, nil
		}
		if lk.Mode == acid.ReadMode {
			if tl.readers[lk.LockID] == 0 {
				lk.IsLockOwner = false
				return false, nil
			}
		} else if tl.writer != lk.LockID {
			lk.IsLockOwner = false
			return false, nil
		}
	}
	return true, nil
}

// Unlock releases the keys owned by this owner; keys not owned are skipped.
func (ls *LockService) Unlock(ctx context.Context, lockKeys []*acid.LockKey) error {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	for _, lk := range lockKeys {
		if !lk.IsLockOwner {
			continue
		}
		ls.release(lk)
		lk.IsLockOwner = false
	}
	return nil
}

// acquire grants lk or returns the conflicting owner. Caller holds ls.mu.
func (ls *LockService) acquire(lk *acid.LockKey) (acid.UUID, bool) {
	tl, ok := ls.tokens[lk.Token]
	if !ok {
		tl = &tokenLock{readers: make(map[acid.UUID]int)}
		ls.tokens[lk.Token] = tl
	}
	if lk.Mode == acid.ReadMode {
		// Readers share; a foreign writer excludes.
		if !tl.writer.IsNil() && tl.writer != lk.LockID {
			return tl.writer, false
		}
		tl.readers[lk.LockID]++
		return acid.NilUUID, true
	}
	// Write and range modes are exclusive. Reentrant for the same owner;
	// an owner holding only a read grant cannot upgrade past other readers.
	if !tl.writer.IsNil() && tl.writer != lk.LockID {
		return tl.writer, false
	}
	for owner := range tl.readers {
		if owner != lk.LockID {
			return owner, false
		}
	}
	tl.writer = lk.LockID
	return acid.NilUUID, true
}

// release undoes one grant of lk. Caller holds ls.mu.
func (ls *LockService) release(lk *acid.LockKey) {
	tl, ok := ls.tokens[lk.Token]
	if !ok {
		return
	}
	if lk.Mode == acid.ReadMode {
		if n := tl.readers[lk.LockID]; n > 1 {
			tl.readers[lk.LockID] = n - 1
		} else {
			delete(tl.readers, lk.LockID)
		}
	} else if tl.writer == lk.LockID {
		tl.writer = acid.NilUUID
	}
	if tl.idle() {
		delete(ls.tokens, lk.Token)
	}
}
