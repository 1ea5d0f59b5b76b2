package common

import (
	"context"
	"fmt"
	log "log/slog"
	"sync"
	"time"

	"github.com/sharedcode/acid"
)

// Status is the lifecycle state of an atomic operation. Open is the only
// state accepting reads/writes; the rest are terminal.
type Status int

const (
	StatusOpen Status = iota + 1
	StatusCommitted
	StatusAborted
	// StatusPreempted means a version change invalidated the operation
	// before commit; subsequent commit attempts fail deterministically.
	StatusPreempted
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusCommitted:
		return "committed"
	case StatusAborted:
		return "aborted"
	case StatusPreempted:
		return "preempted"
	}
	return "unknown"
}

const initialQueueCapacity = 16

// childObserver is implemented by destinations that track offspring; a
// finished child announces itself so relay bookkeeping can be dropped.
type childObserver interface {
	onChildFinished(op *AtomicOperation)
}

// AtomicOperation is a speculative, isolated unit of reads and writes over a
// destination store. It stages writes in a ToggleQueue, records the lock
// intentions it will need, and registers for version-change notification on
// every token it touches; locks are only acquired at commit time, and the
// notification check at commit is the correctness backstop that makes late
// locking safe.
//
// Transaction composes one of these and redirects the hook fields below
// instead of subclassing.
type AtomicOperation struct {
	mu          sync.Mutex
	destination acid.AtomicSupport
	queue       *ToggleQueue
	intentions  map[acid.Token]acid.LockIntention
	// realized lock keys, populated during commit (or from a recovered
	// durability record).
	locks []*acid.LockKey

	lockService      acid.LockService
	rangeLockService acid.LockService
	clock            acid.Clock
	maxTime          time.Duration

	status      Status
	preemptedBy acid.Token

	// self is what gets registered with the destination as the
	// version-change listener; a Transaction points it at itself so
	// notifications reach its relay logic.
	self acid.VersionChangeListener
	// stateErr builds the not-open error; a Transaction reports the
	// transaction-specific kind through it.
	stateErr func() error
	// applyHook runs between lock acquisition and release; a Transaction
	// wraps applyWrites with its backup protocol.
	applyHook func(ctx context.Context, syncAndVerify bool) error
}

// StartAtomicOperation births a speculative operation over destination.
// Lock services are only exercised at commit; operations birthed from a
// Transaction receive no-op services because the Transaction alone contends
// for real lock ownership.
func StartAtomicOperation(destination acid.AtomicSupport, lockService, rangeLockService acid.LockService, clock acid.Clock) *AtomicOperation {
	if clock == nil {
		clock = acid.NewSystemClock()
	}
	op := &AtomicOperation{
		destination:      destination,
		queue:            NewToggleQueue(initialQueueCapacity),
		intentions:       make(map[acid.Token]acid.LockIntention),
		lockService:      lockService,
		rangeLockService: rangeLockService,
		clock:            clock,
		maxTime:          acid.DefaultMaxDuration,
		status:           StatusOpen,
	}
	op.self = op
	op.stateErr = func() error {
		return acid.Error{Code: acid.StateFailure, Err: fmt.Errorf("atomic operation is %s, not open", op.Status())}
	}
	op.applyHook = op.applyWrites
	return op
}

// StartAtomicOperation births a child whose destination is this operation.
// The child's reads/writes route through here, so this operation inherits
// the child's lock intentions transitively.
func (op *AtomicOperation) StartAtomicOperation() (*AtomicOperation, error) {
	if err := op.checkState(); err != nil {
		return nil, err
	}
	child := StartAtomicOperation(op, acid.NoOpLockService(), acid.NoOpLockService(), op.clock)
	child.maxTime = op.maxTime
	return child, nil
}

// Status returns the operation's current lifecycle state.
func (op *AtomicOperation) Status() Status {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.status
}

// IsReadOnly reports whether the buffer holds no mutating writes.
func (op *AtomicOperation) IsReadOnly() bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.queue.IsEmpty()
}

func (op *AtomicOperation) checkState() error {
	op.mu.Lock()
	st := op.status
	op.mu.Unlock()
	if st != StatusOpen {
		return op.stateErr()
	}
	return nil
}

// require records a lock intention for token (upgrading a weaker recorded
// mode) and registers for version-change notification on it.
func (op *AtomicOperation) require(token acid.Token, mode acid.LockMode) {
	op.mu.Lock()
	if in, ok := op.intentions[token]; !ok || mode > in.Mode {
		op.intentions[token] = acid.LockIntention{Token: token, Mode: mode}
	}
	op.mu.Unlock()
	op.destination.AddVersionChangeListener(token, op.self)
}

// OnVersionChange marks the operation preempted: data it depends on was
// mutated by a concurrent writer before commit.
func (op *AtomicOperation) OnVersionChange(token acid.Token) {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.status != StatusOpen {
		return
	}
	op.status = StatusPreempted
	op.preemptedBy = token
	log.Debug("atomic operation preempted", "token", token.String())
}

// Reads. Every read records a Read intention, routes to the destination's
// unlocked variant (the operation will lock at commit, so the destination
// must not), overlays the pending buffer, and seals the observed topics.

func (op *AtomicOperation) Browse(ctx context.Context, key string) (map[acid.Value][]int64, error) {
	if err := op.checkState(); err != nil {
		return nil, err
	}
	op.require(acid.TokenForKey(key), acid.ReadMode)
	base, err := op.destination.BrowseUnlocked(ctx, key)
	if err != nil {
		return nil, err
	}
	op.mu.Lock()
	defer op.mu.Unlock()
	for _, w := range op.queue.WritesForKey(key) {
		records := base[w.Value]
		if w.Action == acid.AddAction {
			if !containsRecord(records, w.Record) {
				base[w.Value] = append(records, w.Record)
			}
		} else {
			base[w.Value] = removeRecord(records, w.Record)
			if len(base[w.Value]) == 0 {
				delete(base, w.Value)
			}
		}
	}
	op.queue.SealKey(key)
	return base, nil
}

func (op *AtomicOperation) Select(ctx context.Context, key string, record int64) ([]acid.Value, error) {
	if err := op.checkState(); err != nil {
		return nil, err
	}
	op.require(acid.TokenForField(key, record), acid.ReadMode)
	base, err := op.destination.SelectUnlocked(ctx, key, record)
	if err != nil {
		return nil, err
	}
	op.mu.Lock()
	defer op.mu.Unlock()
	out := overlayValues(base, op.queue.WritesFor(key, record))
	op.queue.SealField(key, record)
	return out, nil
}

func (op *AtomicOperation) SelectRecord(ctx context.Context, record int64) (map[string][]acid.Value, error) {
	if err := op.checkState(); err != nil {
		return nil, err
	}
	op.require(acid.TokenForRecord(record), acid.ReadMode)
	base, err := op.destination.SelectRecordUnlocked(ctx, record)
	if err != nil {
		return nil, err
	}
	op.mu.Lock()
	defer op.mu.Unlock()
	for _, w := range op.queue.WritesForRecord(record) {
		base[w.Key] = overlayValues(base[w.Key], []acid.Write{w})
		if len(base[w.Key]) == 0 {
			delete(base, w.Key)
		}
	}
	op.queue.SealRecord(record)
	return base, nil
}

func (op *AtomicOperation) Verify(ctx context.Context, key string, value acid.Value, record int64) (bool, error) {
	present, err := op.exists(ctx, key, value, record)
	if err != nil {
		return false, err
	}
	op.mu.Lock()
	op.queue.SealField(key, record)
	op.mu.Unlock()
	return present, nil
}

// exists is Verify without sealing the observed topics: the existence check
// inside Add/Remove must not pin its own write against toggling away later.
func (op *AtomicOperation) exists(ctx context.Context, key string, value acid.Value, record int64) (bool, error) {
	if err := op.checkState(); err != nil {
		return false, err
	}
	op.require(acid.TokenForField(key, record), acid.ReadMode)
	present, err := op.destination.VerifyUnlocked(ctx, key, value, record)
	if err != nil {
		return false, err
	}
	op.mu.Lock()
	defer op.mu.Unlock()
	for _, w := range op.queue.WritesFor(key, record) {
		if w.Value == value {
			present = w.Action == acid.AddAction
		}
	}
	return present, nil
}

func (op *AtomicOperation) Explore(ctx context.Context, key string, operator acid.Operator, operand acid.Value) (map[int64][]acid.Value, error) {
	if err := op.checkState(); err != nil {
		return nil, err
	}
	op.require(acid.TokenForRange(key), acid.RangeMode)
	base, err := op.destination.ExploreUnlocked(ctx, key, operator, operand)
	if err != nil {
		return nil, err
	}
	op.mu.Lock()
	defer op.mu.Unlock()
	for _, w := range op.queue.WritesForKey(key) {
		if !operator.Matches(w.Value, operand) {
			continue
		}
		values := base[w.Record]
		if w.Action == acid.AddAction {
			if !containsValue(values, w.Value) {
				base[w.Record] = append(values, w.Value)
			}
		} else {
			base[w.Record] = removeValue(values, w.Value)
			if len(base[w.Record]) == 0 {
				delete(base, w.Record)
			}
		}
	}
	op.queue.SealKey(key)
	return base, nil
}

func (op *AtomicOperation) Chronologize(ctx context.Context, key string, record int64, start, end int64) ([]acid.Write, error) {
	if err := op.checkState(); err != nil {
		return nil, err
	}
	op.require(acid.TokenForField(key, record), acid.ReadMode)
	base, err := op.destination.ChronologizeUnlocked(ctx, key, record, start, end)
	if err != nil {
		return nil, err
	}
	op.mu.Lock()
	defer op.mu.Unlock()
	for _, w := range op.queue.WritesFor(key, record) {
		if w.Stamp >= start && w.Stamp < end {
			base = append(base, w)
		}
	}
	op.queue.SealField(key, record)
	return base, nil
}

func (op *AtomicOperation) Review(ctx context.Context, record int64) (map[int64][]string, error) {
	if err := op.checkState(); err != nil {
		return nil, err
	}
	op.require(acid.TokenForRecord(record), acid.ReadMode)
	base, err := op.destination.ReviewUnlocked(ctx, record)
	if err != nil {
		return nil, err
	}
	op.mu.Lock()
	defer op.mu.Unlock()
	for _, w := range op.queue.WritesForRecord(record) {
		base[w.Stamp] = append(base[w.Stamp], w.String())
	}
	op.queue.SealRecord(record)
	return base, nil
}

// Unlocked read variants. These call the locked counterparts, which grab
// the appropriate lock intentions and instruct the destination to perform
// the work unlocked. The net effect: a parent serving a child's unlocked
// read inherits the lock intentions of its offspring.

func (op *AtomicOperation) BrowseUnlocked(ctx context.Context, key string) (map[acid.Value][]int64, error) {
	return op.Browse(ctx, key)
}

func (op *AtomicOperation) SelectUnlocked(ctx context.Context, key string, record int64) ([]acid.Value, error) {
	return op.Select(ctx, key, record)
}

func (op *AtomicOperation) SelectRecordUnlocked(ctx context.Context, record int64) (map[string][]acid.Value, error) {
	return op.SelectRecord(ctx, record)
}

func (op *AtomicOperation) VerifyUnlocked(ctx context.Context, key string, value acid.Value, record int64) (bool, error) {
	return op.Verify(ctx, key, value, record)
}

func (op *AtomicOperation) ExploreUnlocked(ctx context.Context, key string, operator acid.Operator, operand acid.Value) (map[int64][]acid.Value, error) {
	return op.Explore(ctx, key, operator, operand)
}

func (op *AtomicOperation) ChronologizeUnlocked(ctx context.Context, key string, record int64, start, end int64) ([]acid.Write, error) {
	return op.Chronologize(ctx, key, record, start, end)
}

func (op *AtomicOperation) ReviewUnlocked(ctx context.Context, record int64) (map[int64][]string, error) {
	return op.Review(ctx, record)
}

// Writes.

// Add stages an association of value with key in record. Returns false when
// the association already exists in the speculative view.
func (op *AtomicOperation) Add(ctx context.Context, key string, value acid.Value, record int64) (bool, error) {
	present, err := op.exists(ctx, key, value, record)
	if err != nil {
		return false, err
	}
	if present {
		return false, nil
	}
	op.stage(acid.Write{Key: key, Value: value, Record: record, Action: acid.AddAction, Stamp: op.clock.Next()})
	return true, nil
}

// Remove stages a dissociation. Returns false when the association does not
// exist in the speculative view.
func (op *AtomicOperation) Remove(ctx context.Context, key string, value acid.Value, record int64) (bool, error) {
	present, err := op.exists(ctx, key, value, record)
	if err != nil {
		return false, err
	}
	if !present {
		return false, nil
	}
	op.stage(acid.Write{Key: key, Value: value, Record: record, Action: acid.RemoveAction, Stamp: op.clock.Next()})
	return true, nil
}

// Apply accepts writes from a committing child operation: they are staged
// into this operation's buffer with the necessary lock intentions, without
// an additional existence check. verify has no meaning on a speculative
// destination and is ignored.
func (op *AtomicOperation) Apply(ctx context.Context, writes []acid.Write, verify bool) error {
	if err := op.checkState(); err != nil {
		return err
	}
	for _, w := range writes {
		if w.Action != acid.AddAction && w.Action != acid.RemoveAction {
			return fmt.Errorf("cannot accept %s write", w.Action)
		}
		op.stage(w)
	}
	return nil
}

// Sync is a no-op: durability of a speculative buffer is meaningless; the
// Transaction's backup-then-commit protocol is what hits disk.
func (op *AtomicOperation) Sync(ctx context.Context) error {
	return nil
}

func (op *AtomicOperation) stage(w acid.Write) {
	op.mu.Lock()
	op.queue.Insert(w)
	op.mu.Unlock()
	op.require(acid.TokenForField(w.Key, w.Record), acid.WriteMode)
	op.require(acid.TokenForRange(w.Key), acid.RangeMode)
}

// Version-change listener registry of AtomicSupport. A plain atomic
// operation is already registered upstream for every token its offspring
// touch (their reads route through it), so child registrations need no
// bookkeeping here; a Transaction overrides these to manage its relays.

func (op *AtomicOperation) AddVersionChangeListener(token acid.Token, listener acid.VersionChangeListener) {
}

func (op *AtomicOperation) RemoveVersionChangeListener(token acid.Token, listener acid.VersionChangeListener) {
}

func (op *AtomicOperation) NotifyVersionChange(token acid.Token) {
}

// Commit transitions the operation to Committed: acquire every recorded
// lock intention (just-in-time), re-verify no watched token fired a version
// change while unlocked, then apply the buffered writes to the destination
// in acceptance order.
func (op *AtomicOperation) Commit(ctx context.Context) error {
	op.mu.Lock()
	switch op.status {
	case StatusOpen:
	case StatusPreempted:
		token := op.preemptedBy
		op.mu.Unlock()
		op.unregisterListeners()
		return acid.Error{Code: acid.PreemptionFailure, UserData: token.String(),
			Err: fmt.Errorf("version of %s changed before commit", token)}
	default:
		op.mu.Unlock()
		return op.stateErr()
	}
	intentions := make([]acid.LockIntention, 0, len(op.intentions))
	for _, in := range op.intentions {
		intentions = append(intentions, in)
	}
	op.mu.Unlock()

	keys, rangeKeys := splitLockKeys(intentions)
	if err := op.grabLocks(ctx, keys, rangeKeys); err != nil {
		op.terminate(StatusAborted)
		op.unregisterListeners()
		return err
	}

	// The re-verify making late locking safe: a write that slipped in
	// between intention recording and lock acquisition is caught by its
	// notification, not by the lock.
	op.mu.Lock()
	if op.status == StatusPreempted {
		token := op.preemptedBy
		op.mu.Unlock()
		op.releaseLocks(ctx, keys, rangeKeys)
		op.unregisterListeners()
		return acid.Error{Code: acid.PreemptionFailure, UserData: token.String(),
			Err: fmt.Errorf("version of %s changed before commit", token)}
	}
	op.locks = append(append([]*acid.LockKey{}, keys...), rangeKeys...)
	op.mu.Unlock()

	err := op.applyHook(ctx, false)
	op.releaseLocks(ctx, keys, rangeKeys)
	if err != nil {
		op.terminate(StatusAborted)
		return err
	}
	op.notifyParent()
	return nil
}

// Abort discards all state without touching the destination. Aborting a
// non-open operation is a usage error.
func (op *AtomicOperation) Abort(ctx context.Context) error {
	op.mu.Lock()
	if op.status != StatusOpen && op.status != StatusPreempted {
		op.mu.Unlock()
		return op.stateErr()
	}
	op.status = StatusAborted
	op.mu.Unlock()
	op.unregisterListeners()
	op.notifyParent()
	log.Info("aborted atomic operation")
	return nil
}

// applyWrites is the tail of commit once locks are held and the operation
// re-verified: release watch registrations (so our own apply can't preempt
// us), push the buffer to the destination in order, and finalize. With
// syncAndVerify (recovery), each write is verified against current state
// before application and the destination is forced to stable storage.
func (op *AtomicOperation) applyWrites(ctx context.Context, syncAndVerify bool) error {
	op.unregisterListeners()
	op.mu.Lock()
	writes := op.queue.Writes()
	op.mu.Unlock()
	if err := op.destination.Apply(ctx, writes, syncAndVerify); err != nil {
		return err
	}
	if syncAndVerify {
		if err := op.destination.Sync(ctx); err != nil {
			return err
		}
	}
	op.mu.Lock()
	op.status = StatusCommitted
	op.mu.Unlock()
	return nil
}

func (op *AtomicOperation) grabLocks(ctx context.Context, keys, rangeKeys []*acid.LockKey) error {
	startTime := acid.Now()
	for {
		if err := acid.TimedOut(ctx, "lock acquisition", startTime, op.maxTime); err != nil {
			return acid.Error{Code: acid.LockAcquisitionFailure, Err: err}
		}
		ok, _, err := op.lockService.Lock(ctx, op.maxTime, keys)
		if err != nil {
			return acid.Error{Code: acid.LockAcquisitionFailure, Err: err}
		}
		if !ok {
			op.lockService.Unlock(ctx, keys)
			acid.RandomSleep(ctx)
			continue
		}
		ok, _, err = op.rangeLockService.Lock(ctx, op.maxTime, rangeKeys)
		if err != nil {
			op.releaseLocks(ctx, keys, rangeKeys)
			return acid.Error{Code: acid.LockAcquisitionFailure, Err: err}
		}
		if !ok {
			op.releaseLocks(ctx, keys, rangeKeys)
			acid.RandomSleep(ctx)
			continue
		}
		// Confirm the grants stuck before moving forward.
		if ok, err := op.lockService.IsLocked(ctx, keys); !ok || err != nil {
			op.releaseLocks(ctx, keys, rangeKeys)
			acid.RandomSleep(ctx)
			continue
		}
		return nil
	}
}

func (op *AtomicOperation) releaseLocks(ctx context.Context, keys, rangeKeys []*acid.LockKey) {
	op.lockService.Unlock(ctx, keys)
	op.rangeLockService.Unlock(ctx, rangeKeys)
}

func (op *AtomicOperation) unregisterListeners() {
	op.mu.Lock()
	tokens := make([]acid.Token, 0, len(op.intentions))
	for tok := range op.intentions {
		tokens = append(tokens, tok)
	}
	op.mu.Unlock()
	for _, tok := range tokens {
		op.destination.RemoveVersionChangeListener(tok, op.self)
	}
}

// terminate moves an open operation to st; terminal states are left alone.
func (op *AtomicOperation) terminate(st Status) {
	op.mu.Lock()
	if op.status == StatusOpen {
		op.status = st
	}
	op.mu.Unlock()
}

func (op *AtomicOperation) notifyParent() {
	if co, ok := op.destination.(childObserver); ok {
		co.onChildFinished(op)
	}
}

func splitLockKeys(intentions []acid.LockIntention) (keys, rangeKeys []*acid.LockKey) {
	var plain, ranges []acid.LockIntention
	for _, in := range intentions {
		if in.Mode == acid.RangeMode {
			ranges = append(ranges, in)
		} else {
			plain = append(plain, in)
		}
	}
	return acid.CreateLockKeys(plain), acid.CreateLockKeys(ranges)
}

func overlayValues(values []acid.Value, writes []acid.Write) []acid.Value {
	out := make([]acid.Value, len(values))
	copy(out, values)
	for _, w := range writes {
		if w.Action == acid.AddAction {
			if !containsValue(out, w.Value) {
				out = append(out, w.Value)
			}
		} else {
			out = removeValue(out, w.Value)
		}
	}
	return out
}

func containsValue(values []acid.Value, v acid.Value) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

func removeValue(values []acid.Value, v acid.Value) []acid.Value {
	var out []acid.Value
	for _, x := range values {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

func containsRecord(records []int64, r int64) bool {
	for _, x := range records {
		if x == r {
			return true
		}
	}
	return false
}

func removeRecord(records []int64, r int64) []int64 {
	var out []int64
	for _, x := range records {
		if x != r {
			out = append(out, x)
		}
	}
	return out
}
