package common

import (
	"context"
	"fmt"
	log "log/slog"
	"strconv"
	"sync"

	"github.com/sharedcode/acid"
	"github.com/sharedcode/acid/encoding"
	"github.com/sharedcode/acid/fs"
	"github.com/sharedcode/acid/redis"
)

// Transaction is a durable atomic operation rooted at the storage engine.
// It composes the speculative core and redirects its hooks: state errors
// are reported as transaction failures, and commit application is wrapped
// in the backup-then-commit protocol that makes a crashed commit
// recoverable from the <id>.txn durability record.
//
// A Transaction also hosts offspring atomic operations: it serves as their
// destination, relays engine version-change notifications down to them, and
// preempts siblings when one of them commits into the transaction's buffer.
type Transaction struct {
	*AtomicOperation

	id        string
	backups   *fs.BackupStore
	marshaler encoding.Marshaler

	relayMu sync.Mutex
	relays  map[acid.Token]map[acid.VersionChangeListener]struct{}
}

// Begin opens a transaction over engine. The backup folder is created if
// missing; Clustered coordination opens (or reuses) the Redis connection
// and contends on Redis-held locks instead of the engine's in-process ones.
func Begin(ctx context.Context, engine acid.AtomicEngine, options acid.TransactionOptions) (*Transaction, error) {
	options = options.Sanitize()
	backups, err := fs.NewBackupStore(options.BackupFolder, nil)
	if err != nil {
		return nil, err
	}

	lockService := engine.LockService()
	rangeLockService := engine.RangeLockService()
	if options.Type == acid.Clustered {
		if _, err := redis.OpenConnection(ctx, redis.OptionsFrom(options.RedisConfig)); err != nil {
			return nil, err
		}
		if lockService, err = redis.NewLockService(); err != nil {
			return nil, err
		}
		if rangeLockService, err = redis.NewLockService(); err != nil {
			return nil, err
		}
	}

	core := StartAtomicOperation(engine, lockService, rangeLockService, options.Clock)
	core.maxTime = options.MaxDuration
	t := &Transaction{
		AtomicOperation: core,
		id:              strconv.FormatInt(options.Clock.Next(), 10),
		backups:         backups,
		marshaler:       encoding.DefaultMarshaler,
		relays:          make(map[acid.Token]map[acid.VersionChangeListener]struct{}),
	}
	core.self = t
	core.stateErr = func() error {
		return acid.Error{Code: acid.TransactionStateFailure,
			Err: fmt.Errorf("transaction %s is %s, not open", t.id, core.Status())}
	}
	core.applyHook = t.backupThenApply
	log.Debug("began transaction", "id", t.id)
	return t, nil
}

// ID returns the transaction's identifier, which also names its durability
// record on disk.
func (t *Transaction) ID() string {
	return t.id
}

// StartAtomicOperation births a child whose destination is this transaction.
// Children receive no-op lock services: real lock ownership belongs to the
// transaction alone, and the child's intentions reach it through the routed
// reads and accepted writes.
func (t *Transaction) StartAtomicOperation() (*AtomicOperation, error) {
	if err := t.checkState(); err != nil {
		return nil, err
	}
	child := StartAtomicOperation(t, acid.NoOpLockService(), acid.NoOpLockService(), t.clock)
	child.maxTime = t.maxTime
	return child, nil
}

// Add stages a direct write and preempts any offspring watching the
// affected tokens, exactly as an accepted child commit would.
func (t *Transaction) Add(ctx context.Context, key string, value acid.Value, record int64) (bool, error) {
	ok, err := t.AtomicOperation.Add(ctx, key, value, record)
	if ok && err == nil {
		t.notifyWrite(key, record)
	}
	return ok, err
}

// Remove is the dissociating counterpart of Add.
func (t *Transaction) Remove(ctx context.Context, key string, value acid.Value, record int64) (bool, error) {
	ok, err := t.AtomicOperation.Remove(ctx, key, value, record)
	if ok && err == nil {
		t.notifyWrite(key, record)
	}
	return ok, err
}

// Apply accepts the write set of a committing child. Only Add and Remove
// writes are accepted; the whole batch is rejected before anything is
// staged if it carries a comparison. Accepted writes preempt sibling
// operations watching the affected tokens.
func (t *Transaction) Apply(ctx context.Context, writes []acid.Write, verify bool) error {
	if err := t.checkState(); err != nil {
		return err
	}
	for _, w := range writes {
		if w.Action != acid.AddAction && w.Action != acid.RemoveAction {
			return fmt.Errorf("cannot accept %s write", w.Action)
		}
	}
	if err := t.AtomicOperation.Apply(ctx, writes, verify); err != nil {
		return err
	}
	for _, w := range writes {
		t.notifyWrite(w.Key, w.Record)
	}
	return nil
}

// Version-change relay. The transaction is the single listener its core
// registers with the engine; offspring register here instead, and both
// engine notifications and intra-transaction mutations fan out to them.

func (t *Transaction) AddVersionChangeListener(token acid.Token, listener acid.VersionChangeListener) {
	t.relayMu.Lock()
	defer t.relayMu.Unlock()
	set := t.relays[token]
	if set == nil {
		set = make(map[acid.VersionChangeListener]struct{})
		t.relays[token] = set
	}
	set[listener] = struct{}{}
}

func (t *Transaction) RemoveVersionChangeListener(token acid.Token, listener acid.VersionChangeListener) {
	t.relayMu.Lock()
	defer t.relayMu.Unlock()
	set := t.relays[token]
	delete(set, listener)
	if len(set) == 0 {
		delete(t.relays, token)
	}
}

// NotifyVersionChange fires every relayed listener registered for token
// exactly once. Registrations are claimed under the relay lock and fired
// outside it.
func (t *Transaction) NotifyVersionChange(token acid.Token) {
	t.relayMu.Lock()
	set := t.relays[token]
	delete(t.relays, token)
	t.relayMu.Unlock()
	for l := range set {
		l.OnVersionChange(token)
	}
}

// OnVersionChange receives an engine notification. When an offspring holds
// a registration on the token, the failure belongs to that operation alone:
// it is relayed there and the transaction stays alive. Only an unclaimed
// token preempts the transaction itself.
func (t *Transaction) OnVersionChange(token acid.Token) {
	t.relayMu.Lock()
	set := t.relays[token]
	delete(t.relays, token)
	t.relayMu.Unlock()
	if len(set) == 0 {
		t.AtomicOperation.OnVersionChange(token)
		return
	}
	for l := range set {
		l.OnVersionChange(token)
	}
}

// notifyWrite preempts offspring watching any token a mutation of
// (key, record) falls under.
func (t *Transaction) notifyWrite(key string, record int64) {
	t.NotifyVersionChange(acid.TokenForField(key, record))
	t.NotifyVersionChange(acid.TokenForRecord(record))
	t.NotifyVersionChange(acid.TokenForKey(key))
	t.NotifyVersionChange(acid.TokenForRange(key))
}

func (t *Transaction) onChildFinished(op *AtomicOperation) {
	t.relayMu.Lock()
	defer t.relayMu.Unlock()
	for token, set := range t.relays {
		delete(set, op.self)
		if len(set) == 0 {
			delete(t.relays, token)
		}
	}
}

// backupThenApply is the commit tail, entered with all locks held and the
// preemption re-check passed: serialize the realized locks and buffered
// writes into the durability record, force it to disk, apply to the engine,
// then delete the record. Only the record's existence window can require
// recovery; a failure at any durability step is fatal and never downgraded.
func (t *Transaction) backupThenApply(ctx context.Context, syncAndVerify bool) error {
	if t.IsReadOnly() {
		// Nothing to make durable.
		return t.applyWrites(ctx, syncAndVerify)
	}
	record, err := t.serialize()
	if err != nil {
		return acid.Error{Code: acid.DurabilityFailure, UserData: t.id, Err: err}
	}
	if err := t.backups.Write(ctx, t.id, record); err != nil {
		return acid.Error{Code: acid.DurabilityFailure, UserData: t.id,
			Err: fmt.Errorf("writing durability record: %w", err)}
	}
	if err := t.applyWrites(ctx, syncAndVerify); err != nil {
		return err
	}
	if err := t.backups.Remove(ctx, t.id); err != nil {
		return acid.Error{Code: acid.DurabilityFailure, UserData: t.id,
			Err: fmt.Errorf("deleting durability record: %w", err)}
	}
	log.Debug("committed transaction", "id", t.id)
	return nil
}

// serialize encodes the durability record: a framed section of lock
// descriptions followed by a framed section of buffered writes.
func (t *Transaction) serialize() ([]byte, error) {
	t.mu.Lock()
	locks := t.locks
	writes := t.queue.Writes()
	t.mu.Unlock()

	lockElems := make([][]byte, 0, len(locks))
	for _, lk := range locks {
		b, err := t.marshaler.Marshal(lk.Description())
		if err != nil {
			return nil, err
		}
		lockElems = append(lockElems, b)
	}
	writeElems := make([][]byte, 0, len(writes))
	for _, w := range writes {
		b, err := t.marshaler.Marshal(w)
		if err != nil {
			return nil, err
		}
		writeElems = append(writeElems, b)
	}
	return encoding.EncodeRecord(encoding.EncodeElements(lockElems), encoding.EncodeElements(writeElems)), nil
}
