package common

import (
	"context"
	"fmt"
	log "log/slog"

	"github.com/sharedcode/acid"
	"github.com/sharedcode/acid/encoding"
	"github.com/sharedcode/acid/fs"
)

// Recover finishes the commit evidenced by durability record id. The record
// only exists for transactions that entered the apply phase, so its writes
// are re-applied verbatim; verify-before-apply skips writes that landed
// before the crash, making recovery idempotent, and the engine is forced to
// stable storage before the record is deleted.
//
// A record that fails to deserialize is logged and discarded: it cannot be
// a committed transaction's record, because the record is forced to disk
// before the apply phase begins.
func Recover(ctx context.Context, engine acid.AtomicEngine, backups *fs.BackupStore, id string) error {
	record, err := backups.Read(ctx, id)
	if err != nil {
		return err
	}
	locks, writes, err := deserialize(record, encoding.DefaultMarshaler)
	if err != nil {
		log.Warn("discarding corrupt durability record", "id", id, "error", err.Error())
		return backups.Remove(ctx, id)
	}

	// Reclaim the locks the dead transaction held while its writes replay.
	// Recovery runs before the engine serves traffic, so a single attempt
	// suffices; contention here is worth noting but not worth blocking on.
	intentions := make([]acid.LockIntention, len(locks))
	for i, ld := range locks {
		intentions[i] = acid.LockIntention{Token: ld.Token, Mode: ld.Mode}
	}
	keys, rangeKeys := splitLockKeys(intentions)
	if ok, owner, _ := engine.LockService().Lock(ctx, acid.DefaultMaxDuration, keys); !ok {
		log.Warn("recovery could not reclaim locks", "id", id, "owner", owner.String())
	}
	if ok, owner, _ := engine.RangeLockService().Lock(ctx, acid.DefaultMaxDuration, rangeKeys); !ok {
		log.Warn("recovery could not reclaim range locks", "id", id, "owner", owner.String())
	}
	defer func() {
		engine.LockService().Unlock(ctx, keys)
		engine.RangeLockService().Unlock(ctx, rangeKeys)
	}()

	if err := engine.Apply(ctx, writes, true); err != nil {
		return err
	}
	if err := engine.Sync(ctx); err != nil {
		return err
	}
	if err := backups.Remove(ctx, id); err != nil {
		return err
	}
	log.Info("recovered transaction", "id", id, "writes", len(writes))
	return nil
}

// RecoverAll sweeps the backup folder and recovers every leftover record,
// oldest first (ids are timestamp-derived, so lexicographic order is
// commit-start order). Returns how many records were processed.
func RecoverAll(ctx context.Context, engine acid.AtomicEngine, folder string) (int, error) {
	backups, err := fs.NewBackupStore(folder, nil)
	if err != nil {
		return 0, err
	}
	ids, err := backups.List(ctx)
	if err != nil {
		return 0, err
	}
	for i, id := range ids {
		if err := Recover(ctx, engine, backups, id); err != nil {
			return i, err
		}
	}
	return len(ids), nil
}

// deserialize parses a durability record back into its lock descriptions
// and writes. Any framing or element-level failure is reported as
// corruption.
func deserialize(record []byte, m encoding.Marshaler) ([]acid.LockDescription, []acid.Write, error) {
	lockSection, writeSection, err := encoding.SplitRecord(record)
	if err != nil {
		return nil, nil, acid.Error{Code: acid.BackupCorruption, Err: err}
	}
	var locks []acid.LockDescription
	it := encoding.NewSectionIterator(lockSection)
	for it.HasNext() {
		e, err := it.Next()
		if err != nil {
			return nil, nil, acid.Error{Code: acid.BackupCorruption, Err: err}
		}
		var ld acid.LockDescription
		if err := m.Unmarshal(e, &ld); err != nil {
			return nil, nil, acid.Error{Code: acid.BackupCorruption, Err: err}
		}
		locks = append(locks, ld)
	}
	var writes []acid.Write
	it = encoding.NewSectionIterator(writeSection)
	for it.HasNext() {
		e, err := it.Next()
		if err != nil {
			return nil, nil, acid.Error{Code: acid.BackupCorruption, Err: err}
		}
		var w acid.Write
		if err := m.Unmarshal(e, &w); err != nil {
			return nil, nil, acid.Error{Code: acid.BackupCorruption, Err: err}
		}
		if w.Action != acid.AddAction && w.Action != acid.RemoveAction {
			return nil, nil, acid.Error{Code: acid.BackupCorruption,
				Err: fmt.Errorf("record carries %s write", w.Action)}
		}
		writes = append(writes, w)
	}
	return locks, writes, nil
}
