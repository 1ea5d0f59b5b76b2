package common

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/sharedcode/acid"
	"github.com/sharedcode/acid/fs"
	"github.com/sharedcode/acid/in_memory"
)

// faultFileIO wraps the OS-backed FileIO, counting backup writes and
// optionally failing the durability steps.
type faultFileIO struct {
	fs.FileIO
	writes     int
	failWrite  bool
	failRemove bool
}

func (f *faultFileIO) WriteFileSync(name string, data []byte, perm os.FileMode) error {
	f.writes++
	if f.failWrite {
		return errors.New("disk full")
	}
	return f.FileIO.WriteFileSync(name, data, perm)
}

func (f *faultFileIO) Remove(name string) error {
	if f.failRemove {
		return errors.New("remove denied")
	}
	return f.FileIO.Remove(name)
}

func newTestTransaction(t *testing.T) (*Transaction, *in_memory.Store, *faultFileIO) {
	t.Helper()
	clock := &stepClock{}
	store := in_memory.NewStore(clock)
	tx, err := Begin(context.Background(), store, acid.TransactionOptions{
		BackupFolder: t.TempDir(),
		Clock:        clock,
	})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	fio := &faultFileIO{FileIO: fs.NewDefaultFileIO()}
	tx.backups, err = fs.NewBackupStore(tx.backups.Folder(), fio)
	if err != nil {
		t.Fatalf("NewBackupStore: %v", err)
	}
	return tx, store, fio
}

func TestCommitAppliesAndClearsBackup(t *testing.T) {
	ctx := context.Background()
	tx, store, fio := newTestTransaction(t)

	if ok, err := tx.Add(ctx, "name", "Ann", 1); !ok || err != nil {
		t.Fatalf("Add = %v, %v", ok, err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	got, err := store.Select(ctx, "name", 1)
	if err != nil || len(got) != 1 || got[0] != "Ann" {
		t.Errorf("Select = %v, %v; want [Ann]", got, err)
	}
	if fio.writes != 1 {
		t.Errorf("durability record written %d times, want 1", fio.writes)
	}
	if tx.backups.Exists(tx.ID()) {
		t.Error("durability record survived a finished commit")
	}
	if tx.Status() != StatusCommitted {
		t.Errorf("status = %v, want committed", tx.Status())
	}
}

func TestReadOnlyCommitSkipsBackup(t *testing.T) {
	ctx := context.Background()
	tx, _, fio := newTestTransaction(t)

	if _, err := tx.Select(ctx, "name", 1); err != nil {
		t.Fatalf("Select: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if fio.writes != 0 {
		t.Errorf("read-only commit wrote %d durability records", fio.writes)
	}
}

func TestBackupWriteFailureAbortsCommit(t *testing.T) {
	ctx := context.Background()
	tx, store, fio := newTestTransaction(t)
	fio.failWrite = true

	tx.Add(ctx, "name", "Ann", 1)
	err := tx.Commit(ctx)
	if !acid.HasCode(err, acid.DurabilityFailure) {
		t.Fatalf("Commit = %v, want durability failure", err)
	}
	if got, _ := store.Verify(ctx, "name", "Ann", 1); got {
		t.Error("write applied despite failed durability record")
	}
	if tx.Status() != StatusAborted {
		t.Errorf("status = %v, want aborted", tx.Status())
	}
}

func TestBackupDeleteFailureIsFatalButApplied(t *testing.T) {
	ctx := context.Background()
	tx, store, fio := newTestTransaction(t)
	fio.failRemove = true

	tx.Add(ctx, "name", "Ann", 1)
	err := tx.Commit(ctx)
	if !acid.HasCode(err, acid.DurabilityFailure) {
		t.Fatalf("Commit = %v, want durability failure", err)
	}
	// Writes landed before the delete; the leftover record replays them
	// idempotently on recovery.
	if got, _ := store.Verify(ctx, "name", "Ann", 1); !got {
		t.Error("applied writes lost")
	}
	if !tx.backups.Exists(tx.ID()) {
		t.Error("durability record missing despite failed delete")
	}
}

func TestTransactionStateFailureCode(t *testing.T) {
	ctx := context.Background()
	tx, _, _ := newTestTransaction(t)
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := tx.Commit(ctx); !acid.HasCode(err, acid.TransactionStateFailure) {
		t.Errorf("second Commit = %v, want transaction state failure", err)
	}
	if _, err := tx.StartAtomicOperation(); !acid.HasCode(err, acid.TransactionStateFailure) {
		t.Errorf("StartAtomicOperation on dead transaction = %v", err)
	}
}

func TestAcceptRejectsComparisonBatch(t *testing.T) {
	ctx := context.Background()
	tx, _, _ := newTestTransaction(t)

	err := tx.Apply(ctx, []acid.Write{
		{Key: "name", Value: "Ann", Record: 1, Action: acid.AddAction, Stamp: 1},
		{Key: "name", Value: "Ann", Record: 1, Action: acid.CompareAction, Stamp: 2},
	}, false)
	if err == nil {
		t.Fatal("comparison write accepted")
	}
	// Rejection happens before anything is staged.
	if !tx.IsReadOnly() {
		t.Error("rejected batch left writes behind")
	}
}

func TestChildCommitPreemptsSibling(t *testing.T) {
	ctx := context.Background()
	tx, store, _ := newTestTransaction(t)

	a, err := tx.StartAtomicOperation()
	if err != nil {
		t.Fatalf("StartAtomicOperation: %v", err)
	}
	b, _ := tx.StartAtomicOperation()

	if _, err := a.Select(ctx, "name", 1); err != nil {
		t.Fatalf("a.Select: %v", err)
	}
	if ok, _ := b.Add(ctx, "name", "Bob", 1); !ok {
		t.Fatal("b.Add failed")
	}
	if err := b.Commit(ctx); err != nil {
		t.Fatalf("b.Commit: %v", err)
	}

	if err := a.Commit(ctx); !acid.HasCode(err, acid.PreemptionFailure) {
		t.Errorf("a.Commit = %v, want preemption failure", err)
	}
	// The transaction itself is untouched by intra-transaction contention.
	if got, _ := tx.Verify(ctx, "name", "Bob", 1); !got {
		t.Error("transaction does not see b's committed write")
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("tx.Commit: %v", err)
	}
	if got, _ := store.Verify(ctx, "name", "Bob", 1); !got {
		t.Error("write not applied to engine")
	}
}

func TestDirectWritePreemptsChild(t *testing.T) {
	ctx := context.Background()
	tx, _, _ := newTestTransaction(t)

	child, _ := tx.StartAtomicOperation()
	if _, err := child.Select(ctx, "name", 1); err != nil {
		t.Fatalf("child.Select: %v", err)
	}
	if ok, _ := tx.Add(ctx, "name", "Ann", 1); !ok {
		t.Fatal("tx.Add failed")
	}
	if child.Status() != StatusPreempted {
		t.Errorf("child status = %v, want preempted", child.Status())
	}
}

func TestEngineWritePreemptsTransaction(t *testing.T) {
	ctx := context.Background()
	tx, store, _ := newTestTransaction(t)

	if _, err := tx.Select(ctx, "name", 1); err != nil {
		t.Fatalf("Select: %v", err)
	}
	// An outside writer lands on the watched field.
	store.Add(ctx, "name", "Zed", 1)

	if tx.Status() != StatusPreempted {
		t.Errorf("transaction status = %v, want preempted", tx.Status())
	}
	if err := tx.Commit(ctx); !acid.HasCode(err, acid.PreemptionFailure) {
		t.Errorf("Commit = %v, want preemption failure", err)
	}
}

func TestChildAbsorbsEngineWriteForTransaction(t *testing.T) {
	ctx := context.Background()
	tx, store, _ := newTestTransaction(t)

	child, _ := tx.StartAtomicOperation()
	if _, err := child.Select(ctx, "name", 1); err != nil {
		t.Fatalf("child.Select: %v", err)
	}
	store.Add(ctx, "name", "Zed", 1)

	// The failure belongs to the child; the transaction survives it.
	if child.Status() != StatusPreempted {
		t.Errorf("child status = %v, want preempted", child.Status())
	}
	if tx.Status() != StatusOpen {
		t.Errorf("transaction status = %v, want open", tx.Status())
	}
	if err := tx.Commit(ctx); err != nil {
		t.Errorf("Commit: %v", err)
	}
}

func TestFinishedChildIsDroppedFromRelays(t *testing.T) {
	ctx := context.Background()
	tx, _, _ := newTestTransaction(t)

	child, _ := tx.StartAtomicOperation()
	child.Select(ctx, "name", 1)
	if err := child.Abort(ctx); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	tx.relayMu.Lock()
	n := len(tx.relays)
	tx.relayMu.Unlock()
	if n != 0 {
		t.Errorf("%d relay registrations survive a finished child", n)
	}
}
