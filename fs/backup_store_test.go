package fs

import (
	"context"
	"errors"
	"os"
	"testing"
)

func TestBackupStoreRoundtrip(t *testing.T) {
	ctx := context.Background()
	bs, err := NewBackupStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewBackupStore: %v", err)
	}

	if bs.Exists("100") {
		t.Error("record exists before write")
	}
	if err := bs.Write(ctx, "100", []byte("payload")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !bs.Exists("100") {
		t.Error("record missing after write")
	}
	got, err := bs.Read(ctx, "100")
	if err != nil || string(got) != "payload" {
		t.Errorf("Read = %q, %v", got, err)
	}
	if err := bs.Remove(ctx, "100"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if bs.Exists("100") {
		t.Error("record exists after remove")
	}
}

func TestRemoveMissingRecordIsNotAnError(t *testing.T) {
	ctx := context.Background()
	bs, _ := NewBackupStore(t.TempDir(), nil)
	if err := bs.Remove(ctx, "nope"); err != nil {
		t.Errorf("Remove of missing record: %v", err)
	}
}

func TestListReturnsSortedIds(t *testing.T) {
	ctx := context.Background()
	folder := t.TempDir()
	bs, _ := NewBackupStore(folder, nil)
	for _, id := range []string{"300", "100", "200"} {
		if err := bs.Write(ctx, id, []byte(id)); err != nil {
			t.Fatalf("Write %s: %v", id, err)
		}
	}
	// Files without the extension are not durability records.
	if err := os.WriteFile(bs.Folder()+"/stray.tmp", []byte("x"), 0o644); err != nil {
		t.Fatalf("stray write: %v", err)
	}

	ids, err := bs.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(ids) != 3 || ids[0] != "100" || ids[1] != "200" || ids[2] != "300" {
		t.Errorf("List = %v, want [100 200 300]", ids)
	}
}

func TestMissingFolderIsCreated(t *testing.T) {
	folder := t.TempDir() + "/a/b/c"
	if _, err := NewBackupStore(folder, nil); err != nil {
		t.Fatalf("NewBackupStore: %v", err)
	}
	if _, err := os.Stat(folder); err != nil {
		t.Errorf("folder not created: %v", err)
	}
}

type failingFileIO struct {
	FileIO
}

func (failingFileIO) WriteFileSync(name string, data []byte, perm os.FileMode) error {
	return errors.New("io failure")
}

func TestWriteErrorSurfaces(t *testing.T) {
	bs, err := NewBackupStore(t.TempDir(), failingFileIO{FileIO: NewDefaultFileIO()})
	if err != nil {
		t.Fatalf("NewBackupStore: %v", err)
	}
	if err := bs.Write(context.Background(), "100", []byte("payload")); err == nil {
		t.Error("Write error swallowed")
	}
}

func TestContextCancellationShortCircuits(t *testing.T) {
	bs, _ := NewBackupStore(t.TempDir(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := bs.Write(ctx, "100", []byte("payload")); err == nil {
		t.Error("Write on cancelled context succeeded")
	}
	if _, err := bs.List(ctx); err == nil {
		t.Error("List on cancelled context succeeded")
	}
}
