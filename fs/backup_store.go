package fs

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// BackupFileExtension suffixes every durability record file.
const BackupFileExtension = ".txn"

// BackupStore manages the transaction-backup directory: one durability
// record per in-flight transaction, named <transaction-id>.txn. A record
// present on disk is evidence of a commit that may not have finished.
type BackupStore struct {
	folder string
	fio    FileIO
}

// NewBackupStore opens (creating if needed) the backup directory at folder.
// Pass nil fio to use the default OS-backed FileIO.
func NewBackupStore(folder string, fio FileIO) (*BackupStore, error) {
	if fio == nil {
		fio = NewDefaultFileIO()
	}
	if err := fio.MkdirAll(folder, 0o755); err != nil {
		return nil, err
	}
	return &BackupStore{folder: folder, fio: fio}, nil
}

// Folder returns the backup directory path.
func (bs *BackupStore) Folder() string {
	return bs.folder
}

// Filename returns the backup file path for a transaction id.
func (bs *BackupStore) Filename(id string) string {
	return filepath.Join(bs.folder, id+BackupFileExtension)
}

// Write persists the record for id and forces it to stable storage before
// returning. Errors are returned as-is; the caller decides their severity.
func (bs *BackupStore) Write(ctx context.Context, id string, record []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return bs.fio.WriteFileSync(bs.Filename(id), record, 0o644)
}

// Read returns the record bytes for id.
func (bs *BackupStore) Read(ctx context.Context, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return bs.fio.ReadFile(bs.Filename(id))
}

// Remove deletes the record for id. Removing an already-removed record is
// not an error, so a retried recovery pass can't fail on the delete.
func (bs *BackupStore) Remove(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := bs.fio.Remove(bs.Filename(id)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Exists reports whether a record for id is on disk.
func (bs *BackupStore) Exists(id string) bool {
	return bs.fio.Exists(bs.Filename(id))
}

// List returns the ids of every leftover record, sorted ascending. Ids are
// timestamp-derived, so the order is commit-start order.
func (bs *BackupStore) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := bs.fio.ReadDir(bs.folder)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), BackupFileExtension) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), BackupFileExtension))
	}
	sort.Strings(ids)
	return ids, nil
}
