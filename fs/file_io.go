// Package fs hosts the file-system side of the transaction layer: the
// backup store holding per-transaction durability records.
package fs

import (
	"os"
)

// Functions for File I/O defaults to "os" file I/O functions.
type FileIO interface {
	WriteFile(name string, data []byte, perm os.FileMode) error
	// WriteFileSync writes data and forces it to stable storage before
	// returning. The write-ahead step of the commit protocol depends on it.
	WriteFileSync(name string, data []byte, perm os.FileMode) error
	ReadFile(name string) ([]byte, error)
	Remove(name string) error
	Exists(path string) bool

	// Directory API.
	ReadDir(path string) ([]os.DirEntry, error)
	MkdirAll(path string, perm os.FileMode) error
}

type DefaultFileIO struct {
}

func NewDefaultFileIO() FileIO {
	return &DefaultFileIO{}
}

func (dio DefaultFileIO) WriteFile(name string, data []byte, perm os.FileMode) error {
	return os.WriteFile(name, data, perm)
}

func (dio DefaultFileIO) WriteFileSync(name string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err = f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err = f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (dio DefaultFileIO) ReadFile(name string) ([]byte, error) {
	return os.ReadFile(name)
}

func (dio DefaultFileIO) Remove(name string) error {
	return os.Remove(name)
}

func (dio DefaultFileIO) ReadDir(path string) ([]os.DirEntry, error) {
	return os.ReadDir(path)
}

func (dio DefaultFileIO) MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

func (dio DefaultFileIO) Exists(path string) bool {
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		return true
	}
	return false
}
