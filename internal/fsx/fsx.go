// Package fsx provides the filesystem helpers shared by the stores.
//
// Every durable write in this module goes through WriteAtomic: the
// payload lands in a sibling temp file which is then renamed over the
// target, so a crash mid-write leaves the previous file untouched.
package fsx

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
)

// TempSuffix is appended to a file's path while its replacement is
// being written. Directory scans must ignore files carrying it.
const TempSuffix = ".tmp"

// DirPerm is the mode used when creating store directories.
const DirPerm fs.FileMode = 0o750

// FilePerm is the mode used when creating store files.
const FilePerm fs.FileMode = 0o600

// IsTemp reports whether a file name belongs to an in-flight atomic
// write.
func IsTemp(name string) bool {
	return strings.HasSuffix(name, TempSuffix)
}

// EnsureDir creates dir and any missing parents.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, DirPerm); err != nil {
		return fmt.Errorf("fsx: create dir: %w", err)
	}
	return nil
}

// WriteAtomic writes data to path via a sibling temp file and rename.
func WriteAtomic(path string, data []byte) error {
	tmp := path + TempSuffix

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, FilePerm)
	if err != nil {
		return fmt.Errorf("fsx: create temp file: %w", err)
	}
	defer os.Remove(tmp)

	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("fsx: write: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsx: sync: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("fsx: close: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("fsx: rename: %w", err)
	}
	return nil
}

// ReadIfExists reads the whole file at path. A missing file is not an
// error; it reads as nil.
func ReadIfExists(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("fsx: read: %w", err)
	}
	return data, nil
}

// ReadPrefix reads at most max bytes from the start of the file at
// path. It returns the bytes read and whether the file exists. A
// missing file is not an error.
func ReadPrefix(path string, max int) ([]byte, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("fsx: open: %w", err)
	}
	defer f.Close()

	buf := make([]byte, max)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, true, fmt.Errorf("fsx: read: %w", err)
	}
	return buf[:n], true, nil
}

// RemoveIfExists deletes the file at path. A missing file is not an
// error.
func RemoveIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("fsx: remove: %w", err)
	}
	return nil
}

// Exists reports whether a file exists at path.
func Exists(path string) (bool, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("fsx: stat: %w", err)
	}
	return true, nil
}
