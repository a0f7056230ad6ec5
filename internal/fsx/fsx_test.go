package fsx

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestWriteAtomic_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")

	payload := []byte{0x01, 0x02, 0x03, 0xff}
	if err := WriteAtomic(path, payload); err != nil {
		t.Fatalf("WriteAtomic: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("content = %v, want %v", got, payload)
	}
}

func TestWriteAtomic_LeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")

	if err := WriteAtomic(path, []byte("x")); err != nil {
		t.Fatalf("WriteAtomic: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if IsTemp(e.Name()) {
			t.Fatalf("temp file %q left behind", e.Name())
		}
	}
	if len(entries) != 1 {
		t.Fatalf("dir has %d entries, want 1", len(entries))
	}
}

func TestWriteAtomic_ReplacesWholeFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")

	if err := WriteAtomic(path, []byte("a long first version")); err != nil {
		t.Fatalf("WriteAtomic 1: %v", err)
	}
	if err := WriteAtomic(path, []byte("v2")); err != nil {
		t.Fatalf("WriteAtomic 2: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "v2" {
		t.Fatalf("content = %q, want %q", got, "v2")
	}
}

func TestWriteAtomic_MissingDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nope", "data.bin")
	if err := WriteAtomic(path, []byte("x")); err == nil {
		t.Fatal("WriteAtomic into missing dir succeeded, want error")
	}
}

func TestReadIfExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")

	got, err := ReadIfExists(path)
	if err != nil {
		t.Fatalf("ReadIfExists(missing): %v", err)
	}
	if got != nil {
		t.Fatalf("ReadIfExists(missing) = %v, want nil", got)
	}

	if err := os.WriteFile(path, []byte("hello"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	got, err = ReadIfExists(path)
	if err != nil {
		t.Fatalf("ReadIfExists: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("content = %q, want %q", got, "hello")
	}
}

func TestReadPrefix(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")

	if _, ok, err := ReadPrefix(path, 8); err != nil || ok {
		t.Fatalf("ReadPrefix(missing) = (ok=%v, err=%v), want (false, nil)", ok, err)
	}

	if err := os.WriteFile(path, []byte("0123456789"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	got, ok, err := ReadPrefix(path, 4)
	if err != nil || !ok {
		t.Fatalf("ReadPrefix = (ok=%v, err=%v), want (true, nil)", ok, err)
	}
	if string(got) != "0123" {
		t.Fatalf("prefix = %q, want %q", got, "0123")
	}

	// Short files return everything they have.
	got, ok, err = ReadPrefix(path, 64)
	if err != nil || !ok {
		t.Fatalf("ReadPrefix(64) = (ok=%v, err=%v), want (true, nil)", ok, err)
	}
	if string(got) != "0123456789" {
		t.Fatalf("prefix = %q, want full content", got)
	}

	// Empty files exist but yield no bytes.
	empty := filepath.Join(dir, "empty.bin")
	if err := os.WriteFile(empty, nil, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	got, ok, err = ReadPrefix(empty, 8)
	if err != nil || !ok || len(got) != 0 {
		t.Fatalf("ReadPrefix(empty) = (%v, %v, %v), want ([], true, nil)", got, ok, err)
	}
}

func TestRemoveIfExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")

	if err := RemoveIfExists(path); err != nil {
		t.Fatalf("RemoveIfExists(missing): %v", err)
	}

	if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := RemoveIfExists(path); err != nil {
		t.Fatalf("RemoveIfExists: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("file still exists after remove")
	}
}

func TestExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")

	ok, err := Exists(path)
	if err != nil || ok {
		t.Fatalf("Exists(missing) = (%v, %v), want (false, nil)", ok, err)
	}

	if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	ok, err = Exists(path)
	if err != nil || !ok {
		t.Fatalf("Exists = (%v, %v), want (true, nil)", ok, err)
	}
}

func TestEnsureDir(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "a", "b", "c")

	if err := EnsureDir(nested); err != nil {
		t.Fatalf("EnsureDir: %v", err)
	}
	info, err := os.Stat(nested)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if !info.IsDir() {
		t.Fatal("EnsureDir did not create a directory")
	}

	// Idempotent.
	if err := EnsureDir(nested); err != nil {
		t.Fatalf("EnsureDir(existing): %v", err)
	}
}
