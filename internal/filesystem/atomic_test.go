package filesystem

import (
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func assertNoTemps(t *testing.T, dir string) {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, ".*.tmp"))
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) > 0 {
		t.Errorf("temp files remain: %v", matches)
	}
}

func TestWriteFileAtomic_NewFile(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "encryption.key")
	data := []byte("c2VjcmV0\n")

	if err := WriteFileAtomic(target, data, 0o600); err != nil {
		t.Fatalf("WriteFileAtomic: %v", err)
	}

	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("content = %q, want %q", got, data)
	}
	assertNoTemps(t, dir)
}

func TestWriteFileAtomic_Permissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix permissions")
	}
	target := filepath.Join(t.TempDir(), "encryption.key")
	if err := WriteFileAtomic(target, []byte("k"), 0o600); err != nil {
		t.Fatalf("WriteFileAtomic: %v", err)
	}
	info, err := os.Stat(target)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestWriteFileAtomic_OverwriteExisting(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(target, []byte("original"), 0o600); err != nil {
		t.Fatalf("writing original: %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := WriteFileAtomic(target, []byte{'v', byte('0' + i)}, 0o600); err != nil {
			t.Fatalf("WriteFileAtomic iteration %d: %v", i, err)
		}
	}

	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "v4" {
		t.Errorf("content = %q, want %q", got, "v4")
	}
	assertNoTemps(t, dir)
}

func TestWriteFileAtomic_CreatesParentDir(t *testing.T) {
	target := filepath.Join(t.TempDir(), "sub", "dir", "encryption.key")

	if err := WriteFileAtomic(target, []byte("nested"), 0o600); err != nil {
		t.Fatalf("WriteFileAtomic: %v", err)
	}
	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "nested" {
		t.Errorf("content = %q, want %q", got, "nested")
	}
}

func TestWriteFileAtomic_TargetIsDirectory(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "occupied")
	if err := os.Mkdir(target, 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(target, "child"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := WriteFileAtomic(target, []byte("x"), 0o600); err == nil {
		t.Fatal("expected error when target is a non-empty directory")
	}
	assertNoTemps(t, dir)
}
