package filemgr

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func newTestRegistry(t *testing.T, dir string) *FileRegistry {
	t.Helper()
	fr, err := NewFileRegistry(dir, SyncNever, 0, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("NewFileRegistry failed: %v", err)
	}
	t.Cleanup(func() { fr.CloseAllFiles() })
	return fr
}

func TestOpenFileIsReferenceCounted(t *testing.T) {
	fr := newTestRegistry(t, t.TempDir())

	first, err := fr.OpenFile("a.kdb")
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	second, err := fr.OpenFile("a.kdb")
	if err != nil {
		t.Fatalf("second OpenFile failed: %v", err)
	}
	if first != second {
		t.Fatal("Opening an open file should return the same handle")
	}
	if !fr.Exists("a.kdb") || !fr.IsOpen("a.kdb") {
		t.Fatal("File should exist and be open")
	}

	if err := fr.RemoveFile("a.kdb"); !errors.Is(err, ErrFileInUse) {
		t.Errorf("Expected ErrFileInUse, got %v", err)
	}

	if err := fr.CloseFile(first); err != nil {
		t.Fatalf("CloseFile failed: %v", err)
	}
	if !fr.IsOpen("a.kdb") {
		t.Error("File closed while still referenced")
	}
	if err := fr.CloseFile(second); err != nil {
		t.Fatalf("CloseFile failed: %v", err)
	}
	if fr.IsOpen("a.kdb") {
		t.Error("File still open after the last reference was closed")
	}
	if err := fr.CloseFile(second); err == nil {
		t.Error("Closing a closed file should fail")
	}

	if err := fr.RemoveFile("a.kdb"); err != nil {
		t.Fatalf("RemoveFile failed: %v", err)
	}
	if fr.Exists("a.kdb") {
		t.Error("File still exists after RemoveFile")
	}
	if err := fr.RemoveFile("a.kdb"); err != nil {
		t.Errorf("Removing a missing file should succeed, got %v", err)
	}
}

func TestOpenFileLocksAgainstOtherOpeners(t *testing.T) {
	dir := t.TempDir()
	owner := newTestRegistry(t, dir)
	other := newTestRegistry(t, dir)

	file, err := owner.OpenFile("a.kdb")
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	if _, err := other.OpenFile("a.kdb"); !errors.Is(err, ErrFileLocked) {
		t.Fatalf("Expected ErrFileLocked, got %v", err)
	}

	if err := owner.CloseFile(file); err != nil {
		t.Fatalf("CloseFile failed: %v", err)
	}
	if _, err := other.OpenFile("a.kdb"); err != nil {
		t.Errorf("OpenFile after the lock was released failed: %v", err)
	}
}

func TestManagedFileReadWrite(t *testing.T) {
	fr := newTestRegistry(t, t.TempDir())
	file, err := fr.OpenFile("a.kdb")
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}

	data, release, err := file.ReadAll()
	if err != nil || len(data) != 0 {
		t.Fatalf("Empty file ReadAll returned %d bytes, %v", len(data), err)
	}
	release()

	for i, chunk := range []string{"hello ", "kestrel"} {
		offset, err := file.Append([]byte(chunk))
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		if want := []int64{0, 6}[i]; offset != want {
			t.Errorf("Expected offset %d, got %d", want, offset)
		}
		if err := fr.SyncAfterWrite(file); err != nil {
			t.Fatalf("SyncAfterWrite failed: %v", err)
		}
	}
	if file.Size() != 13 {
		t.Errorf("Expected size 13, got %d", file.Size())
	}

	data, release, err = file.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if string(data) != "hello kestrel" {
		t.Errorf("Unexpected contents %q", data)
	}
	if err := release(); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	if err := file.Truncate(5); err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}
	if _, err := file.Append([]byte("!")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	onDisk, err := os.ReadFile(file.Path())
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(onDisk) != "hello!" {
		t.Errorf("Unexpected contents after truncate %q", onDisk)
	}
}

func TestReplaceContents(t *testing.T) {
	dir := t.TempDir()
	fr := newTestRegistry(t, dir)
	file, err := fr.OpenFile("a.kdb")
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	if _, err := file.Append([]byte("a long journal full of old frames")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	if err := fr.ReplaceContents(file, []byte("compact")); err != nil {
		t.Fatalf("ReplaceContents failed: %v", err)
	}
	if file.Size() != 7 {
		t.Errorf("Expected size 7, got %d", file.Size())
	}
	if _, err := os.Stat(filepath.Join(dir, "a.kdb.tmp")); !os.IsNotExist(err) {
		t.Errorf("Temp file left behind: %v", err)
	}

	if _, err := file.Append([]byte("+")); err != nil {
		t.Fatalf("Append after replace failed: %v", err)
	}
	onDisk, _ := os.ReadFile(file.Path())
	if string(onDisk) != "compact+" {
		t.Errorf("Unexpected contents %q", onDisk)
	}

	other := newTestRegistry(t, dir)
	if _, err := other.OpenFile("a.kdb"); !errors.Is(err, ErrFileLocked) {
		t.Errorf("Replaced file should still be locked, got %v", err)
	}
}

func TestListFiles(t *testing.T) {
	dir := t.TempDir()
	fr := newTestRegistry(t, dir)

	for _, name := range []string{"b.kdb", "a.kdb", ".hidden.kdb", "notes.txt", "c.kdb.tmp"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0644); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "d.kdb"), 0755); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}

	names, err := fr.ListFiles(".kdb")
	if err != nil {
		t.Fatalf("ListFiles failed: %v", err)
	}
	if len(names) != 2 || names[0] != "a.kdb" || names[1] != "b.kdb" {
		t.Errorf("Unexpected files %v", names)
	}
}

func TestParseSyncPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    SyncPolicy
		wantErr bool
	}{
		{"", SyncAlways, false},
		{"always", SyncAlways, false},
		{"Interval", SyncInterval, false},
		{"NEVER", SyncNever, false},
		{"sometimes", SyncAlways, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSyncPolicy(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Unexpected error state: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}
