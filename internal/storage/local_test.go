package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}
	return path
}

func TestLocalStorage_UploadDownload(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	srcDir := t.TempDir()
	srcPath := writeFile(t, srcDir, "test.txt", "hello world")
	ctx := context.Background()

	objectPath := "sinks/clicks/1.jsonl.sz"
	if err := store.Upload(ctx, srcPath, objectPath); err != nil {
		t.Fatalf("Upload failed: %v", err)
	}

	exists, err := store.Exists(ctx, objectPath)
	if err != nil || !exists {
		t.Fatalf("Exists: exists=%v err=%v", exists, err)
	}

	dstPath := filepath.Join(srcDir, "out", "downloaded.txt")
	if err := store.Download(ctx, objectPath, dstPath); err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	got, err := os.ReadFile(dstPath)
	if err != nil {
		t.Fatalf("failed to read downloaded file: %v", err)
	}
	if string(got) != "hello world" {
		t.Errorf("content mismatch: got %q", got)
	}

	if err := store.Delete(ctx, objectPath); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if exists, _ := store.Exists(ctx, objectPath); exists {
		t.Error("object should be gone after Delete")
	}
	if err := store.Delete(ctx, objectPath); err != nil {
		t.Errorf("deleting a missing object should succeed: %v", err)
	}
}

func TestLocalStorage_UploadMultipartReturnsMD5(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	src := writeFile(t, t.TempDir(), "a.txt", "abc")

	etag, err := store.UploadMultipart(context.Background(), src, "a.txt")
	if err != nil {
		t.Fatalf("UploadMultipart: %v", err)
	}
	if etag != "900150983cd24fb0d6963f7d28e17f72" {
		t.Errorf("etag: got %s", etag)
	}
}

func TestLocalStorage_DownloadNotFound(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	err = store.Download(context.Background(), "missing", filepath.Join(t.TempDir(), "x"))
	if !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("expected ErrObjectNotFound, got %v", err)
	}
}

func TestLocalStorage_ListObjects(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	src := writeFile(t, t.TempDir(), "x", "x")
	for _, p := range []string{"sinks/b/2.sz", "sinks/a/1.sz", "other/3.sz"} {
		if err := store.Upload(ctx, src, p); err != nil {
			t.Fatalf("Upload %s: %v", p, err)
		}
	}

	got, err := store.ListObjects(ctx, "sinks/")
	if err != nil {
		t.Fatalf("ListObjects: %v", err)
	}
	want := []string{"sinks/a/1.sz", "sinks/b/2.sz"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}

	none, err := store.ListObjects(ctx, "nothing/")
	if err != nil || len(none) != 0 {
		t.Errorf("empty prefix: got %v err=%v", none, err)
	}
}

func TestLocalStorage_PathsStayInsideBase(t *testing.T) {
	base := t.TempDir()
	store, err := NewLocalStorage(base)
	if err != nil {
		t.Fatal(err)
	}
	src := writeFile(t, t.TempDir(), "x", "x")
	if err := store.Upload(context.Background(), src, "../../escape"); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if _, err := os.Stat(filepath.Join(base, "escape")); err != nil {
		t.Errorf("object should be written inside the base directory: %v", err)
	}
}

func TestLocalStorage_CancelledContext(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := store.Upload(ctx, "unused", "x"); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
