package storage

import (
	"context"
	"errors"
	"os"
	"testing"
)

func TestBatchDownloader_Download(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	srcDir := t.TempDir()
	objects := map[string]string{
		"sinks/a/1.jsonl.sz":      "body",
		"sinks/a/1.jsonl.sz.meta": "meta",
		"other/1.jsonl.sz":        "same base name",
	}
	var paths []string
	for p, content := range objects {
		if err := store.Upload(ctx, writeFile(t, srcDir, "f", content), p); err != nil {
			t.Fatalf("Upload %s: %v", p, err)
		}
		paths = append(paths, p)
	}

	result, err := NewBatchDownloader(store, 2, t.TempDir()).Download(ctx, paths)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if err := result.Err(paths); err != nil {
		t.Fatalf("unexpected failure: %v", err)
	}
	for p, want := range objects {
		got, err := os.ReadFile(result.LocalPaths[p])
		if err != nil {
			t.Fatalf("read %s: %v", p, err)
		}
		if string(got) != want {
			t.Errorf("%s: got %q, want %q", p, got, want)
		}
	}
}

func TestBatchDownloader_PartialFailure(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := store.Upload(ctx, writeFile(t, t.TempDir(), "f", "x"), "present"); err != nil {
		t.Fatal(err)
	}

	paths := []string{"present", "missing"}
	result, err := NewBatchDownloader(store, 0, t.TempDir()).Download(ctx, paths)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if _, ok := result.LocalPaths["present"]; !ok {
		t.Error("present object should be downloaded")
	}
	if !errors.Is(result.Errors["missing"], ErrObjectNotFound) {
		t.Errorf("missing object: got %v", result.Errors["missing"])
	}
	if err := result.Err(paths); !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("Err: got %v", err)
	}
}

func TestBatchDownloader_Empty(t *testing.T) {
	result, err := NewBatchDownloader(nil, 1, t.TempDir()).Download(context.Background(), nil)
	if err != nil || len(result.LocalPaths) != 0 || result.Err(nil) != nil {
		t.Errorf("empty request: result=%+v err=%v", result, err)
	}
}
