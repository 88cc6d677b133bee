package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"
)

// BatchDownloader downloads several objects in parallel into one directory.
type BatchDownloader struct {
	storage     ObjectStorage
	concurrency int
	dir         string
}

// BatchResult maps each requested object to its local file or its error.
type BatchResult struct {
	LocalPaths map[string]string
	Errors     map[string]error
}

// Err returns the error of the first failed object in request order, or nil.
func (r *BatchResult) Err(objectPaths []string) error {
	for _, p := range objectPaths {
		if err, ok := r.Errors[p]; ok {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

// NewBatchDownloader creates a downloader writing into dir with at most
// concurrency downloads in flight.
func NewBatchDownloader(storage ObjectStorage, concurrency int, dir string) *BatchDownloader {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &BatchDownloader{
		storage:     storage,
		concurrency: concurrency,
		dir:         dir,
	}
}

// Download fetches every object. Individual failures are reported in the
// result; the returned error is only set when the directory cannot be prepared.
func (b *BatchDownloader) Download(ctx context.Context, objectPaths []string) (*BatchResult, error) {
	result := &BatchResult{
		LocalPaths: make(map[string]string, len(objectPaths)),
		Errors:     make(map[string]error),
	}
	if len(objectPaths) == 0 {
		return result, nil
	}
	if err := os.MkdirAll(b.dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDownloadFailed, err)
	}

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		sem = semaphore.NewWeighted(int64(b.concurrency))
	)
	for i, p := range objectPaths {
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			result.Errors[p] = err
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(path, local string) {
			defer sem.Release(1)
			defer wg.Done()

			err := b.storage.Download(ctx, path, local)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Errors[path] = err
				return
			}
			result.LocalPaths[path] = local
		}(p, b.localPath(i, p))
	}
	wg.Wait()

	return result, nil
}

// localPath flattens an object path into a file name, prefixed with its
// position so two objects with the same base name cannot collide.
func (b *BatchDownloader) localPath(i int, objectPath string) string {
	name := strings.ReplaceAll(filepath.ToSlash(objectPath), "/", "_")
	return filepath.Join(b.dir, fmt.Sprintf("%03d_%s", i, name))
}
