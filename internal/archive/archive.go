// Package archive exports the events of a sink to object storage as
// snappy-compressed JSON lines and verifies exported archives against the
// murmur3 checksum in their sidecar.
package archive

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang/snappy"
	"github.com/spaolacci/murmur3"

	lenserrors "github.com/arkilian/lens/internal/errors"
	"github.com/arkilian/lens/internal/ident"
	"github.com/arkilian/lens/internal/registry"
	"github.com/arkilian/lens/internal/storage"
	"github.com/arkilian/lens/pkg/types"
)

// EventSource yields every event of a sink.
type EventSource interface {
	Scan(ctx context.Context, sinkName string, fn func(*types.Event) error) error
}

// Exporter writes and verifies sink archives.
type Exporter struct {
	events  EventSource
	store   storage.ObjectStorage
	workDir string
	ids     ident.Source
}

// NewExporter creates an exporter staging files under workDir (os.TempDir when empty).
func NewExporter(events EventSource, store storage.ObjectStorage, workDir string, ids ident.Source) *Exporter {
	if workDir == "" {
		workDir = os.TempDir()
	}
	return &Exporter{
		events:  events,
		store:   store,
		workDir: workDir,
		ids:     ids,
	}
}

// ObjectPath returns where an archive of sink taken at unix time ts is stored.
func ObjectPath(sink string, ts int64) string {
	return fmt.Sprintf("sinks/%s/%d%s", sink, ts, BodyExt)
}

// Export archives every event of a sink and returns the sidecar describing it.
func (e *Exporter) Export(ctx context.Context, sinkName string) (*Sidecar, error) {
	name, err := registry.ValidateName(sinkName)
	if err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp(e.workDir, "lens-export-")
	if err != nil {
		return nil, lenserrors.NewInternalError("failed to create export directory", err)
	}
	defer os.RemoveAll(dir)

	bodyPath := filepath.Join(dir, "body"+BodyExt)
	rows, checksum, err := e.writeBody(ctx, name, bodyPath)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(bodyPath)
	if err != nil {
		return nil, lenserrors.NewInternalError("failed to stat archive body", err)
	}

	now := e.ids.Now()
	objectPath := ObjectPath(name, now.Unix())
	sidecar := &Sidecar{
		Sink:      name,
		Object:    objectPath,
		Rows:      rows,
		SizeBytes: fi.Size(),
		Checksum:  checksum,
		Algorithm: Algorithm,
		CreatedAt: now.Unix(),
	}
	sidecarPath := filepath.Join(dir, "body"+SidecarExt)
	if err := sidecar.WriteToFile(sidecarPath); err != nil {
		return nil, lenserrors.NewInternalError("failed to write sidecar", err)
	}

	// body first: a sidecar must never point at a missing body
	if _, err := e.store.UploadMultipart(ctx, bodyPath, objectPath); err != nil {
		return nil, lenserrors.NewStorageError(lenserrors.CodeUploadFailed, "failed to upload archive body", err)
	}
	if err := e.store.Upload(ctx, sidecarPath, SidecarPath(objectPath)); err != nil {
		if derr := e.store.Delete(context.WithoutCancel(ctx), objectPath); derr != nil {
			log.Printf("archive: [WARN] failed to remove orphaned body %s: %v", objectPath, derr)
		}
		return nil, lenserrors.NewStorageError(lenserrors.CodeUploadFailed, "failed to upload archive sidecar", err)
	}

	log.Printf("archive: exported %d events of %s to %s", rows, name, objectPath)
	return sidecar, nil
}

func (e *Exporter) writeBody(ctx context.Context, sink, path string) (int64, string, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, "", lenserrors.NewInternalError("failed to create archive body", err)
	}
	defer f.Close()

	zw := snappy.NewBufferedWriter(f)
	h := murmur3.New128()
	enc := json.NewEncoder(io.MultiWriter(zw, h))

	var rows int64
	err = e.events.Scan(ctx, sink, func(ev *types.Event) error {
		rows++
		return enc.Encode(ev)
	})
	if err != nil {
		return 0, "", err
	}
	if err := zw.Close(); err != nil {
		return 0, "", lenserrors.NewInternalError("failed to compress archive body", err)
	}
	if err := f.Close(); err != nil {
		return 0, "", lenserrors.NewInternalError("failed to write archive body", err)
	}
	return rows, sum(h), nil
}

// Verify downloads an archive and its sidecar and checks the row count and
// checksum. A mismatch is a storage error with code CHECKSUM_MISMATCH.
func (e *Exporter) Verify(ctx context.Context, objectPath string) (*Sidecar, error) {
	if !strings.HasSuffix(objectPath, BodyExt) {
		return nil, lenserrors.NewValidationError(lenserrors.CodeInvalidArgument,
			fmt.Sprintf("%q is not an archive (expected a %s object)", objectPath, BodyExt))
	}

	dir, err := os.MkdirTemp(e.workDir, "lens-verify-")
	if err != nil {
		return nil, lenserrors.NewInternalError("failed to create verify directory", err)
	}
	defer os.RemoveAll(dir)

	paths := []string{objectPath, SidecarPath(objectPath)}
	result, err := storage.NewBatchDownloader(e.store, len(paths), dir).Download(ctx, paths)
	if err != nil {
		return nil, lenserrors.NewStorageError(lenserrors.CodeDownloadFailed, "failed to download archive", err)
	}
	if err := result.Err(paths); err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return nil, lenserrors.NewNotFoundError(lenserrors.CodeObjectNotFound,
				fmt.Sprintf("archive %s not found: %v", objectPath, err))
		}
		return nil, lenserrors.NewStorageError(lenserrors.CodeDownloadFailed, "failed to download archive", err)
	}

	sidecar, err := ReadSidecar(result.LocalPaths[paths[1]])
	if err != nil {
		return nil, lenserrors.NewStorageError(lenserrors.CodeChecksumMismatch, "unreadable sidecar", err)
	}
	if sidecar.Algorithm != Algorithm {
		return nil, lenserrors.NewStorageError(lenserrors.CodeChecksumMismatch,
			fmt.Sprintf("unsupported checksum algorithm %q", sidecar.Algorithm), nil)
	}

	rows, checksum, err := readBody(result.LocalPaths[paths[0]])
	if err != nil {
		return nil, lenserrors.NewStorageError(lenserrors.CodeChecksumMismatch, "corrupt archive body", err)
	}
	if checksum != sidecar.Checksum || rows != sidecar.Rows {
		return nil, lenserrors.NewStorageError(lenserrors.CodeChecksumMismatch,
			fmt.Sprintf("archive %s does not match its sidecar (rows %d/%d, checksum %s/%s)",
				objectPath, rows, sidecar.Rows, checksum, sidecar.Checksum), nil)
	}
	return sidecar, nil
}

func readBody(path string) (int64, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, "", err
	}
	defer f.Close()

	h := murmur3.New128()
	r := bufio.NewReader(io.TeeReader(snappy.NewReader(f), h))
	var rows int64
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			rows++
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, "", err
		}
	}
	return rows, sum(h), nil
}

// List returns the archive bodies stored for a sink, oldest first.
func (e *Exporter) List(ctx context.Context, sinkName string) ([]string, error) {
	name, err := registry.ValidateName(sinkName)
	if err != nil {
		return nil, err
	}
	objects, err := e.store.ListObjects(ctx, "sinks/"+name+"/")
	if err != nil {
		return nil, lenserrors.NewStorageError(lenserrors.CodeDownloadFailed, "failed to list archives", err)
	}
	out := make([]string, 0, len(objects))
	for _, o := range objects {
		if strings.HasSuffix(o, BodyExt) {
			out = append(out, o)
		}
	}
	return out, nil
}

func sum(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}
