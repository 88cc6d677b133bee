package storage

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestS3KeyPrefix(t *testing.T) {
	tests := []struct {
		prefix string
		object string
		key    string
	}{
		{"", "sinks/orders/1.jsonl.sz", "sinks/orders/1.jsonl.sz"},
		{"lens", "sinks/orders/1.jsonl.sz", "lens/sinks/orders/1.jsonl.sz"},
		{"/lens/prod/", "/sinks/orders/", "lens/prod/sinks/orders/"},
	}
	for _, tt := range tests {
		s := NewS3StorageWithClient(nil, "bucket", S3Config{Prefix: tt.prefix})
		if got := s.key(tt.object); got != tt.key {
			t.Errorf("key(%q) with prefix %q = %q, want %q", tt.object, tt.prefix, got, tt.key)
		}
		if back := s.objectPath(tt.key); back != strings.TrimLeft(tt.object, "/") {
			t.Errorf("objectPath(%q) = %q", tt.key, back)
		}
	}

	s := NewS3StorageWithClient(nil, "bucket", S3Config{Prefix: "lens"})
	if got := s.objectPath("lens/sinks/a/1.json"); got != "sinks/a/1.json" {
		t.Errorf("objectPath = %q", got)
	}
}

func TestContentType(t *testing.T) {
	tests := map[string]string{
		"sinks/a/1.jsonl.sz":  "application/x-snappy-framed",
		"sinks/a/1.meta.json": "application/json",
		"sinks/a/blob":        "application/octet-stream",
	}
	for object, want := range tests {
		if got := contentType(object); got != want {
			t.Errorf("contentType(%q) = %q, want %q", object, got, want)
		}
	}
}

func TestRetry(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")

	calls := 0
	err := retry(ctx, 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return boom
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Errorf("transient failure: err=%v calls=%d", err, calls)
	}

	calls = 0
	err = retry(ctx, 2, time.Millisecond, func() error { calls++; return boom })
	if !errors.Is(err, boom) || calls != 3 {
		t.Errorf("persistent failure: err=%v calls=%d", err, calls)
	}

	calls = 0
	err = retry(ctx, 5, time.Millisecond, func() error { calls++; return ErrObjectNotFound })
	if !errors.Is(err, ErrObjectNotFound) || calls != 1 {
		t.Errorf("not found: err=%v calls=%d", err, calls)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if err := retry(cancelled, 5, time.Millisecond, func() error { return nil }); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled: %v", err)
	}
}
