package export

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestDisabledServiceReturnsErrDisabled(t *testing.T) {
	svc, err := NewService("", "", "", "keytao-snapshots", false)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	if svc.Enabled() {
		t.Fatal("expected service without endpoint to be disabled")
	}

	ctx := context.Background()
	if _, err := svc.UploadSnapshot(ctx, "keytao", "abc1234", "data"); !errors.Is(err, ErrDisabled) {
		t.Fatalf("UploadSnapshot() error = %v, want ErrDisabled", err)
	}
	if _, err := svc.SnapshotURL(ctx, "whatever"); !errors.Is(err, ErrDisabled) {
		t.Fatalf("SnapshotURL() error = %v, want ErrDisabled", err)
	}
	if _, err := svc.ListSnapshots(ctx, "keytao"); !errors.Is(err, ErrDisabled) {
		t.Fatalf("ListSnapshots() error = %v, want ErrDisabled", err)
	}
	if err := svc.EnsureBucket(ctx); !errors.Is(err, ErrDisabled) {
		t.Fatalf("EnsureBucket() error = %v, want ErrDisabled", err)
	}

	// Async upload on a disabled service is a no-op, not a panic.
	svc.UploadSnapshotAsync("keytao", "abc1234", "data")
}

func TestSnapshotObjectName(t *testing.T) {
	at := time.Date(2026, 8, 30, 12, 4, 5, 0, time.UTC)
	name := SnapshotObjectName("keytao", "abc1234", at)
	if name != "snapshots/keytao/20260830T120405-abc1234.dict.yaml" {
		t.Fatalf("unexpected object name %q", name)
	}
	if !strings.HasPrefix(name, "snapshots/keytao/") {
		t.Fatalf("expected schema prefix, got %q", name)
	}

	earlier := SnapshotObjectName("keytao", "zzz", at.Add(-time.Hour))
	if !(earlier < name) {
		t.Fatalf("expected chronological key ordering, got %q >= %q", earlier, name)
	}
}
