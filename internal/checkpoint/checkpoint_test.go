package checkpoint

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/nidhogg/streamrl/internal/faults"
	"go.uber.org/zap"
)

func roundTrip(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	weights := []byte{0x00, 0xff, 0x10, 0x7f, 0x80}

	handle, err := s.Write(ctx, 7, weights)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	weights[0] = 0x42 // caller mutations must not leak into the stored copy

	got, err := s.Read(ctx, handle)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, []byte{0x00, 0xff, 0x10, 0x7f, 0x80}) {
		t.Fatalf("got %x, want bit-identical weights", got)
	}

	if _, err := s.Write(ctx, 7, []byte("other")); !errors.Is(err, faults.ErrCheckpointExists) {
		t.Errorf("second write: got %v, want ErrCheckpointExists", err)
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	roundTrip(t, NewMemoryStore())
}

func TestFileStoreRoundTrip(t *testing.T) {
	s, err := NewFileStore(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	roundTrip(t, s)
}

func TestFileStoreDetectsCorruption(t *testing.T) {
	s, err := NewFileStore(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	handle, err := s.Write(context.Background(), 1, []byte("weights"))
	if err != nil {
		t.Fatal(err)
	}
	path := strings.TrimPrefix(handle, "file://")
	raw, _ := os.ReadFile(path)
	raw[len(raw)-1] ^= 0x01
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Read(context.Background(), handle); !errors.Is(err, faults.ErrCheckpointCorrupt) {
		t.Errorf("got %v, want ErrCheckpointCorrupt", err)
	}
}

func TestMemoryStoreRejectsForeignHandle(t *testing.T) {
	if _, err := NewMemoryStore().Read(context.Background(), "file:///tmp/x"); err == nil {
		t.Error("expected error for foreign handle")
	}
}
