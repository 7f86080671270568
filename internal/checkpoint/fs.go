package checkpoint

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nidhogg/streamrl/internal/faults"
	"go.uber.org/zap"
)

const fileScheme = "file://"

// FileStore writes each version to <dir>/v<version>.ckpt as a sha256 digest
// followed by the raw weights. Files are linked into place so that two writers
// racing for the same version cannot both succeed.
type FileStore struct {
	dir    string
	logger *zap.Logger
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &FileStore{dir: dir, logger: logger}, nil
}

// Path returns the file a version is stored in.
func (s *FileStore) Path(version uint64) string {
	return filepath.Join(s.dir, fmt.Sprintf("v%020d.ckpt", version))
}

// Write persists weights for version exactly once.
func (s *FileStore) Write(ctx context.Context, version uint64, weights []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	final := s.Path(version)
	if _, err := os.Stat(final); err == nil {
		return "", fmt.Errorf("write checkpoint v%d: %w", version, faults.ErrCheckpointExists)
	}

	tmp, err := os.CreateTemp(s.dir, ".ckpt-*")
	if err != nil {
		return "", fmt.Errorf("create temp checkpoint: %w", err)
	}
	defer os.Remove(tmp.Name())

	sum := sha256.Sum256(weights)
	if _, err := tmp.Write(sum[:]); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write checkpoint digest: %w", err)
	}
	if _, err := tmp.Write(weights); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write checkpoint body: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close checkpoint: %w", err)
	}

	if err := os.Link(tmp.Name(), final); err != nil {
		if errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("write checkpoint v%d: %w", version, faults.ErrCheckpointExists)
		}
		return "", fmt.Errorf("publish checkpoint v%d: %w", version, err)
	}

	s.logger.Debug("checkpoint written",
		zap.Uint64("version", version),
		zap.Int("bytes", len(weights)),
		zap.String("path", final))
	return fileScheme + final, nil
}

// Read loads and verifies the checkpoint behind handle.
func (s *FileStore) Read(ctx context.Context, handle string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !strings.HasPrefix(handle, fileScheme) {
		return nil, fmt.Errorf("not a file checkpoint handle: %q", handle)
	}
	raw, err := os.ReadFile(strings.TrimPrefix(handle, fileScheme))
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	if len(raw) < sha256.Size {
		return nil, fmt.Errorf("read checkpoint %s: %w", handle, faults.ErrCheckpointCorrupt)
	}
	want, body := raw[:sha256.Size], raw[sha256.Size:]
	got := sha256.Sum256(body)
	if !bytes.Equal(want, got[:]) {
		return nil, fmt.Errorf("read checkpoint %s: %w", handle, faults.ErrCheckpointCorrupt)
	}
	return body, nil
}
