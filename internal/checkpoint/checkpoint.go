// Package checkpoint persists model weights keyed by version number. A
// version's weights are written once and read back bit-identical.
package checkpoint

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/nidhogg/streamrl/internal/faults"
)

// Store is the storage collaborator shared by the Learner (writer) and the
// InferenceService (reader).
type Store interface {
	Write(ctx context.Context, version uint64, weights []byte) (string, error)
	Read(ctx context.Context, handle string) ([]byte, error)
}

const memScheme = "mem://"

// MemoryStore keeps checkpoints in process memory. It backs the local mode and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[uint64][]byte
	sums map[uint64][sha256.Size]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[uint64][]byte),
		sums: make(map[uint64][sha256.Size]byte),
	}
}

// Write copies weights under version. A second write for the same version fails.
func (m *MemoryStore) Write(_ context.Context, version uint64, weights []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[version]; ok {
		return "", fmt.Errorf("write checkpoint v%d: %w", version, faults.ErrCheckpointExists)
	}
	buf := make([]byte, len(weights))
	copy(buf, weights)
	m.data[version] = buf
	m.sums[version] = sha256.Sum256(buf)
	return memScheme + strconv.FormatUint(version, 10), nil
}

// Read returns a copy of the weights behind handle.
func (m *MemoryStore) Read(_ context.Context, handle string) ([]byte, error) {
	v, err := parseMemHandle(handle)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	buf, ok := m.data[v]
	if !ok {
		return nil, fmt.Errorf("read checkpoint %s: not found", handle)
	}
	if sha256.Sum256(buf) != m.sums[v] {
		return nil, fmt.Errorf("read checkpoint %s: %w", handle, faults.ErrCheckpointCorrupt)
	}
	out := make([]byte, len(buf))
	copy(out, buf)
	return out, nil
}

func parseMemHandle(handle string) (uint64, error) {
	if !strings.HasPrefix(handle, memScheme) {
		return 0, fmt.Errorf("not a memory checkpoint handle: %q", handle)
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(handle, memScheme), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse checkpoint handle %q: %w", handle, err)
	}
	return v, nil
}
