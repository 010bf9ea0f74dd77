package gateway

import (
	"context"
	"sync"

	"golang.org/x/xerrors"

	"github.com/streamweave/backend/internal/models"
)

// MemoryContentStore keeps payloads in process memory. It backs local
// development and tests.
type MemoryContentStore struct {
	mu     sync.RWMutex
	blobs  map[string][]byte
	pinned map[string]bool

	// PutErr, when set, is returned by every Put.
	PutErr error
}

func NewMemoryContentStore() *MemoryContentStore {
	return &MemoryContentStore{
		blobs:  make(map[string][]byte),
		pinned: make(map[string]bool),
	}
}

func (s *MemoryContentStore) Put(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", Classify("content put", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PutErr != nil {
		return "", Classify("content put", s.PutErr)
	}

	addr, err := ContentAddress(data)
	if err != nil {
		return "", err
	}
	if _, ok := s.blobs[addr]; !ok {
		cp := make([]byte, len(data))
		copy(cp, data)
		s.blobs[addr] = cp
	}
	return addr, nil
}

func (s *MemoryContentStore) Pin(ctx context.Context, contentAddress string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[contentAddress]; !ok {
		return xerrors.Errorf("pin %s: %w", contentAddress, models.ErrNotFound)
	}
	s.pinned[contentAddress] = true
	return nil
}

// Get returns a copy of a stored payload.
func (s *MemoryContentStore) Get(contentAddress string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[contentAddress]
	if !ok {
		return nil, false
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return cp, true
}

func (s *MemoryContentStore) IsPinned(contentAddress string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pinned[contentAddress]
}

func (s *MemoryContentStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
