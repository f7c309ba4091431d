package blockstore

import (
	"context"
	"sync"

	"github.com/parsec-cloud/parsec-server/internal/common"
	"github.com/parsec-cloud/parsec-server/internal/server/models"
)

type mockedKey struct {
	org     models.OrganizationID
	blockID models.BlockID
}

// Mocked is the in-memory store used by tests and embedded deployments.
type Mocked struct {
	mu     sync.RWMutex
	blocks map[mockedKey][]byte
}

func NewMocked() *Mocked {
	return &Mocked{blocks: make(map[mockedKey][]byte)}
}

func (m *Mocked) Read(_ context.Context, org models.OrganizationID, blockID models.BlockID) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blocks[mockedKey{org, blockID}]
	if !ok {
		return nil, common.ErrBlockNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (m *Mocked) Create(_ context.Context, org models.OrganizationID, blockID models.BlockID, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := mockedKey{org, blockID}
	if _, ok := m.blocks[key]; ok {
		// First write wins.
		return nil
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	m.blocks[key] = stored
	return nil
}
