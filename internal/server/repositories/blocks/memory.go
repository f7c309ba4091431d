package blocks

import (
	"context"
	"sort"
	"time"

	"github.com/parsec-cloud/parsec-server/internal/common"
	"github.com/parsec-cloud/parsec-server/internal/server/models"
	"github.com/parsec-cloud/parsec-server/internal/server/repositories/memdb"
)

type MemoryRepository struct {
	d *memdb.Datamodel
}

func NewMemoryRepository(d *memdb.Datamodel) *MemoryRepository {
	return &MemoryRepository{d: d}
}

func (r *MemoryRepository) org(id models.OrganizationID) (*memdb.Organization, error) {
	state := r.d.Org(id)
	if state == nil {
		return nil, common.ErrOrganizationNotFound
	}
	return state, nil
}

func (r *MemoryRepository) Insert(_ context.Context, org models.OrganizationID, block *models.Block) error {
	state, err := r.org(org)
	if err != nil {
		return err
	}
	r.d.Mu.Lock()
	defer r.d.Mu.Unlock()
	realm, ok := state.Realms[block.RealmID]
	if !ok {
		return common.ErrRealmNotFound
	}
	if _, ok := realm.Blocks[block.BlockID]; ok {
		return common.ErrAlreadyExists
	}
	stored := *block
	realm.Blocks[block.BlockID] = &stored
	return nil
}

func findLocked(state *memdb.Organization, id models.BlockID) *models.Block {
	for _, realm := range state.Realms {
		if block, ok := realm.Blocks[id]; ok {
			return block
		}
	}
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, org models.OrganizationID, id models.BlockID) (*models.Block, error) {
	state, err := r.org(org)
	if err != nil {
		return nil, err
	}
	r.d.Mu.RLock()
	defer r.d.Mu.RUnlock()
	block := findLocked(state, id)
	if block == nil {
		return nil, common.ErrBlockNotFound
	}
	out := *block
	return &out, nil
}

func (r *MemoryRepository) Exists(_ context.Context, org models.OrganizationID, id models.BlockID) (bool, error) {
	state, err := r.org(org)
	if err != nil {
		return false, err
	}
	r.d.Mu.RLock()
	defer r.d.Mu.RUnlock()
	return findLocked(state, id) != nil, nil
}

func (r *MemoryRepository) ListRealm(_ context.Context, org models.OrganizationID, realmID models.RealmID, upTo time.Time) ([]*models.Block, error) {
	state, err := r.org(org)
	if err != nil {
		return nil, err
	}
	r.d.Mu.RLock()
	defer r.d.Mu.RUnlock()
	realm, ok := state.Realms[realmID]
	if !ok {
		return nil, common.ErrRealmNotFound
	}
	var out []*models.Block
	for _, block := range realm.Blocks {
		if !block.CreatedOn.After(upTo) {
			copied := *block
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedOn.Equal(out[j].CreatedOn) {
			return out[i].BlockID < out[j].BlockID
		}
		return out[i].CreatedOn.Before(out[j].CreatedOn)
	})
	return out, nil
}

func (r *MemoryRepository) TotalBytes(_ context.Context, org models.OrganizationID) (int64, error) {
	state, err := r.org(org)
	if err != nil {
		return 0, err
	}
	r.d.Mu.RLock()
	defer r.d.Mu.RUnlock()
	var total int64
	for _, realm := range state.Realms {
		for _, block := range realm.Blocks {
			total += int64(block.Size)
		}
	}
	return total, nil
}

func (r *MemoryRepository) Count(_ context.Context, org models.OrganizationID) (int, error) {
	state, err := r.org(org)
	if err != nil {
		return 0, err
	}
	r.d.Mu.RLock()
	defer r.d.Mu.RUnlock()
	n := 0
	for _, realm := range state.Realms {
		n += len(realm.Blocks)
	}
	return n, nil
}
