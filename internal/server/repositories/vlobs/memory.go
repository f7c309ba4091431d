package vlobs

import (
	"context"
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

func (r *MemoryRepository) realm(org models.OrganizationID, id models.RealmID) (*memdb.Realm, error) {
	state := r.d.Org(org)
	if state == nil {
		return nil, common.ErrOrganizationNotFound
	}
	// The realm map is written by the realms repository under the same
	// mutex.
	r.d.Mu.RLock()
	realm, ok := state.Realms[id]
	r.d.Mu.RUnlock()
	if !ok {
		return nil, common.ErrRealmNotFound
	}
	return realm, nil
}

func (r *MemoryRepository) Insert(_ context.Context, org models.OrganizationID, atom *models.VlobAtom) error {
	realm, err := r.realm(org, atom.RealmID)
	if err != nil {
		return err
	}
	r.d.Mu.Lock()
	defer r.d.Mu.Unlock()

	realm.NextSeq++
	stored := *atom
	stored.SequentialID = realm.NextSeq
	atom.SequentialID = realm.NextSeq

	realm.Vlobs[atom.VlobID] = append(realm.Vlobs[atom.VlobID], &stored)
	realm.VlobOrder = append(realm.VlobOrder, &stored)

	ts := atom.Timestamp
	realm.Realm.LastVlobTimestamp = &ts
	return nil
}

func (r *MemoryRepository) Read(_ context.Context, org models.OrganizationID, realmID models.RealmID, vlob models.VlobID, version *int, at *time.Time) (*models.VlobAtom, error) {
	realm, err := r.realm(org, realmID)
	if err != nil {
		return nil, err
	}
	r.d.Mu.RLock()
	defer r.d.Mu.RUnlock()
	atoms := realm.Vlobs[vlob]
	if len(atoms) == 0 {
		return nil, common.ErrVlobNotFound
	}
	switch {
	case version != nil:
		for _, atom := range atoms {
			if atom.Version == *version {
				out := *atom
				return &out, nil
			}
		}
		return nil, common.ErrBadVlobVersion
	case at != nil:
		var best *models.VlobAtom
		for _, atom := range atoms {
			if !atom.Timestamp.After(*at) && (best == nil || atom.Version > best.Version) {
				best = atom
			}
		}
		if best == nil {
			return nil, common.ErrVlobNotFound
		}
		out := *best
		return &out, nil
	default:
		out := *atoms[len(atoms)-1]
		return &out, nil
	}
}

func (r *MemoryRepository) MaxVersion(_ context.Context, org models.OrganizationID, realmID models.RealmID, vlob models.VlobID) (int, error) {
	realm, err := r.realm(org, realmID)
	if err != nil {
		return 0, err
	}
	r.d.Mu.RLock()
	defer r.d.Mu.RUnlock()
	atoms := realm.Vlobs[vlob]
	if len(atoms) == 0 {
		return 0, nil
	}
	return atoms[len(atoms)-1].Version, nil
}

func (r *MemoryRepository) Changes(_ context.Context, org models.OrganizationID, realmID models.RealmID, since int64) (int64, map[models.VlobID]int, error) {
	realm, err := r.realm(org, realmID)
	if err != nil {
		return 0, nil, err
	}
	r.d.Mu.RLock()
	defer r.d.Mu.RUnlock()
	checkpoint := realm.NextSeq
	changes := make(map[models.VlobID]int)
	for _, atom := range realm.VlobOrder {
		if atom.SequentialID > since {
			if atom.Version > changes[atom.VlobID] {
				changes[atom.VlobID] = atom.Version
			}
		}
	}
	return checkpoint, changes, nil
}

func (r *MemoryRepository) ListVersions(_ context.Context, org models.OrganizationID, realmID models.RealmID, vlob models.VlobID) ([]models.VlobVersion, error) {
	realm, err := r.realm(org, realmID)
	if err != nil {
		return nil, err
	}
	r.d.Mu.RLock()
	defer r.d.Mu.RUnlock()
	atoms := realm.Vlobs[vlob]
	if len(atoms) == 0 {
		return nil, common.ErrVlobNotFound
	}
	out := make([]models.VlobVersion, 0, len(atoms))
	for _, atom := range atoms {
		out = append(out, models.VlobVersion{
			Version:   atom.Version,
			Timestamp: atom.Timestamp,
			Author:    atom.Author,
		})
	}
	return out, nil
}

func (r *MemoryRepository) ListAtoms(_ context.Context, org models.OrganizationID, realmID models.RealmID, upTo time.Time) ([]*models.VlobAtom, error) {
	realm, err := r.realm(org, realmID)
	if err != nil {
		return nil, err
	}
	r.d.Mu.RLock()
	defer r.d.Mu.RUnlock()
	var out []*models.VlobAtom
	for _, atom := range realm.VlobOrder {
		if !atom.Timestamp.After(upTo) {
			copied := *atom
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (r *MemoryRepository) TotalBytes(_ context.Context, org models.OrganizationID) (int64, error) {
	state := r.d.Org(org)
	if state == nil {
		return 0, common.ErrOrganizationNotFound
	}
	r.d.Mu.RLock()
	defer r.d.Mu.RUnlock()
	var total int64
	for _, realm := range state.Realms {
		for _, atom := range realm.VlobOrder {
			total += int64(len(atom.Blob))
		}
	}
	return total, nil
}
