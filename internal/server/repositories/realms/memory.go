package realms

import (
	"context"
	"sort"
	"time"

	"github.com/parsec-cloud/parsec-server/internal/common"
	"github.com/parsec-cloud/parsec-server/internal/server/locks"
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

func (r *MemoryRepository) realm(org models.OrganizationID, id models.RealmID) (*memdb.Organization, *memdb.Realm, error) {
	state, err := r.org(org)
	if err != nil {
		return nil, nil, err
	}
	// The realm map is written by Insert under the same mutex.
	r.d.Mu.RLock()
	realm, ok := state.Realms[id]
	r.d.Mu.RUnlock()
	if !ok {
		return nil, nil, common.ErrRealmNotFound
	}
	return state, realm, nil
}

func (r *MemoryRepository) Insert(_ context.Context, org models.OrganizationID, realm *models.Realm, ownerRole *models.RealmGrantedRole) error {
	state, err := r.org(org)
	if err != nil {
		return err
	}
	r.d.Mu.Lock()
	defer r.d.Mu.Unlock()
	if _, ok := state.Realms[realm.RealmID]; ok {
		return common.ErrAlreadyExists
	}
	created := state.PutRealm(*realm)
	role := *ownerRole
	created.Roles = append(created.Roles, &role)
	state.BumpTopic(locks.Realm(realm.RealmID), ownerRole.GrantedOn)
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, org models.OrganizationID, id models.RealmID) (*models.Realm, error) {
	_, realm, err := r.realm(org, id)
	if err != nil {
		return nil, err
	}
	r.d.Mu.RLock()
	defer r.d.Mu.RUnlock()
	out := realm.Realm
	return &out, nil
}

func (r *MemoryRepository) Count(_ context.Context, org models.OrganizationID) (int, error) {
	state, err := r.org(org)
	if err != nil {
		return 0, err
	}
	r.d.Mu.RLock()
	defer r.d.Mu.RUnlock()
	return len(state.Realms), nil
}

func (r *MemoryRepository) InsertRole(_ context.Context, org models.OrganizationID, role *models.RealmGrantedRole) error {
	state, realm, err := r.realm(org, role.RealmID)
	if err != nil {
		return err
	}
	r.d.Mu.Lock()
	defer r.d.Mu.Unlock()
	stored := *role
	realm.Roles = append(realm.Roles, &stored)
	state.BumpTopic(locks.Realm(role.RealmID), role.GrantedOn)
	return nil
}

func currentRoleLocked(realm *memdb.Realm, user models.UserID) *models.RealmRole {
	for i := len(realm.Roles) - 1; i >= 0; i-- {
		if realm.Roles[i].UserID == user {
			return realm.Roles[i].Role
		}
	}
	return nil
}

func (r *MemoryRepository) CurrentRole(_ context.Context, org models.OrganizationID, realmID models.RealmID, user models.UserID) (*models.RealmRole, error) {
	_, realm, err := r.realm(org, realmID)
	if err != nil {
		return nil, err
	}
	r.d.Mu.RLock()
	defer r.d.Mu.RUnlock()
	return currentRoleLocked(realm, user), nil
}

func (r *MemoryRepository) CurrentRoles(_ context.Context, org models.OrganizationID, realmID models.RealmID) (map[models.UserID]models.RealmRole, error) {
	_, realm, err := r.realm(org, realmID)
	if err != nil {
		return nil, err
	}
	r.d.Mu.RLock()
	defer r.d.Mu.RUnlock()
	out := make(map[models.UserID]models.RealmRole)
	for _, grant := range realm.Roles {
		if grant.Role == nil {
			delete(out, grant.UserID)
		} else {
			out[grant.UserID] = *grant.Role
		}
	}
	return out, nil
}

func (r *MemoryRepository) UserRealms(_ context.Context, org models.OrganizationID, user models.UserID) ([]models.RealmID, error) {
	state, err := r.org(org)
	if err != nil {
		return nil, err
	}
	r.d.Mu.RLock()
	defer r.d.Mu.RUnlock()
	var out []models.RealmID
	for id, realm := range state.Realms {
		if currentRoleLocked(realm, user) != nil {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (r *MemoryRepository) InsertName(_ context.Context, org models.OrganizationID, name *models.RealmName) error {
	state, realm, err := r.realm(org, name.RealmID)
	if err != nil {
		return err
	}
	r.d.Mu.Lock()
	defer r.d.Mu.Unlock()
	stored := *name
	realm.Names = append(realm.Names, &stored)
	state.BumpTopic(locks.Realm(name.RealmID), name.Timestamp)
	return nil
}

func (r *MemoryRepository) LastName(_ context.Context, org models.OrganizationID, realmID models.RealmID) (*models.RealmName, error) {
	_, realm, err := r.realm(org, realmID)
	if err != nil {
		return nil, err
	}
	r.d.Mu.RLock()
	defer r.d.Mu.RUnlock()
	if len(realm.Names) == 0 {
		return nil, common.ErrNotFound
	}
	out := *realm.Names[len(realm.Names)-1]
	return &out, nil
}

func (r *MemoryRepository) InsertKeyRotation(_ context.Context, org models.OrganizationID, rotation *models.RealmKeyRotation, accesses []*models.KeysBundleAccess) error {
	state, realm, err := r.realm(org, rotation.RealmID)
	if err != nil {
		return err
	}
	r.d.Mu.Lock()
	defer r.d.Mu.Unlock()
	stored := *rotation
	realm.KeyRotations = append(realm.KeyRotations, &stored)
	for _, access := range accesses {
		copied := *access
		realm.Accesses = append(realm.Accesses, &copied)
	}
	realm.Realm.CurrentKeyIndex = rotation.KeyIndex
	state.BumpTopic(locks.Realm(rotation.RealmID), rotation.Timestamp)
	return nil
}

func (r *MemoryRepository) InsertAccess(_ context.Context, org models.OrganizationID, access *models.KeysBundleAccess) error {
	_, realm, err := r.realm(org, access.RealmID)
	if err != nil {
		return err
	}
	r.d.Mu.Lock()
	defer r.d.Mu.Unlock()
	copied := *access
	realm.Accesses = append(realm.Accesses, &copied)
	return nil
}

func (r *MemoryRepository) GetKeyRotation(_ context.Context, org models.OrganizationID, realmID models.RealmID, keyIndex int) (*models.RealmKeyRotation, error) {
	_, realm, err := r.realm(org, realmID)
	if err != nil {
		return nil, err
	}
	r.d.Mu.RLock()
	defer r.d.Mu.RUnlock()
	for _, rotation := range realm.KeyRotations {
		if rotation.KeyIndex == keyIndex {
			out := *rotation
			return &out, nil
		}
	}
	return nil, common.ErrNotFound
}

func (r *MemoryRepository) GetKeysBundleAccess(_ context.Context, org models.OrganizationID, realmID models.RealmID, keyIndex int, user models.UserID) ([]byte, error) {
	_, realm, err := r.realm(org, realmID)
	if err != nil {
		return nil, err
	}
	r.d.Mu.RLock()
	defer r.d.Mu.RUnlock()
	for i := len(realm.Accesses) - 1; i >= 0; i-- {
		access := realm.Accesses[i]
		if access.KeyIndex == keyIndex && access.UserID != nil && *access.UserID == user {
			return access.Access, nil
		}
	}
	return nil, common.ErrNotFound
}

func (r *MemoryRepository) ListKeyRotations(_ context.Context, org models.OrganizationID, realmID models.RealmID) ([]*models.RealmKeyRotation, error) {
	_, realm, err := r.realm(org, realmID)
	if err != nil {
		return nil, err
	}
	r.d.Mu.RLock()
	defer r.d.Mu.RUnlock()
	out := make([]*models.RealmKeyRotation, 0, len(realm.KeyRotations))
	for _, rotation := range realm.KeyRotations {
		copied := *rotation
		out = append(out, &copied)
	}
	return out, nil
}

func (r *MemoryRepository) ListAccesses(_ context.Context, org models.OrganizationID, realmID models.RealmID) ([]*models.KeysBundleAccess, error) {
	_, realm, err := r.realm(org, realmID)
	if err != nil {
		return nil, err
	}
	r.d.Mu.RLock()
	defer r.d.Mu.RUnlock()
	out := make([]*models.KeysBundleAccess, 0, len(realm.Accesses))
	for _, access := range realm.Accesses {
		copied := *access
		out = append(out, &copied)
	}
	return out, nil
}

func (r *MemoryRepository) SetArchiving(_ context.Context, org models.OrganizationID, realmID models.RealmID, cfg models.ArchivingConfiguration) error {
	state, realm, err := r.realm(org, realmID)
	if err != nil {
		return err
	}
	r.d.Mu.Lock()
	defer r.d.Mu.Unlock()
	realm.Realm.Archiving = cfg
	if cfg.Certificate != nil && cfg.ConfiguredOn != nil {
		realm.ArchivingCerts = append(realm.ArchivingCerts, models.TimestampedCertificate{
			Certificate: cfg.Certificate,
			Timestamp:   *cfg.ConfiguredOn,
		})
	}
	if cfg.ConfiguredOn != nil {
		state.BumpTopic(locks.Realm(realmID), *cfg.ConfiguredOn)
	}
	return nil
}

func (r *MemoryRepository) DueDeletions(_ context.Context, now time.Time) ([]DueDeletion, error) {
	r.d.Mu.RLock()
	defer r.d.Mu.RUnlock()
	var out []DueDeletion
	for orgID, org := range r.d.Orgs {
		for realmID, realm := range org.Realms {
			archiving := realm.Realm.Archiving
			if archiving.State == models.ArchivingDeletionPlanned &&
				archiving.DeletionDate != nil && !archiving.DeletionDate.After(now) {
				out = append(out, DueDeletion{
					Organization: orgID,
					RealmID:      realmID,
					DeletionDate: *archiving.DeletionDate,
				})
			}
		}
	}
	return out, nil
}

func (r *MemoryRepository) ListCertificates(_ context.Context, org models.OrganizationID, realmID models.RealmID) ([]models.TimestampedCertificate, error) {
	_, realm, err := r.realm(org, realmID)
	if err != nil {
		return nil, err
	}
	r.d.Mu.RLock()
	defer r.d.Mu.RUnlock()
	var out []models.TimestampedCertificate
	for _, grant := range realm.Roles {
		out = append(out, models.TimestampedCertificate{Certificate: grant.Certificate, Timestamp: grant.GrantedOn})
	}
	for _, name := range realm.Names {
		out = append(out, models.TimestampedCertificate{Certificate: name.Certificate, Timestamp: name.Timestamp})
	}
	for _, rotation := range realm.KeyRotations {
		out = append(out, models.TimestampedCertificate{Certificate: rotation.Certificate, Timestamp: rotation.Timestamp})
	}
	out = append(out, realm.ArchivingCerts...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}
