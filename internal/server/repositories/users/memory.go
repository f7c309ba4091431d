package users

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

func (r *MemoryRepository) Insert(_ context.Context, org models.OrganizationID, user *models.User) error {
	state, err := r.org(org)
	if err != nil {
		return err
	}
	r.d.Mu.Lock()
	defer r.d.Mu.Unlock()
	if _, ok := state.Users[user.UserID]; ok {
		return common.ErrAlreadyExists
	}
	stored := *user
	state.Users[user.UserID] = &stored
	return nil
}

func (r *MemoryRepository) InsertDevice(_ context.Context, org models.OrganizationID, device *models.Device) error {
	state, err := r.org(org)
	if err != nil {
		return err
	}
	r.d.Mu.Lock()
	defer r.d.Mu.Unlock()
	if _, ok := state.Users[device.DeviceID.UserID]; !ok {
		return common.ErrUserNotFound
	}
	key := device.DeviceID.String()
	if _, ok := state.Devices[key]; ok {
		return common.ErrAlreadyExists
	}
	stored := *device
	state.Devices[key] = &stored
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, org models.OrganizationID, id models.UserID) (*models.User, error) {
	state, err := r.org(org)
	if err != nil {
		return nil, err
	}
	r.d.Mu.RLock()
	defer r.d.Mu.RUnlock()
	user, ok := state.Users[id]
	if !ok {
		return nil, common.ErrUserNotFound
	}
	out := *user
	return &out, nil
}

func (r *MemoryRepository) GetDevice(_ context.Context, org models.OrganizationID, id models.DeviceID) (*models.Device, error) {
	state, err := r.org(org)
	if err != nil {
		return nil, err
	}
	r.d.Mu.RLock()
	defer r.d.Mu.RUnlock()
	device, ok := state.Devices[id.String()]
	if !ok {
		return nil, common.ErrDeviceNotFound
	}
	out := *device
	return &out, nil
}

func (r *MemoryRepository) GetActiveByEmail(_ context.Context, org models.OrganizationID, email string) (*models.User, error) {
	state, err := r.org(org)
	if err != nil {
		return nil, err
	}
	r.d.Mu.RLock()
	defer r.d.Mu.RUnlock()
	for _, user := range state.Users {
		if user.HumanHandle.Email == email && !user.IsRevoked() {
			out := *user
			return &out, nil
		}
	}
	return nil, common.ErrUserNotFound
}

func (r *MemoryRepository) CountActive(_ context.Context, org models.OrganizationID) (int, error) {
	state, err := r.org(org)
	if err != nil {
		return 0, err
	}
	r.d.Mu.RLock()
	defer r.d.Mu.RUnlock()
	count := 0
	for _, user := range state.Users {
		if !user.IsRevoked() {
			count++
		}
	}
	return count, nil
}

func (r *MemoryRepository) List(_ context.Context, org models.OrganizationID) ([]*models.UserInfo, error) {
	state, err := r.org(org)
	if err != nil {
		return nil, err
	}
	r.d.Mu.RLock()
	defer r.d.Mu.RUnlock()
	out := make([]*models.UserInfo, 0, len(state.Users))
	for _, user := range state.Users {
		out = append(out, &models.UserInfo{
			UserID:      user.UserID,
			HumanHandle: user.HumanHandle,
			Profile:     user.CurrentProfile(),
			CreatedOn:   user.CreatedOn,
			RevokedOn:   user.RevokedOn,
			IsFrozen:    user.IsFrozen,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedOn.Before(out[j].CreatedOn) })
	return out, nil
}

func (r *MemoryRepository) ListCertificates(_ context.Context, org models.OrganizationID) ([]models.TimestampedCertificate, error) {
	state, err := r.org(org)
	if err != nil {
		return nil, err
	}
	r.d.Mu.RLock()
	defer r.d.Mu.RUnlock()
	var out []models.TimestampedCertificate
	for _, user := range state.Users {
		out = append(out, models.TimestampedCertificate{Certificate: user.Certificate, Timestamp: user.CreatedOn})
		for _, update := range user.ProfileUpdates {
			out = append(out, models.TimestampedCertificate{Certificate: update.Certificate, Timestamp: update.UpdatedOn})
		}
		if user.RevokedOn != nil {
			out = append(out, models.TimestampedCertificate{Certificate: user.RevokedCertificate, Timestamp: *user.RevokedOn})
		}
	}
	for _, device := range state.Devices {
		out = append(out, models.TimestampedCertificate{Certificate: device.Certificate, Timestamp: device.CreatedOn})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (r *MemoryRepository) SetShamirRecovery(_ context.Context, org models.OrganizationID, id models.UserID, setup *models.ShamirRecoverySetup) error {
	state, err := r.org(org)
	if err != nil {
		return err
	}
	r.d.Mu.Lock()
	defer r.d.Mu.Unlock()
	if _, ok := state.Users[id]; !ok {
		return common.ErrUserNotFound
	}
	stored := *setup
	state.ShamirSetups[id] = &stored
	return nil
}

func (r *MemoryRepository) GetShamirRecovery(_ context.Context, org models.OrganizationID, id models.UserID) (*models.ShamirRecoverySetup, error) {
	state, err := r.org(org)
	if err != nil {
		return nil, err
	}
	r.d.Mu.RLock()
	defer r.d.Mu.RUnlock()
	setup, ok := state.ShamirSetups[id]
	if !ok {
		return nil, common.ErrShamirRecoveryNotSetup
	}
	out := *setup
	return &out, nil
}

func (r *MemoryRepository) AddProfileUpdate(_ context.Context, org models.OrganizationID, id models.UserID, update models.ProfileUpdate) error {
	state, err := r.org(org)
	if err != nil {
		return err
	}
	r.d.Mu.Lock()
	defer r.d.Mu.Unlock()
	user, ok := state.Users[id]
	if !ok {
		return common.ErrUserNotFound
	}
	user.ProfileUpdates = append(user.ProfileUpdates, update)
	return nil
}

func (r *MemoryRepository) Revoke(_ context.Context, org models.OrganizationID, id models.UserID, on time.Time, cert []byte) error {
	state, err := r.org(org)
	if err != nil {
		return err
	}
	r.d.Mu.Lock()
	defer r.d.Mu.Unlock()
	user, ok := state.Users[id]
	if !ok {
		return common.ErrUserNotFound
	}
	revokedOn := on
	user.RevokedOn = &revokedOn
	user.RevokedCertificate = cert
	return nil
}

func (r *MemoryRepository) SetFrozen(_ context.Context, org models.OrganizationID, id models.UserID, frozen bool) error {
	state, err := r.org(org)
	if err != nil {
		return err
	}
	r.d.Mu.Lock()
	defer r.d.Mu.Unlock()
	user, ok := state.Users[id]
	if !ok {
		return common.ErrUserNotFound
	}
	user.IsFrozen = frozen
	return nil
}

func (r *MemoryRepository) SetTosAccepted(_ context.Context, org models.OrganizationID, id models.UserID, on time.Time) error {
	state, err := r.org(org)
	if err != nil {
		return err
	}
	r.d.Mu.Lock()
	defer r.d.Mu.Unlock()
	user, ok := state.Users[id]
	if !ok {
		return common.ErrUserNotFound
	}
	acceptedOn := on
	user.TosAcceptedOn = &acceptedOn
	return nil
}
