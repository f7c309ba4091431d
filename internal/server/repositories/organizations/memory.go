package organizations

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

func (r *MemoryRepository) Insert(_ context.Context, org *models.Organization) error {
	if !r.d.InsertOrg(*org) {
		return common.ErrAlreadyExists
	}
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id models.OrganizationID) (*models.Organization, error) {
	state := r.d.Org(id)
	if state == nil {
		return nil, common.ErrOrganizationNotFound
	}
	out := state.Org
	return &out, nil
}

func (r *MemoryRepository) Update(_ context.Context, org *models.Organization) error {
	state := r.d.Org(org.ID)
	if state == nil {
		return common.ErrOrganizationNotFound
	}
	r.d.Mu.Lock()
	state.Org = *org
	r.d.Mu.Unlock()
	return nil
}

func (r *MemoryRepository) Erase(_ context.Context, id models.OrganizationID) error {
	if !r.d.DropOrg(id) {
		return common.ErrOrganizationNotFound
	}
	return nil
}

func (r *MemoryRepository) List(_ context.Context) ([]models.OrganizationID, error) {
	r.d.Mu.RLock()
	defer r.d.Mu.RUnlock()
	out := make([]models.OrganizationID, 0, len(r.d.Orgs))
	for id := range r.d.Orgs {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (r *MemoryRepository) InsertSequesterService(_ context.Context, org models.OrganizationID, svc *models.SequesterService) error {
	state := r.d.Org(org)
	if state == nil {
		return common.ErrOrganizationNotFound
	}
	r.d.Mu.Lock()
	defer r.d.Mu.Unlock()
	if _, ok := state.SequesterServices[svc.ID]; ok {
		return common.ErrAlreadyExists
	}
	stored := *svc
	state.SequesterServices[svc.ID] = &stored
	return nil
}

func (r *MemoryRepository) ListSequesterServices(_ context.Context, org models.OrganizationID) ([]*models.SequesterService, error) {
	state := r.d.Org(org)
	if state == nil {
		return nil, common.ErrOrganizationNotFound
	}
	r.d.Mu.RLock()
	defer r.d.Mu.RUnlock()
	out := make([]*models.SequesterService, 0, len(state.SequesterServices))
	for _, svc := range state.SequesterServices {
		copied := *svc
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedOn.Before(out[j].CreatedOn) })
	return out, nil
}

func (r *MemoryRepository) RevokeSequesterService(_ context.Context, org models.OrganizationID, id models.SequesterServiceID, on time.Time, cert []byte) error {
	state := r.d.Org(org)
	if state == nil {
		return common.ErrOrganizationNotFound
	}
	r.d.Mu.Lock()
	defer r.d.Mu.Unlock()
	svc, ok := state.SequesterServices[id]
	if !ok {
		return common.ErrSequesterServiceNotFound
	}
	revokedOn := on
	svc.RevokedOn = &revokedOn
	svc.RevokedCertificate = cert
	return nil
}

func (r *MemoryRepository) BumpTopic(_ context.Context, org models.OrganizationID, topic locks.Topic, ts time.Time) error {
	state := r.d.Org(org)
	if state == nil {
		return common.ErrOrganizationNotFound
	}
	r.d.Mu.Lock()
	state.BumpTopic(topic, ts)
	r.d.Mu.Unlock()
	return nil
}

func (r *MemoryRepository) LastTopicTimestamp(_ context.Context, org models.OrganizationID, topic locks.Topic) (time.Time, error) {
	return r.d.LastTimestamp(org, topic), nil
}
