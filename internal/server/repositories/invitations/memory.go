package invitations

import (
	"bytes"
	"context"
	"sort"

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

func (r *MemoryRepository) Insert(_ context.Context, org models.OrganizationID, invitation *models.Invitation) error {
	state, err := r.org(org)
	if err != nil {
		return err
	}
	r.d.Mu.Lock()
	defer r.d.Mu.Unlock()
	if _, ok := state.Invitations[invitation.Token]; ok {
		return common.ErrAlreadyExists
	}
	stored := *invitation
	state.Invitations[invitation.Token] = &stored
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, org models.OrganizationID, token models.InvitationToken) (*models.Invitation, error) {
	state, err := r.org(org)
	if err != nil {
		return nil, err
	}
	r.d.Mu.RLock()
	defer r.d.Mu.RUnlock()
	invitation, ok := state.Invitations[token]
	if !ok {
		return nil, common.ErrInvitationNotFound
	}
	out := *invitation
	return &out, nil
}

func (r *MemoryRepository) GetByTokenHash(_ context.Context, org models.OrganizationID, hash []byte) (*models.Invitation, error) {
	state, err := r.org(org)
	if err != nil {
		return nil, err
	}
	r.d.Mu.RLock()
	defer r.d.Mu.RUnlock()
	for _, invitation := range state.Invitations {
		if bytes.Equal(invitation.TokenHash, hash) {
			out := *invitation
			return &out, nil
		}
	}
	return nil, common.ErrInvitationNotFound
}

func (r *MemoryRepository) FindActivePendingUser(_ context.Context, org models.OrganizationID, claimerEmail string) (*models.Invitation, error) {
	state, err := r.org(org)
	if err != nil {
		return nil, err
	}
	r.d.Mu.RLock()
	defer r.d.Mu.RUnlock()
	for _, invitation := range state.Invitations {
		if invitation.Type == models.InvitationUser &&
			invitation.Status == models.InvitationPending &&
			invitation.ClaimerEmail == claimerEmail {
			out := *invitation
			return &out, nil
		}
	}
	return nil, nil
}

func (r *MemoryRepository) FindActivePendingDevice(_ context.Context, org models.OrganizationID, claimer models.UserID) (*models.Invitation, error) {
	state, err := r.org(org)
	if err != nil {
		return nil, err
	}
	r.d.Mu.RLock()
	defer r.d.Mu.RUnlock()
	for _, invitation := range state.Invitations {
		if invitation.Type == models.InvitationDevice &&
			invitation.Status == models.InvitationPending &&
			invitation.ClaimerUserID != nil && *invitation.ClaimerUserID == claimer {
			out := *invitation
			return &out, nil
		}
	}
	return nil, nil
}

func (r *MemoryRepository) List(_ context.Context, org models.OrganizationID) ([]*models.Invitation, error) {
	state, err := r.org(org)
	if err != nil {
		return nil, err
	}
	r.d.Mu.RLock()
	defer r.d.Mu.RUnlock()
	out := make([]*models.Invitation, 0, len(state.Invitations))
	for _, invitation := range state.Invitations {
		copied := *invitation
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedOn.Equal(out[j].CreatedOn) {
			return out[i].Token < out[j].Token
		}
		return out[i].CreatedOn.Before(out[j].CreatedOn)
	})
	return out, nil
}

func (r *MemoryRepository) SetStatus(_ context.Context, org models.OrganizationID, token models.InvitationToken, status models.InvitationStatus) error {
	state, err := r.org(org)
	if err != nil {
		return err
	}
	r.d.Mu.Lock()
	defer r.d.Mu.Unlock()
	invitation, ok := state.Invitations[token]
	if !ok {
		return common.ErrInvitationNotFound
	}
	invitation.Status = status
	return nil
}

func (r *MemoryRepository) InsertAttempt(_ context.Context, org models.OrganizationID, attempt *models.GreetingAttempt) error {
	state, err := r.org(org)
	if err != nil {
		return err
	}
	r.d.Mu.Lock()
	defer r.d.Mu.Unlock()
	if _, ok := state.GreetingAttempts[attempt.ID]; ok {
		return common.ErrAlreadyExists
	}
	stored := *attempt
	state.GreetingAttempts[attempt.ID] = &stored
	return nil
}

func (r *MemoryRepository) GetAttempt(_ context.Context, org models.OrganizationID, id models.GreetingAttemptID) (*models.GreetingAttempt, error) {
	state, err := r.org(org)
	if err != nil {
		return nil, err
	}
	r.d.Mu.RLock()
	defer r.d.Mu.RUnlock()
	attempt, ok := state.GreetingAttempts[id]
	if !ok {
		return nil, common.ErrGreetingAttemptNotFound
	}
	out := *attempt
	return &out, nil
}

func (r *MemoryRepository) ActiveAttempt(_ context.Context, org models.OrganizationID, token models.InvitationToken, greeter models.UserID) (*models.GreetingAttempt, error) {
	state, err := r.org(org)
	if err != nil {
		return nil, err
	}
	r.d.Mu.RLock()
	defer r.d.Mu.RUnlock()
	for _, attempt := range state.GreetingAttempts {
		if attempt.Token == token && attempt.GreeterUserID == greeter && attempt.IsActive() {
			out := *attempt
			return &out, nil
		}
	}
	return nil, nil
}

func (r *MemoryRepository) UpdateAttempt(_ context.Context, org models.OrganizationID, attempt *models.GreetingAttempt) error {
	state, err := r.org(org)
	if err != nil {
		return err
	}
	r.d.Mu.Lock()
	defer r.d.Mu.Unlock()
	if _, ok := state.GreetingAttempts[attempt.ID]; !ok {
		return common.ErrGreetingAttemptNotFound
	}
	stored := *attempt
	state.GreetingAttempts[attempt.ID] = &stored
	return nil
}
