// Package invitations stores invitations and their greeting attempts.
package invitations

import (
	"context"

	"github.com/parsec-cloud/parsec-server/internal/server/models"
)

type Repository interface {
	Insert(ctx context.Context, org models.OrganizationID, invitation *models.Invitation) error
	Get(ctx context.Context, org models.OrganizationID, token models.InvitationToken) (*models.Invitation, error)
	// GetByTokenHash resolves the invitation behind a bearer token hash.
	GetByTokenHash(ctx context.Context, org models.OrganizationID, hash []byte) (*models.Invitation, error)
	// FindActivePending returns the pending invitation matching the
	// claimer (email for user invites, user id for device invites), or
	// nil when there is none.
	FindActivePendingUser(ctx context.Context, org models.OrganizationID, claimerEmail string) (*models.Invitation, error)
	FindActivePendingDevice(ctx context.Context, org models.OrganizationID, claimer models.UserID) (*models.Invitation, error)
	List(ctx context.Context, org models.OrganizationID) ([]*models.Invitation, error)
	SetStatus(ctx context.Context, org models.OrganizationID, token models.InvitationToken, status models.InvitationStatus) error

	InsertAttempt(ctx context.Context, org models.OrganizationID, attempt *models.GreetingAttempt) error
	GetAttempt(ctx context.Context, org models.OrganizationID, id models.GreetingAttemptID) (*models.GreetingAttempt, error)
	// ActiveAttempt returns the non-cancelled attempt for the
	// (token, greeter) pair, or nil.
	ActiveAttempt(ctx context.Context, org models.OrganizationID, token models.InvitationToken, greeter models.UserID) (*models.GreetingAttempt, error)
	// UpdateAttempt overwrites the stored attempt with the given state.
	UpdateAttempt(ctx context.Context, org models.OrganizationID, attempt *models.GreetingAttempt) error
}
