// Package users stores users and devices of an organization.
package users

import (
	"context"
	"time"

	"github.com/parsec-cloud/parsec-server/internal/server/models"
)

type Repository interface {
	Insert(ctx context.Context, org models.OrganizationID, user *models.User) error
	InsertDevice(ctx context.Context, org models.OrganizationID, device *models.Device) error
	Get(ctx context.Context, org models.OrganizationID, id models.UserID) (*models.User, error)
	GetDevice(ctx context.Context, org models.OrganizationID, id models.DeviceID) (*models.Device, error)
	// GetActiveByEmail returns the non-revoked user holding the email,
	// or common.ErrUserNotFound.
	GetActiveByEmail(ctx context.Context, org models.OrganizationID, email string) (*models.User, error)
	CountActive(ctx context.Context, org models.OrganizationID) (int, error)
	List(ctx context.Context, org models.OrganizationID) ([]*models.UserInfo, error)

	// ListCertificates returns all common certificates (user, device,
	// profile update, revocation) in acceptance order.
	ListCertificates(ctx context.Context, org models.OrganizationID) ([]models.TimestampedCertificate, error)

	// SetShamirRecovery replaces the user's recovery setup.
	SetShamirRecovery(ctx context.Context, org models.OrganizationID, id models.UserID, setup *models.ShamirRecoverySetup) error
	// GetShamirRecovery returns common.ErrShamirRecoveryNotSetup when the
	// user never registered one.
	GetShamirRecovery(ctx context.Context, org models.OrganizationID, id models.UserID) (*models.ShamirRecoverySetup, error)

	AddProfileUpdate(ctx context.Context, org models.OrganizationID, id models.UserID, update models.ProfileUpdate) error
	Revoke(ctx context.Context, org models.OrganizationID, id models.UserID, on time.Time, cert []byte) error
	SetFrozen(ctx context.Context, org models.OrganizationID, id models.UserID, frozen bool) error
	SetTosAccepted(ctx context.Context, org models.OrganizationID, id models.UserID, on time.Time) error
}
