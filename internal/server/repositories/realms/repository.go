// Package realms stores realms: role grants, names, key rotations with
// their keys bundles and per-participant accesses, and archiving state.
package realms

import (
	"context"
	"time"

	"github.com/parsec-cloud/parsec-server/internal/server/models"
)

// DueDeletion identifies a realm whose planned deletion date has
// passed.
type DueDeletion struct {
	Organization models.OrganizationID
	RealmID      models.RealmID
	DeletionDate time.Time
}

type Repository interface {
	// Insert stores a fresh realm and its initial owner role grant,
	// bumping the realm topic.
	Insert(ctx context.Context, org models.OrganizationID, realm *models.Realm, ownerRole *models.RealmGrantedRole) error
	Get(ctx context.Context, org models.OrganizationID, id models.RealmID) (*models.Realm, error)
	Count(ctx context.Context, org models.OrganizationID) (int, error)

	// InsertRole appends a role grant/removal, bumping the realm topic.
	InsertRole(ctx context.Context, org models.OrganizationID, role *models.RealmGrantedRole) error
	CurrentRole(ctx context.Context, org models.OrganizationID, realm models.RealmID, user models.UserID) (*models.RealmRole, error)
	CurrentRoles(ctx context.Context, org models.OrganizationID, realm models.RealmID) (map[models.UserID]models.RealmRole, error)
	// UserRealms lists the realms where the user currently holds a
	// non-null role.
	UserRealms(ctx context.Context, org models.OrganizationID, user models.UserID) ([]models.RealmID, error)

	InsertName(ctx context.Context, org models.OrganizationID, name *models.RealmName) error
	LastName(ctx context.Context, org models.OrganizationID, realm models.RealmID) (*models.RealmName, error)

	// InsertKeyRotation stores the rotation, its accesses, and advances
	// the realm's current key index, bumping the realm topic.
	InsertKeyRotation(ctx context.Context, org models.OrganizationID, rotation *models.RealmKeyRotation, accesses []*models.KeysBundleAccess) error
	// InsertAccess stores a single keys bundle access, as produced by
	// realm sharing for the recipient at the current key index.
	InsertAccess(ctx context.Context, org models.OrganizationID, access *models.KeysBundleAccess) error
	GetKeyRotation(ctx context.Context, org models.OrganizationID, realm models.RealmID, keyIndex int) (*models.RealmKeyRotation, error)
	GetKeysBundleAccess(ctx context.Context, org models.OrganizationID, realm models.RealmID, keyIndex int, user models.UserID) ([]byte, error)
	ListKeyRotations(ctx context.Context, org models.OrganizationID, realm models.RealmID) ([]*models.RealmKeyRotation, error)
	ListAccesses(ctx context.Context, org models.OrganizationID, realm models.RealmID) ([]*models.KeysBundleAccess, error)

	SetArchiving(ctx context.Context, org models.OrganizationID, realm models.RealmID, cfg models.ArchivingConfiguration) error
	// DueDeletions scans every organization for realms whose planned
	// deletion date is <= now.
	DueDeletions(ctx context.Context, now time.Time) ([]DueDeletion, error)

	// ListCertificates returns all realm certificates (role, name, key
	// rotation, archiving) in acceptance order.
	ListCertificates(ctx context.Context, org models.OrganizationID, realm models.RealmID) ([]models.TimestampedCertificate, error)
}
