// Package vlobs stores the versioned encrypted blobs of a realm along
// with the per-realm checkpoint sequence.
package vlobs

import (
	"context"
	"time"

	"github.com/parsec-cloud/parsec-server/internal/server/models"
)

type Repository interface {
	// Insert appends an atom: assigns its per-realm sequential id and
	// advances the realm's last vlob timestamp. Caller holds the realm
	// write lock and has already validated version continuity.
	Insert(ctx context.Context, org models.OrganizationID, atom *models.VlobAtom) error

	// Read returns one atom: the latest version when version and at are
	// both nil, the exact version, or the highest version with
	// timestamp <= at.
	Read(ctx context.Context, org models.OrganizationID, realm models.RealmID, vlob models.VlobID, version *int, at *time.Time) (*models.VlobAtom, error)

	// MaxVersion returns 0 when the vlob does not exist in the realm.
	MaxVersion(ctx context.Context, org models.OrganizationID, realm models.RealmID, vlob models.VlobID) (int, error)

	// Changes returns the realm checkpoint and, for every atom with
	// sequential id > since, the latest known version per vlob.
	Changes(ctx context.Context, org models.OrganizationID, realm models.RealmID, since int64) (int64, map[models.VlobID]int, error)

	ListVersions(ctx context.Context, org models.OrganizationID, realm models.RealmID, vlob models.VlobID) ([]models.VlobVersion, error)

	// ListAtoms returns the realm's atoms with timestamp <= upTo in
	// sequential order.
	ListAtoms(ctx context.Context, org models.OrganizationID, realm models.RealmID, upTo time.Time) ([]*models.VlobAtom, error)

	TotalBytes(ctx context.Context, org models.OrganizationID) (int64, error)
}
