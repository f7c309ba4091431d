// Package blocks stores block metadata; the encrypted payloads live in
// the block store.
package blocks

import (
	"context"
	"time"

	"github.com/parsec-cloud/parsec-server/internal/server/models"
)

type Repository interface {
	// Insert records block metadata. The payload must already sit in the
	// block store.
	Insert(ctx context.Context, org models.OrganizationID, block *models.Block) error
	Get(ctx context.Context, org models.OrganizationID, block models.BlockID) (*models.Block, error)
	Exists(ctx context.Context, org models.OrganizationID, block models.BlockID) (bool, error)

	// ListRealm returns the realm's blocks created on or before upTo,
	// ordered by creation.
	ListRealm(ctx context.Context, org models.OrganizationID, realm models.RealmID, upTo time.Time) ([]*models.Block, error)

	TotalBytes(ctx context.Context, org models.OrganizationID) (int64, error)
	Count(ctx context.Context, org models.OrganizationID) (int, error)
}
