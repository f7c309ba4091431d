// Package organizations stores the organization registry: tenant rows,
// sequester services and the per-topic last certificate timestamps.
package organizations

import (
	"context"
	"time"

	"github.com/parsec-cloud/parsec-server/internal/server/locks"
	"github.com/parsec-cloud/parsec-server/internal/server/models"
)

type Repository interface {
	// Insert fails with common.ErrAlreadyExists when the id is taken.
	Insert(ctx context.Context, org *models.Organization) error
	Get(ctx context.Context, id models.OrganizationID) (*models.Organization, error)
	// Update rewrites the mutable organization columns.
	Update(ctx context.Context, org *models.Organization) error
	// Erase wipes the organization and everything it contains, freeing
	// the id for reuse.
	Erase(ctx context.Context, id models.OrganizationID) error
	List(ctx context.Context) ([]models.OrganizationID, error)

	InsertSequesterService(ctx context.Context, org models.OrganizationID, svc *models.SequesterService) error
	ListSequesterServices(ctx context.Context, org models.OrganizationID) ([]*models.SequesterService, error)
	RevokeSequesterService(ctx context.Context, org models.OrganizationID, id models.SequesterServiceID, on time.Time, cert []byte) error

	// BumpTopic advances a topic's last certificate timestamp. Callers
	// hold the topic's write lock.
	BumpTopic(ctx context.Context, org models.OrganizationID, topic locks.Topic, ts time.Time) error
	LastTopicTimestamp(ctx context.Context, org models.OrganizationID, topic locks.Topic) (time.Time, error)
}
