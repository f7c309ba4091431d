package organizations

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parsec-cloud/parsec-server/internal/common"
	"github.com/parsec-cloud/parsec-server/internal/server/locks"
	"github.com/parsec-cloud/parsec-server/internal/server/models"
	"github.com/parsec-cloud/parsec-server/internal/server/repositories/memdb"
)

func newRepo() *MemoryRepository {
	return NewMemoryRepository(memdb.New())
}

func TestOrganizationLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := newRepo()

	org := &models.Organization{ID: "CoolOrg", BootstrapToken: "token", CreatedOn: time.Now()}
	require.NoError(t, repo.Insert(ctx, org))
	require.ErrorIs(t, repo.Insert(ctx, org), common.ErrAlreadyExists)

	got, err := repo.Get(ctx, "CoolOrg")
	require.NoError(t, err)
	assert.Equal(t, models.OrganizationID("CoolOrg"), got.ID)
	assert.Equal(t, "token", got.BootstrapToken)

	_, err = repo.Get(ctx, "NoSuchOrg")
	require.ErrorIs(t, err, common.ErrOrganizationNotFound)

	got.IsExpired = true
	require.NoError(t, repo.Update(ctx, got))
	got, err = repo.Get(ctx, "CoolOrg")
	require.NoError(t, err)
	assert.True(t, got.IsExpired)

	require.NoError(t, repo.Insert(ctx, &models.Organization{ID: "AnotherOrg"}))
	ids, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []models.OrganizationID{"AnotherOrg", "CoolOrg"}, ids)

	require.NoError(t, repo.Erase(ctx, "CoolOrg"))
	require.ErrorIs(t, repo.Erase(ctx, "CoolOrg"), common.ErrOrganizationNotFound)
	_, err = repo.Get(ctx, "CoolOrg")
	require.ErrorIs(t, err, common.ErrOrganizationNotFound)
}

func TestGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	repo := newRepo()
	require.NoError(t, repo.Insert(ctx, &models.Organization{ID: "CoolOrg", BootstrapToken: "token"}))

	got, err := repo.Get(ctx, "CoolOrg")
	require.NoError(t, err)
	got.BootstrapToken = "tampered"

	again, err := repo.Get(ctx, "CoolOrg")
	require.NoError(t, err)
	assert.Equal(t, "token", again.BootstrapToken)
}

func TestSequesterServices(t *testing.T) {
	ctx := context.Background()
	repo := newRepo()
	require.NoError(t, repo.Insert(ctx, &models.Organization{ID: "CoolOrg"}))

	base := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)
	first := &models.SequesterService{ID: models.NewSequesterServiceID(), Label: "first", CreatedOn: base, Certificate: []byte("first-cert")}
	second := &models.SequesterService{ID: models.NewSequesterServiceID(), Label: "second", CreatedOn: base.Add(time.Hour)}

	require.NoError(t, repo.InsertSequesterService(ctx, "CoolOrg", second))
	require.NoError(t, repo.InsertSequesterService(ctx, "CoolOrg", first))
	require.ErrorIs(t, repo.InsertSequesterService(ctx, "CoolOrg", first), common.ErrAlreadyExists)
	require.ErrorIs(t, repo.InsertSequesterService(ctx, "NoSuchOrg", first), common.ErrOrganizationNotFound)

	services, err := repo.ListSequesterServices(ctx, "CoolOrg")
	require.NoError(t, err)
	require.Len(t, services, 2)
	// Ordered by creation date.
	assert.Equal(t, "first", services[0].Label)
	assert.Equal(t, "second", services[1].Label)

	revokedOn := base.Add(2 * time.Hour)
	require.NoError(t, repo.RevokeSequesterService(ctx, "CoolOrg", first.ID, revokedOn, []byte("revoked-cert")))
	require.ErrorIs(t,
		repo.RevokeSequesterService(ctx, "CoolOrg", models.NewSequesterServiceID(), revokedOn, nil),
		common.ErrSequesterServiceNotFound)

	services, err = repo.ListSequesterServices(ctx, "CoolOrg")
	require.NoError(t, err)
	require.NotNil(t, services[0].RevokedOn)
	assert.Equal(t, revokedOn, *services[0].RevokedOn)
	// The creation certificate survives revocation.
	assert.Equal(t, []byte("first-cert"), services[0].Certificate)
	assert.Equal(t, []byte("revoked-cert"), services[0].RevokedCertificate)
	assert.Nil(t, services[1].RevokedOn)
}

func TestTopicTimestamps(t *testing.T) {
	ctx := context.Background()
	repo := newRepo()
	require.NoError(t, repo.Insert(ctx, &models.Organization{ID: "CoolOrg"}))

	last, err := repo.LastTopicTimestamp(ctx, "CoolOrg", locks.Common())
	require.NoError(t, err)
	assert.True(t, last.IsZero())

	ts := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)
	require.NoError(t, repo.BumpTopic(ctx, "CoolOrg", locks.Common(), ts))

	last, err = repo.LastTopicTimestamp(ctx, "CoolOrg", locks.Common())
	require.NoError(t, err)
	assert.Equal(t, ts, last)

	// A stale bump does not move the topic backwards.
	require.NoError(t, repo.BumpTopic(ctx, "CoolOrg", locks.Common(), ts.Add(-time.Hour)))
	last, err = repo.LastTopicTimestamp(ctx, "CoolOrg", locks.Common())
	require.NoError(t, err)
	assert.Equal(t, ts, last)

	// Topics are independent.
	last, err = repo.LastTopicTimestamp(ctx, "CoolOrg", locks.Sequester())
	require.NoError(t, err)
	assert.True(t, last.IsZero())
}
