package users

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parsec-cloud/parsec-server/internal/common"
	"github.com/parsec-cloud/parsec-server/internal/server/models"
	"github.com/parsec-cloud/parsec-server/internal/server/repositories/memdb"
)

const org = models.OrganizationID("CoolOrg")

var base = time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)

func newRepo(t *testing.T) *MemoryRepository {
	d := memdb.New()
	require.True(t, d.InsertOrg(models.Organization{ID: org}))
	return NewMemoryRepository(d)
}

func seedUser(t *testing.T, repo *MemoryRepository, email string, on time.Time) models.UserID {
	id := models.NewUserID()
	require.NoError(t, repo.Insert(context.Background(), org, &models.User{
		UserID:         id,
		HumanHandle:    models.HumanHandle{Email: email, Label: email},
		InitialProfile: models.ProfileStandard,
		CreatedOn:      on,
		Certificate:    []byte("user-cert-" + email),
	}))
	return id
}

func TestInsertAndGet(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	alice := seedUser(t, repo, "alice@example.com", base)

	got, err := repo.Get(ctx, org, alice)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", got.HumanHandle.Email)
	assert.Equal(t, models.ProfileStandard, got.CurrentProfile())

	require.ErrorIs(t, repo.Insert(ctx, org, &models.User{UserID: alice}), common.ErrAlreadyExists)
	_, err = repo.Get(ctx, org, models.NewUserID())
	require.ErrorIs(t, err, common.ErrUserNotFound)
	_, err = repo.Get(ctx, "NoSuchOrg", alice)
	require.ErrorIs(t, err, common.ErrOrganizationNotFound)
}

func TestShamirRecovery(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	alice := seedUser(t, repo, "alice@example.com", base)
	bob := seedUser(t, repo, "bob@example.com", base)
	carol := seedUser(t, repo, "carol@example.com", base)

	_, err := repo.GetShamirRecovery(ctx, org, alice)
	require.ErrorIs(t, err, common.ErrShamirRecoveryNotSetup)

	require.ErrorIs(t, repo.SetShamirRecovery(ctx, org, models.NewUserID(),
		&models.ShamirRecoverySetup{}), common.ErrUserNotFound)

	require.NoError(t, repo.SetShamirRecovery(ctx, org, alice, &models.ShamirRecoverySetup{
		UserID:           alice,
		CreatedOn:        base,
		Threshold:        2,
		BriefCertificate: []byte("brief-1"),
		ShareCertificates: map[models.UserID][]byte{
			bob:   []byte("share-bob"),
			carol: []byte("share-carol"),
		},
	}))
	setup, err := repo.GetShamirRecovery(ctx, org, alice)
	require.NoError(t, err)
	assert.Equal(t, 2, setup.Threshold)
	assert.ElementsMatch(t, []models.UserID{bob, carol}, setup.Recipients())

	// A new setup replaces the previous one.
	require.NoError(t, repo.SetShamirRecovery(ctx, org, alice, &models.ShamirRecoverySetup{
		UserID:            alice,
		CreatedOn:         base.Add(time.Minute),
		Threshold:         1,
		BriefCertificate:  []byte("brief-2"),
		ShareCertificates: map[models.UserID][]byte{bob: []byte("share-bob-2")},
	}))
	setup, err = repo.GetShamirRecovery(ctx, org, alice)
	require.NoError(t, err)
	assert.Equal(t, []models.UserID{bob}, setup.Recipients())
	assert.Equal(t, []byte("brief-2"), setup.BriefCertificate)
}

func TestDevices(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	alice := seedUser(t, repo, "alice@example.com", base)

	device := &models.Device{
		DeviceID:    models.DeviceID{UserID: alice, DeviceName: "laptop"},
		DeviceLabel: "Laptop",
		CreatedOn:   base,
		Certificate: []byte("device-cert"),
	}
	require.NoError(t, repo.InsertDevice(ctx, org, device))
	require.ErrorIs(t, repo.InsertDevice(ctx, org, device), common.ErrAlreadyExists)

	// The owning user must exist first.
	orphan := &models.Device{DeviceID: models.DeviceID{UserID: models.NewUserID(), DeviceName: "x"}}
	require.ErrorIs(t, repo.InsertDevice(ctx, org, orphan), common.ErrUserNotFound)

	got, err := repo.GetDevice(ctx, org, device.DeviceID)
	require.NoError(t, err)
	assert.Equal(t, "Laptop", got.DeviceLabel)

	_, err = repo.GetDevice(ctx, org, models.DeviceID{UserID: alice, DeviceName: "phone"})
	require.ErrorIs(t, err, common.ErrDeviceNotFound)
}

func TestActiveByEmailAndCount(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	alice := seedUser(t, repo, "alice@example.com", base)
	seedUser(t, repo, "bob@example.com", base.Add(time.Minute))

	got, err := repo.GetActiveByEmail(ctx, org, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, alice, got.UserID)

	count, err := repo.CountActive(ctx, org)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	require.NoError(t, repo.Revoke(ctx, org, alice, base.Add(time.Hour), []byte("revoked-cert")))

	// A revoked user no longer holds the email.
	_, err = repo.GetActiveByEmail(ctx, org, "alice@example.com")
	require.ErrorIs(t, err, common.ErrUserNotFound)

	count, err = repo.CountActive(ctx, org)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestProfileUpdates(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	alice := seedUser(t, repo, "alice@example.com", base)

	update := models.ProfileUpdate{
		NewProfile:  models.ProfileAdmin,
		UpdatedOn:   base.Add(time.Hour),
		Certificate: []byte("update-cert"),
	}
	require.NoError(t, repo.AddProfileUpdate(ctx, org, alice, update))
	require.ErrorIs(t, repo.AddProfileUpdate(ctx, org, models.NewUserID(), update), common.ErrUserNotFound)

	got, err := repo.Get(ctx, org, alice)
	require.NoError(t, err)
	assert.Equal(t, models.ProfileAdmin, got.CurrentProfile())
}

func TestFreezeAndTos(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	alice := seedUser(t, repo, "alice@example.com", base)

	require.NoError(t, repo.SetFrozen(ctx, org, alice, true))
	got, err := repo.Get(ctx, org, alice)
	require.NoError(t, err)
	assert.True(t, got.IsFrozen)

	require.NoError(t, repo.SetFrozen(ctx, org, alice, false))
	got, err = repo.Get(ctx, org, alice)
	require.NoError(t, err)
	assert.False(t, got.IsFrozen)

	acceptedOn := base.Add(time.Hour)
	require.NoError(t, repo.SetTosAccepted(ctx, org, alice, acceptedOn))
	got, err = repo.Get(ctx, org, alice)
	require.NoError(t, err)
	require.NotNil(t, got.TosAcceptedOn)
	assert.Equal(t, acceptedOn, *got.TosAcceptedOn)
}

func TestList(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	bob := seedUser(t, repo, "bob@example.com", base.Add(time.Minute))
	seedUser(t, repo, "alice@example.com", base)
	require.NoError(t, repo.Revoke(ctx, org, bob, base.Add(time.Hour), []byte("revoked-cert")))

	infos, err := repo.List(ctx, org)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	// Ordered by creation date.
	assert.Equal(t, "alice@example.com", infos[0].HumanHandle.Email)
	assert.Equal(t, "bob@example.com", infos[1].HumanHandle.Email)
	assert.Nil(t, infos[0].RevokedOn)
	assert.NotNil(t, infos[1].RevokedOn)
}

func TestListCertificates(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	alice := seedUser(t, repo, "alice@example.com", base)
	require.NoError(t, repo.InsertDevice(ctx, org, &models.Device{
		DeviceID:    models.DeviceID{UserID: alice, DeviceName: "laptop"},
		CreatedOn:   base.Add(time.Minute),
		Certificate: []byte("device-cert"),
	}))
	require.NoError(t, repo.AddProfileUpdate(ctx, org, alice, models.ProfileUpdate{
		NewProfile:  models.ProfileAdmin,
		UpdatedOn:   base.Add(2 * time.Minute),
		Certificate: []byte("update-cert"),
	}))
	require.NoError(t, repo.Revoke(ctx, org, alice, base.Add(3*time.Minute), []byte("revoked-cert")))

	certs, err := repo.ListCertificates(ctx, org)
	require.NoError(t, err)
	require.Len(t, certs, 4)
	assert.Equal(t, []byte("user-cert-alice@example.com"), certs[0].Certificate)
	assert.Equal(t, []byte("device-cert"), certs[1].Certificate)
	assert.Equal(t, []byte("update-cert"), certs[2].Certificate)
	assert.Equal(t, []byte("revoked-cert"), certs[3].Certificate)

	// Timestamps are non-decreasing.
	for i := 1; i < len(certs); i++ {
		assert.False(t, certs[i].Timestamp.Before(certs[i-1].Timestamp))
	}
}
