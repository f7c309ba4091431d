package services

import (
	"context"
	"crypto/ed25519"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/parsec-cloud/parsec-server/internal/logging"
	"github.com/parsec-cloud/parsec-server/internal/server/blockstore"
	"github.com/parsec-cloud/parsec-server/internal/server/certif"
	"github.com/parsec-cloud/parsec-server/internal/server/config"
	"github.com/parsec-cloud/parsec-server/internal/server/events"
	"github.com/parsec-cloud/parsec-server/internal/server/models"
	"github.com/parsec-cloud/parsec-server/internal/server/repositories/repomanager"
)

// identity is one test user: a device id plus its signing key.
type identity struct {
	device  models.DeviceID
	signing ed25519.PrivateKey
	verify  ed25519.PublicKey
}

type fixture struct {
	t     *testing.T
	ctx   context.Context
	clock *clock.Mock
	bus   *events.Bus
	core  *Core

	orgs    *OrganizationService
	users   *UserService
	realms  *RealmService
	vlobs   *VlobService
	blocks  *BlockService
	invites *InviteService

	org     models.OrganizationID
	rootKey ed25519.PrivateKey
	alice   identity
}

func testLogger() logging.Logger {
	return logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func newCoreFixture(t *testing.T) *fixture {
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 1, 2, 12, 0, 0, 0, time.UTC))

	cfg := &config.Config{}
	cfg.LoadDefaults()

	log := testLogger()
	bus := events.NewBus(64, log)
	core := NewCore(nil, repomanager.NewMemoryRepositoryManager(), bus,
		blockstore.NewMocked(), mock, cfg, log)

	f := &fixture{
		t:       t,
		ctx:     context.Background(),
		clock:   mock,
		bus:     bus,
		core:    core,
		orgs:    NewOrganizationService(core),
		users:   NewUserService(core),
		realms:  NewRealmService(core),
		vlobs:   NewVlobService(core),
		blocks:  NewBlockService(core),
		invites: NewInviteService(core),
	}
	return f
}

func (f *fixture) now() time.Time {
	return models.Truncate(f.clock.Now())
}

// tick advances the mock clock so the next certificate timestamp is
// strictly greater than everything accepted so far.
func (f *fixture) tick() {
	f.clock.Add(time.Second)
}

func newIdentity(t *testing.T, user models.UserID, name models.DeviceName) identity {
	verify, signing, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return identity{
		device:  models.DeviceID{UserID: user, DeviceName: name},
		signing: signing,
		verify:  verify,
	}
}

func sign(t *testing.T, key ed25519.PrivateKey, payload any) []byte {
	raw, err := certif.Sign(key, payload)
	require.NoError(t, err)
	return raw
}

// userCerts builds the four certificates of a user creation, signed by
// authorKey (the root key when author is nil).
func userCerts(t *testing.T, authorKey ed25519.PrivateKey, author *models.DeviceID, ts time.Time,
	id identity, email string, profile models.Profile) (userRaw, deviceRaw, redactedUserRaw, redactedDeviceRaw []byte) {

	handle := &models.HumanHandle{Email: email, Label: email}
	user := certif.UserCertificate{
		Type:        certif.TypeUser,
		Author:      author,
		Timestamp:   ts,
		UserID:      id.device.UserID,
		HumanHandle: handle,
		PublicKey:   []byte("pubkey"),
		Profile:     profile,
	}
	userRaw = sign(t, authorKey, user)
	user.HumanHandle = nil
	redactedUserRaw = sign(t, authorKey, user)

	label := "laptop"
	device := certif.DeviceCertificate{
		Type:        certif.TypeDevice,
		Author:      author,
		Timestamp:   ts,
		UserID:      id.device.UserID,
		DeviceName:  id.device.DeviceName,
		DeviceLabel: &label,
		VerifyKey:   id.verify,
	}
	deviceRaw = sign(t, authorKey, device)
	device.DeviceLabel = nil
	redactedDeviceRaw = sign(t, authorKey, device)
	return userRaw, deviceRaw, redactedUserRaw, redactedDeviceRaw
}

// newFixture builds a core plus one bootstrapped organization owned by
// alice (ADMIN).
func newFixture(t *testing.T) *fixture {
	f := newCoreFixture(t)
	f.org = "TestOrg"
	_, err := f.orgs.Create(f.ctx, f.org, "bootstrap-token")
	require.NoError(t, err)

	rootVerify, rootSigning, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	f.rootKey = rootSigning
	f.alice = newIdentity(t, models.NewUserID(), "dev1")

	userRaw, deviceRaw, ruRaw, rdRaw := userCerts(t, rootSigning, nil, f.now(), f.alice, "alice@example.com", models.ProfileAdmin)
	require.NoError(t, f.orgs.Bootstrap(f.ctx, f.org, "bootstrap-token",
		rootVerify, userRaw, deviceRaw, ruRaw, rdRaw, nil))
	f.tick()
	return f
}

// createUser enrolls a new user via alice.
func (f *fixture) createUser(email string, profile models.Profile) identity {
	id := newIdentity(f.t, models.NewUserID(), "dev1")
	userRaw, deviceRaw, ruRaw, rdRaw := userCerts(f.t, f.alice.signing, &f.alice.device, f.now(), id, email, profile)
	require.NoError(f.t, f.users.Create(f.ctx, f.org, f.alice.device, userRaw, deviceRaw, ruRaw, rdRaw, ""))
	f.tick()
	return id
}

// createRealm creates a realm owned by the given identity.
func (f *fixture) createRealm(owner identity) models.RealmID {
	realmID := models.NewRealmID()
	role := models.RoleOwner
	raw := sign(f.t, owner.signing, certif.RealmRoleCertificate{
		Type:      certif.TypeRealmRole,
		Author:    &owner.device,
		Timestamp: f.now(),
		RealmID:   realmID,
		UserID:    owner.device.UserID,
		Role:      &role,
	})
	require.NoError(f.t, f.realms.Create(f.ctx, f.org, owner.device, raw))
	f.tick()
	return realmID
}

// share grants the role to the recipient, signed by the granter.
func (f *fixture) share(granter identity, realmID models.RealmID, recipient models.UserID,
	role models.RealmRole, keyIndex int) error {
	raw := sign(f.t, granter.signing, certif.RealmRoleCertificate{
		Type:      certif.TypeRealmRole,
		Author:    &granter.device,
		Timestamp: f.now(),
		RealmID:   realmID,
		UserID:    recipient,
		Role:      &role,
	})
	err := f.realms.Share(f.ctx, f.org, granter.device, raw, keyIndex, []byte("access"))
	if err == nil {
		f.tick()
	}
	return err
}

// rotate installs the next key generation with the given participant
// set.
func (f *fixture) rotate(owner identity, realmID models.RealmID, keyIndex int,
	participants ...models.UserID) error {
	raw := sign(f.t, owner.signing, certif.RealmKeyRotationCertificate{
		Type:                certif.TypeRealmKeyRotation,
		Author:              &owner.device,
		Timestamp:           f.now(),
		RealmID:             realmID,
		KeyIndex:            keyIndex,
		EncryptionAlgorithm: "XSALSA20_POLY1305",
		HashAlgorithm:       "BLAKE2B",
		KeyCanary:           []byte("canary"),
	})
	accesses := make(map[models.UserID][]byte, len(participants))
	for _, participant := range participants {
		accesses[participant] = []byte("access-" + string(participant))
	}
	err := f.realms.RotateKey(f.ctx, f.org, owner.device, raw, []byte("bundle"), accesses, nil)
	if err == nil {
		f.tick()
	}
	return err
}
