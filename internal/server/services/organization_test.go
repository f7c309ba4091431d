package services

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parsec-cloud/parsec-server/internal/common"
	"github.com/parsec-cloud/parsec-server/internal/server/certif"
	"github.com/parsec-cloud/parsec-server/internal/server/events"
	"github.com/parsec-cloud/parsec-server/internal/server/models"
)

func drain(sub *events.Subscriber) []events.Event {
	var out []events.Event
	for {
		select {
		case env := <-sub.C():
			out = append(out, env.Event)
		default:
			return out
		}
	}
}

func TestOrganizationCreate(t *testing.T) {
	f := newCoreFixture(t)

	org, err := f.orgs.Create(f.ctx, "Org1", "")
	require.NoError(t, err)
	assert.NotEmpty(t, org.BootstrapToken)

	// Recreating an un-bootstrapped organization regenerates the token.
	again, err := f.orgs.Create(f.ctx, "Org1", "fresh-token")
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", again.BootstrapToken)
}

func TestOrganizationBootstrap(t *testing.T) {
	f := newCoreFixture(t)
	f.core.config.OrganizationBootstrapWebhookURL = "http://webhook.invalid/hook"

	var hooked bootstrapWebhookPayload
	origWebhook := postWebhook
	postWebhook = func(url, contentType string, body []byte) error {
		return json.Unmarshal(body, &hooked)
	}
	defer func() { postWebhook = origWebhook }()

	orgID := models.OrganizationID("BootOrg")
	_, err := f.orgs.Create(f.ctx, orgID, "tok")
	require.NoError(t, err)

	rootVerify, rootSigning, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	alice := newIdentity(t, models.NewUserID(), "dev1")

	userRaw, deviceRaw, ruRaw, rdRaw := userCerts(t, rootSigning, nil, f.now(), alice, "alice@example.com", models.ProfileAdmin)

	err = f.orgs.Bootstrap(f.ctx, orgID, "wrong", rootVerify, userRaw, deviceRaw, ruRaw, rdRaw, nil)
	require.ErrorIs(t, err, common.ErrInvalidBootstrapToken)

	// First user must be an admin.
	badUser, badDevice, badRU, badRD := userCerts(t, rootSigning, nil, f.now(), alice, "alice@example.com", models.ProfileStandard)
	err = f.orgs.Bootstrap(f.ctx, orgID, "tok", rootVerify, badUser, badDevice, badRU, badRD, nil)
	require.ErrorIs(t, err, common.ErrInvalidCertificate)

	sub := f.bus.Subscribe(16)
	defer sub.Close()

	require.NoError(t, f.orgs.Bootstrap(f.ctx, orgID, "tok", rootVerify, userRaw, deviceRaw, ruRaw, rdRaw, nil))

	evs := drain(sub)
	require.Len(t, evs, 1)
	cert, ok := evs[0].(events.CommonCertificate)
	require.True(t, ok)
	assert.Equal(t, f.now(), cert.Timestamp)

	assert.Equal(t, string(orgID), hooked.OrganizationID)
	assert.Equal(t, alice.device.String(), hooked.DeviceID)
	assert.Equal(t, "alice@example.com", hooked.HumanEmail)

	err = f.orgs.Bootstrap(f.ctx, orgID, "tok", rootVerify, userRaw, deviceRaw, ruRaw, rdRaw, nil)
	require.ErrorIs(t, err, common.ErrAlreadyBootstrapped)

	_, err = f.orgs.Create(f.ctx, orgID, "")
	require.ErrorIs(t, err, common.ErrAlreadyExists)
}

func TestOrganizationBootstrapRedactedMismatch(t *testing.T) {
	f := newCoreFixture(t)
	orgID := models.OrganizationID("RedactedOrg")
	_, err := f.orgs.Create(f.ctx, orgID, "tok")
	require.NoError(t, err)

	rootVerify, rootSigning, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	alice := newIdentity(t, models.NewUserID(), "dev1")
	userRaw, deviceRaw, _, rdRaw := userCerts(t, rootSigning, nil, f.now(), alice, "alice@example.com", models.ProfileAdmin)

	// Redacted user still carries the human handle.
	err = f.orgs.Bootstrap(f.ctx, orgID, "tok", rootVerify, userRaw, deviceRaw, userRaw, rdRaw, nil)
	require.ErrorIs(t, err, common.ErrRedactedMismatch)
}

func TestOrganizationBootstrapOutOfBallpark(t *testing.T) {
	f := newCoreFixture(t)
	orgID := models.OrganizationID("LateOrg")
	_, err := f.orgs.Create(f.ctx, orgID, "tok")
	require.NoError(t, err)

	rootVerify, rootSigning, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	alice := newIdentity(t, models.NewUserID(), "dev1")
	stale := f.now().Add(-10 * time.Minute)
	userRaw, deviceRaw, ruRaw, rdRaw := userCerts(t, rootSigning, nil, stale, alice, "alice@example.com", models.ProfileAdmin)

	err = f.orgs.Bootstrap(f.ctx, orgID, "tok", rootVerify, userRaw, deviceRaw, ruRaw, rdRaw, nil)
	var ballpark *common.TimestampOutOfBallparkError
	require.ErrorAs(t, err, &ballpark)
	assert.Equal(t, stale, ballpark.ClientTimestamp)
}

func TestOrganizationUpdateEvents(t *testing.T) {
	f := newFixture(t)
	sub := f.bus.Subscribe(16)
	defer sub.Close()

	limit := 5
	require.NoError(t, f.orgs.Update(f.ctx, f.org, UpdateOptions{
		ActiveUsersLimit: &limit,
		Tos:              map[string]string{"en": "https://example.com/tos"},
	}))

	evs := drain(sub)
	require.Len(t, evs, 2)
	tos, ok := evs[0].(events.OrganizationTosUpdated)
	require.True(t, ok)
	assert.Equal(t, f.now(), tos.UpdatedOn)
	cfg, ok := evs[1].(events.OrganizationConfig)
	require.True(t, ok)
	require.NotNil(t, cfg.ActiveUsersLimit)
	assert.Equal(t, 5, *cfg.ActiveUsersLimit)

	expired := true
	require.NoError(t, f.orgs.Update(f.ctx, f.org, UpdateOptions{IsExpired: &expired}))
	evs = drain(sub)
	require.Len(t, evs, 1)
	_, ok = evs[0].(events.OrganizationExpired)
	require.True(t, ok)

	// Expired organizations reject authenticated commands.
	_, err := f.invites.NewDeviceInvitation(f.ctx, f.org, f.alice.device, false)
	require.ErrorIs(t, err, common.ErrOrganizationExpired)
}

func TestOrganizationTosAccept(t *testing.T) {
	f := newFixture(t)

	_, err := f.orgs.TosGet(f.ctx, f.org)
	require.ErrorIs(t, err, common.ErrTosNotRequired)
	err = f.orgs.TosAccept(f.ctx, f.org, f.alice.device, f.now())
	require.ErrorIs(t, err, common.ErrTosNotRequired)

	require.NoError(t, f.orgs.Update(f.ctx, f.org, UpdateOptions{
		Tos: map[string]string{"en": "https://example.com/tos"},
	}))
	tos, err := f.orgs.TosGet(f.ctx, f.org)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/tos", tos.PerLocaleURLs["en"])

	err = f.orgs.TosAccept(f.ctx, f.org, f.alice.device, tos.UpdatedOn.Add(time.Second))
	require.ErrorIs(t, err, common.ErrTosMismatch)
	require.NoError(t, f.orgs.TosAccept(f.ctx, f.org, f.alice.device, tos.UpdatedOn))
}

func TestOrganizationStats(t *testing.T) {
	f := newFixture(t)
	f.createUser("bob@example.com", models.ProfileStandard)
	realmID := f.createRealm(f.alice)
	require.NoError(t, f.rotate(f.alice, realmID, 1, f.alice.device.UserID))
	require.NoError(t, f.vlobs.Create(f.ctx, f.org, f.alice.device,
		realmID, models.NewVlobID(), 1, f.now(), []byte("payload"), nil))
	f.tick()
	require.NoError(t, f.blocks.Create(f.ctx, f.org, f.alice.device,
		realmID, models.NewBlockID(), 1, []byte("block-bytes")))

	stats, err := f.orgs.Stats(f.ctx, f.org)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Users)
	assert.Equal(t, 2, stats.ActiveUsers)
	assert.Equal(t, 1, stats.AdminUsers)
	assert.Equal(t, 1, stats.StandardUsers)
	assert.Equal(t, 1, stats.Realms)
	assert.Equal(t, int64(len("payload")), stats.VlobsTotalBytes)
	assert.Equal(t, int64(len("block-bytes")), stats.BlocksTotalBytes)

	all, err := f.orgs.ServerStats(f.ctx)
	require.NoError(t, err)
	require.Contains(t, all, f.org)
	assert.Equal(t, stats.Users, all[f.org].Users)
}

// newSequesteredFixture bootstraps an organization with a sequester
// authority and returns the authority signing key.
func newSequesteredFixture(t *testing.T) (*fixture, ed25519.PrivateKey) {
	f := newCoreFixture(t)
	f.org = "SeqOrg"
	_, err := f.orgs.Create(f.ctx, f.org, "tok")
	require.NoError(t, err)

	rootVerify, rootSigning, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	f.rootKey = rootSigning
	f.alice = newIdentity(t, models.NewUserID(), "dev1")

	authorityVerify, authoritySigning, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(authorityVerify)
	require.NoError(t, err)

	ts := f.now()
	userRaw, deviceRaw, ruRaw, rdRaw := userCerts(t, rootSigning, nil, ts, f.alice, "alice@example.com", models.ProfileAdmin)
	authorityRaw := sign(t, rootSigning, certif.SequesterAuthorityCertificate{
		Type:         certif.TypeSequesterAuthority,
		Timestamp:    ts,
		VerifyKeyDer: der,
	})
	require.NoError(t, f.orgs.Bootstrap(f.ctx, f.org, "tok",
		rootVerify, userRaw, deviceRaw, ruRaw, rdRaw, authorityRaw))
	f.tick()
	return f, authoritySigning
}

func (f *fixture) createSequesterService(authority ed25519.PrivateKey) (models.SequesterServiceID, error) {
	serviceID := models.NewSequesterServiceID()
	raw := sign(f.t, authority, certif.SequesterServiceCertificate{
		Type:             certif.TypeSequesterService,
		Timestamp:        f.now(),
		ServiceID:        serviceID,
		ServiceLabel:     "audit",
		EncryptionKeyDer: []byte("encryption-key-der"),
	})
	err := f.orgs.CreateSequesterService(f.ctx, f.org, raw)
	if err == nil {
		f.tick()
	}
	return serviceID, err
}

func TestSequesterServiceLifecycle(t *testing.T) {
	f, authority := newSequesteredFixture(t)
	sub := f.bus.Subscribe(16)
	defer sub.Close()

	serviceID, err := f.createSequesterService(authority)
	require.NoError(t, err)

	evs := drain(sub)
	require.Len(t, evs, 1)
	_, ok := evs[0].(events.SequesterCertificate)
	require.True(t, ok)

	revokeRaw := sign(t, authority, certif.SequesterRevokedServiceCertificate{
		Type:      certif.TypeSequesterRevokedService,
		Timestamp: f.now(),
		ServiceID: serviceID,
	})
	require.NoError(t, f.orgs.RevokeSequesterService(f.ctx, f.org, revokeRaw))
	f.tick()

	// Revoking again reports the already-applied outcome.
	again := sign(t, authority, certif.SequesterRevokedServiceCertificate{
		Type:      certif.TypeSequesterRevokedService,
		Timestamp: f.now(),
		ServiceID: serviceID,
	})
	err = f.orgs.RevokeSequesterService(f.ctx, f.org, again)
	var idempotent *common.IdempotentOutcomeError
	require.ErrorAs(t, err, &idempotent)

	missing := sign(t, authority, certif.SequesterRevokedServiceCertificate{
		Type:      certif.TypeSequesterRevokedService,
		Timestamp: f.now(),
		ServiceID: models.NewSequesterServiceID(),
	})
	err = f.orgs.RevokeSequesterService(f.ctx, f.org, missing)
	require.ErrorIs(t, err, common.ErrSequesterServiceNotFound)
}

func TestSequesterServiceOnPlainOrganization(t *testing.T) {
	f := newFixture(t)
	_, authority, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	_, err = f.createSequesterService(authority)
	require.ErrorIs(t, err, common.ErrSequesterDisabled)
}

func TestOrganizationErase(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.orgs.Erase(f.ctx, f.org))
	_, err := f.orgs.Get(f.ctx, f.org)
	require.True(t, errors.Is(err, common.ErrOrganizationNotFound) || errors.Is(err, common.ErrNotFound))
}
