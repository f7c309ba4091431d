package certif

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/parsec-cloud/parsec-server/internal/common"
	"github.com/parsec-cloud/parsec-server/internal/server/models"
)

func keypair(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return pub, priv
}

func TestSignVerifyRoundTrip(t *testing.T) {
	pub, priv := keypair(t)

	alice := models.NewUserID()
	handle := &models.HumanHandle{Email: "alice@example.com", Label: "Alice"}
	cert := UserCertificate{
		Type:        TypeUser,
		Timestamp:   models.Truncate(time.Now()),
		UserID:      alice,
		HumanHandle: handle,
		Profile:     models.ProfileAdmin,
	}
	signed, err := Sign(priv, &cert)
	require.NoError(t, err)

	cooked, err := LoadUserCertificate(signed, pub)
	require.NoError(t, err)
	require.Equal(t, alice, cooked.UserID)
	require.Equal(t, models.ProfileAdmin, cooked.Profile)
	require.Equal(t, handle.Email, cooked.HumanHandle.Email)
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	_, priv := keypair(t)
	other, _ := keypair(t)

	signed, err := Sign(priv, &RevokedUserCertificate{Type: TypeRevokedUser, UserID: models.NewUserID()})
	require.NoError(t, err)

	_, err = LoadRevokedUserCertificate(signed, other)
	require.ErrorIs(t, err, common.ErrInvalidCertificate)
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	pub, priv := keypair(t)

	signed, err := Sign(priv, &RevokedUserCertificate{Type: TypeRevokedUser, UserID: models.NewUserID()})
	require.NoError(t, err)
	signed[len(signed)-1] ^= 0xff

	_, err = LoadRevokedUserCertificate(signed, pub)
	require.ErrorIs(t, err, common.ErrInvalidCertificate)
}

func TestLoadRejectsWrongFamily(t *testing.T) {
	pub, priv := keypair(t)

	signed, err := Sign(priv, &RevokedUserCertificate{Type: TypeRevokedUser, UserID: models.NewUserID()})
	require.NoError(t, err)

	_, err = LoadUserCertificate(signed, pub)
	require.ErrorIs(t, err, common.ErrInvalidCertificate)
}

func TestRedactedUserMatches(t *testing.T) {
	ts := models.Truncate(time.Now())
	alice := models.NewUserID()
	full := &UserCertificate{
		Type:        TypeUser,
		Timestamp:   ts,
		UserID:      alice,
		HumanHandle: &models.HumanHandle{Email: "alice@example.com", Label: "Alice"},
		Profile:     models.ProfileAdmin,
	}
	redacted := &UserCertificate{Type: TypeUser, Timestamp: ts, UserID: alice, Profile: models.ProfileAdmin}

	require.True(t, RedactedUserMatches(full, redacted))

	// A redacted cert carrying a handle is not redacted at all.
	require.False(t, RedactedUserMatches(full, full))

	// Any divergent field must be caught.
	bad := *redacted
	bad.Profile = models.ProfileStandard
	require.False(t, RedactedUserMatches(full, &bad))
}

func TestRedactedDeviceMatches(t *testing.T) {
	ts := models.Truncate(time.Now())
	label := "my laptop"
	alice := models.NewUserID()
	full := &DeviceCertificate{
		Type: TypeDevice, Timestamp: ts, UserID: alice,
		DeviceName: "dev1", DeviceLabel: &label, VerifyKey: make([]byte, 32),
	}
	redacted := &DeviceCertificate{
		Type: TypeDevice, Timestamp: ts, UserID: alice,
		DeviceName: "dev1", VerifyKey: make([]byte, 32),
	}
	require.True(t, RedactedDeviceMatches(full, redacted))

	bad := *redacted
	bad.DeviceName = "dev2"
	require.False(t, RedactedDeviceMatches(full, &bad))
}

func TestInBallpark(t *testing.T) {
	now := time.Now()

	require.NoError(t, InBallpark(now, now))
	require.NoError(t, InBallpark(now.Add(-299*time.Second), now))
	require.NoError(t, InBallpark(now.Add(319*time.Second), now))

	err := InBallpark(now.Add(-301*time.Second), now)
	var ballpark *common.TimestampOutOfBallparkError
	require.ErrorAs(t, err, &ballpark)
	require.Equal(t, 300*time.Second, ballpark.BallparkEarly)
	require.Equal(t, 320*time.Second, ballpark.BallparkLate)

	require.Error(t, InBallpark(now.Add(321*time.Second), now))
}
