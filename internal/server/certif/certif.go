// Package certif implements the certificate families of the trust graph:
// MessagePack-encoded payloads prefixed by an ed25519 signature from the
// author device's verify key (or the organization root key for bootstrap
// artifacts).
//
// The server never trusts a certificate before VerifyAndLoad succeeded;
// the cooked struct returned by the Load helpers is the only thing the
// engines consume.
package certif

import (
	"bytes"
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/parsec-cloud/parsec-server/internal/common"
	"github.com/parsec-cloud/parsec-server/internal/server/models"
)

// Type tags embedded in every certificate payload.
const (
	TypeUser             = "user_certificate"
	TypeDevice           = "device_certificate"
	TypeUserUpdate       = "user_update_certificate"
	TypeRevokedUser      = "revoked_user_certificate"
	TypeRealmRole        = "realm_role_certificate"
	TypeRealmName        = "realm_name_certificate"
	TypeRealmKeyRotation = "realm_key_rotation_certificate"
	TypeRealmArchiving   = "realm_archiving_certificate"
	TypeSequesterAuthority      = "sequester_authority_certificate"
	TypeSequesterService        = "sequester_service_certificate"
	TypeSequesterRevokedService = "sequester_revoked_service_certificate"
	TypeShamirRecoveryBrief = "shamir_recovery_brief_certificate"
	TypeShamirRecoveryShare = "shamir_recovery_share_certificate"
)

// Sign encodes payload with MessagePack and prepends the ed25519
// signature: signed = sig(64) || payload.
func Sign(signingKey ed25519.PrivateKey, payload any) ([]byte, error) {
	raw, err := msgpack.Marshal(payload)
	if err != nil {
		return nil, err
	}
	sig := ed25519.Sign(signingKey, raw)
	out := make([]byte, 0, len(sig)+len(raw))
	out = append(out, sig...)
	out = append(out, raw...)
	return out, nil
}

// VerifyAndLoad checks the signature of a signed certificate and returns
// the raw MessagePack payload.
func VerifyAndLoad(signed []byte, verifyKey ed25519.PublicKey) ([]byte, error) {
	if len(verifyKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: bad verify key", common.ErrInvalidCertificate)
	}
	if len(signed) <= ed25519.SignatureSize {
		return nil, fmt.Errorf("%w: too short", common.ErrInvalidCertificate)
	}
	sig, payload := signed[:ed25519.SignatureSize], signed[ed25519.SignatureSize:]
	if !ed25519.Verify(verifyKey, payload, sig) {
		return nil, fmt.Errorf("%w: bad signature", common.ErrInvalidCertificate)
	}
	return payload, nil
}

func load[T any](signed []byte, verifyKey ed25519.PublicKey, expectedType string) (*T, error) {
	payload, err := VerifyAndLoad(signed, verifyKey)
	if err != nil {
		return nil, err
	}
	var header struct {
		Type string `msgpack:"type"`
	}
	if err := msgpack.Unmarshal(payload, &header); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrInvalidCertificate, err)
	}
	if header.Type != expectedType {
		return nil, fmt.Errorf("%w: expected %s, got %s", common.ErrInvalidCertificate, expectedType, header.Type)
	}
	var cooked T
	if err := msgpack.Unmarshal(payload, &cooked); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrInvalidCertificate, err)
	}
	return &cooked, nil
}

// UserCertificate asserts the existence of a user. Author is nil when
// signed by the organization root key (bootstrap). HumanHandle is nil in
// the redacted variant.
type UserCertificate struct {
	Type        string              `msgpack:"type"`
	Author      *models.DeviceID    `msgpack:"author"`
	Timestamp   time.Time           `msgpack:"timestamp"`
	UserID      models.UserID       `msgpack:"user_id"`
	HumanHandle *models.HumanHandle `msgpack:"human_handle"`
	PublicKey   []byte              `msgpack:"public_key"`
	Profile     models.Profile      `msgpack:"profile"`
}

// DeviceCertificate asserts the existence of a device. DeviceLabel is
// empty in the redacted variant.
type DeviceCertificate struct {
	Type        string           `msgpack:"type"`
	Author      *models.DeviceID `msgpack:"author"`
	Timestamp   time.Time        `msgpack:"timestamp"`
	UserID      models.UserID    `msgpack:"user_id"`
	DeviceName  models.DeviceName `msgpack:"device_name"`
	DeviceLabel *string          `msgpack:"device_label"`
	VerifyKey   []byte           `msgpack:"verify_key"`
}

// DeviceID assembles the certified device's id.
func (c *DeviceCertificate) DeviceID() models.DeviceID {
	return models.DeviceID{UserID: c.UserID, DeviceName: c.DeviceName}
}

// UserUpdateCertificate changes a user's profile.
type UserUpdateCertificate struct {
	Type       string           `msgpack:"type"`
	Author     *models.DeviceID `msgpack:"author"`
	Timestamp  time.Time        `msgpack:"timestamp"`
	UserID     models.UserID    `msgpack:"user_id"`
	NewProfile models.Profile   `msgpack:"new_profile"`
}

// RevokedUserCertificate revokes a user.
type RevokedUserCertificate struct {
	Type      string           `msgpack:"type"`
	Author    *models.DeviceID `msgpack:"author"`
	Timestamp time.Time        `msgpack:"timestamp"`
	UserID    models.UserID    `msgpack:"user_id"`
}

// RealmRoleCertificate grants, changes or removes (nil Role) a user's
// role in a realm.
type RealmRoleCertificate struct {
	Type      string            `msgpack:"type"`
	Author    *models.DeviceID  `msgpack:"author"`
	Timestamp time.Time         `msgpack:"timestamp"`
	RealmID   models.RealmID    `msgpack:"realm_id"`
	UserID    models.UserID     `msgpack:"user_id"`
	Role      *models.RealmRole `msgpack:"role"`
}

// RealmNameCertificate renames a realm; the name is encrypted with the
// key at KeyIndex.
type RealmNameCertificate struct {
	Type          string           `msgpack:"type"`
	Author        *models.DeviceID `msgpack:"author"`
	Timestamp     time.Time        `msgpack:"timestamp"`
	RealmID       models.RealmID   `msgpack:"realm_id"`
	KeyIndex      int              `msgpack:"key_index"`
	EncryptedName []byte           `msgpack:"encrypted_name"`
}

// RealmKeyRotationCertificate introduces key generation KeyIndex. The
// canary is the empty string encrypted with the new key, used by clients
// to detect bad bundles.
type RealmKeyRotationCertificate struct {
	Type      string           `msgpack:"type"`
	Author    *models.DeviceID `msgpack:"author"`
	Timestamp time.Time        `msgpack:"timestamp"`
	RealmID   models.RealmID   `msgpack:"realm_id"`
	KeyIndex  int              `msgpack:"key_index"`
	EncryptionAlgorithm string `msgpack:"encryption_algorithm"`
	HashAlgorithm       string `msgpack:"hash_algorithm"`
	KeyCanary           []byte `msgpack:"key_canary"`
}

// RealmArchivingCertificate changes the realm archiving configuration.
type RealmArchivingCertificate struct {
	Type         string                `msgpack:"type"`
	Author       *models.DeviceID      `msgpack:"author"`
	Timestamp    time.Time             `msgpack:"timestamp"`
	RealmID      models.RealmID        `msgpack:"realm_id"`
	State        models.ArchivingState `msgpack:"configuration"`
	DeletionDate *time.Time            `msgpack:"deletion_date"`
}

// SequesterAuthorityCertificate installs the sequester authority at
// bootstrap. Signed by the root key.
type SequesterAuthorityCertificate struct {
	Type      string    `msgpack:"type"`
	Timestamp time.Time `msgpack:"timestamp"`
	VerifyKeyDer []byte `msgpack:"verify_key_der"`
}

// SequesterServiceCertificate enables a sequester service. Signed by the
// sequester authority key, hence verified against it instead of a device
// key.
type SequesterServiceCertificate struct {
	Type      string                    `msgpack:"type"`
	Timestamp time.Time                 `msgpack:"timestamp"`
	ServiceID models.SequesterServiceID `msgpack:"service_id"`
	ServiceLabel string                 `msgpack:"service_label"`
	EncryptionKeyDer []byte             `msgpack:"encryption_key_der"`
}

// SequesterRevokedServiceCertificate disables a sequester service.
type SequesterRevokedServiceCertificate struct {
	Type      string                    `msgpack:"type"`
	Timestamp time.Time                 `msgpack:"timestamp"`
	ServiceID models.SequesterServiceID `msgpack:"service_id"`
}

// ShamirRecoveryBriefCertificate describes a shamir recovery setup:
// threshold and per-participant share counts.
type ShamirRecoveryBriefCertificate struct {
	Type      string                   `msgpack:"type"`
	Author    *models.DeviceID         `msgpack:"author"`
	Timestamp time.Time                `msgpack:"timestamp"`
	UserID    models.UserID            `msgpack:"user_id"`
	Threshold int                      `msgpack:"threshold"`
	PerRecipientShares map[models.UserID]int `msgpack:"per_recipient_shares"`
}

// ShamirRecoveryShareCertificate carries one encrypted share for one
// recipient.
type ShamirRecoveryShareCertificate struct {
	Type      string           `msgpack:"type"`
	Author    *models.DeviceID `msgpack:"author"`
	Timestamp time.Time        `msgpack:"timestamp"`
	UserID    models.UserID    `msgpack:"user_id"`
	Recipient models.UserID    `msgpack:"recipient"`
	CipheredShare []byte       `msgpack:"ciphered_share"`
}

// Load helpers, one per family.

func LoadUserCertificate(signed []byte, key ed25519.PublicKey) (*UserCertificate, error) {
	return load[UserCertificate](signed, key, TypeUser)
}

func LoadDeviceCertificate(signed []byte, key ed25519.PublicKey) (*DeviceCertificate, error) {
	return load[DeviceCertificate](signed, key, TypeDevice)
}

func LoadUserUpdateCertificate(signed []byte, key ed25519.PublicKey) (*UserUpdateCertificate, error) {
	return load[UserUpdateCertificate](signed, key, TypeUserUpdate)
}

func LoadRevokedUserCertificate(signed []byte, key ed25519.PublicKey) (*RevokedUserCertificate, error) {
	return load[RevokedUserCertificate](signed, key, TypeRevokedUser)
}

func LoadRealmRoleCertificate(signed []byte, key ed25519.PublicKey) (*RealmRoleCertificate, error) {
	return load[RealmRoleCertificate](signed, key, TypeRealmRole)
}

func LoadRealmNameCertificate(signed []byte, key ed25519.PublicKey) (*RealmNameCertificate, error) {
	return load[RealmNameCertificate](signed, key, TypeRealmName)
}

func LoadRealmKeyRotationCertificate(signed []byte, key ed25519.PublicKey) (*RealmKeyRotationCertificate, error) {
	return load[RealmKeyRotationCertificate](signed, key, TypeRealmKeyRotation)
}

func LoadRealmArchivingCertificate(signed []byte, key ed25519.PublicKey) (*RealmArchivingCertificate, error) {
	return load[RealmArchivingCertificate](signed, key, TypeRealmArchiving)
}

func LoadSequesterAuthorityCertificate(signed []byte, key ed25519.PublicKey) (*SequesterAuthorityCertificate, error) {
	return load[SequesterAuthorityCertificate](signed, key, TypeSequesterAuthority)
}

func LoadSequesterServiceCertificate(signed []byte, key ed25519.PublicKey) (*SequesterServiceCertificate, error) {
	return load[SequesterServiceCertificate](signed, key, TypeSequesterService)
}

func LoadSequesterRevokedServiceCertificate(signed []byte, key ed25519.PublicKey) (*SequesterRevokedServiceCertificate, error) {
	return load[SequesterRevokedServiceCertificate](signed, key, TypeSequesterRevokedService)
}

func LoadShamirRecoveryBriefCertificate(signed []byte, key ed25519.PublicKey) (*ShamirRecoveryBriefCertificate, error) {
	return load[ShamirRecoveryBriefCertificate](signed, key, TypeShamirRecoveryBrief)
}

func LoadShamirRecoveryShareCertificate(signed []byte, key ed25519.PublicKey) (*ShamirRecoveryShareCertificate, error) {
	return load[ShamirRecoveryShareCertificate](signed, key, TypeShamirRecoveryShare)
}

// RedactedUserMatches verifies that the redacted user certificate equals
// the full one with the human handle stripped. Both cooked certs must
// already be signature-verified.
func RedactedUserMatches(full, redacted *UserCertificate) bool {
	if redacted.HumanHandle != nil {
		return false
	}
	stripped := *full
	stripped.HumanHandle = nil
	return certEqual(&stripped, redacted)
}

// RedactedDeviceMatches verifies that the redacted device certificate
// equals the full one with the device label stripped.
func RedactedDeviceMatches(full, redacted *DeviceCertificate) bool {
	if redacted.DeviceLabel != nil {
		return false
	}
	stripped := *full
	stripped.DeviceLabel = nil
	return certEqual(&stripped, redacted)
}

func certEqual(a, b any) bool {
	rawA, errA := msgpack.Marshal(a)
	rawB, errB := msgpack.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(rawA, rawB)
}
