// Package events implements the typed in-process event bus: fan-out to
// bounded subscriber queues in publication order, plus a bounded replay
// cache so SSE clients can resume from their Last-Event-Id.
package events

import (
	"time"

	"github.com/parsec-cloud/parsec-server/internal/server/models"
)

// VlobBlobSizeCap is the biggest vlob blob forwarded inside an event.
// Larger blobs are elided and clients fetch them with vlob_read.
const VlobBlobSizeCap = 4096

// Event is one domain event. Type returns the protocol-level tag used in
// SSE payloads.
type Event interface {
	Type() string
}

type Pinged struct {
	Ping string
}

func (Pinged) Type() string { return "PINGED" }

type OrganizationExpired struct{}

func (OrganizationExpired) Type() string { return "ORGANIZATION_EXPIRED" }

type OrganizationTosUpdated struct {
	UpdatedOn time.Time
}

func (OrganizationTosUpdated) Type() string { return "ORGANIZATION_TOS_UPDATED" }

// OrganizationConfig is synthesized by the SSE distributor as the first
// message of every stream; it is also published when the configuration
// changes.
type OrganizationConfig struct {
	ActiveUsersLimit           *int
	UserProfileOutsiderAllowed bool
	SseKeepaliveSeconds        int
	AllowedClientAgent         models.AllowedClientAgent
	AccountVaultStrategy       models.AccountVaultStrategy
}

func (OrganizationConfig) Type() string { return "ORGANIZATION_CONFIG" }

type CommonCertificate struct {
	Timestamp time.Time
}

func (CommonCertificate) Type() string { return "COMMON_CERTIFICATE" }

type SequesterCertificate struct {
	Timestamp time.Time
}

func (SequesterCertificate) Type() string { return "SEQUESTER_CERTIFICATE" }

type ShamirRecoveryCertificate struct {
	Timestamp    time.Time
	Participants []models.UserID
}

func (ShamirRecoveryCertificate) Type() string { return "SHAMIR_RECOVERY_CERTIFICATE" }

type RealmCertificate struct {
	Timestamp time.Time
	RealmID   models.RealmID
	UserID    models.UserID
	// True when the certificate removed UserID's access to the realm.
	RoleRemoved bool
}

func (RealmCertificate) Type() string { return "REALM_CERTIFICATE" }

// Vlob announces a new vlob atom. Blob is nil when the payload exceeds
// VlobBlobSizeCap.
type Vlob struct {
	RealmID             models.RealmID
	VlobID              models.VlobID
	Version             int
	Blob                []byte
	Author              models.DeviceID
	Timestamp           time.Time
	LastCommonCertificateTimestamp time.Time
	LastRealmCertificateTimestamp  time.Time
}

func (Vlob) Type() string { return "VLOB" }

type Invitation struct {
	Token            models.InvitationToken
	PossibleGreeters []models.UserID
	Status           models.InvitationStatus
}

func (Invitation) Type() string { return "INVITATION" }

type GreetingAttemptReady struct {
	Token           models.InvitationToken
	GreeterUserID   models.UserID
	GreetingAttempt models.GreetingAttemptID
}

func (GreetingAttemptReady) Type() string { return "GREETING_ATTEMPT_READY" }

type GreetingAttemptCancelled struct {
	Token           models.InvitationToken
	GreeterUserID   models.UserID
	GreetingAttempt models.GreetingAttemptID
}

func (GreetingAttemptCancelled) Type() string { return "GREETING_ATTEMPT_CANCELLED" }

type GreetingAttemptJoined struct {
	Token           models.InvitationToken
	GreeterUserID   models.UserID
	GreetingAttempt models.GreetingAttemptID
}

func (GreetingAttemptJoined) Type() string { return "GREETING_ATTEMPT_JOINED" }

type PkiEnrollment struct {
	EnrollmentID models.EnrollmentID
}

func (PkiEnrollment) Type() string { return "PKI_ENROLLMENT" }

// UserRevokedOrFrozen is never forwarded to the named user: it makes the
// SSE distributor terminate that user's connections instead.
type UserRevokedOrFrozen struct {
	UserID models.UserID
}

func (UserRevokedOrFrozen) Type() string { return "USER_REVOKED_OR_FROZEN" }

type UserUnfrozen struct {
	UserID models.UserID
}

func (UserUnfrozen) Type() string { return "USER_UNFROZEN" }

type UserUpdated struct {
	UserID     models.UserID
	NewProfile models.Profile
}

func (UserUpdated) Type() string { return "USER_UPDATED" }
