// Package common defines shared constants and sentinel errors used across
// the Parsec server layers. Callers should use errors.Is to match the
// sentinel values and errors.As for the typed errors that carry data.
package common

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Repository-level errors.
	ErrNotFound = errors.New("not found")

	// Generic service-level errors.
	ErrInternal     = errors.New("internal error")
	ErrUnauthorized = errors.New("unauthorized")

	// Organization lifecycle.
	ErrOrganizationNotFound     = errors.New("organization not found")
	ErrOrganizationExpired      = errors.New("organization expired")
	ErrAlreadyExists            = errors.New("already exists")
	ErrAlreadyBootstrapped      = errors.New("organization already bootstrapped")
	ErrInvalidBootstrapToken    = errors.New("invalid bootstrap token")
	ErrTosNotRequired           = errors.New("no terms of service configured")
	ErrTosMismatch              = errors.New("terms of service version mismatch")
	ErrTosAcceptanceRequired    = errors.New("terms of service acceptance required")
	ErrActiveUsersLimitReached  = errors.New("active users limit reached")
	ErrHumanHandleAlreadyTaken  = errors.New("human handle already taken")
	ErrUserNotFound             = errors.New("user not found")
	ErrUserRevoked              = errors.New("user revoked")
	ErrUserFrozen               = errors.New("user frozen")
	ErrUserNotAllowed           = errors.New("user not allowed")
	ErrDeviceNotFound           = errors.New("device not found")
	ErrAuthorNotFound           = errors.New("author not found")
	ErrAuthorRevoked            = errors.New("author revoked")
	ErrAuthorNotAllowed         = errors.New("author not allowed")
	ErrProfileAlreadyCurrent    = errors.New("user already has the requested profile")
	ErrSequesterDisabled        = errors.New("organization is not sequestered")
	ErrSequesterServiceNotFound = errors.New("sequester service not found")

	// Certificate validation.
	ErrInvalidCertificate = errors.New("invalid certificate")
	ErrInvalidKeysBundle  = errors.New("invalid keys bundle")
	ErrRedactedMismatch   = errors.New("redacted certificate mismatch")
	ErrTimestampMismatch  = errors.New("certificate timestamps mismatch")

	// Realm engine.
	ErrRealmNotFound  = errors.New("realm not found")
	ErrRealmReadOnly  = errors.New("realm is read-only")
	ErrRealmDeleted   = errors.New("realm deleted")
	ErrRoleIncompatibleWithOutsider = errors.New("role incompatible with outsider profile")
	ErrArchivingPeriodTooShort      = errors.New("archiving period too short")

	// Vlob engine.
	ErrVlobNotFound     = errors.New("vlob not found")
	ErrVlobAlreadyExists = errors.New("vlob already exists")
	ErrBadVlobVersion   = errors.New("bad vlob version")
	ErrSequesterServiceMismatch = errors.New("sequester services mismatch")

	// Block engine.
	ErrBlockNotFound    = errors.New("block not found")
	ErrStoreUnavailable = errors.New("block store unavailable")

	// Invitation engine.
	ErrInvitationNotFound       = errors.New("invitation not found")
	ErrInvitationAlreadyUsed    = errors.New("invitation already used")
	ErrInvitationCancelled      = errors.New("invitation cancelled")
	ErrGreetingAttemptNotFound  = errors.New("greeting attempt not found")
	ErrGreetingAttemptNotJoined = errors.New("greeting attempt not joined")
	ErrGreeterNotAllowed        = errors.New("greeter not allowed")
	ErrStepTooAdvanced          = errors.New("greeting step too advanced")
	ErrStepMismatch             = errors.New("greeting step payload mismatch")
	ErrNotReady                 = errors.New("peer has not posted this step yet")
	ErrShamirRecoveryNotSetup   = errors.New("user has no shamir recovery setup")

	// Auth / transport.
	ErrInvalidToken = errors.New("invalid token")
)

// RequireGreaterTimestampError reports a violation of the monotonic
// causality invariant: the submitted timestamp must be strictly greater
// than StrictlyGreaterThan for the operation to be accepted.
type RequireGreaterTimestampError struct {
	StrictlyGreaterThan time.Time
}

func (e *RequireGreaterTimestampError) Error() string {
	return fmt.Sprintf("timestamp must be strictly greater than %s", e.StrictlyGreaterThan.Format(time.RFC3339Nano))
}

// TimestampOutOfBallparkError reports a client timestamp too far from the
// server clock.
type TimestampOutOfBallparkError struct {
	ServerTimestamp time.Time
	ClientTimestamp time.Time
	BallparkEarly   time.Duration
	BallparkLate    time.Duration
}

func (e *TimestampOutOfBallparkError) Error() string {
	return fmt.Sprintf("client timestamp %s out of ballpark (server: %s)",
		e.ClientTimestamp.Format(time.RFC3339Nano), e.ServerTimestamp.Format(time.RFC3339Nano))
}

// BadKeyIndexError reports a key index that does not match the realm's
// current key index. The embedded timestamp lets the client know up to
// which realm certificate it must catch up before retrying.
type BadKeyIndexError struct {
	LastRealmCertificateTimestamp time.Time
}

func (e *BadKeyIndexError) Error() string {
	return fmt.Sprintf("bad key index (last realm certificate: %s)",
		e.LastRealmCertificateTimestamp.Format(time.RFC3339Nano))
}

// ParticipantMismatchError reports a key rotation whose per-participant
// access set does not match the realm's current member set.
type ParticipantMismatchError struct {
	LastRealmCertificateTimestamp time.Time
}

func (e *ParticipantMismatchError) Error() string {
	return fmt.Sprintf("participant set mismatch (last realm certificate: %s)",
		e.LastRealmCertificateTimestamp.Format(time.RFC3339Nano))
}

// IdempotentOutcomeError signals that a certificate-based action already
// took place; the caller can treat the operation as succeeded at
// CertificateTimestamp.
type IdempotentOutcomeError struct {
	CertificateTimestamp time.Time
}

func (e *IdempotentOutcomeError) Error() string {
	return fmt.Sprintf("action already performed at %s", e.CertificateTimestamp.Format(time.RFC3339Nano))
}

// GreetingAttemptCancelledError reports that the greeting attempt was
// cancelled and by which side.
type GreetingAttemptCancelledError struct {
	Timestamp time.Time
	Reason    string
	Origin    string
}

func (e *GreetingAttemptCancelledError) Error() string {
	return fmt.Sprintf("greeting attempt cancelled by %s (%s)", e.Origin, e.Reason)
}
