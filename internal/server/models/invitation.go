package models

import "time"

// InvitationType discriminates who is being invited.
type InvitationType string

const (
	InvitationUser   InvitationType = "USER"
	InvitationDevice InvitationType = "DEVICE"
	InvitationShamir InvitationType = "SHAMIR_RECOVERY"
)

/// InvitationStatus lifecycle: pending -> (cancelled | completed).
type InvitationStatus string

const (
	InvitationPending   InvitationStatus = "PENDING"
	InvitationCancelled InvitationStatus = "CANCELLED"
	InvitationCompleted InvitationStatus = "COMPLETED"
)

// Invitation as stored by the server. ClaimerEmail is set for user
// invitations, ClaimerUserID for device and shamir invitations.
type Invitation struct {
	Token         InvitationToken
	TokenHash     []byte
	Type          InvitationType
	CreatedBy     DeviceID
	CreatedOn     time.Time
	Status        InvitationStatus
	ClaimerEmail  string
	ClaimerUserID *UserID
	// Shamir recovery participants, eligible to greet a shamir invite.
	ShamirRecipients []UserID
}

// GreeterOrClaimer tags which side of the ceremony acted.
type GreeterOrClaimer string

const (
	PeerGreeter GreeterOrClaimer = "GREETER"
	PeerClaimer GreeterOrClaimer = "CLAIMER"
)

// CancelledGreetingAttemptReason mirrors the protocol enum.
type CancelledGreetingAttemptReason string

const (
	ReasonManuallyCancelled  CancelledGreetingAttemptReason = "MANUALLY_CANCELLED"
	ReasonInvalidNonceHash   CancelledGreetingAttemptReason = "INVALID_NONCE_HASH"
	ReasonInvalidSasCode     CancelledGreetingAttemptReason = "INVALID_SAS_CODE"
	ReasonUndecipherablePayload CancelledGreetingAttemptReason = "UNDECIPHERABLE_PAYLOAD"
	ReasonUndeserializablePayload CancelledGreetingAttemptReason = "UNDESERIALIZABLE_PAYLOAD"
	ReasonInconsistentPayload CancelledGreetingAttemptReason = "INCONSISTENT_PAYLOAD"
	ReasonAutomaticallyCancelled CancelledGreetingAttemptReason = "AUTOMATICALLY_CANCELLED"
)

// GreetingStepCount is the number of cooperative steps in an attempt:
// wait_peer, get_nonce, signify_trust, communicate.
const GreetingStepCount = 4

// GreetingAttemptCancellation records who cancelled an attempt, when and
// why.
type GreetingAttemptCancellation struct {
	Origin    GreeterOrClaimer
	Reason    CancelledGreetingAttemptReason
	Timestamp time.Time
}

// GreetingAttempt is one claimer/greeter ceremony run. Step payloads are
// stored verbatim per side; a step is complete once both sides posted it.
type GreetingAttempt struct {
	ID            GreetingAttemptID
	Token         InvitationToken
	GreeterUserID UserID
	ClaimerJoined *time.Time
	GreeterJoined *time.Time
	Cancelled     *GreetingAttemptCancellation
	ClaimerSteps  [GreetingStepCount][]byte
	ClaimerPosted [GreetingStepCount]bool
	GreeterSteps  [GreetingStepCount][]byte
	GreeterPosted [GreetingStepCount]bool
}

// IsActive reports whether the attempt can still make progress.
func (g *GreetingAttempt) IsActive() bool { return g.Cancelled == nil }
