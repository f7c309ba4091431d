package httpapi

import (
	"errors"
	"net/http"

	"github.com/parsec-cloud/parsec-server/internal/common"
)

// httpStatusFor maps transport-level failures to their HTTP status.
// Domain errors not listed here travel as a 200 with an error rep.
func httpStatusFor(err error) int {
	switch {
	case errors.Is(err, common.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, common.ErrInvalidToken):
		return http.StatusForbidden
	case errors.Is(err, common.ErrOrganizationNotFound):
		return http.StatusNotFound
	case errors.Is(err, common.ErrOrganizationExpired):
		return http.StatusGone
	case errors.Is(err, common.ErrInvitationAlreadyUsed), errors.Is(err, common.ErrInvitationCancelled):
		return 460
	case errors.Is(err, common.ErrInvitationNotFound):
		return 461
	case errors.Is(err, common.ErrTosAcceptanceRequired):
		return 463
	case errors.Is(err, common.ErrAuthorRevoked):
		return 498
	case errors.Is(err, common.ErrUserFrozen):
		return 499
	default:
		return 0
	}
}

// errRep converts a domain error into the (status tag, extra fields)
// pair of the MessagePack rep.
func errRep(err error) (string, map[string]any) {
	var stale *common.RequireGreaterTimestampError
	if errors.As(err, &stale) {
		return "require_greater_timestamp", map[string]any{
			"strictly_greater_than": stale.StrictlyGreaterThan,
		}
	}
	var ballpark *common.TimestampOutOfBallparkError
	if errors.As(err, &ballpark) {
		return "timestamp_out_of_ballpark", map[string]any{
			"server_timestamp":        ballpark.ServerTimestamp,
			"client_timestamp":        ballpark.ClientTimestamp,
			"ballpark_client_early_offset": ballpark.BallparkEarly.Seconds(),
			"ballpark_client_late_offset":  ballpark.BallparkLate.Seconds(),
		}
	}
	var badIndex *common.BadKeyIndexError
	if errors.As(err, &badIndex) {
		return "bad_key_index", map[string]any{
			"last_realm_certificate_timestamp": badIndex.LastRealmCertificateTimestamp,
		}
	}
	var mismatch *common.ParticipantMismatchError
	if errors.As(err, &mismatch) {
		return "participant_mismatch", map[string]any{
			"last_realm_certificate_timestamp": mismatch.LastRealmCertificateTimestamp,
		}
	}
	var idempotent *common.IdempotentOutcomeError
	if errors.As(err, &idempotent) {
		return "already_did_this", map[string]any{
			"certificate_timestamp": idempotent.CertificateTimestamp,
		}
	}
	var cancelled *common.GreetingAttemptCancelledError
	if errors.As(err, &cancelled) {
		return "greeting_attempt_cancelled", map[string]any{
			"timestamp": cancelled.Timestamp,
			"reason":    cancelled.Reason,
			"origin":    cancelled.Origin,
		}
	}

	for sentinel, tag := range sentinelTags {
		if errors.Is(err, sentinel) {
			return tag, nil
		}
	}
	return "internal_error", nil
}

var sentinelTags = map[error]string{
	common.ErrAlreadyBootstrapped:          "organization_already_bootstrapped",
	common.ErrInvalidBootstrapToken:        "invalid_bootstrap_token",
	common.ErrAlreadyExists:                "already_exists",
	common.ErrAuthorNotFound:               "author_not_found",
	common.ErrAuthorNotAllowed:             "author_not_allowed",
	common.ErrUserNotFound:                 "user_not_found",
	common.ErrUserRevoked:                  "user_revoked",
	common.ErrProfileAlreadyCurrent:        "user_no_changes",
	common.ErrHumanHandleAlreadyTaken:      "human_handle_already_taken",
	common.ErrActiveUsersLimitReached:      "active_users_limit_reached",
	common.ErrInvalidCertificate:           "invalid_certificate",
	common.ErrRedactedMismatch:             "invalid_certificate",
	common.ErrTimestampMismatch:            "invalid_certificate",
	common.ErrInvalidKeysBundle:            "bad_keys_bundle",
	common.ErrTosNotRequired:               "no_tos",
	common.ErrTosMismatch:                  "tos_mismatch",
	common.ErrSequesterDisabled:            "organization_not_sequestered",
	common.ErrSequesterServiceNotFound:     "sequester_service_not_found",
	common.ErrSequesterServiceMismatch:     "sequester_inconsistency",
	common.ErrRealmNotFound:                "realm_not_found",
	common.ErrRealmReadOnly:                "realm_read_only",
	common.ErrRealmDeleted:                 "realm_deleted",
	common.ErrRoleIncompatibleWithOutsider: "role_incompatible_with_outsider_profile",
	common.ErrArchivingPeriodTooShort:      "archiving_period_too_short",
	common.ErrVlobNotFound:                 "vlob_not_found",
	common.ErrVlobAlreadyExists:            "vlob_already_exists",
	common.ErrBadVlobVersion:               "bad_vlob_version",
	common.ErrBlockNotFound:                "block_not_found",
	common.ErrStoreUnavailable:             "store_unavailable",
	common.ErrGreetingAttemptNotFound:      "greeting_attempt_not_found",
	common.ErrGreetingAttemptNotJoined:     "greeting_attempt_not_joined",
	common.ErrGreeterNotAllowed:            "author_not_allowed",
	common.ErrStepTooAdvanced:              "greeting_attempt_step_too_advanced",
	common.ErrStepMismatch:                 "greeting_attempt_step_mismatch",
	common.ErrNotReady:                     "not_ready",
	common.ErrShamirRecoveryNotSetup:       "shamir_recovery_not_setup",
}
