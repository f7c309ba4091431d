package services

import (
	"context"

	"github.com/parsec-cloud/parsec-server/internal/common"
	"github.com/parsec-cloud/parsec-server/internal/dbx"
	"github.com/parsec-cloud/parsec-server/internal/server/events"
	"github.com/parsec-cloud/parsec-server/internal/server/models"
)

// EventDecision tells the events distributor what to do with one event
// for one connected client.
type EventDecision int

const (
	EventSkip EventDecision = iota
	EventForward
	// EventTerminate closes the client's stream: the client must
	// reconnect (or is no longer welcome at all).
	EventTerminate
)

// RequireTosAccepted returns ErrTosAcceptanceRequired when the
// organization has terms of service the author has not accepted yet.
func (c *Core) RequireTosAccepted(ctx context.Context, org models.OrganizationID, device models.DeviceID) error {
	return c.withTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		auth, err := c.loadAuthor(ctx, tx, org, device)
		if err != nil {
			return err
		}
		if auth.org.Tos == nil {
			return nil
		}
		if auth.user.TosAcceptedOn == nil || auth.user.TosAcceptedOn.Before(auth.org.Tos.UpdatedOn) {
			return common.ErrTosAcceptanceRequired
		}
		return nil
	})
}

// FilterEvent applies the per-client forwarding rules of the events
// stream. Realm-scoped events go only to current members, invitation
// events only to eligible greeters, and a vlob event is never echoed
// back to its author.
func (c *Core) FilterEvent(ctx context.Context, org models.OrganizationID, device models.DeviceID,
	ev events.Event) (EventDecision, error) {

	user := device.UserID
	switch e := ev.(type) {
	case events.Pinged, events.CommonCertificate, events.SequesterCertificate, events.OrganizationConfig:
		return EventForward, nil

	case events.OrganizationExpired, events.OrganizationTosUpdated:
		return EventTerminate, nil

	case events.UserRevokedOrFrozen:
		if e.UserID == user {
			return EventTerminate, nil
		}
		return EventSkip, nil

	case events.UserUnfrozen:
		return EventSkip, nil

	case events.UserUpdated:
		if e.UserID == user {
			return EventForward, nil
		}
		return EventSkip, nil

	case events.Invitation:
		for _, greeter := range e.PossibleGreeters {
			if greeter == user {
				return EventForward, nil
			}
		}
		return EventSkip, nil

	case events.GreetingAttemptReady:
		return forwardIf(e.GreeterUserID == user), nil
	case events.GreetingAttemptJoined:
		return forwardIf(e.GreeterUserID == user), nil
	case events.GreetingAttemptCancelled:
		return forwardIf(e.GreeterUserID == user), nil

	case events.ShamirRecoveryCertificate:
		for _, participant := range e.Participants {
			if participant == user {
				return EventForward, nil
			}
		}
		return EventSkip, nil

	case events.RealmCertificate:
		// Role grants are forwarded to the grantee even though its
		// membership predates this very certificate.
		if e.UserID == user {
			return EventForward, nil
		}
		member, err := c.isRealmMember(ctx, org, e.RealmID, user)
		if err != nil {
			return EventSkip, err
		}
		return forwardIf(member), nil

	case events.Vlob:
		if e.Author == device {
			return EventSkip, nil
		}
		member, err := c.isRealmMember(ctx, org, e.RealmID, user)
		if err != nil {
			return EventSkip, err
		}
		return forwardIf(member), nil

	case events.PkiEnrollment:
		admin, err := c.isAdmin(ctx, org, user)
		if err != nil {
			return EventSkip, err
		}
		return forwardIf(admin), nil

	default:
		return EventSkip, nil
	}
}

func forwardIf(ok bool) EventDecision {
	if ok {
		return EventForward
	}
	return EventSkip
}

func (c *Core) isRealmMember(ctx context.Context, org models.OrganizationID, realm models.RealmID,
	user models.UserID) (bool, error) {

	var member bool
	err := c.withTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		role, err := c.repomanager.Realms(tx).CurrentRole(ctx, org, realm, user)
		if err != nil {
			return err
		}
		member = role != nil
		return nil
	})
	return member, err
}

func (c *Core) isAdmin(ctx context.Context, org models.OrganizationID, user models.UserID) (bool, error) {
	var admin bool
	err := c.withTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		u, err := c.repomanager.Users(tx).Get(ctx, org, user)
		if err != nil {
			return err
		}
		admin = u.CurrentProfile() == models.ProfileAdmin
		return nil
	})
	return admin, err
}
