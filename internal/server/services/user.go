package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/parsec-cloud/parsec-server/internal/common"
	"github.com/parsec-cloud/parsec-server/internal/dbx"
	"github.com/parsec-cloud/parsec-server/internal/server/certif"
	"github.com/parsec-cloud/parsec-server/internal/server/events"
	"github.com/parsec-cloud/parsec-server/internal/server/locks"
	"github.com/parsec-cloud/parsec-server/internal/server/models"
)

// UserService covers user and device management: creation, profile
// updates, revocation and the server-side freeze flag.
type UserService struct {
	*Core
}

func NewUserService(core *Core) *UserService {
	return &UserService{Core: core}
}

func certAuthorMatches(certAuthor *models.DeviceID, device models.DeviceID) error {
	if certAuthor == nil || *certAuthor != device {
		return fmt.Errorf("%w: author field does not match the authenticated device", common.ErrInvalidCertificate)
	}
	return nil
}

// Create installs a new user and its first device. The author must be
// an active ADMIN; both certificates must share the same user id and
// timestamp. A non-empty invitationToken marks the matching invitation
// completed in the same transaction.
func (s *UserService) Create(ctx context.Context, org models.OrganizationID, device models.DeviceID,
	userCertRaw, deviceCertRaw, redactedUserRaw, redactedDeviceRaw []byte, invitationToken models.InvitationToken) error {

	out := &pending{org: org}
	err := s.withTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		out.events = nil
		auth, err := s.loadAuthor(ctx, tx, org, device)
		if err != nil {
			return err
		}
		if auth.profile() != models.ProfileAdmin {
			return common.ErrAuthorNotAllowed
		}

		verifyKey := auth.device.VerifyKey
		userCert, err := certif.LoadUserCertificate(userCertRaw, verifyKey)
		if err != nil {
			return err
		}
		deviceCert, err := certif.LoadDeviceCertificate(deviceCertRaw, verifyKey)
		if err != nil {
			return err
		}
		redactedUser, err := certif.LoadUserCertificate(redactedUserRaw, verifyKey)
		if err != nil {
			return err
		}
		redactedDevice, err := certif.LoadDeviceCertificate(redactedDeviceRaw, verifyKey)
		if err != nil {
			return err
		}
		if err := certAuthorMatches(userCert.Author, device); err != nil {
			return err
		}
		if err := certAuthorMatches(deviceCert.Author, device); err != nil {
			return err
		}
		if deviceCert.UserID != userCert.UserID {
			return fmt.Errorf("%w: device user does not match user", common.ErrInvalidCertificate)
		}
		ts := userCert.Timestamp
		if !deviceCert.Timestamp.Equal(ts) || !redactedUser.Timestamp.Equal(ts) || !redactedDevice.Timestamp.Equal(ts) {
			return common.ErrTimestampMismatch
		}
		if userCert.HumanHandle == nil {
			return fmt.Errorf("%w: missing human handle", common.ErrInvalidCertificate)
		}
		if !certif.RedactedUserMatches(userCert, redactedUser) || !certif.RedactedDeviceMatches(deviceCert, redactedDevice) {
			return common.ErrRedactedMismatch
		}
		if userCert.Profile == models.ProfileOutsider && !auth.org.UserProfileOutsiderAllowed {
			return common.ErrAuthorNotAllowed
		}
		if err := certif.InBallpark(ts, s.now()); err != nil {
			return err
		}

		guard, err := s.acquire(ctx, tx, org, locks.Write(locks.Common()))
		if err != nil {
			return err
		}
		defer guard.Release()

		if err := requireGreater(ts, guard.Last(locks.Common())); err != nil {
			return err
		}

		usersRepo := s.repomanager.Users(tx)
		if _, err := usersRepo.Get(ctx, org, userCert.UserID); err == nil {
			return common.ErrAlreadyExists
		} else if !errors.Is(err, common.ErrUserNotFound) {
			return err
		}
		if _, err := usersRepo.GetActiveByEmail(ctx, org, userCert.HumanHandle.Email); err == nil {
			return common.ErrHumanHandleAlreadyTaken
		} else if !errors.Is(err, common.ErrUserNotFound) {
			return err
		}
		if limit := auth.org.ActiveUsersLimit; limit != nil {
			active, err := usersRepo.CountActive(ctx, org)
			if err != nil {
				return err
			}
			if active >= *limit {
				return common.ErrActiveUsersLimitReached
			}
		}

		if err := usersRepo.Insert(ctx, org, &models.User{
			UserID:              userCert.UserID,
			HumanHandle:         *userCert.HumanHandle,
			InitialProfile:      userCert.Profile,
			CreatedOn:           ts,
			Certificate:         userCertRaw,
			RedactedCertificate: redactedUserRaw,
		}); err != nil {
			return err
		}
		deviceLabel := ""
		if deviceCert.DeviceLabel != nil {
			deviceLabel = *deviceCert.DeviceLabel
		}
		if err := usersRepo.InsertDevice(ctx, org, &models.Device{
			DeviceID:            deviceCert.DeviceID(),
			DeviceLabel:         deviceLabel,
			VerifyKey:           deviceCert.VerifyKey,
			CreatedOn:           ts,
			Certificate:         deviceCertRaw,
			RedactedCertificate: redactedDeviceRaw,
		}); err != nil {
			return err
		}
		if err := s.repomanager.Organizations(tx).BumpTopic(ctx, org, locks.Common(), ts); err != nil {
			return err
		}
		out.add(events.CommonCertificate{Timestamp: ts})

		if invitationToken != "" {
			if err := s.completeInvitation(ctx, tx, org, invitationToken, out); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.publish(ctx, out)
	return nil
}

// CreateDevice installs an additional device for the author's own
// user.
func (s *UserService) CreateDevice(ctx context.Context, org models.OrganizationID, device models.DeviceID,
	deviceCertRaw, redactedDeviceRaw []byte, invitationToken models.InvitationToken) error {

	out := &pending{org: org}
	err := s.withTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		out.events = nil
		auth, err := s.loadAuthor(ctx, tx, org, device)
		if err != nil {
			return err
		}
		verifyKey := auth.device.VerifyKey
		deviceCert, err := certif.LoadDeviceCertificate(deviceCertRaw, verifyKey)
		if err != nil {
			return err
		}
		redactedDevice, err := certif.LoadDeviceCertificate(redactedDeviceRaw, verifyKey)
		if err != nil {
			return err
		}
		if err := certAuthorMatches(deviceCert.Author, device); err != nil {
			return err
		}
		if deviceCert.UserID != device.UserID {
			return common.ErrAuthorNotAllowed
		}
		ts := deviceCert.Timestamp
		if !redactedDevice.Timestamp.Equal(ts) {
			return common.ErrTimestampMismatch
		}
		if !certif.RedactedDeviceMatches(deviceCert, redactedDevice) {
			return common.ErrRedactedMismatch
		}
		if err := certif.InBallpark(ts, s.now()); err != nil {
			return err
		}

		guard, err := s.acquire(ctx, tx, org, locks.Write(locks.Common()))
		if err != nil {
			return err
		}
		defer guard.Release()

		if err := requireGreater(ts, guard.Last(locks.Common())); err != nil {
			return err
		}

		usersRepo := s.repomanager.Users(tx)
		if _, err := usersRepo.GetDevice(ctx, org, deviceCert.DeviceID()); err == nil {
			return common.ErrAlreadyExists
		} else if !errors.Is(err, common.ErrDeviceNotFound) && !errors.Is(err, common.ErrNotFound) {
			return err
		}
		deviceLabel := ""
		if deviceCert.DeviceLabel != nil {
			deviceLabel = *deviceCert.DeviceLabel
		}
		if err := usersRepo.InsertDevice(ctx, org, &models.Device{
			DeviceID:            deviceCert.DeviceID(),
			DeviceLabel:         deviceLabel,
			VerifyKey:           deviceCert.VerifyKey,
			CreatedOn:           ts,
			Certificate:         deviceCertRaw,
			RedactedCertificate: redactedDeviceRaw,
		}); err != nil {
			return err
		}
		if err := s.repomanager.Organizations(tx).BumpTopic(ctx, org, locks.Common(), ts); err != nil {
			return err
		}
		out.add(events.CommonCertificate{Timestamp: ts})

		if invitationToken != "" {
			if err := s.completeInvitation(ctx, tx, org, invitationToken, out); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.publish(ctx, out)
	return nil
}

func (s *UserService) completeInvitation(ctx context.Context, tx dbx.DBTX, org models.OrganizationID,
	token models.InvitationToken, out *pending) error {
	invitesRepo := s.repomanager.Invitations(tx)
	invitation, err := invitesRepo.Get(ctx, org, token)
	if err != nil {
		return err
	}
	switch invitation.Status {
	case models.InvitationCancelled:
		return common.ErrInvitationCancelled
	case models.InvitationCompleted:
		return common.ErrInvitationAlreadyUsed
	}
	if err := invitesRepo.SetStatus(ctx, org, token, models.InvitationCompleted); err != nil {
		return err
	}
	out.add(events.Invitation{
		Token:            token,
		PossibleGreeters: possibleGreeters(invitation),
		Status:           models.InvitationCompleted,
	})
	return nil
}

// Update applies a profile change. The author must be an ADMIN and may
// not update itself; the new profile must differ from the current one.
//
// A downgrade to OUTSIDER is accepted even when the target still owns
// or manages shared realms; the restriction is not enforced
// retroactively.
func (s *UserService) Update(ctx context.Context, org models.OrganizationID, device models.DeviceID, certRaw []byte) error {
	out := &pending{org: org}
	err := s.withTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		out.events = nil
		auth, err := s.loadAuthor(ctx, tx, org, device)
		if err != nil {
			return err
		}
		if auth.profile() != models.ProfileAdmin {
			return common.ErrAuthorNotAllowed
		}
		cert, err := certif.LoadUserUpdateCertificate(certRaw, auth.device.VerifyKey)
		if err != nil {
			return err
		}
		if err := certAuthorMatches(cert.Author, device); err != nil {
			return err
		}
		if cert.UserID == device.UserID {
			return common.ErrAuthorNotAllowed
		}
		if cert.NewProfile == models.ProfileOutsider && !auth.org.UserProfileOutsiderAllowed {
			return common.ErrAuthorNotAllowed
		}
		if err := certif.InBallpark(cert.Timestamp, s.now()); err != nil {
			return err
		}

		guard, err := s.acquire(ctx, tx, org, locks.Write(locks.Common()))
		if err != nil {
			return err
		}
		defer guard.Release()

		usersRepo := s.repomanager.Users(tx)
		target, err := usersRepo.Get(ctx, org, cert.UserID)
		if err != nil {
			return err
		}
		if target.IsRevoked() {
			return common.ErrUserRevoked
		}
		if target.CurrentProfile() == cert.NewProfile {
			return common.ErrProfileAlreadyCurrent
		}
		if err := requireGreater(cert.Timestamp, guard.Last(locks.Common())); err != nil {
			return err
		}
		if err := usersRepo.AddProfileUpdate(ctx, org, cert.UserID, models.ProfileUpdate{
			NewProfile:  cert.NewProfile,
			UpdatedOn:   cert.Timestamp,
			Certificate: certRaw,
		}); err != nil {
			return err
		}
		if err := s.repomanager.Organizations(tx).BumpTopic(ctx, org, locks.Common(), cert.Timestamp); err != nil {
			return err
		}
		out.add(events.CommonCertificate{Timestamp: cert.Timestamp})
		out.add(events.UserUpdated{UserID: cert.UserID, NewProfile: cert.NewProfile})
		return nil
	})
	if err != nil {
		return err
	}
	s.publish(ctx, out)
	return nil
}

// Revoke marks the target user revoked. The certificate timestamp must
// advance past the common topic and past the realm topic and last vlob
// timestamp of every realm the target belongs to, so a revoked user
// cannot have authored later realm mutations.
func (s *UserService) Revoke(ctx context.Context, org models.OrganizationID, device models.DeviceID, certRaw []byte) error {
	out := &pending{org: org}
	err := s.withTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		out.events = nil
		auth, err := s.loadAuthor(ctx, tx, org, device)
		if err != nil {
			return err
		}
		if auth.profile() != models.ProfileAdmin {
			return common.ErrAuthorNotAllowed
		}
		cert, err := certif.LoadRevokedUserCertificate(certRaw, auth.device.VerifyKey)
		if err != nil {
			return err
		}
		if err := certAuthorMatches(cert.Author, device); err != nil {
			return err
		}
		if cert.UserID == device.UserID {
			return common.ErrAuthorNotAllowed
		}
		if err := certif.InBallpark(cert.Timestamp, s.now()); err != nil {
			return err
		}

		usersRepo := s.repomanager.Users(tx)
		target, err := usersRepo.Get(ctx, org, cert.UserID)
		if err != nil {
			return err
		}
		if target.IsRevoked() {
			return &common.IdempotentOutcomeError{CertificateTimestamp: *target.RevokedOn}
		}

		realmsRepo := s.repomanager.Realms(tx)
		memberOf, err := realmsRepo.UserRealms(ctx, org, cert.UserID)
		if err != nil {
			return err
		}
		reqs := []locks.Request{locks.Write(locks.Common())}
		for _, realmID := range memberOf {
			reqs = append(reqs, locks.Read(locks.Realm(realmID)))
		}
		guard, err := s.acquire(ctx, tx, org, reqs...)
		if err != nil {
			return err
		}
		defer guard.Release()

		limits := []time.Time{guard.Last(locks.Common())}
		for _, realmID := range memberOf {
			limits = append(limits, guard.Last(locks.Realm(realmID)))
			realm, err := realmsRepo.Get(ctx, org, realmID)
			if err != nil {
				return err
			}
			if realm.LastVlobTimestamp != nil {
				limits = append(limits, *realm.LastVlobTimestamp)
			}
		}
		if err := requireGreater(cert.Timestamp, limits...); err != nil {
			return err
		}

		if err := usersRepo.Revoke(ctx, org, cert.UserID, cert.Timestamp, certRaw); err != nil {
			return err
		}
		if err := s.repomanager.Organizations(tx).BumpTopic(ctx, org, locks.Common(), cert.Timestamp); err != nil {
			return err
		}
		out.add(events.CommonCertificate{Timestamp: cert.Timestamp})
		out.add(events.UserRevokedOrFrozen{UserID: cert.UserID})
		return nil
	})
	if err != nil {
		return err
	}
	s.publish(ctx, out)
	return nil
}

// SetFrozen flips the server-side freeze flag. Administration-only: no
// certificate is involved and the state is invisible to other users.
func (s *UserService) SetFrozen(ctx context.Context, org models.OrganizationID, user models.UserID, frozen bool) error {
	out := &pending{org: org}
	err := s.withTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		out.events = nil
		if _, err := s.repomanager.Organizations(tx).Get(ctx, org); err != nil {
			return err
		}
		if _, err := s.repomanager.Users(tx).Get(ctx, org, user); err != nil {
			return err
		}
		if err := s.repomanager.Users(tx).SetFrozen(ctx, org, user, frozen); err != nil {
			return err
		}
		if frozen {
			out.add(events.UserRevokedOrFrozen{UserID: user})
		} else {
			out.add(events.UserUnfrozen{UserID: user})
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.publish(ctx, out)
	return nil
}

// List returns the administration view of every user.
func (s *UserService) List(ctx context.Context, org models.OrganizationID) ([]*models.UserInfo, error) {
	var out []*models.UserInfo
	err := s.withTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		if _, err := s.repomanager.Organizations(tx).Get(ctx, org); err != nil {
			return err
		}
		infos, err := s.repomanager.Users(tx).List(ctx, org)
		out = infos
		return err
	})
	return out, err
}
