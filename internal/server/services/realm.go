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

// RealmService covers the realm state machine: creation, sharing, key
// rotation, renaming and archiving.
type RealmService struct {
	*Core
}

func NewRealmService(core *Core) *RealmService {
	return &RealmService{Core: core}
}

// Create inserts a realm from a self-signed OWNER role certificate.
// Idempotent by realm id.
func (s *RealmService) Create(ctx context.Context, org models.OrganizationID, device models.DeviceID, roleCertRaw []byte) error {
	out := &pending{org: org}
	err := s.withTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		out.events = nil
		auth, err := s.loadAuthor(ctx, tx, org, device)
		if err != nil {
			return err
		}
		cert, err := certif.LoadRealmRoleCertificate(roleCertRaw, auth.device.VerifyKey)
		if err != nil {
			return err
		}
		if err := certAuthorMatches(cert.Author, device); err != nil {
			return err
		}
		if cert.UserID != device.UserID {
			return fmt.Errorf("%w: initial role must target the author", common.ErrInvalidCertificate)
		}
		if cert.Role == nil || *cert.Role != models.RoleOwner {
			return fmt.Errorf("%w: initial role must be OWNER", common.ErrInvalidCertificate)
		}
		if err := certif.InBallpark(cert.Timestamp, s.now()); err != nil {
			return err
		}

		guard, err := s.acquire(ctx, tx, org,
			locks.Read(locks.Common()), locks.Write(locks.Realm(cert.RealmID)))
		if err != nil {
			return err
		}
		defer guard.Release()

		realmsRepo := s.repomanager.Realms(tx)
		if existing, err := realmsRepo.Get(ctx, org, cert.RealmID); err == nil {
			return &common.IdempotentOutcomeError{CertificateTimestamp: existing.CreatedOn}
		} else if !errors.Is(err, common.ErrRealmNotFound) {
			return err
		}
		if err := requireGreater(cert.Timestamp, guard.Last(locks.Common()), guard.Last(locks.Realm(cert.RealmID))); err != nil {
			return err
		}

		role := models.RoleOwner
		if err := realmsRepo.Insert(ctx, org,
			&models.Realm{
				RealmID:   cert.RealmID,
				CreatedOn: cert.Timestamp,
				CreatedBy: device,
				Archiving: models.ArchivingConfiguration{State: models.ArchivingAvailable},
			},
			&models.RealmGrantedRole{
				RealmID:     cert.RealmID,
				UserID:      cert.UserID,
				Role:        &role,
				GrantedBy:   device,
				GrantedOn:   cert.Timestamp,
				Certificate: roleCertRaw,
			}); err != nil {
			return err
		}
		out.add(events.RealmCertificate{
			Timestamp: cert.Timestamp,
			RealmID:   cert.RealmID,
			UserID:    cert.UserID,
		})
		return nil
	})
	if err != nil {
		return err
	}
	s.publish(ctx, out)
	return nil
}

// canGrant checks the sharing rules: only OWNER may grant or revoke
// OWNER or MANAGER; MANAGER is limited to CONTRIBUTOR and READER.
func canGrant(granter models.RealmRole, previous, next *models.RealmRole) bool {
	managed := func(r *models.RealmRole) bool {
		return r == nil || *r == models.RoleContributor || *r == models.RoleReader
	}
	switch granter {
	case models.RoleOwner:
		return true
	case models.RoleManager:
		return managed(previous) && managed(next)
	default:
		return false
	}
}

// Share grants or changes a recipient's role and stores the keys
// bundle access blob for the current key index.
func (s *RealmService) Share(ctx context.Context, org models.OrganizationID, device models.DeviceID,
	roleCertRaw []byte, keyIndex int, recipientAccess []byte) error {

	out := &pending{org: org}
	err := s.withTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		out.events = nil
		auth, err := s.loadAuthor(ctx, tx, org, device)
		if err != nil {
			return err
		}
		cert, err := certif.LoadRealmRoleCertificate(roleCertRaw, auth.device.VerifyKey)
		if err != nil {
			return err
		}
		if err := certAuthorMatches(cert.Author, device); err != nil {
			return err
		}
		if cert.Role == nil {
			return fmt.Errorf("%w: share requires a role, use unshare", common.ErrInvalidCertificate)
		}
		if cert.UserID == device.UserID {
			return common.ErrAuthorNotAllowed
		}
		if err := certif.InBallpark(cert.Timestamp, s.now()); err != nil {
			return err
		}

		recipient, err := s.repomanager.Users(tx).Get(ctx, org, cert.UserID)
		if err != nil {
			return err
		}
		if recipient.IsRevoked() {
			return common.ErrUserRevoked
		}
		if recipient.CurrentProfile() == models.ProfileOutsider &&
			(*cert.Role == models.RoleOwner || *cert.Role == models.RoleManager) {
			return common.ErrRoleIncompatibleWithOutsider
		}

		guard, err := s.acquire(ctx, tx, org,
			locks.Read(locks.Common()), locks.Write(locks.Realm(cert.RealmID)))
		if err != nil {
			return err
		}
		defer guard.Release()

		realmsRepo := s.repomanager.Realms(tx)
		realm, err := realmsRepo.Get(ctx, org, cert.RealmID)
		if err != nil {
			return err
		}
		granterRole, err := realmsRepo.CurrentRole(ctx, org, cert.RealmID, device.UserID)
		if err != nil {
			return err
		}
		if granterRole == nil {
			return common.ErrAuthorNotAllowed
		}
		previous, err := realmsRepo.CurrentRole(ctx, org, cert.RealmID, cert.UserID)
		if err != nil {
			return err
		}
		if !canGrant(*granterRole, previous, cert.Role) {
			return common.ErrAuthorNotAllowed
		}
		if previous != nil && *previous == *cert.Role {
			return &common.IdempotentOutcomeError{CertificateTimestamp: guard.Last(locks.Realm(cert.RealmID))}
		}
		if keyIndex != realm.CurrentKeyIndex {
			return &common.BadKeyIndexError{LastRealmCertificateTimestamp: guard.Last(locks.Realm(cert.RealmID))}
		}
		if err := requireGreater(cert.Timestamp, guard.Last(locks.Common()), guard.Last(locks.Realm(cert.RealmID))); err != nil {
			return err
		}

		if err := realmsRepo.InsertRole(ctx, org, &models.RealmGrantedRole{
			RealmID:     cert.RealmID,
			UserID:      cert.UserID,
			Role:        cert.Role,
			GrantedBy:   device,
			GrantedOn:   cert.Timestamp,
			Certificate: roleCertRaw,
		}); err != nil {
			return err
		}
		if len(recipientAccess) > 0 {
			userID := cert.UserID
			if err := realmsRepo.InsertAccess(ctx, org, &models.KeysBundleAccess{
				RealmID:  cert.RealmID,
				KeyIndex: keyIndex,
				UserID:   &userID,
				Access:   recipientAccess,
			}); err != nil {
				return err
			}
		}
		out.add(events.RealmCertificate{
			Timestamp: cert.Timestamp,
			RealmID:   cert.RealmID,
			UserID:    cert.UserID,
		})
		return nil
	})
	if err != nil {
		return err
	}
	s.publish(ctx, out)
	return nil
}

// Unshare removes a user's access to a realm.
func (s *RealmService) Unshare(ctx context.Context, org models.OrganizationID, device models.DeviceID, roleCertRaw []byte) error {
	out := &pending{org: org}
	err := s.withTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		out.events = nil
		auth, err := s.loadAuthor(ctx, tx, org, device)
		if err != nil {
			return err
		}
		cert, err := certif.LoadRealmRoleCertificate(roleCertRaw, auth.device.VerifyKey)
		if err != nil {
			return err
		}
		if err := certAuthorMatches(cert.Author, device); err != nil {
			return err
		}
		if cert.Role != nil {
			return fmt.Errorf("%w: unshare must carry a null role", common.ErrInvalidCertificate)
		}
		if cert.UserID == device.UserID {
			return common.ErrAuthorNotAllowed
		}
		if err := certif.InBallpark(cert.Timestamp, s.now()); err != nil {
			return err
		}

		guard, err := s.acquire(ctx, tx, org,
			locks.Read(locks.Common()), locks.Write(locks.Realm(cert.RealmID)))
		if err != nil {
			return err
		}
		defer guard.Release()

		realmsRepo := s.repomanager.Realms(tx)
		if _, err := realmsRepo.Get(ctx, org, cert.RealmID); err != nil {
			return err
		}
		granterRole, err := realmsRepo.CurrentRole(ctx, org, cert.RealmID, device.UserID)
		if err != nil {
			return err
		}
		if granterRole == nil {
			return common.ErrAuthorNotAllowed
		}
		previous, err := realmsRepo.CurrentRole(ctx, org, cert.RealmID, cert.UserID)
		if err != nil {
			return err
		}
		if previous == nil {
			return &common.IdempotentOutcomeError{CertificateTimestamp: guard.Last(locks.Realm(cert.RealmID))}
		}
		if !canGrant(*granterRole, previous, nil) {
			return common.ErrAuthorNotAllowed
		}
		if err := requireGreater(cert.Timestamp, guard.Last(locks.Common()), guard.Last(locks.Realm(cert.RealmID))); err != nil {
			return err
		}

		if err := realmsRepo.InsertRole(ctx, org, &models.RealmGrantedRole{
			RealmID:     cert.RealmID,
			UserID:      cert.UserID,
			GrantedBy:   device,
			GrantedOn:   cert.Timestamp,
			Certificate: roleCertRaw,
		}); err != nil {
			return err
		}
		out.add(events.RealmCertificate{
			Timestamp:   cert.Timestamp,
			RealmID:     cert.RealmID,
			UserID:      cert.UserID,
			RoleRemoved: true,
		})
		return nil
	})
	if err != nil {
		return err
	}
	s.publish(ctx, out)
	return nil
}

// Rename stores a realm name certificate. With initialNameOrFail the
// operation reports the existing name's timestamp instead of stacking a
// second initial name.
func (s *RealmService) Rename(ctx context.Context, org models.OrganizationID, device models.DeviceID,
	nameCertRaw []byte, initialNameOrFail bool) error {

	out := &pending{org: org}
	err := s.withTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		out.events = nil
		auth, err := s.loadAuthor(ctx, tx, org, device)
		if err != nil {
			return err
		}
		cert, err := certif.LoadRealmNameCertificate(nameCertRaw, auth.device.VerifyKey)
		if err != nil {
			return err
		}
		if err := certAuthorMatches(cert.Author, device); err != nil {
			return err
		}
		if err := certif.InBallpark(cert.Timestamp, s.now()); err != nil {
			return err
		}

		guard, err := s.acquire(ctx, tx, org,
			locks.Read(locks.Common()), locks.Write(locks.Realm(cert.RealmID)))
		if err != nil {
			return err
		}
		defer guard.Release()

		realmsRepo := s.repomanager.Realms(tx)
		realm, err := realmsRepo.Get(ctx, org, cert.RealmID)
		if err != nil {
			return err
		}
		if err := s.requireOwner(ctx, tx, org, cert.RealmID, device.UserID); err != nil {
			return err
		}
		if cert.KeyIndex != realm.CurrentKeyIndex {
			return &common.BadKeyIndexError{LastRealmCertificateTimestamp: guard.Last(locks.Realm(cert.RealmID))}
		}
		if initialNameOrFail {
			if existing, err := realmsRepo.LastName(ctx, org, cert.RealmID); err == nil {
				return &common.IdempotentOutcomeError{CertificateTimestamp: existing.Timestamp}
			} else if !errors.Is(err, common.ErrNotFound) {
				return err
			}
		}
		if err := requireGreater(cert.Timestamp, guard.Last(locks.Common()), guard.Last(locks.Realm(cert.RealmID))); err != nil {
			return err
		}

		if err := realmsRepo.InsertName(ctx, org, &models.RealmName{
			RealmID:     cert.RealmID,
			KeyIndex:    cert.KeyIndex,
			AuthoredBy:  device,
			Timestamp:   cert.Timestamp,
			Certificate: nameCertRaw,
		}); err != nil {
			return err
		}
		out.add(events.RealmCertificate{
			Timestamp: cert.Timestamp,
			RealmID:   cert.RealmID,
			UserID:    device.UserID,
		})
		return nil
	})
	if err != nil {
		return err
	}
	s.publish(ctx, out)
	return nil
}

func (s *RealmService) requireOwner(ctx context.Context, tx dbx.DBTX, org models.OrganizationID,
	realm models.RealmID, user models.UserID) error {
	role, err := s.repomanager.Realms(tx).CurrentRole(ctx, org, realm, user)
	if err != nil {
		return err
	}
	if role == nil || *role != models.RoleOwner {
		return common.ErrAuthorNotAllowed
	}
	return nil
}

// RotateKey installs key generation cert.KeyIndex. The participant
// access set must exactly match the current member set, and for
// sequestered organizations the service access set must match the
// enabled services.
func (s *RealmService) RotateKey(ctx context.Context, org models.OrganizationID, device models.DeviceID,
	certRaw, keysBundle []byte, participantAccesses map[models.UserID][]byte,
	serviceAccesses map[models.SequesterServiceID][]byte) error {

	out := &pending{org: org}
	err := s.withTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		out.events = nil
		auth, err := s.loadAuthor(ctx, tx, org, device)
		if err != nil {
			return err
		}
		cert, err := certif.LoadRealmKeyRotationCertificate(certRaw, auth.device.VerifyKey)
		if err != nil {
			return err
		}
		if err := certAuthorMatches(cert.Author, device); err != nil {
			return err
		}
		if err := certif.InBallpark(cert.Timestamp, s.now()); err != nil {
			return err
		}

		reqs := []locks.Request{locks.Read(locks.Common()), locks.Write(locks.Realm(cert.RealmID))}
		if auth.org.IsSequestered() {
			reqs = append(reqs, locks.Read(locks.Sequester()))
		}
		guard, err := s.acquire(ctx, tx, org, reqs...)
		if err != nil {
			return err
		}
		defer guard.Release()

		realmsRepo := s.repomanager.Realms(tx)
		realm, err := realmsRepo.Get(ctx, org, cert.RealmID)
		if err != nil {
			return err
		}
		if err := s.requireOwner(ctx, tx, org, cert.RealmID, device.UserID); err != nil {
			return err
		}
		lastRealmTs := guard.Last(locks.Realm(cert.RealmID))
		if cert.KeyIndex != realm.CurrentKeyIndex+1 {
			return &common.BadKeyIndexError{LastRealmCertificateTimestamp: lastRealmTs}
		}

		members, err := realmsRepo.CurrentRoles(ctx, org, cert.RealmID)
		if err != nil {
			return err
		}
		if len(participantAccesses) != len(members) {
			return &common.ParticipantMismatchError{LastRealmCertificateTimestamp: lastRealmTs}
		}
		for userID := range members {
			if _, ok := participantAccesses[userID]; !ok {
				return &common.ParticipantMismatchError{LastRealmCertificateTimestamp: lastRealmTs}
			}
		}

		if auth.org.IsSequestered() {
			services, err := s.repomanager.Organizations(tx).ListSequesterServices(ctx, org)
			if err != nil {
				return err
			}
			enabled := make(map[models.SequesterServiceID]struct{})
			for _, svc := range services {
				if svc.RevokedOn == nil {
					enabled[svc.ID] = struct{}{}
				}
			}
			if len(serviceAccesses) != len(enabled) {
				return common.ErrSequesterServiceMismatch
			}
			for svcID := range serviceAccesses {
				if _, ok := enabled[svcID]; !ok {
					return common.ErrSequesterServiceMismatch
				}
			}
		} else if len(serviceAccesses) > 0 {
			return common.ErrSequesterDisabled
		}

		if err := requireGreater(cert.Timestamp, guard.Last(locks.Common()), lastRealmTs); err != nil {
			return err
		}

		accesses := make([]*models.KeysBundleAccess, 0, len(participantAccesses)+len(serviceAccesses))
		for userID, access := range participantAccesses {
			id := userID
			accesses = append(accesses, &models.KeysBundleAccess{
				RealmID:  cert.RealmID,
				KeyIndex: cert.KeyIndex,
				UserID:   &id,
				Access:   access,
			})
		}
		for svcID, access := range serviceAccesses {
			id := svcID
			accesses = append(accesses, &models.KeysBundleAccess{
				RealmID:   cert.RealmID,
				KeyIndex:  cert.KeyIndex,
				ServiceID: &id,
				Access:    access,
			})
		}
		if err := realmsRepo.InsertKeyRotation(ctx, org, &models.RealmKeyRotation{
			RealmID:     cert.RealmID,
			KeyIndex:    cert.KeyIndex,
			KeyCanary:   cert.KeyCanary,
			KeysBundle:  keysBundle,
			AuthoredBy:  device,
			Timestamp:   cert.Timestamp,
			Certificate: certRaw,
		}, accesses); err != nil {
			return err
		}
		out.add(events.RealmCertificate{
			Timestamp: cert.Timestamp,
			RealmID:   cert.RealmID,
			UserID:    device.UserID,
		})
		return nil
	})
	if err != nil {
		return err
	}
	s.publish(ctx, out)
	return nil
}

// Archive transitions the realm's archiving configuration. A planned
// deletion date must respect the organization's minimum archiving
// period.
func (s *RealmService) Archive(ctx context.Context, org models.OrganizationID, device models.DeviceID, certRaw []byte) error {
	out := &pending{org: org}
	err := s.withTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		out.events = nil
		auth, err := s.loadAuthor(ctx, tx, org, device)
		if err != nil {
			return err
		}
		cert, err := certif.LoadRealmArchivingCertificate(certRaw, auth.device.VerifyKey)
		if err != nil {
			return err
		}
		if err := certAuthorMatches(cert.Author, device); err != nil {
			return err
		}
		switch cert.State {
		case models.ArchivingAvailable, models.ArchivingArchived:
			if cert.DeletionDate != nil {
				return fmt.Errorf("%w: unexpected deletion date", common.ErrInvalidCertificate)
			}
		case models.ArchivingDeletionPlanned:
			if cert.DeletionDate == nil {
				return fmt.Errorf("%w: missing deletion date", common.ErrInvalidCertificate)
			}
			if cert.DeletionDate.Before(cert.Timestamp.Add(auth.org.MinimumArchivingPeriod)) {
				return common.ErrArchivingPeriodTooShort
			}
		default:
			return fmt.Errorf("%w: bad archiving state %q", common.ErrInvalidCertificate, cert.State)
		}
		if err := certif.InBallpark(cert.Timestamp, s.now()); err != nil {
			return err
		}

		guard, err := s.acquire(ctx, tx, org,
			locks.Read(locks.Common()), locks.Write(locks.Realm(cert.RealmID)))
		if err != nil {
			return err
		}
		defer guard.Release()

		realmsRepo := s.repomanager.Realms(tx)
		if _, err := realmsRepo.Get(ctx, org, cert.RealmID); err != nil {
			return err
		}
		if err := s.requireOwner(ctx, tx, org, cert.RealmID, device.UserID); err != nil {
			return err
		}
		if err := requireGreater(cert.Timestamp, guard.Last(locks.Common()), guard.Last(locks.Realm(cert.RealmID))); err != nil {
			return err
		}

		ts := cert.Timestamp
		if err := realmsRepo.SetArchiving(ctx, org, cert.RealmID, models.ArchivingConfiguration{
			State:        cert.State,
			DeletionDate: cert.DeletionDate,
			ConfiguredOn: &ts,
			ConfiguredBy: &device,
			Certificate:  certRaw,
		}); err != nil {
			return err
		}
		out.add(events.RealmCertificate{
			Timestamp: cert.Timestamp,
			RealmID:   cert.RealmID,
			UserID:    device.UserID,
		})
		return nil
	})
	if err != nil {
		return err
	}
	s.publish(ctx, out)
	return nil
}

// PromoteDueDeletions promotes DELETION_PLANNED realms whose date has
// passed to DELETED. Run periodically by the server.
func (s *RealmService) PromoteDueDeletions(ctx context.Context) error {
	now := s.now()
	var due []DueDeletionResult
	err := s.withTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		due = due[:0]
		realmsRepo := s.repomanager.Realms(tx)
		deletions, err := realmsRepo.DueDeletions(ctx, now)
		if err != nil {
			return err
		}
		for _, deletion := range deletions {
			date := deletion.DeletionDate
			if err := realmsRepo.SetArchiving(ctx, deletion.Organization, deletion.RealmID, models.ArchivingConfiguration{
				State:        models.ArchivingDeleted,
				ConfiguredOn: &date,
			}); err != nil {
				return err
			}
			due = append(due, DueDeletionResult{
				Organization: deletion.Organization,
				RealmID:      deletion.RealmID,
				DeletedOn:    date,
			})
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, deletion := range due {
		s.bus.Publish(ctx, deletion.Organization, events.RealmCertificate{
			Timestamp: deletion.DeletedOn,
			RealmID:   deletion.RealmID,
		})
		s.log.Info(ctx, "realm promoted to deleted",
			"organization", string(deletion.Organization), "realm", string(deletion.RealmID))
	}
	return nil
}

// DueDeletionResult reports one promoted realm.
type DueDeletionResult struct {
	Organization models.OrganizationID
	RealmID      models.RealmID
	DeletedOn    time.Time
}

// GetKeysBundle returns the keys bundle at keyIndex together with the
// author's access blob.
func (s *RealmService) GetKeysBundle(ctx context.Context, org models.OrganizationID, device models.DeviceID,
	realm models.RealmID, keyIndex int) (bundle, access []byte, err error) {

	err = s.withTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		if _, err := s.loadAuthor(ctx, tx, org, device); err != nil {
			return err
		}
		realmsRepo := s.repomanager.Realms(tx)
		role, err := realmsRepo.CurrentRole(ctx, org, realm, device.UserID)
		if err != nil {
			return err
		}
		if role == nil {
			return common.ErrAuthorNotAllowed
		}
		rotation, err := realmsRepo.GetKeyRotation(ctx, org, realm, keyIndex)
		if err != nil {
			if errors.Is(err, common.ErrNotFound) {
				return common.ErrInvalidKeysBundle
			}
			return err
		}
		userAccess, err := realmsRepo.GetKeysBundleAccess(ctx, org, realm, keyIndex, device.UserID)
		if err != nil {
			if errors.Is(err, common.ErrNotFound) {
				return common.ErrInvalidKeysBundle
			}
			return err
		}
		bundle, access = rotation.KeysBundle, userAccess
		return nil
	})
	return bundle, access, err
}
