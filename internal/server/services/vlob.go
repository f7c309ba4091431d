package services

import (
	"context"
	"time"

	"github.com/parsec-cloud/parsec-server/internal/common"
	"github.com/parsec-cloud/parsec-server/internal/dbx"
	"github.com/parsec-cloud/parsec-server/internal/server/certif"
	"github.com/parsec-cloud/parsec-server/internal/server/events"
	"github.com/parsec-cloud/parsec-server/internal/server/locks"
	"github.com/parsec-cloud/parsec-server/internal/server/models"
)

// VlobService covers the versioned encrypted blobs of a realm.
type VlobService struct {
	*Core
}

func NewVlobService(core *Core) *VlobService {
	return &VlobService{Core: core}
}

// writeGate checks the author's write role, the read-only state and
// the key index. Caller holds the realm write lock.
func (s *VlobService) writeGate(ctx context.Context, tx dbx.DBTX, org models.OrganizationID,
	device models.DeviceID, realm *models.Realm, keyIndex int, lastRealmTs time.Time) error {

	role, err := s.repomanager.Realms(tx).CurrentRole(ctx, org, realm.RealmID, device.UserID)
	if err != nil {
		return err
	}
	if role == nil || !role.CanWriteVlobs() {
		return common.ErrAuthorNotAllowed
	}
	if realm.Archiving.IsReadOnly() {
		return common.ErrRealmReadOnly
	}
	if keyIndex != realm.CurrentKeyIndex {
		return &common.BadKeyIndexError{LastRealmCertificateTimestamp: lastRealmTs}
	}
	return nil
}

// sequesterGate verifies the per-service blob set against the enabled
// sequester services.
func (s *VlobService) sequesterGate(ctx context.Context, tx dbx.DBTX, org *models.Organization,
	blobs map[models.SequesterServiceID][]byte) error {

	if !org.IsSequestered() {
		if len(blobs) > 0 {
			return common.ErrSequesterDisabled
		}
		return nil
	}
	services, err := s.repomanager.Organizations(tx).ListSequesterServices(ctx, org.ID)
	if err != nil {
		return err
	}
	enabled := make(map[models.SequesterServiceID]struct{})
	for _, svc := range services {
		if svc.RevokedOn == nil {
			enabled[svc.ID] = struct{}{}
		}
	}
	if len(blobs) != len(enabled) {
		return common.ErrSequesterServiceMismatch
	}
	for id := range blobs {
		if _, ok := enabled[id]; !ok {
			return common.ErrSequesterServiceMismatch
		}
	}
	return nil
}

func (s *VlobService) vlobEvent(atom *models.VlobAtom, lastCommonTs, lastRealmTs time.Time) events.Vlob {
	blob := atom.Blob
	if len(blob) > events.VlobBlobSizeCap {
		blob = nil
	}
	return events.Vlob{
		RealmID:                        atom.RealmID,
		VlobID:                         atom.VlobID,
		Version:                        atom.Version,
		Blob:                           blob,
		Author:                         atom.Author,
		Timestamp:                      atom.Timestamp,
		LastCommonCertificateTimestamp: lastCommonTs,
		LastRealmCertificateTimestamp:  lastRealmTs,
	}
}

// Create inserts version 1 of a fresh vlob.
func (s *VlobService) Create(ctx context.Context, org models.OrganizationID, device models.DeviceID,
	realmID models.RealmID, vlobID models.VlobID, keyIndex int, ts time.Time, blob []byte,
	sequesterBlobs map[models.SequesterServiceID][]byte) error {

	if err := certif.InBallpark(ts, s.now()); err != nil {
		return err
	}
	out := &pending{org: org}
	err := s.withTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		out.events = nil
		auth, err := s.loadAuthor(ctx, tx, org, device)
		if err != nil {
			return err
		}
		guard, err := s.acquire(ctx, tx, org,
			locks.Read(locks.Common()), locks.Write(locks.Realm(realmID)))
		if err != nil {
			return err
		}
		defer guard.Release()

		realm, err := s.repomanager.Realms(tx).Get(ctx, org, realmID)
		if err != nil {
			return err
		}
		lastRealmTs := guard.Last(locks.Realm(realmID))
		if err := s.writeGate(ctx, tx, org, device, realm, keyIndex, lastRealmTs); err != nil {
			return err
		}
		if err := s.sequesterGate(ctx, tx, auth.org, sequesterBlobs); err != nil {
			return err
		}

		vlobsRepo := s.repomanager.Vlobs(tx)
		maxVersion, err := vlobsRepo.MaxVersion(ctx, org, realmID, vlobID)
		if err != nil {
			return err
		}
		if maxVersion > 0 {
			return common.ErrVlobAlreadyExists
		}

		limits := []time.Time{guard.Last(locks.Common()), lastRealmTs}
		if realm.LastVlobTimestamp != nil {
			limits = append(limits, *realm.LastVlobTimestamp)
		}
		if err := requireGreater(ts, limits...); err != nil {
			return err
		}

		atom := &models.VlobAtom{
			RealmID:        realmID,
			VlobID:         vlobID,
			Version:        1,
			KeyIndex:       keyIndex,
			Blob:           blob,
			Author:         device,
			Timestamp:      ts,
			SequesterBlobs: sequesterBlobs,
		}
		if err := vlobsRepo.Insert(ctx, org, atom); err != nil {
			return err
		}
		out.add(s.vlobEvent(atom, guard.Last(locks.Common()), lastRealmTs))
		return nil
	})
	if err != nil {
		return err
	}
	s.publish(ctx, out)
	return nil
}

// Update appends the next version of an existing vlob. version must be
// exactly the current max plus one.
func (s *VlobService) Update(ctx context.Context, org models.OrganizationID, device models.DeviceID,
	realmID models.RealmID, vlobID models.VlobID, keyIndex, version int, ts time.Time, blob []byte,
	sequesterBlobs map[models.SequesterServiceID][]byte) error {

	if err := certif.InBallpark(ts, s.now()); err != nil {
		return err
	}
	out := &pending{org: org}
	err := s.withTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		out.events = nil
		auth, err := s.loadAuthor(ctx, tx, org, device)
		if err != nil {
			return err
		}
		guard, err := s.acquire(ctx, tx, org,
			locks.Read(locks.Common()), locks.Write(locks.Realm(realmID)))
		if err != nil {
			return err
		}
		defer guard.Release()

		realm, err := s.repomanager.Realms(tx).Get(ctx, org, realmID)
		if err != nil {
			return err
		}
		lastRealmTs := guard.Last(locks.Realm(realmID))
		if err := s.writeGate(ctx, tx, org, device, realm, keyIndex, lastRealmTs); err != nil {
			return err
		}
		if err := s.sequesterGate(ctx, tx, auth.org, sequesterBlobs); err != nil {
			return err
		}

		vlobsRepo := s.repomanager.Vlobs(tx)
		maxVersion, err := vlobsRepo.MaxVersion(ctx, org, realmID, vlobID)
		if err != nil {
			return err
		}
		if maxVersion == 0 {
			return common.ErrVlobNotFound
		}
		if version != maxVersion+1 {
			return common.ErrBadVlobVersion
		}

		limits := []time.Time{guard.Last(locks.Common()), lastRealmTs}
		if realm.LastVlobTimestamp != nil {
			limits = append(limits, *realm.LastVlobTimestamp)
		}
		if err := requireGreater(ts, limits...); err != nil {
			return err
		}

		atom := &models.VlobAtom{
			RealmID:        realmID,
			VlobID:         vlobID,
			Version:        version,
			KeyIndex:       keyIndex,
			Blob:           blob,
			Author:         device,
			Timestamp:      ts,
			SequesterBlobs: sequesterBlobs,
		}
		if err := vlobsRepo.Insert(ctx, org, atom); err != nil {
			return err
		}
		out.add(s.vlobEvent(atom, guard.Last(locks.Common()), lastRealmTs))
		return nil
	})
	if err != nil {
		return err
	}
	s.publish(ctx, out)
	return nil
}

// readGate checks that the author holds any role and the realm is not
// deleted. Reads stay allowed while archived or deletion planned.
func (s *VlobService) readGate(ctx context.Context, tx dbx.DBTX, org models.OrganizationID,
	device models.DeviceID, realmID models.RealmID) error {

	realm, err := s.repomanager.Realms(tx).Get(ctx, org, realmID)
	if err != nil {
		return err
	}
	if realm.Archiving.State == models.ArchivingDeleted {
		return common.ErrRealmDeleted
	}
	role, err := s.repomanager.Realms(tx).CurrentRole(ctx, org, realmID, device.UserID)
	if err != nil {
		return err
	}
	if role == nil {
		return common.ErrAuthorNotAllowed
	}
	return nil
}

// Read returns the selected atom: latest when version and at are both
// nil, the exact version, or the highest version at the given time.
func (s *VlobService) Read(ctx context.Context, org models.OrganizationID, device models.DeviceID,
	realmID models.RealmID, vlobID models.VlobID, version *int, at *time.Time) (*models.VlobAtom, error) {

	var out *models.VlobAtom
	err := s.withTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		if _, err := s.loadAuthor(ctx, tx, org, device); err != nil {
			return err
		}
		guard, err := s.acquire(ctx, tx, org, locks.Read(locks.Realm(realmID)))
		if err != nil {
			return err
		}
		defer guard.Release()

		if err := s.readGate(ctx, tx, org, device, realmID); err != nil {
			return err
		}
		atom, err := s.repomanager.Vlobs(tx).Read(ctx, org, realmID, vlobID, version, at)
		out = atom
		return err
	})
	return out, err
}

// PollChanges returns the realm checkpoint and the vlobs changed since
// the given one.
func (s *VlobService) PollChanges(ctx context.Context, org models.OrganizationID, device models.DeviceID,
	realmID models.RealmID, since int64) (int64, map[models.VlobID]int, error) {

	var checkpoint int64
	var changes map[models.VlobID]int
	err := s.withTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		if _, err := s.loadAuthor(ctx, tx, org, device); err != nil {
			return err
		}
		guard, err := s.acquire(ctx, tx, org, locks.Read(locks.Realm(realmID)))
		if err != nil {
			return err
		}
		defer guard.Release()

		if err := s.readGate(ctx, tx, org, device, realmID); err != nil {
			return err
		}
		checkpoint, changes, err = s.repomanager.Vlobs(tx).Changes(ctx, org, realmID, since)
		return err
	})
	return checkpoint, changes, err
}

// ListVersions returns the (version, timestamp, author) history of a
// vlob.
func (s *VlobService) ListVersions(ctx context.Context, org models.OrganizationID, device models.DeviceID,
	realmID models.RealmID, vlobID models.VlobID) ([]models.VlobVersion, error) {

	var out []models.VlobVersion
	err := s.withTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		if _, err := s.loadAuthor(ctx, tx, org, device); err != nil {
			return err
		}
		guard, err := s.acquire(ctx, tx, org, locks.Read(locks.Realm(realmID)))
		if err != nil {
			return err
		}
		defer guard.Release()

		if err := s.readGate(ctx, tx, org, device, realmID); err != nil {
			return err
		}
		versions, err := s.repomanager.Vlobs(tx).ListVersions(ctx, org, realmID, vlobID)
		out = versions
		return err
	})
	return out, err
}
