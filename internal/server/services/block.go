package services

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/parsec-cloud/parsec-server/internal/common"
	"github.com/parsec-cloud/parsec-server/internal/dbx"
	"github.com/parsec-cloud/parsec-server/internal/server/locks"
	"github.com/parsec-cloud/parsec-server/internal/server/models"
)

// storeRetryBase is the backoff base for a transient block store
// failure; a single retry is attempted before surfacing
// ErrStoreUnavailable.
const storeRetryBase = 100 * time.Millisecond

// BlockService covers block metadata plus delegation to the block
// store. The store is never consulted for authorization.
type BlockService struct {
	*Core
}

func NewBlockService(core *Core) *BlockService {
	return &BlockService{Core: core}
}

// Create stores the payload in the block store and records the
// metadata. Idempotent: a block id already present in the realm
// succeeds without touching the stored bytes.
func (s *BlockService) Create(ctx context.Context, org models.OrganizationID, device models.DeviceID,
	realmID models.RealmID, blockID models.BlockID, keyIndex int, data []byte) error {

	return s.withTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		if _, err := s.loadAuthor(ctx, tx, org, device); err != nil {
			return err
		}
		guard, err := s.acquire(ctx, tx, org,
			locks.Read(locks.Common()), locks.Read(locks.Realm(realmID)))
		if err != nil {
			return err
		}
		defer guard.Release()

		realmsRepo := s.repomanager.Realms(tx)
		realm, err := realmsRepo.Get(ctx, org, realmID)
		if err != nil {
			return err
		}
		role, err := realmsRepo.CurrentRole(ctx, org, realmID, device.UserID)
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
			return &common.BadKeyIndexError{LastRealmCertificateTimestamp: guard.Last(locks.Realm(realmID))}
		}

		blocksRepo := s.repomanager.Blocks(tx)
		exists, err := blocksRepo.Exists(ctx, org, blockID)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}

		// The store write happens before the metadata commit so a
		// metadata row always implies reachable bytes. One retry on a
		// transient store failure, then the client gets
		// ErrStoreUnavailable and may resubmit.
		backoff := retry.WithMaxRetries(1, retry.NewConstant(storeRetryBase))
		err = retry.Do(ctx, backoff, func(ctx context.Context) error {
			if err := s.store.Create(ctx, org, blockID, data); err != nil {
				if errors.Is(err, common.ErrStoreUnavailable) {
					return retry.RetryableError(err)
				}
				return err
			}
			return nil
		})
		if err != nil {
			s.log.Warn(ctx, "block store create failed",
				"organization", string(org), "block", string(blockID), "error", err.Error())
			return err
		}

		err = blocksRepo.Insert(ctx, org, &models.Block{
			RealmID:   realmID,
			BlockID:   blockID,
			KeyIndex:  keyIndex,
			Size:      len(data),
			Author:    device,
			CreatedOn: s.now(),
		})
		if errors.Is(err, common.ErrAlreadyExists) {
			return nil
		}
		return err
	})
}

// Read returns the block payload, its key index and the realm topic
// timestamp the caller must have ingested to interpret that key index.
// The store read happens after the realm lock is released.
func (s *BlockService) Read(ctx context.Context, org models.OrganizationID, device models.DeviceID,
	blockID models.BlockID) (data []byte, keyIndex int, neededRealmTs time.Time, err error) {

	err = s.withTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		if _, err := s.loadAuthor(ctx, tx, org, device); err != nil {
			return err
		}
		block, err := s.repomanager.Blocks(tx).Get(ctx, org, blockID)
		if err != nil {
			return err
		}
		guard, err := s.acquire(ctx, tx, org, locks.Read(locks.Realm(block.RealmID)))
		if err != nil {
			return err
		}
		defer guard.Release()

		realmsRepo := s.repomanager.Realms(tx)
		realm, err := realmsRepo.Get(ctx, org, block.RealmID)
		if err != nil {
			return err
		}
		if realm.Archiving.State == models.ArchivingDeleted {
			return common.ErrRealmDeleted
		}
		role, err := realmsRepo.CurrentRole(ctx, org, block.RealmID, device.UserID)
		if err != nil {
			return err
		}
		if role == nil {
			return common.ErrAuthorNotAllowed
		}
		keyIndex = block.KeyIndex
		neededRealmTs = guard.Last(locks.Realm(block.RealmID))
		return nil
	})
	if err != nil {
		return nil, 0, time.Time{}, err
	}
	if data, err = s.store.Read(ctx, org, blockID); err != nil {
		return nil, 0, time.Time{}, err
	}
	return data, keyIndex, neededRealmTs, nil
}
