// Package exporter writes point-in-time snapshots of a realm to a
// self-describing SQLite file, for sequester-style offline audits. The
// export is resumable: every section records a done flag in the info
// table and a rerun with the same parameters picks up at the first
// unfinished section.
package exporter

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	_ "modernc.org/sqlite"

	"github.com/parsec-cloud/parsec-server/internal/dbx"
	"github.com/parsec-cloud/parsec-server/internal/logging"
	"github.com/parsec-cloud/parsec-server/internal/server/blockstore"
	"github.com/parsec-cloud/parsec-server/internal/server/models"
	"github.com/parsec-cloud/parsec-server/internal/server/repositories/repomanager"
)

const (
	// magic doubles as the SQLite application_id (0x15799).
	magic         = 87948
	formatVersion = 1
	// snapshotGrace keeps the snapshot outside the timestamp ballpark
	// window, so no certificate or atom at or before the snapshot can
	// still be accepted.
	snapshotGrace = 320 * time.Second
)

var (
	ErrSnapshotTooRecent    = errors.New("snapshot timestamp must be at least 320s in the past")
	ErrSnapshotBeforeRealm  = errors.New("snapshot timestamp predates the realm creation")
)

// OutputDbError reports an existing output file that does not match the
// requested export parameters.
type OutputDbError struct {
	Reason string
}

func (e *OutputDbError) Error() string {
	return fmt.Sprintf("output database mismatch: %s", e.Reason)
}

// Progress is one exporter notification. Sections with byte counters
// report strictly increasing (ExportedBytes, TotalBytes) pairs.
type Progress struct {
	Section       string
	ExportedBytes int64
	TotalBytes    int64
}

// ProgressFunc receives exporter notifications; nil disables them.
type ProgressFunc func(Progress)

// Exporter reads from the live datamodel and the block store. db is nil
// on the mocked backend, mirroring the services layer.
type Exporter struct {
	db    *sql.DB
	repos repomanager.RepositoryManager
	store blockstore.BlockStore
	clock clock.Clock
	log   logging.Logger
}

func New(db *sql.DB, repos repomanager.RepositoryManager, store blockstore.BlockStore,
	clk clock.Clock, log logging.Logger) *Exporter {
	return &Exporter{db: db, repos: repos, store: store, clock: clk, log: log}
}

func (e *Exporter) withTx(ctx context.Context, fn func(ctx context.Context, tx dbx.DBTX) error) error {
	if e.db == nil {
		return fn(ctx, nil)
	}
	return dbx.WithTx(ctx, e.db, nil, fn)
}

// snapshot is everything the export needs from the datamodel, loaded in
// one transaction. Block payloads are fetched from the store afterwards.
type snapshot struct {
	rootVerifyKey    []byte
	commonCerts      []models.TimestampedCertificate
	sequesterCerts   []models.TimestampedCertificate
	realmCerts       []models.TimestampedCertificate
	keyRotations     []*models.RealmKeyRotation
	accesses         []*models.KeysBundleAccess
	atoms            []*models.VlobAtom
	blocks           []*models.Block
	vlobsTotalBytes  int64
	blocksTotalBytes int64
}

func (e *Exporter) load(ctx context.Context, org models.OrganizationID, realmID models.RealmID,
	at time.Time) (*snapshot, error) {

	snap := &snapshot{}
	err := e.withTx(ctx, func(ctx context.Context, tx dbx.DBTX) error {
		orgState, err := e.repos.Organizations(tx).Get(ctx, org)
		if err != nil {
			return err
		}
		snap.rootVerifyKey = orgState.RootVerifyKey

		realm, err := e.repos.Realms(tx).Get(ctx, org, realmID)
		if err != nil {
			return err
		}
		if at.Before(realm.CreatedOn) {
			return ErrSnapshotBeforeRealm
		}

		commonCerts, err := e.repos.Users(tx).ListCertificates(ctx, org)
		if err != nil {
			return err
		}
		for _, cert := range commonCerts {
			if !cert.Timestamp.After(at) {
				snap.commonCerts = append(snap.commonCerts, cert)
			}
		}

		services, err := e.repos.Organizations(tx).ListSequesterServices(ctx, org)
		if err != nil {
			return err
		}
		for _, svc := range services {
			if !svc.CreatedOn.After(at) {
				snap.sequesterCerts = append(snap.sequesterCerts, models.TimestampedCertificate{
					Certificate: svc.Certificate,
					Timestamp:   svc.CreatedOn,
				})
			}
			if svc.RevokedOn != nil && !svc.RevokedOn.After(at) {
				snap.sequesterCerts = append(snap.sequesterCerts, models.TimestampedCertificate{
					Certificate: svc.RevokedCertificate,
					Timestamp:   *svc.RevokedOn,
				})
			}
		}

		realmCerts, err := e.repos.Realms(tx).ListCertificates(ctx, org, realmID)
		if err != nil {
			return err
		}
		for _, cert := range realmCerts {
			if !cert.Timestamp.After(at) {
				snap.realmCerts = append(snap.realmCerts, cert)
			}
		}

		rotations, err := e.repos.Realms(tx).ListKeyRotations(ctx, org, realmID)
		if err != nil {
			return err
		}
		exportedIndexes := map[int]bool{}
		for _, rotation := range rotations {
			if !rotation.Timestamp.After(at) {
				snap.keyRotations = append(snap.keyRotations, rotation)
				exportedIndexes[rotation.KeyIndex] = true
			}
		}
		accesses, err := e.repos.Realms(tx).ListAccesses(ctx, org, realmID)
		if err != nil {
			return err
		}
		for _, access := range accesses {
			if exportedIndexes[access.KeyIndex] {
				snap.accesses = append(snap.accesses, access)
			}
		}

		atoms, err := e.repos.Vlobs(tx).ListAtoms(ctx, org, realmID, at)
		if err != nil {
			return err
		}
		snap.atoms = atoms
		for _, atom := range atoms {
			snap.vlobsTotalBytes += int64(len(atom.Blob))
		}

		blocks, err := e.repos.Blocks(tx).ListRealm(ctx, org, realmID, at)
		if err != nil {
			return err
		}
		snap.blocks = blocks
		for _, block := range blocks {
			snap.blocksTotalBytes += int64(block.Size)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// ExportRealm writes (or resumes) the snapshot of the realm at the
// given timestamp into outputPath.
func (e *Exporter) ExportRealm(ctx context.Context, org models.OrganizationID, realmID models.RealmID,
	outputPath string, at time.Time, onProgress ProgressFunc) error {

	if onProgress == nil {
		onProgress = func(Progress) {}
	}
	now := models.Truncate(e.clock.Now())
	if at.After(now.Add(-snapshotGrace)) {
		return ErrSnapshotTooRecent
	}

	snap, err := e.load(ctx, org, realmID, at)
	if err != nil {
		return err
	}

	out, err := sql.Open("sqlite", outputPath)
	if err != nil {
		return fmt.Errorf("open output database: %w", err)
	}
	defer out.Close()

	if err := e.prepareOutput(ctx, out, org, realmID, at, snap); err != nil {
		return err
	}

	flags, err := readDoneFlags(ctx, out)
	if err != nil {
		return err
	}

	if !flags.certificates {
		onProgress(Progress{Section: "certificates_start"})
		if err := e.exportCertificates(ctx, out, snap); err != nil {
			return err
		}
		onProgress(Progress{Section: "certificates_done"})
	}
	if !flags.vlobs {
		if err := e.exportVlobs(ctx, out, snap, onProgress); err != nil {
			return err
		}
	}
	if !flags.blocksMetadata {
		if err := e.exportBlocksMetadata(ctx, out, snap, onProgress); err != nil {
			return err
		}
	}
	if !flags.blocksData {
		if err := e.exportBlocksData(ctx, out, org, snap, onProgress); err != nil {
			return err
		}
	}
	e.log.Info(ctx, "realm export complete",
		"organization", string(org), "realm", string(realmID), "output", outputPath)
	return nil
}

var outputSchema = []string{
	`CREATE TABLE IF NOT EXISTS info (
	     magic INTEGER NOT NULL,
	     version INTEGER NOT NULL,
	     organization_id TEXT NOT NULL,
	     realm_id TEXT NOT NULL,
	     root_verify_key BLOB NOT NULL,
	     snapshot_timestamp INTEGER NOT NULL,
	     vlobs_total_bytes INTEGER NOT NULL,
	     blocks_total_bytes INTEGER NOT NULL,
	     certificates_exported INTEGER NOT NULL DEFAULT 0,
	     vlobs_exported INTEGER NOT NULL DEFAULT 0,
	     blocks_metadata_exported INTEGER NOT NULL DEFAULT 0,
	     blocks_data_exported INTEGER NOT NULL DEFAULT 0
	 )`,
	`CREATE TABLE IF NOT EXISTS common_certificate (certificate BLOB NOT NULL, timestamp INTEGER NOT NULL)`,
	`CREATE TABLE IF NOT EXISTS sequester_certificate (certificate BLOB NOT NULL, timestamp INTEGER NOT NULL)`,
	`CREATE TABLE IF NOT EXISTS realm_certificate (certificate BLOB NOT NULL, timestamp INTEGER NOT NULL)`,
	`CREATE TABLE IF NOT EXISTS realm_keys_bundle (
	     key_index INTEGER PRIMARY KEY,
	     keys_bundle BLOB NOT NULL,
	     certificate BLOB NOT NULL,
	     timestamp INTEGER NOT NULL
	 )`,
	`CREATE TABLE IF NOT EXISTS realm_keys_bundle_access (
	     key_index INTEGER NOT NULL,
	     user_id TEXT NOT NULL,
	     access BLOB NOT NULL,
	     PRIMARY KEY (key_index, user_id)
	 )`,
	`CREATE TABLE IF NOT EXISTS realm_sequester_keys_bundle_access (
	     key_index INTEGER NOT NULL,
	     service_id TEXT NOT NULL,
	     access BLOB NOT NULL,
	     PRIMARY KEY (key_index, service_id)
	 )`,
	`CREATE TABLE IF NOT EXISTS vlob_atom (
	     vlob_id TEXT NOT NULL,
	     version INTEGER NOT NULL,
	     key_index INTEGER NOT NULL,
	     blob BLOB NOT NULL,
	     author TEXT NOT NULL,
	     timestamp INTEGER NOT NULL,
	     sequential_id INTEGER NOT NULL,
	     PRIMARY KEY (vlob_id, version)
	 )`,
	`CREATE TABLE IF NOT EXISTS block (
	     block_id TEXT PRIMARY KEY,
	     key_index INTEGER NOT NULL,
	     size INTEGER NOT NULL,
	     author TEXT NOT NULL,
	     created_on INTEGER NOT NULL
	 )`,
	`CREATE TABLE IF NOT EXISTS block_data (
	     block_id TEXT PRIMARY KEY,
	     data BLOB NOT NULL
	 )`,
}

// prepareOutput creates the schema and installs or verifies the info
// row. A populated info row that disagrees with the requested export is
// an OutputDbError.
func (e *Exporter) prepareOutput(ctx context.Context, out *sql.DB, org models.OrganizationID,
	realmID models.RealmID, at time.Time, snap *snapshot) error {

	if _, err := out.ExecContext(ctx, fmt.Sprintf("PRAGMA application_id = %d", magic)); err != nil {
		return fmt.Errorf("output database: %w", err)
	}
	if _, err := out.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", formatVersion)); err != nil {
		return fmt.Errorf("output database: %w", err)
	}
	for _, stmt := range outputSchema {
		if _, err := out.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("output database: %w", err)
		}
	}

	var (
		storedMagic, storedVersion       int
		storedOrg, storedRealm           string
		storedKey                        []byte
		storedSnapshot                   int64
		storedVlobsTotal, storedBlocksTotal int64
	)
	err := out.QueryRowContext(ctx,
		`SELECT magic, version, organization_id, realm_id, root_verify_key,
		        snapshot_timestamp, vlobs_total_bytes, blocks_total_bytes
		 FROM info`).
		Scan(&storedMagic, &storedVersion, &storedOrg, &storedRealm, &storedKey,
			&storedSnapshot, &storedVlobsTotal, &storedBlocksTotal)
	if errors.Is(err, sql.ErrNoRows) {
		_, err = out.ExecContext(ctx,
			`INSERT INTO info (magic, version, organization_id, realm_id, root_verify_key,
			        snapshot_timestamp, vlobs_total_bytes, blocks_total_bytes)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			magic, formatVersion, string(org), string(realmID), snap.rootVerifyKey,
			at.UnixMicro(), snap.vlobsTotalBytes, snap.blocksTotalBytes)
		if err != nil {
			return fmt.Errorf("output database: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("output database: %w", err)
	}

	switch {
	case storedMagic != magic || storedVersion != formatVersion:
		return &OutputDbError{Reason: "not a realm export file"}
	case storedOrg != string(org) || storedRealm != string(realmID):
		return &OutputDbError{Reason: "file belongs to another realm"}
	case storedSnapshot != at.UnixMicro():
		return &OutputDbError{Reason: "snapshot timestamp differs"}
	case !bytes.Equal(storedKey, snap.rootVerifyKey):
		return &OutputDbError{Reason: "root verify key differs"}
	case storedVlobsTotal != snap.vlobsTotalBytes || storedBlocksTotal != snap.blocksTotalBytes:
		return &OutputDbError{Reason: "content totals differ"}
	}
	return nil
}

type doneFlags struct {
	certificates   bool
	vlobs          bool
	blocksMetadata bool
	blocksData     bool
}

func readDoneFlags(ctx context.Context, out *sql.DB) (doneFlags, error) {
	var certificates, vlobs, blocksMetadata, blocksData int
	err := out.QueryRowContext(ctx,
		`SELECT certificates_exported, vlobs_exported, blocks_metadata_exported, blocks_data_exported
		 FROM info`).
		Scan(&certificates, &vlobs, &blocksMetadata, &blocksData)
	if err != nil {
		return doneFlags{}, fmt.Errorf("output database: %w", err)
	}
	return doneFlags{
		certificates:   certificates != 0,
		vlobs:          vlobs != 0,
		blocksMetadata: blocksMetadata != 0,
		blocksData:     blocksData != 0,
	}, nil
}

func markDone(ctx context.Context, tx *sql.Tx, column string) error {
	_, err := tx.ExecContext(ctx, fmt.Sprintf("UPDATE info SET %s = 1", column))
	return err
}

func (e *Exporter) exportCertificates(ctx context.Context, out *sql.DB, snap *snapshot) error {
	tx, err := out.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("output database: %w", err)
	}
	defer tx.Rollback()

	insert := func(table string, certs []models.TimestampedCertificate) error {
		for _, cert := range certs {
			_, err := tx.ExecContext(ctx,
				fmt.Sprintf("INSERT INTO %s (certificate, timestamp) VALUES (?, ?)", table),
				cert.Certificate, cert.Timestamp.UnixMicro())
			if err != nil {
				return fmt.Errorf("output database: %w", err)
			}
		}
		return nil
	}
	if err := insert("common_certificate", snap.commonCerts); err != nil {
		return err
	}
	if err := insert("sequester_certificate", snap.sequesterCerts); err != nil {
		return err
	}
	if err := insert("realm_certificate", snap.realmCerts); err != nil {
		return err
	}
	for _, rotation := range snap.keyRotations {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO realm_keys_bundle (key_index, keys_bundle, certificate, timestamp)
			 VALUES (?, ?, ?, ?)`,
			rotation.KeyIndex, rotation.KeysBundle, rotation.Certificate, rotation.Timestamp.UnixMicro())
		if err != nil {
			return fmt.Errorf("output database: %w", err)
		}
	}
	for _, access := range snap.accesses {
		if access.UserID != nil {
			_, err = tx.ExecContext(ctx,
				`INSERT OR REPLACE INTO realm_keys_bundle_access (key_index, user_id, access)
				 VALUES (?, ?, ?)`,
				access.KeyIndex, string(*access.UserID), access.Access)
		} else if access.ServiceID != nil {
			_, err = tx.ExecContext(ctx,
				`INSERT OR REPLACE INTO realm_sequester_keys_bundle_access (key_index, service_id, access)
				 VALUES (?, ?, ?)`,
				access.KeyIndex, string(*access.ServiceID), access.Access)
		}
		if err != nil {
			return fmt.Errorf("output database: %w", err)
		}
	}
	if err := markDone(ctx, tx, "certificates_exported"); err != nil {
		return fmt.Errorf("output database: %w", err)
	}
	return tx.Commit()
}

func (e *Exporter) exportVlobs(ctx context.Context, out *sql.DB, snap *snapshot, onProgress ProgressFunc) error {
	tx, err := out.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("output database: %w", err)
	}
	defer tx.Rollback()

	var exported int64
	for _, atom := range snap.atoms {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO vlob_atom (vlob_id, version, key_index, blob, author, timestamp, sequential_id)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			string(atom.VlobID), atom.Version, atom.KeyIndex, atom.Blob,
			atom.Author.String(), atom.Timestamp.UnixMicro(), atom.SequentialID)
		if err != nil {
			return fmt.Errorf("output database: %w", err)
		}
		exported += int64(len(atom.Blob))
		onProgress(Progress{Section: "vlobs", ExportedBytes: exported, TotalBytes: snap.vlobsTotalBytes})
	}
	if err := markDone(ctx, tx, "vlobs_exported"); err != nil {
		return fmt.Errorf("output database: %w", err)
	}
	return tx.Commit()
}

func (e *Exporter) exportBlocksMetadata(ctx context.Context, out *sql.DB, snap *snapshot, onProgress ProgressFunc) error {
	tx, err := out.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("output database: %w", err)
	}
	defer tx.Rollback()

	var exported int64
	for _, block := range snap.blocks {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO block (block_id, key_index, size, author, created_on)
			 VALUES (?, ?, ?, ?, ?)`,
			string(block.BlockID), block.KeyIndex, block.Size,
			block.Author.String(), block.CreatedOn.UnixMicro())
		if err != nil {
			return fmt.Errorf("output database: %w", err)
		}
		exported += int64(block.Size)
		onProgress(Progress{Section: "blocks_metadata", ExportedBytes: exported, TotalBytes: snap.blocksTotalBytes})
	}
	if err := markDone(ctx, tx, "blocks_metadata_exported"); err != nil {
		return fmt.Errorf("output database: %w", err)
	}
	return tx.Commit()
}

// exportBlocksData streams the payloads out of the block store. Each
// payload is written individually with INSERT OR REPLACE so a cancelled
// run resumes cleanly; the done flag is only set once every payload is
// in place.
func (e *Exporter) exportBlocksData(ctx context.Context, out *sql.DB, org models.OrganizationID,
	snap *snapshot, onProgress ProgressFunc) error {

	var exported int64
	for _, block := range snap.blocks {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := e.store.Read(ctx, org, block.BlockID)
		if err != nil {
			return fmt.Errorf("read block %s: %w", string(block.BlockID), err)
		}
		_, err = out.ExecContext(ctx,
			`INSERT OR REPLACE INTO block_data (block_id, data) VALUES (?, ?)`,
			string(block.BlockID), data)
		if err != nil {
			return fmt.Errorf("output database: %w", err)
		}
		exported += int64(len(data))
		onProgress(Progress{Section: "blocks_data", ExportedBytes: exported, TotalBytes: snap.blocksTotalBytes})
	}
	if _, err := out.ExecContext(ctx, "UPDATE info SET blocks_data_exported = 1"); err != nil {
		return fmt.Errorf("output database: %w", err)
	}
	return nil
}
