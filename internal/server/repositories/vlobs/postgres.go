package vlobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/parsec-cloud/parsec-server/internal/common"
	"github.com/parsec-cloud/parsec-server/internal/dbx"
	"github.com/parsec-cloud/parsec-server/internal/server/models"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Insert(ctx context.Context, org models.OrganizationID, atom *models.VlobAtom) error {
	// The realm checkpoint doubles as the sequential id source; callers
	// hold the realm write lock so the update cannot race.
	err := r.db.QueryRowContext(ctx,
		`UPDATE realms SET checkpoint = checkpoint + 1, last_vlob_timestamp = $3
		 WHERE organization_id = $1 AND realm_id = $2
		 RETURNING checkpoint`,
		org, atom.RealmID, atom.Timestamp).Scan(&atom.SequentialID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return common.ErrRealmNotFound
		}
		return fmt.Errorf("db error: %w", err)
	}

	query :=
		`INSERT INTO vlob_atoms (organization_id, realm_id, vlob_id, version, key_index,
		        blob, author, atom_timestamp, sequential_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 `

	_, err = r.db.ExecContext(ctx, query,
		org, atom.RealmID, atom.VlobID, atom.Version, atom.KeyIndex,
		atom.Blob, atom.Author.String(), atom.Timestamp, atom.SequentialID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}

	for serviceID, blob := range atom.SequesterBlobs {
		_, err := r.db.ExecContext(ctx,
			`INSERT INTO vlob_sequester_blobs (organization_id, realm_id, vlob_id, version, service_id, blob)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			org, atom.RealmID, atom.VlobID, atom.Version, serviceID, blob)
		if err != nil {
			return fmt.Errorf("db error: %w", err)
		}
	}
	return nil
}

const atomColumns = `realm_id, vlob_id, version, key_index, blob, author, atom_timestamp, sequential_id`

func scanAtom(row *sql.Row) (*models.VlobAtom, error) {
	atom := &models.VlobAtom{}
	var author string
	err := row.Scan(&atom.RealmID, &atom.VlobID, &atom.Version, &atom.KeyIndex,
		&atom.Blob, &author, &atom.Timestamp, &atom.SequentialID)
	if err != nil {
		return nil, err
	}
	if atom.Author, err = models.ParseDeviceID(author); err != nil {
		return nil, err
	}
	return atom, nil
}

func (r *PostgresRepository) Read(ctx context.Context, org models.OrganizationID, realm models.RealmID, vlob models.VlobID, version *int, at *time.Time) (*models.VlobAtom, error) {
	base := `SELECT ` + atomColumns + `
		 FROM vlob_atoms
		 WHERE organization_id = $1 AND realm_id = $2 AND vlob_id = $3`

	var row *sql.Row
	switch {
	case version != nil:
		row = r.db.QueryRowContext(ctx, base+` AND version = $4`, org, realm, vlob, *version)
	case at != nil:
		row = r.db.QueryRowContext(ctx,
			base+` AND atom_timestamp <= $4 ORDER BY version DESC LIMIT 1`,
			org, realm, vlob, *at)
	default:
		row = r.db.QueryRowContext(ctx, base+` ORDER BY version DESC LIMIT 1`, org, realm, vlob)
	}

	atom, err := scanAtom(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if version != nil {
				// Distinguish a missing vlob from a missing version.
				max, err := r.MaxVersion(ctx, org, realm, vlob)
				if err != nil {
					return nil, err
				}
				if max > 0 {
					return nil, common.ErrBadVlobVersion
				}
			}
			return nil, common.ErrVlobNotFound
		}
		return nil, err
	}
	return atom, nil
}

func (r *PostgresRepository) MaxVersion(ctx context.Context, org models.OrganizationID, realm models.RealmID, vlob models.VlobID) (int, error) {
	query :=
		`SELECT COALESCE(MAX(version), 0) FROM vlob_atoms
		 WHERE organization_id = $1 AND realm_id = $2 AND vlob_id = $3
		 `

	var max int
	if err := r.db.QueryRowContext(ctx, query, org, realm, vlob).Scan(&max); err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return max, nil
}

func (r *PostgresRepository) Changes(ctx context.Context, org models.OrganizationID, realm models.RealmID, since int64) (int64, map[models.VlobID]int, error) {
	var checkpoint int64
	err := r.db.QueryRowContext(ctx,
		`SELECT checkpoint FROM realms WHERE organization_id = $1 AND realm_id = $2`,
		org, realm).Scan(&checkpoint)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil, common.ErrRealmNotFound
		}
		return 0, nil, fmt.Errorf("db error: %w", err)
	}

	query :=
		`SELECT vlob_id, MAX(version) FROM vlob_atoms
		 WHERE organization_id = $1 AND realm_id = $2 AND sequential_id > $3
		 GROUP BY vlob_id
		 `

	rows, err := r.db.QueryContext(ctx, query, org, realm, since)
	if err != nil {
		return 0, nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	changes := make(map[models.VlobID]int)
	for rows.Next() {
		var id models.VlobID
		var version int
		if err := rows.Scan(&id, &version); err != nil {
			return 0, nil, fmt.Errorf("db error: %w", err)
		}
		changes[id] = version
	}
	if err := rows.Err(); err != nil {
		return 0, nil, fmt.Errorf("db error: %w", err)
	}
	return checkpoint, changes, nil
}

func (r *PostgresRepository) ListVersions(ctx context.Context, org models.OrganizationID, realm models.RealmID, vlob models.VlobID) ([]models.VlobVersion, error) {
	query :=
		`SELECT version, atom_timestamp, author FROM vlob_atoms
		 WHERE organization_id = $1 AND realm_id = $2 AND vlob_id = $3
		 ORDER BY version
		 `

	rows, err := r.db.QueryContext(ctx, query, org, realm, vlob)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []models.VlobVersion
	for rows.Next() {
		var v models.VlobVersion
		var author string
		if err := rows.Scan(&v.Version, &v.Timestamp, &author); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		if v.Author, err = models.ParseDeviceID(author); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	if len(out) == 0 {
		return nil, common.ErrVlobNotFound
	}
	return out, nil
}

func (r *PostgresRepository) ListAtoms(ctx context.Context, org models.OrganizationID, realm models.RealmID, upTo time.Time) ([]*models.VlobAtom, error) {
	query := `SELECT ` + atomColumns + `
		 FROM vlob_atoms
		 WHERE organization_id = $1 AND realm_id = $2 AND atom_timestamp <= $3
		 ORDER BY sequential_id
		 `

	rows, err := r.db.QueryContext(ctx, query, org, realm, upTo)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []*models.VlobAtom
	for rows.Next() {
		atom := &models.VlobAtom{}
		var author string
		if err := rows.Scan(&atom.RealmID, &atom.VlobID, &atom.Version, &atom.KeyIndex,
			&atom.Blob, &author, &atom.Timestamp, &atom.SequentialID); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		if atom.Author, err = models.ParseDeviceID(author); err != nil {
			return nil, err
		}
		out = append(out, atom)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) TotalBytes(ctx context.Context, org models.OrganizationID) (int64, error) {
	query :=
		`SELECT COALESCE(SUM(LENGTH(blob)), 0) FROM vlob_atoms
		 WHERE organization_id = $1
		 `

	var total int64
	if err := r.db.QueryRowContext(ctx, query, org).Scan(&total); err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return total, nil
}
