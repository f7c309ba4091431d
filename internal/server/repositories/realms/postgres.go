package realms

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/parsec-cloud/parsec-server/internal/common"
	"github.com/parsec-cloud/parsec-server/internal/dbx"
	"github.com/parsec-cloud/parsec-server/internal/server/locks"
	"github.com/parsec-cloud/parsec-server/internal/server/models"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) bumpTopic(ctx context.Context, org models.OrganizationID, realm models.RealmID, ts time.Time) error {
	query :=
		`INSERT INTO topics (organization_id, kind, realm_id, last_timestamp)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (organization_id, kind, realm_id)
		 DO UPDATE SET last_timestamp = GREATEST(topics.last_timestamp, EXCLUDED.last_timestamp)
		 `

	_, err := r.db.ExecContext(ctx, query, org, int(locks.KindRealm), string(realm), ts)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Insert(ctx context.Context, org models.OrganizationID, realm *models.Realm, ownerRole *models.RealmGrantedRole) error {
	query :=
		`INSERT INTO realms (organization_id, realm_id, created_on, created_by, current_key_index)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (organization_id, realm_id) DO NOTHING
		 `

	res, err := r.db.ExecContext(ctx, query,
		org, realm.RealmID, realm.CreatedOn, realm.CreatedBy.String(), realm.CurrentKeyIndex)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n == 0 {
		return common.ErrAlreadyExists
	}
	if err := r.insertRole(ctx, org, ownerRole); err != nil {
		return err
	}
	return r.bumpTopic(ctx, org, realm.RealmID, ownerRole.GrantedOn)
}

func (r *PostgresRepository) Get(ctx context.Context, org models.OrganizationID, id models.RealmID) (*models.Realm, error) {
	query :=
		`SELECT realm_id, created_on, created_by, current_key_index,
		        archiving_state, archiving_deletion_date, archiving_configured_on,
		        archiving_configured_by, archiving_certificate, last_vlob_timestamp
		 FROM realms
		 WHERE organization_id = $1 AND realm_id = $2
		 `

	realm := &models.Realm{}
	var createdBy string
	var configuredBy *string
	err := r.db.QueryRowContext(ctx, query, org, id).Scan(
		&realm.RealmID, &realm.CreatedOn, &createdBy, &realm.CurrentKeyIndex,
		&realm.Archiving.State, &realm.Archiving.DeletionDate, &realm.Archiving.ConfiguredOn,
		&configuredBy, &realm.Archiving.Certificate, &realm.LastVlobTimestamp)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrRealmNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}

	if realm.CreatedBy, err = models.ParseDeviceID(createdBy); err != nil {
		return nil, err
	}
	if configuredBy != nil {
		device, err := models.ParseDeviceID(*configuredBy)
		if err != nil {
			return nil, err
		}
		realm.Archiving.ConfiguredBy = &device
	}
	return realm, nil
}

func (r *PostgresRepository) Count(ctx context.Context, org models.OrganizationID) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM realms WHERE organization_id = $1`, org).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return n, nil
}

func (r *PostgresRepository) insertRole(ctx context.Context, org models.OrganizationID, role *models.RealmGrantedRole) error {
	query :=
		`INSERT INTO realm_roles (organization_id, realm_id, user_id, role,
		        granted_by, granted_on, realm_role_certificate)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 `

	_, err := r.db.ExecContext(ctx, query,
		org, role.RealmID, role.UserID, (*string)(role.Role),
		role.GrantedBy.String(), role.GrantedOn, role.Certificate)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) InsertRole(ctx context.Context, org models.OrganizationID, role *models.RealmGrantedRole) error {
	if err := r.insertRole(ctx, org, role); err != nil {
		return err
	}
	return r.bumpTopic(ctx, org, role.RealmID, role.GrantedOn)
}

func (r *PostgresRepository) CurrentRole(ctx context.Context, org models.OrganizationID, realm models.RealmID, user models.UserID) (*models.RealmRole, error) {
	query :=
		`SELECT role FROM realm_roles
		 WHERE organization_id = $1 AND realm_id = $2 AND user_id = $3
		 ORDER BY id DESC LIMIT 1
		 `

	var role *models.RealmRole
	err := r.db.QueryRowContext(ctx, query, org, realm, user).Scan(&role)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return role, nil
}

func (r *PostgresRepository) CurrentRoles(ctx context.Context, org models.OrganizationID, realm models.RealmID) (map[models.UserID]models.RealmRole, error) {
	query :=
		`SELECT DISTINCT ON (user_id) user_id, role FROM realm_roles
		 WHERE organization_id = $1 AND realm_id = $2
		 ORDER BY user_id, id DESC
		 `

	rows, err := r.db.QueryContext(ctx, query, org, realm)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	out := make(map[models.UserID]models.RealmRole)
	for rows.Next() {
		var user models.UserID
		var role *models.RealmRole
		if err := rows.Scan(&user, &role); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		if role != nil {
			out[user] = *role
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) UserRealms(ctx context.Context, org models.OrganizationID, user models.UserID) ([]models.RealmID, error) {
	query :=
		`SELECT realm_id FROM (
		     SELECT DISTINCT ON (realm_id) realm_id, role FROM realm_roles
		     WHERE organization_id = $1 AND user_id = $2
		     ORDER BY realm_id, id DESC
		 ) latest
		 WHERE role IS NOT NULL
		 ORDER BY realm_id
		 `

	rows, err := r.db.QueryContext(ctx, query, org, user)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []models.RealmID
	for rows.Next() {
		var id models.RealmID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) InsertName(ctx context.Context, org models.OrganizationID, name *models.RealmName) error {
	query :=
		`INSERT INTO realm_names (organization_id, realm_id, key_index, authored_by,
		        name_timestamp, realm_name_certificate)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 `

	_, err := r.db.ExecContext(ctx, query,
		org, name.RealmID, name.KeyIndex, name.AuthoredBy.String(), name.Timestamp, name.Certificate)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return r.bumpTopic(ctx, org, name.RealmID, name.Timestamp)
}

func (r *PostgresRepository) LastName(ctx context.Context, org models.OrganizationID, realm models.RealmID) (*models.RealmName, error) {
	query :=
		`SELECT realm_id, key_index, authored_by, name_timestamp, realm_name_certificate
		 FROM realm_names
		 WHERE organization_id = $1 AND realm_id = $2
		 ORDER BY id DESC LIMIT 1
		 `

	name := &models.RealmName{}
	var authoredBy string
	err := r.db.QueryRowContext(ctx, query, org, realm).Scan(
		&name.RealmID, &name.KeyIndex, &authoredBy, &name.Timestamp, &name.Certificate)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	if name.AuthoredBy, err = models.ParseDeviceID(authoredBy); err != nil {
		return nil, err
	}
	return name, nil
}

func (r *PostgresRepository) InsertKeyRotation(ctx context.Context, org models.OrganizationID, rotation *models.RealmKeyRotation, accesses []*models.KeysBundleAccess) error {
	query :=
		`INSERT INTO realm_key_rotations (organization_id, realm_id, key_index, key_canary,
		        keys_bundle, authored_by, rotation_timestamp, realm_key_rotation_certificate)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 `

	_, err := r.db.ExecContext(ctx, query,
		org, rotation.RealmID, rotation.KeyIndex, rotation.KeyCanary,
		rotation.KeysBundle, rotation.AuthoredBy.String(), rotation.Timestamp, rotation.Certificate)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}

	for _, access := range accesses {
		_, err := r.db.ExecContext(ctx,
			`INSERT INTO realm_keys_bundle_accesses (organization_id, realm_id, key_index, user_id, service_id, access)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			org, access.RealmID, access.KeyIndex, access.UserID, access.ServiceID, access.Access)
		if err != nil {
			return fmt.Errorf("db error: %w", err)
		}
	}

	_, err = r.db.ExecContext(ctx,
		`UPDATE realms SET current_key_index = $3 WHERE organization_id = $1 AND realm_id = $2`,
		org, rotation.RealmID, rotation.KeyIndex)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return r.bumpTopic(ctx, org, rotation.RealmID, rotation.Timestamp)
}

func scanKeyRotation(row *sql.Row) (*models.RealmKeyRotation, error) {
	rotation := &models.RealmKeyRotation{}
	var authoredBy string
	err := row.Scan(&rotation.RealmID, &rotation.KeyIndex, &rotation.KeyCanary,
		&rotation.KeysBundle, &authoredBy, &rotation.Timestamp, &rotation.Certificate)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	if rotation.AuthoredBy, err = models.ParseDeviceID(authoredBy); err != nil {
		return nil, err
	}
	return rotation, nil
}

func (r *PostgresRepository) InsertAccess(ctx context.Context, org models.OrganizationID, access *models.KeysBundleAccess) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO realm_keys_bundle_accesses (organization_id, realm_id, key_index, user_id, service_id, access)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		org, access.RealmID, access.KeyIndex, access.UserID, access.ServiceID, access.Access)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

const keyRotationColumns = `realm_id, key_index, key_canary, keys_bundle, authored_by,
	rotation_timestamp, realm_key_rotation_certificate`

func (r *PostgresRepository) GetKeyRotation(ctx context.Context, org models.OrganizationID, realm models.RealmID, keyIndex int) (*models.RealmKeyRotation, error) {
	query := `SELECT ` + keyRotationColumns + `
		 FROM realm_key_rotations
		 WHERE organization_id = $1 AND realm_id = $2 AND key_index = $3
		 `
	return scanKeyRotation(r.db.QueryRowContext(ctx, query, org, realm, keyIndex))
}

func (r *PostgresRepository) GetKeysBundleAccess(ctx context.Context, org models.OrganizationID, realm models.RealmID, keyIndex int, user models.UserID) ([]byte, error) {
	query :=
		`SELECT access FROM realm_keys_bundle_accesses
		 WHERE organization_id = $1 AND realm_id = $2 AND key_index = $3 AND user_id = $4
		 ORDER BY id DESC LIMIT 1
		 `

	var access []byte
	err := r.db.QueryRowContext(ctx, query, org, realm, keyIndex, user).Scan(&access)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return access, nil
}

func (r *PostgresRepository) ListKeyRotations(ctx context.Context, org models.OrganizationID, realm models.RealmID) ([]*models.RealmKeyRotation, error) {
	query := `SELECT ` + keyRotationColumns + `
		 FROM realm_key_rotations
		 WHERE organization_id = $1 AND realm_id = $2
		 ORDER BY key_index
		 `

	rows, err := r.db.QueryContext(ctx, query, org, realm)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []*models.RealmKeyRotation
	for rows.Next() {
		rotation := &models.RealmKeyRotation{}
		var authoredBy string
		if err := rows.Scan(&rotation.RealmID, &rotation.KeyIndex, &rotation.KeyCanary,
			&rotation.KeysBundle, &authoredBy, &rotation.Timestamp, &rotation.Certificate); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		if rotation.AuthoredBy, err = models.ParseDeviceID(authoredBy); err != nil {
			return nil, err
		}
		out = append(out, rotation)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) ListAccesses(ctx context.Context, org models.OrganizationID, realm models.RealmID) ([]*models.KeysBundleAccess, error) {
	query :=
		`SELECT realm_id, key_index, user_id, service_id, access
		 FROM realm_keys_bundle_accesses
		 WHERE organization_id = $1 AND realm_id = $2
		 ORDER BY id
		 `

	rows, err := r.db.QueryContext(ctx, query, org, realm)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []*models.KeysBundleAccess
	for rows.Next() {
		access := &models.KeysBundleAccess{}
		if err := rows.Scan(&access.RealmID, &access.KeyIndex, &access.UserID, &access.ServiceID, &access.Access); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		out = append(out, access)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) SetArchiving(ctx context.Context, org models.OrganizationID, realm models.RealmID, cfg models.ArchivingConfiguration) error {
	var configuredBy *string
	if cfg.ConfiguredBy != nil {
		s := cfg.ConfiguredBy.String()
		configuredBy = &s
	}

	query :=
		`UPDATE realms SET archiving_state = $3, archiving_deletion_date = $4,
		        archiving_configured_on = $5, archiving_configured_by = $6,
		        archiving_certificate = $7
		 WHERE organization_id = $1 AND realm_id = $2
		 `

	res, err := r.db.ExecContext(ctx, query,
		org, realm, cfg.State, cfg.DeletionDate, cfg.ConfiguredOn, configuredBy, cfg.Certificate)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n == 0 {
		return common.ErrRealmNotFound
	}

	if cfg.Certificate != nil && cfg.ConfiguredOn != nil {
		_, err := r.db.ExecContext(ctx,
			`INSERT INTO realm_archiving (organization_id, realm_id, state, deletion_date,
			        configured_on, configured_by, realm_archiving_certificate)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			org, realm, cfg.State, cfg.DeletionDate, *cfg.ConfiguredOn, configuredBy, cfg.Certificate)
		if err != nil {
			return fmt.Errorf("db error: %w", err)
		}
	}
	if cfg.ConfiguredOn != nil {
		return r.bumpTopic(ctx, org, realm, *cfg.ConfiguredOn)
	}
	return nil
}

func (r *PostgresRepository) DueDeletions(ctx context.Context, now time.Time) ([]DueDeletion, error) {
	query :=
		`SELECT organization_id, realm_id, archiving_deletion_date
		 FROM realms
		 WHERE archiving_state = $1 AND archiving_deletion_date <= $2
		 `

	rows, err := r.db.QueryContext(ctx, query, models.ArchivingDeletionPlanned, now)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []DueDeletion
	for rows.Next() {
		var due DueDeletion
		if err := rows.Scan(&due.Organization, &due.RealmID, &due.DeletionDate); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		out = append(out, due)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) ListCertificates(ctx context.Context, org models.OrganizationID, realm models.RealmID) ([]models.TimestampedCertificate, error) {
	query :=
		`SELECT certificate, ts FROM (
		     SELECT realm_role_certificate AS certificate, granted_on AS ts
		     FROM realm_roles WHERE organization_id = $1 AND realm_id = $2
		     UNION ALL
		     SELECT realm_name_certificate, name_timestamp
		     FROM realm_names WHERE organization_id = $1 AND realm_id = $2
		     UNION ALL
		     SELECT realm_key_rotation_certificate, rotation_timestamp
		     FROM realm_key_rotations WHERE organization_id = $1 AND realm_id = $2
		     UNION ALL
		     SELECT realm_archiving_certificate, configured_on
		     FROM realm_archiving WHERE organization_id = $1 AND realm_id = $2
		 ) certs
		 ORDER BY ts
		 `

	rows, err := r.db.QueryContext(ctx, query, org, realm)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []models.TimestampedCertificate
	for rows.Next() {
		var cert models.TimestampedCertificate
		if err := rows.Scan(&cert.Certificate, &cert.Timestamp); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		out = append(out, cert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}
