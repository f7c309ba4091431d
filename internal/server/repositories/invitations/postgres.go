package invitations

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

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

func (r *PostgresRepository) Insert(ctx context.Context, org models.OrganizationID, invitation *models.Invitation) error {
	var recipients []byte
	if invitation.ShamirRecipients != nil {
		var err error
		if recipients, err = json.Marshal(invitation.ShamirRecipients); err != nil {
			return fmt.Errorf("marshal recipients: %w", err)
		}
	}

	query :=
		`INSERT INTO invitations (organization_id, token, token_hash, invitation_type,
		        created_by, created_on, status, claimer_email, claimer_user_id, shamir_recipients)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10)
		 ON CONFLICT (organization_id, token) DO NOTHING
		 `

	res, err := r.db.ExecContext(ctx, query,
		org, invitation.Token, invitation.TokenHash, invitation.Type,
		invitation.CreatedBy.String(), invitation.CreatedOn, invitation.Status,
		invitation.ClaimerEmail, invitation.ClaimerUserID, recipients)
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
	return nil
}

const invitationColumns = `token, token_hash, invitation_type, created_by, created_on,
	status, COALESCE(claimer_email, ''), claimer_user_id, shamir_recipients`

func scanInvitation(row *sql.Row) (*models.Invitation, error) {
	invitation := &models.Invitation{}
	var createdBy string
	var recipients []byte
	err := row.Scan(&invitation.Token, &invitation.TokenHash, &invitation.Type,
		&createdBy, &invitation.CreatedOn, &invitation.Status,
		&invitation.ClaimerEmail, &invitation.ClaimerUserID, &recipients)
	if err != nil {
		return nil, err
	}
	if invitation.CreatedBy, err = models.ParseDeviceID(createdBy); err != nil {
		return nil, err
	}
	if recipients != nil {
		if err := json.Unmarshal(recipients, &invitation.ShamirRecipients); err != nil {
			return nil, fmt.Errorf("unmarshal recipients: %w", err)
		}
	}
	return invitation, nil
}

func (r *PostgresRepository) Get(ctx context.Context, org models.OrganizationID, token models.InvitationToken) (*models.Invitation, error) {
	query := `SELECT ` + invitationColumns + `
		 FROM invitations
		 WHERE organization_id = $1 AND token = $2
		 `
	invitation, err := scanInvitation(r.db.QueryRowContext(ctx, query, org, token))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrInvitationNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return invitation, nil
}

func (r *PostgresRepository) GetByTokenHash(ctx context.Context, org models.OrganizationID, hash []byte) (*models.Invitation, error) {
	query := `SELECT ` + invitationColumns + `
		 FROM invitations
		 WHERE organization_id = $1 AND token_hash = $2
		 `
	invitation, err := scanInvitation(r.db.QueryRowContext(ctx, query, org, hash))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrInvitationNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return invitation, nil
}

func (r *PostgresRepository) FindActivePendingUser(ctx context.Context, org models.OrganizationID, claimerEmail string) (*models.Invitation, error) {
	query := `SELECT ` + invitationColumns + `
		 FROM invitations
		 WHERE organization_id = $1 AND invitation_type = $2 AND status = $3 AND claimer_email = $4
		 ORDER BY created_on DESC LIMIT 1
		 `
	invitation, err := scanInvitation(r.db.QueryRowContext(ctx, query,
		org, models.InvitationUser, models.InvitationPending, claimerEmail))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return invitation, nil
}

func (r *PostgresRepository) FindActivePendingDevice(ctx context.Context, org models.OrganizationID, claimer models.UserID) (*models.Invitation, error) {
	query := `SELECT ` + invitationColumns + `
		 FROM invitations
		 WHERE organization_id = $1 AND invitation_type = $2 AND status = $3 AND claimer_user_id = $4
		 ORDER BY created_on DESC LIMIT 1
		 `
	invitation, err := scanInvitation(r.db.QueryRowContext(ctx, query,
		org, models.InvitationDevice, models.InvitationPending, claimer))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return invitation, nil
}

func (r *PostgresRepository) List(ctx context.Context, org models.OrganizationID) ([]*models.Invitation, error) {
	query := `SELECT ` + invitationColumns + `
		 FROM invitations
		 WHERE organization_id = $1
		 ORDER BY created_on, token
		 `

	rows, err := r.db.QueryContext(ctx, query, org)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var out []*models.Invitation
	for rows.Next() {
		invitation := &models.Invitation{}
		var createdBy string
		var recipients []byte
		if err := rows.Scan(&invitation.Token, &invitation.TokenHash, &invitation.Type,
			&createdBy, &invitation.CreatedOn, &invitation.Status,
			&invitation.ClaimerEmail, &invitation.ClaimerUserID, &recipients); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		if invitation.CreatedBy, err = models.ParseDeviceID(createdBy); err != nil {
			return nil, err
		}
		if recipients != nil {
			if err := json.Unmarshal(recipients, &invitation.ShamirRecipients); err != nil {
				return nil, fmt.Errorf("unmarshal recipients: %w", err)
			}
		}
		out = append(out, invitation)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) SetStatus(ctx context.Context, org models.OrganizationID, token models.InvitationToken, status models.InvitationStatus) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE invitations SET status = $3 WHERE organization_id = $1 AND token = $2`,
		org, token, status)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n == 0 {
		return common.ErrInvitationNotFound
	}
	return nil
}

func (r *PostgresRepository) InsertAttempt(ctx context.Context, org models.OrganizationID, attempt *models.GreetingAttempt) error {
	query :=
		`INSERT INTO greeting_attempts (organization_id, attempt_id, token, greeter_user_id,
		        claimer_joined, greeter_joined)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (organization_id, attempt_id) DO NOTHING
		 `

	res, err := r.db.ExecContext(ctx, query,
		org, attempt.ID, attempt.Token, attempt.GreeterUserID,
		attempt.ClaimerJoined, attempt.GreeterJoined)
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
	return r.saveSteps(ctx, org, attempt)
}

func (r *PostgresRepository) saveSteps(ctx context.Context, org models.OrganizationID, attempt *models.GreetingAttempt) error {
	upsert :=
		`INSERT INTO greeting_steps (organization_id, attempt_id, side, step_index, payload)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (organization_id, attempt_id, side, step_index) DO UPDATE SET payload = EXCLUDED.payload
		 `

	for i := 0; i < models.GreetingStepCount; i++ {
		if attempt.ClaimerPosted[i] {
			if _, err := r.db.ExecContext(ctx, upsert, org, attempt.ID, models.PeerClaimer, i, attempt.ClaimerSteps[i]); err != nil {
				return fmt.Errorf("db error: %w", err)
			}
		}
		if attempt.GreeterPosted[i] {
			if _, err := r.db.ExecContext(ctx, upsert, org, attempt.ID, models.PeerGreeter, i, attempt.GreeterSteps[i]); err != nil {
				return fmt.Errorf("db error: %w", err)
			}
		}
	}
	return nil
}

func (r *PostgresRepository) loadSteps(ctx context.Context, org models.OrganizationID, attempt *models.GreetingAttempt) error {
	query :=
		`SELECT side, step_index, payload FROM greeting_steps
		 WHERE organization_id = $1 AND attempt_id = $2
		 `

	rows, err := r.db.QueryContext(ctx, query, org, attempt.ID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var side models.GreeterOrClaimer
		var index int
		var payload []byte
		if err := rows.Scan(&side, &index, &payload); err != nil {
			return fmt.Errorf("db error: %w", err)
		}
		if index < 0 || index >= models.GreetingStepCount {
			continue
		}
		if side == models.PeerClaimer {
			attempt.ClaimerSteps[index] = payload
			attempt.ClaimerPosted[index] = true
		} else {
			attempt.GreeterSteps[index] = payload
			attempt.GreeterPosted[index] = true
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

const attemptColumns = `attempt_id, token, greeter_user_id, claimer_joined, greeter_joined,
	cancelled_origin, cancelled_reason, cancelled_on`

func (r *PostgresRepository) scanAttempt(ctx context.Context, org models.OrganizationID, row *sql.Row) (*models.GreetingAttempt, error) {
	attempt := &models.GreetingAttempt{}
	var origin, reason *string
	var cancelledOn sql.NullTime
	err := row.Scan(&attempt.ID, &attempt.Token, &attempt.GreeterUserID,
		&attempt.ClaimerJoined, &attempt.GreeterJoined, &origin, &reason, &cancelledOn)
	if err != nil {
		return nil, err
	}
	if origin != nil && reason != nil && cancelledOn.Valid {
		attempt.Cancelled = &models.GreetingAttemptCancellation{
			Origin:    models.GreeterOrClaimer(*origin),
			Reason:    models.CancelledGreetingAttemptReason(*reason),
			Timestamp: cancelledOn.Time,
		}
	}
	if err := r.loadSteps(ctx, org, attempt); err != nil {
		return nil, err
	}
	return attempt, nil
}

func (r *PostgresRepository) GetAttempt(ctx context.Context, org models.OrganizationID, id models.GreetingAttemptID) (*models.GreetingAttempt, error) {
	query := `SELECT ` + attemptColumns + `
		 FROM greeting_attempts
		 WHERE organization_id = $1 AND attempt_id = $2
		 `
	attempt, err := r.scanAttempt(ctx, org, r.db.QueryRowContext(ctx, query, org, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrGreetingAttemptNotFound
		}
		return nil, err
	}
	return attempt, nil
}

func (r *PostgresRepository) ActiveAttempt(ctx context.Context, org models.OrganizationID, token models.InvitationToken, greeter models.UserID) (*models.GreetingAttempt, error) {
	query := `SELECT ` + attemptColumns + `
		 FROM greeting_attempts
		 WHERE organization_id = $1 AND token = $2 AND greeter_user_id = $3 AND cancelled_on IS NULL
		 ORDER BY attempt_id LIMIT 1
		 `
	attempt, err := r.scanAttempt(ctx, org, r.db.QueryRowContext(ctx, query, org, token, greeter))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return attempt, nil
}

func (r *PostgresRepository) UpdateAttempt(ctx context.Context, org models.OrganizationID, attempt *models.GreetingAttempt) error {
	var origin, reason *string
	var cancelledOn sql.NullTime
	if attempt.Cancelled != nil {
		o, re := string(attempt.Cancelled.Origin), string(attempt.Cancelled.Reason)
		origin, reason = &o, &re
		cancelledOn = sql.NullTime{Time: attempt.Cancelled.Timestamp, Valid: true}
	}

	query :=
		`UPDATE greeting_attempts SET claimer_joined = $3, greeter_joined = $4,
		        cancelled_origin = $5, cancelled_reason = $6, cancelled_on = $7
		 WHERE organization_id = $1 AND attempt_id = $2
		 `

	res, err := r.db.ExecContext(ctx, query,
		org, attempt.ID, attempt.ClaimerJoined, attempt.GreeterJoined, origin, reason, cancelledOn)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n == 0 {
		return common.ErrGreetingAttemptNotFound
	}
	return r.saveSteps(ctx, org, attempt)
}
