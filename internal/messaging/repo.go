package messaging

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"presence/internal/notify"
)

// Repository is the persistence collaborator for scheduled messages and
// recipient resolution. ClaimDue must be atomic: a row handed to one caller
// is never handed to another.
type Repository interface {
	Insert(ctx context.Context, msg Message) (Message, error)
	ClaimDue(ctx context.Context, now time.Time) ([]Message, error)
	MarkSent(ctx context.Context, id string, at time.Time) error
	MarkFailed(ctx context.Context, id, detail string) error
	Guardian(ctx context.Context, id string) (*notify.Guardian, error)
	GuardiansByClass(ctx context.Context, classID string) ([]notify.Guardian, error)
	AllGuardians(ctx context.Context) ([]notify.Guardian, error)
}

// PostgresRepository implements Repository over Postgres.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a repo.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Insert stores a new message row.
func (r *PostgresRepository) Insert(ctx context.Context, msg Message) (Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Status == "" {
		msg.Status = StatusScheduled
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO scheduled_messages (id, guardian_id, class_id, broadcast, channel, subject, body, due_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, msg.ID, msg.GuardianID, msg.ClassID, msg.Broadcast, msg.Channel, msg.Subject, msg.Body, msg.DueAt, msg.Status)
	if err != nil {
		return Message{}, err
	}
	return msg, nil
}

// ClaimDue moves every due scheduled message to pending and returns the
// claimed rows, oldest first. The single UPDATE is the claim: overlapping
// dispatch passes (worker tick vs manual trigger) can never pick up the same
// row twice, so each message reaches a terminal status exactly once.
func (r *PostgresRepository) ClaimDue(ctx context.Context, now time.Time) ([]Message, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE scheduled_messages
		SET status = $1
		WHERE id IN (
			SELECT id FROM scheduled_messages
			WHERE status = $2 AND due_at <= $3
			ORDER BY due_at ASC
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, guardian_id, class_id, broadcast, channel, COALESCE(subject, ''), body, due_at, status
	`, StatusPending, StatusScheduled, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.GuardianID, &m.ClassID, &m.Broadcast, &m.Channel,
			&m.Subject, &m.Body, &m.DueAt, &m.Status); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// MarkSent moves a message to its terminal sent state.
func (r *PostgresRepository) MarkSent(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE scheduled_messages
		SET status = $2, sent_at = $3, error_detail = NULL
		WHERE id = $1
	`, id, StatusSent, at)
	return err
}

// MarkFailed moves a message to its terminal failed state with the error text.
func (r *PostgresRepository) MarkFailed(ctx context.Context, id, detail string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE scheduled_messages
		SET status = $2, error_detail = $3
		WHERE id = $1
	`, id, StatusFailed, detail)
	return err
}

// Guardian returns one guardian by id, or nil when absent.
func (r *PostgresRepository) Guardian(ctx context.Context, id string) (*notify.Guardian, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, first_name, last_name, phone, COALESCE(email, ''), notifications_sms, notifications_email
		FROM guardians WHERE id = $1
	`, id)
	var g notify.Guardian
	if err := row.Scan(&g.ID, &g.FirstName, &g.LastName, &g.Phone, &g.Email, &g.SMSOptIn, &g.EmailOptIn); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &g, nil
}

// GuardiansByClass lists the guardians of every student in a class.
func (r *PostgresRepository) GuardiansByClass(ctx context.Context, classID string) ([]notify.Guardian, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT g.id, g.first_name, g.last_name, g.phone, COALESCE(g.email, ''),
		       g.notifications_sms, g.notifications_email
		FROM guardians g
		JOIN student_guardians sg ON sg.guardian_id = g.id
		JOIN students s ON s.id = sg.student_id
		WHERE s.class_id = $1
		ORDER BY g.id
	`, classID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanGuardians(rows)
}

// AllGuardians lists every guardian in the system.
func (r *PostgresRepository) AllGuardians(ctx context.Context) ([]notify.Guardian, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, first_name, last_name, phone, COALESCE(email, ''), notifications_sms, notifications_email
		FROM guardians
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanGuardians(rows)
}

func scanGuardians(rows *sql.Rows) ([]notify.Guardian, error) {
	var res []notify.Guardian
	for rows.Next() {
		var g notify.Guardian
		if err := rows.Scan(&g.ID, &g.FirstName, &g.LastName, &g.Phone, &g.Email, &g.SMSOptIn, &g.EmailOptIn); err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}
