package attendance

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// PostgresRepository persists ledger rows in Postgres. A unique index on
// (identity_id, date) backs the one-row-per-day invariant at the database
// level; GetOrCreate relies on ON CONFLICT DO NOTHING plus a re-read so
// concurrent creators converge on the first writer's row.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a repo.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// GetOrCreate returns the day's record, inserting a fresh one when missing.
// The second return value reports whether this call created the row.
func (r *PostgresRepository) GetOrCreate(ctx context.Context, identityID string, date time.Time) (Record, bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_records (id, identity_id, date, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (identity_id, date) DO NOTHING
	`, uuid.NewString(), identityID, date, StatusPresent)
	if err != nil {
		return Record{}, false, err
	}
	created := false
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		created = true
	}

	rec, err := r.Get(ctx, identityID, date)
	if err != nil {
		return Record{}, false, err
	}
	if rec == nil {
		return Record{}, false, errors.New("attendance record vanished after insert")
	}
	return *rec, created, nil
}

// Get returns the record for (identity, date), or nil when absent.
func (r *PostgresRepository) Get(ctx context.Context, identityID string, date time.Time) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, identity_id, date, arrival_at, departure_at, status, notification_sent, created_at
		FROM attendance_records
		WHERE identity_id = $1 AND date = $2
	`, identityID, date)
	var rec Record
	if err := row.Scan(&rec.ID, &rec.IdentityID, &rec.Date, &rec.ArrivalAt, &rec.DepartureAt,
		&rec.Status, &rec.NotificationSent, &rec.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// Update writes back the mutable fields of a record.
func (r *PostgresRepository) Update(ctx context.Context, rec Record) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE attendance_records
		SET arrival_at = $2, departure_at = $3, status = $4, notification_sent = $5, updated_at = NOW()
		WHERE id = $1
	`, rec.ID, rec.ArrivalAt, rec.DepartureAt, rec.Status, rec.NotificationSent)
	return err
}

// ListByDate returns all records for one calendar date.
func (r *PostgresRepository) ListByDate(ctx context.Context, date time.Time) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, identity_id, date, arrival_at, departure_at, status, notification_sent, created_at
		FROM attendance_records
		WHERE date = $1
		ORDER BY identity_id
	`, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.IdentityID, &rec.Date, &rec.ArrivalAt, &rec.DepartureAt,
			&rec.Status, &rec.NotificationSent, &rec.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}
