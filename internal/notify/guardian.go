// Package notify decides when guardians must be told about an attendance
// transition and carries the SMS/email dispatch gateway clients.
package notify

import (
	"context"
	"database/sql"
	"strings"
)

// Guardian is a parent/guardian contact with per-channel opt-in flags.
type Guardian struct {
	ID          string `json:"id"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	Phone       string `json:"phone"`
	Email       string `json:"email"`
	SMSOptIn    bool   `json:"notifications_sms"`
	EmailOptIn  bool   `json:"notifications_email"`
}

// GuardianRepository resolves the guardians of one student.
type GuardianRepository interface {
	GuardiansOf(ctx context.Context, identityID string) ([]Guardian, error)
}

// PostgresGuardianRepository reads guardians from Postgres.
type PostgresGuardianRepository struct {
	db *sql.DB
}

// NewPostgresGuardianRepository creates a repo.
func NewPostgresGuardianRepository(db *sql.DB) *PostgresGuardianRepository {
	return &PostgresGuardianRepository{db: db}
}

// GuardiansOf lists the guardians linked to a student.
func (r *PostgresGuardianRepository) GuardiansOf(ctx context.Context, identityID string) ([]Guardian, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT g.id, g.first_name, g.last_name, g.phone, COALESCE(g.email, ''),
		       g.notifications_sms, g.notifications_email
		FROM guardians g
		JOIN student_guardians sg ON sg.guardian_id = g.id
		WHERE sg.student_id = $1
		ORDER BY g.id
	`, identityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Guardian
	for rows.Next() {
		var g Guardian
		if err := rows.Scan(&g.ID, &g.FirstName, &g.LastName, &g.Phone, &g.Email,
			&g.SMSOptIn, &g.EmailOptIn); err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}

// StudentName returns a student's display name, or the empty string when the
// student is unknown.
func (r *PostgresGuardianRepository) StudentName(ctx context.Context, identityID string) (string, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT first_name || ' ' || last_name FROM students WHERE id = $1`, identityID)
	var name string
	if err := row.Scan(&name); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", err
	}
	return name, nil
}

// NormalizePhone strips formatting and forces an international prefix:
// digits only, a leading 0 replaced by the country code, then a + sign.
func NormalizePhone(raw, countryCode string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	cleaned := b.String()
	if strings.HasPrefix(cleaned, "0") {
		cleaned = countryCode + cleaned[1:]
	}
	return "+" + cleaned
}
