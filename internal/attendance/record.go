// Package attendance keeps the per-student per-day ledger: one record per
// (identity, date), arrival and departure each settable at most once.
package attendance

import "time"

// Status of a day's attendance record. Manual corrections may overwrite it;
// arrival and departure times may not.
type Status string

const (
	StatusPresent        Status = "present"
	StatusAbsent         Status = "absent"
	StatusLate           Status = "late"
	StatusEarlyDeparture Status = "early_departure"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPresent, StatusAbsent, StatusLate, StatusEarlyDeparture:
		return true
	}
	return false
}

// Record is one ledger row. Records are created lazily on the first event of
// the day and retained forever as an audit log.
type Record struct {
	ID               string     `json:"id"`
	IdentityID       string     `json:"identity_id"`
	Date             time.Time  `json:"date"`
	ArrivalAt        *time.Time `json:"arrival_at,omitempty"`
	DepartureAt      *time.Time `json:"departure_at,omitempty"`
	Status           Status     `json:"status"`
	NotificationSent bool       `json:"notification_sent"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Day truncates a timestamp to its UTC calendar date, the ledger key.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
