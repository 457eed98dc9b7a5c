package attendance

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

// Repository is the persistence collaborator for ledger rows. GetOrCreate
// must enforce the (identity, date) uniqueness invariant: concurrent creators
// resolve to the same row (first writer wins).
type Repository interface {
	GetOrCreate(ctx context.Context, identityID string, date time.Time) (Record, bool, error)
	Get(ctx context.Context, identityID string, date time.Time) (*Record, error)
	Update(ctx context.Context, rec Record) error
	ListByDate(ctx context.Context, date time.Time) ([]Record, error)
}

// MarkResult reports the effect of an arrival or departure mark. On
// AlreadyMarked the Time field carries the original timestamp, not the
// rejected one.
type MarkResult struct {
	Record        Record
	AlreadyMarked bool
	Backfilled    bool
	Time          time.Time
	Message       string
}

const ledgerStripes = 64

// Ledger serializes read-modify-write mutations per (identity, date) key so
// two near-simultaneous events for the same student cannot race the
// check-then-set logic.
type Ledger struct {
	repo  Repository
	locks [ledgerStripes]sync.Mutex
}

// NewLedger creates a ledger backed by the given repository.
func NewLedger(repo Repository) *Ledger {
	return &Ledger{repo: repo}
}

func (l *Ledger) lockFor(identityID string, date time.Time) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(identityID))
	h.Write([]byte(date.Format("2006-01-02")))
	return &l.locks[h.Sum32()%ledgerStripes]
}

// MarkArrival records the arrival time for the day. A second arrival is
// rejected as already-marked and reports the original time.
func (l *Ledger) MarkArrival(ctx context.Context, identityID string, date, at time.Time) (MarkResult, error) {
	if identityID == "" {
		return MarkResult{}, errors.New("identity id required")
	}
	day := Day(date)
	mu := l.lockFor(identityID, day)
	mu.Lock()
	defer mu.Unlock()

	rec, _, err := l.repo.GetOrCreate(ctx, identityID, day)
	if err != nil {
		return MarkResult{}, err
	}

	if rec.ArrivalAt != nil {
		return MarkResult{
			Record:        rec,
			AlreadyMarked: true,
			Time:          *rec.ArrivalAt,
			Message:       fmt.Sprintf("arrival already marked at %s, only one arrival per day", rec.ArrivalAt.Format("15:04")),
		}, nil
	}

	rec.ArrivalAt = &at
	if rec.Status == "" {
		rec.Status = StatusPresent
	}
	if err := l.repo.Update(ctx, rec); err != nil {
		return MarkResult{}, err
	}
	return MarkResult{
		Record:  rec,
		Time:    at,
		Message: fmt.Sprintf("arrival recorded at %s", at.Format("15:04")),
	}, nil
}

// MarkDeparture records the departure time for the day. When no arrival was
// marked yet, the arrival is back-filled with the same time: a same-instant
// pair beats a permanently missing arrival.
func (l *Ledger) MarkDeparture(ctx context.Context, identityID string, date, at time.Time) (MarkResult, error) {
	if identityID == "" {
		return MarkResult{}, errors.New("identity id required")
	}
	day := Day(date)
	mu := l.lockFor(identityID, day)
	mu.Lock()
	defer mu.Unlock()

	rec, _, err := l.repo.GetOrCreate(ctx, identityID, day)
	if err != nil {
		return MarkResult{}, err
	}

	if rec.DepartureAt != nil {
		return MarkResult{
			Record:        rec,
			AlreadyMarked: true,
			Time:          *rec.DepartureAt,
			Message:       fmt.Sprintf("departure already marked at %s, only one departure per day", rec.DepartureAt.Format("15:04")),
		}, nil
	}

	res := MarkResult{Time: at}
	if rec.ArrivalAt == nil {
		rec.ArrivalAt = &at
		res.Backfilled = true
		res.Message = fmt.Sprintf("arrival back-filled at %s while marking departure", at.Format("15:04"))
	} else {
		res.Message = fmt.Sprintf("departure recorded at %s", at.Format("15:04"))
	}
	rec.DepartureAt = &at
	if rec.Status == "" {
		rec.Status = StatusPresent
	}
	if err := l.repo.Update(ctx, rec); err != nil {
		return MarkResult{}, err
	}
	res.Record = rec
	return res, nil
}

// SetStatus is the manual correction path: it always overwrites the status
// and never touches arrival or departure times.
func (l *Ledger) SetStatus(ctx context.Context, identityID string, date time.Time, status Status) (Record, error) {
	if identityID == "" {
		return Record{}, errors.New("identity id required")
	}
	if !status.Valid() {
		return Record{}, fmt.Errorf("unknown status %q", status)
	}
	day := Day(date)
	mu := l.lockFor(identityID, day)
	mu.Lock()
	defer mu.Unlock()

	rec, _, err := l.repo.GetOrCreate(ctx, identityID, day)
	if err != nil {
		return Record{}, err
	}
	rec.Status = status
	if err := l.repo.Update(ctx, rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// MarkNotified flips the notification flag once; repeat calls are no-ops.
// The flag records that a notification was attempted, not delivered.
func (l *Ledger) MarkNotified(ctx context.Context, identityID string, date time.Time) error {
	day := Day(date)
	mu := l.lockFor(identityID, day)
	mu.Lock()
	defer mu.Unlock()

	rec, err := l.repo.Get(ctx, identityID, day)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("no attendance record for %s on %s", identityID, day.Format("2006-01-02"))
	}
	if rec.NotificationSent {
		return nil
	}
	rec.NotificationSent = true
	return l.repo.Update(ctx, *rec)
}

// Day's records, for the daily summary endpoint.
func (l *Ledger) ListByDate(ctx context.Context, date time.Time) ([]Record, error) {
	return l.repo.ListByDate(ctx, Day(date))
}
