package attendance

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memRepo emulates the database-level uniqueness guarantee in memory.
type memRepo struct {
	mu      sync.Mutex
	records map[string]*Record
	nextID  int
}

func newMemRepo() *memRepo {
	return &memRepo{records: map[string]*Record{}}
}

func key(identityID string, date time.Time) string {
	return identityID + "|" + date.Format("2006-01-02")
}

func (r *memRepo) GetOrCreate(ctx context.Context, identityID string, date time.Time) (Record, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(identityID, date)
	if rec, ok := r.records[k]; ok {
		return *rec, false, nil
	}
	r.nextID++
	rec := &Record{
		ID:         fmt.Sprintf("rec-%d", r.nextID),
		IdentityID: identityID,
		Date:       date,
		Status:     StatusPresent,
		CreatedAt:  time.Now().UTC(),
	}
	r.records[k] = rec
	return *rec, true, nil
}

func (r *memRepo) Get(ctx context.Context, identityID string, date time.Time) (*Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[key(identityID, date)]; ok {
		cp := *rec
		return &cp, nil
	}
	return nil, nil
}

func (r *memRepo) Update(ctx context.Context, rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, existing := range r.records {
		if existing.ID == rec.ID {
			cp := rec
			r.records[k] = &cp
			return nil
		}
	}
	return fmt.Errorf("record %s not found", rec.ID)
}

func (r *memRepo) ListByDate(ctx context.Context, date time.Time) ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var res []Record
	for _, rec := range r.records {
		if rec.Date.Equal(date) {
			res = append(res, *rec)
		}
	}
	return res, nil
}

func (r *memRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

var testDay = time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)

func TestMarkArrivalCreatesRecord(t *testing.T) {
	repo := newMemRepo()
	ledger := NewLedger(repo)
	ctx := context.Background()

	at := testDay.Add(8 * time.Hour)
	res, err := ledger.MarkArrival(ctx, "student-1", testDay, at)
	require.NoError(t, err)
	assert.False(t, res.AlreadyMarked)
	require.NotNil(t, res.Record.ArrivalAt)
	assert.Equal(t, at, *res.Record.ArrivalAt)
	assert.Equal(t, StatusPresent, res.Record.Status)
	assert.Nil(t, res.Record.DepartureAt)
}

func TestMarkArrivalTwiceReportsOriginalTime(t *testing.T) {
	repo := newMemRepo()
	ledger := NewLedger(repo)
	ctx := context.Background()

	first := testDay.Add(8 * time.Hour)
	later := testDay.Add(9 * time.Hour)

	_, err := ledger.MarkArrival(ctx, "student-1", testDay, first)
	require.NoError(t, err)

	res, err := ledger.MarkArrival(ctx, "student-1", testDay, later)
	require.NoError(t, err)
	assert.True(t, res.AlreadyMarked)
	assert.Equal(t, first, res.Time, "second mark must report the original time")
	require.NotNil(t, res.Record.ArrivalAt)
	assert.Equal(t, first, *res.Record.ArrivalAt)
}

func TestMarkDepartureBackfillsArrival(t *testing.T) {
	repo := newMemRepo()
	ledger := NewLedger(repo)
	ctx := context.Background()

	at := testDay.Add(16 * time.Hour)
	res, err := ledger.MarkDeparture(ctx, "student-1", testDay, at)
	require.NoError(t, err)
	assert.True(t, res.Backfilled)
	require.NotNil(t, res.Record.ArrivalAt)
	require.NotNil(t, res.Record.DepartureAt)
	assert.Equal(t, at, *res.Record.ArrivalAt)
	assert.Equal(t, at, *res.Record.DepartureAt)
}

func TestMarkDepartureTwiceRejected(t *testing.T) {
	repo := newMemRepo()
	ledger := NewLedger(repo)
	ctx := context.Background()

	first := testDay.Add(16 * time.Hour)
	_, err := ledger.MarkDeparture(ctx, "student-1", testDay, first)
	require.NoError(t, err)

	res, err := ledger.MarkDeparture(ctx, "student-1", testDay, first.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, res.AlreadyMarked)
	assert.Equal(t, first, res.Time)
}

func TestConcurrentMarkArrivalSingleRecord(t *testing.T) {
	repo := newMemRepo()
	ledger := NewLedger(repo)
	ctx := context.Background()

	const n = 50
	results := make([]MarkResult, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := ledger.MarkArrival(ctx, "student-1", testDay, testDay.Add(8*time.Hour).Add(time.Duration(i)*time.Second))
			if !assert.NoError(t, err) {
				return
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, repo.count(), "exactly one record per (identity, date)")

	fresh := 0
	var winner time.Time
	for _, res := range results {
		if !res.AlreadyMarked {
			fresh++
			winner = res.Time
		}
	}
	assert.Equal(t, 1, fresh, "exactly one call wins the arrival")
	for _, res := range results {
		if res.AlreadyMarked {
			assert.Equal(t, winner, res.Time, "rejections must carry the winning time")
		}
	}
}

func TestSetStatusOverwritesWithoutTouchingTimes(t *testing.T) {
	repo := newMemRepo()
	ledger := NewLedger(repo)
	ctx := context.Background()

	at := testDay.Add(8 * time.Hour)
	_, err := ledger.MarkArrival(ctx, "student-1", testDay, at)
	require.NoError(t, err)

	rec, err := ledger.SetStatus(ctx, "student-1", testDay, StatusLate)
	require.NoError(t, err)
	assert.Equal(t, StatusLate, rec.Status)
	require.NotNil(t, rec.ArrivalAt)
	assert.Equal(t, at, *rec.ArrivalAt)

	rec, err = ledger.SetStatus(ctx, "student-1", testDay, StatusAbsent)
	require.NoError(t, err)
	assert.Equal(t, StatusAbsent, rec.Status)
}

func TestSetStatusCreatesMissingRecord(t *testing.T) {
	repo := newMemRepo()
	ledger := NewLedger(repo)

	rec, err := ledger.SetStatus(context.Background(), "student-2", testDay, StatusAbsent)
	require.NoError(t, err)
	assert.Equal(t, StatusAbsent, rec.Status)
	assert.Nil(t, rec.ArrivalAt)
	assert.Equal(t, 1, repo.count())
}

func TestSetStatusRejectsUnknownStatus(t *testing.T) {
	ledger := NewLedger(newMemRepo())
	_, err := ledger.SetStatus(context.Background(), "student-1", testDay, Status("vanished"))
	assert.Error(t, err)
}

func TestMarkNotifiedIdempotent(t *testing.T) {
	repo := newMemRepo()
	ledger := NewLedger(repo)
	ctx := context.Background()

	_, err := ledger.SetStatus(ctx, "student-1", testDay, StatusAbsent)
	require.NoError(t, err)

	require.NoError(t, ledger.MarkNotified(ctx, "student-1", testDay))
	require.NoError(t, ledger.MarkNotified(ctx, "student-1", testDay))

	rec, err := repo.Get(ctx, "student-1", testDay)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.NotificationSent)
}

func TestMarkNotifiedWithoutRecordFails(t *testing.T) {
	ledger := NewLedger(newMemRepo())
	err := ledger.MarkNotified(context.Background(), "student-9", testDay)
	assert.Error(t, err)
}

func TestDayTruncation(t *testing.T) {
	ts := time.Date(2026, 3, 9, 14, 30, 12, 999, time.FixedZone("CET", 3600))
	assert.Equal(t, time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC), Day(ts))
}
