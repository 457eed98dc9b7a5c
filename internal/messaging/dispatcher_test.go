package messaging

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"presence/internal/notify"
)

type fakeRepo struct {
	mu        sync.Mutex
	due       []Message
	guardians map[string]notify.Guardian
	byClass   map[string][]notify.Guardian
	all       []notify.Guardian
	sent      map[string]time.Time
	failed    map[string]string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		guardians: map[string]notify.Guardian{},
		byClass:   map[string][]notify.Guardian{},
		sent:      map[string]time.Time{},
		failed:    map[string]string{},
	}
}

func (r *fakeRepo) Insert(ctx context.Context, msg Message) (Message, error) {
	return msg, nil
}

// ClaimDue hands out each due message at most once, like the UPDATE .. RETURNING
// claim in the Postgres implementation.
func (r *fakeRepo) ClaimDue(ctx context.Context, now time.Time) ([]Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	claimed := r.due
	r.due = nil
	for i := range claimed {
		claimed[i].Status = StatusPending
	}
	return claimed, nil
}

func (r *fakeRepo) MarkSent(ctx context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent[id] = at
	return nil
}

func (r *fakeRepo) MarkFailed(ctx context.Context, id, detail string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed[id] = detail
	return nil
}

func (r *fakeRepo) Guardian(ctx context.Context, id string) (*notify.Guardian, error) {
	if g, ok := r.guardians[id]; ok {
		return &g, nil
	}
	return nil, nil
}

func (r *fakeRepo) GuardiansByClass(ctx context.Context, classID string) ([]notify.Guardian, error) {
	return r.byClass[classID], nil
}

func (r *fakeRepo) AllGuardians(ctx context.Context) ([]notify.Guardian, error) {
	return r.all, nil
}

// fakeGateway records sends and can reject, panic or stall per configuration.
type fakeGateway struct {
	mu       sync.Mutex
	sent     []string
	reject   map[string]bool
	panicOn  string
	delay    time.Duration
	lastBody string
}

func (g *fakeGateway) Send(ctx context.Context, ch notify.Channel, destination, subject, body string) (bool, string, error) {
	if destination == g.panicOn {
		panic("gateway blew up on " + destination)
	}
	if g.delay > 0 {
		time.Sleep(g.delay)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = append(g.sent, destination)
	g.lastBody = body
	if g.reject[destination] {
		return false, "provider rejected", nil
	}
	return true, "accepted", nil
}

func strPtr(s string) *string { return &s }

func guardian(id, phone string, smsOptIn bool) notify.Guardian {
	return notify.Guardian{ID: id, FirstName: "G", LastName: id, Phone: phone, SMSOptIn: smsOptIn}
}

func dueMessage(id string, target func(*Message)) Message {
	m := Message{
		ID:      id,
		Channel: notify.ChannelSMS,
		Body:    "hello",
		DueAt:   time.Now().UTC().Add(-time.Minute),
		Status:  StatusScheduled,
	}
	target(&m)
	return m
}

func TestProcessDueSingleRecipient(t *testing.T) {
	repo := newFakeRepo()
	repo.guardians["g1"] = guardian("g1", "0612345678", true)
	repo.due = []Message{dueMessage("m1", func(m *Message) { m.GuardianID = strPtr("g1") })}
	gw := &fakeGateway{}

	d := NewDispatcher(repo, gw, time.Second, "33")
	rep, err := d.ProcessDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Processed: 1, SuccessCount: 1}, rep)

	require.Len(t, gw.sent, 1)
	assert.Equal(t, "+33612345678", gw.sent[0], "SMS destination must be normalized")
	assert.Contains(t, repo.sent, "m1")
	assert.Empty(t, repo.failed)
}

func TestProcessDueIsolatesFailures(t *testing.T) {
	// Three due messages; the second one panics in the gateway. The pass must
	// still process all three and mark only the second failed.
	repo := newFakeRepo()
	repo.guardians["g1"] = guardian("g1", "0611111111", true)
	repo.guardians["g2"] = guardian("g2", "0622222222", true)
	repo.guardians["g3"] = guardian("g3", "0633333333", true)
	repo.due = []Message{
		dueMessage("m1", func(m *Message) { m.GuardianID = strPtr("g1") }),
		dueMessage("m2", func(m *Message) { m.GuardianID = strPtr("g2") }),
		dueMessage("m3", func(m *Message) { m.GuardianID = strPtr("g3") }),
	}
	gw := &fakeGateway{panicOn: "+33622222222"}

	d := NewDispatcher(repo, gw, time.Second, "33")
	rep, err := d.ProcessDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Processed: 3, SuccessCount: 2, ErrorCount: 1}, rep)

	assert.Contains(t, repo.sent, "m1")
	assert.Contains(t, repo.sent, "m3")
	require.Contains(t, repo.failed, "m2")
	assert.Contains(t, repo.failed["m2"], "panic")
}

func TestProcessDueSingleRecipientRejected(t *testing.T) {
	repo := newFakeRepo()
	repo.guardians["g1"] = guardian("g1", "0612345678", true)
	repo.due = []Message{dueMessage("m1", func(m *Message) { m.GuardianID = strPtr("g1") })}
	gw := &fakeGateway{reject: map[string]bool{"+33612345678": true}}

	d := NewDispatcher(repo, gw, time.Second, "33")
	rep, err := d.ProcessDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Processed: 1, ErrorCount: 1}, rep)
	assert.Contains(t, repo.failed["m1"], "rejected")
}

func TestProcessDueUnknownGuardian(t *testing.T) {
	repo := newFakeRepo()
	repo.due = []Message{dueMessage("m1", func(m *Message) { m.GuardianID = strPtr("ghost") })}
	gw := &fakeGateway{}

	d := NewDispatcher(repo, gw, time.Second, "33")
	rep, err := d.ProcessDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Processed: 1, ErrorCount: 1}, rep)
	assert.Contains(t, repo.failed["m1"], "not found")
	assert.Empty(t, gw.sent)
}

func TestProcessDueOptedOutGuardianFails(t *testing.T) {
	repo := newFakeRepo()
	repo.guardians["g1"] = guardian("g1", "0612345678", false)
	repo.due = []Message{dueMessage("m1", func(m *Message) { m.GuardianID = strPtr("g1") })}
	gw := &fakeGateway{}

	d := NewDispatcher(repo, gw, time.Second, "33")
	rep, err := d.ProcessDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Processed: 1, ErrorCount: 1}, rep)
	assert.Contains(t, repo.failed["m1"], "no eligible recipients")
	assert.Empty(t, gw.sent)
}

func TestProcessDueBroadcastFiltersOptIns(t *testing.T) {
	repo := newFakeRepo()
	repo.all = []notify.Guardian{
		guardian("g1", "0611111111", true),
		guardian("g2", "0622222222", false),
		guardian("g3", "", true), // opted in but no phone on file
	}
	repo.due = []Message{dueMessage("m1", func(m *Message) { m.Broadcast = true })}
	gw := &fakeGateway{}

	d := NewDispatcher(repo, gw, time.Second, "33")
	rep, err := d.ProcessDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Processed: 1, SuccessCount: 1}, rep)
	assert.Equal(t, []string{"+33611111111"}, gw.sent)
}

func TestProcessDueBulkSentDespitePartialFailure(t *testing.T) {
	repo := newFakeRepo()
	repo.byClass["c1"] = []notify.Guardian{
		guardian("g1", "0611111111", true),
		guardian("g2", "0622222222", true),
	}
	repo.due = []Message{dueMessage("m1", func(m *Message) { m.ClassID = strPtr("c1") })}
	gw := &fakeGateway{reject: map[string]bool{"+33622222222": true}}

	d := NewDispatcher(repo, gw, time.Second, "33")
	rep, err := d.ProcessDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Processed: 1, SuccessCount: 1}, rep, "bulk counts as sent once dispatched")
	assert.Contains(t, repo.sent, "m1")
}

func TestProcessDueBulkAllRecipientsFailing(t *testing.T) {
	repo := newFakeRepo()
	repo.byClass["c1"] = []notify.Guardian{
		guardian("g1", "0611111111", true),
		guardian("g2", "0622222222", true),
	}
	repo.due = []Message{dueMessage("m1", func(m *Message) { m.ClassID = strPtr("c1") })}
	gw := &fakeGateway{reject: map[string]bool{"+33611111111": true, "+33622222222": true}}

	d := NewDispatcher(repo, gw, time.Second, "33")
	rep, err := d.ProcessDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Processed: 1, ErrorCount: 1}, rep)
	assert.Contains(t, repo.failed["m1"], "all 2 recipients failed")
}

func TestProcessDueEmailChannel(t *testing.T) {
	repo := newFakeRepo()
	repo.guardians["g1"] = notify.Guardian{
		ID: "g1", Email: "parent@example.com", EmailOptIn: true,
	}
	repo.due = []Message{dueMessage("m1", func(m *Message) {
		m.GuardianID = strPtr("g1")
		m.Channel = notify.ChannelEmail
		m.Subject = "report"
	})}
	gw := &fakeGateway{}

	d := NewDispatcher(repo, gw, time.Second, "33")
	rep, err := d.ProcessDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Processed: 1, SuccessCount: 1}, rep)
	assert.Equal(t, []string{"parent@example.com"}, gw.sent)
}

func TestProcessDueMessageWithoutTarget(t *testing.T) {
	repo := newFakeRepo()
	repo.due = []Message{dueMessage("m1", func(m *Message) {})}
	gw := &fakeGateway{}

	d := NewDispatcher(repo, gw, time.Second, "33")
	rep, err := d.ProcessDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Processed: 1, ErrorCount: 1}, rep)
	assert.True(t, strings.Contains(repo.failed["m1"], "no target"), repo.failed["m1"])
}

func TestProcessDueConcurrentPassesSendOnce(t *testing.T) {
	// A worker tick and a manual trigger racing over the same due message:
	// the claim must hand the row to exactly one pass.
	repo := newFakeRepo()
	repo.guardians["g1"] = guardian("g1", "0612345678", true)
	repo.due = []Message{dueMessage("m1", func(m *Message) { m.GuardianID = strPtr("g1") })}
	gw := &fakeGateway{delay: 50 * time.Millisecond}

	first := NewDispatcher(repo, gw, time.Second, "33")
	second := NewDispatcher(repo, gw, time.Second, "33")

	reports := make([]Report, 2)
	var wg sync.WaitGroup
	for i, d := range []*Dispatcher{first, second} {
		wg.Add(1)
		go func(i int, d *Dispatcher) {
			defer wg.Done()
			rep, err := d.ProcessDue(context.Background())
			if !assert.NoError(t, err) {
				return
			}
			reports[i] = rep
		}(i, d)
	}
	wg.Wait()

	assert.Len(t, gw.sent, 1, "message must be dispatched exactly once")
	assert.Equal(t, 1, reports[0].Processed+reports[1].Processed)
	assert.Equal(t, 1, reports[0].SuccessCount+reports[1].SuccessCount)
	assert.Contains(t, repo.sent, "m1")
	assert.Empty(t, repo.failed)
}

func TestProcessDueEmptyQueue(t *testing.T) {
	d := NewDispatcher(newFakeRepo(), &fakeGateway{}, time.Second, "33")
	rep, err := d.ProcessDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{}, rep)
}

func TestProcessDueTerminalStatesExclusive(t *testing.T) {
	// Every processed message ends up in exactly one terminal map.
	repo := newFakeRepo()
	repo.guardians["g1"] = guardian("g1", "0611111111", true)
	repo.guardians["g2"] = guardian("g2", "0622222222", true)
	repo.due = []Message{
		dueMessage("m1", func(m *Message) { m.GuardianID = strPtr("g1") }),
		dueMessage("m2", func(m *Message) { m.GuardianID = strPtr("g2") }),
	}
	gw := &fakeGateway{reject: map[string]bool{"+33622222222": true}}

	d := NewDispatcher(repo, gw, time.Second, "33")
	_, err := d.ProcessDue(context.Background())
	require.NoError(t, err)

	for _, id := range []string{"m1", "m2"} {
		_, sent := repo.sent[id]
		_, failed := repo.failed[id]
		assert.False(t, sent && failed, fmt.Sprintf("message %s in both terminal states", id))
		assert.True(t, sent || failed, fmt.Sprintf("message %s in no terminal state", id))
	}
}
