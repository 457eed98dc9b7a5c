package notify

import (
	"context"
	"fmt"
	"log"
	"time"

	"presence/internal/attendance"
)

// Ledger is the subset of the attendance ledger the trigger needs.
type Ledger interface {
	MarkNotified(ctx context.Context, identityID string, date time.Time) error
}

// Report summarizes one trigger evaluation.
type Report struct {
	Fired     bool `json:"fired"`
	Attempted int  `json:"attempted"`
	Accepted  int  `json:"accepted"`
	Rejected  int  `json:"rejected"`
}

// Trigger fires guardian notifications for qualifying ledger transitions:
// a record turning absent or late, guardians opted in, at most one attempt
// per (identity, date). The notification flag records "attempted", not
// "delivered" — a rejected send still blocks a second attempt that day.
type Trigger struct {
	gateway     Gateway
	ledger      Ledger
	timeout     time.Duration
	countryCode string
}

// NewTrigger wires the trigger to its gateway and ledger.
func NewTrigger(gateway Gateway, ledger Ledger, timeout time.Duration, countryCode string) *Trigger {
	return &Trigger{gateway: gateway, ledger: ledger, timeout: timeout, countryCode: countryCode}
}

// Notify evaluates a ledger transition and, when due, sends one SMS per
// opted-in guardian. Returns the attempt counts; send failures are logged and
// reported but never returned as errors.
func (t *Trigger) Notify(ctx context.Context, rec attendance.Record, studentName string, guardians []Guardian) Report {
	if rec.Status != attendance.StatusAbsent && rec.Status != attendance.StatusLate {
		return Report{}
	}
	if rec.NotificationSent {
		return Report{}
	}

	rep := Report{Fired: true}
	for _, g := range guardians {
		if !g.SMSOptIn {
			continue
		}
		body := t.messageBody(rec, studentName, g)
		sendCtx, cancel := context.WithTimeout(ctx, t.timeout)
		accepted, detail, err := t.gateway.Send(sendCtx, ChannelSMS, NormalizePhone(g.Phone, t.countryCode), "", body)
		cancel()

		rep.Attempted++
		if err != nil || !accepted {
			rep.Rejected++
			log.Printf("guardian notification to %s failed: accepted=%v detail=%q err=%v", g.ID, accepted, detail, err)
			continue
		}
		rep.Accepted++
	}

	// Flag the record even when every send failed; one attempt per day.
	if err := t.ledger.MarkNotified(ctx, rec.IdentityID, rec.Date); err != nil {
		log.Printf("marking notification flag for %s failed: %v", rec.IdentityID, err)
	}
	return rep
}

func (t *Trigger) messageBody(rec attendance.Record, studentName string, g Guardian) string {
	date := rec.Date.Format("02/01/2006")
	name := g.FirstName + " " + g.LastName
	if rec.Status == attendance.StatusLate {
		at := ""
		if rec.ArrivalAt != nil {
			at = rec.ArrivalAt.Format("15:04")
		}
		return fmt.Sprintf("Hello %s, your child %s arrived late today (%s) at %s.", name, studentName, date, at)
	}
	return fmt.Sprintf("Hello %s, your child %s is absent today (%s). Please contact the school for more information.", name, studentName, date)
}
