package messaging

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"presence/internal/metrics"
	"presence/internal/notify"
)

// Dispatcher processes due scheduled messages. Each message is handled in
// isolation: a panic or error while sending one message marks that message
// failed and the pass continues with the rest.
type Dispatcher struct {
	repo    Repository
	gateway notify.Gateway
	timeout time.Duration
	country string
}

// NewDispatcher wires a dispatcher to its repository and gateway.
func NewDispatcher(repo Repository, gateway notify.Gateway, gatewayTimeout time.Duration, countryCode string) *Dispatcher {
	return &Dispatcher{repo: repo, gateway: gateway, timeout: gatewayTimeout, country: countryCode}
}

// ProcessDue runs one dispatch pass: due messages are claimed (moved to
// pending) in one atomic step before any gateway call, then driven to a
// terminal status. Concurrent passes each work a disjoint set of rows.
func (d *Dispatcher) ProcessDue(ctx context.Context) (Report, error) {
	due, err := d.repo.ClaimDue(ctx, time.Now().UTC())
	if err != nil {
		return Report{}, fmt.Errorf("claim due messages: %w", err)
	}

	var rep Report
	for _, msg := range due {
		rep.Processed++
		if err := d.processOne(ctx, msg); err != nil {
			rep.ErrorCount++
			metrics.MessagesDispatched.WithLabelValues("failed").Inc()
			log.Printf("message %s failed: %v", msg.ID, err)
			if merr := d.repo.MarkFailed(ctx, msg.ID, err.Error()); merr != nil {
				log.Printf("marking message %s failed errored: %v", msg.ID, merr)
			}
			continue
		}
		rep.SuccessCount++
		metrics.MessagesDispatched.WithLabelValues("sent").Inc()
		if merr := d.repo.MarkSent(ctx, msg.ID, time.Now().UTC()); merr != nil {
			log.Printf("marking message %s sent errored: %v", msg.ID, merr)
		}
	}
	return rep, nil
}

// processOne resolves recipients and sends. Panics from gateway or repository
// code are converted to errors so one bad message cannot abort the batch.
func (d *Dispatcher) processOne(ctx context.Context, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while processing message: %v", r)
		}
	}()

	recipients, err := d.resolveRecipients(ctx, msg)
	if err != nil {
		return err
	}
	if len(recipients) == 0 {
		return fmt.Errorf("no eligible recipients for channel %s", msg.Channel)
	}

	single := msg.GuardianID != nil && !msg.Broadcast && msg.ClassID == nil

	var failures []string
	for _, g := range recipients {
		dest := d.destination(g, msg.Channel)
		sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
		accepted, detail, serr := d.gateway.Send(sendCtx, msg.Channel, dest, msg.Subject, msg.Body)
		cancel()

		if serr != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", g.ID, serr))
			continue
		}
		if !accepted {
			failures = append(failures, fmt.Sprintf("%s: %s", g.ID, detail))
		}
	}

	// A single-recipient message must actually be accepted; a bulk message
	// counts as sent once dispatched, with per-recipient failures recorded in
	// the error detail of the log only.
	if single && len(failures) > 0 {
		return fmt.Errorf("send rejected: %s", failures[0])
	}
	if !single && len(failures) == len(recipients) {
		return fmt.Errorf("all %d recipients failed: %s", len(recipients), strings.Join(failures, "; "))
	}
	if len(failures) > 0 {
		log.Printf("message %s: %d/%d recipients failed: %s", msg.ID, len(failures), len(recipients), strings.Join(failures, "; "))
	}
	return nil
}

// resolveRecipients expands the message target into concrete guardians,
// filtered by the channel's opt-in flag and, for email, a non-empty address.
func (d *Dispatcher) resolveRecipients(ctx context.Context, msg Message) ([]notify.Guardian, error) {
	var (
		guardians []notify.Guardian
		err       error
	)
	switch {
	case msg.Broadcast:
		guardians, err = d.repo.AllGuardians(ctx)
	case msg.ClassID != nil:
		guardians, err = d.repo.GuardiansByClass(ctx, *msg.ClassID)
	case msg.GuardianID != nil:
		var g *notify.Guardian
		g, err = d.repo.Guardian(ctx, *msg.GuardianID)
		if err == nil {
			if g == nil {
				return nil, fmt.Errorf("guardian %s not found", *msg.GuardianID)
			}
			guardians = []notify.Guardian{*g}
		}
	default:
		return nil, fmt.Errorf("message has no target")
	}
	if err != nil {
		return nil, err
	}

	eligible := guardians[:0]
	for _, g := range guardians {
		if !d.optedIn(g, msg.Channel) {
			continue
		}
		eligible = append(eligible, g)
	}
	return eligible, nil
}

func (d *Dispatcher) optedIn(g notify.Guardian, ch notify.Channel) bool {
	switch ch {
	case notify.ChannelSMS:
		return g.SMSOptIn && g.Phone != ""
	case notify.ChannelEmail:
		return g.EmailOptIn && g.Email != ""
	}
	return false
}

func (d *Dispatcher) destination(g notify.Guardian, ch notify.Channel) string {
	if ch == notify.ChannelEmail {
		return g.Email
	}
	return notify.NormalizePhone(g.Phone, d.country)
}
