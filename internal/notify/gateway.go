package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// Channel of a guardian message.
type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
)

// Gateway is the external dispatch capability: fire-and-forget with a
// synchronous accept/reject result. No delivery receipts are consumed.
// Callers bound each Send with a context timeout; a timeout counts as a
// failed attempt and is not retried within the same pass.
type Gateway interface {
	Send(ctx context.Context, ch Channel, destination, subject, body string) (accepted bool, detail string, err error)
}

// SMSGateway posts messages to an HTTP SMS provider.
type SMSGateway struct {
	apiURL string
	apiKey string
	sender string
	http   *http.Client
}

// NewSMSGateway creates a client; the HTTP timeout is a hard upper bound so a
// stuck provider cannot block a dispatch batch indefinitely.
func NewSMSGateway(apiURL, apiKey, sender string, timeout time.Duration) *SMSGateway {
	return &SMSGateway{
		apiURL: apiURL,
		apiKey: apiKey,
		sender: sender,
		http:   &http.Client{Timeout: timeout},
	}
}

// Send submits one SMS. The provider's 2xx means accepted.
func (g *SMSGateway) Send(ctx context.Context, _ Channel, destination, _ string, body string) (bool, string, error) {
	payload, _ := json.Marshal(map[string]string{
		"apiKey":  g.apiKey,
		"to":      destination,
		"from":    g.sender,
		"message": body,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.apiURL, bytes.NewReader(payload))
	if err != nil {
		return false, "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.http.Do(req)
	if err != nil {
		return false, "", fmt.Errorf("sms gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return false, fmt.Sprintf("sms gateway rejected: %s: %s", resp.Status, detail), nil
	}
	return true, "accepted", nil
}

// EmailGateway sends through SendGrid.
type EmailGateway struct {
	client   *sendgrid.Client
	fromName string
	fromAddr string
}

// NewEmailGateway creates a SendGrid-backed gateway.
func NewEmailGateway(apiKey, fromName, fromAddr string) *EmailGateway {
	return &EmailGateway{
		client:   sendgrid.NewSendClient(apiKey),
		fromName: fromName,
		fromAddr: fromAddr,
	}
}

// Send submits one email.
func (g *EmailGateway) Send(ctx context.Context, _ Channel, destination, subject, body string) (bool, string, error) {
	msg := mail.NewSingleEmail(
		mail.NewEmail(g.fromName, g.fromAddr),
		subject,
		mail.NewEmail("", destination),
		body,
		"",
	)
	resp, err := g.client.SendWithContext(ctx, msg)
	if err != nil {
		return false, "", fmt.Errorf("email gateway request failed: %w", err)
	}
	if resp.StatusCode >= 300 {
		return false, fmt.Sprintf("email gateway rejected: %d: %s", resp.StatusCode, resp.Body), nil
	}
	return true, "accepted", nil
}

// Router picks the gateway matching the message channel.
type Router struct {
	sms   Gateway
	email Gateway
}

// NewRouter combines the per-channel gateways into one Gateway.
func NewRouter(sms, email Gateway) *Router {
	return &Router{sms: sms, email: email}
}

// Send dispatches to the channel's gateway.
func (r *Router) Send(ctx context.Context, ch Channel, destination, subject, body string) (bool, string, error) {
	switch ch {
	case ChannelEmail:
		return r.email.Send(ctx, ch, destination, subject, body)
	case ChannelSMS:
		return r.sms.Send(ctx, ch, destination, subject, body)
	}
	return false, "", fmt.Errorf("unknown channel %q", ch)
}
