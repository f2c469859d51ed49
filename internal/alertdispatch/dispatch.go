// Package alertdispatch implements the Alert Dispatcher (§4.8): SMTP
// delivery of the human-facing incident notification, with the same retry
// policy as the evidence publisher and an offline spool on exhaustion. No
// mail library appears anywhere in the retrieved corpus, so this is built
// directly on net/smtp and crypto/tls (see DESIGN.md).
package alertdispatch

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/technosupport/sentrymesh/internal/retry"
)

// ErrNoRecipient is surfaced when the tenant has no contact address; the
// coordinator logs and drops rather than spooling (§4.8).
var ErrNoRecipient = errors.New("alertdispatch: tenant has no contact address")

// Alert is the human-facing notification content built by the coordinator
// (§4.6 step 5).
type Alert struct {
	TenantID         string
	TenantDisplay    string
	RecipientAddress string
	Source           string
	DetectedAt       time.Time
	IncidentKind     string
	ScreenerNarrative string
	ConfirmerNarrative string
	ClipURL          string
	ClipExpiresAt    time.Time
}

func (a Alert) subject() string {
	return fmt.Sprintf("[sentrymesh] %s incident on %s", a.IncidentKind, a.Source)
}

func (a Alert) body() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Tenant: %s\n", a.TenantDisplay)
	fmt.Fprintf(&b, "Source: %s\n", a.Source)
	fmt.Fprintf(&b, "Detected at: %s\n", a.DetectedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Incident kind: %s\n\n", a.IncidentKind)
	fmt.Fprintf(&b, "Screener: %s\n", a.ScreenerNarrative)
	if a.ConfirmerNarrative != "" {
		fmt.Fprintf(&b, "Confirmer: %s\n", a.ConfirmerNarrative)
	}
	fmt.Fprintf(&b, "\nClip: %s (expires %s)\n", a.ClipURL, a.ClipExpiresAt.UTC().Format(time.RFC3339))
	return b.String()
}

// Config carries the SMTP connection details.
type Config struct {
	Host          string
	Port          int
	Username      string
	Password      string
	FromAddress   string
	SpoolDir      string
	RetentionDays int

	// TLSInsecureSkipVerify disables certificate verification, for internal
	// relays running self-signed certificates.
	TLSInsecureSkipVerify bool
}

// Dispatcher sends Alerts over SMTP, falling back to an offline spool file
// on retry exhaustion.
type Dispatcher struct {
	Config Config
	Retry  retry.Policy
}

// NewDispatcher builds a Dispatcher with the default retry policy (§4.8,
// same schedule as §4.7).
func NewDispatcher(cfg Config) *Dispatcher {
	return &Dispatcher{Config: cfg, Retry: retry.DefaultPolicy}
}

// Dispatch sends alert, retrying transient SMTP failures, and spools to
// disk on exhaustion. Returns ErrNoRecipient without attempting delivery or
// spooling if alert.RecipientAddress is empty (§4.8). The bool return
// distinguishes true SMTP delivery (true) from a retry-exhausted alert that
// was merely spooled to disk (false, nil error) — callers must not treat
// "no error" as "delivered": a spooled alert still returns a nil error, and
// dedup recording / "delivered" reporting (§4.6 step 7, S5) hinges on this
// distinction, not on err alone.
func (d *Dispatcher) Dispatch(ctx context.Context, alert Alert) (delivered bool, err error) {
	if alert.RecipientAddress == "" {
		return false, ErrNoRecipient
	}

	var sendErr error
	sendErrOuter := retry.Run(ctx, d.Retry, isRetryableSMTP, func(ctx context.Context, attempt int) error {
		e := d.sendOnce(ctx, alert)
		sendErr = e
		return e
	})
	if sendErrOuter == nil {
		return true, nil
	}

	if err := d.spool(alert, sendErr); err != nil {
		return false, err
	}
	return false, nil
}

func (d *Dispatcher) sendOnce(ctx context.Context, alert Alert) error {
	deadline := time.Now().Add(30 * time.Second)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	addr := fmt.Sprintf("%s:%d", d.Config.Host, d.Config.Port)
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return &smtpError{retryable: true, err: err}
	}
	conn.SetDeadline(deadline)

	client, err := smtp.NewClient(conn, d.Config.Host)
	if err != nil {
		conn.Close()
		return &smtpError{retryable: true, err: err}
	}
	defer client.Close()

	tlsConfig := &tls.Config{ServerName: d.Config.Host, InsecureSkipVerify: d.Config.TLSInsecureSkipVerify}
	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(tlsConfig); err != nil {
			// STARTTLS negotiation failed: fall back to a fresh implicit-TLS
			// connection rather than sending in the clear (§4.8).
			client.Close()
			conn.Close()
			return d.sendImplicitTLS(ctx, addr, tlsConfig, alert)
		}
	} else {
		client.Close()
		conn.Close()
		return d.sendImplicitTLS(ctx, addr, tlsConfig, alert)
	}

	return d.deliverOverClient(client, alert)
}

func (d *Dispatcher) sendImplicitTLS(ctx context.Context, addr string, tlsConfig *tls.Config, alert Alert) error {
	var dialer tls.Dialer
	dialer.Config = tlsConfig
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return &smtpError{retryable: true, err: err}
	}
	conn.SetDeadline(time.Now().Add(30 * time.Second))

	client, err := smtp.NewClient(conn, d.Config.Host)
	if err != nil {
		conn.Close()
		return &smtpError{retryable: true, err: err}
	}
	defer client.Close()

	return d.deliverOverClient(client, alert)
}

func (d *Dispatcher) deliverOverClient(client *smtp.Client, alert Alert) error {
	if d.Config.Username != "" {
		auth := smtp.PlainAuth("", d.Config.Username, d.Config.Password, d.Config.Host)
		if ok, _ := client.Extension("AUTH"); ok {
			if err := client.Auth(auth); err != nil {
				return &smtpError{retryable: false, err: err}
			}
		}
	}

	if err := client.Mail(d.Config.FromAddress); err != nil {
		return &smtpError{retryable: isRetryableSMTPCode(err), err: err}
	}
	if err := client.Rcpt(alert.RecipientAddress); err != nil {
		return &smtpError{retryable: isRetryableSMTPCode(err), err: err}
	}

	w, err := client.Data()
	if err != nil {
		return &smtpError{retryable: true, err: err}
	}
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s",
		d.Config.FromAddress, alert.RecipientAddress, alert.subject(), alert.body())
	if _, err := w.Write([]byte(msg)); err != nil {
		return &smtpError{retryable: true, err: err}
	}
	if err := w.Close(); err != nil {
		return &smtpError{retryable: true, err: err}
	}
	return client.Quit()
}

// spool serializes alert to the offline-alerts directory. This is the
// durable record: the dispatcher schedules no further retries (§4.8).
func (d *Dispatcher) spool(alert Alert, sendErr error) error {
	if err := os.MkdirAll(d.Config.SpoolDir, 0o750); err != nil {
		return fmt.Errorf("alertdispatch: spool dir: %w (send error: %v)", err, sendErr)
	}

	record := struct {
		Alert         Alert  `json:"alert"`
		FailureReason string `json:"failure_reason"`
		SpooledAt     time.Time `json:"spooled_at"`
	}{Alert: alert, FailureReason: sendErr.Error(), SpooledAt: time.Now()}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("alertdispatch: marshal spool record: %w", err)
	}

	path := filepath.Join(d.Config.SpoolDir, uuid.NewString()+".json")
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return fmt.Errorf("alertdispatch: write spool file: %w (send error: %v)", err, sendErr)
	}
	return nil
}

type smtpError struct {
	retryable bool
	err       error
}

func (e *smtpError) Error() string { return e.err.Error() }
func (e *smtpError) Unwrap() error { return e.err }

func isRetryableSMTP(err error) bool {
	var se *smtpError
	if errors.As(err, &se) {
		return se.retryable
	}
	return true
}

// isRetryableSMTPCode treats 4xx SMTP reply codes as transient and 5xx as
// permanent, mirroring the evidence publisher's HTTP classification.
func isRetryableSMTPCode(err error) bool {
	msg := err.Error()
	if len(msg) >= 3 && msg[0] == '4' {
		return true
	}
	return false
}
