// Package mailer delivers transactional email.
//
// The account service depends only on the Dispatcher interface. Two
// implementations ship with the server:
//
//	SMTPDispatcher  real delivery through an SMTP relay (wneessen/go-mail)
//	LogDispatcher   development fallback that writes the message to the log
//
// Delivery is a single attempt. Failures are returned to the caller, which
// reports them upward; there is no retry queue.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wneessen/go-mail"
)

// Message is one outgoing email. Text is the plain-text alternative of HTML.
type Message struct {
	To      string
	Subject string
	HTML    string
	Text    string
}

// Dispatcher sends a rendered message.
type Dispatcher interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPConfig configures SMTPDispatcher.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Timeout  time.Duration
}

// SMTPDispatcher sends mail through an SMTP relay, dialing per message.
type SMTPDispatcher struct {
	cfg    SMTPConfig
	logger *slog.Logger
}

// NewSMTPDispatcher validates cfg and returns a dispatcher. No connection is
// opened until the first Send.
func NewSMTPDispatcher(cfg SMTPConfig, logger *slog.Logger) (*SMTPDispatcher, error) {
	if cfg.Host == "" {
		return nil, errors.New("mailer: SMTP host is required")
	}
	if cfg.From == "" {
		return nil, errors.New("mailer: sender address is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &SMTPDispatcher{cfg: cfg, logger: logger}, nil
}

func (d *SMTPDispatcher) newClient() (*mail.Client, error) {
	opts := []mail.Option{
		mail.WithPort(d.cfg.Port),
		mail.WithTimeout(d.cfg.Timeout),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if d.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(d.cfg.Username),
			mail.WithPassword(d.cfg.Password),
		)
	}
	return mail.NewClient(d.cfg.Host, opts...)
}

// Send delivers msg. It returns an error on any address, dial, auth or
// transfer failure.
func (d *SMTPDispatcher) Send(ctx context.Context, msg Message) error {
	m := mail.NewMsg()
	if err := m.From(d.cfg.From); err != nil {
		return fmt.Errorf("mailer: invalid sender %q: %w", d.cfg.From, err)
	}
	if err := m.To(msg.To); err != nil {
		return fmt.Errorf("mailer: invalid recipient: %w", err)
	}
	m.Subject(msg.Subject)
	m.SetBodyString(mail.TypeTextPlain, msg.Text)
	if msg.HTML != "" {
		m.AddAlternativeString(mail.TypeTextHTML, msg.HTML)
	}

	client, err := d.newClient()
	if err != nil {
		return fmt.Errorf("mailer: configuring SMTP client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("mailer: sending to %s via %s: %w", msg.To, d.cfg.Host, err)
	}

	d.logger.Info("email sent",
		slog.String("to", msg.To),
		slog.String("subject", msg.Subject),
	)
	return nil
}

// LogDispatcher "sends" by logging the plain-text body. Use it when no SMTP
// relay is configured; verification links then appear in the server log.
type LogDispatcher struct {
	logger *slog.Logger
}

// NewLogDispatcher returns a dispatcher that logs every message instead of
// sending it.
func NewLogDispatcher(logger *slog.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger}
}

// Send logs the envelope at Info and never fails. The body holds live
// verification credentials, so it is only logged at Debug (LOG_LEVEL=debug).
func (d *LogDispatcher) Send(ctx context.Context, msg Message) error {
	d.logger.Info("email (not sent, no SMTP relay configured)",
		slog.String("to", msg.To),
		slog.String("subject", msg.Subject),
	)
	d.logger.DebugContext(ctx, "email body",
		slog.String("to", msg.To),
		slog.String("body", msg.Text),
	)
	return nil
}
