// Package mailer delivers email over SMTP. The worker depends on the
// Transport interface it defines for itself; this package provides the
// production implementation.
package mailer

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"

	"github.com/outboxhq/outbox/config"
)

// Message is one outbound email.
type Message struct {
	To      string
	Subject string
	HTML    string
	From    string // optional; falls back to the configured from address
}

// Receipt identifies a delivered message.
type Receipt struct {
	MessageID  string
	PreviewURL string // set by transports that expose a hosted preview
}

// Sender sends messages through an SMTP server.
type Sender struct {
	host     string
	port     int
	user     string
	password string
	from     string
}

// New creates an SMTP sender from config.
func New(cfg config.SMTPConfig) *Sender {
	from := cfg.FromAddress
	if cfg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", cfg.FromName, cfg.FromAddress)
	}
	return &Sender{
		host:     cfg.Host,
		port:     cfg.Port,
		user:     cfg.User,
		password: cfg.Password,
		from:     from,
	}
}

// Send delivers msg. Any error is a transport failure; the caller decides the
// retry policy. The ctx is checked before dialing (gomail itself does not
// take a context).
func (s *Sender) Send(ctx context.Context, msg Message) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}

	from := msg.From
	if from == "" {
		from = s.from
	}

	id := fmt.Sprintf("<%s@%s>", uuid.New(), s.host)
	m := gomail.NewMessage()
	m.SetHeader("From", from)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", id)
	m.SetBody("text/html", msg.HTML)

	d := gomail.NewDialer(s.host, s.port, s.user, s.password)
	if err := d.DialAndSend(m); err != nil {
		return Receipt{}, fmt.Errorf("smtp send: %w", err)
	}
	return Receipt{MessageID: id}, nil
}
