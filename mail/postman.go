package mail

import (
	"bytes"

	"github.com/pkg/errors"
	gomail "github.com/wneessen/go-mail"

	"github.com/wtsi-hgi/vault/config"
	"github.com/wtsi-hgi/vault/core"
)

// Postman delivers messages through the configured SMTP relay
type Postman struct {
	cfg config.Email
}

// NewPostman builds a postman for the configured relay
func NewPostman(cfg config.Email) *Postman {
	return &Postman{cfg: cfg}
}

func (p *Postman) String() string {
	return "postman"
}

// Deliver sends the message to the given recipients. Each message gets
// its own connection; the relay is next door and the volume is low.
func (p *Postman) Deliver(msg *Message, recipients ...string) error {
	m := gomail.NewMsg()
	if err := m.From(p.cfg.Sender); err != nil {
		return errors.Wrap(err, "invalid sender address")
	}
	if err := m.To(recipients...); err != nil {
		return errors.Wrap(err, "invalid recipient address")
	}
	m.Subject(msg.Subject)
	m.SetBodyString(gomail.TypeTextPlain, msg.Body)

	for _, a := range msg.Attachments {
		m.AttachReader(a.Filename, bytes.NewReader(a.Data))
	}

	tls := gomail.NoTLS
	if p.cfg.SMTP.TLS {
		tls = gomail.TLSMandatory
	}
	client, err := gomail.NewClient(p.cfg.SMTP.Host,
		gomail.WithPort(p.cfg.SMTP.Port),
		gomail.WithTLSPolicy(tls))
	if err != nil {
		return errors.Wrap(err, "cannot configure SMTP client")
	}

	core.Infof(p, "sending %q to %v", msg.Subject, recipients)
	if err := client.DialAndSend(m); err != nil {
		return errors.Wrap(err, "could not send e-mail")
	}
	return nil
}
