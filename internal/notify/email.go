package notify

import (
	"context"
	"fmt"

	gomail "gopkg.in/gomail.v2"

	"github.com/cronboxhq/cronbox/internal/model"
)

// EmailChannel delivers notifications over SMTP as HTML with a plain-text
// alternative.
type EmailChannel struct {
	dialer *gomail.Dialer
	from   string
}

func NewEmailChannel(host string, port int, username, password, from string) (*EmailChannel, error) {
	if host == "" {
		return nil, fmt.Errorf("smtp host not configured")
	}
	if from == "" {
		from = username
	}
	return &EmailChannel{
		dialer: gomail.NewDialer(host, port, username, password),
		from:   from,
	}, nil
}

func (c *EmailChannel) Name() string { return "email" }

func (c *EmailChannel) Enabled(ws *model.Workspace) bool {
	return ws.EmailEnabled()
}

func (c *EmailChannel) Send(_ context.Context, ws *model.Workspace, msg *Rendered, _ *Event) error {
	m := gomail.NewMessage()
	m.SetHeader("From", c.from)
	m.SetHeader("To", ws.NotifyEmails...)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/plain", msg.Text)
	if msg.HTML != "" {
		m.AddAlternative("text/html", msg.HTML)
	}
	if err := c.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}
