package email

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/wneessen/go-mail"
)

// smtpsPort is the implicit-TLS submission port.
const smtpsPort = 465

// Message is one plain-text email.
type Message struct {
	From    string
	To      []string
	Subject string
	Body    string
	// Headers are added verbatim, e.g. Message-ID for receiver-side dedup.
	Headers map[string]string
}

// Validate checks the addresses.
func (m Message) Validate() error {
	if len(m.To) == 0 {
		return fmt.Errorf("no recipients")
	}
	for _, to := range append([]string{m.From}, m.To...) {
		if !strings.Contains(to, "@") {
			return fmt.Errorf("invalid email address: %s", to)
		}
	}
	return nil
}

func (m Message) build() (*mail.Msg, error) {
	msg := mail.NewMsg(mail.WithEncoding(mail.NoEncoding))
	if err := msg.From(m.From); err != nil {
		return nil, fmt.Errorf("from: %w", err)
	}
	if err := msg.To(m.To...); err != nil {
		return nil, fmt.Errorf("to: %w", err)
	}
	msg.Subject(m.Subject)
	for k, v := range m.Headers {
		if strings.EqualFold(k, "Message-ID") {
			msg.SetMessageIDWithValue(strings.Trim(v, "<>"))
			continue
		}
		msg.SetGenHeader(mail.Header(k), v)
	}
	msg.SetBodyString(mail.TypeTextPlain, m.Body)
	return msg, nil
}

// Send delivers msg through the SMTP server with PLAIN auth. STARTTLS is
// used when the server offers it; port 465 uses implicit TLS. The whole
// session is bound to ctx.
func Send(ctx context.Context, server string, port int, username, password string, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	m, err := msg.build()
	if err != nil {
		return err
	}

	opts := []mail.Option{
		mail.WithPort(port),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(username),
		mail.WithPassword(password),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if port == smtpsPort {
		opts = append(opts, mail.WithSSL())
	}
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d > 0 {
			opts = append(opts, mail.WithTimeout(d))
		}
	}
	client, err := mail.NewClient(server, opts...)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	return client.DialAndSendWithContext(ctx, m)
}
