package providers

import (
	"context"
	"fmt"
	"strings"

	"stockwatch/internal/config"
	"stockwatch/internal/models"
	"stockwatch/pkg/sms"
)

// smsMaxLen keeps alerts inside a single concatenated SMS.
const smsMaxLen = 320

type smsSender interface {
	Send(toNumber, body string) (string, error)
}

// SMS texts every configured number through Twilio.
type SMS struct {
	id     string
	from   string
	sid    string
	token  string
	to     []string
	client smsSender
}

func NewSMS(cfg config.Channel, deps Deps) (Channel, error) {
	return &SMS{
		id:     cfg.ID,
		from:   cfg.From,
		sid:    cfg.AccountSID,
		token:  cfg.AuthToken,
		to:     cfg.To,
		client: sms.NewClient(cfg.AccountSID, cfg.AuthToken, cfg.From),
	}, nil
}

func (s *SMS) ID() string   { return s.id }
func (s *SMS) Type() string { return "sms" }

func (s *SMS) Validate() error {
	if s.sid == "" || s.token == "" || s.from == "" {
		return fmt.Errorf("missing SMS configuration: account_sid, auth_token or from is empty")
	}
	if len(s.to) == 0 {
		return fmt.Errorf("no recipients")
	}
	for _, n := range s.to {
		if !sms.ValidNumber(n) {
			return fmt.Errorf("invalid phone number: %s", n)
		}
	}
	return nil
}

// Send texts each recipient. A partial failure fails the attempt; numbers
// that already accepted the message may receive it again on retry.
func (s *SMS) Send(ctx context.Context, msg models.AlertMessage) (models.Ack, error) {
	body := msg.Title + "\n" + msg.Payload
	if msg.URL != "" {
		body += "\n" + msg.URL
	}
	if r := []rune(body); len(r) > smsMaxLen {
		body = string(r[:smsMaxLen])
	}

	var refs []string
	for _, to := range s.to {
		if err := ctx.Err(); err != nil {
			return models.Ack{}, deliveryError(s.id, err)
		}
		ref, err := s.client.Send(to, body)
		if err != nil {
			return models.Ack{}, deliveryError(s.id, err)
		}
		refs = append(refs, ref)
	}
	return models.Ack{ChannelID: s.id, Reference: strings.Join(refs, ",")}, nil
}
