package sms

import (
	"fmt"
	"strings"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Client sends text messages through the Twilio REST API.
type Client struct {
	rest *twilio.RestClient
	from string
}

// NewClient creates a Twilio client for one sending number.
func NewClient(accountSID, authToken, fromNumber string) *Client {
	return &Client{
		rest: twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: accountSID,
			Password: authToken,
		}),
		from: fromNumber,
	}
}

// ValidNumber reports whether n looks like an E.164 number.
func ValidNumber(n string) bool {
	if !strings.HasPrefix(n, "+") || len(n) < 8 {
		return false
	}
	for _, r := range n[1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Send delivers body to toNumber and returns the message SID.
func (c *Client) Send(toNumber, body string) (string, error) {
	if !ValidNumber(toNumber) {
		return "", fmt.Errorf("invalid phone number: %s", toNumber)
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(toNumber)
	params.SetFrom(c.from)
	params.SetBody(body)

	resp, err := c.rest.Api.CreateMessage(params)
	if err != nil {
		return "", fmt.Errorf("failed to send SMS to %s: %w", toNumber, err)
	}
	if resp.Sid == nil {
		return "", nil
	}
	return *resp.Sid, nil
}
