package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// idempotencyNamespace scopes v5 idempotency keys to this service.
var idempotencyNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("stockwatch/alerts"))

// Priority controls how loudly a channel should deliver an alert.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

func (p Priority) String() string {
	if p == PriorityHigh {
		return "high"
	}
	return "normal"
}

func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(b []byte) error {
	switch string(b) {
	case "high":
		*p = PriorityHigh
	case "normal", "":
		*p = PriorityNormal
	default:
		return fmt.Errorf("unknown priority %q", string(b))
	}
	return nil
}

// AlertMessage is the unit handed to every delivery channel.
type AlertMessage struct {
	ID             [16]byte   `json:"id"`
	Key            ProductKey `json:"key"`
	Kind           AlertKind  `json:"kind"`
	Title          string     `json:"title"`
	Payload        string     `json:"payload"`
	Priority       Priority   `json:"priority"`
	IdempotencyKey string     `json:"idempotency_key"`
	URL            string     `json:"url,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	TransitionAt   time.Time  `json:"transition_at"`
}

// AlertID returns the message ID in canonical string form.
func (a AlertMessage) AlertID() string {
	return uuid.UUID(a.ID).String()
}

// MarshalJSON renders the ID as a UUID string.
func (a AlertMessage) MarshalJSON() ([]byte, error) {
	type Alias AlertMessage
	return json.Marshal(&struct {
		ID string `json:"id"`
		*Alias
	}{
		ID:    uuid.UUID(a.ID).String(),
		Alias: (*Alias)(&a),
	})
}

// UnmarshalJSON parses the string ID back into its byte form.
func (a *AlertMessage) UnmarshalJSON(data []byte) error {
	type Alias AlertMessage
	aux := &struct {
		ID string `json:"id"`
		*Alias
	}{
		Alias: (*Alias)(a),
	}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	if aux.ID != "" {
		parsed, err := uuid.Parse(aux.ID)
		if err != nil {
			return fmt.Errorf("invalid UUID format for ID: %w", err)
		}
		copy(a.ID[:], parsed[:])
	}
	return nil
}

// IdempotencyKey derives the redelivery key for a transition. The same
// (key, kind, at) always yields the same value.
func IdempotencyKey(key ProductKey, kind AlertKind, at time.Time) string {
	name := key.String() + "|" + kind.String() + "|" + strconv.FormatInt(at.UnixNano(), 10)
	return uuid.NewSHA1(idempotencyNamespace, []byte(name)).String()
}
