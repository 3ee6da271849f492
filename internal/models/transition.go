package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// AlertKind is the kind of change a Transition represents.
type AlertKind int

const (
	BackInStock AlertKind = iota + 1
	PriceDrop
	OutOfStock
)

func (k AlertKind) String() string {
	switch k {
	case BackInStock:
		return "back_in_stock"
	case PriceDrop:
		return "price_drop"
	case OutOfStock:
		return "out_of_stock"
	default:
		return "unknown"
	}
}

func (k AlertKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *AlertKind) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "back_in_stock":
		*k = BackInStock
	case "price_drop":
		*k = PriceDrop
	case "out_of_stock":
		*k = OutOfStock
	default:
		return fmt.Errorf("unknown alert kind %q", string(b))
	}
	return nil
}

// Transition is a detected, meaningful change for one ProductKey.
type Transition struct {
	Key      ProductKey              `json:"key"`
	Kind     AlertKind               `json:"kind"`
	Previous AvailabilityObservation `json:"previous"`
	Current  AvailabilityObservation `json:"current"`
	// At is the timestamp of the observation that fired the transition.
	At            time.Time        `json:"at"`
	PreviousPrice *decimal.Decimal `json:"previous_price,omitempty"`
}

// TrackedState is the tracker's view of one ProductKey.
type TrackedState struct {
	Key                      ProductKey              `json:"key"`
	LastObservation          AvailabilityObservation `json:"last_observation"`
	LastAlertSentAt          *time.Time              `json:"last_alert_sent_at,omitempty"`
	ConsecutiveConfirmations int                     `json:"consecutive_confirmations"`

	// PendingSince is set while an InStock reading awaits confirmation.
	PendingSince    *time.Time              `json:"pending_since,omitempty"`
	ReferencePrice  *decimal.Decimal        `json:"reference_price,omitempty"`
	LastAlertByKind map[AlertKind]time.Time `json:"last_alert_by_kind,omitempty"`
}

// Clone returns a deep copy safe to hand outside the tracker.
func (s TrackedState) Clone() TrackedState {
	out := s
	if s.LastAlertSentAt != nil {
		t := *s.LastAlertSentAt
		out.LastAlertSentAt = &t
	}
	if s.PendingSince != nil {
		t := *s.PendingSince
		out.PendingSince = &t
	}
	if s.ReferencePrice != nil {
		p := *s.ReferencePrice
		out.ReferencePrice = &p
	}
	if s.LastAlertByKind != nil {
		out.LastAlertByKind = make(map[AlertKind]time.Time, len(s.LastAlertByKind))
		for k, v := range s.LastAlertByKind {
			out.LastAlertByKind[k] = v
		}
	}
	return out
}
