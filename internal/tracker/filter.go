package tracker

import (
	"fmt"
	"time"

	"stockwatch/internal/models"
)

// Decision is the debounce verdict for one transition.
type Decision struct {
	Allowed bool
	Reason  string
}

// Filter suppresses a transition when the same key alerted the same kind
// within Cooldown. Times are compared on the transition clock, not wall time.
type Filter struct {
	Cooldown time.Duration
}

// ShouldAlert reports whether tr should be dispatched given st.
func (f Filter) ShouldAlert(tr models.Transition, st models.TrackedState) Decision {
	last, ok := st.LastAlertByKind[tr.Kind]
	if !ok {
		return Decision{Allowed: true, Reason: "first " + tr.Kind.String() + " alert"}
	}
	if elapsed := tr.At.Sub(last); elapsed < f.Cooldown {
		return Decision{
			Allowed: false,
			Reason:  fmt.Sprintf("cooldown: last %s alert %s ago (window %s)", tr.Kind, elapsed, f.Cooldown),
		}
	}
	return Decision{Allowed: true, Reason: "cooldown elapsed"}
}

func markAlerted(st *models.TrackedState, kind models.AlertKind, at time.Time) {
	if st.LastAlertByKind == nil {
		st.LastAlertByKind = make(map[models.AlertKind]time.Time)
	}
	st.LastAlertByKind[kind] = at
	if st.LastAlertSentAt == nil || at.After(*st.LastAlertSentAt) {
		ts := at
		st.LastAlertSentAt = &ts
	}
}
