// Package tracker owns per-product availability state. It detects
// transitions (back in stock, out of stock, price drop) and debounces them
// under a per-key lock, so different products are processed in parallel
// while readings for one product are applied strictly one at a time.
package tracker

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"stockwatch/internal/models"
)

// Config tunes transition detection.
type Config struct {
	// Confirmations is the number of consecutive InStock readings needed
	// before BackInStock fires.
	Confirmations int
	// ConfirmationWindow bounds how far apart those readings may be,
	// measured from the first pending InStock reading.
	ConfirmationWindow time.Duration
	// PriceDropPct is the minimum drop from the reference price, in percent.
	PriceDropPct float64
	// Cooldown suppresses repeat alerts of the same kind for the same key.
	Cooldown time.Duration
}

type entry struct {
	mu    sync.Mutex
	state models.TrackedState
	fresh bool
}

// Tracker is the single writer of TrackedState. Safe for concurrent use.
type Tracker struct {
	cfg    Config
	filter Filter
	factor decimal.Decimal

	mu      sync.RWMutex
	entries map[models.ProductKey]*entry
}

// New creates an empty Tracker.
func New(cfg Config) *Tracker {
	if cfg.Confirmations < 1 {
		cfg.Confirmations = 1
	}
	return &Tracker{
		cfg:     cfg,
		filter:  Filter{Cooldown: cfg.Cooldown},
		factor:  decimal.NewFromInt(1).Sub(decimal.NewFromFloat(cfg.PriceDropPct).Div(decimal.NewFromInt(100))),
		entries: make(map[models.ProductKey]*entry),
	}
}

// lookup returns the entry for key, creating it on first use.
func (t *Tracker) lookup(key models.ProductKey) *entry {
	t.mu.RLock()
	e, ok := t.entries[key]
	t.mu.RUnlock()
	if ok {
		return e
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok = t.entries[key]; ok {
		return e
	}
	e = &entry{fresh: true, state: models.TrackedState{Key: key}}
	t.entries[key] = e
	return e
}

// Apply feeds one observation through the transition function and returns
// the transition it fired, if any. No debouncing is applied.
func (t *Tracker) Apply(obs models.AvailabilityObservation) *models.Transition {
	e := t.lookup(obs.Key)
	e.mu.Lock()
	defer e.mu.Unlock()
	return t.apply(e, obs)
}

// Observe applies obs and, when a transition fires, runs the debounce filter
// and records the alert time, all under the key's lock. The returned
// Decision is meaningful only when the transition is non-nil.
func (t *Tracker) Observe(obs models.AvailabilityObservation) (*models.Transition, Decision) {
	e := t.lookup(obs.Key)
	e.mu.Lock()
	defer e.mu.Unlock()

	tr := t.apply(e, obs)
	if tr == nil {
		return nil, Decision{}
	}
	d := t.filter.ShouldAlert(*tr, e.state)
	if d.Allowed {
		markAlerted(&e.state, tr.Kind, tr.At)
	}
	return tr, d
}

// RevertAlert undoes the cooldown mark left by Observe for a transition
// whose delivery failed on every channel, so the next transition of the same
// kind is not suppressed. It is a no-op if a newer alert was recorded since.
func (t *Tracker) RevertAlert(key models.ProductKey, kind models.AlertKind, at time.Time) {
	e := t.lookup(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	last, ok := e.state.LastAlertByKind[kind]
	if !ok || !last.Equal(at) {
		return
	}
	delete(e.state.LastAlertByKind, kind)

	var latest *time.Time
	for _, ts := range e.state.LastAlertByKind {
		if latest == nil || ts.After(*latest) {
			ts := ts
			latest = &ts
		}
	}
	e.state.LastAlertSentAt = latest
}

// Get returns a copy of the state for key.
func (t *Tracker) Get(key models.ProductKey) (models.TrackedState, bool) {
	t.mu.RLock()
	e, ok := t.entries[key]
	t.mu.RUnlock()
	if !ok {
		return models.TrackedState{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fresh {
		return models.TrackedState{}, false
	}
	return e.state.Clone(), true
}

// Snapshot returns copies of every tracked state, ordered by key.
func (t *Tracker) Snapshot() []models.TrackedState {
	t.mu.RLock()
	entries := make([]*entry, 0, len(t.entries))
	for _, e := range t.entries {
		entries = append(entries, e)
	}
	t.mu.RUnlock()

	out := make([]models.TrackedState, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.fresh {
			out = append(out, e.state.Clone())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.String() < out[j].Key.String()
	})
	return out
}

// apply is the transition function. Caller holds e.mu.
func (t *Tracker) apply(e *entry, obs models.AvailabilityObservation) *models.Transition {
	st := &e.state

	if e.fresh {
		e.fresh = false
		t.trackPrice(st, obs)
		if !obs.InStock {
			st.LastObservation = obs
			return nil
		}
		// An InStock first reading is confirmed against an implied
		// OutOfStock baseline, so starting up mid-drop still alerts.
		st.LastObservation = models.AvailabilityObservation{
			Key:        obs.Key,
			ObservedAt: obs.ObservedAt,
			SourceID:   obs.SourceID,
			Confidence: obs.Confidence,
		}
		return t.confirm(st, obs)
	}

	prev := st.LastObservation
	switch {
	case !obs.InStock && prev.InStock:
		clearPending(st)
		st.LastObservation = obs
		return &models.Transition{
			Key:      obs.Key,
			Kind:     models.OutOfStock,
			Previous: prev,
			Current:  obs,
			At:       obs.ObservedAt,
		}

	case obs.InStock && !prev.InStock:
		return t.confirm(st, obs)

	case !obs.InStock:
		// No PriceDrop for an item nobody can buy. The reference still
		// follows highs.
		clearPending(st)
		st.LastObservation = obs
		t.trackPrice(st, obs)
		return nil
	}

	st.LastObservation = obs
	return t.priceDrop(st, prev, obs)
}

// confirm counts an InStock reading against the pending candidate and fires
// BackInStock once enough arrive inside the window.
func (t *Tracker) confirm(st *models.TrackedState, obs models.AvailabilityObservation) *models.Transition {
	if st.PendingSince == nil || obs.ObservedAt.Sub(*st.PendingSince) > t.cfg.ConfirmationWindow {
		since := obs.ObservedAt
		st.PendingSince = &since
		st.ConsecutiveConfirmations = 1
	} else {
		st.ConsecutiveConfirmations++
	}
	if st.ConsecutiveConfirmations < t.cfg.Confirmations {
		return nil
	}

	prev := st.LastObservation
	clearPending(st)
	st.LastObservation = obs
	st.ReferencePrice = nil
	t.trackPrice(st, obs)
	return &models.Transition{
		Key:      obs.Key,
		Kind:     models.BackInStock,
		Previous: prev,
		Current:  obs,
		At:       obs.ObservedAt,
	}
}

// priceDrop fires when a verified price falls at least PriceDropPct below
// the reference. The reference follows price highs and resets after a drop.
func (t *Tracker) priceDrop(st *models.TrackedState, prev, obs models.AvailabilityObservation) *models.Transition {
	if obs.Confidence != models.Verified || !obs.HasPrice() {
		return nil
	}
	if st.ReferencePrice == nil || obs.Price.GreaterThan(*st.ReferencePrice) {
		t.trackPrice(st, obs)
		return nil
	}

	ref := *st.ReferencePrice
	if obs.Price.GreaterThan(ref.Mul(t.factor)) {
		return nil
	}
	st.ReferencePrice = nil
	t.trackPrice(st, obs)
	return &models.Transition{
		Key:           obs.Key,
		Kind:          models.PriceDrop,
		Previous:      prev,
		Current:       obs,
		At:            obs.ObservedAt,
		PreviousPrice: &ref,
	}
}

// trackPrice raises the reference price to obs's verified price.
func (t *Tracker) trackPrice(st *models.TrackedState, obs models.AvailabilityObservation) {
	if obs.Confidence != models.Verified || !obs.HasPrice() {
		return
	}
	if st.ReferencePrice == nil || obs.Price.GreaterThan(*st.ReferencePrice) {
		p := *obs.Price
		st.ReferencePrice = &p
	}
}

func clearPending(st *models.TrackedState) {
	st.PendingSince = nil
	st.ConsecutiveConfirmations = 0
}
