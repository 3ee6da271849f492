package models

import "errors"

// Error kinds shared by every component. Wrap with fmt.Errorf("...: %w") and
// test with errors.Is.
var (
	// ErrSourceUnavailable is transient; the poll cycle is retried next interval.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrParse is transient per source; the cycle is skipped.
	ErrParse = errors.New("parse error")
	// ErrChannelDelivery is retried per backoff policy, then marked failed.
	ErrChannelDelivery = errors.New("channel delivery error")
	// ErrConfiguration is fatal at startup.
	ErrConfiguration = errors.New("configuration error")
)
