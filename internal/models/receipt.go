package models

import "time"

// DeliveryStatus is the per (alert, channel) delivery state.
//
//	[pending] -> [sending] -> [sent]
//	[sending] -> [retrying] -> [sending]
//	[sending] -> [failed]
type DeliveryStatus string

const (
	StatusPending  DeliveryStatus = "pending"
	StatusSending  DeliveryStatus = "sending"
	StatusSent     DeliveryStatus = "sent"
	StatusRetrying DeliveryStatus = "retrying"
	StatusFailed   DeliveryStatus = "failed"
)

// Terminal reports whether no further attempts will be made.
func (s DeliveryStatus) Terminal() bool {
	return s == StatusSent || s == StatusFailed
}

// DeliveryReceipt tracks delivery of one alert through one channel.
type DeliveryReceipt struct {
	AlertID      string         `json:"alert_id"`
	ChannelID    string         `json:"channel_id"`
	Status       DeliveryStatus `json:"status"`
	AttemptCount int            `json:"attempt_count"`
	LastError    string         `json:"last_error,omitempty"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Ack is what a channel returns on accepted delivery.
type Ack struct {
	ChannelID string `json:"channel_id"`
	// Reference is the remote message ID when the channel exposes one.
	Reference string `json:"reference,omitempty"`
	// Duplicate is set when the channel recognized the idempotency key.
	Duplicate bool `json:"duplicate,omitempty"`
}

// ChannelInfo describes a configured channel for the operator API.
type ChannelInfo struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Enabled bool   `json:"enabled"`
	Dedup   bool   `json:"dedup"`
}
