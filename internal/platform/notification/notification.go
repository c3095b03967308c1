// Package notification delivers critical value alerts over email and SMS with
// template rendering, per-channel circuit breakers, an in-memory delivery log
// and Echo HTTP handlers for inspecting and retrying deliveries.
package notification

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Notification Types
// ---------------------------------------------------------------------------

// Channel is the transport used to deliver a notification.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// Kind distinguishes the first alert from the escalation page.
type Kind string

const (
	KindAlert      Kind = "alert"
	KindEscalation Kind = "escalation"
)

const (
	StatusSending = "sending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

var (
	ErrNotFound     = errors.New("notification not found")
	ErrNotRetryable = errors.New("notification is not in failed status")
)

// ---------------------------------------------------------------------------
// Notification
// ---------------------------------------------------------------------------

// Notification is one delivery attempt record for a critical value.
type Notification struct {
	ID              string     `json:"id"`
	Kind            Kind       `json:"kind"`
	Channel         Channel    `json:"channel"`
	Recipient       string     `json:"recipient"`
	Subject         string     `json:"subject,omitempty"`
	Body            string     `json:"body"`
	TemplateID      string     `json:"template_id"`
	CriticalValueID uuid.UUID  `json:"critical_value_id"`
	PatientID       string     `json:"patient_id"`
	Priority        string     `json:"priority"`
	Status          string     `json:"status"`
	Attempts        int        `json:"attempts"`
	CreatedAt       time.Time  `json:"created_at"`
	SentAt          *time.Time `json:"sent_at,omitempty"`
	Error           string     `json:"error,omitempty"`
}

func (n *Notification) clone() *Notification {
	out := *n
	if n.SentAt != nil {
		t := *n.SentAt
		out.SentAt = &t
	}
	return &out
}

// DeliveryError reports that a channel could not deliver a notification. It
// never affects the state of the critical value it concerns.
type DeliveryError struct {
	Channel   Channel
	Recipient string
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver %s to %q: %v", e.Channel, e.Recipient, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
