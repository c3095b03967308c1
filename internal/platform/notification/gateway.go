package notification

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/ehr/critvalue/internal/domain/critical"
)

// Config controls routing and channel protection.
type Config struct {
	// DefaultRecipient receives alerts for values without an ordering provider.
	DefaultRecipient string
	// EscalationContact is paged over SMS when a value is escalated.
	EscalationContact string
	// BreakerFailures is the number of consecutive failures that opens a
	// channel's breaker.
	BreakerFailures uint32
	// BreakerTimeout is how long an open breaker rejects calls before
	// letting a probe through.
	BreakerTimeout time.Duration
}

func (c *Config) defaults() {
	if c.DefaultRecipient == "" {
		c.DefaultRecipient = "lab-critical-results"
	}
	if c.EscalationContact == "" {
		c.EscalationContact = "on-call-physician"
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = 30 * time.Second
	}
}

// ChannelGateway renders critical value alerts, sends them over the matching
// channel and keeps a log of every attempt. Each channel sits behind its own
// circuit breaker so a dead transport fails fast.
type ChannelGateway struct {
	email     EmailSender
	sms       SMSSender
	templates *TemplateEngine
	cfg       Config
	log       zerolog.Logger
	breakers  map[Channel]*gobreaker.CircuitBreaker

	mu            sync.RWMutex
	notifications map[string]*Notification
}

func NewChannelGateway(email EmailSender, sms SMSSender, tpl *TemplateEngine, cfg Config, log zerolog.Logger) *ChannelGateway {
	cfg.defaults()
	if tpl == nil {
		tpl = NewTemplateEngine()
	}
	g := &ChannelGateway{
		email:         email,
		sms:           sms,
		templates:     tpl,
		cfg:           cfg,
		log:           log,
		notifications: make(map[string]*Notification),
	}
	g.breakers = map[Channel]*gobreaker.CircuitBreaker{
		ChannelEmail: g.newBreaker(ChannelEmail),
		ChannelSMS:   g.newBreaker(ChannelSMS),
	}
	return g
}

func (g *ChannelGateway) newBreaker(ch Channel) *gobreaker.CircuitBreaker {
	failures := g.cfg.BreakerFailures
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(ch),
		MaxRequests: 1,
		Timeout:     g.cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.log.Warn().Str("channel", name).Str("from", from.String()).Str("to", to.String()).
				Msg("notification channel breaker state changed")
		},
	})
}

// Notify emails the ordering provider, or the default recipient when the
// value has none.
func (g *ChannelGateway) Notify(ctx context.Context, cv *critical.CriticalValue) (*critical.DeliveryReceipt, error) {
	recipient := g.cfg.DefaultRecipient
	if cv.OrderedBy != nil && *cv.OrderedBy != "" {
		recipient = *cv.OrderedBy
	}
	return g.send(ctx, KindAlert, TemplateAlert, recipient, cv)
}

// Escalate pages the escalation contact.
func (g *ChannelGateway) Escalate(ctx context.Context, cv *critical.CriticalValue) (*critical.DeliveryReceipt, error) {
	return g.send(ctx, KindEscalation, TemplateEscalation, g.cfg.EscalationContact, cv)
}

func (g *ChannelGateway) send(ctx context.Context, kind Kind, templateID, recipient string, cv *critical.CriticalValue) (*critical.DeliveryReceipt, error) {
	tpl, ok := g.templates.Lookup(templateID)
	if !ok {
		return nil, fmt.Errorf("template %q not found", templateID)
	}
	subject, body, err := g.templates.Render(templateID, templateData(cv))
	if err != nil {
		return nil, err
	}

	n := &Notification{
		ID:              uuid.New().String(),
		Kind:            kind,
		Channel:         tpl.Channel,
		Recipient:       recipient,
		Subject:         subject,
		Body:            body,
		TemplateID:      templateID,
		CriticalValueID: cv.ID,
		PatientID:       cv.PatientID,
		Priority:        string(cv.Priority),
		CreatedAt:       time.Now().UTC(),
	}
	sendErr := g.deliver(ctx, n)

	g.mu.Lock()
	g.notifications[n.ID] = n
	receipt := receiptFor(n)
	g.mu.Unlock()

	if sendErr != nil {
		return nil, sendErr
	}
	return receipt, nil
}

// deliver performs one attempt and records its outcome on n. n must not be
// reachable from the delivery log while deliver runs.
func (g *ChannelGateway) deliver(ctx context.Context, n *Notification) error {
	n.Attempts++
	breaker, ok := g.breakers[n.Channel]
	var err error
	if !ok {
		err = fmt.Errorf("unsupported channel: %s", n.Channel)
	} else {
		_, err = breaker.Execute(func() (interface{}, error) {
			return nil, g.transmit(ctx, n)
		})
	}

	if err != nil {
		n.Status = StatusFailed
		n.Error = err.Error()
		g.log.Error().Err(err).
			Str("notification_id", n.ID).
			Str("channel", string(n.Channel)).
			Str("critical_value_id", n.CriticalValueID.String()).
			Msg("notification delivery failed")
		return &DeliveryError{Channel: n.Channel, Recipient: n.Recipient, Err: err}
	}
	sentAt := time.Now().UTC()
	n.Status = StatusSent
	n.SentAt = &sentAt
	n.Error = ""
	return nil
}

func (g *ChannelGateway) transmit(ctx context.Context, n *Notification) error {
	switch n.Channel {
	case ChannelEmail:
		return g.email.SendEmail(ctx, n.Recipient, n.Subject, n.Body)
	case ChannelSMS:
		return g.sms.SendSMS(ctx, n.Recipient, n.Body)
	}
	return fmt.Errorf("unsupported channel: %s", n.Channel)
}

func receiptFor(n *Notification) *critical.DeliveryReceipt {
	r := &critical.DeliveryReceipt{ID: n.ID, Channel: string(n.Channel), Recipient: n.Recipient}
	if n.SentAt != nil {
		r.SentAt = *n.SentAt
	}
	return r
}

func templateData(cv *critical.CriticalValue) map[string]string {
	mrn := "n/a"
	if cv.MRN != nil {
		mrn = *cv.MRN
	}
	return map[string]string{
		"critical_value_id": cv.ID.String(),
		"patient_id":        cv.PatientID,
		"mrn":               mrn,
		"test_name":         cv.TestName,
		"value":             fmt.Sprintf("%g", cv.Value),
		"units":             cv.Units,
		"severity":          string(cv.Severity),
		"priority":          string(cv.Priority),
		"detected_at":       cv.DetectedAt.UTC().Format(time.RFC3339),
		"deadline":          cv.EscalationDeadline.UTC().Format(time.RFC3339),
		"window":            cv.EscalationDeadline.Sub(cv.DetectedAt).String(),
	}
}

// ---------------------------------------------------------------------------
// Delivery log
// ---------------------------------------------------------------------------

// ListFilter narrows List. Zero fields match everything.
type ListFilter struct {
	Recipient       string
	Status          string
	CriticalValueID uuid.UUID
}

// Get retrieves a notification by ID.
func (g *ChannelGateway) Get(id string) (*Notification, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.notifications[id]
	if !ok {
		return nil, ErrNotFound
	}
	return n.clone(), nil
}

// List returns matching notifications, newest first, up to limit.
func (g *ChannelGateway) List(f ListFilter, limit int) []*Notification {
	g.mu.RLock()
	var out []*Notification
	for _, n := range g.notifications {
		if f.Recipient != "" && n.Recipient != f.Recipient {
			continue
		}
		if f.Status != "" && n.Status != f.Status {
			continue
		}
		if f.CriticalValueID != uuid.Nil && n.CriticalValueID != f.CriticalValueID {
			continue
		}
		out = append(out, n.clone())
	}
	g.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Retry re-sends a failed notification. The entry reads as sending until the
// attempt finishes, so a concurrent Retry of the same id is refused.
func (g *ChannelGateway) Retry(ctx context.Context, id string) (*Notification, error) {
	g.mu.Lock()
	n, ok := g.notifications[id]
	if !ok {
		g.mu.Unlock()
		return nil, ErrNotFound
	}
	if n.Status != StatusFailed {
		g.mu.Unlock()
		return nil, fmt.Errorf("%w (current: %s)", ErrNotRetryable, n.Status)
	}
	attempt := n.clone()
	n.Status = StatusSending
	g.mu.Unlock()

	err := g.deliver(ctx, attempt)

	g.mu.Lock()
	g.notifications[id] = attempt
	g.mu.Unlock()
	return attempt.clone(), err
}

// Stats groups the delivery log by status and reports each breaker's state.
type Stats struct {
	ByStatus map[string]int    `json:"by_status"`
	ByKind   map[Kind]int      `json:"by_kind"`
	Breakers map[string]string `json:"breakers"`
}

func (g *ChannelGateway) Stats() Stats {
	s := Stats{
		ByStatus: make(map[string]int),
		ByKind:   make(map[Kind]int),
		Breakers: make(map[string]string),
	}
	g.mu.RLock()
	for _, n := range g.notifications {
		s.ByStatus[n.Status]++
		s.ByKind[n.Kind]++
	}
	g.mu.RUnlock()
	for ch, b := range g.breakers {
		s.Breakers[string(ch)] = b.State().String()
	}
	return s
}

// IsBreakerOpen reports whether err came from an open or saturated breaker
// rather than the transport itself.
func IsBreakerOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
