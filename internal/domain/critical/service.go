package critical

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ehr/critvalue/internal/platform/hipaa"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultWindow is the compliance window between detection and escalation.
const DefaultWindow = 15 * time.Minute

// escalationRetryDelay is how long a fired escalation waits before retrying
// after the store refused the transition.
const escalationRetryDelay = 30 * time.Second

// Audit event type codes.
const (
	AuditDetected     = "critical-value.detected"
	AuditNotification = "critical-value.notification"
	AuditEscalated    = "critical-value.escalated"
	AuditAcknowledged = "critical-value.acknowledged"
)

// DeliveryReceipt is what a Gateway hands back for an accepted notification.
type DeliveryReceipt struct {
	ID        string    `json:"id"`
	Channel   string    `json:"channel"`
	Recipient string    `json:"recipient"`
	SentAt    time.Time `json:"sentAt"`
}

// Gateway delivers outbound alerts. The engine only invokes it; failures are
// logged and audited but never change the state of a critical value.
type Gateway interface {
	Notify(ctx context.Context, cv *CriticalValue) (*DeliveryReceipt, error)
	Escalate(ctx context.Context, cv *CriticalValue) (*DeliveryReceipt, error)
}

// Metrics receives engine events. See internal/platform/metrics.
type Metrics interface {
	Detected(priority, severity string)
	Escalated()
	Acknowledged(complianceStatus string, minutes float64)
	AckRejected()
	NotificationAttempt(kind string, err error)
}

type nopMetrics struct{}

func (nopMetrics) Detected(string, string)           {}
func (nopMetrics) Escalated()                        {}
func (nopMetrics) Acknowledged(string, float64)      {}
func (nopMetrics) AckRejected()                      {}
func (nopMetrics) NotificationAttempt(string, error) {}

type nopGateway struct{}

func (nopGateway) Notify(context.Context, *CriticalValue) (*DeliveryReceipt, error) {
	return &DeliveryReceipt{}, nil
}

func (nopGateway) Escalate(context.Context, *CriticalValue) (*DeliveryReceipt, error) {
	return &DeliveryReceipt{}, nil
}

// Options tunes a Service. Zero values fall back to defaults.
type Options struct {
	Window        time.Duration
	Clock         Clock
	Logger        zerolog.Logger
	Audit         hipaa.Sink
	Metrics       Metrics
	RetryAttempts int
	RetryInterval time.Duration
}

// Service owns the lifecycle of critical values. Transitions for one id are
// serialized by a per-id lock; distinct ids proceed in parallel.
type Service struct {
	repo    Repository
	eval    *Evaluator
	gateway Gateway
	sched   *Scheduler
	locks   *keyedMutex

	clock         Clock
	window        time.Duration
	log           zerolog.Logger
	audit         hipaa.Sink
	metrics       Metrics
	retryAttempts int
	retryInterval time.Duration

	bg       context.Context
	cancelBg context.CancelFunc
	inflight sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func NewService(repo Repository, eval *Evaluator, gateway Gateway, opts Options) *Service {
	if eval == nil {
		eval = NewEvaluator(nil)
	}
	if gateway == nil {
		gateway = nopGateway{}
	}
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Clock == nil {
		opts.Clock = RealClock()
	}
	if opts.Audit == nil {
		opts.Audit = hipaa.NopSink{}
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 3
	}
	if opts.RetryInterval < 0 {
		opts.RetryInterval = 0
	}

	bg, cancel := context.WithCancel(context.Background())
	s := &Service{
		repo:          repo,
		eval:          eval,
		gateway:       gateway,
		locks:         newKeyedMutex(),
		clock:         opts.Clock,
		window:        opts.Window,
		log:           opts.Logger,
		audit:         opts.Audit,
		metrics:       opts.Metrics,
		retryAttempts: opts.RetryAttempts,
		retryInterval: opts.RetryInterval,
		bg:            bg,
		cancelBg:      cancel,
	}
	s.sched = NewScheduler(opts.Clock, s.onDeadline)
	return s
}

// Window returns the compliance window.
func (s *Service) Window() time.Duration { return s.window }

// Evaluator returns the evaluator used for classification.
func (s *Service) Evaluator() *Evaluator { return s.eval }

// Record classifies a result. When it is critical the value is stored as
// PENDING, its escalation deadline is armed and the ordering provider is
// notified in the background.
func (s *Service) Record(ctx context.Context, in ResultInput) (*RecordResult, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	cls := s.eval.Classify(in.TestName, in.Value)
	if !cls.Critical {
		return &RecordResult{Classification: cls}, nil
	}

	now := s.clock.Now()
	cv := &CriticalValue{
		ID:                 uuid.New(),
		PatientID:          in.PatientID,
		MRN:                in.MRN,
		TestName:           cls.Range.TestName,
		Value:              in.Value,
		Units:              cls.Range.Units,
		Severity:           cls.Severity,
		Priority:           cls.Priority,
		DetectedAt:         now,
		EscalationDeadline: now.Add(s.window),
		State:              StatePending,
		OrderedBy:          in.OrderedBy,
		PerformedBy:        in.PerformedBy,
	}

	unlock := s.locks.Lock(cv.ID)
	if err := s.withRetry(ctx, "save", func() error { return s.repo.Save(ctx, cv) }); err != nil {
		unlock()
		return nil, err
	}
	s.sched.Arm(cv.ID, cv.EscalationDeadline)
	unlock()

	s.metrics.Detected(string(cv.Priority), string(cv.Severity))
	s.log.Info().
		Str("critical_value_id", cv.ID.String()).
		Str("test_name", cv.TestName).
		Str("priority", string(cv.Priority)).
		Str("severity", string(cv.Severity)).
		Float64("value", cv.Value).
		Msg("critical value detected")
	s.recordAudit(ctx, hipaa.AuditEvent{
		TypeCode:   AuditDetected,
		Action:     "C",
		AgentName:  deref(in.PerformedBy),
		EntityType: "CriticalValue",
		EntityID:   cv.ID,
		PatientID:  cv.PatientID,
		Detail: map[string]string{
			"testName": cv.TestName,
			"value":    fmt.Sprintf("%g", cv.Value),
			"severity": string(cv.Severity),
			"priority": string(cv.Priority),
		},
	})

	s.dispatch(kindNotify, cv.Clone())
	return &RecordResult{Classification: cls, CriticalValue: cv.Clone()}, nil
}

// Acknowledge records the single acknowledgment for id and cancels its
// escalation timer.
func (s *Service) Acknowledge(ctx context.Context, id uuid.UUID, in AckInput) (*Acknowledgment, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	cv, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if cv.Acknowledgment != nil || cv.State.IsAcknowledged() {
		s.metrics.AckRejected()
		return nil, ErrAlreadyAcknowledged
	}
	next, err := NextState(cv.State, EventAcknowledge)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	// Status is derived from the rounded minutes clients see.
	minutes := math.Round(now.Sub(cv.DetectedAt).Minutes()*100) / 100
	status := StatusCompliant
	if minutes > s.window.Minutes() {
		status = StatusDelayed
	}
	ack := &Acknowledgment{
		CriticalValueID:          id,
		AcknowledgedBy:           in.AcknowledgedBy,
		AcknowledgedAt:           now,
		Notes:                    in.Notes,
		ActionTaken:              in.ActionTaken,
		TimeToAcknowledgeMinutes: minutes,
		ComplianceStatus:         status,
	}
	err = s.withRetry(ctx, "save acknowledgment", func() error { return s.repo.SaveAcknowledgment(ctx, ack, next) })
	if errors.Is(err, ErrAlreadyAcknowledged) {
		s.metrics.AckRejected()
	}
	if err != nil {
		return nil, err
	}
	s.sched.Cancel(id)

	s.metrics.Acknowledged(string(status), ack.TimeToAcknowledgeMinutes)
	s.log.Info().
		Str("critical_value_id", id.String()).
		Str("acknowledged_by", ack.AcknowledgedBy).
		Str("compliance_status", string(status)).
		Float64("minutes", ack.TimeToAcknowledgeMinutes).
		Msg("critical value acknowledged")
	s.recordAudit(ctx, hipaa.AuditEvent{
		TypeCode:   AuditAcknowledged,
		Action:     "U",
		AgentName:  ack.AcknowledgedBy,
		EntityType: "CriticalValue",
		EntityID:   id,
		PatientID:  cv.PatientID,
		Detail: map[string]string{
			"state":                    string(next),
			"complianceStatus":         string(status),
			"timeToAcknowledgeMinutes": fmt.Sprintf("%.2f", ack.TimeToAcknowledgeMinutes),
		},
	})

	out := *ack
	return &out, nil
}

// Escalate moves id from PENDING to ESCALATED and pages the escalation
// contact. It is a no-op returning false when the value was already
// acknowledged or escalated.
func (s *Service) Escalate(ctx context.Context, id uuid.UUID) (bool, error) {
	unlock := s.locks.Lock(id)
	cv, err := s.load(ctx, id)
	if err != nil {
		unlock()
		return false, err
	}
	if !canEscalate(cv) {
		unlock()
		return false, nil
	}
	next, err := NextState(cv.State, EventEscalate)
	if err != nil {
		unlock()
		return false, err
	}
	now := s.clock.Now()
	cv.State = next
	cv.EscalatedAt = &now
	if err := s.withRetry(ctx, "save", func() error { return s.repo.Save(ctx, cv) }); err != nil {
		unlock()
		return false, err
	}
	s.sched.Cancel(id)
	unlock()

	s.metrics.Escalated()
	s.log.Warn().
		Str("critical_value_id", id.String()).
		Str("test_name", cv.TestName).
		Str("priority", string(cv.Priority)).
		Time("detected_at", cv.DetectedAt).
		Msg("critical value not acknowledged in time, escalating")
	s.recordAudit(ctx, hipaa.AuditEvent{
		TypeCode:   AuditEscalated,
		Action:     "E",
		AgentName:  "escalation-scheduler",
		EntityType: "CriticalValue",
		EntityID:   id,
		PatientID:  cv.PatientID,
		Detail:     map[string]string{"window": s.window.String()},
	})

	s.dispatch(kindEscalate, cv.Clone())
	return true, nil
}

// onDeadline is the scheduler callback.
func (s *Service) onDeadline(id uuid.UUID) {
	_, err := s.Escalate(s.bg, id)
	if err == nil || errors.Is(err, ErrNotFound) {
		if err != nil {
			s.log.Error().Str("critical_value_id", id.String()).Msg("escalation fired for unknown critical value")
		}
		return
	}
	s.log.Error().Err(err).Str("critical_value_id", id.String()).Msg("escalation failed, will retry")
	if s.isClosed() {
		return
	}
	s.sched.Arm(id, s.clock.Now().Add(escalationRetryDelay))
}

// Get returns a single critical value with its acknowledgment.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*CriticalValue, error) {
	return s.load(ctx, id)
}

// List returns one page of the values matching f, newest first, and the
// total number of matches.
func (s *Service) List(ctx context.Context, f Filter, limit, offset int) ([]*CriticalValue, int, error) {
	all, err := s.query(ctx, f)
	if err != nil {
		return nil, 0, err
	}
	total := len(all)
	if offset >= total {
		return []*CriticalValue{}, total, nil
	}
	if offset < 0 {
		offset = 0
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return all[offset:end], total, nil
}

// Statistics reduces every record matching f into compliance statistics.
func (s *Service) Statistics(ctx context.Context, f Filter) (*ComplianceStats, error) {
	values, err := s.query(ctx, f)
	if err != nil {
		return nil, err
	}
	return ComputeStats(values, s.window), nil
}

// Recover re-arms deadlines for every unacknowledged PENDING value, typically
// after a restart. Overdue deadlines fire immediately.
func (s *Service) Recover(ctx context.Context) (int, error) {
	pending, err := s.query(ctx, Filter{State: StatePending})
	if err != nil {
		return 0, err
	}
	armed := 0
	for _, cv := range pending {
		if !canEscalate(cv) {
			continue
		}
		s.sched.Arm(cv.ID, cv.EscalationDeadline)
		armed++
	}
	s.log.Info().Int("armed", armed).Msg("escalation deadlines recovered")
	return armed, nil
}

// Drain waits for in-flight notification dispatches.
func (s *Service) Drain() {
	s.inflight.Wait()
}

// Close stops all timers and waits for in-flight dispatches. Records stay in
// the repository; Recover re-arms them on the next start.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.sched.Stop()
	s.inflight.Wait()
	s.cancelBg()
}

func (s *Service) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

const (
	kindNotify   = "notify"
	kindEscalate = "escalate"
)

// dispatch calls the gateway on a tracked goroutine. The caller is never
// blocked on delivery.
func (s *Service) dispatch(kind string, cv *CriticalValue) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.log.Warn().
			Str("critical_value_id", cv.ID.String()).
			Str("kind", kind).
			Msg("service closed, notification not dispatched")
		return
	}
	s.inflight.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.inflight.Done()
		ctx := s.bg

		var (
			receipt *DeliveryReceipt
			err     error
		)
		switch kind {
		case kindNotify:
			s.markNotified(ctx, cv)
			receipt, err = s.gateway.Notify(ctx, cv)
		case kindEscalate:
			receipt, err = s.gateway.Escalate(ctx, cv)
		}
		s.metrics.NotificationAttempt(kind, err)

		event := hipaa.AuditEvent{
			TypeCode:   AuditNotification,
			Action:     "E",
			AgentName:  "notification-gateway",
			EntityType: "CriticalValue",
			EntityID:   cv.ID,
			PatientID:  cv.PatientID,
			Detail:     map[string]string{"kind": kind},
		}
		if err != nil {
			event.Outcome = hipaa.OutcomeMinorFailure
			event.OutcomeDesc = err.Error()
			s.log.Error().Err(err).
				Str("critical_value_id", cv.ID.String()).
				Str("kind", kind).
				Msg("notification delivery failed")
		} else if receipt != nil {
			event.Detail["channel"] = receipt.Channel
			event.Detail["recipient"] = receipt.Recipient
		}
		s.recordAudit(ctx, event)
	}()
}

// markNotified stamps NotifiedAt on the first delivery attempt.
func (s *Service) markNotified(ctx context.Context, cv *CriticalValue) {
	unlock := s.locks.Lock(cv.ID)
	defer unlock()

	now := s.clock.Now()
	cv.NotifiedAt = &now
	stored, err := s.load(ctx, cv.ID)
	if err != nil {
		s.log.Error().Err(err).Str("critical_value_id", cv.ID.String()).Msg("failed to load critical value for notification")
		return
	}
	if stored.NotifiedAt != nil {
		return
	}
	stored.NotifiedAt = &now
	stored.Acknowledgment = nil
	if err := s.withRetry(ctx, "save", func() error { return s.repo.Save(ctx, stored) }); err != nil {
		s.log.Error().Err(err).Str("critical_value_id", cv.ID.String()).Msg("failed to persist notifiedAt")
	}
}

func (s *Service) load(ctx context.Context, id uuid.UUID) (*CriticalValue, error) {
	var cv *CriticalValue
	err := s.withRetry(ctx, "load", func() error {
		var err error
		cv, err = s.repo.Load(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	reconcile(cv)
	return cv, nil
}

// query filters on state after reconcile, so a row whose stored state lags
// its acknowledgment is matched by the state it reports.
func (s *Service) query(ctx context.Context, f Filter) ([]*CriticalValue, error) {
	stored := f
	stored.State = ""
	var values []*CriticalValue
	err := s.withRetry(ctx, "query", func() error {
		var err error
		values, err = s.repo.Query(ctx, stored)
		return err
	})
	if err != nil {
		return nil, err
	}
	out := values[:0]
	for _, cv := range values {
		reconcile(cv)
		if f.State == "" || cv.State == f.State {
			out = append(out, cv)
		}
	}
	return out, nil
}

// reconcile derives the acknowledged state from a stored acknowledgment when
// the row's state disagrees with it, as with rows written before the
// acknowledgment and state change shared a transaction.
func reconcile(cv *CriticalValue) {
	if cv.Acknowledgment == nil || cv.State.IsAcknowledged() {
		return
	}
	if next, err := NextState(cv.State, EventAcknowledge); err == nil {
		cv.State = next
	}
}

// withRetry runs fn with bounded exponential backoff. Domain errors are not
// retried and come back as is; anything else that survives the retries is
// wrapped in a StorageError.
func (s *Service) withRetry(ctx context.Context, op string, fn func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.retryInterval
	eb.MaxInterval = 2 * time.Second
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(s.retryAttempts-1)), ctx)

	err := backoff.Retry(func() error {
		err := fn()
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrAlreadyAcknowledged) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrAlreadyAcknowledged) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

func (s *Service) recordAudit(ctx context.Context, event hipaa.AuditEvent) {
	if err := s.audit.Record(ctx, event); err != nil {
		s.log.Error().Err(err).
			Str("event_type", event.TypeCode).
			Str("critical_value_id", event.EntityID.String()).
			Msg("audit record failed")
	}
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
