package critical

import (
	"time"

	"github.com/google/uuid"
)

// Priority is copied from the matching CriticalRange at detection time.
type Priority string

const (
	PriorityCritical Priority = "CRITICAL"
	PriorityHigh     Priority = "HIGH"
)

// Severity records which bound of the range was violated.
type Severity string

const (
	SeverityLow  Severity = "CRITICAL_LOW"
	SeverityHigh Severity = "CRITICAL_HIGH"
)

// State is the lifecycle state of a CriticalValue.
type State string

const (
	StatePending               State = "PENDING"
	StateAcknowledged          State = "ACKNOWLEDGED"
	StateEscalated             State = "ESCALATED"
	StateEscalatedAcknowledged State = "ESCALATED_ACKNOWLEDGED"
)

// IsAcknowledged reports whether the state is one of the acknowledged terminal states.
func (s State) IsAcknowledged() bool {
	return s == StateAcknowledged || s == StateEscalatedAcknowledged
}

// ComplianceStatus classifies an acknowledgment against the compliance window.
type ComplianceStatus string

const (
	StatusCompliant ComplianceStatus = "COMPLIANT"
	StatusDelayed   ComplianceStatus = "DELAYED"
)

// CriticalRange holds the danger thresholds for one analyte.
type CriticalRange struct {
	TestName string   `json:"testName" yaml:"test_name"`
	Low      *float64 `json:"low,omitempty" yaml:"low"`
	High     *float64 `json:"high,omitempty" yaml:"high"`
	Units    string   `json:"units" yaml:"units"`
	Priority Priority `json:"priority" yaml:"priority"`
}

// CriticalValue is a detected critical lab result. Instances handed out by the
// Service are copies; the repository owns the authoritative record.
type CriticalValue struct {
	ID                 uuid.UUID       `json:"id"`
	PatientID          string          `json:"patientId"`
	MRN                *string         `json:"mrn,omitempty"`
	TestName           string          `json:"testName"`
	Value              float64         `json:"value"`
	Units              string          `json:"units"`
	Severity           Severity        `json:"severity"`
	Priority           Priority        `json:"priority"`
	DetectedAt         time.Time       `json:"detectedAt"`
	EscalationDeadline time.Time       `json:"escalationDeadline"`
	State              State           `json:"status"`
	NotifiedAt         *time.Time      `json:"notifiedAt,omitempty"`
	EscalatedAt        *time.Time      `json:"escalatedAt,omitempty"`
	OrderedBy          *string         `json:"orderedBy,omitempty"`
	PerformedBy        *string         `json:"performedBy,omitempty"`
	Acknowledgment     *Acknowledgment `json:"acknowledgment,omitempty"`
}

// Clone returns a copy that shares no mutable state with cv.
func (cv *CriticalValue) Clone() *CriticalValue {
	if cv == nil {
		return nil
	}
	out := *cv
	if cv.Acknowledgment != nil {
		ack := *cv.Acknowledgment
		out.Acknowledgment = &ack
	}
	return &out
}

// Acknowledgment confirms that clinical staff have seen a critical value.
// There is at most one per CriticalValue.
type Acknowledgment struct {
	CriticalValueID          uuid.UUID        `json:"criticalValueId"`
	AcknowledgedBy           string           `json:"acknowledgedBy"`
	AcknowledgedAt           time.Time        `json:"acknowledgedAt"`
	Notes                    *string          `json:"notes,omitempty"`
	ActionTaken              *string          `json:"actionTaken,omitempty"`
	TimeToAcknowledgeMinutes float64          `json:"timeToAcknowledgeMinutes"`
	ComplianceStatus         ComplianceStatus `json:"complianceStatus"`
}

// Classification is the Evaluator's verdict for a single result. The zero
// value means "not critical".
type Classification struct {
	Critical bool           `json:"critical"`
	Severity Severity       `json:"severity,omitempty"`
	Priority Priority       `json:"priority,omitempty"`
	Range    *CriticalRange `json:"range,omitempty"`
}

// ResultInput is a lab result submitted for evaluation.
type ResultInput struct {
	PatientID   string
	MRN         *string
	TestName    string
	Value       float64
	OrderedBy   *string
	PerformedBy *string
}

// RecordResult is returned by Service.Record. CriticalValue is nil unless the
// result was classified critical.
type RecordResult struct {
	Classification Classification
	CriticalValue  *CriticalValue
}

// AckInput carries the caller-supplied acknowledgment fields.
type AckInput struct {
	AcknowledgedBy string
	Notes          *string
	ActionTaken    *string
}

// Filter narrows Query, List and Statistics. Zero fields match everything;
// From and To are inclusive bounds on DetectedAt.
type Filter struct {
	State    State
	Priority Priority
	TestName string
	From     *time.Time
	To       *time.Time
}

// Matches reports whether cv satisfies every set field of f.
func (f Filter) Matches(cv *CriticalValue) bool {
	if f.State != "" && cv.State != f.State {
		return false
	}
	if f.Priority != "" && cv.Priority != f.Priority {
		return false
	}
	if f.TestName != "" && normalizeTestName(f.TestName) != normalizeTestName(cv.TestName) {
		return false
	}
	if f.From != nil && cv.DetectedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && cv.DetectedAt.After(*f.To) {
		return false
	}
	return true
}

// ComplianceStats aggregates acknowledgment timing over a set of critical values.
type ComplianceStats struct {
	Total                           int              `json:"total"`
	Pending                         int              `json:"pending"`
	Acknowledged                    int              `json:"acknowledged"`
	Escalated                       int              `json:"escalated"`
	ByPriority                      map[Priority]int `json:"byPriority"`
	ByState                         map[State]int    `json:"byStatus"`
	ByTestName                      map[string]int   `json:"byTestName"`
	AverageTimeToAcknowledgeMinutes float64          `json:"averageTimeToAcknowledge"`
	MedianTimeToAcknowledgeMinutes  float64          `json:"medianTimeToAcknowledge"`
	P90TimeToAcknowledgeMinutes     float64          `json:"p90TimeToAcknowledge"`
	CompliantCount                  int              `json:"compliantCount"`
	DelayedCount                    int              `json:"delayedCount"`
	ComplianceRate                  float64          `json:"complianceRate"`
	ComplianceWindowMinutes         float64          `json:"complianceWindowMinutes"`
}
