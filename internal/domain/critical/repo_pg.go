package critical

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PGRepository stores critical values in PostgreSQL. The one-to-one
// acknowledgment rule is enforced by the primary key on critical_value_ack.
type PGRepository struct {
	db queryable
}

func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{db: pool}
}

const cvCols = `cv.id, cv.patient_id, cv.mrn, cv.test_name, cv.value, cv.units,
	cv.severity, cv.priority, cv.state, cv.detected_at, cv.escalation_deadline,
	cv.notified_at, cv.escalated_at, cv.ordered_by, cv.performed_by,
	a.acknowledged_by, a.acknowledged_at, a.notes, a.action_taken,
	a.time_to_acknowledge_minutes, a.compliance_status`

const cvFrom = ` FROM critical_value cv LEFT JOIN critical_value_ack a ON a.critical_value_id = cv.id`

func (r *PGRepository) scan(row pgx.Row) (*CriticalValue, error) {
	var (
		cv                         CriticalValue
		severity, priority, state  string
		ackBy, ackNotes, ackAction *string
		ackAt                      *time.Time
		ackMinutes                 *float64
		ackStatus                  *string
	)
	err := row.Scan(&cv.ID, &cv.PatientID, &cv.MRN, &cv.TestName, &cv.Value, &cv.Units,
		&severity, &priority, &state, &cv.DetectedAt, &cv.EscalationDeadline,
		&cv.NotifiedAt, &cv.EscalatedAt, &cv.OrderedBy, &cv.PerformedBy,
		&ackBy, &ackAt, &ackNotes, &ackAction, &ackMinutes, &ackStatus)
	if err != nil {
		return nil, err
	}
	cv.Severity = Severity(severity)
	cv.Priority = Priority(priority)
	cv.State = State(state)
	if ackBy != nil && ackAt != nil {
		ack := &Acknowledgment{
			CriticalValueID: cv.ID,
			AcknowledgedBy:  *ackBy,
			AcknowledgedAt:  *ackAt,
			Notes:           ackNotes,
			ActionTaken:     ackAction,
		}
		if ackMinutes != nil {
			ack.TimeToAcknowledgeMinutes = *ackMinutes
		}
		if ackStatus != nil {
			ack.ComplianceStatus = ComplianceStatus(*ackStatus)
		}
		cv.Acknowledgment = ack
	}
	return &cv, nil
}

func (r *PGRepository) Save(ctx context.Context, cv *CriticalValue) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO critical_value (id, patient_id, mrn, test_name, value, units,
			severity, priority, state, detected_at, escalation_deadline,
			notified_at, escalated_at, ordered_by, performed_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			notified_at = EXCLUDED.notified_at,
			escalated_at = EXCLUDED.escalated_at,
			updated_at = NOW()`,
		cv.ID, cv.PatientID, cv.MRN, cv.TestName, cv.Value, cv.Units,
		string(cv.Severity), string(cv.Priority), string(cv.State), cv.DetectedAt, cv.EscalationDeadline,
		cv.NotifiedAt, cv.EscalatedAt, cv.OrderedBy, cv.PerformedBy)
	if err != nil {
		return fmt.Errorf("save critical value %s: %w", cv.ID, err)
	}
	return nil
}

func (r *PGRepository) Load(ctx context.Context, id uuid.UUID) (*CriticalValue, error) {
	cv, err := r.scan(r.db.QueryRow(ctx, `SELECT `+cvCols+cvFrom+` WHERE cv.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load critical value %s: %w", id, err)
	}
	return cv, nil
}

// SaveAcknowledgment inserts the acknowledgment row and updates the value's
// state in a single transaction.
func (r *PGRepository) SaveAcknowledgment(ctx context.Context, ack *Acknowledgment, state State) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO critical_value_ack (critical_value_id, acknowledged_by, acknowledged_at,
			notes, action_taken, time_to_acknowledge_minutes, compliance_status)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		ack.CriticalValueID, ack.AcknowledgedBy, ack.AcknowledgedAt,
		ack.Notes, ack.ActionTaken, ack.TimeToAcknowledgeMinutes, string(ack.ComplianceStatus))
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return ErrAlreadyAcknowledged
		case pgForeignKeyViolation:
			return ErrNotFound
		}
	}
	if err != nil {
		return fmt.Errorf("save acknowledgment %s: %w", ack.CriticalValueID, err)
	}

	tag, err := tx.Exec(ctx, `UPDATE critical_value SET state = $2, updated_at = NOW() WHERE id = $1`,
		ack.CriticalValueID, string(state))
	if err != nil {
		return fmt.Errorf("update state %s: %w", ack.CriticalValueID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return tx.Commit(ctx)
}

func (r *PGRepository) Query(ctx context.Context, f Filter) ([]*CriticalValue, error) {
	query := `SELECT ` + cvCols + cvFrom + ` WHERE 1=1`
	var args []interface{}
	idx := 1

	if f.State != "" {
		query += fmt.Sprintf(` AND cv.state = $%d`, idx)
		args = append(args, string(f.State))
		idx++
	}
	if f.Priority != "" {
		query += fmt.Sprintf(` AND cv.priority = $%d`, idx)
		args = append(args, string(f.Priority))
		idx++
	}
	if f.TestName != "" {
		query += fmt.Sprintf(` AND cv.test_name = $%d`, idx)
		args = append(args, normalizeTestName(f.TestName))
		idx++
	}
	if f.From != nil {
		query += fmt.Sprintf(` AND cv.detected_at >= $%d`, idx)
		args = append(args, *f.From)
		idx++
	}
	if f.To != nil {
		query += fmt.Sprintf(` AND cv.detected_at <= $%d`, idx)
		args = append(args, *f.To)
	}
	query += ` ORDER BY cv.detected_at DESC, cv.id`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query critical values: %w", err)
	}
	defer rows.Close()

	var items []*CriticalValue
	for rows.Next() {
		cv, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, cv)
	}
	return items, rows.Err()
}
