package critical

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists critical values and their acknowledgments.
//
// Save is an upsert. Load and Query return copies with the acknowledgment, if
// any, attached. SaveAcknowledgment stores the acknowledgment and moves the
// value to state in one atomic write. It must refuse a second acknowledgment
// for the same critical value with ErrAlreadyAcknowledged, and an unknown
// value with ErrNotFound. Query orders results by DetectedAt, newest first.
type Repository interface {
	Save(ctx context.Context, cv *CriticalValue) error
	Load(ctx context.Context, id uuid.UUID) (*CriticalValue, error)
	SaveAcknowledgment(ctx context.Context, ack *Acknowledgment, state State) error
	Query(ctx context.Context, f Filter) ([]*CriticalValue, error)
}
