package critical

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryRepository keeps records in process memory. It is the default store
// when no database is configured.
type MemoryRepository struct {
	mu     sync.RWMutex
	values map[uuid.UUID]*CriticalValue
	acks   map[uuid.UUID]*Acknowledgment
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		values: make(map[uuid.UUID]*CriticalValue),
		acks:   make(map[uuid.UUID]*Acknowledgment),
	}
}

func (r *MemoryRepository) Save(_ context.Context, cv *CriticalValue) error {
	stored := cv.Clone()
	stored.Acknowledgment = nil
	r.mu.Lock()
	r.values[cv.ID] = stored
	r.mu.Unlock()
	return nil
}

func (r *MemoryRepository) Load(_ context.Context, id uuid.UUID) (*CriticalValue, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cv, ok := r.values[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.withAck(cv), nil
}

func (r *MemoryRepository) SaveAcknowledgment(_ context.Context, ack *Acknowledgment, state State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cv, ok := r.values[ack.CriticalValueID]
	if !ok {
		return ErrNotFound
	}
	if _, ok := r.acks[ack.CriticalValueID]; ok {
		return ErrAlreadyAcknowledged
	}
	stored := *ack
	r.acks[ack.CriticalValueID] = &stored
	cv.State = state
	return nil
}

func (r *MemoryRepository) Query(_ context.Context, f Filter) ([]*CriticalValue, error) {
	r.mu.RLock()
	out := make([]*CriticalValue, 0, len(r.values))
	for _, cv := range r.values {
		if f.Matches(cv) {
			out = append(out, r.withAck(cv))
		}
	}
	r.mu.RUnlock()

	sortNewestFirst(out)
	return out, nil
}

// withAck must be called with r.mu held.
func (r *MemoryRepository) withAck(cv *CriticalValue) *CriticalValue {
	out := cv.Clone()
	if ack, ok := r.acks[cv.ID]; ok {
		a := *ack
		out.Acknowledgment = &a
	}
	return out
}

func sortNewestFirst(values []*CriticalValue) {
	sort.Slice(values, func(i, j int) bool {
		if values[i].DetectedAt.Equal(values[j].DetectedAt) {
			return values[i].ID.String() < values[j].ID.String()
		}
		return values[i].DetectedAt.After(values[j].DetectedAt)
	})
}
