package adapters

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/MetaPowerMatrix/mod-audio-fork/domain"
	"github.com/MetaPowerMatrix/mod-audio-fork/domain/entities"
	"github.com/MetaPowerMatrix/mod-audio-fork/domain/repositories"
)

const defaultMemoryRecordCap = 1000

// MemorySessionRepository keeps session records in process memory. The
// oldest records are dropped once more than capacity are held.
type MemorySessionRepository struct {
	mu       sync.RWMutex
	records  map[string]*entities.SessionRecord
	capacity int
}

var _ repositories.SessionRecordRepository = (*MemorySessionRepository)(nil)

// NewMemorySessionRepository creates a new in-memory record repository
func NewMemorySessionRepository(capacity int) *MemorySessionRepository {
	if capacity <= 0 {
		capacity = defaultMemoryRecordCap
	}
	return &MemorySessionRepository{
		records:  make(map[string]*entities.SessionRecord),
		capacity: capacity,
	}
}

// Create implements SessionRecordRepository
func (m *MemorySessionRepository) Create(_ context.Context, record *entities.SessionRecord) error {
	if record == nil {
		return errors.New("session record cannot be nil")
	}
	if record.ID == "" {
		return errors.New("session ID cannot be empty")
	}
	if record.OpenedAt.IsZero() {
		record.OpenedAt = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Store a copy to prevent external modifications
	recordCopy := *record
	m.records[record.ID] = &recordCopy
	m.evictLocked()
	return nil
}

// Update implements SessionRecordRepository
func (m *MemorySessionRepository) Update(_ context.Context, record *entities.SessionRecord) error {
	if record == nil {
		return errors.New("session record cannot be nil")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.records[record.ID]
	if !ok {
		return domain.ErrSessionNotFound
	}

	updated := *record
	// Preserve what was known when the session opened
	updated.OpenedAt = existing.OpenedAt
	updated.Mode = existing.Mode
	updated.RemoteEndpoint = existing.RemoteEndpoint
	updated.Metadata = existing.Metadata
	m.records[record.ID] = &updated
	return nil
}

// GetByID implements SessionRecordRepository
func (m *MemorySessionRepository) GetByID(_ context.Context, id string) (*entities.SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	record, ok := m.records[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	recordCopy := *record
	return &recordCopy, nil
}

// ListRecent implements SessionRecordRepository
func (m *MemorySessionRepository) ListRecent(_ context.Context, limit int) ([]*entities.SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*entities.SessionRecord, 0, len(m.records))
	for _, record := range m.records {
		recordCopy := *record
		result = append(result, &recordCopy)
	}
	sortNewestFirst(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemorySessionRepository) evictLocked() {
	if len(m.records) <= m.capacity {
		return
	}
	all := make([]*entities.SessionRecord, 0, len(m.records))
	for _, record := range m.records {
		all = append(all, record)
	}
	sortNewestFirst(all)
	for _, record := range all[m.capacity:] {
		delete(m.records, record.ID)
	}
}

func sortNewestFirst(records []*entities.SessionRecord) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].OpenedAt.Equal(records[j].OpenedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].OpenedAt.After(records[j].OpenedAt)
	})
}
