package audit

import (
	"context"
	"sync"

	"github.com/VancouverCanada/openport/pkg/contracts"
)

// MemorySink keeps entries in insertion order.
type MemorySink struct {
	mu      sync.RWMutex
	entries []*contracts.AuditEntry
}

// NewMemorySink creates an empty sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (m *MemorySink) Append(_ context.Context, entry *contracts.AuditEntry) error {
	cp := *entry
	cp.Details = contracts.CloneMap(entry.Details)
	m.mu.Lock()
	m.entries = append(m.entries, &cp)
	m.mu.Unlock()
	return nil
}

func (m *MemorySink) List(_ context.Context, filter Filter) ([]*contracts.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*contracts.AuditEntry
	for i := len(m.entries) - 1; i >= 0; i-- {
		e := m.entries[i]
		if filter.AppID != "" && e.AppID != filter.AppID {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}
