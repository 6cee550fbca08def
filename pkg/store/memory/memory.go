package memory

import (
	"context"
	"sync"

	"github.com/pubhub/pubhub/pkg/subscription"
)

// Memory keeps subscription records in a map. Used by tests and for
// development runs without a backend.
type Memory struct {
	mu      sync.RWMutex
	records map[string]*subscription.Record
}

func New() *Memory {
	return &Memory{
		records: make(map[string]*subscription.Record),
	}
}

func (m *Memory) FindOne(_ context.Context, feed string) (*subscription.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[feed]
	if !ok {
		return nil, nil
	}
	cp := copyRecord(rec)
	return &cp, nil
}

func (m *Memory) FindAll(_ context.Context) ([]*subscription.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	recs := make([]*subscription.Record, 0, len(m.records))
	for _, rec := range m.records {
		cp := copyRecord(rec)
		recs = append(recs, &cp)
	}
	return recs, nil
}

func (m *Memory) Upsert(_ context.Context, rec *subscription.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := copyRecord(rec)
	m.records[rec.Feed] = &cp
	return nil
}

func (m *Memory) Delete(_ context.Context, feed string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, feed)
	return nil
}

func copyRecord(rec *subscription.Record) subscription.Record {
	cp := *rec
	cp.Subscribers = make([]subscription.Subscriber, len(rec.Subscribers))
	copy(cp.Subscribers, rec.Subscribers)
	return cp
}
