package storage

import (
	"errors"
	"sync"

	"github.com/example/towline/internal/models"
)

// ErrNotFound is returned for unknown ids across all collections.
var ErrNotFound = errors.New("not found")

// Store defines persistence for the three durable collections plus actors.
// Implementations return copies; mutations go back through Save methods.
type Store interface {
	GetActor(id string) (*models.Actor, error)
	SaveActor(a *models.Actor) error

	SaveBatch(b *models.Batch) error
	GetBatch(id string) (*models.Batch, error)
	ActiveBatches() ([]*models.Batch, error)

	SaveRequest(r *models.Request) error
	GetRequest(id string) (*models.Request, error)
	RequestsInBatch(batchID string) ([]*models.Request, error)

	SaveEvent(e *models.Event) error
	GetEvent(id string) (*models.Event, error)
	LiveEvents() ([]*models.Event, error)
}

type MemoryStore struct {
	mu       sync.RWMutex
	actors   map[string]models.Actor
	batches  map[string]models.Batch
	requests map[string]models.Request
	events   map[string]models.Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		actors:   make(map[string]models.Actor),
		batches:  make(map[string]models.Batch),
		requests: make(map[string]models.Request),
		events:   make(map[string]models.Event),
	}
}

func (m *MemoryStore) GetActor(id string) (*models.Actor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.actors[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (m *MemoryStore) SaveActor(a *models.Actor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actors[a.ID] = *a
	return nil
}

func (m *MemoryStore) SaveBatch(b *models.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches[b.ID] = *b
	return nil
}

func (m *MemoryStore) GetBatch(id string) (*models.Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.batches[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &b, nil
}

func (m *MemoryStore) ActiveBatches() ([]*models.Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Batch, 0)
	for _, b := range m.batches {
		if b.Status == models.BatchActive {
			bc := b
			out = append(out, &bc)
		}
	}
	return out, nil
}

func (m *MemoryStore) SaveRequest(r *models.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[r.ID] = *r
	return nil
}

func (m *MemoryStore) GetRequest(id string) (*models.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (m *MemoryStore) RequestsInBatch(batchID string) ([]*models.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Request, 0)
	for _, r := range m.requests {
		if r.BatchID == batchID {
			rc := r
			out = append(out, &rc)
		}
	}
	return out, nil
}

func (m *MemoryStore) SaveEvent(e *models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[e.ID] = *e
	return nil
}

func (m *MemoryStore) GetEvent(id string) (*models.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &e, nil
}

func (m *MemoryStore) LiveEvents() ([]*models.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Event, 0)
	for _, e := range m.events {
		if e.Status.Live() {
			ec := e
			out = append(out, &ec)
		}
	}
	return out, nil
}
