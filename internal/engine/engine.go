// Package engine owns the batch, request, and event state machines and the
// arbitration that guarantees at most one helper is ever committed per
// batch. Everything around it (routing, auth, payment capture, message
// transport) is a collaborator behind an interface.
package engine

import (
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/towline/internal/clock"
	"github.com/example/towline/internal/geo"
	"github.com/example/towline/internal/models"
	"github.com/example/towline/internal/storage"
)

const (
	DefaultBatchTimeout = 30 * time.Minute
	DefaultEventTimeout = 12 * time.Hour
)

// Notifier is the boundary used to reach actors. Every call is
// fire-and-forget: a failed send is logged by the engine and never rolls
// back the transition that triggered it.
type Notifier interface {
	NotifyOffer(candidate *models.Actor, req *models.Request) error
	NotifyNoCandidates(requestor *models.Actor) error
	NotifyAllRejected(requestor *models.Actor) error
	NotifyAccepted(requestor *models.Actor, helperName, eventID string) error
	NotifyEventCompleted(party *models.Actor) error
	NotifyEventCancelled(party *models.Actor) error
}

// Engine wires the proximity index, the store, and the notifier into the
// public dispatch operations.
type Engine struct {
	store    storage.Store
	geo      geo.Index
	notifier Notifier
	clock    clock.Clock
	logger   *slog.Logger

	batchTimeout time.Duration
	eventTimeout time.Duration

	locks lockTable
}

type Option func(*Engine)

// WithBatchTimeout overrides how long a batch stays open for responses.
func WithBatchTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.batchTimeout = d
		}
	}
}

// WithEventTimeout overrides how long an event may stay live.
func WithEventTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.eventTimeout = d
		}
	}
}

func New(store storage.Store, index geo.Index, notifier Notifier, clk clock.Clock, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:        store,
		geo:          index,
		notifier:     notifier,
		clock:        clk,
		logger:       logger,
		batchTimeout: DefaultBatchTimeout,
		eventTimeout: DefaultEventTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func newID() string { return uuid.New().String() }

// lockTable provides per-entity-id mutual exclusion. Keys for the same
// entity always map to the same stripe, so read-compare-write sequences
// on one batch or event serialize; work on different entities almost
// always proceeds in parallel.
type lockTable struct {
	stripes [64]sync.Mutex
}

func (t *lockTable) lock(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	mu := &t.stripes[h.Sum32()%uint32(len(t.stripes))]
	mu.Lock()
	return mu
}

func batchKey(id string) string { return "batch:" + id }
func eventKey(id string) string { return "event:" + id }
