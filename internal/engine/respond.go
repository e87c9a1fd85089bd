package engine

import (
	"errors"
	"fmt"

	"github.com/example/towline/internal/models"
	"github.com/example/towline/internal/observability"
	"github.com/example/towline/internal/storage"
)

// RespondAction is a candidate's answer to an offer.
type RespondAction string

const (
	ActionAccept RespondAction = "accept"
	ActionReject RespondAction = "reject"
)

// ParseRespondAction validates a wire action string.
func ParseRespondAction(v string) (RespondAction, error) {
	switch RespondAction(v) {
	case ActionAccept, ActionReject:
		return RespondAction(v), nil
	}
	return "", fmt.Errorf("action must be one of [accept reject], got %q", v)
}

// RespondToRequest arbitrates a candidate's accept or reject. The accept
// path is the single most safety-critical section in the system: any
// number of candidates may call in concurrently for the same batch, and
// exactly one may win. The read-compare-transition sequence runs under
// the per-batch lock, so losers deterministically observe the settled
// batch status and fail with a typed error, never a duplicate event.
func (e *Engine) RespondToRequest(requestID, actorID string, action RespondAction) (*models.RespondOutcome, error) {
	req, err := e.getRequest(requestID)
	if err != nil {
		return nil, err
	}
	if req.RequesteeID != actorID {
		return nil, ErrForbidden
	}

	mu := e.locks.lock(batchKey(req.BatchID))
	defer mu.Unlock()

	// Reload under the lock: the request may have settled while we waited.
	req, err = e.getRequest(requestID)
	if err != nil {
		return nil, err
	}

	switch action {
	case ActionAccept:
		return e.accept(req)
	case ActionReject:
		return e.reject(req)
	}
	return nil, fmt.Errorf("unknown action %q", action)
}

func (e *Engine) accept(req *models.Request) (*models.RespondOutcome, error) {
	switch req.Status {
	case models.RequestActive:
	case models.RequestTimedOut:
		return nil, ErrBatchTimedOut
	default:
		return nil, ErrAlreadyResolved
	}
	b, err := e.getBatch(req.BatchID)
	if err != nil {
		return nil, err
	}
	e.settleBatchLocked(b)
	switch b.Status {
	case models.BatchTimedOut:
		return nil, ErrBatchTimedOut
	case models.BatchCancelled:
		return nil, ErrBatchCancelled
	case models.BatchAccepted:
		return nil, ErrAlreadyAccepted
	case models.BatchAllRejected:
		return nil, ErrAlreadyResolved
	}

	requestor, err := e.getActor(req.RequestorID)
	if err != nil {
		return nil, err
	}
	requestee, err := e.getActor(req.RequesteeID)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	ev := &models.Event{
		ID:           newID(),
		RequestorID:  req.RequestorID,
		RequesteeID:  req.RequesteeID,
		BatchID:      b.ID,
		Status:       models.EventWaitingForPayment,
		TimeSent:     now,
		AcceptedTime: &now,
	}
	b.Status = models.BatchAccepted
	b.LastUpdate = now
	req.Status = models.RequestAccepted
	req.EventID = ev.ID

	if err := e.store.SaveEvent(ev); err != nil {
		return nil, fmt.Errorf("save event: %w", err)
	}
	if err := e.store.SaveRequest(req); err != nil {
		return nil, fmt.Errorf("save accepted request: %w", err)
	}
	if err := e.store.SaveBatch(b); err != nil {
		return nil, fmt.Errorf("save accepted batch: %w", err)
	}

	// The new engagement supersedes both parties' previous references.
	requestee.ServingEventID = ev.ID
	requestee.ReceivingEventID = ""
	requestor.ReceivingEventID = ev.ID
	requestor.ServingEventID = ""
	requestor.ActiveBatchID = ""
	if err := e.store.SaveActor(requestee); err != nil {
		e.logger.Error("save requestee refs failed", "actor_id", requestee.ID, "error", err)
	}
	if err := e.store.SaveActor(requestor); err != nil {
		e.logger.Error("save requestor refs failed", "actor_id", requestor.ID, "error", err)
	}

	observability.BatchesAccepted.Inc()
	observability.EventsCreated.Inc()
	e.logger.Info("batch accepted", "batch_id", b.ID, "request_id", req.ID,
		"event_id", ev.ID, "requestee_id", requestee.ID)

	if err := e.notifier.NotifyAccepted(requestor, requestee.Name, ev.ID); err != nil {
		e.notifyFailed("accepted", requestor.ID, err)
	}

	return &models.RespondOutcome{
		RequestID: req.ID,
		Status:    req.Status.String(),
		EventID:   ev.ID,
	}, nil
}

func (e *Engine) reject(req *models.Request) (*models.RespondOutcome, error) {
	if req.Status == models.RequestTimedOut {
		return nil, ErrBatchTimedOut
	}
	if req.Status != models.RequestActive {
		// Idempotent: repeat rejects never double-count.
		return &models.RespondOutcome{RequestID: req.ID, Status: req.Status.String()}, nil
	}

	now := e.clock.Now()
	req.Status = models.RequestRejected
	req.RejectionTime = &now
	if err := e.store.SaveRequest(req); err != nil {
		return nil, fmt.Errorf("save rejected request: %w", err)
	}
	e.logger.Info("request rejected", "request_id", req.ID, "batch_id", req.BatchID,
		"requestee_id", req.RequesteeID)

	b, err := e.getBatch(req.BatchID)
	if err != nil {
		return nil, err
	}
	requestor, err := e.getActor(req.RequestorID)
	if err != nil {
		return nil, err
	}
	if err := e.recordRejection(b, requestor); err != nil {
		return nil, err
	}
	return &models.RespondOutcome{RequestID: req.ID, Status: req.Status.String()}, nil
}

func (e *Engine) getRequest(id string) (*models.Request, error) {
	r, err := e.store.GetRequest(id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	return r, err
}
