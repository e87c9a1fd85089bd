package engine

import (
	"errors"
	"fmt"

	"github.com/example/towline/internal/models"
	"github.com/example/towline/internal/observability"
	"github.com/example/towline/internal/storage"
)

// CreateBatch allocates a new batch for the requestor and fires it:
// every eligible helper in radius gets a Request and a best-effort offer
// notification. Zero candidates leaves the batch active with
// num_requests=0 and returns ErrNoCandidates alongside the batch.
func (e *Engine) CreateBatch(requestorID string, service models.ServiceType) (*models.Batch, error) {
	requestor, err := e.getActor(requestorID)
	if err != nil {
		return nil, err
	}

	if requestor.ActiveBatchID != "" {
		if prev, err := e.store.GetBatch(requestor.ActiveBatchID); err == nil {
			mu := e.locks.lock(batchKey(prev.ID))
			e.settleBatchLocked(prev)
			active := prev.Status == models.BatchActive
			mu.Unlock()
			if active {
				return nil, ErrRequestorBusy
			}
		}
	}

	now := e.clock.Now()
	b := &models.Batch{
		ID:            newID(),
		RequestorID:   requestor.ID,
		RequestorName: requestor.Name,
		Service:       service,
		Status:        models.BatchActive,
		TimeSent:      now,
		LastUpdate:    now,
	}
	if err := e.store.SaveBatch(b); err != nil {
		return nil, fmt.Errorf("save batch: %w", err)
	}
	requestor.ActiveBatchID = b.ID
	if err := e.store.SaveActor(requestor); err != nil {
		return nil, fmt.Errorf("save requestor: %w", err)
	}
	observability.BatchesCreated.Inc()
	e.logger.Info("batch created", "batch_id", b.ID, "requestor_id", requestor.ID, "service", service.String())

	return e.fire(b, requestor)
}

// fire queries the proximity index and fans out one Request per candidate.
// A proximity failure degrades to the no-candidates path instead of
// failing the create; a failed offer notification soft-fails and the
// Request stays created and counted.
//
// Ordering is load-bearing: all requests are written and the batch count
// persisted under the batch lock before the first offer goes out. A
// notified candidate may respond immediately, and every response path
// trusts the stored batch under that lock; any batch write after an
// offer has left would overwrite their transition.
func (e *Engine) fire(b *models.Batch, requestor *models.Actor) (*models.Batch, error) {
	candidates, err := e.geo.FindCandidates(requestor.Pos, requestor.ID)
	if err != nil {
		e.logger.Warn("proximity index unavailable, degrading to no candidates",
			"batch_id", b.ID, "error", err)
		candidates = nil
	}

	if len(candidates) == 0 {
		e.logger.Info("no candidates for batch", "batch_id", b.ID, "requestor_id", requestor.ID)
		if err := e.notifier.NotifyNoCandidates(requestor); err != nil {
			e.notifyFailed("no_candidates", requestor.ID, err)
		}
		return b, ErrNoCandidates
	}

	now := e.clock.Now()
	type pending struct {
		cand models.Actor
		req  *models.Request
	}
	offers := make([]pending, 0, len(candidates))
	for _, cand := range candidates {
		req := &models.Request{
			ID:           newID(),
			BatchID:      b.ID,
			Service:      b.Service,
			RequestorID:  requestor.ID,
			RequestorNm:  requestor.Name,
			RequestorLoc: requestor.Pos.ReadableString(),
			RequesteeID:  cand.ID,
			RequesteeNm:  cand.Name,
			RequesteeLoc: cand.Pos.ReadableString(),
			Status:       models.RequestActive,
			TimeSent:     now,
		}
		if err := e.store.SaveRequest(req); err != nil {
			e.logger.Error("save request failed, candidate skipped",
				"batch_id", b.ID, "requestee_id", cand.ID, "error", err)
			continue
		}
		offers = append(offers, pending{cand: cand, req: req})
	}

	mu := e.locks.lock(batchKey(b.ID))
	cur, err := e.getBatch(b.ID)
	if err != nil {
		mu.Unlock()
		return nil, err
	}
	cur.NumRequests = len(offers)
	cur.LastUpdate = now
	if err := e.store.SaveBatch(cur); err != nil {
		mu.Unlock()
		return nil, fmt.Errorf("save batch after fan-out: %w", err)
	}
	live := cur.Status == models.BatchActive
	mu.Unlock()

	if !live {
		// A concurrent cancel landed while requests were being written.
		// Offers are withheld and requests created after the cancel get
		// closed here.
		if cur.Status == models.BatchCancelled {
			e.cancelOpenRequests(cur.ID)
		}
		e.logger.Info("batch settled during fan-out, offers withheld",
			"batch_id", cur.ID, "status", cur.Status.String())
		return cur, nil
	}

	for _, o := range offers {
		c := o.cand
		if err := e.notifier.NotifyOffer(&c, o.req); err != nil {
			// Undeliverable offers stay counted; they settle via
			// rejection from elsewhere or batch timeout.
			e.notifyFailed("offer", c.ID, err)
		}
		observability.RequestsSent.Inc()
		e.logger.Info("request fired", "request_id", o.req.ID, "batch_id", cur.ID,
			"requestor_id", requestor.ID, "requestee_id", c.ID)
	}
	e.logger.Info("batch fired", "batch_id", cur.ID, "num_requests", cur.NumRequests)
	return cur, nil
}

// GetBatchStatus settles any pending timeout and returns the view.
func (e *Engine) GetBatchStatus(batchID, actorID string) (*models.BatchView, error) {
	mu := e.locks.lock(batchKey(batchID))
	defer mu.Unlock()

	b, err := e.getBatch(batchID)
	if err != nil {
		return nil, err
	}
	if b.RequestorID != actorID {
		return nil, ErrForbidden
	}
	e.settleBatchLocked(b)
	return &models.BatchView{
		ID:            b.ID,
		Status:        b.Status.String(),
		Service:       b.Service.String(),
		NumRequests:   b.NumRequests,
		NumRejections: b.NumRejections,
		TimeSent:      b.TimeSent,
	}, nil
}

// CancelBatch is requestor-only. Cancellation races with acceptance;
// whichever serializes first wins, so an already accepted batch refuses
// with ErrAlreadyAccepted and never ends up both cancelled and holding
// an event. Repeat cancels are no-ops.
func (e *Engine) CancelBatch(batchID, actorID string) error {
	mu := e.locks.lock(batchKey(batchID))
	defer mu.Unlock()

	b, err := e.getBatch(batchID)
	if err != nil {
		return err
	}
	if b.RequestorID != actorID {
		return ErrForbidden
	}
	e.settleBatchLocked(b)
	switch b.Status {
	case models.BatchCancelled:
		return nil
	case models.BatchAccepted:
		return ErrAlreadyAccepted
	}

	b.Status = models.BatchCancelled
	b.LastUpdate = e.clock.Now()
	if err := e.store.SaveBatch(b); err != nil {
		return fmt.Errorf("save cancelled batch: %w", err)
	}
	e.cancelOpenRequests(b.ID)
	e.clearActiveBatchRef(b.RequestorID, b.ID)
	observability.BatchesCancelled.Inc()
	e.logger.Info("batch cancelled", "batch_id", b.ID, "requestor_id", actorID)
	return nil
}

// recordRejection bumps the rejection counter and converges the batch to
// all_rejected when every request has been rejected. Caller holds the
// batch lock. An accepted batch ignores late rejections.
func (e *Engine) recordRejection(b *models.Batch, requestor *models.Actor) error {
	e.settleBatchLocked(b)
	switch b.Status {
	case models.BatchTimedOut:
		return ErrBatchTimedOut
	case models.BatchCancelled:
		return ErrBatchCancelled
	case models.BatchAccepted, models.BatchAllRejected:
		// Settled batches never count further rejections; the counter
		// stays bounded by num_requests.
		return nil
	}

	b.NumRejections++
	b.LastUpdate = e.clock.Now()
	observability.RejectionsTotal.Inc()
	if b.NumRejections == b.NumRequests {
		b.Status = models.BatchAllRejected
		observability.BatchesAllRejected.Inc()
		e.logger.Info("batch rejected by all candidates", "batch_id", b.ID, "num_requests", b.NumRequests)
		if err := e.notifier.NotifyAllRejected(requestor); err != nil {
			e.notifyFailed("all_rejected", requestor.ID, err)
		}
	} else {
		e.logger.Info("batch rejection recorded", "batch_id", b.ID,
			"rejections", b.NumRejections, "requests", b.NumRequests)
	}
	if err := e.store.SaveBatch(b); err != nil {
		return fmt.Errorf("save batch rejection: %w", err)
	}
	return nil
}

// settleBatchLocked applies the lazy timeout and persists a flip. Every
// status-dependent path calls this before trusting the status. Caller
// holds the batch lock. Terminal statuses never change again.
func (e *Engine) settleBatchLocked(b *models.Batch) {
	if b.Status != models.BatchActive {
		return
	}
	if e.clock.Now().After(b.TimeSent.Add(e.batchTimeout)) {
		b.Status = models.BatchTimedOut
		b.LastUpdate = e.clock.Now()
		observability.BatchesTimedOut.Inc()
		e.logger.Info("batch timed out", "batch_id", b.ID)
		if err := e.store.SaveBatch(b); err != nil {
			e.logger.Error("persist batch timeout failed", "batch_id", b.ID, "error", err)
		}
		e.timeoutOpenRequests(b.ID)
	}
}

// timeoutOpenRequests flips still-active requests of a timed out batch,
// so candidates see timed_out on their own request rather than a
// dangling active offer.
func (e *Engine) timeoutOpenRequests(batchID string) {
	reqs, err := e.store.RequestsInBatch(batchID)
	if err != nil {
		e.logger.Error("list requests for timeout failed", "batch_id", batchID, "error", err)
		return
	}
	for _, r := range reqs {
		if r.Status != models.RequestActive {
			continue
		}
		r.Status = models.RequestTimedOut
		if err := e.store.SaveRequest(r); err != nil {
			e.logger.Error("save timed out request failed", "request_id", r.ID, "error", err)
		}
	}
}

func (e *Engine) cancelOpenRequests(batchID string) {
	reqs, err := e.store.RequestsInBatch(batchID)
	if err != nil {
		e.logger.Error("list requests for cancel failed", "batch_id", batchID, "error", err)
		return
	}
	now := e.clock.Now()
	for _, r := range reqs {
		if r.Status != models.RequestActive {
			continue
		}
		r.Status = models.RequestCancelled
		r.CancelledTime = &now
		if err := e.store.SaveRequest(r); err != nil {
			e.logger.Error("save cancelled request failed", "request_id", r.ID, "error", err)
		}
	}
}

func (e *Engine) clearActiveBatchRef(actorID, batchID string) {
	a, err := e.store.GetActor(actorID)
	if err != nil {
		return
	}
	if a.ActiveBatchID == batchID {
		a.ActiveBatchID = ""
		if err := e.store.SaveActor(a); err != nil {
			e.logger.Error("clear active batch ref failed", "actor_id", actorID, "error", err)
		}
	}
}

func (e *Engine) getActor(id string) (*models.Actor, error) {
	a, err := e.store.GetActor(id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	return a, err
}

func (e *Engine) getBatch(id string) (*models.Batch, error) {
	b, err := e.store.GetBatch(id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	return b, err
}

func (e *Engine) notifyFailed(kind, actorID string, err error) {
	observability.NotifyFailures.Inc()
	e.logger.Warn("notify failed", "kind", kind, "actor_id", actorID, "error", err)
}
