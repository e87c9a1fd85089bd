package engine

import (
	"errors"
	"fmt"

	"github.com/example/towline/internal/geo"
	"github.com/example/towline/internal/models"
	"github.com/example/towline/internal/observability"
	"github.com/example/towline/internal/storage"
)

// EventAction acts on a live engagement.
type EventAction string

const (
	ActionComplete EventAction = "complete"
	ActionCancel   EventAction = "cancel"
)

// ParseEventAction validates a wire action string.
func ParseEventAction(v string) (EventAction, error) {
	switch EventAction(v) {
	case ActionComplete, ActionCancel:
		return EventAction(v), nil
	}
	return "", fmt.Errorf("action must be one of [complete cancel], got %q", v)
}

// GetEventStatus settles any pending timeout and returns the view,
// including live distance and bearing from the helper to the requestor.
func (e *Engine) GetEventStatus(eventID, actorID string) (*models.EventView, error) {
	mu := e.locks.lock(eventKey(eventID))
	defer mu.Unlock()

	ev, err := e.getEvent(eventID)
	if err != nil {
		return nil, err
	}
	if actorID != ev.RequestorID && actorID != ev.RequesteeID {
		return nil, ErrForbidden
	}
	e.settleEventLocked(ev)

	view := &models.EventView{
		ID:          ev.ID,
		Status:      ev.Status.String(),
		RequestorID: ev.RequestorID,
		RequesteeID: ev.RequesteeID,
		AmountPaid:  ev.AmountPaid,
	}
	requestor, rErr := e.store.GetActor(ev.RequestorID)
	requestee, eErr := e.store.GetActor(ev.RequesteeID)
	if rErr == nil && eErr == nil {
		view.DistanceMeters = geo.Haversine(requestee.Pos.Lat, requestee.Pos.Lon, requestor.Pos.Lat, requestor.Pos.Lon)
		view.BearingDegrees = geo.Bearing(requestee.Pos, requestor.Pos)
	}
	return view, nil
}

// ApplyPayment moves waiting_for_payment to in_progress and records the
// amount. Re-applying overwrites the amount; reconciliation belongs to
// the payment collaborator, not the engine.
func (e *Engine) ApplyPayment(eventID string, amount int64) error {
	mu := e.locks.lock(eventKey(eventID))
	defer mu.Unlock()

	ev, err := e.getEvent(eventID)
	if err != nil {
		return err
	}
	e.settleEventLocked(ev)
	if !ev.Status.Live() {
		return ErrEventOver
	}
	ev.AmountPaid = amount
	ev.Status = models.EventInProgress
	if err := e.store.SaveEvent(ev); err != nil {
		return fmt.Errorf("save paid event: %w", err)
	}
	e.logger.Info("payment applied", "event_id", ev.ID, "amount", amount)
	return nil
}

// ActOnEvent completes or cancels an engagement on behalf of either
// party. Both actions clear the participants' active-event references;
// acting on a settled event fails with ErrEventOver.
func (e *Engine) ActOnEvent(eventID, actorID string, action EventAction) error {
	mu := e.locks.lock(eventKey(eventID))
	defer mu.Unlock()

	ev, err := e.getEvent(eventID)
	if err != nil {
		return err
	}
	if actorID != ev.RequestorID && actorID != ev.RequesteeID {
		return ErrForbidden
	}
	e.settleEventLocked(ev)

	now := e.clock.Now()
	switch action {
	case ActionComplete:
		if ev.Status != models.EventInProgress {
			return ErrEventOver
		}
		ev.Status = models.EventCompleted
		ev.CompletedTime = &now
		observability.EventsCompleted.Inc()
	case ActionCancel:
		if !ev.Status.Live() {
			return ErrEventOver
		}
		ev.Status = models.EventCancelled
		ev.CancelledTime = &now
		observability.EventsCancelled.Inc()
	default:
		return fmt.Errorf("unknown action %q", action)
	}

	if err := e.store.SaveEvent(ev); err != nil {
		return fmt.Errorf("save settled event: %w", err)
	}
	e.clearEventRefs(ev)
	e.logger.Info("event settled", "event_id", ev.ID, "status", ev.Status.String(), "actor_id", actorID)

	for _, partyID := range []string{ev.RequestorID, ev.RequesteeID} {
		party, err := e.store.GetActor(partyID)
		if err != nil {
			continue
		}
		if action == ActionComplete {
			if err := e.notifier.NotifyEventCompleted(party); err != nil {
				e.notifyFailed("event_completed", partyID, err)
			}
		} else {
			if err := e.notifier.NotifyEventCancelled(party); err != nil {
				e.notifyFailed("event_cancelled", partyID, err)
			}
		}
	}
	return nil
}

// settleEventLocked applies the lazy timeout. Caller holds the event
// lock. Terminal statuses never change again.
func (e *Engine) settleEventLocked(ev *models.Event) {
	if !ev.Status.Live() {
		return
	}
	if e.clock.Now().After(ev.TimeSent.Add(e.eventTimeout)) {
		ev.Status = models.EventTimedOut
		observability.EventsTimedOut.Inc()
		e.logger.Info("event timed out", "event_id", ev.ID)
		if err := e.store.SaveEvent(ev); err != nil {
			e.logger.Error("persist event timeout failed", "event_id", ev.ID, "error", err)
		}
		e.clearEventRefs(ev)
	}
}

// clearEventRefs drops both participants' back-references to a settled
// event. Only references that still point at this event are touched.
func (e *Engine) clearEventRefs(ev *models.Event) {
	if a, err := e.store.GetActor(ev.RequestorID); err == nil && a.ReceivingEventID == ev.ID {
		a.ReceivingEventID = ""
		if err := e.store.SaveActor(a); err != nil {
			e.logger.Error("clear receiving ref failed", "actor_id", a.ID, "error", err)
		}
	}
	if a, err := e.store.GetActor(ev.RequesteeID); err == nil && a.ServingEventID == ev.ID {
		a.ServingEventID = ""
		if err := e.store.SaveActor(a); err != nil {
			e.logger.Error("clear serving ref failed", "actor_id", a.ID, "error", err)
		}
	}
}

func (e *Engine) getEvent(id string) (*models.Event, error) {
	ev, err := e.store.GetEvent(id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	return ev, err
}
