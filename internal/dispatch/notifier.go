// Package dispatch delivers engine notifications to actors. Delivery is
// best-effort by contract: the engine never retries and never rolls back
// a state transition because a message failed to send.
package dispatch

import (
	"fmt"
	"log/slog"

	"github.com/example/towline/internal/models"
)

// Sender posts one message to one actor over a concrete channel.
type Sender interface {
	Send(a *models.Actor, message string, data map[string]string) error
}

// ChannelNotifier routes each notification to the actor's capability
// channel: a live websocket when one is attached, otherwise push or SMS.
type ChannelNotifier struct {
	Push   Sender
	SMS    Sender
	WS     *WSRegistry
	Logger *slog.Logger
}

func NewChannelNotifier(push, sms Sender, ws *WSRegistry, logger *slog.Logger) *ChannelNotifier {
	return &ChannelNotifier{Push: push, SMS: sms, WS: ws, Logger: logger}
}

func (n *ChannelNotifier) NotifyOffer(candidate *models.Actor, req *models.Request) error {
	if n.WS != nil {
		if err := n.WS.SendOffer(candidate.ID, req); err == nil {
			return nil
		}
	}
	msg := fmt.Sprintf("%s at %s needs %s. Can you help?",
		req.RequestorNm, req.RequestorLoc, req.Service.Message())
	return n.send(candidate, msg, map[string]string{"request_id": req.ID})
}

func (n *ChannelNotifier) NotifyNoCandidates(requestor *models.Actor) error {
	return n.send(requestor, "No helpers are available in your area right now.", nil)
}

func (n *ChannelNotifier) NotifyAllRejected(requestor *models.Actor) error {
	return n.send(requestor, "No one is able to help with your request.", nil)
}

func (n *ChannelNotifier) NotifyAccepted(requestor *models.Actor, helperName, eventID string) error {
	msg := fmt.Sprintf("%s accepted your request and is on the way.", helperName)
	return n.send(requestor, msg, map[string]string{"event_id": eventID})
}

func (n *ChannelNotifier) NotifyEventCompleted(party *models.Actor) error {
	return n.send(party, "Your tow event is complete.", nil)
}

func (n *ChannelNotifier) NotifyEventCancelled(party *models.Actor) error {
	return n.send(party, "Your tow event was cancelled.", nil)
}

func (n *ChannelNotifier) send(a *models.Actor, message string, data map[string]string) error {
	var sender Sender
	switch a.Channel {
	case models.ChannelSMS:
		sender = n.SMS
	default:
		sender = n.Push
	}
	if sender == nil {
		return fmt.Errorf("no sender configured for channel %s", a.Channel)
	}
	if err := sender.Send(a, message, data); err != nil {
		return err
	}
	n.Logger.Debug("notification sent", "actor_id", a.ID, "channel", a.Channel.String())
	return nil
}
