package models

import (
	"fmt"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// ReadableString is the denormalized location snapshot stored on a Request.
func (c Coord) ReadableString() string {
	return fmt.Sprintf("(%.6f,%.6f)", c.Lat, c.Lon)
}

type Role int

const (
	RoleUser Role = iota
	RoleHelper
	RoleAdmin
)

func (r Role) String() string {
	switch r {
	case RoleUser:
		return "user"
	case RoleHelper:
		return "helper"
	case RoleAdmin:
		return "admin"
	}
	return "unknown"
}

// Channel selects the delivery mechanism for offers sent to an actor.
type Channel int

const (
	ChannelPush Channel = iota
	ChannelSMS
)

func (c Channel) String() string {
	if c == ChannelSMS {
		return "sms"
	}
	return "push"
}

// Actor is a boater, either an ordinary user or a helper (tower).
// An actor holds at most one active outgoing batch and at most one
// active event reference per side at any time.
type Actor struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Role      Role      `json:"role"`
	Channel   Channel   `json:"channel"`
	Active    bool      `json:"active"`
	Phone     string    `json:"phone,omitempty"`
	PushToken string    `json:"push_token,omitempty"`
	Pos       Coord     `json:"pos"`
	LastSeen  time.Time `json:"last_seen"`

	ActiveBatchID    string `json:"active_batch_id,omitempty"`
	ServingEventID   string `json:"serving_event_id,omitempty"`
	ReceivingEventID string `json:"receiving_event_id,omitempty"`
}

// PositionReport is the wire shape published to and consumed from Kafka.
type PositionReport struct {
	ActorID string    `json:"actor_id"`
	Lat     float64   `json:"lat"`
	Lon     float64   `json:"lon"`
	Role    Role      `json:"role"`
	Channel Channel   `json:"channel"`
	Active  bool      `json:"active"`
	Seen    time.Time `json:"seen"`
}

type BatchStatus int

const (
	BatchActive BatchStatus = iota
	BatchAccepted
	BatchAllRejected
	BatchTimedOut
	BatchCancelled
)

func (s BatchStatus) String() string {
	switch s {
	case BatchActive:
		return "active"
	case BatchAccepted:
		return "accepted"
	case BatchAllRejected:
		return "all_rejected"
	case BatchTimedOut:
		return "timed_out"
	case BatchCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Terminal reports whether the batch can never change status again.
func (s BatchStatus) Terminal() bool { return s != BatchActive }

// Batch is one outreach attempt by a requestor, fanning out to
// every eligible helper in radius.
type Batch struct {
	ID            string      `json:"id"`
	RequestorID   string      `json:"requestor_id"`
	RequestorName string      `json:"requestor_name"`
	Service       ServiceType `json:"service"`
	Status        BatchStatus `json:"-"`
	NumRequests   int         `json:"num_requests"`
	NumRejections int         `json:"num_rejections"`
	TimeSent      time.Time   `json:"time_sent"`
	LastUpdate    time.Time   `json:"last_update"`
}

type RequestStatus int

const (
	RequestActive RequestStatus = iota
	RequestAccepted
	RequestRejected
	RequestTimedOut
	RequestCancelled
)

func (s RequestStatus) String() string {
	switch s {
	case RequestActive:
		return "active"
	case RequestAccepted:
		return "accepted"
	case RequestRejected:
		return "rejected"
	case RequestTimedOut:
		return "timed_out"
	case RequestCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Request is one offer sent to one candidate within a Batch. Names and
// location strings are frozen at fan-out time for audit.
type Request struct {
	ID      string      `json:"id"`
	BatchID string      `json:"batch_id"`
	Service ServiceType `json:"service"`

	RequestorID  string `json:"requestor_id"`
	RequestorNm  string `json:"requestor_name"`
	RequestorLoc string `json:"requestor_location"`
	RequesteeID  string `json:"requestee_id"`
	RequesteeNm  string `json:"requestee_name"`
	RequesteeLoc string `json:"requestee_location"`

	Status        RequestStatus `json:"-"`
	TimeSent      time.Time     `json:"time_sent"`
	RejectionTime *time.Time    `json:"rejection_time,omitempty"`
	CancelledTime *time.Time    `json:"cancelled_time,omitempty"`
	EventID       string        `json:"event_id,omitempty"`
}

type EventStatus int

const (
	EventWaitingForPayment EventStatus = iota
	EventInProgress
	EventCompleted
	EventCancelled
	EventTimedOut
)

func (s EventStatus) String() string {
	switch s {
	case EventWaitingForPayment:
		return "waiting_for_payment"
	case EventInProgress:
		return "in_progress"
	case EventCompleted:
		return "completed"
	case EventCancelled:
		return "cancelled"
	case EventTimedOut:
		return "timed_out"
	}
	return "unknown"
}

// Live reports whether the event is still subject to timeout.
func (s EventStatus) Live() bool {
	return s == EventWaitingForPayment || s == EventInProgress
}

// Event is the committed engagement created when a batch resolves
// to acceptance. Exactly one exists per accepted batch.
type Event struct {
	ID          string      `json:"id"`
	RequestorID string      `json:"requestor_id"`
	RequesteeID string      `json:"requestee_id"`
	BatchID     string      `json:"batch_id"`
	Status      EventStatus `json:"-"`
	AmountPaid  int64       `json:"amount_paid"`

	TimeSent      time.Time  `json:"time_sent"`
	AcceptedTime  *time.Time `json:"accepted_time,omitempty"`
	CompletedTime *time.Time `json:"completed_time,omitempty"`
	CancelledTime *time.Time `json:"cancelled_time,omitempty"`
}

// BatchView is the read model returned to callers of GetBatchStatus.
type BatchView struct {
	ID            string    `json:"batch_id"`
	Status        string    `json:"status"`
	Service       string    `json:"service"`
	NumRequests   int       `json:"num_requests"`
	NumRejections int       `json:"num_rejections"`
	TimeSent      time.Time `json:"time_sent"`
}

// EventView is the read model returned to callers of GetEventStatus.
// Distance and bearing run from the requestee toward the requestor.
type EventView struct {
	ID             string  `json:"event_id"`
	Status         string  `json:"status"`
	RequestorID    string  `json:"requestor_id"`
	RequesteeID    string  `json:"requestee_id"`
	AmountPaid     int64   `json:"amount_paid"`
	DistanceMeters float64 `json:"distance_meters"`
	BearingDegrees float64 `json:"bearing_degrees"`
}

// RespondOutcome reports the result of a candidate's accept/reject call.
type RespondOutcome struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	EventID   string `json:"event_id,omitempty"`
}
