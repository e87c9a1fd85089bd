package models

import "fmt"

// ServiceType enumerates what a requestor is asking for.
type ServiceType int

const (
	ServiceTow ServiceType = iota
	ServiceTowGrounded
	ServiceFuel
	ServiceBattery
	ServiceEntanglement
)

var serviceNames = map[ServiceType]string{
	ServiceTow:          "tow",
	ServiceTowGrounded:  "tow_grounded",
	ServiceFuel:         "fuel",
	ServiceBattery:      "battery",
	ServiceEntanglement: "entanglement",
}

// Human-readable phrasing used inside offer messages.
var serviceMessages = map[ServiceType]string{
	ServiceTow:          "a tow (ungrounded)",
	ServiceTowGrounded:  "a tow (grounded)",
	ServiceFuel:         "a fuel refill",
	ServiceBattery:      "a battery jump",
	ServiceEntanglement: "their entanglement straightened out",
}

func (s ServiceType) String() string {
	if n, ok := serviceNames[s]; ok {
		return n
	}
	return "unknown"
}

// Message is the phrase inserted into notification text.
func (s ServiceType) Message() string {
	if m, ok := serviceMessages[s]; ok {
		return m
	}
	return serviceMessages[ServiceTow]
}

// ParseServiceType converts a wire string to a ServiceType.
// Unrecognized values are rejected rather than defaulted.
func ParseServiceType(v string) (ServiceType, error) {
	for st, name := range serviceNames {
		if name == v {
			return st, nil
		}
	}
	return 0, fmt.Errorf("unrecognized service type %q", v)
}
