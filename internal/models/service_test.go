package models

import "testing"

func TestParseServiceType(t *testing.T) {
	for _, name := range []string{"tow", "tow_grounded", "fuel", "battery", "entanglement"} {
		st, err := ParseServiceType(name)
		if err != nil {
			t.Fatalf("parse %q: %v", name, err)
		}
		if st.String() != name {
			t.Fatalf("round trip %q -> %q", name, st.String())
		}
	}

	for _, bad := range []string{"", "towing", "TOW", "repair"} {
		if _, err := ParseServiceType(bad); err == nil {
			t.Fatalf("expected rejection of %q", bad)
		}
	}
}

func TestServiceMessages(t *testing.T) {
	if got := ServiceBattery.Message(); got != "a battery jump" {
		t.Fatalf("battery message = %q", got)
	}
	if got := ServiceEntanglement.Message(); got != "their entanglement straightened out" {
		t.Fatalf("entanglement message = %q", got)
	}
}
