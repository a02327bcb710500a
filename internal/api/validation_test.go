package api

import (
	"testing"
)

type sampleEvent struct {
	DeviceID  string `validate:"required"`
	EventKind string `validate:"required,event_kind"`
	Phone     string `validate:"omitempty,e164"`
	Channel   string `validate:"omitempty,channel_kind"`
}

func TestValidatePasses(t *testing.T) {
	errs := Validate(sampleEvent{
		DeviceID:  "d1",
		EventKind: "sim_change",
		Phone:     "+15550001111",
		Channel:   "webhook",
	})
	if errs != nil {
		t.Errorf("expected no errors, got %v", errs)
	}
}

func TestValidateRequired(t *testing.T) {
	errs := Validate(sampleEvent{EventKind: "tamper"})
	if errs["device_id"] != "is required" {
		t.Errorf("expected required error for device_id, got %v", errs)
	}
}

func TestValidateEventKind(t *testing.T) {
	for _, kind := range []string{"failed_pin", "sim_change", "tamper", "removed_from_network"} {
		if errs := Validate(sampleEvent{DeviceID: "d1", EventKind: kind}); errs != nil {
			t.Errorf("kind %q: expected valid, got %v", kind, errs)
		}
	}

	errs := Validate(sampleEvent{DeviceID: "d1", EventKind: "theft"})
	if errs["event_kind"] != "is not a recognized event kind" {
		t.Errorf("expected event_kind error, got %v", errs)
	}
}

func TestValidateChannelKind(t *testing.T) {
	errs := Validate(sampleEvent{DeviceID: "d1", EventKind: "tamper", Channel: "pager"})
	if errs["channel"] != "is not a recognized channel kind" {
		t.Errorf("expected channel_kind error, got %v", errs)
	}
}

func TestValidatePhone(t *testing.T) {
	errs := Validate(sampleEvent{DeviceID: "d1", EventKind: "tamper", Phone: "555-0000"})
	if errs["phone"] != "must be an E.164 phone number" {
		t.Errorf("expected e164 error, got %v", errs)
	}
}

func TestToSnakeCase(t *testing.T) {
	cases := map[string]string{
		"DeviceID":   "device_i_d",
		"EventKind":  "event_kind",
		"Name":       "name",
		"OccurredAt": "occurred_at",
	}
	for in, want := range cases {
		if got := toSnakeCase(in); got != want {
			t.Errorf("toSnakeCase(%q) = %q, want %q", in, got, want)
		}
	}
}
