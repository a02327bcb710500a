package database

import (
	"testing"
)

func TestEventKindIsValid(t *testing.T) {
	valid := []EventKind{EventKindFailedPin, EventKindSimChange, EventKindTamper, EventKindRemovedFromNetwork}
	for _, k := range valid {
		if !k.IsValid() {
			t.Errorf("expected %q to be valid", k)
		}
	}
	if EventKind("theft").IsValid() {
		t.Error("expected unknown event kind to be invalid")
	}
	if EventKind("").IsValid() {
		t.Error("expected empty event kind to be invalid")
	}
}

func TestChannelKindIsValid(t *testing.T) {
	for _, k := range AllChannelKinds {
		if !k.IsValid() {
			t.Errorf("expected %q to be valid", k)
		}
	}
	if ChannelKind("email").IsValid() {
		t.Error("expected unknown channel kind to be invalid")
	}
}

func TestContactActiveEndpoints(t *testing.T) {
	contact := &Contact{
		Endpoints: JSONB{
			"webhook": "https://example.com/hook",
			"push":    "token-1",
			"sms":     "+15550001111",
		},
	}

	eps := contact.ActiveEndpoints()
	if len(eps) != 3 {
		t.Fatalf("expected 3 endpoints, got %d", len(eps))
	}

	// Planning order is fixed regardless of map iteration order
	if eps[0].Kind != ChannelKindPush || eps[1].Kind != ChannelKindSMS || eps[2].Kind != ChannelKindWebhook {
		t.Errorf("unexpected endpoint order: %v", eps)
	}
	if eps[0].Destination != "token-1" {
		t.Errorf("expected push destination 'token-1', got %q", eps[0].Destination)
	}
}

func TestContactEndpointMissing(t *testing.T) {
	contact := &Contact{Endpoints: JSONB{"sms": "+15550001111"}}
	if dest := contact.Endpoint(ChannelKindPush); dest != "" {
		t.Errorf("expected empty destination, got %q", dest)
	}

	var nilEndpoints *Contact = &Contact{}
	if dest := nilEndpoints.Endpoint(ChannelKindSMS); dest != "" {
		t.Errorf("expected empty destination for nil endpoints, got %q", dest)
	}
}

func TestAttemptStateIsTerminal(t *testing.T) {
	terminal := []AttemptState{AttemptStateConfirmed, AttemptStateFailedTerminal, AttemptStateExhausted}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("expected %q to be terminal", s)
		}
	}
	nonTerminal := []AttemptState{AttemptStatePending, AttemptStateSent, AttemptStateFailedRetryable}
	for _, s := range nonTerminal {
		if s.IsTerminal() {
			t.Errorf("expected %q to be non-terminal", s)
		}
	}
}

func TestAttemptStateCanTransition(t *testing.T) {
	cases := []struct {
		from    AttemptState
		to      AttemptState
		allowed bool
	}{
		{AttemptStatePending, AttemptStateSent, true},
		{AttemptStatePending, AttemptStateFailedTerminal, true},
		{AttemptStateSent, AttemptStateConfirmed, true},
		{AttemptStateSent, AttemptStateFailedRetryable, true},
		{AttemptStateSent, AttemptStateExhausted, true},
		{AttemptStateSent, AttemptStatePending, false},
		{AttemptStateConfirmed, AttemptStateFailedTerminal, false},
		{AttemptStateFailedRetryable, AttemptStateSent, false},
		{AttemptStateExhausted, AttemptStateConfirmed, false},
	}

	for _, c := range cases {
		if got := c.from.CanTransition(c.to); got != c.allowed {
			t.Errorf("%s -> %s: expected %v, got %v", c.from, c.to, c.allowed, got)
		}
	}
}

func TestComputeAlertStatus(t *testing.T) {
	pairA := PairKey{ContactID: "c1", ChannelKind: ChannelKindPush}
	pairB := PairKey{ContactID: "c1", ChannelKind: ChannelKindSMS}

	cases := []struct {
		name         string
		plannedPairs int
		states       map[PairKey]AttemptState
		want         AlertStatus
	}{
		{"no pairs planned", 0, nil, AlertStatusFailed},
		{"nothing settled", 2, map[PairKey]AttemptState{}, AlertStatusOpen},
		{"all confirmed", 2, map[PairKey]AttemptState{
			pairA: AttemptStateConfirmed,
			pairB: AttemptStateConfirmed,
		}, AlertStatusDelivered},
		{"all failed", 2, map[PairKey]AttemptState{
			pairA: AttemptStateExhausted,
			pairB: AttemptStateFailedTerminal,
		}, AlertStatusFailed},
		{"mixed outcomes", 2, map[PairKey]AttemptState{
			pairA: AttemptStateConfirmed,
			pairB: AttemptStateFailedTerminal,
		}, AlertStatusPartiallyDelivered},
		{"one confirmed one pending", 2, map[PairKey]AttemptState{
			pairA: AttemptStateConfirmed,
		}, AlertStatusPartiallyDelivered},
		{"one failed one pending", 2, map[PairKey]AttemptState{
			pairA: AttemptStateExhausted,
		}, AlertStatusPartiallyDelivered},
		{"single pair confirmed", 1, map[PairKey]AttemptState{
			pairA: AttemptStateConfirmed,
		}, AlertStatusDelivered},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := ComputeAlertStatus(c.plannedPairs, c.states); got != c.want {
				t.Errorf("expected %s, got %s", c.want, got)
			}
		})
	}
}
