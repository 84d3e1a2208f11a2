package schedule

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/outboundlabs/triggerd/internal/domain"
	"github.com/outboundlabs/triggerd/internal/ingress"
	"github.com/outboundlabs/triggerd/internal/testutil"
)

type recordingFirer struct {
	mu     sync.Mutex
	events []ingress.PlatformEvent
}

func (f *recordingFirer) Process(_ context.Context, event ingress.PlatformEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func TestParse_ValidSpecs(t *testing.T) {
	tests := []struct {
		spec     string
		timezone string
	}{
		{"0 9 * * 1-5", ""},
		{"*/15 * * * *", ""},
		{"30 2 1 * *", "America/New_York"},
		{"@hourly", ""},
	}
	for _, tc := range tests {
		if _, err := Parse(tc.spec, tc.timezone); err != nil {
			t.Errorf("Parse(%q, %q): %v", tc.spec, tc.timezone, err)
		}
	}
}

func TestParse_InvalidSpecs(t *testing.T) {
	tests := []struct {
		spec     string
		timezone string
	}{
		{"not a cron", ""},
		{"61 * * * *", ""},
		{"0 9 * * *", "Not/AZone"},
	}
	for _, tc := range tests {
		if _, err := Parse(tc.spec, tc.timezone); err == nil {
			t.Errorf("Parse(%q, %q): expected error", tc.spec, tc.timezone)
		}
	}
}

func TestParse_TimezoneShiftsNextRun(t *testing.T) {
	utc, err := Parse("0 9 * * *", "UTC")
	if err != nil {
		t.Fatal(err)
	}
	tokyo, err := Parse("0 9 * * *", "Asia/Tokyo")
	if err != nil {
		t.Fatal(err)
	}

	from := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	if utc.Next(from).Equal(tokyo.Next(from)) {
		t.Error("9:00 UTC and 9:00 Tokyo must not fire at the same instant")
	}
}

func TestAdd_ValidatesDefinition(t *testing.T) {
	s := New(&recordingFirer{}, testutil.QuietLogger())

	tests := []struct {
		name    string
		trigger ScheduledTrigger
	}{
		{"missing tenant", ScheduledTrigger{TriggerID: "t", Spec: "@hourly"}},
		{"missing trigger", ScheduledTrigger{TenantID: "acme", Spec: "@hourly"}},
		{"bad spec", ScheduledTrigger{TenantID: "acme", TriggerID: "t", Spec: "bogus"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := s.Add(tc.trigger); !domain.IsValidation(err) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestAdd_RegistersEntry(t *testing.T) {
	s := New(&recordingFirer{}, testutil.QuietLogger())

	id, err := s.Add(ScheduledTrigger{
		TenantID:  "acme",
		TriggerID: "idn:nightly-sync",
		Spec:      "0 2 * * *",
		Timezone:  "UTC",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(s.Entries()) != 1 {
		t.Fatalf("entries = %d, want 1", len(s.Entries()))
	}

	s.Remove(id)
	if len(s.Entries()) != 0 {
		t.Fatal("entry should be removed")
	}
}

func TestFire_BuildsPlatformEvent(t *testing.T) {
	firer := &recordingFirer{}
	s := New(firer, testutil.QuietLogger())

	s.fire(ScheduledTrigger{
		TenantID:  "acme",
		TriggerID: "idn:nightly-sync",
		Payload:   []byte(`{"mode":"full"}`),
	})

	firer.mu.Lock()
	defer firer.mu.Unlock()
	if len(firer.events) != 1 {
		t.Fatalf("events = %d, want 1", len(firer.events))
	}
	event := firer.events[0]
	if event.TenantID != "acme" || event.TriggerID != "idn:nightly-sync" {
		t.Errorf("event = %+v", event)
	}
	if event.RequestID == "" {
		t.Error("each firing must carry a fresh request id")
	}
	if string(event.Payload) != `{"mode":"full"}` {
		t.Errorf("payload = %s", event.Payload)
	}
}

func TestFire_DefaultsEmptyPayload(t *testing.T) {
	firer := &recordingFirer{}
	s := New(firer, testutil.QuietLogger())

	s.fire(ScheduledTrigger{TenantID: "acme", TriggerID: "t"})

	firer.mu.Lock()
	defer firer.mu.Unlock()
	if string(firer.events[0].Payload) != `{}` {
		t.Errorf("payload = %s", firer.events[0].Payload)
	}
}
