package domain

import (
	"encoding/json"
	"testing"
	"time"
)

func TestCompletionInput_Validate(t *testing.T) {
	tests := []struct {
		name    string
		input   CompletionInput
		wantErr bool
	}{
		{"output only", CompletionInput{Output: json.RawMessage(`{"ok":true}`)}, false},
		{"error only", CompletionInput{Error: "boom"}, false},
		{"both", CompletionInput{Output: json.RawMessage(`{}`), Error: "boom"}, true},
		{"neither", CompletionInput{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.input.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestInvocationStatus_Open(t *testing.T) {
	inv := InvocationStatus{Created: time.Now()}
	if !inv.Open() {
		t.Fatal("invocation without completed timestamp should be open")
	}

	now := time.Now()
	inv.Completed = &now
	if inv.Open() {
		t.Fatal("invocation with completed timestamp should not be open")
	}
}

func TestInvocationStatus_ExpiresAt(t *testing.T) {
	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	inv := InvocationStatus{Created: created}

	got := inv.ExpiresAt(60 * time.Minute)
	want := created.Add(time.Hour)
	if !got.Equal(want) {
		t.Errorf("ExpiresAt = %s, want %s", got, want)
	}
}

func TestSecret_Matches(t *testing.T) {
	s := NewSecret()
	if !s.Matches(s.Token()) {
		t.Fatal("secret should match its own token")
	}
	if s.Matches("not-the-token") {
		t.Fatal("secret should not match a different token")
	}
}

func TestSecret_Unique(t *testing.T) {
	if NewSecret() == NewSecret() {
		t.Fatal("two minted secrets should never collide")
	}
}

func TestSecret_StringRedacts(t *testing.T) {
	s := NewSecret()
	redacted := s.String()
	if redacted == s.Token() {
		t.Fatal("String() must not expose the full token")
	}
	if len(redacted) > 8 {
		t.Errorf("redacted form too revealing: %q", redacted)
	}
}

func TestIDs_Valid(t *testing.T) {
	if TenantID("").Valid() || TenantID("   ").Valid() {
		t.Error("blank tenant id should be invalid")
	}
	if !TenantID("acme").Valid() {
		t.Error("non-empty tenant id should be valid")
	}
	if TriggerID("").Valid() {
		t.Error("blank trigger id should be invalid")
	}
}

func TestDestinationConfig_BreakerKey(t *testing.T) {
	tests := []struct {
		name string
		dest DestinationConfig
		want string
	}{
		{"webhook", DestinationConfig{Kind: DestinationWebhook, URL: "https://a.example/hook"}, "webhook:https://a.example/hook"},
		{"function", DestinationConfig{Kind: DestinationFunction, FunctionName: "fn-1"}, "function:fn-1"},
		{"eventbus", DestinationConfig{Kind: DestinationEventBus, Account: "123", Region: "us-east-1"}, "eventbus:123:us-east-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.dest.BreakerKey(); got != tt.want {
				t.Errorf("BreakerKey() = %q, want %q", got, tt.want)
			}
		})
	}
}
