package invoker

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/outboundlabs/triggerd/internal/domain"
)

const (
	// HeaderSignature carries the hex HMAC-SHA256 of the request body,
	// keyed with the subscription's signing secret.
	HeaderSignature = "X-Triggerd-Signature"
	// HeaderInvocationID identifies the invocation being delivered.
	HeaderInvocationID = "X-Triggerd-Invocation-Id"
	// HeaderTriggerID identifies the trigger that fired.
	HeaderTriggerID = "X-Triggerd-Trigger-Id"

	defaultWebhookTimeout = 30 * time.Second
	maxResponseBody       = 1 << 20 // 1 MiB
)

// WebhookSender delivers invocations over HTTP POST.
type WebhookSender struct {
	client *http.Client
}

// NewWebhookSender creates a sender. timeout bounds each request end to end
// and is overridden per destination when the subscription sets its own.
func NewWebhookSender(timeout time.Duration) *WebhookSender {
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &WebhookSender{
		client: &http.Client{Timeout: timeout},
	}
}

// Send posts the envelope to the destination URL.
//
// Sync invocations resolve from the response body; async invocations only
// need the destination to accept the event. Any non-2xx status is a
// destination fault.
func (w *WebhookSender) Send(ctx context.Context, inv domain.InvocationStatus, dest domain.DestinationConfig, envelope Envelope) (Result, error) {
	body, err := json.Marshal(envelope)
	if err != nil {
		return Result{}, &DispatchError{Kind: domain.DestinationWebhook, Reason: "marshal payload: " + err.Error()}
	}

	if dest.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dest.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dest.URL, bytes.NewReader(body))
	if err != nil {
		return Result{}, &DispatchError{Kind: domain.DestinationWebhook, Reason: "build request: " + err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderInvocationID, inv.ID)
	req.Header.Set(HeaderTriggerID, inv.TriggerID.String())
	if dest.Secret != "" {
		req.Header.Set(HeaderSignature, ComputeSignature(dest.Secret, body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return Result{}, &DispatchError{Kind: domain.DestinationWebhook, Reason: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, &DispatchError{
			Kind:   domain.DestinationWebhook,
			Reason: fmt.Sprintf("endpoint returned status %d", resp.StatusCode),
		}
	}

	if inv.Type == domain.InvocationTypeAsync {
		return Result{Outcome: OutcomeAsync}, nil
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return Result{}, &DispatchError{Kind: domain.DestinationWebhook, Reason: "read response: " + err.Error()}
	}
	if len(respBody) == 0 || !json.Valid(respBody) {
		return Result{
			Outcome:      OutcomeFailed,
			ErrorMessage: "endpoint returned a non-JSON response body",
		}, nil
	}
	return Result{Outcome: OutcomeCompleted, Output: respBody}, nil
}

// ComputeSignature returns the hex HMAC-SHA256 of body keyed with secret.
func ComputeSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature in constant time. Subscribers
// use it to authenticate deliveries.
func VerifySignature(secret string, body []byte, signature string) bool {
	expected := ComputeSignature(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
