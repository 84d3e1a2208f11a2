package api

import (
	"encoding/json"
	"time"

	"github.com/outboundlabs/triggerd/internal/domain"
)

// completeRequest is the callback body. Exactly one of output and error
// must be set.
type completeRequest struct {
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// invocationView is the external projection of an invocation. The callback
// secret is never serialized.
type invocationView struct {
	ID               string          `json:"id"`
	TenantID         string          `json:"tenantId"`
	TriggerID        string          `json:"triggerId"`
	Type             string          `json:"type"`
	SubscriptionID   string          `json:"subscriptionId,omitempty"`
	SubscriptionName string          `json:"subscriptionName,omitempty"`
	Input            json.RawMessage `json:"input,omitempty"`
	RawContent       string          `json:"rawContent,omitempty"`
	Output           json.RawMessage `json:"output,omitempty"`
	Error            string          `json:"error,omitempty"`
	Created          time.Time       `json:"created"`
	Completed        *time.Time      `json:"completed,omitempty"`
}

func toView(inv domain.InvocationStatus) invocationView {
	view := invocationView{
		ID:               inv.ID,
		TenantID:         inv.TenantID.String(),
		TriggerID:        inv.TriggerID.String(),
		Type:             string(inv.Type),
		SubscriptionID:   inv.SubscriptionID,
		SubscriptionName: inv.SubscriptionName,
		Input:            inv.Start.Input,
		RawContent:       inv.Start.RawContent,
		Created:          inv.Created,
		Completed:        inv.Completed,
	}
	if inv.Completion != nil {
		view.Output = inv.Completion.Output
		view.Error = inv.Completion.Error
	}
	return view
}

func toViews(invs []domain.InvocationStatus) []invocationView {
	views := make([]invocationView, 0, len(invs))
	for _, inv := range invs {
		views = append(views, toView(inv))
	}
	return views
}

type errorResponse struct {
	Error string `json:"error"`
}

type healthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
	Breakers   map[string]string `json:"breakers,omitempty"`
}
