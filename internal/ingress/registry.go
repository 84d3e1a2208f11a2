package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/outboundlabs/triggerd/internal/domain"
)

// RegistryEntry binds a subscription to the trigger it listens on.
type RegistryEntry struct {
	TenantID     domain.TenantID     `json:"tenantId"`
	TriggerID    domain.TriggerID    `json:"triggerId"`
	Subscription domain.Subscription `json:"subscription"`
}

// StaticRegistry is a SubscriptionRegistry over a fixed entry list, loaded
// from a JSON file at startup. Deployments with a full subscription service
// substitute their own SubscriptionRegistry implementation.
type StaticRegistry struct {
	mu      sync.RWMutex
	entries []RegistryEntry
}

// NewStaticRegistry creates a registry from entries.
func NewStaticRegistry(entries []RegistryEntry) *StaticRegistry {
	return &StaticRegistry{entries: entries}
}

// LoadRegistryFile reads a JSON array of registry entries.
func LoadRegistryFile(path string) (*StaticRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read subscriptions file: %w", err)
	}
	var entries []RegistryEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse subscriptions file %s: %w", path, err)
	}
	for i, entry := range entries {
		if !entry.TenantID.Valid() || !entry.TriggerID.Valid() || entry.Subscription.ID == "" {
			return nil, fmt.Errorf("subscriptions file %s: entry %d is missing tenantId, triggerId, or subscription.id", path, i)
		}
	}
	return NewStaticRegistry(entries), nil
}

// Match returns the subscriptions registered for the tenant and trigger.
func (r *StaticRegistry) Match(_ context.Context, tenantID domain.TenantID, triggerID domain.TriggerID) ([]domain.Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var matched []domain.Subscription
	for _, entry := range r.entries {
		if entry.TenantID == tenantID && entry.TriggerID == triggerID {
			matched = append(matched, entry.Subscription)
		}
	}
	return matched, nil
}

// Replace swaps the entry list, for reloads.
func (r *StaticRegistry) Replace(entries []RegistryEntry) {
	r.mu.Lock()
	r.entries = entries
	r.mu.Unlock()
}
