package domain

import "strings"

// TenantID identifies the tenant that owns a subscription and its invocations.
type TenantID string

// TriggerID identifies the platform trigger an event fired for.
type TriggerID string

func (id TenantID) String() string  { return string(id) }
func (id TriggerID) String() string { return string(id) }

// Valid reports whether the identifier is non-empty after trimming whitespace.
func (id TenantID) Valid() bool { return strings.TrimSpace(string(id)) != "" }

func (id TriggerID) Valid() bool { return strings.TrimSpace(string(id)) != "" }
