package domain

import "time"

// SubscriptionType categorizes the delivery channel; used for usage
// accounting and for selecting the dispatch strategy.
type SubscriptionType string

const (
	SubscriptionTypeWebhook  SubscriptionType = "webhook"
	SubscriptionTypeFunction SubscriptionType = "function"
	SubscriptionTypeEventBus SubscriptionType = "eventbus"
	SubscriptionTypeScript   SubscriptionType = "script"
)

// DestinationKind tags the variant carried by a DestinationConfig.
type DestinationKind string

const (
	DestinationWebhook  DestinationKind = "webhook"
	DestinationFunction DestinationKind = "function"
	DestinationEventBus DestinationKind = "eventbus"
)

// DestinationConfig is a tagged variant over the destination kinds. Only the
// field group matching Kind is populated.
type DestinationConfig struct {
	Kind DestinationKind `json:"kind"`

	// Webhook
	URL     string        `json:"url,omitempty"`
	Secret  string        `json:"secret,omitempty"` // HMAC signing secret
	Timeout time.Duration `json:"timeout,omitempty"`

	// Managed function
	FunctionName string `json:"functionName,omitempty"`
	Qualifier    string `json:"qualifier,omitempty"`

	// Partner event bus
	Account    string `json:"account,omitempty"`
	Region     string `json:"region,omitempty"`
	SourceName string `json:"sourceName,omitempty"`
}

// BreakerKey is the destination identity the circuit breaker isolates on.
func (d DestinationConfig) BreakerKey() string {
	switch d.Kind {
	case DestinationWebhook:
		return "webhook:" + d.URL
	case DestinationFunction:
		return "function:" + d.FunctionName
	case DestinationEventBus:
		return "eventbus:" + d.Account + ":" + d.Region
	default:
		return "unknown"
	}
}

// Subscription is a tenant's registered interest in a trigger, bound to a
// destination. CRUD and filter matching live in the subscription registry;
// this engine only consumes the matched result.
type Subscription struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Type        SubscriptionType  `json:"type"`
	Invocation  InvocationType    `json:"invocation"`
	Destination DestinationConfig `json:"destination"`
	Filter      string            `json:"filter,omitempty"`
}
