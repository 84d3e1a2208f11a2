package invoker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	ebtypes "github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/outboundlabs/triggerd/internal/domain"
)

// EventBridgeAPI is the slice of the EventBridge client the forwarder uses.
type EventBridgeAPI interface {
	CreatePartnerEventSource(ctx context.Context, in *eventbridge.CreatePartnerEventSourceInput, optFns ...func(*eventbridge.Options)) (*eventbridge.CreatePartnerEventSourceOutput, error)
	PutPartnerEvents(ctx context.Context, in *eventbridge.PutPartnerEventsInput, optFns ...func(*eventbridge.Options)) (*eventbridge.PutPartnerEventsOutput, error)
}

// ClientFactory builds an EventBridge client for a region. Injected so tests
// never touch real credentials.
type ClientFactory func(ctx context.Context, region string) (EventBridgeAPI, error)

const clientCacheSize = 64

// EventBusForwarder delivers invocations to partner event buses. Event bus
// delivery is inherently async: the bus accepts the event and any completion
// arrives via the callback endpoint or the reaper.
type EventBusForwarder struct {
	factory ClientFactory

	// Regional clients are cached per account:region; building one loads
	// credential config, which is too slow for the dispatch path.
	cacheMu sync.Mutex
	cache   *lru.Cache[string, EventBridgeAPI]

	// sources remembers partner event sources already ensured this process
	// lifetime, keyed like the client cache plus the source name.
	sourcesMu sync.Mutex
	sources   map[string]bool
}

// NewEventBusForwarder creates a forwarder.
func NewEventBusForwarder(factory ClientFactory) (*EventBusForwarder, error) {
	cache, err := lru.New[string, EventBridgeAPI](clientCacheSize)
	if err != nil {
		return nil, err
	}
	return &EventBusForwarder{
		factory: factory,
		cache:   cache,
		sources: make(map[string]bool),
	}, nil
}

// Forward puts the envelope on the destination's partner event bus.
//
// A misconfigured destination that cannot even produce a client is a
// validation failure; a bus that rejects the put is a destination fault.
func (e *EventBusForwarder) Forward(ctx context.Context, inv domain.InvocationStatus, dest domain.DestinationConfig, envelope Envelope) (Result, error) {
	client, err := e.clientFor(ctx, dest)
	if err != nil {
		return Result{}, &domain.ValidationError{
			Field:  "destination.eventbus",
			Reason: "cannot build client for region " + dest.Region + ": " + err.Error(),
		}
	}

	if err := e.ensureSource(ctx, client, dest); err != nil {
		return Result{}, &DispatchError{Kind: domain.DestinationEventBus, Reason: "ensure partner source: " + err.Error()}
	}

	detail, err := json.Marshal(envelope)
	if err != nil {
		return Result{}, &DispatchError{Kind: domain.DestinationEventBus, Reason: "marshal detail: " + err.Error()}
	}

	now := time.Now().UTC()
	out, err := client.PutPartnerEvents(ctx, &eventbridge.PutPartnerEventsInput{
		Entries: []ebtypes.PutPartnerEventsRequestEntry{{
			Source:     aws.String(dest.SourceName),
			DetailType: aws.String("trigger.fired:" + inv.TriggerID.String()),
			Detail:     aws.String(string(detail)),
			Time:       &now,
		}},
	})
	if err != nil {
		return Result{}, &DispatchError{Kind: domain.DestinationEventBus, Reason: err.Error()}
	}
	if out.FailedEntryCount > 0 {
		reason := "event entry rejected"
		if len(out.Entries) > 0 && out.Entries[0].ErrorMessage != nil {
			reason = *out.Entries[0].ErrorMessage
		}
		return Result{}, &DispatchError{Kind: domain.DestinationEventBus, Reason: reason}
	}

	return Result{Outcome: OutcomeAsync}, nil
}

func (e *EventBusForwarder) clientFor(ctx context.Context, dest domain.DestinationConfig) (EventBridgeAPI, error) {
	key := dest.Account + ":" + dest.Region

	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	if client, ok := e.cache.Get(key); ok {
		return client, nil
	}
	client, err := e.factory(ctx, dest.Region)
	if err != nil {
		return nil, err
	}
	e.cache.Add(key, client)
	return client, nil
}

// ensureSource creates the partner event source for the subscriber account
// if this process has not done so yet. An already existing source is fine.
func (e *EventBusForwarder) ensureSource(ctx context.Context, client EventBridgeAPI, dest domain.DestinationConfig) error {
	key := dest.Account + ":" + dest.Region + ":" + dest.SourceName

	e.sourcesMu.Lock()
	ensured := e.sources[key]
	e.sourcesMu.Unlock()
	if ensured {
		return nil
	}

	_, err := client.CreatePartnerEventSource(ctx, &eventbridge.CreatePartnerEventSourceInput{
		Account: aws.String(dest.Account),
		Name:    aws.String(dest.SourceName),
	})
	var exists *ebtypes.ResourceAlreadyExistsException
	if err != nil && !errors.As(err, &exists) {
		return fmt.Errorf("create partner event source %s: %w", dest.SourceName, err)
	}

	e.sourcesMu.Lock()
	e.sources[key] = true
	e.sourcesMu.Unlock()
	return nil
}
