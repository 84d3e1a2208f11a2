package events

import (
	"context"
	"errors"

	"github.com/outboundlabs/triggerd/internal/domain"
)

// ErrBusFull is returned when the in-process bus cannot accept an event
// without blocking.
var ErrBusFull = errors.New("event bus buffer full")

// ChannelPublisher is an in-process publisher backed by a buffered channel.
// Used in tests and single-process deployments without a stream broker.
type ChannelPublisher struct {
	ch chan domain.Event
}

// NewChannelPublisher creates a publisher with the given buffer size.
func NewChannelPublisher(buffer int) *ChannelPublisher {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelPublisher{ch: make(chan domain.Event, buffer)}
}

// Publish enqueues the event. It fails fast with ErrBusFull rather than
// blocking a completion write on a slow consumer.
func (p *ChannelPublisher) Publish(ctx context.Context, event domain.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case p.ch <- event:
		return nil
	default:
		return ErrBusFull
	}
}

// Events exposes the consumer side of the bus.
func (p *ChannelPublisher) Events() <-chan domain.Event {
	return p.ch
}
