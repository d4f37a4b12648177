package storage

import (
	"context"

	"github.com/paul/nostr-activity/pkg/event"
)

// Store defines the interface for event storage backing a relay.
type Store interface {
	// SaveEvent stores an event. Saving an id twice keeps one copy.
	SaveEvent(ctx context.Context, evt *event.Event) error

	// QueryEvents retrieves events matching the filters, newest first.
	// If multiple filters are provided, they are OR'd together
	QueryEvents(ctx context.Context, filters []*event.Filter) ([]*event.Event, error)
}
