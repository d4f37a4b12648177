package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/paul/nostr-activity/pkg/event"
	"github.com/paul/nostr-activity/pkg/storage"
)

// Store is an in-memory implementation of storage.Store
// This is intended for testing only - not for production use
type Store struct {
	mu     sync.RWMutex
	events map[string]*event.Event
}

// Ensure Store implements storage.Store
var _ storage.Store = (*Store)(nil)

// New creates a new in-memory store
func New() *Store {
	return &Store{
		events: make(map[string]*event.Event),
	}
}

// SaveEvent stores an event in memory
func (s *Store) SaveEvent(ctx context.Context, evt *event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[evt.ID] = evt
	return nil
}

// QueryEvents retrieves events matching the filters. Each filter's limit
// applies to that filter's matches, newest first, as relays do.
func (s *Store) QueryEvents(ctx context.Context, filters []*event.Filter) ([]*event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []*event.Event
	seen := make(map[string]bool)

	for _, filter := range filters {
		var matched []*event.Event
		for _, evt := range s.events {
			if !seen[evt.ID] && evt.Matches(filter) {
				matched = append(matched, evt)
			}
		}
		sortNewestFirst(matched)
		if filter.Limit != nil && len(matched) > *filter.Limit {
			matched = matched[:*filter.Limit]
		}
		for _, evt := range matched {
			seen[evt.ID] = true
		}
		results = append(results, matched...)
	}

	sortNewestFirst(results)
	return results, nil
}

func sortNewestFirst(events []*event.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].CreatedAt != events[j].CreatedAt {
			return events[i].CreatedAt > events[j].CreatedAt
		}
		return events[i].ID < events[j].ID
	})
}
