package testutil

import (
	"fmt"

	"github.com/paul/nostr-activity/pkg/event"
)

// NewEventAt creates an event signed by kp with the given created_at.
func NewEventAt(kp *KeyPair, kind int, createdAt int64, content string) (*event.Event, error) {
	evt := &event.Event{
		Kind:      kind,
		Content:   content,
		Tags:      [][]string{},
		CreatedAt: createdAt,
	}
	if err := kp.SignEvent(evt); err != nil {
		return nil, err
	}
	return evt, nil
}

// MustNewEventAt is NewEventAt that panics on error.
func MustNewEventAt(kp *KeyPair, kind int, createdAt int64, content string) *event.Event {
	evt, err := NewEventAt(kp, kind, createdAt, content)
	if err != nil {
		panic(err)
	}
	return evt
}

// EventsAt creates one text note per timestamp.
func EventsAt(kp *KeyPair, timestamps ...int64) []*event.Event {
	events := make([]*event.Event, 0, len(timestamps))
	for i, ts := range timestamps {
		events = append(events, MustNewEventAt(kp, event.KindTextNote, ts, fmt.Sprintf("note %d", i)))
	}
	return events
}

// IDs returns the ids of events in order.
func IDs(events []*event.Event) []string {
	ids := make([]string, 0, len(events))
	for _, e := range events {
		ids = append(ids, e.ID)
	}
	return ids
}
