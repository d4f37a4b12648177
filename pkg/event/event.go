package event

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Kinds the activity history cares about most. Relays and the core pass any
// kind through untouched; these only name the common ones.
const (
	KindMetadata = 0
	KindTextNote = 1
	KindContacts = 3
	KindDeletion = 5
	KindRepost   = 6
	KindReaction = 7
)

// Event represents a Nostr event as defined in NIP-01
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// Filter represents a subscription filter as defined in NIP-01
type Filter struct {
	IDs     []string            `json:"ids,omitempty"`
	Authors []string            `json:"authors,omitempty"`
	Kinds   []int               `json:"kinds,omitempty"`
	Tags    map[string][]string `json:"-"`
	Since   *int64              `json:"since,omitempty"`
	Until   *int64              `json:"until,omitempty"`
	Limit   *int                `json:"limit,omitempty"`
	Search  string              `json:"search,omitempty"`
}

// MarshalJSON writes generic tag filters as "#<name>" keys next to the
// regular fields.
func (f Filter) MarshalJSON() ([]byte, error) {
	type Alias Filter
	base, err := json.Marshal(Alias(f))
	if err != nil {
		return nil, err
	}
	if len(f.Tags) == 0 {
		return base, nil
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(base, &m); err != nil {
		return nil, err
	}
	for name, values := range f.Tags {
		raw, err := json.Marshal(values)
		if err != nil {
			return nil, fmt.Errorf("invalid tag value for #%s: %w", name, err)
		}
		m["#"+name] = raw
	}
	return json.Marshal(m)
}

// UnmarshalJSON implements a custom unmarshaler for Filter
func (f *Filter) UnmarshalJSON(data []byte) error {
	// Use a temporary struct to unmarshal known fields
	type Alias Filter
	aux := &struct {
		*Alias
	}{Alias: (*Alias)(f)}

	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}

	// Now, unmarshal into a map to find generic tags
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}

	for key, value := range m {
		if len(key) > 1 && key[0] == '#' {
			var tagValues []string
			if err := json.Unmarshal(value, &tagValues); err != nil {
				return fmt.Errorf("invalid tag value for %s: %w", key, err)
			}
			if f.Tags == nil {
				f.Tags = make(map[string][]string)
			}
			f.Tags[key[1:]] = tagValues
		}
	}

	return nil
}

// CheckShape reports whether the event carries the fields every relay-delivered
// event must have. Signatures are not verified.
func (e *Event) CheckShape() error {
	if e.ID == "" {
		return fmt.Errorf("missing id")
	}
	if e.PubKey == "" {
		return fmt.Errorf("missing pubkey")
	}
	if e.Kind < 0 {
		return fmt.Errorf("invalid kind %d", e.Kind)
	}
	return nil
}

// ComputeID computes the event ID according to NIP-01
func (e *Event) ComputeID() (string, error) {
	serialized, err := e.Serialize()
	if err != nil {
		return "", err
	}

	hash := sha256.Sum256([]byte(serialized))
	return hex.EncodeToString(hash[:]), nil
}

// Serialize creates the canonical serialization for ID computation
func (e *Event) Serialize() (string, error) {
	// NIP-01 format: [0,<pubkey>,<created_at>,<kind>,<tags>,<content>]
	tags := e.Tags
	if tags == nil {
		tags = [][]string{}
	}
	data := []interface{}{
		0,
		e.PubKey,
		e.CreatedAt,
		e.Kind,
		tags,
		e.Content,
	}

	serialized, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to serialize event: %w", err)
	}

	return string(serialized), nil
}

// Matches checks if the event matches the given filter
func (e *Event) Matches(f *Filter) bool {
	if len(f.IDs) > 0 && !anyPrefix(e.ID, f.IDs) {
		return false
	}
	if len(f.Authors) > 0 && !anyPrefix(e.PubKey, f.Authors) {
		return false
	}

	if len(f.Kinds) > 0 {
		match := false
		for _, kind := range f.Kinds {
			if e.Kind == kind {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}

	if f.Since != nil && e.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && e.CreatedAt > *f.Until {
		return false
	}

	for tagName, filterValues := range f.Tags {
		found := false
		for _, filterValue := range filterValues {
			if e.hasTag(tagName, filterValue) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	return true
}

// hasTag checks if the event has a tag with the given name and value
func (e *Event) hasTag(name, value string) bool {
	for _, tag := range e.Tags {
		if len(tag) >= 2 && tag[0] == name && matchesPrefix(tag[1], value) {
			return true
		}
	}
	return false
}

func anyPrefix(target string, prefixes []string) bool {
	for _, p := range prefixes {
		if matchesPrefix(target, p) {
			return true
		}
	}
	return false
}

// matchesPrefix checks if target starts with prefix (supports prefix matching)
func matchesPrefix(target, prefix string) bool {
	if len(prefix) > len(target) {
		return false
	}
	return target[:len(prefix)] == prefix
}
