// Package identity turns user supplied identifiers into the canonical hex
// public key used in relay filters.
package identity

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/nbd-wtf/go-nostr/nip19"
)

// ErrInvalidIdentifier is matched by every error Normalize returns.
var ErrInvalidIdentifier = errors.New("invalid identifier")

// InvalidIdentifierError carries the rejected input for diagnostics.
type InvalidIdentifierError struct {
	Input  string
	Reason string
}

func (e *InvalidIdentifierError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("invalid identifier %q", e.Input)
	}
	return fmt.Sprintf("invalid identifier %q: %s", e.Input, e.Reason)
}

func (e *InvalidIdentifierError) Is(target error) bool {
	return target == ErrInvalidIdentifier
}

const (
	npubPrefix = "npub"
	uriScheme  = "nostr:"
)

var hexKey = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

// Normalize returns the lower-case hex public key for a 64 character hex string
// or an npub (optionally written as a nostr: URI).
func Normalize(input string) (string, error) {
	s := strings.TrimSpace(input)
	if strings.HasPrefix(strings.ToLower(s), uriScheme) {
		s = s[len(uriScheme):]
	}

	if hexKey.MatchString(s) {
		return strings.ToLower(s), nil
	}

	prefix, value, err := nip19.Decode(s)
	if err != nil {
		return "", &InvalidIdentifierError{Input: input, Reason: err.Error()}
	}
	if prefix != npubPrefix {
		return "", &InvalidIdentifierError{Input: input, Reason: fmt.Sprintf("expected %s, got %s", npubPrefix, prefix)}
	}
	key, ok := value.(string)
	if !ok {
		return "", &InvalidIdentifierError{Input: input, Reason: "decoded payload is not a key"}
	}
	return key, nil
}

// EncodeNpub is the inverse of Normalize for hex keys.
func EncodeNpub(hexPubKey string) (string, error) {
	key, err := Normalize(hexPubKey)
	if err != nil {
		return "", err
	}
	return nip19.EncodePublicKey(key)
}
