package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/paul/nostr-activity/pkg/event"
)

// MessageType represents the type of Nostr protocol message
type MessageType string

const (
	MessageTypeEvent  MessageType = "EVENT"
	MessageTypeReq    MessageType = "REQ"
	MessageTypeClose  MessageType = "CLOSE"
	MessageTypeEOSE   MessageType = "EOSE"   // End of stored events
	MessageTypeOK     MessageType = "OK"     // Command result
	MessageTypeNotice MessageType = "NOTICE" // Human-readable message
	MessageTypeClosed MessageType = "CLOSED" // Subscription ended by the relay
)

// ErrMalformed is wrapped by every parse error.
var ErrMalformed = errors.New("malformed message")

// Message is a decoded protocol frame. Only the fields relevant to Type are set.
type Message struct {
	Type    MessageType
	SubID   string
	Event   *event.Event
	Filters []*event.Filter
	// Reason holds the NOTICE text, the CLOSED reason or the OK message.
	Reason   string
	EventID  string
	Accepted bool
}

// EncodeReq builds ["REQ", subID, filter...].
func EncodeReq(subID string, filters ...*event.Filter) ([]byte, error) {
	msg := []interface{}{MessageTypeReq, subID}
	for _, f := range filters {
		msg = append(msg, f)
	}
	return json.Marshal(msg)
}

// EncodeClose builds ["CLOSE", subID].
func EncodeClose(subID string) ([]byte, error) {
	return json.Marshal([]interface{}{MessageTypeClose, subID})
}

// EncodeEvent builds ["EVENT", subID, event] as sent by a relay.
func EncodeEvent(subID string, evt *event.Event) ([]byte, error) {
	return json.Marshal([]interface{}{MessageTypeEvent, subID, evt})
}

// EncodeEOSE builds ["EOSE", subID].
func EncodeEOSE(subID string) ([]byte, error) {
	return json.Marshal([]interface{}{MessageTypeEOSE, subID})
}

// EncodeClosed builds ["CLOSED", subID, reason].
func EncodeClosed(subID, reason string) ([]byte, error) {
	return json.Marshal([]interface{}{MessageTypeClosed, subID, reason})
}

// EncodeNotice builds ["NOTICE", message].
func EncodeNotice(message string) ([]byte, error) {
	return json.Marshal([]interface{}{MessageTypeNotice, message})
}

// ParseRelayMessage decodes a frame received from a relay.
//
// When the envelope is readable but the payload is not, the returned Message
// still carries Type and SubID so the caller can route the failure to the
// subscription it belongs to.
func ParseRelayMessage(data []byte) (*Message, error) {
	raw, msgType, err := splitEnvelope(data)
	if err != nil {
		return nil, err
	}

	switch msgType {
	case MessageTypeEvent:
		if len(raw) < 3 {
			return nil, fmt.Errorf("%w: EVENT message must have 3 elements", ErrMalformed)
		}
		subID, err := decodeString(raw[1], "subscription ID")
		if err != nil {
			return nil, err
		}
		msg := &Message{Type: msgType, SubID: subID}
		var evt event.Event
		if err := json.Unmarshal(raw[2], &evt); err != nil {
			return msg, fmt.Errorf("%w: invalid event: %v", ErrMalformed, err)
		}
		if err := evt.CheckShape(); err != nil {
			return msg, fmt.Errorf("%w: invalid event: %v", ErrMalformed, err)
		}
		msg.Event = &evt
		return msg, nil

	case MessageTypeEOSE:
		if len(raw) < 2 {
			return nil, fmt.Errorf("%w: EOSE message must have 2 elements", ErrMalformed)
		}
		subID, err := decodeString(raw[1], "subscription ID")
		if err != nil {
			return nil, err
		}
		return &Message{Type: msgType, SubID: subID}, nil

	case MessageTypeClosed:
		if len(raw) < 2 {
			return nil, fmt.Errorf("%w: CLOSED message must have at least 2 elements", ErrMalformed)
		}
		subID, err := decodeString(raw[1], "subscription ID")
		if err != nil {
			return nil, err
		}
		msg := &Message{Type: msgType, SubID: subID}
		if len(raw) > 2 {
			// A reason that is not a string is not worth failing over.
			_ = json.Unmarshal(raw[2], &msg.Reason)
		}
		return msg, nil

	case MessageTypeNotice:
		if len(raw) < 2 {
			return nil, fmt.Errorf("%w: NOTICE message must have 2 elements", ErrMalformed)
		}
		notice, err := decodeString(raw[1], "notice")
		if err != nil {
			return nil, err
		}
		return &Message{Type: msgType, Reason: notice}, nil

	case MessageTypeOK:
		if len(raw) < 3 {
			return nil, fmt.Errorf("%w: OK message must have at least 3 elements", ErrMalformed)
		}
		eventID, err := decodeString(raw[1], "event ID")
		if err != nil {
			return nil, err
		}
		msg := &Message{Type: msgType, EventID: eventID}
		if err := json.Unmarshal(raw[2], &msg.Accepted); err != nil {
			return nil, fmt.Errorf("%w: invalid OK flag: %v", ErrMalformed, err)
		}
		if len(raw) > 3 {
			_ = json.Unmarshal(raw[3], &msg.Reason)
		}
		return msg, nil

	default:
		return nil, fmt.Errorf("%w: unknown message type: %s", ErrMalformed, msgType)
	}
}

// ParseClientMessage decodes a REQ or CLOSE frame sent by a client.
func ParseClientMessage(data []byte) (*Message, error) {
	raw, msgType, err := splitEnvelope(data)
	if err != nil {
		return nil, err
	}

	switch msgType {
	case MessageTypeReq:
		if len(raw) < 2 {
			return nil, fmt.Errorf("%w: REQ message must have at least 2 elements", ErrMalformed)
		}
		subID, err := decodeString(raw[1], "subscription ID")
		if err != nil {
			return nil, err
		}
		msg := &Message{Type: msgType, SubID: subID}
		for i := 2; i < len(raw); i++ {
			var filter event.Filter
			if err := json.Unmarshal(raw[i], &filter); err != nil {
				return nil, fmt.Errorf("%w: invalid filter: %v", ErrMalformed, err)
			}
			msg.Filters = append(msg.Filters, &filter)
		}
		return msg, nil

	case MessageTypeClose:
		if len(raw) != 2 {
			return nil, fmt.Errorf("%w: CLOSE message must have 2 elements", ErrMalformed)
		}
		subID, err := decodeString(raw[1], "subscription ID")
		if err != nil {
			return nil, err
		}
		return &Message{Type: msgType, SubID: subID}, nil

	default:
		return nil, fmt.Errorf("%w: unsupported message type: %s", ErrMalformed, msgType)
	}
}

func splitEnvelope(data []byte) ([]json.RawMessage, MessageType, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, "", fmt.Errorf("%w: invalid JSON: %v", ErrMalformed, err)
	}
	if len(raw) == 0 {
		return nil, "", fmt.Errorf("%w: empty message", ErrMalformed)
	}

	msgType, err := decodeString(raw[0], "message type")
	if err != nil {
		return nil, "", err
	}
	return raw, MessageType(msgType), nil
}

func decodeString(raw json.RawMessage, what string) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("%w: invalid %s: %v", ErrMalformed, what, err)
	}
	return s, nil
}
