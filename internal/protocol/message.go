// Package protocol stands in for the daemon's end of the extension message
// channel and checks that the extension answers requests with well-formed
// envelopes.
//
// Requests and responses are paired by event name (FooRequest is answered by
// FooResponse) with no correlation id, so a connection carries at most one
// outstanding request at a time.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	apperrors "github.com/lotab/harness/internal/errors"
)

// Message is the wire envelope: {"event": "...", "data": {...}}.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Inventory exchange events.
const (
	EventAllTabsInfoRequest  = "Daemon::WS::AllTabsInfoRequest"
	EventAllTabsInfoResponse = "Extension::WS::AllTabsInfoResponse"
)

const (
	requestSuffix  = "Request"
	responseSuffix = "Response"
)

// SplitEvent breaks "Namespace::Channel::Name" into its parts.
func SplitEvent(event string) (namespace, channel, name string, ok bool) {
	parts := strings.Split(event, "::")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

// ResponseName returns the message name that answers request, e.g.
// "AllTabsInfoResponse" for "Daemon::WS::AllTabsInfoRequest".
func ResponseName(request string) (string, bool) {
	_, _, name, ok := SplitEvent(request)
	if !ok || !strings.HasSuffix(name, requestSuffix) {
		return "", false
	}
	return strings.TrimSuffix(name, requestSuffix) + responseSuffix, true
}

// Decode parses one frame. Anything that is not a JSON object with a
// non-empty string event, or whose data is present but not an object, is a
// ProtocolViolation.
func Decode(raw []byte) (Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Message{}, apperrors.ProtocolViolation(fmt.Sprintf("frame is not a JSON object: %v", err))
	}

	rawEvent, ok := fields["event"]
	if !ok {
		return Message{}, apperrors.ProtocolViolation("envelope has no event")
	}
	var msg Message
	if err := json.Unmarshal(rawEvent, &msg.Event); err != nil || msg.Event == "" {
		return Message{}, apperrors.ProtocolViolation(fmt.Sprintf("event must be a non-empty string, got %s", rawEvent))
	}

	if data, ok := fields["data"]; ok && !isJSONNull(data) {
		if !startsWith(data, '{') {
			return Message{}, apperrors.ProtocolViolation(fmt.Sprintf("%s: data must be an object", msg.Event))
		}
		msg.Data = data
	}
	return msg, nil
}

// Inventory is the tab/group listing carried by AllTabsInfoResponse. Entries
// are kept raw; only their container shape is part of the contract.
type Inventory struct {
	Tabs   []json.RawMessage
	Groups []json.RawMessage
}

// ValidateAllTabsInfo checks the response to an AllTabsInfoRequest: the exact
// event name and data.tabs / data.groups both present as lists.
func ValidateAllTabsInfo(msg Message) (*Inventory, error) {
	if msg.Event != EventAllTabsInfoResponse {
		return nil, apperrors.ProtocolViolation(fmt.Sprintf("expected event %s, got %s", EventAllTabsInfoResponse, msg.Event))
	}
	if len(msg.Data) == 0 {
		return nil, apperrors.ProtocolViolation("AllTabsInfoResponse carries no data")
	}

	var data map[string]json.RawMessage
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		return nil, apperrors.ProtocolViolation(fmt.Sprintf("data is not an object: %v", err))
	}

	inv := &Inventory{}
	for _, field := range []struct {
		key string
		dst *[]json.RawMessage
	}{
		{"tabs", &inv.Tabs},
		{"groups", &inv.Groups},
	} {
		raw, ok := data[field.key]
		if !ok {
			return nil, apperrors.ProtocolViolation(fmt.Sprintf("data.%s is missing", field.key))
		}
		if !startsWith(raw, '[') {
			return nil, apperrors.ProtocolViolation(fmt.Sprintf("data.%s must be a list, got %s", field.key, raw))
		}
		if err := json.Unmarshal(raw, field.dst); err != nil {
			return nil, apperrors.ProtocolViolation(fmt.Sprintf("data.%s: %v", field.key, err))
		}
		if *field.dst == nil {
			*field.dst = []json.RawMessage{}
		}
	}
	return inv, nil
}

func startsWith(raw json.RawMessage, c byte) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == c
}

func isJSONNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
