// Package protocol defines the JSON messages exchanged with SDKs and carried
// over the backplane.
package protocol

import (
	"strings"

	"github.com/goccy/go-json"

	"github.com/rafaeljc/heimdall-streaming/internal/ruleengine"
)

// Message types understood by the gateway.
const (
	MessageTypeDataSync = "data-sync"
	MessageTypePing     = "ping"
	MessageTypePong     = "pong"
)

// EventType distinguishes a full snapshot from an incremental update.
type EventType string

const (
	EventFull  EventType = "full"
	EventPatch EventType = "patch"
)

// EventTypeFor returns Full for timestamp 0 and Patch otherwise.
func EventTypeFor(timestamp int64) EventType {
	if timestamp == 0 {
		return EventFull
	}
	return EventPatch
}

// Message is an inbound frame or a backplane-carried server message whose data
// is kept opaque.
type Message struct {
	MessageType string          `json:"messageType"`
	Data        json.RawMessage `json:"data"`
}

// NormalizedType returns the lowercase message type used for handler lookup.
func (m Message) NormalizedType() string {
	return strings.ToLower(strings.TrimSpace(m.MessageType))
}

// ServerMessage is an outbound frame.
type ServerMessage struct {
	MessageType string `json:"messageType"`
	Data        any    `json:"data"`
}

// Encode marshals an outbound frame.
func Encode(messageType string, data any) ([]byte, error) {
	return json.Marshal(ServerMessage{MessageType: messageType, Data: data})
}

// DataSyncRequest is the data of an inbound data-sync message.
type DataSyncRequest struct {
	Timestamp int64               `json:"timestamp"`
	User      *ruleengine.EndUser `json:"user,omitempty"`
}

// ServerPayload is sent to server SDKs: raw definitions, evaluated locally.
type ServerPayload struct {
	EventType    EventType         `json:"eventType"`
	FeatureFlags []json.RawMessage `json:"featureFlags"`
	Segments     []json.RawMessage `json:"segments"`
}

// ClientPayload is sent to client SDKs: variations already evaluated for the user.
type ClientPayload struct {
	EventType    EventType    `json:"eventType"`
	UserKeyID    string       `json:"userKeyId"`
	FeatureFlags []ClientFlag `json:"featureFlags"`
}

// ClientFlag is one evaluated flag as seen by a client SDK.
type ClientFlag struct {
	ID               string            `json:"id"`
	Variation        string            `json:"variation"`
	VariationID      string            `json:"variationId,omitempty"`
	MatchReason      string            `json:"matchReason"`
	VariationOptions []VariationOption `json:"variationOptions"`
	SendToExperiment bool              `json:"sendToExperiment"`
	Timestamp        int64             `json:"timestamp"`
}

// VariationOption lists every value a client flag can take.
type VariationOption struct {
	ID    string `json:"id"`
	Value string `json:"value"`
}

// RelayProxyPayload multiplexes several environments.
type RelayProxyPayload struct {
	EventType EventType         `json:"eventType"`
	Payloads  []EnvironmentData `json:"payloads"`
}

// EnvironmentData is the per-environment part of a relay-proxy payload.
type EnvironmentData struct {
	EnvID    string            `json:"envId"`
	Flags    []json.RawMessage `json:"flags"`
	Segments []json.RawMessage `json:"segments"`
}

// ChangePatch is the data carried by a backplane push.
// AffectedFlagIDs is set for segment changes so client SDKs can re-evaluate.
type ChangePatch struct {
	EventType       EventType         `json:"eventType"`
	Flags           []json.RawMessage `json:"flags"`
	Segments        []json.RawMessage `json:"segments"`
	AffectedFlagIDs []string          `json:"affectedFlagIds,omitempty"`
}
