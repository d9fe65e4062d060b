package backplane

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/rafaeljc/heimdall-streaming/internal/protocol"
)

// ServiceType identifies which kind of process authored an envelope.
type ServiceType string

const (
	ServiceEdge ServiceType = "edge" // streaming gateway
	ServiceHub  ServiceType = "hub"  // change dispatcher
	ServiceWeb  ServiceType = "web"  // authoring API
)

// Envelope types.
const (
	EnvelopePush = "push"
	EnvelopePing = "ping"
)

var errInvalidEnvelope = errors.New("invalid envelope")

// Envelope is the unit exchanged between instances.
type Envelope struct {
	Type          string           `json:"type"`
	ChannelID     string           `json:"channelId"`
	ChannelName   string           `json:"channelName"`
	Message       protocol.Message `json:"message"`
	SenderID      string           `json:"senderId"`
	CorrelationID string           `json:"correlationId"`
	ServiceType   ServiceType      `json:"serviceType"`
	SentAt        int64            `json:"sentAt"`
}

// Identity is the per-process sender identity.
type Identity struct {
	SenderID    string
	ServiceType ServiceType
}

// NewIdentity creates an identity with a random sender id, valid for the
// lifetime of the process.
func NewIdentity(service ServiceType) Identity {
	return Identity{SenderID: uuid.NewString(), ServiceType: service}
}

// NewCorrelationID creates the id attached to a change at its origin.
func NewCorrelationID() string {
	return uuid.NewString()
}

// EncodeEnvelope marshals an envelope for the wire.
func EncodeEnvelope(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// DecodeEnvelope unmarshals and validates an envelope.
func DecodeEnvelope(payload []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", errInvalidEnvelope, err)
	}
	if env.Type == "" || env.ChannelName == "" || env.SenderID == "" {
		return Envelope{}, fmt.Errorf("%w: type, channelName and senderId are required", errInvalidEnvelope)
	}
	return env, nil
}
