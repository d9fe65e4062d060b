package backplane

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEnvelope(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		payload string
		wantErr bool
	}{
		{
			name:    "valid push",
			payload: `{"type":"push","channelId":"env-1","channelName":"env:env-1","message":{"messageType":"data-sync","data":{}},"senderId":"s-1","correlationId":"c-1","serviceType":"hub"}`,
		},
		{name: "not json", payload: `nope`, wantErr: true},
		{name: "missing sender", payload: `{"type":"push","channelName":"env:env-1"}`, wantErr: true},
		{name: "missing channel", payload: `{"type":"ping","senderId":"s-1"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			env, err := DecodeEnvelope([]byte(tt.payload))
			if tt.wantErr {
				require.ErrorIs(t, err, errInvalidEnvelope)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, EnvelopePush, env.Type)
			assert.Equal(t, "c-1", env.CorrelationID)
			assert.Equal(t, ServiceHub, env.ServiceType)
			assert.Equal(t, "data-sync", env.Message.MessageType)
		})
	}
}

func TestNewIdentity_IsUniquePerCall(t *testing.T) {
	t.Parallel()

	a := NewIdentity(ServiceEdge)
	b := NewIdentity(ServiceEdge)

	assert.NotEmpty(t, a.SenderID)
	assert.NotEqual(t, a.SenderID, b.SenderID)
	assert.Equal(t, ServiceEdge, a.ServiceType)
}
