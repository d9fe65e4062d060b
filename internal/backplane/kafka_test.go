package backplane

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
)

func TestIsFatalKafkaError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "authorization failure stops the consumer", err: kafka.TopicAuthorizationFailed, want: true},
		{name: "wrapped authorization failure", err: fmt.Errorf("fetch: %w", kafka.GroupAuthorizationFailed), want: true},
		{name: "leader election is retried", err: kafka.LeaderNotAvailable, want: false},
		{name: "timeouts are retried", err: kafka.RequestTimedOut, want: false},
		{name: "network errors are retried", err: io.ErrUnexpectedEOF, want: false},
		{name: "plain errors are retried", err: errors.New("boom"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, isFatalKafkaError(tt.err))
		})
	}
}

func TestMessageChannel(t *testing.T) {
	t.Parallel()

	withHeader := kafka.Message{
		Key:     []byte("partition-key"),
		Headers: []kafka.Header{{Key: channelHeader, Value: []byte("env:env-1")}},
	}
	assert.Equal(t, "env:env-1", messageChannel(withHeader))

	keyOnly := kafka.Message{Key: []byte("segment-change")}
	assert.Equal(t, "segment-change", messageChannel(keyOnly))
}
