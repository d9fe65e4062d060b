package backplane

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChannelForEnv(t *testing.T) {
	t.Parallel()

	channel := ChannelForEnv("env-1")
	assert.Equal(t, "env:env-1", channel)

	envID, ok := EnvIDFromChannel(channel)
	assert.True(t, ok)
	assert.Equal(t, "env-1", envID)

	_, ok = EnvIDFromChannel("env:")
	assert.False(t, ok)
	_, ok = EnvIDFromChannel(HeartbeatChannel)
	assert.False(t, ok)
}

func TestMatch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		pattern string
		channel string
		want    bool
	}{
		{EnvPattern, "env:abc", true},
		{EnvPattern, "heartbeat", false},
		{"env:abc", "env:abc", true},
		{"env:abc", "env:abcd", false},
		{TopicFeatureFlagChange, TopicFeatureFlagChange, true},
		{"env:[", "env:[", true}, // malformed patterns still match literally
		{"env:[", "env:x", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"_"+tt.channel, func(t *testing.T) {
			assert.Equal(t, tt.want, Match(tt.pattern, tt.channel))
		})
	}
}

func TestSanitizeKafkaName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "env__", sanitizeKafkaName(EnvPattern))
	assert.Equal(t, "feature-flag-change", sanitizeKafkaName(TopicFeatureFlagChange))
}
