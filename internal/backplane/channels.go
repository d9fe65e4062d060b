package backplane

import "strings"

// Channel and topic names. Every instance agrees on these; adapters add their
// namespace on the wire.
const (
	envChannelPrefix = "env:"

	// EnvPattern matches every environment channel.
	EnvPattern = envChannelPrefix + "*"

	// HeartbeatChannel carries peer pings.
	HeartbeatChannel = "heartbeat"

	// TopicFeatureFlagChange and TopicSegmentChange carry domain change messages
	// produced by the authoring side.
	TopicFeatureFlagChange = "feature-flag-change"
	TopicSegmentChange     = "segment-change"
)

// ChannelForEnv returns the channel owned by an environment.
func ChannelForEnv(envID string) string {
	return envChannelPrefix + envID
}

// EnvIDFromChannel extracts the environment id from an env channel.
func EnvIDFromChannel(channel string) (string, bool) {
	envID, ok := strings.CutPrefix(channel, envChannelPrefix)
	if !ok || envID == "" {
		return "", false
	}
	return envID, true
}
