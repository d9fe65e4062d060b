package ruleengine

import (
	"github.com/spaolacci/murmur3"
)

// bucketScale is the resolution of the bucket space (0.001% granularity).
const bucketScale = 100000

// defaultRuleID salts the bucket of the default rule so it is independent of
// every targeting rule.
const defaultRuleID = "default"

// Bucket maps (flagKey, ruleID, bucketKey) onto [0,1).
//
// Every bucketing call site goes through this function: murmur3 32-bit over
// "flagKey:ruleID:bucketKey", modulo bucketScale, normalized.
// The ruleID salt makes a user's position in one rule independent of another.
func Bucket(flagKey, ruleID, bucketKey string) float64 {
	hasher := murmur3.New32()
	_, _ = hasher.Write([]byte(flagKey + ":" + ruleID + ":" + bucketKey))
	return float64(hasher.Sum32()%bucketScale) / bucketScale
}

// selectDistribution walks the distributions in order and returns the first one
// whose cumulative percentage exceeds the bucket.
func selectDistribution(distributions []Distribution, bucket float64) (Distribution, bool) {
	cumulative := 0.0
	for _, d := range distributions {
		cumulative += d.Percentage
		if cumulative > bucket {
			return d, true
		}
	}
	return Distribution{}, false
}
