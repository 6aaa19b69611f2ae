package wire

import (
	"math/rand/v2"
	"strings"
	"time"
)

// shortID trims device ids to 8 characters for log prefixes
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// simulatedLatency picks a delay in [lo, hi)
func simulatedLatency(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo)
}

// UUIDs compare case-insensitively; gatt.json may carry either case.
func sameUUID(a, b string) bool {
	return strings.EqualFold(a, b)
}
