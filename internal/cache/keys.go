package cache

import "fmt"

// SentimentStatsKey identifies one sentiment aggregation. scope is the
// caller's visibility (user id or "all" for admins).
func SentimentStatsKey(scope string, entityID uint, start, end string) string {
	return fmt.Sprintf("stats:sentiment:%s:%d:%s:%s", scope, entityID, start, end)
}

