package redis

import "strings"

// isConnectionError reports whether err looks like a transport-level
// failure (as opposed to, say, a script error), for circuit-breaker
// bookkeeping on the raw go-redis calls RWLocker makes directly.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}

	errStr := err.Error()

	return strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "i/o timeout") ||
		strings.Contains(errStr, "no such host")
}
