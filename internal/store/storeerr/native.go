package storeerr

import "strings"

// isUniqueViolation recognizes the two drivers' ways of reporting a
// uniqueness violation. Neither modernc.org/sqlite nor lib/pq exposes a
// typed sentinel for this, so classification is by message text, the same
// way the teacher's dolt backend recognizes transient errors by substring.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unique constraint"):
		return true
	case strings.Contains(msg, "unique violation"):
		return true
	case strings.Contains(msg, "duplicate key"):
		return true
	case strings.Contains(msg, "constraint failed: unique"):
		return true
	}
	return false
}

// isConnError recognizes transient connection failures worth a bounded
// retry on session enter, the same substring-matching style the teacher
// uses for its server-mode retry classifier.
func isConnError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "bad connection"),
		strings.Contains(msg, "i/o timeout"),
		strings.Contains(msg, "database is locked"):
		return true
	}
	return false
}

// IsRetryableConnError exports isConnError for callers outside the package
// (the session package's enter-retry loop).
func IsRetryableConnError(err error) bool { return isConnError(err) }
