package errors

import "strings"

// Kind classifies a backend error for the lifecycle error taxonomy.
type Kind int

const (
	KindUnknown Kind = iota
	KindUnavailable
	KindConflict
	KindNotFound
)

// UnavailablePatterns contains patterns that indicate the orchestration
// backend could not be reached: network timeouts, refused connections,
// throttling, and API server unavailability.
var UnavailablePatterns = []string{
	"connection refused",
	"Connection reset by peer",
	"context deadline exceeded",
	"connection timed out",
	"i/o timeout",
	"TLS handshake timeout",
	"no such host",
	"network is unreachable",
	"ServiceUnavailable",
	"RequestTimeout",
	"Throttling",
	"TooManyRequests",
	"the server is currently unable to handle the request",
}

// ConflictPatterns indicate a naming collision at the backend, e.g. a secret,
// target group, listener rule, or namespaced object that already exists.
var ConflictPatterns = []string{
	"ResourceExistsException",
	"DuplicateTargetGroupName",
	"DuplicateListener",
	"PriorityInUse",
	"already exists",
	"AlreadyExists",
	"InvalidParameterException: Creation of service was not idempotent",
}

// NotFoundPatterns indicate the backend resource is already gone. Teardown
// treats these as success.
var NotFoundPatterns = []string{
	"ResourceNotFoundException",
	"TargetGroupNotFound",
	"RuleNotFound",
	"ListenerNotFound",
	"ServiceNotFoundException",
	"ClusterNotFoundException",
	"not found",
	"NotFound",
}

func matches(msg string, patterns []string) bool {
	for _, pattern := range patterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// KindOf classifies err by matching its message against the pattern tables.
// Order matters: not-found is checked before conflict so that e.g.
// "TargetGroupNotFound" never reads as a collision.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	msg := err.Error()
	switch {
	case matches(msg, NotFoundPatterns):
		return KindNotFound
	case matches(msg, ConflictPatterns):
		return KindConflict
	case matches(msg, UnavailablePatterns):
		return KindUnavailable
	}
	return KindUnknown
}

// IsGone reports whether err means the resource no longer exists.
func IsGone(err error) bool {
	return KindOf(err) == KindNotFound
}
