package transport

import (
	"strings"
)

const (
	SubjectServiceRegister   = "a2a.service.register"
	SubjectServiceUnregister = "a2a.service.unregister"
	SubjectServiceHeartbeat  = "a2a.service.heartbeat"
	SubjectServiceStatus     = "a2a.service.status"
	SubjectDataRequest       = "a2a.data.request"
	SubjectStreamRequest     = "a2a.stream.request"
	SubjectStorageRequest    = "a2a.storage.request"
	SubjectMetricsReport     = "a2a.metrics.report"
)

const (
	DomainData    = "data"
	DomainStream  = "stream"
	DomainStorage = "storage"

	KindResponse = "response"
)

// ReplySubject scopes a reply to one requester and one request:
// service.<requesterId>.<domain>.<kind>.<requestId>.
func ReplySubject(requesterID, domain, kind, requestID string) string {
	return strings.Join([]string{"service", requesterID, domain, kind, requestID}, ".")
}

// HasWildcard reports whether pattern contains a '*' or '>' token.
func HasWildcard(pattern string) bool {
	for _, token := range strings.Split(pattern, ".") {
		if token == "*" || token == ">" {
			return true
		}
	}
	return false
}

func validSubject(subject string) bool {
	if subject == "" || strings.ContainsAny(subject, " \t\r\n") {
		return false
	}
	for _, token := range strings.Split(subject, ".") {
		if token == "" {
			return false
		}
	}
	return true
}
