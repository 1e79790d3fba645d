package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/sells-group/supplychain-graph/internal/model"
)

// TransientError marks an error safe to retry (HTTP 429/5xx, network
// timeout). StatusCode is set when the fault came from an HTTP response.
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string { return e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// NewTransientError wraps an error as transient with an optional HTTP status.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// IsTransient reports whether the error chain contains a fault worth
// retrying: an explicit transient marker, a store fault the graph layer
// classified transient, a Neo4j transient/connectivity code, or a network
// fault. Validation, constraint, and endpoint errors are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var se *model.TransientStoreError
	if errors.As(err, &se) {
		return true
	}

	if isNeo4jTransient(err) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// String heuristics for faults wrapped by HTTP clients.
	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection reset by peer",
		"broken pipe",
		"temporary failure in name resolution",
		"no such host",
		"tls handshake timeout",
		"i/o timeout",
		"server closed idle connection",
		"transport connection broken",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}

// isNeo4jTransient classifies driver errors: connectivity loss (service
// unavailable, session expired, pool acquisition timeout) and server codes
// in the transient class, plus leader switches in clustered deployments.
func isNeo4jTransient(err error) bool {
	if neo4j.IsConnectivityError(err) {
		return true
	}

	var neoErr *neo4j.Neo4jError
	if !errors.As(err, &neoErr) {
		return false
	}
	if strings.HasPrefix(neoErr.Code, "Neo.TransientError.") {
		return true
	}
	return neoErr.Code == "Neo.ClientError.Cluster.NotALeader"
}

// IsTransientHTTPStatus reports whether an HTTP status indicates a
// server-side fault that is safe to retry.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case 408, // Request Timeout
		429, // Too Many Requests
		500, // Internal Server Error
		502, // Bad Gateway
		503, // Service Unavailable
		504: // Gateway Timeout
		return true
	default:
		return false
	}
}
