package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
)

// ValidationError reports a pre-flight problem that fails a table before
// any row moves.
type ValidationError struct {
	Table  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validating %s: %s", e.Table, e.Reason)
}

// CommitError wraps a destination commit failure. Commit outcomes are
// ambiguous (the server may have applied the transaction), so these are
// never retried in-process; the next run resumes from the last recorded
// cursor and the conflict policy absorbs any redelivery.
type CommitError struct {
	Table string
	Chunk int
	Err   error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("committing chunk %d of %s: %v", e.Chunk, e.Table, e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }

// isRetryableError reports whether an error is transient: network
// timeouts, dropped connections, deadlocks, and serialization failures.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var ce *CommitError
	if errors.As(err, &ce) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"connection reset",
		"connection refused",
		"broken pipe",
		"deadlock",
		"lock wait timeout",
		"could not serialize access",
		"server closed the connection",
		"bad connection",
		"i/o timeout",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// isAlreadyExistsError recognizes the per-family duplicate-table errors so
// concurrent or repeated auto-creates stay idempotent.
func isAlreadyExistsError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already exists") ||
		strings.Contains(msg, "there is already an object")
}
