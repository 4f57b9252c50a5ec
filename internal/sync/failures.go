package sync

import (
	"context"
	"errors"
	stdsync "sync"

	"github.com/tonimelisma/cmisync/internal/cmis"
)

// failureTracker counts transient failures per canonical name. The first
// transient failure of a key yields a retry; the second downgrades to a
// hard failure. Permanent errors fail immediately.
type failureTracker struct {
	mu     stdsync.Mutex
	counts map[string]int
}

// newFailureTracker creates an empty tracker for one run.
func newFailureTracker() *failureTracker {
	return &failureTracker{counts: make(map[string]int)}
}

// Classify maps an execution error to a dependency outcome for the key.
// Transient transport errors (throttling, 5xx, call deadline expiry)
// retry once before failing.
func (ft *failureTracker) Classify(key string, err error) Outcome {
	if err == nil {
		return OutcomeSucceed
	}

	if !isTransient(err) {
		return OutcomeFail
	}

	ft.mu.Lock()
	ft.counts[key]++
	n := ft.counts[key]
	ft.mu.Unlock()

	if n > 1 {
		return OutcomeFail
	}

	return OutcomeRetry
}

// isTransient reports whether err is worth a second attempt.
func isTransient(err error) bool {
	return cmis.IsTransient(err) || errors.Is(err, context.DeadlineExceeded)
}
