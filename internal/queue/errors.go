package queue

import (
	"errors"
	"fmt"
	"time"
)

// rescheduleError signals that the job should run again at a later instant
// without consuming a retry attempt. It is the durable-sleep primitive: a
// handler that must wait returns RescheduleAt instead of sleeping in-process,
// so the wait survives restarts.
type rescheduleError struct {
	at time.Time
}

func (e *rescheduleError) Error() string {
	return fmt.Sprintf("reschedule at %s", e.at.Format(time.RFC3339))
}

// RescheduleAt tells the dispatcher to redeliver the job at the given time.
func RescheduleAt(at time.Time) error {
	return &rescheduleError{at: at}
}

func rescheduleTime(err error) (time.Time, bool) {
	var re *rescheduleError
	if errors.As(err, &re) {
		return re.at, true
	}
	return time.Time{}, false
}

// nonRetryableError marks a handler failure that must not be retried, such as
// a malformed payload.
type nonRetryableError struct {
	err error
}

func (e *nonRetryableError) Error() string { return e.err.Error() }
func (e *nonRetryableError) Unwrap() error { return e.err }

// NonRetryable wraps err so the dispatcher fails the job immediately instead
// of applying the retry policy.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryableError{err: err}
}

// IsNonRetryable reports whether err was marked with NonRetryable.
func IsNonRetryable(err error) bool {
	var nre *nonRetryableError
	return errors.As(err, &nre)
}
