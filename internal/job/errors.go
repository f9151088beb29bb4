package job

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound              = errors.New("job not found")
	ErrDuplicateJob          = errors.New("job id already exists")
	ErrLeaseLost             = errors.New("job lease lost")
	ErrStorage               = errors.New("queue storage unavailable")
	ErrUnknownHandler        = errors.New("no handler registered for job")
	ErrMaxAttemptsExceeded   = errors.New("job has been attempted too many times")
	ErrMaxExceptionsExceeded = errors.New("job has raised too many exceptions")

	// ErrFailureRecordPending is returned by Store.Fail when the job is
	// durably failed but its failure record could not be written yet. The
	// returned record is valid; the store backfills it later.
	ErrFailureRecordPending = errors.New("job failed; failure record pending")
)

// ValidationError collects every problem found in a job definition.
// It is returned before anything is written to storage.
type ValidationError struct {
	Errors []error `json:"errors"`
}

func (v *ValidationError) Add(err error) {
	if err != nil {
		v.Errors = append(v.Errors, err)
	}
}

func (v *ValidationError) Addf(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Errorf(format, args...))
}

func (v *ValidationError) HasError() bool { return v != nil && len(v.Errors) > 0 }

// Err returns v as an error, or nil when nothing was added.
func (v *ValidationError) Err() error {
	if !v.HasError() {
		return nil
	}
	return v
}

func (v *ValidationError) Error() string {
	if len(v.Errors) == 0 {
		return ""
	}
	return "validation failed: " + errors.Join(v.Errors...).Error()
}

func (v *ValidationError) Unwrap() []error { return v.Errors }

// StorageError reports a failed store operation. errors.Is(err, ErrStorage) holds.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	if e.Err == nil {
		return "storage " + e.Op + " failed"
	}
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// Storage wraps err as a *StorageError unless it is nil or already a
// queue-level sentinel that callers branch on.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrLeaseLost) || errors.Is(err, ErrDuplicateJob) {
		return err
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// Kind classifies an execution failure.
type Kind string

const (
	KindExecution Kind = "execution"
	KindTimeout   Kind = "timeout"
	KindPanic     Kind = "panic"
	KindDelivery  Kind = "delivery"
	KindFatal     Kind = "fatal"
)

// ExecutionError is the worker's view of one failed run.
type ExecutionError struct {
	Kind Kind
	Err  error
}

func (e *ExecutionError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Classify wraps err in an *ExecutionError. Existing classifications are kept.
func Classify(kind Kind, err error) *ExecutionError {
	var ee *ExecutionError
	if errors.As(err, &ee) {
		return ee
	}
	if IsNoRetry(err) && kind == KindExecution {
		kind = KindFatal
	}
	var de *DeliveryError
	if errors.As(err, &de) && kind == KindExecution {
		kind = KindDelivery
	}
	return &ExecutionError{Kind: kind, Err: err}
}

// DeliveryError is returned when a notification sink rejects a message.
// It is retryable unless Fatal is set.
type DeliveryError struct {
	Recipient string
	Fatal     bool
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver to %q: %v", e.Recipient, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// NoRetry marks an error as non-retryable.
//
// Handlers wrap validation errors or other permanent failures with NoRetry
// so the worker fails the job without spending the remaining attempts.
//
//	return job.NoRetry(fmt.Errorf("bad payload: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry or is a fatal DeliveryError.
func IsNoRetry(err error) bool {
	var e noRetryError
	if errors.As(err, &e) {
		return true
	}
	var de *DeliveryError
	return errors.As(err, &de) && de.Fatal
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter provides a suggested delay before retrying, e.g. from a 429
// response. The hint is bounded by the retry policy's maximum delay.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return retryAfterError{err: err, after: after}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }

// Release asks the worker to put the job back on the queue after delay.
// It consumes an attempt but is not counted as an exception.
func Release(delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	return &ReleaseRequest{Delay: delay}
}

type ReleaseRequest struct {
	Delay time.Duration
}

func (r *ReleaseRequest) Error() string { return fmt.Sprintf("released for %s", r.Delay) }

// AsRelease reports whether err is a voluntary release request.
func AsRelease(err error) (*ReleaseRequest, bool) {
	var r *ReleaseRequest
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}
