package labels

import (
	"errors"
	"fmt"
)

// ConflictError reports a provider-side duplicate name within the same
// scope. It is never fatal: the caller resolves the real identifier with a
// follow-up listing instead of treating the create as failed.
type ConflictError struct {
	Name string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("label %q already exists", e.Name)
}

// AuthError reports an expired or invalid credential. The caller refreshes
// the credential once and retries the single operation.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("credential rejected: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// TransientError reports a rate-limit or network failure, retryable with
// backoff up to a bounded attempt count.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient provider error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// FatalError reports a malformed request. The single operation is aborted
// and never retried.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal provider error: %v", e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// BlockedError reports a label skipped because its parent failed or was
// deferred this run.
type BlockedError struct {
	Path       string
	ParentPath string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("label %q blocked: parent %q has no live record", e.Path, e.ParentPath)
}

// ConfigurationError reports an unresolvable template configuration, such as
// an unknown vertical. Fatal for the run, no partial output.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

// IsConflict reports whether err is or wraps a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsAuth reports whether err is or wraps an AuthError.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsTransient reports whether err is or wraps a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
