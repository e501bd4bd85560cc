// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package errors

import (
	"fmt"
	"time"
)

// ErrorClassifier is implemented by every error a reaction or poll can
// return. The dispatcher reads IsRetryable to decide between scheduling a
// retry and failing the execution, and records ErrorType on the execution.
type ErrorClassifier interface {
	error

	// ErrorType is a short category such as "validation" or "timeout".
	ErrorType() string

	// IsRetryable reports whether a later attempt may succeed.
	IsRetryable() bool
}

// ValidationError reports a configuration value that does not satisfy its
// schema. Validation errors are never retryable.
type ValidationError struct {
	// Field is the offending field path, e.g. "trigger_config.repository".
	Field string

	// Message describes the failure.
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// ErrorType implements ErrorClassifier.
func (e *ValidationError) ErrorType() string { return "validation" }

// IsRetryable implements ErrorClassifier.
func (e *ValidationError) IsRetryable() bool { return false }

// NotFoundError reports a missing resource.
type NotFoundError struct {
	// Resource is the kind of resource, e.g. "automation" or "reaction".
	Resource string

	// ID is the identifier that was looked up.
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrorType implements ErrorClassifier.
func (e *NotFoundError) ErrorType() string { return "not_found" }

// IsRetryable implements ErrorClassifier.
func (e *NotFoundError) IsRetryable() bool { return false }

// ConfigError reports a problem with process configuration.
type ConfigError struct {
	// Key is the configuration key, e.g. "dispatcher.max_retries".
	Key string

	// Reason explains what is wrong.
	Reason string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	msg := "config error"
	if e.Key != "" {
		msg = fmt.Sprintf("config error at %s", e.Key)
	}
	msg = fmt.Sprintf("%s: %s", msg, e.Reason)
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *ConfigError) Unwrap() error { return e.Cause }

// TimeoutError reports an operation that exceeded its wall-clock budget.
// Timeouts against external systems are retryable.
type TimeoutError struct {
	// Operation describes what timed out, e.g. "reaction slack_post".
	Operation string

	// Duration is the budget that was exceeded.
	Duration time.Duration

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause.
func (e *TimeoutError) Unwrap() error { return e.Cause }

// ErrorType implements ErrorClassifier.
func (e *TimeoutError) ErrorType() string { return "timeout" }

// IsRetryable implements ErrorClassifier.
func (e *TimeoutError) IsRetryable() bool { return true }

// ExternalError reports a failure returned by a third-party service, either
// while polling a trigger source or while delivering a reaction.
type ExternalError struct {
	// Service is the external service name, e.g. "github".
	Service string

	// StatusCode is the HTTP-equivalent status, 0 when unknown.
	StatusCode int

	// Message is the failure description.
	Message string

	// Retryable overrides status-based classification when set.
	Retryable *bool

	// RetryAfter is the delay the service asked for, 0 when absent.
	RetryAfter time.Duration

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *ExternalError) Error() string {
	msg := fmt.Sprintf("%s error", e.Service)
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s [HTTP %d]", msg, e.StatusCode)
	}
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *ExternalError) Unwrap() error { return e.Cause }

// ErrorType implements ErrorClassifier.
func (e *ExternalError) ErrorType() string { return "external" }

// IsRetryable implements ErrorClassifier. Without an explicit override,
// 408, 425, 429 and 5xx responses are retryable and any other status is not.
// An unknown status (0) is treated as a transport failure and retried.
func (e *ExternalError) IsRetryable() bool {
	if e.Retryable != nil {
		return *e.Retryable
	}
	switch {
	case e.StatusCode == 0:
		return true
	case e.StatusCode == 408, e.StatusCode == 425, e.StatusCode == 429:
		return true
	case e.StatusCode >= 500:
		return true
	default:
		return false
	}
}

// CredentialError reports that no usable credential exists for a user on a
// service. It is resolved out-of-band and never retried inline.
type CredentialError struct {
	UserID  string
	Service string
	Cause   error
}

// Error implements the error interface.
func (e *CredentialError) Error() string {
	msg := fmt.Sprintf("no valid credential for user %s on %s", e.UserID, e.Service)
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *CredentialError) Unwrap() error { return e.Cause }

// ErrorType implements ErrorClassifier.
func (e *CredentialError) ErrorType() string { return "credential" }

// IsRetryable implements ErrorClassifier.
func (e *CredentialError) IsRetryable() bool { return false }
