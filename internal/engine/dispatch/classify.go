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

package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/My-Epitech-Organisation/Area-sub002/internal/store"
	"github.com/My-Epitech-Organisation/Area-sub002/internal/tokens"
	pkgerrors "github.com/My-Epitech-Organisation/Area-sub002/pkg/errors"
)

// Class tells whether a failed attempt may be retried.
type Class int

const (
	// Recoverable failures are retried until the retry budget runs out.
	Recoverable Class = iota

	// Terminal failures fail the execution immediately.
	Terminal
)

// String returns the metrics label of the class.
func (c Class) String() string {
	if c == Terminal {
		return "terminal"
	}
	return "recoverable"
}

// permanentError marks a handler error as terminal regardless of its cause.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so that Classify reports it as Terminal. Handlers use
// it for failures no retry can fix, such as a rejected payload.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Classify sorts a failed attempt into Recoverable or Terminal.
//
// Timeouts, transport failures, rate limits and 5xx responses are
// recoverable. Invalid configuration, a permanently missing credential,
// unknown records and other 4xx responses are terminal. Errors carrying no
// classification are treated as recoverable; the retry budget bounds them.
func Classify(err error) Class {
	if err == nil {
		return Recoverable
	}

	var (
		permanent *permanentError
		valErr    *pkgerrors.ValidationError
		credErr   *pkgerrors.CredentialError
		notFound  *pkgerrors.NotFoundError
		cfgErr    *pkgerrors.ConfigError
		timeout   *pkgerrors.TimeoutError
		external  *pkgerrors.ExternalError
	)

	switch {
	case errors.As(err, &permanent):
		return Terminal
	case errors.As(err, &valErr), errors.As(err, &cfgErr):
		return Terminal
	case errors.Is(err, tokens.ErrNoCredential), errors.As(err, &credErr):
		return Terminal
	case errors.As(err, &notFound), errors.Is(err, store.ErrNotFound):
		return Terminal
	case errors.As(err, &timeout):
		return Recoverable
	case errors.As(err, &external):
		if external.IsRetryable() {
			return Recoverable
		}
		return Terminal
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return Recoverable
	}

	var classifier pkgerrors.ErrorClassifier
	if errors.As(err, &classifier) && !classifier.IsRetryable() {
		return Terminal
	}
	return Recoverable
}

// retryAfter returns the delay an external service asked for, if any.
func retryAfter(err error) time.Duration {
	var external *pkgerrors.ExternalError
	if errors.As(err, &external) {
		return external.RetryAfter
	}
	return 0
}
