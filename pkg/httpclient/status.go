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

package httpclient

import (
	"io"
	"net/http"
	"strings"

	"github.com/My-Epitech-Organisation/Area-sub002/internal/engine/sanitize"
	pkgerrors "github.com/My-Epitech-Organisation/Area-sub002/pkg/errors"
)

// maxErrorBody bounds how much of an error response is kept in the message.
const maxErrorBody = 512

// CheckResponse returns nil for 2xx and 3xx responses. Otherwise it reads a
// bounded prefix of the body and returns an *errors.ExternalError carrying
// the status code and Retry-After hint, so callers can classify it.
func CheckResponse(service string, resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	return &pkgerrors.ExternalError{
		Service:    service,
		StatusCode: resp.StatusCode,
		Message:    sanitize.Text(msg),
		RetryAfter: ParseRetryAfter(resp),
	}
}

// TransportError wraps a failed round trip as a retryable ExternalError.
func TransportError(service string, err error) error {
	if err == nil {
		return nil
	}
	return &pkgerrors.ExternalError{Service: service, Message: "request failed", Cause: err}
}
