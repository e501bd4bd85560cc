package httpclient

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	pkgerrors "github.com/My-Epitech-Organisation/Area-sub002/pkg/errors"
)

func response(status int, body string, headers map[string]string) *http.Response {
	resp := &http.Response{
		StatusCode: status,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
	for k, v := range headers {
		resp.Header.Set(k, v)
	}
	return resp
}

func TestCheckResponse(t *testing.T) {
	if err := CheckResponse("slack", response(http.StatusOK, "ok", nil)); err != nil {
		t.Errorf("CheckResponse(200) = %v, want nil", err)
	}

	err := CheckResponse("slack", response(http.StatusTooManyRequests, "", map[string]string{"Retry-After": "30"}))
	var ext *pkgerrors.ExternalError
	if !errors.As(err, &ext) {
		t.Fatalf("CheckResponse(429) = %T, want *ExternalError", err)
	}
	if ext.StatusCode != http.StatusTooManyRequests || ext.RetryAfter != 30*time.Second {
		t.Errorf("got status %d retry-after %v", ext.StatusCode, ext.RetryAfter)
	}
	if ext.Message != "Too Many Requests" {
		t.Errorf("message = %q, want status text", ext.Message)
	}
	if !ext.IsRetryable() {
		t.Error("429 must be retryable")
	}
}

func TestCheckResponse_BodyRedactedAndBounded(t *testing.T) {
	body := "invalid token xoxb-123-abc " + strings.Repeat("x", 2*maxErrorBody)
	err := CheckResponse("slack", response(http.StatusForbidden, body, nil))

	var ext *pkgerrors.ExternalError
	if !errors.As(err, &ext) {
		t.Fatalf("got %T, want *ExternalError", err)
	}
	if strings.Contains(ext.Message, "xoxb-123-abc") {
		t.Errorf("message leaked token: %q", ext.Message)
	}
	if len(ext.Message) > maxErrorBody+32 {
		t.Errorf("message not bounded: %d bytes", len(ext.Message))
	}
	if ext.IsRetryable() {
		t.Error("403 must not be retryable")
	}
}

func TestTransportError(t *testing.T) {
	if TransportError("github", nil) != nil {
		t.Error("TransportError(nil) must be nil")
	}

	cause := errors.New("dial tcp: connection refused")
	err := TransportError("github", cause)
	if !errors.Is(err, cause) {
		t.Error("cause must be wrapped")
	}
	if !pkgerrors.IsRetryable(err) {
		t.Error("transport failures are retryable")
	}
}
