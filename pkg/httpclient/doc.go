// Package httpclient builds the outbound HTTP clients used by trigger
// pollers and reaction handlers, with consistent timeout, retry and logging
// behavior.
//
// # Usage
//
//	cfg := httpclient.DefaultConfig()
//	cfg.Service = "github"
//	client, err := httpclient.New(cfg)
//	if err != nil {
//	    return err
//	}
//	resp, err := client.Do(req)
//	if err != nil {
//	    return err
//	}
//	defer resp.Body.Close()
//	if err := httpclient.CheckResponse("github", resp); err != nil {
//	    return err // *errors.ExternalError carrying the status code
//	}
//
// # Retry Behavior
//
// Transport-level retries are short and bounded; they absorb blips inside a
// single poll or delivery attempt. Longer retries are owned by the scanner
// (next cycle) and the dispatcher (bounded rescheduling).
//   - Retries HTTP 5xx, 408 and 429, honoring Retry-After
//   - Retries transient network errors (connection refused, reset, DNS)
//   - Only retries idempotent methods (GET, HEAD, OPTIONS) by default
//
// Reaction deliveries are POSTs and are therefore not retried at this layer
// unless AllowNonIdempotentRetry is set.
//
// # Security
//
// Sensitive query parameters are redacted from logs and Authorization
// headers are never logged.
package httpclient
