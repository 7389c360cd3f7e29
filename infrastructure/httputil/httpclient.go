package httputil

import (
	"net/http"
	"time"
)

// CopyHTTPClientWithTimeout returns a shallow copy of base with its
// Timeout set. Every outbound client in the worker (job host poll, KMS,
// Twilio, SendGrid) applies its per-service timeout through this helper
// rather than constructing an ad hoc client; the caller-provided base is
// never mutated, so transports can still be shared.
//
// A nil base yields a fresh client. A non-zero Timeout already on base is
// kept unless force is true.
func CopyHTTPClientWithTimeout(base *http.Client, timeout time.Duration, force bool) *http.Client {
	if base == nil {
		return &http.Client{Timeout: timeout}
	}
	copied := *base
	if force || copied.Timeout == 0 {
		copied.Timeout = timeout
	}
	return &copied
}
