package httputil

import (
	"net/http"
	"testing"
	"time"
)

func TestCopyHTTPClientWithTimeout_NilBase(t *testing.T) {
	c := CopyHTTPClientWithTimeout(nil, 5*time.Second, false)
	if c.Timeout != 5*time.Second {
		t.Fatalf("Timeout = %v, want 5s", c.Timeout)
	}
}

func TestCopyHTTPClientWithTimeout_PreservesExistingUnlessForced(t *testing.T) {
	base := &http.Client{Timeout: 2 * time.Second}
	c := CopyHTTPClientWithTimeout(base, 10*time.Second, false)
	if c.Timeout != 2*time.Second {
		t.Fatalf("Timeout = %v, want 2s (unforced copy should preserve existing)", c.Timeout)
	}
	if c == base {
		t.Fatal("CopyHTTPClientWithTimeout must not return the same pointer")
	}
}

func TestCopyHTTPClientWithTimeout_Force(t *testing.T) {
	base := &http.Client{Timeout: 2 * time.Second}
	c := CopyHTTPClientWithTimeout(base, 10*time.Second, true)
	if c.Timeout != 10*time.Second {
		t.Fatalf("Timeout = %v, want 10s", c.Timeout)
	}
}
