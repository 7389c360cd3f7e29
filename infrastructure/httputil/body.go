package httputil

import (
	"fmt"
	"io"
)

// BodyTooLargeError reports a response body that exceeded its byte cap.
// The job host contract caps getJob bodies at 50 MB; the KMS client
// applies a tighter cap of its own.
type BodyTooLargeError struct {
	Limit int64
}

func (e *BodyTooLargeError) Error() string {
	return fmt.Sprintf("response body exceeds %d-byte cap", e.Limit)
}

// ReadAllWithLimit reads at most limit bytes from r and reports whether
// the body held more. Truncated reads still return the prefix so callers
// can log the head of an oversized error response without risking OOM.
func ReadAllWithLimit(r io.Reader, limit int64) (body []byte, truncated bool, err error) {
	if r == nil {
		return nil, false, fmt.Errorf("httputil: nil body reader")
	}
	if limit <= 0 {
		return nil, false, fmt.Errorf("httputil: non-positive body cap %d", limit)
	}
	b, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(b)) > limit {
		return b[:limit], true, nil
	}
	return b, false, nil
}

// ReadAllStrict reads r in full, failing with *BodyTooLargeError when the
// body proves larger than limit. This is the poll loop's guard on getJob
// responses.
func ReadAllStrict(r io.Reader, limit int64) ([]byte, error) {
	b, truncated, err := ReadAllWithLimit(r, limit)
	if err != nil {
		return nil, err
	}
	if truncated {
		return nil, &BodyTooLargeError{Limit: limit}
	}
	return b, nil
}
