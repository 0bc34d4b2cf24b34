package signer

import "fmt"

// UpstreamError reports a failed or non-success call to the signing
// microservice. Server-side failures (5xx and transport errors) are
// retryable; client-side rejections are not.
type UpstreamError struct {
	Path       string
	StatusCode int
	Body       string
	Err        error
}

func (e *UpstreamError) Error() string {
	switch {
	case e.Err != nil && e.StatusCode != 0:
		return fmt.Sprintf("signer: %s returned %d: %v", e.Path, e.StatusCode, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("signer: %s: %v", e.Path, e.Err)
	default:
		return fmt.Sprintf("signer: %s returned %d: %s", e.Path, e.StatusCode, e.Body)
	}
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// IsRetryable implements the reliability retryable interface.
func (e *UpstreamError) IsRetryable() bool {
	return e.StatusCode == 0 || e.StatusCode >= 500
}
