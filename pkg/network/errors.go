package network

import (
	"errors"
	"fmt"
)

// Stable error identities for delivery failure classification. Wrap with
// fmt.Errorf("%w: ...") and test with errors.Is.
var (
	// ErrPermanentFailure marks a 4xx response; the request must not be
	// retried and the offending record should be dropped by the caller.
	ErrPermanentFailure = errors.New("permanent delivery failure")

	// ErrDeliveryFailed marks a transient failure that survived all retry
	// attempts; the batch remains unsent and eligible for the next cycle.
	ErrDeliveryFailed = errors.New("delivery failed after retries")

	// ErrMalformedResponse marks a flag-fetch response missing or corrupting
	// the flags field; callers fall back to any existing cache.
	ErrMalformedResponse = errors.New("malformed flags response")

	// ErrInvalidRequest marks a request that cannot be built (bad server
	// URL, unserializable payload).
	ErrInvalidRequest = errors.New("invalid request")
)

// HTTPError carries the status code of a non-200 response.
type HTTPError struct {
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http error: status %d", e.StatusCode)
}

// IsPermanent reports whether err represents a 4xx response.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanentFailure)
}
