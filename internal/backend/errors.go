package backend

import (
	"errors"
	"fmt"
)

// Machine-readable error codes reported by the inference backend. Unknown
// codes are treated as generic failures.
const (
	CodeModelRestricted  = "model-restricted"
	CodeFreeLimitReached = "free-limit-reached"
	CodeNoAPIKey         = "no-api-key"
	CodeCreditsDepleted  = "credits-depleted"
	CodeKeyDecryptError  = "key-decrypt-error"
)

// APIError is a business error reported by the backend on a non-2xx
// response. Details carries the human-readable string to surface verbatim.
type APIError struct {
	Status  int
	Code    string
	Details string
}

func (e *APIError) Error() string {
	if e.Details != "" {
		return e.Details
	}
	if e.Code != "" {
		return fmt.Sprintf("backend error %s (HTTP %d)", e.Code, e.Status)
	}
	return fmt.Sprintf("backend error: HTTP %d", e.Status)
}

// Is reports whether err is (or wraps) an APIError with the given code.
func Is(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}
