package scanning

import (
	"errors"
	"fmt"
)

// ErrExtractionUnavailable is returned when no credential is configured for the extraction API.
var ErrExtractionUnavailable = errors.New("extraction api credential not configured")

// ExtractionAPIError is returned when the extraction endpoint answers with a non-2xx status.
type ExtractionAPIError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *ExtractionAPIError) Error() string {
	return fmt.Sprintf("%s api error (status %d)", e.Provider, e.StatusCode)
}
