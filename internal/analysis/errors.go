package analysis

import "errors"

// Failure taxonomy for the AI analysis boundary. MalformedResponse and
// BudgetExceeded are fatal; ServiceUnavailable and Timeout are transient
// and retried by the scan orchestrator.
var (
	// ErrMalformedResponse means the service replied with something that
	// is not the expected structured shape. Never retried.
	ErrMalformedResponse = errors.New("analysis: malformed response")

	// ErrServiceUnavailable covers transport failures and retryable HTTP
	// statuses from the analysis service.
	ErrServiceUnavailable = errors.New("analysis: service unavailable")

	// ErrTimeout means the request exceeded the configured API timeout.
	ErrTimeout = errors.New("analysis: request timed out")

	// ErrBudgetExceeded means the estimated prompt size is over the
	// configured token cap. The service is never called.
	ErrBudgetExceeded = errors.New("analysis: token budget exceeded")
)

// Transient reports whether err warrants a retry by the caller.
func Transient(err error) bool {
	return errors.Is(err, ErrServiceUnavailable) || errors.Is(err, ErrTimeout)
}
