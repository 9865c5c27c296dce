package manager

import (
	"errors"
	"fmt"

	"proxybroker/internal/domain"
)

var (
	ErrUnsupportedSource   = errors.New("operation does not support this proxy source")
	ErrSourceNotConfigured = errors.New("proxy source is not configured")
	ErrRetriesExhausted    = errors.New("no working proxy within the retry limit")
	ErrValidationFailed    = errors.New("proxy validation failed")
)

// ValidationError carries the failed check of a proxy (or of the direct
// connection when Candidate is nil).
type ValidationError struct {
	Source    domain.SourceType
	Candidate *domain.Candidate
	Result    domain.CheckResult
}

func (e *ValidationError) Error() string {
	target := "direct connection"
	if e.Candidate != nil {
		target = e.Candidate.String()
	}
	return fmt.Sprintf("%s source: %s failed validation: %s", e.Source, target, e.Result.Error)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidationFailed
}

func unsupported(op string, source domain.SourceType) error {
	return fmt.Errorf("%s: %w: %q", op, ErrUnsupportedSource, source)
}
