package cards

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var (
	// ErrCardNotFound indicates no state row exists for the tenant and card.
	ErrCardNotFound = errors.New("cards: card not found")
	// ErrEmptyPatch indicates an update carrying no fields.
	ErrEmptyPatch = errors.New("cards: patch has no fields")
	// ErrUpstreamFetch indicates the commerce API could not supply orders.
	ErrUpstreamFetch = errors.New("cards: upstream fetch failed")

	errMissingDatabase    = errors.New("database handle is required")
	errMissingOrderSource = errors.New("order source is required")
	errMissingLabelSource = errors.New("label source is required")
	errMissingStore       = errors.New("card store is required")
	noOpLogger            = zap.NewNop()
)

// ServiceError carries a stable dotted code alongside the underlying cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

func logServiceError(logger *zap.Logger, operation, reason string, err error, fields ...zap.Field) {
	if logger == nil {
		logger = noOpLogger
	}
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	logger.Error("cards service error", attrs...)
}
