package logging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// OperationError records the pipeline stage at which an operation failed and
// how long it had been running.
type OperationError struct {
	Operation string
	Stage     string
	RequestID string
	Elapsed   time.Duration
	Err       error
}

// NewOperationError wraps err for operation, taking the request identifier
// from ctx. It returns nil when err is nil.
func NewOperationError(ctx context.Context, operation, stage string, elapsed time.Duration, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{
		Operation: operation,
		Stage:     stage,
		RequestID: RequestIDFromContext(ctx),
		Elapsed:   elapsed,
		Err:       err,
	}
}

func (e *OperationError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	where := e.Operation
	if e.Stage != "" {
		where += "/" + e.Stage
	}
	if e.RequestID != "" {
		return fmt.Sprintf("%s (request_id=%s): %v", where, e.RequestID, e.Err)
	}
	return fmt.Sprintf("%s: %v", where, e.Err)
}

func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ErrorFields returns log fields for err, expanding an OperationError into
// its stage and elapsed time. The operation and request identifier are left
// to the logger from ForOperation.
func ErrorFields(err error) []zap.Field {
	var opErr *OperationError
	if errors.As(err, &opErr) {
		return []zap.Field{
			zap.String("stage", opErr.Stage),
			zap.Duration("elapsed", opErr.Elapsed),
			zap.Error(opErr.Err),
		}
	}
	return []zap.Field{zap.Error(err)}
}
