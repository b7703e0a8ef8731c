package ledger

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the settlement engine.
var (
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrRefundNotEligible   = errors.New("refund not eligible")
	ErrUnknownGeneration   = errors.New("unknown generation")
	ErrUnknownUser         = errors.New("unknown user")

	ErrDuplicateTransaction = errors.New("duplicate transaction")
	ErrDuplicatePayment     = errors.New("duplicate payment")
	ErrDuplicateCode        = errors.New("duplicate redemption code")
	ErrDuplicateGeneration  = errors.New("duplicate generation")

	ErrCodeExhausted = errors.New("redemption code exhausted")
	ErrCodeExpired   = errors.New("redemption code expired")
	ErrCodeInactive  = errors.New("redemption code inactive")
	ErrUnknownCode   = errors.New("unknown redemption code")

	ErrUnknownPayment = errors.New("unknown payment event")

	ErrStatusConflict  = errors.New("generation status conflict")
	ErrStorageConflict = errors.New("storage conflict")
	ErrBalanceMismatch = errors.New("balance does not match transaction sum")

	ErrInvalidUserID           = errors.New("invalid user id")
	ErrInvalidGenerationID     = errors.New("invalid generation id")
	ErrInvalidTransactionID    = errors.New("invalid transaction id")
	ErrInvalidChargeID         = errors.New("invalid charge id")
	ErrInvalidCode             = errors.New("invalid redemption code")
	ErrInvalidCredits          = errors.New("invalid credits amount")
	ErrInvalidIdempotencyKey   = errors.New("invalid idempotency key")
	ErrInvalidMetadataJSON     = errors.New("invalid metadata json")
	ErrInvalidTransactionKind  = errors.New("invalid transaction kind")
	ErrInvalidGenerationStatus = errors.New("invalid generation status")
	ErrInvalidStatusEvent      = errors.New("invalid status event")
	ErrInvalidAdjustMode       = errors.New("invalid adjust mode")
	ErrInvalidModelID          = errors.New("invalid model id")
	ErrInvalidServiceConfig    = errors.New("invalid service config")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
