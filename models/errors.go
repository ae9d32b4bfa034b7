package models

import "fmt"

// ErrorCode classifies every business failure the ledger can surface.
type ErrorCode string

const (
	CodeInvalid                    ErrorCode = "INVALID"
	CodeNotFound                   ErrorCode = "NOT_FOUND"
	CodeRequired                   ErrorCode = "REQUIRED"
	CodeIncorrectDetails           ErrorCode = "INCORRECT_DETAILS"
	CodeAlreadyExists              ErrorCode = "ALREADY_EXISTS"
	CodeMissingActionWebhook       ErrorCode = "MISSING_TRANSACTION_ACTION_REQUEST_WEBHOOK"
	CodeMissingPaymentApp          ErrorCode = "MISSING_PAYMENT_APP"
	CodeMissingPaymentAppRelation  ErrorCode = "MISSING_PAYMENT_APP_RELATION"
	CodeAmountGreaterThanAvailable ErrorCode = "AMOUNT_GREATER_THAN_AVAILABLE"
	CodeCheckoutCompletionLocked   ErrorCode = "CHECKOUT_COMPLETION_IN_PROGRESS"
)

// Error is the structured (field, code, message) triple every business
// failure surfaces as. Field is the input field path the error is scoped
// to ("" for transaction-level failures).
type Error struct {
	Field   string    `json:"field,omitempty"`
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *Error) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s (%s): %s", e.Code, e.Field, e.Message)
}

func NewError(field string, code ErrorCode, format string, args ...any) *Error {
	return &Error{Field: field, Code: code, Message: fmt.Sprintf(format, args...)}
}
