package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventAction is the action group an event belongs to, derived from the
// type prefix.
type EventAction string

const (
	ActionAuthorization EventAction = "authorization"
	ActionCharge        EventAction = "charge"
	ActionRefund        EventAction = "refund"
	ActionCancel        EventAction = "cancel"
	ActionInfo          EventAction = "info"
)

type EventType string

const (
	AuthorizationRequest    EventType = "AUTHORIZATION_REQUEST"
	AuthorizationSuccess    EventType = "AUTHORIZATION_SUCCESS"
	AuthorizationFailure    EventType = "AUTHORIZATION_FAILURE"
	AuthorizationAdjustment EventType = "AUTHORIZATION_ADJUSTMENT"
	ChargeRequest           EventType = "CHARGE_REQUEST"
	ChargeSuccess           EventType = "CHARGE_SUCCESS"
	ChargeFailure           EventType = "CHARGE_FAILURE"
	ChargeBack              EventType = "CHARGE_BACK"
	RefundRequest           EventType = "REFUND_REQUEST"
	RefundSuccess           EventType = "REFUND_SUCCESS"
	RefundFailure           EventType = "REFUND_FAILURE"
	RefundReverse           EventType = "REFUND_REVERSE"
	CancelRequest           EventType = "CANCEL_REQUEST"
	CancelSuccess           EventType = "CANCEL_SUCCESS"
	CancelFailure           EventType = "CANCEL_FAILURE"
	Info                    EventType = "INFO"
)

// eventTypes is the closed set of valid types. Adding a type here
// requires a matching case in the reconciliation engine.
var eventTypes = map[EventType]EventAction{
	AuthorizationRequest:    ActionAuthorization,
	AuthorizationSuccess:    ActionAuthorization,
	AuthorizationFailure:    ActionAuthorization,
	AuthorizationAdjustment: ActionAuthorization,
	ChargeRequest:           ActionCharge,
	ChargeSuccess:           ActionCharge,
	ChargeFailure:           ActionCharge,
	ChargeBack:              ActionCharge,
	RefundRequest:           ActionRefund,
	RefundSuccess:           ActionRefund,
	RefundFailure:           ActionRefund,
	RefundReverse:           ActionRefund,
	CancelRequest:           ActionCancel,
	CancelSuccess:           ActionCancel,
	CancelFailure:           ActionCancel,
	Info:                    ActionInfo,
}

// IsValid reports whether t is a member of the closed type set.
func (t EventType) IsValid() bool {
	_, ok := eventTypes[t]
	return ok
}

// Action returns the action group for the type.
func (t EventType) Action() EventAction {
	if a, ok := eventTypes[t]; ok {
		return a
	}
	return ActionInfo
}

// AmountRequired reports whether a reported event of this type must carry
// an explicit amount. For the remaining types the amount may be derived
// from prior events with the same psp_reference.
func (t EventType) AmountRequired() bool {
	switch t {
	case AuthorizationRequest, AuthorizationSuccess, AuthorizationAdjustment,
		ChargeRequest, ChargeSuccess,
		RefundRequest, RefundSuccess,
		CancelRequest, CancelSuccess:
		return true
	}
	return false
}

// IsRequest reports whether the type is a *_REQUEST.
func (t EventType) IsRequest() bool {
	switch t {
	case AuthorizationRequest, ChargeRequest, RefundRequest, CancelRequest:
		return true
	}
	return false
}

// IsSuccess reports whether the type is a *_SUCCESS.
func (t EventType) IsSuccess() bool {
	switch t {
	case AuthorizationSuccess, ChargeSuccess, RefundSuccess, CancelSuccess:
		return true
	}
	return false
}

// IsFailure reports whether the type is a *_FAILURE.
func (t EventType) IsFailure() bool {
	switch t {
	case AuthorizationFailure, ChargeFailure, RefundFailure, CancelFailure:
		return true
	}
	return false
}

// IsReversal reports whether the type undoes a settled amount
// (CHARGE_BACK, REFUND_REVERSE).
func (t EventType) IsReversal() bool {
	return t == ChargeBack || t == RefundReverse
}

// FailureType returns the *_FAILURE type of the same action group, used
// for the synthetic audit event written on an idempotency conflict.
func (t EventType) FailureType() EventType {
	switch t.Action() {
	case ActionAuthorization:
		return AuthorizationFailure
	case ActionCharge:
		return ChargeFailure
	case ActionRefund:
		return RefundFailure
	case ActionCancel:
		return CancelFailure
	}
	return Info
}

// RequestEventType returns the *_REQUEST type for an action intent.
func RequestEventType(action ActionType) EventType {
	switch action {
	case ActionTypeCharge:
		return ChargeRequest
	case ActionTypeCancel:
		return CancelRequest
	case ActionTypeRefund:
		return RefundRequest
	}
	return Info
}

// TransactionEvent is one immutable ledger fact. CreatedAt is business
// time as reported by the gateway, distinct from row insertion time, and
// is what reconciliation orders by.
type TransactionEvent struct {
	ID                    int             `json:"id"`
	TransactionID         int             `json:"transaction_id"`
	Type                  EventType       `json:"type"`
	Amount                decimal.Decimal `json:"amount"`
	Currency              string          `json:"currency"`
	PSPReference          string          `json:"psp_reference"`
	Message               string          `json:"message"`
	ExternalURL           string          `json:"external_url"`
	IncludeInCalculations bool            `json:"include_in_calculations"`
	GrantedRefundID       *int            `json:"granted_refund_id,omitempty"`
	AppID                 *int            `json:"app_id,omitempty"`
	UserID                *int            `json:"user_id,omitempty"`
	CreatedAt             time.Time       `json:"created_at"`
}
