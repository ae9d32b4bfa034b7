package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ActionType is an action a caller may request against a transaction.
type ActionType string

const (
	ActionTypeCharge ActionType = "CHARGE"
	ActionTypeCancel ActionType = "CANCEL"
	ActionTypeRefund ActionType = "REFUND"
)

func (a ActionType) IsValid() bool {
	switch a {
	case ActionTypeCharge, ActionTypeCancel, ActionTypeRefund:
		return true
	}
	return false
}

// MessageMaxLength is the cap applied to reported event messages.
const MessageMaxLength = 512

// TransactionItem is one payment instrument bound to exactly one of
// {order, checkout}. The eight amount fields are derived from the event
// log by reconciliation and are never mutated directly.
type TransactionItem struct {
	ID       int    `json:"id"`
	Token    string `json:"token"`
	Currency string `json:"currency"`

	AuthorizedAmount decimal.Decimal `json:"authorized_amount"`
	ChargedAmount    decimal.Decimal `json:"charged_amount"`
	RefundedAmount   decimal.Decimal `json:"refunded_amount"`
	CanceledAmount   decimal.Decimal `json:"canceled_amount"`

	AuthorizePendingAmount decimal.Decimal `json:"authorize_pending_amount"`
	ChargePendingAmount    decimal.Decimal `json:"charge_pending_amount"`
	RefundPendingAmount    decimal.Decimal `json:"refund_pending_amount"`
	CancelPendingAmount    decimal.Decimal `json:"cancel_pending_amount"`

	// PSPReference is set once from the first reported event that carries
	// one and never overwritten.
	PSPReference     string            `json:"psp_reference"`
	AvailableActions []string          `json:"available_actions"`
	Metadata         map[string]string `json:"metadata,omitempty"`

	PaymentMethodType string `json:"payment_method_type,omitempty"`
	PaymentMethodName string `json:"payment_method_name,omitempty"`

	// Owner binding: exactly one of OrderID/CheckoutID is set, and the
	// reporting actor is an app xor a user.
	OrderID    *int `json:"order_id,omitempty"`
	CheckoutID *int `json:"checkout_id,omitempty"`
	AppID      *int `json:"app_id,omitempty"`
	UserID     *int `json:"user_id,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
}

// AvailableBalance returns the balance an action draws from: charge and
// cancel consume the authorized amount, refund consumes the charged one.
func (t *TransactionItem) AvailableBalance(action ActionType) decimal.Decimal {
	switch action {
	case ActionTypeCharge, ActionTypeCancel:
		return t.AuthorizedAmount
	case ActionTypeRefund:
		return t.ChargedAmount
	}
	return decimal.Zero
}

// PaymentMethodDetails is the optional structured descriptor a gateway
// may attach to a report.
type PaymentMethodDetails struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// GrantedRefundStatus tracks the progress of an order-level refund grant.
type GrantedRefundStatus string

const (
	GrantedRefundNone    GrantedRefundStatus = "none"
	GrantedRefundPending GrantedRefundStatus = "pending"
	GrantedRefundSuccess GrantedRefundStatus = "success"
	GrantedRefundFailure GrantedRefundStatus = "failure"
)

// GrantedRefund is an order-level record authorizing a refund amount,
// weakly referenced by refund events.
type GrantedRefund struct {
	ID        int                 `json:"id"`
	OrderID   int                 `json:"order_id"`
	Amount    decimal.Decimal     `json:"amount"`
	Currency  string              `json:"currency"`
	Reason    string              `json:"reason"`
	Status    GrantedRefundStatus `json:"status"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// PaymentApp is an external payment-processing application that answers
// action-request webhooks.
type PaymentApp struct {
	ID         int       `json:"id"`
	Identifier string    `json:"identifier"`
	Name       string    `json:"name"`
	WebhookURL string    `json:"webhook_url"`
	Active     bool      `json:"active"`
	Removed    bool      `json:"removed"`
	CreatedAt  time.Time `json:"created_at"`
}
