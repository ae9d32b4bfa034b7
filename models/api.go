package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type CreateTransactionRequest struct {
	Currency   string            `json:"currency" binding:"required,len=3"`
	OrderID    *int              `json:"order_id"`
	CheckoutID *int              `json:"checkout_id"`
	AppID      *int              `json:"app_id"`
	UserID     *int              `json:"user_id"`
	Metadata   map[string]string `json:"metadata"`
}

type ReportEventRequest struct {
	PSPReference     string                `json:"psp_reference" binding:"required"`
	Type             EventType             `json:"type" binding:"required"`
	Amount           *decimal.Decimal      `json:"amount"`
	Currency         string                `json:"currency"`
	Time             *time.Time            `json:"time"`
	ExternalURL      string                `json:"external_url"`
	Message          string                `json:"message"`
	AvailableActions []string              `json:"available_actions"`
	Metadata         map[string]string     `json:"metadata"`
	PaymentMethod    *PaymentMethodDetails `json:"payment_method"`
}

type RequestActionRequest struct {
	ActionType      ActionType       `json:"action_type" binding:"required"`
	Amount          *decimal.Decimal `json:"amount"`
	Reason          string           `json:"reason"`
	GrantedRefundID *int             `json:"granted_refund_id"`
}

type ReportEventResponse struct {
	AlreadyProcessed bool              `json:"already_processed"`
	Transaction      *TransactionItem  `json:"transaction"`
	Event            *TransactionEvent `json:"event"`
}

type ErrorResponse struct {
	Error *Error `json:"error"`
}

// BalanceEvent is what the owner adapter publishes to Kafka after every
// reconciliation.
type BalanceEvent struct {
	EventType        string          `json:"event_type"` // transaction_balances_updated, transaction_metadata_updated
	TransactionID    int             `json:"transaction_id"`
	Token            string          `json:"token"`
	Currency         string          `json:"currency"`
	Authorized       decimal.Decimal `json:"authorized"`
	Charged          decimal.Decimal `json:"charged"`
	Refunded         decimal.Decimal `json:"refunded"`
	Canceled         decimal.Decimal `json:"canceled"`
	AuthorizePending decimal.Decimal `json:"authorize_pending"`
	ChargePending    decimal.Decimal `json:"charge_pending"`
	RefundPending    decimal.Decimal `json:"refund_pending"`
	CancelPending    decimal.Decimal `json:"cancel_pending"`
	OrderID          *int            `json:"order_id,omitempty"`
	CheckoutID       *int            `json:"checkout_id,omitempty"`
}

// ActionRequestPayload is the body POSTed to the payment app's webhook
// when an action is dispatched.
type ActionRequestPayload struct {
	TransactionToken string          `json:"transaction_token"`
	PSPReference     string          `json:"psp_reference,omitempty"`
	ActionType       ActionType      `json:"action_type"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	Reason           string          `json:"reason,omitempty"`
	RequestedAt      time.Time       `json:"requested_at"`
}
