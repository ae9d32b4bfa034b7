package ledger

import (
	"context"

	"ledger-svc/models"
)

// OwnerAdapter is the narrow interface through which the ledger core
// reaches the surrounding commerce system. The core never touches the
// owning order or checkout directly.
type OwnerAdapter interface {
	// BalancesUpdated is called after every reconciliation, once the new
	// amounts are durably committed. Returns a models.Error with code
	// CHECKOUT_COMPLETION_IN_PROGRESS when the owning checkout is locked
	// by a concurrent completion.
	BalancesUpdated(ctx context.Context, item *models.TransactionItem) error

	// MetadataUpdated is called when a report changed metadata or
	// available actions without changing any balance.
	MetadataUpdated(ctx context.Context, item *models.TransactionItem) error

	// AppFor resolves the payment app bound to the transaction for action
	// dispatch. Fails with MISSING_PAYMENT_APP_RELATION when the
	// transaction has no app binding and MISSING_PAYMENT_APP when the
	// bound app is gone, inactive or removed.
	AppFor(ctx context.Context, item *models.TransactionItem) (*models.PaymentApp, error)
}

// GatewayCaller delivers an action request to a payment app. The call
// happens outside the transaction lease, after the request event is
// durably recorded.
type GatewayCaller interface {
	SendActionRequest(ctx context.Context, app *models.PaymentApp, payload models.ActionRequestPayload) error
}
