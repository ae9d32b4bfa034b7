package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"ledger-svc/models"
)

// ErrNotFound is returned when no row matches the given identifier.
var ErrNotFound = errors.New("not found")

const transactionColumns = `id, token, currency,
	authorized_amount, charged_amount, refunded_amount, canceled_amount,
	authorize_pending_amount, charge_pending_amount, refund_pending_amount, cancel_pending_amount,
	psp_reference, available_actions, metadata,
	payment_method_type, payment_method_name,
	order_id, checkout_id, app_id, user_id,
	created_at, modified_at`

type TransactionStore struct{}

func NewTransactionStore() *TransactionStore {
	return &TransactionStore{}
}

// Create inserts an empty transaction item with a fresh token. All eight
// amounts start at zero; they are only ever written by reconciliation.
func (s *TransactionStore) Create(ctx context.Context, q Querier, req *models.CreateTransactionRequest) (*models.TransactionItem, error) {
	if req.OrderID != nil && req.CheckoutID != nil {
		return nil, models.NewError("order_id", models.CodeInvalid, "transaction can belong to an order or a checkout, not both")
	}
	if req.AppID != nil && req.UserID != nil {
		return nil, models.NewError("app_id", models.CodeInvalid, "transaction actor is an app or a user, not both")
	}

	meta, err := marshalMetadata(req.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	token := uuid.NewString()
	row := q.QueryRowContext(ctx, `
		INSERT INTO transaction_items (token, currency, metadata, order_id, checkout_id, app_id, user_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+transactionColumns,
		token, req.Currency, meta,
		nullableID(req.OrderID), nullableID(req.CheckoutID),
		nullableID(req.AppID), nullableID(req.UserID),
	)
	return scanTransaction(row)
}

// GetByIdentifier resolves a transaction by identifier: numeric-looking
// identifiers resolve as legacy ids, everything else as tokens.
func (s *TransactionStore) GetByIdentifier(ctx context.Context, q Querier, identifier string) (*models.TransactionItem, error) {
	if id, err := strconv.Atoi(identifier); err == nil {
		return s.getBy(ctx, q, "id", id)
	}
	return s.getBy(ctx, q, "token", identifier)
}

// GetForUpdate fetches the transaction row with an exclusive row lock.
// Must run inside a transaction.
func (s *TransactionStore) GetForUpdate(ctx context.Context, tx Querier, id int) (*models.TransactionItem, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transaction_items WHERE id = $1 FOR UPDATE`, id)
	return scanTransaction(row)
}

func (s *TransactionStore) getBy(ctx context.Context, q Querier, column string, value any) (*models.TransactionItem, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transaction_items WHERE `+column+` = $1`, value)
	return scanTransaction(row)
}

// Update persists every mutable field of the item atomically and bumps
// modified_at. The amounts must come from a reconciliation run.
func (s *TransactionStore) Update(ctx context.Context, q Querier, item *models.TransactionItem) error {
	meta, err := marshalMetadata(item.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	item.ModifiedAt = time.Now().UTC()
	_, err = q.ExecContext(ctx, `
		UPDATE transaction_items SET
			authorized_amount = $1, charged_amount = $2, refunded_amount = $3, canceled_amount = $4,
			authorize_pending_amount = $5, charge_pending_amount = $6,
			refund_pending_amount = $7, cancel_pending_amount = $8,
			psp_reference = $9, available_actions = $10, metadata = $11,
			payment_method_type = $12, payment_method_name = $13,
			modified_at = $14
		WHERE id = $15`,
		item.AuthorizedAmount, item.ChargedAmount, item.RefundedAmount, item.CanceledAmount,
		item.AuthorizePendingAmount, item.ChargePendingAmount,
		item.RefundPendingAmount, item.CancelPendingAmount,
		item.PSPReference, joinActions(item.AvailableActions), meta,
		item.PaymentMethodType, item.PaymentMethodName,
		item.ModifiedAt, item.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update transaction %d: %w", item.ID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*models.TransactionItem, error) {
	var item models.TransactionItem
	var actions string
	var meta []byte
	var orderID, checkoutID, appID, userID sql.NullInt64

	err := row.Scan(
		&item.ID, &item.Token, &item.Currency,
		&item.AuthorizedAmount, &item.ChargedAmount, &item.RefundedAmount, &item.CanceledAmount,
		&item.AuthorizePendingAmount, &item.ChargePendingAmount,
		&item.RefundPendingAmount, &item.CancelPendingAmount,
		&item.PSPReference, &actions, &meta,
		&item.PaymentMethodType, &item.PaymentMethodName,
		&orderID, &checkoutID, &appID, &userID,
		&item.CreatedAt, &item.ModifiedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan transaction: %w", err)
	}

	item.AvailableActions = splitActions(actions)
	item.Metadata, err = unmarshalMetadata(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	item.OrderID = fromNullInt(orderID)
	item.CheckoutID = fromNullInt(checkoutID)
	item.AppID = fromNullInt(appID)
	item.UserID = fromNullInt(userID)
	return &item, nil
}
