// Package owner binds transaction items to their owning order or
// checkout and propagates balance changes outward. It is the production
// implementation of the ledger core's OwnerAdapter.
package owner

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/IBM/sarama"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"ledger-svc/kafka"
	"ledger-svc/models"
	"ledger-svc/store"
)

// PaymentStatus is the owner-level view of how far a payment has come.
type PaymentStatus string

const (
	StatusNone    PaymentStatus = "none"
	StatusPartial PaymentStatus = "partial"
	StatusFull    PaymentStatus = "full"
)

type Adapter struct {
	db       *sql.DB
	apps     *store.AppStore
	producer sarama.SyncProducer
	topic    string
	logger   *zap.Logger
}

func NewAdapter(db *sql.DB, producer sarama.SyncProducer, logger *zap.Logger) *Adapter {
	return &Adapter{
		db:       db,
		apps:     store.NewAppStore(),
		producer: producer,
		topic:    getEnv("KAFKA_BALANCES_TOPIC", "payment_events"),
		logger:   logger,
	}
}

// BalancesUpdated refreshes the owner's charge/authorize status columns
// and publishes the new balances. A checkout held by a concurrent
// completion rejects the refresh with CHECKOUT_COMPLETION_IN_PROGRESS.
func (a *Adapter) BalancesUpdated(ctx context.Context, item *models.TransactionItem) error {
	switch {
	case item.OrderID != nil:
		if err := a.refreshOrder(ctx, *item.OrderID, item); err != nil {
			return err
		}
	case item.CheckoutID != nil:
		if err := a.refreshCheckout(ctx, *item.CheckoutID, item); err != nil {
			return err
		}
	}
	return a.publish(ctx, item, "transaction_balances_updated")
}

// MetadataUpdated publishes a metadata notification without touching any
// owner status.
func (a *Adapter) MetadataUpdated(ctx context.Context, item *models.TransactionItem) error {
	return a.publish(ctx, item, "transaction_metadata_updated")
}

// AppFor resolves the payment app bound to the transaction for action
// dispatch.
func (a *Adapter) AppFor(ctx context.Context, item *models.TransactionItem) (*models.PaymentApp, error) {
	if item.AppID == nil {
		return nil, models.NewError("", models.CodeMissingPaymentAppRelation,
			"transaction %d has no payment app bound", item.ID)
	}
	app, err := a.apps.GetByID(ctx, a.db, *item.AppID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, models.NewError("", models.CodeMissingPaymentApp,
				"payment app %d not found", *item.AppID)
		}
		return nil, err
	}
	if !app.Active || app.Removed {
		return nil, models.NewError("", models.CodeMissingPaymentApp,
			"payment app %s is not active", app.Identifier)
	}
	return app, nil
}

func (a *Adapter) refreshOrder(ctx context.Context, orderID int, item *models.TransactionItem) error {
	var total decimal.Decimal
	err := a.db.QueryRowContext(ctx, "SELECT total FROM orders WHERE id = $1", orderID).Scan(&total)
	if err != nil {
		return fmt.Errorf("failed to load order %d: %w", orderID, err)
	}

	_, err = a.db.ExecContext(ctx,
		"UPDATE orders SET charge_status = $1, authorize_status = $2, updated_at = $3 WHERE id = $4",
		coverage(item.ChargedAmount, total), coverage(item.AuthorizedAmount.Add(item.ChargedAmount), total),
		time.Now().UTC(), orderID)
	if err != nil {
		return fmt.Errorf("failed to update order %d: %w", orderID, err)
	}
	return nil
}

func (a *Adapter) refreshCheckout(ctx context.Context, checkoutID int, item *models.TransactionItem) error {
	var total decimal.Decimal
	var completingAt sql.NullTime
	err := a.db.QueryRowContext(ctx,
		"SELECT total, completing_at FROM checkouts WHERE id = $1", checkoutID).
		Scan(&total, &completingAt)
	if err != nil {
		return fmt.Errorf("failed to load checkout %d: %w", checkoutID, err)
	}
	if completingAt.Valid {
		return models.NewError("", models.CodeCheckoutCompletionLocked,
			"checkout %d is being completed by a concurrent process", checkoutID)
	}

	_, err = a.db.ExecContext(ctx,
		"UPDATE checkouts SET charge_status = $1, authorize_status = $2, updated_at = $3 WHERE id = $4",
		coverage(item.ChargedAmount, total), coverage(item.AuthorizedAmount.Add(item.ChargedAmount), total),
		time.Now().UTC(), checkoutID)
	if err != nil {
		return fmt.Errorf("failed to update checkout %d: %w", checkoutID, err)
	}
	return nil
}

func (a *Adapter) publish(ctx context.Context, item *models.TransactionItem, eventType string) error {
	event := models.BalanceEvent{
		EventType:        eventType,
		TransactionID:    item.ID,
		Token:            item.Token,
		Currency:         item.Currency,
		Authorized:       item.AuthorizedAmount,
		Charged:          item.ChargedAmount,
		Refunded:         item.RefundedAmount,
		Canceled:         item.CanceledAmount,
		AuthorizePending: item.AuthorizePendingAmount,
		ChargePending:    item.ChargePendingAmount,
		RefundPending:    item.RefundPendingAmount,
		CancelPending:    item.CancelPendingAmount,
		OrderID:          item.OrderID,
		CheckoutID:       item.CheckoutID,
	}
	if err := kafka.PublishBalanceEvent(ctx, a.producer, a.topic, event, a.logger); err != nil {
		// Owner rows are already consistent; a lost notification is
		// recovered by the next reconciliation.
		a.logger.Error("Failed to publish balance event",
			zap.Int("transaction_id", item.ID), zap.Error(err))
	}
	return nil
}

// coverage classifies how much of the owner's total the given amount
// covers.
func coverage(amount, total decimal.Decimal) PaymentStatus {
	switch {
	case !amount.IsPositive():
		return StatusNone
	case total.IsPositive() && amount.GreaterThanOrEqual(total):
		return StatusFull
	default:
		return StatusPartial
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
