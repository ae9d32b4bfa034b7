package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"ledger-svc/lease"
	"ledger-svc/models"
	"ledger-svc/store"
)

// Dispatcher turns an action intent (charge, cancel, refund) into a
// capped request event plus an outbound gateway call. The request event
// is committed before the gateway is contacted, so a dead gateway never
// loses the audit trail, and the call itself runs outside the
// transaction lease so it cannot block other reports.
type Dispatcher struct {
	db           *sql.DB
	transactions *store.TransactionStore
	events       *store.EventStore
	refunds      *store.GrantedRefundStore
	leases       *lease.Registry
	owner        OwnerAdapter
	gateway      GatewayCaller
	logger       *zap.Logger
}

func NewDispatcher(db *sql.DB, leases *lease.Registry, owner OwnerAdapter, gateway GatewayCaller, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		db:           db,
		transactions: store.NewTransactionStore(),
		events:       store.NewEventStore(),
		refunds:      store.NewGrantedRefundStore(),
		leases:       leases,
		owner:        owner,
		gateway:      gateway,
		logger:       logger,
	}
}

// ActionInput is one action intent against a transaction.
type ActionInput struct {
	Identifier string
	Request    *models.RequestActionRequest
	AppID      *int
	UserID     *int
}

// RequestAction validates and caps the amount, records the request event
// and dispatches the action to the transaction's payment app. Gateway
// failures surface as one of the named MISSING_* codes and never roll
// back the recorded request event.
func (d *Dispatcher) RequestAction(ctx context.Context, in *ActionInput) (*models.TransactionItem, error) {
	ctx, span := otel.Tracer("ledger-service").Start(ctx, "RequestAction")
	defer span.End()

	req := in.Request
	if !req.ActionType.IsValid() {
		return nil, models.NewError("action_type", models.CodeInvalid, "unsupported action type %q", req.ActionType)
	}
	if req.GrantedRefundID != nil && req.ActionType != models.ActionTypeRefund {
		return nil, models.NewError("granted_refund_id", models.CodeInvalid,
			"granted_refund_id only applies to REFUND")
	}

	span.SetAttributes(attribute.String("action.type", string(req.ActionType)))

	item, event, err := d.recordRequest(ctx, in)
	if err != nil {
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("transaction.id", item.ID),
		attribute.String("action.amount", event.Amount.String()),
	)

	app, err := d.owner.AppFor(ctx, item)
	if err != nil {
		d.recomputeGrant(ctx, event)
		return nil, err
	}
	if app.WebhookURL == "" {
		d.recomputeGrant(ctx, event)
		return nil, models.NewError("", models.CodeMissingActionWebhook,
			"payment app %s has no transaction action request webhook", app.Identifier)
	}

	payload := models.ActionRequestPayload{
		TransactionToken: item.Token,
		PSPReference:     item.PSPReference,
		ActionType:       req.ActionType,
		Amount:           event.Amount,
		Currency:         item.Currency,
		Reason:           req.Reason,
		RequestedAt:      event.CreatedAt,
	}

	dispatchErr := d.gateway.SendActionRequest(ctx, app, payload)
	// The grant's status is recomputed after both outcomes of dispatch.
	d.recomputeGrant(ctx, event)

	if dispatchErr != nil {
		d.logger.Error("Action dispatch failed",
			zap.Int("transaction_id", item.ID),
			zap.String("action", string(req.ActionType)),
			zap.String("app", app.Identifier),
			zap.Error(dispatchErr),
		)
		return nil, models.NewError("", models.CodeMissingActionWebhook,
			"action request could not be delivered to app %s: %v", app.Identifier, dispatchErr)
	}

	d.logger.Info("Action dispatched",
		zap.Int("transaction_id", item.ID),
		zap.String("action", string(req.ActionType)),
		zap.String("amount", event.Amount.String()),
		zap.String("app", app.Identifier),
	)
	return item, nil
}

// recordRequest runs the locked section: cap the amount against the
// available balance and durably record the request event.
func (d *Dispatcher) recordRequest(ctx context.Context, in *ActionInput) (*models.TransactionItem, *models.TransactionEvent, error) {
	req := in.Request

	item, err := d.transactions.GetByIdentifier(ctx, d.db, in.Identifier)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, models.NewError("id", models.CodeNotFound, "transaction %q not found", in.Identifier)
		}
		return nil, nil, err
	}

	release, err := d.leases.Acquire(ctx, item.ID)
	if err != nil {
		return nil, nil, err
	}
	defer release()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	item, err = d.transactions.GetForUpdate(ctx, tx, item.ID)
	if err != nil {
		return nil, nil, err
	}

	balance := item.AvailableBalance(req.ActionType)
	if !balance.IsPositive() {
		return nil, nil, models.NewError("amount", models.CodeAmountGreaterThanAvailable,
			"no balance available for %s", req.ActionType)
	}

	var grant *models.GrantedRefund
	if req.GrantedRefundID != nil {
		grant, err = d.refunds.Get(ctx, tx, *req.GrantedRefundID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, nil, models.NewError("granted_refund_id", models.CodeNotFound,
					"granted refund %d not found", *req.GrantedRefundID)
			}
			return nil, nil, err
		}
		if grant.Amount.GreaterThan(item.ChargedAmount) {
			return nil, nil, models.NewError("granted_refund_id", models.CodeAmountGreaterThanAvailable,
				"granted refund amount %s exceeds charged balance %s", grant.Amount, item.ChargedAmount)
		}
	}

	amount, err := capAmount(req.Amount, grant, balance)
	if err != nil {
		return nil, nil, err
	}

	event := &models.TransactionEvent{
		TransactionID: item.ID,
		Type:          models.RequestEventType(req.ActionType),
		Amount:        amount,
		Currency:      item.Currency,
		Message:       truncate(req.Reason, models.MessageMaxLength),
		// Audit trail only: the pending balance is established by the
		// gateway's own referenced request report.
		IncludeInCalculations: false,
		GrantedRefundID:       req.GrantedRefundID,
		AppID:                 in.AppID,
		UserID:                in.UserID,
		CreatedAt:             time.Now().UTC(),
	}
	if err := d.events.Insert(ctx, tx, event); err != nil {
		return nil, nil, err
	}

	if req.GrantedRefundID != nil {
		if _, err := d.refunds.RecomputeStatus(ctx, tx, *req.GrantedRefundID); err != nil {
			return nil, nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("failed to commit action request: %w", err)
	}
	return item, event, nil
}

// capAmount defaults a missing amount to the full available balance (or
// the granted amount for grant-backed refunds) and clamps a supplied one
// so it never exceeds the balance.
func capAmount(requested *decimal.Decimal, grant *models.GrantedRefund, balance decimal.Decimal) (decimal.Decimal, error) {
	if requested == nil {
		if grant != nil {
			return decimal.Min(grant.Amount, balance), nil
		}
		return balance, nil
	}
	if !requested.IsPositive() {
		return decimal.Zero, models.NewError("amount", models.CodeInvalid, "amount must be positive")
	}
	return decimal.Min(*requested, balance), nil
}

func (d *Dispatcher) recomputeGrant(ctx context.Context, event *models.TransactionEvent) {
	if event.GrantedRefundID == nil {
		return
	}
	if _, err := d.refunds.RecomputeStatus(ctx, d.db, *event.GrantedRefundID); err != nil {
		d.logger.Error("Failed to recompute granted refund status",
			zap.Int("granted_refund_id", *event.GrantedRefundID), zap.Error(err))
	}
}
