// Package ledger implements the transaction ledger core: the idempotency
// and concurrency guard for reported events and the action dispatcher.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"ledger-svc/lease"
	"ledger-svc/models"
	"ledger-svc/reconcile"
	"ledger-svc/store"
)

type Guard struct {
	db           *sql.DB
	transactions *store.TransactionStore
	events       *store.EventStore
	refunds      *store.GrantedRefundStore
	leases       *lease.Registry
	owner        OwnerAdapter
	logger       *zap.Logger
}

func NewGuard(db *sql.DB, leases *lease.Registry, owner OwnerAdapter, logger *zap.Logger) *Guard {
	return &Guard{
		db:           db,
		transactions: store.NewTransactionStore(),
		events:       store.NewEventStore(),
		refunds:      store.NewGrantedRefundStore(),
		leases:       leases,
		owner:        owner,
		logger:       logger,
	}
}

// ReportInput is one reported event plus the actor that reported it.
type ReportInput struct {
	Identifier string
	Report     *models.ReportEventRequest
	AppID      *int
	UserID     *int
}

type ReportResult struct {
	AlreadyProcessed bool
	Transaction      *models.TransactionItem
	Event            *models.TransactionEvent
}

// ReportEvent accepts one reported event and returns either the newly
// recorded event, the pre-existing equivalent (already_processed), or a
// structured rejection. Concurrent reports for the same transaction
// serialize through the per-transaction lease plus a row lock; reports
// for other transactions are unaffected.
func (g *Guard) ReportEvent(ctx context.Context, in *ReportInput) (*ReportResult, error) {
	ctx, span := otel.Tracer("ledger-service").Start(ctx, "ReportEvent")
	defer span.End()

	report := in.Report
	if !report.Type.IsValid() {
		return nil, models.NewError("type", models.CodeInvalid, "unsupported event type %q", report.Type)
	}
	if report.PSPReference == "" {
		return nil, models.NewError("psp_reference", models.CodeRequired, "psp_reference is required")
	}

	span.SetAttributes(
		attribute.String("event.type", string(report.Type)),
		attribute.String("event.psp_reference", report.PSPReference),
	)

	item, err := g.transactions.GetByIdentifier(ctx, g.db, in.Identifier)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, models.NewError("id", models.CodeNotFound, "transaction %q not found", in.Identifier)
		}
		return nil, err
	}
	if report.Currency != "" && report.Currency != item.Currency {
		return nil, models.NewError("currency", models.CodeInvalid,
			"currency %s does not match transaction currency %s", report.Currency, item.Currency)
	}

	span.SetAttributes(attribute.Int("transaction.id", item.ID))

	release, err := g.leases.Acquire(ctx, item.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	item, err = g.transactions.GetForUpdate(ctx, tx, item.ID)
	if err != nil {
		return nil, err
	}

	amount, err := g.resolveAmount(ctx, tx, item, report)
	if err != nil {
		return nil, err
	}

	existing, err := g.events.FindByReferenceAndType(ctx, tx, item.ID, report.PSPReference, report.Type)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		if existing.Amount.Equal(amount) {
			return g.handleDuplicate(ctx, tx, item, existing, report)
		}
		return nil, g.handleConflict(ctx, tx, item, existing, report, amount)
	}

	// One active authorization per transaction; changing it requires an
	// AUTHORIZATION_ADJUSTMENT.
	if report.Type == models.AuthorizationSuccess {
		taken, err := g.events.HasSuccessfulAuthorization(ctx, tx, item.ID, report.PSPReference)
		if err != nil {
			return nil, err
		}
		if taken {
			return nil, models.NewError("type", models.CodeInvalid,
				"transaction already has a successful authorization; report AUTHORIZATION_ADJUSTMENT to change it")
		}
	}

	event := &models.TransactionEvent{
		TransactionID:         item.ID,
		Type:                  report.Type,
		Amount:                amount,
		Currency:              item.Currency,
		PSPReference:          report.PSPReference,
		Message:               truncate(report.Message, models.MessageMaxLength),
		ExternalURL:           report.ExternalURL,
		IncludeInCalculations: report.Type != models.Info,
		AppID:                 in.AppID,
		UserID:                in.UserID,
		CreatedAt:             eventTime(report.Time),
	}

	// Refund outcomes inherit the grant link from the pending refund
	// request so the grant's status can track them.
	if report.Type.Action() == models.ActionRefund && !report.Type.IsRequest() {
		grantID, err := g.events.LatestRefundGrant(ctx, tx, item.ID)
		if err != nil {
			return nil, err
		}
		event.GrantedRefundID = grantID
	}

	if err := g.events.Insert(ctx, tx, event); err != nil {
		return nil, err
	}

	g.applyReportedDetails(item, report)

	events, err := g.events.List(ctx, tx, item.ID)
	if err != nil {
		return nil, err
	}
	amounts := reconcile.Recalculate(events)
	applyAmounts(item, amounts)

	if err := g.transactions.Update(ctx, tx, item); err != nil {
		return nil, err
	}

	if event.GrantedRefundID != nil {
		if _, err := g.refunds.RecomputeStatus(ctx, tx, *event.GrantedRefundID); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit report: %w", err)
	}

	g.logger.Info("Transaction event recorded",
		zap.Int("transaction_id", item.ID),
		zap.String("type", string(event.Type)),
		zap.String("psp_reference", event.PSPReference),
		zap.String("amount", event.Amount.String()),
	)

	result := &ReportResult{Transaction: item, Event: event}
	if err := g.owner.BalancesUpdated(ctx, item); err != nil {
		var lerr *models.Error
		if errors.As(err, &lerr) && lerr.Code == models.CodeCheckoutCompletionLocked {
			// The ledger write stands; the sender's retry is collapsed by
			// idempotency and the owner refresh re-attempted then.
			return result, lerr
		}
		g.logger.Error("Owner notification failed", zap.Int("transaction_id", item.ID), zap.Error(err))
	}
	return result, nil
}

// handleDuplicate returns the stored equivalent without re-running any
// money math, still applying metadata and available-action deltas when
// they materially differ.
func (g *Guard) handleDuplicate(ctx context.Context, tx *sql.Tx, item *models.TransactionItem, existing *models.TransactionEvent, report *models.ReportEventRequest) (*ReportResult, error) {
	changed := g.applyReportedDetails(item, report)
	if changed {
		if err := g.transactions.Update(ctx, tx, item); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit duplicate report: %w", err)
	}

	g.logger.Info("Duplicate report collapsed",
		zap.Int("transaction_id", item.ID),
		zap.String("type", string(existing.Type)),
		zap.String("psp_reference", existing.PSPReference),
	)

	if changed {
		if err := g.owner.MetadataUpdated(ctx, item); err != nil {
			g.logger.Error("Owner notification failed", zap.Int("transaction_id", item.ID), zap.Error(err))
		}
	}
	return &ReportResult{AlreadyProcessed: true, Transaction: item, Event: existing}, nil
}

// handleConflict records a synthetic failure event for audit, recomputes
// any linked granted-refund status, commits, and rejects the report. The
// first event is never mutated. The audit row carries no psp_reference
// so the (psp_reference, type) key space stays unique.
func (g *Guard) handleConflict(ctx context.Context, tx *sql.Tx, item *models.TransactionItem, existing *models.TransactionEvent, report *models.ReportEventRequest, amount decimal.Decimal) error {
	audit := &models.TransactionEvent{
		TransactionID:         item.ID,
		Type:                  report.Type.FailureType(),
		Amount:                amount,
		Currency:              item.Currency,
		IncludeInCalculations: false,
		GrantedRefundID:       existing.GrantedRefundID,
		Message: truncate(fmt.Sprintf(
			"amount mismatch for psp_reference %s and type %s: reported %s, recorded %s",
			report.PSPReference, report.Type, amount, existing.Amount), models.MessageMaxLength),
		CreatedAt: time.Now().UTC(),
	}
	if err := g.events.Insert(ctx, tx, audit); err != nil {
		return err
	}
	if existing.GrantedRefundID != nil {
		if _, err := g.refunds.RecomputeStatus(ctx, tx, *existing.GrantedRefundID); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit conflict audit: %w", err)
	}

	g.logger.Warn("Idempotency conflict",
		zap.Int("transaction_id", item.ID),
		zap.String("type", string(report.Type)),
		zap.String("psp_reference", report.PSPReference),
		zap.String("reported_amount", amount.String()),
		zap.String("recorded_amount", existing.Amount.String()),
	)

	return models.NewError("psp_reference", models.CodeAlreadyExists,
		"event with psp_reference %s and type %s already exists with amount %s",
		report.PSPReference, report.Type, existing.Amount)
}

// resolveAmount returns the event amount: explicit when given, required
// for request/success/adjustment types, otherwise derived from prior
// events carrying the same psp_reference (the success amount when one
// exists, else the request amount).
func (g *Guard) resolveAmount(ctx context.Context, tx *sql.Tx, item *models.TransactionItem, report *models.ReportEventRequest) (decimal.Decimal, error) {
	if report.Amount != nil {
		if report.Amount.IsNegative() {
			return decimal.Zero, models.NewError("amount", models.CodeInvalid, "amount must not be negative")
		}
		return *report.Amount, nil
	}
	if report.Type.AmountRequired() {
		return decimal.Zero, models.NewError("amount", models.CodeRequired,
			"amount is required for event type %s", report.Type)
	}

	prior, err := g.events.ListByReference(ctx, tx, item.ID, report.PSPReference)
	if err != nil {
		return decimal.Zero, err
	}
	action := report.Type.Action()
	sort.SliceStable(prior, func(i, j int) bool { return prior[i].CreatedAt.Before(prior[j].CreatedAt) })

	var fromRequest *decimal.Decimal
	var fromSuccess *decimal.Decimal
	for i := range prior {
		ev := prior[i]
		if ev.Type.Action() != action {
			continue
		}
		switch {
		case ev.Type.IsSuccess():
			amt := ev.Amount
			fromSuccess = &amt
		case ev.Type.IsRequest():
			amt := ev.Amount
			fromRequest = &amt
		}
	}
	if fromSuccess != nil {
		return *fromSuccess, nil
	}
	if fromRequest != nil {
		return *fromRequest, nil
	}
	return decimal.Zero, models.NewError("amount", models.CodeRequired,
		"amount for event type %s could not be derived from prior events with psp_reference %s",
		report.Type, report.PSPReference)
}

// applyReportedDetails merges the report's metadata, available actions,
// payment method and once-only psp_reference into the item. Returns
// whether anything changed.
func (g *Guard) applyReportedDetails(item *models.TransactionItem, report *models.ReportEventRequest) bool {
	changed := false

	if item.PSPReference == "" && report.PSPReference != "" {
		item.PSPReference = report.PSPReference
		changed = true
	}
	if report.AvailableActions != nil {
		actions := dedupe(report.AvailableActions)
		if !equalStrings(item.AvailableActions, actions) {
			item.AvailableActions = actions
			changed = true
		}
	}
	for k, v := range report.Metadata {
		if item.Metadata == nil {
			item.Metadata = map[string]string{}
		}
		if item.Metadata[k] != v {
			item.Metadata[k] = v
			changed = true
		}
	}
	if pm := report.PaymentMethod; pm != nil {
		if item.PaymentMethodType != pm.Type || item.PaymentMethodName != pm.Name {
			item.PaymentMethodType = pm.Type
			item.PaymentMethodName = pm.Name
			changed = true
		}
	}
	return changed
}

func applyAmounts(item *models.TransactionItem, a reconcile.Amounts) {
	item.AuthorizedAmount = a.Authorized
	item.ChargedAmount = a.Charged
	item.RefundedAmount = a.Refunded
	item.CanceledAmount = a.Canceled
	item.AuthorizePendingAmount = a.AuthorizePending
	item.ChargePendingAmount = a.ChargePending
	item.RefundPendingAmount = a.RefundPending
	item.CancelPendingAmount = a.CancelPending
}

func eventTime(t *time.Time) time.Time {
	if t != nil {
		return t.UTC()
	}
	return time.Now().UTC()
}

// truncate caps s at max bytes without splitting a multibyte rune, so
// the result is always valid UTF-8.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

func dedupe(in []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
