package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"ledger-svc/models"
)

const eventColumns = `id, transaction_id, type, amount, currency, psp_reference,
	message, external_url, include_in_calculations, granted_refund_id, app_id, user_id, created_at`

type EventStore struct{}

func NewEventStore() *EventStore {
	return &EventStore{}
}

// Insert appends one event to the log. Events are immutable; there is no
// update path.
func (s *EventStore) Insert(ctx context.Context, q Querier, ev *models.TransactionEvent) error {
	err := q.QueryRowContext(ctx, `
		INSERT INTO transaction_events
			(transaction_id, type, amount, currency, psp_reference, message, external_url,
			 include_in_calculations, granted_refund_id, app_id, user_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id`,
		ev.TransactionID, ev.Type, ev.Amount, ev.Currency, ev.PSPReference,
		ev.Message, ev.ExternalURL, ev.IncludeInCalculations,
		nullableID(ev.GrantedRefundID), nullableID(ev.AppID), nullableID(ev.UserID),
		ev.CreatedAt,
	).Scan(&ev.ID)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// List returns every event of the transaction in business-time order.
func (s *EventStore) List(ctx context.Context, q Querier, transactionID int) ([]models.TransactionEvent, error) {
	return s.list(ctx, q,
		`SELECT `+eventColumns+` FROM transaction_events
		 WHERE transaction_id = $1 ORDER BY created_at, id`, transactionID)
}

// ListByReference returns the transaction's events carrying the given
// psp_reference, in business-time order. Used for amount inference.
func (s *EventStore) ListByReference(ctx context.Context, q Querier, transactionID int, reference string) ([]models.TransactionEvent, error) {
	return s.list(ctx, q,
		`SELECT `+eventColumns+` FROM transaction_events
		 WHERE transaction_id = $1 AND psp_reference = $2 ORDER BY created_at, id`,
		transactionID, reference)
}

// FindByReferenceAndType locates the event holding the (psp_reference,
// type) idempotency key. Returns ErrNotFound when the key is unused.
func (s *EventStore) FindByReferenceAndType(ctx context.Context, q Querier, transactionID int, reference string, t models.EventType) (*models.TransactionEvent, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM transaction_events
		 WHERE transaction_id = $1 AND psp_reference = $2 AND type = $3
		 ORDER BY id LIMIT 1`,
		transactionID, reference, t)

	ev, err := scanEvent(row)
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// HasSuccessfulAuthorization reports whether a successful authorization
// exists under a reference other than the given one.
func (s *EventStore) HasSuccessfulAuthorization(ctx context.Context, q Querier, transactionID int, excludeReference string) (bool, error) {
	var exists bool
	err := q.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM transaction_events
			WHERE transaction_id = $1 AND type = $2 AND psp_reference <> $3
		)`, transactionID, models.AuthorizationSuccess, excludeReference).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check authorizations: %w", err)
	}
	return exists, nil
}

// LatestRefundGrant returns the granted-refund id carried by the
// transaction's most recent refund request, or nil when no pending grant
// link exists. Reported refund outcomes inherit this link.
func (s *EventStore) LatestRefundGrant(ctx context.Context, q Querier, transactionID int) (*int, error) {
	var grantID sql.NullInt64
	err := q.QueryRowContext(ctx, `
		SELECT granted_refund_id FROM transaction_events
		WHERE transaction_id = $1 AND type = $2 AND granted_refund_id IS NOT NULL
		ORDER BY created_at DESC, id DESC LIMIT 1`,
		transactionID, models.RefundRequest).Scan(&grantID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find refund grant: %w", err)
	}
	return fromNullInt(grantID), nil
}

func (s *EventStore) list(ctx context.Context, q Querier, query string, args ...any) ([]models.TransactionEvent, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []models.TransactionEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	return events, nil
}

func scanEvent(row rowScanner) (*models.TransactionEvent, error) {
	var ev models.TransactionEvent
	var grantID, appID, userID sql.NullInt64

	err := row.Scan(
		&ev.ID, &ev.TransactionID, &ev.Type, &ev.Amount, &ev.Currency, &ev.PSPReference,
		&ev.Message, &ev.ExternalURL, &ev.IncludeInCalculations,
		&grantID, &appID, &userID, &ev.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}
	ev.GrantedRefundID = fromNullInt(grantID)
	ev.AppID = fromNullInt(appID)
	ev.UserID = fromNullInt(userID)
	return &ev, nil
}
