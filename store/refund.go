package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ledger-svc/models"
)

type GrantedRefundStore struct{}

func NewGrantedRefundStore() *GrantedRefundStore {
	return &GrantedRefundStore{}
}

func (s *GrantedRefundStore) Get(ctx context.Context, q Querier, id int) (*models.GrantedRefund, error) {
	var g models.GrantedRefund
	err := q.QueryRowContext(ctx, `
		SELECT id, order_id, amount, currency, reason, status, created_at, updated_at
		FROM granted_refunds WHERE id = $1`, id).
		Scan(&g.ID, &g.OrderID, &g.Amount, &g.Currency, &g.Reason, &g.Status, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get granted refund %d: %w", id, err)
	}
	return &g, nil
}

// RecomputeStatus derives the grant's status from its linked refund
// events and writes it only when it changed. A linked success wins over a
// linked failure; a bare request leaves the grant pending.
func (s *GrantedRefundStore) RecomputeStatus(ctx context.Context, q Querier, grantID int) (models.GrantedRefundStatus, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT DISTINCT type FROM transaction_events WHERE granted_refund_id = $1`, grantID)
	if err != nil {
		return "", fmt.Errorf("failed to load linked events: %w", err)
	}
	defer rows.Close()

	seen := map[models.EventType]bool{}
	for rows.Next() {
		var t models.EventType
		if err := rows.Scan(&t); err != nil {
			return "", fmt.Errorf("failed to scan linked event type: %w", err)
		}
		seen[t] = true
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("failed to read linked events: %w", err)
	}

	status := models.GrantedRefundNone
	switch {
	case seen[models.RefundSuccess]:
		status = models.GrantedRefundSuccess
	case seen[models.RefundFailure]:
		status = models.GrantedRefundFailure
	case seen[models.RefundRequest]:
		status = models.GrantedRefundPending
	}

	// Skip the write when nothing changed.
	res, err := q.ExecContext(ctx, `
		UPDATE granted_refunds SET status = $1, updated_at = $2
		WHERE id = $3 AND status <> $1`,
		status, time.Now().UTC(), grantID)
	if err != nil {
		return "", fmt.Errorf("failed to update granted refund %d: %w", grantID, err)
	}
	_, _ = res.RowsAffected()
	return status, nil
}
