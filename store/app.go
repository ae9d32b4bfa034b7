package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"ledger-svc/models"
)

type AppStore struct{}

func NewAppStore() *AppStore {
	return &AppStore{}
}

func (s *AppStore) GetByID(ctx context.Context, q Querier, id int) (*models.PaymentApp, error) {
	return s.getBy(ctx, q, "id", id)
}

func (s *AppStore) GetByIdentifier(ctx context.Context, q Querier, identifier string) (*models.PaymentApp, error) {
	return s.getBy(ctx, q, "identifier", identifier)
}

func (s *AppStore) getBy(ctx context.Context, q Querier, column string, value any) (*models.PaymentApp, error) {
	var app models.PaymentApp
	err := q.QueryRowContext(ctx,
		`SELECT id, identifier, name, webhook_url, active, removed, created_at
		 FROM payment_apps WHERE `+column+` = $1`, value).
		Scan(&app.ID, &app.Identifier, &app.Name, &app.WebhookURL, &app.Active, &app.Removed, &app.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get payment app: %w", err)
	}
	return &app, nil
}
