package ledger

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"ledger-svc/lease"
	"ledger-svc/models"
)

type fakeGateway struct {
	err      error
	payloads []models.ActionRequestPayload
}

func (f *fakeGateway) SendActionRequest(ctx context.Context, app *models.PaymentApp, payload models.ActionRequestPayload) error {
	f.payloads = append(f.payloads, payload)
	return f.err
}

func setupDispatcher(t *testing.T, owner OwnerAdapter, gw GatewayCaller) (*Dispatcher, sqlmock.Sqlmock, *sql.DB) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	logger := zaptest.NewLogger(t)
	return NewDispatcher(db, lease.NewRegistry(), owner, gw, logger), mock, db
}

func activeApp() *models.PaymentApp {
	return &models.PaymentApp{
		ID: 3, Identifier: "app.stripe", Name: "Stripe",
		WebhookURL: "https://gateway.example/webhooks", Active: true,
	}
}

func expectRecordedRequest(mock sqlmock.Sqlmock, authorized, charged string) {
	mock.ExpectQuery(`FROM transaction_items WHERE token = \$1`).
		WillReturnRows(transactionRow(authorized, charged))
	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WillReturnRows(transactionRow(authorized, charged))
	mock.ExpectQuery(`INSERT INTO transaction_events`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(50))
	mock.ExpectCommit()
}

func TestDispatcher_RequestAction_DefaultsToFullBalance(t *testing.T) {
	gw := &fakeGateway{}
	dispatcher, mock, db := setupDispatcher(t, &fakeOwner{app: activeApp()}, gw)
	defer db.Close()

	expectRecordedRequest(mock, "100", "0")

	item, err := dispatcher.RequestAction(context.Background(), &ActionInput{
		Identifier: "tok-7",
		Request:    &models.RequestActionRequest{ActionType: models.ActionTypeCharge},
	})

	require.NoError(t, err)
	assert.Equal(t, 7, item.ID)
	require.Len(t, gw.payloads, 1)
	assert.Equal(t, models.ActionTypeCharge, gw.payloads[0].ActionType)
	assert.True(t, gw.payloads[0].Amount.Equal(decimal.NewFromInt(100)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatcher_RequestAction_ClampsToBalance(t *testing.T) {
	gw := &fakeGateway{}
	dispatcher, mock, db := setupDispatcher(t, &fakeOwner{app: activeApp()}, gw)
	defer db.Close()

	expectRecordedRequest(mock, "0", "100")

	amount := decimal.NewFromInt(150)
	_, err := dispatcher.RequestAction(context.Background(), &ActionInput{
		Identifier: "tok-7",
		Request: &models.RequestActionRequest{
			ActionType: models.ActionTypeRefund,
			Amount:     &amount,
		},
	})

	require.NoError(t, err)
	require.Len(t, gw.payloads, 1)
	assert.True(t, gw.payloads[0].Amount.Equal(decimal.NewFromInt(100)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatcher_RequestAction_NoBalance(t *testing.T) {
	gw := &fakeGateway{}
	dispatcher, mock, db := setupDispatcher(t, &fakeOwner{app: activeApp()}, gw)
	defer db.Close()

	mock.ExpectQuery(`FROM transaction_items WHERE token = \$1`).
		WillReturnRows(transactionRow("0", "0"))
	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WillReturnRows(transactionRow("0", "0"))
	mock.ExpectRollback()

	_, err := dispatcher.RequestAction(context.Background(), &ActionInput{
		Identifier: "tok-7",
		Request:    &models.RequestActionRequest{ActionType: models.ActionTypeCharge},
	})

	var lerr *models.Error
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, models.CodeAmountGreaterThanAvailable, lerr.Code)
	assert.Empty(t, gw.payloads)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatcher_RequestAction_NonPositiveAmount(t *testing.T) {
	gw := &fakeGateway{}
	dispatcher, mock, db := setupDispatcher(t, &fakeOwner{app: activeApp()}, gw)
	defer db.Close()

	mock.ExpectQuery(`FROM transaction_items WHERE token = \$1`).
		WillReturnRows(transactionRow("100", "0"))
	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WillReturnRows(transactionRow("100", "0"))
	mock.ExpectRollback()

	amount := decimal.Zero
	_, err := dispatcher.RequestAction(context.Background(), &ActionInput{
		Identifier: "tok-7",
		Request: &models.RequestActionRequest{
			ActionType: models.ActionTypeCharge,
			Amount:     &amount,
		},
	})

	var lerr *models.Error
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, models.CodeInvalid, lerr.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatcher_RequestAction_GrantExceedsCharged(t *testing.T) {
	gw := &fakeGateway{}
	dispatcher, mock, db := setupDispatcher(t, &fakeOwner{app: activeApp()}, gw)
	defer db.Close()

	now := time.Now().UTC()
	grantID := 12

	mock.ExpectQuery(`FROM transaction_items WHERE token = \$1`).
		WillReturnRows(transactionRow("0", "100"))
	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WillReturnRows(transactionRow("0", "100"))
	mock.ExpectQuery(`FROM granted_refunds WHERE id = \$1`).
		WithArgs(grantID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "order_id", "amount", "currency", "reason", "status", "created_at", "updated_at"}).
			AddRow(grantID, 1, "250", "USD", "damaged goods", "none", now, now))
	mock.ExpectRollback()

	_, err := dispatcher.RequestAction(context.Background(), &ActionInput{
		Identifier: "tok-7",
		Request: &models.RequestActionRequest{
			ActionType:      models.ActionTypeRefund,
			GrantedRefundID: &grantID,
		},
	})

	var lerr *models.Error
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, models.CodeAmountGreaterThanAvailable, lerr.Code)
	assert.Equal(t, "granted_refund_id", lerr.Field)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatcher_RequestAction_GrantOnlyForRefund(t *testing.T) {
	gw := &fakeGateway{}
	dispatcher, _, db := setupDispatcher(t, &fakeOwner{app: activeApp()}, gw)
	defer db.Close()

	grantID := 12
	_, err := dispatcher.RequestAction(context.Background(), &ActionInput{
		Identifier: "tok-7",
		Request: &models.RequestActionRequest{
			ActionType:      models.ActionTypeCharge,
			GrantedRefundID: &grantID,
		},
	})

	var lerr *models.Error
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, models.CodeInvalid, lerr.Code)
	assert.Equal(t, "granted_refund_id", lerr.Field)
}

func TestDispatcher_RequestAction_MissingWebhook(t *testing.T) {
	app := activeApp()
	app.WebhookURL = ""
	gw := &fakeGateway{}
	dispatcher, mock, db := setupDispatcher(t, &fakeOwner{app: app}, gw)
	defer db.Close()

	// The request event commits before the webhook lookup fails.
	expectRecordedRequest(mock, "100", "0")

	_, err := dispatcher.RequestAction(context.Background(), &ActionInput{
		Identifier: "tok-7",
		Request:    &models.RequestActionRequest{ActionType: models.ActionTypeCharge},
	})

	var lerr *models.Error
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, models.CodeMissingActionWebhook, lerr.Code)
	assert.Empty(t, gw.payloads)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatcher_RequestAction_MissingAppRelation(t *testing.T) {
	appErr := models.NewError("app_id", models.CodeMissingPaymentAppRelation,
		"transaction has no payment app relation")
	gw := &fakeGateway{}
	dispatcher, mock, db := setupDispatcher(t, &fakeOwner{appErr: appErr}, gw)
	defer db.Close()

	expectRecordedRequest(mock, "100", "0")

	_, err := dispatcher.RequestAction(context.Background(), &ActionInput{
		Identifier: "tok-7",
		Request:    &models.RequestActionRequest{ActionType: models.ActionTypeCharge},
	})

	var lerr *models.Error
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, models.CodeMissingPaymentAppRelation, lerr.Code)
	assert.Empty(t, gw.payloads)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatcher_RequestAction_GatewayFailure(t *testing.T) {
	gw := &fakeGateway{err: errors.New("connection refused")}
	dispatcher, mock, db := setupDispatcher(t, &fakeOwner{app: activeApp()}, gw)
	defer db.Close()

	expectRecordedRequest(mock, "100", "0")

	_, err := dispatcher.RequestAction(context.Background(), &ActionInput{
		Identifier: "tok-7",
		Request:    &models.RequestActionRequest{ActionType: models.ActionTypeCharge},
	})

	var lerr *models.Error
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, models.CodeMissingActionWebhook, lerr.Code)
	require.Len(t, gw.payloads, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDispatcher_RequestAction_UnknownAction(t *testing.T) {
	gw := &fakeGateway{}
	dispatcher, _, db := setupDispatcher(t, &fakeOwner{app: activeApp()}, gw)
	defer db.Close()

	_, err := dispatcher.RequestAction(context.Background(), &ActionInput{
		Identifier: "tok-7",
		Request:    &models.RequestActionRequest{ActionType: "VOID"},
	})

	var lerr *models.Error
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, models.CodeInvalid, lerr.Code)
	assert.Equal(t, "action_type", lerr.Field)
}
