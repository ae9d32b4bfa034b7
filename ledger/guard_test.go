package ledger

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"ledger-svc/lease"
	"ledger-svc/models"
)

type fakeOwner struct {
	app           *models.PaymentApp
	appErr        error
	balancesErr   error
	balanceCalls  int
	metadataCalls int
}

func (f *fakeOwner) BalancesUpdated(ctx context.Context, item *models.TransactionItem) error {
	f.balanceCalls++
	return f.balancesErr
}

func (f *fakeOwner) MetadataUpdated(ctx context.Context, item *models.TransactionItem) error {
	f.metadataCalls++
	return nil
}

func (f *fakeOwner) AppFor(ctx context.Context, item *models.TransactionItem) (*models.PaymentApp, error) {
	if f.appErr != nil {
		return nil, f.appErr
	}
	return f.app, nil
}

var transactionCols = []string{
	"id", "token", "currency",
	"authorized_amount", "charged_amount", "refunded_amount", "canceled_amount",
	"authorize_pending_amount", "charge_pending_amount", "refund_pending_amount", "cancel_pending_amount",
	"psp_reference", "available_actions", "metadata",
	"payment_method_type", "payment_method_name",
	"order_id", "checkout_id", "app_id", "user_id",
	"created_at", "modified_at",
}

var eventCols = []string{
	"id", "transaction_id", "type", "amount", "currency", "psp_reference",
	"message", "external_url", "include_in_calculations", "granted_refund_id", "app_id", "user_id", "created_at",
}

func transactionRow(authorized, charged string) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows(transactionCols).AddRow(
		7, "tok-7", "USD",
		authorized, charged, "0", "0",
		"0", "0", "0", "0",
		"psp-1", "", []byte("{}"),
		"", "",
		1, nil, nil, nil,
		now, now,
	)
}

func eventRow(id int, t models.EventType, amount, reference string, include bool, at time.Time) *sqlmock.Rows {
	return sqlmock.NewRows(eventCols).AddRow(
		id, 7, string(t), amount, "USD", reference,
		"", "", include, nil, nil, nil, at,
	)
}

func setupGuard(t *testing.T, owner OwnerAdapter) (*Guard, sqlmock.Sqlmock, *sql.DB) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	logger := zaptest.NewLogger(t)
	return NewGuard(db, lease.NewRegistry(), owner, logger), mock, db
}

func decp(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func TestGuard_ReportEvent_RejectsUnknownType(t *testing.T) {
	guard, _, db := setupGuard(t, &fakeOwner{})
	defer db.Close()

	_, err := guard.ReportEvent(context.Background(), &ReportInput{
		Identifier: "tok-7",
		Report:     &models.ReportEventRequest{Type: "CHARGE_MAYBE", PSPReference: "psp-1"},
	})

	var lerr *models.Error
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, models.CodeInvalid, lerr.Code)
	assert.Equal(t, "type", lerr.Field)
}

func TestGuard_ReportEvent_RequiresReference(t *testing.T) {
	guard, _, db := setupGuard(t, &fakeOwner{})
	defer db.Close()

	_, err := guard.ReportEvent(context.Background(), &ReportInput{
		Identifier: "tok-7",
		Report:     &models.ReportEventRequest{Type: models.ChargeSuccess, Amount: decp("10")},
	})

	var lerr *models.Error
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, models.CodeRequired, lerr.Code)
	assert.Equal(t, "psp_reference", lerr.Field)
}

func TestGuard_ReportEvent_CurrencyMismatch(t *testing.T) {
	guard, mock, db := setupGuard(t, &fakeOwner{})
	defer db.Close()

	mock.ExpectQuery(`FROM transaction_items WHERE token = \$1`).
		WithArgs("tok-7").
		WillReturnRows(transactionRow("0", "0"))

	_, err := guard.ReportEvent(context.Background(), &ReportInput{
		Identifier: "tok-7",
		Report: &models.ReportEventRequest{
			Type: models.ChargeSuccess, PSPReference: "psp-1",
			Amount: decp("10"), Currency: "EUR",
		},
	})

	var lerr *models.Error
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, models.CodeInvalid, lerr.Code)
	assert.Equal(t, "currency", lerr.Field)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGuard_ReportEvent_RecordsChargeSuccess(t *testing.T) {
	owner := &fakeOwner{}
	guard, mock, db := setupGuard(t, owner)
	defer db.Close()

	now := time.Now().UTC()

	mock.ExpectQuery(`FROM transaction_items WHERE token = \$1`).
		WithArgs("tok-7").
		WillReturnRows(transactionRow("100", "0"))
	mock.ExpectBegin()
	mock.ExpectQuery(`FROM transaction_items WHERE id = \$1 FOR UPDATE`).
		WithArgs(7).
		WillReturnRows(transactionRow("100", "0"))
	mock.ExpectQuery(`AND type = \$3`).
		WithArgs(7, "psp-1", models.ChargeSuccess).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`INSERT INTO transaction_events`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))
	mock.ExpectQuery(`WHERE transaction_id = \$1 ORDER BY created_at, id`).
		WithArgs(7).
		WillReturnRows(eventRow(42, models.ChargeSuccess, "100", "psp-1", true, now))
	mock.ExpectExec(`UPDATE transaction_items SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := guard.ReportEvent(context.Background(), &ReportInput{
		Identifier: "tok-7",
		Report: &models.ReportEventRequest{
			Type:         models.ChargeSuccess,
			PSPReference: "psp-1",
			Amount:       decp("100"),
		},
	})

	require.NoError(t, err)
	assert.False(t, result.AlreadyProcessed)
	assert.Equal(t, 42, result.Event.ID)
	assert.True(t, result.Transaction.ChargedAmount.Equal(decimal.NewFromInt(100)))
	assert.True(t, result.Transaction.AuthorizedAmount.IsZero())
	assert.Equal(t, 1, owner.balanceCalls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGuard_ReportEvent_DuplicateCollapsed(t *testing.T) {
	owner := &fakeOwner{}
	guard, mock, db := setupGuard(t, owner)
	defer db.Close()

	now := time.Now().UTC()

	mock.ExpectQuery(`FROM transaction_items WHERE token = \$1`).
		WillReturnRows(transactionRow("0", "100"))
	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WillReturnRows(transactionRow("0", "100"))
	mock.ExpectQuery(`AND type = \$3`).
		WillReturnRows(eventRow(42, models.ChargeSuccess, "100", "psp-1", true, now))
	mock.ExpectCommit()

	result, err := guard.ReportEvent(context.Background(), &ReportInput{
		Identifier: "tok-7",
		Report: &models.ReportEventRequest{
			Type:         models.ChargeSuccess,
			PSPReference: "psp-1",
			Amount:       decp("100"),
		},
	})

	require.NoError(t, err)
	assert.True(t, result.AlreadyProcessed)
	assert.Equal(t, 42, result.Event.ID)
	// Nothing changed, so the owner hears nothing.
	assert.Equal(t, 0, owner.metadataCalls)
	assert.Equal(t, 0, owner.balanceCalls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGuard_ReportEvent_DuplicateMergesMetadata(t *testing.T) {
	owner := &fakeOwner{}
	guard, mock, db := setupGuard(t, owner)
	defer db.Close()

	now := time.Now().UTC()

	mock.ExpectQuery(`FROM transaction_items WHERE token = \$1`).
		WillReturnRows(transactionRow("0", "100"))
	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WillReturnRows(transactionRow("0", "100"))
	mock.ExpectQuery(`AND type = \$3`).
		WillReturnRows(eventRow(42, models.ChargeSuccess, "100", "psp-1", true, now))
	mock.ExpectExec(`UPDATE transaction_items SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := guard.ReportEvent(context.Background(), &ReportInput{
		Identifier: "tok-7",
		Report: &models.ReportEventRequest{
			Type:         models.ChargeSuccess,
			PSPReference: "psp-1",
			Amount:       decp("100"),
			Metadata:     map[string]string{"receipt": "r-9"},
		},
	})

	require.NoError(t, err)
	assert.True(t, result.AlreadyProcessed)
	assert.Equal(t, "r-9", result.Transaction.Metadata["receipt"])
	assert.Equal(t, 1, owner.metadataCalls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGuard_ReportEvent_AmountConflictRejected(t *testing.T) {
	guard, mock, db := setupGuard(t, &fakeOwner{})
	defer db.Close()

	now := time.Now().UTC()

	mock.ExpectQuery(`FROM transaction_items WHERE token = \$1`).
		WillReturnRows(transactionRow("100", "0"))
	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WillReturnRows(transactionRow("100", "0"))
	mock.ExpectQuery(`AND type = \$3`).
		WillReturnRows(eventRow(42, models.ChargeSuccess, "100", "psp-1", true, now))
	// The synthetic audit failure is still recorded and committed.
	mock.ExpectQuery(`INSERT INTO transaction_events`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(43))
	mock.ExpectCommit()

	result, err := guard.ReportEvent(context.Background(), &ReportInput{
		Identifier: "tok-7",
		Report: &models.ReportEventRequest{
			Type:         models.ChargeSuccess,
			PSPReference: "psp-1",
			Amount:       decp("55"),
		},
	})

	assert.Nil(t, result)
	var lerr *models.Error
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, models.CodeAlreadyExists, lerr.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGuard_ReportEvent_SecondAuthorizationRejected(t *testing.T) {
	guard, mock, db := setupGuard(t, &fakeOwner{})
	defer db.Close()

	mock.ExpectQuery(`FROM transaction_items WHERE token = \$1`).
		WillReturnRows(transactionRow("100", "0"))
	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WillReturnRows(transactionRow("100", "0"))
	mock.ExpectQuery(`AND type = \$3`).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs(7, models.AuthorizationSuccess, "psp-2").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	_, err := guard.ReportEvent(context.Background(), &ReportInput{
		Identifier: "tok-7",
		Report: &models.ReportEventRequest{
			Type:         models.AuthorizationSuccess,
			PSPReference: "psp-2",
			Amount:       decp("100"),
		},
	})

	var lerr *models.Error
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, models.CodeInvalid, lerr.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGuard_ReportEvent_InfersAmountFromRequest(t *testing.T) {
	guard, mock, db := setupGuard(t, &fakeOwner{})
	defer db.Close()

	now := time.Now().UTC()

	mock.ExpectQuery(`FROM transaction_items WHERE token = \$1`).
		WillReturnRows(transactionRow("100", "0"))
	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WillReturnRows(transactionRow("100", "0"))
	mock.ExpectQuery(`AND psp_reference = \$2 ORDER BY created_at, id`).
		WithArgs(7, "psp-1").
		WillReturnRows(eventRow(41, models.ChargeRequest, "70", "psp-1", true, now.Add(-time.Minute)))
	mock.ExpectQuery(`AND type = \$3`).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`INSERT INTO transaction_events`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(44))
	mock.ExpectQuery(`WHERE transaction_id = \$1 ORDER BY created_at, id`).
		WillReturnRows(
			eventRow(41, models.ChargeRequest, "70", "psp-1", true, now.Add(-time.Minute)).
				AddRow(44, 7, string(models.ChargeFailure), "70", "USD", "psp-1", "", "", true, nil, nil, nil, now),
		)
	mock.ExpectExec(`UPDATE transaction_items SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := guard.ReportEvent(context.Background(), &ReportInput{
		Identifier: "tok-7",
		Report: &models.ReportEventRequest{
			Type:         models.ChargeFailure,
			PSPReference: "psp-1",
		},
	})

	require.NoError(t, err)
	assert.True(t, result.Event.Amount.Equal(decimal.NewFromInt(70)))
	// The failure closed the request, so nothing stays pending.
	assert.True(t, result.Transaction.ChargePendingAmount.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGuard_ReportEvent_CheckoutLockSurfacesAfterCommit(t *testing.T) {
	lockErr := models.NewError("checkout_id", models.CodeCheckoutCompletionLocked,
		"checkout completion in progress")
	owner := &fakeOwner{balancesErr: lockErr}
	guard, mock, db := setupGuard(t, owner)
	defer db.Close()

	now := time.Now().UTC()

	mock.ExpectQuery(`FROM transaction_items WHERE token = \$1`).
		WillReturnRows(transactionRow("100", "0"))
	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WillReturnRows(transactionRow("100", "0"))
	mock.ExpectQuery(`AND type = \$3`).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`INSERT INTO transaction_events`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))
	mock.ExpectQuery(`WHERE transaction_id = \$1 ORDER BY created_at, id`).
		WillReturnRows(eventRow(42, models.ChargeSuccess, "100", "psp-1", true, now))
	mock.ExpectExec(`UPDATE transaction_items SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := guard.ReportEvent(context.Background(), &ReportInput{
		Identifier: "tok-7",
		Report: &models.ReportEventRequest{
			Type:         models.ChargeSuccess,
			PSPReference: "psp-1",
			Amount:       decp("100"),
		},
	})

	// The write is durable; only the owner refresh is reported as locked.
	require.NotNil(t, result)
	assert.Equal(t, 42, result.Event.ID)
	var lerr *models.Error
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, models.CodeCheckoutCompletionLocked, lerr.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGuard_ReportEvent_NotFound(t *testing.T) {
	guard, mock, db := setupGuard(t, &fakeOwner{})
	defer db.Close()

	mock.ExpectQuery(`FROM transaction_items WHERE token = \$1`).
		WillReturnError(sql.ErrNoRows)

	_, err := guard.ReportEvent(context.Background(), &ReportInput{
		Identifier: "tok-missing",
		Report: &models.ReportEventRequest{
			Type: models.ChargeSuccess, PSPReference: "psp-1", Amount: decp("10"),
		},
	})

	var lerr *models.Error
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, models.CodeNotFound, lerr.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGuard_ReportEvent_AmountRequiredWithoutPrior(t *testing.T) {
	guard, mock, db := setupGuard(t, &fakeOwner{})
	defer db.Close()

	mock.ExpectQuery(`FROM transaction_items WHERE token = \$1`).
		WillReturnRows(transactionRow("100", "0"))
	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WillReturnRows(transactionRow("100", "0"))
	mock.ExpectRollback()

	_, err := guard.ReportEvent(context.Background(), &ReportInput{
		Identifier: "tok-7",
		Report: &models.ReportEventRequest{
			Type:         models.ChargeSuccess,
			PSPReference: "psp-1",
		},
	})

	var lerr *models.Error
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, models.CodeRequired, lerr.Code)
	assert.Equal(t, "amount", lerr.Field)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTruncateKeepsRuneBoundary(t *testing.T) {
	// A multibyte rune straddling the byte cap must be dropped whole, not
	// cut into an orphaned lead byte.
	msg := strings.Repeat("a", 511) + "é"
	got := truncate(msg, 512)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("a", 511), got)

	assert.Equal(t, "héllo", truncate("héllo", 512))
	assert.Equal(t, "aa", truncate("aaaa", 2))
	assert.Equal(t, "", truncate("é", 1))
}

func TestGuard_ReportEvent_SerializesPerTransaction(t *testing.T) {
	guard, _, db := setupGuard(t, &fakeOwner{})
	defer db.Close()

	// A held lease must block a report for the same transaction until
	// released. The report fails on the expired context, never reaching
	// the database.
	release, err := guard.leases.Acquire(context.Background(), 7)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		rel, err := guard.leases.Acquire(ctx, 7)
		if err == nil {
			rel()
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
	case <-time.After(time.Second):
		t.Fatal("lease acquisition did not observe context deadline")
	}
}
