package handlers

import (
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"ledger-svc/cache"
	"ledger-svc/ledger"
	"ledger-svc/middleware"
	"ledger-svc/models"
	"ledger-svc/store"
)

const snapshotTTL = 30 * time.Second

type TransactionHandler struct {
	db           *sql.DB
	guard        *ledger.Guard
	dispatcher   *ledger.Dispatcher
	transactions *store.TransactionStore
	events       *store.EventStore
	apps         *store.AppStore
	rdb          *redis.Client
	logger       *zap.Logger
}

func NewTransactionHandler(
	db *sql.DB,
	guard *ledger.Guard,
	dispatcher *ledger.Dispatcher,
	rdb *redis.Client,
	logger *zap.Logger,
) *TransactionHandler {
	return &TransactionHandler{
		db:           db,
		guard:        guard,
		dispatcher:   dispatcher,
		transactions: store.NewTransactionStore(),
		events:       store.NewEventStore(),
		apps:         store.NewAppStore(),
		rdb:          rdb,
		logger:       logger,
	}
}

func (h *TransactionHandler) CreateTransaction(c *gin.Context) {
	ctx, span := otel.Tracer("ledger-service").Start(c.Request.Context(), "CreateTransaction")
	defer span.End()

	var req models.CreateTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	item, err := h.transactions.Create(ctx, h.db, &req)
	if err != nil {
		h.renderError(c, span, err, "Failed to create transaction")
		return
	}

	span.SetAttributes(attribute.Int("transaction.id", item.ID))
	h.logger.Info("Transaction created",
		zap.Int("transaction_id", item.ID),
		zap.String("token", item.Token),
		zap.String("currency", item.Currency),
	)
	c.JSON(http.StatusCreated, item)
}

func (h *TransactionHandler) ReportEvent(c *gin.Context) {
	ctx, span := otel.Tracer("ledger-service").Start(c.Request.Context(), "ReportEventHTTP")
	defer span.End()

	var req models.ReportEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.RecordReport("rejected")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	input := &ledger.ReportInput{
		Identifier: c.Param("id"),
		Report:     &req,
	}
	appID, err := h.resolveActor(c)
	if err != nil {
		// The report is still valid without attribution, but a lookup
		// failure must not pass silently.
		h.logger.Warn("Failed to resolve acting app", zap.Error(err))
	}
	input.AppID = appID

	result, err := h.guard.ReportEvent(ctx, input)
	if err != nil {
		middleware.RecordReport("rejected")
		// The checkout-completion lock surfaces after the event was
		// durably recorded; the snapshot is stale either way.
		if result != nil {
			h.invalidate(c, result.Transaction)
		}
		h.renderError(c, span, err, "Failed to process report")
		return
	}

	if result.AlreadyProcessed {
		middleware.RecordReport("already_processed")
	} else {
		middleware.RecordReport("recorded")
		h.invalidate(c, result.Transaction)
	}

	c.JSON(http.StatusOK, models.ReportEventResponse{
		AlreadyProcessed: result.AlreadyProcessed,
		Transaction:      result.Transaction,
		Event:            result.Event,
	})
}

func (h *TransactionHandler) RequestAction(c *gin.Context) {
	ctx, span := otel.Tracer("ledger-service").Start(c.Request.Context(), "RequestActionHTTP")
	defer span.End()

	var req models.RequestActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	input := &ledger.ActionInput{
		Identifier: c.Param("id"),
		Request:    &req,
	}
	appID, err := h.resolveActor(c)
	if err != nil {
		h.logger.Warn("Failed to resolve acting app", zap.Error(err))
	}
	input.AppID = appID

	item, err := h.dispatcher.RequestAction(ctx, input)
	if err != nil {
		middleware.RecordActionRequest(string(req.ActionType), "failed")
		h.renderError(c, span, err, "Failed to request action")
		return
	}

	middleware.RecordActionRequest(string(req.ActionType), "dispatched")
	h.invalidate(c, item)
	c.JSON(http.StatusOK, item)
}

func (h *TransactionHandler) GetTransaction(c *gin.Context) {
	ctx, span := otel.Tracer("ledger-service").Start(c.Request.Context(), "GetTransaction")
	defer span.End()

	identifier := c.Param("id")

	if h.rdb != nil {
		if item, err := cache.GetTransaction(ctx, h.rdb, identifier); err == nil && item != nil {
			c.JSON(http.StatusOK, item)
			return
		}
	}

	item, err := h.transactions.GetByIdentifier(ctx, h.db, identifier)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Transaction not found"})
			return
		}
		h.renderError(c, span, err, "Failed to get transaction")
		return
	}

	if h.rdb != nil {
		if err := cache.SetTransaction(ctx, h.rdb, item, snapshotTTL); err != nil {
			h.logger.Warn("Failed to cache transaction snapshot", zap.Error(err))
		}
	}
	c.JSON(http.StatusOK, item)
}

func (h *TransactionHandler) ListEvents(c *gin.Context) {
	ctx, span := otel.Tracer("ledger-service").Start(c.Request.Context(), "ListEvents")
	defer span.End()

	item, err := h.transactions.GetByIdentifier(ctx, h.db, c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Transaction not found"})
			return
		}
		h.renderError(c, span, err, "Failed to get transaction")
		return
	}

	events, err := h.events.List(ctx, h.db, item.ID)
	if err != nil {
		h.renderError(c, span, err, "Failed to list events")
		return
	}
	if events == nil {
		events = []models.TransactionEvent{}
	}
	c.JSON(http.StatusOK, events)
}

// resolveActor maps the authenticated app identifier to its row id.
func (h *TransactionHandler) resolveActor(c *gin.Context) (*int, error) {
	identifier := middleware.AppIdentifier(c)
	if identifier == "" {
		return nil, nil
	}
	app, err := h.apps.GetByIdentifier(c.Request.Context(), h.db, identifier)
	if err != nil {
		return nil, err
	}
	return &app.ID, nil
}

func (h *TransactionHandler) invalidate(c *gin.Context, item *models.TransactionItem) {
	if h.rdb == nil || item == nil {
		return
	}
	if err := cache.InvalidateTransaction(c.Request.Context(), h.rdb, item); err != nil {
		h.logger.Warn("Failed to invalidate transaction snapshot", zap.Error(err))
	}
}

func (h *TransactionHandler) renderError(c *gin.Context, span trace.Span, err error, logMsg string) {
	var lerr *models.Error
	if errors.As(err, &lerr) {
		c.JSON(statusForCode(lerr.Code), models.ErrorResponse{Error: lerr})
		return
	}
	span.RecordError(err)
	traceID := middleware.GetTraceID(c.Request.Context())
	h.logger.Error(logMsg, zap.String("trace_id", traceID), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
}

func statusForCode(code models.ErrorCode) int {
	switch code {
	case models.CodeNotFound:
		return http.StatusNotFound
	case models.CodeAlreadyExists, models.CodeIncorrectDetails, models.CodeCheckoutCompletionLocked:
		return http.StatusConflict
	case models.CodeMissingActionWebhook, models.CodeMissingPaymentApp, models.CodeMissingPaymentAppRelation:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadRequest
	}
}
