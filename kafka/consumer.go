package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"ledger-svc/ledger"
	"ledger-svc/models"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

func InitConsumer(logger *zap.Logger) (sarama.Consumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Return.Errors = true

	brokers := []string{getEnv("KAFKA_BROKER", "localhost:9092")}

	consumer, err := sarama.NewConsumer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka consumer: %w", err)
	}

	logger.Info("Kafka consumer initialized")
	return consumer, nil
}

// ReportMessage is a gateway report delivered over Kafka instead of the
// HTTP endpoint. Both paths run through the same idempotency guard, so
// redelivered messages collapse to already_processed.
type ReportMessage struct {
	Transaction string                    `json:"transaction"`
	AppID       *int                      `json:"app_id"`
	Report      models.ReportEventRequest `json:"report"`
}

// StartConsumer ingests gateway reports from the reports topic and feeds
// them through the guard.
func StartConsumer(consumer sarama.Consumer, guard *ledger.Guard, logger *zap.Logger) error {
	topic := getEnv("KAFKA_REPORTS_TOPIC", "transaction_reports")
	partitionConsumer, err := consumer.ConsumePartition(topic, 0, sarama.OffsetNewest)
	if err != nil {
		return fmt.Errorf("failed to consume partition: %w", err)
	}
	defer partitionConsumer.Close()

	logger.Info("Kafka consumer started", zap.String("topic", topic))

	for {
		select {
		case message := <-partitionConsumer.Messages():
			if err := handleReport(message, guard, logger); err != nil {
				logger.Error("Failed to handle report message", zap.Error(err))
			}
		case err := <-partitionConsumer.Errors():
			logger.Error("Kafka consumer error", zap.Error(err))
		}
	}
}

func handleReport(message *sarama.ConsumerMessage, guard *ledger.Guard, logger *zap.Logger) error {
	// Extract trace context from Kafka message headers
	var propagator propagation.TextMapPropagator = otel.GetTextMapPropagator()
	carrier := saramaHeaderCarrierConsumer(message.Headers)
	ctx := propagator.Extract(context.Background(), carrier)

	var tracer trace.Tracer = otel.Tracer("ledger-service")
	ctx, span := tracer.Start(ctx, "IngestReport")
	defer span.End()

	traceID := ""
	if span.SpanContext().IsValid() {
		traceID = span.SpanContext().TraceID().String()
	}

	var msg ReportMessage
	if err := json.Unmarshal(message.Value, &msg); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to unmarshal report: %w", err)
	}

	span.SetAttributes(
		attribute.String("transaction.identifier", msg.Transaction),
		attribute.String("event.type", string(msg.Report.Type)),
		attribute.String("event.psp_reference", msg.Report.PSPReference),
	)

	result, err := guard.ReportEvent(ctx, &ledger.ReportInput{
		Identifier: msg.Transaction,
		Report:     &msg.Report,
		AppID:      msg.AppID,
	})
	if err != nil {
		// Business rejections are terminal; redelivery cannot fix them,
		// so they are logged and acknowledged rather than retried.
		var lerr *models.Error
		if errors.As(err, &lerr) {
			logger.Warn("Report rejected",
				zap.String("trace_id", traceID),
				zap.String("transaction", msg.Transaction),
				zap.String("code", string(lerr.Code)),
				zap.String("message", lerr.Message),
			)
			return nil
		}
		span.RecordError(err)
		return err
	}

	logger.Info("Report ingested",
		zap.String("trace_id", traceID),
		zap.Int("transaction_id", result.Transaction.ID),
		zap.String("type", string(result.Event.Type)),
		zap.Bool("already_processed", result.AlreadyProcessed),
	)
	return nil
}

// saramaHeaderCarrierConsumer implements the TextMapCarrier interface for Kafka headers (for consumer)
type saramaHeaderCarrierConsumer []*sarama.RecordHeader

func (c saramaHeaderCarrierConsumer) Get(key string) string {
	for _, h := range c {
		if string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c saramaHeaderCarrierConsumer) Set(key, value string) {
	// Not needed for extraction
}

func (c saramaHeaderCarrierConsumer) Keys() []string {
	keys := make([]string, len(c))
	for i, h := range c {
		keys[i] = string(h.Key)
	}
	return keys
}
