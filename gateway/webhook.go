// Package gateway delivers action-request webhooks to payment apps.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"ledger-svc/models"
)

// WebhookClient POSTs action requests to the payment app's webhook URL,
// one circuit breaker per app.
type WebhookClient struct {
	client   *http.Client
	logger   *zap.Logger
	mu       sync.Mutex
	breakers map[int]*breaker
}

func NewWebhookClient(logger *zap.Logger) *WebhookClient {
	timeout := 5 * time.Second
	if v := getEnv("GATEWAY_TIMEOUT_SECONDS", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			timeout = time.Duration(n) * time.Second
		}
	}
	return &WebhookClient{
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
		breakers: map[int]*breaker{},
	}
}

// SendActionRequest delivers the payload to the app's webhook. A non-2xx
// response counts as a delivery failure.
func (c *WebhookClient) SendActionRequest(ctx context.Context, app *models.PaymentApp, payload models.ActionRequestPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal action request: %w", err)
	}

	return c.breakerFor(app.ID).execute(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, app.WebhookURL, bytes.NewBuffer(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "Ledger-Webhook/1.0")
		otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			c.logger.Info("Action request delivered",
				zap.String("app", app.Identifier),
				zap.String("action", string(payload.ActionType)),
				zap.Int("status", resp.StatusCode),
			)
			return nil
		}
		return fmt.Errorf("payment app returned status %d", resp.StatusCode)
	})
}

func (c *WebhookClient) breakerFor(appID int) *breaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.breakers[appID]
	if !ok {
		b = newBreaker(5, 30*time.Second)
		c.breakers[appID] = b
	}
	return b
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
