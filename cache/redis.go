package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"ledger-svc/models"
)

func InitRedis(logger *zap.Logger) (*redis.Client, error) {
	host := getEnv("REDIS_HOST", "localhost")
	port := getEnv("REDIS_PORT", "6379")
	password := getEnv("REDIS_PASSWORD", "")

	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", host, port),
		Password: password,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Redis connection established")
	return rdb, nil
}

// GetTransaction returns the cached snapshot for the identifier, or nil
// on a miss.
func GetTransaction(ctx context.Context, rdb *redis.Client, identifier string) (*models.TransactionItem, error) {
	data, err := rdb.Get(ctx, key(identifier)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	var item models.TransactionItem
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

func SetTransaction(ctx context.Context, rdb *redis.Client, item *models.TransactionItem, ttl time.Duration) error {
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}
	// Snapshots are addressable by both id and token.
	pipe := rdb.Pipeline()
	pipe.Set(ctx, key(fmt.Sprintf("%d", item.ID)), data, ttl)
	pipe.Set(ctx, key(item.Token), data, ttl)
	_, err = pipe.Exec(ctx)
	return err
}

// InvalidateTransaction drops the snapshot after a reconciliation.
func InvalidateTransaction(ctx context.Context, rdb *redis.Client, item *models.TransactionItem) error {
	return rdb.Del(ctx, key(fmt.Sprintf("%d", item.ID)), key(item.Token)).Err()
}

func key(identifier string) string {
	return fmt.Sprintf("transaction:%s", identifier)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
