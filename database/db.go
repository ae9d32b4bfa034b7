package database

import (
	"database/sql"
	"fmt"
	"os"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

func InitDB(logger *zap.Logger) (*sql.DB, error) {
	host := getEnv("DB_HOST", "localhost")
	port := getEnv("DB_PORT", "5432")
	user := getEnv("DB_USER", "postgres")
	password := getEnv("DB_PASSWORD", "postgres")
	dbname := getEnv("DB_NAME", "ledgerdb")

	psqlInfo := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		host, port, user, password, dbname)

	db, err := sql.Open("postgres", psqlInfo)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Create ledger tables if they don't exist
	createTableQuery := `
	CREATE TABLE IF NOT EXISTS payment_apps (
		id SERIAL PRIMARY KEY,
		identifier VARCHAR(255) UNIQUE NOT NULL,
		name VARCHAR(255) NOT NULL,
		webhook_url VARCHAR(1024) NOT NULL DEFAULT '',
		active BOOLEAN NOT NULL DEFAULT TRUE,
		removed BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS orders (
		id SERIAL PRIMARY KEY,
		charge_status VARCHAR(50) NOT NULL DEFAULT 'none',
		authorize_status VARCHAR(50) NOT NULL DEFAULT 'none',
		total DECIMAL(12, 3) NOT NULL DEFAULT 0,
		currency CHAR(3) NOT NULL DEFAULT 'USD',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS checkouts (
		id SERIAL PRIMARY KEY,
		charge_status VARCHAR(50) NOT NULL DEFAULT 'none',
		authorize_status VARCHAR(50) NOT NULL DEFAULT 'none',
		total DECIMAL(12, 3) NOT NULL DEFAULT 0,
		currency CHAR(3) NOT NULL DEFAULT 'USD',
		completing_at TIMESTAMP,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS transaction_items (
		id SERIAL PRIMARY KEY,
		token UUID UNIQUE NOT NULL,
		currency CHAR(3) NOT NULL,
		authorized_amount DECIMAL(12, 3) NOT NULL DEFAULT 0,
		charged_amount DECIMAL(12, 3) NOT NULL DEFAULT 0,
		refunded_amount DECIMAL(12, 3) NOT NULL DEFAULT 0,
		canceled_amount DECIMAL(12, 3) NOT NULL DEFAULT 0,
		authorize_pending_amount DECIMAL(12, 3) NOT NULL DEFAULT 0,
		charge_pending_amount DECIMAL(12, 3) NOT NULL DEFAULT 0,
		refund_pending_amount DECIMAL(12, 3) NOT NULL DEFAULT 0,
		cancel_pending_amount DECIMAL(12, 3) NOT NULL DEFAULT 0,
		psp_reference VARCHAR(512) NOT NULL DEFAULT '',
		available_actions TEXT NOT NULL DEFAULT '',
		metadata JSONB NOT NULL DEFAULT '{}',
		payment_method_type VARCHAR(256) NOT NULL DEFAULT '',
		payment_method_name VARCHAR(256) NOT NULL DEFAULT '',
		order_id INTEGER REFERENCES orders(id) ON DELETE CASCADE,
		checkout_id INTEGER REFERENCES checkouts(id) ON DELETE CASCADE,
		app_id INTEGER REFERENCES payment_apps(id),
		user_id INTEGER,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		modified_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		CHECK (order_id IS NULL OR checkout_id IS NULL)
	);

	CREATE TABLE IF NOT EXISTS granted_refunds (
		id SERIAL PRIMARY KEY,
		order_id INTEGER NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
		amount DECIMAL(12, 3) NOT NULL,
		currency CHAR(3) NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		status VARCHAR(50) NOT NULL DEFAULT 'none',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS transaction_events (
		id SERIAL PRIMARY KEY,
		transaction_id INTEGER NOT NULL REFERENCES transaction_items(id) ON DELETE CASCADE,
		type VARCHAR(64) NOT NULL,
		amount DECIMAL(12, 3) NOT NULL DEFAULT 0,
		currency CHAR(3) NOT NULL,
		psp_reference VARCHAR(512) NOT NULL DEFAULT '',
		message VARCHAR(512) NOT NULL DEFAULT '',
		external_url VARCHAR(1024) NOT NULL DEFAULT '',
		include_in_calculations BOOLEAN NOT NULL DEFAULT TRUE,
		granted_refund_id INTEGER REFERENCES granted_refunds(id) ON DELETE SET NULL,
		app_id INTEGER REFERENCES payment_apps(id),
		user_id INTEGER,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		inserted_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_transaction_events_txn
		ON transaction_events (transaction_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_transaction_events_ref_type
		ON transaction_events (transaction_id, psp_reference, type);
	`

	if _, err := db.Exec(createTableQuery); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Info("Database connection established")
	return db, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
