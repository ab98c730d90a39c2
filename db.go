package main

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// OpenDB connects to the configured database and applies the schema.
// Supported drivers: postgres (lib/pq) and sqlite (modernc).
func OpenDB(driver, dsn string) (*sqlx.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("DATABASE_DSN is not set")
	}
	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", driver, err)
	}
	if err := migrate(db, driver); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Info().Str("driver", driver).Msg("Database ready")
	return db, nil
}

func migrate(db *sqlx.DB, driver string) error {
	serial := "BIGSERIAL PRIMARY KEY"
	if driver == "sqlite" {
		serial = "INTEGER PRIMARY KEY AUTOINCREMENT"
	}

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS tenants (
			id %s,
			name TEXT NOT NULL,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			welcome_message TEXT NOT NULL DEFAULT '',
			closed_message TEXT NOT NULL DEFAULT '',
			rating_message TEXT NOT NULL DEFAULT '',
			welcome_media_path TEXT,
			welcome_media_kind TEXT,
			ai_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			ai_key TEXT NOT NULL DEFAULT '',
			ai_prompt TEXT NOT NULL DEFAULT '',
			wa_status TEXT NOT NULL DEFAULT 'DISCONNECTED',
			wa_number TEXT,
			wa_device_jid TEXT,
			wa_updated_at TIMESTAMP
		)`, serial),
		`CREATE TABLE IF NOT EXISTS business_hours (
			tenant_id BIGINT NOT NULL,
			weekday INTEGER NOT NULL,
			opens_at TEXT NOT NULL DEFAULT '08:00',
			closes_at TEXT NOT NULL DEFAULT '18:00',
			lunch_start TEXT,
			lunch_end TEXT,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			PRIMARY KEY (tenant_id, weekday)
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS departments (
			id %s,
			tenant_id BIGINT NOT NULL,
			name TEXT NOT NULL,
			greeting TEXT NOT NULL DEFAULT '',
			media_path TEXT,
			media_kind TEXT,
			ordering INTEGER NOT NULL DEFAULT 0
		)`, serial),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS contacts (
			id %s,
			tenant_id BIGINT NOT NULL,
			address TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			picture_url TEXT,
			status TEXT NOT NULL DEFAULT 'OPEN',
			department_id BIGINT,
			operator_id BIGINT,
			last_welcome_at TIMESTAMP,
			last_activity_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (tenant_id, address)
		)`, serial),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS messages (
			id %s,
			tenant_id BIGINT NOT NULL,
			address TEXT NOT NULL,
			from_me BOOLEAN NOT NULL DEFAULT FALSE,
			kind TEXT NOT NULL DEFAULT 'text',
			body TEXT NOT NULL DEFAULT '',
			media_path TEXT,
			protocol_id TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`, serial),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS ratings (
			id %s,
			tenant_id BIGINT NOT NULL,
			address TEXT NOT NULL,
			operator_id BIGINT,
			score INTEGER NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`, serial),
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_messages_protocol
			ON messages (tenant_id, protocol_id) WHERE protocol_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS ix_messages_conversation
			ON messages (tenant_id, address, id)`,
		`CREATE INDEX IF NOT EXISTS ix_contacts_status
			ON contacts (status, last_activity_at)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %.40q: %w", stmt, err)
		}
	}
	return nil
}
