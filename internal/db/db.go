package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type Database struct {
	Conn *sql.DB
}

func NewDatabase(ctx context.Context, dsn string) (*Database, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(25)
	conn.SetConnMaxLifetime(5 * time.Minute)
	return &Database{Conn: conn}, nil
}

// Ping reports whether the database answers within ctx.
func (d *Database) Ping(ctx context.Context) error {
	return d.Conn.PingContext(ctx)
}

func (d *Database) Close() error {
	return d.Conn.Close()
}

// AutoMigrate creates the schema when it is missing. Statements are
// idempotent so every process may run it at start-up.
func (d *Database) AutoMigrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
            id UUID PRIMARY KEY,
            username VARCHAR(50) UNIQUE NOT NULL,
            password VARCHAR(255) NOT NULL,
            last_seen_at TIMESTAMPTZ,
            created_at TIMESTAMPTZ NOT NULL DEFAULT now()
        )`,

		`CREATE TABLE IF NOT EXISTS conversations (
            id UUID PRIMARY KEY,
            kind VARCHAR(10) NOT NULL CHECK (kind IN ('direct', 'group')),
            title VARCHAR(200),
            creator_id UUID NOT NULL REFERENCES users(id),
            last_activity_at TIMESTAMPTZ NOT NULL DEFAULT now(),
            created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
            deleted_at TIMESTAMPTZ,
            direct_key TEXT,
            CHECK (kind = 'direct' OR (title IS NOT NULL AND length(btrim(title)) > 0))
        )`,

		`ALTER TABLE conversations ADD COLUMN IF NOT EXISTS direct_key TEXT`,
		`CREATE UNIQUE INDEX IF NOT EXISTS conversations_direct_key_idx ON conversations (direct_key) WHERE deleted_at IS NULL`,

		`CREATE TABLE IF NOT EXISTS participants (
            conversation_id UUID REFERENCES conversations(id) ON DELETE CASCADE,
            user_id UUID REFERENCES users(id) ON DELETE CASCADE,
            role VARCHAR(10) NOT NULL DEFAULT 'member' CHECK (role IN ('owner', 'admin', 'member')),
            active BOOLEAN NOT NULL DEFAULT TRUE,
            last_read_message_id UUID,
            last_read_at TIMESTAMPTZ,
            joined_at TIMESTAMPTZ NOT NULL DEFAULT now(),
            PRIMARY KEY (conversation_id, user_id)
        )`,

		`CREATE INDEX IF NOT EXISTS participants_user_idx ON participants (user_id) WHERE active`,

		// clock_timestamp() rather than now(): rows written in one
		// transaction still get distinct, increasing creation times.
		`CREATE TABLE IF NOT EXISTS messages (
            id UUID PRIMARY KEY,
            conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
            sender_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
            content TEXT NOT NULL CHECK (char_length(content) BETWEEN 1 AND 4000),
            content_type VARCHAR(20) NOT NULL DEFAULT 'text',
            reply_to_id UUID REFERENCES messages(id),
            status VARCHAR(10) NOT NULL DEFAULT 'delivered' CHECK (status IN ('sending', 'delivered', 'read', 'error')),
            client_message_id VARCHAR(128),
            created_at TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp(),
            updated_at TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp(),
            deleted_at TIMESTAMPTZ,
            UNIQUE (conversation_id, client_message_id)
        )`,

		`CREATE INDEX IF NOT EXISTS messages_page_idx ON messages (conversation_id, created_at DESC, id DESC)`,

		`CREATE TABLE IF NOT EXISTS read_receipts (
            message_id UUID REFERENCES messages(id) ON DELETE CASCADE,
            user_id UUID REFERENCES users(id) ON DELETE CASCADE,
            read_at TIMESTAMPTZ NOT NULL DEFAULT now(),
            PRIMARY KEY (message_id, user_id)
        )`,
	}

	for _, query := range queries {
		_, err := d.Conn.ExecContext(ctx, query)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}
