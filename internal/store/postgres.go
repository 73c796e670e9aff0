package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"convsync/internal/chat"
)

type Database struct {
	Conn *sql.DB
}

func NewDatabase(ctx context.Context, dsn string) (*Database, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetMaxOpenConns(5)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)
	return &Database{Conn: conn}, nil
}

func (d *Database) AutoMigrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS cached_messages (
            viewer_id BIGINT NOT NULL,
            conversation_id BIGINT NOT NULL,
            position INT NOT NULL,
            id BIGINT NOT NULL DEFAULT 0,
            client_id TEXT NOT NULL DEFAULT '',
            sender_id BIGINT NOT NULL,
            content TEXT NOT NULL,
            type VARCHAR(10) NOT NULL,
            is_read BOOLEAN NOT NULL DEFAULT FALSE,
            status VARCHAR(10) NOT NULL,
            created_at TIMESTAMPTZ NOT NULL,
            PRIMARY KEY (viewer_id, conversation_id, position)
        )`,
	}

	for _, query := range queries {
		if _, err := d.Conn.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func (d *Database) Load(ctx context.Context, key chat.Key) ([]chat.Message, error) {
	query := `
		SELECT id, client_id, sender_id, content, type, is_read, status, created_at
		FROM cached_messages
		WHERE viewer_id = $1 AND conversation_id = $2
		ORDER BY position
	`
	rows, err := d.Conn.QueryContext(ctx, query, key.ViewerID, key.ConversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []chat.Message
	for rows.Next() {
		var (
			m      chat.Message
			status string
		)
		if err := rows.Scan(&m.ID, &m.ClientID, &m.SenderID, &m.Content, &m.Type, &m.IsRead, &status, &m.CreatedAt); err != nil {
			return nil, err
		}
		if err := m.Status.UnmarshalText([]byte(status)); err != nil {
			return nil, err
		}
		m.ConversationID = key.ConversationID
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// Save replaces the snapshot for key in one transaction.
func (d *Database) Save(ctx context.Context, key chat.Key, msgs []chat.Message) error {
	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM cached_messages WHERE viewer_id = $1 AND conversation_id = $2",
		key.ViewerID, key.ConversationID); err != nil {
		return err
	}

	insert := `
		INSERT INTO cached_messages
			(viewer_id, conversation_id, position, id, client_id, sender_id, content, type, is_read, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	for i, m := range msgs {
		if _, err := tx.ExecContext(ctx, insert,
			key.ViewerID, key.ConversationID, i, m.ID, m.ClientID, m.SenderID,
			m.Content, string(m.Type), m.IsRead, m.Status.String(), m.CreatedAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (d *Database) Close() error { return d.Conn.Close() }
