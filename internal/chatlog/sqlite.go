package chatlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/eldtechnologies/dmsync/internal/models"
)

// SQLiteStore persists logs and cursors in a local SQLite file so a restarted
// client resumes from its last cursor instead of cold-starting.
type SQLiteStore struct {
	db *sqlx.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS messages (
	conversation_id TEXT NOT NULL,
	id              TEXT NOT NULL,
	from_addr       TEXT NOT NULL,
	to_addr         TEXT NOT NULL,
	ts              INTEGER NOT NULL,
	payload         TEXT NOT NULL DEFAULT '',
	client_id       TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (conversation_id, id)
);

CREATE INDEX IF NOT EXISTS idx_messages_position ON messages(conversation_id, ts, id);

CREATE TABLE IF NOT EXISTS cursors (
	conversation_id TEXT PRIMARY KEY,
	position        INTEGER NOT NULL,
	updated_at      DATETIME DEFAULT CURRENT_TIMESTAMP
);
`

// NewSQLiteStore opens (or creates) the cache database at dbPath.
// If dbPath is empty, defaults to "./data/dmsync.db"
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/dmsync.db"
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, err
	}

	db, err := sqlx.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Log returns the log handle for a conversation.
func (s *SQLiteStore) Log(conversationID string) Log {
	return &sqliteLog{db: s.db, conversationID: conversationID}
}

// Cursor returns the cursor handle for a conversation.
func (s *SQLiteStore) Cursor(conversationID string) Cursor {
	return &sqliteCursor{db: s.db, conversationID: conversationID}
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type messageRow struct {
	ID        string `db:"id"`
	From      string `db:"from_addr"`
	To        string `db:"to_addr"`
	Timestamp int64  `db:"ts"`
	Payload   string `db:"payload"`
	ClientID  string `db:"client_id"`
}

func (r messageRow) message() models.Message {
	return models.Message{
		ID:        r.ID,
		From:      r.From,
		To:        r.To,
		Timestamp: r.Timestamp,
		Payload:   r.Payload,
		ClientID:  r.ClientID,
	}
}

type sqliteLog struct {
	db             *sqlx.DB
	conversationID string
}

func (l *sqliteLog) Merge(ctx context.Context, batch []models.Message) ([]models.Message, error) {
	if len(batch) == 0 {
		return nil, nil
	}

	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var added []models.Message
	for _, msg := range batch {
		if msg.ID == "" {
			continue
		}
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO messages (conversation_id, id, from_addr, to_addr, ts, payload, client_id)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, l.conversationID, msg.ID, msg.From, msg.To, msg.Timestamp, msg.Payload, msg.ClientID)
		if err != nil {
			return nil, fmt.Errorf("insert message %s: %w", msg.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			added = append(added, msg)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	models.SortMessages(added)
	return added, nil
}

func (l *sqliteLog) Snapshot(ctx context.Context) ([]models.Message, error) {
	var rows []messageRow
	err := l.db.SelectContext(ctx, &rows, `
		SELECT id, from_addr, to_addr, ts, payload, client_id
		FROM messages WHERE conversation_id = ?
		ORDER BY ts, id
	`, l.conversationID)
	if err != nil {
		return nil, err
	}

	msgs := make([]models.Message, len(rows))
	for i, r := range rows {
		msgs[i] = r.message()
	}
	return msgs, nil
}

func (l *sqliteLog) Latest(ctx context.Context) (*models.Message, error) {
	var row messageRow
	err := l.db.GetContext(ctx, &row, `
		SELECT id, from_addr, to_addr, ts, payload, client_id
		FROM messages WHERE conversation_id = ?
		ORDER BY ts DESC, id DESC
		LIMIT 1
	`, l.conversationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	msg := row.message()
	return &msg, nil
}

func (l *sqliteLog) HasFromSince(ctx context.Context, from string, since int64) (bool, error) {
	var found bool
	err := l.db.GetContext(ctx, &found, `
		SELECT EXISTS(
			SELECT 1 FROM messages
			WHERE conversation_id = ? AND from_addr = ? AND ts >= ?
		)
	`, l.conversationID, from, since)
	return found, err
}

func (l *sqliteLog) Len(ctx context.Context) (int, error) {
	var n int
	err := l.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, l.conversationID)
	return n, err
}

type sqliteCursor struct {
	db             *sqlx.DB
	conversationID string
}

func (c *sqliteCursor) Get(ctx context.Context) (int64, bool, error) {
	var pos int64
	err := c.db.GetContext(ctx, &pos, `SELECT position FROM cursors WHERE conversation_id = ?`, c.conversationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return pos, true, nil
}

func (c *sqliteCursor) Advance(ctx context.Context, pos int64) (int64, error) {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO cursors (conversation_id, position) VALUES (?, ?)
		ON CONFLICT(conversation_id) DO UPDATE SET
			position = MAX(position, excluded.position),
			updated_at = CURRENT_TIMESTAMP
	`, c.conversationID, pos)
	if err != nil {
		return 0, fmt.Errorf("advance cursor: %w", err)
	}

	cur, _, err := c.Get(ctx)
	return cur, err
}
