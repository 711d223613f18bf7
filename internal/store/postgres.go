package store

import (
	"context"
	_ "embed"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eldtechnologies/dmsync/internal/models"
)

//go:embed schema.sql
var schema string

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool    *pgxpool.Pool
	stamper *stamper
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool, stamper: newStamper()}, nil
}

// RunMigrations creates the mailbox schema if it does not exist.
func (s *PostgresStore) RunMigrations(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const messageColumns = `id, from_addr, to_addr, ts, payload, COALESCE(client_id, '')`

func scanMessage(row pgx.Row) (*models.Message, error) {
	msg := &models.Message{}
	err := row.Scan(
		&msg.ID,
		&msg.From,
		&msg.To,
		&msg.Timestamp,
		&msg.Payload,
		&msg.ClientID,
	)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// Put stores a message. A repeated client id returns the first stored message.
func (s *PostgresStore) Put(ctx context.Context, msg models.Message) (*models.Message, bool, error) {
	s.stamper.stamp(&msg)
	conv := models.ConversationKey(msg.From, msg.To)

	var clientID *string
	if msg.ClientID != "" {
		clientID = &msg.ClientID
	}

	stored, err := scanMessage(s.pool.QueryRow(ctx, `
		INSERT INTO dm_messages (id, conversation, from_addr, to_addr, ts, payload, client_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (conversation, client_id) DO NOTHING
		RETURNING `+messageColumns,
		msg.ID, conv, msg.From, msg.To, msg.Timestamp, msg.Payload, clientID,
	))
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, err
	}

	existing, err := scanMessage(s.pool.QueryRow(ctx, `
		SELECT `+messageColumns+`
		FROM dm_messages WHERE conversation = $1 AND client_id = $2
	`, conv, msg.ClientID))
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// Since retrieves messages at or after a timestamp, skipping offset of them.
func (s *PostgresStore) Since(ctx context.Context, a, b string, since int64, offset, limit int) ([]models.Message, bool, error) {
	msgs, err := s.query(ctx, `
		SELECT `+messageColumns+`
		FROM dm_messages
		WHERE conversation = $1 AND ts >= $2
		ORDER BY ts, id
		LIMIT $3 OFFSET $4
	`, models.ConversationKey(a, b), since, limit+1, offset)
	if err != nil {
		return nil, false, err
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	return msgs, hasMore, nil
}

// Recent retrieves the newest messages of a conversation, ascending.
func (s *PostgresStore) Recent(ctx context.Context, a, b string, limit int) ([]models.Message, error) {
	return s.query(ctx, `
		SELECT * FROM (
			SELECT `+messageColumns+`
			FROM dm_messages
			WHERE conversation = $1
			ORDER BY ts DESC, id DESC
			LIMIT $2
		) recent
		ORDER BY 4, 1
	`, models.ConversationKey(a, b), limit)
}

// LatestFrom returns the newest ts sent by from to to, or 0.
func (s *PostgresStore) LatestFrom(ctx context.Context, from, to string) (int64, error) {
	var ts int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(ts), 0)
		FROM dm_messages
		WHERE conversation = $1 AND from_addr = $2
	`, models.ConversationKey(from, to), from).Scan(&ts)
	return ts, err
}

func (s *PostgresStore) query(ctx context.Context, sql string, args ...any) ([]models.Message, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *msg)
	}
	return msgs, rows.Err()
}
