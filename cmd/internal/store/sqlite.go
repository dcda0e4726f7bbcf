package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"supporthub/cmd/internal/ids"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a file-backed MessageStore for single-node deployments and local development.
// created_at is stored as TimestampLayout text so ORDER BY and the Before bound
// compare lexicographically in time order.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; SQLite serializes writes anyway and this avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if err := migrateSQLite(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db}, nil
}

func migrateSQLite(db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS inboxes (
	id    TEXT PRIMARY KEY,
	email TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS conversations (
	id             TEXT PRIMARY KEY,
	inbox_id       TEXT NOT NULL DEFAULT '',
	customer_email TEXT NOT NULL DEFAULT '',
	customer_name  TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS messages (
	id                TEXT PRIMARY KEY,
	conversation_id   TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	content           TEXT NOT NULL DEFAULT '',
	content_type      TEXT NOT NULL DEFAULT 'text/plain',
	sender_type       TEXT NOT NULL CHECK (sender_type IN ('customer', 'agent')),
	sender_id         TEXT NOT NULL DEFAULT '',
	is_internal       INTEGER NOT NULL DEFAULT 0,
	attachments       TEXT NOT NULL DEFAULT '[]',
	created_at        TEXT NOT NULL,
	email_subject     TEXT NOT NULL DEFAULT '',
	email_headers     TEXT,
	external_id       TEXT NOT NULL DEFAULT '',
	email_message_id  TEXT NOT NULL DEFAULT '',
	email_message_key TEXT NOT NULL DEFAULT ''
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_messages_conversation_external
	ON messages (conversation_id, external_id) WHERE external_id <> '';

CREATE UNIQUE INDEX IF NOT EXISTS uq_messages_conversation_message_key
	ON messages (conversation_id, email_message_key) WHERE email_message_key <> '';

CREATE INDEX IF NOT EXISTS idx_messages_conversation_created_desc
	ON messages (conversation_id, created_at DESC, id DESC);
`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// PutInbox upserts the address an inbox receives mail on.
func (s *SQLiteStore) PutInbox(ctx context.Context, inboxID, email string) error {
	if strings.TrimSpace(inboxID) == "" || strings.TrimSpace(email) == "" {
		return fmt.Errorf("%w: missing inbox id or email", ErrInvalidInput)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO inboxes (id, email) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET email = excluded.email`,
		inboxID, strings.TrimSpace(email),
	)
	return err
}

// InboxEmail returns the address registered for inboxID.
func (s *SQLiteStore) InboxEmail(ctx context.Context, inboxID string) (string, error) {
	var email string
	err := s.db.QueryRowContext(ctx, `SELECT email FROM inboxes WHERE id = ?`, inboxID).Scan(&email)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return email, err
}

// AppendMessage persists a message idempotently.
func (s *SQLiteStore) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	if err := validateAppend(in); err != nil {
		return AppendMessageResult{}, err
	}
	in = prepareAppend(in)

	headers, err := json.Marshal(in.Headers)
	if err != nil {
		return AppendMessageResult{}, fmt.Errorf("encode headers: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AppendMessageResult{}, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversations (id, inbox_id, customer_email, customer_name) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		in.ConversationID, in.Conversation.InboxID, in.Conversation.CustomerEmail, in.Conversation.CustomerName,
	); err != nil {
		return AppendMessageResult{}, err
	}

	midKey := CanonicalMessageID(in.EmailMessageID)
	if in.ExternalID != "" || midKey != "" {
		existing, err := scanSQLiteMessage(tx.QueryRowContext(ctx,
			sqliteSelectSQL+`
			 WHERE m.conversation_id = ?
			   AND ((m.external_id <> '' AND m.external_id = ?)
			     OR (m.email_message_key <> '' AND m.email_message_key = ?))
			 ORDER BY m.created_at ASC
			 LIMIT 1`,
			in.ConversationID, in.ExternalID, midKey,
		))
		if err == nil {
			if err := tx.Commit(); err != nil {
				return AppendMessageResult{}, err
			}
			return AppendMessageResult{Stored: existing, Duplicated: true}, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return AppendMessageResult{}, err
		}
	}

	id, err := ids.NewULID(in.CreatedAt)
	if err != nil {
		return AppendMessageResult{}, err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (
			id, conversation_id, content, content_type, sender_type, sender_id, is_internal,
			attachments, created_at, email_subject, email_headers, external_id, email_message_id, email_message_key
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, in.ConversationID, in.Content, in.ContentType, in.SenderType, in.SenderID, in.IsInternal,
		string(in.Attachments), FormatTimestamp(in.CreatedAt), in.EmailSubject, string(headers),
		in.ExternalID, in.EmailMessageID, midKey,
	); err != nil {
		return AppendMessageResult{}, fmt.Errorf("insert message: %w", err)
	}

	stored, err := scanSQLiteMessage(tx.QueryRowContext(ctx, sqliteSelectSQL+` WHERE m.id = ?`, id))
	if err != nil {
		return AppendMessageResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return AppendMessageResult{}, err
	}
	return AppendMessageResult{Stored: stored, Duplicated: false}, nil
}

// sqliteValidTimestamp matches created_at values in TimestampLayout. Anything
// else is a legacy value that ParseTimestamp rejects.
const sqliteValidTimestamp = `m.created_at GLOB '[0-9][0-9][0-9][0-9]-[0-9][0-9]-[0-9][0-9]T[0-9][0-9]:[0-9][0-9]:[0-9][0-9].[0-9][0-9][0-9][0-9][0-9][0-9][0-9][0-9][0-9]Z'`

// FetchMessagesPage returns up to q.Limit rows ordered by created_at DESC, id DESC.
// Rows with an unparseable created_at sort after every valid row and never
// satisfy a Before bound.
func (s *SQLiteStore) FetchMessagesPage(ctx context.Context, q PageQuery) ([]RawMessage, error) {
	if err := validatePageQuery(q); err != nil {
		return nil, err
	}
	limit := clampPageLimit(q.Limit)

	var (
		rows *sql.Rows
		err  error
	)
	if q.Before == nil {
		rows, err = s.db.QueryContext(ctx,
			sqliteSelectSQL+` WHERE m.conversation_id = ?
			 ORDER BY (`+sqliteValidTimestamp+`) DESC, m.created_at DESC, m.id DESC
			 LIMIT ?`,
			q.ConversationID, limit,
		)
	} else {
		rows, err = s.db.QueryContext(ctx,
			sqliteSelectSQL+` WHERE m.conversation_id = ? AND `+sqliteValidTimestamp+` AND m.created_at < ?
			 ORDER BY m.created_at DESC, m.id DESC
			 LIMIT ?`,
			q.ConversationID, FormatTimestamp(*q.Before), limit,
		)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]RawMessage, 0, limit)
	for rows.Next() {
		m, err := scanSQLiteMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CountMessages returns the number of rows in a conversation.
func (s *SQLiteStore) CountMessages(ctx context.Context, conversationID string) (int, error) {
	if strings.TrimSpace(conversationID) == "" {
		return 0, fmt.Errorf("%w: missing conversation_id", ErrInvalidInput)
	}
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&n)
	return n, err
}

// InsertRaw writes a row without validation. A parseable created_at is
// rewritten in TimestampLayout; anything else is stored verbatim, which is how
// legacy imports end up with unparseable timestamps.
func (s *SQLiteStore) InsertRaw(ctx context.Context, m RawMessage) error {
	if t, ok := ParseTimestamp(m.CreatedAt); ok {
		m.CreatedAt = FormatTimestamp(t)
	}
	headers, err := json.Marshal(m.Headers)
	if err != nil {
		return err
	}
	if len(m.Attachments) == 0 {
		m.Attachments = json.RawMessage("[]")
	}
	if m.SenderType == "" {
		m.SenderType = SenderCustomer
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO conversations (id, inbox_id, customer_email, customer_name) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		m.ConversationID, m.Conversation.InboxID, m.Conversation.CustomerEmail, m.Conversation.CustomerName,
	); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (
			id, conversation_id, content, content_type, sender_type, sender_id, is_internal,
			attachments, created_at, email_subject, email_headers, external_id, email_message_id, email_message_key
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.Content, m.ContentType, m.SenderType, m.SenderID, m.IsInternal,
		string(m.Attachments), m.CreatedAt, m.EmailSubject, string(headers),
		m.ExternalID, m.EmailMessageID, CanonicalMessageID(m.EmailMessageID),
	); err != nil {
		return err
	}
	return tx.Commit()
}

const sqliteSelectSQL = `SELECT m.id, m.conversation_id, m.content, m.content_type, m.sender_type, m.sender_id,
	       m.is_internal, m.attachments, m.created_at, m.email_subject, m.email_headers,
	       m.external_id, m.email_message_id,
	       c.customer_email, c.customer_name, c.inbox_id
	  FROM messages m
	  JOIN conversations c ON c.id = m.conversation_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteMessage(row rowScanner) (RawMessage, error) {
	var (
		m           RawMessage
		attachments string
		headers     sql.NullString
	)
	if err := row.Scan(
		&m.ID,
		&m.ConversationID,
		&m.Content,
		&m.ContentType,
		&m.SenderType,
		&m.SenderID,
		&m.IsInternal,
		&attachments,
		&m.CreatedAt,
		&m.EmailSubject,
		&headers,
		&m.ExternalID,
		&m.EmailMessageID,
		&m.Conversation.CustomerEmail,
		&m.Conversation.CustomerName,
		&m.Conversation.InboxID,
	); err != nil {
		return RawMessage{}, err
	}
	m.Attachments = json.RawMessage(attachments)

	h, err := DecodeHeaders([]byte(headers.String))
	if err != nil {
		m.HeadersInvalid = true
	}
	m.Headers = h
	return m, nil
}
