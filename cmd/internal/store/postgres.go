package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"supporthub/cmd/internal/ids"
	feedv1 "supporthub/shared/contracts/changefeed/v1"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultNotifyChannel is the LISTEN/NOTIFY channel message inserts are announced on.
const DefaultNotifyChannel = "supporthub_changes"

// DefaultSchema is the schema PostgresStore uses unless WithSchema overrides it.
const DefaultSchema = "supporthub"

// PostgresStore is a MessageStore backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
// - Appends take a per-conversation transactional advisory lock so the
//   duplicate check and the insert are atomic with respect to each other.
type PostgresStore struct {
	pool          *pgxpool.Pool
	schema        string
	notifyChannel string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "supporthub").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("store: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("store: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// WithNotifyChannel sets the NOTIFY channel for inserts. Empty disables notifications.
func WithNotifyChannel(channel string) PostgresOption {
	return func(s *PostgresStore) error {
		channel = strings.TrimSpace(channel)
		if channel != "" && !isValidPGIdent(channel) {
			return errors.New("store: invalid notify channel identifier")
		}
		s.notifyChannel = channel
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed MessageStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:          pool,
		schema:        DefaultSchema,
		notifyChannel: DefaultNotifyChannel,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("store: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// Schema returns the schema this store reads and writes.
func (s *PostgresStore) Schema() string { return s.schema }

// Migrate creates the tables and indexes the store needs if they are missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	inboxes := pgIdent(s.schema, "inboxes")
	conversations := pgIdent(s.schema, "conversations")
	messages := pgIdent(s.schema, "messages")

	ddl := fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  id         TEXT PRIMARY KEY,
  email      TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS %s (
  id             TEXT PRIMARY KEY,
  inbox_id       TEXT NOT NULL DEFAULT '',
  customer_email TEXT NOT NULL DEFAULT '',
  customer_name  TEXT NOT NULL DEFAULT '',
  created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS %s (
  id                TEXT PRIMARY KEY,
  conversation_id   TEXT NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
  content           TEXT NOT NULL DEFAULT '',
  content_type      TEXT NOT NULL DEFAULT 'text/plain',
  sender_type       TEXT NOT NULL CHECK (sender_type IN ('customer', 'agent')),
  sender_id         TEXT NOT NULL DEFAULT '',
  is_internal       BOOLEAN NOT NULL DEFAULT false,
  attachments       JSONB NOT NULL DEFAULT '[]'::jsonb,
  created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
  email_subject     TEXT NOT NULL DEFAULT '',
  email_headers     JSONB,
  external_id       TEXT NOT NULL DEFAULT '',
  email_message_id  TEXT NOT NULL DEFAULT '',
  email_message_key TEXT NOT NULL DEFAULT ''
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_messages_conversation_external
  ON %s (conversation_id, external_id) WHERE external_id <> '';

CREATE UNIQUE INDEX IF NOT EXISTS uq_messages_conversation_message_key
  ON %s (conversation_id, email_message_key) WHERE email_message_key <> '';

CREATE INDEX IF NOT EXISTS idx_messages_conversation_created_desc
  ON %s (conversation_id, created_at DESC, id DESC);
`, pgx.Identifier{s.schema}.Sanitize(), inboxes, conversations, messages, conversations, messages, messages, messages)

	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// PutInbox upserts the address an inbox receives mail on.
func (s *PostgresStore) PutInbox(ctx context.Context, inboxID, email string) error {
	if strings.TrimSpace(inboxID) == "" || strings.TrimSpace(email) == "" {
		return fmt.Errorf("%w: missing inbox id or email", ErrInvalidInput)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+pgIdent(s.schema, "inboxes")+` (id, email) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET email = excluded.email`,
		inboxID, strings.TrimSpace(email),
	)
	return err
}

// InboxEmail returns the address registered for inboxID.
func (s *PostgresStore) InboxEmail(ctx context.Context, inboxID string) (string, error) {
	var email string
	err := s.pool.QueryRow(ctx,
		`SELECT email FROM `+pgIdent(s.schema, "inboxes")+` WHERE id = $1`,
		inboxID,
	).Scan(&email)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	return email, err
}

// AppendMessage appends a message idempotently and announces it on the notify channel.
func (s *PostgresStore) AppendMessage(ctx context.Context, in AppendMessageInput) (AppendMessageResult, error) {
	if s == nil || s.pool == nil {
		return AppendMessageResult{}, errors.New("store: nil store")
	}
	if err := validateAppend(in); err != nil {
		return AppendMessageResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return AppendMessageResult{}, err
	}
	in = prepareAppend(in)

	headers, err := json.Marshal(in.Headers)
	if err != nil {
		return AppendMessageResult{}, fmt.Errorf("encode headers: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return AppendMessageResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	conversations := pgIdent(s.schema, "conversations")
	messages := pgIdent(s.schema, "messages")

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, in.ConversationID); err != nil {
		return AppendMessageResult{}, fmt.Errorf("advisory lock: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+conversations+` (id, inbox_id, customer_email, customer_name) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO NOTHING`,
		in.ConversationID, in.Conversation.InboxID, in.Conversation.CustomerEmail, in.Conversation.CustomerName,
	); err != nil {
		return AppendMessageResult{}, err
	}

	midKey := CanonicalMessageID(in.EmailMessageID)
	existing, err := readExisting(ctx, tx, s.schema, in.ConversationID, in.ExternalID, midKey)
	if err == nil {
		if err := tx.Commit(ctx); err != nil {
			return AppendMessageResult{}, err
		}
		return AppendMessageResult{Stored: existing, Duplicated: true}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return AppendMessageResult{}, err
	}

	id, err := ids.NewULID(in.CreatedAt)
	if err != nil {
		return AppendMessageResult{}, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+messages+` (
		     id, conversation_id, content, content_type, sender_type, sender_id, is_internal,
		     attachments, created_at, email_subject, email_headers, external_id, email_message_id, email_message_key
		   ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		id, in.ConversationID, in.Content, in.ContentType, in.SenderType, in.SenderID, in.IsInternal,
		[]byte(in.Attachments), in.CreatedAt, in.EmailSubject, headers, in.ExternalID, in.EmailMessageID, midKey,
	); err != nil {
		return AppendMessageResult{}, fmt.Errorf("insert message: %w", err)
	}

	if s.notifyChannel != "" {
		payload, _ := json.Marshal(feedv1.Event{
			Table:          feedv1.TableMessages,
			Op:             feedv1.OpInsert,
			ConversationID: in.ConversationID,
			RecordID:       id,
			TS:             in.CreatedAt,
		})
		// NOTIFY is delivered on commit, so listeners never observe an aborted insert.
		if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, s.notifyChannel, string(payload)); err != nil {
			return AppendMessageResult{}, fmt.Errorf("notify: %w", err)
		}
	}

	stored, err := readMessageByID(ctx, tx, s.schema, id)
	if err != nil {
		return AppendMessageResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return AppendMessageResult{}, err
	}
	return AppendMessageResult{Stored: stored, Duplicated: false}, nil
}

// FetchMessagesPage returns up to q.Limit rows ordered by created_at DESC, id DESC.
func (s *PostgresStore) FetchMessagesPage(ctx context.Context, q PageQuery) ([]RawMessage, error) {
	if s == nil || s.pool == nil {
		return nil, errors.New("store: nil store")
	}
	if err := validatePageQuery(q); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit := clampPageLimit(q.Limit)

	var (
		rows pgx.Rows
		err  error
	)

	base := selectMessagesSQL(s.schema)
	if q.Before == nil {
		rows, err = s.pool.Query(ctx,
			base+` WHERE m.conversation_id = $1
			  ORDER BY m.created_at DESC, m.id DESC
			  LIMIT $2`,
			q.ConversationID, limit,
		)
	} else {
		rows, err = s.pool.Query(ctx,
			base+` WHERE m.conversation_id = $1 AND m.created_at < $2
			  ORDER BY m.created_at DESC, m.id DESC
			  LIMIT $3`,
			q.ConversationID, q.Before.UTC(), limit,
		)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]RawMessage, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// CountMessages returns the number of rows in a conversation.
func (s *PostgresStore) CountMessages(ctx context.Context, conversationID string) (int, error) {
	if strings.TrimSpace(conversationID) == "" {
		return 0, fmt.Errorf("%w: missing conversation_id", ErrInvalidInput)
	}
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM `+pgIdent(s.schema, "messages")+` WHERE conversation_id = $1`,
		conversationID,
	).Scan(&n)
	return n, err
}

func selectMessagesSQL(schema string) string {
	return `SELECT m.id, m.conversation_id, m.content, m.content_type, m.sender_type, m.sender_id,
	               m.is_internal, m.attachments, m.created_at, m.email_subject, m.email_headers,
	               m.external_id, m.email_message_id,
	               c.customer_email, c.customer_name, c.inbox_id
	          FROM ` + pgIdent(schema, "messages") + ` m
	          JOIN ` + pgIdent(schema, "conversations") + ` c ON c.id = m.conversation_id`
}

func scanMessage(row pgx.Row) (RawMessage, error) {
	var (
		m           RawMessage
		attachments []byte
		headers     []byte
		createdAt   time.Time
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
		&createdAt,
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
	m.CreatedAt = FormatTimestamp(createdAt)

	h, err := DecodeHeaders(headers)
	if err != nil {
		m.HeadersInvalid = true
	}
	m.Headers = h
	return m, nil
}

func readExisting(ctx context.Context, tx pgx.Tx, schema, conversationID, externalID, midKey string) (RawMessage, error) {
	if externalID == "" && midKey == "" {
		return RawMessage{}, pgx.ErrNoRows
	}
	return scanMessage(tx.QueryRow(ctx,
		selectMessagesSQL(schema)+`
		 WHERE m.conversation_id = $1
		   AND ((m.external_id <> '' AND m.external_id = $2)
		     OR (m.email_message_key <> '' AND m.email_message_key = $3))
		 ORDER BY m.created_at ASC
		 LIMIT 1`,
		conversationID, externalID, midKey,
	))
}

func readMessageByID(ctx context.Context, tx pgx.Tx, schema, id string) (RawMessage, error) {
	return scanMessage(tx.QueryRow(ctx, selectMessagesSQL(schema)+` WHERE m.id = $1`, id))
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
