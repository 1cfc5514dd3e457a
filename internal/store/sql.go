package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"           // Postgres driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// SQLStore persists conversations, messages, tools and the staged file
// ledger in SQLite or Postgres. It is safe for concurrent use.
type SQLStore struct {
	db     *sql.DB
	driver string
}

func Open(driver, dataSourceName string) (*SQLStore, error) {
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	db, err := sql.Open(driver, dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == DriverSQLite {
		// One writer at a time keeps SQLite from returning SQLITE_BUSY under concurrent sessions.
		db.SetMaxOpenConns(1)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLStore{db: db, driver: driver}
	if err = store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) initSchema() error {
	ts := "DATETIME"
	if s.driver == DriverPostgres {
		ts = "TIMESTAMPTZ"
	}
	schema := strings.ReplaceAll(`
    CREATE TABLE IF NOT EXISTS conversations (
        id TEXT PRIMARY KEY, -- UUID
        user_id TEXT NOT NULL,
        tool_id TEXT NOT NULL,
        title TEXT NOT NULL DEFAULT '',
        created_at {ts} NOT NULL,
        updated_at {ts} NOT NULL
    );

    CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations (user_id, updated_at);

    CREATE TABLE IF NOT EXISTS messages (
        id TEXT PRIMARY KEY, -- UUID
        conversation_id TEXT NOT NULL REFERENCES conversations (id),
        direction TEXT NOT NULL CHECK (direction IN ('user', 'assistant')),
        content TEXT NOT NULL,
        kind TEXT NOT NULL DEFAULT 'text',
        media_kind TEXT,
        media_uri TEXT,
        media_mime TEXT,
        media_size BIGINT,
        timestamp {ts} NOT NULL
    );

    CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages (conversation_id, timestamp);

    CREATE TABLE IF NOT EXISTS tools (
        id TEXT PRIMARY KEY,
        name TEXT NOT NULL DEFAULT '',
        api_type TEXT NOT NULL DEFAULT 'NONE',
        model_name TEXT NOT NULL DEFAULT '',
        credential_ref TEXT NOT NULL DEFAULT '',
        capabilities TEXT NOT NULL DEFAULT '', -- comma separated
        category TEXT NOT NULL DEFAULT '',
        updated_at {ts} NOT NULL
    );

    CREATE TABLE IF NOT EXISTS staged_files (
        handle_id TEXT PRIMARY KEY,
        uri TEXT NOT NULL,
        mime_type TEXT NOT NULL,
        provider TEXT NOT NULL,
        size_bytes BIGINT NOT NULL,
        created_at {ts} NOT NULL,
        expires_at {ts} NOT NULL,
        released_at {ts}
    );
    `, "{ts}", ts)
	_, err := s.db.Exec(schema)
	return err
}

// rebind rewrites ? placeholders into $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Conversation methods
func (s *SQLStore) CreateConversation(ctx context.Context, userID, toolID, title string) (*Conversation, error) {
	stmt, err := s.db.PrepareContext(ctx, s.rebind("INSERT INTO conversations (id, user_id, tool_id, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)"))
	if err != nil {
		return nil, fmt.Errorf("failed to prepare conversation insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	conv := &Conversation{ID: uuid.NewString(), UserID: userID, ToolID: toolID, Title: title, CreatedAt: now, UpdatedAt: now}
	if _, err = stmt.ExecContext(ctx, conv.ID, conv.UserID, conv.ToolID, conv.Title, conv.CreatedAt, conv.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to execute conversation insert: %w", err)
	}
	return conv, nil
}

func (s *SQLStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var c Conversation
	err := s.db.QueryRowContext(ctx, s.rebind("SELECT id, user_id, tool_id, title, created_at, updated_at FROM conversations WHERE id = ?"), id).
		Scan(&c.ID, &c.UserID, &c.ToolID, &c.Title, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	return &c, nil
}

func (s *SQLStore) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind("SELECT id, user_id, tool_id, title, created_at, updated_at FROM conversations WHERE user_id = ? ORDER BY updated_at DESC"), userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.UserID, &c.ToolID, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation row: %w", err)
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// TouchConversation bumps updated_at. A non-empty title is applied only while
// the conversation has none.
func (s *SQLStore) TouchConversation(ctx context.Context, id, title string) error {
	res, err := s.db.ExecContext(ctx, s.rebind("UPDATE conversations SET updated_at = ?, title = CASE WHEN title = '' THEN ? ELSE title END WHERE id = ?"),
		time.Now().UTC(), title, id)
	if err != nil {
		return fmt.Errorf("failed to touch conversation: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("conversation %s not found", id)
	}
	return nil
}

// Message methods
func (s *SQLStore) CreateMessage(ctx context.Context, msg *Message) error {
	msg.ID = uuid.NewString()
	msg.Timestamp = time.Now().UTC()
	if msg.Kind == "" {
		msg.Kind = KindText
	}

	var mediaKind, mediaURI, mediaMIME sql.NullString
	var mediaSize sql.NullInt64
	if m := msg.Media; m != nil {
		mediaKind = sql.NullString{String: m.Kind, Valid: true}
		mediaURI = sql.NullString{String: m.URI, Valid: m.URI != ""}
		mediaMIME = sql.NullString{String: m.MIMEType, Valid: m.MIMEType != ""}
		mediaSize = sql.NullInt64{Int64: m.SizeBytes, Valid: true}
	}

	stmt, err := s.db.PrepareContext(ctx, s.rebind("INSERT INTO messages (id, conversation_id, direction, content, kind, media_kind, media_uri, media_mime, media_size, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"))
	if err != nil {
		return fmt.Errorf("failed to prepare message insert: %w", err)
	}
	defer stmt.Close()

	_, err = stmt.ExecContext(ctx, msg.ID, msg.ConversationID, msg.Direction, msg.Content, msg.Kind, mediaKind, mediaURI, mediaMIME, mediaSize, msg.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to execute message insert: %w", err)
	}
	return nil
}

const messageColumns = "id, conversation_id, direction, content, kind, media_kind, media_uri, media_mime, media_size, timestamp"

func scanMessages(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()
	var messages []Message
	for rows.Next() {
		var msg Message
		var mediaKind, mediaURI, mediaMIME sql.NullString
		var mediaSize sql.NullInt64
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Direction, &msg.Content, &msg.Kind, &mediaKind, &mediaURI, &mediaMIME, &mediaSize, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		if mediaKind.Valid {
			msg.Media = &MediaRef{Kind: mediaKind.String, URI: mediaURI.String, MIMEType: mediaMIME.String, SizeBytes: mediaSize.Int64}
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// ListMessages returns a page of a conversation in replay order.
func (s *SQLStore) ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind("SELECT "+messageColumns+" FROM messages WHERE conversation_id = ? ORDER BY timestamp ASC LIMIT ? OFFSET ?"), conversationID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	return scanMessages(rows)
}

// ListRecentMessages returns the last n messages of a conversation in replay order.
func (s *SQLStore) ListRecentMessages(ctx context.Context, conversationID string, n int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind("SELECT "+messageColumns+" FROM messages WHERE conversation_id = ? ORDER BY timestamp DESC LIMIT ?"), conversationID, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	messages, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// Tool methods
func (s *SQLStore) GetTool(ctx context.Context, id string) (*Tool, error) {
	var t Tool
	var caps string
	err := s.db.QueryRowContext(ctx, s.rebind("SELECT id, name, api_type, model_name, credential_ref, capabilities, category, updated_at FROM tools WHERE id = ?"), id).
		Scan(&t.ID, &t.Name, &t.APIType, &t.ModelName, &t.CredentialRef, &caps, &t.Category, &t.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to get tool: %w", err)
	}
	t.Capabilities = splitList(caps)
	return &t, nil
}

// UpsertTool inserts or replaces a catalog tool.
func (s *SQLStore) UpsertTool(ctx context.Context, t Tool) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
        INSERT INTO tools (id, name, api_type, model_name, credential_ref, capabilities, category, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (id) DO UPDATE SET
            name = excluded.name,
            api_type = excluded.api_type,
            model_name = excluded.model_name,
            credential_ref = excluded.credential_ref,
            capabilities = excluded.capabilities,
            category = excluded.category,
            updated_at = excluded.updated_at
    `), t.ID, t.Name, t.APIType, t.ModelName, t.CredentialRef, strings.Join(t.Capabilities, ","), t.Category, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert tool %s: %w", t.ID, err)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
