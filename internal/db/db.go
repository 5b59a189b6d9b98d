package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"chatrelay/internal/models"
)

var ErrNotFound = errors.New("not found")

type DB struct {
	*sql.DB
}

// NewDB opens the SQLite database at dbPath and applies the schema.
// Transactions start IMMEDIATE so concurrent writers queue on the busy
// timeout instead of failing on lock upgrade.
func NewDB(dbPath string) (*DB, error) {
	dbDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return nil, fmt.Errorf("error creating database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("error initializing schema: %w", err)
	}

	return &DB{db}, nil
}

func initSchema(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			is_group INTEGER NOT NULL DEFAULT 0,
			name TEXT NOT NULL DEFAULT '',
			created_by_id TEXT NOT NULL DEFAULT '',
			created_by_username TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversation_members (
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			user_id TEXT NOT NULL,
			username TEXT NOT NULL,
			is_admin INTEGER NOT NULL DEFAULT 0,
			joined_at DATETIME NOT NULL,
			UNIQUE (conversation_id, user_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_members_user ON conversation_members(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_members_username ON conversation_members(username)`,
		`CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			sender_id TEXT NOT NULL,
			sender_username TEXT NOT NULL,
			ciphertext TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			timestamp DATETIME NOT NULL,
			delivered_to TEXT NOT NULL DEFAULT '[]',
			read_by TEXT NOT NULL DEFAULT '[]'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq)`,
		`CREATE TABLE IF NOT EXISTS e2ee_identities (
			user_id TEXT PRIMARY KEY,
			public_key TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS dm_conversations (
			id TEXT PRIMARY KEY,
			user1_id TEXT NOT NULL,
			user2_id TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			UNIQUE (user1_id, user2_id),
			CHECK (user1_id < user2_id)
		)`,
		`CREATE TABLE IF NOT EXISTS dm_messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL REFERENCES dm_conversations(id) ON DELETE CASCADE,
			sender_id TEXT NOT NULL,
			nonce TEXT NOT NULL,
			ciphertext TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			timestamp DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dm_messages_conversation ON dm_messages(conversation_id, seq)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}

	return nil
}

func now() time.Time { return time.Now().UTC() }

func metadataOrEmpty(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return "{}"
	}
	return string(raw)
}

// Conversation methods

// CreateConversation persists conv and its initial members in one
// transaction: either all rows become visible or none do.
func (db *DB) CreateConversation(ctx context.Context, conv *models.Conversation, members []models.Member) error {
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	conv.CreatedAt = now()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "db.CreateConversation.Begin")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, is_group, name, created_by_id, created_by_username, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, conv.ID, conv.IsGroup, conv.Name, conv.CreatedByID, conv.CreatedByUsername, conv.CreatedAt)
	if err != nil {
		return errors.Wrap(err, "db.CreateConversation.InsertConversation")
	}

	for i := range members {
		members[i].ConversationID = conv.ID
		members[i].JoinedAt = conv.CreatedAt
		_, err = tx.ExecContext(ctx, `
			INSERT INTO conversation_members (conversation_id, user_id, username, is_admin, joined_at)
			VALUES (?, ?, ?, ?, ?)
		`, conv.ID, members[i].UserID, members[i].Username, members[i].IsAdmin, members[i].JoinedAt)
		if err != nil {
			return errors.Wrapf(err, "db.CreateConversation.InsertMember %s", members[i].UserID)
		}
	}

	return errors.Wrap(tx.Commit(), "db.CreateConversation.Commit")
}

func (db *DB) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	conv := &models.Conversation{}
	err := db.QueryRowContext(ctx, `
		SELECT id, is_group, name, created_by_id, created_by_username, created_at
		FROM conversations
		WHERE id = ?
	`, id).Scan(&conv.ID, &conv.IsGroup, &conv.Name, &conv.CreatedByID, &conv.CreatedByUsername, &conv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "db.GetConversation.Scan")
	}
	return conv, nil
}

// ListConversationsFor returns every conversation the caller belongs to or
// created, newest first. Matching mirrors membership.Matches and
// membership.IsCreator so legacy rows are found.
func (db *DB) ListConversationsFor(ctx context.Context, userID, username string) ([]*models.Conversation, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT c.id, c.is_group, c.name, c.created_by_id, c.created_by_username, c.created_at
		FROM conversations c
		WHERE c.created_by_id = ? OR (c.created_by_id = ? AND ? <> '') OR (c.created_by_username = ? AND ? <> '')
		   OR EXISTS (
				SELECT 1 FROM conversation_members m
				WHERE m.conversation_id = c.id
				  AND (m.user_id = ? OR ((m.user_id = ? OR m.username = ?) AND ? <> ''))
		   )
		ORDER BY c.rowid DESC
	`, userID, username, username, username, username, userID, username, username, username)
	if err != nil {
		return nil, errors.Wrap(err, "db.ListConversationsFor.Query")
	}
	defer rows.Close()

	var conversations []*models.Conversation
	for rows.Next() {
		conv := &models.Conversation{}
		if err := rows.Scan(&conv.ID, &conv.IsGroup, &conv.Name, &conv.CreatedByID, &conv.CreatedByUsername, &conv.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "db.ListConversationsFor.Scan")
		}
		conversations = append(conversations, conv)
	}
	return conversations, errors.Wrap(rows.Err(), "db.ListConversationsFor.Rows")
}

// DeleteConversation removes the conversation; members and messages go
// with it through ON DELETE CASCADE.
func (db *DB) DeleteConversation(ctx context.Context, id string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "db.DeleteConversation.Exec")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Member methods

func (db *DB) ListMembers(ctx context.Context, conversationID string) ([]models.Member, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT conversation_id, user_id, username, is_admin, joined_at
		FROM conversation_members
		WHERE conversation_id = ?
		ORDER BY rowid
	`, conversationID)
	if err != nil {
		return nil, errors.Wrap(err, "db.ListMembers.Query")
	}
	defer rows.Close()

	var members []models.Member
	for rows.Next() {
		var m models.Member
		if err := rows.Scan(&m.ConversationID, &m.UserID, &m.Username, &m.IsAdmin, &m.JoinedAt); err != nil {
			return nil, errors.Wrap(err, "db.ListMembers.Scan")
		}
		members = append(members, m)
	}
	return members, errors.Wrap(rows.Err(), "db.ListMembers.Rows")
}

// AddMember inserts m unless (conversation, user_id) already exists.
// added reports whether a row was written.
func (db *DB) AddMember(ctx context.Context, m models.Member) (added bool, err error) {
	res, err := db.ExecContext(ctx, `
		INSERT INTO conversation_members (conversation_id, user_id, username, is_admin, joined_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (conversation_id, user_id) DO NOTHING
	`, m.ConversationID, m.UserID, m.Username, m.IsAdmin, now())
	if err != nil {
		return false, errors.Wrap(err, "db.AddMember.Exec")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "db.AddMember.RowsAffected")
	}
	return n == 1, nil
}

// RemoveMember deletes every row of the conversation matching the caller
// by user id, username, or legacy user_id=username.
func (db *DB) RemoveMember(ctx context.Context, conversationID, userID, username string) (int64, error) {
	res, err := db.ExecContext(ctx, `
		DELETE FROM conversation_members
		WHERE conversation_id = ?
		  AND (user_id = ? OR ((user_id = ? OR username = ?) AND ? <> ''))
	`, conversationID, userID, username, username, username)
	if err != nil {
		return 0, errors.Wrap(err, "db.RemoveMember.Exec")
	}
	return res.RowsAffected()
}

// Message methods

// CreateMessage stores msg and assigns its id and timestamp. The timestamp
// never goes backwards within a conversation, even if the wall clock does.
func (db *DB) CreateMessage(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Metadata = json.RawMessage(metadataOrEmpty(msg.Metadata))
	msg.DeliveredTo = []string{}
	msg.ReadBy = []string{}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "db.CreateMessage.Begin")
	}
	defer tx.Rollback()

	ts := now()
	var last time.Time
	err = tx.QueryRowContext(ctx, `
		SELECT timestamp FROM messages WHERE conversation_id = ? ORDER BY seq DESC LIMIT 1
	`, msg.ConversationID).Scan(&last)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return errors.Wrap(err, "db.CreateMessage.LastTimestamp")
	case last.After(ts):
		ts = last
	}
	msg.Timestamp = ts

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, sender_username, ciphertext, metadata, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.ConversationID, msg.SenderID, msg.SenderUsername, msg.Ciphertext, string(msg.Metadata), msg.Timestamp)
	if err != nil {
		return errors.Wrap(err, "db.CreateMessage.Insert")
	}
	return errors.Wrap(tx.Commit(), "db.CreateMessage.Commit")
}

// ListMessages returns the most recent limit messages in ascending order.
func (db *DB) ListMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, conversation_id, sender_id, sender_username, ciphertext, metadata, timestamp, delivered_to, read_by
		FROM messages
		WHERE conversation_id = ?
		ORDER BY seq DESC
		LIMIT ?
	`, conversationID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "db.ListMessages.Query")
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "db.ListMessages.Rows")
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (db *DB) GetMessage(ctx context.Context, conversationID, messageID string) (*models.Message, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, conversation_id, sender_id, sender_username, ciphertext, metadata, timestamp, delivered_to, read_by
		FROM messages
		WHERE conversation_id = ? AND id = ?
	`, conversationID, messageID)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return msg, err
}

// MarkRead appends userID to the message's read_by set, and to
// delivered_to since a read message has been delivered. Both sets only
// grow.
func (db *DB) MarkRead(ctx context.Context, conversationID, messageID, userID string) (*models.Message, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "db.MarkRead.Begin")
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT id, conversation_id, sender_id, sender_username, ciphertext, metadata, timestamp, delivered_to, read_by
		FROM messages
		WHERE conversation_id = ? AND id = ?
	`, conversationID, messageID)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	msg.DeliveredTo = appendUnique(msg.DeliveredTo, userID)
	msg.ReadBy = appendUnique(msg.ReadBy, userID)
	delivered, _ := json.Marshal(msg.DeliveredTo)
	readBy, _ := json.Marshal(msg.ReadBy)

	_, err = tx.ExecContext(ctx, `
		UPDATE messages SET delivered_to = ?, read_by = ? WHERE id = ?
	`, string(delivered), string(readBy), msg.ID)
	if err != nil {
		return nil, errors.Wrap(err, "db.MarkRead.Update")
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "db.MarkRead.Commit")
	}
	return msg, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (*models.Message, error) {
	var (
		msg                       models.Message
		metadata, delivered, read string
	)
	err := row.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.SenderUsername,
		&msg.Ciphertext, &metadata, &msg.Timestamp, &delivered, &read)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, errors.Wrap(err, "db.scanMessage.Scan")
	}
	msg.Metadata = json.RawMessage(metadata)
	if err := json.Unmarshal([]byte(delivered), &msg.DeliveredTo); err != nil {
		return nil, errors.Wrap(err, "db.scanMessage.DeliveredTo")
	}
	if err := json.Unmarshal([]byte(read), &msg.ReadBy); err != nil {
		return nil, errors.Wrap(err, "db.scanMessage.ReadBy")
	}
	return &msg, nil
}

func appendUnique(set []string, v string) []string {
	for _, s := range set {
		if s == v {
			return set
		}
	}
	return append(set, v)
}
