package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"chatrelay/internal/models"
)

var ErrSamePair = errors.New("dm participants must differ")

// SortedPair orders two user ids so that the first is lexicographically
// smaller. Every DM conversation is stored under its sorted pair.
func SortedPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// Identity methods

// UpsertIdentity sets the caller's public key, last write wins.
func (db *DB) UpsertIdentity(ctx context.Context, userID, publicKey string) (*models.Identity, error) {
	ts := now()
	_, err := db.ExecContext(ctx, `
		INSERT INTO e2ee_identities (user_id, public_key, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			public_key = excluded.public_key,
			updated_at = excluded.updated_at
	`, userID, publicKey, ts, ts)
	if err != nil {
		return nil, errors.Wrap(err, "db.UpsertIdentity.Exec")
	}
	return db.GetIdentity(ctx, userID)
}

func (db *DB) GetIdentity(ctx context.Context, userID string) (*models.Identity, error) {
	ident := &models.Identity{}
	err := db.QueryRowContext(ctx, `
		SELECT user_id, public_key, created_at, updated_at
		FROM e2ee_identities
		WHERE user_id = ?
	`, userID).Scan(&ident.UserID, &ident.PublicKey, &ident.CreatedAt, &ident.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "db.GetIdentity.Scan")
	}
	return ident, nil
}

// PublicKeys returns user_id -> public_key for the ids that have a
// registered identity. Unknown ids are simply absent.
func (db *DB) PublicKeys(ctx context.Context, userIDs ...string) (map[string]string, error) {
	keys := make(map[string]string, len(userIDs))
	if len(userIDs) == 0 {
		return keys, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(userIDs)), ",")
	args := make([]any, len(userIDs))
	for i, id := range userIDs {
		args[i] = id
	}

	rows, err := db.QueryContext(ctx,
		`SELECT user_id, public_key FROM e2ee_identities WHERE user_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, errors.Wrap(err, "db.PublicKeys.Query")
	}
	defer rows.Close()

	for rows.Next() {
		var id, key string
		if err := rows.Scan(&id, &key); err != nil {
			return nil, errors.Wrap(err, "db.PublicKeys.Scan")
		}
		keys[id] = key
	}
	return keys, errors.Wrap(rows.Err(), "db.PublicKeys.Rows")
}

// DM conversation methods

// GetOrCreateDM returns the single conversation for the unordered pair
// {a, b}, creating it if needed. Concurrent callers from either side
// resolve to the same row; created is true only for the caller whose
// insert won.
func (db *DB) GetOrCreateDM(ctx context.Context, a, b string) (*models.DMConversation, bool, error) {
	if a == b {
		return nil, false, ErrSamePair
	}
	u1, u2 := SortedPair(a, b)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, errors.Wrap(err, "db.GetOrCreateDM.Begin")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO dm_conversations (id, user1_id, user2_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user1_id, user2_id) DO NOTHING
	`, uuid.NewString(), u1, u2, now())
	if err != nil {
		return nil, false, errors.Wrap(err, "db.GetOrCreateDM.Insert")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, errors.Wrap(err, "db.GetOrCreateDM.RowsAffected")
	}

	dm := &models.DMConversation{}
	err = tx.QueryRowContext(ctx, `
		SELECT id, user1_id, user2_id, created_at
		FROM dm_conversations
		WHERE user1_id = ? AND user2_id = ?
	`, u1, u2).Scan(&dm.ID, &dm.User1ID, &dm.User2ID, &dm.CreatedAt)
	if err != nil {
		return nil, false, errors.Wrap(err, "db.GetOrCreateDM.Select")
	}

	if err := tx.Commit(); err != nil {
		return nil, false, errors.Wrap(err, "db.GetOrCreateDM.Commit")
	}
	return dm, n == 1, nil
}

func (db *DB) GetDM(ctx context.Context, id string) (*models.DMConversation, error) {
	dm := &models.DMConversation{}
	err := db.QueryRowContext(ctx, `
		SELECT id, user1_id, user2_id, created_at
		FROM dm_conversations
		WHERE id = ?
	`, id).Scan(&dm.ID, &dm.User1ID, &dm.User2ID, &dm.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "db.GetDM.Scan")
	}
	return dm, nil
}

// ListDMsFor returns the caller's DM conversations, newest first.
func (db *DB) ListDMsFor(ctx context.Context, userID string) ([]*models.DMConversation, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, user1_id, user2_id, created_at
		FROM dm_conversations
		WHERE user1_id = ? OR user2_id = ?
		ORDER BY rowid DESC
	`, userID, userID)
	if err != nil {
		return nil, errors.Wrap(err, "db.ListDMsFor.Query")
	}
	defer rows.Close()

	var dms []*models.DMConversation
	for rows.Next() {
		dm := &models.DMConversation{}
		if err := rows.Scan(&dm.ID, &dm.User1ID, &dm.User2ID, &dm.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "db.ListDMsFor.Scan")
		}
		dms = append(dms, dm)
	}
	return dms, errors.Wrap(rows.Err(), "db.ListDMsFor.Rows")
}

func (db *DB) DeleteDM(ctx context.Context, id string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM dm_conversations WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "db.DeleteDM.Exec")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DM message methods

func (db *DB) CreateDMMessage(ctx context.Context, msg *models.DMMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Metadata = json.RawMessage(metadataOrEmpty(msg.Metadata))
	msg.Timestamp = now()

	_, err := db.ExecContext(ctx, `
		INSERT INTO dm_messages (id, conversation_id, sender_id, nonce, ciphertext, metadata, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.ConversationID, msg.SenderID, msg.Nonce, msg.Ciphertext, string(msg.Metadata), msg.Timestamp)
	return errors.Wrap(err, "db.CreateDMMessage.Insert")
}

// ListDMMessages returns the most recent limit messages in ascending order.
func (db *DB) ListDMMessages(ctx context.Context, conversationID string, limit int) ([]models.DMMessage, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, conversation_id, sender_id, nonce, ciphertext, metadata, timestamp
		FROM dm_messages
		WHERE conversation_id = ?
		ORDER BY seq DESC
		LIMIT ?
	`, conversationID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "db.ListDMMessages.Query")
	}
	defer rows.Close()

	var messages []models.DMMessage
	for rows.Next() {
		var (
			msg      models.DMMessage
			metadata string
		)
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Nonce, &msg.Ciphertext, &metadata, &msg.Timestamp); err != nil {
			return nil, errors.Wrap(err, "db.ListDMMessages.Scan")
		}
		msg.Metadata = json.RawMessage(metadata)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "db.ListDMMessages.Rows")
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}
