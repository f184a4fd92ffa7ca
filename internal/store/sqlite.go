// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides conversation/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is a fixed-width UTC timestamp format. Unlike RFC3339Nano it
// never drops trailing zeros, so stored values sort lexicographically in the
// same order as the instants they encode. Message ordering depends on this.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id           TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			avatar       TEXT NOT NULL DEFAULT '',
			status       TEXT NOT NULL DEFAULT 'offline',
			last_active  TEXT NOT NULL,

			CHECK (status IN ('online', 'offline'))
		);

		CREATE INDEX IF NOT EXISTS idx_users_display_name ON users(display_name);

		CREATE TABLE IF NOT EXISTS conversations (
			id               TEXT PRIMARY KEY,
			kind             TEXT NOT NULL,
			name             TEXT NOT NULL DEFAULT '',
			group_admin      TEXT,
			pair_key         TEXT,
			last_message_id  TEXT,
			last_activity_at TEXT NOT NULL,
			created_at       TEXT NOT NULL,

			CHECK (kind IN ('private', 'group'))
		);

		-- At most one private conversation per unordered participant pair.
		CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_pair
			ON conversations(pair_key) WHERE pair_key IS NOT NULL;

		CREATE INDEX IF NOT EXISTS idx_conversations_activity
			ON conversations(last_activity_at);

		CREATE TABLE IF NOT EXISTS participants (
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			user_id         TEXT NOT NULL,

			PRIMARY KEY (conversation_id, user_id)
		);

		CREATE INDEX IF NOT EXISTS idx_participants_user ON participants(user_id);

		CREATE TABLE IF NOT EXISTS messages (
			id                TEXT PRIMARY KEY,
			conversation_id   TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			sender_id         TEXT NOT NULL,
			content           TEXT NOT NULL,
			type              TEXT NOT NULL DEFAULT 'text',
			reply_to_id       TEXT,
			reply_content     TEXT,
			reply_sender_name TEXT,
			reply_type        TEXT,
			edited            INTEGER NOT NULL DEFAULT 0,
			edited_by         TEXT,
			edited_at         TEXT,
			editable          INTEGER NOT NULL DEFAULT 1,
			deleted_by        TEXT,
			deleted_at        TEXT,
			deletable         INTEGER NOT NULL DEFAULT 1,
			created_at        TEXT NOT NULL,

			CHECK (type IN ('text', 'image', 'file', 'video', 'audio'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
			ON messages(conversation_id, created_at);

		CREATE TABLE IF NOT EXISTS message_reads (
			message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
			user_id    TEXT NOT NULL,
			read_at    TEXT NOT NULL,

			PRIMARY KEY (message_id, user_id)
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Ping verifies the database is reachable
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- Users ---

// SaveUser inserts or replaces a user record.
func (s *SQLiteStore) SaveUser(ctx context.Context, user *User) error {
	query := `
		INSERT INTO users (id, display_name, avatar, status, last_active)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			avatar = excluded.avatar,
			status = excluded.status,
			last_active = excluded.last_active
	`
	status := user.Status
	if status == "" {
		status = StatusOffline
	}
	_, err := s.db.ExecContext(ctx, query,
		user.ID,
		user.DisplayName,
		user.Avatar,
		status,
		formatTime(user.LastActive),
	)
	if err != nil {
		return fmt.Errorf("saving user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by ID. Returns ErrNotFound if missing.
func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*User, error) {
	query := `SELECT id, display_name, avatar, status, last_active FROM users WHERE id = ?`

	var user User
	var lastActive string
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&user.ID, &user.DisplayName, &user.Avatar, &user.Status, &lastActive,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	if user.LastActive, err = parseTime(lastActive); err != nil {
		return nil, fmt.Errorf("parsing last_active: %w", err)
	}
	return &user, nil
}

// GetUsers retrieves a batch of users keyed by ID. Missing IDs are simply
// absent from the result map.
func (s *SQLiteStore) GetUsers(ctx context.Context, ids []string) (map[string]*User, error) {
	result := make(map[string]*User, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	query := `SELECT id, display_name, avatar, status, last_active FROM users WHERE id IN (` +
		placeholders(len(ids)) + `)`
	rows, err := s.db.QueryContext(ctx, query, toAnySlice(ids)...)
	if err != nil {
		return nil, fmt.Errorf("querying users: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var user User
		var lastActive string
		if err := rows.Scan(&user.ID, &user.DisplayName, &user.Avatar, &user.Status, &lastActive); err != nil {
			return nil, fmt.Errorf("scanning user: %w", err)
		}
		if user.LastActive, err = parseTime(lastActive); err != nil {
			return nil, fmt.Errorf("parsing last_active: %w", err)
		}
		result[user.ID] = &user
	}
	return result, rows.Err()
}

// SetUserPresence updates a user's status and last-active timestamp.
// A missing user row is not an error; the account system owns user creation.
func (s *SQLiteStore) SetUserPresence(ctx context.Context, id, status string, lastActive time.Time) error {
	query := `UPDATE users SET status = ?, last_active = ? WHERE id = ?`
	_, err := s.db.ExecContext(ctx, query, status, formatTime(lastActive), id)
	if err != nil {
		return fmt.Errorf("updating user presence: %w", err)
	}
	return nil
}

// SearchUsersByName returns users whose display name contains the query,
// case-insensitively, excluding excludeID.
func (s *SQLiteStore) SearchUsersByName(ctx context.Context, query, excludeID string) ([]*User, error) {
	sqlQuery := `
		SELECT id, display_name, avatar, status, last_active
		FROM users
		WHERE id <> ? AND display_name LIKE ? ESCAPE '\' COLLATE NOCASE
		ORDER BY display_name
	`
	rows, err := s.db.QueryContext(ctx, sqlQuery, excludeID, "%"+escapeLike(query)+"%")
	if err != nil {
		return nil, fmt.Errorf("searching users: %w", err)
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		var user User
		var lastActive string
		if err := rows.Scan(&user.ID, &user.DisplayName, &user.Avatar, &user.Status, &lastActive); err != nil {
			return nil, fmt.Errorf("scanning user: %w", err)
		}
		if user.LastActive, err = parseTime(lastActive); err != nil {
			return nil, fmt.Errorf("parsing last_active: %w", err)
		}
		users = append(users, &user)
	}
	return users, rows.Err()
}

// --- Conversations ---

// CreateConversation inserts a conversation and its participant rows in a
// single transaction. Returns ErrDuplicateConversation if a private
// conversation for the same pair key already exists.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var pairKey any
	if conv.PairKey != "" {
		pairKey = conv.PairKey
	}
	var groupAdmin any
	if conv.GroupAdmin != "" {
		groupAdmin = conv.GroupAdmin
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, kind, name, group_admin, pair_key, last_message_id, last_activity_at, created_at)
		VALUES (?, ?, ?, ?, ?, NULL, ?, ?)
	`,
		conv.ID,
		conv.Kind,
		conv.Name,
		groupAdmin,
		pairKey,
		formatTime(conv.LastActivityAt),
		formatTime(conv.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	for _, userID := range conv.Participants {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO participants (conversation_id, user_id) VALUES (?, ?)
		`, conv.ID, userID); err != nil {
			return fmt.Errorf("inserting participant: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "kind", conv.Kind)
	return nil
}

// GetConversation retrieves a conversation with its participant set.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	conv, err := s.scanConversation(s.db.QueryRowContext(ctx, `
		SELECT id, kind, name, group_admin, pair_key, last_message_id, last_activity_at, created_at
		FROM conversations
		WHERE id = ?
	`, id))
	if err != nil {
		return nil, err
	}
	if err := s.loadParticipants(ctx, []*Conversation{conv}); err != nil {
		return nil, err
	}
	return conv, nil
}

// FindPrivateConversation looks up the private conversation for a canonical
// pair key. Returns ErrNotFound if no such conversation exists.
func (s *SQLiteStore) FindPrivateConversation(ctx context.Context, pairKey string) (*Conversation, error) {
	conv, err := s.scanConversation(s.db.QueryRowContext(ctx, `
		SELECT id, kind, name, group_admin, pair_key, last_message_id, last_activity_at, created_at
		FROM conversations
		WHERE pair_key = ?
	`, pairKey))
	if err != nil {
		return nil, err
	}
	if err := s.loadParticipants(ctx, []*Conversation{conv}); err != nil {
		return nil, err
	}
	return conv, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanConversation(row rowScanner) (*Conversation, error) {
	var conv Conversation
	var groupAdmin, pairKey, lastMessageID sql.NullString
	var lastActivityAt, createdAt string

	err := row.Scan(
		&conv.ID, &conv.Kind, &conv.Name, &groupAdmin, &pairKey,
		&lastMessageID, &lastActivityAt, &createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}

	conv.GroupAdmin = groupAdmin.String
	conv.PairKey = pairKey.String
	conv.LastMessageID = lastMessageID.String
	if conv.LastActivityAt, err = parseTime(lastActivityAt); err != nil {
		return nil, fmt.Errorf("parsing last_activity_at: %w", err)
	}
	if conv.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &conv, nil
}

// loadParticipants fills the Participants slice of each conversation.
func (s *SQLiteStore) loadParticipants(ctx context.Context, convs []*Conversation) error {
	if len(convs) == 0 {
		return nil
	}

	ids := make([]string, len(convs))
	byID := make(map[string]*Conversation, len(convs))
	for i, c := range convs {
		ids[i] = c.ID
		byID[c.ID] = c
	}

	query := `
		SELECT conversation_id, user_id
		FROM participants
		WHERE conversation_id IN (` + placeholders(len(ids)) + `)
		ORDER BY user_id
	`
	rows, err := s.db.QueryContext(ctx, query, toAnySlice(ids)...)
	if err != nil {
		return fmt.Errorf("querying participants: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var convID, userID string
		if err := rows.Scan(&convID, &userID); err != nil {
			return fmt.Errorf("scanning participant: %w", err)
		}
		if conv, ok := byID[convID]; ok {
			conv.Participants = append(conv.Participants, userID)
		}
	}
	return rows.Err()
}

// UpdateLastMessage sets the conversation's lastMessage back-reference and
// lastActivityAt. An empty messageID clears the reference (all messages
// deleted).
func (s *SQLiteStore) UpdateLastMessage(ctx context.Context, conversationID, messageID string, at time.Time) error {
	var msgID any
	if messageID != "" {
		msgID = messageID
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET last_message_id = ?, last_activity_at = ? WHERE id = ?
	`, msgID, formatTime(at), conversationID)
	if err != nil {
		return fmt.Errorf("updating last message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListUserConversations returns one page of the user's conversations ordered
// by last activity, newest first, plus the total count before paging.
func (s *SQLiteStore) ListUserConversations(ctx context.Context, userID string, opts ListConversationsOptions) ([]*Conversation, int, error) {
	where := `
		FROM conversations c
		JOIN participants p ON p.conversation_id = c.id AND p.user_id = ?
	`
	args := []any{userID}

	if len(opts.WithAnyOf) > 0 {
		where += `
		WHERE EXISTS (
			SELECT 1 FROM participants p2
			WHERE p2.conversation_id = c.id AND p2.user_id IN (` + placeholders(len(opts.WithAnyOf)) + `)
		)`
		args = append(args, toAnySlice(opts.WithAnyOf)...)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting conversations: %w", err)
	}

	query := `
		SELECT c.id, c.kind, c.name, c.group_admin, c.pair_key, c.last_message_id, c.last_activity_at, c.created_at
	` + where + `
		ORDER BY c.last_activity_at DESC
	`
	query, args = applyPaging(query, args, opts.Page, opts.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := s.scanConversation(rows)
		if err != nil {
			return nil, 0, err
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	if err := s.loadParticipants(ctx, convs); err != nil {
		return nil, 0, err
	}
	return convs, total, nil
}

// --- Messages ---

const messageColumns = `
	id, conversation_id, sender_id, content, type,
	reply_to_id, reply_content, reply_sender_name, reply_type,
	edited, edited_by, edited_at, editable,
	deleted_by, deleted_at, deletable, created_at
`

// SaveMessage inserts a new message.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	var replyTo, replyContent, replySender, replyType any
	if msg.ReplyToID != "" {
		replyTo = msg.ReplyToID
	}
	if msg.Reply != nil {
		replyContent = msg.Reply.Content
		replySender = msg.Reply.SenderName
		replyType = msg.Reply.Type
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (
			id, conversation_id, sender_id, content, type,
			reply_to_id, reply_content, reply_sender_name, reply_type,
			edited, editable, deletable, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 1, 1, ?)
	`,
		msg.ID,
		msg.ConversationID,
		msg.SenderID,
		msg.Content,
		msg.Type,
		replyTo, replyContent, replySender, replyType,
		formatTime(msg.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	s.logger.Debug("saved message", "id", msg.ID, "conversation_id", msg.ConversationID)
	return nil
}

func (s *SQLiteStore) scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var replyTo, replyContent, replySender, replyType sql.NullString
	var editedBy, editedAt, deletedBy, deletedAt sql.NullString
	var edited, editable, deletable int
	var createdAt string

	err := row.Scan(
		&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Content, &msg.Type,
		&replyTo, &replyContent, &replySender, &replyType,
		&edited, &editedBy, &editedAt, &editable,
		&deletedBy, &deletedAt, &deletable, &createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning message: %w", err)
	}

	msg.ReplyToID = replyTo.String
	if replyTo.Valid {
		msg.Reply = &ReplySnapshot{
			Content:    replyContent.String,
			SenderName: replySender.String,
			Type:       replyType.String,
		}
	}
	msg.Edited = edited != 0
	msg.Editable = editable != 0
	msg.Deletable = deletable != 0
	msg.EditedBy = editedBy.String
	msg.DeletedBy = deletedBy.String
	if editedAt.Valid {
		t, err := parseTime(editedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing edited_at: %w", err)
		}
		msg.EditedAt = &t
	}
	if deletedAt.Valid {
		t, err := parseTime(deletedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing deleted_at: %w", err)
		}
		msg.DeletedAt = &t
	}
	if msg.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &msg, nil
}

// GetMessage retrieves a message by ID within a conversation, including its
// read set. Deleted messages are still returned so callers can distinguish
// "never existed" from "already deleted".
func (s *SQLiteStore) GetMessage(ctx context.Context, conversationID, messageID string) (*Message, error) {
	msg, err := s.scanMessage(s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE id = ? AND conversation_id = ?
	`, messageID, conversationID))
	if err != nil {
		return nil, err
	}
	if err := s.loadReadSets(ctx, []*Message{msg}); err != nil {
		return nil, err
	}
	return msg, nil
}

// ListMessages returns one page of non-deleted messages ordered oldest
// first, plus the total non-deleted count.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, page, limit int) ([]*Message, int, error) {
	return s.listMessages(ctx, conversationID, "", page, limit, true)
}

// SearchMessages returns one page of non-deleted messages whose content
// contains the query (case-insensitive), ordered newest first.
func (s *SQLiteStore) SearchMessages(ctx context.Context, conversationID, query string, page, limit int) ([]*Message, int, error) {
	return s.listMessages(ctx, conversationID, query, page, limit, false)
}

func (s *SQLiteStore) listMessages(ctx context.Context, conversationID, search string, page, limit int, ascending bool) ([]*Message, int, error) {
	where := ` FROM messages WHERE conversation_id = ? AND deleted_at IS NULL`
	args := []any{conversationID}
	if search != "" {
		where += ` AND content LIKE ? ESCAPE '\' COLLATE NOCASE`
		args = append(args, "%"+escapeLike(search)+"%")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*)`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting messages: %w", err)
	}

	order := " ORDER BY created_at ASC, id ASC"
	if !ascending {
		order = " ORDER BY created_at DESC, id DESC"
	}
	query := `SELECT ` + messageColumns + where + order
	query, args = applyPaging(query, args, page, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		msg, err := s.scanMessage(rows)
		if err != nil {
			return nil, 0, err
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	if err := s.loadReadSets(ctx, msgs); err != nil {
		return nil, 0, err
	}
	return msgs, total, nil
}

// loadReadSets fills the ReadBy slice of each message.
func (s *SQLiteStore) loadReadSets(ctx context.Context, msgs []*Message) error {
	if len(msgs) == 0 {
		return nil
	}

	ids := make([]string, len(msgs))
	byID := make(map[string]*Message, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
		byID[m.ID] = m
	}

	query := `
		SELECT message_id, user_id
		FROM message_reads
		WHERE message_id IN (` + placeholders(len(ids)) + `)
		ORDER BY read_at
	`
	rows, err := s.db.QueryContext(ctx, query, toAnySlice(ids)...)
	if err != nil {
		return fmt.Errorf("querying read sets: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var msgID, userID string
		if err := rows.Scan(&msgID, &userID); err != nil {
			return fmt.Errorf("scanning read entry: %w", err)
		}
		if msg, ok := byID[msgID]; ok {
			msg.ReadBy = append(msg.ReadBy, userID)
		}
	}
	return rows.Err()
}

// LatestMessage returns the newest non-deleted message in a conversation, or
// ErrNotFound if none remain.
func (s *SQLiteStore) LatestMessage(ctx context.Context, conversationID string) (*Message, error) {
	msg, err := s.scanMessage(s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ? AND deleted_at IS NULL
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, conversationID))
	if err != nil {
		return nil, err
	}
	if err := s.loadReadSets(ctx, []*Message{msg}); err != nil {
		return nil, err
	}
	return msg, nil
}

// MarkMessagesRead inserts read receipts for every non-deleted message in
// the conversation that was authored by someone else and not already read by
// userID. When upTo is non-nil only messages created at or before it are
// marked. Returns the number of messages newly marked.
func (s *SQLiteStore) MarkMessagesRead(ctx context.Context, conversationID, userID string, upTo *time.Time, at time.Time) (int64, error) {
	query := `
		INSERT INTO message_reads (message_id, user_id, read_at)
		SELECT m.id, ?, ?
		FROM messages m
		WHERE m.conversation_id = ?
		  AND m.sender_id <> ?
		  AND m.deleted_at IS NULL
		  AND NOT EXISTS (
			SELECT 1 FROM message_reads r WHERE r.message_id = m.id AND r.user_id = ?
		  )
	`
	args := []any{userID, formatTime(at), conversationID, userID, userID}
	if upTo != nil {
		query += ` AND m.created_at <= ?`
		args = append(args, formatTime(*upTo))
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("marking messages read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading affected rows: %w", err)
	}
	return n, nil
}

// MarkMessageDeleted soft-deletes a message, spending its single allowed
// deletion. Returns ErrMessageLocked if the message was already deleted.
func (s *SQLiteStore) MarkMessageDeleted(ctx context.Context, conversationID, messageID, userID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET deleted_by = ?, deleted_at = ?, deletable = 0
		WHERE id = ? AND conversation_id = ? AND deletable = 1 AND deleted_at IS NULL
	`, userID, formatTime(at), messageID, conversationID)
	if err != nil {
		return fmt.Errorf("deleting message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading affected rows: %w", err)
	}
	if n == 0 {
		return ErrMessageLocked
	}
	return nil
}

// UpdateMessageContent replaces a message's content and spends its single
// allowed edit. Returns ErrMessageLocked if the message has already been
// edited or deleted.
func (s *SQLiteStore) UpdateMessageContent(ctx context.Context, conversationID, messageID, content, editorID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET content = ?, edited = 1, edited_by = ?, edited_at = ?, editable = 0
		WHERE id = ? AND conversation_id = ? AND editable = 1 AND deleted_at IS NULL
	`, content, editorID, formatTime(at), messageID, conversationID)
	if err != nil {
		return fmt.Errorf("updating message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading affected rows: %w", err)
	}
	if n == 0 {
		return ErrMessageLocked
	}
	return nil
}

// --- helpers ---

// placeholders returns "?, ?, ..., ?" with n placeholders.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// escapeLike escapes LIKE metacharacters in user-supplied search input.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

// applyPaging appends LIMIT/OFFSET for 1-based pages. A limit of -1 means
// return everything.
func applyPaging(query string, args []any, page, limit int) (string, []any) {
	if limit == -1 {
		return query, args
	}
	if page < 1 {
		page = 1
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, (page-1)*limit)
	return query, args
}
