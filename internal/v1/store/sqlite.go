package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/duochat/duochat/internal/v1/logging"
	"github.com/duochat/duochat/internal/v1/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

// timeLayout is a fixed-width UTC format so stored timestamps sort
// lexicographically in the same order as chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// queryer is satisfied by both *sql.DB and *sql.Tx so row helpers can run
// inside or outside a transaction.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := logging.GetLogger().With(zap.String("component", "store"))

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

	// Writers wait for locks instead of failing immediately
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", zap.String("path", path))
	return s, nil
}

// createSchema creates the database tables if they don't exist.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id            TEXT PRIMARY KEY,
			username      TEXT UNIQUE NOT NULL,
			email_hash    TEXT NOT NULL DEFAULT '',
			password_hash TEXT NOT NULL DEFAULT '',
			is_online     INTEGER NOT NULL DEFAULT 0,
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_users_username ON users(username);

		CREATE TABLE IF NOT EXISTS conversations (
			id                   TEXT PRIMARY KEY,
			participant_a        TEXT NOT NULL REFERENCES users(id),
			participant_b        TEXT NOT NULL REFERENCES users(id),
			last_message_id      TEXT,
			last_message_content TEXT,
			last_message_time    TEXT,
			created_at           TEXT NOT NULL,
			updated_at           TEXT NOT NULL,
			CHECK (participant_a < participant_b),
			UNIQUE (participant_a, participant_b)
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_participant_a ON conversations(participant_a);
		CREATE INDEX IF NOT EXISTS idx_conversations_participant_b ON conversations(participant_b);

		-- Per-participant unread counters live in their own rows so that
		-- increments and resets are single-row, transactional updates.
		CREATE TABLE IF NOT EXISTS conversation_unread (
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			user_id         TEXT NOT NULL REFERENCES users(id),
			count           INTEGER NOT NULL DEFAULT 0 CHECK (count >= 0),
			PRIMARY KEY (conversation_id, user_id)
		);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			sender_id       TEXT NOT NULL REFERENCES users(id),
			content         TEXT NOT NULL,
			message_type    TEXT NOT NULL DEFAULT 'text' CHECK (message_type IN ('text', 'image', 'file')),
			status          TEXT NOT NULL DEFAULT 'sent' CHECK (status IN ('sent', 'delivered', 'read')),
			is_read         INTEGER NOT NULL DEFAULT 0,
			read_by         TEXT NOT NULL DEFAULT '[]',
			delivered_at    TEXT,
			read_at         TEXT,
			created_at      TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
			ON messages(conversation_id, created_at);

		CREATE INDEX IF NOT EXISTS idx_messages_status
			ON messages(conversation_id, status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Ping verifies the database connection is alive.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// --- Users ---

// CreateUser inserts a new user row.
func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	query := `
		INSERT INTO users (id, username, email_hash, password_hash, is_online, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		user.ID,
		user.Username,
		user.EmailHash,
		user.PasswordHash,
		boolToInt(user.IsOnline),
		user.CreatedAt.UTC().Format(timeLayout),
		user.UpdatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting user: %w", err)
	}
	return nil
}

// FindUserByID retrieves a user by id. Returns ErrNotFound if absent.
func (s *SQLiteStore) FindUserByID(ctx context.Context, id types.UserID) (*User, error) {
	return s.findUser(ctx, `WHERE id = ?`, string(id))
}

// FindUserByUsername retrieves a user by their unique username.
func (s *SQLiteStore) FindUserByUsername(ctx context.Context, username string) (*User, error) {
	return s.findUser(ctx, `WHERE username = ?`, username)
}

func (s *SQLiteStore) findUser(ctx context.Context, where string, arg any) (*User, error) {
	query := `
		SELECT id, username, email_hash, password_hash, is_online, created_at, updated_at
		FROM users ` + where

	var user User
	var isOnline int
	var createdAtStr, updatedAtStr string

	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&user.ID,
		&user.Username,
		&user.EmailHash,
		&user.PasswordHash,
		&isOnline,
		&createdAtStr,
		&updatedAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}

	user.IsOnline = isOnline != 0
	if user.CreatedAt, err = time.Parse(timeLayout, createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if user.UpdatedAt, err = time.Parse(timeLayout, updatedAtStr); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &user, nil
}

// SetUserOnline mirrors the presence registry's view of a user into storage.
func (s *SQLiteStore) SetUserOnline(ctx context.Context, id types.UserID, online bool) error {
	query := `UPDATE users SET is_online = ?, updated_at = ? WHERE id = ?`

	res, err := s.db.ExecContext(ctx, query, boolToInt(online), now(), string(id))
	if err != nil {
		return fmt.Errorf("updating user online flag: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Conversations ---

// FindConversationByID retrieves a conversation with its unread counters.
func (s *SQLiteStore) FindConversationByID(ctx context.Context, id types.ConversationID) (*Conversation, error) {
	return s.findConversation(ctx, s.db, `WHERE id = ?`, string(id))
}

// FindConversationByPair retrieves the conversation between two users,
// regardless of argument order. Returns ErrNotFound if none exists.
func (s *SQLiteStore) FindConversationByPair(ctx context.Context, a, b types.UserID) (*Conversation, error) {
	pa, pb := NormalizePair(a, b)
	return s.findConversation(ctx, s.db, `WHERE participant_a = ? AND participant_b = ?`, string(pa), string(pb))
}

func (s *SQLiteStore) findConversation(ctx context.Context, q queryer, where string, args ...any) (*Conversation, error) {
	query := `
		SELECT id, participant_a, participant_b, last_message_id, last_message_content,
		       last_message_time, created_at, updated_at
		FROM conversations ` + where

	conv, err := scanConversation(q.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, err
	}

	conv.UnreadCount, err = s.loadUnread(ctx, q, conv.ID)
	if err != nil {
		return nil, err
	}
	return conv, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var conv Conversation
	var lastMessageID, lastMessageContent, lastMessageTime sql.NullString
	var createdAtStr, updatedAtStr string

	err := row.Scan(
		&conv.ID,
		&conv.ParticipantA,
		&conv.ParticipantB,
		&lastMessageID,
		&lastMessageContent,
		&lastMessageTime,
		&createdAtStr,
		&updatedAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}

	if lastMessageID.Valid {
		id := types.MessageID(lastMessageID.String)
		conv.LastMessageID = &id
	}
	if lastMessageContent.Valid {
		content := lastMessageContent.String
		conv.LastMessageContent = &content
	}
	if lastMessageTime.Valid {
		t, err := time.Parse(timeLayout, lastMessageTime.String)
		if err != nil {
			return nil, fmt.Errorf("parsing last_message_time: %w", err)
		}
		conv.LastMessageTime = &t
	}
	if conv.CreatedAt, err = time.Parse(timeLayout, createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if conv.UpdatedAt, err = time.Parse(timeLayout, updatedAtStr); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &conv, nil
}

func (s *SQLiteStore) loadUnread(ctx context.Context, q queryer, convID types.ConversationID) (map[types.UserID]int, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT user_id, count FROM conversation_unread WHERE conversation_id = ?`, string(convID))
	if err != nil {
		return nil, fmt.Errorf("querying unread counters: %w", err)
	}
	defer rows.Close()

	unread := make(map[types.UserID]int, 2)
	for rows.Next() {
		var userID types.UserID
		var count int
		if err := rows.Scan(&userID, &count); err != nil {
			return nil, fmt.Errorf("scanning unread counter: %w", err)
		}
		unread[userID] = count
	}
	return unread, rows.Err()
}

// CreateConversation creates a conversation between two distinct users and
// seeds both unread counters at zero, all in one transaction.
func (s *SQLiteStore) CreateConversation(ctx context.Context, a, b types.UserID) (*Conversation, error) {
	if a == b {
		return nil, ErrSelfConversation
	}
	pa, pb := NormalizePair(a, b)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	nowStr := now()
	conv := &Conversation{
		ID:           types.ConversationID(newID()),
		ParticipantA: pa,
		ParticipantB: pb,
		UnreadCount:  map[types.UserID]int{pa: 0, pb: 0},
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, participant_a, participant_b, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, string(conv.ID), string(pa), string(pb), nowStr, nowStr)
	if err != nil {
		return nil, fmt.Errorf("inserting conversation: %w", err)
	}

	for _, participant := range []types.UserID{pa, pb} {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO conversation_unread (conversation_id, user_id, count) VALUES (?, ?, 0)
		`, string(conv.ID), string(participant))
		if err != nil {
			return nil, fmt.Errorf("seeding unread counter: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing conversation: %w", err)
	}

	conv.CreatedAt, _ = time.Parse(timeLayout, nowStr)
	conv.UpdatedAt = conv.CreatedAt

	s.logger.Debug("created conversation",
		zap.String("id", string(conv.ID)),
		zap.String("participant_a", string(pa)),
		zap.String("participant_b", string(pb)))
	return conv, nil
}

// ListConversationsFor returns all conversations the user participates in,
// most recently active first.
func (s *SQLiteStore) ListConversationsFor(ctx context.Context, userID types.UserID) ([]*Conversation, error) {
	query := `
		SELECT id, participant_a, participant_b, last_message_id, last_message_content,
		       last_message_time, created_at, updated_at
		FROM conversations
		WHERE participant_a = ? OR participant_b = ?
		ORDER BY COALESCE(last_message_time, updated_at) DESC
	`

	rows, err := s.db.QueryContext(ctx, query, string(userID), string(userID))
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var conversations []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, conv := range conversations {
		if conv.UnreadCount, err = s.loadUnread(ctx, s.db, conv.ID); err != nil {
			return nil, err
		}
	}
	return conversations, nil
}

// AdjustUnread changes a participant's unread counter by delta, clamped at
// zero, and returns the new value.
func (s *SQLiteStore) AdjustUnread(ctx context.Context, convID types.ConversationID, userID types.UserID, delta int) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	count, err := adjustUnreadTx(ctx, tx, convID, userID, delta)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing unread adjustment: %w", err)
	}
	return count, nil
}

func adjustUnreadTx(ctx context.Context, tx *sql.Tx, convID types.ConversationID, userID types.UserID, delta int) (int, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE conversation_unread SET count = MAX(0, count + ?)
		WHERE conversation_id = ? AND user_id = ?
	`, delta, string(convID), string(userID))
	if err != nil {
		return 0, fmt.Errorf("adjusting unread counter: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return 0, ErrNotFound
	}

	var count int
	err = tx.QueryRowContext(ctx, `
		SELECT count FROM conversation_unread WHERE conversation_id = ? AND user_id = ?
	`, string(convID), string(userID)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("reading unread counter: %w", err)
	}
	return count, nil
}

// SetUnread sets a participant's unread counter to an absolute value.
func (s *SQLiteStore) SetUnread(ctx context.Context, convID types.ConversationID, userID types.UserID, value int) error {
	if value < 0 {
		value = 0
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversation_unread SET count = ?
		WHERE conversation_id = ? AND user_id = ?
	`, value, string(convID), string(userID))
	if err != nil {
		return fmt.Errorf("setting unread counter: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Messages ---

// CreateMessage persists a message and atomically updates the conversation's
// denormalized preview plus the recipient's unread counter. The sender's
// counter is never touched.
func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *Message) error {
	applyMessageDefaults(msg)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	conv, err := s.findConversation(ctx, tx, `WHERE id = ?`, string(msg.ConversationID))
	if err != nil {
		return err
	}
	recipient := conv.OtherParticipant(msg.SenderID)
	if recipient == "" {
		return ErrNotFound
	}

	readBy, err := json.Marshal(msg.ReadBy)
	if err != nil {
		return fmt.Errorf("encoding read_by: %w", err)
	}

	createdAtStr := msg.CreatedAt.UTC().Format(timeLayout)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, content, message_type,
		                      status, is_read, read_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		string(msg.ID),
		string(msg.ConversationID),
		string(msg.SenderID),
		msg.Content,
		msg.MessageType,
		string(msg.Status),
		boolToInt(msg.IsRead),
		string(readBy),
		createdAtStr,
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE conversations
		SET last_message_id = ?, last_message_content = ?, last_message_time = ?, updated_at = ?
		WHERE id = ?
	`, string(msg.ID), msg.Content, createdAtStr, now(), string(msg.ConversationID))
	if err != nil {
		return fmt.Errorf("updating conversation preview: %w", err)
	}

	if _, err := adjustUnreadTx(ctx, tx, msg.ConversationID, recipient, 1); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing message: %w", err)
	}

	s.logger.Debug("created message",
		zap.String("id", string(msg.ID)),
		zap.String("conversation_id", string(msg.ConversationID)))
	return nil
}

const messageColumns = `id, conversation_id, sender_id, content, message_type,
	status, is_read, read_by, delivered_at, read_at, created_at`

// FindMessageByID retrieves a message by id. Returns ErrNotFound if absent.
func (s *SQLiteStore) FindMessageByID(ctx context.Context, id types.MessageID) (*Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ?`, string(id))
	return scanMessage(row)
}

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var isRead int
	var readByStr, createdAtStr string
	var deliveredAt, readAt sql.NullString

	err := row.Scan(
		&msg.ID,
		&msg.ConversationID,
		&msg.SenderID,
		&msg.Content,
		&msg.MessageType,
		&msg.Status,
		&isRead,
		&readByStr,
		&deliveredAt,
		&readAt,
		&createdAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}

	msg.IsRead = isRead != 0
	if err := json.Unmarshal([]byte(readByStr), &msg.ReadBy); err != nil {
		return nil, fmt.Errorf("decoding read_by: %w", err)
	}
	if deliveredAt.Valid {
		t, err := time.Parse(timeLayout, deliveredAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing delivered_at: %w", err)
		}
		msg.DeliveredAt = &t
	}
	if readAt.Valid {
		t, err := time.Parse(timeLayout, readAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing read_at: %w", err)
		}
		msg.ReadAt = &t
	}
	if msg.CreatedAt, err = time.Parse(timeLayout, createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	return &msg, nil
}

// ListMessages returns the conversation's messages, newest first.
func (s *SQLiteStore) ListMessages(ctx context.Context, convID types.ConversationID, limit int) ([]*Message, error) {
	if limit < 1 || limit > 50 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, string(convID), limit)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// TransitionMessage advances a message along sent -> delivered -> read.
// Backwards transitions return ErrInvalidTransition; a transition to the
// current status is a no-op that returns the stored message unchanged.
// delivered_at is set on the first transition to delivered or read,
// read_at on the transition to read.
func (s *SQLiteStore) TransitionMessage(ctx context.Context, id types.MessageID, next Status, opts TransitionOpts) (*Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	msg, err := scanMessage(tx.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = ?`, string(id)))
	if err != nil {
		return nil, err
	}

	currentRank, nextRank := statusRank[msg.Status], statusRank[next]
	if nextRank < currentRank {
		return nil, ErrInvalidTransition
	}
	if nextRank == currentRank && opts.AppendReadBy == "" {
		return msg, nil
	}

	msg.Status = next
	if msg.DeliveredAt == nil && nextRank >= statusRank[StatusDelivered] {
		t := timeOrNow(opts.DeliveredAt)
		if next == StatusRead && opts.ReadAt != nil {
			t = *opts.ReadAt
		}
		msg.DeliveredAt = &t
	}
	if next == StatusRead {
		msg.IsRead = true
		if msg.ReadAt == nil {
			t := timeOrNow(opts.ReadAt)
			msg.ReadAt = &t
		}
		if opts.AppendReadBy != "" && opts.AppendReadBy != msg.SenderID && !msg.WasReadBy(opts.AppendReadBy) {
			msg.ReadBy = append(msg.ReadBy, opts.AppendReadBy)
		}
	}

	readBy, err := json.Marshal(msg.ReadBy)
	if err != nil {
		return nil, fmt.Errorf("encoding read_by: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE messages
		SET status = ?, is_read = ?, read_by = ?, delivered_at = ?, read_at = ?
		WHERE id = ?
	`,
		string(msg.Status),
		boolToInt(msg.IsRead),
		string(readBy),
		nullableTime(msg.DeliveredAt),
		nullableTime(msg.ReadAt),
		string(msg.ID),
	)
	if err != nil {
		return nil, fmt.Errorf("updating message: %w", err)
	}

	if opts.DecrementUnreadFor != "" {
		if _, err := adjustUnreadTx(ctx, tx, msg.ConversationID, opts.DecrementUnreadFor, -1); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transition: %w", err)
	}
	return msg, nil
}

// FindPendingInboundFor returns every message across all of the user's
// conversations that was sent by the peer and is still in "sent" status.
// Used on connect to catch up delivery receipts.
func (s *SQLiteStore) FindPendingInboundFor(ctx context.Context, userID types.UserID) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.conversation_id, m.sender_id, m.content, m.message_type,
		       m.status, m.is_read, m.read_by, m.delivered_at, m.read_at, m.created_at
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE (c.participant_a = ? OR c.participant_b = ?)
		  AND m.sender_id != ?
		  AND m.status = 'sent'
		ORDER BY m.created_at ASC
	`, string(userID), string(userID), string(userID))
	if err != nil {
		return nil, fmt.Errorf("querying pending inbound messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// BulkMarkDelivered transitions the given messages from sent to delivered.
// Messages already past "sent" are skipped, preserving status monotonicity.
func (s *SQLiteStore) BulkMarkDelivered(ctx context.Context, ids []types.MessageID) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, 0, len(ids)+1)
	args = append(args, now())
	for _, id := range ids {
		args = append(args, string(id))
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = 'delivered', delivered_at = ?
		WHERE id IN (`+placeholders+`) AND status = 'sent'
	`, args...)
	if err != nil {
		return fmt.Errorf("bulk marking delivered: %w", err)
	}
	return nil
}

// BulkMarkRead transitions every unread inbound message of the conversation
// to read for the given reader and resets the reader's unread counter, all in
// one transaction. It returns the messages that actually transitioned.
func (s *SQLiteStore) BulkMarkRead(ctx context.Context, convID types.ConversationID, readerID types.UserID) ([]*Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? AND sender_id != ? AND status != 'read'
		ORDER BY created_at ASC
	`, string(convID), string(readerID))
	if err != nil {
		return nil, fmt.Errorf("querying unread messages: %w", err)
	}

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	readAt := time.Now().UTC()
	for _, msg := range messages {
		msg.Status = StatusRead
		msg.IsRead = true
		t := readAt
		msg.ReadAt = &t
		if msg.DeliveredAt == nil {
			msg.DeliveredAt = &t
		}
		if !msg.WasReadBy(readerID) {
			msg.ReadBy = append(msg.ReadBy, readerID)
		}

		readBy, err := json.Marshal(msg.ReadBy)
		if err != nil {
			return nil, fmt.Errorf("encoding read_by: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE messages
			SET status = 'read', is_read = 1, read_by = ?, delivered_at = ?, read_at = ?
			WHERE id = ?
		`, string(readBy), nullableTime(msg.DeliveredAt), nullableTime(msg.ReadAt), string(msg.ID))
		if err != nil {
			return nil, fmt.Errorf("marking message read: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE conversation_unread SET count = 0
		WHERE conversation_id = ? AND user_id = ?
	`, string(convID), string(readerID))
	if err != nil {
		return nil, fmt.Errorf("resetting unread counter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing bulk read: %w", err)
	}
	return messages, nil
}

// --- helpers ---

func newID() string {
	return uuid.New().String()
}

func now() string {
	return time.Now().UTC().Format(timeLayout)
}

func timeOrNow(t *time.Time) time.Time {
	if t != nil {
		return t.UTC()
	}
	return time.Now().UTC()
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
