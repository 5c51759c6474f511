package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/edulink/chat-server/internal/store"
)

// SQLiteStore implements store.Store for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// New creates a new SQLite store and applies the schema.
// dbPath is the path to the SQLite database file.
func New(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite works best with a single connection; this also serializes all
	// writes at the database level.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// NewWithSetup creates a new SQLite store and runs a setup function after the
// schema is applied. Useful for tests to seed data.
func NewWithSetup(dbPath string, setup func(*sql.DB) error) (*SQLiteStore, error) {
	s, err := New(dbPath)
	if err != nil {
		return nil, err
	}

	if setup != nil {
		if err := setup(s.db); err != nil {
			s.db.Close()
			return nil, fmt.Errorf("setup: %w", err)
		}
	}

	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ==== UserStore implementation ====

// CreateUser creates a new user with hashed password.
func (s *SQLiteStore) CreateUser(ctx context.Context, username, passwordHash string) (*store.User, error) {
	query := `
		INSERT INTO users (username, password_hash)
		VALUES (?, ?)
	`
	result, err := s.db.ExecContext(ctx, query, username, passwordHash)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("get last insert id: %w", err)
	}

	return s.GetUserByID(ctx, id)
}

// GetUserByID retrieves a user by ID.
func (s *SQLiteStore) GetUserByID(ctx context.Context, id int64) (*store.User, error) {
	query := `
		SELECT id, username, password_hash, created_at
		FROM users
		WHERE id = ?
	`
	var user store.User
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&user.ID,
		&user.Username,
		&user.PasswordHash,
		&user.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrUserNotFound
		}
		return nil, fmt.Errorf("query user: %w", err)
	}

	return &user, nil
}

// GetUserByUsername retrieves a user by username.
func (s *SQLiteStore) GetUserByUsername(ctx context.Context, username string) (*store.User, error) {
	query := `
		SELECT id, username, password_hash, created_at
		FROM users
		WHERE username = ?
	`
	var user store.User
	err := s.db.QueryRowContext(ctx, query, username).Scan(
		&user.ID,
		&user.Username,
		&user.PasswordHash,
		&user.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrUserNotFound
		}
		return nil, fmt.Errorf("query user: %w", err)
	}

	return &user, nil
}

// SearchUsers searches for users by username substring.
func (s *SQLiteStore) SearchUsers(ctx context.Context, query string) ([]*store.User, error) {
	q := `
		SELECT id, username, password_hash, created_at
		FROM users
		WHERE username LIKE ?
		ORDER BY username ASC
		LIMIT 20
	`
	rows, err := s.db.QueryContext(ctx, q, "%"+query+"%")
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var users []*store.User
	for rows.Next() {
		var user store.User
		if err := rows.Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, &user)
	}

	return users, rows.Err()
}

// ==== ConversationStore implementation ====

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

// directKey builds the deduplication key for a one-to-one conversation.
func directKey(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("dm:%d:%d", a, b)
}

// CreateConversation creates a conversation with the creator and the given
// participants. Direct conversations between the same pair are deduplicated.
func (s *SQLiteStore) CreateConversation(ctx context.Context, creatorID int64, participantIDs []int64, isGroup bool, name string) (*store.Conversation, error) {
	// Deduplicate member ids, creator always included.
	seen := map[int64]struct{}{creatorID: {}}
	members := []int64{creatorID}
	for _, id := range participantIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		members = append(members, id)
	}

	if !isGroup && len(members) != 2 {
		return nil, store.ErrInvalidParticipants
	}
	if isGroup && len(members) < 2 {
		return nil, store.ErrInvalidParticipants
	}

	var key *string
	if !isGroup {
		k := directKey(members[0], members[1])
		key = &k

		// Existing pair wins over creating a duplicate.
		existing, err := s.getConversationByDirectKey(ctx, k)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, store.ErrConversationNotFound) {
			return nil, err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	query := `
		INSERT INTO conversations (is_group, name, direct_key)
		VALUES (?, ?, ?)
	`
	result, err := tx.ExecContext(ctx, query, isGroup, name, key)
	if err != nil {
		// Two concurrent creates of the same pair can both miss the lookup
		// above; the loser settles on the winner's row. Roll back first so
		// the re-read can take the connection.
		if key != nil && isUniqueViolation(err) {
			_ = tx.Rollback()
			return s.getConversationByDirectKey(ctx, *key)
		}
		return nil, fmt.Errorf("insert conversation: %w", err)
	}

	convID, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("get last insert id: %w", err)
	}

	memberQuery := `
		INSERT INTO participants (conversation_id, user_id)
		VALUES (?, ?)
	`
	for _, userID := range members {
		if _, err := tx.ExecContext(ctx, memberQuery, convID, userID); err != nil {
			return nil, fmt.Errorf("add participant %d: %w", userID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	return s.GetConversationByID(ctx, convID)
}

// GetConversationByID retrieves a conversation by ID.
func (s *SQLiteStore) GetConversationByID(ctx context.Context, id int64) (*store.Conversation, error) {
	query := `
		SELECT id, is_group, name, direct_key, created_at, updated_at
		FROM conversations
		WHERE id = ?
	`
	return s.scanConversation(s.db.QueryRowContext(ctx, query, id))
}

func (s *SQLiteStore) getConversationByDirectKey(ctx context.Context, key string) (*store.Conversation, error) {
	query := `
		SELECT id, is_group, name, direct_key, created_at, updated_at
		FROM conversations
		WHERE direct_key = ?
	`
	return s.scanConversation(s.db.QueryRowContext(ctx, query, key))
}

func (s *SQLiteStore) scanConversation(row *sql.Row) (*store.Conversation, error) {
	var conv store.Conversation
	var key sql.NullString
	err := row.Scan(&conv.ID, &conv.IsGroup, &conv.Name, &key, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrConversationNotFound
		}
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	if key.Valid {
		conv.DirectKey = &key.String
	}
	return &conv, nil
}

// IsParticipant reports whether the user belongs to the conversation.
func (s *SQLiteStore) IsParticipant(ctx context.Context, conversationID, userID int64) (bool, error) {
	query := `
		SELECT 1 FROM participants
		WHERE conversation_id = ? AND user_id = ?
	`
	var exists int
	err := s.db.QueryRowContext(ctx, query, conversationID, userID).Scan(&exists)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("query participant: %w", err)
	}

	return true, nil
}

// AddParticipant adds a user to a group conversation. Idempotent.
func (s *SQLiteStore) AddParticipant(ctx context.Context, conversationID, userID int64) error {
	conv, err := s.GetConversationByID(ctx, conversationID)
	if err != nil {
		return err
	}
	if !conv.IsGroup {
		return store.ErrInvalidParticipants
	}

	query := `
		INSERT OR IGNORE INTO participants (conversation_id, user_id)
		VALUES (?, ?)
	`
	if _, err := s.db.ExecContext(ctx, query, conversationID, userID); err != nil {
		return fmt.Errorf("insert participant: %w", err)
	}

	return nil
}

// ListParticipants lists participants of a conversation.
func (s *SQLiteStore) ListParticipants(ctx context.Context, conversationID int64) ([]*store.Participant, error) {
	query := `
		SELECT conversation_id, user_id, last_read_message_id, joined_at
		FROM participants
		WHERE conversation_id = ?
		ORDER BY joined_at ASC, user_id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query participants: %w", err)
	}
	defer rows.Close()

	var participants []*store.Participant
	for rows.Next() {
		var p store.Participant
		if err := rows.Scan(&p.ConversationID, &p.UserID, &p.LastReadID, &p.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		participants = append(participants, &p)
	}

	return participants, rows.Err()
}

// AppendMessage persists a message and bumps the conversation's UpdatedAt in
// one transaction. CreatedAt never moves backwards within a conversation so
// the (created_at, id) display order matches insertion order.
func (s *SQLiteStore) AppendMessage(ctx context.Context, m store.NewMessage) (*store.Message, error) {
	if _, err := s.GetConversationByID(ctx, m.ConversationID); err != nil {
		return nil, err
	}

	isMember, err := s.IsParticipant(ctx, m.ConversationID, m.SenderID)
	if err != nil {
		return nil, err
	}
	if !isMember {
		return nil, store.ErrNotAParticipant
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if m.ReplyToID != nil {
		var replyConv int64
		err := tx.QueryRowContext(ctx, `SELECT conversation_id FROM messages WHERE id = ?`, *m.ReplyToID).Scan(&replyConv)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, store.ErrMessageNotFound
			}
			return nil, fmt.Errorf("query reply target: %w", err)
		}
		if replyConv != m.ConversationID {
			return nil, store.ErrMessageNotFound
		}
	}

	// Clamp the timestamp so CreatedAt is non-decreasing in insertion order
	// even if the wall clock steps backwards.
	createdAt := time.Now().UTC()
	var lastCreated time.Time
	err = tx.QueryRowContext(ctx, `
		SELECT created_at FROM messages
		WHERE conversation_id = ?
		ORDER BY id DESC
		LIMIT 1
	`, m.ConversationID).Scan(&lastCreated)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("query last message time: %w", err)
	}
	if err == nil && createdAt.Before(lastCreated) {
		createdAt = lastCreated
	}

	kind := m.Kind
	if kind == "" {
		kind = store.MessageKindText
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, sender_id, body, kind, reply_to_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.ConversationID, m.SenderID, m.Body, string(kind), m.ReplyToID, createdAt)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	msgID, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("get last insert id: %w", err)
	}

	attachments := make([]store.Attachment, 0, len(m.Attachments))
	for _, a := range m.Attachments {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO attachments (message_id, name, url, mime_type)
			VALUES (?, ?, ?, ?)
		`, msgID, a.Name, a.URL, a.MimeType)
		if err != nil {
			return nil, fmt.Errorf("insert attachment: %w", err)
		}
		attID, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("get last insert id: %w", err)
		}
		a.ID = attID
		a.MessageID = msgID
		attachments = append(attachments, a)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations SET updated_at = ? WHERE id = ?
	`, createdAt, m.ConversationID); err != nil {
		return nil, fmt.Errorf("bump conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	return &store.Message{
		ID:             msgID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Body:           m.Body,
		Kind:           kind,
		ReplyToID:      m.ReplyToID,
		CreatedAt:      createdAt,
		Attachments:    attachments,
	}, nil
}

// GetMessage retrieves a single message with its attachments.
func (s *SQLiteStore) GetMessage(ctx context.Context, id int64) (*store.Message, error) {
	query := `
		SELECT id, conversation_id, sender_id, body, kind, reply_to_id, edited, edited_at, created_at
		FROM messages
		WHERE id = ?
	`
	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, err
	}

	attachments, err := s.listAttachments(ctx, msg.ID)
	if err != nil {
		return nil, err
	}
	msg.Attachments = attachments

	return msg, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*store.Message, error) {
	var msg store.Message
	var kind string
	var replyTo sql.NullInt64
	var editedAt sql.NullTime
	err := row.Scan(
		&msg.ID,
		&msg.ConversationID,
		&msg.SenderID,
		&msg.Body,
		&kind,
		&replyTo,
		&msg.Edited,
		&editedAt,
		&msg.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrMessageNotFound
		}
		return nil, fmt.Errorf("scan message: %w", err)
	}
	msg.Kind = store.MessageKind(kind)
	if replyTo.Valid {
		msg.ReplyToID = &replyTo.Int64
	}
	if editedAt.Valid {
		msg.EditedAt = &editedAt.Time
	}
	return &msg, nil
}

func (s *SQLiteStore) listAttachments(ctx context.Context, messageID int64) ([]store.Attachment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_id, name, url, mime_type
		FROM attachments
		WHERE message_id = ?
		ORDER BY id ASC
	`, messageID)
	if err != nil {
		return nil, fmt.Errorf("query attachments: %w", err)
	}
	defer rows.Close()

	var attachments []store.Attachment
	for rows.Next() {
		var a store.Attachment
		if err := rows.Scan(&a.ID, &a.MessageID, &a.Name, &a.URL, &a.MimeType); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		attachments = append(attachments, a)
	}

	return attachments, rows.Err()
}

// ListConversationsForUser returns the user's conversations ordered by
// UpdatedAt descending with last-message preview and unread count.
func (s *SQLiteStore) ListConversationsForUser(ctx context.Context, userID int64) ([]*store.ConversationSummary, error) {
	query := `
		SELECT c.id, c.is_group, c.name, c.direct_key, c.created_at, c.updated_at,
		       (SELECT m.id FROM messages m WHERE m.conversation_id = c.id ORDER BY m.id DESC LIMIT 1),
		       (SELECT COUNT(*) FROM messages m
		        WHERE m.conversation_id = c.id
		          AND m.id > p.last_read_message_id
		          AND m.sender_id != p.user_id)
		FROM conversations c
		JOIN participants p ON p.conversation_id = c.id
		WHERE p.user_id = ?
		ORDER BY c.updated_at DESC, c.id DESC
	`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var summaries []*store.ConversationSummary
	var lastIDs []sql.NullInt64
	for rows.Next() {
		var sum store.ConversationSummary
		var key sql.NullString
		var lastID sql.NullInt64
		if err := rows.Scan(
			&sum.Conversation.ID,
			&sum.Conversation.IsGroup,
			&sum.Conversation.Name,
			&key,
			&sum.Conversation.CreatedAt,
			&sum.Conversation.UpdatedAt,
			&lastID,
			&sum.UnreadCount,
		); err != nil {
			return nil, fmt.Errorf("scan conversation summary: %w", err)
		}
		if key.Valid {
			sum.Conversation.DirectKey = &key.String
		}
		summaries = append(summaries, &sum)
		lastIDs = append(lastIDs, lastID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, lastID := range lastIDs {
		if !lastID.Valid {
			continue
		}
		msg, err := s.GetMessage(ctx, lastID.Int64)
		if err != nil {
			return nil, fmt.Errorf("load last message: %w", err)
		}
		summaries[i].LastMessage = msg
	}

	return summaries, nil
}

// MarkRead advances the participant's read marker and writes read receipts in
// one transaction. The marker is monotonic: older targets are a no-op.
func (s *SQLiteStore) MarkRead(ctx context.Context, conversationID, userID, throughMessageID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var lastRead int64
	err = tx.QueryRowContext(ctx, `
		SELECT last_read_message_id FROM participants
		WHERE conversation_id = ? AND user_id = ?
	`, conversationID, userID).Scan(&lastRead)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotAParticipant
		}
		return fmt.Errorf("query read marker: %w", err)
	}

	var targetConv int64
	err = tx.QueryRowContext(ctx, `
		SELECT conversation_id FROM messages WHERE id = ?
	`, throughMessageID).Scan(&targetConv)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrMessageNotFound
		}
		return fmt.Errorf("query target message: %w", err)
	}
	if targetConv != conversationID {
		return store.ErrMessageNotFound
	}

	if throughMessageID <= lastRead {
		return nil // marker only moves forward
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE participants SET last_read_message_id = ?
		WHERE conversation_id = ? AND user_id = ?
	`, throughMessageID, conversationID, userID); err != nil {
		return fmt.Errorf("advance read marker: %w", err)
	}

	// Receipts for every newly-read message authored by someone else. The
	// unique primary key keeps them one-per-(message, user).
	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO read_receipts (message_id, user_id, read_at)
		SELECT id, ?, ? FROM messages
		WHERE conversation_id = ? AND id > ? AND id <= ? AND sender_id != ?
	`, userID, time.Now().UTC(), conversationID, lastRead, throughMessageID, userID); err != nil {
		return fmt.Errorf("insert read receipts: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// UnreadCount returns the number of messages past the user's read marker
// authored by someone else.
func (s *SQLiteStore) UnreadCount(ctx context.Context, conversationID, userID int64) (int64, error) {
	query := `
		SELECT COUNT(*) FROM messages m
		JOIN participants p ON p.conversation_id = m.conversation_id AND p.user_id = ?
		WHERE m.conversation_id = ?
		  AND m.id > p.last_read_message_id
		  AND m.sender_id != ?
	`
	var count int64
	if err := s.db.QueryRowContext(ctx, query, userID, conversationID, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("query unread count: %w", err)
	}

	return count, nil
}

// FetchHistory returns up to limit messages newest-first, keyset-paginated on
// the message id (which matches the (created_at, id) display order).
func (s *SQLiteStore) FetchHistory(ctx context.Context, conversationID, userID int64, beforeID *int64, limit int) ([]*store.Message, bool, error) {
	if _, err := s.GetConversationByID(ctx, conversationID); err != nil {
		return nil, false, err
	}

	isMember, err := s.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return nil, false, err
	}
	if !isMember {
		return nil, false, store.ErrNotAParticipant
	}

	var query string
	var args []any
	if beforeID != nil {
		query = `
			SELECT id, conversation_id, sender_id, body, kind, reply_to_id, edited, edited_at, created_at
			FROM messages
			WHERE conversation_id = ? AND id < ?
			ORDER BY id DESC
			LIMIT ?
		`
		args = []any{conversationID, *beforeID, limit + 1}
	} else {
		query = `
			SELECT id, conversation_id, sender_id, body, kind, reply_to_id, edited, edited_at, created_at
			FROM messages
			WHERE conversation_id = ?
			ORDER BY id DESC
			LIMIT ?
		`
		args = []any{conversationID, limit + 1}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []*store.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, false, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	hasMore := false
	if len(messages) > limit {
		hasMore = true
		messages = messages[:limit]
	}

	for _, msg := range messages {
		attachments, err := s.listAttachments(ctx, msg.ID)
		if err != nil {
			return nil, false, err
		}
		msg.Attachments = attachments
	}

	return messages, hasMore, nil
}

// ListReceipts lists read receipts for a message.
func (s *SQLiteStore) ListReceipts(ctx context.Context, messageID int64) ([]*store.ReadReceipt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, user_id, read_at
		FROM read_receipts
		WHERE message_id = ?
		ORDER BY user_id ASC
	`, messageID)
	if err != nil {
		return nil, fmt.Errorf("query receipts: %w", err)
	}
	defer rows.Close()

	var receipts []*store.ReadReceipt
	for rows.Next() {
		var r store.ReadReceipt
		if err := rows.Scan(&r.MessageID, &r.UserID, &r.ReadAt); err != nil {
			return nil, fmt.Errorf("scan receipt: %w", err)
		}
		receipts = append(receipts, &r)
	}

	return receipts, rows.Err()
}

// Ensure SQLiteStore implements store.Store
var _ store.Store = (*SQLiteStore)(nil)
