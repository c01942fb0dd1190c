package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"healthchat/internal/models"
)

// ErrNotFound is returned when a conversation, message or assessment does not exist.
var ErrNotFound = errors.New("record not found")

// Store persists conversations and their message threads.
type Store struct {
	db     *sql.DB
	driver string
	clock  *Clock
}

// NewStore wraps an opened database. A nil clock falls back to the wall clock.
func NewStore(db *sql.DB, driver string, clock *Clock) *Store {
	if normalized, err := NormalizeDriver(driver); err == nil {
		driver = normalized
	}
	if clock == nil {
		clock = NewClock(nil)
	}
	return &Store{db: db, driver: driver, clock: clock}
}

// DB exposes the underlying handle for collaborators sharing the connection.
func (s *Store) DB() *sql.DB { return s.db }

// Driver reports the canonical driver name.
func (s *Store) Driver() string { return s.driver }

// Now returns the next timestamp from the store clock.
func (s *Store) Now() time.Time { return s.clock.Now() }

func (s *Store) q(query string) string { return Rebind(s.driver, query) }

// NewID returns a time-ordered identifier.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

type rowScanner interface {
	Scan(dest ...any) error
}

const conversationColumns = `id, user_id, assessment_id, assessment_object, preview, created_at, updated_at`

func scanConversation(row rowScanner) (*models.Conversation, error) {
	var (
		c        models.Conversation
		snapshot sql.NullString
		preview  sql.NullString
	)
	if err := row.Scan(&c.ID, &c.UserID, &c.AssessmentID, &snapshot, &preview, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	if snapshot.Valid {
		c.AssessmentObject = json.RawMessage(snapshot.String)
	}
	if preview.Valid {
		p := preview.String
		c.Preview = &p
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}

const messageColumns = `id, conversation_id, role, content, parent_message_id, created_at, edited_at`

func scanMessage(row rowScanner) (*models.Message, error) {
	var (
		m        models.Message
		role     string
		parentID sql.NullString
		editedAt sql.NullTime
	)
	if err := row.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &parentID, &m.CreatedAt, &editedAt); err != nil {
		return nil, err
	}
	m.Role = models.Role(role)
	if parentID.Valid {
		p := parentID.String
		m.ParentMessageID = &p
	}
	m.CreatedAt = m.CreatedAt.UTC()
	if editedAt.Valid {
		t := editedAt.Time.UTC()
		m.EditedAt = &t
	}
	return &m, nil
}

func nullableString(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// CreateConversation inserts a new conversation bound to an assessment snapshot.
func (s *Store) CreateConversation(ctx context.Context, userID, assessmentID string, snapshot json.RawMessage) (*models.Conversation, error) {
	if userID == "" || assessmentID == "" {
		return nil, errors.New("user id and assessment id are required")
	}
	now := s.clock.Now()
	conv := &models.Conversation{
		ID:               NewID(),
		UserID:           userID,
		AssessmentID:     assessmentID,
		AssessmentObject: snapshot,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO conversations (`+conversationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		conv.ID, conv.UserID, conv.AssessmentID, nullableJSON(snapshot), nil, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	return conv, nil
}

// GetConversation loads a conversation by id.
func (s *Store) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`), id)
	conv, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return conv, nil
}

// IsOwner reports whether the conversation exists and belongs to userID.
func (s *Store) IsOwner(ctx context.Context, conversationID, userID string) (bool, error) {
	var owner string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT user_id FROM conversations WHERE id = ?`), conversationID).Scan(&owner)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check conversation owner: %w", err)
	}
	return owner == userID, nil
}

// ListConversations returns the user's conversations, most recently updated first.
func (s *Store) ListConversations(ctx context.Context, userID string) ([]*models.ConversationSummary, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT c.id, c.user_id, c.assessment_id, c.assessment_object, c.preview, c.created_at, c.updated_at,
			(SELECT COUNT(*) FROM chat_messages m WHERE m.conversation_id = c.id)
		 FROM conversations c
		 WHERE c.user_id = ?
		 ORDER BY c.updated_at DESC, c.id DESC`), userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []*models.ConversationSummary
	for rows.Next() {
		var count int
		conv, err := scanConversation(scanFunc(func(dest ...any) error {
			return rows.Scan(append(dest, &count)...)
		}))
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, conv.Summary(count))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return out, nil
}

type scanFunc func(dest ...any) error

func (f scanFunc) Scan(dest ...any) error { return f(dest...) }

// ListConversationIDs returns every conversation id, oldest first.
func (s *Store) ListConversationIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM conversations ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list conversation ids: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan conversation id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateConversationPreview sets the preview text and bumps updated_at in one statement.
func (s *Store) UpdateConversationPreview(ctx context.Context, conversationID, preview string) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE conversations SET preview = ?, updated_at = ? WHERE id = ?`),
		preview, s.clock.Now(), conversationID)
	if err != nil {
		return fmt.Errorf("update preview: %w", err)
	}
	return expectAffected(res)
}

// DeleteConversation removes a conversation and its messages.
func (s *Store) DeleteConversation(ctx context.Context, conversationID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM chat_messages WHERE conversation_id = ?`), conversationID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, s.q(`DELETE FROM conversations WHERE id = ?`), conversationID)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if err := expectAffected(res); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete conversation: %w", err)
	}
	return nil
}

// InsertMessage stores msg, assigning its id and created_at, and bumps the
// conversation's updated_at to the message timestamp.
func (s *Store) InsertMessage(ctx context.Context, msg *models.Message) error {
	if msg == nil || msg.ConversationID == "" {
		return errors.New("message with conversation id is required")
	}
	if !msg.Role.Valid() {
		return fmt.Errorf("invalid role %q", msg.Role)
	}
	msg.ID = NewID()
	msg.CreatedAt = s.clock.Now()
	msg.EditedAt = nil

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.q(
		`INSERT INTO chat_messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		msg.ID, msg.ConversationID, string(msg.Role), msg.Content, nullableString(msg.ParentMessageID), msg.CreatedAt, nil,
	); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	res, err := tx.ExecContext(ctx, s.q(`UPDATE conversations SET updated_at = ? WHERE id = ?`), msg.CreatedAt, msg.ConversationID)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	if err := expectAffected(res); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit message: %w", err)
	}
	return nil
}

// GetMessage loads a message that belongs to conversationID.
func (s *Store) GetMessage(ctx context.Context, conversationID, messageID string) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx, s.q(
		`SELECT `+messageColumns+` FROM chat_messages WHERE id = ? AND conversation_id = ?`), messageID, conversationID)
	msg, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get message: %w", err)
	}
	return msg, nil
}

// ListMessages returns the whole thread in (created_at, id) order.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]*models.Message, error) {
	return s.listMessages(ctx, s.q(
		`SELECT `+messageColumns+` FROM chat_messages WHERE conversation_id = ? ORDER BY created_at ASC, id ASC`), conversationID)
}

func (s *Store) listMessages(ctx context.Context, query string, args ...any) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	var out []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

// CountMessages returns the number of messages in a conversation.
func (s *Store) CountMessages(ctx context.Context, conversationID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM chat_messages WHERE conversation_id = ?`), conversationID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// LatestMessage returns the last message of the thread or ErrNotFound when it is empty.
func (s *Store) LatestMessage(ctx context.Context, conversationID string) (*models.Message, error) {
	return s.oneMessage(ctx, s.q(
		`SELECT `+messageColumns+` FROM chat_messages WHERE conversation_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT 1`), conversationID)
}

// LatestMessageByRole returns the last message with the given role or ErrNotFound.
func (s *Store) LatestMessageByRole(ctx context.Context, conversationID string, role models.Role) (*models.Message, error) {
	return s.oneMessage(ctx, s.q(
		`SELECT `+messageColumns+` FROM chat_messages WHERE conversation_id = ? AND role = ?
		 ORDER BY created_at DESC, id DESC LIMIT 1`), conversationID, string(role))
}

// PreviousMessage returns the message immediately before msg in thread order or ErrNotFound.
func (s *Store) PreviousMessage(ctx context.Context, msg *models.Message) (*models.Message, error) {
	return s.oneMessage(ctx, s.q(
		`SELECT `+messageColumns+` FROM chat_messages
		 WHERE conversation_id = ? AND (created_at < ? OR (created_at = ? AND id < ?))
		 ORDER BY created_at DESC, id DESC LIMIT 1`),
		msg.ConversationID, msg.CreatedAt, msg.CreatedAt, msg.ID)
}

func (s *Store) oneMessage(ctx context.Context, query string, args ...any) (*models.Message, error) {
	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query message: %w", err)
	}
	return msg, nil
}

// UpdateMessageContent replaces a message's content, stamps edited_at and bumps
// the conversation's updated_at. Id, role and created_at are left untouched.
func (s *Store) UpdateMessageContent(ctx context.Context, conversationID, messageID, content string) (*models.Message, error) {
	now := s.clock.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.q(
		`UPDATE chat_messages SET content = ?, edited_at = ? WHERE id = ? AND conversation_id = ?`),
		content, now, messageID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("update message: %w", err)
	}
	if err := expectAffected(res); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, s.q(`UPDATE conversations SET updated_at = ? WHERE id = ?`), now, conversationID); err != nil {
		return nil, fmt.Errorf("touch conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit message edit: %w", err)
	}
	return s.GetMessage(ctx, conversationID, messageID)
}

// UpdateMessageParent rewrites a message's parent pointer.
func (s *Store) UpdateMessageParent(ctx context.Context, conversationID, messageID string, parentID *string) error {
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE chat_messages SET parent_message_id = ? WHERE id = ? AND conversation_id = ?`),
		nullableString(parentID), messageID, conversationID)
	if err != nil {
		return fmt.Errorf("update message parent: %w", err)
	}
	return expectAffected(res)
}

// DeleteMessagesAfter removes every message that sorts after target in its
// conversation and returns the removed ids in thread order.
func (s *Store) DeleteMessagesAfter(ctx context.Context, target *models.Message) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	const after = `conversation_id = ? AND (created_at > ? OR (created_at = ? AND id > ?))`
	args := []any{target.ConversationID, target.CreatedAt, target.CreatedAt, target.ID}

	rows, err := tx.QueryContext(ctx, s.q(`SELECT id FROM chat_messages WHERE `+after+` ORDER BY created_at ASC, id ASC`), args...)
	if err != nil {
		return nil, fmt.Errorf("select descendants: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan descendant: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate descendants: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM chat_messages WHERE `+after), args...); err != nil {
		return nil, fmt.Errorf("delete descendants: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit descendants: %w", err)
	}
	return ids, nil
}

// CreateAssessment stores an assessment row. Production rows come from the
// assessment service; this is used by seeding and tests.
func (s *Store) CreateAssessment(ctx context.Context, a *models.Assessment) error {
	if a == nil || a.UserID == "" {
		return errors.New("assessment with user id is required")
	}
	if a.ID == "" {
		a.ID = NewID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.clock.Now()
	}
	payload := a.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	if _, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO assessments (id, user_id, payload, created_at) VALUES (?, ?, ?, ?)`),
		a.ID, a.UserID, string(payload), a.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert assessment: %w", err)
	}
	return nil
}

// GetAssessment loads an assessment by id.
func (s *Store) GetAssessment(ctx context.Context, id string) (*models.Assessment, error) {
	var (
		a       models.Assessment
		payload string
	)
	err := s.db.QueryRowContext(ctx, s.q(`SELECT id, user_id, payload, created_at FROM assessments WHERE id = ?`), id).
		Scan(&a.ID, &a.UserID, &payload, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get assessment: %w", err)
	}
	a.Payload = json.RawMessage(payload)
	a.CreatedAt = a.CreatedAt.UTC()
	return &a, nil
}

func expectAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
