// Package conversations reads and records the conversation, message and tag
// rows the flow subsystem depends on. The tables are owned by the CRUD side
// of the application; this package only touches what the flow needs.
package conversations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"wuzapi-autoflow/internal/models"
)

var ErrNotFound = errors.New("conversations: not found")

// State is the per-conversation summary the decision engine classifies.
// ResponseCount counts every message not sent by the client.
type State struct {
	LastMessageTime int64 `db:"last_message_time"`
	MessageCount    int   `db:"message_count"`
	ResponseCount   int   `db:"response_count"`
}

// Anchor is the template message a client reply is considered to answer.
type Anchor struct {
	MessageID  int64  `db:"id"`
	Name       string `db:"template_name"`
	ExternalID string `db:"external_id"`
}

// Inbound is a client message to record.
type Inbound struct {
	ExternalID  string
	MessageType string
	Body        string
	ReceivedAt  time.Time
}

// Store is the sqlx-backed conversation store.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db, now: time.Now}
}

func (s *Store) GetConversation(ctx context.Context, id int64) (*models.Conversation, error) {
	var c models.Conversation
	err := s.db.GetContext(ctx, &c, s.db.Rebind(`SELECT * FROM conversations WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation %d: %w", id, err)
	}
	return &c, nil
}

// GetConversationState summarizes the conversation's history.
func (s *Store) GetConversationState(ctx context.Context, conversationID int64) (State, error) {
	var st State
	err := s.db.GetContext(ctx, &st, s.db.Rebind(`
		SELECT c.last_message_time,
		       (SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id) AS message_count,
		       (SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id AND m.status <> ?) AS response_count
		FROM conversations c WHERE c.id = ?`),
		models.StatusClient, conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return State{}, fmt.Errorf("conversation %d: %w", conversationID, ErrNotFound)
	}
	if err != nil {
		return State{}, fmt.Errorf("conversation state %d: %w", conversationID, err)
	}
	return st, nil
}

// GetAnchorTemplateMessage resolves the template message a reply answers.
// With a context message id it is the template whose external id matches;
// without one it is the latest template the client has received or read.
// It returns nil when there is no anchor.
func (s *Store) GetAnchorTemplateMessage(ctx context.Context, conversationID int64, contextMessageID string) (*Anchor, error) {
	var (
		a   Anchor
		err error
	)
	if contextMessageID != "" {
		err = s.db.GetContext(ctx, &a, s.db.Rebind(`
			SELECT id, template_name, external_id FROM messages
			WHERE conversation_id = ? AND message_type = ? AND external_id = ?
			ORDER BY id DESC LIMIT 1`),
			conversationID, models.TypeTemplate, contextMessageID)
	} else {
		err = s.db.GetContext(ctx, &a, s.db.Rebind(`
			SELECT id, template_name, external_id FROM messages
			WHERE conversation_id = ? AND message_type = ? AND status IN (?, ?)
			ORDER BY created_at DESC, id DESC LIMIT 1`),
			conversationID, models.TypeTemplate, models.StatusRead, models.StatusDelivered)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("anchor message for conversation %d: %w", conversationID, err)
	}
	return &a, nil
}

// FindOrCreateByPhone returns the oldest conversation of the phone on the
// channel, creating one when none exists.
func (s *Store) FindOrCreateByPhone(ctx context.Context, companyID, companyPhoneID int64, phone string) (*models.Conversation, error) {
	var c models.Conversation
	err := s.db.GetContext(ctx, &c, s.db.Rebind(`
		SELECT * FROM conversations WHERE company_id = ? AND company_phone_id = ? AND phone = ?
		ORDER BY id LIMIT 1`),
		companyID, companyPhoneID, phone)
	if err == nil {
		return &c, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("find conversation for %s: %w", phone, err)
	}

	c = models.Conversation{CompanyID: companyID, CompanyPhoneID: companyPhoneID, Phone: phone}
	err = s.db.QueryRowxContext(ctx, s.db.Rebind(`
		INSERT INTO conversations (company_id, company_phone_id, phone, last_message_time)
		VALUES (?, ?, ?, 0) RETURNING id`),
		companyID, companyPhoneID, phone).Scan(&c.ID)
	if err != nil {
		return nil, fmt.Errorf("create conversation for %s: %w", phone, err)
	}
	log.Info().
		Int64("conversationID", c.ID).
		Int64("companyID", companyID).
		Int64("companyPhoneID", companyPhoneID).
		Str("phone", phone).
		Msg("Conversation created")
	return &c, nil
}

// RecordInbound stores a client message and bumps the conversation's last
// message time.
func (s *Store) RecordInbound(ctx context.Context, conversationID int64, in Inbound) (int64, error) {
	at := in.ReceivedAt
	if at.IsZero() {
		at = s.now()
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin record inbound: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var id int64
	err = tx.QueryRowxContext(ctx, tx.Rebind(`
		INSERT INTO messages (conversation_id, external_id, status, message_type, template_name, is_bot, body, created_at)
		VALUES (?, ?, ?, ?, '', ?, ?, ?) RETURNING id`),
		conversationID, in.ExternalID, models.StatusClient, in.MessageType, false, in.Body, at.Unix()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert inbound message: %w", err)
	}
	res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE conversations SET last_message_time = ? WHERE id = ?`),
		at.Unix(), conversationID)
	if err != nil {
		return 0, fmt.Errorf("touch conversation %d: %w", conversationID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, fmt.Errorf("conversation %d: %w", conversationID, ErrNotFound)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit record inbound: %w", err)
	}
	return id, nil
}

// RecordOutboundTemplate stores a template sent by the flow so later replies
// can anchor to it, and touches the conversation's last message time so a
// reply to it is read as part of the running flow.
func (s *Store) RecordOutboundTemplate(ctx context.Context, conversationID int64, templateName, externalID string) (int64, error) {
	at := s.now()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin record outbound: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var id int64
	err = tx.QueryRowxContext(ctx, tx.Rebind(`
		INSERT INTO messages (conversation_id, external_id, status, message_type, template_name, is_bot, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?, '', ?) RETURNING id`),
		conversationID, externalID, models.StatusTrying, models.TypeTemplate, templateName, true, at.Unix()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert outbound template: %w", err)
	}
	res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE conversations SET last_message_time = ? WHERE id = ?`),
		at.Unix(), conversationID)
	if err != nil {
		return 0, fmt.Errorf("touch conversation %d: %w", conversationID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, fmt.Errorf("conversation %d: %w", conversationID, ErrNotFound)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit record outbound: %w", err)
	}
	return id, nil
}

func (s *Store) GetTag(ctx context.Context, id int64) (*models.Tag, error) {
	var t models.Tag
	err := s.db.GetContext(ctx, &t, s.db.Rebind(`SELECT * FROM tags WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("tag %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get tag %d: %w", id, err)
	}
	return &t, nil
}

// AttachTag links a tag to a conversation. It reports false when the link
// already existed.
func (s *Store) AttachTag(ctx context.Context, conversationID, tagID int64) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.db.Rebind(
		`SELECT COUNT(*) FROM conversation_tags WHERE conversation_id = ? AND tag_id = ?`),
		conversationID, tagID)
	if err != nil {
		return false, fmt.Errorf("check tag %d on conversation %d: %w", tagID, conversationID, err)
	}
	if n > 0 {
		return false, nil
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO conversation_tags (conversation_id, tag_id, created_at) VALUES (?, ?, ?)`),
		conversationID, tagID, s.now().UTC())
	if err != nil {
		return false, fmt.Errorf("attach tag %d to conversation %d: %w", tagID, conversationID, err)
	}
	return true, nil
}

// statusRank orders delivery statuses so late callbacks never move a message
// backwards (a "delivered" arriving after "read" is ignored).
var statusRank = map[string]int{
	models.StatusTrying:    1,
	models.StatusDelivered: 2,
	models.StatusRead:      3,
}

// UpdateStatus applies a delivery status callback to the outbound message
// with the given external id. It reports whether a row changed.
func (s *Store) UpdateStatus(ctx context.Context, externalID, status string) (bool, error) {
	rank, ok := statusRank[status]
	if !ok || externalID == "" {
		return false, nil
	}
	lower := make([]string, 0, len(statusRank))
	for st, r := range statusRank {
		if r < rank {
			lower = append(lower, st)
		}
	}
	if len(lower) == 0 {
		return false, nil
	}
	query, args, err := sqlx.In(
		`UPDATE messages SET status = ? WHERE external_id = ? AND is_bot = ? AND status IN (?)`,
		status, externalID, true, lower)
	if err != nil {
		return false, fmt.Errorf("build status update: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return false, fmt.Errorf("update status of %s: %w", externalID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
