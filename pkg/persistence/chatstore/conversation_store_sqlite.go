package chatstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/coursechat/pkg/chaterrors"
)

const conversationColumns = `conv_id, owner_id, title, created_at_ms, last_updated_ms, active, metadata_json`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (Conversation, error) {
	var (
		c        Conversation
		active   int64
		metadata string
	)
	if err := row.Scan(&c.ConvID, &c.OwnerID, &c.Title, &c.CreatedAtMs, &c.LastUpdatedMs, &active, &metadata); err != nil {
		return Conversation{}, err
	}
	c.Active = active == 1
	c.Metadata = json.RawMessage(metadata)
	return c, nil
}

func (s *SQLiteStore) CreateConversation(ctx context.Context, c Conversation) (Conversation, error) {
	const op = "sqlite store: create conversation"
	if s == nil || s.db == nil {
		return Conversation{}, errors.New("sqlite store: db is nil")
	}
	c.ConvID = strings.TrimSpace(c.ConvID)
	c.OwnerID = strings.TrimSpace(c.OwnerID)
	if c.ConvID == "" {
		return Conversation{}, chaterrors.Validation(op, "conversation_id is empty")
	}
	if c.OwnerID == "" {
		return Conversation{}, chaterrors.Validation(op, "owner_id is empty")
	}
	if c.CreatedAtMs <= 0 {
		c.CreatedAtMs = time.Now().UnixMilli()
	}
	c.LastUpdatedMs = c.CreatedAtMs
	c.Active = true
	c.Metadata = json.RawMessage(normalizeMetadata(c.Metadata))

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (conv_id, owner_id, title, created_at_ms, last_updated_ms, active, metadata_json)
		VALUES (?, ?, ?, ?, ?, 1, ?)
	`, c.ConvID, c.OwnerID, c.Title, c.CreatedAtMs, c.LastUpdatedMs, string(c.Metadata))
	if isUniqueViolation(err) {
		return Conversation{}, chaterrors.E(chaterrors.KindConflict, op, "conversation id already exists")
	}
	if err != nil {
		return Conversation{}, chaterrors.Wrap(err, chaterrors.KindPersistence, op, "could not store conversation")
	}
	return c, nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, ownerID, convID string) (Conversation, error) {
	if s == nil || s.db == nil {
		return Conversation{}, errors.New("sqlite store: db is nil")
	}
	return getOwnedConversation(ctx, s.db, ownerID, convID)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getOwnedConversation(ctx context.Context, q queryRower, ownerID, convID string) (Conversation, error) {
	const op = "sqlite store: get conversation"
	if q == nil {
		return Conversation{}, errors.New("sqlite store: db is nil")
	}
	c, err := scanConversation(q.QueryRowContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE conv_id = ? AND owner_id = ? AND active = 1
	`, strings.TrimSpace(convID), strings.TrimSpace(ownerID)))
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, chaterrors.NotFound(op, "conversation not found")
	}
	if err != nil {
		return Conversation{}, chaterrors.Wrap(err, chaterrors.KindPersistence, op, "could not read conversation")
	}
	return c, nil
}

func (s *SQLiteStore) ListConversations(ctx context.Context, ownerID string) ([]Conversation, error) {
	const op = "sqlite store: list conversations"
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite store: db is nil")
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE owner_id = ? AND active = 1
		ORDER BY last_updated_ms DESC, conv_id ASC
	`, strings.TrimSpace(ownerID))
	if err != nil {
		return nil, chaterrors.Wrap(err, chaterrors.KindPersistence, op, "could not list conversations")
	}
	defer func() { _ = rows.Close() }()

	out := []Conversation{}
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, chaterrors.Wrap(err, chaterrors.KindPersistence, op, "could not list conversations")
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, chaterrors.Wrap(err, chaterrors.KindPersistence, op, "could not list conversations")
	}
	return out, nil
}

// bumpExpr advances last_updated_ms to ? or, when the clock has not moved,
// one past its current value.
const bumpExpr = `last_updated_ms = CASE WHEN ? > last_updated_ms THEN ? ELSE last_updated_ms + 1 END`

func (s *SQLiteStore) UpdateConversation(ctx context.Context, ownerID, convID string, patch ConversationPatch, nowMs int64) (Conversation, error) {
	const op = "sqlite store: update conversation"
	if s == nil || s.db == nil {
		return Conversation{}, errors.New("sqlite store: db is nil")
	}
	if nowMs <= 0 {
		nowMs = time.Now().UnixMilli()
	}

	sets := make([]string, 0, 3)
	args := make([]any, 0, 6)
	if patch.Title != nil {
		sets = append(sets, `title = ?`)
		args = append(args, *patch.Title)
	}
	if patch.Metadata != nil {
		sets = append(sets, `metadata_json = ?`)
		args = append(args, normalizeMetadata(patch.Metadata))
	}
	sets = append(sets, bumpExpr)
	args = append(args, nowMs, nowMs, strings.TrimSpace(convID), strings.TrimSpace(ownerID))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Conversation{}, chaterrors.Wrap(err, chaterrors.KindPersistence, op, "could not update conversation")
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE conversations SET `+strings.Join(sets, ", ")+`
		WHERE conv_id = ? AND owner_id = ? AND active = 1`, args...)
	if err != nil {
		return Conversation{}, chaterrors.Wrap(err, chaterrors.KindPersistence, op, "could not update conversation")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return Conversation{}, chaterrors.NotFound(op, "conversation not found")
	}
	c, err := getOwnedConversation(ctx, tx, ownerID, convID)
	if err != nil {
		return Conversation{}, err
	}
	if err := tx.Commit(); err != nil {
		return Conversation{}, chaterrors.Wrap(err, chaterrors.KindPersistence, op, "could not update conversation")
	}
	return c, nil
}

func (s *SQLiteStore) SoftDeleteConversation(ctx context.Context, ownerID, convID string, nowMs int64) error {
	const op = "sqlite store: delete conversation"
	if s == nil || s.db == nil {
		return errors.New("sqlite store: db is nil")
	}
	if nowMs <= 0 {
		nowMs = time.Now().UnixMilli()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET active = 0, `+bumpExpr+`
		WHERE conv_id = ? AND owner_id = ? AND active = 1
	`, nowMs, nowMs, strings.TrimSpace(convID), strings.TrimSpace(ownerID))
	if err != nil {
		return chaterrors.Wrap(err, chaterrors.KindPersistence, op, "could not delete conversation")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return chaterrors.NotFound(op, "conversation not found")
	}
	return nil
}

func (s *SQLiteStore) TouchConversation(ctx context.Context, convID string, nowMs int64) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite store: db is nil")
	}
	if nowMs <= 0 {
		nowMs = time.Now().UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `UPDATE conversations SET `+bumpExpr+` WHERE conv_id = ?`, nowMs, nowMs, strings.TrimSpace(convID))
	if err != nil {
		return errors.Wrap(err, "sqlite store: touch conversation")
	}
	return nil
}
