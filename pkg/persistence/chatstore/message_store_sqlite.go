package chatstore

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/coursechat/pkg/chaterrors"
)

func (s *SQLiteStore) AppendMessage(ctx context.Context, ownerID string, m Message) (AppendedMessage, error) {
	const op = "sqlite store: append message"
	if s == nil || s.db == nil {
		return AppendedMessage{}, errors.New("sqlite store: db is nil")
	}
	m.ConvID = strings.TrimSpace(m.ConvID)
	if m.ConvID == "" {
		return AppendedMessage{}, chaterrors.Validation(op, "conversation_id is empty")
	}
	if !m.Type.Valid() {
		return AppendedMessage{}, chaterrors.Validation(op, "message type must be user or assistant")
	}
	if m.Content == "" {
		return AppendedMessage{}, chaterrors.Validation(op, "content is empty")
	}
	if m.CreatedAtMs <= 0 {
		m.CreatedAtMs = time.Now().UnixMilli()
	}

	// The DSN opens transactions with BEGIN IMMEDIATE, so the max read and the
	// insert below hold the write lock together.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AppendedMessage{}, chaterrors.Wrap(err, chaterrors.KindPersistence, op, "could not store message")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := getOwnedConversation(ctx, tx, ownerID, m.ConvID); err != nil {
		return AppendedMessage{}, err
	}

	var next int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence_number), 0) + 1 FROM messages WHERE conv_id = ?`, m.ConvID,
	).Scan(&next); err != nil {
		return AppendedMessage{}, chaterrors.Wrap(err, chaterrors.KindPersistence, op, "could not assign sequence number")
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO messages (conv_id, type, content, created_at_ms, sequence_number, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.ConvID, string(m.Type), m.Content, m.CreatedAtMs, next, normalizeMetadata(m.Metadata))
	if err != nil {
		return AppendedMessage{}, chaterrors.Wrap(err, chaterrors.KindPersistence, op, "could not store message")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return AppendedMessage{}, chaterrors.Wrap(err, chaterrors.KindPersistence, op, "could not store message")
	}
	if err := tx.Commit(); err != nil {
		return AppendedMessage{}, chaterrors.Wrap(err, chaterrors.KindPersistence, op, "could not store message")
	}
	return AppendedMessage{MessageID: id, SequenceNumber: next, CreatedAtMs: m.CreatedAtMs}, nil
}

func (s *SQLiteStore) LoadOwnedMessages(ctx context.Context, ownerID, convID string) ([]Message, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite store: db is nil")
	}
	if _, err := getOwnedConversation(ctx, s.db, ownerID, convID); err != nil {
		return nil, err
	}
	return s.LoadMessages(ctx, convID)
}

func (s *SQLiteStore) LoadMessages(ctx context.Context, convID string) ([]Message, error) {
	const op = "sqlite store: load messages"
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite store: db is nil")
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conv_id, type, content, created_at_ms, sequence_number, metadata_json
		FROM messages
		WHERE conv_id = ?
		ORDER BY sequence_number ASC
	`, strings.TrimSpace(convID))
	if err != nil {
		return nil, chaterrors.Wrap(err, chaterrors.KindPersistence, op, "could not load messages")
	}
	defer func() { _ = rows.Close() }()

	out := []Message{}
	for rows.Next() {
		var (
			m        Message
			typ      string
			metadata string
		)
		if err := rows.Scan(&m.ID, &m.ConvID, &typ, &m.Content, &m.CreatedAtMs, &m.SequenceNumber, &metadata); err != nil {
			return nil, chaterrors.Wrap(err, chaterrors.KindPersistence, op, "could not load messages")
		}
		m.Type = MessageType(typ)
		m.Metadata = json.RawMessage(metadata)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, chaterrors.Wrap(err, chaterrors.KindPersistence, op, "could not load messages")
	}
	return out, nil
}
