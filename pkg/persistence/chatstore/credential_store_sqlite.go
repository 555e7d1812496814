package chatstore

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/coursechat/pkg/chaterrors"
)

func (s *SQLiteStore) GetActiveCredential(ctx context.Context, ownerID, provider string) (Credential, bool, error) {
	if s == nil || s.db == nil {
		return Credential{}, false, errors.New("sqlite store: db is nil")
	}
	var (
		c        Credential
		lastUsed sql.NullInt64
		active   int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, provider, provider_key_id, secret_key, display_name, created_at_ms, last_used_ms, active
		FROM credentials
		WHERE owner_id = ? AND provider = ? AND active = 1
	`, strings.TrimSpace(ownerID), strings.TrimSpace(provider)).Scan(
		&c.ID,
		&c.OwnerID,
		&c.Provider,
		&c.ProviderKeyID,
		&c.SecretKey,
		&c.DisplayName,
		&c.CreatedAtMs,
		&lastUsed,
		&active,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Credential{}, false, nil
	}
	if err != nil {
		return Credential{}, false, chaterrors.Wrap(err, chaterrors.KindPersistence, "sqlite store: get credential", "could not read credential")
	}
	if lastUsed.Valid {
		v := lastUsed.Int64
		c.LastUsedMs = &v
	}
	c.Active = active == 1
	return c, true, nil
}

func (s *SQLiteStore) InsertCredential(ctx context.Context, c Credential) (Credential, error) {
	const op = "sqlite store: insert credential"
	if s == nil || s.db == nil {
		return Credential{}, errors.New("sqlite store: db is nil")
	}
	c.OwnerID = strings.TrimSpace(c.OwnerID)
	c.Provider = strings.TrimSpace(c.Provider)
	switch {
	case c.OwnerID == "":
		return Credential{}, chaterrors.Validation(op, "owner_id is empty")
	case c.Provider == "":
		return Credential{}, chaterrors.Validation(op, "provider is empty")
	case strings.TrimSpace(c.ProviderKeyID) == "":
		return Credential{}, chaterrors.Validation(op, "provider key id is empty")
	case c.SecretKey == "":
		return Credential{}, chaterrors.Validation(op, "secret key is empty")
	}
	if c.CreatedAtMs <= 0 {
		c.CreatedAtMs = time.Now().UnixMilli()
	}
	c.Active = true
	c.LastUsedMs = nil

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (owner_id, provider, provider_key_id, secret_key, display_name, created_at_ms, last_used_ms, active)
		VALUES (?, ?, ?, ?, ?, ?, NULL, 1)
	`, c.OwnerID, c.Provider, c.ProviderKeyID, c.SecretKey, c.DisplayName, c.CreatedAtMs)
	if isUniqueViolation(err) {
		return Credential{}, chaterrors.E(chaterrors.KindConflict, op, "an active credential already exists")
	}
	if err != nil {
		return Credential{}, chaterrors.Wrap(err, chaterrors.KindPersistence, op, "could not store credential")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Credential{}, chaterrors.Wrap(err, chaterrors.KindPersistence, op, "could not store credential")
	}
	c.ID = id
	return c, nil
}

func (s *SQLiteStore) TouchCredential(ctx context.Context, ownerID, provider string, atMs int64) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite store: db is nil")
	}
	if atMs <= 0 {
		atMs = time.Now().UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE credentials SET last_used_ms = ?
		WHERE owner_id = ? AND provider = ? AND active = 1
	`, atMs, strings.TrimSpace(ownerID), strings.TrimSpace(provider))
	if err != nil {
		return errors.Wrap(err, "sqlite store: touch credential")
	}
	return nil
}

func (s *SQLiteStore) DeactivateCredential(ctx context.Context, ownerID, provider string) (bool, error) {
	if s == nil || s.db == nil {
		return false, errors.New("sqlite store: db is nil")
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE credentials SET active = 0
		WHERE owner_id = ? AND provider = ? AND active = 1
	`, strings.TrimSpace(ownerID), strings.TrimSpace(provider))
	if err != nil {
		return false, chaterrors.Wrap(err, chaterrors.KindPersistence, "sqlite store: deactivate credential", "could not deactivate credential")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "sqlite store: deactivate credential")
	}
	return n > 0, nil
}
