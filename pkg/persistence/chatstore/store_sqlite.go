package chatstore

import (
	"database/sql"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// SQLiteStore keeps credentials, conversations and messages in one SQLite
// database.
type SQLiteStore struct {
	db *sql.DB
}

var (
	_ ConversationStore = &SQLiteStore{}
	_ MessageStore      = &SQLiteStore{}
	_ CredentialStore   = &SQLiteStore{}
)

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	if strings.Contains(dsn, ":memory:") {
		// every pooled connection would otherwise open its own database
		db.SetMaxOpenConns(1)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite store: db is nil")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS credentials (
		  id INTEGER PRIMARY KEY AUTOINCREMENT,
		  owner_id TEXT NOT NULL,
		  provider TEXT NOT NULL,
		  provider_key_id TEXT NOT NULL UNIQUE,
		  secret_key TEXT NOT NULL,
		  display_name TEXT NOT NULL DEFAULT '',
		  created_at_ms INTEGER NOT NULL,
		  last_used_ms INTEGER,
		  active INTEGER NOT NULL DEFAULT 1
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS credentials_one_active
		  ON credentials(owner_id, provider) WHERE active = 1;`,
		`CREATE TABLE IF NOT EXISTS conversations (
		  conv_id TEXT PRIMARY KEY,
		  owner_id TEXT NOT NULL,
		  title TEXT NOT NULL DEFAULT '',
		  created_at_ms INTEGER NOT NULL,
		  last_updated_ms INTEGER NOT NULL,
		  active INTEGER NOT NULL DEFAULT 1,
		  metadata_json TEXT NOT NULL DEFAULT '{}'
		);`,
		`CREATE INDEX IF NOT EXISTS conversations_by_owner
		  ON conversations(owner_id, active, last_updated_ms DESC);`,
		`CREATE TABLE IF NOT EXISTS messages (
		  id INTEGER PRIMARY KEY AUTOINCREMENT,
		  conv_id TEXT NOT NULL REFERENCES conversations(conv_id),
		  type TEXT NOT NULL,
		  content TEXT NOT NULL,
		  created_at_ms INTEGER NOT NULL,
		  sequence_number INTEGER NOT NULL,
		  metadata_json TEXT NOT NULL DEFAULT '{}',
		  UNIQUE (conv_id, sequence_number)
		);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite store: migrate")
		}
	}
	return nil
}

// SQLiteDSNForFile returns a DSN for a database file. Transactions take the
// write lock at BEGIN so read-then-insert sequences cannot interleave.
func SQLiteDSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("sqlite store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate", path), nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !stderrors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func normalizeMetadata(raw []byte) string {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return "{}"
	}
	return string(raw)
}
