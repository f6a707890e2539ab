// Package storage persists change histories, identity attributes and
// cached credentials in SQLite.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/opd-ai/sechannel/credentials"
	"github.com/opd-ai/sechannel/identity"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// migrations run in order on every open. Each one is idempotent.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS change_histories (
		identifier TEXT PRIMARY KEY,
		history    BLOB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS identity_attributes (
		subject     TEXT PRIMARY KEY,
		attributes  BLOB NOT NULL,
		added_at    INTEGER NOT NULL,
		expires_at  INTEGER,
		attested_by BLOB
	)`,
	`CREATE INDEX IF NOT EXISTS identity_attributes_expires_at
		ON identity_attributes (expires_at)`,
	`CREATE TABLE IF NOT EXISTS cached_credentials (
		subject    TEXT NOT NULL,
		issuer     TEXT NOT NULL,
		scope      TEXT NOT NULL DEFAULT '',
		credential BLOB NOT NULL,
		expires_at INTEGER NOT NULL,
		PRIMARY KEY (subject, issuer, scope)
	)`,
}

// SQLiteStore implements identity.ChangeHistoryRepository,
// identity.AttributesRepository and credentials.Cache.
type SQLiteStore struct {
	db *sql.DB
}

var (
	_ identity.ChangeHistoryRepository = (*SQLiteStore)(nil)
	_ identity.AttributesRepository    = (*SQLiteStore)(nil)
	_ credentials.Cache                = (*SQLiteStore)(nil)
)

// NewSQLiteStore opens (or creates) the database at path and runs
// migrations. MemoryPath keeps everything in memory.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := path
	if path != MemoryPath {
		dsn = fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite handles one writer at a time.

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewSQLiteStore",
		"path":     path,
	}).Info("SQLite store opened")
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	for _, stmt := range migrations {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// --- Change histories ---

func (s *SQLiteStore) StoreChangeHistory(ctx context.Context, id identity.Identifier, history identity.ChangeHistory) error {
	raw, err := history.Export()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO change_histories (identifier, history) VALUES (?, ?)
		 ON CONFLICT (identifier) DO UPDATE SET history = excluded.history`,
		id.String(), raw)
	return err
}

func (s *SQLiteStore) GetChangeHistory(ctx context.Context, id identity.Identifier) (identity.ChangeHistory, bool, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT history FROM change_histories WHERE identifier = ?`, id.String()).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	history, err := identity.DecodeChangeHistory(raw)
	if err != nil {
		return nil, false, fmt.Errorf("stored history of %s: %w", id, err)
	}
	return history, true, nil
}

func (s *SQLiteStore) DeleteChangeHistory(ctx context.Context, id identity.Identifier) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM change_histories WHERE identifier = ?`, id.String())
	return err
}

// --- Attributes ---

func (s *SQLiteStore) PutAttributes(ctx context.Context, subject identity.Identifier, entry identity.AttributesEntry) error {
	attrs, err := cbor.Marshal(entry.Attributes)
	if err != nil {
		return err
	}
	var expires sql.NullInt64
	if entry.ExpiresAt != nil {
		expires = sql.NullInt64{Int64: int64(*entry.ExpiresAt), Valid: true}
	}
	var attestedBy []byte
	if entry.AttestedBy != nil {
		attestedBy = entry.AttestedBy[:]
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO identity_attributes (subject, attributes, added_at, expires_at, attested_by)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (subject) DO UPDATE SET
		   attributes = excluded.attributes,
		   added_at = excluded.added_at,
		   expires_at = excluded.expires_at,
		   attested_by = excluded.attested_by`,
		subject.String(), attrs, int64(entry.AddedAt), expires, attestedBy)
	return err
}

func (s *SQLiteStore) GetAttributes(ctx context.Context, subject identity.Identifier, now identity.TimestampInSeconds) (*identity.AttributesEntry, bool, error) {
	var (
		attrs      []byte
		addedAt    int64
		expires    sql.NullInt64
		attestedBy []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT attributes, added_at, expires_at, attested_by FROM identity_attributes
		 WHERE subject = ? AND (expires_at IS NULL OR expires_at > ?)`,
		subject.String(), int64(now)).Scan(&attrs, &addedAt, &expires, &attestedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	entry := &identity.AttributesEntry{AddedAt: identity.TimestampInSeconds(addedAt)}
	if err := cbor.Unmarshal(attrs, &entry.Attributes); err != nil {
		return nil, false, fmt.Errorf("stored attributes of %s: %w", subject, err)
	}
	if expires.Valid {
		ts := identity.TimestampInSeconds(expires.Int64)
		entry.ExpiresAt = &ts
	}
	if len(attestedBy) == identity.HashLength {
		var by identity.Identifier
		copy(by[:], attestedBy)
		entry.AttestedBy = &by
	}
	return entry, true, nil
}

func (s *SQLiteStore) DeleteExpiredAttributes(ctx context.Context, now identity.TimestampInSeconds) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM identity_attributes WHERE expires_at IS NOT NULL AND expires_at <= ?`, int64(now))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "DeleteExpiredAttributes",
			"deleted":  n,
		}).Debug("Expired attributes removed")
	}
	return nil
}

// --- Cached credentials ---

func (s *SQLiteStore) GetCredential(ctx context.Context, key credentials.CacheKey) (*identity.CredentialAndPurposeKey, bool, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT credential FROM cached_credentials WHERE subject = ? AND issuer = ? AND scope = ?`,
		key.Subject.String(), key.Issuer.String(), key.Scope).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	cred, err := identity.DecodeCredentialAndPurposeKey(raw)
	if err != nil {
		return nil, false, fmt.Errorf("cached credential of %s: %w", key.Subject, err)
	}
	return &cred, true, nil
}

func (s *SQLiteStore) PutCredential(ctx context.Context, key credentials.CacheKey, credential identity.CredentialAndPurposeKey, expiresAt identity.TimestampInSeconds) error {
	raw, err := credential.Encode()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO cached_credentials (subject, issuer, scope, credential, expires_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (subject, issuer, scope) DO UPDATE SET
		   credential = excluded.credential,
		   expires_at = excluded.expires_at`,
		key.Subject.String(), key.Issuer.String(), key.Scope, raw, int64(expiresAt))
	return err
}

func (s *SQLiteStore) DeleteCredential(ctx context.Context, key credentials.CacheKey) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM cached_credentials WHERE subject = ? AND issuer = ? AND scope = ?`,
		key.Subject.String(), key.Issuer.String(), key.Scope)
	return err
}

// DeleteExpiredCredentials drops cached credentials that expired at now.
func (s *SQLiteStore) DeleteExpiredCredentials(ctx context.Context, now identity.TimestampInSeconds) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM cached_credentials WHERE expires_at <= ?`, int64(now))
	return err
}
