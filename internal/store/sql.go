package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	tverrors "github.com/tokenvault/tokenvault/internal/errors"
	"github.com/tokenvault/tokenvault/internal/logging"
	"github.com/tokenvault/tokenvault/internal/models"
)

const recordColumns = `token_ref, provider, email, access_token_encrypted, refresh_token_encrypted, expires_at, created_at, updated_at`

// SQLStore implements TokenStore on database/sql. Timestamps are stored as
// Unix milliseconds so the expiry compare-and-swap is exact on every backend.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

var _ TokenStore = (*SQLStore)(nil)

// OpenSQLite opens (creating if needed) a SQLite database with WAL mode
// enabled and applies pending migrations.
func OpenSQLite(ctx context.Context, dbPath string) (*SQLStore, error) {
	dir := filepath.Dir(dbPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, &tverrors.ErrDirectoryCreate{Path: dir, Err: err}
		}
	}

	db, err := sql.Open(SQLite.DriverName, dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, &tverrors.ErrDatabaseOpen{Path: dbPath, Err: err}
	}
	// One writer at a time; transactions never wait on each other.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &tverrors.ErrDatabaseOpen{Path: dbPath, Err: err}
	}
	return NewSQLStore(ctx, db, SQLite)
}

// OpenPostgres connects through the pgx driver and applies pending
// migrations.
func OpenPostgres(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open(Postgres.DriverName, dsn)
	if err != nil {
		return nil, &tverrors.ErrDatabaseOpen{Path: "postgres", Err: err}
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &tverrors.ErrDatabaseOpen{Path: "postgres", Err: err}
	}
	return NewSQLStore(ctx, db, Postgres)
}

// NewSQLStore wraps an open database and migrates it. The store takes
// ownership of db.
func NewSQLStore(ctx context.Context, db *sql.DB, d Dialect) (*SQLStore, error) {
	s := newSQLStore(db, d)
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func newSQLStore(db *sql.DB, d Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: d, now: time.Now}
}

func (s *SQLStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.migrationsTable); err != nil {
		return &tverrors.ErrDatabaseQuery{Operation: "create migrations table", Err: err}
	}

	var currentVersion int
	err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion)
	if err != nil {
		return &tverrors.ErrDatabaseQuery{Operation: "get current migration version", Err: err}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &tverrors.ErrDatabaseQuery{Operation: "begin transaction", Err: err}
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, m := range s.dialect.migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := tx.ExecContext(ctx, m.up); err != nil {
			return &tverrors.ErrDatabaseMigration{Version: m.version, Err: err}
		}
		if _, err := tx.ExecContext(ctx, s.dialect.Rebind("INSERT INTO schema_migrations (version) VALUES (?)"), m.version); err != nil {
			return &tverrors.ErrDatabaseMigration{Version: m.version, Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &tverrors.ErrDatabaseQuery{Operation: "commit migrations", Err: err}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*models.TokenRecord, error) {
	var (
		rec                             models.TokenRecord
		provider                        string
		expiresAt, createdAt, updatedAt int64
	)
	err := row.Scan(&rec.TokenRef, &provider, &rec.Email, &rec.AccessTokenEncrypted, &rec.RefreshTokenEncrypted, &expiresAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	rec.Provider = models.Provider(provider)
	rec.ExpiresAt = time.UnixMilli(expiresAt).UTC()
	rec.CreatedAt = time.UnixMilli(createdAt).UTC()
	rec.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &rec, nil
}

func (s *SQLStore) GetByRef(ctx context.Context, ref string) (*models.TokenRecord, error) {
	query := s.dialect.Rebind(`SELECT ` + recordColumns + ` FROM token_records WHERE token_ref = ?`)
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, ref))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &tverrors.NotFoundError{Resource: "token", ID: logging.Fingerprint(ref)}
	}
	if err != nil {
		return nil, &tverrors.ErrDatabaseQuery{Operation: "get token by ref", Err: err}
	}
	return rec, nil
}

func (s *SQLStore) GetByAccount(ctx context.Context, provider models.Provider, email string) (*models.TokenRecord, error) {
	query := s.dialect.Rebind(`SELECT ` + recordColumns + ` FROM token_records WHERE provider = ? AND email = ?`)
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, string(provider), email))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &tverrors.NotFoundError{Resource: "token", ID: string(provider)}
	}
	if err != nil {
		return nil, &tverrors.ErrDatabaseQuery{Operation: "get token by account", Err: err}
	}
	return rec, nil
}

// Replace upserts on (provider, email). The conflict branch rewrites
// token_ref too, so the previous reference stops resolving in the same
// statement.
func (s *SQLStore) Replace(ctx context.Context, rec *models.TokenRecord) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", &tverrors.ErrDatabaseQuery{Operation: "begin transaction", Err: err}
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var previous string
	err = tx.QueryRowContext(ctx,
		s.dialect.Rebind(`SELECT token_ref FROM token_records WHERE provider = ? AND email = ?`),
		string(rec.Provider), rec.Email,
	).Scan(&previous)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", &tverrors.ErrDatabaseQuery{Operation: "lookup token by account", Err: err}
	}

	now := s.now().UnixMilli()
	_, err = tx.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO token_records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider, email) DO UPDATE SET
			token_ref = excluded.token_ref,
			access_token_encrypted = excluded.access_token_encrypted,
			refresh_token_encrypted = excluded.refresh_token_encrypted,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`), rec.TokenRef, string(rec.Provider), rec.Email, rec.AccessTokenEncrypted, rec.RefreshTokenEncrypted, rec.ExpiresAt.UnixMilli(), now, now)
	if err != nil {
		return "", &tverrors.ErrDatabaseQuery{Operation: "replace token", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return "", &tverrors.ErrDatabaseQuery{Operation: "commit replace token", Err: err}
	}
	return previous, nil
}

func (s *SQLStore) UpdateTokens(ctx context.Context, ref string, expected time.Time, upd TokenUpdate) (bool, error) {
	var (
		res sql.Result
		err error
		now = s.now().UnixMilli()
	)
	if upd.RefreshTokenEncrypted == "" {
		res, err = s.db.ExecContext(ctx, s.dialect.Rebind(`
			UPDATE token_records
			SET access_token_encrypted = ?, expires_at = ?, updated_at = ?
			WHERE token_ref = ? AND expires_at = ?
		`), upd.AccessTokenEncrypted, upd.ExpiresAt.UnixMilli(), now, ref, expected.UnixMilli())
	} else {
		res, err = s.db.ExecContext(ctx, s.dialect.Rebind(`
			UPDATE token_records
			SET access_token_encrypted = ?, refresh_token_encrypted = ?, expires_at = ?, updated_at = ?
			WHERE token_ref = ? AND expires_at = ?
		`), upd.AccessTokenEncrypted, upd.RefreshTokenEncrypted, upd.ExpiresAt.UnixMilli(), now, ref, expected.UnixMilli())
	}
	if err != nil {
		return false, &tverrors.ErrDatabaseQuery{Operation: "update tokens", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, &tverrors.ErrDatabaseQuery{Operation: "update tokens rows affected", Err: err}
	}
	return n == 1, nil
}

func (s *SQLStore) Delete(ctx context.Context, ref string) error {
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(`DELETE FROM token_records WHERE token_ref = ?`), ref)
	if err != nil {
		return &tverrors.ErrDatabaseQuery{Operation: "delete token", Err: err}
	}
	return nil
}

// Ping checks database connectivity for health endpoints.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
