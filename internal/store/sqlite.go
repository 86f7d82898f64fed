package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shipped/shipped/internal/api"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

type SQLiteStore struct {
	db *sql.DB
}

const stackColumns = `name, kind, url, repo_auth_method, branch, clone_depth, fetch_interval, revert_on_failure,
	compose_path, notification_url, notification_provider, created_at, updated_at`

// NewSQLiteStore initializes the SQLite database and creates necessary tables.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// modernc connections do not share pragma state
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA foreign_keys = ON;`); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	query := `
	CREATE TABLE IF NOT EXISTS stacks (
		name TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		url TEXT NOT NULL DEFAULT '',
		repo_auth_method TEXT NOT NULL DEFAULT 'public',
		branch TEXT NOT NULL DEFAULT '',
		clone_depth INTEGER NOT NULL DEFAULT 0,
		fetch_interval TEXT NOT NULL DEFAULT '15m',
		revert_on_failure INTEGER NOT NULL DEFAULT 0,
		compose_path TEXT NOT NULL DEFAULT '',
		notification_url TEXT NOT NULL DEFAULT '',
		notification_provider TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	`
	if _, err := db.Exec(query); err != nil {
		return nil, fmt.Errorf("failed to create stacks table: %w", err)
	}

	credentialsQuery := `
	CREATE TABLE IF NOT EXISTS stack_credentials (
		stack_name TEXT PRIMARY KEY,
		deploy_key_ciphertext BLOB NOT NULL,
		deploy_key_nonce BLOB NOT NULL,
		FOREIGN KEY(stack_name) REFERENCES stacks(name) ON DELETE CASCADE
	);
	`
	if _, err := db.Exec(credentialsQuery); err != nil {
		return nil, fmt.Errorf("failed to create stack_credentials table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) CreateStack(ctx context.Context, stack *api.Stack) error {
	now := time.Now().UTC()
	stack.CreatedAt = now
	stack.UpdatedAt = now

	query := `INSERT INTO stacks (` + stackColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(
		ctx,
		query,
		stack.Name,
		string(stack.Kind),
		stack.URL,
		stack.RepoAuthMethod,
		stack.Branch,
		stack.CloneDepth,
		stack.FetchInterval,
		stack.RevertOnFailure,
		stack.ComposePath,
		stack.NotificationURL,
		stack.NotificationProvider,
		stack.CreatedAt,
		stack.UpdatedAt,
	)
	if err != nil && isSQLiteUniqueViolation(err) {
		return ErrStackExists
	}
	return err
}

func (s *SQLiteStore) GetStack(ctx context.Context, name string) (*api.Stack, error) {
	query := `SELECT ` + stackColumns + ` FROM stacks WHERE name = ?`
	stack, err := scanStack(s.db.QueryRowContext(ctx, query, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStackNotFound
	}
	if err != nil {
		return nil, err
	}
	return stack, nil
}

func (s *SQLiteStore) ListStacks(ctx context.Context) ([]*api.Stack, error) {
	query := `SELECT ` + stackColumns + ` FROM stacks ORDER BY name`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stacks []*api.Stack
	for rows.Next() {
		stack, err := scanStack(rows)
		if err != nil {
			return nil, err
		}
		stacks = append(stacks, stack)
	}
	return stacks, rows.Err()
}

func (s *SQLiteStore) UpdateStack(ctx context.Context, stack *api.Stack) error {
	stack.UpdatedAt = time.Now().UTC()

	query := `
	UPDATE stacks SET
		url = ?,
		repo_auth_method = ?,
		branch = ?,
		clone_depth = ?,
		fetch_interval = ?,
		revert_on_failure = ?,
		compose_path = ?,
		notification_url = ?,
		notification_provider = ?,
		updated_at = ?
	WHERE name = ?
	`
	result, err := s.db.ExecContext(
		ctx,
		query,
		stack.URL,
		stack.RepoAuthMethod,
		stack.Branch,
		stack.CloneDepth,
		stack.FetchInterval,
		stack.RevertOnFailure,
		stack.ComposePath,
		stack.NotificationURL,
		stack.NotificationProvider,
		stack.UpdatedAt,
		stack.Name,
	)
	if err != nil {
		return err
	}
	return requireAffected(result)
}

func (s *SQLiteStore) DeleteStack(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM stack_credentials WHERE stack_name = ?`, name); err != nil {
		return err
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM stacks WHERE name = ?`, name)
	if err != nil {
		return err
	}
	if err := requireAffected(result); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *SQLiteStore) UpsertStackCredential(ctx context.Context, credential *StackCredential) error {
	query := `
	INSERT INTO stack_credentials (stack_name, deploy_key_ciphertext, deploy_key_nonce)
	VALUES (?, ?, ?)
	ON CONFLICT(stack_name) DO UPDATE SET
		deploy_key_ciphertext = excluded.deploy_key_ciphertext,
		deploy_key_nonce = excluded.deploy_key_nonce
	`
	_, err := s.db.ExecContext(ctx, query, credential.StackName, credential.DeployKeyCiphertext, credential.DeployKeyNonce)
	return err
}

func (s *SQLiteStore) GetStackCredential(ctx context.Context, name string) (*StackCredential, error) {
	query := `SELECT stack_name, deploy_key_ciphertext, deploy_key_nonce FROM stack_credentials WHERE stack_name = ?`
	row := s.db.QueryRowContext(ctx, query, name)

	credential := &StackCredential{}
	if err := row.Scan(&credential.StackName, &credential.DeployKeyCiphertext, &credential.DeployKeyNonce); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCredentialNotFound
		}
		return nil, err
	}
	return credential, nil
}

func (s *SQLiteStore) DeleteStackCredential(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM stack_credentials WHERE stack_name = ?`, name)
	return err
}

func (s *SQLiteStore) Close() {
	s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStack(row rowScanner) (*api.Stack, error) {
	var stack api.Stack
	var kind string
	if err := row.Scan(
		&stack.Name,
		&kind,
		&stack.URL,
		&stack.RepoAuthMethod,
		&stack.Branch,
		&stack.CloneDepth,
		&stack.FetchInterval,
		&stack.RevertOnFailure,
		&stack.ComposePath,
		&stack.NotificationURL,
		&stack.NotificationProvider,
		&stack.CreatedAt,
		&stack.UpdatedAt,
	); err != nil {
		return nil, err
	}
	stack.Kind = api.StackKind(kind)
	return &stack, nil
}

func requireAffected(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrStackNotFound
	}
	return nil
}

func isSQLiteUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
