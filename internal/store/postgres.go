package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shipped/shipped/internal/api"
)

const pgUniqueViolation = "23505"

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	store := &PostgresStore{pool: pool}
	if err := store.migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS stacks (
		name TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		url TEXT NOT NULL DEFAULT '',
		repo_auth_method TEXT NOT NULL DEFAULT 'public',
		branch TEXT NOT NULL DEFAULT '',
		clone_depth INTEGER NOT NULL DEFAULT 0,
		fetch_interval TEXT NOT NULL DEFAULT '15m',
		revert_on_failure BOOLEAN NOT NULL DEFAULT FALSE,
		compose_path TEXT NOT NULL DEFAULT '',
		notification_url TEXT NOT NULL DEFAULT '',
		notification_provider TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	`
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return err
	}

	credentialsQuery := `
	CREATE TABLE IF NOT EXISTS stack_credentials (
		stack_name TEXT PRIMARY KEY REFERENCES stacks(name) ON DELETE CASCADE,
		deploy_key_ciphertext BYTEA NOT NULL,
		deploy_key_nonce BYTEA NOT NULL
	);
	`
	if _, err := s.pool.Exec(ctx, credentialsQuery); err != nil {
		return err
	}

	return nil
}

func (s *PostgresStore) CreateStack(ctx context.Context, stack *api.Stack) error {
	now := time.Now().UTC()
	stack.CreatedAt = now
	stack.UpdatedAt = now

	query := `
	INSERT INTO stacks (` + stackColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := s.pool.Exec(
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
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return ErrStackExists
	}
	return err
}

func (s *PostgresStore) GetStack(ctx context.Context, name string) (*api.Stack, error) {
	query := `SELECT ` + stackColumns + ` FROM stacks WHERE name = $1`
	stack, err := scanStack(s.pool.QueryRow(ctx, query, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrStackNotFound
	}
	if err != nil {
		return nil, err
	}
	return stack, nil
}

func (s *PostgresStore) ListStacks(ctx context.Context) ([]*api.Stack, error) {
	query := `SELECT ` + stackColumns + ` FROM stacks ORDER BY name`
	rows, err := s.pool.Query(ctx, query)
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

func (s *PostgresStore) UpdateStack(ctx context.Context, stack *api.Stack) error {
	stack.UpdatedAt = time.Now().UTC()

	query := `
	UPDATE stacks SET
		url = $1,
		repo_auth_method = $2,
		branch = $3,
		clone_depth = $4,
		fetch_interval = $5,
		revert_on_failure = $6,
		compose_path = $7,
		notification_url = $8,
		notification_provider = $9,
		updated_at = $10
	WHERE name = $11
	`
	ct, err := s.pool.Exec(
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
	if ct.RowsAffected() == 0 {
		return ErrStackNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteStack(ctx context.Context, name string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM stack_credentials WHERE stack_name = $1`, name); err != nil {
		return err
	}
	ct, err := s.pool.Exec(ctx, `DELETE FROM stacks WHERE name = $1`, name)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrStackNotFound
	}
	return nil
}

func (s *PostgresStore) UpsertStackCredential(ctx context.Context, credential *StackCredential) error {
	query := `
	INSERT INTO stack_credentials (stack_name, deploy_key_ciphertext, deploy_key_nonce)
	VALUES ($1, $2, $3)
	ON CONFLICT (stack_name) DO UPDATE SET
		deploy_key_ciphertext = EXCLUDED.deploy_key_ciphertext,
		deploy_key_nonce = EXCLUDED.deploy_key_nonce
	`
	_, err := s.pool.Exec(ctx, query, credential.StackName, credential.DeployKeyCiphertext, credential.DeployKeyNonce)
	return err
}

func (s *PostgresStore) GetStackCredential(ctx context.Context, name string) (*StackCredential, error) {
	query := `SELECT stack_name, deploy_key_ciphertext, deploy_key_nonce FROM stack_credentials WHERE stack_name = $1`
	credential := &StackCredential{}
	err := s.pool.QueryRow(ctx, query, name).Scan(&credential.StackName, &credential.DeployKeyCiphertext, &credential.DeployKeyNonce)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrCredentialNotFound
	}
	if err != nil {
		return nil, err
	}
	return credential, nil
}

func (s *PostgresStore) DeleteStackCredential(ctx context.Context, name string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM stack_credentials WHERE stack_name = $1`, name)
	return err
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}
