package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/cloudx-io/adexchange/core"
)

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`

	// MaxOpenConns bounds the connection pool. Zero means 25.
	MaxOpenConns int `yaml:"max_open_conns"`
}

// ConnectionString returns the PostgreSQL connection string.
func (c *PostgresConfig) ConnectionString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, sslMode)
}

const maxSerializationRetries = 5

// PostgresStore keeps records in a single key/value table. Update transactions run at
// SERIALIZABLE isolation and lock the rows they read, and are retried when PostgreSQL
// aborts them with a serialization failure.
type PostgresStore struct {
	db  *sql.DB
	log *zap.Logger
}

// NewPostgresStore connects, verifies the connection and creates the schema.
func NewPostgresStore(ctx context.Context, config *PostgresConfig, log *zap.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	maxOpen := config.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if log == nil {
		log = zap.NewNop()
	}
	store := &PostgresStore{db: db, log: log}
	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return store, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS exchange_records (
		key TEXT PRIMARY KEY,
		value BYTEA NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);
	`

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

func (s *PostgresStore) View(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return fmt.Errorf("begin read transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(&postgresTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) Update(ctx context.Context, fn func(Tx) error) error {
	var err error
	for attempt := 1; attempt <= maxSerializationRetries; attempt++ {
		err = s.update(ctx, fn)
		if !isSerializationFailure(err) {
			return err
		}
		s.log.Debug("retrying serialization failure", zap.Int("attempt", attempt), zap.Error(err))
	}
	return fmt.Errorf("transaction retries exhausted: %w", err)
}

func (s *PostgresStore) update(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(&postgresTx{tx: tx, forUpdate: true}); err != nil {
		return err
	}
	return tx.Commit()
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

type postgresTx struct {
	tx        *sql.Tx
	forUpdate bool
}

func (t *postgresTx) Get(ctx context.Context, key string) ([]byte, error) {
	query := `SELECT value FROM exchange_records WHERE key = $1`
	if t.forUpdate {
		query += ` FOR UPDATE`
	}

	var value []byte
	err := t.tx.QueryRowContext(ctx, query, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

func (t *postgresTx) Put(ctx context.Context, key string, value []byte) error {
	query := `
	INSERT INTO exchange_records (key, value, updated_at)
	VALUES ($1, $2, NOW())
	ON CONFLICT (key) DO UPDATE SET
		value = EXCLUDED.value,
		updated_at = NOW()
	`
	if _, err := t.tx.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (t *postgresTx) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT key FROM exchange_records WHERE key LIKE $1 ESCAPE '\' ORDER BY key`,
		escapeLike(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

// isSerializationFailure reports serialization failures and deadlocks, both safe to retry.
func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "40001" || pqErr.Code == "40P01"
}
