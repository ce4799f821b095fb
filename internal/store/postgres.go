package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"

	"perfwatch/internal/clock"
	"perfwatch/internal/config"
)

// PostgresStore keeps entries in the perfwatch_kv table. Expired rows are
// filtered on read and removed by Sweep.
type PostgresStore struct {
	db     *sql.DB
	prefix string
	clk    clock.Clock
}

// NewPostgresStore connects, runs pending migrations, and returns the store.
func NewPostgresStore(ctx context.Context, cfg config.PostgresConfig, prefix string, clk clock.Clock) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db, cfg.MigrationsPath); err != nil {
		db.Close()
		return nil, err
	}
	return NewPostgresStoreFromDB(db, prefix, clk), nil
}

// NewPostgresStoreFromDB wraps an already migrated connection.
func NewPostgresStoreFromDB(db *sql.DB, prefix string, clk clock.Clock) *PostgresStore {
	return &PostgresStore{db: db, prefix: prefix, clk: clk}
}

func runMigrations(db *sql.DB, migrationsPath string) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(fmt.Sprintf("file://%s", migrationsPath), "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	log.Println("perfwatch_kv migrations applied")
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := p.db.QueryRowContext(ctx,
		`SELECT value FROM perfwatch_kv WHERE key = $1 AND (expires_at_ms = 0 OR expires_at_ms > $2)`,
		p.prefix+key, clock.NowMs(p.clk),
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (p *PostgresStore) Put(ctx context.Context, key, value string, expiresAtMs int64) error {
	if _, ok := ttlUntil(p.clk, expiresAtMs); !ok {
		return p.Delete(ctx, key)
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO perfwatch_kv (key, value, expires_at_ms, updated_at)
		 VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at_ms = EXCLUDED.expires_at_ms, updated_at = NOW()`,
		p.prefix+key, value, expiresAtMs,
	)
	return err
}

func (p *PostgresStore) Delete(ctx context.Context, key string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM perfwatch_kv WHERE key = $1`, p.prefix+key)
	return err
}

func (p *PostgresStore) ClearPrefix(ctx context.Context, prefix string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM perfwatch_kv WHERE key LIKE $1 ESCAPE '\'`, likePrefix(p.prefix+prefix))
	return err
}

// Sweep deletes expired rows and returns how many were removed.
func (p *PostgresStore) Sweep(ctx context.Context) (int64, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM perfwatch_kv WHERE expires_at_ms > 0 AND expires_at_ms <= $1`, clock.NowMs(p.clk))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}

func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}
