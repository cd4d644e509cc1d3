package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	persistence "github.com/goliatone/go-persistence-bun"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/schema"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

type clientConfig struct {
	driver      string
	server      string
	debug       bool
	pingTimeout time.Duration
}

func (c clientConfig) GetDebug() bool                { return c.debug }
func (c clientConfig) GetDriver() string             { return c.driver }
func (c clientConfig) GetServer() string             { return c.server }
func (c clientConfig) GetPingTimeout() time.Duration { return c.pingTimeout }
func (c clientConfig) GetOtelIdentifier() string     { return "restops" }

// Open builds a persistence client for postgres (lib/pq) or sqlite3.
func Open(driver, dsn string, debug bool) (*persistence.Client, error) {
	driver = strings.TrimSpace(strings.ToLower(driver))
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("sqlstore: dsn is required")
	}
	var dialect schema.Dialect
	switch driver {
	case DriverPostgres, "pg", "postgresql":
		driver = DriverPostgres
		dialect = pgdialect.New()
	case DriverSQLite, "sqlite":
		driver = DriverSQLite
		dialect = sqlitedialect.New()
	default:
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", driver)
	}

	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		sqlDB.SetMaxOpenConns(1)
	}
	cfg := clientConfig{
		driver:      driver,
		server:      dsn,
		debug:       debug,
		pingTimeout: 5 * time.Second,
	}
	client, err := persistence.New(cfg, sqlDB, dialect)
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("sqlstore: persistence client: %w", err)
	}
	return client, nil
}

// EnsureSchema creates every table and index the gateway needs. It is safe
// to run repeatedly.
func EnsureSchema(ctx context.Context, db *bun.DB) error {
	models := []any{
		(*rateLimitRecord)(nil),
		(*idempotencyKeyRecord)(nil),
		(*auditLogRecord)(nil),
		(*capabilityGrantRecord)(nil),
		(*externalAccountRecord)(nil),
		(*accountMemberRecord)(nil),
		(*messagingInstanceRecord)(nil),
	}
	for _, model := range models {
		if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("sqlstore: create table for %T: %w", model, err)
		}
	}

	indexes := []struct {
		model   any
		name    string
		columns []string
	}{
		{(*rateLimitRecord)(nil), "rate_limit_records_lookup_idx", []string{"function_name", "identifier", "created_at"}},
		{(*idempotencyKeyRecord)(nil), "idempotency_keys_created_at_idx", []string{"created_at"}},
		{(*auditLogRecord)(nil), "audit_logs_created_at_idx", []string{"created_at"}},
		{(*messagingInstanceRecord)(nil), "messaging_instances_external_idx", []string{"external_instance_id"}},
	}
	for _, idx := range indexes {
		if _, err := db.NewCreateIndex().
			Model(idx.model).
			Index(idx.name).
			Column(idx.columns...).
			IfNotExists().
			Exec(ctx); err != nil {
			return fmt.Errorf("sqlstore: create index %s: %w", idx.name, err)
		}
	}
	return nil
}

const duplicateKeyTextCode = "DUPLICATE_KEY"

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if repository.IsDuplicatedKey(err) {
		return true
	}
	var rich *goerrors.Error
	if errors.As(err, &rich) && rich.TextCode == duplicateKeyTextCode {
		return true
	}
	var retryable *goerrors.RetryableError
	if errors.As(err, &retryable) && retryable.BaseError != nil && retryable.BaseError.TextCode == duplicateKeyTextCode {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique constraint failed") ||
		strings.Contains(message, "duplicate key value violates unique constraint")
}
