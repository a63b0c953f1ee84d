// Package postgres implements the job store on top of PostgreSQL: sqlx
// over lib/pq, goose migrations embedded at compile time, and a
// sqldb-logger shim so every query is traced through the shared logger.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/clipforge/clipforge/internal/config"
	"github.com/clipforge/clipforge/pkg/logger"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	sqldblogger "github.com/simukti/sqldb-logger"
)

const (
	dialect              = "postgres"
	connStringFmt        = "host=%s port=%s user=%s password=%s dbname=%s sslmode=disable"
	connectionRetryDelay = 3 * time.Second
	connectionMaxRetries = 5
)

var (
	//go:embed migrations/*.sql
	migrations embed.FS

	dbLogger = logger.Get("Store")
)

// Store is the Postgres-backed store.Store implementation.
type Store struct {
	raw *sql.DB
	db  *sqlx.DB
}

// Connect opens a connection (retrying per connectionMaxRetries), logs
// every query via sqlLogger, and runs any outstanding goose migrations.
func Connect(cfg config.DatabaseConfig) (*Store, error) {
	dsn := fmt.Sprintf(connStringFmt, cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Name)

	driver, err := sql.Open(dialect, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}

	loggedDriver := sqldblogger.OpenDriver(dsn, driver.Driver(), &sqlLogger{dbLogger})

	var lastErr error
	for attempt := 1; attempt <= connectionMaxRetries; attempt++ {
		if lastErr = loggedDriver.Ping(); lastErr == nil {
			break
		}

		dbLogger.Emit(logger.WARNING, "DB connection attempt (%d/%d) failed: %v\n", attempt, connectionMaxRetries, lastErr)
		time.Sleep(connectionRetryDelay)
	}
	if lastErr != nil {
		dbLogger.Emit(logger.ERROR, "All DB connection attempts failed\n")
		return nil, lastErr
	}

	store := &Store{raw: loggedDriver, db: sqlx.NewDb(loggedDriver, dialect)}
	if err := store.migrate(); err != nil {
		return nil, err
	}

	dbLogger.Emit(logger.SUCCESS, "Database connection established\n")
	return store, nil
}

func (s *Store) migrate() error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(dbLogger)
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	if err := goose.Up(s.raw, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// sqlLogger adapts pkg/logger.Logger to sqldb-logger's Logger interface.
type sqlLogger struct {
	logger logger.Logger
}

func (l *sqlLogger) Log(_ context.Context, level sqldblogger.Level, msg string, data map[string]any) {
	switch level {
	case sqldblogger.LevelTrace:
		l.logger.Verbosef("%s - %v\n", msg, data)
	case sqldblogger.LevelDebug, sqldblogger.LevelInfo:
		l.logger.Debugf("%s - %v\n", msg, data)
	case sqldblogger.LevelError:
		l.logger.Errorf("%s - %v\n", msg, data)
	}
}
