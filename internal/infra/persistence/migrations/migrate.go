// Package migrations applies the brokerlink SQL schema with golang-migrate.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// migrations loader
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	dbmigrations "github.com/coachpo/brokerlink/db/migrations"
	"github.com/coachpo/brokerlink/internal/infra/telemetry"
)

const embeddedSource = "embedded"

var (
	errNotDirectory = errors.New("migrations path must be a directory")
	errInvalidSteps = errors.New("rollback steps must be positive")

	migrationsCounter   metric.Int64Counter
	migrationsCounterMu sync.Once
)

// Apply runs every pending up migration. An empty dir uses the migrations
// embedded in the binary. A nil logger disables logging.
func Apply(ctx context.Context, dsn, dir string, logger *zap.Logger) error {
	logger = nopIfNil(logger)
	m, source, closeFn, err := open(ctx, dsn, dir, logger)
	if err != nil {
		return err
	}
	defer closeFn()

	logger.Info("running database migrations", zap.String("source", source))
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			recordMigrationMetric(ctx, "up", "noop")
			logger.Info("database migrations up-to-date")
			return nil
		}
		recordMigrationMetric(ctx, "up", "failed")
		return fmt.Errorf("apply migrations: %w", err)
	}
	recordMigrationMetric(ctx, "up", "applied")
	logger.Info("database migrations applied")
	return nil
}

// Rollback reverts the last steps migrations.
func Rollback(ctx context.Context, dsn, dir string, steps int, logger *zap.Logger) error {
	if steps <= 0 {
		return errInvalidSteps
	}
	logger = nopIfNil(logger)
	m, source, closeFn, err := open(ctx, dsn, dir, logger)
	if err != nil {
		return err
	}
	defer closeFn()

	logger.Info("rolling back database migrations", zap.String("source", source), zap.Int("steps", steps))
	if err := m.Steps(-steps); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			recordMigrationMetric(ctx, "down", "noop")
			return nil
		}
		recordMigrationMetric(ctx, "down", "failed")
		return fmt.Errorf("rollback migrations: %w", err)
	}
	recordMigrationMetric(ctx, "down", "applied")
	return nil
}

func open(ctx context.Context, dsn, dir string, logger *zap.Logger) (*migrate.Migrate, string, func(), error) {
	sourceURL := ""
	if strings.TrimSpace(dir) != "" {
		resolved, err := resolveDir(dir)
		if err != nil {
			return nil, "", nil, err
		}
		sourceURL = fileURL(resolved)
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, "", nil, fmt.Errorf("open migrations connection: %w", err)
	}
	closeDB := func() {
		if cerr := db.Close(); cerr != nil {
			logger.Warn("database migrations close", zap.Error(cerr))
		}
	}
	if err := db.PingContext(ctx); err != nil {
		closeDB()
		return nil, "", nil, fmt.Errorf("ping migrations database: %w", err)
	}

	var driverConfig pgxv5.Config
	driver, err := pgxv5.WithInstance(db, &driverConfig)
	if err != nil {
		closeDB()
		return nil, "", nil, fmt.Errorf("initialise pgx v5 driver: %w", err)
	}

	var m *migrate.Migrate
	source := sourceURL
	if sourceURL == "" {
		source = embeddedSource
		src, serr := iofs.New(dbmigrations.Files, ".")
		if serr != nil {
			closeDB()
			return nil, "", nil, fmt.Errorf("open embedded migrations: %w", serr)
		}
		m, err = migrate.NewWithInstance("iofs", src, "pgx5", driver)
	} else {
		m, err = migrate.NewWithDatabaseInstance(sourceURL, "pgx5", driver)
	}
	if err != nil {
		closeDB()
		return nil, "", nil, fmt.Errorf("initialise migrate instance: %w", err)
	}

	return m, source, func() {
		sourceErr, dbErr := m.Close()
		if sourceErr != nil {
			logger.Warn("database migrations source close", zap.Error(sourceErr))
		}
		if dbErr != nil {
			logger.Warn("database migrations db close", zap.Error(dbErr))
		}
	}, nil
}

func nopIfNil(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger.Named("migrations")
}

func resolveDir(dir string) (string, error) {
	abs, err := filepath.Abs(strings.TrimSpace(dir))
	if err != nil {
		return "", fmt.Errorf("resolve migrations path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("migrations directory: %w", err)
		}
		return "", fmt.Errorf("stat migrations directory: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("migrations directory: %w", errNotDirectory)
	}
	return abs, nil
}

func fileURL(path string) string {
	slashed := filepath.ToSlash(path)
	if !strings.HasPrefix(slashed, "/") {
		slashed = "/" + slashed
	}
	u := url.URL{Scheme: "file", Path: slashed}
	return u.String()
}

func recordMigrationMetric(ctx context.Context, direction, result string) {
	migrationsCounterMu.Do(func() {
		meter := otel.Meter("brokerlink/migrations")
		counter, err := meter.Int64Counter("db.migrations",
			metric.WithDescription("Migration runs executed via golang-migrate"),
			metric.WithUnit("{run}"))
		if err == nil {
			migrationsCounter = counter
		}
	})
	if migrationsCounter == nil {
		return
	}
	migrationsCounter.Add(ctx, 1, metric.WithAttributes(
		telemetry.OperationResultAttributes(telemetry.Environment(), direction, result)...))
}
