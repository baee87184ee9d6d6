// Package gorm provides GORM-based database operations for runsift.
package gorm

import (
	"database/sql"
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver registered as "sqlite"
)

// Supported database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Store represents the GORM database connection.
type Store struct {
	DB     *gorm.DB
	sqlDB  *sql.DB
	driver string
}

// Config holds database configuration.
type Config struct {
	Driver   string          // "postgres" or "sqlite"
	DSN      string          // Connection string or SQLite file path
	MaxConns int             // Maximum number of open connections (default: 4, SQLite: 1)
	LogLevel logger.LogLevel // GORM log level (logger.Silent for production)
}

// NewStore opens the database, runs migrations and tunes the connection pool.
func NewStore(cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN required")
	}

	gormCfg := &gorm.Config{
		Logger:      logger.Default.LogMode(cfg.LogLevel),
		PrepareStmt: true,
	}

	var (
		db  *gorm.DB
		err error
	)
	switch cfg.Driver {
	case DriverPostgres, "":
		cfg.Driver = DriverPostgres
		db, err = gorm.Open(postgres.Open(cfg.DSN), gormCfg)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
	case DriverSQLite:
		rawDB, openErr := sql.Open("sqlite", cfg.DSN)
		if openErr != nil {
			return nil, fmt.Errorf("open sqlite: %w", openErr)
		}
		db, err = gorm.Open(sqlite.Dialector{Conn: rawDB}, gormCfg)
		if err != nil {
			_ = rawDB.Close() // Explicitly ignore close error during cleanup
			return nil, fmt.Errorf("open gorm: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}

	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 4
	}
	// SQLite allows a single writer; one connection avoids SQLITE_BUSY between
	// the processor loop and the index refreshers.
	if cfg.Driver == DriverSQLite {
		maxConns = 1
	}
	sqlDB.SetMaxOpenConns(maxConns)
	sqlDB.SetMaxIdleConns(maxConns)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if cfg.Driver == DriverSQLite {
		for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
			if _, err := sqlDB.Exec(pragma); err != nil {
				_ = sqlDB.Close()
				return nil, fmt.Errorf("%s: %w", pragma, err)
			}
		}
	}

	if err := runMigrations(db); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{DB: db, sqlDB: sqlDB, driver: cfg.Driver}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.sqlDB.Close()
}

// Ping verifies the database connection is alive.
func (s *Store) Ping() error {
	return s.sqlDB.Ping()
}

// Driver returns the configured driver name.
func (s *Store) Driver() string {
	return s.driver
}

// GetDB returns the GORM DB instance for standard queries.
func (s *Store) GetDB() *gorm.DB {
	return s.DB
}
