package db

import (
	"fmt"
	stlog "log"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver for sqlx
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	_ "modernc.org/sqlite" // sqlite driver for sqlx

	"wuzapi-autoflow/internal/models"
)

// Database bundles the two views over one connection pool: sqlx for the
// hand-written queries of the flow subsystem and gorm for migrations and the
// scheduled task repository.
type Database struct {
	Driver string
	SQL    *sqlx.DB
	Gorm   *gorm.DB
}

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// Open connects to the database identified by driver ("postgres" or "sqlite")
// and dsn.
func Open(driver, dsn string) (*Database, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}

	sqlDB, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}

	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.New(postgres.Config{Conn: sqlDB.DB})
	case "sqlite":
		// One connection: sqlite has a single writer and each in-memory
		// connection would otherwise see its own database.
		sqlDB.SetMaxOpenConns(1)
		dialector = &sqlite.Dialector{Conn: sqlDB.DB}
	default:
		_ = sqlDB.Close()
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	gormDB, err := gorm.Open(dialector, &gorm.Config{Logger: newGormLogger()})
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to initialize gorm: %w", err)
	}

	log.Info().Str("driver", driver).Msg("Database connection established successfully.")
	return &Database{Driver: driver, SQL: sqlDB, Gorm: gormDB}, nil
}

// newGormLogger routes gorm's logger through zerolog's global logger, with a
// level derived from the zerolog global level.
func newGormLogger() gormlogger.Interface {
	var level gormlogger.LogLevel
	switch zerolog.GlobalLevel() {
	case zerolog.Disabled, zerolog.PanicLevel, zerolog.FatalLevel:
		level = gormlogger.Silent
	case zerolog.ErrorLevel:
		level = gormlogger.Error
	case zerolog.WarnLevel, zerolog.InfoLevel:
		level = gormlogger.Warn
	default:
		level = gormlogger.Info
	}
	return gormlogger.New(
		stlog.New(log.Logger, "", 0),
		gormlogger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  level,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
}

// Migrate creates or updates every table the service touches.
func (d *Database) Migrate() error {
	if d == nil || d.Gorm == nil {
		return fmt.Errorf("database not initialized, call Open first")
	}
	all := models.All()
	if err := d.Gorm.AutoMigrate(all...); err != nil {
		return fmt.Errorf("failed to auto-migrate database: %w", err)
	}
	log.Info().Int("models_migrated", len(all)).Msg("Database migration completed successfully.")
	return nil
}

func (d *Database) Close() error {
	if d == nil || d.SQL == nil {
		return nil
	}
	return d.SQL.Close()
}
