package database

import (
	"context"
	"fmt"
	"time"

	"github.com/flurbudurbur/Quill/internal/domain"
	"github.com/flurbudurbur/Quill/internal/logger"
	"github.com/flurbudurbur/Quill/pkg/errors"

	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type DB struct {
	log     zerolog.Logger
	handler *gorm.DB
	ctx     context.Context
	cancel  func()

	Driver string
	DSN    string
}

func NewDB(cfg *domain.Config, log logger.Logger) (*DB, error) {
	db := &DB{
		log: log.With().Str("module", "database").Logger(),
	}
	db.ctx, db.cancel = context.WithCancel(context.Background())

	switch cfg.Database.Type {
	case "sqlite", "":
		db.Driver = "sqlite"
		db.DSN = dataSourceName(cfg.ConfigPath, "quill.db")
	case "postgres", "postgresql":
		pg := cfg.Database.Postgres
		if pg.Host == "" || pg.Port == 0 || pg.Database == "" {
			return nil, errors.New("postgres configuration is incomplete")
		}
		db.DSN = fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			pg.Host, pg.Port, pg.User, pg.Pass, pg.Database, pg.SslMode)
		db.Driver = "postgres"
	default:
		return nil, errors.New("unsupported database type: %v", cfg.Database.Type)
	}

	return db, nil
}

// gormWriter routes gorm's own log lines into zerolog.
type gormWriter struct {
	log zerolog.Logger
}

func (w gormWriter) Printf(format string, args ...interface{}) {
	w.log.Debug().Msgf(format, args...)
}

func (db *DB) gormLogger() gormlogger.Interface {
	level := gormlogger.Silent
	switch db.log.GetLevel() {
	case zerolog.TraceLevel:
		level = gormlogger.Info
	case zerolog.DebugLevel, zerolog.InfoLevel, zerolog.WarnLevel:
		level = gormlogger.Warn
	case zerolog.ErrorLevel, zerolog.FatalLevel, zerolog.PanicLevel:
		level = gormlogger.Error
	}

	return gormlogger.New(gormWriter{log: db.log}, gormlogger.Config{
		SlowThreshold:             200 * time.Millisecond,
		LogLevel:                  level,
		IgnoreRecordNotFoundError: true,
	})
}

func (db *DB) Open() error {
	if db.DSN == "" {
		return errors.New("database DSN is required but not configured")
	}

	var dialector gorm.Dialector
	switch db.Driver {
	case "sqlite":
		dialector = sqlite.Open(db.DSN)
		db.log.Info().Str("dsn", db.DSN).Msg("using sqlite driver")
	case "postgres":
		dialector = postgres.Open(db.DSN)
		db.log.Info().Msg("using postgres driver")
	default:
		return errors.New("unsupported database driver: %s", db.Driver)
	}

	gormDB, err := gorm.Open(dialector, &gorm.Config{Logger: db.gormLogger()})
	if err != nil {
		db.log.Error().Err(err).Str("driver", db.Driver).Msg("failed to connect database")
		return errors.Wrap(err, "failed to connect database")
	}
	db.handler = gormDB

	if err := db.handler.AutoMigrate(&domain.StoredSession{}); err != nil {
		db.log.Error().Err(err).Msg("failed to run database migrations")
		return errors.Wrap(err, "failed to run database migrations")
	}
	db.log.Debug().Msg("database migrations completed")

	return nil
}

func (db *DB) Close() error {
	db.cancel()

	if db.handler == nil {
		return nil
	}

	sqlDB, err := db.handler.DB()
	if err != nil {
		return errors.Wrap(err, "failed to get underlying *sql.DB")
	}

	return sqlDB.Close()
}

func (db *DB) Ping() error {
	if db.handler == nil {
		return errors.New("database handler is not initialized")
	}
	sqlDB, err := db.handler.DB()
	if err != nil {
		return errors.Wrap(err, "failed to get underlying *sql.DB")
	}

	if err := sqlDB.PingContext(db.ctx); err != nil {
		db.log.Warn().Err(err).Msg("database ping failed")
		return errors.Wrap(err, "database ping failed")
	}

	return nil
}

// Get returns the underlying gorm handle.
func (db *DB) Get() *gorm.DB {
	return db.handler
}
