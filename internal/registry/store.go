// GORM-backed persistence for session records. SQLite (pure Go driver,
// no CGO) is the default; PostgreSQL is available for deployments that
// already run one. Records survive process restarts so the reaper can
// expire sessions created before the last restart.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/jkaninda/hesabu/internal/identity"
)

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Driver string // "sqlite" (default) or "postgres"
	Path   string // SQLite database file path
	DSN    string // PostgreSQL DSN
}

// SessionModel is the GORM model for a persisted session record.
type SessionModel struct {
	ID            string    `gorm:"primaryKey;size:64"`
	CreatedAt     time.Time `gorm:"not null"`
	LastSeenAt    time.Time `gorm:"not null;index"`
	WorkspaceRoot string    `gorm:"size:512"`
}

// TableName keeps the table name stable across GORM naming strategies.
func (SessionModel) TableName() string { return "sessions" }

// GormStore implements RecordStore on a GORM database handle.
type GormStore struct {
	db *gorm.DB
}

// OpenStore opens the configured backend and migrates the schema.
func OpenStore(cfg StoreConfig, slogger *slog.Logger) (*GormStore, error) {
	gormLogger := logger.New(
		slogWriter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
	gormCfg := &gorm.Config{
		Logger:  gormLogger,
		NowFunc: func() time.Time { return time.Now().UTC() },
	}

	var (
		db  *gorm.DB
		err error
	)
	switch cfg.Driver {
	case "postgres":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("postgres driver requires a dsn")
		}
		db, err = gorm.Open(postgres.Open(cfg.DSN), gormCfg)
	case "", "sqlite":
		if cfg.Path == "" {
			return nil, fmt.Errorf("sqlite driver requires a path")
		}
		if mkErr := os.MkdirAll(filepath.Dir(cfg.Path), 0750); mkErr != nil {
			return nil, fmt.Errorf("creating database directory: %w", mkErr)
		}
		dsn := fmt.Sprintf("%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)", cfg.Path)
		db, err = gorm.Open(sqlite.Open(dsn), gormCfg)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", cfg.Driver, err)
	}

	if err := db.AutoMigrate(&SessionModel{}); err != nil {
		return nil, fmt.Errorf("migrating session schema: %w", err)
	}

	slogger.Info("session record store opened", slog.String("driver", driverName(cfg.Driver)))
	return &GormStore{db: db}, nil
}

// Upsert inserts or updates a session record, last-write-wins.
func (s *GormStore) Upsert(ctx context.Context, rec Record) error {
	model := SessionModel{
		ID:            string(rec.ID),
		CreatedAt:     rec.CreatedAt,
		LastSeenAt:    rec.LastSeenAt,
		WorkspaceRoot: rec.WorkspaceRoot,
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"last_seen_at", "workspace_root"}),
		}).
		Create(&model).Error
}

// Delete removes a session record; deleting an absent record is a no-op.
func (s *GormStore) Delete(ctx context.Context, id identity.SessionID) error {
	return s.db.WithContext(ctx).
		Delete(&SessionModel{}, "id = ?", string(id)).Error
}

// List returns all persisted records.
func (s *GormStore) List(ctx context.Context) ([]Record, error) {
	var models []SessionModel
	if err := s.db.WithContext(ctx).Order("last_seen_at desc").Find(&models).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	recs := make([]Record, 0, len(models))
	for _, m := range models {
		if !identity.Valid(m.ID) {
			continue // skip rows with keys this process would never mint
		}
		recs = append(recs, Record{
			ID:            identity.SessionID(m.ID),
			CreatedAt:     m.CreatedAt,
			LastSeenAt:    m.LastSeenAt,
			WorkspaceRoot: m.WorkspaceRoot,
		})
	}
	return recs, nil
}

// Ping verifies the database connection. Used by readiness checks.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying connection.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func driverName(d string) string {
	if d == "" {
		return "sqlite"
	}
	return d
}

// slogWriter adapts *slog.Logger to GORM's logger.Writer interface.
type slogWriter struct {
	logger *slog.Logger
}

func (w slogWriter) Printf(format string, args ...any) {
	w.logger.Info(fmt.Sprintf(format, args...))
}

var _ RecordStore = (*GormStore)(nil)
