// Package store persists tickets, conversation messages and tool usage records
// and rebuilds model-ready turn sequences from them.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/capitalize-ai/support-desk/internal/model"
)

// Supported database drivers.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

var (
	// ErrNotFound is returned when a ticket does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicateTicket is returned when creating a ticket whose id is taken.
	ErrDuplicateTicket = errors.New("store: ticket already exists")
)

// Store is the gorm-backed conversation store. It is safe for concurrent use
// across tickets.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// AllModels returns every table managed by the store.
func AllModels() []interface{} {
	return []interface{}{
		&model.Ticket{},
		&model.Message{},
		&model.ToolUsageRecord{},
		&model.DocSection{},
	}
}

// Open connects to the database and migrates the schema.
func Open(driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case "", DriverSQLite:
		if err := ensureDir(dsn); err != nil {
			return nil, err
		}
		dialector = sqlite.Open(dsn)
	case DriverMySQL:
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("store: unsupported driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("store: connect %s: %w", driver, err)
	}

	if driver == "" || driver == DriverSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("store: sql handle: %w", err)
		}
		// sqlite serializes writers; a single connection also keeps
		// ":memory:" databases alive for the lifetime of the store.
		sqlDB.SetMaxOpenConns(1)
	}

	s := New(db)
	if err := s.AutoMigrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// New wraps an existing gorm connection. The schema is not migrated.
func New(db *gorm.DB) *Store {
	return &Store{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// AutoMigrate creates or updates all tables.
func (s *Store) AutoMigrate() error {
	if err := s.db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("store: auto-migrate: %w", err)
	}
	return nil
}

// DB returns the underlying gorm handle.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// touch refreshes a ticket's updated_at inside tx.
func (s *Store) touch(tx *gorm.DB, ticketID string, at time.Time) error {
	return tx.Model(&model.Ticket{}).Where("id = ?", ticketID).Update("updated_at", at).Error
}

func ensureDir(dsn string) error {
	if dsn == "" || strings.HasPrefix(dsn, ":memory:") || strings.HasPrefix(dsn, "file:") {
		return nil
	}
	dir := filepath.Dir(dsn)
	if dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("store: create data dir: %w", err)
	}
	return nil
}
