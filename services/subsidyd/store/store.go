package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"subsidychain/services/subsidyd/models"
)

var (
	// ErrNotFound is returned when the targeted row does not exist.
	ErrNotFound = errors.New("store: record not found")
	// ErrConflict is returned when an insert violates a unique index (wallet or email).
	ErrConflict = errors.New("store: unique constraint violated")
)

// Options tunes the connection pool. Vendor registrations hold a connection while the
// ledger confirms, so MaxOpenConns bounds how many can be in flight at once.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	LogLevel        string
}

// Open connects to the database named by dsn and applies the schema. postgres:// and
// postgresql:// URLs use the Postgres driver; anything else is treated as a SQLite path.
func Open(dsn string, opts Options) (*gorm.DB, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("store: database url required")
	}
	db, err := gorm.Open(Dialector(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormLogLevel(opts.LogLevel)),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("store: pool: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	if err := models.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return db, nil
}

// Dialector picks the gorm dialector for a connection string.
func Dialector(dsn string) gorm.Dialector {
	lower := strings.ToLower(dsn)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return postgres.Open(dsn)
	}
	dsn = strings.TrimPrefix(dsn, "sqlite://")
	if !strings.Contains(dsn, "_pragma=foreign_keys") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=foreign_keys(1)"
	}
	return sqlite.Open(dsn)
}

func gormLogLevel(raw string) gormlogger.LogLevel {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "silent", "":
		return gormlogger.Silent
	case "info", "debug":
		return gormlogger.Info
	case "error":
		return gormlogger.Error
	default:
		return gormlogger.Warn
	}
}

// Store is the relational side of the dual-write protocol.
type Store struct {
	db *gorm.DB
}

// New wraps an opened database handle.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for middleware that persists its own records.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Stats reports connection pool usage.
func (s *Store) Stats() sql.DBStats {
	sqlDB, err := s.db.DB()
	if err != nil {
		return sql.DBStats{}
	}
	return sqlDB.Stats()
}

// CreateVendor inserts the vendor and its producer account in one transaction.
// confirm runs after both inserts and before commit; if it returns an error the
// transaction is rolled back and neither row survives.
func (s *Store) CreateVendor(ctx context.Context, vendor *models.Vendor, account *models.User, confirm func(context.Context, *models.Vendor) error) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(vendor).Error; err != nil {
			return classify("insert vendor", err)
		}
		if account != nil {
			if err := tx.Create(account).Error; err != nil {
				return classify("insert account", err)
			}
		}
		if confirm != nil {
			return confirm(ctx, vendor)
		}
		return nil
	})
	if err != nil {
		vendor.ID = 0
		if account != nil {
			account.ID = 0
		}
	}
	return err
}

// VendorByID loads a vendor.
func (s *Store) VendorByID(ctx context.Context, id uint) (*models.Vendor, error) {
	var vendor models.Vendor
	if err := s.db.WithContext(ctx).First(&vendor, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: load vendor: %w", err)
	}
	return &vendor, nil
}

// ListVendors returns all vendors, newest registration first.
func (s *Store) ListVendors(ctx context.Context) ([]models.Vendor, error) {
	var vendors []models.Vendor
	if err := s.db.WithContext(ctx).Order("created_at DESC").Order("id DESC").Find(&vendors).Error; err != nil {
		return nil, fmt.Errorf("store: list vendors: %w", err)
	}
	return vendors, nil
}

// AppendProgress adds an entry to the progress log.
func (s *Store) AppendProgress(ctx context.Context, entry *models.ProgressLog) error {
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("store: append progress: %w", err)
	}
	return nil
}

// TotalProgress sums every logged delta for the vendor. It is recomputed on each
// call; there is no stored running total that could drift from the log.
func (s *Store) TotalProgress(ctx context.Context, vendorID uint) (int64, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Vendor{}).Where("id = ?", vendorID).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("store: lookup vendor: %w", err)
	}
	if count == 0 {
		return 0, ErrNotFound
	}
	var total int64
	if err := s.db.WithContext(ctx).Model(&models.ProgressLog{}).
		Where("vendor_id = ?", vendorID).
		Select("COALESCE(SUM(progress), 0)").
		Scan(&total).Error; err != nil {
		return 0, fmt.Errorf("store: sum progress: %w", err)
	}
	return total, nil
}

// ProgressTotals returns the aggregate progress of every vendor with at least one entry.
func (s *Store) ProgressTotals(ctx context.Context) (map[uint]int64, error) {
	var rows []struct {
		VendorID uint
		Total    int64
	}
	if err := s.db.WithContext(ctx).Model(&models.ProgressLog{}).
		Select("vendor_id, COALESCE(SUM(progress), 0) AS total").
		Group("vendor_id").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: progress totals: %w", err)
	}
	totals := make(map[uint]int64, len(rows))
	for _, row := range rows {
		totals[row.VendorID] = row.Total
	}
	return totals, nil
}

// MarkPaid flips the paid flag. alreadyPaid reports that the flag was set before
// this call; the flag never transitions back.
func (s *Store) MarkPaid(ctx context.Context, vendorID uint) (alreadyPaid bool, err error) {
	res := s.db.WithContext(ctx).Model(&models.Vendor{}).
		Where("id = ? AND is_paid = ?", vendorID, false).
		Update("is_paid", true)
	if res.Error != nil {
		return false, fmt.Errorf("store: mark paid: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return false, nil
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Vendor{}).Where("id = ?", vendorID).Count(&count).Error; err != nil {
		return false, fmt.Errorf("store: lookup vendor: %w", err)
	}
	if count == 0 {
		return false, ErrNotFound
	}
	return true, nil
}

// Reset removes every progress log, vendor, account, and cached idempotent response
// in one transaction.
func (s *Store) Reset(ctx context.Context) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		all := tx.Session(&gorm.Session{AllowGlobalUpdate: true})
		for _, model := range []any{&models.ProgressLog{}, &models.Vendor{}, &models.User{}, &models.IdempotencyKey{}} {
			if err := all.Delete(model).Error; err != nil {
				return fmt.Errorf("store: reset: %w", err)
			}
		}
		return nil
	})
}

// CreateUser inserts a portal account.
func (s *Store) CreateUser(ctx context.Context, user *models.User) error {
	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		return classify("insert account", err)
	}
	return nil
}

// UserByEmail loads an account by its email.
func (s *Store) UserByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	if err := s.db.WithContext(ctx).First(&user, "email = ?", email).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: load account: %w", err)
	}
	return &user, nil
}

// UpdatePasswordHash replaces the stored password hash for an account.
func (s *Store) UpdatePasswordHash(ctx context.Context, email, hash string) error {
	res := s.db.WithContext(ctx).Model(&models.User{}).Where("email = ?", email).Update("password_hash", hash)
	if res.Error != nil {
		return fmt.Errorf("store: update password: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func classify(op string, err error) error {
	if IsUniqueViolation(err) {
		return fmt.Errorf("%w: %s: %v", ErrConflict, op, err)
	}
	return fmt.Errorf("store: %s: %w", op, err)
}

// IsUniqueViolation reports whether err is a unique index violation from any supported driver.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || errors.Is(err, ErrConflict) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "SQLSTATE 23505")
}
