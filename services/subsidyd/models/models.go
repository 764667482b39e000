package models

import (
	"time"

	"gorm.io/gorm"
)

// Role enumerations for persisted accounts.
const (
	RoleGovernment = "government"
	RoleProducer   = "producer"
	RoleAuditor    = "auditor"
)

// ValidRole reports whether role is one of the account roles the service issues.
func ValidRole(role string) bool {
	switch role {
	case RoleGovernment, RoleProducer, RoleAuditor:
		return true
	}
	return false
}

// Vendor is a subsidy recipient. WalletAddress holds the EIP-55 checksum form of
// the vendor's chain identity so the unique index is case-insensitive in practice.
type Vendor struct {
	ID            uint          `gorm:"primaryKey;autoIncrement" json:"id"`
	Name          string        `gorm:"size:255;not null" json:"name"`
	WalletAddress string        `gorm:"size:42;not null;uniqueIndex" json:"wallet_address"`
	MilestoneGoal int64         `gorm:"not null" json:"milestone_goal"`
	RewardAmount  string        `gorm:"size:80;not null" json:"reward_amount"`
	IsPaid        bool          `gorm:"not null;default:false" json:"is_paid"`
	IsActive      bool          `gorm:"not null;default:true" json:"is_active"`
	CreatedAt     time.Time     `gorm:"index" json:"created_at"`
	ProgressLogs  []ProgressLog `gorm:"constraint:OnDelete:CASCADE" json:"-"`
}

// ProgressLog is an append-only progress fact. Rows are never updated; only a
// full reset or the cascade from a vendor delete removes them.
type ProgressLog struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	VendorID  uint      `gorm:"not null;index" json:"vendor_id"`
	Progress  int64     `gorm:"not null" json:"progress"`
	Timestamp time.Time `gorm:"not null" json:"timestamp"`
	TxHash    string    `gorm:"size:66" json:"tx_hash,omitempty"`
}

// User stores portal accounts. Producer accounts are created together with their vendor.
type User struct {
	ID           uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Name         string    `gorm:"size:255;not null" json:"name"`
	Email        string    `gorm:"size:255;not null;uniqueIndex" json:"email"`
	PasswordHash string    `gorm:"size:255;not null" json:"-"`
	Role         string    `gorm:"size:16;not null;index" json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

// IdempotencyKey stores replayable responses for retried mutating requests.
type IdempotencyKey struct {
	Key       string `gorm:"primaryKey;size:128"`
	RequestID string `gorm:"size:64"`
	Method    string `gorm:"size:8"`
	Path      string `gorm:"size:255"`
	Status    int
	Response  string `gorm:"type:text"`
	CreatedAt time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Vendor{},
		&ProgressLog{},
		&User{},
		&IdempotencyKey{},
	)
}
