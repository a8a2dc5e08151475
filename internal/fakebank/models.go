package fakebank

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// User represents the users table.
type User struct {
	ID            int64     `gorm:"primaryKey;autoIncrement"`
	Username      string    `gorm:"not null;uniqueIndex:uniq_users_username"`
	Phone         string    `gorm:"not null;uniqueIndex:uniq_users_phone"`
	PasswordHash  string    `gorm:"not null"`
	AccountNumber string    `gorm:"not null;uniqueIndex:uniq_users_account_number"`
	Balance       int64     `gorm:"not null"`
	CreatedAt     time.Time `gorm:"not null"`
}

func (User) TableName() string { return "users" }

// Transfer mirrors the transfers table.
type Transfer struct {
	ID             int64          `gorm:"primaryKey;autoIncrement"`
	FromUserID     int64          `gorm:"not null;index:idx_transfers_from_created,priority:1"`
	ToUserID       int64          `gorm:"not null;index"`
	Amount         int64          `gorm:"not null"`
	IdempotencyKey string         `gorm:"not null;uniqueIndex:uniq_transfers_idem"`
	Metadata       datatypes.JSON `gorm:"not null"`
	CreatedAt      time.Time      `gorm:"not null;index:idx_transfers_from_created,priority:2"`
}

func (Transfer) TableName() string { return "transfers" }

func (transfer *Transfer) BeforeCreate(tx *gorm.DB) error {
	if transfer.IdempotencyKey == "" {
		transfer.IdempotencyKey = uuid.NewString()
	}
	if len(transfer.Metadata) == 0 {
		transfer.Metadata = datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return nil
}

// Notification mirrors the notifications table. Numeric primary keys double
// as the wire-level notification ids.
type Notification struct {
	ID        int64          `gorm:"primaryKey;autoIncrement"`
	UserID    int64          `gorm:"not null;index:idx_notifications_user_created,priority:1"`
	Message   string         `gorm:"not null"`
	Metadata  datatypes.JSON `gorm:"not null"`
	CreatedAt time.Time      `gorm:"not null;index:idx_notifications_user_created,priority:2"`
}

func (Notification) TableName() string { return "notifications" }

func (notification *Notification) BeforeCreate(tx *gorm.DB) error {
	if len(notification.Metadata) == 0 {
		notification.Metadata = datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return nil
}
