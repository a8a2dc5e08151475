package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// SlotSession is the fixed name of the user-session credential slot.
const SlotSession = "session"

// SlotAdminSecret is the fixed name of the operator credential slot.
const SlotAdminSecret = "admin_secret"

// Slot is one durable key-value credential row.
type Slot struct {
	Name      string    `gorm:"primaryKey"`
	Token     string    `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// TableName pins the storage table.
func (Slot) TableName() string { return "credential_slots" }

// Store holds one opaque credential in a durable slot keyed by a fixed name.
// It performs no validation of token contents and no network I/O. An empty
// slot reads as absent, which every consumer treats as unauthenticated.
type Store struct {
	db       *gorm.DB
	slotName string
}

// NewStore wires a Store over an opened database.
func NewStore(db *gorm.DB, slotName string) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database dependency is nil")
	}
	trimmed := strings.TrimSpace(slotName)
	if trimmed == "" {
		return nil, fmt.Errorf("slot name is required")
	}
	return &Store{db: db, slotName: trimmed}, nil
}

// Set overwrites the slot with a new credential.
func (store *Store) Set(ctx context.Context, token string) error {
	slot := Slot{Name: store.slotName, Token: token, UpdatedAt: time.Now().UTC()}
	if err := store.db.WithContext(ctx).Save(&slot).Error; err != nil {
		return fmt.Errorf("credential slot save: %w", err)
	}
	return nil
}

// Get returns the stored credential and whether one is present.
func (store *Store) Get(ctx context.Context) (string, bool, error) {
	var slot Slot
	err := store.db.WithContext(ctx).Take(&slot, "name = ?", store.slotName).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("credential slot read: %w", err)
	}
	if slot.Token == "" {
		return "", false, nil
	}
	return slot.Token, true, nil
}

// Clear destroys the stored credential.
func (store *Store) Clear(ctx context.Context) error {
	err := store.db.WithContext(ctx).Delete(&Slot{}, "name = ?", store.slotName).Error
	if err != nil {
		return fmt.Errorf("credential slot clear: %w", err)
	}
	return nil
}

// Open opens (creating as needed) the local client-state database holding
// credential slots.
func Open(path string) (*gorm.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("state dir: %w", err)
		}
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("state db open: %w", err)
	}
	if err := db.AutoMigrate(&Slot{}); err != nil {
		return nil, fmt.Errorf("state db migrate: %w", err)
	}
	return db, nil
}
