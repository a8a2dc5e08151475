package fakebank

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMetadataJSON   = "{}"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19

	accountNumberDigits   = 12
	accountNumberAttempts = 5
)

var (
	ErrDuplicateUser      = errors.New("username or phone already registered")
	ErrUnknownUser        = errors.New("user not found")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrSelfTransfer       = errors.New("cannot transfer to yourself")
	ErrDuplicateTransfer  = errors.New("duplicate transfer")
	ErrUnknownDestination = errors.New("destination not found")
)

// Store wraps the backing database for the emulated banking services.
type Store struct {
	db *gorm.DB
}

// NewStore returns a Store backed by gorm.DB.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the schema.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&User{}, &Transfer{}, &Notification{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// CreateUser registers a user with a fresh account number and an opening
// balance.
func (store *Store) CreateUser(ctx context.Context, username string, phone string, passwordHash string, openingBalance int64) (User, error) {
	for attempt := 0; attempt < accountNumberAttempts; attempt++ {
		user := User{
			Username:      username,
			Phone:         phone,
			PasswordHash:  passwordHash,
			AccountNumber: randomAccountNumber(),
			Balance:       openingBalance,
			CreatedAt:     time.Now().UTC(),
		}
		err := store.db.WithContext(ctx).Create(&user).Error
		if err == nil {
			return user, nil
		}
		if !isUniqueViolation(err) {
			return User{}, fmt.Errorf("create user: %w", err)
		}
		var existing User
		lookupErr := store.db.WithContext(ctx).
			Where("username = ? OR phone = ?", username, phone).
			Take(&existing).Error
		if lookupErr == nil {
			return User{}, ErrDuplicateUser
		}
		// Account number collision; try another one.
	}
	return User{}, fmt.Errorf("create user: account number space exhausted")
}

// UserByPhone resolves the login credential.
func (store *Store) UserByPhone(ctx context.Context, phone string) (User, error) {
	return store.userWhere(ctx, "phone = ?", phone)
}

// UserByID resolves an authenticated session subject.
func (store *Store) UserByID(ctx context.Context, userID int64) (User, error) {
	return store.userWhere(ctx, "id = ?", userID)
}

// UserByAccountNumber resolves a lookup query.
func (store *Store) UserByAccountNumber(ctx context.Context, accountNumber string) (User, error) {
	return store.userWhere(ctx, "account_number = ?", accountNumber)
}

func (store *Store) userWhere(ctx context.Context, query string, argument any) (User, error) {
	var user User
	err := store.db.WithContext(ctx).Where(query, argument).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrUnknownUser
	}
	if err != nil {
		return User{}, fmt.Errorf("user lookup: %w", err)
	}
	return user, nil
}

// ExecuteTransfer moves funds atomically and records the recipient's
// notification. The destination is resolved as an account number first, then
// as a username.
func (store *Store) ExecuteTransfer(ctx context.Context, fromUserID int64, destination string, amount int64, idempotencyKey string) (Transfer, Notification, User, error) {
	var (
		transfer     Transfer
		notification Notification
		recipient    User
	)
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var sender User
		if err := transaction.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", fromUserID).Take(&sender).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrUnknownUser
			}
			return fmt.Errorf("sender lookup: %w", err)
		}

		err := transaction.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("account_number = ?", destination).Take(&recipient).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			err = transaction.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("username = ?", destination).Take(&recipient).Error
		}
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrUnknownDestination
		}
		if err != nil {
			return fmt.Errorf("recipient lookup: %w", err)
		}
		if recipient.ID == sender.ID {
			return ErrSelfTransfer
		}
		if sender.Balance < amount {
			return ErrInsufficientFunds
		}

		transfer = Transfer{
			FromUserID:     sender.ID,
			ToUserID:       recipient.ID,
			Amount:         amount,
			IdempotencyKey: idempotencyKey,
			CreatedAt:      time.Now().UTC(),
		}
		if err := transaction.Create(&transfer).Error; err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateTransfer
			}
			return fmt.Errorf("record transfer: %w", err)
		}

		if err := transaction.Model(&User{}).Where("id = ?", sender.ID).
			Update("balance", gorm.Expr("balance - ?", amount)).Error; err != nil {
			return fmt.Errorf("debit sender: %w", err)
		}
		if err := transaction.Model(&User{}).Where("id = ?", recipient.ID).
			Update("balance", gorm.Expr("balance + ?", amount)).Error; err != nil {
			return fmt.Errorf("credit recipient: %w", err)
		}

		notification = Notification{
			UserID:    recipient.ID,
			Message:   fmt.Sprintf("+%d from %s", amount, sender.Username),
			CreatedAt: transfer.CreatedAt,
		}
		if err := transaction.Create(&notification).Error; err != nil {
			return fmt.Errorf("record notification: %w", err)
		}
		return nil
	})
	if err != nil {
		return Transfer{}, Notification{}, User{}, err
	}
	return transfer, notification, recipient, nil
}

// NotificationsForUser returns the newest notifications first.
func (store *Store) NotificationsForUser(ctx context.Context, userID int64, limit int) ([]Notification, error) {
	var rows []Notification
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return rows, nil
}

// StatsRow aggregates ledger-wide totals for the operator view.
type StatsRow struct {
	TotalUsers          int64
	TotalBalance        int64
	TotalTransfers      int64
	TotalTransferAmount int64
	TotalNotifications  int64
}

// Stats computes ledger-wide totals.
func (store *Store) Stats(ctx context.Context) (StatsRow, error) {
	var stats StatsRow
	db := store.db.WithContext(ctx)
	if err := db.Model(&User{}).Count(&stats.TotalUsers).Error; err != nil {
		return StatsRow{}, fmt.Errorf("count users: %w", err)
	}
	if err := db.Model(&User{}).Select("coalesce(sum(balance),0)").Scan(&stats.TotalBalance).Error; err != nil {
		return StatsRow{}, fmt.Errorf("sum balances: %w", err)
	}
	if err := db.Model(&Transfer{}).Count(&stats.TotalTransfers).Error; err != nil {
		return StatsRow{}, fmt.Errorf("count transfers: %w", err)
	}
	if err := db.Model(&Transfer{}).Select("coalesce(sum(amount),0)").Scan(&stats.TotalTransferAmount).Error; err != nil {
		return StatsRow{}, fmt.Errorf("sum transfers: %w", err)
	}
	if err := db.Model(&Notification{}).Count(&stats.TotalNotifications).Error; err != nil {
		return StatsRow{}, fmt.Errorf("count notifications: %w", err)
	}
	return stats, nil
}

// ListUsers returns one page of users, optionally filtered by a username
// substring.
func (store *Store) ListUsers(ctx context.Context, page int, size int, search string) ([]User, int64, error) {
	query := store.db.WithContext(ctx).Model(&User{})
	if search != "" {
		query = query.Where("username LIKE ?", "%"+search+"%")
	}
	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count users: %w", err)
	}
	var rows []User
	err := query.Order("id ASC").
		Offset(pageOffset(page, size)).
		Limit(size).
		Find(&rows).Error
	if err != nil {
		return nil, 0, fmt.Errorf("list users: %w", err)
	}
	return rows, total, nil
}

// TransferRow is one operator transfer list entry with usernames resolved.
type TransferRow struct {
	ID           int64
	FromUsername string
	ToUsername   string
	Amount       int64
	CreatedAt    time.Time
}

// ListTransfers returns one page of transfers, newest first.
func (store *Store) ListTransfers(ctx context.Context, page int, size int) ([]TransferRow, int64, error) {
	var total int64
	if err := store.db.WithContext(ctx).Model(&Transfer{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count transfers: %w", err)
	}
	var rows []TransferRow
	err := store.db.WithContext(ctx).Model(&Transfer{}).
		Select("transfers.id, senders.username AS from_username, recipients.username AS to_username, transfers.amount, transfers.created_at").
		Joins("JOIN users AS senders ON senders.id = transfers.from_user_id").
		Joins("JOIN users AS recipients ON recipients.id = transfers.to_user_id").
		Order("transfers.created_at DESC, transfers.id DESC").
		Offset(pageOffset(page, size)).
		Limit(size).
		Scan(&rows).Error
	if err != nil {
		return nil, 0, fmt.Errorf("list transfers: %w", err)
	}
	return rows, total, nil
}

// NotificationRow is one operator notification list entry with the recipient
// resolved.
type NotificationRow struct {
	ID        int64
	Username  string
	Message   string
	CreatedAt time.Time
}

// ListNotifications returns one page of notifications, newest first.
func (store *Store) ListNotifications(ctx context.Context, page int, size int) ([]NotificationRow, int64, error) {
	var total int64
	if err := store.db.WithContext(ctx).Model(&Notification{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count notifications: %w", err)
	}
	var rows []NotificationRow
	err := store.db.WithContext(ctx).Model(&Notification{}).
		Select("notifications.id, users.username, notifications.message, notifications.created_at").
		Joins("JOIN users ON users.id = notifications.user_id").
		Order("notifications.created_at DESC, notifications.id DESC").
		Offset(pageOffset(page, size)).
		Limit(size).
		Scan(&rows).Error
	if err != nil {
		return nil, 0, fmt.Errorf("list notifications: %w", err)
	}
	return rows, total, nil
}

func pageOffset(page int, size int) int {
	if page < 1 {
		page = 1
	}
	return (page - 1) * size
}

func randomAccountNumber() string {
	const span = int64(900_000_000_000)
	return fmt.Sprintf("%0*d", accountNumberDigits, rand.Int63n(span)+span/9)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
