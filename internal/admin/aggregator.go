package admin

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/banksync/internal/gateway"
)

// Gateway is the slice of the API client the operator view consumes.
type Gateway interface {
	FetchAdminStats(ctx context.Context) (gateway.AdminStats, error)
	FetchAdminUsers(ctx context.Context, page int, size int, search string) (gateway.AdminUserPage, error)
	FetchAdminTransfers(ctx context.Context, page int, size int) (gateway.AdminTransferPage, error)
	FetchAdminNotifications(ctx context.Context, page int, size int) (gateway.AdminNotificationPage, error)
	FetchServiceHealth(ctx context.Context, serviceName string) (gateway.HealthReport, error)
}

// DefaultServices lists the backend services the operator dashboard probes.
var DefaultServices = []string{"auth", "account", "transfer", "notification"}

// Aggregator composes the operator dashboard: three independently paginated
// collections, ledger-wide stats, and concurrent health probes. It carries an
// elevated credential through its gateway, never the user session.
type Aggregator struct {
	gateway  Gateway
	services []string
	logger   *zap.Logger

	users         *PagedCollection[gateway.AdminUser]
	transfers     *PagedCollection[gateway.AdminTransfer]
	notifications *PagedCollection[gateway.AdminNotification]

	mu     sync.Mutex
	health []ServiceHealth
}

// AggregatorOption configures an Aggregator instance.
type AggregatorOption func(*Aggregator)

// WithServices overrides the probed service set.
func WithServices(services []string) AggregatorOption {
	return func(aggregator *Aggregator) {
		aggregator.services = services
	}
}

// WithAggregatorLogger wires a structured logger.
func WithAggregatorLogger(logger *zap.Logger) AggregatorOption {
	return func(aggregator *Aggregator) {
		aggregator.logger = logger
	}
}

// NewAggregator wires an Aggregator with the default page size and probe set.
func NewAggregator(adminGateway Gateway, options ...AggregatorOption) (*Aggregator, error) {
	if adminGateway == nil {
		return nil, fmt.Errorf("gateway dependency is nil")
	}
	aggregator := &Aggregator{
		gateway:  adminGateway,
		services: DefaultServices,
		logger:   zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(aggregator)
		}
	}
	aggregator.users = newPagedCollection(func(ctx context.Context, page int, size int, search string) ([]gateway.AdminUser, gateway.PageMeta, error) {
		result, err := adminGateway.FetchAdminUsers(ctx, page, size, search)
		if err != nil {
			return nil, gateway.PageMeta{}, err
		}
		return result.Users, result.PageMeta, nil
	}, defaultPageSize, true)
	aggregator.transfers = newPagedCollection(func(ctx context.Context, page int, size int, _ string) ([]gateway.AdminTransfer, gateway.PageMeta, error) {
		result, err := adminGateway.FetchAdminTransfers(ctx, page, size)
		if err != nil {
			return nil, gateway.PageMeta{}, err
		}
		return result.Transfers, result.PageMeta, nil
	}, defaultPageSize, false)
	aggregator.notifications = newPagedCollection(func(ctx context.Context, page int, size int, _ string) ([]gateway.AdminNotification, gateway.PageMeta, error) {
		result, err := adminGateway.FetchAdminNotifications(ctx, page, size)
		if err != nil {
			return nil, gateway.PageMeta{}, err
		}
		return result.Notifications, result.PageMeta, nil
	}, defaultPageSize, false)
	aggregator.health = make([]ServiceHealth, len(aggregator.services))
	for index, serviceName := range aggregator.services {
		aggregator.health[index] = ServiceHealth{ServiceName: serviceName, Status: StatusUnknown}
	}
	return aggregator, nil
}

// Users returns the searchable user collection.
func (aggregator *Aggregator) Users() *PagedCollection[gateway.AdminUser] {
	return aggregator.users
}

// Transfers returns the transfer collection.
func (aggregator *Aggregator) Transfers() *PagedCollection[gateway.AdminTransfer] {
	return aggregator.transfers
}

// Notifications returns the notification collection.
func (aggregator *Aggregator) Notifications() *PagedCollection[gateway.AdminNotification] {
	return aggregator.notifications
}

// Stats fetches ledger-wide totals.
func (aggregator *Aggregator) Stats(ctx context.Context) (gateway.AdminStats, error) {
	return aggregator.gateway.FetchAdminStats(ctx)
}

// RefreshAll refreshes every collection. Collections fail independently; the
// joined error reports which ones could not load without suppressing the
// others.
func (aggregator *Aggregator) RefreshAll(ctx context.Context) error {
	var failures []error
	if err := aggregator.users.Refresh(ctx); err != nil {
		aggregator.logger.Warn("user collection refresh failed", zap.Error(err))
		failures = append(failures, fmt.Errorf("users: %w", err))
	}
	if err := aggregator.transfers.Refresh(ctx); err != nil {
		aggregator.logger.Warn("transfer collection refresh failed", zap.Error(err))
		failures = append(failures, fmt.Errorf("transfers: %w", err))
	}
	if err := aggregator.notifications.Refresh(ctx); err != nil {
		aggregator.logger.Warn("notification collection refresh failed", zap.Error(err))
		failures = append(failures, fmt.Errorf("notifications: %w", err))
	}
	return errors.Join(failures...)
}
