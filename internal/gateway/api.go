package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/banksync/pkg/feed"
)

const (
	pathRegister      = "/api/auth/register"
	pathLogin         = "/api/auth/login"
	pathMe            = "/api/account/me"
	pathLookup        = "/api/account/lookup"
	pathTransfer      = "/api/transfer/transfer"
	pathNotifications = "/api/notifications/notifications"
	pathAdminStats    = "/api/account/admin/stats"
	pathAdminUsers    = "/api/account/admin/users"
	pathAdminXfers    = "/api/account/admin/transfers"
	pathAdminNotifs   = "/api/account/admin/notifications"

	idempotencyHeaderField = "idempotency_key"
)

// Account is the wholesale-refreshed account view sourced from /account/me.
type Account struct {
	Username      string `json:"username"`
	Phone         string `json:"phone"`
	AccountNumber string `json:"account_number"`
	Balance       int64  `json:"balance"`
}

// RegisterResult reports the account number assigned on registration.
type RegisterResult struct {
	AccountNumber string `json:"account_number"`
}

// LoginResult carries the opaque session credential.
type LoginResult struct {
	Session string `json:"session"`
}

// LookupResult resolves an account number to its owner's username.
type LookupResult struct {
	Username string `json:"username"`
}

// TransferResult echoes the executed transfer.
type TransferResult struct {
	Amount          int64  `json:"amount"`
	To              string `json:"to"`
	ToAccountNumber string `json:"to_account_number"`
}

// Register creates a new account and returns its assigned number.
func (client *Client) Register(ctx context.Context, phone string, username string, password string) (RegisterResult, error) {
	body := map[string]string{"phone": phone, "username": username, "password": password}
	var result RegisterResult
	if err := client.do(ctx, http.MethodPost, pathRegister, body, &result); err != nil {
		return RegisterResult{}, err
	}
	return result, nil
}

// Login exchanges credentials for a session token.
func (client *Client) Login(ctx context.Context, phone string, password string) (LoginResult, error) {
	body := map[string]string{"phone": phone, "password": password}
	var result LoginResult
	if err := client.do(ctx, http.MethodPost, pathLogin, body, &result); err != nil {
		return LoginResult{}, err
	}
	return result, nil
}

// Me fetches the authenticated account, refreshed wholesale.
func (client *Client) Me(ctx context.Context) (Account, error) {
	var account Account
	if err := client.do(ctx, http.MethodGet, pathMe, nil, &account); err != nil {
		return Account{}, err
	}
	return account, nil
}

// Lookup resolves a destination account number before a transfer.
func (client *Client) Lookup(ctx context.Context, accountNumber string) (LookupResult, error) {
	query := url.Values{}
	query.Set("account_number", accountNumber)
	var result LookupResult
	if err := client.do(ctx, http.MethodGet, pathLookup+"?"+query.Encode(), nil, &result); err != nil {
		return LookupResult{}, err
	}
	return result, nil
}

// SubmitTransfer posts a validated transfer. The idempotency key lets the
// transfer service dedupe a resubmission after a transport failure.
func (client *Client) SubmitTransfer(ctx context.Context, destination string, amount int64, idempotencyKey string) (TransferResult, error) {
	body := map[string]interface{}{
		"to_account_number":    destination,
		"amount":               amount,
		idempotencyHeaderField: idempotencyKey,
	}
	var result TransferResult
	if err := client.do(ctx, http.MethodPost, pathTransfer, body, &result); err != nil {
		return TransferResult{}, err
	}
	return result, nil
}

type wireNotification struct {
	ID        flexibleID `json:"id"`
	Message   string     `json:"message"`
	CreatedAt string     `json:"created_at"`
}

type wireNotificationList struct {
	Items []wireNotification `json:"items"`
}

// Notifications fetches the point-in-time snapshot. The endpoint returns
// either a bare array or an {items: [...]} envelope; both shapes decode.
func (client *Client) Notifications(ctx context.Context) ([]feed.Notification, error) {
	var raw json.RawMessage
	if err := client.do(ctx, http.MethodGet, pathNotifications, nil, &raw); err != nil {
		return nil, err
	}
	rows := decodeNotificationRows(raw)
	snapshot := make([]feed.Notification, 0, len(rows))
	for _, row := range rows {
		notification, err := feed.NewNotification(row.ID.String(), row.Message, parseWireTime(row.CreatedAt), feed.SourceSnapshot)
		if err != nil {
			continue
		}
		snapshot = append(snapshot, notification)
	}
	return snapshot, nil
}

func decodeNotificationRows(raw json.RawMessage) []wireNotification {
	if len(raw) == 0 {
		return nil
	}
	var rows []wireNotification
	if err := json.Unmarshal(raw, &rows); err == nil {
		return rows
	}
	var envelope wireNotificationList
	if err := json.Unmarshal(raw, &envelope); err == nil {
		return envelope.Items
	}
	return nil
}

func parseWireTime(raw string) int64 {
	if raw == "" {
		return 0
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return 0
	}
	return parsed.Unix()
}

// flexibleID accepts either a JSON string or number for server-assigned ids.
type flexibleID string

func (id *flexibleID) UnmarshalJSON(raw []byte) error {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "null" || trimmed == "" {
		*id = ""
		return nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var value string
		if err := json.Unmarshal(raw, &value); err != nil {
			return err
		}
		*id = flexibleID(value)
		return nil
	}
	var value json.Number
	if err := json.Unmarshal(raw, &value); err != nil {
		return err
	}
	*id = flexibleID(value.String())
	return nil
}

func (id flexibleID) String() string {
	return string(id)
}

// AdminStats aggregates ledger-wide totals for the operator view.
type AdminStats struct {
	TotalUsers          int64 `json:"total_users"`
	TotalBalance        int64 `json:"total_balance"`
	TotalTransfers      int64 `json:"total_transfers"`
	TotalTransferAmount int64 `json:"total_transfer_amount"`
	TotalNotifications  int64 `json:"total_notifications"`
}

// AdminUser is one row of the paginated operator user list.
type AdminUser struct {
	ID            int64  `json:"id"`
	Username      string `json:"username"`
	Phone         string `json:"phone"`
	AccountNumber string `json:"account_number"`
	Balance       int64  `json:"balance"`
}

// AdminTransfer is one row of the paginated operator transfer list.
type AdminTransfer struct {
	ID           int64  `json:"id"`
	FromUsername string `json:"from_username"`
	ToUsername   string `json:"to_username"`
	Amount       int64  `json:"amount"`
	CreatedAt    string `json:"created_at"`
}

// AdminNotification is one row of the paginated operator notification list.
type AdminNotification struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	Message   string `json:"message"`
	CreatedAt string `json:"created_at"`
}

// PageMeta carries the pagination envelope common to operator lists.
type PageMeta struct {
	Total int64 `json:"total"`
	Page  int   `json:"page"`
	Size  int   `json:"size"`
	Pages int   `json:"pages"`
}

// AdminUserPage is the users collection response.
type AdminUserPage struct {
	Users []AdminUser `json:"users"`
	PageMeta
}

// AdminTransferPage is the transfers collection response.
type AdminTransferPage struct {
	Transfers []AdminTransfer `json:"transfers"`
	PageMeta
}

// AdminNotificationPage is the notifications collection response.
type AdminNotificationPage struct {
	Notifications []AdminNotification `json:"notifications"`
	PageMeta
}

// FetchAdminStats fetches ledger-wide totals.
func (client *Client) FetchAdminStats(ctx context.Context) (AdminStats, error) {
	var stats AdminStats
	if err := client.do(ctx, http.MethodGet, pathAdminStats, nil, &stats); err != nil {
		return AdminStats{}, err
	}
	return stats, nil
}

// FetchAdminUsers fetches one page of the user collection.
func (client *Client) FetchAdminUsers(ctx context.Context, page int, size int, search string) (AdminUserPage, error) {
	var result AdminUserPage
	if err := client.do(ctx, http.MethodGet, pathAdminUsers+"?"+pageQuery(page, size, search), nil, &result); err != nil {
		return AdminUserPage{}, err
	}
	return result, nil
}

// FetchAdminTransfers fetches one page of the transfer collection.
func (client *Client) FetchAdminTransfers(ctx context.Context, page int, size int) (AdminTransferPage, error) {
	var result AdminTransferPage
	if err := client.do(ctx, http.MethodGet, pathAdminXfers+"?"+pageQuery(page, size, ""), nil, &result); err != nil {
		return AdminTransferPage{}, err
	}
	return result, nil
}

// FetchAdminNotifications fetches one page of the notification collection.
func (client *Client) FetchAdminNotifications(ctx context.Context, page int, size int) (AdminNotificationPage, error) {
	var result AdminNotificationPage
	if err := client.do(ctx, http.MethodGet, pathAdminNotifs+"?"+pageQuery(page, size, ""), nil, &result); err != nil {
		return AdminNotificationPage{}, err
	}
	return result, nil
}

func pageQuery(page int, size int, search string) string {
	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	query.Set("size", strconv.Itoa(size))
	if search != "" {
		query.Set("search", search)
	}
	return query.Encode()
}

// HealthReport is the per-service health payload.
type HealthReport struct {
	Status   string `json:"status"`
	Service  string `json:"service"`
	Database string `json:"database"`
	Redis    string `json:"redis"`
}

// FetchServiceHealth probes one backend service's unauthenticated health
// endpoint.
func (client *Client) FetchServiceHealth(ctx context.Context, serviceName string) (HealthReport, error) {
	var report HealthReport
	path := fmt.Sprintf("/api/%s/health", serviceName)
	if err := client.do(ctx, http.MethodGet, path, nil, &report); err != nil {
		return HealthReport{}, err
	}
	return report, nil
}
