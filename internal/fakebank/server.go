package fakebank

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	sessionHeaderName     = "X-Session"
	adminSecretHeaderName = "X-Admin-Secret"

	contextKeyUserID = "fakebank_user_id"

	defaultOpeningBalance = 10_000
	defaultSessionTTL     = 24 * time.Hour
	defaultPageSize       = 20
	maxPageSize           = 100
	snapshotLimit         = 50
)

// serviceNames lists the emulated backend services, each with its own health
// endpoint.
var serviceNames = []string{"auth", "account", "transfer", "notification"}

// Config drives the emulated backend.
type Config struct {
	ListenAddr        string
	DatabaseURL       string
	SessionSigningKey string
	AdminSecret       string
	AllowedOrigins    []string
	SessionTTL        time.Duration
	OpeningBalance    int64
}

// Validate normalizes the configuration and rejects unusable values.
func (cfg *Config) Validate() error {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = ":memory:"
	}
	if cfg.SessionSigningKey == "" {
		return fmt.Errorf("session signing key is required")
	}
	if cfg.AdminSecret == "" {
		return fmt.Errorf("admin secret is required")
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = defaultSessionTTL
	}
	if cfg.OpeningBalance <= 0 {
		cfg.OpeningBalance = defaultOpeningBalance
	}
	return nil
}

// Run boots the HTTP façade and blocks until the context is cancelled.
func Run(ctx context.Context, cfg Config, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	gormDB, cleanup, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()

	if err := Migrate(gormDB); err != nil {
		return err
	}

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: NewRouter(cfg, NewStore(gormDB), NewHub(logger), logger),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("fakebank listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// NewRouter assembles the gin engine serving all four emulated services.
func NewRouter(cfg Config, store *Store, hub *Hub, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", sessionHeaderName, adminSecretHeaderName},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	handler := &httpHandler{
		cfg:    cfg,
		store:  store,
		hub:    hub,
		logger: logger,
	}

	api := router.Group("/api")
	for _, serviceName := range serviceNames {
		api.GET("/"+serviceName+"/health", handler.handleHealth(serviceName))
	}

	api.POST("/auth/register", handler.handleRegister)
	api.POST("/auth/login", handler.handleLogin)

	authenticated := api.Group("")
	authenticated.Use(handler.requireSession)
	authenticated.GET("/account/me", handler.handleMe)
	authenticated.GET("/account/lookup", handler.handleLookup)
	authenticated.POST("/transfer/transfer", handler.handleTransfer)
	authenticated.GET("/notifications/notifications", handler.handleNotifications)

	admin := api.Group("/account/admin")
	admin.Use(handler.requireAdminSecret)
	admin.GET("/stats", handler.handleAdminStats)
	admin.GET("/users", handler.handleAdminUsers)
	admin.GET("/transfers", handler.handleAdminTransfers)
	admin.GET("/notifications", handler.handleAdminNotifications)

	router.GET("/ws", handler.handlePushChannel)

	return router
}

type httpHandler struct {
	cfg    Config
	store  *Store
	hub    *Hub
	logger *zap.Logger
}

func (handler *httpHandler) handleHealth(serviceName string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{
			"status":   "healthy",
			"service":  serviceName,
			"database": "connected",
			"redis":    "connected",
		})
	}
}

type registerRequest struct {
	Phone    string `json:"phone"`
	Username string `json:"username"`
	Password string `json:"password"`
}

func (handler *httpHandler) handleRegister(ctx *gin.Context) {
	var request registerRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, detailResponse("expected JSON body"))
		return
	}
	if request.Phone == "" || request.Username == "" || request.Password == "" {
		ctx.JSON(http.StatusBadRequest, detailResponse("phone, username and password are required"))
		return
	}
	passwordHash, err := hashPassword(request.Password)
	if err != nil {
		handler.logger.Error("password hash failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, detailResponse("registration failed"))
		return
	}
	user, err := handler.store.CreateUser(ctx.Request.Context(), request.Username, request.Phone, passwordHash, handler.cfg.OpeningBalance)
	if errors.Is(err, ErrDuplicateUser) {
		ctx.JSON(http.StatusConflict, detailResponse("Username or phone already registered"))
		return
	}
	if err != nil {
		handler.logger.Error("register failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, detailResponse("registration failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"account_number": user.AccountNumber})
}

type loginRequest struct {
	Phone    string `json:"phone"`
	Password string `json:"password"`
}

func (handler *httpHandler) handleLogin(ctx *gin.Context) {
	var request loginRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, detailResponse("expected JSON body"))
		return
	}
	user, err := handler.store.UserByPhone(ctx.Request.Context(), request.Phone)
	if err != nil || !checkPassword(user.PasswordHash, request.Password) {
		ctx.JSON(http.StatusUnauthorized, detailResponse("Invalid phone or password"))
		return
	}
	session, err := issueSession([]byte(handler.cfg.SessionSigningKey), user, handler.cfg.SessionTTL)
	if err != nil {
		handler.logger.Error("session issue failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, detailResponse("login failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"session": session})
}

func (handler *httpHandler) requireSession(ctx *gin.Context) {
	userID, err := parseSession([]byte(handler.cfg.SessionSigningKey), ctx.GetHeader(sessionHeaderName))
	if err != nil {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, detailResponse("Session expired or invalid"))
		return
	}
	ctx.Set(contextKeyUserID, userID)
	ctx.Next()
}

func (handler *httpHandler) requireAdminSecret(ctx *gin.Context) {
	if ctx.GetHeader(adminSecretHeaderName) != handler.cfg.AdminSecret {
		ctx.AbortWithStatusJSON(http.StatusForbidden, detailResponse("Admin credential required"))
		return
	}
	ctx.Next()
}

func sessionUserID(ctx *gin.Context) int64 {
	value, _ := ctx.Get(contextKeyUserID)
	userID, _ := value.(int64)
	return userID
}

func (handler *httpHandler) handleMe(ctx *gin.Context) {
	user, err := handler.store.UserByID(ctx.Request.Context(), sessionUserID(ctx))
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, detailResponse("Session expired or invalid"))
		return
	}
	ctx.JSON(http.StatusOK, accountPayload(user))
}

func (handler *httpHandler) handleLookup(ctx *gin.Context) {
	accountNumber := ctx.Query("account_number")
	if accountNumber == "" {
		ctx.JSON(http.StatusBadRequest, detailResponse("account_number is required"))
		return
	}
	user, err := handler.store.UserByAccountNumber(ctx.Request.Context(), accountNumber)
	if errors.Is(err, ErrUnknownUser) {
		ctx.JSON(http.StatusNotFound, detailResponse("Account not found"))
		return
	}
	if err != nil {
		handler.logger.Error("lookup failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, detailResponse("lookup failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"username": user.Username})
}

type transferRequest struct {
	ToAccountNumber string `json:"to_account_number"`
	Amount          int64  `json:"amount"`
	IdempotencyKey  string `json:"idempotency_key"`
}

func (handler *httpHandler) handleTransfer(ctx *gin.Context) {
	var request transferRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, detailResponse("expected JSON body"))
		return
	}
	if request.ToAccountNumber == "" {
		ctx.JSON(http.StatusBadRequest, detailResponse("Destination is required"))
		return
	}
	if request.Amount <= 0 {
		ctx.JSON(http.StatusBadRequest, detailResponse("Amount must be positive"))
		return
	}

	transfer, notification, recipient, err := handler.store.ExecuteTransfer(
		ctx.Request.Context(), sessionUserID(ctx), request.ToAccountNumber, request.Amount, request.IdempotencyKey)
	switch {
	case errors.Is(err, ErrUnknownDestination):
		ctx.JSON(http.StatusNotFound, detailResponse("Recipient not found"))
		return
	case errors.Is(err, ErrSelfTransfer):
		ctx.JSON(http.StatusBadRequest, detailResponse("Cannot transfer to yourself"))
		return
	case errors.Is(err, ErrInsufficientFunds):
		ctx.JSON(http.StatusBadRequest, detailResponse("Insufficient funds"))
		return
	case errors.Is(err, ErrDuplicateTransfer):
		ctx.JSON(http.StatusConflict, detailResponse("Transfer already processed"))
		return
	case err != nil:
		handler.logger.Error("transfer failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, detailResponse("transfer failed"))
		return
	}

	go handler.hub.Publish(recipient.ID, notification)

	ctx.JSON(http.StatusOK, gin.H{
		"amount":            transfer.Amount,
		"to":                recipient.Username,
		"to_account_number": recipient.AccountNumber,
	})
}

func (handler *httpHandler) handleNotifications(ctx *gin.Context) {
	rows, err := handler.store.NotificationsForUser(ctx.Request.Context(), sessionUserID(ctx), snapshotLimit)
	if err != nil {
		handler.logger.Error("notification snapshot failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, detailResponse("notifications unavailable"))
		return
	}
	items := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		items = append(items, gin.H{
			"id":         row.ID,
			"message":    row.Message,
			"created_at": row.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"items": items})
}

func (handler *httpHandler) handleAdminStats(ctx *gin.Context) {
	stats, err := handler.store.Stats(ctx.Request.Context())
	if err != nil {
		handler.logger.Error("stats failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, detailResponse("stats unavailable"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"total_users":           stats.TotalUsers,
		"total_balance":         stats.TotalBalance,
		"total_transfers":       stats.TotalTransfers,
		"total_transfer_amount": stats.TotalTransferAmount,
		"total_notifications":   stats.TotalNotifications,
	})
}

func (handler *httpHandler) handleAdminUsers(ctx *gin.Context) {
	page, size := pageParams(ctx)
	search := ctx.Query("search")
	rows, total, err := handler.store.ListUsers(ctx.Request.Context(), page, size, search)
	if err != nil {
		handler.logger.Error("admin user list failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, detailResponse("users unavailable"))
		return
	}
	users := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		users = append(users, gin.H{
			"id":             row.ID,
			"username":       row.Username,
			"phone":          row.Phone,
			"account_number": row.AccountNumber,
			"balance":        row.Balance,
		})
	}
	ctx.JSON(http.StatusOK, pagedPayload("users", users, total, page, size))
}

func (handler *httpHandler) handleAdminTransfers(ctx *gin.Context) {
	page, size := pageParams(ctx)
	rows, total, err := handler.store.ListTransfers(ctx.Request.Context(), page, size)
	if err != nil {
		handler.logger.Error("admin transfer list failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, detailResponse("transfers unavailable"))
		return
	}
	transfers := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		transfers = append(transfers, gin.H{
			"id":            row.ID,
			"from_username": row.FromUsername,
			"to_username":   row.ToUsername,
			"amount":        row.Amount,
			"created_at":    row.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	ctx.JSON(http.StatusOK, pagedPayload("transfers", transfers, total, page, size))
}

func (handler *httpHandler) handleAdminNotifications(ctx *gin.Context) {
	page, size := pageParams(ctx)
	rows, total, err := handler.store.ListNotifications(ctx.Request.Context(), page, size)
	if err != nil {
		handler.logger.Error("admin notification list failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, detailResponse("notifications unavailable"))
		return
	}
	notifications := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		notifications = append(notifications, gin.H{
			"id":         row.ID,
			"username":   row.Username,
			"message":    row.Message,
			"created_at": row.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	ctx.JSON(http.StatusOK, pagedPayload("notifications", notifications, total, page, size))
}

var channelUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

func (handler *httpHandler) handlePushChannel(ctx *gin.Context) {
	userID, err := parseSession([]byte(handler.cfg.SessionSigningKey), ctx.Query("session"))
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, detailResponse("Session expired or invalid"))
		return
	}
	connection, err := channelUpgrader.Upgrade(ctx.Writer, ctx.Request, nil)
	if err != nil {
		handler.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	handler.hub.Register(userID, connection)
	defer func() {
		handler.hub.Unregister(userID, connection)
		_ = connection.Close()
	}()

	// Drain inbound frames; clients send liveness pings we simply discard.
	for {
		if _, _, err := connection.ReadMessage(); err != nil {
			return
		}
	}
}

func accountPayload(user User) gin.H {
	return gin.H{
		"username":       user.Username,
		"phone":          user.Phone,
		"account_number": user.AccountNumber,
		"balance":        user.Balance,
	}
}

func pagedPayload(key string, items []gin.H, total int64, page int, size int) gin.H {
	pages := 0
	if size > 0 {
		pages = int((total + int64(size) - 1) / int64(size))
	}
	return gin.H{
		key:     items,
		"total": total,
		"page":  page,
		"size":  size,
		"pages": pages,
	}
}

func pageParams(ctx *gin.Context) (int, int) {
	page, err := strconv.Atoi(ctx.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		page = 1
	}
	size, err := strconv.Atoi(ctx.DefaultQuery("size", strconv.Itoa(defaultPageSize)))
	if err != nil || size < 1 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	return page, size
}

func detailResponse(message string) gin.H {
	return gin.H{"detail": message}
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, error) {
	var (
		db  *gorm.DB
		err error
	)
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	default:
		sqlitePath, pathErr := normalizeSQLitePath(dsn)
		if pathErr != nil {
			return nil, nil, pathErr
		}
		db, err = gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
	}
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, nil
}

func normalizeSQLitePath(dsn string) (string, error) {
	path := dsn
	if strings.HasPrefix(dsn, "sqlite://") {
		parsed, err := url.Parse(dsn)
		if err != nil {
			return "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path = parsed.Path
		if path == "" {
			path = parsed.Host
		}
	}
	if path == "" || path == "/" || path == ":memory:" {
		return ":memory:", nil
	}
	if !strings.HasPrefix(path, "/") {
		path = filepath.Join(".", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	return path, nil
}
