package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/banksync/internal/admin"
	"github.com/MarkoPoloResearchLab/banksync/internal/fakebank"
	"github.com/MarkoPoloResearchLab/banksync/internal/gateway"
	"github.com/MarkoPoloResearchLab/banksync/internal/notify"
	"github.com/MarkoPoloResearchLab/banksync/internal/session"
	"github.com/MarkoPoloResearchLab/banksync/internal/transfer"
	"github.com/MarkoPoloResearchLab/banksync/internal/view"
)

const (
	flagAPIURL       = "api-url"
	flagSessionDB    = "session-db"
	flagAdminSecret  = "admin-secret"
	flagListenAddr   = "listen-addr"
	flagDatabaseURL  = "database-url"
	flagSigningKey   = "signing-key"
	flagPhone        = "phone"
	flagUsername     = "username"
	flagPassword     = "password"
	flagSearch       = "search"
	flagPage         = "page"
	configAPIURL     = "api_url"
	configSessionDB  = "session_db"
	configAdmin      = "admin_secret"
	configListenAddr = "listen_addr"
	configDatabase   = "database_url"
	configSigningKey = "signing_key"

	defaultAPIURL     = "http://localhost:8080"
	defaultListenAddr = ":8080"
)

type runtimeConfig struct {
	APIURL      string
	SessionDB   string
	AdminSecret string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "banksync: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "banksync",
		Short:         "Banking dashboard sync client",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
	}

	cmd.PersistentFlags().String(flagAPIURL, defaultAPIURL, "Backend base URL")
	cmd.PersistentFlags().String(flagSessionDB, defaultSessionDBPath(), "Durable session database path")
	cmd.PersistentFlags().String(flagAdminSecret, "", "Elevated operator credential")

	cmd.AddCommand(
		newRegisterCommand(cfg),
		newLoginCommand(cfg),
		newLogoutCommand(cfg),
		newMeCommand(cfg),
		newLookupCommand(cfg),
		newTransferCommand(cfg),
		newWatchCommand(cfg),
		newAdminCommand(cfg),
		newDemoCommand(),
	)
	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.BindEnv(configAPIURL, "BANKSYNC_API_URL"); err != nil {
		return err
	}
	if err := viper.BindEnv(configSessionDB, "BANKSYNC_SESSION_DB"); err != nil {
		return err
	}
	if err := viper.BindEnv(configAdmin, "BANKSYNC_ADMIN_SECRET"); err != nil {
		return err
	}
	if err := viper.BindPFlag(configAPIURL, cmd.Flags().Lookup(flagAPIURL)); err != nil {
		return err
	}
	if err := viper.BindPFlag(configSessionDB, cmd.Flags().Lookup(flagSessionDB)); err != nil {
		return err
	}
	if err := viper.BindPFlag(configAdmin, cmd.Flags().Lookup(flagAdminSecret)); err != nil {
		return err
	}

	cfg.APIURL = viper.GetString(configAPIURL)
	if cfg.APIURL == "" {
		cfg.APIURL = defaultAPIURL
	}
	cfg.SessionDB = viper.GetString(configSessionDB)
	if cfg.SessionDB == "" {
		cfg.SessionDB = defaultSessionDBPath()
	}
	cfg.AdminSecret = viper.GetString(configAdmin)
	return nil
}

func defaultSessionDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "banksync", "session.db")
	}
	return filepath.Join(home, ".banksync", "session.db")
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func openSessionStore(cfg *runtimeConfig) (*session.Store, error) {
	db, err := session.Open(cfg.SessionDB)
	if err != nil {
		return nil, fmt.Errorf("session database: %w", err)
	}
	return session.NewStore(db, session.SlotSession)
}

func newGatewayClient(cfg *runtimeConfig, logger *zap.Logger) (*gateway.Client, *session.Store, error) {
	sessions, err := openSessionStore(cfg)
	if err != nil {
		return nil, nil, err
	}
	client, err := gateway.NewClient(cfg.APIURL,
		gateway.WithSessionReader(sessions),
		gateway.WithLogger(logger),
	)
	if err != nil {
		return nil, nil, err
	}
	return client, sessions, nil
}

func newLogger() (*zap.Logger, error) {
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("logger init: %w", err)
	}
	return logger, nil
}

func newRegisterCommand(cfg *runtimeConfig) *cobra.Command {
	var phone, username, password string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create a new account",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			client, _, err := newGatewayClient(cfg, logger)
			if err != nil {
				return err
			}
			result, err := client.Register(cmd.Context(), phone, username, password)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered, account number %s\n", result.AccountNumber)
			return nil
		},
	}
	cmd.Flags().StringVar(&phone, flagPhone, "", "Phone number")
	cmd.Flags().StringVar(&username, flagUsername, "", "Username")
	cmd.Flags().StringVar(&password, flagPassword, "", "Password")
	_ = cmd.MarkFlagRequired(flagPhone)
	_ = cmd.MarkFlagRequired(flagUsername)
	_ = cmd.MarkFlagRequired(flagPassword)
	return cmd
}

func newLoginCommand(cfg *runtimeConfig) *cobra.Command {
	var phone, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authenticate and persist the session",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			client, sessions, err := newGatewayClient(cfg, logger)
			if err != nil {
				return err
			}
			result, err := client.Login(cmd.Context(), phone, password)
			if err != nil {
				return err
			}
			if err := sessions.Set(cmd.Context(), result.Session); err != nil {
				return fmt.Errorf("persist session: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "logged in")
			return nil
		},
	}
	cmd.Flags().StringVar(&phone, flagPhone, "", "Phone number")
	cmd.Flags().StringVar(&password, flagPassword, "", "Password")
	_ = cmd.MarkFlagRequired(flagPhone)
	_ = cmd.MarkFlagRequired(flagPassword)
	return cmd
}

func newLogoutCommand(cfg *runtimeConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Discard the persisted session",
		RunE: func(cmd *cobra.Command, args []string) error {
			sessions, err := openSessionStore(cfg)
			if err != nil {
				return err
			}
			if err := sessions.Clear(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "logged out")
			return nil
		},
	}
}

func newMeCommand(cfg *runtimeConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "me",
		Short: "Show the authenticated account",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			client, _, err := newGatewayClient(cfg, logger)
			if err != nil {
				return err
			}
			account, err := client.Me(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\nbalance: %d\n", account.Username, account.AccountNumber, account.Balance)
			return nil
		},
	}
}

func newLookupCommand(cfg *runtimeConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "lookup <account-number>",
		Short: "Resolve an account number to its owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			client, _, err := newGatewayClient(cfg, logger)
			if err != nil {
				return err
			}
			result, err := client.Lookup(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), result.Username)
			return nil
		},
	}
}

func newTransferCommand(cfg *runtimeConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "transfer <destination> <amount>",
		Short: "Send funds to an account number or username",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			client, _, err := newGatewayClient(cfg, logger)
			if err != nil {
				return err
			}
			refresh := func(ctx context.Context) error {
				account, refreshErr := client.Me(ctx)
				if refreshErr != nil {
					return refreshErr
				}
				fmt.Fprintf(cmd.OutOrStdout(), "balance: %d\n", account.Balance)
				return nil
			}
			submitter, err := transfer.NewSubmitter(client,
				transfer.WithRefresh(refresh),
				transfer.WithLogger(logger),
			)
			if err != nil {
				return err
			}
			receipt, err := submitter.Submit(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sent %d %s\n", receipt.Amount, receipt.DestinationLabel)
			return nil
		},
	}
}

func newWatchCommand(cfg *runtimeConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Follow the live notification feed until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			client, sessions, err := newGatewayClient(cfg, logger)
			if err != nil {
				return err
			}
			dialer, err := notify.NewWebsocketDialer(cfg.APIURL)
			if err != nil {
				return err
			}

			model := view.NewModel()
			if account, accountErr := client.Me(ctx); accountErr == nil {
				model.PublishAccount(account)
			}

			var syncer *notify.Syncer
			syncer, err = notify.NewSyncer(dialer, client, sessions,
				notify.WithSyncLogger(logger),
				notify.WithOnChange(func() {
					model.PublishConnectionState(syncer.State())
					model.PublishNotifications(syncer.Notifications())
					snapshot := model.Snapshot()
					fmt.Fprintf(cmd.OutOrStdout(), "[%s] %d notifications\n", snapshot.ConnectionState, len(snapshot.Notifications))
				}),
			)
			if err != nil {
				return err
			}
			defer syncer.Close()
			return syncer.Run(ctx)
		},
	}
}

func newAdminCommand(cfg *runtimeConfig) *cobra.Command {
	var search string
	var page int
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Operator dashboard: health, stats and paged collections",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.AdminSecret == "" {
				return fmt.Errorf("admin secret is required")
			}
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			client, err := gateway.NewClient(cfg.APIURL,
				gateway.WithAdminSecret(cfg.AdminSecret),
				gateway.WithLogger(logger),
			)
			if err != nil {
				return err
			}
			aggregator, err := admin.NewAggregator(client, admin.WithAggregatorLogger(logger))
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			for _, entry := range aggregator.ProbeAll(ctx) {
				line := fmt.Sprintf("%-14s %s", entry.ServiceName, entry.Status)
				if entry.Err != nil {
					line += " (" + entry.Err.Error() + ")"
				}
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}

			stats, err := aggregator.Stats(ctx)
			if err != nil {
				logger.Warn("stats unavailable", zap.Error(err))
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "users=%d balance=%d transfers=%d volume=%d notifications=%d\n",
					stats.TotalUsers, stats.TotalBalance, stats.TotalTransfers, stats.TotalTransferAmount, stats.TotalNotifications)
			}

			users := aggregator.Users()
			if search != "" {
				err = users.SetSearch(ctx, search)
			} else {
				err = users.SetPage(ctx, page)
			}
			if err != nil {
				return err
			}
			for _, row := range users.Items() {
				fmt.Fprintf(cmd.OutOrStdout(), "%d %s %s balance=%d\n", row.ID, row.Username, row.AccountNumber, row.Balance)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "page %d of %d (%d users)\n", users.Page(), users.PageCount(), users.Total())
			return nil
		},
	}
	cmd.Flags().StringVar(&search, flagSearch, "", "Username search filter")
	cmd.Flags().IntVar(&page, flagPage, 1, "User collection page")
	return cmd
}

func newDemoCommand() *cobra.Command {
	var listenAddr, databaseURL, signingKey, adminSecret string
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run the bundled backend emulator",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := viper.BindEnv(configListenAddr, "BANKSYNC_DEMO_LISTEN_ADDR"); err != nil {
				return err
			}
			if err := viper.BindEnv(configDatabase, "BANKSYNC_DEMO_DATABASE_URL"); err != nil {
				return err
			}
			if err := viper.BindEnv(configSigningKey, "BANKSYNC_DEMO_SIGNING_KEY"); err != nil {
				return err
			}
			if err := viper.BindPFlag(configListenAddr, cmd.Flags().Lookup(flagListenAddr)); err != nil {
				return err
			}
			if err := viper.BindPFlag(configDatabase, cmd.Flags().Lookup(flagDatabaseURL)); err != nil {
				return err
			}
			if err := viper.BindPFlag(configSigningKey, cmd.Flags().Lookup(flagSigningKey)); err != nil {
				return err
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			return fakebank.Run(ctx, fakebank.Config{
				ListenAddr:        viper.GetString(configListenAddr),
				DatabaseURL:       viper.GetString(configDatabase),
				SessionSigningKey: viper.GetString(configSigningKey),
				AdminSecret:       adminSecret,
			}, logger)
		},
	}
	cmd.Flags().StringVar(&listenAddr, flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().StringVar(&databaseURL, flagDatabaseURL, ":memory:", "Database DSN (sqlite path or postgres URL)")
	cmd.Flags().StringVar(&signingKey, flagSigningKey, "demo-signing-key", "Session signing key")
	cmd.Flags().StringVar(&adminSecret, "demo-admin-secret", "demo-admin-secret", "Admin secret served by the emulator")
	return cmd
}
