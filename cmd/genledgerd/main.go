package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/genledger/internal/httpapi"
	"github.com/MarkoPoloResearchLab/genledger/internal/oplog"
	"github.com/MarkoPoloResearchLab/genledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/genledger/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/genledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/genledger/pkg/pricing"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cast"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL       = "database-url"
	flagStoreEngine       = "store-engine"
	flagListenAddr        = "listen-addr"
	flagAllowedOrigins    = "allowed-origins"
	flagSessionSigningKey = "session-signing-key"
	flagSessionIssuer     = "session-issuer"
	flagSessionCookie     = "session-cookie"
	flagAdminRole         = "admin-role"
	flagWebhookSecret     = "webhook-secret"
	flagPricingFile       = "pricing-file"
	flagDefaultCost       = "default-cost"

	configKeyDatabaseURL       = "database_url"
	configKeyStoreEngine       = "store_engine"
	configKeyListenAddr        = "listen_addr"
	configKeyAllowedOrigins    = "allowed_origins"
	configKeySessionSigningKey = "session_signing_key"
	configKeySessionIssuer     = "session_issuer"
	configKeySessionCookie     = "session_cookie"
	configKeyAdminRole         = "admin_role"
	configKeyWebhookSecret     = "webhook_secret"
	configKeyPricingFile       = "pricing_file"
	configKeyDefaultCost       = "default_cost"

	defaultDatabaseURL = "sqlite:///tmp/genledger.db"
	defaultListenAddr  = ":9090"

	storeEngineGorm = "gorm"
	storeEnginePgx  = "pgx"
)

type runtimeConfig struct {
	DatabaseURL       string
	StoreEngine       string
	ListenAddr        string
	AllowedOrigins    string
	SessionSigningKey string
	SessionIssuer     string
	SessionCookie     string
	AdminRole         string
	WebhookSecret     string
	PricingFile       string
	DefaultCost       int64
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "genledgerd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "genledgerd",
		Short:         "Credit ledger and generation settlement server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "database connection string (postgres:// or sqlite path)")
	cmd.Flags().String(flagStoreEngine, storeEngineGorm, "storage engine: gorm or pgx")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-delimited CORS origins")
	cmd.Flags().String(flagSessionSigningKey, "", "JWT session signing key")
	cmd.Flags().String(flagSessionIssuer, "", "JWT session issuer")
	cmd.Flags().String(flagSessionCookie, "", "JWT session cookie name")
	cmd.Flags().String(flagAdminRole, "", "role required for admin routes")
	cmd.Flags().String(flagWebhookSecret, "", "shared secret for webhook and callback routes")
	cmd.Flags().String(flagPricingFile, "", "path to the pricing table config file")
	cmd.Flags().Int64(flagDefaultCost, 0, "fallback generation cost when no table entry matches")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	envBindings := map[string]string{
		configKeyDatabaseURL:       "DATABASE_URL",
		configKeyStoreEngine:       "STORE_ENGINE",
		configKeyListenAddr:        "LISTEN_ADDR",
		configKeyAllowedOrigins:    "ALLOWED_ORIGINS",
		configKeySessionSigningKey: "SESSION_SIGNING_KEY",
		configKeySessionIssuer:     "SESSION_ISSUER",
		configKeySessionCookie:     "SESSION_COOKIE_NAME",
		configKeyAdminRole:         "ADMIN_ROLE",
		configKeyWebhookSecret:     "WEBHOOK_SECRET",
		configKeyPricingFile:       "PRICING_FILE",
		configKeyDefaultCost:       "DEFAULT_COST",
	}
	for configKey, envName := range envBindings {
		if err := viper.BindEnv(configKey, envName); err != nil {
			return err
		}
	}

	flagBindings := map[string]string{
		configKeyDatabaseURL:       flagDatabaseURL,
		configKeyStoreEngine:       flagStoreEngine,
		configKeyListenAddr:        flagListenAddr,
		configKeyAllowedOrigins:    flagAllowedOrigins,
		configKeySessionSigningKey: flagSessionSigningKey,
		configKeySessionIssuer:     flagSessionIssuer,
		configKeySessionCookie:     flagSessionCookie,
		configKeyAdminRole:         flagAdminRole,
		configKeyWebhookSecret:     flagWebhookSecret,
		configKeyPricingFile:       flagPricingFile,
		configKeyDefaultCost:       flagDefaultCost,
	}
	for configKey, flagName := range flagBindings {
		if err := viper.BindPFlag(configKey, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.StoreEngine = viper.GetString(configKeyStoreEngine)
	if cfg.StoreEngine == "" {
		cfg.StoreEngine = storeEngineGorm
	}
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	cfg.AllowedOrigins = viper.GetString(configKeyAllowedOrigins)
	cfg.SessionSigningKey = viper.GetString(configKeySessionSigningKey)
	cfg.SessionIssuer = viper.GetString(configKeySessionIssuer)
	cfg.SessionCookie = viper.GetString(configKeySessionCookie)
	cfg.AdminRole = viper.GetString(configKeyAdminRole)
	cfg.WebhookSecret = viper.GetString(configKeyWebhookSecret)
	cfg.PricingFile = viper.GetString(configKeyPricingFile)
	cfg.DefaultCost = viper.GetInt64(configKeyDefaultCost)

	if cfg.StoreEngine != storeEngineGorm && cfg.StoreEngine != storeEnginePgx {
		return fmt.Errorf("unsupported store engine %q", cfg.StoreEngine)
	}
	if cfg.SessionSigningKey == "" {
		return fmt.Errorf("session signing key is required")
	}
	if cfg.WebhookSecret == "" {
		return fmt.Errorf("webhook secret is required")
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("store open: %w", err)
	}
	defer func() { _ = cleanup() }()

	prices, err := loadPricingTable(cfg)
	if err != nil {
		return fmt.Errorf("pricing load: %w", err)
	}

	clock := func() int64 { return time.Now().UTC().Unix() }
	ledgerService, err := ledger.NewService(store, clock, ledger.WithOperationLogger(oplog.New(logger)))
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}

	apiConfig := httpapi.Config{
		ListenAddr:        cfg.ListenAddr,
		AllowedOrigins:    httpapi.ParseAllowedOrigins(cfg.AllowedOrigins),
		SessionSigningKey: cfg.SessionSigningKey,
		SessionIssuer:     cfg.SessionIssuer,
		SessionCookieName: cfg.SessionCookie,
		AdminRole:         cfg.AdminRole,
		WebhookSecret:     cfg.WebhookSecret,
	}
	if err := apiConfig.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	return httpapi.Run(ctx, apiConfig, ledgerService, prices, logger)
}

func openStore(ctx context.Context, cfg *runtimeConfig) (ledger.Store, func() error, error) {
	driver, sqlitePath, err := resolveDriver(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}

	if cfg.StoreEngine == storeEnginePgx {
		if driver != "postgres" {
			return nil, nil, fmt.Errorf("store engine pgx requires a postgres database url")
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		store := pgstore.New(pool)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("apply schema: %w", err)
		}
		return store, func() error { pool.Close(); return nil }, nil
	}

	var db *gorm.DB
	gormConfig := &gorm.Config{}
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(cfg.DatabaseURL), gormConfig)
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormConfig)
	default:
		return nil, nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}

	store := gormstore.New(db.WithContext(ctx))
	if err := store.Migrate(); err != nil {
		_ = sqlDB.Close()
		return nil, nil, fmt.Errorf("auto migrate: %w", err)
	}
	return store, sqlDB.Close, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "genledger.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

// loadPricingTable reads the pricing config file when one is configured.
// The file carries a default_cost plus an entries map of lookup keys
// ("model|duration|quality|resolution", progressively less specific) to costs.
func loadPricingTable(cfg *runtimeConfig) (pricing.Table, error) {
	table := pricing.Table{
		Entries:     map[string]int64{},
		DefaultCost: cfg.DefaultCost,
	}
	if strings.TrimSpace(cfg.PricingFile) == "" {
		return table, nil
	}
	pricingViper := viper.New()
	pricingViper.SetConfigFile(cfg.PricingFile)
	if err := pricingViper.ReadInConfig(); err != nil {
		return pricing.Table{}, err
	}
	if pricingViper.IsSet("default_cost") {
		table.DefaultCost = pricingViper.GetInt64("default_cost")
	}
	for key, raw := range pricingViper.GetStringMap("entries") {
		cost, err := cast.ToInt64E(raw)
		if err != nil {
			return pricing.Table{}, fmt.Errorf("pricing entry %q: %w", key, err)
		}
		table.Entries[key] = cost
	}
	return table, nil
}
