package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/MeliBridge/internal/api"
	"github.com/BTreeMap/MeliBridge/internal/chatwoot"
	"github.com/BTreeMap/MeliBridge/internal/lockfile"
	"github.com/BTreeMap/MeliBridge/internal/meli"
	"github.com/BTreeMap/MeliBridge/internal/models"
	"github.com/BTreeMap/MeliBridge/internal/reconciler"
	"github.com/BTreeMap/MeliBridge/internal/store"
	"github.com/BTreeMap/MeliBridge/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for MeliBridge state data
	DefaultStateDir = "/var/lib/melibridge"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "melibridge.db"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := ensureStateDir(flags); err != nil {
		slog.Error("Failed to create state directory", "error", err)
		os.Exit(1)
	}

	// One poller and one webhook handler per state directory: the store and
	// the ledger are single-writer.
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to acquire state directory lock", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	storeOpts := buildStoreOptions(flags)
	meliOpts := buildMeliOptions(config)
	chatwootOpts := buildChatwootOptions(config)
	reconcilerOpts := buildReconcilerOptions(config)
	apiOpts := buildAPIOptions(config, flags)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping MeliBridge with configured modules")
	if err := api.Run(ctx, storeOpts, meliOpts, chatwootOpts, reconcilerOpts, apiOpts); err != nil {
		slog.Error("MeliBridge failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("MeliBridge exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir    string
	DatabaseURL string
	APIAddr     string

	MeliAppID        string
	MeliSecretKey    string
	MeliUserID       int64
	MeliAccessToken  string
	MeliRefreshToken string

	ChatwootURL       string
	ChatwootToken     string
	ChatwootAccountID int
	QuestionsInboxID  int
	MessagesInboxID   int
	WebhookSecret     string

	QuestionsSchedule string
	MessagesSchedule  string
}

// Flags holds command line flag values
type Flags struct {
	stateDir          *string
	dbDSN             *string
	apiAddr           *string
	questionsSchedule *string
	messagesSchedule  *string
}

// initializeLogger sets up structured logging with the level from LOG_LEVEL.
func initializeLogger() {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:    os.Getenv("MELIBRIDGE_STATE_DIR"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		APIAddr:     os.Getenv("API_ADDR"),

		MeliAppID:        os.Getenv("MELI_APP_ID"),
		MeliSecretKey:    os.Getenv("MELI_SECRET_KEY"),
		MeliUserID:       util.ParseInt64Env("MELI_USER_ID", 0),
		MeliAccessToken:  os.Getenv("MELI_ACCESS_TOKEN"),
		MeliRefreshToken: os.Getenv("MELI_REFRESH_TOKEN"),

		ChatwootURL:       os.Getenv("CHATWOOT_URL"),
		ChatwootToken:     os.Getenv("CHATWOOT_API_TOKEN"),
		ChatwootAccountID: util.ParseIntEnv("CHATWOOT_ACCOUNT_ID", 0),
		QuestionsInboxID:  util.ParseIntEnv("CHATWOOT_QUESTIONS_INBOX_ID", 0),
		MessagesInboxID:   util.ParseIntEnv("CHATWOOT_MESSAGES_INBOX_ID", 0),
		WebhookSecret:     os.Getenv("CHATWOOT_WEBHOOK_SECRET"),

		QuestionsSchedule: os.Getenv("QUESTIONS_SCHEDULE"),
		MessagesSchedule:  os.Getenv("MESSAGES_SCHEDULE"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No MELIBRIDGE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}

	slog.Debug("environment variables loaded",
		"state_dir", config.StateDir,
		"database_url_set", config.DatabaseURL != "",
		"api_addr", config.APIAddr,
		"meli_user_id", config.MeliUserID,
		"chatwoot_url", config.ChatwootURL,
		"chatwoot_account_id", config.ChatwootAccountID,
		"questions_inbox_id", config.QuestionsInboxID,
		"messages_inbox_id", config.MessagesInboxID,
		"webhook_secret_set", config.WebhookSecret != "")

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	defaultDSN := config.DatabaseURL
	if defaultDSN == "" {
		defaultDSN = filepath.Join(config.StateDir, DefaultDBFileName)
	}

	flags := Flags{
		stateDir:          flag.String("state-dir", config.StateDir, "state directory for MeliBridge data (overrides $MELIBRIDGE_STATE_DIR)"),
		dbDSN:             flag.String("db-dsn", defaultDSN, "database DSN: SQLite file path or postgres URL (overrides $DATABASE_URL)"),
		apiAddr:           flag.String("api-addr", config.APIAddr, "webhook server address (overrides $API_ADDR)"),
		questionsSchedule: flag.String("questions-schedule", config.QuestionsSchedule, "cron schedule for the question cycle (overrides $QUESTIONS_SCHEDULE)"),
		messagesSchedule:  flag.String("messages-schedule", config.MessagesSchedule, "cron schedule for the message cycle (overrides $MESSAGES_SCHEDULE)"),
	}

	flag.Parse()

	// Follow a relocated state directory when the DSN was left at its default.
	if *flags.dbDSN == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
	}

	slog.Debug("flags parsed",
		"state_dir", *flags.stateDir,
		"db_dsn_set", *flags.dbDSN != "",
		"api_addr", *flags.apiAddr)

	return flags
}

// ensureStateDir creates the state directory for file-based storage.
func ensureStateDir(flags Flags) error {
	if store.DetectDSNType(*flags.dbDSN) == "sqlite" {
		dir := filepath.Dir(*flags.dbDSN)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return os.MkdirAll(*flags.stateDir, 0755)
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if *flags.dbDSN != "" {
		if store.DetectDSNType(*flags.dbDSN) == "postgres" {
			slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
			storeOpts = append(storeOpts, store.WithPostgresDSN(*flags.dbDSN))
		} else {
			slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", *flags.dbDSN)
			storeOpts = append(storeOpts, store.WithSQLiteDSN(*flags.dbDSN))
		}
	}
	return storeOpts
}

// buildMeliOptions constructs marketplace client options
func buildMeliOptions(config Config) []meli.Option {
	return []meli.Option{
		meli.WithAppCredentials(config.MeliAppID, config.MeliSecretKey),
		meli.WithSellerID(config.MeliUserID),
	}
}

// buildChatwootOptions constructs helpdesk client options
func buildChatwootOptions(config Config) []chatwoot.Option {
	return []chatwoot.Option{
		chatwoot.WithBaseURL(config.ChatwootURL),
		chatwoot.WithAccount(config.ChatwootAccountID, config.ChatwootToken),
	}
}

// buildReconcilerOptions constructs reconciler options
func buildReconcilerOptions(config Config) []reconciler.Option {
	return []reconciler.Option{
		reconciler.WithSellerID(config.MeliUserID),
		reconciler.WithInboxes(config.QuestionsInboxID, config.MessagesInboxID),
	}
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(config Config, flags Flags) []api.Option {
	apiOpts := []api.Option{
		api.WithWebhookSecret(config.WebhookSecret),
		api.WithSeedTokens(models.TokenPair{
			AccessToken:  config.MeliAccessToken,
			RefreshToken: config.MeliRefreshToken,
		}),
	}
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if *flags.questionsSchedule != "" || *flags.messagesSchedule != "" {
		questions := *flags.questionsSchedule
		if questions == "" {
			questions = api.DefaultQuestionsSchedule
		}
		messages := *flags.messagesSchedule
		if messages == "" {
			messages = api.DefaultMessagesSchedule
		}
		apiOpts = append(apiOpts, api.WithSchedules(questions, messages))
	}
	return apiOpts
}
