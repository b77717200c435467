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

	"github.com/BTreeMap/PacePipe/internal/api"
	"github.com/BTreeMap/PacePipe/internal/engine"
	"github.com/BTreeMap/PacePipe/internal/genai"
	"github.com/BTreeMap/PacePipe/internal/lockfile"
	"github.com/BTreeMap/PacePipe/internal/messaging"
	"github.com/BTreeMap/PacePipe/internal/models"
	"github.com/BTreeMap/PacePipe/internal/scheduler"
	"github.com/BTreeMap/PacePipe/internal/store"
	"github.com/BTreeMap/PacePipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/PacePipe/internal/util"
	"github.com/BTreeMap/PacePipe/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for PacePipe state data
	DefaultStateDir = "/var/lib/pacepipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "pacepipe.db"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	// One instance per state directory.
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to acquire state directory lock", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	slog.Info("Bootstrapping PacePipe with configured modules")
	if err := run(flags); err != nil {
		slog.Error("PacePipe failed to run", "error", err)
		lock.Release()
		os.Exit(1)
	}
	slog.Info("PacePipe exited successfully")
}

// run wires all components and blocks until shutdown.
func run(flags Flags) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := buildStore(flags)
	if err != nil {
		return err
	}
	defer st.Close()

	msgService, err := buildMessagingService(flags)
	if err != nil {
		return err
	}
	if err := msgService.Start(ctx); err != nil {
		return err
	}
	defer msgService.Stop()

	gaClient, err := genai.NewClient(buildGenAIOptions(flags)...)
	if err != nil {
		return err
	}

	eng, err := engine.NewEngine(msgService, st, gaClient, buildEngineOptions(flags)...)
	if err != nil {
		return err
	}
	defer eng.Stop()

	sched := scheduler.NewScheduler()
	defer sched.Stop()

	// Every inbound message flows through the engine; receipts are persisted
	// as they arrive.
	respHandler := messaging.NewResponseHandler(msgService)
	respHandler.SetDefaultAction(eng.ResponseHook())
	go respHandler.Run(ctx)
	go persistReceipts(ctx, msgService, st)

	server := api.NewServer(msgService, st, eng, sched, buildAPIOptions(flags, gaClient)...)
	return server.Run(ctx)
}

// persistReceipts drains delivery receipts into the store.
func persistReceipts(ctx context.Context, msgService messaging.Service, st store.Store) {
	for {
		select {
		case <-ctx.Done():
			return
		case receipt, ok := <-msgService.Receipts():
			if !ok {
				return
			}
			if err := st.AddReceipt(receipt); err != nil {
				slog.Error("Failed to persist receipt", "error", err, "to", receipt.To)
			}
		}
	}
}

// Config holds environment configuration
type Config struct {
	DatabaseDSN  string
	StateDir     string
	OpenAIKey    string
	OpenAIBase   string
	Model        string
	APIAddr      string
	SystemPrompt string
	UseTwilio    bool
	Streaming    bool
}

// Flags holds command line flag values
type Flags struct {
	qrOutput     *string
	numeric      *bool
	stateDir     *string
	dbDSN        *string
	openaiKey    *string
	openaiBase   *string
	model        *string
	apiAddr      *string
	systemPrompt *string
	useTwilio    *bool
	streaming    *bool
}

// initializeLogger sets up structured logging honoring $LOG_LEVEL.
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
		DatabaseDSN:  os.Getenv("DATABASE_URL"),
		StateDir:     os.Getenv("PACEPIPE_STATE_DIR"),
		OpenAIKey:    os.Getenv("OPENAI_API_KEY"),
		OpenAIBase:   os.Getenv("OPENAI_BASE_URL"),
		Model:        os.Getenv("OPENAI_MODEL"),
		APIAddr:      os.Getenv("API_ADDR"),
		SystemPrompt: os.Getenv("SYSTEM_PROMPT"),
		UseTwilio:    util.ParseBoolEnv("USE_TWILIO", false),
		Streaming:    util.ParseBoolEnv("PACING_STREAMING", false),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No PACEPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}

	// No database URL means SQLite in the state directory.
	if config.DatabaseDSN == "" {
		config.DatabaseDSN = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseDSN)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", os.Getenv("DATABASE_URL") != "",
		"PACEPIPE_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"USE_TWILIO", config.UseTwilio,
		"PACING_STREAMING", config.Streaming)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:     flag.String("qr-output", "", "path to write login QR code"),
		numeric:      flag.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:     flag.String("state-dir", config.StateDir, "state directory for PacePipe data (overrides $PACEPIPE_STATE_DIR)"),
		dbDSN:        flag.String("db-dsn", config.DatabaseDSN, "database DSN for message history and WhatsApp session (overrides $DATABASE_URL)"),
		openaiKey:    flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		openaiBase:   flag.String("openai-base-url", config.OpenAIBase, "OpenAI-compatible base URL (overrides $OPENAI_BASE_URL)"),
		model:        flag.String("model", config.Model, "chat completion model (overrides $OPENAI_MODEL)"),
		apiAddr:      flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		systemPrompt: flag.String("system-prompt", config.SystemPrompt, "conversation system prompt (overrides $SYSTEM_PROMPT)"),
		useTwilio:    flag.Bool("use-twilio", config.UseTwilio, "use the Twilio WhatsApp backend (overrides $USE_TWILIO)"),
		streaming:    flag.Bool("streaming", config.Streaming, "use streaming completions (overrides $PACING_STREAMING)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric,
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"useTwilio", *flags.useTwilio,
		"streaming", *flags.streaming)

	// Update database DSN if not explicitly set but state directory is provided
	if *flags.dbDSN == config.DatabaseDSN && config.DatabaseDSN == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "new_state_dir", *flags.stateDir)
	}

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if store.DetectDSNType(*flags.dbDSN) != "postgres" {
		stateDir := filepath.Dir(*flags.dbDSN)
		slog.Debug("Creating state directory for file-based database", "state_dir", stateDir)
		if err := os.MkdirAll(stateDir, 0755); err != nil {
			slog.Error("Failed to create state directory", "error", err, "state_dir", stateDir)
			return err
		}
	}
	return nil
}

// buildStore opens the history store matching the configured DSN.
func buildStore(flags Flags) (store.Store, error) {
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return store.NewPostgresStore(store.WithDSN(*flags.dbDSN))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", *flags.dbDSN)
	return store.NewSQLiteStore(store.WithDSN(*flags.dbDSN))
}

// buildMessagingService constructs the configured WhatsApp backend.
func buildMessagingService(flags Flags) (messaging.Service, error) {
	if *flags.useTwilio {
		client, err := twiliowhatsapp.NewClient()
		if err != nil {
			return nil, err
		}
		return messaging.NewTwilioService(client), nil
	}

	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	// The whatsmeow session shares the history database.
	waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.dbDSN))

	client, err := whatsapp.NewClient(waOpts...)
	if err != nil {
		return nil, err
	}
	return messaging.NewWhatsAppService(client), nil
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	if *flags.openaiBase != "" {
		genaiOpts = append(genaiOpts, genai.WithBaseURL(*flags.openaiBase))
	}
	if *flags.model != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(*flags.model))
	}
	return genaiOpts
}

// buildEngineOptions constructs engine configuration options
func buildEngineOptions(flags Flags) []engine.Option {
	engineOpts := []engine.Option{engine.WithConfig(loadPacingConfig())}
	if *flags.systemPrompt != "" {
		engineOpts = append(engineOpts, engine.WithSystemPrompt(*flags.systemPrompt))
	}
	if *flags.streaming {
		engineOpts = append(engineOpts, engine.WithStreaming())
	}
	return engineOpts
}

// loadPacingConfig reads pacing parameters from the environment on top of the
// defaults.
func loadPacingConfig() models.PacingConfig {
	cfg := models.DefaultPacingConfig()
	cfg.Enabled = util.ParseBoolEnv("PACING_ENABLED", cfg.Enabled)
	cfg.MaxTurns = util.ParseIntEnv("PACING_MAX_TURNS", cfg.MaxTurns)
	cfg.BaseTypingSpeed = util.ParseFloatEnv("PACING_BASE_TYPING_SPEED", cfg.BaseTypingSpeed)
	cfg.SpeedVariation = util.ParseFloatEnv("PACING_SPEED_VARIATION", cfg.SpeedVariation)
	cfg.MinDelay = util.ParseDurationEnv("PACING_MIN_DELAY", cfg.MinDelay)
	cfg.MaxDelay = util.ParseDurationEnv("PACING_MAX_DELAY", cfg.MaxDelay)
	cfg.MaxTurnConcatProbability = util.ParseFloatEnv("PACING_MAX_TURN_CONCAT_PROBABILITY", cfg.MaxTurnConcatProbability)
	cfg.FollowUpDelay = util.ParseDurationEnv("PACING_FOLLOW_UP_DELAY", cfg.FollowUpDelay)
	cfg.MaxSequentialFollowUps = util.ParseIntEnv("PACING_MAX_SEQUENTIAL_FOLLOW_UPS", cfg.MaxSequentialFollowUps)
	return cfg
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags, generator api.PromptGenerator) []api.Option {
	apiOpts := []api.Option{api.WithPromptGenerator(generator)}
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	return apiOpts
}
