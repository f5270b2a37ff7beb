package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"opsdeck/internal/engine"
	"opsdeck/internal/github"
	"opsdeck/internal/notify"
	"opsdeck/internal/project"
	"opsdeck/internal/server"
	"opsdeck/internal/store"
	"opsdeck/pkg/fileutil"
)

var (
	configFile string
	logFile    string
	dbPath     string
	host       string
	port       int
	testMode   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the dashboard engine",
	Long: `Start the HTTP server that receives GitHub webhooks and client activity
events and streams live dashboard state over websocket.`,
	RunE: runServe,
}

func init() {
	// Flags for serve command
	serveCmd.Flags().StringVarP(&configFile, "config", "c", getEnvOrDefault("OPSDECK_CONFIG_FILE", ""), "Path to opsdeck.yaml configuration file")
	serveCmd.Flags().StringVar(&logFile, "log", getEnvOrDefault("OPSDECK_LOG_FILE", "./opsdeck.log"), "Path to log file")
	serveCmd.Flags().StringVar(&dbPath, "db", getEnvOrDefault("OPSDECK_DB_PATH", ""), "Path to SQLite database (overrides config)")
	serveCmd.Flags().StringVar(&host, "host", getEnvOrDefault("OPSDECK_HOST", ""), "Host to bind to (overrides config)")
	serveCmd.Flags().IntVarP(&port, "port", "p", getEnvOrDefaultInt("OPSDECK_PORT", 0), "Port to listen on (overrides config)")
	serveCmd.Flags().BoolVar(&testMode, "test-mode", os.Getenv("OPSDECK_SKIP_VALIDATION") == "1", "Enable test mode (skip rate limiting)")
}

func runServe(cmd *cobra.Command, args []string) error {
	// Determine config file path
	if configFile == "" {
		searchPaths := fileutil.DefaultConfigPaths("opsdeck.yaml")
		configFile = fileutil.FirstExisting(searchPaths)
		if configFile == "" {
			fmt.Fprintf(os.Stderr, "Error: No configuration file found in default locations:\n")
			for _, path := range searchPaths {
				fmt.Fprintf(os.Stderr, "  - %s\n", path)
			}
			fmt.Fprintf(os.Stderr, "Use --config flag to specify a custom location\n")
			return fmt.Errorf("configuration file not found")
		}
	}

	// Set up logging
	logger, logFileHandle, err := setupLogging(logFile)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer logFileHandle.Close()

	logger.Info("Starting opsdeck")

	// Load configuration
	logger.Info("Loading configuration", "config", configFile)
	cfg, projects, err := project.LoadConfig(configFile)
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger.Info("Configuration validated successfully", "count", len(projects))

	if len(projects) == 0 {
		logger.Warn("No projects configured in config file", "config", configFile)
		logger.Warn("The server will start but won't process any deployment events until projects are added")
	}

	registry := project.NewRegistry(projects)

	// Flags override config
	if host == "" {
		host = cfg.Server.Host
	}
	if port == 0 {
		port = cfg.Server.Port
	}
	if dbPath == "" {
		dbPath = cfg.Database
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Persistence
	logger.Info("Opening database", "db", dbPath)
	st, err := store.Open(dbPath)
	if err != nil {
		logger.Error("Failed to open database", "error", err)
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer st.Close()

	prefs, err := loadPreferences(ctx, st, cfg.User, registry)
	if err != nil {
		logger.Error("Failed to load preferences", "error", err)
		return fmt.Errorf("failed to load preferences: %w", err)
	}

	var deliverer notify.Deliverer
	if cfg.NotifyHook != "" {
		deliverer = &notify.HookDeliverer{Command: cfg.NotifyHook, Logger: logger}
	}

	eng, err := engine.New(engine.Options{
		UserID:          cfg.User,
		Preferences:     prefs,
		PresenceTimeout: time.Duration(cfg.PresenceTimeout) * time.Second,
		AllowConcurrent: registry.ConcurrencyPolicy(),
		Deliverer:       deliverer,
		Store:           st,
		Logger:          logger,
	})
	if err != nil {
		logger.Error("Failed to build engine", "error", err)
		return fmt.Errorf("failed to build engine: %w", err)
	}
	go eng.Run(ctx)

	// Backfill recent deployment state from the GitHub API so the dashboard
	// is populated before the first webhook arrives.
	hydrate(ctx, eng, registry, cfg.GitHubToken, logger)

	srv := server.NewServer(registry, eng, logger, cfg.User, testMode)
	srv.History = st

	logger.Info("Starting HTTP server", "host", host, "port", port)
	if err := srv.Start(ctx, host, port); err != nil {
		logger.Error("Server failed", "error", err)
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// loadPreferences returns the stored preference set for the user, or a
// default set subscribed to every configured project.
func loadPreferences(ctx context.Context, st *store.Store, userID string, registry *project.Registry) (notify.Preferences, error) {
	stored, err := st.LoadPreferences(ctx, userID)
	if err != nil {
		return notify.Preferences{}, err
	}
	if stored != nil {
		return *stored, nil
	}

	prefs := notify.DefaultPreferences()
	prefs.Projects = registry.List()
	return prefs, nil
}

// hydrate replays recent workflow runs for each configured project. Failures
// are logged and skipped; the dashboard just starts empty for that project.
func hydrate(ctx context.Context, eng *engine.Engine, registry *project.Registry, token string, logger *slog.Logger) {
	client := github.NewClient(ctx, token)

	for _, name := range registry.List() {
		proj, err := registry.Get(name)
		if err != nil {
			continue
		}
		owner, repo, ok := strings.Cut(proj.Repo, "/")
		if !ok {
			continue
		}

		envelopes, err := client.RecentRuns(ctx, name, owner, repo, github.DefaultHydrateLimit)
		if err != nil {
			logger.Warn("Failed to hydrate project from GitHub", "project", name, "error", err)
			continue
		}
		for _, env := range envelopes {
			eng.ProcessEnvelope(env)
		}
		logger.Info("Hydrated project from GitHub", "project", name, "events", len(envelopes))
	}
}

// setupLogging configures slog for file logging
// Returns both the logger and the file handle (caller must close the file)
func setupLogging(logPath string) (*slog.Logger, *os.File, error) {
	// Create log directory if needed
	logDir := filepath.Dir(logPath)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	// Open log file with secure permissions
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}

	// Create multi-writer to log to both file and console
	multiWriter := io.MultiWriter(os.Stdout, file)

	// Create JSON handler for structured logging
	handler := slog.NewJSONHandler(multiWriter, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})

	logger := slog.New(handler)

	return logger, file, nil
}

// Helper functions for environment variables
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}
