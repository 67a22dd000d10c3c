// Package main provides the tunestream CLI application entry point.
package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"tunestream/internal/core"
	"tunestream/internal/i18n"
)

const (
	defaultServerHost = "0.0.0.0"
	envPrefix         = "TUNESTREAM"
	version           = "1.0.0"
)

var (
	cfgFile string
	config  *core.Config
	logger  *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "tunestream",
	Short: "tunestream - stream URL resolution for music playback",
	Long: `tunestream resolves track ids to playable audio stream URLs for a music player.
It caches resolved URLs, refreshes them before the playback buffer runs dry,
prefetches upcoming queue items and decides when failed playback should retry or skip.`,
	RunE: runTunestream,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	defaults := core.DefaultConfig()
	flags := rootCmd.PersistentFlags()

	flags.StringVar(&cfgFile, "config", "", "config file (default is .env)")
	flags.String("log-level", defaults.Log.Level, "log level (debug, info, warn, error)")
	flags.String("log-format", defaults.Log.Format, "log format (json, console)")
	flags.String("server-host", defaultServerHost, "HTTP server host")
	flags.Int("server-port", defaults.Server.Port, "HTTP server port")
	flags.Duration("server-read-timeout", defaults.Server.ReadTimeout, "HTTP read timeout")
	flags.Duration("server-write-timeout", defaults.Server.WriteTimeout, "HTTP write timeout")
	flags.String("extractor-base-url", defaults.Extractor.BaseURL, "Extraction sidecar base URL")
	flags.String("extractor-token", "", "Bearer token for the extraction sidecar")
	flags.String("extractor-proxy-url", "", "Proxy for outbound requests (http, https or socks5 URL)")
	flags.Duration("extractor-timeout", defaults.Extractor.Timeout, "Extraction request timeout")
	flags.Int("cache-capacity", defaults.Cache.Capacity, "Number of resolved stream URLs kept in memory")
	flags.Int("cache-terminal-capacity", defaults.Cache.TerminalCapacity, "Number of terminally failed track ids remembered")
	flags.Float64("cache-terminal-fp-rate", defaults.Cache.TerminalFalsePositiveRate, "False positive rate of the terminal-failure filter")
	flags.String("retry-schedule", formatSchedule(defaults.Retry.Schedule), "Comma separated retry backoff schedule")
	flags.Int("retry-max-range-recoveries", defaults.Retry.MaxRangeRecoveries, "Immediate re-resolves allowed after HTTP 416 per failure episode")
	flags.Int64("resolver-chunk-length", defaults.Resolver.ChunkLength, "Maximum bytes per ranged request")
	flags.Duration("resolver-timeout", defaults.Resolver.ResolveTimeout, "Upper bound for one shared resolution")
	flags.Duration("resolver-preflight-timeout", defaults.Resolver.PreflightTimeout, "Preflight request timeout")
	flags.Bool("refresh-enabled", defaults.Refresh.Enabled, "Refresh stream URLs before the buffer runs out")
	flags.Duration("refresh-interval", defaults.Refresh.Interval, "Proactive refresh check interval")
	flags.Duration("refresh-buffer-threshold", defaults.Refresh.BufferThreshold, "Refresh when less than this much audio is buffered")
	flags.Duration("refresh-cooldown", defaults.Refresh.Cooldown, "Minimum time between refreshes of one track")
	flags.Int("prefetch-max-items", defaults.Prefetch.MaxItems, "Maximum upcoming items warmed per request")
	flags.Int("prefetch-concurrency", defaults.Prefetch.Concurrency, "Concurrent prefetch extractions")
	flags.Float64("prefetch-rate", defaults.Prefetch.RatePerSecond, "Prefetch extractions per second (0 disables pacing)")
	flags.String("persistence-driver", defaults.Persistence.Driver, "SQLite driver (sqlite, sqlite3)")
	flags.String("persistence-dsn", defaults.Persistence.DSN, "SQLite database path or DSN")
	flags.Int("persistence-queue-size", defaults.Persistence.QueueSize, "Buffered metadata writes")
	supportedLangs := strings.Join(i18n.GetSupportedLanguages(), ", ")
	flags.String("language", i18n.DefaultLanguage, fmt.Sprintf("Default message language (%s)", supportedLangs))
	flags.Bool("generate-env-example", false, "Generate .env.example file from current configuration and exit")

	if err := viper.BindPFlags(flags); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bind flags: %v\n", err)
		os.Exit(1)
	}

	rootCmd.AddCommand(resolveCmd)
}

func initConfig() {
	// Load .env file explicitly using gotenv
	envFile := ".env"
	if cfgFile != "" {
		envFile = cfgFile
	}

	if err := gotenv.Load(envFile); err != nil {
		// Don't exit if .env file doesn't exist, just warn
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Error loading .env file: %v\n", err)
		}
	}

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	config = buildConfig()
	logger = buildLogger(config.Log.Level, config.Log.Format)
}

func buildConfig() *core.Config {
	cfg := core.DefaultConfig()

	configureServer(cfg)
	configureExtractor(cfg)
	configureCache(cfg)
	configureRetry(cfg)
	configureResolver(cfg)
	configureRefresh(cfg)
	configurePrefetch(cfg)
	configurePersistence(cfg)
	configureApp(cfg)

	return cfg
}

func configureServer(cfg *core.Config) {
	cfg.Server.Host = viper.GetString("server-host")
	if cfg.Server.Host == "" {
		cfg.Server.Host = defaultServerHost
	}
	cfg.Server.Port = viper.GetInt("server-port")
	cfg.Server.ReadTimeout = viper.GetDuration("server-read-timeout")
	cfg.Server.WriteTimeout = viper.GetDuration("server-write-timeout")
	cfg.Log.Level = viper.GetString("log-level")
	cfg.Log.Format = viper.GetString("log-format")
}

func configureExtractor(cfg *core.Config) {
	cfg.Extractor.BaseURL = viper.GetString("extractor-base-url")
	cfg.Extractor.Token = viper.GetString("extractor-token")
	cfg.Extractor.ProxyURL = viper.GetString("extractor-proxy-url")
	cfg.Extractor.Timeout = viper.GetDuration("extractor-timeout")
}

func configureCache(cfg *core.Config) {
	cfg.Cache.Capacity = viper.GetInt("cache-capacity")
	cfg.Cache.TerminalCapacity = viper.GetInt("cache-terminal-capacity")
	cfg.Cache.TerminalFalsePositiveRate = viper.GetFloat64("cache-terminal-fp-rate")
}

func configureRetry(cfg *core.Config) {
	schedule, err := parseSchedule(viper.GetString("retry-schedule"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Invalid retry schedule (%v), using default (%s)\n",
			err, formatSchedule(core.DefaultRetrySchedule))
		schedule = append([]time.Duration(nil), core.DefaultRetrySchedule...)
	}
	cfg.Retry.Schedule = schedule
	cfg.Retry.MaxRangeRecoveries = viper.GetInt("retry-max-range-recoveries")
}

func configureResolver(cfg *core.Config) {
	cfg.Resolver.ChunkLength = viper.GetInt64("resolver-chunk-length")
	if cfg.Resolver.ChunkLength <= 0 {
		cfg.Resolver.ChunkLength = core.DefaultChunkLength
	}
	cfg.Resolver.ResolveTimeout = viper.GetDuration("resolver-timeout")
	cfg.Resolver.PreflightTimeout = viper.GetDuration("resolver-preflight-timeout")
}

func configureRefresh(cfg *core.Config) {
	cfg.Refresh.Enabled = viper.GetBool("refresh-enabled")
	cfg.Refresh.Interval = viper.GetDuration("refresh-interval")
	cfg.Refresh.BufferThreshold = viper.GetDuration("refresh-buffer-threshold")
	cfg.Refresh.Cooldown = viper.GetDuration("refresh-cooldown")
}

func configurePrefetch(cfg *core.Config) {
	cfg.Prefetch.MaxItems = viper.GetInt("prefetch-max-items")
	if cfg.Prefetch.MaxItems <= 0 {
		cfg.Prefetch.MaxItems = core.DefaultPrefetchMaxItems
	}
	cfg.Prefetch.Concurrency = viper.GetInt("prefetch-concurrency")
	cfg.Prefetch.RatePerSecond = viper.GetFloat64("prefetch-rate")
}

func configurePersistence(cfg *core.Config) {
	cfg.Persistence.Driver = viper.GetString("persistence-driver")
	cfg.Persistence.DSN = viper.GetString("persistence-dsn")
	cfg.Persistence.QueueSize = viper.GetInt("persistence-queue-size")
}

func configureApp(cfg *core.Config) {
	// Language configuration with validation
	cfg.App.Language = viper.GetString("language")
	if cfg.App.Language == "" {
		cfg.App.Language = i18n.DefaultLanguage
	}

	// Validate that the specified language is supported
	supportedLanguages := i18n.GetSupportedLanguages()
	isSupported := false
	for _, lang := range supportedLanguages {
		if cfg.App.Language == lang {
			isSupported = true
			break
		}
	}
	if !isSupported {
		fmt.Fprintf(os.Stderr, "Warning: Unsupported language '%s', falling back to '%s'. Supported languages: %s\n",
			cfg.App.Language, i18n.DefaultLanguage, strings.Join(supportedLanguages, ", "))
		cfg.App.Language = i18n.DefaultLanguage
	}
}

func parseSchedule(raw string) ([]time.Duration, error) {
	parts := strings.Split(raw, ",")
	schedule := make([]time.Duration, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := time.ParseDuration(part)
		if err != nil {
			return nil, err
		}
		if d < 0 {
			return nil, fmt.Errorf("negative delay %s", part)
		}
		schedule = append(schedule, d)
	}
	if len(schedule) == 0 {
		return nil, fmt.Errorf("empty schedule")
	}
	return schedule, nil
}

func formatSchedule(schedule []time.Duration) string {
	parts := make([]string, len(schedule))
	for i, d := range schedule {
		parts[i] = d.String()
	}
	return strings.Join(parts, ",")
}

func buildLogger(level, format string) *zap.Logger {
	var zapLevel zapcore.Level
	switch strings.ToLower(level) {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	if strings.EqualFold(format, "console") {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	builtLogger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("Failed to build logger: %v", err))
	}

	return builtLogger
}

func runTunestream(cmd *cobra.Command, _ []string) error {
	// Handle generate-env-example flag
	if viper.GetBool("generate-env-example") {
		return generateEnvExample(cmd)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("Starting tunestream",
		zap.String("version", version),
		zap.String("extractor", config.Extractor.BaseURL),
		zap.String("persistence_driver", config.Persistence.Driver),
		zap.Bool("refresh_enabled", config.Refresh.Enabled))

	if err := validateConfig(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	svcs, err := initializeServices(ctx)
	if err != nil {
		return err
	}

	return runServices(ctx, svcs)
}

func validateConfig() error {
	if err := validateExtractorConfig(); err != nil {
		return err
	}

	if err := validateServerConfig(); err != nil {
		return err
	}

	if err := validatePipelineConfig(); err != nil {
		return err
	}

	return nil
}

func validateExtractorConfig() error {
	if config.Extractor.BaseURL == "" {
		return fmt.Errorf("extractor base URL is required")
	}
	if _, err := url.ParseRequestURI(config.Extractor.BaseURL); err != nil {
		return fmt.Errorf("invalid extractor base URL: %w", err)
	}
	if config.Extractor.Timeout <= 0 {
		return fmt.Errorf("extractor timeout must be positive")
	}
	return nil
}

func validateServerConfig() error {
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("server port %d is out of range", config.Server.Port)
	}
	switch strings.ToLower(config.Log.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("unsupported log format: %s", config.Log.Format)
	}
	return nil
}

func validatePipelineConfig() error {
	if config.Cache.Capacity <= 0 {
		return fmt.Errorf("cache capacity must be positive")
	}
	if config.Cache.TerminalFalsePositiveRate <= 0 || config.Cache.TerminalFalsePositiveRate >= 1 {
		return fmt.Errorf("terminal false positive rate must be between 0 and 1")
	}
	if config.Refresh.Enabled && config.Refresh.Interval <= 0 {
		return fmt.Errorf("refresh interval must be positive when refresh is enabled")
	}
	if config.Resolver.PreflightTimeout <= 0 {
		return fmt.Errorf("preflight timeout must be positive")
	}
	switch config.Persistence.Driver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("unsupported persistence driver: %s", config.Persistence.Driver)
	}
	if config.Persistence.DSN == "" {
		return fmt.Errorf("persistence DSN is required")
	}
	return nil
}
