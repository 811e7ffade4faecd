package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every configuration validation failure.
var ErrInvalid = errors.New("invalid configuration")

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	defaultOpen311BaseURL = "https://sags-uns.stadt-koeln.de/georeport/v2"
	defaultLLMModel       = "claude-3-5-haiku-latest"
)

type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Open311   Open311Config   `yaml:"open311"`
	Ingestion IngestionConfig `yaml:"ingestion"`
	Duplicate DuplicateConfig `yaml:"duplicate"`
	Quality   QualityConfig   `yaml:"quality"`
	LLM       LLMConfig       `yaml:"llm"`
	Labeling  LabelingConfig  `yaml:"labeling"`
	Slack     SlackConfig     `yaml:"slack"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       LogConfig       `yaml:"log"`

	Location *time.Location `yaml:"-"` // computed from Scheduler.Timezone
}

type DatabaseConfig struct {
	Driver   string `yaml:"driver"`
	Path     string `yaml:"path"`
	URL      string `yaml:"url"`
	MaxConns int    `yaml:"max_conns"`
}

type Open311Config struct {
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	PageSize       int    `yaml:"page_size"`
	UseExtensions  bool   `yaml:"use_extensions"`
	MaxWorkers     int    `yaml:"max_workers"`
	MaxRetries     int    `yaml:"max_retries"`
}

type IngestionConfig struct {
	OverlapHours    int    `yaml:"overlap_hours"`
	EnableGapFill   bool   `yaml:"enable_gap_fill"`
	GapFillLimit    int    `yaml:"gap_fill_limit"`
	CategoryMapPath string `yaml:"category_map_path"` // empty uses the embedded table
}

type DuplicateConfig struct {
	WindowHours        int  `yaml:"window_hours"`
	CoordPrecision     int  `yaml:"coord_precision"`
	RequireServiceName bool `yaml:"require_service_name"`
	RequireAddress     bool `yaml:"require_address"`
}

type QualityConfig struct {
	LinkOnlyMinChars int `yaml:"link_only_min_chars"`
}

type LLMConfig struct {
	Model           string  `yaml:"model"`
	APIKey          string  `yaml:"api_key"`
	BaseURL         string  `yaml:"base_url"`
	MaxOutputTokens int     `yaml:"max_output_tokens"`
	Temperature     float64 `yaml:"temperature"`
}

type LabelingConfig struct {
	MaxRetries          int     `yaml:"max_retries"`
	SleepSeconds        float64 `yaml:"sleep_seconds"`
	Phase1PromptVersion string  `yaml:"phase1_prompt_version"`
	Phase2PromptVersion string  `yaml:"phase2_prompt_version"`
}

type SlackConfig struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

type SchedulerConfig struct {
	Cron       string `yaml:"cron"`
	Timezone   string `yaml:"timezone"`
	WindowDays int    `yaml:"window_days"`
}

type MetricsConfig struct {
	ListenAddress string `yaml:"listen_address"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when neither a file nor the
// environment sets a value.
func Default() Config {
	return Config{
		Database: DatabaseConfig{Driver: DriverSQLite, Path: "./civicreg.db", MaxConns: 4},
		Open311: Open311Config{
			BaseURL:        defaultOpen311BaseURL,
			TimeoutSeconds: 30,
			PageSize:       100,
			UseExtensions:  true,
			MaxWorkers:     10,
			MaxRetries:     3,
		},
		Ingestion: IngestionConfig{OverlapHours: 12, EnableGapFill: true, GapFillLimit: 5000},
		Duplicate: DuplicateConfig{WindowHours: 24, CoordPrecision: 4, RequireServiceName: true},
		Quality:   QualityConfig{LinkOnlyMinChars: 3},
		LLM:       LLMConfig{Model: defaultLLMModel, MaxOutputTokens: 512},
		Labeling: LabelingConfig{
			MaxRetries:          2,
			SleepSeconds:        0.1,
			Phase1PromptVersion: "p1_v006",
			Phase2PromptVersion: "p2_v001",
		},
		Scheduler: SchedulerConfig{Cron: "0 5 * * *", Timezone: "Europe/Berlin", WindowDays: 3},
		Metrics:   MetricsConfig{ListenAddress: ":9464"},
		Log:       LogConfig{Level: "info", Format: "text"},
	}
}

// LoadConfig reads CONFIG_PATH (default config.yaml, a missing file is
// fine), applies environment overrides on top and validates the result.
func LoadConfig() (Config, error) {
	cfg := Default()

	configPath := "config.yaml"
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		configPath = envPath
	}
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("%w: parse %s: %v", ErrInvalid, configPath, err)
		}
		slog.Debug("config.loaded", "path", configPath)
	} else if !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("read %s: %w", configPath, err)
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	envOverride(&cfg.Database.Driver, "DATABASE_DRIVER")
	envOverride(&cfg.Database.Path, "DB_PATH")
	envOverride(&cfg.Database.URL, "DATABASE_URL")
	if cfg.Database.URL == "" {
		cfg.Database.URL = postgresURLFromEnv()
	}
	envOverride(&cfg.Open311.BaseURL, "OPEN311_BASE_URL")
	envOverride(&cfg.Ingestion.CategoryMapPath, "CATEGORY_MAP_PATH")
	envOverride(&cfg.LLM.Model, "LLM_MODEL")
	envOverride(&cfg.LLM.APIKey, "ANTHROPIC_API_KEY")
	envOverride(&cfg.LLM.BaseURL, "ANTHROPIC_BASE_URL")
	envOverride(&cfg.Labeling.Phase1PromptVersion, "PHASE1_PROMPT_VERSION")
	envOverride(&cfg.Labeling.Phase2PromptVersion, "PHASE2_PROMPT_VERSION")
	envOverride(&cfg.Slack.BotToken, "SLACK_BOT_TOKEN")
	envOverride(&cfg.Slack.ChannelID, "SLACK_CHANNEL_ID")
	envOverride(&cfg.Scheduler.Cron, "SCHEDULER_CRON")
	envOverride(&cfg.Scheduler.Timezone, "TIMEZONE")
	envOverride(&cfg.Metrics.ListenAddress, "METRICS_LISTEN_ADDRESS")
	envOverride(&cfg.Log.Level, "LOG_LEVEL")
	envOverride(&cfg.Log.Format, "LOG_FORMAT")

	return errors.Join(
		envOverrideInt(&cfg.Database.MaxConns, "DATABASE_MAX_CONNS"),
		envOverrideInt(&cfg.Open311.TimeoutSeconds, "OPEN311_TIMEOUT_SECONDS"),
		envOverrideInt(&cfg.Open311.PageSize, "OPEN311_PAGE_SIZE"),
		envOverrideBool(&cfg.Open311.UseExtensions, "OPEN311_USE_EXTENSIONS"),
		envOverrideInt(&cfg.Open311.MaxWorkers, "OPEN311_MAX_WORKERS"),
		envOverrideInt(&cfg.Open311.MaxRetries, "OPEN311_MAX_RETRIES"),
		envOverrideInt(&cfg.Ingestion.OverlapHours, "INGESTION_OVERLAP_HOURS"),
		envOverrideBool(&cfg.Ingestion.EnableGapFill, "INGESTION_ENABLE_GAP_FILL"),
		envOverrideInt(&cfg.Ingestion.GapFillLimit, "INGESTION_GAP_FILL_LIMIT"),
		envOverrideInt(&cfg.Duplicate.WindowHours, "DUPLICATE_WINDOW_HOURS"),
		envOverrideInt(&cfg.Duplicate.CoordPrecision, "DUPLICATE_COORD_PRECISION"),
		envOverrideBool(&cfg.Duplicate.RequireServiceName, "DUPLICATE_REQUIRE_SERVICE_NAME"),
		envOverrideBool(&cfg.Duplicate.RequireAddress, "DUPLICATE_REQUIRE_ADDRESS"),
		envOverrideInt(&cfg.Quality.LinkOnlyMinChars, "LINK_ONLY_MIN_CHARS"),
		envOverrideInt(&cfg.LLM.MaxOutputTokens, "LLM_MAX_OUTPUT_TOKENS"),
		envOverrideFloat(&cfg.LLM.Temperature, "LLM_TEMPERATURE"),
		envOverrideInt(&cfg.Labeling.MaxRetries, "LABELING_MAX_RETRIES"),
		envOverrideFloat(&cfg.Labeling.SleepSeconds, "LABELING_SLEEP_SECONDS"),
		envOverrideInt(&cfg.Scheduler.WindowDays, "SCHEDULER_WINDOW_DAYS"),
	)
}

// postgresURLFromEnv builds a DSN from the libpq variables when all of
// host, user, password and database are set.
func postgresURLFromEnv() string {
	host, user, pass, db := os.Getenv("PGHOST"), os.Getenv("PGUSER"), os.Getenv("PGPASSWORD"), os.Getenv("PGDATABASE")
	if host == "" || user == "" || pass == "" || db == "" {
		return ""
	}
	port := os.Getenv("PGPORT")
	if port == "" {
		port = "5432"
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(user, pass),
		Host:   net.JoinHostPort(host, port),
		Path:   "/" + db,
	}
	return u.String()
}

// Validate checks ranges and resolves Location.
func (c *Config) Validate() error {
	var problems []string
	bad := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch c.Database.Driver {
	case DriverSQLite:
		if strings.TrimSpace(c.Database.Path) == "" {
			bad("database.path is required for the sqlite driver")
		}
	case DriverPostgres:
	default:
		bad("database.driver must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.Database.Driver)
	}
	if c.Database.MaxConns < 1 {
		bad("database.max_conns must be >= 1, got %d", c.Database.MaxConns)
	}
	if strings.TrimSpace(c.Open311.BaseURL) == "" {
		bad("open311.base_url is required")
	}
	if c.Open311.TimeoutSeconds < 1 {
		bad("open311.timeout_seconds must be >= 1, got %d", c.Open311.TimeoutSeconds)
	}
	if c.Open311.PageSize < 1 {
		bad("open311.page_size must be >= 1, got %d", c.Open311.PageSize)
	}
	if c.Open311.MaxWorkers < 1 {
		bad("open311.max_workers must be >= 1, got %d", c.Open311.MaxWorkers)
	}
	if c.Open311.MaxRetries < 0 {
		bad("open311.max_retries must be >= 0, got %d", c.Open311.MaxRetries)
	}
	if c.Ingestion.OverlapHours < 0 {
		bad("ingestion.overlap_hours must be >= 0, got %d", c.Ingestion.OverlapHours)
	}
	if c.Ingestion.GapFillLimit < 0 {
		bad("ingestion.gap_fill_limit must be >= 0, got %d", c.Ingestion.GapFillLimit)
	}
	if c.Duplicate.WindowHours <= 0 {
		bad("duplicate.window_hours must be > 0, got %d", c.Duplicate.WindowHours)
	}
	if c.Duplicate.CoordPrecision < 0 || c.Duplicate.CoordPrecision > 8 {
		bad("duplicate.coord_precision must be between 0 and 8, got %d", c.Duplicate.CoordPrecision)
	}
	if c.Quality.LinkOnlyMinChars < 0 {
		bad("quality.link_only_min_chars must be >= 0, got %d", c.Quality.LinkOnlyMinChars)
	}
	if c.LLM.MaxOutputTokens < 1 {
		bad("llm.max_output_tokens must be >= 1, got %d", c.LLM.MaxOutputTokens)
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 1 {
		bad("llm.temperature must be between 0 and 1, got %g", c.LLM.Temperature)
	}
	if c.Labeling.MaxRetries < 0 {
		bad("labeling.max_retries must be >= 0, got %d", c.Labeling.MaxRetries)
	}
	if c.Labeling.SleepSeconds < 0 {
		bad("labeling.sleep_seconds must be >= 0, got %g", c.Labeling.SleepSeconds)
	}
	if c.Scheduler.WindowDays <= 0 {
		bad("scheduler.window_days must be > 0, got %d", c.Scheduler.WindowDays)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		bad("log.format must be text or json, got %q", c.Log.Format)
	}

	if strings.EqualFold(c.Scheduler.Timezone, "Local") {
		c.Location = time.Local
	} else if loc, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		bad("invalid timezone %q: %v", c.Scheduler.Timezone, err)
	} else {
		c.Location = loc
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

func (c Config) SlackConfigured() bool {
	return c.Slack.BotToken != "" && c.Slack.ChannelID != ""
}

// PostgresURL returns the DSN for the postgres driver.
func (c Config) PostgresURL() (string, error) {
	if c.Database.URL == "" {
		return "", fmt.Errorf("%w: DATABASE_URL or PGHOST/PGUSER/PGPASSWORD/PGDATABASE must be set", ErrInvalid)
	}
	return c.Database.URL, nil
}

func (c Config) LabelingSleep() time.Duration {
	return time.Duration(c.Labeling.SleepSeconds * float64(time.Second))
}

func envOverride(field *string, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = val
	}
}

func envOverrideInt(field *int, envKey string) error {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			return fmt.Errorf("%w: %s %q: %v", ErrInvalid, envKey, val, err)
		}
		*field = parsed
	}
	return nil
}

func envOverrideBool(field *bool, envKey string) error {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.ParseBool(strings.TrimSpace(val))
		if err != nil {
			return fmt.Errorf("%w: %s %q: %v", ErrInvalid, envKey, val, err)
		}
		*field = parsed
	}
	return nil
}

func envOverrideFloat(field *float64, envKey string) error {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return fmt.Errorf("%w: %s %q: %v", ErrInvalid, envKey, val, err)
		}
		*field = parsed
	}
	return nil
}
