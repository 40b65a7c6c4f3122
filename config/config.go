package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the research system
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Workers   WorkersConfig   `mapstructure:"workers"`
	Search    SearchConfig    `mapstructure:"search"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Tools     ToolsConfig     `mapstructure:"tools"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	MaxRunTime     time.Duration `mapstructure:"max_run_time"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address   string `mapstructure:"address"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// LLMConfig contains LLM provider configurations
type LLMConfig struct {
	Providers map[string]LLMProvider `mapstructure:"providers"`
	Routing   LLMRoutingConfig       `mapstructure:"routing"`
}

// LLMProvider represents a single LLM provider configuration
type LLMProvider struct {
	Type       string              `mapstructure:"type"` // openai, local, etc.
	APIKey     string              `mapstructure:"api_key"`
	BaseURL    string              `mapstructure:"base_url"`
	Models     map[string]LLMModel `mapstructure:"models"`
	MaxRetries int                 `mapstructure:"max_retries"`
	Timeout    time.Duration       `mapstructure:"timeout"`
}

// LLMModel represents a specific model configuration
type LLMModel struct {
	Name            string   `mapstructure:"name"`
	APIName         string   `mapstructure:"api_name"`
	MaxTokens       int      `mapstructure:"max_tokens"`
	Temperature     float64  `mapstructure:"temperature"`
	CostPer1K       float64  `mapstructure:"cost_per_1k_input"`
	CostPer1KOutput float64  `mapstructure:"cost_per_1k_output"`
	Capabilities    []string `mapstructure:"capabilities"`
}

// LLMRoutingConfig defines which model to use for different tasks
type LLMRoutingConfig struct {
	Planning  string `mapstructure:"planning"`  // Use for plan generation
	Research  string `mapstructure:"research"`  // Use for research tasks
	Analysis  string `mapstructure:"analysis"`  // Use for content analysis
	Synthesis string `mapstructure:"synthesis"` // Use for the final answer
	Fallback  string `mapstructure:"fallback"`  // Fallback model
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	MetricsPort  int    `mapstructure:"metrics_port"`
	LogFile      string `mapstructure:"log_file"`
	CostTracking bool   `mapstructure:"cost_tracking"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && t.MetricsPort <= 0 {
		return fmt.Errorf("telemetry.metrics_port must be > 0 when telemetry is enabled")
	}
	return nil
}

// WorkersConfig contains worker pool settings
type WorkersConfig struct {
	MaxConcurrentTasks int           `mapstructure:"max_concurrent_tasks"`
	TaskTimeout        time.Duration `mapstructure:"task_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

// Normalize applies defaults for unset worker values.
func (w WorkersConfig) Normalize() WorkersConfig {
	if w.MaxConcurrentTasks <= 0 {
		w.MaxConcurrentTasks = 4
	}
	if w.TaskTimeout <= 0 {
		w.TaskTimeout = 2 * time.Minute
	}
	if w.MaxRetries < 0 {
		w.MaxRetries = 0
	}
	return w
}

// SearchConfig contains web search provider settings
type SearchConfig struct {
	SerperAPIKey     string        `mapstructure:"serper_api_key"`
	BraveAPIKey      string        `mapstructure:"brave_api_key"`
	ProviderPriority []string      `mapstructure:"provider_priority"`
	MaxResults       int           `mapstructure:"max_results"`
	Timeout          time.Duration `mapstructure:"timeout"`
}

// FetchConfig contains page fetcher settings
type FetchConfig struct {
	TimeoutMS time.Duration `mapstructure:"timeout_ms"`
	MaxChars  int           `mapstructure:"max_chars"`
}

// ToolsConfig declares remote tool endpoints to register alongside the
// builtin tools.
type ToolsConfig struct {
	Remote []RemoteToolConfig `mapstructure:"remote"`
}

// RemoteToolConfig describes a single remote tool server.
type RemoteToolConfig struct {
	Name        string                 `mapstructure:"name"`
	BaseURL     string                 `mapstructure:"base_url"`
	Token       string                 `mapstructure:"token"`
	Description string                 `mapstructure:"description"`
	InputSchema map[string]interface{} `mapstructure:"input_schema"`
	Timeout     time.Duration          `mapstructure:"timeout"`
	MaxRetries  int                    `mapstructure:"max_retries"`
}

func (t RemoteToolConfig) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("tools.remote: name required")
	}
	if strings.TrimSpace(t.BaseURL) == "" {
		return fmt.Errorf("tools.remote.%s: base_url required", t.Name)
	}
	return nil
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.Port) == "" {
		return fmt.Errorf("storage.postgres.port required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN builds a lib/pq connection string from the configured fields.
func (p PostgresConfig) DSN() string {
	if strings.TrimSpace(p.URL) != "" {
		return p.URL
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, p.Port, p.DBName, ssl)
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// SchedulerConfig controls periodic report schedules.
type SchedulerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	LockTTL      time.Duration `mapstructure:"lock_ttl"`
}

// Normalize applies defaults for unset scheduler values.
func (s SchedulerConfig) Normalize() SchedulerConfig {
	if s.PollInterval <= 0 {
		s.PollInterval = 30 * time.Second
	}
	if s.LockTTL <= 0 {
		s.LockTTL = 5 * time.Minute
	}
	return s
}

// LoadConfig loads config from file
func LoadConfig(path string) *Config {
	viper.SetConfigName("config") // name of config file (without extension)
	viper.SetConfigType("json")   // REQUIRED if the config file does not have the extension in the name
	viper.SetDefault("server.address", ":8080")
	viper.SetDefault("general.default_timeout", "2m")
	viper.SetDefault("general.max_run_time", "30m")
	viper.SetDefault("workers.max_concurrent_tasks", 4)
	viper.SetDefault("workers.task_timeout", "2m")
	viper.SetDefault("workers.max_retries", 2)
	viper.SetDefault("search.max_results", 10)
	viper.SetDefault("search.timeout", "10s")
	viper.SetDefault("scheduler.poll_interval", "30s")
	viper.SetDefault("scheduler.lock_ttl", "5m")

	if path == "" {
		viper.AddConfigPath("./app/config") // path to look for the config file in
		viper.AddConfigPath("./config")     // path to look for the config file in
		viper.AddConfigPath(".")            // optionally look for config in the working directory
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)                                // bin/
		viper.AddConfigPath(filepath.Join(exeDir, ".."))           // repo root
		viper.AddConfigPath(filepath.Join(exeDir, "..", "config")) // repo root/config
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("DEEPREPORT")
	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)

	viper.AutomaticEnv() // read in environment variables that match (DEEPREPORT_*)

	err := viper.ReadInConfig() // Find and read the config file
	if err != nil {             // Handle errors reading the config file
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	// unmarshal config
	var config Config

	if err = viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	config.Workers = config.Workers.Normalize()
	config.Scheduler = config.Scheduler.Normalize()

	if err := config.Telemetry.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Postgres.Validate(); err != nil {
		panic(err)
	}
	for _, rt := range config.Tools.Remote {
		if err := rt.Validate(); err != nil {
			panic(err)
		}
	}
	return &config
}
