package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/healthy-habitat/score-regions/internal/secrets"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config holds all application configuration
type Config struct {
	App          AppConfig
	Server       ServerConfig
	Logging      LoggingConfig
	Storage      StorageConfig
	CustomVision CustomVisionConfig
	Results      ResultsConfig
	Pipeline     PipelineConfig
	Jobs         JobsConfig
	Secrets      SecretsConfig
	CORS         CORSConfig
	Security     SecurityConfig
	RateLimit    RateLimitConfig
}

type AppConfig struct {
	Name        string
	Environment string
	Port        int
}

type ServerConfig struct {
	ReadTimeout  int
	WriteTimeout int
	// EventTimeout bounds a single scoring run triggered by an event (seconds, 0 = none)
	EventTimeout int
}

type LoggingConfig struct {
	Level  string
	Format string
}

// StorageConfig describes where flight images are read from and tiles are written to
type StorageConfig struct {
	// Mode is "azure" for Azure Blob Storage or "local" for a directory tree
	Mode          string
	AccountName   string
	AccountKey    string
	LocalBasePath string
	// TileContainer receives the generated tile JPEGs
	TileContainer string
	// SASExpiry is the lifetime of generated tile URLs (hours)
	SASExpiry int
}

// CustomVisionConfig holds the training and prediction endpoints of the model service
type CustomVisionConfig struct {
	TrainingEndpoint   string
	TrainingKey        string
	PredictionEndpoint string
	PredictionKey      string
	// Timeout for a single model service call (seconds)
	Timeout int
	// AnimalKeyword and HabitatKeyword tag a project with its role when they appear in its name
	AnimalKeyword  string
	HabitatKeyword string
}

// ResultsConfig selects the relational store for prediction results
type ResultsConfig struct {
	// Driver is one of "sqlserver", "postgres" or "sqlite"
	Driver          string
	Host            string
	Port            int
	Name            string
	User            string
	Password        string
	SSLMode         string
	Path            string // sqlite only
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int
	QueryTimeout    int
}

// PipelineConfig tunes the tiling and scoring loop
type PipelineConfig struct {
	WorkDir      string
	TileWidth    int
	TileHeight   int
	Concurrency  int
	TileAttempts int
	RetryBackoff int // milliseconds
	FailFast     bool
}

// JobsConfig configures the background sweep of abandoned work directories
type JobsConfig struct {
	SweepEnabled  bool
	SweepCron     string
	WorkDirMaxAge int // minutes
}

type SecretsConfig struct {
	// Source determines where secrets are loaded from: "environment", "vault", or "auto"
	Source       string
	KeyVaultName string
	CacheEnabled bool
	CacheTTL     int // seconds
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	MaxAge         int
}

// SecurityConfig holds security header configuration
type SecurityConfig struct {
	ContentTypeNosniff bool
	FrameOptions       string
	ReferrerPolicy     string
}

// RateLimitConfig holds rate limiting configuration for the event endpoint
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerMinute int
	WhitelistPaths    []string
}

// ReadTimeoutDuration returns read timeout as duration
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns write timeout as duration
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// EventTimeoutDuration returns the per-event scoring timeout; zero means unbounded
func (s *ServerConfig) EventTimeoutDuration() time.Duration {
	return time.Duration(s.EventTimeout) * time.Second
}

// SASExpiryDuration returns how long tile URLs stay valid
func (s *StorageConfig) SASExpiryDuration() time.Duration {
	return time.Duration(s.SASExpiry) * time.Hour
}

// TimeoutDuration returns the model service call timeout
func (c *CustomVisionConfig) TimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// ConnMaxLifetimeDuration returns connection max lifetime as duration
func (r *ResultsConfig) ConnMaxLifetimeDuration() time.Duration {
	return time.Duration(r.ConnMaxLifetime) * time.Second
}

// QueryTimeoutDuration returns query timeout as duration
func (r *ResultsConfig) QueryTimeoutDuration() time.Duration {
	return time.Duration(r.QueryTimeout) * time.Second
}

// PostgresDSN builds a PostgreSQL connection string
func (r *ResultsConfig) PostgresDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		r.Host, r.Port, r.User, r.Password, r.Name, r.SSLMode,
	)
}

// SQLServerDSN builds a sqlserver:// URL for go-mssqldb
func (r *ResultsConfig) SQLServerDSN() string {
	query := url.Values{}
	query.Add("database", r.Name)
	query.Add("encrypt", "true")
	query.Add("TrustServerCertificate", "false")
	query.Add("connection timeout", "30")

	u := &url.URL{
		Scheme:   "sqlserver",
		User:     url.UserPassword(r.User, r.Password),
		Host:     fmt.Sprintf("%s:%d", r.Host, r.Port),
		RawQuery: query.Encode(),
	}
	return u.String()
}

// RetryBackoffDuration returns the base delay between tile attempts
func (p *PipelineConfig) RetryBackoffDuration() time.Duration {
	return time.Duration(p.RetryBackoff) * time.Millisecond
}

// WorkDirMaxAgeDuration returns the age after which a work directory counts as abandoned
func (j *JobsConfig) WorkDirMaxAgeDuration() time.Duration {
	return time.Duration(j.WorkDirMaxAge) * time.Minute
}

// Load loads configuration from file and environment variables
// This is a basic load that doesn't fetch secrets from vault
// Use LoadWithSecrets for full secret resolution
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not found)
	_ = godotenv.Load()

	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("json")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Environment variables override config file
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Function App setting names still used by existing deployments
	if cfg.Storage.AccountName == "" {
		cfg.Storage.AccountName = v.GetString("HEALTHY_HABITAT_STORAGE_ACCOUNT_NAME")
	}
	if cfg.Storage.AccountKey == "" {
		cfg.Storage.AccountKey = v.GetString("HEALTHY_HABITAT_STORAGE_ACCOUNT_KEY")
	}
	if cfg.Secrets.KeyVaultName == "" {
		cfg.Secrets.KeyVaultName = v.GetString("AZURE_KEY_VAULT_NAME")
	}

	return &cfg, nil
}

// Validate checks the settings that would otherwise fail deep inside a scoring run
func (c *Config) Validate() error {
	switch c.Storage.Mode {
	case "azure":
		if c.Storage.AccountName == "" || c.Storage.AccountKey == "" {
			return fmt.Errorf("storage account name and key are required in azure mode")
		}
	case "local":
	default:
		return fmt.Errorf("unsupported storage mode: %s", c.Storage.Mode)
	}

	switch c.Results.Driver {
	case "sqlserver", "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported results driver: %s", c.Results.Driver)
	}

	if c.Pipeline.TileWidth <= 0 || c.Pipeline.TileHeight <= 0 {
		return fmt.Errorf("tile size must be positive, got %dx%d", c.Pipeline.TileWidth, c.Pipeline.TileHeight)
	}
	if c.Pipeline.Concurrency < 1 {
		return fmt.Errorf("pipeline concurrency must be at least 1")
	}
	if c.Pipeline.TileAttempts < 1 {
		return fmt.Errorf("pipeline tile attempts must be at least 1")
	}
	return nil
}

// LoadWithSecrets loads configuration and resolves secrets from the configured source.
//
// Key Vault is used when BOTH conditions are met:
// 1. USE_AZURE_KEY_VAULT environment variable is set to "true"
// 2. Environment is "staging" or "production"
//
// Explicit environment variables still win over vault values.
func LoadWithSecrets(ctx context.Context, logger *zap.Logger) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	useKeyVault := strings.ToLower(os.Getenv("USE_AZURE_KEY_VAULT")) == "true"
	isValidEnv := cfg.App.Environment == "staging" || cfg.App.Environment == "production"

	if !useKeyVault {
		logger.Info("USE_AZURE_KEY_VAULT not enabled, using environment variables for secrets",
			zap.String("environment", cfg.App.Environment),
		)
		return cfg, nil
	}

	if !isValidEnv {
		logger.Warn("USE_AZURE_KEY_VAULT is enabled but environment is not staging or production, using environment variables for secrets",
			zap.String("environment", cfg.App.Environment),
		)
		return cfg, nil
	}

	if cfg.Secrets.KeyVaultName == "" {
		return nil, fmt.Errorf("AZURE_KEY_VAULT_NAME is required when USE_AZURE_KEY_VAULT=true")
	}

	provider, err := secrets.NewProvider(&secrets.ProviderConfig{
		Source:       secrets.SourceVault,
		VaultName:    cfg.Secrets.KeyVaultName,
		Environment:  cfg.App.Environment,
		CacheEnabled: cfg.Secrets.CacheEnabled,
		CacheTTL:     time.Duration(cfg.Secrets.CacheTTL) * time.Second,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize secrets provider (USE_AZURE_KEY_VAULT=true requires valid vault): %w", err)
	}

	logger.Info("Loading secrets from Azure Key Vault",
		zap.String("key_vault_name", cfg.Secrets.KeyVaultName),
	)

	if err := provider.Apply(ctx, cfg.SecretBindings()); err != nil {
		return nil, err
	}

	logger.Info("Secrets loaded from vault successfully")
	return cfg, nil
}

// SecretBindings lists the credentials that may come from Key Vault. A secret is
// required only when the configured storage mode or results driver needs it.
func (c *Config) SecretBindings() []secrets.Binding {
	return []secrets.Binding{
		{Secret: "healthy-habitat-storage-account-key", Env: "STORAGE_ACCOUNTKEY", Target: &c.Storage.AccountKey, Required: c.Storage.Mode == "azure"},
		{Secret: "custom-vision-training-key", Env: "CUSTOMVISION_TRAININGKEY", Target: &c.CustomVision.TrainingKey, Required: true},
		{Secret: "custom-vision-prediction-key", Env: "CUSTOMVISION_PREDICTIONKEY", Target: &c.CustomVision.PredictionKey, Required: true},
		{Secret: "results-database-password", Env: "RESULTS_PASSWORD", Target: &c.Results.Password, Required: c.Results.Driver != "sqlite"},
	}
}

func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "Healthy Habitat Score Regions")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.port", 8080)

	// Server defaults
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 600) // scoring runs inside the request
	v.SetDefault("server.eventTimeout", 0)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	// Storage defaults
	v.SetDefault("storage.mode", "local")
	v.SetDefault("storage.localBasePath", "./storage")
	v.SetDefault("storage.tileContainer", "resized")
	v.SetDefault("storage.sasExpiry", 24*365)

	// Custom Vision defaults
	v.SetDefault("customVision.timeout", 60)
	v.SetDefault("customVision.animalKeyword", "animal")
	v.SetDefault("customVision.habitatKeyword", "habitat")

	// Results store defaults
	v.SetDefault("results.driver", "sqlite")
	v.SetDefault("results.path", "./results.db")
	v.SetDefault("results.port", 1433)
	v.SetDefault("results.sslMode", "disable")
	v.SetDefault("results.maxOpenConns", 10)
	v.SetDefault("results.maxIdleConns", 2)
	v.SetDefault("results.connMaxLifetime", 300)
	v.SetDefault("results.queryTimeout", 30)

	// Pipeline defaults
	v.SetDefault("pipeline.workDir", os.TempDir())
	v.SetDefault("pipeline.tileWidth", 304)
	v.SetDefault("pipeline.tileHeight", 228)
	v.SetDefault("pipeline.concurrency", 1)
	v.SetDefault("pipeline.tileAttempts", 1)
	v.SetDefault("pipeline.retryBackoff", 500)
	v.SetDefault("pipeline.failFast", false)

	// Jobs defaults
	v.SetDefault("jobs.sweepEnabled", true)
	v.SetDefault("jobs.sweepCron", "0 */15 * * * *")
	v.SetDefault("jobs.workDirMaxAge", 360)

	// Secrets defaults
	v.SetDefault("secrets.source", "auto")
	v.SetDefault("secrets.cacheEnabled", true)
	v.SetDefault("secrets.cacheTTL", 300)

	// CORS defaults
	v.SetDefault("cors.allowedOrigins", []string{})
	v.SetDefault("cors.allowedMethods", []string{"GET", "POST", "OPTIONS"})
	v.SetDefault("cors.allowedHeaders", []string{"Accept", "Content-Type", "aeg-event-type", "X-Request-ID"})
	v.SetDefault("cors.maxAge", 300)

	// Security header defaults
	v.SetDefault("security.contentTypeNosniff", true)
	v.SetDefault("security.frameOptions", "DENY")
	v.SetDefault("security.referrerPolicy", "strict-origin-when-cross-origin")

	// Rate limiting defaults
	v.SetDefault("rateLimit.enabled", true)
	v.SetDefault("rateLimit.requestsPerMinute", 120)
	v.SetDefault("rateLimit.whitelistPaths", []string{"/health", "/health/ready", "/metrics"})
}
