package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const (
	envPrefix               = "PEERFLOW"
	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultDatabaseDriver   = DriverSQLite
	defaultDatabaseDSN      = "peerflow.db"
	defaultLogLevel         = "info"
	defaultLogEncoding      = "json"
	defaultTokenIssuer      = "peerflow"
	defaultTokenAudience    = "peerflow-api"
	defaultTokenTTLMinutes  = 60
	defaultTemplatesDir     = "config/templates"
	defaultPlatformAccount  = "platform:pool"
	defaultDeadlineInterval = 60
	defaultOTelServiceName  = "peerflow-api"
	defaultS3Region         = "us-east-1"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress      string
	DatabaseDriver   string
	DatabaseDSN      string
	LogLevel         string
	LogEncoding      string
	Auth             AuthConfig
	Templates        TemplatesConfig
	PlatformAccount  string
	DeadlineInterval time.Duration
	OTel             OTelConfig
}

type AuthConfig struct {
	SigningSecret string
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
}

// TemplatesConfig locates template definitions. A bucket takes precedence
// over the directory.
type TemplatesConfig struct {
	Dir               string
	S3Bucket          string
	S3Prefix          string
	S3Region          string
	S3Endpoint        string
	S3AccessKeyID     string
	S3SecretAccessKey string
}

type OTelConfig struct {
	Enabled     bool
	Endpoint    string
	ServiceName string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.encoding", defaultLogEncoding)
	configViper.SetDefault("auth.issuer", defaultTokenIssuer)
	configViper.SetDefault("auth.audience", defaultTokenAudience)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("templates.dir", defaultTemplatesDir)
	configViper.SetDefault("templates.s3_region", defaultS3Region)
	configViper.SetDefault("ledger.platform_account", defaultPlatformAccount)
	configViper.SetDefault("deadlines.interval_seconds", defaultDeadlineInterval)
	configViper.SetDefault("otel.enabled", false)
	configViper.SetDefault("otel.service_name", defaultOTelServiceName)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		DatabaseDriver: strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:    configViper.GetString("database.dsn"),
		LogLevel:       configViper.GetString("log.level"),
		LogEncoding:    configViper.GetString("log.encoding"),
		Auth: AuthConfig{
			SigningSecret: configViper.GetString("auth.signing_secret"),
			Issuer:        configViper.GetString("auth.issuer"),
			Audience:      configViper.GetString("auth.audience"),
			TokenTTL:      time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		},
		Templates: TemplatesConfig{
			Dir:               configViper.GetString("templates.dir"),
			S3Bucket:          configViper.GetString("templates.s3_bucket"),
			S3Prefix:          configViper.GetString("templates.s3_prefix"),
			S3Region:          configViper.GetString("templates.s3_region"),
			S3Endpoint:        configViper.GetString("templates.s3_endpoint"),
			S3AccessKeyID:     configViper.GetString("templates.s3_access_key_id"),
			S3SecretAccessKey: configViper.GetString("templates.s3_secret_access_key"),
		},
		PlatformAccount:  configViper.GetString("ledger.platform_account"),
		DeadlineInterval: time.Duration(configViper.GetInt("deadlines.interval_seconds")) * time.Second,
		OTel: OTelConfig{
			Enabled:     configViper.GetBool("otel.enabled"),
			Endpoint:    configViper.GetString("otel.endpoint"),
			ServiceName: configViper.GetString("otel.service_name"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.Auth.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if c.DatabaseDriver != DriverSQLite && c.DatabaseDriver != DriverPostgres {
		return fmt.Errorf("database.driver must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.DatabaseDriver)
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if strings.TrimSpace(c.Templates.Dir) == "" && strings.TrimSpace(c.Templates.S3Bucket) == "" {
		return fmt.Errorf("templates.dir or templates.s3_bucket is required")
	}
	if strings.TrimSpace(c.PlatformAccount) == "" {
		return fmt.Errorf("ledger.platform_account is required")
	}
	if c.DeadlineInterval <= 0 {
		return fmt.Errorf("deadlines.interval_seconds must be positive")
	}
	if c.OTel.Enabled && strings.TrimSpace(c.OTel.Endpoint) == "" {
		return fmt.Errorf("otel.endpoint is required when otel.enabled is set")
	}
	return nil
}
