// Package config loads runtime configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Secrets       SecretsConfig
	Storage       StorageConfig
	Normalization NormalizationConfig
	Auth          AuthConfig

	// StrictMode disables the rejected-plate audit table; rejections are
	// logged only.
	StrictMode bool
	WorkerID   string
	LogLevel   string
}

type ServerConfig struct {
	Port int
}

type DatabaseConfig struct {
	WriteHost string
	WritePort int
	ReadHost  string
	ReadPort  int

	User     string
	Password string
	Name     string
	SSLMode  string

	MinConnections int
	MaxConnections int
	QueryTimeout   time.Duration
}

type SecretsConfig struct {
	// Enabled switches the database password source from the environment to
	// AWS Secrets Manager.
	Enabled    bool
	Region     string
	SecretName string
	CacheTTL   time.Duration
}

type StorageConfig struct {
	// Type selects the evidence backend: "s3" or "local".
	Type string

	S3Host   string
	S3Region string
	S3Bucket string
	Folder   string

	LocalBaseDir  string
	UploadTimeout time.Duration
}

type NormalizationConfig struct {
	MinConfidencePercent float64
	RejectForeign        bool
	MaxOCRCorrections    int
}

type AuthConfig struct {
	// JWTSecret guards the admin endpoints. Empty disables them.
	JWTSecret string
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ANPR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.port", 8080)

	v.SetDefault("db.write_host", "localhost")
	v.SetDefault("db.write_port", 5432)
	v.SetDefault("db.read_host", "")
	v.SetDefault("db.read_port", 0)
	v.SetDefault("db.user", "anpr")
	v.SetDefault("db.password", "")
	v.SetDefault("db.name", "anpr")
	v.SetDefault("db.sslmode", "require")
	v.SetDefault("db.min_connections", 2)
	v.SetDefault("db.max_connections", 10)
	v.SetDefault("db.query_timeout", "10s")

	v.SetDefault("secrets.enabled", false)
	v.SetDefault("secrets.region", "us-east-1")
	v.SetDefault("secrets.name", "")
	v.SetDefault("secrets.cache_ttl", "24h")

	v.SetDefault("storage.type", "s3")
	v.SetDefault("storage.s3_host", "")
	v.SetDefault("storage.s3_region", "us-east-1")
	v.SetDefault("storage.s3_bucket", "")
	v.SetDefault("storage.folder", "anpr-events")
	v.SetDefault("storage.local_base_dir", "./data/evidence")
	v.SetDefault("storage.upload_timeout", "30s")

	v.SetDefault("normalization.min_confidence", 85.0)
	v.SetDefault("normalization.reject_foreign", true)
	v.SetDefault("normalization.max_ocr_corrections", 1)

	v.SetDefault("strict_mode", false)
	v.SetDefault("worker_id", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("auth.jwt_secret", "")

	cfg := &Config{
		Server: ServerConfig{
			Port: v.GetInt("server.port"),
		},
		Database: DatabaseConfig{
			WriteHost:      v.GetString("db.write_host"),
			WritePort:      v.GetInt("db.write_port"),
			ReadHost:       v.GetString("db.read_host"),
			ReadPort:       v.GetInt("db.read_port"),
			User:           v.GetString("db.user"),
			Password:       v.GetString("db.password"),
			Name:           v.GetString("db.name"),
			SSLMode:        v.GetString("db.sslmode"),
			MinConnections: v.GetInt("db.min_connections"),
			MaxConnections: v.GetInt("db.max_connections"),
			QueryTimeout:   v.GetDuration("db.query_timeout"),
		},
		Secrets: SecretsConfig{
			Enabled:    v.GetBool("secrets.enabled"),
			Region:     v.GetString("secrets.region"),
			SecretName: v.GetString("secrets.name"),
			CacheTTL:   v.GetDuration("secrets.cache_ttl"),
		},
		Storage: StorageConfig{
			Type:          v.GetString("storage.type"),
			S3Host:        v.GetString("storage.s3_host"),
			S3Region:      v.GetString("storage.s3_region"),
			S3Bucket:      v.GetString("storage.s3_bucket"),
			Folder:        v.GetString("storage.folder"),
			LocalBaseDir:  v.GetString("storage.local_base_dir"),
			UploadTimeout: v.GetDuration("storage.upload_timeout"),
		},
		Normalization: NormalizationConfig{
			MinConfidencePercent: v.GetFloat64("normalization.min_confidence"),
			RejectForeign:        v.GetBool("normalization.reject_foreign"),
			MaxOCRCorrections:    v.GetInt("normalization.max_ocr_corrections"),
		},
		Auth: AuthConfig{
			JWTSecret: v.GetString("auth.jwt_secret"),
		},
		StrictMode: v.GetBool("strict_mode"),
		WorkerID:   v.GetString("worker_id"),
		LogLevel:   v.GetString("log_level"),
	}

	// Single-endpoint deployments point reads at the writer.
	if cfg.Database.ReadHost == "" {
		cfg.Database.ReadHost = cfg.Database.WriteHost
	}
	if cfg.Database.ReadPort == 0 {
		cfg.Database.ReadPort = cfg.Database.WritePort
	}

	if cfg.WorkerID == "" {
		cfg.WorkerID = defaultWorkerID()
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Database.WriteHost == "" {
		return fmt.Errorf("database write host is required")
	}
	if c.Database.MaxConnections < c.Database.MinConnections {
		return fmt.Errorf("db max connections (%d) below min connections (%d)",
			c.Database.MaxConnections, c.Database.MinConnections)
	}
	switch c.Storage.Type {
	case "s3":
		if c.Storage.S3Bucket == "" || c.Storage.S3Host == "" {
			return fmt.Errorf("s3 storage requires ANPR_STORAGE_S3_HOST and ANPR_STORAGE_S3_BUCKET")
		}
	case "local":
	default:
		return fmt.Errorf("unknown storage type %q", c.Storage.Type)
	}
	if c.Secrets.Enabled && c.Secrets.SecretName == "" {
		return fmt.Errorf("secrets manager enabled but ANPR_SECRETS_NAME is empty")
	}
	if !c.Secrets.Enabled && c.Database.Password == "" {
		return fmt.Errorf("no database password: set ANPR_DB_PASSWORD or enable secrets manager")
	}
	if c.Normalization.MinConfidencePercent < 0 || c.Normalization.MinConfidencePercent > 100 {
		return fmt.Errorf("min confidence must be in [0,100], got %v", c.Normalization.MinConfidencePercent)
	}
	if c.Normalization.MaxOCRCorrections < 0 {
		return fmt.Errorf("max ocr corrections must be >= 0, got %d", c.Normalization.MaxOCRCorrections)
	}
	return nil
}

// defaultWorkerID tags log lines and connection names per instance. Hostname
// works for containers; the uuid fallback covers everything else.
func defaultWorkerID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "anpr-" + uuid.NewString()[:8]
}

// Public is the operator-safe view of the configuration, with credentials
// withheld.
func (c *Config) Public() map[string]interface{} {
	return map[string]interface{}{
		"server_port":         c.Server.Port,
		"db_write_endpoint":   fmt.Sprintf("%s:%d", c.Database.WriteHost, c.Database.WritePort),
		"db_read_endpoint":    fmt.Sprintf("%s:%d", c.Database.ReadHost, c.Database.ReadPort),
		"db_name":             c.Database.Name,
		"secrets_enabled":     c.Secrets.Enabled,
		"storage_type":        c.Storage.Type,
		"storage_bucket":      c.Storage.S3Bucket,
		"storage_folder":      c.Storage.Folder,
		"min_confidence":      c.Normalization.MinConfidencePercent,
		"reject_foreign":      c.Normalization.RejectForeign,
		"max_ocr_corrections": c.Normalization.MaxOCRCorrections,
		"strict_mode":         c.StrictMode,
		"worker_id":           c.WorkerID,
	}
}
