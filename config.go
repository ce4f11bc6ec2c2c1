package sigchain

import (
	"fmt"
	"os"
	"time"

	"github.com/alwitt/sigchain/export"
	"github.com/alwitt/sigchain/models"
	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm/logger"
)

// EnvPrefix prefix of every environment variable read by LoadConfig
const EnvPrefix = "SIGCHAIN_"

// ExportConfig evidence export settings
type ExportConfig struct {
	// Enabled whether evidence export is configured
	Enabled bool `yaml:"enabled" env:"ENABLED"`

	export.MinioConfig `yaml:",inline"`
}

// TimestampConfig RFC 3161 trusted timestamp settings
type TimestampConfig struct {
	// URL timestamp authority endpoint. Timestamping is off when empty.
	URL string `yaml:"url" env:"URL" validate:"omitempty,url"`
	// Timeout timestamp request timeout
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT" validate:"gte=0"`
	// TrustedRootsFile PEM bundle the authority certificate must chain to. Optional.
	TrustedRootsFile string `yaml:"trustedRootsFile" env:"TRUSTED_ROOTS_FILE" validate:"omitempty,file"`
}

// Config record chain service settings
type Config struct {
	// DBFile Sqlite DB file
	DBFile string `yaml:"dbFile" env:"DB_FILE" validate:"required"`
	// SQLLogLevel SQL log level
	SQLLogLevel string `yaml:"sqlLogLevel" env:"SQL_LOG_LEVEL" validate:"required,oneof=silent error warn info"`
	// WrappingCertFile RSA certificate used to seal signing keys at rest
	WrappingCertFile string `yaml:"wrappingCertFile" env:"WRAPPING_CERT_FILE" validate:"required,file"`
	// WrappingKeyFile RSA private key used to unseal signing keys
	WrappingKeyFile string `yaml:"wrappingKeyFile" env:"WRAPPING_KEY_FILE" validate:"required,file"`
	// AutoGenerateKey generate signing key version 1 on first start
	AutoGenerateKey bool `yaml:"autoGenerateKey" env:"AUTO_GENERATE_KEY"`
	// Export evidence export settings
	Export ExportConfig `yaml:"export" envPrefix:"EXPORT_" validate:"-"`
	// Timestamp trusted timestamp settings
	Timestamp TimestampConfig `yaml:"timestamp" envPrefix:"TSA_"`
}

// DefaultConfig settings used for any value not provided
func DefaultConfig() Config {
	return Config{
		SQLLogLevel:     "error",
		AutoGenerateKey: true,
		Timestamp:       TimestampConfig{Timeout: 10 * time.Second},
	}
}

/*
Validate verify the settings are complete

	@returns whether the settings are valid
*/
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("%w: config is invalid [%w]", models.ErrValidation, err)
	}
	if c.Export.Enabled {
		if err := v.Struct(&c.Export.MinioConfig); err != nil {
			return fmt.Errorf("%w: export config is invalid [%w]", models.ErrValidation, err)
		}
	}
	return nil
}

// GORMLogLevel the SQL log level as understood by GORM
func (c *Config) GORMLogLevel() logger.LogLevel {
	switch c.SQLLogLevel {
	case "silent":
		return logger.Silent
	case "warn":
		return logger.Warn
	case "info":
		return logger.Info
	default:
		return logger.Error
	}
}

/*
LoadConfig load settings

Settings start from DefaultConfig, are then read from the YAML file if one is given, and
finally overridden by any SIGCHAIN_ prefixed environment variables.

	@param path string - YAML config file. Optional.
	@returns the settings
*/
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file '%s' [%w]", path, err)
		}
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file '%s' [%w]", path, err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("failed to parse environment overrides [%w]", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}
