package sigchain_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alwitt/sigchain"
	"github.com/alwitt/sigchain/models"
	"github.com/apex/log"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm/logger"
)

// wrappingKeyFiles the wrapping RSA cert and key used by the tests
func wrappingKeyFiles(t *testing.T) (string, string) {
	testCertFile, err := filepath.Abs("./test/ut_rsa.crt")
	assert.Nil(t, err)
	testKeyFile, err := filepath.Abs("./test/ut_rsa.key")
	assert.Nil(t, err)
	return testCertFile, testKeyFile
}

func TestLoadConfig(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	certFile, keyFile := wrappingKeyFiles(t)
	testDB := fmt.Sprintf("/tmp/sigchain_ut_%s.db", ulid.Make().String())

	configFile := filepath.Join(t.TempDir(), "sigchain.yaml")
	assert.Nil(os.WriteFile(configFile, []byte(fmt.Sprintf(`
dbFile: %s
sqlLogLevel: warn
wrappingCertFile: %s
wrappingKeyFile: %s
export:
  enabled: true
  endpoint: localhost:9000
  accessKey: minio
  secretKey: minio123
  bucket: evidence
timestamp:
  url: http://tsa.example.com/tsr
  timeout: 5s
`, testDB, certFile, keyFile)), 0600))

	// Case 0: from file
	{
		cfg, err := sigchain.LoadConfig(configFile)
		assert.Nil(err)
		assert.Equal(testDB, cfg.DBFile)
		assert.Equal(logger.Warn, cfg.GORMLogLevel())
		assert.True(cfg.AutoGenerateKey)
		assert.True(cfg.Export.Enabled)
		assert.Equal("localhost:9000", cfg.Export.Endpoint)
		assert.Equal("evidence", cfg.Export.Bucket)
		assert.False(cfg.Export.UseSSL)
		assert.Equal("http://tsa.example.com/tsr", cfg.Timestamp.URL)
		assert.Equal(5*time.Second, cfg.Timestamp.Timeout)
	}

	// Case 1: environment overrides the file
	{
		t.Setenv("SIGCHAIN_SQL_LOG_LEVEL", "info")
		t.Setenv("SIGCHAIN_AUTO_GENERATE_KEY", "false")
		t.Setenv("SIGCHAIN_EXPORT_BUCKET", "audits")
		t.Setenv("SIGCHAIN_EXPORT_USE_SSL", "true")
		cfg, err := sigchain.LoadConfig(configFile)
		assert.Nil(err)
		assert.Equal(logger.Info, cfg.GORMLogLevel())
		assert.False(cfg.AutoGenerateKey)
		assert.Equal("audits", cfg.Export.Bucket)
		assert.True(cfg.Export.UseSSL)
		assert.Equal("minio", cfg.Export.AccessKey)
	}

	// Case 2: invalid override
	{
		t.Setenv("SIGCHAIN_SQL_LOG_LEVEL", "loud")
		_, err := sigchain.LoadConfig(configFile)
		assert.ErrorIs(err, models.ErrValidation)
		t.Setenv("SIGCHAIN_SQL_LOG_LEVEL", "error")
	}

	// Case 3: missing file
	{
		_, err := sigchain.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.Error(err)
	}

	// Case 4: timestamp authority overrides
	{
		t.Setenv("SIGCHAIN_TSA_TIMEOUT", "30s")
		cfg, err := sigchain.LoadConfig(configFile)
		assert.Nil(err)
		assert.Equal(30*time.Second, cfg.Timestamp.Timeout)

		t.Setenv("SIGCHAIN_TSA_URL", "not a url")
		_, err = sigchain.LoadConfig(configFile)
		assert.ErrorIs(err, models.ErrValidation)
		t.Setenv("SIGCHAIN_TSA_URL", "http://tsa.example.com/tsr")

		t.Setenv("SIGCHAIN_TSA_TRUSTED_ROOTS_FILE", "/tmp/no-such-roots.pem")
		_, err = sigchain.LoadConfig(configFile)
		assert.ErrorIs(err, models.ErrValidation)
	}
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	assert := assert.New(t)

	certFile, keyFile := wrappingKeyFiles(t)

	// Case 0: required settings missing
	{
		_, err := sigchain.LoadConfig("")
		assert.ErrorIs(err, models.ErrValidation)
	}

	t.Setenv("SIGCHAIN_DB_FILE", "/tmp/sigchain_env.db")
	t.Setenv("SIGCHAIN_WRAPPING_CERT_FILE", certFile)
	t.Setenv("SIGCHAIN_WRAPPING_KEY_FILE", keyFile)

	// Case 1: defaults fill in the rest
	{
		cfg, err := sigchain.LoadConfig("")
		assert.Nil(err)
		assert.Equal("/tmp/sigchain_env.db", cfg.DBFile)
		assert.Equal(logger.Error, cfg.GORMLogLevel())
		assert.True(cfg.AutoGenerateKey)
		assert.False(cfg.Export.Enabled)
		assert.Empty(cfg.Timestamp.URL)
		assert.Equal(10*time.Second, cfg.Timestamp.Timeout)
	}

	// Case 2: wrapping key file must exist
	{
		t.Setenv("SIGCHAIN_WRAPPING_KEY_FILE", "/tmp/no-such-wrapping.key")
		_, err := sigchain.LoadConfig("")
		assert.ErrorIs(err, models.ErrValidation)
		t.Setenv("SIGCHAIN_WRAPPING_KEY_FILE", keyFile)
	}

	// Case 3: export enabled without its settings
	{
		t.Setenv("SIGCHAIN_EXPORT_ENABLED", "true")
		_, err := sigchain.LoadConfig("")
		assert.ErrorIs(err, models.ErrValidation)
	}
}
