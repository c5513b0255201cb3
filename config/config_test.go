package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/lesson-ledger/config"
)

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "ledger.db", cfg.Database.Path)
	assert.Equal(t, 24*time.Hour, cfg.Booking.CancellationCutoff)
	assert.Equal(t, 5*time.Minute, cfg.Booking.SweepInterval)
	assert.False(t, cfg.RabbitMQ.Enabled)
	assert.Equal(t, "payments", cfg.RabbitMQ.Queue)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_EnvOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("LEDGER_HTTP_PORT", "9090")
	t.Setenv("LEDGER_BOOKING_CANCELLATION_CUTOFF", "12h")
	t.Setenv("LEDGER_LOG_LEVEL", "debug")

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, 12*time.Hour, cfg.Booking.CancellationCutoff)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	path := filepath.Join(dir, "ledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  driver: postgres
  dsn: postgres://ledger@localhost/ledger
rabbitmq:
  enabled: true
  prefetch: 4
`), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "postgres://ledger@localhost/ledger", cfg.Database.DSN)
	assert.True(t, cfg.RabbitMQ.Enabled)
	assert.Equal(t, 4, cfg.RabbitMQ.Prefetch)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("LEDGER_DATABASE_PATH=from-dotenv.db\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("LEDGER_DATABASE_PATH") })

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv.db", cfg.Database.Path)
}

func TestValidate(t *testing.T) {
	chdir(t, t.TempDir())

	tests := []struct {
		name   string
		mutate func(c *config.Config)
	}{
		{"unknown driver", func(c *config.Config) { c.Database.Driver = "mysql" }},
		{"postgres without dsn", func(c *config.Config) { c.Database.Driver = "postgres"; c.Database.DSN = "" }},
		{"bad port", func(c *config.Config) { c.HTTP.Port = 0 }},
		{"negative cutoff", func(c *config.Config) { c.Booking.CancellationCutoff = -time.Hour }},
		{"rabbit without queue", func(c *config.Config) { c.RabbitMQ.Enabled = true; c.RabbitMQ.Queue = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := config.Load("")
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

// chdir changes the working directory for the duration of the test,
// matching testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
