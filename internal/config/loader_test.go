package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("LoadDefaults", func(t *testing.T) {
		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		// Server defaults
		assert.Equal(t, "localhost", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
		assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)
		assert.Equal(t, 120*time.Second, cfg.Server.IdleTimeout)
		assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
		assert.Equal(t, "localhost:8080", cfg.Server.Addr())

		// Logging defaults
		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, "STRUCTURED", cfg.Logging.Profile)

		assert.True(t, cfg.Health.Enabled)

		// Worker defaults
		assert.Equal(t, 3, cfg.Worker.RetryCeiling)
		assert.Equal(t, 20*time.Minute, cfg.Worker.StuckThreshold)
		assert.Equal(t, 10, cfg.Worker.SweepEvery)
		assert.Equal(t, 50, cfg.Worker.MaxTicks)
		assert.Equal(t, 55*time.Second, cfg.Worker.TickBudget)
		assert.Equal(t, 30*time.Second, cfg.Worker.Interval)
		assert.Empty(t, cfg.Worker.Lanes)

		assert.Equal(t, 3.0, cfg.Pricing.UpsellMultiplier)
		assert.False(t, cfg.Pricing.TrustClientCharge)

		assert.Equal(t, "simulated", cfg.Providers.Driver)
		assert.True(t, cfg.Providers.ResearchEnabled)
		assert.Equal(t, 5*time.Minute, cfg.Providers.RenderMaxWait)

		assert.Equal(t, "file", cfg.Artifacts.Driver)
		assert.Equal(t, 1000, cfg.Events.Buffer)
		assert.Empty(t, cfg.AdminToken)

		require.NoError(t, cfg.Validate())
	})

	t.Run("RuntimeOverrides", func(t *testing.T) {
		overrides := map[string]any{
			"server": map[string]any{
				"port": 9000,
				"host": "0.0.0.0",
			},
			"logging": map[string]any{
				"level": "debug",
			},
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)

		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, "debug", cfg.Logging.Level)

		// Non-overridden values remain default
		assert.Equal(t, "STRUCTURED", cfg.Logging.Profile)
		assert.Equal(t, 3, cfg.Worker.RetryCeiling)
	})

	t.Run("EnvOverrides", func(t *testing.T) {
		t.Setenv("CLIPFORGE_PORT", "3000")
		t.Setenv("CLIPFORGE_LOG_LEVEL", "warn")
		t.Setenv("CLIPFORGE_HEALTH_ENABLED", "false")
		t.Setenv("CLIPFORGE_UPSELL_MULTIPLIER", "2.5")
		t.Setenv("CLIPFORGE_WORKER_LANES", "image*,video")

		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, 3000, cfg.Server.Port)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.False(t, cfg.Health.Enabled)
		assert.Equal(t, 2.5, cfg.Pricing.UpsellMultiplier)
		assert.Equal(t, []string{"image*", "video"}, cfg.Worker.Lanes)
	})

	// runtime > env > defaults
	t.Run("ConfigPrecedence", func(t *testing.T) {
		t.Setenv("CLIPFORGE_PORT", "4000")

		cfg, err := Load(ctx, map[string]any{
			"server": map[string]any{"port": 5000},
		})
		require.NoError(t, err)
		assert.Equal(t, 5000, cfg.Server.Port)
	})

	t.Run("CancelledContext", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := Load(cctx)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clipforge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 7070
worker:
  retry_ceiling: 5
  stuck_threshold: 15m
  lanes: ["research", "compile"]
artifacts:
  driver: s3
  s3:
    bucket: clips
    force_path_style: true
`), 0o600))

	SetConfigFile(path)
	defer SetConfigFile("")

	t.Setenv("CLIPFORGE_RETRY_CEILING", "4")

	cfg, err := Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Worker.RetryCeiling, "env beats the file")
	assert.Equal(t, 15*time.Minute, cfg.Worker.StuckThreshold)
	assert.Equal(t, []string{"research", "compile"}, cfg.Worker.Lanes)
	assert.Equal(t, "s3", cfg.Artifacts.Driver)
	assert.Equal(t, "clips", cfg.Artifacts.S3.Bucket)
	assert.True(t, cfg.Artifacts.S3.ForcePathStyle)
	require.NoError(t, cfg.Validate())
}

func TestLoad_MissingPinnedFile(t *testing.T) {
	SetConfigFile(filepath.Join(t.TempDir(), "absent.yaml"))
	defer SetConfigFile("")

	_, err := Load(context.Background())
	assert.Error(t, err)
}

func TestGetConfig(t *testing.T) {
	cfg, err := Load(context.Background())
	require.NoError(t, err)

	retrieved := GetConfig()
	require.NotNil(t, retrieved)
	assert.Equal(t, cfg.Server.Port, retrieved.Server.Port)
	assert.Equal(t, cfg.Logging.Level, retrieved.Logging.Level)
}

func TestEnvSpecs(t *testing.T) {
	_, err := Load(context.Background())
	require.NoError(t, err)

	specs := getEnvSpecs()
	require.NotEmpty(t, specs)

	names := make(map[string]string)
	for _, spec := range specs {
		names[spec.Name] = spec.Path
		assert.Contains(t, spec.Name, "CLIPFORGE_")
		assert.NotEmpty(t, spec.Path, "env var %s should have a path", spec.Name)
	}

	assert.Equal(t, "logging.level", names["CLIPFORGE_LOG_LEVEL"])
	assert.Equal(t, "server.port", names["CLIPFORGE_PORT"])
	assert.Equal(t, "server.host", names["CLIPFORGE_HOST"])
	assert.Equal(t, "store.path", names["CLIPFORGE_DB_PATH"])
	assert.Equal(t, "admin_token", names["CLIPFORGE_ADMIN_TOKEN"])
	assert.Equal(t, specs, EnvSpecs())
}

func TestDurationParsing(t *testing.T) {
	t.Setenv("CLIPFORGE_READ_TIMEOUT", "45s")
	t.Setenv("CLIPFORGE_SHUTDOWN_TIMEOUT", "5m")
	t.Setenv("CLIPFORGE_STUCK_THRESHOLD", "1h")

	cfg, err := Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Server.ShutdownTimeout)
	assert.Equal(t, time.Hour, cfg.Worker.StuckThreshold)
}

func TestConfigReload(t *testing.T) {
	ctx := context.Background()

	cfg1, err := Load(ctx)
	require.NoError(t, err)
	initialPort := cfg1.Server.Port

	cfg2, err := Load(ctx, map[string]any{
		"server": map[string]any{"port": initialPort + 1000},
	})
	require.NoError(t, err)
	assert.Equal(t, initialPort+1000, cfg2.Server.Port)
	assert.Equal(t, cfg2.Server.Port, GetConfig().Server.Port)
}

// resetAppIdentity resets package state for isolated tests.
func resetAppIdentity() {
	configMu.Lock()
	defer configMu.Unlock()
	appIdentity = nil
	appConfig = nil
}

func TestGetUserConfigPathsNilIdentity(t *testing.T) {
	resetAppIdentity()
	defer func() { _, _ = Load(context.Background()) }()

	assert.Empty(t, getUserConfigPaths())
	assert.Empty(t, getEnvSpecs())
	assert.Nil(t, GetConfig())
}

func TestLoad_DataDirDefaults(t *testing.T) {
	dataHome := t.TempDir()
	configHome := t.TempDir()
	t.Setenv("XDG_DATA_HOME", dataHome)
	t.Setenv("XDG_CONFIG_HOME", configHome)

	cfg, err := Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dataHome, "clipforge"), DataDir("clipforge"))
	assert.Equal(t, filepath.Join(dataHome, "clipforge", "clipforge.db"), cfg.Store.Path)
	assert.Equal(t, filepath.Join(dataHome, "clipforge", "artifacts"), cfg.Artifacts.Dir)
	assert.Equal(t, filepath.Join(configHome, "clipforge"), getUserConfigPaths()[0])
}

func TestGetUserConfigPaths(t *testing.T) {
	_, err := Load(context.Background())
	require.NoError(t, err)

	paths := getUserConfigPaths()
	require.NotEmpty(t, paths)
	assert.Equal(t, filepath.Join("/etc", "clipforge"), paths[len(paths)-1])
}

func TestSetIdentity(t *testing.T) {
	SetIdentity(Identity{BinaryName: "cf", EnvPrefix: "CF", ConfigName: "cf"})
	defer SetIdentity(DefaultIdentity)

	t.Setenv("CF_PORT", "6060")
	cfg, err := Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6060, cfg.Server.Port)
}

func TestValidate(t *testing.T) {
	base := func(t *testing.T) *Config {
		cfg, err := Load(context.Background())
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"zero ceiling", func(c *Config) { c.Worker.RetryCeiling = 0 }, "retry_ceiling"},
		{"zero threshold", func(c *Config) { c.Worker.StuckThreshold = 0 }, "stuck_threshold"},
		{"zero multiplier", func(c *Config) { c.Pricing.UpsellMultiplier = 0 }, "upsell_multiplier"},
		{"http without url", func(c *Config) { c.Providers.Driver = "http" }, "providers.base_url"},
		{"unknown provider", func(c *Config) { c.Providers.Driver = "carrier-pigeon" }, "providers.driver"},
		{"file without dir", func(c *Config) { c.Artifacts.Dir = "" }, "artifacts.dir"},
		{"s3 without bucket", func(c *Config) { c.Artifacts.Driver = "s3" }, "artifacts.s3.bucket"},
		{"unknown artifacts", func(c *Config) { c.Artifacts.Driver = "ftp" }, "artifacts.driver"},
		{"no store", func(c *Config) { c.Store.Path = ""; c.Store.URL = "" }, "store.path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("CLIPFORGE_TEST_DOTENV=from-file\nCLIPFORGE_TEST_KEEP=from-file\n"), 0o600))

	t.Setenv("CLIPFORGE_TEST_KEEP", "from-env")
	// t.Setenv registers cleanup; unset afterwards what the loader sets.
	t.Cleanup(func() { _ = os.Unsetenv("CLIPFORGE_TEST_DOTENV") })

	loaded, err := LoadDotEnv(filepath.Join(dir, "missing.env"), path)
	require.NoError(t, err)
	assert.Equal(t, []string{path}, loaded)
	assert.Equal(t, "from-file", os.Getenv("CLIPFORGE_TEST_DOTENV"))
	assert.Equal(t, "from-env", os.Getenv("CLIPFORGE_TEST_KEEP"))
}
