package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Identity names the application for config discovery.
type Identity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

// DefaultIdentity is used when Load runs without SetIdentity.
var DefaultIdentity = Identity{
	BinaryName: "clipforge",
	EnvPrefix:  "CLIPFORGE",
	ConfigName: "clipforge",
}

// EnvSpec maps one environment variable onto a config path.
type EnvSpec struct {
	Name string
	Path string
}

var (
	configMu    sync.RWMutex
	appIdentity *Identity
	appConfig   *Config
	configFile  string
)

// SetIdentity overrides the application identity for subsequent loads.
func SetIdentity(id Identity) {
	configMu.Lock()
	defer configMu.Unlock()
	appIdentity = &id
}

// SetConfigFile pins the config file instead of searching for one.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = path
}

// GetConfig returns the most recently loaded config, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// Load builds the config from all layers. Each map in overrides is applied
// on top of the environment, later maps winning.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	configMu.Lock()
	if appIdentity == nil {
		id := DefaultIdentity
		appIdentity = &id
	}
	file := configFile
	name := appIdentity.ConfigName
	configMu.Unlock()

	v := viper.New()
	setDefaults(v, DataDir(name))

	if err := readConfigFile(v, file); err != nil {
		return nil, err
	}

	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.TextUnmarshallerHookFunc(),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Worker.Lanes = compact(cfg.Worker.Lanes)

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

func readConfigFile(v *viper.Viper, file string) error {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", file, err)
		}
		return nil
	}

	configMu.RLock()
	name := appIdentity.ConfigName
	configMu.RUnlock()

	v.SetConfigName(name)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	for _, p := range getUserConfigPaths() {
		v.AddConfigPath(p)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// DataDir returns the XDG data directory for the named application. The
// default database and artifact directory live under it.
func DataDir(name string) string {
	return gfconfig.GetAppDataDir(name)
}

func setDefaults(v *viper.Viper, dataDir string) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "STRUCTURED")

	v.SetDefault("health.enabled", true)
	v.SetDefault("health.check_timeout", 2*time.Second)

	v.SetDefault("store.path", filepath.Join(dataDir, "clipforge.db"))
	v.SetDefault("store.url", "")
	v.SetDefault("store.auth_token", "")

	v.SetDefault("worker.retry_ceiling", 3)
	v.SetDefault("worker.stuck_threshold", 20*time.Minute)
	v.SetDefault("worker.sweep_every", 10)
	v.SetDefault("worker.max_ticks", 50)
	v.SetDefault("worker.tick_budget", 55*time.Second)
	v.SetDefault("worker.tick_rate", 0.0)
	v.SetDefault("worker.interval", 30*time.Second)
	v.SetDefault("worker.lanes", []string{})

	v.SetDefault("pricing.upsell_multiplier", 3.0)
	v.SetDefault("pricing.trust_client_charge", false)

	v.SetDefault("providers.driver", "simulated")
	v.SetDefault("providers.base_url", "")
	v.SetDefault("providers.api_key", "")
	v.SetDefault("providers.timeout", 60*time.Second)
	v.SetDefault("providers.rate_limit", 0.0)
	v.SetDefault("providers.research_enabled", true)
	v.SetDefault("providers.render_poll_interval", 5*time.Second)
	v.SetDefault("providers.render_max_wait", 5*time.Minute)
	v.SetDefault("providers.render_delay_after", 90*time.Second)
	v.SetDefault("providers.simulated_render_polls", 2)

	v.SetDefault("artifacts.driver", "file")
	v.SetDefault("artifacts.dir", filepath.Join(dataDir, "artifacts"))
	v.SetDefault("artifacts.base_url", "")
	v.SetDefault("artifacts.s3.bucket", "")
	v.SetDefault("artifacts.s3.prefix", "")
	v.SetDefault("artifacts.s3.region", "")
	v.SetDefault("artifacts.s3.endpoint", "")
	v.SetDefault("artifacts.s3.profile", "")
	v.SetDefault("artifacts.s3.access_key_id", "")
	v.SetDefault("artifacts.s3.secret_access_key", "")
	v.SetDefault("artifacts.s3.force_path_style", false)
	v.SetDefault("artifacts.s3.public_base_url", "")

	v.SetDefault("events.buffer", 1000)

	v.SetDefault("admin_token", "")
}

// envPaths lists the config paths exposed as environment variables, keyed by
// the variable suffix.
var envPaths = map[string]string{
	"HOST":             "server.host",
	"PORT":             "server.port",
	"READ_TIMEOUT":     "server.read_timeout",
	"WRITE_TIMEOUT":    "server.write_timeout",
	"IDLE_TIMEOUT":     "server.idle_timeout",
	"SHUTDOWN_TIMEOUT": "server.shutdown_timeout",

	"LOG_LEVEL":   "logging.level",
	"LOG_PROFILE": "logging.profile",

	"HEALTH_ENABLED": "health.enabled",

	"DB_PATH":       "store.path",
	"DB_URL":        "store.url",
	"DB_AUTH_TOKEN": "store.auth_token",

	"RETRY_CEILING":   "worker.retry_ceiling",
	"STUCK_THRESHOLD": "worker.stuck_threshold",
	"SWEEP_EVERY":     "worker.sweep_every",
	"MAX_TICKS":       "worker.max_ticks",
	"TICK_BUDGET":     "worker.tick_budget",
	"TICK_RATE":       "worker.tick_rate",
	"WORKER_INTERVAL": "worker.interval",
	"WORKER_LANES":    "worker.lanes",

	"UPSELL_MULTIPLIER":   "pricing.upsell_multiplier",
	"TRUST_CLIENT_CHARGE": "pricing.trust_client_charge",

	"PROVIDER_DRIVER":      "providers.driver",
	"PROVIDER_BASE_URL":    "providers.base_url",
	"PROVIDER_API_KEY":     "providers.api_key",
	"PROVIDER_TIMEOUT":     "providers.timeout",
	"PROVIDER_RATE_LIMIT":  "providers.rate_limit",
	"RESEARCH_ENABLED":     "providers.research_enabled",
	"RENDER_POLL_INTERVAL": "providers.render_poll_interval",
	"RENDER_MAX_WAIT":      "providers.render_max_wait",
	"RENDER_DELAY_AFTER":   "providers.render_delay_after",

	"ARTIFACTS_DRIVER":   "artifacts.driver",
	"ARTIFACTS_DIR":      "artifacts.dir",
	"ARTIFACTS_BASE_URL": "artifacts.base_url",
	"S3_BUCKET":          "artifacts.s3.bucket",
	"S3_PREFIX":          "artifacts.s3.prefix",
	"S3_REGION":          "artifacts.s3.region",
	"S3_ENDPOINT":        "artifacts.s3.endpoint",
	"S3_PROFILE":         "artifacts.s3.profile",
	"S3_FORCE_PATH":      "artifacts.s3.force_path_style",
	"S3_PUBLIC_BASE_URL": "artifacts.s3.public_base_url",

	"EVENTS_BUFFER": "events.buffer",

	"ADMIN_TOKEN": "admin_token",
}

// getEnvSpecs returns the environment mappings for the current identity,
// sorted by variable name.
func getEnvSpecs() []EnvSpec {
	configMu.RLock()
	id := appIdentity
	configMu.RUnlock()
	if id == nil {
		return []EnvSpec{}
	}

	specs := make([]EnvSpec, 0, len(envPaths))
	for suffix, path := range envPaths {
		specs = append(specs, EnvSpec{Name: id.EnvPrefix + "_" + suffix, Path: path})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// EnvSpecs exposes the environment mappings for `clipforge doctor`.
func EnvSpecs() []EnvSpec {
	return getEnvSpecs()
}

// getUserConfigPaths returns the directories searched for the config file
// after the working directory.
func getUserConfigPaths() []string {
	configMu.RLock()
	id := appIdentity
	configMu.RUnlock()
	if id == nil {
		return []string{}
	}

	paths := []string{gfconfig.GetAppConfigDir(id.ConfigName)}
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, id.ConfigName))
	}
	paths = append(paths, filepath.Join("/etc", id.ConfigName))
	return dedupe(paths)
}

// LoadDotEnv loads KEY=VALUE files into the process environment. Missing
// files are skipped; variables already set keep their values.
func LoadDotEnv(paths ...string) ([]string, error) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	var loaded []string
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return loaded, fmt.Errorf("stat %s: %w", p, err)
		}
		if err := godotenv.Load(p); err != nil {
			return loaded, fmt.Errorf("load %s: %w", p, err)
		}
		loaded = append(loaded, p)
	}
	return loaded, nil
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range m {
		key := strings.ToLower(k)
		if prefix != "" {
			key = prefix + "." + key
		}
		if nested, ok := v.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = v
	}
	return out
}

func compact(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
