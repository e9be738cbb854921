package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Identity names the application for config discovery and env binding.
type Identity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

// DefaultIdentity is the identity used when none has been set.
var DefaultIdentity = Identity{
	BinaryName: "jobnimbus",
	EnvPrefix:  "JOBNIMBUS",
	ConfigName: "jobnimbus",
}

var (
	configMu    sync.RWMutex
	appIdentity *Identity
	appConfig   *Config
	configFile  string
)

// AppIdentity returns the active identity, DefaultIdentity until set.
func AppIdentity() Identity {
	configMu.RLock()
	defer configMu.RUnlock()
	if appIdentity == nil {
		return DefaultIdentity
	}
	return *appIdentity
}

// SetConfigFile pins the config file used by Load. Empty restores discovery.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = path
}

// GetConfig returns the most recently loaded config, nil before Load.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// Load builds the configuration. Precedence, highest first: overrides,
// environment, config file, defaults.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	_ = ctx

	configMu.Lock()
	if appIdentity == nil {
		id := DefaultIdentity
		appIdentity = &id
	}
	identity := *appIdentity
	explicit := configFile
	configMu.Unlock()

	v := viper.New()
	SetDefaults(v)

	if err := readConfigFile(v, identity, explicit); err != nil {
		return nil, err
	}

	v.SetEnvPrefix(identity.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, value := range flatten("", o) {
			v.Set(key, value)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := finalize(&cfg, identity); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

// finalize normalizes values and fills path defaults that depend on the
// platform data directory.
func finalize(cfg *Config, identity Identity) error {
	cfg.Logging.Profile = strings.ToUpper(strings.TrimSpace(cfg.Logging.Profile))
	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	cfg.Launcher.Kind = strings.ToLower(strings.TrimSpace(cfg.Launcher.Kind))

	dataDir := ""
	if cfg.Store.Path == "" || cfg.Sandbox.Root == "" {
		dataDir = gfconfig.GetAppDataDir(identity.ConfigName)
	}
	if cfg.Store.Path == "" && cfg.Store.URL == "" && cfg.Store.Driver != StoreDriverMemory && cfg.Store.Driver != "mysql" {
		cfg.Store.Path = filepath.Join(dataDir, "jobs", identity.ConfigName+".db")
	}
	if cfg.Sandbox.Root == "" {
		cfg.Sandbox.Root = filepath.Join(dataDir, "sandboxes")
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", cfg.Server.Port)
	}
	if cfg.Metrics.Enabled && (cfg.Metrics.Port <= 0 || cfg.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port %d out of range", cfg.Metrics.Port)
	}
	if cfg.Staging.Concurrency < 0 {
		return fmt.Errorf("staging.concurrency must not be negative")
	}
	return nil
}

// readConfigFile reads explicit, or the first <ConfigName>.yaml found in the
// working directory, the project root and the user config directories.
// A missing discovered file is not an error.
func readConfigFile(v *viper.Viper, identity Identity, explicit string) error {
	if explicit != "" {
		v.SetConfigFile(explicit)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", explicit, err)
		}
		return nil
	}

	v.SetConfigName(identity.ConfigName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if root, err := findProjectRoot(); err == nil && root != "" {
		v.AddConfigPath(root)
	}
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

// getUserConfigPaths lists per-user config directories for the identity.
func getUserConfigPaths() []string {
	configMu.RLock()
	identity := appIdentity
	configMu.RUnlock()
	if identity == nil {
		return []string{}
	}

	var paths []string
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, identity.ConfigName))
	}
	if home, err := os.UserHomeDir(); err == nil {
		dotted := filepath.Join(home, ".config", identity.ConfigName)
		if len(paths) == 0 || paths[0] != dotted {
			paths = append(paths, dotted)
		}
	}
	return paths
}

// envSpec binds one environment variable to a config path.
type envSpec struct {
	Name string
	Path string
}

// envAliases are the short variable names. Every other key is also reachable
// as <PREFIX>_<PATH> with dots replaced by underscores.
var envAliases = []struct {
	suffix string
	path   string
}{
	{"HOST", "server.host"},
	{"PORT", "server.port"},
	{"READ_TIMEOUT", "server.read_timeout"},
	{"WRITE_TIMEOUT", "server.write_timeout"},
	{"IDLE_TIMEOUT", "server.idle_timeout"},
	{"SHUTDOWN_TIMEOUT", "server.shutdown_timeout"},
	{"LOG_LEVEL", "logging.level"},
	{"LOG_PROFILE", "logging.profile"},
	{"METRICS_ENABLED", "metrics.enabled"},
	{"METRICS_PORT", "metrics.port"},
	{"HEALTH_ENABLED", "health.enabled"},
	{"DEBUG", "debug.enabled"},
	{"PPROF_ENABLED", "debug.pprof_enabled"},
	{"STORE_DRIVER", "store.driver"},
	{"STORE_PATH", "store.path"},
	{"STORE_URL", "store.url"},
	{"STORE_AUTH_TOKEN", "store.auth_token"},
	{"STORE_DSN", "store.dsn"},
	{"SANDBOX_ROOT", "sandbox.root"},
	{"TRANSFER_TIMEOUT", "transfer.timeout"},
	{"TRANSFER_RATE_LIMIT", "transfer.rate_limit"},
	{"TRANSFER_RETRIES", "transfer.retries"},
	{"LOCAL_ALLOW", "transfer.local.allow"},
	{"MOUNT_ROOT", "transfer.mount.root"},
	{"MOUNT_SCHEMES", "transfer.mount.schemes"},
	{"S3_REGION", "transfer.s3.region"},
	{"S3_ENDPOINT", "transfer.s3.endpoint"},
	{"S3_PROFILE", "transfer.s3.profile"},
	{"S3_FORCE_PATH_STYLE", "transfer.s3.force_path_style"},
	{"STAGING_CONCURRENCY", "staging.concurrency"},
	{"MAX_LIST_LIMIT", "jobs.max_list_limit"},
	{"CLUSTERS_FILE", "jobs.clusters_file"},
	{"LAUNCHER", "launcher.kind"},
	{"KILL_GRACE", "launcher.kill_grace"},
}

// getEnvSpecs returns the alias bindings for the active identity.
func getEnvSpecs() []envSpec {
	configMu.RLock()
	identity := appIdentity
	configMu.RUnlock()
	if identity == nil {
		return []envSpec{}
	}

	specs := make([]envSpec, 0, len(envAliases))
	for _, a := range envAliases {
		specs = append(specs, envSpec{Name: identity.EnvPrefix + "_" + a.suffix, Path: a.path})
	}
	return specs
}

// ciBoundaryVars name workspace roots exported by common CI systems.
var ciBoundaryVars = []string{"FULMEN_WORKSPACE_ROOT", "GITHUB_WORKSPACE", "CI_PROJECT_DIR", "WORKSPACE"}

// findProjectRoot walks up from the working directory to the nearest go.mod
// or .git. Under CI, a workspace variable that contains the working directory
// bounds the walk. Without a marker the working directory is returned.
func findProjectRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}
	cwd, err = filepath.Abs(cwd)
	if err != nil {
		return "", err
	}

	boundary := ciBoundary(cwd)
	dir := cwd
	for {
		if hasMarker(dir) {
			return dir, nil
		}
		if boundary != "" && dir == boundary {
			return boundary, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return cwd, nil
		}
		dir = parent
	}
}

func inCI() bool {
	for _, name := range []string{"CI", "GITHUB_ACTIONS"} {
		if strings.EqualFold(os.Getenv(name), "true") {
			return true
		}
	}
	return false
}

// ciBoundary returns the first CI workspace root that is absolute, exists
// and contains cwd.
func ciBoundary(cwd string) string {
	if !inCI() {
		return ""
	}
	for _, name := range ciBoundaryVars {
		root := strings.TrimSpace(os.Getenv(name))
		if root == "" || !filepath.IsAbs(root) {
			continue
		}
		info, err := os.Stat(root)
		if err != nil || !info.IsDir() {
			continue
		}
		root = filepath.Clean(root)
		rel, err := filepath.Rel(root, cwd)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		return root
	}
	return ""
}

func hasMarker(dir string) bool {
	for _, marker := range []string{"go.mod", ".git"} {
		if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
			return true
		}
	}
	return false
}

// flatten turns nested override maps into dotted viper keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}
