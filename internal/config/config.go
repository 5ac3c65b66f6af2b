package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Keys shared by flags, environment (MCP_ prefix, dashes become underscores)
// and config files.
const (
	KeyTarget         = "target"
	KeyTimeout        = "timeout"
	KeyInitTimeout    = "init-timeout"
	KeyGracePeriod    = "grace-period"
	KeyClientName     = "client-name"
	KeyClientVersion  = "client-version"
	KeyEnv            = "env"
	KeyDetectionRules = "detection-rules"
	KeyVerbose        = "verbose"
	KeyQuiet          = "quiet"
	KeyJSON           = "json"
)

const EnvPrefix = "MCP"

type Config struct {
	RunID          string
	Target         string
	Timeout        time.Duration
	InitTimeout    time.Duration
	GracePeriod    time.Duration
	ClientName     string
	ClientVersion  string
	Env            []string // KEY=VALUE pairs added to the server's environment
	DetectionRules string   // gitleaks TOML; empty means built-in rules
	Verbosity      int
	Quiet          bool
	JSON           bool
}

// New returns a viper instance wired to the MCP_ environment with defaults
// applied.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault(KeyTimeout, "30s")
	v.SetDefault(KeyInitTimeout, "")
	v.SetDefault(KeyGracePeriod, "2s")
	v.SetDefault(KeyClientName, "mcphack")
	v.SetDefault(KeyClientVersion, "dev")
	return v
}

// BindFlags binds every configuration key that has a flag in fs, so that an
// explicitly set flag overrides environment and config file values.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for _, key := range []string{
		KeyTarget, KeyTimeout, KeyInitTimeout, KeyGracePeriod, KeyClientName,
		KeyClientVersion, KeyEnv, KeyDetectionRules, KeyVerbose, KeyQuiet, KeyJSON,
	} {
		f := fs.Lookup(key)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", key, err)
		}
	}
	return nil
}

// ReadFile merges a YAML, TOML or JSON config file into v.
func ReadFile(v *viper.Viper, path string) error {
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment.
// Variables already set win. A missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// Load resolves the configuration from v.
func Load(v *viper.Viper) (*Config, error) {
	timeout, err := duration(v, KeyTimeout)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("invalid %s: must be positive", KeyTimeout)
	}

	initTimeout, err := duration(v, KeyInitTimeout)
	if err != nil {
		return nil, err
	}
	if initTimeout <= 0 {
		initTimeout = timeout
	}

	grace, err := duration(v, KeyGracePeriod)
	if err != nil {
		return nil, err
	}

	env := v.GetStringSlice(KeyEnv)
	for _, kv := range env {
		if k, _, ok := strings.Cut(kv, "="); !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid %s entry %q: expected KEY=VALUE", KeyEnv, kv)
		}
	}

	return &Config{
		RunID:          uuid.NewString(),
		Target:         strings.TrimSpace(v.GetString(KeyTarget)),
		Timeout:        timeout,
		InitTimeout:    initTimeout,
		GracePeriod:    grace,
		ClientName:     v.GetString(KeyClientName),
		ClientVersion:  v.GetString(KeyClientVersion),
		Env:            env,
		DetectionRules: v.GetString(KeyDetectionRules),
		Verbosity:      v.GetInt(KeyVerbose),
		Quiet:          v.GetBool(KeyQuiet),
		JSON:           v.GetBool(KeyJSON),
	}, nil
}

// duration accepts Go duration strings, and bare numbers as seconds.
func duration(v *viper.Viper, key string) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return 0, nil
	}
	if secs, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}
