package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and
// environment variables. If configFile is empty, standard locations are
// searched for guardpost.yaml/.yml; the search requires an explicit
// YAML extension so the binary itself never matches.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// ReadInConfig will return ConfigFileNotFoundError, which the
		// loader treats as env-vars-only mode.
		viper.SetConfigName("guardpost")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: GUARDPOST_SERVER_PORT, etc.
	viper.SetEnvPrefix("GUARDPOST")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for guardpost.yaml or .yml.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".guardpost"),
		"/etc/guardpost",
	}
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "guardpost"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds the scalar config keys so environment
// overrides work without a config file. Array-valued keys (api_keys,
// routes, policies, redact) need the file.
func bindNestedEnvKeys() {
	for _, key := range []string{
		"server.host",
		"server.port",
		"server.mcp_path",
		"log.level",
		"observability.tracing",
		"auth.header_fallback",
		"auth.api_keys_file",
		"auth.jwt.secret",
		"auth.jwt.jwks_url",
		"auth.jwt.issuer",
		"auth.jwt.audience",
		"auth.jwt.leeway",
		"auth.jwt.identity_claim",
		"auth.jwt.scope_claim",
		"auth.jwt.refresh_interval",
		"auth.oauth.provider",
		"auth.oauth.client_id",
		"auth.oauth.client_secret",
		"auth.oauth.redirect_uri",
		"auth.oauth.introspection_url",
		"auth.oauth.userinfo_url",
		"auth.oauth.auth_url",
		"auth.oauth.token_url",
		"auth.oauth.identity_claim",
		"auth.oauth.timeout",
		"auth.oauth.max_response_bytes",
		"auth.oauth.cache_ttl",
		"auth.cert_header.identity_source",
		"rate_limit.enabled",
		"rate_limit.requests_per_second",
		"rate_limit.burst",
		"audit.enabled",
		"audit.buffer_size",
		"audit.stdout",
		"audit.file.path",
		"audit.file.max_size_mb",
		"audit.file.max_age_days",
		"audit.file.max_backups",
		"audit.file.compress",
		"audit.export.url",
		"audit.export.batch_size",
		"audit.export.batch_interval",
		"audit.store.path",
		"audit.store.ring_size",
		"stdio.identity",
	} {
		_ = viper.BindEnv(key)
	}
}

// Load reads the configuration, applies defaults, merges the external
// API keys file, and validates.
func Load() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// No config file: run on env vars and defaults.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.SetDefaults()

	if cfg.Auth.APIKeysFile != "" {
		keys, err := LoadAPIKeysFile(cfg.Auth.APIKeysFile)
		if err != nil {
			return nil, err
		}
		cfg.Auth.APIKeys = append(cfg.Auth.APIKeys, keys...)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// LoadAPIKeysFile reads an external YAML file holding an api_keys list
// in the same shape as auth.api_keys.
func LoadAPIKeysFile(path string) ([]APIKeyConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading api keys file %s: %w", path, err)
	}

	var out struct {
		APIKeys []APIKeyConfig `mapstructure:"api_keys"`
	}
	if err := v.Unmarshal(&out); err != nil {
		return nil, fmt.Errorf("unmarshaling api keys file %s: %w", path, err)
	}
	return out.APIKeys, nil
}

// FileUsed returns the path of the loaded configuration file, or empty
// in env-vars-only mode.
func FileUsed() string {
	return viper.ConfigFileUsed()
}
