// Package config loads afmpkgd's daemon configuration, layering flags over
// environment variables over a TOML file over built-in defaults, the way
// the teacher's config.Loader layers flags/env/file/defaults for its own
// settings tree.
package config

import (
	"fmt"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

// Config is afmpkgd's full runtime configuration (spec §4.10, §4.9, §4.6).
type Config struct {
	Socket   SocketConfig   `mapstructure:"socket" toml:"socket"`
	Security SecurityConfig `mapstructure:"security" toml:"security"`
	Ledger   LedgerConfig   `mapstructure:"ledger" toml:"ledger"`
	Logging  LoggingConfig  `mapstructure:"logging" toml:"logging"`
}

// SocketConfig controls the Unix socket the Server Loop binds (spec §4.10).
type SocketConfig struct {
	// Address is a filesystem path, or "@name" for the Linux abstract
	// namespace. Default: "@afmpkg-daemon.socket".
	Address string `mapstructure:"address" toml:"address"`
	Backlog int     `mapstructure:"backlog" toml:"backlog"`
	// PollSeconds is the accept-loop idle-shutdown poll granularity.
	PollSeconds int `mapstructure:"poll_seconds" toml:"poll_seconds"`
	// Forever disables idle shutdown entirely.
	Forever bool `mapstructure:"forever" toml:"forever"`
	// MaxWorkers bounds concurrently served connections.
	MaxWorkers int `mapstructure:"max_workers" toml:"max_workers"`
}

// SecurityConfig controls signature verification and peer authorization.
type SecurityConfig struct {
	// Strict rejects any connecting peer whose effective uid is not 0.
	Strict bool `mapstructure:"strict" toml:"strict"`
	// TrustDir holds PEM-encoded trust-anchor certificates loaded at
	// startup; empty disables signature enforcement.
	TrustDir string `mapstructure:"trust_dir" toml:"trust_dir"`
	// DigestAlgo names the digest the signed file-list manifest uses.
	DigestAlgo string `mapstructure:"digest_algo" toml:"digest_algo"`
}

// LedgerConfig controls the Transaction Ledger's TTL eviction.
type LedgerConfig struct {
	TTLSeconds int64 `mapstructure:"ttl_seconds" toml:"ttl_seconds"`
}

// LoggingConfig controls structured-log output.
type LoggingConfig struct {
	Level  string `mapstructure:"level" toml:"level"`
	Format string `mapstructure:"format" toml:"format"` // text, json
}

// Default returns afmpkgd's built-in configuration.
func Default() *Config {
	return &Config{
		Socket: SocketConfig{
			Address:     "@afmpkg-daemon.socket",
			Backlog:     10,
			PollSeconds: 300,
			MaxWorkers:  16,
		},
		Security: SecurityConfig{
			Strict:     true,
			DigestAlgo: "sha256",
		},
		Ledger: LedgerConfig{
			TTLSeconds: 3600,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate rejects a configuration the daemon cannot safely start with.
func (c *Config) Validate() error {
	if c.Socket.Address == "" {
		return fmt.Errorf("config: socket.address must not be empty")
	}
	if c.Socket.Backlog <= 0 {
		return fmt.Errorf("config: socket.backlog must be positive")
	}
	if c.Socket.MaxWorkers <= 0 {
		return fmt.Errorf("config: socket.max_workers must be positive")
	}
	if c.Ledger.TTLSeconds <= 0 {
		return fmt.Errorf("config: ledger.ttl_seconds must be positive")
	}
	switch c.Security.DigestAlgo {
	case "sha256", "sha384", "sha512":
	default:
		return fmt.Errorf("config: security.digest_algo %q is not supported", c.Security.DigestAlgo)
	}
	return nil
}

// Loader assembles a Config from a TOML file, environment variables and
// command-line flags, in that ascending precedence order.
type Loader struct {
	envPrefix  string
	configPath string
}

// NewLoader returns a Loader that reads configPath (if it exists) and
// environment variables prefixed envPrefix (upper-cased, "_"-joined).
func NewLoader(envPrefix, configPath string) *Loader {
	return &Loader{envPrefix: envPrefix, configPath: configPath}
}

// Load reads the file (if present), overlays environment variables, then
// overlays flags, and validates the result.
func (l *Loader) Load(flags map[string]any) (*Config, error) {
	cfg := Default()

	if l.configPath != "" {
		v := viper.New()
		v.SetConfigFile(l.configPath)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err == nil {
			if err := v.Unmarshal(cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", l.configPath, err)
			}
		} else if !isNotFound(err) {
			return nil, fmt.Errorf("config: read %s: %w", l.configPath, err)
		}
	}

	l.applyEnv(cfg)
	applyFlags(cfg, flags)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func isNotFound(err error) bool {
	_, ok := err.(viper.ConfigFileNotFoundError)
	return ok
}

func (l *Loader) applyEnv(cfg *Config) {
	v := viper.New()
	v.SetEnvPrefix(strings.ToUpper(l.envPrefix))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	keys := []string{
		"socket.address", "socket.backlog", "socket.poll_seconds", "socket.forever", "socket.max_workers",
		"security.strict", "security.trust_dir", "security.digest_algo",
		"ledger.ttl_seconds",
		"logging.level", "logging.format",
	}
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	if v.IsSet("socket.address") {
		cfg.Socket.Address = v.GetString("socket.address")
	}
	if v.IsSet("socket.backlog") {
		cfg.Socket.Backlog = v.GetInt("socket.backlog")
	}
	if v.IsSet("socket.poll_seconds") {
		cfg.Socket.PollSeconds = v.GetInt("socket.poll_seconds")
	}
	if v.IsSet("socket.forever") {
		cfg.Socket.Forever = v.GetBool("socket.forever")
	}
	if v.IsSet("socket.max_workers") {
		cfg.Socket.MaxWorkers = v.GetInt("socket.max_workers")
	}
	if v.IsSet("security.strict") {
		cfg.Security.Strict = v.GetBool("security.strict")
	}
	if v.IsSet("security.trust_dir") {
		cfg.Security.TrustDir = v.GetString("security.trust_dir")
	}
	if v.IsSet("security.digest_algo") {
		cfg.Security.DigestAlgo = v.GetString("security.digest_algo")
	}
	if v.IsSet("ledger.ttl_seconds") {
		cfg.Ledger.TTLSeconds = v.GetInt64("ledger.ttl_seconds")
	}
	if v.IsSet("logging.level") {
		cfg.Logging.Level = v.GetString("logging.level")
	}
	if v.IsSet("logging.format") {
		cfg.Logging.Format = v.GetString("logging.format")
	}
}

// applyFlags overrides cfg with the entries a cobra command parsed.
// Recognised keys: "socket", "strict", "trust-dir", "forever", "max-workers".
// Empty strings, a false "forever" and a "max-workers" of zero or less leave
// cfg unchanged; "strict" applies whenever present.
func applyFlags(cfg *Config, flags map[string]any) {
	if v, ok := flags["socket"].(string); ok && v != "" {
		cfg.Socket.Address = v
	}
	if v, ok := flags["strict"].(bool); ok {
		cfg.Security.Strict = v
	}
	if v, ok := flags["trust-dir"].(string); ok && v != "" {
		cfg.Security.TrustDir = v
	}
	if v, ok := flags["forever"].(bool); ok && v {
		cfg.Socket.Forever = v
	}
	if v, ok := flags["max-workers"].(int); ok && v > 0 {
		cfg.Socket.MaxWorkers = v
	}
}

// Marshal renders cfg as TOML, the format of /etc/afmpkgd/config.toml.
func Marshal(cfg *Config) ([]byte, error) {
	return toml.Marshal(cfg)
}
