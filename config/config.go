// Package config loads the persisted state of an xbridge node.
//
// Layout of the configuration directory (default ~/.xbridge):
//
//	config.yaml       settings below; every field is optional
//	identity.key      ed25519 seed of the node identity, mode 0600
//	permissions.yaml  peer permission list
//	sessions/         suspended sessions, one file each
//	share/            files offered by the file share service
package config

import (
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// EnvHome overrides the default configuration directory.
const EnvHome = "XBRIDGE_HOME"

const (
	fileName        = "config.yaml"
	identityName    = "identity.key"
	permissionsName = "permissions.yaml"
)

// Config is the content of config.yaml.
type Config struct {
	// Dir is the configuration directory. It is not persisted.
	Dir string `yaml:"-"`

	Listen    string `yaml:"listen"`
	WebSocket string `yaml:"websocket,omitempty"` // http address for websocket peers
	Advertise string `yaml:"advertise,omitempty"` // address announced in the registry
	Metrics   string `yaml:"metrics,omitempty"`   // http address of /metrics

	Etcd     []string `yaml:"etcd,omitempty"`
	Balancer string   `yaml:"balancer,omitempty"`
	Version  string   `yaml:"version"`

	CallTimeout       time.Duration `yaml:"call_timeout"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	SessionTTL        time.Duration `yaml:"session_ttl"`

	RateLimit float64 `yaml:"rate_limit,omitempty"` // calls per second per channel, 0 is unlimited
	RateBurst int     `yaml:"rate_burst,omitempty"`

	Share    string `yaml:"share,omitempty"` // defaults to <dir>/share
	LogLevel string `yaml:"log_level"`
}

// Default returns the settings used for missing fields.
func Default() *Config {
	return &Config{
		Listen:            ":7070",
		Version:           "1.0.0",
		CallTimeout:       30 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		SessionTTL:        24 * time.Hour,
		LogLevel:          "info",
	}
}

// DefaultDir returns $XBRIDGE_HOME or ~/.xbridge.
func DefaultDir() (string, error) {
	if dir := os.Getenv(EnvHome); dir != "" {
		return homedir.Expand(dir)
	}
	home, err := homedir.Dir()
	if err != nil {
		return "", errors.Wrap(err, "Failed to find home directory")
	}
	return filepath.Join(home, ".xbridge"), nil
}

// Load reads <dir>/config.yaml over the defaults. A missing file yields the
// defaults.
func Load(dir string) (*Config, error) {
	dir, err := homedir.Expand(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to expand %s", dir)
	}
	cfg := Default()
	cfg.Dir = dir

	data, err := os.ReadFile(filepath.Join(dir, fileName))
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "Failed to read config")
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "Failed to parse %s", filepath.Join(dir, fileName))
	}
	cfg.Dir = dir
	return cfg, nil
}

// Save writes config.yaml, creating the directory if needed.
func (c *Config) Save() error {
	if err := os.MkdirAll(c.Dir, 0700); err != nil {
		return errors.Wrap(err, "Failed to create config directory")
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "Failed to encode config")
	}
	return errors.Wrap(os.WriteFile(filepath.Join(c.Dir, fileName), data, 0600), "Failed to write config")
}

func (c *Config) PermissionsPath() string {
	return filepath.Join(c.Dir, permissionsName)
}

func (c *Config) SessionDir() string {
	return filepath.Join(c.Dir, "sessions")
}

// ShareDir is the root of the shared files.
func (c *Config) ShareDir() string {
	if c.Share != "" {
		if dir, err := homedir.Expand(c.Share); err == nil {
			return dir
		}
		return c.Share
	}
	return filepath.Join(c.Dir, "share")
}

// Identity loads the node's private key, generating and storing a new one on
// first use.
func (c *Config) Identity() (ed25519.PrivateKey, error) {
	path := filepath.Join(c.Dir, identityName)
	seed, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(seed) != ed25519.SeedSize {
			return nil, errors.Errorf("%s is not an ed25519 seed", path)
		}
		return ed25519.NewKeyFromSeed(seed), nil
	case !os.IsNotExist(err):
		return nil, errors.Wrap(err, "Failed to read identity")
	}

	if err := os.MkdirAll(c.Dir, 0700); err != nil {
		return nil, errors.Wrap(err, "Failed to create config directory")
	}
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to generate identity")
	}
	if err := os.WriteFile(path, key.Seed(), 0600); err != nil {
		return nil, errors.Wrap(err, "Failed to store identity")
	}
	return key, nil
}

// NewLogger builds a console logger for binaries. level is a zap level name.
func NewLogger(level string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, errors.Wrapf(err, "Invalid log level %q", level)
	}

	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	encoderConfig.EncodeDuration = zapcore.StringDurationEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	config := zap.Config{
		Level:             zap.NewAtomicLevelAt(lvl),
		Encoding:          "console",
		EncoderConfig:     encoderConfig,
		OutputPaths:       []string{"stderr"},
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: true,
	}
	return config.Build()
}
