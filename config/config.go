package config

import (
	"crypto/ecdsa"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"

	"github.com/duskmesh/overlay/antientropy"
	"github.com/duskmesh/overlay/cache"
	"github.com/duskmesh/overlay/common"
	"github.com/duskmesh/overlay/membership"
	"github.com/duskmesh/overlay/plumtree"
	"github.com/duskmesh/overlay/swim"
)

// Default filenames.
const (
	// DefaultKeyfile is the default name of the file containing the local
	// node's private key.
	DefaultKeyfile = "priv_key"

	// DefaultPeerCacheFile is the default name of the persisted peer cache
	// (spec.md §6.5).
	DefaultPeerCacheFile = "peercache.db"
)

// Default configuration values.
const (
	DefaultLogLevel      = "debug"
	DefaultBindAddr      = "127.0.0.1:7946"
	DefaultShutdownGrace = 5 * time.Second
)

// Config contains all the configuration properties of a mesh node: identity
// and transport-facing settings plus one Config per dissemination and
// membership component (spec.md §0).
type Config struct {
	// DataDir is the top-level directory containing node configuration and
	// the persisted peer cache.
	DataDir string `mapstructure:"datadir"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// BindAddr is the local address:port this node accepts transport
	// sessions on. AdvertiseAddr, if set, is what gets announced to peers
	// instead (e.g. behind NAT).
	BindAddr      string `mapstructure:"listen"`
	AdvertiseAddr string `mapstructure:"advertise"`

	// ShutdownGrace bounds how long Shutdown waits for in-flight sends and
	// background ticks to drain before forcing transport close (spec.md
	// §5).
	ShutdownGrace time.Duration `mapstructure:"shutdown-grace"`

	Cache       cache.Config       `mapstructure:"cache"`
	Membership  membership.Config  `mapstructure:"membership"`
	Swim        swim.Config        `mapstructure:"swim"`
	Plumtree    plumtree.Config    `mapstructure:"plumtree"`
	AntiEntropy antientropy.Config `mapstructure:"antientropy"`

	// Key is the local node's identity keypair. A nil Key means one must be
	// generated or loaded from Keyfile() before the node can start.
	Key *ecdsa.PrivateKey

	logger *logrus.Logger
}

// NewDefaultConfig returns a config object with every component's stated
// defaults.
func NewDefaultConfig() *Config {
	return &Config{
		DataDir:       DefaultDataDir(),
		LogLevel:      DefaultLogLevel,
		BindAddr:      DefaultBindAddr,
		ShutdownGrace: DefaultShutdownGrace,
		Cache:         cache.DefaultConfig(),
		Membership:    membership.DefaultConfig(),
		Swim:          swim.DefaultConfig(),
		Plumtree:      plumtree.DefaultConfig(),
		AntiEntropy:   antientropy.DefaultConfig(),
	}
}

// NewTestConfig returns a config object with default values and a logger
// that routes through t.Log.
func NewTestConfig(t testing.TB) *Config {
	config := NewDefaultConfig()
	config.logger = common.NewTestLogger(t)
	return config
}

// SetDataDir sets the node's top-level data directory.
func (c *Config) SetDataDir(dataDir string) {
	c.DataDir = dataDir
}

// Keyfile returns the full path of the file containing the private key.
func (c *Config) Keyfile() string {
	return filepath.Join(c.DataDir, DefaultKeyfile)
}

// PeerCacheFile returns the full path of the persisted peer cache file
// (spec.md §6.5). Reading and writing it is an external storage
// collaborator's job; this only names where it lives.
func (c *Config) PeerCacheFile() string {
	return filepath.Join(c.DataDir, DefaultPeerCacheFile)
}

// Logger returns a formatted logrus Entry, with prefix set to "mesh".
func (c *Config) Logger() *logrus.Entry {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = LogLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)
	}
	return c.logger.WithField("prefix", "mesh")
}

// DefaultDataDir returns the default directory name for top-level node
// config, based on the underlying OS, attempting to respect conventions.
func DefaultDataDir() string {
	home := HomeDir()
	if home != "" {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, ".duskmesh")
		} else if runtime.GOOS == "windows" {
			return filepath.Join(home, "AppData", "Roaming", "duskmesh")
		} else {
			return filepath.Join(home, ".duskmesh")
		}
	}
	// As we cannot guess a stable location, return empty and handle later.
	return ""
}

// HomeDir returns the user's home directory.
func HomeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return ""
}

// LogLevel parses a string into a Logrus log level.
func LogLevel(l string) logrus.Level {
	switch l {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.DebugLevel
	}
}
