package manager

import (
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/labipam/labipam/manager/allocator"
	"github.com/labipam/labipam/manager/allocator/protected"
	"github.com/labipam/labipam/manager/httpapi"
	"github.com/labipam/labipam/manager/state/store"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	DriverBolt   = "bolt"
	DriverMemory = "memory"
)

// Environment variables overriding the configuration file.
const (
	EnvDatabasePath = "DATABASE_PATH"
	EnvNetworkCIDR  = "PUBLIC_NETWORK_CIDR"
	EnvListenAddr   = "LISTEN_ADDR"
)

// Config is used to tune the Manager.
type Config struct {
	// ListenAddr is the address the HTTP API listens on.
	ListenAddr string `yaml:"listen_addr"`
	// Listener is used instead of ListenAddr if it's not nil.
	Listener net.Listener `yaml:"-"`

	// NetworkCIDR is the network lab addresses are carved from.
	NetworkCIDR string `yaml:"network_cidr"`

	Store     StoreConfig     `yaml:"store"`
	Allocator AllocatorConfig `yaml:"allocator"`
	HTTP      HTTPConfig      `yaml:"http"`
}

// StoreConfig selects and tunes the store driver.
type StoreConfig struct {
	Driver      string        `yaml:"driver"`
	Path        string        `yaml:"path"`
	LockTimeout time.Duration `yaml:"lock_timeout"`
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

// AllocatorConfig tunes the allocation engine.
type AllocatorConfig struct {
	ReusePolicy    string        `yaml:"reuse_policy"`
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// HTTPConfig tunes the HTTP API.
type HTTPConfig struct {
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() *Config {
	storeOpts := store.DefaultOptions()
	return &Config{
		ListenAddr:  ":8080",
		NetworkCIDR: "192.168.0.0/16",
		Store: StoreConfig{
			Driver:      DriverBolt,
			Path:        "/data/ipam.db",
			LockTimeout: storeOpts.LockTimeout,
			OpenTimeout: storeOpts.OpenTimeout,
		},
		Allocator: AllocatorConfig{
			ReusePolicy:    string(allocator.ReuseBump),
			MaxAttempts:    5,
			InitialBackoff: 10 * time.Millisecond,
			MaxBackoff:     time.Second,
		},
		HTTP: HTTPConfig{
			Burst: 10,
		},
	}
}

// LoadConfig returns the defaults overlaid with the YAML file at path, if
// path is not empty, and then with the environment.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()
	if path != "" {
		p, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "read config")
		}
		if err := yaml.Unmarshal(p, config); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
	}
	config.ApplyEnv(os.LookupEnv)
	return config, nil
}

// ApplyEnv overrides the configuration with the environment variables
// found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvDatabasePath); ok && v != "" {
		c.Store.Path = v
	}
	if v, ok := lookup(EnvNetworkCIDR); ok && v != "" {
		c.NetworkCIDR = v
	}
	if v, ok := lookup(EnvListenAddr); ok && v != "" {
		c.ListenAddr = v
	}
}

// Validate checks the configuration without touching the store.
func (c *Config) Validate() error {
	network, err := c.Network()
	if err != nil {
		return err
	}
	if _, err := protected.New(network); err != nil {
		return err
	}
	if _, err := c.allocatorConfig(network); err != nil {
		return err
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverBolt:
		if c.Store.Path == "" {
			return errors.New("store path is required for the bolt driver")
		}
	default:
		return errors.Errorf("unknown store driver %q", c.Store.Driver)
	}

	if c.HTTP.RateLimit < 0 {
		return errors.New("rate limit must not be negative")
	}
	return nil
}

// Network returns the parsed network.
func (c *Config) Network() (netip.Prefix, error) {
	network, err := netip.ParsePrefix(c.NetworkCIDR)
	if err != nil {
		return netip.Prefix{}, errors.Wrapf(err, "invalid network %q", c.NetworkCIDR)
	}
	return network, nil
}

func (c *Config) allocatorConfig(network netip.Prefix) (allocator.Config, error) {
	policy := allocator.ReusePolicy(c.Allocator.ReusePolicy)
	switch policy {
	case "", allocator.ReuseBump, allocator.ReuseReclaim:
	default:
		return allocator.Config{}, errors.Errorf("unknown reuse policy %q", c.Allocator.ReusePolicy)
	}
	return allocator.Config{
		Network:        network,
		ReusePolicy:    policy,
		MaxAttempts:    c.Allocator.MaxAttempts,
		InitialBackoff: c.Allocator.InitialBackoff,
		MaxBackoff:     c.Allocator.MaxBackoff,
	}, nil
}

func (c *Config) storeOptions() store.Options {
	return store.Options{
		LockTimeout: c.Store.LockTimeout,
		OpenTimeout: c.Store.OpenTimeout,
	}
}

func (c *Config) httpConfig() httpapi.Config {
	return httpapi.Config{
		RateLimit: c.HTTP.RateLimit,
		Burst:     c.HTTP.Burst,
	}
}
