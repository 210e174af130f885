// Package config assembles node configuration from defaults, the
// environment, explicit options, and an optional YAML file.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"gopkg.in/yaml.v2"
)

const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 8080
)

// BootstrapServer is one configured introducer: where to dial and which
// pubkey to pin for it.
type BootstrapServer struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	Pubkey string `yaml:"pubkey"`
}

// Addr returns the dialable host:port.
func (b BootstrapServer) Addr() string {
	return net.JoinHostPort(b.Host, strconv.Itoa(b.Port))
}

// Config is the resolved node configuration.
type Config struct {
	Host             string
	Port             int
	PrivateKeyFile   string
	SkipBootstrap    bool
	BootstrapServers []BootstrapServer
}

// Opts are explicit overrides, typically from CLI flags. Empty fields
// fall back to the environment (HOST, PORT, CONFIG_FILE,
// PRIVATE_KEY_FILE) and then to defaults.
type Opts struct {
	Host           string
	Port           int
	ConfigFile     string
	PrivateKeyFile string
}

// fileConfig is the YAML file shape.
type fileConfig struct {
	SkipBootstrap    bool              `yaml:"skip_bootstrap"`
	BootstrapServers []BootstrapServer `yaml:"bootstrap_servers"`
}

// New resolves the configuration. Precedence per field: explicit option,
// then environment variable, then default. The YAML file contributes the
// bootstrap section only.
func New(opts Opts) (*Config, error) {
	cfg := &Config{
		Host: DefaultHost,
		Port: DefaultPort,
	}

	if env := os.Getenv("HOST"); env != "" {
		cfg.Host = env
	}
	if env := os.Getenv("PORT"); env != "" {
		p, err := strconv.Atoi(env)
		if err != nil {
			return nil, fmt.Errorf("config: PORT %q: %w", env, err)
		}
		cfg.Port = p
	}
	if opts.Host != "" {
		cfg.Host = opts.Host
	}
	if opts.Port != 0 {
		cfg.Port = opts.Port
	}

	cfg.PrivateKeyFile = os.Getenv("PRIVATE_KEY_FILE")
	if opts.PrivateKeyFile != "" {
		cfg.PrivateKeyFile = opts.PrivateKeyFile
	}

	path := os.Getenv("CONFIG_FILE")
	if opts.ConfigFile != "" {
		path = opts.ConfigFile
	}
	if path != "" {
		fc, err := loadFile(path)
		if err != nil {
			return nil, err
		}
		cfg.SkipBootstrap = fc.SkipBootstrap
		cfg.BootstrapServers = fc.BootstrapServers
	} else {
		// No file means nothing to bootstrap against.
		cfg.SkipBootstrap = true
	}

	for i, b := range cfg.BootstrapServers {
		if b.Host == "" || b.Port == 0 || b.Pubkey == "" {
			return nil, fmt.Errorf("config: bootstrap_servers[%d]: host, port and pubkey are required", i)
		}
	}

	return cfg, nil
}

// loadFile parses the YAML config file.
func loadFile(path string) (*fileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &fc, nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
