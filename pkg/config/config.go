// Package config holds the immutable per-daemon configuration structs.
// Every tunable is a field, loaded once at startup from YAML and flags;
// nothing here mutates at runtime (the log level is the one exception and
// lives behind an atomic in the log package).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vergedb/verge/pkg/log"
)

// LogConfig is shared by every daemon.
type LogConfig struct {
	Level log.Level `yaml:"level"`
	JSON  bool      `yaml:"json"`
	Dir   string    `yaml:"dir"`
}

// MetadConfig configures the metadata daemon.
type MetadConfig struct {
	NodeID    string    `yaml:"node_id"`
	BindAddr  string    `yaml:"bind_addr"`
	RPCAddr   string    `yaml:"rpc_addr"`
	DataDir   string    `yaml:"data_dir"`
	Bootstrap bool      `yaml:"bootstrap"`
	Log       LogConfig `yaml:"log"`
}

// StoragedConfig configures a storage daemon.
type StoragedConfig struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	MetaAddr          string        `yaml:"meta_addr"`
	DataRoot          string        `yaml:"data_root"`
	ElectionTimeout   time.Duration `yaml:"election_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	WalSync           bool          `yaml:"wal_sync"`
	MetricsAddr       string        `yaml:"metrics_addr"`
	Log               LogConfig     `yaml:"log"`
}

// GraphdConfig configures a graph daemon.
type GraphdConfig struct {
	Host               string        `yaml:"host"`
	Port               int           `yaml:"port"`
	MetaAddr           string        `yaml:"meta_addr"`
	SessionIdle        time.Duration `yaml:"session_idle"`
	MaxThreadsPerQuery int           `yaml:"max_threads_per_query"`
	MetricsAddr        string        `yaml:"metrics_addr"`
	Log                LogConfig     `yaml:"log"`
}

// ConsoleConfig configures the interactive console.
type ConsoleConfig struct {
	Addr        string `yaml:"addr"`
	User        string `yaml:"user"`
	HistoryFile string `yaml:"history_file"`
}

// Load reads a YAML file into cfg. A missing path leaves cfg untouched
// so flag defaults stand.
func Load(path string, cfg interface{}) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// ApplyDefaults fills the zero fields of a storaged config.
func (c *StoragedConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = 44500
	}
	if c.DataRoot == "" {
		c.DataRoot = "data/storage"
	}
	if c.ElectionTimeout == 0 {
		c.ElectionTimeout = 500 * time.Millisecond
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = c.ElectionTimeout / 3
	}
	if c.Log.Level == "" {
		c.Log.Level = log.InfoLevel
	}
}

// ApplyDefaults fills the zero fields of a graphd config.
func (c *GraphdConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = 3699
	}
	if c.SessionIdle == 0 {
		c.SessionIdle = 8 * time.Hour
	}
	if c.MaxThreadsPerQuery == 0 {
		c.MaxThreadsPerQuery = 4
	}
	if c.Log.Level == "" {
		c.Log.Level = log.InfoLevel
	}
}

// ApplyDefaults fills the zero fields of a metad config.
func (c *MetadConfig) ApplyDefaults() {
	if c.NodeID == "" {
		c.NodeID = "metad-1"
	}
	if c.BindAddr == "" {
		c.BindAddr = "127.0.0.1:45500"
	}
	if c.RPCAddr == "" {
		c.RPCAddr = "127.0.0.1:45501"
	}
	if c.DataDir == "" {
		c.DataDir = "data/meta"
	}
	if c.Log.Level == "" {
		c.Log.Level = log.InfoLevel
	}
}
