// Package config loads the coordinator's configuration file.
//
// Both YAML (.yaml, .yml) and TOML (.toml) are accepted; the format is
// chosen by file extension. Durations are written as Go duration strings
// such as "500ms" or "5s".
//
// Example (YAML):
//
//	server_id: s1
//	listen_addr: ":8080"
//	log_level: info
//	resync_interval: 5s
//	health_interval: 2s
//	servers:
//	  - {id: s1, addr: "localhost:8081"}
//	  - {id: s2, addr: "localhost:8082"}
//	table:
//	  name: users
//	  shards:
//	    - range: {start: ""}
//	      primary: s1
//	      replicas: [s1, s2]
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/dreamware/tablecoord/internal/cluster"
	"github.com/dreamware/tablecoord/internal/table"
)

// ErrUnsupportedFormat is returned for config files that are neither YAML
// nor TOML.
var ErrUnsupportedFormat = errors.New("unsupported config format")

// Config is the coordinator process configuration.
type Config struct {
	ServerID          table.ServerID
	ListenAddr        string
	LogLevel          string
	ResyncInterval    time.Duration
	HealthInterval    time.Duration
	MaxHealthFailures int
	CORSOrigins       []string
	Servers           []cluster.ServerInfo
	Table             table.TableConfig
}

// fileConfig is the on-disk shape shared by both formats.
type fileConfig struct {
	ServerID          string               `yaml:"server_id" toml:"server_id"`
	ListenAddr        string               `yaml:"listen_addr" toml:"listen_addr"`
	LogLevel          string               `yaml:"log_level" toml:"log_level"`
	ResyncInterval    string               `yaml:"resync_interval" toml:"resync_interval"`
	HealthInterval    string               `yaml:"health_interval" toml:"health_interval"`
	MaxHealthFailures int                  `yaml:"max_health_failures" toml:"max_health_failures"`
	CORSOrigins       []string             `yaml:"cors_origins" toml:"cors_origins"`
	Servers           []cluster.ServerInfo `yaml:"servers" toml:"servers"`
	Table             table.TableConfig    `yaml:"table" toml:"table"`
}

// Default returns the configuration used for every field a file leaves out.
func Default() Config {
	return Config{
		ListenAddr:        ":8080",
		LogLevel:          "info",
		ResyncInterval:    5 * time.Second,
		HealthInterval:    2 * time.Second,
		MaxHealthFailures: 3,
		CORSOrigins:       []string{"*"},
	}
}

// Load reads, defaults and validates the config file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	var raw fileConfig
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &raw)
	case ".toml":
		_, err = toml.Decode(string(data), &raw)
	default:
		return Config{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	if err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg, err := raw.resolve()
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (f fileConfig) resolve() (Config, error) {
	cfg := Default()
	cfg.ServerID = table.ServerID(strings.TrimSpace(f.ServerID))
	if v := strings.TrimSpace(f.ListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := strings.TrimSpace(f.LogLevel); v != "" {
		cfg.LogLevel = v
	}
	if v := strings.TrimSpace(f.ResyncInterval); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse resync_interval: %w", err)
		}
		cfg.ResyncInterval = d
	}
	if v := strings.TrimSpace(f.HealthInterval); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse health_interval: %w", err)
		}
		cfg.HealthInterval = d
	}
	if f.MaxHealthFailures > 0 {
		cfg.MaxHealthFailures = f.MaxHealthFailures
	}
	if f.CORSOrigins != nil {
		cfg.CORSOrigins = f.CORSOrigins
	}
	cfg.Servers = f.Servers
	cfg.Table = f.Table
	cfg.Table.Normalize()
	return cfg, nil
}

// Validate checks that the configuration describes a usable table whose
// servers are all known.
func (c Config) Validate() error {
	if c.ServerID == "" {
		return fmt.Errorf("server_id is required")
	}
	if c.HealthInterval <= 0 {
		return fmt.Errorf("health_interval must be positive")
	}
	if c.ResyncInterval < 0 {
		return fmt.Errorf("resync_interval must not be negative")
	}
	if len(c.Servers) == 0 {
		return fmt.Errorf("servers must contain at least one server")
	}

	seen := make(map[table.ServerID]bool, len(c.Servers))
	for _, s := range c.Servers {
		if s.ID == "" || s.Addr == "" {
			return fmt.Errorf("server %q: id and addr are required", s.ID)
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate server id: %s", s.ID)
		}
		seen[s.ID] = true
	}
	if !seen[c.ServerID] {
		return fmt.Errorf("server_id=%s not found in servers", c.ServerID)
	}

	if err := c.Table.Validate(); err != nil {
		return err
	}
	member := false
	for _, id := range c.Table.Servers() {
		if !seen[id] {
			return fmt.Errorf("table names unknown server %s", id)
		}
		member = member || id == c.ServerID
	}
	// Bootstrap makes server_id the only raft voter; a server the table does
	// not name would be retired from its own log.
	if !member {
		return fmt.Errorf("server_id=%s is not a replica of table %q", c.ServerID, c.Table.Name)
	}
	return nil
}

// Bootstrap returns the initial replicated state for a new table: the
// configured table, this server as the only voting member, and no
// contracts. The coordinator issues the first contracts itself.
func (c Config) Bootstrap() (table.State, table.RaftConfig) {
	raftID := table.RaftMemberID(c.ServerID)
	state := table.NewState()
	state.Config = c.Table.Clone()
	state.Members[c.ServerID] = table.MemberEntry{
		Server: c.ServerID,
		RaftID: raftID,
		Status: table.MemberVoting,
	}
	return state, table.RaftConfig{Voters: []table.RaftMemberID{raftID}}
}

// ServerAddr returns the executor address of server.
func (c Config) ServerAddr(server table.ServerID) (string, bool) {
	for _, s := range c.Servers {
		if s.ID == server {
			return s.Addr, true
		}
	}
	return "", false
}
