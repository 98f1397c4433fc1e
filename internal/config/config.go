package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

type Config struct {
	Server   ServerConfig             `toml:"server"`
	Logging  LoggingConfig            `toml:"logging"`
	Host     HostConfig               `toml:"host"`
	Flags    FlagsConfig              `toml:"flags"`
	Database DatabaseConfig           `toml:"database"`
	Redis    RedisConfig              `toml:"redis"`
	Deletion DeletionConfig           `toml:"deletion"`
	Worlds   map[string]WorldConfig   `toml:"worlds" validate:"dive"`
	Adapters map[string]AdapterConfig `toml:"adapters" validate:"dive"`
	Control  ControlConfig            `toml:"control"`

	// ResetMarkers gate each world's first deletion pass. Loaded from the
	// sidecar named by Deletion.ResetMarkersFile, never from the main file.
	ResetMarkers map[string]time.Time `toml:"-"`

	path string
}

type ServerConfig struct {
	Name      string `toml:"name"`
	StartTime int64  // set at boot, not from config
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format" validate:"oneof=json console"`
}

// HostConfig paces the synchronous host loop that records visits.
type HostConfig struct {
	TickRate           time.Duration `toml:"tick_rate" validate:"gt=0"`
	InputPoll          time.Duration `toml:"input_poll" validate:"gte=0"` // input-only passes between ticks, 0 disables
	IngestQueueSize    int           `toml:"ingest_queue_size" validate:"gt=0"`
	MaxEventsPerTick   int           `toml:"max_events_per_tick" validate:"gt=0"`
	ActivationInterval time.Duration `toml:"activation_interval" validate:"gt=0"`
}

type FlagsConfig struct {
	Backend         string        `toml:"backend" validate:"oneof=badger postgres redis memory"`
	BadgerDir       string        `toml:"badger_dir"`
	FlushInterval   time.Duration `toml:"flush_interval" validate:"gt=0"`
	IdleEvict       time.Duration `toml:"idle_evict"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout" validate:"gt=0"`
}

type DatabaseConfig struct {
	DSN             string        `toml:"dsn"`
	MaxOpenConns    int           `toml:"max_open_conns"`
	MaxIdleConns    int           `toml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `toml:"conn_max_lifetime"`
}

type RedisConfig struct {
	Addr      string `toml:"addr"`
	Password  string `toml:"password"`
	DB        int    `toml:"db"`
	KeyPrefix string `toml:"key_prefix"`
}

type DeletionConfig struct {
	Worlds             []string      `toml:"worlds"`
	FlagDuration       time.Duration `toml:"flag_duration"`      // a visit keeps a chunk alive this long
	FlaggingInterval   time.Duration `toml:"flagging_interval"`  // queued visits are committed at this rate
	Cooldown           time.Duration `toml:"cooldown"`           // wait between complete passes of a world
	RegionsPerBatch    int           `toml:"regions_per_batch" validate:"gt=0"`
	BatchInterval      time.Duration `toml:"batch_interval" validate:"gt=0"`
	DeleteNewUnvisited bool          `toml:"delete_new_unvisited"`
	DebugLevel         DebugLevel    `toml:"debug_level"`
	FlagRadius         int32         `toml:"flag_radius" validate:"gte=0,lte=32"`
	ResetMarkersFile   string        `toml:"reset_markers_file"`
}

type WorldConfig struct {
	Dir string `toml:"dir" validate:"required"`
}

// AdapterConfig holds one protection adapter's settings. Adapters are enabled
// unless explicitly disabled.
type AdapterConfig struct {
	Enabled *bool                 `toml:"enabled"`
	File    string                `toml:"file"`
	Radius  int32                 `toml:"radius" validate:"gte=0"`
	Spawns  map[string]SpawnPoint `toml:"spawns"`
}

// SpawnPoint is a chunk coordinate.
type SpawnPoint struct {
	X int32 `toml:"x"`
	Z int32 `toml:"z"`
}

func (a AdapterConfig) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

type ControlConfig struct {
	BindAddress string `toml:"bind_address" validate:"required"`
}

// Load reads the TOML file at path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := defaults()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.path = path
	cfg.Server.StartTime = time.Now().Unix()
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	markers, err := LoadResetMarkers(cfg.ResetMarkersPath())
	if err != nil {
		return nil, err
	}
	cfg.ResetMarkers = markers
	return cfg, nil
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string { return c.path }

// ResetMarkersPath resolves the sidecar relative to the config file.
func (c *Config) ResetMarkersPath() string {
	p := c.Deletion.ResetMarkersFile
	if filepath.IsAbs(p) || c.path == "" {
		return p
	}
	return filepath.Join(filepath.Dir(c.path), p)
}

// TrackingVisits reports whether visits are recorded at all.
func (c *Config) TrackingVisits() bool {
	return c.Deletion.FlagDuration > 0
}

func (c *Config) normalize() {
	// Without visit tracking nothing would ever mark a chunk as visited, so
	// generated chunks have to be deletable or nothing ever would be.
	if c.Deletion.FlagDuration <= 0 {
		c.Deletion.DeleteNewUnvisited = true
	}
	seen := make(map[string]bool, len(c.Deletion.Worlds))
	worlds := c.Deletion.Worlds[:0]
	for _, w := range c.Deletion.Worlds {
		w = strings.TrimSpace(w)
		if w == "" || seen[w] {
			continue
		}
		seen[w] = true
		worlds = append(worlds, w)
	}
	c.Deletion.Worlds = worlds
	if c.Worlds == nil {
		c.Worlds = map[string]WorldConfig{}
	}
	if c.Adapters == nil {
		c.Adapters = map[string]AdapterConfig{}
	}
}

// Validate checks struct constraints and cross-section references.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return err
	}
	for _, w := range c.Deletion.Worlds {
		if _, ok := c.Worlds[w]; !ok {
			return fmt.Errorf("deletion world %q has no [worlds.%s] section", w, w)
		}
	}
	if c.Flags.Backend == "badger" && c.Flags.BadgerDir == "" {
		return fmt.Errorf("flags.badger_dir is required for the badger backend")
	}
	if c.Flags.Backend == "postgres" && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required for the postgres backend")
	}
	if c.Flags.Backend == "redis" && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required for the redis backend")
	}
	return nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Name: "regiongc",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Host: HostConfig{
			TickRate:           50 * time.Millisecond,
			InputPoll:          5 * time.Millisecond,
			IngestQueueSize:    4096,
			MaxEventsPerTick:   512,
			ActivationInterval: time.Minute,
		},
		Flags: FlagsConfig{
			Backend:         "badger",
			BadgerDir:       "data/flags",
			FlushInterval:   5 * time.Second,
			IdleEvict:       10 * time.Minute,
			ShutdownTimeout: time.Minute,
		},
		Database: DatabaseConfig{
			DSN:             "",
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Redis: RedisConfig{
			KeyPrefix: "regiongc",
		},
		Deletion: DeletionConfig{
			FlagDuration:     7 * 24 * time.Hour,
			FlaggingInterval: time.Second,
			Cooldown:         24 * time.Hour,
			RegionsPerBatch:  4,
			BatchInterval:    time.Second,
			DebugLevel:       DebugOff,
			FlagRadius:       4,
			ResetMarkersFile: "reset_markers.toml",
		},
		Control: ControlConfig{
			BindAddress: "127.0.0.1:7460",
		},
	}
}
