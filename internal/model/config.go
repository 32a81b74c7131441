package model

type Config struct {
	SchemaVersion int            `yaml:"schema_version"`
	FileType      string         `yaml:"file_type"`
	Project       ProjectConfig  `yaml:"project"`
	Lock          LockConfig     `yaml:"lock"`
	Queue         QueueConfig    `yaml:"queue"`
	Deadlock      DeadlockConfig `yaml:"deadlock"`
	History       HistoryConfig  `yaml:"history"`
	Logging       LoggingConfig  `yaml:"logging"`
}

const ConfigFileType = "session_config"

type ProjectConfig struct {
	Name string `yaml:"name"`
}

type LockConfig struct {
	PollIntervalMs   int   `yaml:"poll_interval_ms"`
	DefaultTimeoutMs int64 `yaml:"default_timeout_ms"`
	// StaleCeilingMin is the hard ceiling on lock hold time. A LockInfo
	// older than this marks the holder as presumed dead; whether the lock
	// is then cleared automatically is governed by AutoClearStale.
	StaleCeilingMin int  `yaml:"stale_ceiling_min"`
	AutoClearStale  bool `yaml:"auto_clear_stale"`
}

type QueueConfig struct {
	DefaultTTLMs int64 `yaml:"default_ttl_ms"`
}

type DeadlockConfig struct {
	StallThreshold int `yaml:"stall_threshold"`
}

type HistoryConfig struct {
	Enabled bool `yaml:"enabled"`
	Keep    int  `yaml:"keep"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig fills every field a fresh session needs.
func DefaultConfig(projectName string) Config {
	return Config{
		SchemaVersion: 1,
		FileType:      ConfigFileType,
		Project:       ProjectConfig{Name: projectName},
		Lock: LockConfig{
			PollIntervalMs:   50,
			DefaultTimeoutMs: 30_000,
			StaleCeilingMin:  15,
			AutoClearStale:   false,
		},
		Queue: QueueConfig{
			DefaultTTLMs: 60_000,
		},
		Deadlock: DeadlockConfig{
			StallThreshold: 10,
		},
		History: HistoryConfig{
			Enabled: true,
			Keep:    50,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// ApplyDefaults replaces zero values with the defaults so partially written
// config files behave predictably.
func (c *Config) ApplyDefaults() {
	def := DefaultConfig(c.Project.Name)
	if c.SchemaVersion == 0 {
		c.SchemaVersion = def.SchemaVersion
	}
	if c.FileType == "" {
		c.FileType = def.FileType
	}
	if c.Lock.PollIntervalMs <= 0 {
		c.Lock.PollIntervalMs = def.Lock.PollIntervalMs
	}
	if c.Lock.DefaultTimeoutMs <= 0 {
		c.Lock.DefaultTimeoutMs = def.Lock.DefaultTimeoutMs
	}
	if c.Lock.StaleCeilingMin <= 0 {
		c.Lock.StaleCeilingMin = def.Lock.StaleCeilingMin
	}
	if c.Queue.DefaultTTLMs <= 0 {
		c.Queue.DefaultTTLMs = def.Queue.DefaultTTLMs
	}
	if c.Deadlock.StallThreshold <= 0 {
		c.Deadlock.StallThreshold = def.Deadlock.StallThreshold
	}
	if c.History.Keep <= 0 {
		c.History.Keep = def.History.Keep
	}
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
}
