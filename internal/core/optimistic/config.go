package optimistic

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config tunes the engine. Zero values are filled from DefaultConfig by
// Validate, so a partially specified YAML file works.
type Config struct {
	// RollbackWindow is how long an operation may stay in flight before it
	// is forcibly rolled back.
	RollbackWindow time.Duration `yaml:"rollback_window"`
	// CallTimeout is the absolute bound on the background gateway call. It
	// outlives the rollback window on purpose: late results are discarded,
	// not cancelled.
	CallTimeout time.Duration `yaml:"call_timeout"`
	// BackupInterval is the cadence of settled-collection backups. Zero
	// disables the periodic loop; BackupNow still works.
	BackupInterval time.Duration `yaml:"backup_interval"`
	// TempIDPrefix marks unconfirmed inserts. It must never collide with
	// authoritative ids, so the UI can recognize provisional rows.
	TempIDPrefix string `yaml:"temp_id_prefix"`
	// StageCapacity bounds the offline replay queue.
	StageCapacity int `yaml:"stage_capacity"`
	// ResyncOnBroadcast makes peer change notifications trigger a full
	// resync.
	ResyncOnBroadcast bool `yaml:"resync_on_broadcast"`
}

func DefaultConfig() Config {
	return Config{
		RollbackWindow:    5 * time.Second,
		CallTimeout:       60 * time.Second,
		BackupInterval:    30 * time.Second,
		TempIDPrefix:      "tmp-",
		StageCapacity:     1024,
		ResyncOnBroadcast: true,
	}
}

// LoadConfig reads a YAML config file layered over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err = yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.RollbackWindow <= 0 || c.CallTimeout <= 0 {
		return ErrInvalidConfig
	}
	if c.TempIDPrefix == "" {
		return ErrInvalidConfig
	}
	if c.StageCapacity < 0 {
		return ErrInvalidConfig
	}
	if c.BackupInterval < 0 {
		return ErrInvalidConfig
	}
	return nil
}

// withDefaults fills unset fields so Options{} callers get sane behavior.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.RollbackWindow == 0 {
		c.RollbackWindow = def.RollbackWindow
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = def.CallTimeout
	}
	if c.TempIDPrefix == "" {
		c.TempIDPrefix = def.TempIDPrefix
	}
	if c.StageCapacity == 0 {
		c.StageCapacity = def.StageCapacity
	}
	return c
}
