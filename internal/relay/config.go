package relay

import (
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid relay configuration")

// Config holds the relay daemon configuration.
type Config struct {
	// WSAddr is the HTTP listen address serving websocket upgrades.
	WSAddr string `yaml:"ws_addr"`
	// QUICAddr is the UDP listen address for the QUIC transport. Empty
	// disables QUIC.
	QUICAddr string `yaml:"quic_addr"`
	// ValidateFrames toggles JSON-schema validation of inbound frames.
	ValidateFrames bool `yaml:"validate_frames"`
	// WriteTimeout bounds a single fanout write per member.
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

func DefaultConfig() Config {
	return Config{
		WSAddr:         ":8087",
		QUICAddr:       ":8088",
		ValidateFrames: true,
		WriteTimeout:   5 * time.Second,
	}
}

// LoadConfig reads a YAML config file, layering it over the defaults. An
// empty path yields the defaults unchanged.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err = yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.WSAddr == "" {
		return ErrInvalidConfig
	}
	if c.WriteTimeout <= 0 {
		return ErrInvalidConfig
	}
	return nil
}
