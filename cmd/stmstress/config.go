package main

import (
	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Config describes a stress run. Flags override whatever the TOML file sets.
type Config struct {
	Threads      int    `toml:"threads"`       // Concurrent transfer workers.
	Readers      int    `toml:"readers"`       // Concurrent snapshot-sum readers.
	DurationSecs int    `toml:"duration-secs"` // Run length.
	RegionSize   int    `toml:"region-size"`   // Initial segment size in bytes.
	Alignment    int    `toml:"alignment"`     // Word size; the transfer workload needs 8.
	ChurnWorkers int    `toml:"churn-workers"` // Workers allocating and freeing segments.
	ChurnSize    int    `toml:"churn-size"`    // Size of each churned segment.
	MaxSegments  int    `toml:"max-segments"`  // Segment cap, 0 for unbounded.
	HTTPAddr     string `toml:"http-addr"`     // Metrics/status listen address, empty to disable.
	LogLevel     string `toml:"log-level"`
}

var DefaultConf = Config{
	Threads:      4,
	Readers:      2,
	DurationSecs: 10,
	RegionSize:   4096,
	Alignment:    8,
	ChurnWorkers: 1,
	ChurnSize:    256,
	MaxSegments:  0,
	HTTPAddr:     "",
	LogLevel:     "info",
}

func (c *Config) Validate() error {
	if c.Threads < 1 {
		return errors.New("threads must be positive")
	}
	if c.DurationSecs < 1 {
		return errors.New("duration-secs must be positive")
	}
	if c.Alignment != 8 {
		return errors.New("the transfer workload requires alignment of 8 bytes")
	}
	if c.RegionSize < 2*c.Alignment || c.RegionSize%c.Alignment != 0 {
		return errors.Errorf("region-size must be a multiple of %d covering at least two words", c.Alignment)
	}
	if c.ChurnWorkers > 0 && (c.ChurnSize <= 0 || c.ChurnSize%c.Alignment != 0) {
		return errors.Errorf("churn-size must be a positive multiple of %d", c.Alignment)
	}
	return nil
}

// LoadConfig reads the TOML file at path over the defaults. An empty path
// yields the defaults unchanged.
func LoadConfig(path string) (*Config, error) {
	conf := DefaultConf
	if path == "" {
		return &conf, nil
	}
	if _, err := toml.DecodeFile(path, &conf); err != nil {
		return nil, errors.Wrapf(err, "decoding config file %q", path)
	}
	return &conf, nil
}
