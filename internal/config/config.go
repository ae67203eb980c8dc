// Package config loads the single Config struct this service needs from a
// YAML file, overlaid onto a built-in default — no multi-format dispatch,
// no validator registry, no generic env-override reflection walk, since
// there is only ever one config shape here, not an arbitrary
// caller-supplied target.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full set of service-level knobs.
type Config struct {
	ListenAddr           string        `yaml:"listen_addr"`
	LogPath              string        `yaml:"log_path"`
	DedupCapacity        int           `yaml:"dedup_capacity"`
	BrokerBufferSize     int           `yaml:"broker_buffer_size"`
	WriterQueueDepth     int           `yaml:"writer_queue_depth"`
	SubscriberBufferSize int           `yaml:"subscriber_buffer_size"`
	JWTSecret            string        `yaml:"jwt_secret"`
	ShutdownTimeout      time.Duration `yaml:"shutdown_timeout"`
}

// Default returns the configuration used when no file is supplied: an
// in-process development setup with auth disabled (no JWTSecret).
func Default() Config {
	return Config{
		ListenAddr:           ":8080",
		LogPath:              "events.log",
		DedupCapacity:        100_000,
		BrokerBufferSize:     256,
		WriterQueueDepth:     256,
		SubscriberBufferSize: 256,
		ShutdownTimeout:      10 * time.Second,
	}
}

// Load reads and parses a YAML config file at path, applying Default for
// any field the file does not set; a field the file sets to its zero value
// stays zero.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return cfg, nil
}
