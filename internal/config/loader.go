package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultHeaderWidth    = 5
	DefaultMaxFrameSize   = 33792
	DefaultQueueSize      = 100
	DefaultReconnectDelay = 5 * time.Second
	DefaultReadTimeout    = 60 * time.Second
	DefaultWriteTimeout   = 15 * time.Second
	DefaultIdlePause      = 10 * time.Millisecond
	DefaultDateFmt        = "%Y-%m-%dT%H:%M:%S"
)

var defaultGeoKeys = []string{"ip", "src_ip", "dst_ip"}

// Loader reads a YAML config file once at startup.
type Loader struct {
	path    string
	current *Config
}

// NewLoader creates a Loader and performs the initial load. An empty path
// yields the built-in defaults.
func NewLoader(path string) (*Loader, error) {
	l := &Loader{path: path}
	if path == "" {
		l.current = Default()
		return l, nil
	}
	cfg, err := l.load()
	if err != nil {
		return nil, err
	}
	l.current = cfg
	return l, nil
}

// Config returns the loaded configuration.
func (l *Loader) Config() *Config {
	return l.current
}

// Path returns the file the configuration was read from ("" for defaults).
func (l *Loader) Path() string {
	return l.path
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func (l *Loader) load() (*Config, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", l.path, err)
	}
	return Parse(data)
}

// Parse decodes a YAML document and applies defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Encoding == "" {
		cfg.Logging.Encoding = "utf-8"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "plain"
	}
	if cfg.Logging.DateFmt == "" {
		cfg.Logging.DateFmt = DefaultDateFmt
	}

	for name, ev := range cfg.Events() {
		if ev.Filename == "" {
			ev.Filename = name + ".log"
		}
		if ev.EventNameMode == "" {
			ev.EventNameMode = EventNameStripKeys
		}
		if ev.GeoIP != nil && len(ev.GeoIP.Keys) == 0 {
			ev.GeoIP.Keys = append([]string(nil), defaultGeoKeys...)
		}
	}

	s := &cfg.Stream
	if s.HeaderWidth == 0 {
		s.HeaderWidth = DefaultHeaderWidth
	}
	if s.MaxFrameSize == 0 {
		s.MaxFrameSize = DefaultMaxFrameSize
	}
	if s.QueueSize == 0 {
		s.QueueSize = DefaultQueueSize
	}
	if s.ReconnectDelay == 0 {
		s.ReconnectDelay = DefaultReconnectDelay
	}
	if s.ReadTimeout == 0 {
		s.ReadTimeout = DefaultReadTimeout
	}
	if s.WriteTimeout == 0 {
		s.WriteTimeout = DefaultWriteTimeout
	}
	if s.IdlePause == 0 {
		s.IdlePause = DefaultIdlePause
	}
}
