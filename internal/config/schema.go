package config

import "time"

// Config is the top-level YAML structure.
type Config struct {
	Logging     LoggingConf `yaml:"logging"`
	FlowEvent   EventConf   `yaml:"flow_event"`
	DaemonEvent EventConf   `yaml:"daemon_event"`
	PacketEvent EventConf   `yaml:"packet_event"`
	ErrorEvent  EventConf   `yaml:"error_event"`
	Stream      StreamConf  `yaml:"stream"`
}

// LoggingConf is consumed only by the logger package.
type LoggingConf struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"`
	Format   string `yaml:"format"`  // plain | console | json
	DateFmt  string `yaml:"datefmt"` // strftime pattern
}

// Event name handling modes for EventConf.EventNameMode.
const (
	EventNameStripKeys = "strip_keys"
	EventNameMatch     = "match"
)

// EventConf holds the filter rules and destination of one event category.
type EventConf struct {
	IgnoreFields  []string   `yaml:"ignore_fields"`
	IgnoreRisks   []string   `yaml:"ignore_risks"`
	FlowEventName []string   `yaml:"flow_event_name"`
	EventNameMode string     `yaml:"event_name_mode"`
	Timestamp     bool       `yaml:"timestamp"`
	GeoIP         *GeoIPConf `yaml:"geoip"`
	Where         string     `yaml:"where"` // record predicate, see package expr
	Filename      string     `yaml:"filename"`
}

// GeoEnabled reports whether geo enrichment is switched on for the category.
func (e EventConf) GeoEnabled() bool {
	return e.GeoIP != nil && e.GeoIP.Enabled
}

// GeoIPConf selects the database and the record fields holding addresses.
type GeoIPConf struct {
	Enabled  bool     `yaml:"enabled"`
	FilePath string   `yaml:"filepath"`
	Keys     []string `yaml:"keys"`
}

// StreamConf tunes the connection and the framing decoder.
type StreamConf struct {
	HeaderWidth    int           `yaml:"header_width"`
	MaxFrameSize   int           `yaml:"max_frame_size"`
	QueueSize      int           `yaml:"queue_size"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdlePause      time.Duration `yaml:"idle_pause"`
}

// Events returns the four event sections keyed by category name.
func (c *Config) Events() map[string]*EventConf {
	return map[string]*EventConf{
		"flow":   &c.FlowEvent,
		"daemon": &c.DaemonEvent,
		"packet": &c.PacketEvent,
		"error":  &c.ErrorEvent,
	}
}
