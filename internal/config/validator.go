package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gyaneshwarpardhi/heidpi/internal/expr"
)

// ErrInvalid is wrapped by every error returned from Validate.
var ErrInvalid = errors.New("invalid configuration")

// Validate checks the config for:
//   - Known logging level, format and encoding
//   - A destination filename per event section
//   - A database path wherever geo enrichment is enabled
//   - A well-formed where expression
//   - Stream limits that the decoder can honour
func Validate(cfg *Config) error {
	var errs []string

	switch strings.ToLower(cfg.Logging.Level) {
	case "trace", "debug", "info", "warn", "warning", "error", "fatal", "panic", "disabled":
	default:
		errs = append(errs, fmt.Sprintf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	switch strings.ToLower(cfg.Logging.Format) {
	case "plain", "console", "json":
	default:
		errs = append(errs, fmt.Sprintf("logging.format: must be plain, console or json, got %q", cfg.Logging.Format))
	}
	switch strings.ToLower(cfg.Logging.Encoding) {
	case "utf-8", "utf8":
	default:
		errs = append(errs, fmt.Sprintf("logging.encoding: only utf-8 is supported, got %q", cfg.Logging.Encoding))
	}

	for _, name := range []string{"flow", "daemon", "packet", "error"} {
		validateEvent(name+"_event", cfg.Events()[name], &errs)
	}

	s := cfg.Stream
	if s.HeaderWidth < 1 || s.HeaderWidth > 9 {
		errs = append(errs, fmt.Sprintf("stream.header_width: must be between 1 and 9, got %d", s.HeaderWidth))
	}
	if s.MaxFrameSize <= 0 {
		errs = append(errs, "stream.max_frame_size: must be positive")
	}
	if s.QueueSize <= 0 {
		errs = append(errs, "stream.queue_size: must be positive")
	}
	if s.ReconnectDelay < 0 || s.ReadTimeout < 0 || s.WriteTimeout < 0 || s.IdlePause < 0 {
		errs = append(errs, "stream: durations must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalid, strings.Join(errs, "\n  - "))
	}
	return nil
}

func validateEvent(section string, ev *EventConf, errs *[]string) {
	if ev.Filename == "" {
		*errs = append(*errs, fmt.Sprintf("%s.filename: is required", section))
	}
	switch ev.EventNameMode {
	case EventNameStripKeys, EventNameMatch:
	default:
		*errs = append(*errs, fmt.Sprintf("%s.event_name_mode: must be %s or %s, got %q",
			section, EventNameStripKeys, EventNameMatch, ev.EventNameMode))
	}
	if ev.Where != "" {
		if _, err := expr.Compile(ev.Where); err != nil {
			*errs = append(*errs, fmt.Sprintf("%s.where: %v", section, err))
		}
	}
	if ev.GeoEnabled() {
		if ev.GeoIP.FilePath == "" {
			*errs = append(*errs, fmt.Sprintf("%s.geoip.filepath: is required when geoip is enabled", section))
		}
		for i, k := range ev.GeoIP.Keys {
			if strings.TrimSpace(k) == "" {
				*errs = append(*errs, fmt.Sprintf("%s.geoip.keys[%d]: must not be empty", section, i))
			}
		}
	}
}
