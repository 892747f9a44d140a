// Package logger builds the process logger from the logging section of the
// configuration.
package logger

import (
	"fmt"
	"io"
	stdlog "log"
	"os"
	"strings"
	"time"

	"github.com/lestrrat-go/strftime"
	"github.com/rs/zerolog"

	"github.com/gyaneshwarpardhi/heidpi/internal/config"
)

const serviceName = "heidpi"

// New returns a zerolog.Logger writing to w according to cfg.
//
//   - level: parsed case-insensitively, "warning" is accepted for "warn";
//     unknown values fall back to info.
//   - format: "json" emits one JSON object per line, "plain" and "console"
//     use the human readable console writer.
//   - datefmt: strftime pattern for console timestamps.
//
// Every entry carries the service name and the instance (host) name.
func New(cfg config.LoggingConf, w io.Writer) (zerolog.Logger, error) {
	level := zerolog.InfoLevel
	name := strings.ToLower(strings.TrimSpace(cfg.Level))
	if name == "warning" {
		name = "warn"
	}
	if l, err := zerolog.ParseLevel(name); err == nil && name != "" {
		level = l
	}

	out := w
	if strings.ToLower(cfg.Format) != "json" {
		datefmt := cfg.DateFmt
		if datefmt == "" {
			datefmt = config.DefaultDateFmt
		}
		f, err := strftime.New(datefmt)
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("logging.datefmt %q: %w", datefmt, err)
		}
		out = zerolog.ConsoleWriter{
			Out:     w,
			NoColor: true,
			FormatTimestamp: func(i interface{}) string {
				s, ok := i.(string)
				if !ok {
					return fmt.Sprint(i)
				}
				t, err := time.Parse(zerolog.TimeFieldFormat, s)
				if err != nil {
					return s
				}
				return f.FormatString(t)
			},
		}
	}

	return zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("service", serviceName).
		Str("instance", instanceID()).
		Logger(), nil
}

// Init builds the logger for stdout and routes the standard library logger
// through it.
func Init(cfg config.LoggingConf) (zerolog.Logger, error) {
	l, err := New(cfg, os.Stdout)
	if err != nil {
		return l, err
	}
	stdlog.SetFlags(0)
	stdlog.SetOutput(l)
	return l, nil
}

func instanceID() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "unknown"
}
