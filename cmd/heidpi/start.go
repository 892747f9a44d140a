package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gyaneshwarpardhi/heidpi/internal/api"
	"github.com/gyaneshwarpardhi/heidpi/internal/config"
	"github.com/gyaneshwarpardhi/heidpi/internal/engine"
	"github.com/gyaneshwarpardhi/heidpi/internal/event"
	"github.com/gyaneshwarpardhi/heidpi/internal/filter"
	"github.com/gyaneshwarpardhi/heidpi/internal/geoip"
	"github.com/gyaneshwarpardhi/heidpi/internal/logger"
	"github.com/gyaneshwarpardhi/heidpi/internal/sink"
	"github.com/gyaneshwarpardhi/heidpi/internal/stream"
)

// startOptions are the resolved flag / environment values of `heidpi start`.
type startOptions struct {
	Host        string
	Port        int
	Config      string
	Write       string
	Filter      string
	MetricsAddr string
	Show        map[event.Category]bool
}

// flag name -> environment variable.
var startEnv = map[string]string{
	"host":          "HOST",
	"port":          "PORT",
	"config":        "CONFIG",
	"write":         "WRITE",
	"filter":        "FILTER",
	"metrics-addr":  "METRICS_ADDR",
	"flow-events":   "SHOW_FLOW_EVENTS",
	"daemon-events": "SHOW_DAEMON_EVENTS",
	"packet-events": "SHOW_PACKET_EVENTS",
	"error-events":  "SHOW_ERROR_EVENTS",
}

func newStartCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Connect to nDPIsrvd and log events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := resolveStartOptions(v)
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runStart(ctx, opts)
		},
	}

	f := cmd.Flags()
	f.String("host", "127.0.0.1", "nDPIsrvd distributor host")
	f.Int("port", 7000, "nDPIsrvd distributor port")
	f.String("config", "", "YAML config file (built-in defaults when empty)")
	f.String("write", ".", "directory for relative log file names")
	f.String("filter", "", "filter expression sent to the distributor after connecting")
	f.String("metrics-addr", "", "listen address for /metrics, /healthz and /readyz (disabled when empty)")
	f.Bool("flow-events", true, "log flow events")
	f.Bool("daemon-events", false, "log daemon events")
	f.Bool("packet-events", false, "log packet events")
	f.Bool("error-events", false, "log error events")

	for name, env := range startEnv {
		_ = v.BindPFlag(name, f.Lookup(name))
		_ = v.BindEnv(name, env)
	}
	return cmd
}

func resolveStartOptions(v *viper.Viper) startOptions {
	return startOptions{
		Host:        v.GetString("host"),
		Port:        v.GetInt("port"),
		Config:      v.GetString("config"),
		Write:       v.GetString("write"),
		Filter:      v.GetString("filter"),
		MetricsAddr: v.GetString("metrics-addr"),
		Show: map[event.Category]bool{
			event.Flow:   v.GetBool("flow-events"),
			event.Daemon: v.GetBool("daemon-events"),
			event.Packet: v.GetBool("packet-events"),
			event.Error:  v.GetBool("error-events"),
		},
	}
}

// runStart wires every component and streams until ctx is cancelled.
func runStart(ctx context.Context, opts startOptions) error {
	loader, err := config.NewLoader(opts.Config)
	if err != nil {
		return err
	}
	cfg := loader.Config()
	if err := config.Validate(cfg); err != nil {
		return err
	}
	streamConf := stream.Conf{
		Addr:           net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port)),
		Filter:         opts.Filter,
		HeaderWidth:    cfg.Stream.HeaderWidth,
		MaxFrameSize:   cfg.Stream.MaxFrameSize,
		ReconnectDelay: cfg.Stream.ReconnectDelay,
		ReadTimeout:    cfg.Stream.ReadTimeout,
		WriteTimeout:   cfg.Stream.WriteTimeout,
		IdlePause:      cfg.Stream.IdlePause,
	}
	if err := streamConf.Validate(); err != nil {
		return err
	}

	log, err := logger.Init(cfg.Logging)
	if err != nil {
		return err
	}

	geo := geoip.NewRegistry(log)
	defer geo.Close()
	sinks := sink.NewSet(log)
	defer sinks.Close()

	routes, err := buildRoutes(cfg, opts, geo, sinks)
	if err != nil {
		return err
	}
	if len(routes) == 0 {
		log.Warn().Msg("no event category enabled, records will only be counted")
	}

	router, err := engine.New(routes, engine.Conf{
		QueueSize: cfg.Stream.QueueSize,
		DateFmt:   cfg.Logging.DateFmt,
	}, log)
	if err != nil {
		return err
	}
	defer router.Close()

	mgr := stream.New(streamConf, router, log)

	if opts.MetricsAddr != "" {
		srv := api.NewServer(opts.MetricsAddr, api.New(mgr, router, log))
		go serveMetrics(srv, log)
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutCtx)
		}()
	}

	log.Info().
		Str("config", loader.Path()).
		Str("distributor", streamConf.Addr).
		Int("categories", len(routes)).
		Msg("heidpi starting")
	err = mgr.Run(ctx)
	log.Info().Msg("shutting down")
	return err
}

func serveMetrics(srv *http.Server, log zerolog.Logger) {
	log.Info().Str("addr", srv.Addr).Msg("metrics server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("metrics server stopped")
	}
}

// buildRoutes opens the geo databases and sinks of every enabled category.
func buildRoutes(cfg *config.Config, opts startOptions, geo *geoip.Registry, sinks *sink.Set) ([]engine.Route, error) {
	var routes []engine.Route
	for _, cat := range event.Categories {
		if !opts.Show[cat] {
			continue
		}
		conf := cfg.Events()[cat.String()]

		var loc filter.Locator
		if conf.GeoEnabled() {
			r, err := geo.Get(conf.GeoIP.FilePath)
			if err != nil {
				return nil, fmt.Errorf("%s events: %w", cat, err)
			}
			loc = r
		}

		path := conf.Filename
		if !filepath.IsAbs(path) {
			path = filepath.Join(opts.Write, path)
		}
		s, err := sinks.Open(path)
		if err != nil {
			return nil, fmt.Errorf("%s events: %w", cat, err)
		}

		pipe, err := filter.New(cat, *conf, loc)
		if err != nil {
			return nil, fmt.Errorf("%s events: %w", cat, err)
		}
		routes = append(routes, engine.Route{
			Category:  cat,
			Filter:    pipe,
			Sink:      s,
			Timestamp: conf.Timestamp,
		})
	}
	return routes, nil
}
