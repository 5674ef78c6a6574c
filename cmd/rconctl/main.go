package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blukai/vurcon/internal/rconclient"
	"github.com/kelseyhightower/envconfig"
	"github.com/phuslu/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

type Config struct {
	Addr        string        `envconfig:"ADDR" default:"127.0.0.1:47200"`
	Password    string        `envconfig:"PASSWORD"`
	Timeout     time.Duration `envconfig:"TIMEOUT" default:"15s"`
	MetricsAddr string        `envconfig:"METRICS_ADDR"`
	Debug       bool          `envconfig:"DEBUG"`
}

func loadConfig() (*Config, error) {
	config := new(Config)
	if err := envconfig.Process("rconctl", config); err != nil {
		return nil, err
	}
	return config, nil
}

func configureLogger(debug bool) *log.Logger {
	logger := log.DefaultLogger

	// https://github.com/phuslu/log?tab=readme-ov-file#pretty-console-writer
	logger.Caller = 1
	logger.TimeFormat = "15:04:05"
	logger.Level = log.InfoLevel
	if debug {
		logger.Level = log.DebugLevel
	}
	logger.Writer = &log.ConsoleWriter{
		ColorOutput:    true,
		QuoteString:    true,
		EndWithMessage: true,
		Writer:         os.Stderr,
	}

	return &logger
}

// options are the flags shared by every subcommand. their defaults come from
// RCONCTL_* environment variables.
type options struct {
	targets     []string
	password    string
	timeout     time.Duration
	metricsAddr string
	debug       bool
}

func (o *options) parseTargets() ([]rconclient.Target, error) {
	if len(o.targets) == 0 {
		return nil, errors.New("no target given")
	}
	targets := make([]rconclient.Target, 0, len(o.targets))
	for _, s := range o.targets {
		target, err := rconclient.ParseTarget(s)
		if err != nil {
			return nil, err
		}
		target.Password = o.password
		targets = append(targets, target)
	}
	return targets, nil
}

// setup builds the client config and starts the metrics endpoint if one was
// asked for. the returned func stops it.
func (o *options) setup() (rconclient.Config, *log.Logger, func()) {
	logger := configureLogger(o.debug)

	cfg := rconclient.Config{
		RequestTimeout: o.timeout,
		Logger:         logger,
	}

	if o.metricsAddr == "" {
		return cfg, logger, func() {}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	cfg.Metrics = rconclient.NewMetrics(rconclient.MetricsConfig{Registry: registry})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	server := &http.Server{
		Addr:              o.metricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Msgf("serving metrics on %s", o.metricsAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Msgf("could not serve metrics: %v", err)
		}
	}()

	stop := func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	}

	return cfg, logger, stop
}

func erringMain() error {
	config, err := loadConfig()
	if err != nil {
		return fmt.Errorf("could not process config: %w", err)
	}

	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "rconctl",
		Short: "Talk to Frostbite / Venice Unleashed servers over rcon",
		Long: `rconctl runs rcon commands against one or more Frostbite or
Venice Unleashed servers and follows their event streams.

Defaults can be set with RCONCTL_ADDR, RCONCTL_PASSWORD,
RCONCTL_TIMEOUT, RCONCTL_METRICS_ADDR and RCONCTL_DEBUG.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringArrayVarP(&opts.targets, "target", "t", []string{config.Addr}, "Server as host[:port], repeatable")
	flags.StringVarP(&opts.password, "password", "p", config.Password, "Rcon password")
	flags.DurationVar(&opts.timeout, "timeout", config.Timeout, "Per-command timeout")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", config.MetricsAddr, "Serve prometheus metrics on this address")
	flags.BoolVar(&opts.debug, "debug", config.Debug, "Log every packet")

	rootCmd.AddCommand(
		execCmd(opts),
		eventsCmd(opts),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	return rootCmd.ExecuteContext(ctx)
}

func main() {
	if err := erringMain(); err != nil {
		fmt.Fprintf(os.Stderr, "rconctl: %v\n", err)
		os.Exit(42)
	}
}
