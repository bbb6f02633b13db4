package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/breatheroute/airparif-influx/internal/airquality"
	"github.com/breatheroute/airparif-influx/internal/airquality/airparif"
	"github.com/breatheroute/airparif-influx/internal/api"
	"github.com/breatheroute/airparif-influx/internal/api/middleware"
	"github.com/breatheroute/airparif-influx/internal/config"
	"github.com/breatheroute/airparif-influx/internal/exporter"
	"github.com/breatheroute/airparif-influx/internal/geocoding/opendatasoft"
	"github.com/breatheroute/airparif-influx/internal/logging"
	"github.com/breatheroute/airparif-influx/internal/provider/resilience"
	"github.com/breatheroute/airparif-influx/internal/sink"
	"github.com/breatheroute/airparif-influx/internal/telemetry"
)

const (
	serviceName = "airparif-influx"

	shutdownTimeout = 30 * time.Second
	// An export is at most four upstream calls.
	serverWriteTimeout = 2 * time.Minute
)

type cliFlags struct {
	configFile  string
	apiKey      string
	cities      []string
	name        bool
	pollutant   bool
	help        bool
	listen      string
	pubsubTopic string
}

func newFlagSet() (*pflag.FlagSet, *cliFlags) {
	f := &cliFlags{}
	fs := pflag.NewFlagSet(serviceName, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.SortFlags = false

	fs.StringVarP(&f.apiKey, "api-key", "k", "", "Airparif API key (env AIRPARIF_API_KEY)")
	fs.StringSliceVarP(&f.cities, "city", "c", nil, "INSEE code of a commune; repeatable. Without it the region is exported")
	fs.BoolVarP(&f.name, "name", "n", false, "add the commune name as a city tag")
	fs.BoolVarP(&f.pollutant, "pollutant", "p", false, "region only: one line per day with a field per pollutant")
	fs.StringVar(&f.configFile, "config", "", "YAML configuration file")
	fs.StringVar(&f.listen, "listen", "", "serve line protocol on GET /metrics at this address instead of printing once")
	fs.StringVar(&f.pubsubTopic, "pubsub-topic", "", "also publish the lines to this Pub/Sub topic (needs PUBSUB_PROJECT_ID)")
	fs.BoolVarP(&f.help, "help", "h", false, "show this help")

	return fs, f
}

func usage(w io.Writer, fs *pflag.FlagSet) {
	fmt.Fprintf(w, "Usage: %s -k <api key> [-c <insee> ...] [-n] [-p]\n\n", serviceName)
	fmt.Fprintln(w, "Prints Airparif air quality indices as InfluxDB line protocol.")
	fmt.Fprintln(w)
	fmt.Fprint(w, fs.FlagUsages())
}

// run executes one invocation and returns the process exit code. Line
// protocol goes to stdout; logs and errors go to stderr.
func run(ctx context.Context, args []string, getenv func(string) string, stdout, stderr io.Writer) int {
	fs, flags := newFlagSet()
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(stderr, "error: %v\n\n", err)
		usage(stderr, fs)
		return 1
	}
	if flags.help {
		usage(stdout, fs)
		return 0
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(stderr, "error: unexpected argument %q\n", fs.Arg(0))
		return 1
	}

	cfg, err := loadConfig(fs, flags, getenv)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}

	runID := uuid.NewString()
	logger, err := logging.New(stderr, logging.Options{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		ServiceName: serviceName,
		Version:     Version,
		RunID:       runID,
	})
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}

	if err := execute(ctx, cfg, runID, logger, stdout); err != nil {
		logger.Error().Err(err).Msg("run failed")
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

// loadConfig applies defaults, environment, the optional YAML file and the
// flags that were set, in that order.
func loadConfig(fs *pflag.FlagSet, flags *cliFlags, getenv func(string) string) (config.Config, error) {
	cfg := config.FromEnv(getenv)
	if flags.configFile != "" {
		if err := config.LoadFile(flags.configFile, &cfg); err != nil {
			return cfg, err
		}
	}

	if fs.Changed("api-key") {
		cfg.APIKey = flags.apiKey
	}
	if fs.Changed("city") {
		cfg.Cities = flags.cities
	}
	if fs.Changed("name") {
		cfg.ResolveNames = flags.name
	}
	if fs.Changed("pollutant") {
		cfg.PollutantFields = flags.pollutant
	}
	if fs.Changed("listen") {
		cfg.Server.Listen = flags.listen
	}
	if fs.Changed("pubsub-topic") {
		cfg.PubSub.Topic = flags.pubsubTopic
	}

	return cfg, cfg.Validate()
}

func execute(ctx context.Context, cfg config.Config, runID string, logger zerolog.Logger, stdout io.Writer) error {
	tp, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: Version,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Enabled:        cfg.Telemetry.Enabled,
	})
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := tp.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Error().Err(shutdownErr).Msg("failed to shutdown telemetry")
		}
	}()
	if tp.Enabled() {
		logger.Info().
			Str("otlp_endpoint", cfg.Telemetry.OTLPEndpoint).
			Msg("OpenTelemetry initialized")
	}

	registry := resilience.NewRegistry()
	httpClient := func(name string) *resilience.Client {
		rc := resilience.DefaultClientConfig(name)
		rc.Timeout = cfg.Upstream.Timeout
		rc.MaxRetries = uint64(cfg.Upstream.MaxRetries)
		rc.Registry = registry
		return resilience.NewClient(rc)
	}

	exp, err := exporter.New(exporter.Config{
		Client: airparif.NewClient(airparif.ClientConfig{
			APIKey:     cfg.APIKey,
			BaseURL:    cfg.Upstream.AirparifBaseURL,
			HTTPClient: httpClient(airparif.ProviderName),
		}),
		Resolver: opendatasoft.NewClient(opendatasoft.ClientConfig{
			BaseURL:    cfg.Upstream.GeocodingBaseURL,
			HTTPClient: httpClient(opendatasoft.ProviderName),
		}),
		Logger: logger,
	})
	if err != nil {
		return err
	}

	opts := exporter.Options{
		AreaCodes:       cfg.Cities,
		ResolveNames:    cfg.ResolveNames,
		PollutantFields: cfg.PollutantFields,
	}

	if cfg.Server.Listen != "" {
		return serve(ctx, cfg, logger, exp, registry, opts)
	}
	return exportOnce(ctx, cfg, runID, logger, exp, opts, stdout)
}

// exportOnce prints one export to stdout and, when a topic is configured,
// publishes the complete output as a single Pub/Sub message.
func exportOnce(ctx context.Context, cfg config.Config, runID string, logger zerolog.Logger, exp *exporter.Exporter, opts exporter.Options, stdout io.Writer) error {
	var publisher *sink.PubSubPublisher
	if cfg.PubSub.Enabled() {
		var err error
		publisher, err = sink.NewPubSubPublisher(ctx, sink.PubSubConfig{
			ProjectID: cfg.PubSub.ProjectID,
			Topic:     cfg.PubSub.Topic,
			Logger:    logger,
		})
		if err != nil {
			return fmt.Errorf("%w: %w", sink.ErrPublish, err)
		}
		defer func() {
			if closeErr := publisher.Close(); closeErr != nil {
				logger.Warn().Err(closeErr).Msg("failed to close pubsub client")
			}
		}()
	}

	out := stdout
	var lines bytes.Buffer
	if publisher != nil {
		out = io.MultiWriter(stdout, &lines)
	}

	start := time.Now()
	if err := exp.Run(ctx, out, opts); err != nil {
		return err
	}
	logger.Debug().
		Dur("duration", time.Since(start)).
		Msg("export finished")

	if publisher != nil {
		return publisher.Publish(ctx, lines.Bytes(), runID)
	}
	return nil
}

// serve runs the HTTP exposition mode until ctx is canceled.
func serve(ctx context.Context, cfg config.Config, logger zerolog.Logger, exp *exporter.Exporter, registry *resilience.Registry, opts exporter.Options) error {
	metrics, err := middleware.NewMetrics()
	if err != nil {
		return fmt.Errorf("initialize metrics: %w", err)
	}

	router := api.NewRouter(api.RouterConfig{
		Version:          Version,
		BuildTime:        BuildTime,
		Logger:           logger,
		ServiceName:      serviceName,
		Metrics:          metrics,
		Runner:           exp,
		Defaults:         opts,
		Upstreams:        registry,
		MetricsRateLimit: cfg.Server.MetricsRateLimit,
	})

	server := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      serverWriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("%w: listen on %s: %v", airquality.ErrArgument, cfg.Server.Listen, err)
	}

	logger.Info().
		Str("addr", ln.Addr().String()).
		Msg("server listening")

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown server: %w", err)
	}

	logger.Info().Msg("server stopped")
	return nil
}
