package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	offlinecache "github.com/always-cache/offline-cache"
	"github.com/always-cache/offline-cache/cache"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	configFilenameFlag string
	portFlag           int
	originFlag         string
	providerFlag       string
	dbFilenameFlag     string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to proxy to (overrides config)")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.StringVar(&providerFlag, "provider", "sqlite", "Cache storage provider to use (sqlite, leveldb or memory)")
	flag.StringVar(&dbFilenameFlag, "db", "cache.db", "Cache DB file name, or directory for leveldb (use 'memory' for in-memory sqlite db)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("build", version).Logger()

	config, err := loadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Could not load config")
	}

	storage, err := openStorage(providerFlag, dbFilenameFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open cache storage")
	}
	defer storage.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := offlinecache.NewMetrics(registry)

	originURL, err := url.Parse(config.Origin)
	if err != nil || config.Origin == "" {
		log.Fatal().Err(err).Msg("Please specify origin")
	}

	host := offlinecache.NewHost(offlinecache.HostConfig{
		ControlPrefix: config.ControlPrefix,
		Fallback:      httputil.NewSingleHostReverseProxy(originURL),
		Logger:        &log.Logger,
		Metrics:       metrics,
		Gatherer:      registry,
	})
	defer host.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// the first install failing is not fatal: requests go to the origin until a version installs
	deploy := func(config Config) {
		workerConfig, err := config.workerConfig(storage, &log.Logger, metrics)
		if err != nil {
			log.Error().Err(err).Msg("Invalid worker config")
			return
		}
		worker, err := offlinecache.New(workerConfig)
		if err != nil {
			log.Error().Err(err).Msg("Could not create worker")
			return
		}
		if err := host.Register(ctx, worker); err != nil {
			log.Error().Err(err).Str("version", config.Version).Msg("Could not register worker")
		}
	}
	deploy(config)

	// reload config on SIGHUP, registering a new worker when the version changed
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			config, err := loadConfig()
			if err != nil {
				log.Error().Err(err).Msg("Could not reload config")
				continue
			}
			if active := host.Active(); active != nil && active.Version() == config.Version {
				log.Info().Str("version", config.Version).Msg("Version unchanged, not reinstalling")
				continue
			}
			deploy(config)
		}
	}()

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", portFlag),
		Handler:           host,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Msgf("Proxying port %v to %s (with hostname '%s')", portFlag, config.Origin, config.OriginHost)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Server error")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Could not shut down cleanly")
	}
}

func loadConfig() (Config, error) {
	config, err := getConfig(configFilenameFlag)
	if err != nil {
		return config, err
	}
	if originFlag != "" {
		config.Origin = originFlag
	}
	return config, nil
}

func openStorage(provider, filename string) (cache.Storage, error) {
	switch provider {
	case "sqlite":
		// set up sqlite memory provider
		if filename == "memory" {
			filename = "file::memory:?cache=shared"
		}
		return cache.NewSQLiteStorage(filename)
	case "leveldb":
		return cache.NewLevelDBStorage(filename)
	case "memory":
		return cache.NewMemoryStorage(), nil
	}
	return nil, errors.Errorf("unsupported cache provider: %s", provider)
}
