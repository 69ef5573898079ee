package main

import (
	"net/url"
	"os"

	offlinecache "github.com/always-cache/offline-cache"
	"github.com/always-cache/offline-cache/cache"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const envPrefix = "OFFLINE_CACHE_"

// Config is the configuration file format.
// Every field can be overridden with an OFFLINE_CACHE_ environment variable.
type Config struct {
	Origin          string   `yaml:"origin" env:"ORIGIN"`
	OriginHost      string   `yaml:"originHost" env:"ORIGIN_HOST"`
	AppName         string   `yaml:"appName" env:"APP_NAME"`
	Version         string   `yaml:"version" env:"VERSION"`
	Manifest        []string `yaml:"manifest" env:"MANIFEST" envSeparator:","`
	CrossOrigins    []string `yaml:"crossOrigins" env:"CROSS_ORIGINS" envSeparator:","`
	ShellPath       string   `yaml:"shellPath" env:"SHELL_PATH"`
	AssetStrategy   string   `yaml:"assetStrategy" env:"ASSET_STRATEGY"`
	FallbackToShell bool     `yaml:"fallbackToShell" env:"FALLBACK_TO_SHELL"`
	MaxEntries      int      `yaml:"maxEntries" env:"MAX_ENTRIES"`
	WaitForClients  bool     `yaml:"waitForClients" env:"WAIT_FOR_CLIENTS"`
	ControlPrefix   string   `yaml:"controlPrefix" env:"CONTROL_PREFIX"`
}

// getConfig reads the config file, if any, and applies environment overrides.
func getConfig(filename string) (Config, error) {
	var config Config
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return config, errors.Wrap(err, "reading config file")
		}
		if err := yaml.Unmarshal(configBytes, &config); err != nil {
			return config, errors.Wrapf(err, "parsing config file %s", filename)
		}
	}
	if err := env.ParseWithOptions(&config, env.Options{Prefix: envPrefix}); err != nil {
		return config, errors.Wrap(err, "parsing environment")
	}
	return config, nil
}

// workerConfig returns the configuration of a worker for the current version.
func (c Config) workerConfig(storage cache.Storage, logger *zerolog.Logger, metrics *offlinecache.Metrics) (offlinecache.Config, error) {
	if c.Origin == "" {
		return offlinecache.Config{}, errors.New("please specify origin")
	}
	originURL, err := url.Parse(c.Origin)
	if err != nil {
		return offlinecache.Config{}, errors.Wrap(err, "parsing origin")
	}
	strategy, err := offlinecache.ParseStrategy(c.AssetStrategy)
	if err != nil {
		return offlinecache.Config{}, err
	}
	return offlinecache.Config{
		Storage:            storage,
		OriginURL:          *originURL,
		OriginHost:         c.OriginHost,
		AppName:            c.AppName,
		Version:            c.Version,
		Manifest:           c.Manifest,
		CrossOrigins:       c.CrossOrigins,
		ShellPath:          c.ShellPath,
		AssetStrategy:      strategy,
		FallbackToShell:    c.FallbackToShell,
		MaxEntries:         c.MaxEntries,
		DisableSkipWaiting: c.WaitForClients,
		Logger:             logger,
		Metrics:            metrics,
	}, nil
}
