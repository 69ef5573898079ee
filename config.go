package offlinecache

import (
	"net/url"
	"strings"

	"github.com/always-cache/offline-cache/cache"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Strategy is the policy used for same-origin requests that are not navigations.
type Strategy string

const (
	// Serve the stored response immediately and update it in the background.
	StaleWhileRevalidate Strategy = "stale-while-revalidate"
	// Serve the stored response, only going to the network on a miss.
	CacheFirst Strategy = "cache-first"
)

const (
	defaultShellPath            = "./index.html"
	defaultMaxEntries           = 200
	defaultMaxBackgroundFetches = 32
)

type Config struct {
	// Storage for cache regions.
	Storage cache.Storage `validate:"required"`
	// URL of the application origin. Cache keys are built from it.
	// Origins with paths are not supported.
	OriginURL url.URL `validate:"-"`
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	OriginHost string
	// Name of the application, the first part of the region name.
	AppName string `validate:"required,excludesall=/"`
	// Version tag of this deployment. Bump it on every release.
	// It cannot contain `-`, which separates it from the application name.
	Version string `validate:"required,excludesall=/-"`
	// URLs to precache on install, absolute or relative to the origin URL.
	Manifest []string `validate:"dive,required"`
	// Path of the application shell, stored on every successful navigation.
	// Defaults to `./index.html`.
	ShellPath string
	// Other origins (scheme and host, e.g. `https://fonts.example`) that requests may be forwarded to.
	// Requests for any other origin are refused.
	CrossOrigins []string `validate:"dive,required"`
	// Strategy for same-origin assets. Defaults to stale-while-revalidate.
	AssetStrategy Strategy `validate:"omitempty,oneof=stale-while-revalidate cache-first"`
	// Serve the application shell when an asset cannot be fetched nor found.
	FallbackToShell bool
	// Maximum number of entries in the region. Defaults to 200, negative disables trimming.
	MaxEntries int
	// Maximum number of concurrent background revalidations. Defaults to 32.
	MaxBackgroundFetches int `validate:"gte=0"`
	// Keep a newly installed worker waiting until all clients are gone
	// (or a SKIP_WAITING message arrives) instead of activating it right away.
	DisableSkipWaiting bool
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger `validate:"-"`
	// Metrics to record to. Optional.
	Metrics *Metrics `validate:"-"`
}

var validate = validator.New()

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "invalid config")
	}
	if c.OriginURL.Scheme == "" || c.OriginURL.Host == "" {
		return errors.Errorf("invalid config: origin URL '%s' must be absolute", c.OriginURL.String())
	}
	if c.OriginURL.Path != "" && c.OriginURL.Path != "/" {
		return errors.Errorf("invalid config: origin URL '%s' has a path", c.OriginURL.String())
	}
	for _, origin := range c.CrossOrigins {
		if _, err := parseOrigin(origin); err != nil {
			return errors.Wrap(err, "invalid config")
		}
	}
	return nil
}

// RegionName returns the name of the cache region for this version.
func (c Config) RegionName() string {
	return c.regionPrefix() + c.Version
}

// regionPrefix is shared by all versions of the application.
func (c Config) regionPrefix() string {
	return c.AppName + "-"
}

// ownsRegion reports whether the region holds a version of the application.
// Versions contain no `-`, so regions of apps named `<AppName>-something` do not match.
func (c Config) ownsRegion(name string) bool {
	version, found := strings.CutPrefix(name, c.regionPrefix())
	return found && version != "" && !strings.Contains(version, "-")
}

// parseOrigin parses an origin of the form `scheme://host[:port]`.
func parseOrigin(origin string) (string, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return "", errors.Wrapf(err, "parsing origin %s", origin)
	}
	if u.Scheme == "" || u.Host == "" || (u.Path != "" && u.Path != "/") || u.RawQuery != "" {
		return "", errors.Errorf("origin '%s' must be a scheme and host", origin)
	}
	return originOf(u), nil
}

func originOf(u *url.URL) string {
	return strings.ToLower(u.Scheme + "://" + u.Host)
}

func (c Config) withDefaults() Config {
	if c.ShellPath == "" {
		c.ShellPath = defaultShellPath
	}
	if c.AssetStrategy == "" {
		c.AssetStrategy = StaleWhileRevalidate
	}
	if c.MaxEntries == 0 {
		c.MaxEntries = defaultMaxEntries
	}
	if c.MaxBackgroundFetches == 0 {
		c.MaxBackgroundFetches = defaultMaxBackgroundFetches
	}
	c.Manifest = append([]string{}, c.Manifest...)
	c.CrossOrigins = append([]string{}, c.CrossOrigins...)
	return c
}

// ParseStrategy parses a strategy name, allowing some common spellings.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "swr", string(StaleWhileRevalidate):
		return StaleWhileRevalidate, nil
	case string(CacheFirst):
		return CacheFirst, nil
	}
	return "", errors.Errorf("unknown asset strategy: %s", s)
}
