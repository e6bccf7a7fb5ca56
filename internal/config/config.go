package config

import (
	"os"
	"strings"
	"time"

	"github.com/jmgilman/go/errors"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port          int    `yaml:"port"`
		Origin        string `yaml:"origin"`
		OriginTimeout string `yaml:"originTimeout"`

		originTimeoutDur time.Duration
	} `yaml:"server"`

	Cache struct {
		Dir        string `yaml:"dir"`
		Prefix     string `yaml:"prefix"`
		Version    string `yaml:"version"`
		RAMEntries int    `yaml:"ramEntries"`
		MaxEntry   string `yaml:"maxEntry"`

		maxEntryBytes int64
	} `yaml:"cache"`

	Queue struct {
		Path string `yaml:"path"`
	} `yaml:"queue"`

	Routing Routing `yaml:"routing"`

	Precache struct {
		Assets        []string `yaml:"assets"`
		OfflinePage   string   `yaml:"offlinePage"`
		BuildManifest string   `yaml:"buildManifest"`
		Concurrency   int      `yaml:"concurrency"`
	} `yaml:"precache"`

	Sync struct {
		Tag          string `yaml:"tag"`
		Every        string `yaml:"every"`
		ProbePath    string `yaml:"probePath"`
		ProbeInitial string `yaml:"probeInitial"`
		ProbeMax     string `yaml:"probeMax"`

		everyDur        time.Duration
		probeInitialDur time.Duration
		probeMaxDur     time.Duration
	} `yaml:"sync"`

	Notifications struct {
		Icon  string `yaml:"icon"`
		Badge string `yaml:"badge"`
		AMQP  struct {
			URL      string `yaml:"url"`
			Exchange string `yaml:"exchange"`
		} `yaml:"amqp"`
	} `yaml:"notifications"`

	Logging struct {
		LogStatsEvery string `yaml:"logStatsEvery"`

		logStatsEveryDur time.Duration
	} `yaml:"logging"`

	Metrics struct {
		Listen string `yaml:"listen"`
	} `yaml:"metrics"`
}

// Routing holds the request classification heuristics.
type Routing struct {
	APIPrefix        string   `yaml:"apiPrefix"`
	TileMarkers      []string `yaml:"tileMarkers"`
	TilePathSegment  string   `yaml:"tilePathSegment"`
	DevMarkers       []string `yaml:"devMarkers"`
	StaticExtensions []string `yaml:"staticExtensions"`
}

var DefaultAssets = []string{
	"/",
	"/index.html",
	"/manifest.json",
	"/favicon.ico",
	"/logo-jantetelco.jpg",
	"/offline.html",
}

// DefaultRouting mirrors the heuristics the web client shipped with.
func DefaultRouting() Routing {
	return Routing{
		APIPrefix:        "/api/",
		TileMarkers:      []string{"tile", "basemaps", "openstreetmap"},
		TilePathSegment:  "/tiles/",
		DevMarkers:       []string{"hot-update", "__vite", "node_modules"},
		StaticExtensions: []string{"js", "css", "png", "jpg", "jpeg", "gif", "svg", "ico", "woff", "woff2", "ttf", "eot"},
	}
}

// Default returns a config with every default applied and the given origin.
func Default(origin string) Config {
	var cfg Config
	cfg.Server.Origin = origin
	if err := cfg.applyDefaults(); err != nil {
		panic(err)
	}
	return cfg
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, errors.CodeInvalidConfig, "read %s", path)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, errors.CodeInvalidConfig, "parse %s", path)
	}
	if err := cfg.applyDefaults(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() error {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.Origin == "" {
		return errors.New(errors.CodeInvalidConfig, "server.origin is required")
	}
	c.Server.Origin = strings.TrimRight(c.Server.Origin, "/")
	if !strings.HasPrefix(c.Server.Origin, "http://") && !strings.HasPrefix(c.Server.Origin, "https://") {
		return errors.Newf(errors.CodeInvalidConfig, "server.origin must be an http(s) URL, got %q", c.Server.Origin)
	}

	var err error
	if c.Server.originTimeoutDur, err = parseDuration("server.originTimeout", c.Server.OriginTimeout, 30*time.Second); err != nil {
		return err
	}

	if c.Cache.Dir == "" {
		c.Cache.Dir = "./data/cache"
	}
	if c.Cache.Prefix == "" {
		c.Cache.Prefix = "citizen-reports"
	}
	if c.Cache.Version == "" {
		c.Cache.Version = "v3"
	}
	if strings.Contains(c.Cache.Version, "-") {
		return errors.Newf(errors.CodeInvalidConfig, "cache.version must not contain '-', got %q", c.Cache.Version)
	}
	if c.Cache.RAMEntries == 0 {
		c.Cache.RAMEntries = 2048
	}
	if c.Cache.MaxEntry == "" {
		c.Cache.MaxEntry = "8mb"
	}
	if c.Cache.maxEntryBytes, err = parseBytes(c.Cache.MaxEntry); err != nil {
		return errors.Wrap(err, errors.CodeInvalidConfig, "cache.maxEntry")
	}

	if c.Queue.Path == "" {
		c.Queue.Path = "./data/queue.db"
	}

	def := DefaultRouting()
	if c.Routing.APIPrefix == "" {
		c.Routing.APIPrefix = def.APIPrefix
	}
	if !strings.HasPrefix(c.Routing.APIPrefix, "/") {
		return errors.Newf(errors.CodeInvalidConfig, "routing.apiPrefix must start with '/', got %q", c.Routing.APIPrefix)
	}
	if c.Routing.TileMarkers == nil {
		c.Routing.TileMarkers = def.TileMarkers
	}
	if c.Routing.TilePathSegment == "" {
		c.Routing.TilePathSegment = def.TilePathSegment
	}
	if c.Routing.DevMarkers == nil {
		c.Routing.DevMarkers = def.DevMarkers
	}
	if c.Routing.StaticExtensions == nil {
		c.Routing.StaticExtensions = def.StaticExtensions
	}

	if c.Precache.Assets == nil {
		c.Precache.Assets = append([]string(nil), DefaultAssets...)
	}
	for i, a := range c.Precache.Assets {
		if !strings.HasPrefix(a, "/") {
			return errors.Newf(errors.CodeInvalidConfig, "precache.assets[%d] must be root-relative, got %q", i, a)
		}
	}
	if c.Precache.OfflinePage == "" {
		c.Precache.OfflinePage = "/offline.html"
	}
	if c.Precache.Concurrency <= 0 {
		c.Precache.Concurrency = 4
	}

	if c.Sync.Tag == "" {
		c.Sync.Tag = "sync-reports"
	}
	if c.Sync.ProbePath == "" {
		c.Sync.ProbePath = "/"
	}
	if c.Sync.everyDur, err = parseDuration("sync.every", c.Sync.Every, 5*time.Minute); err != nil {
		return err
	}
	if c.Sync.probeInitialDur, err = parseDuration("sync.probeInitial", c.Sync.ProbeInitial, time.Second); err != nil {
		return err
	}
	if c.Sync.probeMaxDur, err = parseDuration("sync.probeMax", c.Sync.ProbeMax, time.Minute); err != nil {
		return err
	}

	if c.Notifications.Icon == "" {
		c.Notifications.Icon = "/logo-jantetelco.jpg"
	}
	if c.Notifications.Badge == "" {
		c.Notifications.Badge = "/favicon.ico"
	}
	if c.Notifications.AMQP.URL != "" && c.Notifications.AMQP.Exchange == "" {
		c.Notifications.AMQP.Exchange = "offline0.notifications"
	}

	if c.Logging.logStatsEveryDur, err = parseDuration("logging.logStatsEvery", c.Logging.LogStatsEvery, 0); err != nil {
		return err
	}
	return nil
}

func parseDuration(key, v string, def time.Duration) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, errors.Wrap(err, errors.CodeInvalidConfig, key)
	}
	if d < 0 {
		return 0, errors.Newf(errors.CodeInvalidConfig, "%s must not be negative", key)
	}
	return d, nil
}

func (c Config) OriginTimeout() time.Duration { return c.Server.originTimeoutDur }

func (c Config) MaxEntryBytes() int64 { return c.Cache.maxEntryBytes }

func (c Config) SyncEvery() time.Duration { return c.Sync.everyDur }

func (c Config) ProbeInitial() time.Duration { return c.Sync.probeInitialDur }

func (c Config) ProbeMax() time.Duration { return c.Sync.probeMaxDur }

func (c Config) LogStatsEvery() time.Duration { return c.Logging.logStatsEveryDur }
