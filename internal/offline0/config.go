package offline0

import (
	"fmt"
	"net/textproto"
	"os"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"offline0/internal/cachestore"
	"offline0/internal/retry"
	"offline0/internal/router"
	"offline0/internal/strategy"
)

type Config struct {
	Server struct {
		Port           int    `yaml:"port"`
		Origin         string `yaml:"origin"`
		RequestTimeout string `yaml:"requestTimeout"`

		// PrecacheConcurrency bounds parallel fetches during install.
		PrecacheConcurrency int `yaml:"precacheConcurrency"`

		requestTimeoutDur time.Duration
	} `yaml:"server"`

	Storage struct {
		Path string `yaml:"path"`
		Disk struct {
			Max string `yaml:"max"`
		} `yaml:"disk"`
		// RetryBackend is leveldb or sqlite. The leveldb backend shares the
		// cache database unless RetryPath is set.
		RetryBackend string `yaml:"retryBackend"`
		RetryPath    string `yaml:"retryPath"`
		SQLitePath   string `yaml:"sqlitePath"`

		diskMaxBytes int64
	} `yaml:"storage"`

	Version struct {
		Token       string `yaml:"token"`
		SkipWaiting bool   `yaml:"skipWaiting"`
		Claim       bool   `yaml:"claim"`
		Precache    struct {
			CacheName string   `yaml:"cacheName"`
			URLs      []string `yaml:"urls"`
			Sitemaps  []string `yaml:"sitemaps"`
		} `yaml:"precache"`
	} `yaml:"version"`

	Routes []Route `yaml:"routes"`

	Default string `yaml:"default"`

	OfflineFallback struct {
		CacheName string `yaml:"cacheName"`
		URL       string `yaml:"url"`
	} `yaml:"offlineFallback"`

	Retry struct {
		MaxRetention string `yaml:"maxRetention"`
		ReplayEvery  string `yaml:"replayEvery"`

		maxRetentionDur time.Duration
		replayEveryDur  time.Duration
	} `yaml:"retry"`

	Logging struct {
		Level      string `yaml:"level"`
		StatsEvery string `yaml:"statsEvery"`

		level         zerolog.Level
		statsEveryDur time.Duration
	} `yaml:"logging"`

	defaultAction router.DefaultAction
}

type Route struct {
	Name                   string   `yaml:"name"`
	Match                  string   `yaml:"match"`
	Methods                []string `yaml:"methods"`
	Strategy               string   `yaml:"strategy"`
	CacheName              string   `yaml:"cacheName"`
	NetworkTimeout         string   `yaml:"networkTimeout"`
	WriteLateNetworkResult bool     `yaml:"writeLateNetworkResult"`
	Vary                   []string `yaml:"vary"`
	Expiration             struct {
		MaxEntries int    `yaml:"maxEntries"`
		MaxAge     string `yaml:"maxAge"`
	} `yaml:"expiration"`
	Queue string `yaml:"queue"`

	// compiled
	pred router.Predicate
	spec strategy.Spec
	exp  cachestore.Expiration
}

const (
	retryBackendLevelDB = "leveldb"
	retryBackendSQLite  = "sqlite"
)

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

// ParseConfig decodes and validates a YAML document, filling defaults.
func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return Config{}, fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	if !strings.HasPrefix(cfg.Server.Origin, "http://") && !strings.HasPrefix(cfg.Server.Origin, "https://") {
		return Config{}, fmt.Errorf("server.origin: absolute http(s) URL required, got %q", cfg.Server.Origin)
	}
	if err := parseDuration(cfg.Server.RequestTimeout, "30s", &cfg.Server.requestTimeoutDur); err != nil {
		return Config{}, fmt.Errorf("server.requestTimeout: %w", err)
	}
	if cfg.Server.PrecacheConcurrency < 0 {
		return Config{}, fmt.Errorf("server.precacheConcurrency: must not be negative")
	}

	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data/leveldb"
	}
	if cfg.Storage.Disk.Max != "" {
		n, err := parseBytes(cfg.Storage.Disk.Max)
		if err != nil {
			return Config{}, fmt.Errorf("storage.disk.max: %w", err)
		}
		cfg.Storage.diskMaxBytes = n
	}
	switch cfg.Storage.RetryBackend {
	case "":
		cfg.Storage.RetryBackend = retryBackendLevelDB
	case retryBackendLevelDB:
	case retryBackendSQLite:
		if cfg.Storage.SQLitePath == "" {
			cfg.Storage.SQLitePath = "./data/retry.db"
		}
	default:
		return Config{}, fmt.Errorf("storage.retryBackend: unknown backend %q", cfg.Storage.RetryBackend)
	}

	if cfg.Version.Token == "" {
		return Config{}, fmt.Errorf("version.token is required")
	}
	if strings.Contains(cfg.Version.Token, "#") {
		return Config{}, fmt.Errorf("version.token: must not contain '#'")
	}
	if err := cfg.compileRoutes(); err != nil {
		return Config{}, err
	}

	pc := &cfg.Version.Precache
	if (len(pc.URLs) > 0 || len(pc.Sitemaps) > 0) && pc.CacheName == "" {
		return Config{}, fmt.Errorf("version.precache.cacheName is required with urls or sitemaps")
	}
	for i, u := range pc.URLs {
		pc.URLs[i] = cfg.absoluteURL(u)
	}

	fb := &cfg.OfflineFallback
	if fb.URL != "" {
		if fb.CacheName == "" {
			fb.CacheName = pc.CacheName
		}
		if fb.CacheName == "" {
			return Config{}, fmt.Errorf("offlineFallback.cacheName is required")
		}
		fb.URL = cfg.absoluteURL(fb.URL)
		// the fallback entry is only useful if install stores it
		if fb.CacheName == pc.CacheName && !contains(pc.URLs, fb.URL) {
			pc.URLs = append(pc.URLs, fb.URL)
		}
	}

	switch strings.ToLower(cfg.Default) {
	case "", "passthrough":
		cfg.defaultAction = router.Passthrough
	case "reject":
		cfg.defaultAction = router.Reject
	default:
		return Config{}, fmt.Errorf("default: expected passthrough or reject, got %q", cfg.Default)
	}

	if err := parseDuration(cfg.Retry.MaxRetention, "", &cfg.Retry.maxRetentionDur); err != nil {
		return Config{}, fmt.Errorf("retry.maxRetention: %w", err)
	}
	if cfg.Retry.maxRetentionDur == 0 {
		cfg.Retry.maxRetentionDur = retry.DefaultMaxRetention
	}
	if err := parseDuration(cfg.Retry.ReplayEvery, "", &cfg.Retry.replayEveryDur); err != nil {
		return Config{}, fmt.Errorf("retry.replayEvery: %w", err)
	}

	cfg.Logging.level = zerolog.InfoLevel
	if cfg.Logging.Level != "" {
		lvl, err := zerolog.ParseLevel(strings.ToLower(cfg.Logging.Level))
		if err != nil {
			return Config{}, fmt.Errorf("logging.level: %w", err)
		}
		cfg.Logging.level = lvl
	}
	if err := parseDuration(cfg.Logging.StatsEvery, "", &cfg.Logging.statsEveryDur); err != nil {
		return Config{}, fmt.Errorf("logging.statsEvery: %w", err)
	}

	return cfg, nil
}

func (cfg *Config) compileRoutes() error {
	policies := map[string]cachestore.Expiration{}
	varies := map[string]string{}
	for i := range cfg.Routes {
		r := &cfg.Routes[i]
		if r.Name == "" {
			r.Name = "route" + strconv.Itoa(i)
		}
		pred, err := router.ParseMatch(r.Match)
		if err != nil {
			return fmt.Errorf("routes[%d].match: %w", i, err)
		}
		r.pred = router.Methods(pred, r.Methods...)

		kind, err := strategy.ParseKind(r.Strategy)
		if err != nil {
			return fmt.Errorf("routes[%d].strategy: %w", i, err)
		}
		if kind.UsesCache() && r.CacheName == "" {
			return fmt.Errorf("routes[%d].cacheName: required for %s", i, kind)
		}
		if strings.Contains(r.CacheName, "#") {
			return fmt.Errorf("routes[%d].cacheName: must not contain '#'", i)
		}
		var timeout time.Duration
		if err := parseDuration(r.NetworkTimeout, "", &timeout); err != nil {
			return fmt.Errorf("routes[%d].networkTimeout: %w", i, err)
		}
		r.spec = strategy.Spec{
			Kind:                   kind,
			NetworkTimeout:         timeout,
			WriteLateNetworkResult: r.WriteLateNetworkResult,
			Vary:                   r.Vary,
		}

		if r.Expiration.MaxEntries < 0 {
			return fmt.Errorf("routes[%d].expiration.maxEntries: negative", i)
		}
		r.exp.MaxEntries = r.Expiration.MaxEntries
		if err := parseDuration(r.Expiration.MaxAge, "", &r.exp.MaxAge); err != nil {
			return fmt.Errorf("routes[%d].expiration.maxAge: %w", i, err)
		}
		if r.CacheName != "" {
			if prev, ok := policies[r.CacheName]; ok && prev != r.exp {
				return fmt.Errorf("routes[%d].expiration: conflicts with another route using cache %q", i, r.CacheName)
			}
			policies[r.CacheName] = r.exp
			sig := varySignature(r.Vary)
			if prev, ok := varies[r.CacheName]; ok && prev != sig {
				return fmt.Errorf("routes[%d].vary: conflicts with another route using cache %q", i, r.CacheName)
			}
			varies[r.CacheName] = sig
		}
	}
	return nil
}

// Addr is the listen address.
func (cfg *Config) Addr() string { return fmt.Sprintf(":%d", cfg.Server.Port) }

func (cfg *Config) LogLevel() zerolog.Level { return cfg.Logging.level }

// RouterRoutes converts the compiled routes for router.New.
func (cfg *Config) RouterRoutes() []router.Route {
	out := make([]router.Route, 0, len(cfg.Routes))
	for _, r := range cfg.Routes {
		out = append(out, router.Route{
			Name:       r.Name,
			Match:      r.pred,
			Strategy:   r.spec,
			CacheName:  r.CacheName,
			Expiration: r.exp,
			Queue:      r.Queue,
		})
	}
	return out
}

// vary returns the vary list routes declare for cacheName.
func (cfg *Config) vary(cacheName string) []string {
	for _, r := range cfg.Routes {
		if r.CacheName == cacheName {
			return r.Vary
		}
	}
	return nil
}

func varySignature(names []string) string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			out = append(out, textproto.CanonicalMIMEHeaderKey(n))
		}
	}
	sort.Strings(out)
	return strings.Join(slices.Compact(out), ",")
}

// expiration returns the policy routes declare for cacheName.
func (cfg *Config) expiration(cacheName string) cachestore.Expiration {
	for _, r := range cfg.Routes {
		if r.CacheName == cacheName {
			return r.exp
		}
	}
	return cachestore.Expiration{}
}

func (cfg *Config) absoluteURL(u string) string {
	u = strings.TrimSpace(u)
	if u == "" {
		return u
	}
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return cfg.Server.Origin + u
}

func parseDuration(s, def string, dst *time.Duration) error {
	s = strings.TrimSpace(s)
	if s == "" {
		s = def
	}
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	if d < 0 {
		return fmt.Errorf("negative duration %q", s)
	}
	*dst = d
	return nil
}

func parseBytes(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	mult := int64(1)
	last := s[len(s)-1]
	if last == 'b' {
		s = strings.TrimSpace(s[:len(s)-1])
		if s == "" {
			return 0, fmt.Errorf("invalid size")
		}
		last = s[len(s)-1]
	}
	switch last {
	case 'k':
		mult = 1024
		s = s[:len(s)-1]
	case 'm':
		mult = 1024 * 1024
		s = s[:len(s)-1]
	case 'g':
		mult = 1024 * 1024 * 1024
		s = s[:len(s)-1]
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, fmt.Errorf("negative size")
	}
	return int64(v * float64(mult)), nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
