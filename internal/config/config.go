// Package config loads peer directory settings from an optional JSON file and
// the environment. Environment variables win over the file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

const (
	CacheRedis   = "redis"
	CacheLevelDB = "leveldb"
)

type Bootnode struct {
	URL         string `json:"url"`
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"`
	RequireAuth bool   `json:"require_auth,omitempty"`
}

type Config struct {
	configFile string

	ListenAddr string `json:"listen_addr"`
	AdminToken string `json:"admin_token"`

	Bootnodes   []Bootnode `json:"bootnodes"`
	CORSOrigins []string   `json:"cors_origins"`

	RefreshThresholdSec   int `json:"refresh_threshold_sec"`
	DeleteThresholdSec    int `json:"delete_threshold_sec"`
	RefreshBatchSize      int `json:"refresh_batch_size"`
	MaxRefreshPerCycle    int `json:"max_refresh_per_cycle"`
	RefreshCallTimeoutSec int `json:"refresh_call_timeout_sec"`
	RefreshSettleMs       int `json:"refresh_settle_ms"`
	FetchTimeoutSec       int `json:"fetch_timeout_sec"`
	GeoCacheExpirySec     int `json:"geo_cache_expiry_sec"`
	CycleIntervalSec      int `json:"cycle_interval_sec"`
	GeoConcurrency        int `json:"geo_concurrency"`

	CacheBackend string `json:"cache_backend"`
	LevelDBPath  string `json:"leveldb_path"`

	Redis struct {
		Host     string `json:"host"`
		Port     string `json:"port"`
		Password string `json:"password"`
		DB       int    `json:"db"`
	} `json:"redis"`

	Geo struct {
		Token         string  `json:"token"`
		BaseURL       string  `json:"base_url"`
		RatePerSecond float64 `json:"rate_per_second"`
		Burst         int     `json:"burst"`
	} `json:"geo"`

	Debug bool `json:"debug"`
}

// Default returns the settings of the public Ethereum Classic deployment.
// Bootnode credentials are read from NODE_AUTH_USERNAME and NODE_AUTH_PASSWORD.
func Default() *Config {
	cfg := &Config{
		ListenAddr: ":3000",
		Bootnodes: []Bootnode{
			{URL: "https://ams.peers.etcnodes.org:8540", Username: "${NODE_AUTH_USERNAME}", Password: "${NODE_AUTH_PASSWORD}", RequireAuth: true},
			{URL: "https://sfo.peers.etcnodes.org:8540", Username: "${NODE_AUTH_USERNAME}", Password: "${NODE_AUTH_PASSWORD}", RequireAuth: true},
			{URL: "https://nyc.peers.etcnodes.org:8540", Username: "${NODE_AUTH_USERNAME}", Password: "${NODE_AUTH_PASSWORD}", RequireAuth: true},
			{URL: "https://besu-de.etc-network.info"},
		},
		CORSOrigins: []string{
			`\.?etcnodes\.org$`,
			`nodes\.etc-network\.info$`,
			`127\.0\.0\.1`,
			`localhost`,
		},
		RefreshThresholdSec:   60 * 60,
		DeleteThresholdSec:    60 * 60 * 24,
		RefreshBatchSize:      10,
		MaxRefreshPerCycle:    50,
		RefreshCallTimeoutSec: 10,
		RefreshSettleMs:       2000,
		FetchTimeoutSec:       60,
		GeoCacheExpirySec:     10 * 60 * 60 * 24,
		CycleIntervalSec:      5 * 60,
		GeoConcurrency:        8,
		CacheBackend:          CacheRedis,
		LevelDBPath:           "data/peerdir",
	}
	cfg.Redis.Host = "127.0.0.1"
	cfg.Redis.Port = "6379"
	cfg.Geo.RatePerSecond = 5
	cfg.Geo.Burst = 5
	return cfg
}

// Load reads path (when non-empty) over the defaults, applies environment
// overrides and expands ${VAR} references in credentials.
func Load(path string) (*Config, error) {
	cfg := Default()
	cfg.configFile = path
	if path != "" {
		logrus.WithField("path", path).Info("loading config")
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		// Decoding into the default slice would merge fields into its elements.
		defaults := cfg.Bootnodes
		cfg.Bootnodes = nil
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if cfg.Bootnodes == nil {
			cfg.Bootnodes = defaults
		}
	}
	cfg.applyEnv()
	cfg.expandSecrets()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("PORT")); v != "" {
		c.ListenAddr = ":" + v
	}
	c.ListenAddr = valueWithDefault("PEERDIR_ADDR", c.ListenAddr)
	c.AdminToken = valueWithDefault("PEERDIR_ADMIN_TOKEN", c.AdminToken)
	if urls := splitCSV(os.Getenv("PEERDIR_BOOTNODES")); len(urls) > 0 {
		c.Bootnodes = c.Bootnodes[:0]
		for _, u := range urls {
			c.Bootnodes = append(c.Bootnodes, Bootnode{
				URL:      u,
				Username: "${NODE_AUTH_USERNAME}",
				Password: "${NODE_AUTH_PASSWORD}",
			})
		}
	}
	if origins := splitCSV(os.Getenv("PEERDIR_CORS_ORIGINS")); len(origins) > 0 {
		c.CORSOrigins = origins
	}
	c.RefreshThresholdSec = intWithDefault("PEERDIR_REFRESH_THRESHOLD_SEC", c.RefreshThresholdSec)
	c.DeleteThresholdSec = intWithDefault("PEERDIR_DELETE_THRESHOLD_SEC", c.DeleteThresholdSec)
	c.RefreshBatchSize = intWithDefault("PEERDIR_REFRESH_BATCH_SIZE", c.RefreshBatchSize)
	c.MaxRefreshPerCycle = intWithDefault("PEERDIR_MAX_REFRESH_PER_CYCLE", c.MaxRefreshPerCycle)
	c.RefreshCallTimeoutSec = intWithDefault("PEERDIR_REFRESH_CALL_TIMEOUT_SEC", c.RefreshCallTimeoutSec)
	c.RefreshSettleMs = intWithDefault("PEERDIR_REFRESH_SETTLE_MS", c.RefreshSettleMs)
	c.FetchTimeoutSec = intWithDefault("PEERDIR_FETCH_TIMEOUT_SEC", c.FetchTimeoutSec)
	c.GeoCacheExpirySec = intWithDefault("PEERDIR_GEO_CACHE_EXPIRY_SEC", c.GeoCacheExpirySec)
	c.CycleIntervalSec = intWithDefault("PEERDIR_CYCLE_INTERVAL_SEC", c.CycleIntervalSec)
	c.GeoConcurrency = intWithDefault("PEERDIR_GEO_CONCURRENCY", c.GeoConcurrency)
	c.CacheBackend = strings.ToLower(valueWithDefault("PEERDIR_CACHE_BACKEND", c.CacheBackend))
	c.LevelDBPath = valueWithDefault("PEERDIR_LEVELDB_PATH", c.LevelDBPath)
	c.Redis.Host = valueWithDefault("REDIS_HOST", c.Redis.Host)
	c.Redis.Port = valueWithDefault("REDIS_PORT", c.Redis.Port)
	c.Redis.Password = valueWithDefault("REDIS_PASSWORD", c.Redis.Password)
	c.Geo.Token = valueWithDefault("IPINFO_API_TOKEN", c.Geo.Token)
	if v := strings.TrimSpace(os.Getenv("DEBUG")); v != "" {
		c.Debug = v != "0" && !strings.EqualFold(v, "false")
	}
}

func (c *Config) expandSecrets() {
	for i := range c.Bootnodes {
		c.Bootnodes[i].URL = strings.TrimSpace(c.Bootnodes[i].URL)
		c.Bootnodes[i].Username = os.ExpandEnv(c.Bootnodes[i].Username)
		c.Bootnodes[i].Password = os.ExpandEnv(c.Bootnodes[i].Password)
	}
	c.AdminToken = os.ExpandEnv(c.AdminToken)
	c.Geo.Token = os.ExpandEnv(c.Geo.Token)
	c.Redis.Password = os.ExpandEnv(c.Redis.Password)
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var err error
	if len(c.Bootnodes) == 0 {
		err = multierr.Append(err, errors.New("no bootnodes configured"))
	}
	seen := make(map[string]struct{}, len(c.Bootnodes))
	for _, b := range c.Bootnodes {
		u, perr := url.Parse(b.URL)
		if perr != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			err = multierr.Append(err, fmt.Errorf("bootnode %q: invalid url", b.URL))
			continue
		}
		if _, dup := seen[b.URL]; dup {
			err = multierr.Append(err, fmt.Errorf("bootnode %q: listed twice", b.URL))
		}
		seen[b.URL] = struct{}{}
		if b.RequireAuth && (b.Username == "" || b.Password == "") {
			err = multierr.Append(err, fmt.Errorf("bootnode %q: credentials required", b.URL))
		}
	}
	if c.RefreshThresholdSec <= 0 {
		err = multierr.Append(err, errors.New("refresh_threshold_sec must be positive"))
	}
	if c.RefreshThresholdSec >= c.DeleteThresholdSec {
		err = multierr.Append(err, fmt.Errorf("refresh_threshold_sec (%d) must be lower than delete_threshold_sec (%d)", c.RefreshThresholdSec, c.DeleteThresholdSec))
	}
	if c.RefreshBatchSize <= 0 {
		err = multierr.Append(err, errors.New("refresh_batch_size must be positive"))
	}
	if c.MaxRefreshPerCycle < 0 {
		err = multierr.Append(err, errors.New("max_refresh_per_cycle must not be negative"))
	}
	if c.RefreshCallTimeoutSec <= 0 || c.FetchTimeoutSec <= 0 {
		err = multierr.Append(err, errors.New("timeouts must be positive"))
	}
	if c.RefreshSettleMs < 0 {
		err = multierr.Append(err, errors.New("refresh_settle_ms must not be negative"))
	}
	if c.CycleIntervalSec <= 0 {
		err = multierr.Append(err, errors.New("cycle_interval_sec must be positive"))
	}
	if !c.Debug && c.Geo.Token == "" {
		err = multierr.Append(err, errors.New("IPINFO_API_TOKEN is required unless DEBUG is set"))
	}
	switch c.CacheBackend {
	case CacheRedis:
		if c.Redis.Host == "" || c.Redis.Port == "" {
			err = multierr.Append(err, errors.New("redis host and port are required"))
		}
	case CacheLevelDB:
		if c.LevelDBPath == "" {
			err = multierr.Append(err, errors.New("leveldb_path is required"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("unknown cache_backend %q", c.CacheBackend))
	}
	for _, o := range c.CORSOrigins {
		if _, cerr := regexp.Compile(o); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("cors origin %q: %w", o, cerr))
		}
	}
	return err
}

// Path is the file the config was loaded from, empty when env-only.
func (c *Config) Path() string {
	return c.configFile
}

func (c *Config) RedisAddr() string {
	return net.JoinHostPort(c.Redis.Host, c.Redis.Port)
}

func (c *Config) RefreshThreshold() time.Duration {
	return time.Duration(c.RefreshThresholdSec) * time.Second
}

func (c *Config) DeleteThreshold() time.Duration {
	return time.Duration(c.DeleteThresholdSec) * time.Second
}

func (c *Config) RefreshCallTimeout() time.Duration {
	return time.Duration(c.RefreshCallTimeoutSec) * time.Second
}

func (c *Config) RefreshSettle() time.Duration {
	return time.Duration(c.RefreshSettleMs) * time.Millisecond
}

func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSec) * time.Second
}

func (c *Config) GeoCacheExpiry() time.Duration {
	return time.Duration(c.GeoCacheExpirySec) * time.Second
}

func (c *Config) CycleInterval() time.Duration {
	return time.Duration(c.CycleIntervalSec) * time.Second
}

func valueWithDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func intWithDefault(key string, fallback int) int {
	v, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return fallback
	}
	return v
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
