package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

type ServerCfg struct {
	Listen             string   `yaml:"listen"`
	ReadTimeoutMs      int      `yaml:"read_timeout_ms"`
	WriteTimeoutMs     int      `yaml:"write_timeout_ms"`
	TrustedProxies     []string `yaml:"trusted_proxies"` // CIDRs allowed to set X-Forwarded-For
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`

	TrustedProxyCIDRs []*net.IPNet `yaml:"-"`
}

// CookieCfg controls the session cookie written by the exchange endpoint.
// The cookie is always HttpOnly.
type CookieCfg struct {
	Domain   string `yaml:"domain"` // parent domain, e.g. ".tripp.chat"
	Path     string `yaml:"path"`
	SameSite string `yaml:"same_site"` // Lax | None | Strict
	// Insecure drops the Secure attribute for plain-http local development.
	Insecure bool `yaml:"insecure"`
}

// CookieNamesCfg names the inbound cookies. They are deployment specific.
type CookieNamesCfg struct {
	IDToken     string   `yaml:"id_token"`
	Session     string   `yaml:"session"`
	SoftSession []string `yaml:"soft_session"` // checked in order after Session
	Legacy      string   `yaml:"legacy"`
}

type BreakerCfg struct {
	FailureThreshold int `yaml:"failure_threshold"`
	TimeoutSec       int `yaml:"timeout_sec"`
}

type IdentityCfg struct {
	JWKSURL         string     `yaml:"jwks_url"`
	Issuer          string     `yaml:"issuer"`
	Audience        string     `yaml:"audience"`
	CacheTTLMinutes int        `yaml:"cache_ttl_minutes"`
	FetchTimeoutMs  int        `yaml:"fetch_timeout_ms"`
	SkewSec         int        `yaml:"skew_sec"`
	MinRefreshSec   int        `yaml:"min_refresh_sec"` // key set age before an unknown kid may refetch
	RefreshURL      string     `yaml:"refresh_url"`     // where clients go to re-establish the id token
	ClientIDHeader  string     `yaml:"client_id_header"`
	ClientIDQuery   string     `yaml:"client_id_query"`
	DefaultClientID string     `yaml:"default_client_id"`
	Breaker         BreakerCfg `yaml:"breaker"`
}

// LegacyCfg configures the HS256 app-session cookie path.
type LegacyCfg struct {
	Alg        string            `yaml:"alg"`
	Keys       map[string]string `yaml:"keys"` // kid -> base64url secret
	CurrentKID string            `yaml:"current_kid"`
	Issuer     string            `yaml:"issuer"`
	SkewSec    int               `yaml:"skew_sec"`
}

func (l LegacyCfg) Enabled() bool { return len(l.Keys) > 0 }

type SessionCfg struct {
	MaxPerUser  int    `yaml:"max_per_user"`
	TTLMinutes  int    `yaml:"ttl_minutes"`
	Store       string `yaml:"store"` // memory | postgres
	DatabaseURL string `yaml:"database_url"`
	DefaultTier string `yaml:"default_tier"`
}

type RouteLimit struct {
	Requests  int `yaml:"requests"`
	WindowSec int `yaml:"window_sec"`
}

type RateLimitCfg struct {
	Requests  int                   `yaml:"requests"`
	WindowSec int                   `yaml:"window_sec"`
	Capacity  int                   `yaml:"capacity"` // max tracked keys
	Routes    map[string]RouteLimit `yaml:"routes"`
}

type ScreenCfg struct {
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

type UpstreamCfg struct {
	Origin    string   `yaml:"origin"` // chat backend base URL; empty disables proxying
	Routes    []string `yaml:"routes"` // path prefixes forwarded upstream
	TimeoutMs int      `yaml:"timeout_ms"`
}

type LoggingCfg struct {
	Level      string `yaml:"level"` // info|debug
	File       string `yaml:"file"`  // optional; rotated with lumberjack
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

type Config struct {
	Server      ServerCfg      `yaml:"server"`
	Cookie      CookieCfg      `yaml:"cookie"`
	CookieNames CookieNamesCfg `yaml:"cookie_names"`
	Identity    IdentityCfg    `yaml:"identity"`
	Legacy      LegacyCfg      `yaml:"legacy"`
	Session     SessionCfg     `yaml:"session"`
	RateLimit   RateLimitCfg   `yaml:"rate_limit"`
	Screen      ScreenCfg      `yaml:"screen"`
	Upstream    UpstreamCfg    `yaml:"upstream"`
	Logging     LoggingCfg     `yaml:"logging"`
}

// Load reads the YAML file at path (if path is non-empty), applies
// environment overrides and fills defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, err
		}
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)

	for _, c := range cfg.Server.TrustedProxies {
		_, n, err := net.ParseCIDR(strings.TrimSpace(c))
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy cidr %q: %w", c, err)
		}
		cfg.Server.TrustedProxyCIDRs = append(cfg.Server.TrustedProxyCIDRs, n)
	}
	return &cfg, nil
}

// applyEnv overrides file values with the recognised environment variables.
func applyEnv(cfg *Config) {
	v := viper.New()
	v.AutomaticEnv()

	str := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	num := func(key string, dst *int) {
		if v.IsSet(key) {
			*dst = v.GetInt(key)
		}
	}

	str("LISTEN_ADDR", &cfg.Server.Listen)
	str("COOKIE_DOMAIN", &cfg.Cookie.Domain)
	str("JWKS_URL", &cfg.Identity.JWKSURL)
	str("JWT_ISSUER", &cfg.Identity.Issuer)
	str("JWT_AUDIENCE", &cfg.Identity.Audience)
	num("JWKS_CACHE_TTL_MINUTES", &cfg.Identity.CacheTTLMinutes)
	num("JWKS_FETCH_TIMEOUT_MS", &cfg.Identity.FetchTimeoutMs)
	num("JWKS_MIN_REFRESH_SECONDS", &cfg.Identity.MinRefreshSec)
	str("ID_TOKEN_REFRESH_URL", &cfg.Identity.RefreshURL)
	num("MAX_SESSIONS_PER_USER", &cfg.Session.MaxPerUser)
	num("SESSION_TTL_MINUTES", &cfg.Session.TTLMinutes)
	str("DATABASE_URL", &cfg.Session.DatabaseURL)
	str("SESSION_STORE", &cfg.Session.Store)
	num("RATE_LIMIT_REQUESTS", &cfg.RateLimit.Requests)
	num("RATE_LIMIT_WINDOW_SECONDS", &cfg.RateLimit.WindowSec)
	str("LOG_LEVEL", &cfg.Logging.Level)
	str("UPSTREAM_ORIGIN", &cfg.Upstream.Origin)

	if v.IsSet("CORS_ALLOWED_ORIGINS") {
		cfg.Server.CORSAllowedOrigins = splitList(v.GetString("CORS_ALLOWED_ORIGINS"))
	}
	if v.IsSet("LEGACY_SESSION_SECRET") {
		cfg.Legacy.Keys = map[string]string{"env": v.GetString("LEGACY_SESSION_SECRET")}
		cfg.Legacy.CurrentKID = "env"
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = ":8080"
	}
	if cfg.Server.ReadTimeoutMs == 0 {
		cfg.Server.ReadTimeoutMs = 5000
	}
	if cfg.Server.WriteTimeoutMs == 0 {
		cfg.Server.WriteTimeoutMs = 60000
	}
	if cfg.Cookie.Path == "" {
		cfg.Cookie.Path = "/"
	}
	if cfg.Cookie.SameSite == "" {
		cfg.Cookie.SameSite = "Lax"
	}
	if cfg.CookieNames.IDToken == "" {
		cfg.CookieNames.IDToken = "HH_ID_TOKEN"
	}
	if cfg.CookieNames.Session == "" {
		cfg.CookieNames.Session = "HH_SESSION_ID"
	}
	if len(cfg.CookieNames.SoftSession) == 0 {
		cfg.CookieNames.SoftSession = []string{"SESSION_ID", "ANON_SESSION_ID"}
	}
	if cfg.CookieNames.Legacy == "" {
		cfg.CookieNames.Legacy = "APP_SESSION"
	}
	if cfg.Identity.CacheTTLMinutes == 0 {
		cfg.Identity.CacheTTLMinutes = 5
	}
	if cfg.Identity.FetchTimeoutMs == 0 {
		cfg.Identity.FetchTimeoutMs = 3000
	}
	if cfg.Identity.SkewSec == 0 {
		cfg.Identity.SkewSec = 120
	}
	if cfg.Identity.MinRefreshSec == 0 {
		cfg.Identity.MinRefreshSec = 30
	}
	if cfg.Identity.ClientIDHeader == "" {
		cfg.Identity.ClientIDHeader = "X-Client-Id"
	}
	if cfg.Identity.ClientIDQuery == "" {
		cfg.Identity.ClientIDQuery = "client_id"
	}
	if cfg.Identity.DefaultClientID == "" {
		cfg.Identity.DefaultClientID = "tripp-web"
	}
	if cfg.Identity.Breaker.FailureThreshold == 0 {
		cfg.Identity.Breaker.FailureThreshold = 5
	}
	if cfg.Identity.Breaker.TimeoutSec == 0 {
		cfg.Identity.Breaker.TimeoutSec = 30
	}
	if cfg.Legacy.Alg == "" {
		cfg.Legacy.Alg = "HS256"
	}
	if cfg.Legacy.Issuer == "" {
		cfg.Legacy.Issuer = "tripp-app"
	}
	if cfg.Legacy.SkewSec == 0 {
		cfg.Legacy.SkewSec = 120
	}
	if cfg.Session.MaxPerUser == 0 {
		cfg.Session.MaxPerUser = 5
	}
	if cfg.Session.TTLMinutes == 0 {
		cfg.Session.TTLMinutes = 1440
	}
	if cfg.Session.Store == "" {
		cfg.Session.Store = "memory"
	}
	if cfg.Session.DefaultTier == "" {
		cfg.Session.DefaultTier = "free"
	}
	if cfg.RateLimit.Requests == 0 {
		cfg.RateLimit.Requests = 30
	}
	if cfg.RateLimit.WindowSec == 0 {
		cfg.RateLimit.WindowSec = 60
	}
	if cfg.RateLimit.Capacity == 0 {
		cfg.RateLimit.Capacity = 100_000
	}
	if cfg.Screen.MaxBodyBytes == 0 {
		cfg.Screen.MaxBodyBytes = 64 * 1024
	}
	if len(cfg.Upstream.Routes) == 0 {
		cfg.Upstream.Routes = []string{"/api/chat", "/api/preferences"}
	}
	if cfg.Upstream.TimeoutMs == 0 {
		cfg.Upstream.TimeoutMs = 120000
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 3
	}
}

func (c *Config) Validate() error {
	if c.Identity.JWKSURL == "" {
		return errors.New("identity.jwks_url required")
	}
	if c.Identity.Issuer == "" || c.Identity.Audience == "" {
		return errors.New("identity.issuer and identity.audience required")
	}
	if c.Identity.FetchTimeoutMs < 0 || c.Identity.CacheTTLMinutes < 0 || c.Identity.MinRefreshSec < 0 {
		return errors.New("identity.fetch_timeout_ms, identity.cache_ttl_minutes and identity.min_refresh_sec must be >= 0")
	}
	if c.Cookie.Domain == "" && !c.Cookie.Insecure {
		return errors.New("cookie.domain required (parent domain of the web and api hosts); set cookie.insecure for local development")
	}
	switch strings.ToLower(c.Cookie.SameSite) {
	case "lax", "none", "strict":
	default:
		return errors.New("cookie.same_site must be 'Lax', 'None' or 'Strict'")
	}
	if c.Session.MaxPerUser < 1 {
		return errors.New("session.max_per_user must be >= 1")
	}
	if c.Session.TTLMinutes <= 0 {
		return errors.New("session.ttl_minutes must be > 0")
	}
	switch c.Session.Store {
	case "memory":
	case "postgres":
		if c.Session.DatabaseURL == "" {
			return errors.New("session.database_url required when session.store is postgres")
		}
	default:
		return fmt.Errorf("session.store must be 'memory' or 'postgres', got %q", c.Session.Store)
	}
	if c.RateLimit.Requests <= 0 || c.RateLimit.WindowSec <= 0 {
		return errors.New("rate_limit.requests and rate_limit.window_sec must be > 0")
	}
	for route, rl := range c.RateLimit.Routes {
		if rl.Requests <= 0 || rl.WindowSec <= 0 {
			return fmt.Errorf("rate_limit.routes[%s] requests and window_sec must be > 0", route)
		}
	}
	if c.Legacy.Enabled() {
		if _, ok := c.Legacy.Keys[c.Legacy.CurrentKID]; !ok {
			return errors.New("legacy.current_kid not found in legacy.keys")
		}
	}
	return nil
}

func (c *Config) KeyCacheTTL() time.Duration {
	return time.Duration(c.Identity.CacheTTLMinutes) * time.Minute
}

func (c *Config) KeyFetchTimeout() time.Duration {
	return time.Duration(c.Identity.FetchTimeoutMs) * time.Millisecond
}

func (c *Config) KeyMinRefresh() time.Duration {
	return time.Duration(c.Identity.MinRefreshSec) * time.Second
}

func (c *Config) Skew() time.Duration {
	return time.Duration(c.Identity.SkewSec) * time.Second
}

func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.Session.TTLMinutes) * time.Minute
}

// RouteLimit returns the request budget for route, falling back to the defaults.
func (c *Config) RouteLimit(route string) (int, time.Duration) {
	if rl, ok := c.RateLimit.Routes[route]; ok {
		return rl.Requests, time.Duration(rl.WindowSec) * time.Second
	}
	return c.RateLimit.Requests, time.Duration(c.RateLimit.WindowSec) * time.Second
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
