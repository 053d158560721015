package gateway

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// GatewayConfig is the top-level config structure parsed from config.yaml.
// Every operationally relevant field can be overridden by an environment
// variable; see applyEnvOverrides.
type GatewayConfig struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Container ContainerConfig `yaml:"container"`
}

// ServerConfig holds the public HTTP listener settings.
type ServerConfig struct {
	// Port the gateway listens on (default: "8080"). Env: PORT.
	Port string `yaml:"port"`
	// Host is the bind address (default: "0.0.0.0"). Env: HOST.
	Host string `yaml:"host"`
	// PublicURL is the externally reachable base URL used to build
	// iframe URLs (default: "http://localhost:<port>"). Env: PUBLIC_URL.
	PublicURL string `yaml:"public_url"`
	// LogLevel is one of debug, info, warn, error (default: "info"). Env: LOG_LEVEL.
	LogLevel string `yaml:"log_level"`
	// AllowedOrigins is the CORS origin allowlist. "*" allows any origin.
	// Env: ALLOWED_ORIGINS (comma-separated).
	AllowedOrigins []string `yaml:"allowed_origins"`
	// TrustedProxies is a list of CIDR blocks (e.g. "10.0.0.0/8") whose
	// X-Forwarded-For header is trusted when resolving the client IP.
	// If empty, the gateway always uses RemoteAddr. (default: [])
	TrustedProxies []string `yaml:"trusted_proxies"`
	// MaxBodyBytes caps request body size on the /api/ routes
	// (default: 10 MiB). File maps can be large, hence the generous cap.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
	// RateLimitPerMinute is the per-IP token refill rate on /api/ routes
	// (default: 100). Proxied preview traffic is exempt. Env: RATE_LIMIT_PER_MINUTE.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
	// RateLimitBurst is the per-IP bucket size (default: 20).
	RateLimitBurst int `yaml:"rate_limit_burst"`
}

// AuthConfig holds identity-provider and policy-store settings.
type AuthConfig struct {
	// PolicyURL is the base URL of the policy store API. Env: POLICY_API_URL.
	PolicyURL string `yaml:"policy_url"`
	// PolicyServiceKey authenticates the gateway to the policy store.
	// Env: POLICY_SERVICE_KEY.
	PolicyServiceKey string `yaml:"policy_service_key"`
	// JWKSURL is the identity provider's JWKS endpoint used to verify
	// bearer tokens. Env: JWKS_URL.
	JWKSURL string `yaml:"jwks_url"`
	// Issuer is the expected token issuer; empty skips the check. Env: JWT_ISSUER.
	Issuer string `yaml:"issuer"`
	// Audience is the expected token audience; empty skips the check. Env: JWT_AUDIENCE.
	Audience string `yaml:"audience"`
	// DevMode stubs an authenticated user with wildcard permissions.
	// Controlled exclusively by the DEV_MODE=true env flag; the field is
	// never read from the config file, and exists so tests can construct
	// configs directly.
	DevMode bool `yaml:"-"`
	// KeyCacheTTL is how long positive API-key lookups are cached
	// (default: 30s).
	KeyCacheTTL time.Duration `yaml:"key_cache_ttl"`
}

// SessionsConfig governs session lifecycle and the host port pool.
type SessionsConfig struct {
	// MaxSessions caps concurrently live sessions (default: 50). Env: MAX_SESSIONS.
	MaxSessions int `yaml:"max_sessions"`
	// IdleTimeout is how long a running session may go without activity
	// before the reaper stops it (default: 5m). Env: SESSION_TIMEOUT (milliseconds).
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	// ReapInterval is how often the reaper runs (default: 30s).
	ReapInterval time.Duration `yaml:"reap_interval"`
	// ReadyTimeout bounds the readiness probe after container start
	// (default: 30s).
	ReadyTimeout time.Duration `yaml:"ready_timeout"`
	// PortRangeStart / PortRangeEnd bound the host port pool, inclusive
	// (default: 42000–42999). Env: PORT_RANGE_START / PORT_RANGE_END.
	PortRangeStart int `yaml:"port_range_start"`
	PortRangeEnd   int `yaml:"port_range_end"`
	// WorkDirRoot is where per-session work directories are created
	// (default: <tmp>/preview-sessions). Env: WORK_DIR_ROOT.
	WorkDirRoot string `yaml:"work_dir_root"`
	// LogRingSize caps the per-session log ring (default: 500 lines).
	LogRingSize int `yaml:"log_ring_size"`
	// LogTailDefault is the default number of lines returned by the
	// logs endpoint (default: 100).
	LogTailDefault int `yaml:"log_tail_default"`
}

// ContainerConfig holds the worker container contract and resource envelope.
type ContainerConfig struct {
	// Image is the dev-server worker image reference. Env: PREVIEW_IMAGE.
	Image string `yaml:"image"`
	// Network is the isolated bridge network workers attach to
	// (default: "preview-net"). Env: CONTAINER_NETWORK.
	Network string `yaml:"network"`
	// Port is the port the dev server listens on inside the container
	// (default: 4173). The work directory is mounted at /app.
	Port int `yaml:"port"`
	// MemoryMiB is the hard memory cap; swap is pinned to the same value
	// (default: 256). Env: CONTAINER_MEMORY_MIB.
	MemoryMiB int64 `yaml:"memory_mib"`
	// MemoryReservationMiB is the soft reservation (default: 128).
	MemoryReservationMiB int64 `yaml:"memory_reservation_mib"`
	// CPUPercent is the CPU quota as a percentage of one core measured
	// over a 100ms period (default: 25). Env: CONTAINER_CPU_PERCENT.
	CPUPercent int64 `yaml:"cpu_percent"`
	// CPUShares is the relative weight share (default: 256).
	CPUShares int64 `yaml:"cpu_shares"`
	// PidsLimit caps processes in the container (default: 64).
	PidsLimit int64 `yaml:"pids_limit"`
	// DiskMiB is the storage quota where the storage driver supports it
	// (default: 100, also applied when set to 0); a negative value leaves
	// the quota unset. Env: CONTAINER_DISK_MIB.
	DiskMiB int64 `yaml:"disk_mib"`
	// BlkioWeight is the block-I/O weight, 10–1000 (default: 300).
	BlkioWeight uint16 `yaml:"blkio_weight"`
	// DNS pins the container resolver when set (default: unset). Env: CONTAINER_DNS.
	DNS string `yaml:"dns"`
	// StopGrace is the graceful stop window before SIGKILL (default: 5s).
	StopGrace time.Duration `yaml:"stop_grace"`
}

// LoadConfig reads the YAML config file and applies env-var overrides.
// The path comes from CONFIG_PATH (default: /etc/preview-gateway/config.yaml);
// a missing file is not an error — env vars and defaults carry the config.
func LoadConfig() (*GatewayConfig, error) {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "/etc/preview-gateway/config.yaml"
	}

	var cfg GatewayConfig
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("cannot parse config file %q: %w", path, err)
		}
	case os.IsNotExist(err):
		slog.Info("no config file, using env and defaults", "path", path)
	default:
		return nil, fmt.Errorf("cannot read config file %q: %w", path, err)
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// applyEnvOverrides lets environment variables win over YAML values.
func applyEnvOverrides(cfg *GatewayConfig) {
	setStr := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			} else {
				slog.Warn("invalid integer env var, ignoring", "var", key, "value", v)
			}
		}
	}
	setInt64 := func(dst *int64, key string) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				*dst = n
			} else {
				slog.Warn("invalid integer env var, ignoring", "var", key, "value", v)
			}
		}
	}

	setStr(&cfg.Server.Port, "PORT")
	setStr(&cfg.Server.Host, "HOST")
	setStr(&cfg.Server.PublicURL, "PUBLIC_URL")
	setStr(&cfg.Server.LogLevel, "LOG_LEVEL")
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		cfg.Server.AllowedOrigins = parts
	}
	setInt(&cfg.Server.RateLimitPerMinute, "RATE_LIMIT_PER_MINUTE")

	setStr(&cfg.Auth.PolicyURL, "POLICY_API_URL")
	setStr(&cfg.Auth.PolicyServiceKey, "POLICY_SERVICE_KEY")
	setStr(&cfg.Auth.JWKSURL, "JWKS_URL")
	setStr(&cfg.Auth.Issuer, "JWT_ISSUER")
	setStr(&cfg.Auth.Audience, "JWT_AUDIENCE")
	if v := os.Getenv("DEV_MODE"); v != "" {
		cfg.Auth.DevMode = v == "true"
	}

	setInt(&cfg.Sessions.MaxSessions, "MAX_SESSIONS")
	if v := os.Getenv("SESSION_TIMEOUT"); v != "" {
		// Milliseconds, matching the convention used by the editor frontend.
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.Sessions.IdleTimeout = time.Duration(ms) * time.Millisecond
		} else {
			slog.Warn("invalid SESSION_TIMEOUT env var, ignoring", "value", v)
		}
	}
	setInt(&cfg.Sessions.PortRangeStart, "PORT_RANGE_START")
	setInt(&cfg.Sessions.PortRangeEnd, "PORT_RANGE_END")
	setStr(&cfg.Sessions.WorkDirRoot, "WORK_DIR_ROOT")

	setStr(&cfg.Container.Image, "PREVIEW_IMAGE")
	setStr(&cfg.Container.Network, "CONTAINER_NETWORK")
	setInt64(&cfg.Container.MemoryMiB, "CONTAINER_MEMORY_MIB")
	setInt64(&cfg.Container.CPUPercent, "CONTAINER_CPU_PERCENT")
	setInt64(&cfg.Container.DiskMiB, "CONTAINER_DISK_MIB")
	setStr(&cfg.Container.DNS, "CONTAINER_DNS")
}

// applyDefaults fills in sensible defaults for any unset field.
func applyDefaults(cfg *GatewayConfig) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.PublicURL == "" {
		cfg.Server.PublicURL = "http://localhost:" + cfg.Server.Port
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = "info"
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 10 << 20
	}
	if cfg.Server.RateLimitPerMinute == 0 {
		cfg.Server.RateLimitPerMinute = 100
	}
	if cfg.Server.RateLimitBurst == 0 {
		cfg.Server.RateLimitBurst = 20
	}

	if cfg.Auth.KeyCacheTTL == 0 {
		cfg.Auth.KeyCacheTTL = 30 * time.Second
	}

	if cfg.Sessions.MaxSessions == 0 {
		cfg.Sessions.MaxSessions = 50
	}
	if cfg.Sessions.IdleTimeout == 0 {
		cfg.Sessions.IdleTimeout = 5 * time.Minute
	}
	if cfg.Sessions.ReapInterval == 0 {
		cfg.Sessions.ReapInterval = 30 * time.Second
	}
	if cfg.Sessions.ReadyTimeout == 0 {
		cfg.Sessions.ReadyTimeout = 30 * time.Second
	}
	if cfg.Sessions.PortRangeStart == 0 {
		cfg.Sessions.PortRangeStart = 42000
	}
	if cfg.Sessions.PortRangeEnd == 0 {
		cfg.Sessions.PortRangeEnd = 42999
	}
	if cfg.Sessions.WorkDirRoot == "" {
		cfg.Sessions.WorkDirRoot = os.TempDir() + "/preview-sessions"
	}
	if cfg.Sessions.LogRingSize == 0 {
		cfg.Sessions.LogRingSize = 500
	}
	if cfg.Sessions.LogTailDefault == 0 {
		cfg.Sessions.LogTailDefault = 100
	}

	if cfg.Container.Image == "" {
		cfg.Container.Image = "preview-worker:latest"
	}
	if cfg.Container.Network == "" {
		cfg.Container.Network = "preview-net"
	}
	if cfg.Container.Port == 0 {
		cfg.Container.Port = 4173
	}
	if cfg.Container.MemoryMiB == 0 {
		cfg.Container.MemoryMiB = 256
	}
	if cfg.Container.MemoryReservationMiB == 0 {
		cfg.Container.MemoryReservationMiB = 128
	}
	if cfg.Container.CPUPercent == 0 {
		cfg.Container.CPUPercent = 25
	}
	if cfg.Container.CPUShares == 0 {
		cfg.Container.CPUShares = 256
	}
	if cfg.Container.PidsLimit == 0 {
		cfg.Container.PidsLimit = 64
	}
	if cfg.Container.DiskMiB == 0 {
		cfg.Container.DiskMiB = 100
	}
	if cfg.Container.BlkioWeight == 0 {
		cfg.Container.BlkioWeight = 300
	}
	if cfg.Container.StopGrace == 0 {
		cfg.Container.StopGrace = 5 * time.Second
	}
}

// Validate checks if the loaded configuration is usable.
func (c *GatewayConfig) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server.port cannot be empty")
	}
	if _, err := url.Parse(c.Server.PublicURL); err != nil {
		return fmt.Errorf("server.public_url is not a valid URL: %w", err)
	}

	switch c.Server.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("server.log_level %q not one of debug, info, warn, error", c.Server.LogLevel)
	}

	s := &c.Sessions
	if s.PortRangeStart < 1 || s.PortRangeStart > 65535 {
		return fmt.Errorf("sessions.port_range_start %d out of range", s.PortRangeStart)
	}
	if s.PortRangeEnd < s.PortRangeStart || s.PortRangeEnd > 65535 {
		return fmt.Errorf("sessions.port_range [%d,%d] is invalid", s.PortRangeStart, s.PortRangeEnd)
	}
	if s.MaxSessions < 1 {
		return fmt.Errorf("sessions.max_sessions must be at least 1")
	}
	if s.IdleTimeout <= 0 {
		return fmt.Errorf("sessions.idle_timeout must be positive")
	}

	ct := &c.Container
	if ct.Image == "" {
		return fmt.Errorf("container.image cannot be empty")
	}
	if ct.Port < 1 || ct.Port > 65535 {
		return fmt.Errorf("container.port %d out of range", ct.Port)
	}
	if ct.CPUPercent < 1 || ct.CPUPercent > 100 {
		return fmt.Errorf("container.cpu_percent %d must be in [1,100]", ct.CPUPercent)
	}
	if ct.BlkioWeight < 10 || ct.BlkioWeight > 1000 {
		return fmt.Errorf("container.blkio_weight %d must be in [10,1000]", ct.BlkioWeight)
	}

	if c.Auth.DevMode && !isLocalURL(c.Server.PublicURL) {
		return fmt.Errorf("auth.dev_mode is only allowed when public_url points at localhost")
	}

	return nil
}

// isLocalURL reports whether the URL host is a loopback name or address.
func isLocalURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// SlogLevel maps the configured log level string to a slog.Level.
func (c *GatewayConfig) SlogLevel() slog.Level {
	switch c.Server.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
