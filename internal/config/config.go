// Package config holds the immutable operator-settings snapshot consumed
// by every other package. Loading is a pure read-then-decode-then-default
// step; nothing here watches the filesystem (see internal/configwatch).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/socks5balancer/gobalancer/internal/ratelimit"
	apperrors "github.com/socks5balancer/gobalancer/pkg/errors"
)

// ListenAddr is one entry of multiListen.
type ListenAddr struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// UpstreamServer describes one SOCKS5 upstream as declared in config.
type UpstreamServer struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Name     string `json:"name"`
	Disable  bool   `json:"disable"`
	AuthUser string `json:"authUser,omitempty"`
	AuthPwd  string `json:"authPwd,omitempty"`
}

// AuthClient is one entry of authClientInfo: a username/password pair
// accepted from downstream clients.
type AuthClient struct {
	User string `json:"user"`
	Pwd  string `json:"pwd"`
}

// EmbedWebServer configures the static-file web UI. The UI itself is out
// of scope; only the listen shape is kept so config round-trips cleanly.
type EmbedWebServer struct {
	Enable bool   `json:"enable"`
	Root   string `json:"root"`
}

// Config is the full operator settings snapshot, decoded from the JSON
// schema of the admin config file. Every field has a default applied by
// Load when absent from the source document.
type Config struct {
	ListenHost      string       `json:"listenHost"`
	ListenPort      int          `json:"listenPort"`
	MultiListen     []ListenAddr `json:"multiListen"`
	TestRemoteHost  string       `json:"testRemoteHost"`
	TestRemotePort  int          `json:"testRemotePort"`
	StateServerHost string       `json:"stateServerHost"`
	StateServerPort int          `json:"stateServerPort"`

	UpstreamSelectRule string `json:"upstreamSelectRule"`
	RetryTimes         int    `json:"retryTimes"`
	ServerChangeTime   int64  `json:"serverChangeTime"`
	ConnectTimeout     int    `json:"connectTimeout"`
	SleepTime          int64  `json:"sleepTime"`

	TcpCheckPeriod       int `json:"tcpCheckPeriod"`
	TcpCheckStart        int `json:"tcpCheckStart"`
	ConnectCheckPeriod   int `json:"connectCheckPeriod"`
	ConnectCheckStart    int `json:"connectCheckStart"`
	AdditionCheckPeriod  int `json:"additionCheckPeriod"`

	DisableConnectTest       bool `json:"disableConnectTest"`
	DisableSocks4            bool `json:"disableSocks4"`
	TraditionTcpRelay        bool `json:"traditionTcpRelay"`
	DisableConnectionTracker bool `json:"disableConnectionTracker"`

	ThreadNum int `json:"threadNum"`

	Upstream       []UpstreamServer `json:"upstream"`
	AuthClientInfo []AuthClient     `json:"authClientInfo"`

	EmbedWebServerConfig EmbedWebServer   `json:"embedWebServerConfig"`
	RateLimit            ratelimit.Config `json:"rateLimit"`
}

// Load reads path, decodes it as JSON, and fills in defaults for every
// key the source document omits. A config error here is fatal to the
// caller: the process should exit non-zero (spec §7).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindConfig, "reading config file", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, apperrors.Wrap(apperrors.KindConfig, "parsing config file", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, apperrors.Wrap(apperrors.KindConfig, "validating config", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenHost == "" {
		cfg.ListenHost = "127.0.0.1"
	}
	if cfg.ListenPort == 0 {
		cfg.ListenPort = 5000
	}
	if cfg.TestRemoteHost == "" {
		cfg.TestRemoteHost = "www.google.com"
	}
	if cfg.TestRemotePort == 0 {
		cfg.TestRemotePort = 443
	}
	if cfg.StateServerHost == "" {
		cfg.StateServerHost = "127.0.0.1"
	}
	if cfg.StateServerPort == 0 {
		cfg.StateServerPort = 5010
	}
	if cfg.UpstreamSelectRule == "" {
		cfg.UpstreamSelectRule = "random"
	}
	if cfg.RetryTimes == 0 {
		cfg.RetryTimes = 3
	}
	if cfg.ServerChangeTime == 0 {
		cfg.ServerChangeTime = 60000
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 2000
	}
	if cfg.SleepTime == 0 {
		cfg.SleepTime = 1800000
	}
	if cfg.TcpCheckPeriod == 0 {
		cfg.TcpCheckPeriod = 5000
	}
	if cfg.TcpCheckStart == 0 {
		cfg.TcpCheckStart = 1000
	}
	if cfg.ConnectCheckPeriod == 0 {
		cfg.ConnectCheckPeriod = 300000
	}
	if cfg.ConnectCheckStart == 0 {
		cfg.ConnectCheckStart = 1000
	}
	if cfg.AdditionCheckPeriod == 0 {
		cfg.AdditionCheckPeriod = 10000
	}
	if cfg.ThreadNum == 0 {
		cfg.ThreadNum = runtime.NumCPU()
	}
	if cfg.RateLimit.MaxConnectionsPerIP == 0 {
		cfg.RateLimit.MaxConnectionsPerIP = 100
	}
	if cfg.RateLimit.MaxConnectionsPerMinute == 0 {
		cfg.RateLimit.MaxConnectionsPerMinute = 60
	}
	if cfg.RateLimit.BanDurationSeconds == 0 {
		cfg.RateLimit.BanDurationSeconds = 300
	}
	if cfg.RateLimit.CleanupIntervalSeconds == 0 {
		cfg.RateLimit.CleanupIntervalSeconds = 60
	}
}

// Validate rejects configs that would make the balancer unable to start.
// Individual upstream/auth entries are not pruned here; the pool and auth
// directory re-check what they need at construction.
func (c *Config) Validate() error {
	switch c.UpstreamSelectRule {
	case "random", "loop", "one_by_one", "change_by_time", "inherit":
	default:
		return fmt.Errorf("upstreamSelectRule %q is not one of random|loop|one_by_one|change_by_time|inherit", c.UpstreamSelectRule)
	}
	if c.RetryTimes < 0 {
		return fmt.Errorf("retryTimes must be >= 0")
	}
	return nil
}

// ListenAddrs returns every endpoint the accept loop should bind,
// combining the primary listenHost/listenPort with multiListen.
func (c *Config) ListenAddrs() []ListenAddr {
	addrs := make([]ListenAddr, 0, 1+len(c.MultiListen))
	addrs = append(addrs, ListenAddr{Host: c.ListenHost, Port: c.ListenPort})
	addrs = append(addrs, c.MultiListen...)
	return addrs
}

// Duration helpers: the JSON schema stores everything in milliseconds,
// callers want time.Duration.

func (c *Config) ServerChangeDuration() time.Duration  { return time.Duration(c.ServerChangeTime) * time.Millisecond }
func (c *Config) ConnectTimeoutDuration() time.Duration { return time.Duration(c.ConnectTimeout) * time.Millisecond }
func (c *Config) SleepDuration() time.Duration          { return time.Duration(c.SleepTime) * time.Millisecond }
func (c *Config) TcpCheckPeriodDuration() time.Duration { return time.Duration(c.TcpCheckPeriod) * time.Millisecond }
func (c *Config) TcpCheckStartDuration() time.Duration  { return time.Duration(c.TcpCheckStart) * time.Millisecond }
func (c *Config) ConnectCheckPeriodDuration() time.Duration {
	return time.Duration(c.ConnectCheckPeriod) * time.Millisecond
}
func (c *Config) ConnectCheckStartDuration() time.Duration {
	return time.Duration(c.ConnectCheckStart) * time.Millisecond
}
func (c *Config) AdditionCheckPeriodDuration() time.Duration {
	return time.Duration(c.AdditionCheckPeriod) * time.Millisecond
}
