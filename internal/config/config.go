package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Env string `yaml:"env"`

	HTTP struct {
		Addr        string   `yaml:"addr"` // ":8000"
		CORSOrigins []string `yaml:"cors_origins"`
	} `yaml:"http"`

	Relay struct {
		OutBuffer       int           `yaml:"out_buffer"`       // outbound frames buffered per connection
		WriteTimeout    time.Duration `yaml:"write_timeout"`    // socket write deadline
		ForwardTimeout  time.Duration `yaml:"forward_timeout"`  // max wait on a full recipient buffer
		PresenceTimeout time.Duration `yaml:"presence_timeout"` // per-observer status_update send
		MaxFrameBytes   int64         `yaml:"max_frame_bytes"`
	} `yaml:"relay"`

	Pending struct {
		Backend string        `yaml:"backend"`  // memory | redis | bolt
		Path    string        `yaml:"path"`     // bolt file
		MaxKeep int64         `yaml:"max_keep"` // 0 = default 2000, negative = no cap
		TTL     time.Duration `yaml:"ttl"`      // redis key expiry
	} `yaml:"pending"`

	Redis struct {
		Addr     string        `yaml:"addr"`
		Password string        `yaml:"password"`
		Database int           `yaml:"database"`
		Timeout  time.Duration `yaml:"timeout"`
		PoolSize int           `yaml:"pool_size"`
	} `yaml:"redis"`

	KeyDir struct {
		Backend  string        `yaml:"backend"` // memory | redis
		Prefix   string        `yaml:"prefix"`
		CacheTTL time.Duration `yaml:"cache_ttl"` // redis only; 0 disables
	} `yaml:"keydir"`

	History struct {
		Backend      string        `yaml:"backend"` // none | sql | rocketmq
		Driver       string        `yaml:"driver"`  // mysql | sqlite
		DSN          string        `yaml:"dsn"`
		MaxOpenConns int           `yaml:"max_open_conns"`
		MaxIdleConns int           `yaml:"max_idle_conns"`
		ConnMaxLife  time.Duration `yaml:"conn_max_life"`
		ConnMaxIdle  time.Duration `yaml:"conn_max_idle"`
		Migrate      bool          `yaml:"migrate"`
		DefaultLimit int           `yaml:"default_limit"`
		MaxLimit     int           `yaml:"max_limit"`
		Breaker      struct {
			Threshold int           `yaml:"threshold"`
			Window    time.Duration `yaml:"window"`
			OpenFor   time.Duration `yaml:"open_for"`
		} `yaml:"breaker"`
	} `yaml:"history"`

	RocketMQ struct {
		NameServer    string `yaml:"name_server"`
		Topic         string `yaml:"topic"`
		Tag           string `yaml:"tag,omitempty"`
		ProducerGroup string `yaml:"producer_group"`
		AccessKey     string `yaml:"access_key"`
		SecretKey     string `yaml:"secret_key"`
	} `yaml:"rocketmq"`

	IDs struct {
		MachineID uint16 `yaml:"machine_id"`
	} `yaml:"ids"`

	Timeout time.Duration `yaml:"timeout"` // store / collaborator round-trip

	Auth struct {
		Enabled bool `yaml:"enabled"`
		Token   struct {
			Header       string `yaml:"header"`
			BearerPrefix string `yaml:"bearer_prefix"`
			QueryKey     string `yaml:"query_key"`
			RedisPrefix  string `yaml:"redis_prefix"`
			Secret       string `yaml:"secret"`
		} `yaml:"token"`
	} `yaml:"auth"`
}

// Load supports comma-separated config files: "-c common.yml,im-relay.yml".
// Later files override earlier ones.
func Load(pathList string) (*Config, error) {
	if strings.TrimSpace(pathList) == "" {
		return nil, errors.New("config path required (e.g. -c ./config.yml or -c common.yml,im-relay.yml)")
	}
	var c Config
	for _, p := range strings.Split(pathList, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("config %s: %w", p, err)
		}
	}
	c.applyDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8000"
	}
	if c.HTTP.CORSOrigins == nil {
		c.HTTP.CORSOrigins = []string{"http://localhost:5173"}
	}
	if c.Relay.OutBuffer <= 0 {
		c.Relay.OutBuffer = 256
	}
	if c.Relay.WriteTimeout == 0 {
		c.Relay.WriteTimeout = 5 * time.Second
	}
	if c.Relay.ForwardTimeout == 0 {
		c.Relay.ForwardTimeout = 2 * time.Second
	}
	if c.Relay.PresenceTimeout == 0 {
		c.Relay.PresenceTimeout = 500 * time.Millisecond
	}
	if c.Relay.MaxFrameBytes <= 0 {
		c.Relay.MaxFrameBytes = 1 << 20
	}
	if c.Pending.Backend == "" {
		c.Pending.Backend = "memory"
	}
	if c.Pending.Path == "" {
		c.Pending.Path = "./pending.db"
	}
	if c.Pending.MaxKeep == 0 {
		c.Pending.MaxKeep = 2000
	}
	if c.Pending.TTL == 0 {
		c.Pending.TTL = 7 * 24 * time.Hour
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "127.0.0.1:6379"
	}
	if c.Redis.Timeout == 0 {
		c.Redis.Timeout = 5 * time.Second
	}
	if c.KeyDir.Backend == "" {
		c.KeyDir.Backend = "memory"
	}
	if c.KeyDir.Prefix == "" {
		c.KeyDir.Prefix = "relay:keys:"
	}
	if c.History.Backend == "" {
		c.History.Backend = "none"
	}
	if c.History.Driver == "" {
		c.History.Driver = "mysql"
	}
	if c.History.MaxOpenConns <= 0 {
		c.History.MaxOpenConns = 50
	}
	if c.History.MaxIdleConns <= 0 {
		c.History.MaxIdleConns = 25
	}
	if c.History.ConnMaxLife == 0 {
		c.History.ConnMaxLife = 30 * time.Minute
	}
	if c.History.ConnMaxIdle == 0 {
		c.History.ConnMaxIdle = 5 * time.Minute
	}
	if c.History.DefaultLimit <= 0 {
		c.History.DefaultLimit = 50
	}
	if c.History.MaxLimit <= 0 {
		c.History.MaxLimit = 500
	}
	if c.RocketMQ.ProducerGroup == "" {
		c.RocketMQ.ProducerGroup = "im-relay"
	}
	if c.IDs.MachineID == 0 {
		c.IDs.MachineID = 1
	}
	if c.Timeout == 0 {
		c.Timeout = 3 * time.Second
	}
	if c.Auth.Token.Header == "" {
		c.Auth.Token.Header = "Authorization"
	}
	if c.Auth.Token.BearerPrefix == "" {
		c.Auth.Token.BearerPrefix = "Bearer "
	}
	if c.Auth.Token.QueryKey == "" {
		c.Auth.Token.QueryKey = "token"
	}
	if c.Auth.Token.RedisPrefix == "" {
		c.Auth.Token.RedisPrefix = "token:app:"
	}
}

func (c *Config) validate() error {
	switch c.Pending.Backend {
	case "memory", "redis", "bolt":
	default:
		return fmt.Errorf("pending.backend: unknown %q", c.Pending.Backend)
	}
	switch c.KeyDir.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("keydir.backend: unknown %q", c.KeyDir.Backend)
	}
	switch c.History.Backend {
	case "none":
	case "sql":
		if c.History.DSN == "" {
			return errors.New("history.dsn required for sql backend")
		}
	case "rocketmq":
		if c.RocketMQ.NameServer == "" || c.RocketMQ.Topic == "" {
			return errors.New("rocketmq.name_server and rocketmq.topic required for rocketmq history")
		}
	default:
		return fmt.Errorf("history.backend: unknown %q", c.History.Backend)
	}
	if c.Auth.Enabled {
		switch len(c.Auth.Token.Secret) {
		case 16, 24, 32:
		default:
			return errors.New("auth.token.secret must be 16, 24 or 32 bytes")
		}
	}
	return nil
}

// UsesRedis reports whether any component needs the shared Redis client.
func (c *Config) UsesRedis() bool {
	return c.Pending.Backend == "redis" || c.KeyDir.Backend == "redis" || c.Auth.Enabled
}
