package console

import (
	"fmt"
	"time"

	"github.com/juju/clock"

	"github.com/shubhamb0439-gif/crm-admin/pkg/constants"
	"github.com/shubhamb0439-gif/crm-admin/pkg/logger"
	"github.com/shubhamb0439-gif/crm-admin/pkg/realtime"
)

// Reconnect policies selectable by name.
const (
	PolicyFixed       = "fixed"
	PolicyExponential = "exponential"
)

// DefaultListenAddr is where the status handler is served.
const DefaultListenAddr = ":8089"

// WatchedResources are the tables the console keeps a subscription on.
var WatchedResources = []string{
	"leads",
	"consultancy_bookings_v2",
	"assessments",
	"services",
}

// Config is the configuration of a Service. The mapstructure tags are the
// keys read by the command line loader.
type Config struct {
	URL     string `mapstructure:"url"`
	AnonKey string `mapstructure:"anon_key"`

	// Email and Password, when both are set, are used to sign in on Start.
	// Without them the subscriptions run with the anon key.
	Email    string `mapstructure:"email"`
	Password string `mapstructure:"password"`

	ListenAddr string `mapstructure:"listen"`

	Resources []string `mapstructure:"resources"`
	Schema    string   `mapstructure:"schema"`

	Policy         string        `mapstructure:"policy"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`

	KeepAliveInterval time.Duration `mapstructure:"keepalive_interval"`
	KeepAliveTimeout  time.Duration `mapstructure:"keepalive_timeout"`
	StaleTime         time.Duration `mapstructure:"stale_time"`
	CacheSize         int           `mapstructure:"cache_size"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	JoinTimeout       time.Duration `mapstructure:"join_timeout"`
	NetCheckInterval  time.Duration `mapstructure:"netcheck_interval"`
	EventsPerSecond   int           `mapstructure:"events_per_second"`

	Clock  clock.Clock   `mapstructure:"-" json:"-"`
	Logger logger.Logger `mapstructure:"-" json:"-"`
}

// Defaults returns a Config with every tunable set.
func Defaults() Config {
	return Config{
		ListenAddr:        DefaultListenAddr,
		Resources:         append([]string(nil), WatchedResources...),
		Schema:            constants.DefaultSchema,
		Policy:            PolicyFixed,
		ReconnectDelay:    constants.DefaultReconnectDelay,
		MaxDelay:          30 * time.Second,
		KeepAliveInterval: constants.DefaultKeepAliveInterval,
		KeepAliveTimeout:  constants.DefaultKeepAliveTimeout,
		StaleTime:         constants.DefaultStaleTime,
		CacheSize:         constants.DefaultCacheSize,
		HeartbeatInterval: constants.DefaultHeartbeatInterval,
		JoinTimeout:       constants.DefaultJoinTimeout,
		NetCheckInterval:  constants.DefaultNetCheckInterval,
		EventsPerSecond:   constants.DefaultEventsPerSecond,
	}
}

// Validate reports missing backend configuration and unknown settings.
func (c *Config) Validate() error {
	if c.URL == "" || c.AnonKey == "" {
		return constants.ErrMissingConfig
	}
	if (c.Email == "") != (c.Password == "") {
		return fmt.Errorf("console: email and password must be set together")
	}
	if _, err := c.reconnectPolicy(); err != nil {
		return err
	}
	return nil
}

func (c *Config) reconnectPolicy() (realtime.ReconnectPolicy, error) {
	switch c.Policy {
	case "", PolicyFixed:
		p := realtime.NewFixedDelayPolicy()
		if c.ReconnectDelay > 0 {
			p.Delay = c.ReconnectDelay
		}
		return p, nil
	case PolicyExponential:
		p := realtime.NewExponentialBackoffPolicy()
		if c.ReconnectDelay > 0 {
			p.InitialDelay = c.ReconnectDelay
		}
		if c.MaxDelay > 0 {
			p.MaxDelay = c.MaxDelay
		}
		return p, nil
	default:
		return nil, fmt.Errorf("console: unknown reconnect policy %q", c.Policy)
	}
}
