package rabbitmq

import (
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/zynerotech/amqpbridge/transport"
)

// Default values.
const (
	DefaultAddress            = "localhost:5672"
	DefaultDialTimeout        = 10 * time.Second
	DefaultHeartbeat          = 60 * time.Second
	DefaultTerminationTimeout = 5 * time.Second
	DefaultTagPrefix          = "ctag"
)

// Config contains parameters for connecting to RabbitMQ.
type Config struct {
	URL         string                `mapstructure:"url"` // full AMQP URL, overrides Address/Username/Password/Vhost
	Address     string                `mapstructure:"address"`
	Username    string                `mapstructure:"username"`
	Password    string                `mapstructure:"password"`
	Vhost       string                `mapstructure:"vhost"`
	DialTimeout time.Duration         `mapstructure:"dial_timeout"`
	Heartbeat   time.Duration         `mapstructure:"heartbeat"`
	Retry       transport.RetryPolicy `mapstructure:"retry"` // connection attempts, zero value dials once
	Consumers   []ConsumerConfig      `mapstructure:"consumers"`
	Producer    ProducerConfig        `mapstructure:"producer"`
}

// ConsumerConfig holds consumer related settings.
type ConsumerConfig struct {
	Queue              string         `mapstructure:"queue" validate:"required"`
	AutoAck            bool           `mapstructure:"auto_ack"`
	Exclusive          bool           `mapstructure:"exclusive"`
	NoLocal            bool           `mapstructure:"no_local"`
	TagPrefix          string         `mapstructure:"tag_prefix"`
	PrefetchCount      int            `mapstructure:"prefetch_count" validate:"min=0"`
	PrefetchSize       int            `mapstructure:"prefetch_size" validate:"min=0"`
	TerminationTimeout time.Duration  `mapstructure:"termination_timeout" validate:"min=0"`
	Arguments          map[string]any `mapstructure:"arguments"`
	ContentTypes       []string       `mapstructure:"content_types"` // accepted content types, empty accepts any
}

// ProducerConfig holds producer related settings.
type ProducerConfig struct {
	Exchange   string `mapstructure:"exchange"`
	RoutingKey string `mapstructure:"routing_key"` // default routing key used when none is provided to Publish
	Confirms   bool   `mapstructure:"confirms"`    // enable publisher confirms
	Mandatory  bool   `mapstructure:"mandatory"`
}

var (
	ErrNoAddress        = errors.New("no broker address configured")
	ErrInvalidQueueName = errors.New("queue name cannot be empty")
)

// DefaultConfig returns a configuration for a local broker.
func DefaultConfig() Config {
	return Config{
		Address:     DefaultAddress,
		Username:    "guest",
		Password:    "guest",
		Vhost:       "/",
		DialTimeout: DefaultDialTimeout,
		Heartbeat:   DefaultHeartbeat,
		Retry:       transport.DefaultRetryPolicy(),
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.URL == "" && c.Address == "" {
		return ErrNoAddress
	}
	for i := range c.Consumers {
		if err := c.Consumers[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks the consumer configuration for errors.
func (cc *ConsumerConfig) Validate() error {
	if cc.Queue == "" {
		return ErrInvalidQueueName
	}
	if cc.PrefetchCount < 0 || cc.PrefetchSize < 0 {
		return errors.New("prefetch limits cannot be negative")
	}
	if cc.TerminationTimeout < 0 {
		return errors.New("termination timeout cannot be negative")
	}
	return nil
}

// GetTerminationTimeout returns the configured timeout or the default.
func (cc *ConsumerConfig) GetTerminationTimeout() time.Duration {
	if cc.TerminationTimeout == 0 {
		return DefaultTerminationTimeout
	}
	return cc.TerminationTimeout
}

// GetTagPrefix returns the configured consumer tag prefix or the default.
func (cc *ConsumerConfig) GetTagPrefix() string {
	if cc.TagPrefix == "" {
		return DefaultTagPrefix
	}
	return cc.TagPrefix
}

func (c *Config) dialURL() string {
	if c.URL != "" {
		return c.URL
	}

	vhost := strings.TrimPrefix(c.Vhost, "/")
	u := &url.URL{
		Scheme: "amqp",
		Host:   c.Address,
		Path:   "/" + vhost,
	}
	if c.Username != "" {
		u.User = url.UserPassword(c.Username, c.Password)
	}
	return u.String()
}
