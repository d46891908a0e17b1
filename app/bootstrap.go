package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	platformconfig "github.com/zynerotech/amqpbridge/config"
	platformhealthcheck "github.com/zynerotech/amqpbridge/healthcheck"
	platformlogger "github.com/zynerotech/amqpbridge/logger"
	platformmetrics "github.com/zynerotech/amqpbridge/metrics"
	platformserver "github.com/zynerotech/amqpbridge/server"
	"github.com/zynerotech/amqpbridge/transport/rabbitmq"
)

// ConfigProvider describes configuration required to bootstrap common
// infrastructure components. It should be implemented by a service specific
// configuration struct.
type ConfigProvider interface {
	Validate() error
	LoggerConfig() platformlogger.Config
}

// OptionalConfigProvider describes optional configuration methods that may not be implemented
// by all services. These methods should return nil if the component is not needed.
type OptionalConfigProvider interface {
	MetricsConfig() *platformmetrics.Config
	HealthcheckConfig() *platformhealthcheck.Config
	ServerConfig() *platformserver.Config
	RabbitMQConfig() *rabbitmq.Config
}

// RabbitMQ groups the broker connection and everything opened on it.
type RabbitMQ struct {
	Connection     *rabbitmq.Connection
	Consumers      map[string]*rabbitmq.Consumer
	Producer       *rabbitmq.Producer
	EventPublisher *rabbitmq.EventPublisher
	metrics        *rabbitmq.RabbitMQMetrics
}

// App contains initialized shared components used across applications.
// Only Logger is guaranteed to be present, other components may be nil.
type App struct {
	Config      ConfigProvider
	Logger      *platformlogger.Logger
	Metrics     *platformmetrics.Metrics
	Healthcheck *platformhealthcheck.Healthcheck
	Server      *platformserver.Server
	RabbitMQ    *RabbitMQ
}

// AppBuilder provides a fluent interface for building App instances
type AppBuilder struct {
	config      ConfigProvider
	logger      *platformlogger.Logger
	metrics     *platformmetrics.Metrics
	healthcheck *platformhealthcheck.Healthcheck
	server      *platformserver.Server
	rabbitmq    *RabbitMQ
	errors      []error
}

// NewBuilder creates a new AppBuilder with the given configuration
func NewBuilder(cfg ConfigProvider) *AppBuilder {
	return &AppBuilder{
		config: cfg,
		errors: make([]error, 0),
	}
}

// initOptionalComponent initializes optional component based on configuration
// provided by OptionalConfigProvider. It appends initialization errors to the
// builder and logs successful initialization.
func initOptionalComponent[T any, C any](b *AppBuilder, field *T, getCfg func(OptionalConfigProvider) *C, initFn func(C) (T, error), name, successMsg string) {
	optCfg, ok := b.config.(OptionalConfigProvider)
	if !ok {
		return
	}

	cfg := getCfg(optCfg)
	if cfg == nil {
		return
	}

	component, err := initFn(*cfg)
	if err != nil {
		b.errors = append(b.errors, fmt.Errorf("init %s: %w", name, err))
		return
	}

	*field = component
	platformlogger.Info().Msg(successMsg)
}

// WithLogger initializes the logger (required component)
func (b *AppBuilder) WithLogger() *AppBuilder {
	if b.logger != nil {
		return b
	}

	logger, err := platformlogger.New(b.config.LoggerConfig())
	if err != nil {
		b.errors = append(b.errors, fmt.Errorf("init logger: %w", err))
		return b
	}

	platformlogger.SetGlobal(logger)
	b.logger = logger
	platformlogger.Info().Str("environment", platformconfig.GetEnv()).Msg("Logger initialized")
	return b
}

// WithMetrics initializes metrics if configuration is provided
func (b *AppBuilder) WithMetrics() *AppBuilder {
	if b.metrics != nil {
		return b
	}
	initOptionalComponent(b, &b.metrics, func(o OptionalConfigProvider) *platformmetrics.Config { return o.MetricsConfig() }, func(cfg platformmetrics.Config) (*platformmetrics.Metrics, error) {
		return platformmetrics.New(cfg)
	}, "metrics", "Metrics initialized")
	return b
}

// WithHealthcheck initializes healthcheck if configuration is provided.
// HTTP metrics are collected when metrics were initialized first.
func (b *AppBuilder) WithHealthcheck() *AppBuilder {
	if b.healthcheck != nil {
		return b
	}
	initOptionalComponent(b, &b.healthcheck, func(o OptionalConfigProvider) *platformhealthcheck.Config { return o.HealthcheckConfig() }, func(cfg platformhealthcheck.Config) (*platformhealthcheck.Healthcheck, error) {
		var middleware []func(http.Handler) http.Handler
		if b.metrics != nil {
			middleware = append(middleware, b.metrics.HTTPMiddleware)
		}
		return platformhealthcheck.New(cfg, middleware...)
	}, "healthcheck", "Healthcheck initialized")
	return b
}

// WithServer initializes HTTP server if configuration is provided
func (b *AppBuilder) WithServer() *AppBuilder {
	if b.server != nil {
		return b
	}
	initOptionalComponent(b, &b.server, func(o OptionalConfigProvider) *platformserver.Config { return o.ServerConfig() }, func(cfg platformserver.Config) (*platformserver.Server, error) {
		s, err := platformserver.New(cfg)
		if err != nil {
			return nil, err
		}
		if b.metrics != nil {
			s.Use(b.metrics.FiberMiddleware())
		}
		return s, nil
	}, "server", "HTTP server initialized")
	return b
}

// WithRabbitMQ connects to the broker, opens a consumer per configured queue
// and a producer with an event publisher when an exchange is configured.
// Listeners are attached by the application via Consumer.SetMessageListener.
func (b *AppBuilder) WithRabbitMQ() *AppBuilder {
	if b.rabbitmq != nil {
		return b
	}
	initOptionalComponent(b, &b.rabbitmq, func(o OptionalConfigProvider) *rabbitmq.Config { return o.RabbitMQConfig() }, b.newRabbitMQ, "rabbitmq", "RabbitMQ initialized")
	return b
}

func (b *AppBuilder) newRabbitMQ(cfg rabbitmq.Config) (*RabbitMQ, error) {
	conn, err := rabbitmq.Dial(cfg)
	if err != nil {
		return nil, err
	}

	r := &RabbitMQ{
		Connection: conn,
		Consumers:  make(map[string]*rabbitmq.Consumer, len(cfg.Consumers)),
	}
	if b.metrics != nil && b.metrics.Enabled() {
		r.metrics = rabbitmq.NewRabbitMQMetrics(b.metrics.ServiceName(), b.metrics.Registerer())
		conn.SetMetrics(r.metrics)
	}

	for _, consumerCfg := range cfg.Consumers {
		consumer, err := conn.NewConsumer(consumerCfg)
		if err != nil {
			_ = r.Close()
			return nil, fmt.Errorf("queue %s: %w", consumerCfg.Queue, err)
		}
		r.Consumers[consumerCfg.Queue] = consumer
	}

	if cfg.Producer.Exchange != "" {
		producer, err := conn.NewProducer(cfg.Producer)
		if err != nil {
			_ = r.Close()
			return nil, fmt.Errorf("producer: %w", err)
		}
		r.Producer = producer
		r.EventPublisher = rabbitmq.NewEventPublisher(producer, cfg.Producer.Exchange)
	}

	return r, nil
}

// WithAll initializes all available components based on configuration
func (b *AppBuilder) WithAll() *AppBuilder {
	return b.WithLogger().
		WithMetrics().
		WithHealthcheck().
		WithServer().
		WithRabbitMQ()
}

// Build creates the App instance and returns any errors that occurred during initialization
func (b *AppBuilder) Build() (*App, error) {
	// Logger is required
	if b.logger == nil {
		b.WithLogger()
	}

	if len(b.errors) > 0 {
		if b.rabbitmq != nil {
			_ = b.rabbitmq.Close()
		}
		return nil, fmt.Errorf("failed to build app: %w", errors.Join(b.errors...))
	}

	if b.rabbitmq != nil {
		if b.healthcheck != nil {
			b.healthcheck.Register("rabbitmq", b.rabbitmq.Connection.Check)
		}
		if b.server != nil {
			for _, consumer := range b.rabbitmq.Consumers {
				b.server.RegisterConsumers(consumer)
			}
		}
	}

	platformlogger.Info().Msg("All requested application components initialized successfully")

	return &App{
		Config:      b.config,
		Logger:      b.logger,
		Metrics:     b.metrics,
		Healthcheck: b.healthcheck,
		Server:      b.server,
		RabbitMQ:    b.rabbitmq,
	}, nil
}

// New initializes all common infrastructure services based on the provided configuration
// This is a convenience method that initializes all components (legacy behavior)
func New(cfg ConfigProvider) (*App, error) {
	return NewBuilder(cfg).WithAll().Build()
}

// NewWithLogger initializes only the logger (minimal setup)
func NewWithLogger(cfg ConfigProvider) (*App, error) {
	return NewBuilder(cfg).WithLogger().Build()
}

// Consumer returns the consumer for queue, nil when the queue is not configured.
func (a *App) Consumer(queue string) *rabbitmq.Consumer {
	if a == nil || a.RabbitMQ == nil {
		return nil
	}
	return a.RabbitMQ.Consumers[queue]
}

// Close stops the HTTP server, stops delivery gracefully, closes the broker
// connection, then stops metrics and health checks.
func (a *App) Close() error {
	return a.Shutdown(context.Background())
}

// Shutdown is Close with a deadline for the graceful stop of consumers.
// When ctx expires consumers that did not confirm cancellation are aborted
// by closing the connection.
func (a *App) Shutdown(ctx context.Context) error {
	if a == nil {
		return nil
	}

	platformlogger.Info().Msg("Shutting down application components")

	if a.Server != nil {
		if err := a.Server.Stop(); err != nil {
			platformlogger.Error().Err(err).Msg("Failed to stop HTTP server")
			return err
		}
		platformlogger.Info().Msg("HTTP server stopped")
	}

	if a.RabbitMQ != nil {
		if err := a.RabbitMQ.Connection.Stop(ctx); err != nil {
			platformlogger.Warn().Err(err).Msg("Consumers did not stop gracefully")
		}
		if err := a.RabbitMQ.Close(); err != nil {
			platformlogger.Error().Err(err).Msg("Failed to close RabbitMQ")
			return err
		}
		platformlogger.Info().Msg("RabbitMQ closed")
	}

	if a.Metrics != nil {
		if err := a.Metrics.Stop(); err != nil {
			platformlogger.Error().Err(err).Msg("Failed to stop metrics")
			return err
		}
		platformlogger.Info().Msg("Metrics stopped")
	}

	if a.Healthcheck != nil {
		if err := a.Healthcheck.Stop(); err != nil {
			platformlogger.Error().Err(err).Msg("Failed to stop healthcheck")
			return err
		}
		platformlogger.Info().Msg("Healthcheck stopped")
	}

	platformlogger.Info().Msg("Application shutdown completed")
	return nil
}

// Close closes the connection together with its consumers and producer.
func (r *RabbitMQ) Close() error {
	err := r.Connection.Close()
	if r.metrics != nil {
		r.metrics.Close()
	}
	return err
}
