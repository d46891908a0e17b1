package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zynerotech/amqpbridge/app"
	"github.com/zynerotech/amqpbridge/config"
	"github.com/zynerotech/amqpbridge/healthcheck"
	"github.com/zynerotech/amqpbridge/logger"
	"github.com/zynerotech/amqpbridge/metrics"
	"github.com/zynerotech/amqpbridge/server"
	"github.com/zynerotech/amqpbridge/transport"
	"github.com/zynerotech/amqpbridge/transport/rabbitmq"
)

// AppConfig представляет конфигурацию приложения
type AppConfig struct {
	Logger          logger.Config                     `mapstructure:"logger"`
	Components      map[string]logger.ComponentConfig `mapstructure:"components"`
	Metrics         *metrics.Config                   `mapstructure:"metrics"`
	Healthcheck     *healthcheck.Config               `mapstructure:"healthcheck"`
	Server          *server.Config                    `mapstructure:"server"`
	RabbitMQ        *rabbitmq.Config                  `mapstructure:"rabbitmq"`
	ShutdownTimeout time.Duration                     `mapstructure:"shutdown_timeout"`
}

func (c *AppConfig) Validate() error {
	if c.RabbitMQ == nil {
		return errors.New("rabbitmq section is required")
	}
	return c.RabbitMQ.Validate()
}

func (c *AppConfig) Defaults() map[string]any {
	return map[string]any{
		"logger.level":          "info",
		"rabbitmq.dial_timeout": rabbitmq.DefaultDialTimeout,
		"rabbitmq.heartbeat":    rabbitmq.DefaultHeartbeat,
		"shutdown_timeout":      30 * time.Second,
	}
}

func (c *AppConfig) LoggerConfig() logger.Config            { return c.Logger }
func (c *AppConfig) MetricsConfig() *metrics.Config         { return c.Metrics }
func (c *AppConfig) HealthcheckConfig() *healthcheck.Config { return c.Healthcheck }
func (c *AppConfig) ServerConfig() *server.Config           { return c.Server }
func (c *AppConfig) RabbitMQConfig() *rabbitmq.Config       { return c.RabbitMQ }

// OrderCreated событие, которое пересылается после обработки заказа
type OrderCreated struct {
	OrderID string `json:"order_id"`
}

func main() {
	cfg := &AppConfig{}
	loader := config.NewLoader("")
	if err := loader.Load(cfg); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.ConfigureComponents(cfg.Components)

	application, err := app.New(cfg)
	if err != nil {
		log.Fatalf("Failed to bootstrap application: %v", err)
	}

	// Уровень логирования компонентов можно менять без перезапуска
	loader.Watch(cfg, func(err error) {
		if err != nil {
			logger.Warn().Err(err).Msg("Config reload failed")
			return
		}
		logger.ConfigureComponents(cfg.Components)
		logger.Info().Msg("Config reloaded")
	})

	handler := transport.HandlerFunc(func(ctx context.Context, msg *transport.Message) error {
		var order OrderCreated
		if err := msg.Decode(ctx, &order); err != nil {
			return err
		}

		if publisher := application.RabbitMQ.EventPublisher; publisher != nil {
			if err := publisher.Publish(ctx, "order.processed", order.OrderID, order); err != nil {
				return err
			}
		}
		return msg.Ack()
	})

	for queue, consumer := range application.RabbitMQ.Consumers {
		if err := consumer.SetMessageListener(context.Background(), handler); err != nil {
			log.Fatalf("Failed to attach listener to %s: %v", queue, err)
		}
	}

	if application.Server != nil {
		go func() {
			if err := application.Server.Start(); err != nil {
				logger.Error().Err(err).Msg("HTTP server failed")
			}
		}()
	}

	logger.Info().Int("consumers", len(application.RabbitMQ.Consumers)).Msg("Bridge started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("Application shutdown requested")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := application.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Shutdown failed")
		os.Exit(1)
	}
}
