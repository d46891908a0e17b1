package app

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	platformhealthcheck "github.com/zynerotech/amqpbridge/healthcheck"
	platformlogger "github.com/zynerotech/amqpbridge/logger"
	platformmetrics "github.com/zynerotech/amqpbridge/metrics"
	platformserver "github.com/zynerotech/amqpbridge/server"
	"github.com/zynerotech/amqpbridge/transport/rabbitmq"
)

// TestConfig представляет тестовую конфигурацию
type TestConfig struct {
	Logger platformlogger.Config `mapstructure:"logger"`
}

// Validate проверяет корректность конфигурации
func (c TestConfig) Validate() error {
	return nil
}

// LoggerConfig возвращает конфигурацию логгера (обязательный)
func (c TestConfig) LoggerConfig() platformlogger.Config {
	return c.Logger
}

// TestOptionalConfig представляет тестовую конфигурацию с опциональными компонентами
type TestOptionalConfig struct {
	TestConfig
	Metrics     *platformmetrics.Config
	Healthcheck *platformhealthcheck.Config
	Server      *platformserver.Config
	RabbitMQ    *rabbitmq.Config
}

func (c TestOptionalConfig) MetricsConfig() *platformmetrics.Config { return c.Metrics }

func (c TestOptionalConfig) HealthcheckConfig() *platformhealthcheck.Config { return c.Healthcheck }

func (c TestOptionalConfig) ServerConfig() *platformserver.Config { return c.Server }

func (c TestOptionalConfig) RabbitMQConfig() *rabbitmq.Config { return c.RabbitMQ }

func testLoggerConfig() platformlogger.Config {
	return platformlogger.Config{
		Level:  "info",
		Format: "console",
		Output: "stdout",
	}
}

func TestNewWithLogger(t *testing.T) {
	cfg := TestConfig{Logger: testLoggerConfig()}

	application, err := NewWithLogger(cfg)
	if err != nil {
		t.Fatalf("Failed to create app with logger: %v", err)
	}
	defer application.Close()

	// Проверяем, что логгер инициализирован
	if application.Logger == nil {
		t.Error("Logger should be initialized")
	}

	// Проверяем, что другие компоненты не инициализированы
	if application.Metrics != nil {
		t.Error("Metrics should not be initialized")
	}

	if application.Server != nil {
		t.Error("Server should not be initialized")
	}

	if application.RabbitMQ != nil {
		t.Error("RabbitMQ should not be initialized")
	}

	if application.Consumer("orders") != nil {
		t.Error("Consumer should be nil without RabbitMQ")
	}
}

func TestAppBuilderWithOptionalConfig(t *testing.T) {
	cfg := TestOptionalConfig{TestConfig: TestConfig{Logger: testLoggerConfig()}}

	application, err := NewBuilder(cfg).
		WithLogger().
		WithMetrics().
		WithRabbitMQ().
		Build()
	if err != nil {
		t.Fatalf("Failed to build app with optional config: %v", err)
	}
	defer application.Close()

	// Опциональные компоненты не инициализированы, так как конфигурация возвращает nil
	if application.Metrics != nil {
		t.Error("Metrics should not be initialized when config returns nil")
	}

	if application.RabbitMQ != nil {
		t.Error("RabbitMQ should not be initialized when config returns nil")
	}
}

func TestAppBuilderWiresHTTPComponents(t *testing.T) {
	cfg := TestOptionalConfig{
		TestConfig:  TestConfig{Logger: testLoggerConfig()},
		Metrics:     &platformmetrics.Config{Enabled: true, Port: 0, ServiceName: "bridge_test"},
		Healthcheck: &platformhealthcheck.Config{Enabled: true, Port: 0},
		Server:      &platformserver.Config{Address: ":0"},
	}

	application, err := New(cfg)
	if err != nil {
		t.Fatalf("Failed to build app: %v", err)
	}
	defer application.Close()

	if application.Metrics == nil || application.Healthcheck == nil || application.Server == nil {
		t.Fatal("Metrics, healthcheck and server should be initialized")
	}

	resp, err := http.Get("http://" + application.Healthcheck.Addr() + platformhealthcheck.DefaultReadyPath)
	if err != nil {
		t.Fatalf("Readiness request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected readiness 200, got %d", resp.StatusCode)
	}

	// Запрос к healthcheck учитывается в HTTP метриках
	resp, err = http.Get("http://" + application.Metrics.Addr() + platformmetrics.DefaultPath)
	if err != nil {
		t.Fatalf("Metrics request failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "bridge_test_http_requests_total") {
		t.Error("Expected healthcheck requests to be counted")
	}
}

func TestAppBuilderRabbitMQInvalidConfig(t *testing.T) {
	cfg := TestOptionalConfig{
		TestConfig: TestConfig{Logger: testLoggerConfig()},
		RabbitMQ:   &rabbitmq.Config{},
	}

	_, err := NewBuilder(cfg).WithRabbitMQ().Build()
	if err == nil {
		t.Fatal("Expected build to fail without broker address")
	}
	if !errors.Is(err, rabbitmq.ErrNoAddress) {
		t.Errorf("Expected ErrNoAddress, got %v", err)
	}
	if !strings.Contains(err.Error(), "init rabbitmq") {
		t.Errorf("Expected component name in error, got %v", err)
	}
}

func TestAppClose(t *testing.T) {
	cfg := TestConfig{Logger: testLoggerConfig()}

	application, err := NewWithLogger(cfg)
	if err != nil {
		t.Fatalf("Failed to create app: %v", err)
	}

	// Тестируем закрытие приложения
	if err := application.Shutdown(context.Background()); err != nil {
		t.Errorf("Failed to close app: %v", err)
	}

	// Тестируем закрытие nil приложения
	var nilApp *App
	if err := nilApp.Close(); err != nil {
		t.Errorf("Closing nil app should not return error: %v", err)
	}
}
