package metrics

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zynerotech/amqpbridge/logger"
)

const DefaultPath = "/metrics"

// Config представляет конфигурацию метрик
type Config struct {
	Enabled     bool   `mapstructure:"enabled"`
	Path        string `mapstructure:"path"`
	Port        int    `mapstructure:"port"`
	ServiceName string `mapstructure:"service_name"`
}

// Metrics представляет собой менеджер метрик.
// Все коллекторы регистрируются в собственном реестре, который отдается по Path.
type Metrics struct {
	config   Config
	registry *prometheus.Registry
	server   *http.Server
	listener net.Listener

	// HTTP метрики
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight *prometheus.GaugeVec
}

// New создает и запускает новый экземпляр менеджера метрик
func New(cfg Config) (*Metrics, error) {
	registry := prometheus.NewRegistry()
	if !cfg.Enabled {
		return &Metrics{config: cfg, registry: registry}, nil
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		config:   cfg,
		registry: registry,
	}
	factory := promauto.With(registry)

	m.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_http_requests_total", cfg.ServiceName),
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	m.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    fmt.Sprintf("%s_http_request_duration_seconds", cfg.ServiceName),
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	m.httpRequestsInFlight = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_http_requests_in_flight", cfg.ServiceName),
			Help: "Current number of HTTP requests being served",
		},
		[]string{"method", "path"},
	)

	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("failed to listen for metrics: %w", err)
	}
	m.listener = ln
	m.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Msgf("Starting metrics server on %s", ln.Addr())
		if err := m.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	return m, nil
}

// Registerer возвращает реестр для регистрации метрик компонентов (например, транспорта)
func (m *Metrics) Registerer() prometheus.Registerer {
	return m.registry
}

// Gatherer возвращает реестр для чтения собранных метрик
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// Enabled сообщает, включен ли сбор метрик
func (m *Metrics) Enabled() bool {
	return m.config.Enabled
}

// ServiceName возвращает префикс имен метрик
func (m *Metrics) ServiceName() string {
	return m.config.ServiceName
}

// Addr возвращает адрес HTTP-сервера метрик, пустую строку если сервер не запущен
func (m *Metrics) Addr() string {
	if m.listener == nil {
		return ""
	}
	return m.listener.Addr().String()
}

// Stop останавливает HTTP-сервер метрик
func (m *Metrics) Stop() error {
	if !m.config.Enabled || m.server == nil {
		return nil
	}
	return m.server.Close()
}

// HTTPMiddleware возвращает middleware для сбора HTTP метрик
func (m *Metrics) HTTPMiddleware(next http.Handler) http.Handler {
	if !m.config.Enabled {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		m.httpRequestsInFlight.WithLabelValues(r.Method, r.URL.Path).Inc()
		defer m.httpRequestsInFlight.WithLabelValues(r.Method, r.URL.Path).Dec()

		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		m.httpRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
		m.httpRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(rw.status)).Inc()
	})
}

// FiberMiddleware возвращает middleware для Fiber.
// В качестве метки пути используется шаблон маршрута, а не фактический путь.
func (m *Metrics) FiberMiddleware() fiber.Handler {
	if !m.config.Enabled {
		return func(c *fiber.Ctx) error {
			return c.Next()
		}
	}

	return func(c *fiber.Ctx) error {
		start := time.Now()
		// Строки из контекста Fiber переиспользуются после ответа
		method := utils.CopyString(c.Method())

		inFlight := m.httpRequestsInFlight.WithLabelValues(method, utils.CopyString(c.Path()))
		inFlight.Inc()
		defer inFlight.Dec()

		err := c.Next()

		path := c.Route().Path
		status := c.Response().StatusCode()
		if err != nil {
			var fiberErr *fiber.Error
			if errors.As(err, &fiberErr) {
				status = fiberErr.Code
			} else {
				status = fiber.StatusInternalServerError
			}
		}

		m.httpRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
		m.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()

		return err
	}
}

// responseWriter перехватывает статус ответа
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}
