package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/utils"

	"github.com/zynerotech/amqpbridge/logger"
	"github.com/zynerotech/amqpbridge/transport"
	"github.com/zynerotech/amqpbridge/transport/rabbitmq"
)

const (
	DefaultAdminPrefix     = "/admin"
	DefaultShutdownTimeout = 10 * time.Second
)

// Config представляет конфигурацию веб-сервера
type Config struct {
	Address         string        `mapstructure:"address"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AdminPrefix     string        `mapstructure:"admin_prefix"`
}

// Consumer управляемая через admin API подписка на очередь
type Consumer interface {
	Queue() string
	Status() rabbitmq.Status
	Start()
	Stop(ctx context.Context) error
	Abort()
}

var _ Consumer = (*rabbitmq.Consumer)(nil)

// ErrorResponse тело ответа с ошибкой
type ErrorResponse struct {
	Error string `json:"error"`
}

// Server представляет веб-сервер на основе Fiber
type Server struct {
	app    *fiber.App
	config Config

	mu        sync.RWMutex
	consumers map[string]Consumer
	admin     bool
}

// New создает новый экземпляр веб-сервера
func New(cfg Config) (*Server, error) {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.AdminPrefix == "" {
		cfg.AdminPrefix = DefaultAdminPrefix
	}

	fiberConfig := fiber.Config{
		DisableStartupMessage: true,
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		IdleTimeout:           cfg.IdleTimeout,
		JSONEncoder: func(v any) ([]byte, error) {
			return sonic.Marshal(v)
		},
		JSONDecoder: func(data []byte, v any) error {
			return sonic.Unmarshal(data, v)
		},
		ErrorHandler: errorHandler,
	}

	app := fiber.New(fiberConfig)

	app.Use(compress.New())
	app.Use(recover.New())

	return &Server{
		app:       app,
		config:    cfg,
		consumers: make(map[string]Consumer),
	}, nil
}

// Use добавляет middleware. Вызывается до регистрации маршрутов.
func (s *Server) Use(handlers ...fiber.Handler) {
	for _, h := range handlers {
		s.app.Use(h)
	}
}

// RegisterConsumers делает подписки доступными через admin API.
// Маршруты регистрируются при первом вызове.
func (s *Server) RegisterConsumers(consumers ...Consumer) {
	s.mu.Lock()
	for _, c := range consumers {
		s.consumers[c.Queue()] = c
	}
	registered := s.admin
	s.admin = true
	s.mu.Unlock()

	if registered {
		return
	}

	admin := s.app.Group(s.config.AdminPrefix)
	admin.Get("/consumers", s.listConsumers)
	admin.Get("/consumers/:queue", s.getConsumer)
	admin.Post("/consumers/:queue/start", s.startConsumer)
	admin.Post("/consumers/:queue/stop", s.stopConsumer)
	admin.Post("/consumers/:queue/abort", s.abortConsumer)
}

// Start запускает веб-сервер
func (s *Server) Start() error {
	return s.app.Listen(s.config.Address)
}

// Stop останавливает веб-сервер
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	return s.app.ShutdownWithContext(ctx)
}

// App возвращает экземпляр приложения Fiber
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) lookup(c *fiber.Ctx) (Consumer, error) {
	queue := utils.CopyString(c.Params("queue"))

	s.mu.RLock()
	consumer, ok := s.consumers[queue]
	s.mu.RUnlock()
	if !ok {
		return nil, fiber.NewError(fiber.StatusNotFound, "unknown queue "+queue)
	}
	return consumer, nil
}

func (s *Server) listConsumers(c *fiber.Ctx) error {
	s.mu.RLock()
	statuses := make([]rabbitmq.Status, 0, len(s.consumers))
	for _, consumer := range s.consumers {
		statuses = append(statuses, consumer.Status())
	}
	s.mu.RUnlock()

	return c.JSON(statuses)
}

func (s *Server) getConsumer(c *fiber.Ctx) error {
	consumer, err := s.lookup(c)
	if err != nil {
		return err
	}
	return c.JSON(consumer.Status())
}

func (s *Server) startConsumer(c *fiber.Ctx) error {
	consumer, err := s.lookup(c)
	if err != nil {
		return err
	}
	consumer.Start()
	logger.Info().Str("queue", consumer.Queue()).Msg("Consumer started via admin API")
	return c.JSON(consumer.Status())
}

func (s *Server) stopConsumer(c *fiber.Ctx) error {
	consumer, err := s.lookup(c)
	if err != nil {
		return err
	}
	if err := consumer.Stop(c.UserContext()); err != nil {
		logger.Warn().Err(err).Str("queue", consumer.Queue()).Msg("Consumer stop via admin API failed")
		if errors.Is(err, transport.ErrTimeout) {
			return fiber.NewError(fiber.StatusGatewayTimeout, err.Error())
		}
		return err
	}
	logger.Info().Str("queue", consumer.Queue()).Msg("Consumer stopped via admin API")
	return c.JSON(consumer.Status())
}

func (s *Server) abortConsumer(c *fiber.Ctx) error {
	consumer, err := s.lookup(c)
	if err != nil {
		return err
	}
	consumer.Abort()
	logger.Info().Str("queue", consumer.Queue()).Msg("Consumer aborted via admin API")
	return c.JSON(consumer.Status())
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		code = fiberErr.Code
	}
	return c.Status(code).JSON(ErrorResponse{Error: err.Error()})
}
