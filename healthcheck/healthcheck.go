package healthcheck

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/bytedance/sonic"

	"github.com/zynerotech/amqpbridge/logger"
)

const (
	DefaultPath         = "/health"
	DefaultReadyPath    = "/ready"
	DefaultCheckTimeout = 2 * time.Second
)

// Config представляет конфигурацию healthcheck
type Config struct {
	Enabled      bool          `mapstructure:"enabled"`
	Path         string        `mapstructure:"path"`       // liveness, всегда OK пока процесс жив
	ReadyPath    string        `mapstructure:"ready_path"` // readiness, выполняет зарегистрированные проверки
	Port         int           `mapstructure:"port"`
	CheckTimeout time.Duration `mapstructure:"check_timeout"`
}

// CheckFunc проверка состояния компонента. nil означает, что компонент исправен.
type CheckFunc func(ctx context.Context) error

// Report результат проверки готовности
type Report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Healthcheck представляет менеджер проверок здоровья
type Healthcheck struct {
	config   Config
	server   *http.Server
	listener net.Listener

	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// New создает экземпляр health-check сервера.
// middleware оборачивает обработчики, например для сбора HTTP метрик.
func New(cfg Config, middleware ...func(http.Handler) http.Handler) (*Healthcheck, error) {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.ReadyPath == "" {
		cfg.ReadyPath = DefaultReadyPath
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = DefaultCheckTimeout
	}

	h := &Healthcheck{
		config: cfg,
		checks: make(map[string]CheckFunc),
	}
	if !cfg.Enabled {
		return h, nil
	}

	handler := h.Handler()
	for _, mw := range middleware {
		handler = mw(handler)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("failed to listen for healthcheck: %w", err)
	}
	h.listener = ln
	h.server = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Msgf("Starting healthcheck server on %s", ln.Addr())
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Healthcheck server failed")
		}
	}()

	return h, nil
}

// Register добавляет именованную проверку готовности. Повторная регистрация заменяет проверку.
func (h *Healthcheck) Register(name string, check CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// Check выполняет все проверки и возвращает отчет
func (h *Healthcheck) Check(ctx context.Context) Report {
	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	checks := make(map[string]CheckFunc, len(h.checks))
	for name, fn := range h.checks {
		checks[name] = fn
	}
	h.mu.RUnlock()
	sort.Strings(names)

	ctx, cancel := context.WithTimeout(ctx, h.config.CheckTimeout)
	defer cancel()

	report := Report{Status: "ok", Checks: make(map[string]string, len(names))}
	for _, name := range names {
		if err := checks[name](ctx); err != nil {
			report.Status = "fail"
			report.Checks[name] = err.Error()
			continue
		}
		report.Checks[name] = "ok"
	}
	return report
}

// Handler возвращает HTTP обработчик liveness и readiness путей
func (h *Healthcheck) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(h.config.Path, h.handleHealthcheck)
	mux.HandleFunc(h.config.ReadyPath, h.handleReady)
	return mux
}

// Addr возвращает адрес HTTP-сервера, пустую строку если сервер не запущен
func (h *Healthcheck) Addr() string {
	if h.listener == nil {
		return ""
	}
	return h.listener.Addr().String()
}

// Stop останавливает HTTP-сервер проверок здоровья
func (h *Healthcheck) Stop() error {
	if !h.config.Enabled || h.server == nil {
		return nil
	}
	return h.server.Close()
}

func (h *Healthcheck) handleHealthcheck(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (h *Healthcheck) handleReady(w http.ResponseWriter, r *http.Request) {
	report := h.Check(r.Context())

	body, err := sonic.Marshal(report)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if report.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_, _ = w.Write(body)
}
