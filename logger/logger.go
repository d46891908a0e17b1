package logger

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	global     *Logger
	globalLock sync.RWMutex
)

// Config представляет конфигурацию логгера
type Config struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // json или console
	Output     string `mapstructure:"output"` // stdout, stderr или путь к файлу
	TimeFormat string `mapstructure:"time_format"`
}

// Logger представляет собой обертку над zerolog.Logger
type Logger struct {
	logger zerolog.Logger
}

// New создает новый экземпляр логгера
func New(cfg Config) (*Logger, error) {
	cfg = sanitize(&cfg)

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	zerolog.TimeFieldFormat = cfg.TimeFormat

	var output io.Writer
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout":
		output = os.Stdout
	default:
		file, err := os.OpenFile(cfg.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, err
		}
		output = file
	}

	if cfg.Format == "console" {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: cfg.TimeFormat,
		}
	}

	logger := zerolog.New(output).Level(level).With().Timestamp().Logger()

	return &Logger{
		logger: logger,
	}, nil
}

// NewFromZerolog оборачивает готовый zerolog.Logger (удобно в тестах)
func NewFromZerolog(l zerolog.Logger) *Logger {
	return &Logger{logger: l}
}

// Nop возвращает логгер, который ничего не пишет
func Nop() *Logger {
	return &Logger{logger: zerolog.Nop()}
}

// Debug логирует сообщение с уровнем Debug
func (l *Logger) Debug() *zerolog.Event {
	return l.logger.Debug()
}

// Info логирует сообщение с уровнем Info
func (l *Logger) Info() *zerolog.Event {
	return l.logger.Info()
}

// Warn логирует сообщение с уровнем Warn
func (l *Logger) Warn() *zerolog.Event {
	return l.logger.Warn()
}

// Error логирует сообщение с уровнем Error
func (l *Logger) Error() *zerolog.Event {
	return l.logger.Error()
}

// With возвращает контекст для построения дочернего логгера
func (l *Logger) With() zerolog.Context {
	return l.logger.With()
}

// WithField возвращает новый логгер с добавленным полем
func (l *Logger) WithField(key string, value any) *Logger {
	return &Logger{logger: l.logger.With().Interface(key, value).Logger()}
}

// WithFields возвращает новый логгер с добавленными полями
func (l *Logger) WithFields(fields map[string]any) *Logger {
	ctx := l.logger.With()
	for key, value := range fields {
		ctx = ctx.Interface(key, value)
	}
	return &Logger{logger: ctx.Logger()}
}

func (l *Logger) Log() zerolog.Logger {
	return l.logger
}

// Init создает логгер по конфигурации и устанавливает его глобальным
func Init(cfg Config) error {
	l, err := New(cfg)
	if err != nil {
		return err
	}
	SetGlobal(l)
	return nil
}

// SetGlobal устанавливает глобальный логгер
func SetGlobal(l *Logger) {
	globalLock.Lock()
	global = l
	globalLock.Unlock()

	// кэш компонентов строится от глобального логгера
	resetComponents()
}

// GetGlobal возвращает глобальный логгер, создавая логгер по умолчанию при необходимости
func GetGlobal() *Logger {
	globalLock.RLock()
	l := global
	globalLock.RUnlock()
	if l != nil {
		return l
	}

	globalLock.Lock()
	defer globalLock.Unlock()
	if global == nil {
		global = &Logger{logger: zerolog.New(os.Stdout).With().Timestamp().Logger()}
	}
	return global
}

// SetLevel устанавливает глобальный уровень логирования
func SetLevel(level string) error {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return err
	}
	if level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	return nil
}

// GetLevel возвращает глобальный уровень логирования
func GetLevel() string {
	return zerolog.GlobalLevel().String()
}

func Debug() *zerolog.Event { return GetGlobal().Debug() }

func Info() *zerolog.Event { return GetGlobal().Info() }

func Warn() *zerolog.Event { return GetGlobal().Warn() }

func Error() *zerolog.Event { return GetGlobal().Error() }

// sanitize ensures the Config struct is populated with default values when fields are empty.
func sanitize(cfg *Config) Config {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.Format == "" {
		cfg.Format = "json"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
	if cfg.TimeFormat == "" {
		cfg.TimeFormat = time.RFC3339
	}
	return *cfg
}
