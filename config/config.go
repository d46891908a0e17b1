package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

var (
	ErrConfigNotFound   = errors.New("config file not found")
	ErrConfigValidation = errors.New("config validation failed")
	ErrConfigUnmarshal  = errors.New("failed to unmarshal config")
)

const (
	// DefaultEnv значение окружения по умолчанию
	DefaultEnv = "dev"
	// ConfigDir директория с конфигурационными файлами
	ConfigDir = "configs"
	// EnvPrefix префикс переменных окружения, например APP_RABBITMQ_URL
	EnvPrefix = "APP"
)

// Configurable определяет интерфейс для любой конфигурации
type Configurable interface {
	Validate() error
}

// Defaulter может быть реализован конфигурацией, чтобы задать значения по умолчанию.
// Ключи задаются в нотации viper: "rabbitmq.heartbeat".
type Defaulter interface {
	Defaults() map[string]any
}

// Loader предоставляет функциональность для загрузки конфигурации
type Loader struct {
	viper *viper.Viper
	mu    sync.Mutex
}

func getEnv() string {
	if env := os.Getenv("APP_ENV"); env != "" {
		return env
	}
	return DefaultEnv
}

func getConfigPath() string {
	return filepath.Join(ConfigDir, fmt.Sprintf("%s.yaml", getEnv()))
}

// NewLoader создает новый загрузчик конфигурации.
// Пустой путь означает configs/<APP_ENV>.yaml.
func NewLoader(configPath string) *Loader {
	v := viper.New()

	if configPath == "" {
		configPath = getConfigPath()
	}

	v.SetConfigFile(configPath)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return &Loader{
		viper: v,
	}
}

// Load загружает конфигурацию из файла в переданную структуру
func (l *Loader) Load(cfg Configurable) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if d, ok := cfg.(Defaulter); ok {
		for key, value := range d.Defaults() {
			l.viper.SetDefault(key, value)
		}
	}

	if err := l.viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %v", ErrConfigNotFound, err)
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	return l.decode(cfg)
}

func (l *Loader) decode(cfg Configurable) error {
	if err := l.viper.UnmarshalExact(cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrConfigUnmarshal, err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfigValidation, err)
	}
	return nil
}

// Watch перечитывает конфигурацию в cfg при каждом изменении файла.
// onChange получает результат перечитывания; при ошибке cfg может быть частично обновлен,
// поэтому вызывающая сторона должна перечитывать только безопасные для горячей замены поля.
func (l *Loader) Watch(cfg Configurable, onChange func(error)) {
	l.viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		l.mu.Lock()
		err := l.decode(cfg)
		l.mu.Unlock()
		if onChange != nil {
			onChange(err)
		}
	})
	l.viper.WatchConfig()
}

// GetConfigPath возвращает путь к файлу конфигурации
func (l *Loader) GetConfigPath() string {
	return l.viper.ConfigFileUsed()
}

// GetConfigDir возвращает директорию с конфигурацией
func (l *Loader) GetConfigDir() string {
	return filepath.Dir(l.viper.ConfigFileUsed())
}

// GetString возвращает строковое значение из конфигурации
func (l *Loader) GetString(key string) string {
	return l.viper.GetString(key)
}

// GetDuration возвращает значение длительности из конфигурации
func (l *Loader) GetDuration(key string) time.Duration {
	return l.viper.GetDuration(key)
}

// SetDefault устанавливает значение по умолчанию для ключа
func (l *Loader) SetDefault(key string, value any) {
	l.viper.SetDefault(key, value)
}

// Load загружает конфигурацию из файла в переданную структуру
func Load(cfg Configurable, configPath string) error {
	return NewLoader(configPath).Load(cfg)
}

// GetEnv возвращает текущее окружение
func GetEnv() string {
	return getEnv()
}
