package logger

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// ComponentConfig представляет настройки для конкретного компонента
type ComponentConfig struct {
	Level  string         `json:"level" yaml:"level" mapstructure:"level"`
	Fields map[string]any `json:"fields" yaml:"fields" mapstructure:"fields"`
}

var (
	componentConfigs     = make(map[string]ComponentConfig)
	componentConfigsLock sync.RWMutex
	componentLoggers     sync.Map // map[string]*Logger для кэширования логгеров компонентов
)

// Component возвращает логгер для компонента с полем component и его настройками
func Component(name string) *Logger {
	if cached, ok := componentLoggers.Load(name); ok {
		return cached.(*Logger)
	}

	componentConfigsLock.RLock()
	cfg, hasConfig := componentConfigs[name]
	componentConfigsLock.RUnlock()

	ctx := GetGlobal().With().Str("component", name)
	if hasConfig {
		for key, value := range cfg.Fields {
			ctx = ctx.Interface(key, value)
		}
	}
	zl := ctx.Logger()

	// У компонента может быть свой уровень логирования
	if hasConfig && cfg.Level != "" {
		if lvl, err := zerolog.ParseLevel(cfg.Level); err == nil {
			zl = zl.Level(lvl)
		}
	}

	l := &Logger{logger: zl}
	actual, _ := componentLoggers.LoadOrStore(name, l)
	return actual.(*Logger)
}

// ConfigureComponents задает настройки компонентов (обычно из конфигурации приложения)
func ConfigureComponents(components map[string]ComponentConfig) {
	componentConfigsLock.Lock()
	componentConfigs = make(map[string]ComponentConfig, len(components))
	for name, cfg := range components {
		componentConfigs[name] = cfg
	}
	componentConfigsLock.Unlock()

	resetComponents()
}

// SetComponentLevel устанавливает уровень логирования для компонента
func SetComponentLevel(name, level string) error {
	if _, err := zerolog.ParseLevel(level); err != nil {
		return err
	}

	componentConfigsLock.Lock()
	cfg := componentConfigs[name]
	cfg.Level = level
	componentConfigs[name] = cfg
	componentConfigsLock.Unlock()

	// Удаляем из кэша, чтобы пересоздать с новым уровнем
	componentLoggers.Delete(name)
	return nil
}

// GetComponentLevel возвращает уровень логирования для компонента
func GetComponentLevel(name string) string {
	componentConfigsLock.RLock()
	defer componentConfigsLock.RUnlock()

	if cfg, ok := componentConfigs[name]; ok && cfg.Level != "" {
		return cfg.Level
	}
	return GetLevel()
}

// ListComponents возвращает отсортированный список известных компонентов
func ListComponents() []string {
	seen := make(map[string]struct{})

	componentConfigsLock.RLock()
	for name := range componentConfigs {
		seen[name] = struct{}{}
	}
	componentConfigsLock.RUnlock()

	componentLoggers.Range(func(key, _ any) bool {
		seen[key.(string)] = struct{}{}
		return true
	})

	components := make([]string, 0, len(seen))
	for name := range seen {
		components = append(components, name)
	}
	sort.Strings(components)
	return components
}

func resetComponents() {
	componentLoggers.Range(func(key, _ any) bool {
		componentLoggers.Delete(key)
		return true
	})
}
