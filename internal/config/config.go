// Package config загружает конфигурацию клиента.
// Приоритет: переменные окружения > YAML-файл > значения по умолчанию.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rentchat/internal/logger"
)

// Config содержит настройки подключения, тайминги realtime-подсистемы и
// локальный gateway для фронтенда.
type Config struct {
	// Бэкенд
	BackendURL   string `yaml:"backend_url"`
	WebSocketURL string `yaml:"websocket_url"`
	Token        string `yaml:"-"` // только из env
	UserID       string `yaml:"user_id"`
	Username     string `yaml:"username"`

	// Транспорт и реконнект
	HandshakeTimeout   time.Duration `yaml:"-"`
	OutboundQueueDepth int           `yaml:"outbound_queue_depth"`
	ReconnectDelay     time.Duration `yaml:"-"`
	ReconnectMaxDelay  time.Duration `yaml:"-"`
	ReconnectAttempts  int           `yaml:"reconnect_attempts"`
	AckTimeout         time.Duration `yaml:"-"`

	// Индикатор набора текста
	TypingDebounce time.Duration `yaml:"-"`
	TypingIdle     time.Duration `yaml:"-"`
	TypingTTL      time.Duration `yaml:"-"`

	// Уведомления
	DismissAfter time.Duration `yaml:"-"`
	PushContact  string        `yaml:"push_contact"` // mailto: для VAPID

	// Хранилище настроек. Пустой URL — in-memory (режим -dev).
	RedisURL string `yaml:"redis_url"`

	// Локальный gateway для фронтенда
	ListenAddr         string `yaml:"listen_addr"`
	CORSAllowedOrigins string `yaml:"cors_allowed_origins"`

	// Логирование
	LogLevel string `yaml:"log_level"`
}

// yamlConfig — промежуточная структура: длительности в секундах/миллисекундах.
type yamlConfig struct {
	BackendURL           string `yaml:"backend_url"`
	WebSocketURL         string `yaml:"websocket_url"`
	UserID               string `yaml:"user_id"`
	Username             string `yaml:"username"`
	HandshakeTimeoutSec  int    `yaml:"handshake_timeout"`
	OutboundQueueDepth   int    `yaml:"outbound_queue_depth"`
	ReconnectDelayMS     int    `yaml:"reconnect_delay_ms"`
	ReconnectMaxDelaySec int    `yaml:"reconnect_max_delay"`
	ReconnectAttempts    int    `yaml:"reconnect_attempts"`
	AckTimeoutSec        int    `yaml:"ack_timeout"`
	TypingDebounceSec    int    `yaml:"typing_debounce"`
	TypingIdleSec        int    `yaml:"typing_idle"`
	TypingTTLSec         int    `yaml:"typing_ttl"`
	DismissAfterSec      int    `yaml:"dismiss_after"`
	PushContact          string `yaml:"push_contact"`
	RedisURL             string `yaml:"redis_url"`
	ListenAddr           string `yaml:"listen_addr"`
	CORSAllowedOrigins   string `yaml:"cors_allowed_origins"`
	LogLevel             string `yaml:"log_level"`
}

// Load загружает конфигурацию: CONFIG_PATH → config/chatd.yaml, затем env.
func Load() *Config {
	yc := yamlConfig{
		BackendURL:           "http://localhost:8080",
		WebSocketURL:         "ws://localhost:8080/ws",
		HandshakeTimeoutSec:  10,
		OutboundQueueDepth:   64,
		ReconnectDelayMS:     500,
		ReconnectMaxDelaySec: 30,
		ReconnectAttempts:    10,
		AckTimeoutSec:        10,
		TypingDebounceSec:    2,
		TypingIdleSec:        4,
		TypingTTLSec:         5,
		DismissAfterSec:      8,
		PushContact:          "mailto:ops@rentchat.local",
		ListenAddr:           ":8090",
		CORSAllowedOrigins:   "*",
		LogLevel:             "info",
	}

	paths := []string{os.Getenv("CONFIG_PATH"), "config/chatd.yaml"}
	for _, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if err := yaml.Unmarshal(data, &yc); err != nil {
			logger.Errorf("config: ошибка парсинга %s: %v (используются значения по умолчанию)", path, err)
		} else {
			logger.Infof("config: загружен %s", path)
		}
		break
	}

	return &Config{
		BackendURL:         envStr("BACKEND_URL", yc.BackendURL),
		WebSocketURL:       envStr("WEBSOCKET_URL", yc.WebSocketURL),
		Token:              os.Getenv("AUTH_TOKEN"),
		UserID:             envStr("USER_ID", yc.UserID),
		Username:           envStr("USERNAME", yc.Username),
		HandshakeTimeout:   time.Duration(envInt("HANDSHAKE_TIMEOUT", yc.HandshakeTimeoutSec)) * time.Second,
		OutboundQueueDepth: envInt("OUTBOUND_QUEUE_DEPTH", yc.OutboundQueueDepth),
		ReconnectDelay:     time.Duration(envInt("RECONNECT_DELAY_MS", yc.ReconnectDelayMS)) * time.Millisecond,
		ReconnectMaxDelay:  time.Duration(envInt("RECONNECT_MAX_DELAY", yc.ReconnectMaxDelaySec)) * time.Second,
		ReconnectAttempts:  envInt("RECONNECT_ATTEMPTS", yc.ReconnectAttempts),
		AckTimeout:         time.Duration(envInt("ACK_TIMEOUT", yc.AckTimeoutSec)) * time.Second,
		TypingDebounce:     time.Duration(envInt("TYPING_DEBOUNCE", yc.TypingDebounceSec)) * time.Second,
		TypingIdle:         time.Duration(envInt("TYPING_IDLE", yc.TypingIdleSec)) * time.Second,
		TypingTTL:          time.Duration(envInt("TYPING_TTL", yc.TypingTTLSec)) * time.Second,
		DismissAfter:       time.Duration(envInt("DISMISS_AFTER", yc.DismissAfterSec)) * time.Second,
		PushContact:        envStr("PUSH_CONTACT", yc.PushContact),
		RedisURL:           envStr("REDIS_URL", yc.RedisURL),
		ListenAddr:         envStr("LISTEN_ADDR", yc.ListenAddr),
		CORSAllowedOrigins: envStr("CORS_ALLOWED_ORIGINS", yc.CORSAllowedOrigins),
		LogLevel:           envStr("LOG_LEVEL", yc.LogLevel),
	}
}

// envStr возвращает значение переменной окружения или fallback.
func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// envInt возвращает числовое значение переменной окружения или fallback.
func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
