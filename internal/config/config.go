// Пакет config — загрузка и валидация конфигурации dirsync
// из переменных окружения.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Запросы к системе-источнику по умолчанию.
const (
	// DefaultQueryJournalMax — наибольший sequence number журнала
	DefaultQueryJournalMax = `SELECT MAX(sequence_number) FROM d2l_journal`
	// DefaultQueryJournal — окно журнала: $1 — курсор (исключительно), $2 — лимит
	DefaultQueryJournal = `SELECT sequence_number, entity_id FROM d2l_journal WHERE sequence_number > $1 ORDER BY sequence_number LIMIT $2`
	// DefaultQueryUser — пользователь по entity id ($1)
	DefaultQueryUser = `SELECT preferred_name, first_name, middle_name, last_name, user_name, org_defined_id, external_email, role FROM d2l_user WHERE id = $1`
)

// ErrSourceNotConfigured — режим требует подключения к источнику, но DS_DB_* не заданы.
var ErrSourceNotConfigured = errors.New("подключение к системе-источнику не настроено")

// Config содержит все параметры конфигурации dirsync.
// Создаётся один раз при старте и передаётся явно; после Load не изменяется.
type Config struct {
	// --- Логирование ---

	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// --- D2L ---

	// Базовый URL D2L (без trailing slash)
	D2LURL string
	// Версия LP API (например, 1.20)
	D2LAPIVersion string
	// Application ID / Key
	D2LAppID  string
	D2LAppKey string
	// User ID / Key (субъект, от имени которого выполняются вызовы)
	D2LUserID  string
	D2LUserKey string
	// Таймаут одного HTTP-запроса к D2L
	D2LTimeout time.Duration
	// Путь к CA-сертификату для TLS-соединений с D2L (опционально)
	D2LCACertPath string

	// --- PostgreSQL (система-источник) ---

	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	// Режим SSL: disable, require, verify-ca, verify-full
	DBSSLMode string

	// SQL-запросы к источнику
	QueryJournalMax string
	QueryJournal    string
	QueryUser       string

	// --- Синхронизация ---

	// Путь к файлу checkpoint
	CheckpointFile string
	// Максимальный размер пачки событий журнала
	BatchSize int
	// Пауза между циклами
	PollInterval time.Duration
	// Пауза после ошибки источника
	BackoffInterval time.Duration
	// Сколько циклов подряд событие может завершаться ошибкой, прежде чем
	// будет пропущено (0 — без ограничения)
	MaxEventAttempts int

	// --- Служебный HTTP-сервер ---

	// Порт /health и /metrics (0 — сервер не запускается)
	HTTPPort int
	// Группа topologymetrics
	DephealthGroup string
	// Интервал проверки зависимостей topologymetrics
	DephealthCheckInterval time.Duration
	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Логирование ---

	// DS_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("DS_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("DS_LOG_LEVEL: %w", err)
	}

	// DS_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("DS_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("DS_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// --- D2L ---

	// DS_D2L_URL — базовый URL (по умолчанию тестовый tenant)
	cfg.D2LURL = strings.TrimRight(getEnvDefault("DS_D2L_URL", "https://test.brightspace.com"), "/")
	if u, parseErr := url.Parse(cfg.D2LURL); parseErr != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("DS_D2L_URL: некорректный URL %q", cfg.D2LURL)
	}

	cfg.D2LAPIVersion = getEnvDefault("DS_D2L_API_VERSION", "1.20")

	// Credentials — обязательные
	if cfg.D2LAppID, err = getEnvRequired("DS_D2L_APP_ID"); err != nil {
		return nil, err
	}
	if cfg.D2LAppKey, err = getEnvRequired("DS_D2L_APP_KEY"); err != nil {
		return nil, err
	}
	if cfg.D2LUserID, err = getEnvRequired("DS_D2L_USER_ID"); err != nil {
		return nil, err
	}
	if cfg.D2LUserKey, err = getEnvRequired("DS_D2L_USER_KEY"); err != nil {
		return nil, err
	}

	// DS_D2L_TIMEOUT — таймаут запроса (по умолчанию 360s)
	cfg.D2LTimeout, err = getEnvDuration("DS_D2L_TIMEOUT", 360*time.Second)
	if err != nil {
		return nil, fmt.Errorf("DS_D2L_TIMEOUT: %w", err)
	}

	cfg.D2LCACertPath = getEnvDefault("DS_D2L_CA_CERT_PATH", "")

	// --- PostgreSQL ---
	// Обязательность проверяется в RequireSource: режим одной записи
	// работает без базы данных.

	cfg.DBHost = getEnvDefault("DS_DB_HOST", "")
	cfg.DBPort, err = getEnvInt("DS_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("DS_DB_PORT: %w", err)
	}
	cfg.DBName = getEnvDefault("DS_DB_NAME", "")
	cfg.DBUser = getEnvDefault("DS_DB_USER", "")
	cfg.DBPassword = getEnvDefault("DS_DB_PASSWORD", "")

	cfg.DBSSLMode = getEnvDefault("DS_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{
		"disable": true, "require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSLModes[cfg.DBSSLMode] {
		return nil, fmt.Errorf("DS_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}

	cfg.QueryJournalMax = getEnvDefault("DS_QUERY_JOURNAL_MAX", DefaultQueryJournalMax)
	cfg.QueryJournal = getEnvDefault("DS_QUERY_JOURNAL", DefaultQueryJournal)
	cfg.QueryUser = getEnvDefault("DS_QUERY_USER", DefaultQueryUser)

	// --- Синхронизация ---

	cfg.CheckpointFile = getEnvDefault("DS_CHECKPOINT_FILE", "./dirsync.checkpoint")

	// DS_BATCH_SIZE — размер пачки журнала (по умолчанию 100)
	cfg.BatchSize, err = getEnvInt("DS_BATCH_SIZE", 100)
	if err != nil {
		return nil, fmt.Errorf("DS_BATCH_SIZE: %w", err)
	}
	if cfg.BatchSize < 1 || cfg.BatchSize > 10000 {
		return nil, fmt.Errorf("DS_BATCH_SIZE: значение %d вне допустимого диапазона 1-10000", cfg.BatchSize)
	}

	// DS_POLL_INTERVAL — пауза между циклами (по умолчанию 5s)
	cfg.PollInterval, err = getEnvDuration("DS_POLL_INTERVAL", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("DS_POLL_INTERVAL: %w", err)
	}

	// DS_BACKOFF_INTERVAL — пауза после ошибки источника (по умолчанию 60s)
	cfg.BackoffInterval, err = getEnvDuration("DS_BACKOFF_INTERVAL", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("DS_BACKOFF_INTERVAL: %w", err)
	}
	if cfg.BackoffInterval < cfg.PollInterval {
		return nil, fmt.Errorf("DS_BACKOFF_INTERVAL: %s меньше DS_POLL_INTERVAL %s", cfg.BackoffInterval, cfg.PollInterval)
	}

	// DS_MAX_EVENT_ATTEMPTS — 0 означает бесконечные повторы
	cfg.MaxEventAttempts, err = getEnvInt("DS_MAX_EVENT_ATTEMPTS", 0)
	if err != nil {
		return nil, fmt.Errorf("DS_MAX_EVENT_ATTEMPTS: %w", err)
	}
	if cfg.MaxEventAttempts < 0 {
		return nil, fmt.Errorf("DS_MAX_EVENT_ATTEMPTS: значение %d не может быть отрицательным", cfg.MaxEventAttempts)
	}

	// --- Служебный HTTP-сервер ---

	cfg.HTTPPort, err = getEnvInt("DS_HTTP_PORT", 8020)
	if err != nil {
		return nil, fmt.Errorf("DS_HTTP_PORT: %w", err)
	}
	if cfg.HTTPPort < 0 || cfg.HTTPPort > 65535 {
		return nil, fmt.Errorf("DS_HTTP_PORT: значение %d вне допустимого диапазона 0-65535", cfg.HTTPPort)
	}

	cfg.DephealthGroup = getEnvDefault("DS_DEPHEALTH_GROUP", "dirsync")
	cfg.DephealthCheckInterval, err = getEnvDuration("DS_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("DS_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	cfg.ShutdownTimeout, err = getEnvDuration("DS_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("DS_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// RequireSource проверяет параметры подключения к системе-источнику.
// Нужен для режимов журнала и списка id.
func (c *Config) RequireSource() error {
	var missing []string
	for key, val := range map[string]string{
		"DS_DB_HOST":     c.DBHost,
		"DS_DB_NAME":     c.DBName,
		"DS_DB_USER":     c.DBUser,
		"DS_DB_PASSWORD": c.DBPassword,
	} {
		if val == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return fmt.Errorf("%w: не заданы %s", ErrSourceNotConfigured, strings.Join(missing, ", "))
	}
	return nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает URL PostgreSQL без пароля (для лейблов метрик).
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%d/%s", c.DBHost, c.DBPort, c.DBName)
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}

// ParseIDList разбирает список entity id, разделённый запятыми.
// Пробелы вокруг элементов убираются, пустые элементы игнорируются.
func ParseIDList(s string) ([]int64, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	result := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("некорректный id %q: %w", p, err)
		}
		result = append(result, id)
	}
	return result, nil
}
