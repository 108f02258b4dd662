// dephealth.go — мониторинг зависимостей через topologymetrics SDK.
//
// dirsync мониторит две зависимости:
//   - PostgreSQL системы-источника — SQL checker через существующий pgxpool (critical)
//   - D2L — HTTP checker к неподписанному endpoint версий API (critical)
//
// Метрики доступны на /metrics вместе с остальными Prometheus-метриками:
//   - app_dependency_health — состояние зависимости (1 = ok, 0 = fail)
//   - app_dependency_latency_seconds — задержка проверки
package service

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"time"

	"github.com/BigKAA/topologymetrics/sdk-go/dephealth"
	_ "github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/httpcheck" // HTTP checker для D2L
	"github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/pgcheck"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bigkaa/dirsync/internal/d2l"
)

// DephealthService — сервис мониторинга зависимостей через topologymetrics.
type DephealthService struct {
	dh     *dephealth.DepHealth
	logger *slog.Logger
}

// DephealthParams — параметры мониторинга зависимостей.
type DephealthParams struct {
	// ServiceID — имя вершины графа текущего приложения
	ServiceID string
	// Group — имя группы в метриках (DS_DEPHEALTH_GROUP)
	Group string
	// DB — *sql.DB, полученный из pgxpool через stdlib.OpenDBFromPool()
	DB *sql.DB
	// PGConnURL — URL PostgreSQL без пароля (только для лейблов)
	PGConnURL string
	// D2LURL — базовый URL D2L
	D2LURL string
	// CheckInterval — интервал проверок (DS_DEPHEALTH_CHECK_INTERVAL)
	CheckInterval time.Duration
}

// NewDephealthService создаёт сервис мониторинга зависимостей.
// Метрики регистрируются в глобальном Prometheus registry.
func NewDephealthService(params DephealthParams, logger *slog.Logger) (*DephealthService, error) {
	return newDephealthService(params, logger)
}

// NewDephealthServiceWithRegisterer создаёт сервис с указанным Prometheus registerer.
// Используется в тестах для изоляции метрик.
func NewDephealthServiceWithRegisterer(params DephealthParams, logger *slog.Logger, registerer prometheus.Registerer) (*DephealthService, error) {
	return newDephealthService(params, logger, dephealth.WithRegisterer(registerer))
}

func newDephealthService(params DephealthParams, logger *slog.Logger, extraOpts ...dephealth.Option) (*DephealthService, error) {
	opts := []dephealth.Option{
		dephealth.WithLogger(logger),
		// pgcheck + AddDependency напрямую: contrib/sqldb тянет драйвер MySQL
		dephealth.AddDependency("source-postgresql", dephealth.TypePostgres,
			pgcheck.New(pgcheck.WithDB(params.DB)),
			dephealth.FromURL(params.PGConnURL),
			dephealth.CheckInterval(params.CheckInterval),
			dephealth.Critical(true),
		),
		// D2L — /d2l/api/versions/ отвечает без подписи
		dephealth.HTTP("d2l",
			dephealth.FromURL(strings.TrimRight(params.D2LURL, "/")+d2l.VersionsPath),
			dephealth.WithHTTPHealthPath(d2l.VersionsPath),
			dephealth.CheckInterval(params.CheckInterval),
			dephealth.Critical(true),
		),
	}
	opts = append(opts, extraOpts...)

	dh, err := dephealth.New(params.ServiceID, params.Group, opts...)
	if err != nil {
		return nil, err
	}

	return &DephealthService{
		dh:     dh,
		logger: logger.With(slog.String("component", "dephealth")),
	}, nil
}

// Start запускает периодическую проверку зависимостей.
func (ds *DephealthService) Start(ctx context.Context) error {
	ds.logger.Info("Мониторинг зависимостей запущен (PostgreSQL + D2L)")
	return ds.dh.Start(ctx)
}

// Stop останавливает мониторинг зависимостей.
func (ds *DephealthService) Stop() {
	ds.dh.Stop()
	ds.logger.Info("Мониторинг зависимостей остановлен")
}

// Health возвращает текущее состояние зависимостей.
// Ключ — имя зависимости, значение — true если ok.
func (ds *DephealthService) Health() map[string]bool {
	return ds.dh.Health()
}
