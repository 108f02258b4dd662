// dirsync — синхронизация пользователей системы-источника (PostgreSQL)
// с D2L Brightspace через Valence API.
// Режимы: непрерывная синхронизация по журналу с checkpoint,
// синхронизация списка entity id, upsert одной записи из флагов.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/bigkaa/dirsync/internal/api/handlers"
	"github.com/bigkaa/dirsync/internal/checkpoint"
	"github.com/bigkaa/dirsync/internal/config"
	"github.com/bigkaa/dirsync/internal/d2l"
	"github.com/bigkaa/dirsync/internal/database"
	"github.com/bigkaa/dirsync/internal/repository"
	"github.com/bigkaa/dirsync/internal/server"
	"github.com/bigkaa/dirsync/internal/service"
)

// serviceID — имя вершины графа зависимостей.
const serviceID = "dirsync"

func main() {
	os.Exit(run(os.Args[1:]))
}

// run выполняет dirsync и возвращает код завершения процесса.
func run(args []string) int {
	// 1. Флаги командной строки
	opts, err := parseFlags(args)
	if err != nil {
		if errors.Is(err, errHelp) {
			fmt.Fprint(os.Stdout, usage)
			return 0
		}
		fmt.Fprintf(os.Stderr, "dirsync: %v\n\n%s", err, usage)
		return 1
	}

	// 2. Конфигурация
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		return 1
	}

	// 3. Логгер
	logger := config.SetupLogger(cfg)
	logger.Info("Запуск dirsync",
		slog.String("version", config.Version),
		slog.String("mode", opts.mode.String()),
		slog.String("d2l_url", cfg.D2LURL),
		slog.String("api_version", cfg.D2LAPIVersion),
	)

	// 4. Контекст с обработкой сигналов
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 5. D2L клиент
	httpClient := &http.Client{Timeout: cfg.D2LTimeout}
	if cfg.D2LCACertPath != "" {
		httpClient, err = buildHTTPClientWithCA(cfg.D2LCACertPath)
		if err != nil {
			logger.Error("Ошибка загрузки CA-сертификата",
				slog.String("path", cfg.D2LCACertPath),
				slog.String("error", err.Error()),
			)
			return 1
		}
		httpClient.Timeout = cfg.D2LTimeout
		logger.Info("CA-сертификат загружен", slog.String("path", cfg.D2LCACertPath))
	}
	signer := d2l.NewSigner(cfg.D2LAppID, cfg.D2LAppKey, cfg.D2LUserID, cfg.D2LUserKey)
	d2lClient := d2l.New(cfg.D2LURL, cfg.D2LAPIVersion, signer, httpClient, logger)
	reconciler := service.NewReconciler(d2lClient, logger)

	// 6. Режим одной записи: источник не нужен
	if opts.mode == modeSingle {
		outcome, err := reconciler.Upsert(ctx, opts.role, opts.record)
		if err != nil {
			logger.Error("Синхронизация пользователя не удалась",
				slog.String("user_name", opts.record.UserName),
				slog.String("error", err.Error()),
			)
			return 1
		}
		logger.Info("Пользователь синхронизирован",
			slog.String("user_name", opts.record.UserName),
			slog.String("outcome", string(outcome)),
		)
		return 0
	}

	// 7. Подключение к системе-источнику
	if err := cfg.RequireSource(); err != nil {
		logger.Error("Ошибка конфигурации", slog.String("error", err.Error()))
		return 1
	}
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к системе-источнику", slog.String("error", err.Error()))
		return 1
	}
	defer pool.Close()

	source := repository.NewJournalRepository(pool, repository.Queries{
		JournalMax: cfg.QueryJournalMax,
		Journal:    cfg.QueryJournal,
		User:       cfg.QueryUser,
	})

	// 8. Checkpoint и цикл синхронизации
	store := checkpoint.New(cfg.CheckpointFile, logger)
	logger.Info("Файл checkpoint", slog.String("path", store.Path()))
	poller := service.NewPoller(source, store, reconciler, service.PollerConfig{
		BatchSize:        cfg.BatchSize,
		PollInterval:     cfg.PollInterval,
		BackoffInterval:  cfg.BackoffInterval,
		MaxEventAttempts: cfg.MaxEventAttempts,
	}, logger)

	// 9. Режим списка id: checkpoint не читается и не пишется
	if opts.mode == modeIDs {
		if _, err := poller.RunIDs(ctx, opts.ids); err != nil {
			logger.Error("Синхронизация по списку id завершилась с ошибками", slog.String("error", err.Error()))
			return 1
		}
		return 0
	}

	// 10. Служебный HTTP-сервер и мониторинг зависимостей
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	serverErr := make(chan error, 1)
	if cfg.HTTPPort > 0 {
		dephealthSvc := startDephealth(runCtx, cfg, pool, logger)
		if dephealthSvc != nil {
			defer dephealthSvc.Stop()
		}

		health := handlers.NewHealthHandler(database.NewReadinessChecker(pool), d2lClient, poller)
		srv := server.New(cfg.HTTPPort, cfg.ShutdownTimeout, logger, health)
		go func() {
			err := srv.Run(runCtx)
			if err != nil {
				// Ошибка сервера останавливает синхронизацию
				cancel()
			}
			serverErr <- err
		}()
	} else {
		close(serverErr)
	}

	// 11. Синхронизация до сигнала остановки
	exitCode := 0
	if err := poller.Run(runCtx); err != nil {
		logger.Error("Синхронизация остановлена из-за ошибки", slog.String("error", err.Error()))
		exitCode = 1
	}

	cancel()
	if err := <-serverErr; err != nil {
		logger.Error("Ошибка HTTP-сервера", slog.String("error", err.Error()))
		exitCode = 1
	}

	logger.Info("dirsync остановлен", slog.Int("exit_code", exitCode))
	return exitCode
}

// startDephealth запускает мониторинг зависимостей. Ошибка не фатальна:
// синхронизация работает и без метрик topologymetrics.
func startDephealth(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger *slog.Logger) *service.DephealthService {
	svc, err := service.NewDephealthService(service.DephealthParams{
		ServiceID:     serviceID,
		Group:         cfg.DephealthGroup,
		DB:            stdlib.OpenDBFromPool(pool),
		PGConnURL:     cfg.DatabaseURL(),
		D2LURL:        cfg.D2LURL,
		CheckInterval: cfg.DephealthCheckInterval,
	}, logger)
	if err != nil {
		logger.Warn("Не удалось создать мониторинг зависимостей", slog.String("error", err.Error()))
		return nil
	}
	if err := svc.Start(ctx); err != nil {
		logger.Warn("Не удалось запустить мониторинг зависимостей", slog.String("error", err.Error()))
		return nil
	}
	logger.Info("topologymetrics запущен",
		slog.String("group", cfg.DephealthGroup),
		slog.String("check_interval", cfg.DephealthCheckInterval.String()),
	)
	return svc
}

// buildHTTPClientWithCA создаёт HTTP-клиент с кастомным CA-сертификатом.
func buildHTTPClientWithCA(caCertPath string) (*http.Client, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, err
	}

	caCertPool, err := x509.SystemCertPool()
	if err != nil {
		caCertPool = x509.NewCertPool()
	}
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("в %s нет PEM-сертификатов", caCertPath)
	}

	return &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				RootCAs:    caCertPool,
				MinVersion: tls.VersionTLS12,
			},
		},
	}, nil
}
