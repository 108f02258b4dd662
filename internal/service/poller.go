// poller.go — инкрементальная синхронизация по журналу изменений источника.
//
// Состояния: BOOTSTRAP → DRAIN → сохранение checkpoint → SLEEP → DRAIN.
//
// Курсор (checkpoint) сдвигается только по непрерывному префиксу пачки:
// после первой неудачной сверки остальные события пачки обрабатываются,
// но курсор дальше не двигается. События с одинаковым sequence number
// фиксируются вместе. Ошибка источника не сдвигает курсор, цикл
// повторяется после BackoffInterval.
//
// Prometheus-метрики:
//   - dirsync_cycle_duration_seconds — длительность цикла обработки журнала
//   - dirsync_checkpoint — текущее значение курсора
//   - dirsync_events_total — события журнала по результату
//   - dirsync_events_skipped_total — события, пропущенные после исчерпания попыток
//   - dirsync_source_errors_total — ошибки системы-источника
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/dirsync/internal/domain/model"
	"github.com/bigkaa/dirsync/internal/repository"
)

// Prometheus-метрики цикла синхронизации.
var (
	cycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dirsync_cycle_duration_seconds",
		Help:    "Длительность цикла обработки журнала",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms … ~100s
	})
	checkpointGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dirsync_checkpoint",
		Help: "Текущее значение checkpoint журнала",
	})
	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dirsync_events_total",
		Help: "События журнала по результату обработки",
	}, []string{"result"})
	eventsSkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dirsync_events_skipped_total",
		Help: "События, пропущенные после исчерпания попыток сверки",
	})
	sourceErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dirsync_source_errors_total",
		Help: "Ошибки запросов к системе-источнику",
	})
)

const (
	// attemptsCacheSize — сколько событий с неудачными попытками отслеживается одновременно
	attemptsCacheSize = 4096
	// attemptsTTL — срок жизни счётчика попыток без обновления
	attemptsTTL = 24 * time.Hour
	// defaultMaxWindow — предел расширения окна журнала (верхняя граница DS_BATCH_SIZE)
	defaultMaxWindow = 10000
)

// ChangeSource — система-источник: журнал изменений и пользовательские записи.
// Реализуется *repository.JournalRepository.
type ChangeSource interface {
	// Journal возвращает события с sequence > start по возрастанию, не более limit.
	Journal(ctx context.Context, start int64, limit int) ([]model.JournalEvent, error)
	// MaxSequence — наибольший sequence number; ok = false для пустого журнала.
	MaxSequence(ctx context.Context) (int64, bool, error)
	// Record — пользователь по entity id; repository.ErrNotFound, если его нет.
	Record(ctx context.Context, entityID int64) (*model.SourceRecord, error)
}

// CheckpointStore — долговременное хранилище курсора.
// Реализуется *checkpoint.Store.
type CheckpointStore interface {
	Probe() error
	Load() (int64, bool, error)
	Save(value int64) error
}

// PollerConfig — параметры цикла синхронизации.
type PollerConfig struct {
	BatchSize        int
	PollInterval     time.Duration
	BackoffInterval  time.Duration
	MaxEventAttempts int
	// MaxWindow — до скольких событий расширяется окно, если полная пачка
	// состоит из одной группы (0 — defaultMaxWindow)
	MaxWindow int
}

// Status — снимок состояния синхронизации для readiness probe.
type Status struct {
	// Bootstrapped — checkpoint загружен или инициализирован
	Bootstrapped bool
	// Checkpoint — текущее значение курсора
	Checkpoint int64
	// LastCycle — итог последнего завершённого цикла (nil до первого цикла)
	LastCycle *model.CycleResult
	// SourceError — последняя ошибка источника; пусто после успешного цикла
	SourceError string
}

// Poller — драйвер цикла синхронизации.
type Poller struct {
	source     ChangeSource
	store      CheckpointStore
	reconciler *Reconciler
	cfg        PollerConfig
	attempts   *AttemptTracker
	logger     *slog.Logger

	// sleep ждёт d или отмены ctx; false — ctx отменён.
	sleep func(ctx context.Context, d time.Duration) bool

	mu     sync.Mutex
	status Status
}

// NewPoller создаёт драйвер цикла синхронизации.
func NewPoller(
	source ChangeSource,
	store CheckpointStore,
	reconciler *Reconciler,
	cfg PollerConfig,
	logger *slog.Logger,
) *Poller {
	if cfg.MaxWindow <= 0 {
		cfg.MaxWindow = defaultMaxWindow
	}
	cfg.MaxWindow = max(cfg.MaxWindow, cfg.BatchSize)

	p := &Poller{
		source:     source,
		store:      store,
		reconciler: reconciler,
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "poller")),
		sleep:      sleepContext,
	}
	if cfg.MaxEventAttempts > 0 {
		p.attempts = NewAttemptTracker(attemptsCacheSize, attemptsTTL)
	}
	return p
}

// sleepContext ждёт d или отмены ctx.
func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Bootstrap загружает checkpoint. Если файла нет — принимает текущий
// максимум журнала (0 для пустого журнала) и сразу его сохраняет.
// Ошибки хранилища фатальны; ошибка источника оборачивается в ErrSourceUnavailable.
func (p *Poller) Bootstrap(ctx context.Context) (int64, error) {
	if err := p.store.Probe(); err != nil {
		return 0, err
	}

	cp, ok, err := p.store.Load()
	if err != nil {
		return 0, err
	}
	if ok {
		p.logger.Info("Checkpoint загружен", slog.Int64("checkpoint", cp))
		p.setCheckpoint(cp)
		return cp, nil
	}

	maxSeq, _, err := p.source.MaxSequence(ctx)
	if err != nil {
		sourceErrorsTotal.Inc()
		return 0, fmt.Errorf("%w: максимум журнала: %w", ErrSourceUnavailable, err)
	}
	if err := p.store.Save(maxSeq); err != nil {
		return 0, fmt.Errorf("ошибка сохранения начального checkpoint: %w", err)
	}

	p.logger.Info("Checkpoint инициализирован текущим концом журнала",
		slog.Int64("checkpoint", maxSeq),
	)
	p.setCheckpoint(maxSeq)
	return maxSeq, nil
}

// Run выполняет непрерывную синхронизацию до отмены ctx.
// Отмена наблюдается между событиями и во время пауз; возврат nil означает
// штатную остановку. Ошибка — фатальная (хранилище checkpoint).
func (p *Poller) Run(ctx context.Context) error {
	cp, err := p.bootstrapWithRetry(ctx)
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return nil
	}

	p.logger.Info("Синхронизация по журналу запущена",
		slog.Int64("checkpoint", cp),
		slog.Int("batch_size", p.cfg.BatchSize),
		slog.String("poll_interval", p.cfg.PollInterval.String()),
	)

	for {
		result, full, err := p.DrainOnce(ctx, cp)
		if err != nil && !errors.Is(err, ErrSourceUnavailable) {
			return err
		}
		advanced := result.CheckpointAfter > cp
		cp = result.CheckpointAfter

		if ctx.Err() != nil {
			p.logger.Info("Синхронизация остановлена", slog.Int64("checkpoint", cp))
			return nil
		}

		delay := p.cfg.PollInterval
		switch {
		case err != nil:
			p.logger.Warn("Система-источник недоступна, повтор после паузы",
				slog.String("error", err.Error()),
				slog.String("backoff", p.cfg.BackoffInterval.String()),
			)
			delay = p.cfg.BackoffInterval
		case full && advanced:
			// Полная пачка: в журнале есть ещё события
			continue
		}

		if !p.sleep(ctx, delay) {
			p.logger.Info("Синхронизация остановлена", slog.Int64("checkpoint", cp))
			return nil
		}
	}
}

// bootstrapWithRetry повторяет Bootstrap, пока источник недоступен.
func (p *Poller) bootstrapWithRetry(ctx context.Context) (int64, error) {
	for {
		cp, err := p.Bootstrap(ctx)
		if err == nil {
			return cp, nil
		}
		if !errors.Is(err, ErrSourceUnavailable) {
			return 0, err
		}
		p.setSourceError(err)
		p.logger.Warn("Не удалось получить максимум журнала, повтор после паузы",
			slog.String("error", err.Error()),
			slog.String("backoff", p.cfg.BackoffInterval.String()),
		)
		if !p.sleep(ctx, p.cfg.BackoffInterval) {
			return 0, nil
		}
	}
}

// DrainOnce обрабатывает одну пачку событий после checkpoint и сохраняет
// новый checkpoint, если он сдвинулся. full = true, если пачка заполнена целиком.
// Ошибка источника (ErrSourceUnavailable) прерывает пачку и оставляет checkpoint
// без изменений: следующий цикл повторяет то же окно. Прочие ошибки — ошибки
// хранилища checkpoint.
func (p *Poller) DrainOnce(ctx context.Context, checkpoint int64) (*model.CycleResult, bool, error) {
	result := &model.CycleResult{
		CycleID:          uuid.New().String(),
		CheckpointBefore: checkpoint,
		CheckpointAfter:  checkpoint,
		StartedAt:        time.Now().UTC(),
	}
	log := p.logger.With(slog.String("cycle_id", result.CycleID))

	events, limit, err := p.fetchWindow(ctx, log, checkpoint)
	if err != nil {
		sourceErrorsTotal.Inc()
		err = fmt.Errorf("%w: журнал после %d: %w", ErrSourceUnavailable, checkpoint, err)
		p.finishCycle(log, result, err)
		return result, false, err
	}
	full := len(events) >= limit

	var (
		candidate = checkpoint
		// groupSeq, groupBase — sequence number текущей группы событий и курсор до неё
		groupSeq  int64
		groupBase = checkpoint
		blocked   bool
		sourceErr error
	)

	for i, ev := range events {
		if ctx.Err() != nil {
			// Необработанный хвост группы: группа не фиксируется
			if i > 0 && ev.Sequence == groupSeq {
				candidate = min(candidate, groupBase)
			}
			break
		}
		if i == 0 || ev.Sequence != groupSeq {
			groupSeq, groupBase = ev.Sequence, candidate
		}

		handled, err := p.handleEvent(ctx, log, ev, result, true)
		if err != nil {
			sourceErr = err
			candidate = checkpoint
			break
		}
		result.Events++

		if !handled {
			blocked = true
			candidate = groupBase
			continue
		}
		if !blocked {
			candidate = ev.Sequence
		}
	}

	// Полная пачка может обрезать группу с последним sequence number:
	// её хвост придёт в следующей пачке, фиксировать группу рано.
	if full && sourceErr == nil && result.Events == len(events) && candidate == groupSeq {
		if groupBase > checkpoint {
			candidate = groupBase
		} else {
			// Окно расширено до предела, граница группы так и не найдена
			log.Error("Группа событий с одним sequence number больше предельного окна, её хвост пропущен",
				slog.Int64("sequence", groupSeq),
				slog.Int("window", limit),
			)
			eventsSkippedTotal.Inc()
		}
	}

	if candidate > checkpoint {
		if err := p.store.Save(candidate); err != nil {
			err = fmt.Errorf("ошибка сохранения checkpoint %d: %w", candidate, err)
			p.finishCycle(log, result, err)
			return result, full, err
		}
		result.CheckpointAfter = candidate
		p.setCheckpoint(candidate)
	}

	p.finishCycle(log, result, sourceErr)
	return result, full, sourceErr
}

// fetchWindow читает окно журнала после checkpoint. Если полная пачка
// целиком состоит из событий с одним sequence number, окно расширяется
// вдвое (не больше MaxWindow), пока в нём не появится граница группы.
// Возвращает события и лимит, с которым они прочитаны.
func (p *Poller) fetchWindow(ctx context.Context, log *slog.Logger, checkpoint int64) ([]model.JournalEvent, int, error) {
	limit := p.cfg.BatchSize
	for {
		events, err := p.source.Journal(ctx, checkpoint, limit)
		if err != nil {
			return nil, limit, err
		}
		if len(events) < limit || events[0].Sequence != events[len(events)-1].Sequence || limit >= p.cfg.MaxWindow {
			return events, limit, nil
		}

		limit = min(limit*2, p.cfg.MaxWindow)
		log.Debug("Группа событий с одним sequence number не помещается в пачку, окно расширено",
			slog.Int64("sequence", events[0].Sequence),
			slog.Int("window", limit),
		)
	}
}

// handleEvent обрабатывает одно событие журнала.
// handled = false — сверка не удалась, курсор должен остановиться.
// Ошибка возвращается только для недоступного источника.
// track включает учёт попыток для пропуска «ядовитых» событий.
func (p *Poller) handleEvent(ctx context.Context, log *slog.Logger, ev model.JournalEvent, result *model.CycleResult, track bool) (bool, error) {
	if !ev.HasEntity() {
		result.CursorOnly++
		eventsTotal.WithLabelValues("cursor_only").Inc()
		return true, nil
	}

	// Начатая обработка события доводится до конца и при отмене ctx
	eventCtx := context.WithoutCancel(ctx)
	entityID := *ev.EntityID

	rec, err := p.source.Record(eventCtx, entityID)
	if errors.Is(err, repository.ErrNotFound) {
		log.Debug("Пользователь не найден в источнике, событие пропущено",
			slog.Int64("sequence", ev.Sequence),
			slog.Int64("entity_id", entityID),
		)
		result.Missing++
		eventsTotal.WithLabelValues("missing").Inc()
		return true, nil
	}
	if err != nil {
		sourceErrorsTotal.Inc()
		return false, fmt.Errorf("%w: пользователь %d: %w", ErrSourceUnavailable, entityID, err)
	}

	key := eventKey{Sequence: ev.Sequence, EntityID: entityID}
	outcome, err := p.reconciler.Upsert(eventCtx, rec.Role, rec.User)
	if err == nil {
		if track && p.attempts != nil {
			p.attempts.Reset(key)
		}
		result.Count(outcome)
		eventsTotal.WithLabelValues(string(outcome)).Inc()
		return true, nil
	}

	log.Warn("Ошибка синхронизации пользователя",
		slog.Int64("sequence", ev.Sequence),
		slog.Int64("entity_id", entityID),
		slog.String("user_name", rec.User.UserName),
		slog.String("error", err.Error()),
	)

	if track && p.attempts != nil {
		if n := p.attempts.Fail(key); n >= p.cfg.MaxEventAttempts {
			p.attempts.Reset(key)
			log.Error("Событие пропущено после исчерпания попыток",
				slog.Int64("sequence", ev.Sequence),
				slog.Int64("entity_id", entityID),
				slog.Int("attempts", n),
			)
			result.Skipped++
			eventsSkippedTotal.Inc()
			eventsTotal.WithLabelValues("skipped").Inc()
			return true, nil
		}
	}

	result.Failed++
	eventsTotal.WithLabelValues("failed").Inc()
	return false, nil
}

// RunIDs синхронизирует пользователей по списку entity id без чтения
// и записи checkpoint. Ошибка — если источник недоступен или хотя бы
// одна сверка не удалась.
func (p *Poller) RunIDs(ctx context.Context, ids []int64) (*model.CycleResult, error) {
	result := &model.CycleResult{
		CycleID:   uuid.New().String(),
		StartedAt: time.Now().UTC(),
	}
	log := p.logger.With(slog.String("cycle_id", result.CycleID))

	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		if _, err := p.handleEvent(ctx, log, model.JournalEvent{EntityID: &id}, result, false); err != nil {
			p.finishCycle(log, result, err)
			return result, err
		}
		result.Events++
	}

	p.finishCycle(log, result, nil)
	if result.Failed > 0 {
		return result, fmt.Errorf("%w: %d из %d", ErrSyncFailed, result.Failed, len(ids))
	}
	return result, nil
}

// finishCycle фиксирует итог цикла в логах, метриках и снимке состояния.
func (p *Poller) finishCycle(log *slog.Logger, result *model.CycleResult, err error) {
	result.CompletedAt = time.Now().UTC()
	cycleDuration.Observe(result.CompletedAt.Sub(result.StartedAt).Seconds())

	p.mu.Lock()
	snapshot := *result
	p.status.LastCycle = &snapshot
	if err != nil && errors.Is(err, ErrSourceUnavailable) {
		p.status.SourceError = err.Error()
	} else {
		p.status.SourceError = ""
	}
	p.mu.Unlock()

	attrs := []any{
		slog.Int("events", result.Events),
		slog.Int("created", result.Created),
		slog.Int("updated", result.Updated),
		slog.Int("noop", result.NoOp),
		slog.Int("cursor_only", result.CursorOnly),
		slog.Int("missing", result.Missing),
		slog.Int("failed", result.Failed),
		slog.Int("skipped", result.Skipped),
		slog.Int64("checkpoint_before", result.CheckpointBefore),
		slog.Int64("checkpoint_after", result.CheckpointAfter),
		slog.Duration("duration", result.CompletedAt.Sub(result.StartedAt)),
	}
	switch {
	case err != nil:
		log.Warn("Цикл синхронизации прерван", append(attrs, slog.String("error", err.Error()))...)
	case result.Events > 0:
		log.Info("Цикл синхронизации завершён", attrs...)
	default:
		log.Debug("Новых событий в журнале нет", attrs...)
	}
}

func (p *Poller) setCheckpoint(cp int64) {
	checkpointGauge.Set(float64(cp))
	p.mu.Lock()
	p.status.Bootstrapped = true
	p.status.Checkpoint = cp
	p.mu.Unlock()
}

func (p *Poller) setSourceError(err error) {
	p.mu.Lock()
	p.status.SourceError = err.Error()
	p.mu.Unlock()
}

// Status возвращает снимок текущего состояния синхронизации.
func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.status
	if s.LastCycle != nil {
		cycle := *s.LastCycle
		s.LastCycle = &cycle
	}
	return s
}

// CheckReady реализует handlers.ReadinessChecker.
// fail — checkpoint не инициализирован или источник недоступен,
// degraded — в последнем цикле были неудачные сверки.
func (p *Poller) CheckReady() (string, string) {
	s := p.Status()
	switch {
	case !s.Bootstrapped:
		return "fail", "checkpoint не инициализирован"
	case s.SourceError != "":
		return "fail", s.SourceError
	case s.LastCycle != nil && s.LastCycle.Failed > 0:
		return "degraded", fmt.Sprintf("checkpoint %d, неудачных сверок в последнем цикле: %d", s.Checkpoint, s.LastCycle.Failed)
	default:
		return "ok", fmt.Sprintf("checkpoint %d", s.Checkpoint)
	}
}
