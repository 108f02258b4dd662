// reconciler.go — приведение пользователя в D2L к записи источника.
//
// Алгоритм upsert:
//  1. Прочитать пользователя по UserName
//  2. 404 → создать (RoleId, IsActive=true, без письма) → Created
//  3. Найден, все поля совпадают и активен → NoOp, без записи
//  4. Иначе → PUT с Activation.IsActive=true → Updated
//
// Любой другой статус — ошибка, без повторов. Запись без предварительного
// чтения не выполняется.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/dirsync/internal/d2l"
	"github.com/bigkaa/dirsync/internal/domain/model"
)

var upsertTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dirsync_upserts_total",
	Help: "Результаты upsert пользователей в D2L",
}, []string{"outcome"})

// Directory — операции каталога пользователей D2L.
// Реализуется *d2l.Client.
type Directory interface {
	GetUserByName(ctx context.Context, userName string) (*d2l.UserData, error)
	CreateUser(ctx context.Context, roleCode string, u model.UserRecord) error
	UpdateUser(ctx context.Context, userID int64, u model.UserRecord) error
}

// Reconciler выполняет идемпотентный upsert пользователя.
type Reconciler struct {
	dir    Directory
	logger *slog.Logger
}

// NewReconciler создаёт Reconciler поверх каталога dir.
func NewReconciler(dir Directory, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		dir:    dir,
		logger: logger.With(slog.String("component", "reconciler")),
	}
}

// Upsert приводит пользователя в D2L к record.
// Роль нужна только при создании: для RoleUnknown создание отклоняется
// с ErrUnknownRole без запроса к D2L.
func (r *Reconciler) Upsert(ctx context.Context, role model.Role, record model.UserRecord) (model.Outcome, error) {
	remote, err := r.dir.GetUserByName(ctx, record.UserName)
	switch {
	case errors.Is(err, d2l.ErrUserNotFound):
		return r.create(ctx, role, record)
	case err != nil:
		return "", err
	}

	if remote.Activation.IsActive && remote.Record().Equal(record) {
		r.logger.Debug("Пользователь актуален",
			slog.String("user_name", record.UserName),
			slog.Int64("user_id", remote.UserID),
		)
		upsertTotal.WithLabelValues(string(model.OutcomeNoOp)).Inc()
		return model.OutcomeNoOp, nil
	}

	if err := r.dir.UpdateUser(ctx, remote.UserID, record); err != nil {
		return "", err
	}
	r.logger.Info("Пользователь обновлён",
		slog.String("user_name", record.UserName),
		slog.Int64("user_id", remote.UserID),
		slog.Bool("reactivated", !remote.Activation.IsActive),
	)
	upsertTotal.WithLabelValues(string(model.OutcomeUpdated)).Inc()
	return model.OutcomeUpdated, nil
}

func (r *Reconciler) create(ctx context.Context, role model.Role, record model.UserRecord) (model.Outcome, error) {
	code, ok := role.Code()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownRole, record.UserName)
	}
	if err := r.dir.CreateUser(ctx, code, record); err != nil {
		return "", err
	}
	r.logger.Info("Пользователь создан",
		slog.String("user_name", record.UserName),
		slog.String("role", role.String()),
	)
	upsertTotal.WithLabelValues(string(model.OutcomeCreated)).Inc()
	return model.OutcomeCreated, nil
}
