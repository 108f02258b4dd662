package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/dirsync/internal/domain/model"
)

// Queries — SQL-запросы к источнику. Набор колонок фиксирован,
// имена таблиц и условия задаются оператором.
type Queries struct {
	// JournalMax — один столбец: наибольший sequence number (NULL для пустого журнала)
	JournalMax string
	// Journal — (sequence_number, entity_id); $1 — курсор, $2 — лимит
	Journal string
	// User — (preferred_name, first_name, middle_name, last_name, user_name,
	// org_defined_id, external_email, role); $1 — entity id
	User string
}

// JournalRepository — источник событий журнала и пользовательских записей.
type JournalRepository struct {
	db      DBTX
	queries Queries
}

// NewJournalRepository создаёт репозиторий журнала.
func NewJournalRepository(db DBTX, queries Queries) *JournalRepository {
	return &JournalRepository{db: db, queries: queries}
}

// Journal возвращает события с sequence number больше start
// в порядке возрастания, не более limit штук.
func (r *JournalRepository) Journal(ctx context.Context, start int64, limit int) ([]model.JournalEvent, error) {
	rows, err := r.db.Query(ctx, r.queries.Journal, start, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения журнала: %w", err)
	}

	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.JournalEvent, error) {
		var ev model.JournalEvent
		err := row.Scan(&ev.Sequence, &ev.EntityID)
		return ev, err
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка сканирования журнала: %w", err)
	}
	return events, nil
}

// MaxSequence возвращает наибольший sequence number журнала.
// Для пустого журнала ok = false.
func (r *JournalRepository) MaxSequence(ctx context.Context) (int64, bool, error) {
	var seq *int64
	if err := r.db.QueryRow(ctx, r.queries.JournalMax).Scan(&seq); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("ошибка чтения максимального sequence number: %w", err)
	}
	if seq == nil {
		return 0, false, nil
	}
	return *seq, true, nil
}

// sourceRow — строка запроса пользователя в том виде, в котором она хранится в источнике.
type sourceRow struct {
	PreferredName *string
	FirstName     string
	MiddleName    *string
	LastName      string
	UserName      string
	OrgDefinedID  *string
	ExternalEmail *string
	Role          string
}

// Record возвращает пользователя по entity id.
// Если пользователя нет — ErrNotFound.
func (r *JournalRepository) Record(ctx context.Context, entityID int64) (*model.SourceRecord, error) {
	var row sourceRow
	err := r.db.QueryRow(ctx, r.queries.User, entityID).Scan(
		&row.PreferredName, &row.FirstName, &row.MiddleName, &row.LastName,
		&row.UserName, &row.OrgDefinedID, &row.ExternalEmail, &row.Role,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("пользователь %d: %w", entityID, ErrNotFound)
		}
		return nil, fmt.Errorf("ошибка чтения пользователя %d: %w", entityID, err)
	}
	rec := row.shape()
	return &rec, nil
}

// shape приводит строку источника к UserRecord.
// Предпочитаемое имя заменяет имя, отчество при этом остаётся пустым.
func (s sourceRow) shape() model.SourceRecord {
	user := model.UserRecord{
		FirstName:     s.FirstName,
		LastName:      s.LastName,
		UserName:      s.UserName,
		OrgDefinedID:  s.OrgDefinedID,
		ExternalEmail: s.ExternalEmail,
	}
	if s.PreferredName != nil && *s.PreferredName != "" {
		user.FirstName = *s.PreferredName
	} else if s.MiddleName != nil {
		user.MiddleName = *s.MiddleName
	}
	return model.SourceRecord{Role: model.ParseRole(s.Role), User: user}
}
