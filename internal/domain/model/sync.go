package model

import "time"

// JournalEvent — запись журнала изменений системы-источника.
type JournalEvent struct {
	// Sequence — порядковый номер (неубывающий)
	Sequence int64
	// EntityID — внутренний идентификатор пользователя; nil — событие
	// только сдвигает курсор, сверка не выполняется
	EntityID *int64
}

// HasEntity сообщает, связано ли событие с пользователем.
func (e JournalEvent) HasEntity() bool {
	return e.EntityID != nil
}

// Outcome — итог сверки одной записи с D2L.
type Outcome string

const (
	// OutcomeCreated — пользователь создан в D2L
	OutcomeCreated Outcome = "created"
	// OutcomeUpdated — пользователь обновлён в D2L
	OutcomeUpdated Outcome = "updated"
	// OutcomeNoOp — изменений не требуется, запись в D2L не выполнялась
	OutcomeNoOp Outcome = "noop"
)

// CycleResult — результат одного цикла обработки журнала (или single-shot прогона).
type CycleResult struct {
	// CycleID — UUID цикла для корреляции логов
	CycleID string
	// Events — количество обработанных событий
	Events int
	// Created, Updated, NoOp — итоги успешных сверок
	Created int
	Updated int
	NoOp    int
	// CursorOnly — события без entity id
	CursorOnly int
	// Missing — entity id не найден в источнике (удалён)
	Missing int
	// Failed — сверка завершилась ошибкой, курсор не сдвинут
	Failed int
	// Skipped — события, пропущенные после исчерпания попыток
	Skipped int
	// CheckpointBefore, CheckpointAfter — значения курсора до и после цикла
	CheckpointBefore int64
	CheckpointAfter  int64
	// StartedAt, CompletedAt — время начала и завершения
	StartedAt   time.Time
	CompletedAt time.Time
}

// Count учитывает итог успешной сверки.
func (r *CycleResult) Count(o Outcome) {
	switch o {
	case OutcomeCreated:
		r.Created++
	case OutcomeUpdated:
		r.Updated++
	case OutcomeNoOp:
		r.NoOp++
	}
}
