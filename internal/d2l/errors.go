package d2l

import (
	"errors"
	"fmt"
)

var (
	// ErrUserNotFound — D2L вернул 404 на поиск по userName.
	ErrUserNotFound = errors.New("пользователь не найден в D2L")
	// ErrTransport — сетевая ошибка при обращении к D2L.
	ErrTransport = errors.New("ошибка транспорта D2L")
	// ErrDecode — тело ответа D2L не удалось разобрать.
	ErrDecode = errors.New("некорректный ответ D2L")
)

// StatusError — D2L вернул неожиданный HTTP-статус.
type StatusError struct {
	// Op — операция (read, create, update)
	Op string
	// StatusCode — HTTP-статус ответа
	StatusCode int
	// Body — начало тела ответа (для диагностики)
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("D2L %s: неожиданный статус %d: %s", e.Op, e.StatusCode, e.Body)
}
