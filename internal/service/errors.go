// errors.go — ошибки сервисного слоя.
package service

import "errors"

var (
	// ErrSourceUnavailable — система-источник не ответила на запрос журнала или записи.
	ErrSourceUnavailable = errors.New("система-источник недоступна")
	// ErrUnknownRole — роль не распознана, а для создания пользователя она обязательна.
	ErrUnknownRole = errors.New("неизвестная роль: создание пользователя невозможно")
	// ErrSyncFailed — не все пользователи из списка синхронизированы.
	ErrSyncFailed = errors.New("синхронизация пользователей не удалась")
)
