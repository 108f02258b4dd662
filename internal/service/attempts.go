// attempts.go — счётчики неудачных попыток сверки событий журнала.
// Обёртка над hashicorp/golang-lru/v2/expirable.
package service

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// eventKey — событие журнала: sequence number и entity id.
type eventKey struct {
	Sequence int64
	EntityID int64
}

// AttemptTracker считает подряд идущие неудачные сверки каждого события.
// Хранится в памяти процесса, при рестарте счётчики обнуляются.
type AttemptTracker struct {
	cache *expirable.LRU[eventKey, int]
}

// NewAttemptTracker создаёт трекер на maxSize событий.
// Счётчик, не обновлявшийся дольше ttl, забывается.
func NewAttemptTracker(maxSize int, ttl time.Duration) *AttemptTracker {
	return &AttemptTracker{cache: expirable.NewLRU[eventKey, int](maxSize, nil, ttl)}
}

// Fail учитывает неудачную попытку и возвращает их текущее количество.
func (a *AttemptTracker) Fail(key eventKey) int {
	n, _ := a.cache.Get(key)
	n++
	a.cache.Add(key, n)
	return n
}

// Reset забывает событие (успешная сверка или пропуск).
func (a *AttemptTracker) Reset(key eventKey) {
	a.cache.Remove(key)
}

// Len возвращает количество отслеживаемых событий.
func (a *AttemptTracker) Len() int {
	return a.cache.Len()
}
