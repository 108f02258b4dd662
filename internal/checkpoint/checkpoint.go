// Пакет checkpoint — чтение/запись курсора журнала в текстовый файл.
//
// Файл содержит одно десятичное число — наибольший sequence number, событие
// которого полностью обработано. Запись атомарная (temp → fsync → rename),
// значение курсора никогда не уменьшается.
//
// Один процесс — один файл: параллельные экземпляры не поддерживаются.
package checkpoint

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

var (
	// ErrCorrupt — содержимое файла не является неотрицательным целым числом.
	ErrCorrupt = errors.New("файл checkpoint повреждён")
	// ErrRegression — попытка записать значение меньше уже сохранённого.
	ErrRegression = errors.New("checkpoint не может уменьшаться")
)

// Store — файловое хранилище checkpoint.
type Store struct {
	path   string
	logger *slog.Logger

	mu    sync.Mutex
	value int64
	known bool
}

// New создаёт хранилище checkpoint для файла path.
func New(path string, logger *slog.Logger) *Store {
	return &Store{
		path:   path,
		logger: logger.With(slog.String("component", "checkpoint")),
	}
}

// Path возвращает путь к файлу checkpoint.
func (s *Store) Path() string {
	return s.path
}

// Probe проверяет, что директория файла существует и доступна на запись.
// Вызывается при старте: недоступное хранилище — фатальная ошибка.
func (s *Store) Probe() error {
	dir := filepath.Dir(s.path)
	testFile := filepath.Join(dir, "."+filepath.Base(s.path)+".write_test")
	if err := os.WriteFile(testFile, []byte("ok"), 0o640); err != nil {
		return fmt.Errorf("директория checkpoint %s недоступна для записи: %w", dir, err)
	}
	_ = os.Remove(testFile)
	return nil
}

// Load читает checkpoint из файла.
// Если файла нет — возвращает (0, false, nil).
func (s *Store) Load() (int64, bool, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("ошибка чтения checkpoint %s: %w", s.path, err)
	}

	text := strings.TrimSpace(string(data))
	value, err := strconv.ParseInt(text, 10, 64)
	if err != nil || value < 0 {
		return 0, false, fmt.Errorf("%w: %s: %q", ErrCorrupt, s.path, text)
	}

	s.mu.Lock()
	s.value, s.known = value, true
	s.mu.Unlock()

	s.logger.Debug("Checkpoint загружен", slog.Int64("checkpoint", value))
	return value, true, nil
}

// Save атомарно перезаписывает файл значением value.
// Значение меньше ранее загруженного или сохранённого отклоняется (ErrRegression).
func (s *Store) Save(value int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.known && value < s.value {
		return fmt.Errorf("%w: %d < %d", ErrRegression, value, s.value)
	}

	// Атомарная запись: temp файл → fsync → rename
	tmpPath := s.path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("ошибка создания temp checkpoint: %w", err)
	}

	if _, err := f.WriteString(strconv.FormatInt(value, 10) + "\n"); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("ошибка записи temp checkpoint: %w", err)
	}

	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("ошибка fsync temp checkpoint: %w", err)
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("ошибка закрытия temp checkpoint: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("ошибка rename checkpoint: %w", err)
	}

	s.value, s.known = value, true
	return nil
}

