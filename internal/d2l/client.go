// client.go — HTTP-клиент к D2L Users API.
// Каждый запрос подписывается заново (x_t — текущее время), поэтому
// повтор запроса через долгое время не упирается в окно допустимого timestamp.
// Операции: GetUserByName, CreateUser, UpdateUser, CheckReady.
package d2l

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/dirsync/internal/domain/model"
)

// Prometheus-метрики запросов к D2L.
var (
	d2lRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dirsync_d2l_requests_total",
		Help: "Количество запросов к D2L Users API",
	}, []string{"operation", "status"})

	d2lRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dirsync_d2l_request_duration_seconds",
		Help:    "Длительность запросов к D2L Users API",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})
)

// maxErrorBody — сколько байт тела ошибки сохраняется в StatusError.
const maxErrorBody = 512

// Client — HTTP-клиент к D2L Users API.
type Client struct {
	baseURL    string // Базовый URL D2L (без trailing slash)
	apiVersion string // Версия LP API, например 1.20
	signer     *Signer

	httpClient *http.Client
	logger     *slog.Logger

	// now — источник времени для x_t (подменяется в тестах)
	now func() time.Time
}

// New создаёт клиент к D2L Users API.
// httpClient — HTTP-клиент (может содержать TLS конфигурацию и таймаут).
func New(baseURL, apiVersion string, signer *Signer, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 360 * time.Second}
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiVersion: apiVersion,
		signer:     signer,
		httpClient: httpClient,
		logger:     logger.With(slog.String("component", "d2l_client")),
		now:        time.Now,
	}
}

// usersPath — путь ресурса пользователей: /d2l/api/lp/{ver}/users/
func (c *Client) usersPath() string {
	return fmt.Sprintf("/d2l/api/lp/%s/users/", c.apiVersion)
}

// --- HTTP helpers ---

// doSigned выполняет подписанный запрос. id — числовой идентификатор ресурса
// (для PUT), extra — параметры запроса вне подписи.
func (c *Client) doSigned(ctx context.Context, op, method string, id *int64, extra url.Values, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("сериализация тела запроса %s: %w", op, err)
		}
		bodyReader = bytes.NewReader(data)
	}

	reqURL := c.signer.URI(c.baseURL, method, c.usersPath(), id, c.now().Unix(), extra)
	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("создание запроса %s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	d2lRequestDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
	if err != nil {
		d2lRequestsTotal.WithLabelValues(op, "error").Inc()
		return nil, fmt.Errorf("%w: %s: %w", ErrTransport, op, err)
	}
	d2lRequestsTotal.WithLabelValues(op, strconv.Itoa(resp.StatusCode)).Inc()

	c.logger.Debug("Запрос к D2L выполнен",
		slog.String("operation", op),
		slog.String("method", method),
		slog.Int("status", resp.StatusCode),
	)

	return resp, nil
}

// statusError читает начало тела ответа и формирует StatusError.
func statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{Op: op, StatusCode: resp.StatusCode, Body: string(body)}
}

func isSuccess(code int) bool {
	return code >= 200 && code < 300
}

// --- Users API ---

// GetUserByName ищет пользователя по userName.
// Возвращает ErrUserNotFound на 404.
func (c *Client) GetUserByName(ctx context.Context, userName string) (*UserData, error) {
	resp, err := c.doSigned(ctx, "read", http.MethodGet, nil, url.Values{"userName": {userName}}, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrUserNotFound
	case resp.StatusCode != http.StatusOK:
		return nil, statusError("read", resp)
	}

	var user UserData
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, fmt.Errorf("%w: read: %w", ErrDecode, err)
	}

	return &user, nil
}

// CreateUser создаёт активного пользователя с ролью roleCode,
// приветственное письмо не отправляется.
func (c *Client) CreateUser(ctx context.Context, roleCode string, u model.UserRecord) error {
	resp, err := c.doSigned(ctx, "create", http.MethodPost, nil, nil, newCreateRequest(roleCode, u))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		return statusError("create", resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// UpdateUser обновляет пользователя userID и принудительно активирует его.
func (c *Client) UpdateUser(ctx context.Context, userID int64, u model.UserRecord) error {
	resp, err := c.doSigned(ctx, "update", http.MethodPut, &userID, nil, newUpdateRequest(u))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		return statusError("update", resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// --- Readiness checker ---

// CheckReady проверяет доступность D2L через GET /d2l/api/versions/
// (endpoint не требует подписи). Реализует handlers.ReadinessChecker.
func (c *Client) CheckReady() (string, string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+VersionsPath, nil)
	if err != nil {
		return "fail", fmt.Sprintf("D2L: %v", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) && urlErr.Timeout() {
			return "fail", "D2L: таймаут"
		}
		return "fail", fmt.Sprintf("D2L недоступен: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "degraded", fmt.Sprintf("D2L вернул статус %d", resp.StatusCode)
	}
	return "ok", "D2L доступен"
}

// VersionsPath — публичный endpoint списка версий API.
const VersionsPath = "/d2l/api/versions/"
