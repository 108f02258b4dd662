// signer.go — подпись запросов к D2L Valence API.
//
// Каждый запрос подписывается двумя независимыми HMAC-SHA256: ключом
// приложения (x_c) и ключом пользователя-субъекта (x_d). Подписывается
// каноническая строка METHOD&PATH[ID]&TIMESTAMP, подпись кодируется
// base64url без padding. Параметры запроса:
//
//	x_a — app id, x_b — user id, x_c — подпись app key,
//	x_d — подпись user key, x_t — timestamp (секунды Unix)
package d2l

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/url"
	"strconv"
	"strings"
)

// Signer — чистая функция подписи поверх двух долгоживущих ключей.
type Signer struct {
	appID   string
	appKey  []byte
	userID  string
	userKey []byte
}

// NewSigner создаёт Signer для пары credentials (application + user).
func NewSigner(appID, appKey, userID, userKey string) *Signer {
	return &Signer{
		appID:   appID,
		appKey:  []byte(appKey),
		userID:  userID,
		userKey: []byte(userKey),
	}
}

// CanonicalString строит строку для подписи: METHOD&PATH[ID]&TIMESTAMP.
func CanonicalString(method, path string, id *int64, ts int64) string {
	var b strings.Builder
	b.WriteString(strings.ToUpper(method))
	b.WriteByte('&')
	b.WriteString(path)
	if id != nil {
		b.WriteString(strconv.FormatInt(*id, 10))
	}
	b.WriteByte('&')
	b.WriteString(strconv.FormatInt(ts, 10))
	return b.String()
}

// signature — HMAC-SHA256(key, message) в base64url без padding.
func signature(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Sign возвращает параметры аутентификации для запроса.
func (s *Signer) Sign(method, path string, id *int64, ts int64) url.Values {
	canonical := CanonicalString(method, path, id, ts)

	return url.Values{
		"x_a": {s.appID},
		"x_b": {s.userID},
		"x_c": {signature(s.appKey, canonical)},
		"x_d": {signature(s.userKey, canonical)},
		"x_t": {strconv.FormatInt(ts, 10)},
	}
}

// URI собирает полный подписанный URI. extra — дополнительные параметры
// запроса (например, userName); в подпись они не входят.
func (s *Signer) URI(baseURL, method, path string, id *int64, ts int64, extra url.Values) string {
	query := s.Sign(method, path, id, ts)
	for k, vs := range extra {
		for _, v := range vs {
			query.Add(k, v)
		}
	}

	resource := path
	if id != nil {
		resource += strconv.FormatInt(*id, 10)
	}

	return strings.TrimRight(baseURL, "/") + resource + "?" + query.Encode()
}
