package d2l

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/url"
	"strings"
	"testing"
)

func int64Ptr(v int64) *int64 {
	return &v
}

func TestCanonicalString(t *testing.T) {
	tests := []struct {
		name     string
		method   string
		path     string
		id       *int64
		ts       int64
		expected string
	}{
		{
			name:     "GET без id",
			method:   "GET",
			path:     "/d2l/api/lp/1.20/users/",
			ts:       1500000000,
			expected: "GET&/d2l/api/lp/1.20/users/&1500000000",
		},
		{
			name:     "PUT с id",
			method:   "PUT",
			path:     "/d2l/api/lp/1.20/users/",
			id:       int64Ptr(100),
			ts:       1500000001,
			expected: "PUT&/d2l/api/lp/1.20/users/100&1500000001",
		},
		{
			name:     "метод в нижнем регистре",
			method:   "post",
			path:     "/d2l/api/lp/1.20/users/",
			ts:       42,
			expected: "POST&/d2l/api/lp/1.20/users/&42",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CanonicalString(tt.method, tt.path, tt.id, tt.ts)
			if got != tt.expected {
				t.Errorf("CanonicalString() = %q, ожидается %q", got, tt.expected)
			}
		})
	}
}

func TestSigner_SignMatchesHMAC(t *testing.T) {
	s := NewSigner("app-id", "app-key", "usr-id", "usr-key")
	params := s.Sign("GET", "/d2l/api/lp/1.20/users/", nil, 1500000000)

	canonical := "GET&/d2l/api/lp/1.20/users/&1500000000"
	mac := hmac.New(sha256.New, []byte("app-key"))
	mac.Write([]byte(canonical))
	expectedApp := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	mac = hmac.New(sha256.New, []byte("usr-key"))
	mac.Write([]byte(canonical))
	expectedUsr := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))

	if got := params.Get("x_c"); got != expectedApp {
		t.Errorf("x_c = %q, ожидается %q", got, expectedApp)
	}
	if got := params.Get("x_d"); got != expectedUsr {
		t.Errorf("x_d = %q, ожидается %q", got, expectedUsr)
	}
	if params.Get("x_a") != "app-id" || params.Get("x_b") != "usr-id" {
		t.Errorf("x_a/x_b = %q/%q", params.Get("x_a"), params.Get("x_b"))
	}
	if params.Get("x_t") != "1500000000" {
		t.Errorf("x_t = %q, ожидается 1500000000", params.Get("x_t"))
	}
	if strings.ContainsAny(params.Get("x_c")+params.Get("x_d"), "=+/") {
		t.Error("подпись должна быть base64url без padding")
	}
}

func TestSigner_Deterministic(t *testing.T) {
	s := NewSigner("app", "ka", "usr", "ku")
	a := s.Sign("PUT", "/p/", int64Ptr(7), 99)
	b := s.Sign("PUT", "/p/", int64Ptr(7), 99)

	if a.Encode() != b.Encode() {
		t.Errorf("одинаковые входы дали разные подписи: %s vs %s", a.Encode(), b.Encode())
	}
}

func TestSigner_AnyInputChangesSignature(t *testing.T) {
	base := NewSigner("app", "ka", "usr", "ku").Sign("PUT", "/p/", int64Ptr(7), 99)

	variants := map[string]url.Values{
		"method":   NewSigner("app", "ka", "usr", "ku").Sign("POST", "/p/", int64Ptr(7), 99),
		"path":     NewSigner("app", "ka", "usr", "ku").Sign("PUT", "/q/", int64Ptr(7), 99),
		"id":       NewSigner("app", "ka", "usr", "ku").Sign("PUT", "/p/", int64Ptr(8), 99),
		"no id":    NewSigner("app", "ka", "usr", "ku").Sign("PUT", "/p/", nil, 99),
		"ts":       NewSigner("app", "ka", "usr", "ku").Sign("PUT", "/p/", int64Ptr(7), 100),
		"app key":  NewSigner("app", "kb", "usr", "ku").Sign("PUT", "/p/", int64Ptr(7), 99),
		"user key": NewSigner("app", "ka", "usr", "kv").Sign("PUT", "/p/", int64Ptr(7), 99),
	}

	for name, v := range variants {
		if v.Get("x_c") == base.Get("x_c") && v.Get("x_d") == base.Get("x_d") {
			t.Errorf("изменение %s не изменило подпись", name)
		}
	}

	// Ключ приложения влияет только на x_c, ключ пользователя — только на x_d
	if variants["app key"].Get("x_d") != base.Get("x_d") {
		t.Error("app key не должен влиять на x_d")
	}
	if variants["user key"].Get("x_c") != base.Get("x_c") {
		t.Error("user key не должен влиять на x_c")
	}
}

func TestSigner_URI(t *testing.T) {
	s := NewSigner("app", "ka", "usr", "ku")

	uri := s.URI("https://d2l.example.edu/", "PUT", "/d2l/api/lp/1.20/users/", int64Ptr(100), 1500000000, nil)
	parsed, err := url.Parse(uri)
	if err != nil {
		t.Fatalf("невалидный URI %q: %v", uri, err)
	}
	if parsed.Path != "/d2l/api/lp/1.20/users/100" {
		t.Errorf("Path = %q, ожидается /d2l/api/lp/1.20/users/100", parsed.Path)
	}
	if parsed.Host != "d2l.example.edu" {
		t.Errorf("Host = %q", parsed.Host)
	}

	uri = s.URI("https://d2l.example.edu", "GET", "/d2l/api/lp/1.20/users/", nil, 1500000000,
		url.Values{"userName": {"j_d1@txstate.edu"}})
	parsed, _ = url.Parse(uri)
	q := parsed.Query()
	if q.Get("userName") != "j_d1@txstate.edu" {
		t.Errorf("userName = %q", q.Get("userName"))
	}
	// userName не входит в подпись
	expected := s.Sign("GET", "/d2l/api/lp/1.20/users/", nil, 1500000000)
	if q.Get("x_c") != expected.Get("x_c") {
		t.Error("дополнительные параметры не должны влиять на подпись")
	}
}
