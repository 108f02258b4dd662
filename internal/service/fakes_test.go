package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/bigkaa/dirsync/internal/d2l"
	"github.com/bigkaa/dirsync/internal/domain/model"
	"github.com/bigkaa/dirsync/internal/repository"
)

// testLogger создаёт logger для тестов.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

const usersPath = "/d2l/api/lp/1.20/users/"

// fakeD2L — in-memory D2L Users API.
type fakeD2L struct {
	mu     sync.Mutex
	users  map[string]*d2l.UserData
	nextID int64

	gets, creates, updates int
	// createdRoles — RoleId каждого POST по порядку
	createdRoles []string
	// updatedIDs — UserId каждого PUT по порядку
	updatedIDs []int64
	// failWrites — UserName, запись которых отвечает 500
	failWrites map[string]bool
	// readStatus — принудительный статус GET для UserName
	readStatus map[string]int
}

func newFakeD2L() *fakeD2L {
	return &fakeD2L{
		users:      make(map[string]*d2l.UserData),
		nextID:     100,
		failWrites: make(map[string]bool),
		readStatus: make(map[string]int),
	}
}

// put кладёт пользователя в каталог без учёта в счётчиках.
func (f *fakeD2L) put(rec model.UserRecord, active bool) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.users[rec.UserName] = userData(f.nextID, rec, active)
	return f.nextID
}

// fakeStats — снимок счётчиков fakeD2L.
type fakeStats struct {
	gets, creates, updates int
	createdRoles           []string
	updatedIDs             []int64
}

func (f *fakeD2L) stats() fakeStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fakeStats{
		gets:         f.gets,
		creates:      f.creates,
		updates:      f.updates,
		createdRoles: append([]string(nil), f.createdRoles...),
		updatedIDs:   append([]int64(nil), f.updatedIDs...),
	}
}

func (f *fakeD2L) writes() int {
	st := f.stats()
	return st.creates + st.updates
}

// user возвращает копию пользователя из каталога.
func (f *fakeD2L) user(name string) (d2l.UserData, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[name]
	if !ok {
		return d2l.UserData{}, false
	}
	return *u, true
}

func (f *fakeD2L) failWritesFor(name string, fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWrites[name] = fail
}

func userData(id int64, rec model.UserRecord, active bool) *d2l.UserData {
	return &d2l.UserData{
		FirstName:     rec.FirstName,
		MiddleName:    rec.MiddleName,
		LastName:      rec.LastName,
		UserName:      rec.UserName,
		OrgDefinedID:  rec.OrgDefinedID,
		ExternalEmail: rec.ExternalEmail,
		UserID:        id,
		Activation:    d2l.Activation{IsActive: active},
	}
}

// writeBody — общее подмножество тел POST и PUT.
type writeBody struct {
	FirstName     string          `json:"FirstName"`
	MiddleName    string          `json:"MiddleName"`
	LastName      string          `json:"LastName"`
	UserName      string          `json:"UserName"`
	OrgDefinedID  *string         `json:"OrgDefinedId"`
	ExternalEmail *string         `json:"ExternalEmail"`
	RoleID        string          `json:"RoleId"`
	Activation    *d2l.Activation `json:"Activation"`
}

func (b writeBody) record() model.UserRecord {
	return model.UserRecord{
		FirstName:     b.FirstName,
		MiddleName:    b.MiddleName,
		LastName:      b.LastName,
		UserName:      b.UserName,
		OrgDefinedID:  b.OrgDefinedID,
		ExternalEmail: b.ExternalEmail,
	}
}

func (f *fakeD2L) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r.URL.Query().Get("x_c") == "" || r.URL.Query().Get("x_d") == "" {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	switch {
	case r.Method == http.MethodGet && r.URL.Path == usersPath:
		f.gets++
		name := r.URL.Query().Get("userName")
		if status, ok := f.readStatus[name]; ok {
			w.WriteHeader(status)
			return
		}
		u, ok := f.users[name]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(u)

	case r.Method == http.MethodPost && r.URL.Path == usersPath:
		f.creates++
		var body writeBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.createdRoles = append(f.createdRoles, body.RoleID)
		if f.failWrites[body.UserName] {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		f.nextID++
		f.users[body.UserName] = userData(f.nextID, body.record(), true)
		w.WriteHeader(http.StatusOK)

	case r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, usersPath):
		f.updates++
		id, err := strconv.ParseInt(strings.TrimPrefix(r.URL.Path, usersPath), 10, 64)
		if err != nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		f.updatedIDs = append(f.updatedIDs, id)
		var body writeBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if f.failWrites[body.UserName] {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		active := body.Activation != nil && body.Activation.IsActive
		f.users[body.UserName] = userData(id, body.record(), active)
		w.WriteHeader(http.StatusOK)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// newTestReconciler поднимает fakeD2L и Reconciler поверх настоящего d2l.Client.
func newTestReconciler(t *testing.T) (*Reconciler, *fakeD2L) {
	t.Helper()
	fake := newFakeD2L()
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	client := d2l.New(server.URL, "1.20", d2l.NewSigner("app", "app-key", "usr", "usr-key"), server.Client(), testLogger())
	return NewReconciler(client, testLogger()), fake
}

// fakeSource — in-memory система-источник.
type fakeSource struct {
	mu      sync.Mutex
	events  []model.JournalEvent
	records map[int64]*model.SourceRecord

	// journalErr — ошибка каждого запроса журнала, пока не сброшена
	journalErr error
	// recordErr — ошибка запроса записи по entity id
	recordErr map[int64]error
	maxErr    error
	// onRecord вызывается при каждом запросе записи
	onRecord func(entityID int64)

	// windows — аргумент start каждого запроса журнала
	windows       []int64
	recordQueries int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		records:   make(map[int64]*model.SourceRecord),
		recordErr: make(map[int64]error),
	}
}

func (s *fakeSource) add(seq int64, entity *int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, model.JournalEvent{Sequence: seq, EntityID: entity})
}

func (s *fakeSource) setRecord(id int64, role model.Role, rec model.UserRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[id] = &model.SourceRecord{Role: role, User: rec}
}

func (s *fakeSource) setJournalErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.journalErr = err
}

func (s *fakeSource) Journal(_ context.Context, start int64, limit int) ([]model.JournalEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows = append(s.windows, start)
	if s.journalErr != nil {
		return nil, s.journalErr
	}
	var out []model.JournalEvent
	for _, ev := range s.events {
		if ev.Sequence > start && len(out) < limit {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *fakeSource) MaxSequence(context.Context) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maxErr != nil {
		return 0, false, s.maxErr
	}
	if len(s.events) == 0 {
		return 0, false, nil
	}
	return s.events[len(s.events)-1].Sequence, true, nil
}

func (s *fakeSource) Record(_ context.Context, entityID int64) (*model.SourceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordQueries++
	if s.onRecord != nil {
		s.onRecord(entityID)
	}
	if err := s.recordErr[entityID]; err != nil {
		return nil, err
	}
	rec, ok := s.records[entityID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *rec
	return &copied, nil
}

func entity(id int64) *int64 { return &id }

// userRecord возвращает запись пользователя с заданным логином.
func userRecord(userName string) model.UserRecord {
	return model.UserRecord{
		FirstName:     "John",
		MiddleName:    "",
		LastName:      "Doe",
		UserName:      userName,
		OrgDefinedID:  model.StringPtr("A00000000"),
		ExternalEmail: model.StringPtr(userName + "@txstate.edu"),
	}
}
