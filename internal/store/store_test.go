package store

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/crewdeck/crewdeck/internal/backend"
	"github.com/crewdeck/crewdeck/internal/model"
	"github.com/crewdeck/crewdeck/internal/session"
)

// fakeBackend serves the row API surface the store touches, with
// per-path request counters so tests can assert what was (not) fetched.
type fakeBackend struct {
	mu          sync.Mutex
	projects    []model.Project
	memberships []model.Membership
	passwords   map[uuid.UUID]string // project id -> expected password

	counts map[string]int // "GET /rest/v1/projects" etc.
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		passwords: map[uuid.UUID]string{},
		counts:    map[string]int{},
	}
}

func (f *fakeBackend) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[key]
}

func (f *fakeBackend) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.counts[r.Method+" "+r.URL.Path]++

		q := r.URL.Query()
		switch {
		case r.URL.Path == "/rest/v1/projects" && r.Method == http.MethodGet:
			var out []model.Project
			for _, p := range f.projects {
				if matchProject(p, q) {
					out = append(out, p)
				}
			}
			writeJSON(w, out)

		case r.URL.Path == "/rest/v1/projects" && r.Method == http.MethodPost:
			var row struct {
				Name     string    `json:"name"`
				OwnerID  uuid.UUID `json:"owner_id"`
				Password string    `json:"password"`
			}
			body, _ := io.ReadAll(r.Body)
			if err := json.Unmarshal(body, &row); err != nil {
				http.Error(w, `{"message":"bad row"}`, http.StatusBadRequest)
				return
			}
			p := model.Project{ID: uuid.New(), Name: row.Name, OwnerID: row.OwnerID, CreatedAt: time.Now()}
			if row.Password != "" {
				p.Password = &row.Password
			}
			f.projects = append(f.projects, p)
			w.WriteHeader(http.StatusCreated)
			writeJSON(w, []model.Project{p})

		case r.URL.Path == "/rest/v1/projects" && r.Method == http.MethodDelete:
			id := uuid.MustParse(strings.TrimPrefix(q.Get("id"), "eq."))
			kept := f.projects[:0]
			for _, p := range f.projects {
				if p.ID != id {
					kept = append(kept, p)
				}
			}
			f.projects = kept
			w.WriteHeader(http.StatusNoContent)

		case r.URL.Path == "/rest/v1/project_members" && r.Method == http.MethodGet:
			var out []model.Membership
			for _, m := range f.memberships {
				if matchMembership(m, q) {
					out = append(out, m)
				}
			}
			writeJSON(w, out)

		case r.URL.Path == "/rest/v1/project_members" && r.Method == http.MethodPost:
			var row model.Membership
			body, _ := io.ReadAll(r.Body)
			if err := json.Unmarshal(body, &row); err != nil {
				http.Error(w, `{"message":"bad row"}`, http.StatusBadRequest)
				return
			}
			// merge-duplicates: a second join is not an error
			for _, m := range f.memberships {
				if m.ProjectID == row.ProjectID && m.UserID == row.UserID {
					w.WriteHeader(http.StatusCreated)
					return
				}
			}
			f.memberships = append(f.memberships, row)
			w.WriteHeader(http.StatusCreated)

		case r.URL.Path == "/rest/v1/project_members" && r.Method == http.MethodDelete:
			pid := uuid.MustParse(strings.TrimPrefix(q.Get("project_id"), "eq."))
			uid := uuid.MustParse(strings.TrimPrefix(q.Get("user_id"), "eq."))
			kept := f.memberships[:0]
			for _, m := range f.memberships {
				if !(m.ProjectID == pid && m.UserID == uid) {
					kept = append(kept, m)
				}
			}
			f.memberships = kept
			w.WriteHeader(http.StatusNoContent)

		case r.URL.Path == "/rest/v1/rpc/verify_project_password":
			var args struct {
				ProjectID uuid.UUID `json:"p_project_id"`
				Password  string    `json:"p_password"`
			}
			body, _ := io.ReadAll(r.Body)
			if err := json.Unmarshal(body, &args); err != nil {
				http.Error(w, `{"message":"bad args"}`, http.StatusBadRequest)
				return
			}
			writeJSON(w, f.passwords[args.ProjectID] == args.Password)

		default:
			http.Error(w, `{"message":"not found"}`, http.StatusNotFound)
		}
	})
}

func matchProject(p model.Project, q map[string][]string) bool {
	if v, ok := first(q, "owner_id"); ok {
		return "eq."+p.OwnerID.String() == v
	}
	if v, ok := first(q, "id"); ok {
		if strings.HasPrefix(v, "eq.") {
			return p.ID.String() == strings.TrimPrefix(v, "eq.")
		}
		ids := strings.TrimSuffix(strings.TrimPrefix(v, "in.("), ")")
		for _, id := range strings.Split(ids, ",") {
			if id == p.ID.String() {
				return true
			}
		}
		return false
	}
	return true
}

func matchMembership(m model.Membership, q map[string][]string) bool {
	if v, ok := first(q, "user_id"); ok {
		if "eq."+m.UserID.String() != v {
			return false
		}
	}
	if v, ok := first(q, "project_id"); ok {
		if "eq."+m.ProjectID.String() != v {
			return false
		}
	}
	return true
}

func first(q map[string][]string, key string) (string, bool) {
	vs := q[key]
	if len(vs) == 0 {
		return "", false
	}
	return vs[0], true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// ---------------------------------------------------

func quietLogger() *log.Logger {
	return log.New(io.Discard)
}

func newTestStore(t *testing.T, f *fakeBackend) (*Store, *session.User) {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	client := backend.New(srv.URL, "anon-key")
	s := New(client, quietLogger())
	t.Cleanup(s.Close)
	u := &session.User{ID: uuid.New(), Email: "me@example.com"}
	return s, u
}

func project(owner uuid.UUID, name string) model.Project {
	return model.Project{ID: uuid.New(), Name: name, OwnerID: owner, CreatedAt: time.Now()}
}

func TestResyncMergesOwnedAndLinked(t *testing.T) {
	f := newFakeBackend()
	s, u := newTestStore(t, f)

	other := uuid.New()
	owned := project(u.ID, "mine")
	shared := project(other, "shared")
	f.projects = []model.Project{owned, shared, project(other, "unrelated")}
	f.memberships = []model.Membership{
		{ProjectID: shared.ID, UserID: u.ID, Role: model.RoleMember},
	}

	s.mu.Lock()
	s.user = u
	s.mu.Unlock()
	if !s.Resync(context.Background()) {
		t.Fatal("resync failed")
	}

	got := s.Projects()
	if len(got) != 2 {
		t.Fatalf("expected 2 projects, got %d", len(got))
	}
	if got[0].ID != owned.ID || got[1].ID != shared.ID {
		t.Fatalf("unexpected order: %v, %v", got[0].Name, got[1].Name)
	}
}

// TestResyncDeduplicates ensures a project that is both owned and
// member-linked shows up once, with the owned (first) occurrence kept.
func TestResyncDeduplicates(t *testing.T) {
	f := newFakeBackend()
	s, u := newTestStore(t, f)

	both := project(u.ID, "owned and joined")
	f.projects = []model.Project{both}
	f.memberships = []model.Membership{
		{ProjectID: both.ID, UserID: u.ID, Role: model.RoleAdmin},
	}

	s.mu.Lock()
	s.user = u
	s.mu.Unlock()
	if !s.Resync(context.Background()) {
		t.Fatal("resync failed")
	}

	got := s.Projects()
	if len(got) != 1 {
		t.Fatalf("expected 1 project, got %d", len(got))
	}
	if got[0].ID != both.ID {
		t.Fatalf("wrong project kept: %v", got[0].Name)
	}
}

func TestMergeProjectsNeverDuplicates(t *testing.T) {
	a := project(uuid.New(), "a")
	b := project(uuid.New(), "b")
	c := project(uuid.New(), "c")

	cases := []struct {
		name          string
		owned, linked []model.Project
		want          int
	}{
		{"disjoint", []model.Project{a}, []model.Project{b, c}, 3},
		{"full overlap", []model.Project{a, b}, []model.Project{a, b}, 2},
		{"empty owned", nil, []model.Project{a, a}, 1},
		{"empty both", nil, nil, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := mergeProjects(tc.owned, tc.linked)
			if len(got) != tc.want {
				t.Fatalf("expected %d projects, got %d", tc.want, len(got))
			}
			seen := map[uuid.UUID]bool{}
			for _, p := range got {
				if seen[p.ID] {
					t.Fatalf("duplicate id %s", p.ID)
				}
				seen[p.ID] = true
			}
		})
	}
}

func TestJoinTwiceIsSuccess(t *testing.T) {
	f := newFakeBackend()
	s, u := newTestStore(t, f)

	p := project(uuid.New(), "open project")
	f.projects = []model.Project{p}

	s.mu.Lock()
	s.user = u
	s.mu.Unlock()

	if !s.JoinProject(context.Background(), p.ID, "") {
		t.Fatal("first join failed")
	}
	if !s.JoinProject(context.Background(), p.ID, "") {
		t.Fatal("second join should be treated as success")
	}
	if got := s.Projects(); len(got) != 1 {
		t.Fatalf("expected 1 project after double join, got %d", len(got))
	}
	if len(f.memberships) != 1 {
		t.Fatalf("expected 1 membership row, got %d", len(f.memberships))
	}
}

func TestJoinWrongPassword(t *testing.T) {
	f := newFakeBackend()
	s, u := newTestStore(t, f)

	pw := "secret"
	p := project(uuid.New(), "locked")
	p.Password = &pw
	f.projects = []model.Project{p}
	f.passwords[p.ID] = pw

	s.mu.Lock()
	s.user = u
	s.mu.Unlock()

	if s.JoinProject(context.Background(), p.ID, "wrong") {
		t.Fatal("join with wrong password should fail")
	}
	if got := s.Projects(); len(got) != 0 {
		t.Fatalf("list should be unchanged, got %d projects", len(got))
	}

	if !s.JoinProject(context.Background(), p.ID, pw) {
		t.Fatal("join with right password failed")
	}
}

func TestLeaveRemovesExactlyOne(t *testing.T) {
	f := newFakeBackend()
	s, u := newTestStore(t, f)

	keep := project(u.ID, "keep")
	gone := project(uuid.New(), "leave me")
	f.projects = []model.Project{keep, gone}
	f.memberships = []model.Membership{
		{ProjectID: gone.ID, UserID: u.ID, Role: model.RoleMember},
	}

	s.mu.Lock()
	s.user = u
	s.mu.Unlock()
	s.Resync(context.Background())
	if len(s.Projects()) != 2 {
		t.Fatalf("setup: expected 2 projects, got %d", len(s.Projects()))
	}

	if !s.LeaveProject(context.Background(), gone.ID) {
		t.Fatal("leave failed")
	}
	got := s.Projects()
	if len(got) != 1 {
		t.Fatalf("expected 1 project, got %d", len(got))
	}
	if got[0].ID != keep.ID {
		t.Fatalf("wrong project removed, kept %v", got[0].Name)
	}
	if len(f.memberships) != 0 {
		t.Fatalf("membership row should be gone, got %d", len(f.memberships))
	}
}

func TestDeleteFiltersLocallyWithoutRefetch(t *testing.T) {
	f := newFakeBackend()
	s, u := newTestStore(t, f)

	p := project(u.ID, "doomed")
	f.projects = []model.Project{p, project(u.ID, "survivor")}

	s.mu.Lock()
	s.user = u
	s.mu.Unlock()
	s.Resync(context.Background())

	fetchesBefore := f.count("GET /rest/v1/projects")
	if !s.DeleteProject(context.Background(), p.ID) {
		t.Fatal("delete failed")
	}
	if got := f.count("GET /rest/v1/projects"); got != fetchesBefore {
		t.Fatalf("delete should not refetch, %d extra fetches", got-fetchesBefore)
	}
	got := s.Projects()
	if len(got) != 1 || got[0].Name != "survivor" {
		t.Fatalf("unexpected list after delete: %+v", got)
	}
}

func TestCreateAppendsLocally(t *testing.T) {
	f := newFakeBackend()
	s, u := newTestStore(t, f)

	s.mu.Lock()
	s.user = u
	s.mu.Unlock()

	p := s.CreateProject(context.Background(), "new project", nil, "hunter2")
	if p == nil {
		t.Fatal("create returned nil")
	}
	if !p.Protected() {
		t.Fatal("password should round-trip")
	}
	got := s.Projects()
	if len(got) != 1 || got[0].ID != p.ID {
		t.Fatalf("created project not in local list: %+v", got)
	}
	if len(f.memberships) != 1 || f.memberships[0].Role != model.RoleAdmin {
		t.Fatalf("creator should have an admin membership: %+v", f.memberships)
	}
}

func TestOperationsFailClosedWhenBackendErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"down"}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := New(backend.New(srv.URL, "anon-key"), quietLogger())
	u := &session.User{ID: uuid.New()}
	s.mu.Lock()
	s.user = u
	s.projects = []model.Project{project(u.ID, "held")}
	s.mu.Unlock()

	if s.Resync(context.Background()) {
		t.Fatal("resync should fail")
	}
	if s.CreateProject(context.Background(), "x", nil, "") != nil {
		t.Fatal("create should return nil")
	}
	if s.DeleteProject(context.Background(), uuid.New()) {
		t.Fatal("delete should fail")
	}
	if s.JoinProject(context.Background(), uuid.New(), "") {
		t.Fatal("join should fail")
	}
	if s.LeaveProject(context.Background(), uuid.New()) {
		t.Fatal("leave should fail")
	}
	// failure policy: prior state untouched
	if got := s.Projects(); len(got) != 1 || got[0].Name != "held" {
		t.Fatalf("prior state should be unchanged: %+v", got)
	}
}

func TestChangeListenersFire(t *testing.T) {
	f := newFakeBackend()
	s, u := newTestStore(t, f)
	f.projects = []model.Project{project(u.ID, "mine")}

	fired := 0
	s.OnChange(func() { fired++ })

	s.mu.Lock()
	s.user = u
	s.mu.Unlock()
	s.Resync(context.Background())
	if fired == 0 {
		t.Fatal("resync should notify listeners")
	}
}

func TestEventProjectID(t *testing.T) {
	pid := uuid.New()

	row := []byte(`{"id":"` + pid.String() + `","name":"p"}`)
	if id, ok := eventProjectID("projects", row); !ok || id != pid {
		t.Fatalf("projects row: got %v %v", id, ok)
	}

	row = []byte(`{"project_id":"` + pid.String() + `","user_id":"` + uuid.NewString() + `"}`)
	if id, ok := eventProjectID("project_members", row); !ok || id != pid {
		t.Fatalf("membership row: got %v %v", id, ok)
	}

	if _, ok := eventProjectID("projects", nil); ok {
		t.Fatal("empty row should not resolve")
	}
	if _, ok := eventProjectID("projects", []byte(`{`)); ok {
		t.Fatal("bad json should not resolve")
	}
}

func TestRecentWritesExpire(t *testing.T) {
	r := newRecentWrites(10 * time.Millisecond)
	id := uuid.New()
	r.mark(id)
	if !r.seen(id) {
		t.Fatal("fresh mark should be seen")
	}
	time.Sleep(20 * time.Millisecond)
	if r.seen(id) {
		t.Fatal("expired mark should be forgotten")
	}
}
