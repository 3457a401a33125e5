package store

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/crewdeck/crewdeck/internal/backend"
	"github.com/crewdeck/crewdeck/internal/model"
	"github.com/crewdeck/crewdeck/internal/session"
)

type wsFrame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref"`
}

// liveBackend is the row fake plus a realtime endpoint that the test can
// push change frames through.
type liveBackend struct {
	*fakeBackend
	frames chan wsFrame
}

func newLiveBackend() *liveBackend {
	return &liveBackend{fakeBackend: newFakeBackend(), frames: make(chan wsFrame, 8)}
}

func (l *liveBackend) handler() http.Handler {
	rows := l.fakeBackend.handler()
	upgrader := websocket.Upgrader{}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/realtime/v1/websocket" {
			rows.ServeHTTP(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		go func() {
			// drain joins and heartbeats
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
		for f := range l.frames {
			if err := conn.WriteJSON(f); err != nil {
				return
			}
		}
	})
}

func (l *liveBackend) pushInsert(table string, record any) {
	b, _ := json.Marshal(map[string]any{"record": record})
	l.frames <- wsFrame{Topic: "realtime:public:" + table, Event: "INSERT", Payload: b}
}

func (l *liveBackend) pushDelete(table string, oldRecord any) {
	b, _ := json.Marshal(map[string]any{"old_record": oldRecord})
	l.frames <- wsFrame{Topic: "realtime:public:" + table, Event: "DELETE", Payload: b}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestRemoteInsertTriggersResync(t *testing.T) {
	l := newLiveBackend()
	defer close(l.frames)
	srv := httptest.NewServer(l.handler())
	defer srv.Close()

	s := New(backend.New(srv.URL, "anon-key"), quietLogger())
	defer s.Close()
	u := &session.User{ID: uuid.New()}

	mine := project(u.ID, "mine")
	l.mu.Lock()
	l.projects = []model.Project{mine}
	l.mu.Unlock()

	s.SetUser(context.Background(), u)
	waitFor(t, func() bool { return len(s.Projects()) == 1 })

	// someone else creates a project we own remotely (e.g. another device)
	late := project(u.ID, "from elsewhere")
	l.mu.Lock()
	l.projects = append(l.projects, late)
	l.mu.Unlock()
	l.pushInsert("projects", late)

	waitFor(t, func() bool { return len(s.Projects()) == 2 })
}

func TestRemoteDeleteFiltersLocally(t *testing.T) {
	l := newLiveBackend()
	defer close(l.frames)
	srv := httptest.NewServer(l.handler())
	defer srv.Close()

	s := New(backend.New(srv.URL, "anon-key"), quietLogger())
	defer s.Close()
	u := &session.User{ID: uuid.New()}

	gone := project(u.ID, "gone")
	keep := project(u.ID, "keep")
	l.mu.Lock()
	l.projects = []model.Project{gone, keep}
	l.mu.Unlock()

	s.SetUser(context.Background(), u)
	waitFor(t, func() bool { return len(s.Projects()) == 2 })
	fetches := l.count("GET /rest/v1/projects")

	l.pushDelete("projects", map[string]string{"id": gone.ID.String()})
	waitFor(t, func() bool {
		got := s.Projects()
		return len(got) == 1 && got[0].ID == keep.ID
	})
	if got := l.count("GET /rest/v1/projects"); got != fetches {
		t.Fatalf("delete event should not refetch, saw %d extra", got-fetches)
	}
}

func TestOwnWritesDoNotResync(t *testing.T) {
	l := newLiveBackend()
	defer close(l.frames)
	srv := httptest.NewServer(l.handler())
	defer srv.Close()

	s := New(backend.New(srv.URL, "anon-key"), quietLogger())
	defer s.Close()
	u := &session.User{ID: uuid.New()}

	s.SetUser(context.Background(), u)

	p := s.CreateProject(context.Background(), "made here", nil, "")
	if p == nil {
		t.Fatal("create failed")
	}
	fetches := l.count("GET /rest/v1/projects")

	// the echo of our own insert comes back over the channel
	l.pushInsert("projects", p)
	time.Sleep(200 * time.Millisecond)
	if got := l.count("GET /rest/v1/projects"); got != fetches {
		t.Fatalf("own insert should be suppressed, saw %d extra fetches", got-fetches)
	}
	if got := s.Projects(); len(got) != 1 {
		t.Fatalf("expected the optimistic copy only, got %d", len(got))
	}
}
