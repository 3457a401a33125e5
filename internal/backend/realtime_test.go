package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// realtimeTestServer upgrades the connection, records the join frames
// and then plays back the given row-change frames.
func realtimeTestServer(t *testing.T, frames []realtimeMsg, joins chan<- realtimeMsg) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/realtime/v1/websocket" {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("apikey") == "" {
			t.Error("missing apikey on realtime dial")
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		// collect joins (one per topic)
		for i := 0; i < cap(joins); i++ {
			var msg realtimeMsg
			if err := conn.ReadJSON(&msg); err != nil {
				t.Errorf("read join: %v", err)
				return
			}
			joins <- msg
		}

		// ack one join, then stream the changes
		ack := realtimeMsg{Topic: "realtime:public:projects", Event: "phx_reply", Payload: json.RawMessage(`{"status":"ok"}`), Ref: "1"}
		if err := conn.WriteJSON(ack); err != nil {
			return
		}
		for _, f := range frames {
			if err := conn.WriteJSON(f); err != nil {
				return
			}
		}
		// keep the socket open until the client hangs up
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func TestSubscribeDeliversRowEvents(t *testing.T) {
	frames := []realtimeMsg{
		{
			Topic:   "realtime:public:projects",
			Event:   "INSERT",
			Payload: json.RawMessage(`{"record":{"id":"p1","name":"new"}}`),
		},
		{
			Topic:   "realtime:public:project_members:user_id=eq.u1",
			Event:   "DELETE",
			Payload: json.RawMessage(`{"old_record":{"project_id":"p1","user_id":"u1"}}`),
		},
	}
	joins := make(chan realtimeMsg, 2)
	srv := realtimeTestServer(t, frames, joins)
	defer srv.Close()

	c := New(srv.URL, "anon-key")
	sub, err := c.Subscribe(context.Background(), []Topic{
		{Table: "projects"},
		{Table: "project_members", Filter: "user_id=eq.u1"},
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	join := <-joins
	if join.Event != "phx_join" || join.Topic != "realtime:public:projects" {
		t.Fatalf("unexpected first join: %+v", join)
	}
	join = <-joins
	if join.Topic != "realtime:public:project_members:user_id=eq.u1" {
		t.Fatalf("unexpected second join: %+v", join)
	}

	// phx_reply must be swallowed; the first delivered event is the INSERT.
	ev := recvEvent(t, sub)
	if ev.Type != EventInsert || ev.Table != "projects" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	var row struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(ev.New, &row); err != nil || row.ID != "p1" {
		t.Fatalf("unexpected record: %s", ev.New)
	}

	ev = recvEvent(t, sub)
	if ev.Type != EventDelete || ev.Table != "project_members" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if len(ev.Old) == 0 {
		t.Fatal("delete should carry the old row")
	}
}

func TestSubscribeCloseEndsFeed(t *testing.T) {
	joins := make(chan realtimeMsg, 1)
	srv := realtimeTestServer(t, nil, joins)
	defer srv.Close()

	c := New(srv.URL, "anon-key")
	sub, err := c.Subscribe(context.Background(), []Topic{{Table: "projects"}})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	<-joins

	if err := sub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("second close should be a no-op: %v", err)
	}

	select {
	case _, open := <-sub.Events():
		if open {
			t.Fatal("expected closed events channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("events channel did not close")
	}
}

func TestSubscribeNeedsTopics(t *testing.T) {
	c := New("http://localhost:1", "k")
	if _, err := c.Subscribe(context.Background(), nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestTableFromChannel(t *testing.T) {
	cases := map[string]string{
		"realtime:public:projects":                        "projects",
		"realtime:public:project_members:user_id=eq.u1":   "project_members",
		"realtime:public:roles:project_id=eq.p1:whatever": "roles",
		"phoenix": "",
	}
	for topic, want := range cases {
		if got := tableFromChannel(topic); got != want {
			t.Fatalf("tableFromChannel(%q) = %q, want %q", topic, got, want)
		}
	}
}

func recvEvent(t *testing.T, sub *Subscription) RowEvent {
	t.Helper()
	select {
	case ev, open := <-sub.Events():
		if !open {
			t.Fatal("events channel closed early")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return RowEvent{}
}
