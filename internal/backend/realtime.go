package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// EventType is the kind of row change a subscription delivers.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// RowEvent is one row-level change from the push channel.
type RowEvent struct {
	Table string
	Type  EventType
	// New is the row after the change (insert/update).
	New json.RawMessage
	// Old is the row before the change (delete, and updates where the
	// relation replicates old values).
	Old json.RawMessage
}

// Topic names a relation to watch, optionally narrowed by a predicate in
// the same eq. syntax the row queries use, e.g. "user_id=eq.<uuid>".
type Topic struct {
	Table  string
	Filter string
}

func (t Topic) channel() string {
	ch := "realtime:public:" + t.Table
	if t.Filter != "" {
		ch += ":" + t.Filter
	}
	return ch
}

const heartbeatInterval = 25 * time.Second

// channel protocol frame, both directions.
type realtimeMsg struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref"`
}

type changePayload struct {
	Record    json.RawMessage `json:"record"`
	OldRecord json.RawMessage `json:"old_record"`
}

// Subscription is a live change feed over one websocket connection.
// Events() closes when the feed ends, either via Close or a transport
// failure; the spec'd failure policy is to stop, not to retry.
type Subscription struct {
	conn   *websocket.Conn
	events chan RowEvent

	closeOnce sync.Once
	done      chan struct{}
}

// Subscribe opens the websocket, joins one channel per topic and starts
// pumping row events. The context only bounds the dial and join phase;
// use Close to tear the feed down.
func (c *Client) Subscribe(ctx context.Context, topics []Topic) (*Subscription, error) {
	if len(topics) == 0 {
		return nil, fmt.Errorf("subscribe: no topics")
	}

	wsURL, err := c.realtimeURL()
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial realtime: %w", err)
	}

	s := &Subscription{
		conn:   conn,
		events: make(chan RowEvent, 16),
		done:   make(chan struct{}),
	}

	ref := 0
	for _, t := range topics {
		ref++
		join := realtimeMsg{
			Topic:   t.channel(),
			Event:   "phx_join",
			Payload: json.RawMessage(`{}`),
			Ref:     strconv.Itoa(ref),
		}
		if err := conn.WriteJSON(join); err != nil {
			conn.Close()
			return nil, fmt.Errorf("join %s: %w", t.channel(), err)
		}
	}

	go s.readLoop()
	go s.heartbeatLoop()
	return s, nil
}

func (c *Client) realtimeURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("realtime: unsupported scheme %q", u.Scheme)
	}
	u.Path = "/realtime/v1/websocket"
	q := url.Values{"apikey": {c.anonKey}, "vsn": {"1.0.0"}}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Events delivers row changes until the subscription ends.
func (s *Subscription) Events() <-chan RowEvent {
	return s.events
}

// Close tears the feed down. Idempotent.
func (s *Subscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

func (s *Subscription) readLoop() {
	defer close(s.events)
	for {
		var msg realtimeMsg
		if err := s.conn.ReadJSON(&msg); err != nil {
			// Covers both a remote drop and our own Close.
			s.Close()
			return
		}
		ev, ok := decodeRowEvent(msg)
		if !ok {
			continue // phx_reply, heartbeat ack, presence noise
		}
		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

func (s *Subscription) heartbeatLoop() {
	tick := time.NewTicker(heartbeatInterval)
	defer tick.Stop()
	ref := 0
	for {
		select {
		case <-s.done:
			return
		case <-tick.C:
			ref++
			hb := realtimeMsg{
				Topic:   "phoenix",
				Event:   "heartbeat",
				Payload: json.RawMessage(`{}`),
				Ref:     "hb-" + strconv.Itoa(ref),
			}
			if err := s.conn.WriteJSON(hb); err != nil {
				s.Close()
				return
			}
		}
	}
}

func decodeRowEvent(msg realtimeMsg) (RowEvent, bool) {
	var typ EventType
	switch msg.Event {
	case "INSERT":
		typ = EventInsert
	case "UPDATE":
		typ = EventUpdate
	case "DELETE":
		typ = EventDelete
	default:
		return RowEvent{}, false
	}
	var p changePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return RowEvent{}, false
	}
	return RowEvent{
		Table: tableFromChannel(msg.Topic),
		Type:  typ,
		New:   p.Record,
		Old:   p.OldRecord,
	}, true
}

// tableFromChannel extracts the relation from "realtime:public:<table>[:...]".
func tableFromChannel(topic string) string {
	parts := strings.SplitN(topic, ":", 4)
	if len(parts) < 3 {
		return ""
	}
	return parts[2]
}
