package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"deploywatch.org/core/eventbus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Events streams monitor events to a dashboard over a websocket.
// Clients may filter with ?topics=a,b (default all) and resume with
// ?cursor=<unix nanos>; stored events after the cursor are backfilled
// before live data.
func (m *Monitor) Events(w http.ResponseWriter, r *http.Request) {
	l := m.l.With("handler", "Events")
	l.Info("received new connection")

	topics := []string{eventbus.TopicAll}
	if raw := r.URL.Query().Get("topics"); raw != "" {
		topics = strings.Split(raw, ",")
	}

	var cursor int64
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		cursor, _ = strconv.ParseInt(raw, 10, 64)
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.Error("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ch := m.bus.Subscribe(topics...)
	defer m.bus.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				cancel()
				return
			}
		}
	}()

	// complete backfill first before going to live data
	if cursor > 0 {
		if err := m.backfill(conn, topics, cursor); err != nil {
			l.Error("failed to backfill", "err", err)
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			l.Info("stopping stream: client closed connection")
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				l.Error("failed to stream event", "err", err)
				return
			}
		case <-time.After(30 * time.Second):
			// keep-alive
			if err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(time.Second)); err != nil {
				l.Error("failed to write control", "err", err)
				return
			}
		}
	}
}

func (m *Monitor) backfill(conn *websocket.Conn, topics []string, cursor int64) error {
	wantAll := false
	wanted := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		if t == eventbus.TopicAll {
			wantAll = true
		}
		wanted[t] = struct{}{}
	}

	for {
		evts, err := m.db.GetEvents(cursor)
		if err != nil {
			return err
		}
		if len(evts) == 0 {
			return nil
		}

		for _, ev := range evts {
			cursor = ev.Created
			if !wantAll {
				if _, ok := wanted[ev.Topic]; !ok {
					continue
				}
			}
			msg := map[string]any{
				"topic":     ev.Topic,
				"payload":   json.RawMessage(ev.Payload),
				"timestamp": time.Unix(0, ev.Created),
			}
			if err := conn.WriteJSON(msg); err != nil {
				return err
			}
		}
	}
}
