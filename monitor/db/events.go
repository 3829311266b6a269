package db

import (
	"encoding/json"

	"deploywatch.org/core/monitor/models"
)

// Event is one emitted dashboard event, stored for backfill. Created
// doubles as the stream cursor.
type Event struct {
	Topic   string `json:"topic"`
	Payload string `json:"payload"` // json
	Created int64  `json:"created"` // unix nanos
}

func (d *DB) InsertEvent(topic string, payload any, createdNanos int64) error {
	payloadJson, err := json.Marshal(payload)
	if err != nil {
		return d.writeErr("marshal event", err)
	}

	_, err = d.Exec(
		`insert into events (topic, payload, created) values (?, ?, ?)`,
		topic, string(payloadJson), createdNanos,
	)
	return d.writeErr("insert event", err)
}

// GetEvents returns up to 100 events created after the cursor, oldest
// first.
func (d *DB) GetEvents(cursor int64) ([]Event, error) {
	rows, err := d.Query(`
		select topic, payload, created
		from events
		where created > ?
		order by created asc
		limit 100
	`, cursor)
	if err != nil {
		return nil, models.PersistenceErr("get events", err)
	}
	defer rows.Close()

	var evts []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.Topic, &ev.Payload, &ev.Created); err != nil {
			return nil, models.PersistenceErr("scan event", err)
		}
		evts = append(evts, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, models.PersistenceErr("get events", err)
	}

	return evts, nil
}
