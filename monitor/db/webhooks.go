package db

import (
	"database/sql"
	"encoding/json"
	"errors"

	"deploywatch.org/core/monitor/models"
)

func (d *DB) PutWebhookRecord(rec *models.WebhookRecord) error {
	record, err := json.Marshal(rec)
	if err != nil {
		return d.writeErr("marshal webhook record", err)
	}

	_, err = d.Exec(`
		insert into webhook_records (id, run_id, created, record)
		values (?, ?, ?, ?)
		on conflict(id) do update set
			run_id = excluded.run_id,
			record = excluded.record
	`, rec.ID, rec.RunID, rec.Timing.Sent.UnixNano(), string(record))
	return d.writeErr("put webhook record", err)
}

func (d *DB) GetWebhookRecord(id string) (*models.WebhookRecord, error) {
	var record string
	err := d.QueryRow(`select record from webhook_records where id = ?`, id).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NotFoundErr("webhook record", id)
	}
	if err != nil {
		return nil, models.PersistenceErr("get webhook record", err)
	}

	var rec models.WebhookRecord
	if err := json.Unmarshal([]byte(record), &rec); err != nil {
		return nil, models.PersistenceErr("decode webhook record", err)
	}
	return &rec, nil
}

func (d *DB) ListWebhookRecords(runID string) ([]*models.WebhookRecord, error) {
	rows, err := d.Query(`
		select record
		from webhook_records
		where run_id = ?
		order by created asc
	`, runID)
	if err != nil {
		return nil, models.PersistenceErr("list webhook records", err)
	}
	defer rows.Close()

	var recs []*models.WebhookRecord
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, models.PersistenceErr("scan webhook record", err)
		}
		var rec models.WebhookRecord
		if err := json.Unmarshal([]byte(record), &rec); err != nil {
			return nil, models.PersistenceErr("decode webhook record", err)
		}
		recs = append(recs, &rec)
	}

	if err := rows.Err(); err != nil {
		return nil, models.PersistenceErr("list webhook records", err)
	}

	return recs, nil
}
