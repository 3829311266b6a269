package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"deploywatch.org/core/monitor/models"
)

func (d *DB) PutAlert(alert *models.Alert) error {
	record, err := json.Marshal(alert)
	if err != nil {
		return d.writeErr("marshal alert", err)
	}

	_, err = d.Exec(`
		insert into alerts (id, signature, status, created, record)
		values (?, ?, ?, ?, ?)
		on conflict(id) do update set
			signature = excluded.signature,
			status = excluded.status,
			record = excluded.record
	`, alert.ID, alert.Signature, string(alert.Status), alert.Timestamp.UnixNano(), string(record))
	return d.writeErr("put alert", err)
}

func (d *DB) GetAlert(id string) (*models.Alert, error) {
	var record string
	err := d.QueryRow(`select record from alerts where id = ?`, id).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NotFoundErr("alert", id)
	}
	if err != nil {
		return nil, models.PersistenceErr("get alert", err)
	}

	var alert models.Alert
	if err := json.Unmarshal([]byte(record), &alert); err != nil {
		return nil, models.PersistenceErr("decode alert", err)
	}
	return &alert, nil
}

// ListAlerts returns alerts newest-first. With activeOnly set, only
// unresolved alerts are returned.
func (d *DB) ListAlerts(activeOnly bool) ([]*models.Alert, error) {
	whereClause := ""
	args := []any{}
	if activeOnly {
		whereClause = "where status = ?"
		args = append(args, string(models.AlertActive))
	}

	query := fmt.Sprintf(`
		select record
		from alerts
		%s
		order by created desc
	`, whereClause)

	rows, err := d.Query(query, args...)
	if err != nil {
		return nil, models.PersistenceErr("list alerts", err)
	}
	defer rows.Close()

	var alerts []*models.Alert
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, models.PersistenceErr("scan alert", err)
		}
		var alert models.Alert
		if err := json.Unmarshal([]byte(record), &alert); err != nil {
			return nil, models.PersistenceErr("decode alert", err)
		}
		alerts = append(alerts, &alert)
	}

	if err := rows.Err(); err != nil {
		return nil, models.PersistenceErr("list alerts", err)
	}

	return alerts, nil
}
