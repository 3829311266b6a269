package db

import (
	"database/sql"
	"encoding/json"
	"errors"

	"deploywatch.org/core/monitor/models"
)

// GetSettings loads the persisted configuration blob. found is false
// on first start, before anything was ever saved.
func (d *DB) GetSettings() (settings models.Settings, found bool, err error) {
	var record string
	err = d.QueryRow(`select record from settings where id = 1`).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return settings, false, nil
	}
	if err != nil {
		return settings, false, models.PersistenceErr("get settings", err)
	}

	if err := json.Unmarshal([]byte(record), &settings); err != nil {
		return settings, false, models.PersistenceErr("decode settings", err)
	}
	return settings, true, nil
}

func (d *DB) PutSettings(settings models.Settings) error {
	record, err := json.Marshal(settings)
	if err != nil {
		return d.writeErr("marshal settings", err)
	}

	_, err = d.Exec(`
		insert into settings (id, record)
		values (1, ?)
		on conflict(id) do update set record = excluded.record
	`, string(record))
	return d.writeErr("put settings", err)
}
