package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"deploywatch.org/core/monitor/models"
)

// PutRun stores a run, replacing any previous record with the same id.
func (d *DB) PutRun(run *models.PipelineRun) error {
	record, err := json.Marshal(run)
	if err != nil {
		return d.writeErr("marshal run", err)
	}

	var finished int64
	if run.FinishedAt != nil {
		finished = run.FinishedAt.UnixNano()
	}

	_, err = d.Exec(`
		insert into runs (id, status, created, finished, record)
		values (?, ?, ?, ?, ?)
		on conflict(id) do update set
			status = excluded.status,
			finished = excluded.finished,
			record = excluded.record
	`, run.ID, string(run.Status), run.StartedAt.UnixNano(), finished, string(record))
	return d.writeErr("put run", err)
}

func (d *DB) GetRun(id string) (*models.PipelineRun, error) {
	var record string
	err := d.QueryRow(`select record from runs where id = ?`, id).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.NotFoundErr("run", id)
	}
	if err != nil {
		return nil, models.PersistenceErr("get run", err)
	}

	var run models.PipelineRun
	if err := json.Unmarshal([]byte(record), &run); err != nil {
		return nil, models.PersistenceErr("decode run", err)
	}
	return &run, nil
}

// ListRuns returns runs newest-first, optionally filtered by status.
func (d *DB) ListRuns(status models.RunStatus, limit, offset int) ([]*models.PipelineRun, error) {
	if limit <= 0 {
		limit = 50
	}

	whereClause := ""
	args := []any{}
	if status != "" {
		whereClause = "where status = ?"
		args = append(args, string(status))
	}
	args = append(args, limit, offset)

	query := fmt.Sprintf(`
		select record
		from runs
		%s
		order by created desc
		limit ? offset ?
	`, whereClause)

	rows, err := d.Query(query, args...)
	if err != nil {
		return nil, models.PersistenceErr("list runs", err)
	}
	defer rows.Close()

	var runs []*models.PipelineRun
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, models.PersistenceErr("scan run", err)
		}
		var run models.PipelineRun
		if err := json.Unmarshal([]byte(record), &run); err != nil {
			return nil, models.PersistenceErr("decode run", err)
		}
		runs = append(runs, &run)
	}

	if err := rows.Err(); err != nil {
		return nil, models.PersistenceErr("list runs", err)
	}

	return runs, nil
}

// RunsFinishedSince returns terminal runs that finished at or after
// the given instant, oldest finisher first. A run started before the
// window still counts when it finished inside it.
func (d *DB) RunsFinishedSince(since time.Time) ([]*models.PipelineRun, error) {
	rows, err := d.Query(`
		select record
		from runs
		where status != ? and finished >= ?
		order by finished asc
	`, string(models.RunRunning), since.UnixNano())
	if err != nil {
		return nil, models.PersistenceErr("runs since", err)
	}
	defer rows.Close()

	var runs []*models.PipelineRun
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, models.PersistenceErr("scan run", err)
		}
		var run models.PipelineRun
		if err := json.Unmarshal([]byte(record), &run); err != nil {
			return nil, models.PersistenceErr("decode run", err)
		}
		runs = append(runs, &run)
	}

	if err := rows.Err(); err != nil {
		return nil, models.PersistenceErr("runs since", err)
	}

	return runs, nil
}
