package sqlstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"taskq/internal/domain"
)

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (domain.Task, error) {
	var (
		t                    domain.Task
		status, params       string
		createdAt, updatedAt int64
		result, errMsg       sql.NullString
		progress             sql.NullFloat64
	)
	err := row.Scan(&t.ID, &t.Type, &params, &t.Priority, &status, &createdAt, &updatedAt, &result, &errMsg, &progress)
	if err != nil {
		return domain.Task{}, err
	}

	t.Status = domain.TaskStatus(status)
	t.CreatedAt = time.Unix(0, createdAt).UTC()
	t.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if err := json.Unmarshal([]byte(params), &t.Params); err != nil {
		return domain.Task{}, fmt.Errorf("task %s: params: %w", t.ID, err)
	}
	if result.Valid {
		if err := json.Unmarshal([]byte(result.String), &t.Result); err != nil {
			return domain.Task{}, fmt.Errorf("task %s: result: %w", t.ID, err)
		}
	}
	if errMsg.Valid {
		e := errMsg.String
		t.Error = &e
	}
	if progress.Valid {
		p := progress.Float64
		t.Progress = &p
	}
	return t, nil
}

func encodeJSON(v map[string]any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
