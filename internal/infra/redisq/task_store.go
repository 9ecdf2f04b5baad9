package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"taskq/internal/domain"
	"taskq/internal/ports"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var _ ports.TaskStore = (*Client)(nil)

// Hash fields of a task record.
const (
	fID        = "id"
	fType      = "type"
	fParams    = "params"
	fPriority  = "priority"
	fStatus    = "status"
	fCreatedAt = "created_at"
	fUpdatedAt = "updated_at"
	fResult    = "result"
	fError     = "error"
	fProgress  = "progress"
)

func (c *Client) Create(ctx context.Context, taskType string, params map[string]any, priority int) (domain.Task, error) {
	if params == nil {
		params = map[string]any{}
	}
	now := c.now()
	t := domain.Task{
		ID:        uuid.NewString(),
		Type:      taskType,
		Params:    params,
		Priority:  priority,
		Status:    domain.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	b, err := json.Marshal(params)
	if err != nil {
		return domain.Task{}, fmt.Errorf("%w: params are not JSON encodable: %v", domain.ErrInvalidState, err)
	}

	_, err = c.Rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, c.taskKey(t.ID), map[string]any{
			fID:        t.ID,
			fType:      t.Type,
			fParams:    string(b),
			fPriority:  t.Priority,
			fStatus:    string(t.Status),
			fCreatedAt: t.CreatedAt.UnixNano(),
			fUpdatedAt: t.UpdatedAt.UnixNano(),
		})
		member := redis.Z{Score: score(t.CreatedAt), Member: t.ID}
		p.ZAdd(ctx, c.allKey(), member)
		p.ZAdd(ctx, c.statusKey(string(t.Status)), member)
		p.Publish(ctx, c.createdChannel(), t.ID)
		return nil
	})
	if err != nil {
		return domain.Task{}, domain.NewStorageError("create", err)
	}
	return t, nil
}

func (c *Client) Get(ctx context.Context, id string) (domain.Task, error) {
	h, err := c.Rdb.HGetAll(ctx, c.taskKey(id)).Result()
	if err != nil {
		return domain.Task{}, domain.NewStorageError("get", err)
	}
	if len(h) == 0 {
		return domain.Task{}, domain.ErrNotFound
	}
	t, err := decodeTask(h)
	if err != nil {
		return domain.Task{}, domain.NewStorageError("get", err)
	}
	return t, nil
}

func (c *Client) List(ctx context.Context, f domain.ListFilter) ([]domain.Task, error) {
	key := c.allKey()
	if f.Status != nil {
		key = c.statusKey(string(*f.Status))
	}

	rng := &redis.ZRangeBy{Min: "-inf", Max: "+inf", Count: int64(f.EffectiveLimit())}
	if f.Since != nil {
		rng.Min = strconv.FormatInt(f.Since.UnixMicro(), 10)
	}

	var (
		ids []string
		err error
	)
	if f.OldestFirst {
		ids, err = c.Rdb.ZRangeByScore(ctx, key, rng).Result()
	} else {
		ids, err = c.Rdb.ZRevRangeByScore(ctx, key, rng).Result()
	}
	if err != nil {
		return nil, domain.NewStorageError("list", err)
	}
	if len(ids) == 0 {
		return []domain.Task{}, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = c.Rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, c.taskKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, domain.NewStorageError("list", err)
	}

	out := make([]domain.Task, 0, len(ids))
	for _, cmd := range cmds {
		h := cmd.Val()
		// deleted between the range and the fetch
		if len(h) == 0 {
			continue
		}
		t, err := decodeTask(h)
		if err != nil {
			return nil, domain.NewStorageError("list", err)
		}
		// indexes are microsecond-precise; re-check against the record
		if f.Matches(t) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (c *Client) Update(ctx context.Context, t domain.Task) error {
	return c.write(ctx, "update", t, nil)
}

func (c *Client) CompareAndUpdate(ctx context.Context, t domain.Task, expect domain.TaskStatus) error {
	return c.write(ctx, "compare_and_update", t, &expect)
}

// write persists the mutable fields of t and moves its status index entry in
// one MULTI, retrying when the record changes under WATCH.
func (c *Client) write(ctx context.Context, op string, t domain.Task, expect *domain.TaskStatus) error {
	var result string
	if t.Result != nil {
		b, err := json.Marshal(t.Result)
		if err != nil {
			return fmt.Errorf("%w: result is not JSON encodable: %v", domain.ErrInvalidState, err)
		}
		result = string(b)
	}

	key := c.taskKey(t.ID)
	txf := func(tx *redis.Tx) error {
		h, err := tx.HMGet(ctx, key, fStatus, fCreatedAt).Result()
		if err != nil {
			return err
		}
		cur, ok := h[0].(string)
		if !ok {
			return domain.ErrNotFound
		}
		if expect != nil && domain.TaskStatus(cur) != *expect {
			return domain.ErrConflict
		}
		createdAt, err := parseNanos(h[1])
		if err != nil {
			return err
		}

		now := c.now()
		if now.Before(createdAt) {
			now = createdAt
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			set := map[string]any{
				fStatus:    string(t.Status),
				fUpdatedAt: now.UnixNano(),
			}
			var del []string
			if t.Result != nil {
				set[fResult] = result
			} else {
				del = append(del, fResult)
			}
			if t.Error != nil {
				set[fError] = *t.Error
			} else {
				del = append(del, fError)
			}
			if t.Progress != nil {
				set[fProgress] = strconv.FormatFloat(*t.Progress, 'f', -1, 64)
			} else {
				del = append(del, fProgress)
			}
			p.HSet(ctx, key, set)
			if len(del) > 0 {
				p.HDel(ctx, key, del...)
			}
			if cur != string(t.Status) {
				p.ZRem(ctx, c.statusKey(cur), t.ID)
				p.ZAdd(ctx, c.statusKey(string(t.Status)), redis.Z{Score: score(createdAt), Member: t.ID})
			}
			return nil
		})
		return err
	}

	for range maxTxRetries {
		err := c.Rdb.Watch(ctx, txf, key)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrConflict):
			return err
		default:
			return domain.NewStorageError(op, err)
		}
	}
	return domain.NewStorageError(op, fmt.Errorf("task %s: too much contention", t.ID))
}

func (c *Client) Delete(ctx context.Context, id string) error {
	key := c.taskKey(id)
	txf := func(tx *redis.Tx) error {
		status, err := tx.HGet(ctx, key, fStatus).Result()
		if errors.Is(err, redis.Nil) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, key)
			p.ZRem(ctx, c.allKey(), id)
			p.ZRem(ctx, c.statusKey(status), id)
			return nil
		})
		return err
	}

	for range maxTxRetries {
		err := c.Rdb.Watch(ctx, txf, key)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, domain.ErrNotFound):
			return err
		default:
			return domain.NewStorageError("delete", err)
		}
	}
	return domain.NewStorageError("delete", fmt.Errorf("task %s: too much contention", id))
}

func decodeTask(h map[string]string) (domain.Task, error) {
	t := domain.Task{
		ID:     h[fID],
		Type:   h[fType],
		Status: domain.TaskStatus(h[fStatus]),
	}

	var err error
	if t.Priority, err = strconv.Atoi(h[fPriority]); err != nil {
		return t, fmt.Errorf("task %s: priority: %w", t.ID, err)
	}
	if t.CreatedAt, err = parseNanos(h[fCreatedAt]); err != nil {
		return t, fmt.Errorf("task %s: created_at: %w", t.ID, err)
	}
	if t.UpdatedAt, err = parseNanos(h[fUpdatedAt]); err != nil {
		return t, fmt.Errorf("task %s: updated_at: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(h[fParams]), &t.Params); err != nil {
		return t, fmt.Errorf("task %s: params: %w", t.ID, err)
	}
	if v, ok := h[fResult]; ok {
		if err := json.Unmarshal([]byte(v), &t.Result); err != nil {
			return t, fmt.Errorf("task %s: result: %w", t.ID, err)
		}
	}
	if v, ok := h[fError]; ok {
		t.Error = &v
	}
	if v, ok := h[fProgress]; ok {
		p, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return t, fmt.Errorf("task %s: progress: %w", t.ID, err)
		}
		t.Progress = &p
	}
	return t, nil
}

func parseNanos(v any) (time.Time, error) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, fmt.Errorf("unexpected timestamp type: %T", v)
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, n).UTC(), nil
}
