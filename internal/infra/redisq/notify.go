package redisq

import (
	"context"
	"fmt"

	"taskq/internal/ports"

	"github.com/rs/zerolog/log"
)

var _ ports.Notifier = (*Client)(nil)

// createdChannel carries the id of every task created through this prefix.
func (c *Client) createdChannel() string {
	return c.Cfg.KeyPrefix + "created"
}

// Subscribe delivers a signal for each task creation until ctx is done.
// Signals are coalesced: a slow reader sees at most one pending wakeup.
func (c *Client) Subscribe(ctx context.Context) (<-chan struct{}, error) {
	sub := c.Rdb.Subscribe(ctx, c.createdChannel())
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", c.createdChannel(), err)
	}

	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				log.Ctx(ctx).Debug().Str("task_id", msg.Payload).Msg("task created notification")
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	return out, nil
}
