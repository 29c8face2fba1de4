package taskqueue

import (
	"context"

	"github.com/cuemby/postprocess-forwarder/pkg/log"
	"github.com/cuemby/postprocess-forwarder/pkg/types"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisEnqueuer pushes tasks onto a Redis list named after the logical
// queue, the same "push the job, let a worker pool pop it" boundary the
// storage-backend reference in the example pack models for its
// redis-lists backend.
type RedisEnqueuer struct {
	client *redis.Client
	key    string
	logger zerolog.Logger
}

func NewRedisEnqueuer(client *redis.Client, keyPrefix string) *RedisEnqueuer {
	return &RedisEnqueuer{
		client: client,
		key:    keyPrefix + ":" + Queue,
		logger: log.WithComponent("taskqueue.redis"),
	}
}

func (e *RedisEnqueuer) Enqueue(ctx context.Context, kwargs types.EnqueueKwargs) error {
	payload, err := marshalTask(kwargs)
	if err != nil {
		return err
	}
	if err := e.client.RPush(ctx, e.key, payload).Err(); err != nil {
		return err
	}
	e.logger.Debug().Str("event_id", kwargs.EventID).Str("cache_key", kwargs.CacheKey).Msg("enqueued post_process_group")
	return nil
}
