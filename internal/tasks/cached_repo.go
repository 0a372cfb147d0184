package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// CachedStore puts a Redis cache-aside layer in front of another Store.
// Reads of single tasks are served from Redis when possible and fill the cache
// on a miss. Writes go to the underlying store first and then invalidate the
// cached copy. Cache failures are logged and never fail the request.
//
// Every task has a generation counter next to its cached copy. Writes bump the
// generation before deleting the copy, and a read only fills the cache if the
// generation it saw before reading the store is still current. A read that
// raced with an update or delete therefore never puts the old row back.
type CachedStore struct {
	next   Store
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// generation keys outlive the cached copy by this much
const generationGrace = time.Minute

func NewCachedStore(next Store, client *redis.Client, ttl time.Duration, logger *slog.Logger) *CachedStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedStore{
		next:   next,
		client: client,
		prefix: "task:",
		ttl:    ttl,
		logger: logger,
	}
}

func (c *CachedStore) key(id int64) string {
	return c.prefix + strconv.FormatInt(id, 10)
}

func (c *CachedStore) generationKey(id int64) string {
	return c.key(id) + ":gen"
}

// Create does not touch the cache; the first Get fills it.
func (c *CachedStore) Create(ctx context.Context, d Draft) (Task, error) {
	return c.next.Create(ctx, d)
}

func (c *CachedStore) Get(ctx context.Context, id int64) (Task, error) {
	data, err := c.client.Get(ctx, c.key(id)).Bytes()
	switch {
	case err == nil:
		var t Task
		if err := json.Unmarshal(data, &t); err == nil {
			return t, nil
		}
		c.logger.WarnContext(ctx, "task_cache_corrupt", slog.Int64("id", id))
	case !errors.Is(err, redis.Nil):
		c.warn(ctx, "get", err)
		return c.next.Get(ctx, id)
	}

	gen, err := c.generation(ctx, id)
	if err != nil {
		c.warn(ctx, "get", err)
		return c.next.Get(ctx, id)
	}
	t, err := c.next.Get(ctx, id)
	if err != nil {
		return Task{}, err
	}
	c.fill(ctx, t, gen)
	return t, nil
}

// List always reads the underlying store.
func (c *CachedStore) List(ctx context.Context) ([]Task, error) {
	return c.next.List(ctx)
}

func (c *CachedStore) Update(ctx context.Context, id int64, d Draft) (Task, error) {
	t, err := c.next.Update(ctx, id, d)
	if err == nil || errors.Is(err, ErrNotFound) {
		c.invalidate(ctx, id)
	}
	return t, err
}

func (c *CachedStore) Delete(ctx context.Context, id int64) error {
	err := c.next.Delete(ctx, id)
	if err == nil || errors.Is(err, ErrNotFound) {
		c.invalidate(ctx, id)
	}
	return err
}

func (c *CachedStore) generation(ctx context.Context, id int64) (int64, error) {
	gen, err := c.client.Get(ctx, c.generationKey(id)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

// fill caches t unless a write bumped its generation after gen was read.
func (c *CachedStore) fill(ctx context.Context, t Task, gen int64) {
	data, err := json.Marshal(t)
	if err != nil {
		return
	}
	genKey := c.generationKey(t.ID)
	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, genKey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if cur != gen {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, c.key(t.ID), data, c.ttl)
			return nil
		})
		return err
	}, genKey)
	switch {
	case errors.Is(err, redis.TxFailedErr):
		c.logger.DebugContext(ctx, "task_cache_fill_skipped", slog.Int64("id", t.ID))
	case err != nil:
		c.warn(ctx, "set", err)
	}
}

// invalidate bumps the generation and drops the cached copy in one transaction.
func (c *CachedStore) invalidate(ctx context.Context, id int64) {
	genKey := c.generationKey(id)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, genKey)
		if c.ttl > 0 {
			pipe.Expire(ctx, genKey, c.ttl+generationGrace)
		}
		pipe.Del(ctx, c.key(id))
		return nil
	})
	if err != nil {
		c.warn(ctx, "del", err)
	}
}

func (c *CachedStore) warn(ctx context.Context, op string, err error) {
	c.logger.WarnContext(ctx, "task_cache_error", slog.String("op", op), slog.String("error", err.Error()))
}
