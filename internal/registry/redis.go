package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"time"

	"github.com/juju/clock"
	redis "github.com/redis/go-redis/v9"
)

const maxTxRetries = 8

var _ Registry = (*Redis)(nil)

// Redis stores connections so several service instances can share one
// registry. Layout under prefix:
//
//	<prefix>:conn:<id>     hash {expires, topics}
//	<prefix>:topic:<topic> set of connection ids
//	<prefix>:expiry        zset of connection ids scored by expiry (unix ms)
//
// Every read-modify-write runs as a WATCH/MULTI transaction on the
// connection's hash, retried on conflict.
type Redis struct {
	client *redis.Client
	prefix string
	clock  clock.Clock
}

func NewRedis(client *redis.Client, prefix string, c clock.Clock) *Redis {
	if c == nil {
		c = clock.WallClock
	}
	if prefix == "" {
		prefix = "registry"
	}
	return &Redis{client: client, prefix: prefix, clock: c}
}

func (r *Redis) connKey(id string) string     { return r.prefix + ":conn:" + id }
func (r *Redis) topicKey(topic string) string { return r.prefix + ":topic:" + topic }
func (r *Redis) expiryKey() string            { return r.prefix + ":expiry" }

func expiryScore(t time.Time) float64 {
	if t.IsZero() {
		return float64(math.MaxInt64)
	}
	return float64(t.UnixMilli())
}

func (r *Redis) load(ctx context.Context, cmd redis.Cmdable, id string) (Connection, bool, error) {
	fields, err := cmd.HGetAll(ctx, r.connKey(id)).Result()
	if err != nil {
		return Connection{}, false, storageErr("get", fmt.Errorf("redis HGETALL %s: %w", r.connKey(id), err))
	}
	if len(fields) == 0 {
		return Connection{}, false, nil
	}

	c := Connection{ID: id, Subscriptions: []string{}}
	if raw := fields["expires"]; raw != "" && raw != "0" {
		nanos, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Connection{}, false, storageErr("get", fmt.Errorf("parse expiry of %s: %w", id, err))
		}
		c.ExpiresAt = time.Unix(0, nanos).UTC()
	}
	if raw := fields["topics"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &c.Subscriptions); err != nil {
			return Connection{}, false, storageErr("get", fmt.Errorf("decode topics of %s: %w", id, err))
		}
	}
	return c, true, nil
}

func expiryField(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixNano(), 10)
}

// watch runs fn as an optimistic transaction over the connection hash.
func (r *Redis) watch(ctx context.Context, op, id string, fn func(tx *redis.Tx) error) error {
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := r.client.Watch(ctx, fn, r.connKey(id))
		switch {
		case errors.Is(err, redis.TxFailedErr):
			continue
		case err == nil,
			errors.Is(err, ErrNotFound),
			errors.Is(err, ErrAlreadyExists),
			errors.Is(err, ErrStorage):
			return err
		default:
			return storageErr(op, err)
		}
	}
	return storageErr(op, fmt.Errorf("connection %s: too many concurrent updates", id))
}

func (r *Redis) AddConnection(ctx context.Context, id string, expiresAt time.Time) error {
	now := r.clock.Now()
	return r.watch(ctx, "add", id, func(tx *redis.Tx) error {
		existing, ok, err := r.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if ok && !existing.Expired(now) {
			return ErrAlreadyExists
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, t := range existing.Subscriptions {
				pipe.SRem(ctx, r.topicKey(t), id)
			}
			pipe.Del(ctx, r.connKey(id))
			pipe.HSet(ctx, r.connKey(id), "expires", expiryField(expiresAt), "topics", "[]")
			pipe.ZAdd(ctx, r.expiryKey(), redis.Z{Score: expiryScore(expiresAt), Member: id})
			return nil
		})
		return err
	})
}

func (r *Redis) RemoveConnection(ctx context.Context, id string) error {
	return r.watch(ctx, "remove", id, func(tx *redis.Tx) error {
		existing, _, err := r.load(ctx, tx, id)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			r.removeIn(ctx, pipe, existing, id)
			return nil
		})
		return err
	})
}

func (r *Redis) removeIn(ctx context.Context, pipe redis.Pipeliner, c Connection, id string) {
	for _, t := range c.Subscriptions {
		pipe.SRem(ctx, r.topicKey(t), id)
	}
	pipe.Del(ctx, r.connKey(id))
	pipe.ZRem(ctx, r.expiryKey(), id)
}

func (r *Redis) UpdateSubscriptions(ctx context.Context, id string, topics []string) error {
	next := NormalizeTopics(topics)
	encoded, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("marshal topics: %w", err)
	}

	return r.watch(ctx, "update subscriptions", id, func(tx *redis.Tx) error {
		existing, ok, err := r.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, t := range existing.Subscriptions {
				pipe.SRem(ctx, r.topicKey(t), id)
			}
			for _, t := range next {
				pipe.SAdd(ctx, r.topicKey(t), id)
			}
			pipe.HSet(ctx, r.connKey(id), "topics", string(encoded))
			return nil
		})
		return err
	})
}

func (r *Redis) FindBySubscription(ctx context.Context, topic string) ([]string, error) {
	ids, err := r.client.SMembers(ctx, r.topicKey(topic)).Result()
	if err != nil {
		return nil, storageErr("find", fmt.Errorf("redis SMEMBERS %s: %w", r.topicKey(topic), err))
	}
	slices.Sort(ids)
	return ids, nil
}

func (r *Redis) Refresh(ctx context.Context, id string, expiresAt time.Time) error {
	return r.watch(ctx, "refresh", id, func(tx *redis.Tx) error {
		_, ok, err := r.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, r.connKey(id), "expires", expiryField(expiresAt))
			pipe.ZAdd(ctx, r.expiryKey(), redis.Z{Score: expiryScore(expiresAt), Member: id})
			return nil
		})
		return err
	})
}

func (r *Redis) Get(ctx context.Context, id string) (Connection, error) {
	c, ok, err := r.load(ctx, r.client, id)
	if err != nil {
		return Connection{}, err
	}
	if !ok {
		return Connection{}, ErrNotFound
	}
	return c, nil
}

func (r *Redis) Sweep(ctx context.Context, grace time.Duration) (int, error) {
	cutoff := r.clock.Now().Add(-grace)
	ids, err := r.client.ZRangeByScore(ctx, r.expiryKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, storageErr("sweep", fmt.Errorf("redis ZRANGEBYSCORE %s: %w", r.expiryKey(), err))
	}

	removed := 0
	for _, id := range ids {
		var swept bool
		err := r.watch(ctx, "sweep", id, func(tx *redis.Tx) error {
			swept = false
			existing, ok, err := r.load(ctx, tx, id)
			if err != nil {
				return err
			}
			if ok && !existing.Expired(cutoff) {
				// refreshed since the range read
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				r.removeIn(ctx, pipe, existing, id)
				return nil
			})
			swept = ok && err == nil
			return err
		})
		if err != nil {
			return removed, err
		}
		if swept {
			removed++
		}
	}
	return removed, nil
}
