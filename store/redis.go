// Copyright 2024 The zaku Authors
// This file is part of the zaku library.
//
// The zaku library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The zaku library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the zaku library. If not, see <http://www.gnu.org/licenses/>.

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	redisDialTimeout = 5 * time.Second
	redisMaxRetries  = 4
	scanBatch        = 256
)

// RedisConfig carries the connection parameters for the redis provider.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Redis implements Store on a redis server. JSON documents are stored
// as serialized strings, binary payloads as raw string values. Write
// and read failures are retried with exponential backoff before being
// surfaced as ErrUnavailable.
type Redis struct {
	client *redis.Client
	log    *logrus.Entry
}

// NewRedis connects to redis and verifies the connection with a ping.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, redisDialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &Redis{
		client: client,
		log:    logrus.WithField("component", "store"),
	}, nil
}

// retry runs op with bounded exponential backoff. Context cancellation
// and redis.Nil pass through untouched; everything else is assumed
// transient until the attempt budget runs out.
func (r *Redis) retry(ctx context.Context, op func() error) error {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), redisMaxRetries), ctx)
	err := backoff.Retry(func() error {
		err := op()
		switch {
		case err == nil:
			return nil
		case errors.Is(err, redis.Nil):
			return backoff.Permanent(err)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return backoff.Permanent(err)
		default:
			r.log.WithError(err).Warn("redis op failed, retrying")
			return err
		}
	}, bo)
	if err != nil && !errors.Is(err, redis.Nil) && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

func (r *Redis) SetJSON(ctx context.Context, key string, v any) error {
	doc, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return r.retry(ctx, func() error {
		return r.client.Set(ctx, key, doc, 0).Err()
	})
}

func (r *Redis) SetJSONNX(ctx context.Context, key string, v any) (bool, error) {
	doc, err := json.Marshal(v)
	if err != nil {
		return false, err
	}
	var wrote bool
	err = r.retry(ctx, func() error {
		var err error
		wrote, err = r.client.SetNX(ctx, key, doc, 0).Result()
		return err
	})
	return wrote, err
}

func (r *Redis) GetJSON(ctx context.Context, key string, out any) (bool, error) {
	var raw []byte
	err := r.retry(ctx, func() error {
		var err error
		raw, err = r.client.Get(ctx, key).Bytes()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(raw, out)
}

func (r *Redis) SetBytes(ctx context.Context, key string, data []byte) error {
	return r.retry(ctx, func() error {
		return r.client.Set(ctx, key, data, 0).Err()
	})
}

func (r *Redis) GetBytes(ctx context.Context, key string) ([]byte, bool, error) {
	var raw []byte
	err := r.retry(ctx, func() error {
		var err error
		raw, err = r.client.Get(ctx, key).Bytes()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

func (r *Redis) PushHead(ctx context.Context, key string, vals ...string) error {
	return r.retry(ctx, func() error {
		return r.client.LPush(ctx, key, toAny(vals)...).Err()
	})
}

func (r *Redis) PushTail(ctx context.Context, key string, vals ...string) error {
	return r.retry(ctx, func() error {
		return r.client.RPush(ctx, key, toAny(vals)...).Err()
	})
}

func (r *Redis) PopHead(ctx context.Context, key string) (string, bool, error) {
	var val string
	err := r.retry(ctx, func() error {
		var err error
		val, err = r.client.LPop(ctx, key).Result()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (r *Redis) ListLen(ctx context.Context, key string) (int64, error) {
	var n int64
	err := r.retry(ctx, func() error {
		var err error
		n, err = r.client.LLen(ctx, key).Result()
		return err
	})
	return n, err
}

func (r *Redis) SetAdd(ctx context.Context, key string, members ...string) error {
	return r.retry(ctx, func() error {
		return r.client.SAdd(ctx, key, toAny(members)...).Err()
	})
}

func (r *Redis) SetRemove(ctx context.Context, key string, members ...string) error {
	return r.retry(ctx, func() error {
		return r.client.SRem(ctx, key, toAny(members)...).Err()
	})
}

func (r *Redis) SetMembers(ctx context.Context, key string) ([]string, error) {
	var members []string
	err := r.retry(ctx, func() error {
		var err error
		members, err = r.client.SMembers(ctx, key).Result()
		return err
	})
	return members, err
}

func (r *Redis) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	var n int64
	err := r.retry(ctx, func() error {
		var err error
		n, err = r.client.Del(ctx, keys...).Result()
		return err
	})
	return n, err
}

func (r *Redis) ScanPrefix(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := r.retry(ctx, func() error {
		keys = keys[:0]
		iter := r.client.Scan(ctx, 0, prefix+"*", scanBatch).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		return iter.Err()
	})
	return keys, err
}

func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	var n int64
	err := r.retry(ctx, func() error {
		var err error
		n, err = r.client.Publish(ctx, channel, payload).Result()
		return err
	})
	return n, err
}

func (r *Redis) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := r.client.Subscribe(ctx, channel)
	// Wait for the subscription to be confirmed so that a Publish
	// issued after Subscribe returns is guaranteed to be seen.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	sub := &redisSubscription{ps: ps, events: make(chan []byte, 64)}
	go sub.pump()
	return sub, nil
}

type redisSubscription struct {
	ps     *redis.PubSub
	events chan []byte
}

func (s *redisSubscription) pump() {
	defer close(s.events)
	for msg := range s.ps.Channel() {
		s.events <- []byte(msg.Payload)
	}
}

func (s *redisSubscription) Events() <-chan []byte { return s.events }

func (s *redisSubscription) Close() error { return s.ps.Close() }

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error { return r.client.Close() }

func toAny(vals []string) []any {
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = v
	}
	return out
}
