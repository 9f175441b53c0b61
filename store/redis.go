package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/rushteam/streamrank/core"
	"github.com/rushteam/streamrank/pkg/logging"
)

// DefaultChangeChannel 是 Redis 变更通知使用的 pub/sub channel
const DefaultChangeChannel = "streamrank:changes"

// RedisStore 是 Redis 实现的 Store，多进程共享模型产物与样本。
// 写入后在 pub/sub channel 上发布变更，其他进程通过 Watch 接收。
type RedisStore struct {
	client  *redis.Client
	channel string
	logger  zerolog.Logger
}

// RedisOptions 是 RedisStore 的连接参数
type RedisOptions struct {
	Addr     string `koanf:"addr" validate:"required"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db" validate:"gte=0"`
	Channel  string `koanf:"channel"`
}

func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("store: redis ping %s: %w", opts.Addr, err)
	}
	return NewRedisStoreFromClient(client, opts.Channel), nil
}

// NewRedisStoreFromClient 使用已有的 client，channel 为空时使用默认值
func NewRedisStoreFromClient(client *redis.Client, channel string) *RedisStore {
	if channel == "" {
		channel = DefaultChangeChannel
	}
	return &RedisStore{client: client, channel: channel, logger: logging.Component("store.redis")}
}

func (r *RedisStore) Name() string { return "redis" }

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, core.ErrStoreNotFound
	}
	return val, err
}

// Set 写入并发布变更；旧值通过 SET ... GET 原子取得
func (r *RedisStore) Set(ctx context.Context, key string, value []byte, ttl ...int) error {
	prev, err := r.client.SetArgs(ctx, key, value, redis.SetArgs{TTL: expiration(ttl), Get: true}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	var old []byte
	if err == nil {
		old = []byte(prev)
	}
	r.notify(ctx, core.Change{Key: key, Old: old, New: value})
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	old, err := r.client.GetDel(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return r.client.Del(ctx, key).Err()
	}
	if err != nil {
		return err
	}
	r.notify(ctx, core.Change{Key: key, Old: old})
	return nil
}

func (r *RedisStore) BatchGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	if len(keys) == 0 {
		return make(map[string][]byte), nil
	}

	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	result := make(map[string][]byte, len(keys))
	for i, k := range keys {
		if s, ok := vals[i].(string); ok {
			result[k] = []byte(s)
		}
	}
	return result, nil
}

func (r *RedisStore) BatchSet(ctx context.Context, kvs map[string][]byte, ttl ...int) error {
	pipe := r.client.Pipeline()
	exp := expiration(ttl)
	for k, v := range kvs {
		pipe.Set(ctx, k, v, exp)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	for k, v := range kvs {
		r.notify(ctx, core.Change{Key: k, New: v})
	}
	return nil
}

// Append 使用 RPUSH
func (r *RedisStore) Append(ctx context.Context, key string, values ...[]byte) error {
	if len(values) == 0 {
		return nil
	}
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return r.client.RPush(ctx, key, args...).Err()
}

// Range 使用 LRANGE
func (r *RedisStore) Range(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	vals, err := r.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

// changeMessage 是 pub/sub 上的变更消息
type changeMessage struct {
	Key string `json:"key"`
	Old []byte `json:"old,omitempty"`
	New []byte `json:"new,omitempty"`
}

// notify 发布变更；发布失败只记录日志，不影响写入结果
func (r *RedisStore) notify(ctx context.Context, c core.Change) {
	payload, err := json.Marshal(changeMessage{Key: c.Key, Old: c.Old, New: c.New})
	if err != nil {
		r.logger.Warn().Err(err).Str("key", c.Key).Msg("encode change failed")
		return
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		r.logger.Warn().Err(err).Str("key", c.Key).Msg("publish change failed")
	}
}

// Watch 订阅 pub/sub channel 并过滤出 key 的变更。返回前订阅已经生效。
func (r *RedisStore) Watch(ctx context.Context, key string) (<-chan core.Change, error) {
	sub := r.client.Subscribe(ctx, r.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("store: subscribe %s: %w", r.channel, err)
	}

	h := newHub()
	out := h.subscribe(ctx, key)
	go func() {
		defer func() { _ = sub.Close() }()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					h.closeAll()
					return
				}
				var c changeMessage
				if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
					r.logger.Warn().Err(err).Msg("decode change failed")
					continue
				}
				h.publish(core.Change{Key: c.Key, Old: c.Old, New: c.New})
			}
		}
	}()
	return out, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func expiration(ttl []int) time.Duration {
	if len(ttl) > 0 && ttl[0] > 0 {
		return time.Duration(ttl[0]) * time.Second
	}
	return 0
}

var (
	_ core.Store     = (*RedisStore)(nil)
	_ core.Watcher   = (*RedisStore)(nil)
	_ core.ListStore = (*RedisStore)(nil)
)
