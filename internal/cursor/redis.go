package cursor

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/marko911/lnpulse/pkg/domain"
)

const (
	keyCursor = "cursor:"
	keyHeight = "height:"
)

// advanceScript raises each hash field to at least the given value.
// KEYS[1] is the hash; ARGV holds field/value pairs.
var advanceScript = redis.NewScript(`
for i = 1, #ARGV, 2 do
	local cur = tonumber(redis.call('HGET', KEYS[1], ARGV[i]) or '0')
	if tonumber(ARGV[i+1]) > cur then
		redis.call('HSET', KEYS[1], ARGV[i], ARGV[i+1])
	end
end
return 1
`)

// setHeightScript stores height and hash unless a higher height is present.
var setHeightScript = redis.NewScript(`
local cur = tonumber(redis.call('HGET', KEYS[1], 'height') or '-1')
if tonumber(ARGV[1]) >= cur then
	redis.call('HSET', KEYS[1], 'height', ARGV[1], 'hash', ARGV[2])
	return 1
end
return 0
`)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	KeyPrefix string
}

// Redis is a Store backed by Redis hashes, so positions survive gateway
// restarts.
type Redis struct {
	client    *redis.Client
	keyPrefix string
}

func NewRedis(cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Redis{
		client:    client,
		keyPrefix: cfg.KeyPrefix,
	}, nil
}

func NewRedisWithClient(client *redis.Client, keyPrefix string) *Redis {
	return &Redis{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

func (r *Redis) key(parts ...string) string {
	result := r.keyPrefix
	for _, p := range parts {
		result += p
	}
	return result
}

func (r *Redis) Load(ctx context.Context, source string, stream domain.StreamKind) (domain.Cursor, error) {
	vals, err := r.client.HGetAll(ctx, r.key(keyCursor, source, ":", stream.String())).Result()
	if err != nil {
		return domain.Cursor{}, fmt.Errorf("load cursor: %w", err)
	}

	var c domain.Cursor
	if c.AddIndex, err = parseIndex(vals["add_index"]); err != nil {
		return domain.Cursor{}, err
	}
	if c.SettleIndex, err = parseIndex(vals["settle_index"]); err != nil {
		return domain.Cursor{}, err
	}
	return c, nil
}

func (r *Redis) Save(ctx context.Context, source string, stream domain.StreamKind, c domain.Cursor) error {
	if c.IsZero() {
		return nil
	}
	key := r.key(keyCursor, source, ":", stream.String())
	err := advanceScript.Run(ctx, r.client, []string{key},
		"add_index", c.AddIndex,
		"settle_index", c.SettleIndex,
	).Err()
	if err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}

func (r *Redis) LoadHeight(ctx context.Context, source string) (uint32, string, error) {
	vals, err := r.client.HGetAll(ctx, r.key(keyHeight, source)).Result()
	if err != nil {
		return 0, "", fmt.Errorf("load height: %w", err)
	}
	h, err := parseIndex(vals["height"])
	if err != nil {
		return 0, "", err
	}
	return uint32(h), vals["hash"], nil
}

func (r *Redis) SaveHeight(ctx context.Context, source string, height uint32, hash string) error {
	err := setHeightScript.Run(ctx, r.client, []string{r.key(keyHeight, source)}, height, hash).Err()
	if err != nil {
		return fmt.Errorf("save height: %w", err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func parseIndex(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse cursor index %q: %w", s, err)
	}
	return v, nil
}
