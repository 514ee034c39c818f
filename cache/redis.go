package cache

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Serializer selects how values cross the wire to the remote backend.
type Serializer string

const (
	SerializerJSON    Serializer = "json"
	SerializerOpaque  Serializer = "opaque-binary"
	SerializerCompact Serializer = "compact-binary"
)

// Redis implements Backend against a Redis/Valkey/DragonflyDB-compatible
// server, with a namespace prefix plus a pluggable Serializer. Get and Set
// retry their network call up to retryLimit extra times via withRetry;
// Delete, DeletePattern, Clear and Stats are issued once.
type Redis struct {
	client *redis.Client
	namespace string
	serializer Serializer
	retryLimit int
}

// RedisOptions configures a Redis backend (cache.* table).
type RedisOptions struct {
	URL string
	Namespace string
	Serializer Serializer
	MaxConns int
}

// NewRedis parses url and connects, pinging once to surface a
// ConnectionError early rather than on first use.
func NewRedis(opts RedisOptions) (*Redis, error) {
	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("cache: parsing redis url: %w", err)
	}
	if opts.MaxConns > 0 {
		redisOpts.PoolSize = opts.MaxConns
	}
	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, &ConnectionError{Error{Op: "connect", Cause: err}}
	}

	ser := opts.Serializer
	if ser == "" {
		ser = SerializerJSON
	}
	return &Redis{client: client, namespace: opts.Namespace, serializer: ser, retryLimit: 2}, nil
}

func (r *Redis) namespacedKey(key string) string {
	if r.namespace == "" {
		return key
	}
	return r.namespace + ":" + key
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.withRetry(ctx, func(ctx context.Context) ([]byte, error) {
		return r.client.Get(ctx, r.namespacedKey(key)).Bytes()
	})
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, &ConnectionError{Error{Op: "get", Cause: err}}
	}
	out, err := DecodeValue(r.serializer, data)
	if err != nil {
		return nil, &Error{Op: "decode", Cause: err}
	}
	return out, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	encoded, err := EncodeValue(r.serializer, value)
	if err != nil {
		return &Error{Op: "encode", Cause: err}
	}
	_, err = r.withRetry(ctx, func(ctx context.Context) ([]byte, error) {
		return nil, r.client.Set(ctx, r.namespacedKey(key), encoded, ttl).Err()
	})
	if err != nil {
		return &ConnectionError{Error{Op: "set", Cause: err}}
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.namespacedKey(key)).Err()
}

// DeletePattern scans for keys matching glob and removes them via Keys
// followed by a Del-by-key batch, rather than a cursor-based SCAN.
func (r *Redis) DeletePattern(ctx context.Context, glob string) error {
	keys, err := r.client.Keys(ctx, r.namespacedKey(glob)).Result()
	if err != nil {
		return &ConnectionError{Error{Op: "delete_pattern", Cause: err}}
	}
	if len(keys) == 0 {
		return nil
	}
	return r.client.Del(ctx, keys...).Err()
}

func (r *Redis) Clear(ctx context.Context) error {
	return r.DeletePattern(ctx, "*")
}

func (r *Redis) Stats(ctx context.Context) (Stats, error) {
	dbSize, err := r.client.DBSize(ctx).Result()
	if err != nil {
		return Stats{}, &ConnectionError{Error{Op: "stats", Cause: err}}
	}
	return Stats{Size: int(dbSize)}, nil
}

func (r *Redis) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *Redis) withRetry(ctx context.Context, fn func(context.Context) ([]byte, error)) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= r.retryLimit; attempt++ {
		data, err := fn(ctx)
		if err == nil || errors.Is(err, redis.Nil) {
			return data, err
		}
		lastErr = err
		if attempt < r.retryLimit {
			time.Sleep(time.Duration(attempt+1) * 20 * time.Millisecond)
		}
	}
	return nil, lastErr
}

// EncodeValue serializes v per the configured Serializer before it crosses
// the wire to the remote backend.
// SerializerJSON and SerializerCompact both pass the already-JSON-encoded
// bytes the Manager hands the backend through unchanged; SerializerOpaque
// wraps them in a gob envelope.
func EncodeValue(ser Serializer, v []byte) ([]byte, error) {
	switch ser {
	case SerializerOpaque:
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(v); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return v, nil
	}
}

// DecodeValue reverses EncodeValue.
func DecodeValue(ser Serializer, v []byte) ([]byte, error) {
	switch ser {
	case SerializerOpaque:
		var out []byte
		if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&out); err != nil {
			return nil, err
		}
		return out, nil
	default:
		return v, nil
	}
}
