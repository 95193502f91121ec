package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces directory keys.
const DefaultPrefix = "calculator:endpoints:"

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr     string
	Password string
	DB       int
	// Prefix is the key prefix (default: "calculator:endpoints:").
	Prefix string
}

var _ Directory = (*RedisDirectory)(nil)

// RedisDirectory implements Directory on Redis, so every node that shares
// the server sees the same registrations. Expiry is Redis key TTL.
type RedisDirectory struct {
	client *redis.Client
	prefix string
	mu     sync.RWMutex
	closed bool
}

// NewRedisDirectory connects to Redis and verifies the connection.
func NewRedisDirectory(ctx context.Context, cfg RedisConfig) (*RedisDirectory, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisDirectoryFromClient(client, cfg.Prefix), nil
}

// NewRedisDirectoryFromClient wraps an existing client.
func NewRedisDirectoryFromClient(client *redis.Client, prefix string) *RedisDirectory {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &RedisDirectory{client: client, prefix: prefix}
}

func (d *RedisDirectory) key(name string) string {
	return d.prefix + name
}

func (d *RedisDirectory) checkOpen() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	return nil
}

func (d *RedisDirectory) Register(ctx context.Context, name string, e Entry, ttl time.Duration) error {
	if err := validName(name); err != nil {
		return err
	}
	if err := d.checkOpen(); err != nil {
		return err
	}
	e.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := d.client.Set(ctx, d.key(name), data, ttl).Err(); err != nil {
		return fmt.Errorf("register %s: %w", name, err)
	}
	return nil
}

func (d *RedisDirectory) Lookup(ctx context.Context, name string) (Entry, error) {
	if err := d.checkOpen(); err != nil {
		return Entry{}, err
	}
	data, err := d.client.Get(ctx, d.key(name)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, fmt.Errorf("lookup %s: %w", name, err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, fmt.Errorf("unmarshal entry: %w", err)
	}
	return e, nil
}

func (d *RedisDirectory) Deregister(ctx context.Context, name string) error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	if err := d.client.Del(ctx, d.key(name)).Err(); err != nil {
		return fmt.Errorf("deregister %s: %w", name, err)
	}
	return nil
}

func (d *RedisDirectory) Names(ctx context.Context) ([]string, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	var names []string
	iter := d.client.Scan(ctx, 0, d.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		names = append(names, strings.TrimPrefix(iter.Val(), d.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	slices.Sort(names)
	return names, nil
}

// Ping checks if the Redis connection is alive.
func (d *RedisDirectory) Ping(ctx context.Context) error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	return d.client.Ping(ctx).Err()
}

func (d *RedisDirectory) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.client.Close()
}
