package sharedcache

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

//go:generate mockgen -source=client.go -destination=mock/client.go -package=mock

// Client is the subset of the redis client used by Store.
type Client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// ClientConfig holds connection settings for the shared tier.
type ClientConfig struct {
	URL          string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
}

var _ Client = (*redis.Client)(nil)

// NewRedisClient connects to redis://[:password@]host[:port][/db] and
// verifies the connection with PING.
func NewRedisClient(cfg ClientConfig, logger *slog.Logger) (Client, error) {
	opts, err := parseURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout
	opts.PoolSize = cfg.PoolSize

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to shared cache at %s: %w", opts.Addr, err)
	}

	if logger != nil {
		logger.Info("connected to shared cache",
			"address", opts.Addr,
			"db", opts.DB,
			"pool_size", opts.PoolSize,
		)
	}
	return client, nil
}

func parseURL(raw string) (*redis.Options, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse shared cache url: %w", err)
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return nil, fmt.Errorf("shared cache url must use redis:// or rediss://, got %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("shared cache url %q has no host", raw)
	}
	port := u.Port()
	if port == "" {
		port = "6379"
	}

	opts := &redis.Options{Addr: host + ":" + port}
	if u.User != nil {
		if pw, ok := u.User.Password(); ok {
			opts.Password = pw
		}
		if name := u.User.Username(); name != "" {
			opts.Username = name
		}
	}
	if len(u.Path) > 1 {
		db, err := strconv.Atoi(u.Path[1:])
		if err != nil {
			return nil, fmt.Errorf("shared cache url database %q is not a number", u.Path[1:])
		}
		opts.DB = db
	}
	return opts, nil
}
