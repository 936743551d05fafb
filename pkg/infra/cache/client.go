package cache

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// Keyspace shared with the backend, the biometric service and the admin
// pages. Risk/block keys are owned here; geo/security/rl keys are written
// by other trusted components and only read.
const (
	RiskKeyPattern     = "shield:risk:%s"
	RiskLogKeyPattern  = "shield:logs:%s"
	BlockKeyPattern    = "shield:block:%s"
	BlockCountKey      = "shield:block_count"
	VPNCacheKeyPattern = "shield:vpn:%s"

	GeoCacheKeyPattern     = "geo:ip:%s"
	GeoSettingsKey         = "geo:settings"
	GeoBlockedCountriesKey = "geo:blocked_countries"
	SecuritySettingsKey    = "security:settings"

	BiometricRateKeyPattern  = "rl:biometric:ip:%s"
	LoginRateKeyPattern      = "rl:login:ip:%s"
	EnrollmentRateKeyPattern = "rl:enrollment:ip:%s"
)

//go:generate mockery --name=Client --dir=. --output=./mocks --filename=client_mock.go --case=underscore --with-expecter
type Client interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, expiration time.Duration) error
	Delete(ctx context.Context, key string) error
	Incr(ctx context.Context, key string) (int64, error)
	IncrBy(ctx context.Context, key string, amount int64) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Exists(ctx context.Context, key string) (bool, error)
	LPush(ctx context.Context, key string, value string) error
	LTrim(ctx context.Context, key string, start, stop int64) error
	ZCard(ctx context.Context, key string) (int64, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
	ScanKeys(ctx context.Context, pattern string) ([]string, error)
	Ping(ctx context.Context) error
	RedisClient() *redis.Client
}

type Config struct {
	Host     string
	Port     int
	Password string
	DB       int
	TLS      bool
}

type client struct {
	redisClient *redis.Client
}

func NewClient(config Config, logger *logrus.Logger) (Client, error) {
	options := &redis.Options{
		Addr:     fmt.Sprintf("%s:%d", config.Host, config.Port),
		Password: config.Password,
		DB:       config.DB,
	}
	if config.TLS {
		options.TLSConfig = &tls.Config{
			InsecureSkipVerify: true, // #nosec G402
		}
	}
	redisClient := redis.NewClient(options)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.WithFields(logrus.Fields{
			"host":  config.Host,
			"port":  config.Port,
			"error": err.Error(),
		}).Error("failed to connect to redis")
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"host": config.Host,
		"port": config.Port,
	}).Info("redis connected successfully")

	return &client{redisClient: redisClient}, nil
}

// NewClientWithRedis wraps an existing redis client. Used by tests and by
// callers that manage the connection themselves.
func NewClientWithRedis(redisClient *redis.Client) Client {
	return &client{redisClient: redisClient}
}

func (c *client) Get(ctx context.Context, key string) (string, error) {
	return c.redisClient.Get(ctx, key).Result()
}

func (c *client) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return c.redisClient.Set(ctx, key, value, expiration).Err()
}

func (c *client) Delete(ctx context.Context, key string) error {
	return c.redisClient.Del(ctx, key).Err()
}

func (c *client) Incr(ctx context.Context, key string) (int64, error) {
	return c.redisClient.Incr(ctx, key).Result()
}

func (c *client) IncrBy(ctx context.Context, key string, amount int64) (int64, error) {
	return c.redisClient.IncrBy(ctx, key, amount).Result()
}

func (c *client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.redisClient.Expire(ctx, key, ttl).Err()
}

func (c *client) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.redisClient.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *client) LPush(ctx context.Context, key string, value string) error {
	return c.redisClient.LPush(ctx, key, value).Err()
}

func (c *client) LTrim(ctx context.Context, key string, start, stop int64) error {
	return c.redisClient.LTrim(ctx, key, start, stop).Err()
}

func (c *client) ZCard(ctx context.Context, key string) (int64, error) {
	return c.redisClient.ZCard(ctx, key).Result()
}

func (c *client) TTL(ctx context.Context, key string) (time.Duration, error) {
	return c.redisClient.TTL(ctx, key).Result()
}

// ScanKeys walks the keyspace with SCAN rather than KEYS so the enumeration
// stays bounded-cost on the server. Not for the request hot path.
func (c *client) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var (
		cursor uint64
		found  []string
	)
	for {
		keys, nextCursor, err := c.redisClient.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("error scanning keys: %w", err)
		}
		found = append(found, keys...)
		cursor = nextCursor
		if cursor == 0 {
			break
		}
	}
	return found, nil
}

func (c *client) Ping(ctx context.Context) error {
	return c.redisClient.Ping(ctx).Err()
}

func (c *client) RedisClient() *redis.Client {
	return c.redisClient
}
