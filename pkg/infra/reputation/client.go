package reputation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dtg-labs/shieldgate/pkg/common"
	"github.com/dtg-labs/shieldgate/pkg/domain/risk"
	"github.com/dtg-labs/shieldgate/pkg/infra/cache"
	"github.com/dtg-labs/shieldgate/pkg/infra/httpx"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

//go:generate mockery --name=Client --dir=. --output=./mocks --filename=client_mock.go --case=underscore --with-expecter

// Client resolves identity reputation through an external lookup service.
// Results are memoized in the shared store for an hour; failures are never
// cached so a transient outage is retried on the next request.
type Client interface {
	ResolveCountry(ctx context.Context, ip string) (string, error)
	CheckVPN(ctx context.Context, ip string) (*risk.VPNReputation, error)
}

type Config struct {
	BaseURL        string
	Timeout        time.Duration
	BreakerTimeout time.Duration
	MaxFailures    uint32
}

type client struct {
	cache   cache.Client
	http    *http.Client
	baseURL string
	breaker httpx.CircuitBreaker
	group   singleflight.Group
	logger  *logrus.Logger
}

type lookupResponse struct {
	Status      string `json:"status"`
	CountryCode string `json:"countryCode"`
	Proxy       bool   `json:"proxy"`
	Hosting     bool   `json:"hosting"`
	Query       string `json:"query"`
}

func NewClient(cfg Config, cacheClient cache.Client, logger *logrus.Logger) Client {
	return &client{
		cache:   cacheClient,
		http:    &http.Client{Timeout: cfg.Timeout},
		baseURL: cfg.BaseURL,
		breaker: httpx.NewCircuitBreaker("reputation", cfg.BreakerTimeout, cfg.MaxFailures),
		logger:  logger,
	}
}

func (c *client) ResolveCountry(ctx context.Context, ip string) (string, error) {
	cacheKey := fmt.Sprintf(cache.GeoCacheKeyPattern, ip)
	cached, err := c.cache.Get(ctx, cacheKey)
	if err == nil {
		entry := new(risk.GeoReputation)
		if err := json.Unmarshal([]byte(cached), entry); err != nil {
			return "", fmt.Errorf("malformed geo cache entry for %s: %w", ip, err)
		}
		return entry.CountryCode, nil
	}
	if err != redis.Nil {
		return "", fmt.Errorf("geo cache read failed for %s: %w", ip, err)
	}

	result, err, _ := c.group.Do("geo:"+ip, func() (interface{}, error) {
		data, err := c.lookup(ctx, ip, "status,countryCode")
		if err != nil {
			return nil, err
		}
		if data.Status != "success" {
			return "", nil
		}
		entry := &risk.GeoReputation{CountryCode: data.CountryCode, IP: ip}
		c.store(ctx, cacheKey, entry)
		return data.CountryCode, nil
	})
	if err != nil {
		return "", err
	}
	code, ok := result.(string)
	if !ok {
		return "", fmt.Errorf("unexpected geo lookup result type %T", result)
	}
	return code, nil
}

func (c *client) CheckVPN(ctx context.Context, ip string) (*risk.VPNReputation, error) {
	cacheKey := fmt.Sprintf(cache.VPNCacheKeyPattern, ip)
	cached, err := c.cache.Get(ctx, cacheKey)
	if err == nil {
		entry := new(risk.VPNReputation)
		if err := json.Unmarshal([]byte(cached), entry); err != nil {
			return nil, fmt.Errorf("malformed vpn cache entry for %s: %w", ip, err)
		}
		return entry, nil
	}
	if err != redis.Nil {
		return nil, fmt.Errorf("vpn cache read failed for %s: %w", ip, err)
	}

	result, err, _ := c.group.Do("vpn:"+ip, func() (interface{}, error) {
		data, err := c.lookup(ctx, ip, "status,proxy,hosting,query")
		if err != nil {
			return nil, err
		}
		if data.Status != "success" {
			return &risk.VPNReputation{}, nil
		}
		entry := &risk.VPNReputation{
			IsVPN:  data.Proxy || data.Hosting,
			Reason: fmt.Sprintf("proxy=%t, hosting=%t", data.Proxy, data.Hosting),
		}
		c.store(ctx, cacheKey, entry)
		return entry, nil
	})
	if err != nil {
		return nil, err
	}
	entry, ok := result.(*risk.VPNReputation)
	if !ok {
		return nil, fmt.Errorf("unexpected vpn lookup result type %T", result)
	}
	return entry, nil
}

func (c *client) lookup(ctx context.Context, ip, fields string) (*lookupResponse, error) {
	var data lookupResponse
	err := c.breaker.Execute(func() error {
		url := fmt.Sprintf("%s/json/%s?fields=%s", c.baseURL, ip, fields)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("failed to build lookup request: %w", err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("lookup request failed: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()
		body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if err != nil {
			return fmt.Errorf("failed to read lookup response: %w", err)
		}
		if err := json.Unmarshal(body, &data); err != nil {
			return fmt.Errorf("failed to decode lookup response: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &data, nil
}

// store caches a successful lookup. A write failure only costs a repeat
// lookup later, so it is logged and swallowed.
func (c *client) store(ctx context.Context, key string, entry interface{}) {
	payload, err := json.Marshal(entry)
	if err != nil {
		c.logger.WithError(err).Error("failed to marshal reputation cache entry")
		return
	}
	if err := c.cache.Set(ctx, key, string(payload), common.ReputationCacheTTL); err != nil {
		c.logger.WithError(err).WithField("key", key).Error("failed to cache reputation result")
	}
}
