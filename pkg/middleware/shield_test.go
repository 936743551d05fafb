package middleware_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	apprisk "github.com/dtg-labs/shieldgate/pkg/app/risk"
	"github.com/dtg-labs/shieldgate/pkg/common"
	"github.com/dtg-labs/shieldgate/pkg/config"
	domain "github.com/dtg-labs/shieldgate/pkg/domain/risk"
	"github.com/dtg-labs/shieldgate/pkg/infra/cache"
	"github.com/dtg-labs/shieldgate/pkg/infra/events"
	"github.com/dtg-labs/shieldgate/pkg/middleware"
	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubReputation struct{}

func (stubReputation) ResolveCountry(context.Context, string) (string, error) {
	return "", nil
}

func (stubReputation) CheckVPN(context.Context, string) (*domain.VPNReputation, error) {
	return &domain.VPNReputation{}, nil
}

func shieldTestConfig() config.ShieldConfig {
	return config.ShieldConfig{
		BlockThreshold:    100,
		AuthFailWeight:    40,
		AttestationWeight: 20,
		BlockDuration:     time.Hour,
		AdminPathPrefix:   "/api/v1/admin/",
		AuthPathPrefix:    "/api/v1/auth",
	}
}

func newTestApp(t *testing.T, backendStatus int) (*fiber.App, apprisk.Engine, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cacheClient := cache.NewClientWithRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	engine := apprisk.NewEngine(shieldTestConfig(), cacheClient, stubReputation{}, events.NewNoopPublisher(), logger)

	app := fiber.New()
	app.Use(middleware.NewShieldMiddleware(logger, engine, shieldTestConfig()).Middleware())
	app.All("/*", func(c *fiber.Ctx) error {
		return c.Status(backendStatus).SendString("backend says hi")
	})
	return app, engine, mr
}

func TestShieldMiddleware_ForwardsCleanTraffic(t *testing.T) {
	app, _, _ := newTestApp(t, fiber.StatusOK)

	req := httptest.NewRequest(fiber.MethodGet, "/api/v1/devices", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(common.ShieldLatencyHeader))
	assert.Empty(t, resp.Header.Get(common.ShieldBlockedHeader))
}

func TestShieldMiddleware_DeniesBlockedIdentity(t *testing.T) {
	app, engine, _ := newTestApp(t, fiber.StatusOK)
	require.NoError(t, engine.Block(context.Background(), "1.2.3.4", "operator action", time.Hour))

	req := httptest.NewRequest(fiber.MethodGet, "/api/v1/devices", nil)
	req.Header.Set(common.TrustedClientIPHeader, "1.2.3.4")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "true", resp.Header.Get(common.ShieldBlockedHeader))
	assert.NotEmpty(t, resp.Header.Get(common.ShieldLatencyHeader))

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "Access Denied by DTG Shield", body["error"])
	assert.Equal(t, "Shield Risk Block: operator action", body["reason"])
}

func TestShieldMiddleware_AdminBypassSkipsChecks(t *testing.T) {
	app, engine, _ := newTestApp(t, fiber.StatusOK)
	require.NoError(t, engine.Block(context.Background(), "1.2.3.4", "operator action", time.Hour))

	req := httptest.NewRequest(fiber.MethodGet, "/api/v1/admin/settings", nil)
	req.Header.Set(common.TrustedClientIPHeader, "1.2.3.4")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "admin", resp.Header.Get(common.ShieldBypassHeader))
}

func TestShieldMiddleware_IdentityTrustOrder(t *testing.T) {
	mr := miniredis.RunT(t)
	cacheClient := cache.NewClientWithRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	engine := apprisk.NewEngine(shieldTestConfig(), cacheClient, stubReputation{}, events.NewNoopPublisher(), logger)

	app := fiber.New()
	app.Use(middleware.NewShieldMiddleware(logger, engine, shieldTestConfig()).Middleware())
	app.Get("/whoami", func(c *fiber.Ctx) error {
		return c.SendString(c.Locals(common.ClientIPKey).(string))
	})

	tests := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{
			name:    "edge header wins",
			headers: map[string]string{common.TrustedClientIPHeader: "1.2.3.4", common.ForwardedForHeader: "5.6.7.8"},
			want:    "1.2.3.4",
		},
		{
			name:    "first forwarded hop",
			headers: map[string]string{common.ForwardedForHeader: "5.6.7.8, 9.9.9.9"},
			want:    "5.6.7.8",
		},
		{
			name:    "peer address fallback",
			headers: map[string]string{},
			want:    "0.0.0.0",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(fiber.MethodGet, "/whoami", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			resp, err := app.Test(req, -1)
			require.NoError(t, err)
			defer func() { _ = resp.Body.Close() }()

			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(body))
		})
	}
}

func TestShieldMiddleware_ScoresAuthFailures(t *testing.T) {
	app, _, mr := newTestApp(t, fiber.StatusUnauthorized)

	req := httptest.NewRequest(fiber.MethodPost, "/api/v1/auth/login", nil)
	req.Header.Set(common.TrustedClientIPHeader, "1.2.3.4")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	// Scoring runs on the worker pool after the response is written.
	require.Eventually(t, func() bool {
		score, err := mr.Get("shield:risk:1.2.3.4")
		return err == nil && score == "40"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestShieldMiddleware_ScoresRateLimitedResponses(t *testing.T) {
	app, _, mr := newTestApp(t, fiber.StatusTooManyRequests)

	req := httptest.NewRequest(fiber.MethodGet, "/api/v1/devices", nil)
	req.Header.Set(common.TrustedClientIPHeader, "1.2.3.4")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	_ = resp.Body.Close()

	require.Eventually(t, func() bool {
		score, err := mr.Get("shield:risk:1.2.3.4")
		return err == nil && score == "40"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestShieldMiddleware_UnauthorizedOutsideAuthPathNotScored(t *testing.T) {
	app, _, mr := newTestApp(t, fiber.StatusUnauthorized)

	req := httptest.NewRequest(fiber.MethodGet, "/api/v1/devices", nil)
	req.Header.Set(common.TrustedClientIPHeader, "1.2.3.4")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	_ = resp.Body.Close()

	time.Sleep(100 * time.Millisecond)
	assert.False(t, mr.Exists("shield:risk:1.2.3.4"))
}
