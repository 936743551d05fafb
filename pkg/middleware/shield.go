package middleware

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	apprisk "github.com/dtg-labs/shieldgate/pkg/app/risk"
	"github.com/dtg-labs/shieldgate/pkg/common"
	"github.com/dtg-labs/shieldgate/pkg/config"
	"github.com/dtg-labs/shieldgate/pkg/infra/prometheus"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type shieldMiddleware struct {
	logger         *logrus.Logger
	engine         apprisk.Engine
	adminPrefix    string
	authPrefix     string
	authFailWeight int
	taskChan       chan func()
}

// NewShieldMiddleware intercepts every request: identity extraction, admin
// bypass, block check, and post-hoc scoring of backend auth failures. The
// post-hoc scoring runs on a small worker pool so the response is never
// held back by Redis.
func NewShieldMiddleware(
	logger *logrus.Logger,
	engine apprisk.Engine,
	cfg config.ShieldConfig,
) Middleware {
	m := &shieldMiddleware{
		logger:         logger,
		engine:         engine,
		adminPrefix:    cfg.AdminPathPrefix,
		authPrefix:     cfg.AuthPathPrefix,
		authFailWeight: cfg.AuthFailWeight,
		taskChan:       make(chan func(), 1000),
	}
	go m.startWorkers(2)
	return m
}

func (m *shieldMiddleware) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		clientIP := m.clientIP(c)
		traceID := uuid.New().String()
		c.Locals(common.ClientIPKey, clientIP)
		c.Locals(common.TraceIdKey, traceID)

		// Admin routes bypass all risk/geo/policy checks; the backend's
		// own admin auth still applies, so blocked operators can recover
		// a gateway that has locked everyone out.
		if strings.HasPrefix(c.Path(), m.adminPrefix) {
			err := c.Next()
			c.Set(common.ShieldBypassHeader, "admin")
			prometheus.ShieldRequestLatency.WithLabelValues("bypass").Observe(0)
			return err
		}

		start := time.Now()

		reqCtx := &apprisk.RequestContext{
			AttestationToken: c.Get(common.AttestationTokenHeader),
		}
		blocked, reason := m.engine.IsBlocked(c.Context(), clientIP, reqCtx)
		if blocked {
			latency := time.Since(start)
			m.logger.WithFields(logrus.Fields{
				"identity": clientIP,
				"trace_id": traceID,
				"reason":   reason,
				"path":     c.Path(),
			}).Warn("request denied")

			c.Set(common.ShieldBlockedHeader, "true")
			c.Set(common.ShieldLatencyHeader, strconv.FormatInt(latency.Milliseconds(), 10))
			prometheus.ShieldRequestLatency.WithLabelValues("denied").Observe(float64(latency.Milliseconds()))
			prometheus.ShieldRequestTotal.WithLabelValues(c.Method(), "403").Inc()
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error":  "Access Denied by DTG Shield",
				"reason": reason,
			})
		}

		err := c.Next()

		latency := time.Since(start)
		status := c.Response().StatusCode()
		m.scoreBackendSignals(clientIP, c.Path(), status)

		c.Set(common.ShieldLatencyHeader, strconv.FormatInt(latency.Milliseconds(), 10))
		prometheus.ShieldRequestLatency.WithLabelValues("forwarded").Observe(float64(latency.Milliseconds()))
		prometheus.ShieldRequestTotal.WithLabelValues(c.Method(), statusClass(status)).Inc()
		return err
	}
}

// clientIP resolves the identity for all downstream policy state. The
// order is a trust hierarchy: the edge-set header is stripped of forgeries
// upstream, the forwarding header is client-supplied, the peer address is
// the fallback. Do not reorder.
func (m *shieldMiddleware) clientIP(c *fiber.Ctx) string {
	if ip := c.Get(common.TrustedClientIPHeader); ip != "" {
		return ip
	}
	if forwarded := c.Get(common.ForwardedForHeader); forwarded != "" {
		if first := strings.TrimSpace(strings.Split(forwarded, ",")[0]); first != "" {
			return first
		}
	}
	return c.IP()
}

// scoreBackendSignals adjusts risk from backend responses: 429 anywhere,
// 401 on auth paths. Queued off the response path; errors are logged by
// the worker, never surfaced to the client.
func (m *shieldMiddleware) scoreBackendSignals(clientIP, path string, status int) {
	var reason, source string
	switch {
	case status == fiber.StatusTooManyRequests:
		reason, source = "Backend 429 Rate Limit", "rate_limited"
	case status == fiber.StatusUnauthorized && strings.HasPrefix(path, m.authPrefix):
		reason, source = "Auth Failure", "auth_failure"
	default:
		return
	}

	task := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		prometheus.ShieldRiskIncrements.WithLabelValues(source).Inc()
		if _, err := m.engine.IncrementRisk(ctx, clientIP, m.authFailWeight, reason); err != nil {
			m.logger.WithError(err).WithField("identity", clientIP).Error("post-response risk scoring failed")
		}
	}

	select {
	case m.taskChan <- task:
	default:
		m.logger.WithField("identity", clientIP).Warn("task channel full, dropping risk scoring task")
	}
}

func (m *shieldMiddleware) startWorkers(n int) {
	for i := 0; i < n; i++ {
		go func() {
			for task := range m.taskChan {
				task()
			}
		}()
	}
}

func statusClass(code int) string {
	return fmt.Sprintf("%dxx", code/100)
}
