package http

import (
	"net/http"
	"strings"

	apprisk "github.com/dtg-labs/shieldgate/pkg/app/risk"
	"github.com/dtg-labs/shieldgate/pkg/config"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

type healthHandler struct {
	logger    *logrus.Logger
	engine    apprisk.Engine
	client    *http.Client
	healthURL string
}

// NewHealthHandler reports the shield's own status, backend reachability
// and the active-block count.
func NewHealthHandler(logger *logrus.Logger, engine apprisk.Engine, cfg config.BackendConfig) Handler {
	return &healthHandler{
		logger:    logger,
		engine:    engine,
		client:    &http.Client{Timeout: cfg.HealthTimeout},
		healthURL: strings.TrimRight(cfg.URL, "/") + cfg.HealthPath,
	}
}

func (h *healthHandler) Handle(c *fiber.Ctx) error {
	backendStatus := "unreachable"
	req, err := http.NewRequestWithContext(c.Context(), http.MethodGet, h.healthURL, nil)
	if err == nil {
		if resp, probeErr := h.client.Do(req); probeErr == nil {
			if resp.StatusCode == http.StatusOK {
				backendStatus = "ok"
			} else {
				backendStatus = "degraded"
			}
			_ = resp.Body.Close()
		}
	}

	activeBlocks, err := h.engine.GetBlockCount(c.Context())
	if err != nil {
		h.logger.WithError(err).Error("failed to read block count")
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"shield_status":  "active",
		"backend_status": backendStatus,
		"active_blocks":  activeBlocks,
	})
}
