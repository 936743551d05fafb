package http

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/dtg-labs/shieldgate/pkg/config"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

// Hop-specific headers. Host and Content-Length are recomputed on the way
// in; Content-Length and Transfer-Encoding are recomputed by the server on
// the way out.
var (
	strippedRequestHeaders  = map[string]struct{}{"host": {}, "content-length": {}}
	strippedResponseHeaders = map[string]struct{}{"content-length": {}, "transfer-encoding": {}}
)

type forwardedHandler struct {
	logger     *logrus.Logger
	client     *http.Client
	backendURL string
}

// NewForwardedHandler builds the streaming proxy to the single configured
// backend origin. Neither request nor response bodies are materialized;
// both stream chunk by chunk with the client's disconnect cancelling the
// upstream read.
func NewForwardedHandler(logger *logrus.Logger, cfg config.BackendConfig) Handler {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		DisableCompression:    true,
		ResponseHeaderTimeout: 30 * time.Second,
		ForceAttemptHTTP2:     false,
	}

	return &forwardedHandler{
		logger:     logger,
		backendURL: strings.TrimRight(cfg.URL, "/"),
		// No client-level timeout: proxied streams are bounded only by
		// the connecting client and the origin.
		client: &http.Client{Transport: transport},
	}
}

func (h *forwardedHandler) Handle(c *fiber.Ctx) error {
	upstreamURL := h.backendURL + c.Path()
	if qs := string(c.Request().URI().QueryString()); qs != "" {
		upstreamURL += "?" + qs
	}

	httpReq, err := http.NewRequestWithContext(c.Context(), c.Method(), upstreamURL, h.requestBody(c))
	if err != nil {
		h.logger.WithError(err).Error("failed to build upstream request")
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "Bad Gateway"})
	}
	if cl := c.Request().Header.ContentLength(); cl > 0 {
		httpReq.ContentLength = int64(cl)
	}

	c.Request().Header.VisitAll(func(k, v []byte) {
		key := string(k)
		if _, stripped := strippedRequestHeaders[strings.ToLower(key)]; stripped {
			return
		}
		httpReq.Header.Add(key, string(v))
	})
	httpReq.Header.Set("X-Forwarded-For", c.IP())
	// The shield cannot re-encode a compressed body while streaming it, so
	// the origin is told to send plain bytes.
	httpReq.Header.Set("Accept-Encoding", "identity")

	resp, err := h.client.Do(httpReq)
	if err != nil {
		h.logger.WithError(err).WithField("url", upstreamURL).Error("backend unreachable")
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "Bad Gateway"})
	}

	c.Status(resp.StatusCode)
	for key, values := range resp.Header {
		if _, stripped := strippedResponseHeaders[strings.ToLower(key)]; stripped {
			continue
		}
		for _, v := range values {
			c.Response().Header.Add(key, v)
		}
	}

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { _ = resp.Body.Close() }()
		buf := make([]byte, 32*1024)
		for {
			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				if _, writeErr := w.Write(buf[:n]); writeErr != nil {
					// Client went away; stop draining the origin.
					return
				}
				if flushErr := w.Flush(); flushErr != nil {
					return
				}
			}
			if readErr != nil {
				if readErr != io.EOF {
					h.logger.WithError(readErr).Error("error streaming backend response")
				}
				return
			}
		}
	})
	return nil
}

// requestBody streams the inbound body when there is one. GET-style
// requests without a body must map to a nil reader or the client would
// force chunked encoding upstream.
func (h *forwardedHandler) requestBody(c *fiber.Ctx) io.Reader {
	if c.Request().Header.ContentLength() == 0 && !c.Request().IsBodyStream() {
		return nil
	}
	if stream := c.Context().RequestBodyStream(); stream != nil {
		return stream
	}
	return bytes.NewReader(c.Body())
}
