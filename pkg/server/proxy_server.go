package server

import (
	"fmt"

	"github.com/dtg-labs/shieldgate/pkg/config"
	handlers "github.com/dtg-labs/shieldgate/pkg/handlers/http"
	"github.com/dtg-labs/shieldgate/pkg/middleware"
	"github.com/sirupsen/logrus"
)

const HealthPath = "/health"

type (
	ProxyServerDI struct {
		Config              *config.Config
		Logger              *logrus.Logger
		MiddlewareTransport middleware.Transport
		HandlerTransport    handlers.HandlerTransport
	}
	ProxyServer struct {
		*BaseServer
		middlewareTransport middleware.Transport
		handlerTransport    handlers.HandlerTransport
	}
)

func NewProxyServer(di ProxyServerDI) *ProxyServer {
	s := &ProxyServer{
		BaseServer:          NewBaseServer(di.Config, di.Logger),
		middlewareTransport: di.MiddlewareTransport,
		handlerTransport:    di.HandlerTransport,
	}
	s.BaseServer.setupMetricsEndpoint()
	return s
}

func (s *ProxyServer) Run() error {
	// The health path is reserved; everything else passes through the
	// shield and on to the backend.
	s.router.Get(HealthPath, s.handlerTransport.HealthHandler.Handle)

	s.router.Use(
		s.middlewareTransport.ShieldMiddleware.Middleware(),
		s.handlerTransport.ForwardedHandler.Handle,
	)

	s.logger.WithField("addr", s.config.Server.Port).Info("Starting shield proxy server")
	return s.router.Listen(fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port))
}

func (s *ProxyServer) Shutdown() error {
	return s.router.Shutdown()
}
