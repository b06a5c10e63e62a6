package executor

import (
	"context"

	"github.com/devicelab-dev/stepflow/pkg/bridge"
	"github.com/devicelab-dev/stepflow/pkg/bridge/mock"
	"github.com/devicelab-dev/stepflow/pkg/config"
	"github.com/devicelab-dev/stepflow/pkg/core"
	"github.com/devicelab-dev/stepflow/pkg/logger"
)

// NewTransport builds the transport selected by cfg. The websocket transport
// dials (with retry) before returning.
func NewTransport(ctx context.Context, cfg config.BridgeConfig) (bridge.Transport, error) {
	switch cfg.Transport {
	case config.TransportHTTP:
		if cfg.Socket != "" {
			logger.Info("bridge: http over unix socket %s", cfg.Socket)
			return bridge.NewHTTPTransportUnix(cfg.Socket, cfg.Timeout), nil
		}
		logger.Info("bridge: http %s", cfg.URL)
		return bridge.NewHTTPTransport(cfg.URL, cfg.Timeout), nil
	case config.TransportWebSocket:
		logger.Info("bridge: websocket %s", cfg.URL)
		return bridge.DialWebSocket(ctx, cfg.URL, cfg.DialRetry)
	case config.TransportMock:
		logger.Info("bridge: in-process mock host")
		return mock.New(mock.Config{Screen: mock.DefaultScreen()}), nil
	}
	return nil, core.ErrInvalidConfig.WithDetails(map[string]interface{}{
		"field":     "bridge.transport",
		"transport": cfg.Transport,
	})
}
