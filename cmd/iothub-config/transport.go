package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/iotfleet/terraform-provider-iothub/internal/iothub"
	"github.com/iotfleet/terraform-provider-iothub/internal/logging"
)

// loggingTransport logs every exchange at debug level.
type loggingTransport struct {
	next iothub.Transport
}

func (t *loggingTransport) Send(ctx context.Context, req *iothub.Request) (*iothub.Response, error) {
	start := time.Now()
	resp, err := t.next.Send(ctx, req)

	fields := []zap.Field{
		zap.String("method", req.Method),
		zap.String("path", req.Path),
		zap.Bool("conditional", req.IfMatch != "" && req.IfMatch != "*"),
		zap.Duration("duration", time.Since(start)),
	}
	if err != nil {
		logging.Warn("request failed", append(fields, zap.Error(err))...)
		return nil, err
	}

	logging.Debug("request completed", append(fields,
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(resp.Body)),
	)...)
	return resp, nil
}
