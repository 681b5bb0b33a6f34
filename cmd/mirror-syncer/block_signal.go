//go:build !zmq

package main

import (
	"context"

	"go.uber.org/zap"
)

// startBlockSignal returns no signal; build with the zmq tag to subscribe to the node.
func startBlockSignal(_ context.Context, addr string, logger *zap.Logger) (<-chan struct{}, error) {
	if addr != "" {
		logger.Warn("zmq address ignored, binary built without the zmq tag", zap.String("addr", addr))
	}
	return nil, nil
}
