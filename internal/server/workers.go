package server

import (
	"context"
	"time"
)

// StartWorkers launches all background goroutines. Call with a cancellable
// context for graceful shutdown.
func (s *Server) StartWorkers(ctx context.Context) {
	go s.anchors.Run(ctx)
	go s.runLimiterSweep(ctx)
}

// runLimiterSweep periodically drops expired rate-limit windows so the
// per-caller map does not grow without bound.
func (s *Server) runLimiterSweep(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Minute):
			s.limiter.Sweep()
		}
	}
}
