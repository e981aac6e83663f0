package worker

import (
	"context"
	"time"

	"p2pex/internal/chain"

	"go.uber.org/zap"
)

var (
	wsRetryDelay     = 3 * time.Second
	wsReconnectDelay = 2 * time.Second
)

// RunWS follows newHeads on the configured endpoints and triggers a reconcile pass per head.
// After WSFailoverThreshold consecutive failures on one endpoint it moves to the next.
func (w *Reconciler) RunWS(ctx context.Context) {
	if len(w.WSEndpoints) == 0 {
		w.logger().Info("ws disabled: no ws endpoints")
		return
	}
	threshold := w.WSFailoverThreshold
	if threshold <= 0 {
		threshold = 3
	}

	index, failures := 0, 0
	fail := func(msg string, err error) {
		failures++
		w.logger().Warn(msg, zap.String("endpoint", w.WSEndpoints[index]), zap.Int("failures", failures), zap.Error(err))
		if failures >= threshold && len(w.WSEndpoints) > 1 {
			index = (index + 1) % len(w.WSEndpoints)
			failures = 0
			w.logger().Info("ws failover", zap.String("endpoint", w.WSEndpoints[index]))
		}
	}

	for {
		if ctx.Err() != nil {
			return
		}
		endpoint := w.WSEndpoints[index]
		client := chain.NewWSClient(endpoint)
		if err := client.Connect(ctx); err != nil {
			fail("ws connect failed", err)
			if !sleep(ctx, wsRetryDelay) {
				return
			}
			continue
		}
		if err := client.SubscribeHeads(ctx); err != nil {
			client.Close()
			fail("ws subscribe failed", err)
			if !sleep(ctx, wsRetryDelay) {
				return
			}
			continue
		}
		failures = 0
		w.logger().Info("ws connected", zap.String("endpoint", endpoint))

		if err := w.readHeads(ctx, client); err != nil && ctx.Err() == nil {
			fail("ws read failed", err)
		}
		if !sleep(ctx, wsReconnectDelay) {
			return
		}
	}
}

func (w *Reconciler) readHeads(ctx context.Context, client *chain.WSClient) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		client.Close()
	}()

	for {
		msg, err := client.Read(ctx)
		if err != nil {
			return err
		}
		head, ok, err := chain.ParseHead(msg)
		if err != nil {
			w.logger().Warn("ws parse failed", zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		w.logger().Debug("new head", zap.Uint64("number", head.Number), zap.String("hash", head.Hash))
		w.trigger()
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
