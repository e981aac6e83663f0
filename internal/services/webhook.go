package services

import (
	"context"
	"fmt"
	"time"

	"p2pex/internal/models"
	"p2pex/internal/payments"

	"go.uber.org/zap"
)

type WebhookResult struct {
	Received  bool
	Verified  bool
	Duplicate bool
	Event     string
}

// WebhookService authenticates gateway callbacks and records each event once.
type WebhookService struct {
	Store  WebhookStore
	Secret []byte
	Logger *zap.Logger
	Now    func() time.Time
}

func (s *WebhookService) Handle(ctx context.Context, raw []byte, signature, eventID string) (*WebhookResult, error) {
	if len(s.Secret) == 0 {
		return nil, ErrSecretNotConfigured
	}
	if signature == "" {
		return nil, ErrMissingSignature
	}
	if !payments.Verify(raw, signature, s.Secret) {
		s.logger().Warn("webhook signature rejected", zap.Int("body_bytes", len(raw)))
		return nil, ErrInvalidSignature
	}
	env, err := payments.ParseWebhook(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	ev := &models.WebhookEvent{
		EventID:    payments.EventID(eventID, raw),
		Event:      env.Event,
		Payload:    raw,
		ReceivedAt: clock(s.Now).now(),
	}
	inserted, err := s.Store.InsertWebhookEvent(ctx, ev)
	if err != nil {
		return nil, err
	}
	s.logger().Info("webhook received",
		zap.String("event", env.Event),
		zap.String("event_id", ev.EventID),
		zap.Bool("duplicate", !inserted))
	return &WebhookResult{Received: true, Verified: true, Duplicate: !inserted, Event: env.Event}, nil
}

func (s *WebhookService) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}
