// Package worker consumes queued webhook events and runs the handler registry.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"autopilot/internal/metrics"
	"autopilot/internal/queue"
	"autopilot/internal/webhook"
)

type EventSource interface {
	EnsureGroup(ctx context.Context) error
	Read(ctx context.Context, count int64) ([]queue.Message, error)
	Ack(ctx context.Context, messageID string) error
}

type EventHandler interface {
	Handle(ctx context.Context, ev webhook.Event)
}

type Worker struct {
	queue      EventSource
	handler    EventHandler
	retryDelay time.Duration
	logger     zerolog.Logger
	metrics    *metrics.Metrics
}

type Config struct {
	Queue   EventSource
	Handler EventHandler
	// RetryDelay is the pause after a failed read. Defaults to one second.
	RetryDelay time.Duration
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics
}

func New(cfg Config) *Worker {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	return &Worker{
		queue:      cfg.Queue,
		handler:    cfg.Handler,
		retryDelay: cfg.RetryDelay,
		logger:     cfg.Logger.With().Str("component", "worker").Logger(),
		metrics:    m,
	}
}

// Start runs concurrency consumers until ctx is cancelled.
func (w *Worker) Start(ctx context.Context, concurrency int) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return err
	}
	if concurrency < 1 {
		concurrency = 1
	}

	wg := sync.WaitGroup{}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consumeLoop(ctx, slot)
		}(i)
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (w *Worker) consumeLoop(ctx context.Context, slot int) {
	log := w.logger.With().Int("slot", slot).Logger()
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		messages, err := w.queue.Read(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("failed to read queue")
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.retryDelay):
			}
			continue
		}

		for _, msg := range messages {
			w.process(ctx, log, msg)
		}
	}
}

// process always acks: handler failures are logged by the registry and a
// delivery is never run twice.
func (w *Worker) process(ctx context.Context, log zerolog.Logger, msg queue.Message) {
	if msg.Event.Type == "" {
		log.Warn().Str("msg_id", msg.ID).Msg("dropping undecodable event")
	} else {
		w.handler.Handle(ctx, msg.Event)
		w.metrics.ProcessedEvents.Inc()
	}
	if err := w.queue.Ack(ctx, msg.ID); err != nil {
		log.Error().Err(err).Str("msg_id", msg.ID).Msg("failed to ack message")
	}
}
