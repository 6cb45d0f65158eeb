package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/whatsapp-broadcast/internal/domain"
	"github.com/acme/whatsapp-broadcast/internal/repository"
	"github.com/acme/whatsapp-broadcast/pkg/logger"
)

// Reader is the subset of kafka.Reader the worker consumes from.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Recorder receives analytics increments.
type Recorder interface {
	Record(ctx context.Context, campaignID uuid.UUID, metric domain.Metric)
}

// Worker consumes provider delivery callbacks, advances the delivery log
// and bumps the matching campaign counters.
type Worker struct {
	reader    Reader
	messages  repository.MessageStore
	analytics Recorder
	log       *logger.Logger

	retryInitial time.Duration
	retryMax     time.Duration
}

// Option customises a Worker.
type Option func(*Worker)

// WithRetryBackoff bounds the wait between attempts at an event the store
// rejected.
func WithRetryBackoff(initial, max time.Duration) Option {
	return func(w *Worker) {
		if initial > 0 {
			w.retryInitial = initial
		}
		if max >= w.retryInitial {
			w.retryMax = max
		}
	}
}

// New creates a new status worker.
func New(reader Reader, messages repository.MessageStore, analytics Recorder, log *logger.Logger, opts ...Option) *Worker {
	if log == nil {
		log = logger.NewNop()
	}
	w := &Worker{
		reader:       reader,
		messages:     messages,
		analytics:    analytics,
		log:          log,
		retryInitial: 200 * time.Millisecond,
		retryMax:     30 * time.Second,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run processes status events until the context is cancelled. Events are
// handled in partition order: a store failure is retried with backoff before
// the next message is fetched, so no offset is committed past it.
func (w *Worker) Run(ctx context.Context) error {
	defer w.reader.Close()

	for {
		msg, err := w.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.log.Error("status worker: fetch", zap.Error(err))
			continue
		}

		if err := w.handleUntilApplied(ctx, msg); err != nil {
			return err
		}

		if err := w.reader.CommitMessages(ctx, msg); err != nil {
			w.log.Error("status worker: commit", zap.Error(err))
		}
	}
}

func (w *Worker) handleUntilApplied(ctx context.Context, msg kafka.Message) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.retryInitial
	b.MaxInterval = w.retryMax
	b.MaxElapsedTime = 0

	err := backoff.RetryNotify(func() error {
		return w.Handle(ctx, msg)
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		w.log.Warn("status worker: handle failed, retrying",
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Duration("wait", wait),
			zap.Error(err))
	})
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Handle applies one message. Malformed payloads and unknown message ids
// are dropped; only store failures are returned.
func (w *Worker) Handle(ctx context.Context, msg kafka.Message) error {
	var event domain.DeliveryEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		w.log.Warn("status worker: unmarshal", zap.Error(err))
		return nil
	}

	tracer := otel.Tracer("broadcast.statusworker")
	sctx, span := tracer.Start(ctx, "message.status", trace.WithAttributes(
		attribute.String("provider.message_id", event.ProviderMessageID),
		attribute.String("status", string(event.Status)),
	))
	defer span.End()

	record, advanced, err := w.messages.ApplyStatus(sctx, event)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			w.log.Debug("status worker: unknown message", zap.String("provider_message_id", event.ProviderMessageID))
			return nil
		}
		span.RecordError(err)
		return fmt.Errorf("status worker: apply status: %w", err)
	}
	if !advanced {
		return nil
	}

	if metric, ok := event.Status.Metric(); ok {
		w.analytics.Record(sctx, record.CampaignID, metric)
	}
	return nil
}
