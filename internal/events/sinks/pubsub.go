package sinks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/JakeFAU/mediagen/internal/events"
)

// publishFunc starts an asynchronous publish and returns a func that waits for
// the server-assigned message id.
type publishFunc func(ctx context.Context, msg *pubsub.Message) func() (string, error)

// PubSubSink publishes each event as a JSON message to a Pub/Sub topic.
type PubSubSink struct {
	publish publishFunc
	stop    func()
	logger  *zap.Logger
}

// NewPubSubSink wraps a topic publisher. Close stops the publisher after
// flushing outstanding messages.
func NewPubSubSink(publisher *pubsub.Publisher, logger *zap.Logger) (*PubSubSink, error) {
	if publisher == nil {
		return nil, fmt.Errorf("pubsub publisher is not configured")
	}
	return newPubSubSink(func(ctx context.Context, msg *pubsub.Message) func() (string, error) {
		res := publisher.Publish(ctx, msg)
		return func() (string, error) { return res.Get(ctx) }
	}, publisher.Stop, logger), nil
}

func newPubSubSink(publish publishFunc, stop func(), logger *zap.Logger) *PubSubSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	if stop == nil {
		stop = func() {}
	}
	return &PubSubSink{publish: publish, stop: stop, logger: logger.Named("pubsub")}
}

// Consume publishes the batch and waits for every result.
func (s *PubSubSink) Consume(ctx context.Context, batch []events.Event) error {
	waits := make([]func() (string, error), 0, len(batch))
	for _, evt := range batch {
		data, err := json.Marshal(evt)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		msg := &pubsub.Message{
			Data: data,
			Attributes: map[string]string{
				"event_type": string(evt.Type),
				"job_id":     evt.JobID,
			},
		}
		otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})
		waits = append(waits, s.publish(ctx, msg))
	}
	var errs []error
	for i, wait := range waits {
		if _, err := wait(); err != nil {
			s.logger.Warn("publish event failed",
				zap.String("job_id", batch[i].JobID),
				zap.String("type", string(batch[i].Type)),
				zap.Error(err))
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("publish %d of %d events: %w", len(errs), len(batch), errors.Join(errs...))
	}
	return nil
}

// Close flushes and stops the publisher.
func (s *PubSubSink) Close(context.Context) error {
	s.stop()
	return nil
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
