// Package redpanda dispatches grading tasks through a Redpanda (Kafka API)
// topic and consumes them in worker processes.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-grading-orchestrator/internal/domain"
	obsctx "github.com/fairyhunter13/ai-grading-orchestrator/internal/observability"
)

const (
	headerJobID     = "job_id"
	headerRequestID = "request_id"
)

type syncProducer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Ping(ctx context.Context) error
}

// Producer publishes grading tasks. It implements domain.Dispatcher.
type Producer struct {
	client syncProducer
	topic  string
	closer func()
}

// tracingHooks instruments franz-go clients with OpenTelemetry.
func tracingHooks() kgo.Opt {
	tracer := kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider()))
	return kgo.WithHooks(kotel.NewKotel(kotel.WithTracer(tracer)).Hooks()...)
}

// NewProducer connects to brokers and makes sure topic exists.
func NewProducer(ctx context.Context, brokers []string, topic string, extra ...kgo.Opt) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=redpanda.NewProducer: no seed brokers provided")
	}
	opts := append([]kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1_000_000),
		tracingHooks(),
	}, extra...)
	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("op=redpanda.NewProducer: %w", err)
	}
	if err := EnsureTopic(ctx, cl, topic, 8, 1); err != nil {
		slog.Warn("failed to ensure topic", slog.String("topic", topic), slog.Any("error", err))
	}
	slog.Info("redpanda producer ready", slog.Any("brokers", brokers), slog.String("topic", topic))
	return &Producer{client: cl, topic: topic, closer: cl.Close}, nil
}

// Dispatch publishes task keyed by job id and waits for the broker ack.
func (p *Producer) Dispatch(ctx domain.Context, task domain.GradingTask) error {
	b, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("op=redpanda.Dispatch: marshal: %w", err)
	}
	rec := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(task.JobID),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: headerJobID, Value: []byte(task.JobID)},
		},
	}
	if rid := obsctx.RequestIDFromContext(ctx); rid != "" {
		rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: headerRequestID, Value: []byte(rid)})
	}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("op=redpanda.Dispatch: %w", err)
	}
	obsctx.LoggerFromContext(ctx).Info("grading task published",
		slog.String("job_id", task.JobID), slog.String("topic", p.topic))
	return nil
}

// Ping checks that at least one broker answers.
func (p *Producer) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// Close flushes and closes the client.
func (p *Producer) Close() {
	if p.closer != nil {
		p.closer()
	}
}
