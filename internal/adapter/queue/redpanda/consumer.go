package redpanda

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/fairyhunter13/ai-grading-orchestrator/internal/domain"
	obsctx "github.com/fairyhunter13/ai-grading-orchestrator/internal/observability"
)

// TaskRunner executes one grading task to completion.
type TaskRunner interface {
	Run(ctx context.Context, task domain.GradingTask) error
}

type groupClient interface {
	PollFetches(ctx context.Context) kgo.Fetches
	MarkCommitRecords(rs ...*kgo.Record)
	Close()
}

// Consumer reads grading tasks from the topic and hands them to a runner.
// Offsets are marked only after a task has run, so a crashed worker's
// tasks are redelivered; the runner skips jobs that already finished.
type Consumer struct {
	client  groupClient
	runner  TaskRunner
	workers int
	// errBackoff is the pause after a poll that returned only errors.
	errBackoff time.Duration
}

// NewConsumer joins groupID on topic.
func NewConsumer(ctx context.Context, brokers []string, topic, groupID string, runner TaskRunner, workers int, extra ...kgo.Opt) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=redpanda.NewConsumer: no seed brokers provided")
	}
	if groupID == "" {
		return nil, fmt.Errorf("op=redpanda.NewConsumer: missing required group ID")
	}
	opts := append([]kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topic),
		kgo.FetchIsolationLevel(kgo.ReadCommitted()),
		kgo.RequireStableFetchOffsets(),
		kgo.AutoCommitMarks(),
		kgo.AutoCommitInterval(time.Second),
		kgo.SessionTimeout(30 * time.Second),
		kgo.HeartbeatInterval(3 * time.Second),
		kgo.FetchMaxWait(5 * time.Second),
		tracingHooks(),
	}, extra...)
	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("op=redpanda.NewConsumer: %w", err)
	}
	if err := EnsureTopic(ctx, cl, topic, 8, 1); err != nil {
		slog.Warn("failed to ensure topic", slog.String("topic", topic), slog.Any("error", err))
	}
	slog.Info("redpanda consumer ready", slog.String("topic", topic), slog.String("group_id", groupID), slog.Int("workers", workers))
	return newConsumer(cl, runner, workers), nil
}

func newConsumer(cl groupClient, runner TaskRunner, workers int) *Consumer {
	if workers < 1 {
		workers = 1
	}
	return &Consumer{client: cl, runner: runner, workers: workers, errBackoff: 2 * time.Second}
}

// Start polls until ctx is cancelled. Each poll's records run with at most
// workers tasks in flight.
func (c *Consumer) Start(ctx context.Context) error {
	for {
		fetches := c.client.PollFetches(ctx)
		if ctx.Err() != nil || fetches.IsClientClosed() {
			slog.Info("redpanda consumer stopping")
			return ctx.Err()
		}
		failed := 0
		fetches.EachError(func(topic string, partition int32, err error) {
			if errors.Is(err, context.Canceled) {
				return
			}
			failed++
			slog.Error("fetch error", slog.String("topic", topic), slog.Int("partition", int(partition)), slog.Any("error", err))
		})
		if fetches.NumRecords() == 0 {
			if failed > 0 {
				select {
				case <-ctx.Done():
				case <-time.After(c.errBackoff):
				}
			}
			continue
		}

		var g errgroup.Group
		g.SetLimit(c.workers)
		fetches.EachRecord(func(rec *kgo.Record) {
			g.Go(func() error {
				c.process(ctx, rec)
				return nil
			})
		})
		_ = g.Wait()
		if ctx.Err() != nil {
			// Interrupted tasks stay unmarked and will be redelivered.
			return ctx.Err()
		}
		fetches.EachRecord(func(rec *kgo.Record) { c.client.MarkCommitRecords(rec) })
	}
}

// Close leaves the group and closes the client.
func (c *Consumer) Close() { c.client.Close() }

func (c *Consumer) process(ctx context.Context, rec *kgo.Record) {
	if rec.Context != nil {
		if sc := trace.SpanContextFromContext(rec.Context); sc.IsValid() {
			ctx = trace.ContextWithRemoteSpanContext(ctx, sc)
		}
	}
	ctx, span := otel.Tracer("queue.consumer").Start(ctx, "ProcessGradingTask")
	defer span.End()
	span.SetAttributes(
		attribute.String("messaging.destination", rec.Topic),
		attribute.Int64("messaging.kafka.offset", rec.Offset),
		attribute.Int("messaging.kafka.partition", int(rec.Partition)),
	)

	if rid := header(rec, headerRequestID); rid != "" {
		ctx = obsctx.ContextWithRequestID(ctx, rid)
	}
	var task domain.GradingTask
	if err := json.Unmarshal(rec.Value, &task); err != nil || task.JobID == "" {
		span.RecordError(fmt.Errorf("undecodable grading task"))
		slog.Error("dropping undecodable grading task",
			slog.String("key", string(rec.Key)), slog.Int64("offset", rec.Offset), slog.Any("error", err))
		return
	}
	span.SetAttributes(attribute.String("job.id", task.JobID))
	if err := c.runner.Run(ctx, task); err != nil {
		span.RecordError(err)
		obsctx.LoggerFromContext(ctx).Error("grading task failed",
			slog.String("job_id", task.JobID), slog.Any("error", err))
	}
}

func header(rec *kgo.Record, key string) string {
	for _, h := range rec.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
