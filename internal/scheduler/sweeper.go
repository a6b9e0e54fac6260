package scheduler

import (
	"context"
	"time"

	"github.com/austindbirch/tidehook/internal/logging"
	"github.com/austindbirch/tidehook/internal/metrics"
	"github.com/austindbirch/tidehook/internal/stream"
)

// Sweeper polls the retry queues and republishes due items onto the stream
// log as single-endpoint entries. Multiple sweepers can run concurrently;
// the queue's claim semantics keep each item with one of them.
type Sweeper struct {
	queue    RetryQueue
	log      stream.Log
	schemas  []string
	interval time.Duration
	batch    int
	logger   *logging.Logger
}

func NewSweeper(queue RetryQueue, log stream.Log, schemas []string, interval time.Duration, batch int, logger *logging.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Second
	}
	if batch <= 0 {
		batch = 128
	}
	if logger == nil {
		logger = logging.New("sweeper")
	}
	return &Sweeper{queue: queue, log: log, schemas: schemas, interval: interval, batch: batch, logger: logger}
}

// Run sweeps until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, schema := range s.schemas {
				s.sweep(ctx, schema)
			}
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context, schema string) {
	items, err := s.queue.Due(ctx, schema, time.Now(), s.batch)
	if err != nil {
		s.logger.Plain().WithSchema(schema).WithError(err).Warn("sweep retry queue")
		return
	}
	for _, it := range items {
		entry := stream.Entry{
			EventID:    it.EventID.String(),
			Schema:     schema,
			EndpointID: it.EndpointID.String(),
			Attempt:    it.Attempt,
		}
		if _, err := s.log.Publish(ctx, it.Topic, it.PartitionKey, entry); err != nil {
			// Put it back so the retry is not lost; next sweep picks it up.
			s.logger.Plain().WithSchema(schema).WithEvent(entry.EventID).WithError(err).Warn("republish retry")
			if schedErr := s.queue.Schedule(ctx, schema, it, time.Now()); schedErr != nil {
				s.logger.Plain().WithSchema(schema).WithEvent(entry.EventID).WithError(schedErr).Error("requeue retry after publish failure")
			}
			continue
		}
		metrics.RecordRetry("scheduled")
	}
	if depth, err := s.queue.Depth(ctx, schema); err == nil {
		metrics.UpdateQueueDepth("retry."+schema, float64(depth))
	}
}
