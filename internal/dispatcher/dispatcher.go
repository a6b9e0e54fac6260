// Package dispatcher consumes the stream log, fans events out to matched
// endpoints, drives delivery attempts and settles event state.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/austindbirch/tidehook/internal/config"
	"github.com/austindbirch/tidehook/internal/errs"
	"github.com/austindbirch/tidehook/internal/event"
	"github.com/austindbirch/tidehook/internal/httpdeliver"
	"github.com/austindbirch/tidehook/internal/logging"
	"github.com/austindbirch/tidehook/internal/matcher"
	"github.com/austindbirch/tidehook/internal/metrics"
	"github.com/austindbirch/tidehook/internal/planner"
	"github.com/austindbirch/tidehook/internal/recorder"
	"github.com/austindbirch/tidehook/internal/registry"
	"github.com/austindbirch/tidehook/internal/scheduler"
	"github.com/austindbirch/tidehook/internal/store"
	"github.com/austindbirch/tidehook/internal/stream"
	"github.com/austindbirch/tidehook/internal/tracing"
)

// Dispatcher runs topic consumers, the reconciliation loop and the retry
// sweeper for a set of tenant schemas. Multiple dispatchers sharing the
// consumer group split partitions between them.
type Dispatcher struct {
	cfg       config.Dispatcher
	streamCfg config.Stream
	schemas   []string
	consumer  string

	events    store.EventStore
	endpoints registry.EndpointStore
	rec       *recorder.Recorder
	adapter   *httpdeliver.Adapter
	queue     scheduler.RetryQueue
	log       stream.Log
	logger    *logging.Logger

	// workCtx outlives the run context so in-flight attempts finish
	// during drain; set once in Run before any consumer starts.
	workCtx context.Context

	mu          sync.Mutex
	indexes     map[string]*matcher.Index
	perEndpoint map[uuid.UUID]*semaphore.Weighted
	consuming   map[string]bool
}

func New(cfg config.Dispatcher, streamCfg config.Stream, schemas []string,
	events store.EventStore, endpoints registry.EndpointStore, rec *recorder.Recorder,
	adapter *httpdeliver.Adapter, queue scheduler.RetryQueue, log stream.Log,
	logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.New("dispatcher")
	}
	host, _ := os.Hostname()
	d := &Dispatcher{
		cfg:         cfg,
		streamCfg:   streamCfg,
		schemas:     schemas,
		consumer:    fmt.Sprintf("%s-%s-%d", cfg.ConsumerPrefix, host, os.Getpid()),
		events:      events,
		endpoints:   endpoints,
		rec:         rec,
		adapter:     adapter,
		queue:       queue,
		log:         log,
		logger:      logger,
		indexes:     make(map[string]*matcher.Index),
		perEndpoint: make(map[uuid.UUID]*semaphore.Weighted),
		consuming:   make(map[string]bool),
	}
	for _, schema := range schemas {
		d.indexes[schema] = matcher.NewIndex(nil)
	}
	return d
}

// Run starts all loops and blocks until the context is cancelled and the
// in-flight work has drained. Cancellation stops the read loops; attempts
// already handed to workers run to completion, cut off only when
// DrainTimeout elapses.
func (d *Dispatcher) Run(ctx context.Context) error {
	workCtx, workCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer workCancel()
	d.workCtx = workCtx

	g, ctx := errgroup.WithContext(ctx)
	go func() {
		<-ctx.Done()
		timer := time.NewTimer(d.cfg.DrainTimeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			workCancel()
		case <-workCtx.Done():
		}
	}()

	for _, schema := range d.schemas {
		g.Go(func() error { return d.refreshRulesLoop(ctx, schema) })
		g.Go(func() error { return d.refreshTopicsLoop(ctx, g, schema) })
		g.Go(func() error { return d.reconcileLoop(ctx, schema) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// refreshRulesLoop keeps the subscription index warm. The first load runs
// immediately so consumers never match against an empty index for long.
func (d *Dispatcher) refreshRulesLoop(ctx context.Context, schema string) error {
	refresh := func() {
		rules, err := d.endpoints.Rules(ctx, schema)
		if err != nil {
			d.logger.Plain().WithSchema(schema).WithError(err).Warn("refresh subscription rules")
			return
		}
		d.mu.Lock()
		idx := d.indexes[schema]
		d.mu.Unlock()
		idx.Replace(rules)
	}
	refresh()

	ticker := time.NewTicker(d.cfg.TopicRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			refresh()
		}
	}
}

// refreshTopicsLoop discovers new topics for the schema and starts one
// consumer loop per topic.
func (d *Dispatcher) refreshTopicsLoop(ctx context.Context, g *errgroup.Group, schema string) error {
	ticker := time.NewTicker(d.cfg.TopicRefresh)
	defer ticker.Stop()
	for {
		topics, err := d.log.Topics(ctx, schema)
		if err != nil {
			d.logger.Plain().WithSchema(schema).WithError(err).Warn("list topics")
		}
		for _, topic := range topics {
			d.mu.Lock()
			started := d.consuming[topic]
			if !started {
				d.consuming[topic] = true
			}
			d.mu.Unlock()
			if started {
				if depth, err := d.log.Pending(ctx, topic, d.streamCfg.Group); err == nil {
					metrics.UpdateQueueDepth(topic, float64(depth))
				}
				continue
			}
			if err := d.log.CreateGroup(ctx, topic, d.streamCfg.Group); err != nil {
				d.logger.Plain().WithSchema(schema).WithField("topic", topic).WithError(err).Error("create consumer group")
				d.mu.Lock()
				delete(d.consuming, topic)
				d.mu.Unlock()
				continue
			}
			g.Go(func() error { return d.consumeTopic(ctx, schema, topic) })
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) consumeTopic(ctx context.Context, schema, topic string) error {
	d.logger.Plain().WithSchema(schema).WithField("topic", topic).Info("consuming topic")
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		entries, err := d.log.Read(ctx, topic, d.streamCfg.Group, d.consumer, d.streamCfg.BatchSize, d.streamCfg.Block)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.logger.Plain().WithSchema(schema).WithField("topic", topic).WithError(err).Warn("read stream")
			time.Sleep(time.Second)
			continue
		}
		if len(entries) == 0 {
			continue
		}

		var workers errgroup.Group
		workers.SetLimit(d.cfg.Workers)
		for _, e := range entries {
			workers.Go(func() error {
				d.handleEntry(d.workCtx, schema, topic, e)
				return nil
			})
		}
		_ = workers.Wait()
	}
}

// handleEntry processes one stream entry end to end. Redeliveries are
// expected; everything downstream is idempotent per (event, endpoint,
// attempt).
func (d *Dispatcher) handleEntry(ctx context.Context, schema, topic string, e stream.Entry) {
	if len(e.Trace) > 0 {
		ctx = tracing.ExtractFromCarrier(ctx, e.Trace)
	}
	ctx, span := tracing.StartSpan(ctx, "dispatcher.handle_entry")
	defer span.End()

	eventID, err := uuid.Parse(e.EventID)
	if err != nil {
		d.logger.Plain().WithSchema(schema).WithField("entry", e.EventID).Warn("malformed entry, dropping")
		d.ack(ctx, topic, e)
		return
	}

	ev, err := d.events.Load(ctx, schema, eventID)
	if err != nil {
		if errs.IsKind(err, errs.KindNotFound) {
			// Pointer to an event that never landed; drop it.
			d.logger.Plain().WithSchema(schema).WithEvent(e.EventID).Warn("stream entry without stored event")
			d.ack(ctx, topic, e)
			return
		}
		d.nack(ctx, topic, e)
		return
	}
	if ev.State.Terminal() {
		d.ack(ctx, topic, e)
		return
	}

	if e.EndpointID != "" {
		d.handleRetry(ctx, schema, topic, e, ev)
		return
	}
	d.handleFanout(ctx, schema, topic, e, ev)
}

func (d *Dispatcher) handleFanout(ctx context.Context, schema, topic string, e stream.Entry, ev *event.Event) {
	d.mu.Lock()
	idx := d.indexes[schema]
	d.mu.Unlock()

	candidates := idx.Match(ev)
	if len(candidates) == 0 {
		if err := d.rec.FinalizeEvent(ctx, schema, ev, nil); err != nil {
			d.nack(ctx, topic, e)
			return
		}
		d.ack(ctx, topic, e)
		return
	}

	matched := make([]uuid.UUID, 0, len(candidates))
	failed := false
	for _, c := range candidates {
		matched = append(matched, c.EndpointID)
		if err := d.deliverOne(ctx, schema, topic, ev, c.EndpointID, 1); err != nil {
			failed = true
		}
	}
	if failed {
		d.nack(ctx, topic, e)
		return
	}
	if err := d.rec.FinalizeEvent(ctx, schema, ev, matched); err != nil {
		d.nack(ctx, topic, e)
		return
	}
	d.ack(ctx, topic, e)
}

func (d *Dispatcher) handleRetry(ctx context.Context, schema, topic string, e stream.Entry, ev *event.Event) {
	endpointID, err := uuid.Parse(e.EndpointID)
	if err != nil {
		d.ack(ctx, topic, e)
		return
	}
	if err := d.deliverOne(ctx, schema, topic, ev, endpointID, e.Attempt); err != nil {
		d.nack(ctx, topic, e)
		return
	}
	matched, err := d.attemptedEndpoints(ctx, schema, ev.ID)
	if err != nil {
		d.nack(ctx, topic, e)
		return
	}
	if err := d.rec.FinalizeEvent(ctx, schema, ev, matched); err != nil {
		d.nack(ctx, topic, e)
		return
	}
	d.ack(ctx, topic, e)
}

// deliverOne delivers one attempt to one endpoint. A nil return means the
// pair's state is settled for this entry, including skips; an error means
// transient infrastructure trouble and the entry should be redelivered.
func (d *Dispatcher) deliverOne(ctx context.Context, schema, topic string, ev *event.Event, endpointID uuid.UUID, attempt int) error {
	if attempt < 1 {
		attempt = 1
	}

	latest, err := d.rec.Attempts().Latest(ctx, schema, ev.ID, endpointID)
	if err != nil {
		return err
	}
	if latest != nil {
		// Redelivered entries must not repeat completed work.
		if latest.Status == recorder.StatusSuccess || (latest.AttemptNumber >= attempt && latest.Settled()) {
			return nil
		}
		if latest.AttemptNumber >= attempt && latest.Status == recorder.StatusRetrying {
			// Re-assert the queue item. A crash between recording the
			// attempt and scheduling its retry would otherwise lose the
			// follow-up; Schedule keeps the earliest due time, so this is
			// a no-op when the item is already there.
			if latest.NextRetryAt != nil {
				item := scheduler.Item{
					EventID:      ev.ID,
					EndpointID:   endpointID,
					Attempt:      latest.AttemptNumber + 1,
					Topic:        topic,
					PartitionKey: ev.PartitionKey,
				}
				return d.queue.Schedule(ctx, schema, item, *latest.NextRetryAt)
			}
			return nil
		}
	}

	ep, err := d.endpoints.Get(ctx, schema, endpointID)
	if err != nil {
		if errs.IsKind(err, errs.KindNotFound) {
			return d.rec.RecordSkipped(ctx, schema, ev.ID, endpointID, attempt, "endpoint_missing")
		}
		return err
	}
	if ep.DeletedAt != nil {
		return d.rec.RecordSkipped(ctx, schema, ev.ID, endpointID, attempt, "endpoint_deleted")
	}
	if !ep.Active {
		return d.rec.RecordSkipped(ctx, schema, ev.ID, endpointID, attempt, "endpoint_inactive")
	}
	if !ep.Deliverable() {
		return d.rec.RecordSkipped(ctx, schema, ev.ID, endpointID, attempt, "endpoint_"+string(ep.Health))
	}

	plan := planner.Next(ev.ID, ep, attempt-1)
	if plan.Exhausted {
		return nil
	}

	sem := d.endpointSem(endpointID)
	if err := sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer sem.Release(1)

	out, err := d.adapter.Deliver(ctx, plan, ev, ep)
	if err != nil {
		return err
	}

	// The attempt row is recorded before its retry is scheduled, so the
	// follow-up can never start against an unrecorded previous attempt.
	var nextRetry *time.Time
	var retryItem *scheduler.Item
	if !out.Success && out.Retryable && plan.AttemptNumber < plan.MaxAttempts {
		next := planner.Next(ev.ID, ep, plan.AttemptNumber)
		delay := next.Delay
		if out.RetryAfter > delay {
			delay = out.RetryAfter
		}
		due := time.Now().Add(delay)
		nextRetry = &due
		retryItem = &scheduler.Item{
			EventID:      ev.ID,
			EndpointID:   endpointID,
			Attempt:      next.AttemptNumber,
			Topic:        topic,
			PartitionKey: ev.PartitionKey,
		}
	}

	if _, err := d.rec.RecordOutcome(ctx, schema, ev, ep, plan, out, nextRetry); err != nil {
		return err
	}
	if retryItem != nil {
		if err := d.queue.Schedule(ctx, schema, *retryItem, *nextRetry); err != nil {
			return err
		}
		metrics.RecordRetry(out.Reason)
	}

	entry := d.logger.Plain().WithSchema(schema).WithEvent(ev.ID.String()).
		WithEndpoint(endpointID.String()).WithAttempt(plan.AttemptNumber).
		WithField("status", out.Status())
	if out.Success {
		entry.Debug("delivery succeeded")
	} else {
		entry.WithField("reason", out.Reason).Info("delivery failed")
	}
	return nil
}

func (d *Dispatcher) attemptedEndpoints(ctx context.Context, schema string, eventID uuid.UUID) ([]uuid.UUID, error) {
	attempts, err := d.rec.Attempts().ListByEvent(ctx, schema, eventID)
	if err != nil {
		return nil, err
	}
	seen := make(map[uuid.UUID]bool, len(attempts))
	var out []uuid.UUID
	for _, at := range attempts {
		if !seen[at.EndpointID] {
			seen[at.EndpointID] = true
			out = append(out, at.EndpointID)
		}
	}
	return out, nil
}

// reconcileLoop republishes events that landed in the store but never made
// it onto the stream, and re-claims dispatched events whose lease expired.
func (d *Dispatcher) reconcileLoop(ctx context.Context, schema string) error {
	ticker := time.NewTicker(d.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		claimed, err := d.events.ClaimPending(ctx, schema, d.streamCfg.BatchSize, d.consumer, d.cfg.PendingAge)
		if err != nil {
			d.logger.Plain().WithSchema(schema).WithError(err).Warn("reconcile claim")
			continue
		}
		for _, ev := range claimed {
			entry := stream.Entry{EventID: ev.ID.String(), Schema: schema}
			topic := event.Topic(schema, ev.Type)
			if _, err := d.log.Publish(ctx, topic, ev.PartitionKey, entry); err != nil {
				d.logger.Plain().WithSchema(schema).WithEvent(ev.ID.String()).WithError(err).Warn("reconcile republish")
				continue
			}
			d.logger.Plain().WithSchema(schema).WithEvent(ev.ID.String()).Info("republished stranded event")
		}
	}
}

func (d *Dispatcher) endpointSem(id uuid.UUID) *semaphore.Weighted {
	d.mu.Lock()
	defer d.mu.Unlock()
	sem, ok := d.perEndpoint[id]
	if !ok {
		sem = semaphore.NewWeighted(d.cfg.PerEndpointConcurrency)
		d.perEndpoint[id] = sem
	}
	return sem
}

func (d *Dispatcher) ack(ctx context.Context, topic string, e stream.Entry) {
	if err := d.log.Ack(ctx, topic, d.streamCfg.Group, e); err != nil {
		d.logger.Plain().WithField("topic", topic).WithError(err).Warn("ack entry")
	}
}

// nack leaves the entry pending for this consumer; the next Read drains the
// pending backlog before taking new entries.
func (d *Dispatcher) nack(ctx context.Context, topic string, e stream.Entry) {
	d.logger.Plain().WithField("topic", topic).WithEvent(e.EventID).Debug("entry left pending for redelivery")
}
