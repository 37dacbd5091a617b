// Package moderation implements C7, the Moderation Engine: FIFO media and
// profile-text queues, a bot worker pool that runs each item through a
// classifier chain, a precedence-based policy resolver, and a human
// override path with a per-moderator in-progress cap (spec §4.7).
//
// Queue ingest is grounded on the teacher's franz-go consumer,
// ws/internal/shared/kafka/consumer.go; the worker pool's panic recovery
// is grounded on ws/worker_pool.go.
package moderation

import (
	"context"
	"errors"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/afroditeapp/afrodite-backend-sub001/internal/apperror"
	"github.com/afroditeapp/afrodite-backend-sub001/internal/metrics"
	"github.com/afroditeapp/afrodite-backend-sub001/internal/model"
)

// Classifier is one stage of the chain. NSFW runs only for media items;
// the two LLM stages run for both media and profile text.
type Classifier interface {
	Name() string
	Classify(ctx context.Context, item model.ModerationQueueItem) (model.ClassifierDecision, error)
}

// Store is the persistence surface for queue state and final decisions.
type Store interface {
	Enqueue(ctx context.Context, item model.ModerationQueueItem) (alreadyQueued bool, err error)
	Dequeue(ctx context.Context, queue model.ModerationQueueType, maxItems int) ([]model.ModerationQueueItem, error)
	RecordDecision(ctx context.Context, item model.ModerationQueueItem, decision model.ClassifierDecision, details string) error
	ClaimForModerator(ctx context.Context, moderator model.AccountIdInternal, queue model.ModerationQueueType) (*model.ModerationQueueItem, error)
	InProgressCount(ctx context.Context, moderator model.AccountIdInternal) (int, error)
	RecordHumanDecision(ctx context.Context, item model.ModerationQueueItem, moderator model.AccountIdInternal, accept bool, reason string) error
}

// Notifier delivers the moderation-completed event once a decision
// commits (spec §4.4 PendingNotificationFlags bridge).
type Notifier interface {
	Send(account model.AccountIdInternal, event model.EventToClient) error
}

// Config controls retry timing and worker concurrency (spec §4.7 steps
// 2, 4, 5; field names mirror internal/config.Config).
type Config struct {
	Concurrency  int
	DefaultAction model.DefaultAction
	RetryWaits   []time.Duration
	PageSize     int
}

// QueuePublisher durably replicates a submitted item so other core
// instances' Consumers can replay it into their own Store (spec §4.7
// step 1's "global FIFO queue" read across instances). Optional: a nil
// publisher just means this instance is the only one pulling the queue.
type QueuePublisher interface {
	Publish(ctx context.Context, item model.ModerationQueueItem) error
}

// Engine is the C7 Moderation Engine.
type Engine struct {
	store  Store
	events Notifier
	chain  []Classifier
	cfg    Config
	logger zerolog.Logger

	publish QueuePublisher
}

// SetQueuePublisher wires the cross-instance replication hook in after
// construction, mirroring internal/event.Manager.SetPushHook.
func (e *Engine) SetQueuePublisher(p QueuePublisher) { e.publish = p }

// New creates an Engine. chain is applied in order; the first non-ignore
// decision does not short-circuit the remaining stages (all classifiers
// run, and the policy resolver picks the highest-precedence result), per
// spec §4.7 step 3.
func New(store Store, events Notifier, chain []Classifier, cfg Config, logger zerolog.Logger) *Engine {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 20
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Engine{
		store:  store,
		events: events,
		chain:  chain,
		cfg:    cfg,
		logger: logger.With().Str("component", "moderation").Logger(),
	}
}

// Submit places an item in its queue. Idempotent: a content id or
// profile-text item already enqueued is a no-op (spec §4.7 step 1).
func (e *Engine) Submit(ctx context.Context, item model.ModerationQueueItem) error {
	already, err := e.store.Enqueue(ctx, item)
	if err != nil {
		return err
	}
	if already {
		return nil
	}
	metrics.ModerationQueueDepth.WithLabelValues(queueLabel(item.Queue)).Inc()

	if e.publish != nil {
		if err := e.publish.Publish(ctx, item); err != nil {
			e.logger.Error().Err(err).Msg("publish moderation queue item for cross-instance replay")
		}
	}
	return nil
}

// RunWorker pulls pages from queue until ctx is cancelled, running each
// page's items through the classifier chain with bounded fan-out (spec
// §4.7 steps 2 and 4).
func (e *Engine) RunWorker(ctx context.Context, queue model.ModerationQueueType) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().
				Interface("panic_value", r).
				Str("stack", string(debug.Stack())).
				Msg("recovered panic in moderation worker")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		items, err := e.store.Dequeue(ctx, queue, e.cfg.PageSize)
		if err != nil {
			e.logger.Error().Err(err).Msg("dequeue moderation page")
			time.Sleep(time.Second)
			continue
		}
		if len(items) == 0 {
			time.Sleep(200 * time.Millisecond)
			continue
		}

		e.runPage(ctx, items)
	}
}

// runPage fans each item in the page out to its own classify-and-resolve
// task, bounded by cfg.Concurrency in-flight at once, and waits for the
// whole page before returning (cancel-safe at page boundaries, per spec
// §5's "Moderation workers: cancel-safe at page boundaries").
func (e *Engine) runPage(ctx context.Context, items []model.ModerationQueueItem) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)

	for _, item := range items {
		item := item
		g.Go(func() error {
			e.resolveOne(gctx, item)
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Engine) resolveOne(ctx context.Context, item model.ModerationQueueItem) {
	best := model.DecisionIgnore
	for _, c := range e.chain {
		if c.Name() == "nsfw" && item.ContentId == "" {
			continue // NSFW classifier only applies to media.
		}
		decision, err := e.classifyWithRetry(ctx, c, item)
		if err != nil {
			e.logger.Error().Err(err).Str("classifier", c.Name()).Msg("classifier exhausted retries")
			continue
		}
		if decision.Precedence() > best.Precedence() {
			best = decision
		}
	}

	if best == model.DecisionIgnore {
		best = e.resolveDefault()
	}

	if err := e.store.RecordDecision(ctx, item, best, ""); err != nil {
		e.logger.Error().Err(err).Msg("record moderation decision")
		return
	}

	metrics.ModerationDecisions.WithLabelValues(decisionLabel(best)).Inc()
	metrics.ModerationQueueDepth.WithLabelValues(queueLabel(item.Queue)).Dec()
	e.notify(item)
}

func (e *Engine) resolveDefault() model.ClassifierDecision {
	switch e.cfg.DefaultAction {
	case model.DefaultAccept:
		return model.DecisionAccept
	case model.DefaultReject:
		return model.DecisionReject
	default:
		return model.DecisionMoveToHuman
	}
}

// classifyWithRetry runs one classifier, retrying on error per
// cfg.RetryWaits; the wait at attempt i is RetryWaits[i], and the error
// surfaces once the list is exhausted (spec §4.7 step 5). The wait
// schedule is expressed as a backoff.BackOff so this, the push
// notifier's provider retries, and the backup link's reconnect loop all
// share one retry primitive instead of three hand-rolled ones.
func (e *Engine) classifyWithRetry(ctx context.Context, c Classifier, item model.ModerationQueueItem) (model.ClassifierDecision, error) {
	start := time.Now()
	defer func() {
		metrics.ClassifierLatency.WithLabelValues(c.Name()).Observe(time.Since(start).Seconds())
	}()

	bo := backoff.WithContext(newListBackOff(e.cfg.RetryWaits), ctx)
	var decision model.ClassifierDecision
	var attempt int
	err := backoff.Retry(func() error {
		var classifyErr error
		decision, classifyErr = c.Classify(ctx, item)
		if classifyErr != nil && attempt > 0 {
			metrics.ClassifierRetries.WithLabelValues(c.Name()).Inc()
		}
		attempt++
		return classifyErr
	}, bo)
	if err != nil {
		return model.DecisionIgnore, err
	}
	return decision, nil
}

// listBackOff replays a fixed list of wait durations (spec §4.7 step 5's
// retry_wait_times_in_seconds), then stops — unlike backoff's usual
// exponential curve, this schedule is operator-configured per classifier.
type listBackOff struct {
	waits []time.Duration
	next  int
}

func newListBackOff(waits []time.Duration) *listBackOff { return &listBackOff{waits: waits} }

func (l *listBackOff) Reset() { l.next = 0 }

func (l *listBackOff) NextBackOff() time.Duration {
	if l.next >= len(l.waits) {
		return backoff.Stop
	}
	d := l.waits[l.next]
	l.next++
	return d
}

func (e *Engine) notify(item model.ModerationQueueItem) {
	kind := model.EventContentModerationCompleted
	if item.Queue == model.QueueProfileStringModeration {
		kind = model.EventProfileTextModerationCompleted
	}
	_ = e.events.Send(item.Account, model.EventToClient{Kind: kind})
}

// ErrModeratorAtCapacity is returned by ClaimNext when the moderator
// already holds MaxInProgressPerModerator items.
var ErrModeratorAtCapacity = errors.New("moderation: moderator at in-progress capacity")

// ClaimNext hands a human moderator the next item in queue, enforcing
// the MAX_COUNT=5 concurrent-claim cap (spec §3).
func (e *Engine) ClaimNext(ctx context.Context, moderator model.AccountIdInternal, queue model.ModerationQueueType) (*model.ModerationQueueItem, error) {
	inProgress, err := e.store.InProgressCount(ctx, moderator)
	if err != nil {
		return nil, err
	}
	if inProgress >= model.MaxInProgressPerModerator {
		return nil, ErrModeratorAtCapacity
	}
	return e.store.ClaimForModerator(ctx, moderator, queue)
}

// HumanDecide posts a moderator's final decision, which transitions the
// content to AcceptedByHuman or RejectedByHuman and always wins over any
// prior bot decision (spec §4.7 step 6).
func (e *Engine) HumanDecide(ctx context.Context, item model.ModerationQueueItem, moderator model.AccountIdInternal, accept bool, reason string) error {
	if err := e.store.RecordHumanDecision(ctx, item, moderator, accept, reason); err != nil {
		return apperror.Wrap(apperror.NotAllowed, "record human moderation decision", err)
	}
	decision := model.DecisionReject
	if accept {
		decision = model.DecisionAccept
	}
	metrics.ModerationDecisions.WithLabelValues(decisionLabel(decision) + "_human").Inc()
	e.notify(item)
	return nil
}

func decisionLabel(d model.ClassifierDecision) string {
	switch d {
	case model.DecisionAccept:
		return "accept"
	case model.DecisionReject:
		return "reject"
	case model.DecisionMoveToHuman:
		return "move_to_human"
	case model.DecisionDelete:
		return "delete"
	default:
		return "ignore"
	}
}

func queueLabel(q model.ModerationQueueType) string {
	switch q {
	case model.QueueInitialMediaModeration:
		return "initial_media"
	case model.QueueMediaModeration:
		return "media"
	case model.QueueProfileStringModeration:
		return "profile_text"
	default:
		return "unknown"
	}
}
