package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ethpandaops/buildsync/pkg/config"
	"github.com/ethpandaops/buildsync/pkg/queue"
	"github.com/ethpandaops/buildsync/pkg/store"
)

// maxBackoffSteps caps how far the exponential backoff is walked for a
// single delay.
const maxBackoffSteps = 64

// Driver runs registered tasks from the queue.
type Driver interface {
	Start(ctx context.Context) error
	Stop() error

	// Enqueue schedules a task to run after delay.
	Enqueue(ctx context.Context, name string, args Args, delay time.Duration) error
	// EnqueueTx is Enqueue inside the unit of work uow.
	EnqueueTx(
		ctx context.Context,
		uow store.Store,
		name string,
		args Args,
		delay time.Duration,
	) error
	// RunPending claims and runs every due task once, returning how many
	// ran.
	RunPending(ctx context.Context) (int, error)
}

// Compile-time interface check.
var _ Driver = (*driver)(nil)

type driver struct {
	log      logrus.FieldLogger
	queue    queue.Queue
	registry *Registry
	cfg      *config.SchedulerConfig
	now      func() time.Time
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDriver creates a task driver.
func NewDriver(
	log logrus.FieldLogger,
	q queue.Queue,
	registry *Registry,
	cfg *config.SchedulerConfig,
) Driver {
	return &driver{
		log:      log.WithField("component", "driver"),
		queue:    q,
		registry: registry,
		cfg:      cfg,
		now:      time.Now,
		done:     make(chan struct{}),
	}
}

// Start requeues tasks orphaned by a previous process and launches the
// polling loop.
func (d *driver) Start(ctx context.Context) error {
	if _, err := d.queue.RequeueInProgress(ctx); err != nil {
		return err
	}

	d.log.WithFields(logrus.Fields{
		"poll_interval": d.cfg.PollInterval.String(),
		"concurrency":   d.cfg.Concurrency,
		"tasks":         d.registry.Names(),
	}).Info("Starting task driver")

	d.wg.Add(1)

	go func() {
		defer d.wg.Done()

		ticker := time.NewTicker(d.cfg.PollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if _, err := d.RunPending(ctx); err != nil {
					d.log.WithError(err).Warn("Task pass failed")
				}
			case <-d.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop signals the polling loop to stop and waits for running tasks.
func (d *driver) Stop() error {
	d.stopOnce.Do(func() { close(d.done) })
	d.wg.Wait()

	d.log.Info("Task driver stopped")

	return nil
}

func (d *driver) Enqueue(
	ctx context.Context,
	name string,
	args Args,
	delay time.Duration,
) error {
	return d.enqueue(ctx, d.queue, name, args, delay)
}

func (d *driver) EnqueueTx(
	ctx context.Context,
	uow store.Store,
	name string,
	args Args,
	delay time.Duration,
) error {
	return d.enqueue(ctx, d.queue.WithDB(uow.DB()), name, args, delay)
}

func (d *driver) enqueue(
	ctx context.Context,
	q queue.Queue,
	name string,
	args Args,
	delay time.Duration,
) error {
	if _, ok := d.registry.Lookup(name); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}

	t, created, err := q.Enqueue(ctx, name, args.Key(), args, d.now().Add(delay))
	if err != nil {
		return err
	}

	d.log.WithFields(logrus.Fields{
		"task":    name,
		"task_id": t.ID,
		"args":    args.Key(),
		"delay":   delay.String(),
		"created": created,
	}).Debug("Enqueued task")

	return nil
}

func (d *driver) RunPending(ctx context.Context) (int, error) {
	limit := max(d.cfg.Concurrency, 1)

	claimed, err := d.queue.ClaimDue(ctx, d.now(), limit)
	if err != nil && len(claimed) == 0 {
		return 0, err
	}

	if len(claimed) == 0 {
		return 0, nil
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for _, t := range claimed {
		g.Go(func() error {
			if err := d.execute(gCtx, t); err != nil {
				d.log.WithError(err).
					WithField("task_id", t.ID).
					Warn("Failed to record task outcome")
			}

			return nil
		})
	}

	if werr := g.Wait(); werr != nil {
		return len(claimed), fmt.Errorf("running tasks: %w", werr)
	}

	return len(claimed), err
}

// execute runs one claimed task and records its outcome.
func (d *driver) execute(ctx context.Context, t queue.Task) error {
	log := d.log.WithFields(logrus.Fields{
		"task":    t.Name,
		"task_id": t.ID,
		"attempt": t.Attempts,
	})

	def, ok := d.registry.Lookup(t.Name)
	if !ok {
		log.Error("No definition registered for task")

		return d.queue.Complete(ctx, t.ID, store.ResultAborted, ErrUnknownTask.Error())
	}

	args := Args(t.Args)
	outcome := d.run(ctx, def, args)

	switch outcome.Kind() {
	case KindDone:
		log.Debug("Task done")

		return d.queue.Complete(ctx, t.ID, store.ResultPassed, "")
	case KindAbort:
		return d.abort(ctx, log, t, def, args, outcome.Err())
	}

	retries := t.Retries + 1
	if def.MaxRetries > 0 && retries > def.MaxRetries {
		err := ErrMaxRetriesExceeded
		if outcome.Err() != nil {
			err = fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, outcome.Err())
		}

		return d.abort(ctx, log, t, def, args, err)
	}

	delay := d.cfg.ContinueInterval
	lastErr := ""

	if outcome.Kind() == KindFail {
		delay = d.backoffDelay(t.Retries)
		lastErr = outcome.Err().Error()

		log.WithError(outcome.Err()).
			WithField("retry_in", delay.String()).
			Warn("Task failed, retrying")
	} else {
		log.WithField("retry_in", delay.String()).Debug("Task not finished, retrying")
	}

	return d.queue.Reschedule(ctx, t.ID, d.now().Add(delay), retries, lastErr)
}

// run invokes the task body, turning a panic into a retryable failure.
func (d *driver) run(ctx context.Context, def Definition, args Args) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			outcome = Fail(fmt.Errorf("task panicked: %v", r))
		}
	}()

	return def.Run(ctx, args)
}

func (d *driver) abort(
	ctx context.Context,
	log logrus.FieldLogger,
	t queue.Task,
	def Definition,
	args Args,
	cause error,
) error {
	if cause == nil {
		cause = errors.New("aborted")
	}

	log.WithError(cause).Error("Task aborted")

	if def.OnAbort != nil {
		def.OnAbort(ctx, args, cause)
	}

	return d.queue.Complete(ctx, t.ID, store.ResultAborted, cause.Error())
}

// backoffDelay returns the delay before the next run of a task that has
// already been retried the given number of times.
func (d *driver) backoffDelay(retries int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.Backoff.InitialInterval
	b.MaxInterval = d.cfg.Backoff.MaxInterval
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.NextBackOff()
	for i := 0; i < min(retries, maxBackoffSteps) && delay < b.MaxInterval; i++ {
		delay = b.NextBackOff()
	}

	return delay
}
