package natsclient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/sifan077/pageviews/internal/app/model"
	"github.com/sifan077/pageviews/internal/app/service"
	"go.uber.org/zap"
)

const (
	fetchBatch   = 10
	fetchTimeout = 5 * time.Second

	minFetchBackoff = 100 * time.Millisecond
	maxFetchBackoff = 5 * time.Second
)

// TaskSubject is the JetStream subject a task name is published on.
func TaskSubject(name string) string {
	return model.TaskSubjectPrefix + name
}

// TaskName extracts the task name from a subject built by TaskSubject.
func TaskName(subject string) (string, bool) {
	name, ok := strings.CutPrefix(subject, model.TaskSubjectPrefix)
	return name, ok && name != ""
}

// EnsureTaskStream creates the task stream and its durable consumer when
// missing.
func EnsureTaskStream(js nats.JetStreamContext) error {
	if _, err := js.StreamInfo(model.TaskStreamName); err != nil {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:     model.TaskStreamName,
			Subjects: []string{model.TaskSubjectPrefix + ">"},
			MaxBytes: model.TaskStreamMaxBytes,
			// Tasks are idempotent triggers; one consumer drains them.
			Retention: nats.WorkQueuePolicy,
		})
		if err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
	}

	if _, err := js.ConsumerInfo(model.TaskStreamName, model.TaskConsumerName); err != nil {
		_, err = js.AddConsumer(model.TaskStreamName, &nats.ConsumerConfig{
			Durable:   model.TaskConsumerName,
			AckPolicy: nats.AckExplicitPolicy,
		})
		if err != nil {
			return fmt.Errorf("failed to create consumer: %w", err)
		}
	}
	return nil
}

// TaskDispatcher publishes task triggers to JetStream.
type TaskDispatcher struct {
	js nats.JetStreamContext
}

var _ service.TaskDispatcher = (*TaskDispatcher)(nil)

func NewTaskDispatcher(js nats.JetStreamContext) *TaskDispatcher {
	return &TaskDispatcher{js: js}
}

func (d *TaskDispatcher) Dispatch(ctx context.Context, name string) error {
	msg := nats.NewMsg(TaskSubject(name))
	msg.Header.Set(nats.MsgIdHdr, uuid.NewString())
	if _, err := d.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish task %s: %w", name, err)
	}
	return nil
}

// TaskRunner pulls task triggers and runs the registered handlers.
type TaskRunner struct {
	js     nats.JetStreamContext
	tasks  *service.Tasks
	logger *zap.Logger
	clock  quartz.Clock

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewTaskRunner(js nats.JetStreamContext, tasks *service.Tasks, logger *zap.Logger) *TaskRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TaskRunner{js: js, tasks: tasks, logger: logger, clock: quartz.NewReal()}
}

// Start ensures the stream exists and begins consuming in the background.
func (r *TaskRunner) Start(ctx context.Context) error {
	if err := EnsureTaskStream(r.js); err != nil {
		return err
	}

	sub, err := r.js.PullSubscribe(model.TaskSubjectPrefix+">", model.TaskConsumerName,
		nats.Bind(model.TaskStreamName, model.TaskConsumerName))
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() { _ = sub.Unsubscribe() }()
		r.consume(ctx, sub)
	}()
	return nil
}

// Stop ends consumption and waits for the running task to finish.
func (r *TaskRunner) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	r.wg.Wait()
	r.logger.Info("task runner stopped")
}

// fetcher is the part of a pull subscription the runner uses.
type fetcher interface {
	Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error)
}

// consume fetches until ctx ends. Fetch errors other than an idle timeout
// back off exponentially, capped at maxFetchBackoff, and reset on success.
func (r *TaskRunner) consume(ctx context.Context, sub fetcher) {
	backoff := minFetchBackoff
	for ctx.Err() == nil {
		fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
		msgs, err := sub.Fetch(fetchBatch, nats.Context(fetchCtx))
		cancel()
		if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
			r.logger.Warn("task subscription closed", zap.Error(err))
			return
		}
		if err != nil && !isIdle(err) {
			r.logger.Error("failed to fetch task messages", zap.Duration("retry_in", backoff), zap.Error(err))
			r.wait(ctx, backoff)
			backoff = min(backoff*2, maxFetchBackoff)
			continue
		}
		backoff = minFetchBackoff

		for _, msg := range msgs {
			r.handle(ctx, msg)
		}
	}
}

func (r *TaskRunner) wait(ctx context.Context, d time.Duration) {
	timer := r.clock.NewTimer(d, "task_runner", "backoff")
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (r *TaskRunner) handle(ctx context.Context, msg *nats.Msg) {
	name, ok := TaskName(msg.Subject)
	if !ok {
		r.logger.Warn("dropping task with malformed subject", zap.String("subject", msg.Subject))
		_ = msg.Term()
		return
	}

	err := r.tasks.Run(ctx, name)
	switch {
	case errors.Is(err, service.ErrUnknownTask):
		r.logger.Warn("dropping unknown task", zap.String("task", name))
		_ = msg.Term()
	case err != nil:
		// Flush failures are not retried; see service.Buffer.
		r.logger.Error("task failed",
			zap.String("task", name),
			zap.String("msg_id", msg.Header.Get(nats.MsgIdHdr)),
			zap.Error(err))
		_ = msg.Ack()
	default:
		r.logger.Debug("task completed", zap.String("task", name))
		_ = msg.Ack()
	}
}

func isIdle(err error) bool {
	return errors.Is(err, nats.ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}
