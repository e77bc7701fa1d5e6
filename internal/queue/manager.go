package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/sirupsen/logrus"

	"github.com/ahrdadan/flowcheck/internal/metrics"
	"github.com/ahrdadan/flowcheck/internal/scenario"
)

const (
	// StreamName is the name of the JetStream stream
	StreamName = "FLOWCHECK_RUNS"
	// SubjectName is the subject for run messages
	SubjectName = "flowcheck.runs"
	// ConsumerName is the name of the durable consumer
	ConsumerName = "flowcheck-worker"

	publishTimeout = 5 * time.Second
	fetchMaxWait   = 5 * time.Second
)

// ErrNotCancelable is returned when canceling a run that already finished.
var ErrNotCancelable = errors.New("run cannot be canceled")

// Publisher is the part of JetStream the manager publishes through.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Processor executes one run and returns its report. Errors wrapped with
// Permanent are never retried.
type Processor interface {
	Process(ctx context.Context, run *Run, progress func(ProgressInfo)) (*scenario.Report, error)
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// AckWait must exceed the longest run timeout or JetStream redelivers
	// runs that are still executing.
	AckWait         time.Duration
	CleanupInterval time.Duration
	Notifier        *Notifier
	Logger          logrus.FieldLogger
	Metrics         *metrics.Collector
}

// Manager manages the run queue
type Manager struct {
	pub      Publisher
	consumer jetstream.Consumer
	store    *Store
	events   *EventHub
	notifier *Notifier
	logger   logrus.FieldLogger
	metrics  *metrics.Collector

	mu        sync.Mutex
	active    map[string]context.CancelFunc
	isRunning bool
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	// webhooks are tracked apart from the worker; stopping refuses new ones
	// so notifyWG.Add never races notifyWG.Wait
	stopping bool
	notifyWG sync.WaitGroup
}

// NewManager creates the stream and durable consumer and returns a manager
// publishing through js.
func NewManager(js jetstream.JetStream, opts ManagerOptions) (*Manager, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	consumer, err := setupStream(ctx, js, opts.AckWait)
	if err != nil {
		return nil, fmt.Errorf("failed to setup stream: %w", err)
	}
	return newManager(js, consumer, opts), nil
}

func newManager(pub Publisher, consumer jetstream.Consumer, opts ManagerOptions) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger = logger.WithField("component", "queue")

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		pub:      pub,
		consumer: consumer,
		store:    NewStore(opts.CleanupInterval, logger),
		events:   NewEventHub(),
		notifier: opts.Notifier,
		logger:   logger,
		metrics:  opts.Metrics,
		active:   make(map[string]context.CancelFunc),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// setupStream creates or updates the JetStream stream and its consumer
func setupStream(ctx context.Context, js jetstream.JetStream, ackWait time.Duration) (jetstream.Consumer, error) {
	if ackWait <= 0 {
		ackWait = 30 * time.Minute
	}

	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Description: "flowcheck run queue",
		Subjects:    []string{SubjectName},
		Retention:   jetstream.WorkQueuePolicy,
		MaxAge:      24 * time.Hour,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create stream: %w", err)
	}

	consumer, err := js.CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		Name:          ConsumerName,
		Durable:       ConsumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		MaxDeliver:    5,
		AckWait:       ackWait,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}
	return consumer, nil
}

// Start starts processing runs from the queue, one at a time
func (m *Manager) Start(processor Processor) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isRunning {
		return nil
	}
	if m.consumer == nil {
		return errors.New("queue has no consumer")
	}
	m.isRunning = true

	m.logger.Info("starting run queue worker")
	m.wg.Add(1)
	go m.work(processor)
	return nil
}

func (m *Manager) work(processor Processor) {
	defer m.wg.Done()

	for m.ctx.Err() == nil {
		batch, err := m.consumer.Fetch(1, jetstream.FetchMaxWait(fetchMaxWait))
		if err != nil {
			m.logger.WithError(err).Debug("fetch failed")
			select {
			case <-m.ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for msg := range batch.Messages() {
			m.processMessage(msg, processor)
		}
		if err := batch.Error(); err != nil && m.ctx.Err() == nil {
			m.logger.WithError(err).Debug("fetch batch ended with error")
		}
	}
}

// Stop cancels in-flight runs, waits for the worker and pending webhooks,
// and releases the store.
func (m *Manager) Stop() {
	m.mu.Lock()
	wasRunning := m.isRunning
	m.isRunning = false
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()

	m.mu.Lock()
	m.stopping = true
	m.mu.Unlock()
	m.notifyWG.Wait()
	m.store.Stop()
	m.events.Close()

	if wasRunning {
		m.logger.Info("run queue worker stopped")
	}
}

// Enqueue stores and publishes run. A live run with the same idempotency key
// is returned instead, with duplicate set.
func (m *Manager) Enqueue(run *Run) (stored *Run, duplicate bool, err error) {
	run.Message = "run queued"
	stored, duplicate = m.store.Save(run)
	if duplicate {
		return stored, true, nil
	}

	data, err := stored.ToJSON()
	if err != nil {
		m.store.Delete(stored.ID)
		return nil, false, fmt.Errorf("failed to serialize run: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if _, err := m.pub.Publish(ctx, SubjectName, data); err != nil {
		m.store.Delete(stored.ID)
		return nil, false, fmt.Errorf("failed to publish run: %w", err)
	}

	m.logger.WithFields(logrus.Fields{"run_id": stored.ID, "scenarios": stored.Request.Scenarios}).Info("run queued")
	m.events.Emit(EventFor(stored))
	return stored, false, nil
}

// GetRun retrieves a run by ID
func (m *Manager) GetRun(id string) (*Run, error) {
	return m.store.Get(id)
}

// Runs lists every live run.
func (m *Manager) Runs() []*Run {
	return m.store.List()
}

// update mutates a stored run and emits the resulting state
func (m *Manager) update(id string, fn func(*Run)) (*Run, error) {
	run, err := m.store.Update(id, fn)
	if err != nil {
		return nil, err
	}
	m.events.Emit(EventFor(run))
	return run, nil
}

// CancelRun cancels a queued, retrying or running run. A running run has its
// context canceled; its partial report is kept.
func (m *Manager) CancelRun(id string) (*Run, error) {
	var prev RunStatus
	run, err := m.update(id, func(r *Run) {
		prev = r.Status
		if r.Status.Terminal() {
			return
		}
		r.Message = "run canceled"
		r.SetStatus(RunStatusCanceled)
	})
	if err != nil {
		return nil, err
	}
	if prev.Terminal() {
		return nil, fmt.Errorf("%w: run is %s", ErrNotCancelable, prev)
	}

	m.mu.Lock()
	cancel := m.active[id]
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	m.logger.WithField("run_id", id).Info("run canceled")
	m.notify(run)
	return run, nil
}

// Subscribe subscribes to run events
func (m *Manager) Subscribe(id string) <-chan Event {
	return m.events.Subscribe(id)
}

// Unsubscribe unsubscribes from run events
func (m *Manager) Unsubscribe(id string, ch <-chan Event) {
	m.events.Unsubscribe(id, ch)
}

func (m *Manager) track(id string, cancel context.CancelFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel == nil {
		delete(m.active, id)
		return
	}
	m.active[id] = cancel
}

func (m *Manager) processMessage(msg jetstream.Msg, processor Processor) {
	queued, err := FromJSON(msg.Data())
	if err != nil {
		m.logger.WithError(err).Error("failed to unmarshal run, dropping message")
		_ = msg.Term()
		return
	}
	log := m.logger.WithField("run_id", queued.ID)

	stored, err := m.store.Get(queued.ID)
	if err != nil {
		log.WithError(err).Warn("queued run is no longer stored, dropping message")
		_ = msg.Term()
		return
	}
	if stored.Status.Terminal() {
		_ = msg.Ack()
		return
	}
	if stored.Status == RunStatusRetrying && stored.NextRetryAt > 0 {
		if wait := time.Until(time.Unix(stored.NextRetryAt, 0)); wait > 0 {
			_ = msg.NakWithDelay(wait)
			return
		}
	}

	ctx, cancel := context.WithTimeout(m.ctx, stored.TimeoutDuration())
	defer cancel()
	m.track(stored.ID, cancel)
	defer m.track(stored.ID, nil)

	run, err := m.update(stored.ID, func(r *Run) {
		if r.Status.Terminal() {
			return
		}
		r.Message = "run started"
		r.SetStatus(RunStatusRunning)
	})
	if err != nil || run.Status != RunStatusRunning {
		_ = msg.Ack()
		return
	}

	log.WithField("attempt", run.RetryCount+1).Info("run started")
	m.metrics.RunStarted()

	report, runErr := processor.Process(ctx, run, func(info ProgressInfo) {
		_, _ = m.update(run.ID, func(r *Run) {
			if r.Status == RunStatusRunning {
				r.SetProgress(info)
			}
		})
	})

	final, err := m.update(run.ID, func(r *Run) {
		switch {
		case r.Status == RunStatusCanceled:
			if report != nil {
				r.Report = report
			}
		case m.ctx.Err() != nil:
			r.Report = report
			r.Fail("interrupted: run queue shutting down")
		case runErr == nil:
			r.Complete(report)
		case !IsPermanent(runErr) && r.CanRetry():
			r.PrepareRetry(runErr.Error())
		default:
			r.Fail(runErr.Error())
		}
	})
	if err != nil {
		log.WithError(err).Warn("run disappeared while executing")
		m.metrics.RunFinished("lost")
		_ = msg.Ack()
		return
	}

	if final.Status == RunStatusRetrying {
		if err := m.republish(final); err != nil {
			log.WithError(err).Error("failed to re-enqueue run for retry")
			final, _ = m.update(final.ID, func(r *Run) {
				r.Fail(fmt.Sprintf("%s (re-enqueue failed: %v)", r.LastError, err))
			})
		}
	}

	switch {
	case final == nil:
	case final.Status == RunStatusRetrying:
		log.WithError(runErr).WithField("retry_count", final.RetryCount).Warn("run will be retried")
		m.metrics.RunFinished("retrying")
	case final.Status == RunStatusCompleted:
		log.WithField("verdict", final.Verdict).Info("run completed")
		m.metrics.RunFinished(final.Verdict)
		m.notify(final)
	case final.Status == RunStatusCanceled:
		m.metrics.RunFinished(string(final.Status))
	default:
		log.WithField("error", final.Error).Error("run failed")
		m.metrics.RunFinished(string(final.Status))
		m.notify(final)
	}

	_ = msg.Ack()
}

func (m *Manager) republish(run *Run) error {
	data, err := run.ToJSON()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	_, err = m.pub.Publish(ctx, SubjectName, data)
	return err
}

func (m *Manager) notify(run *Run) {
	if m.notifier == nil || run.Request.Notify == nil || run.Request.Notify.WebhookURL == "" {
		return
	}
	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		m.logger.WithField("run_id", run.ID).Warn("run queue stopped, webhook not sent")
		return
	}
	m.notifyWG.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.notifyWG.Done()
		if err := m.notifier.Notify(context.Background(), run); err != nil {
			m.logger.WithError(err).WithField("run_id", run.ID).Warn("webhook delivery failed")
		}
	}()
}
