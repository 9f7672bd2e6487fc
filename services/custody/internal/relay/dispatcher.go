package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/andt14111999/test-exchange-sub001/libs/kafka"
	"github.com/andt14111999/test-exchange-sub001/services/custody/internal/fsm"
	"github.com/andt14111999/test-exchange-sub001/services/custody/internal/operations"
	"github.com/andt14111999/test-exchange-sub001/services/custody/internal/storage"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	OutcomeSubmitted = "submitted"
	OutcomeRetry     = "retry"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
	OutcomeError     = "error"
)

// Source is the dispatcher's view of withdrawal state.
type Source interface {
	GetWithdrawal(ctx context.Context, id uuid.UUID) (*storage.Withdrawal, error)
	RelayableWithdrawals(ctx context.Context) ([]*storage.Withdrawal, error)
	// NoteWithdrawal records the latest relay error on the withdrawal.
	NoteWithdrawal(ctx context.Context, id uuid.UUID, explanation string) error
}

type Metrics interface {
	ObserveRelay(kind, outcome string, d time.Duration)
}

type Config struct {
	Workers      int
	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	JobTimeout   time.Duration
	PollInterval time.Duration
	Lease        time.Duration

	// SweepInterval is how often relayable withdrawals missing from the
	// queue are put back on it.
	SweepInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Workers:       4,
		MaxAttempts:   5,
		BaseBackoff:   time.Second,
		MaxBackoff:    5 * time.Minute,
		JobTimeout:    30 * time.Second,
		PollInterval:  500 * time.Millisecond,
		Lease:         2 * time.Minute,
		SweepInterval: time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = def.BaseBackoff
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = c.BaseBackoff
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = def.JobTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.Lease <= c.JobTimeout {
		c.Lease = 2 * c.JobTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	return c
}

// Dispatcher runs outbound submissions for withdrawals waiting on a relay.
// A submission may reach the relay more than once; the completion event it
// reports carries a deterministic id, so the ledger effect happens once.
type Dispatcher struct {
	queue     Queue
	source    Source
	submitter Submitter
	reporter  Reporter
	metrics   Metrics
	logger    *slog.Logger
	cfg       Config
	now       func() time.Time
}

func NewDispatcher(queue Queue, source Source, submitter Submitter, reporter Reporter, metrics Metrics, logger *slog.Logger, cfg Config) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		queue:     queue,
		source:    source,
		submitter: submitter,
		reporter:  reporter,
		metrics:   metrics,
		logger:    logger,
		cfg:       cfg.withDefaults(),
		now:       time.Now,
	}
}

// Schedule queues the operation for immediate submission. Scheduling an
// operation already queued resets its attempts.
func (d *Dispatcher) Schedule(ctx context.Context, ref storage.OperationRef) error {
	if ref.Kind != storage.OpWithdrawal {
		return fmt.Errorf("relay does not handle %s", ref.Kind)
	}
	return d.queue.Enqueue(ctx, Job{Kind: ref.Kind, ID: ref.ID}, d.now())
}

// Run sweeps once, then starts the worker pool and a periodic sweep, and
// blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.sweepLoop(ctx)
	}()
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			d.work(ctx, d.logger.With("worker", worker))
		}(i)
	}
	d.logger.Info("relay dispatcher started", "workers", d.cfg.Workers)
	wg.Wait()
	d.logger.Info("relay dispatcher stopped")
	return nil
}

func (d *Dispatcher) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		if _, err := d.Sweep(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("relay sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep queues every relayable withdrawal that has no job, so a lost
// enqueue or a restart with an in-process queue never strands one. Jobs
// already queued keep their attempts and due time.
func (d *Dispatcher) Sweep(ctx context.Context) (int, error) {
	pending, err := d.source.RelayableWithdrawals(ctx)
	if err != nil {
		return 0, err
	}
	added := 0
	now := d.now()
	for _, w := range pending {
		ok, err := d.queue.Add(ctx, Job{Kind: storage.OpWithdrawal, ID: w.ID}, now)
		if err != nil {
			return added, err
		}
		if ok {
			added++
			d.logger.Info("relay job restored", "operation", storage.OperationRef{Kind: storage.OpWithdrawal, ID: w.ID}.String(), "status", w.Status)
		}
	}
	return added, nil
}

func (d *Dispatcher) work(ctx context.Context, logger *slog.Logger) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		for ctx.Err() == nil {
			ran, err := d.RunOnce(ctx)
			if err != nil {
				logger.Error("relay poll failed", "error", err)
				break
			}
			if !ran {
				break
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce claims and processes at most one due job.
func (d *Dispatcher) RunOnce(ctx context.Context) (bool, error) {
	job, err := d.queue.Claim(ctx, d.now(), d.cfg.Lease)
	if err != nil || job == nil {
		return false, err
	}
	d.process(ctx, *job)
	return true, nil
}

func (d *Dispatcher) process(ctx context.Context, job Job) {
	ctx, span := otel.Tracer("custody/relay").Start(ctx, "relay.process")
	defer span.End()
	span.SetAttributes(
		attribute.String("operation.kind", string(job.Kind)),
		attribute.String("operation.id", job.ID.String()),
		attribute.Int("relay.attempt", job.Attempt),
	)

	start := d.now()
	outcome, err := d.execute(ctx, job)
	if d.metrics != nil {
		d.metrics.ObserveRelay(string(job.Kind), outcome, d.now().Sub(start))
	}
	span.SetAttributes(attribute.String("relay.outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func (d *Dispatcher) execute(ctx context.Context, job Job) (string, error) {
	log := d.logger.With("operation", job.Ref().String(), "attempt", job.Attempt)

	w, err := d.source.GetWithdrawal(ctx, job.ID)
	if errors.Is(err, storage.ErrNotFound) {
		log.Warn("relay job for unknown withdrawal dropped")
		return OutcomeSkipped, d.ack(ctx, job, log)
	}
	if err != nil {
		return OutcomeError, d.retry(ctx, job, err, log)
	}
	if !operations.Relayable(w) {
		log.Info("withdrawal no longer awaiting relay", "status", w.Status)
		return OutcomeSkipped, d.ack(ctx, job, log)
	}

	submitCtx, cancel := context.WithTimeout(ctx, d.cfg.JobTimeout)
	receipt, err := d.submitter.Submit(submitCtx, w)
	cancel()
	if err != nil {
		if job.Attempt+1 >= d.cfg.MaxAttempts {
			log.Error("relay attempts exhausted", "error", err)
			return d.finish(ctx, job, w, fsm.EventFail, "", fmt.Sprintf("relay failed after %d attempts: %v", job.Attempt+1, err), log)
		}
		note := fmt.Sprintf("relay attempt %d failed: %v", job.Attempt+1, err)
		if noteErr := d.source.NoteWithdrawal(ctx, w.ID, note); noteErr != nil {
			log.Warn("relay error not recorded", "error", noteErr)
		}
		return OutcomeRetry, d.retry(ctx, job, err, log)
	}

	event := fsm.EventComplete
	if w.Class == storage.ClassFiat {
		event = fsm.EventBankSent
	}
	log.Info("withdrawal submitted", "receipt", receipt)
	return d.finish(ctx, job, w, event, receipt, "", log)
}

// finish reports the completion and drops the job. A rejected report means
// the withdrawal moved on elsewhere; anything else is retried.
func (d *Dispatcher) finish(ctx context.Context, job Job, w *storage.Withdrawal, event, receipt, explanation string, log *slog.Logger) (string, error) {
	c := Completion{
		EventID:     CompletionEventID(w, event),
		Ref:         job.Ref(),
		Event:       event,
		Receipt:     receipt,
		Explanation: explanation,
	}
	err := d.reporter.Report(ctx, c)
	if err != nil && !operations.IsRejection(err) {
		return OutcomeError, d.retry(ctx, job, fmt.Errorf("report %s: %w", event, err), log)
	}
	if err != nil {
		log.Warn("relay completion rejected", "event", event, "error", err)
	}
	if ackErr := d.ack(ctx, job, log); ackErr != nil {
		return OutcomeError, ackErr
	}
	if event == fsm.EventFail {
		return OutcomeFailed, nil
	}
	return OutcomeSubmitted, nil
}

func (d *Dispatcher) retry(ctx context.Context, job Job, cause error, log *slog.Logger) error {
	delay := Backoff(d.cfg.BaseBackoff, d.cfg.MaxBackoff, job.Attempt)
	job.Attempt++
	if err := d.queue.Enqueue(ctx, job, d.now().Add(delay)); err != nil {
		log.Error("relay requeue failed", "error", err)
		return err
	}
	log.Warn("relay attempt failed", "error", cause, "retry_in", delay.String())
	return cause
}

func (d *Dispatcher) ack(ctx context.Context, job Job, log *slog.Logger) error {
	if err := d.queue.Ack(ctx, job); err != nil {
		log.Error("relay ack failed", "error", err)
		return err
	}
	return nil
}

// Backoff doubles base for every prior attempt, capped at max.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// CompletionEventID is stable for one withdrawal, bank round and event, so
// repeated submissions report the same event.
func CompletionEventID(w *storage.Withdrawal, event string) string {
	return kafka.DeterministicEventID("relay", string(storage.OpWithdrawal), w.ID.String(), strconv.Itoa(w.RetryCount), event)
}
