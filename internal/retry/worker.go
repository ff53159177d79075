package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/onnwee/billing/internal/automaton"
	"github.com/onnwee/billing/internal/callcontext"
	"github.com/onnwee/billing/internal/payment"
)

// Worker defaults.
const (
	DefaultPollInterval  = 5 * time.Second
	DefaultBatchSize     = 50
	DefaultSweepInterval = time.Minute
	DefaultStaleAfter    = DefaultMaxDelay + automaton.DefaultClaimTimeout
)

// RetryReason is recorded as the call context reason of retry runs.
const RetryReason = "payment-retry"

// SweepUserName is the call context user of jobs rebuilt by a sweep.
const SweepUserName = "payment-retry-sweep"

// Runner executes payment operations.
type Runner interface {
	Run(ctx context.Context, req automaton.RunRequest) (*payment.Payment, error)
}

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	PollInterval time.Duration
	BatchSize    int

	// RequeueDelay postpones a job whose run failed on persistence.
	// Defaults to the policy base delay.
	RequeueDelay time.Duration

	// SweepInterval is how often Run looks for stale retry attempts.
	SweepInterval time.Duration

	// StaleAfter is how long a retry attempt may stay INIT, unclaimed since
	// creation or since its last claim, before a sweep enqueues it again.
	// It must exceed the longest retry delay and the runner claim timeout.
	StaleAfter time.Duration
}

// Worker claims due retry jobs and resumes their attempts.
type Worker struct {
	queue   Queue
	store   payment.Store
	runner  Runner
	cfg     WorkerConfig
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewWorker creates a Worker. metrics and logger may be nil.
func NewWorker(queue Queue, store payment.Store, runner Runner, cfg WorkerConfig, metrics *Metrics, logger *slog.Logger) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.RequeueDelay <= 0 {
		cfg.RequeueDelay = DefaultBaseDelay
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		queue:   queue,
		store:   store,
		runner:  runner,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// RunOnce processes the jobs due now and returns how many were claimed.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	// Jobs claimed before a claim error are still processed.
	jobs, claimErr := w.queue.ClaimDue(ctx, w.now(), w.cfg.BatchSize)

	for _, job := range jobs {
		start := time.Now()
		status := w.process(ctx, job)
		w.metrics.IncJobsTotal(status)
		w.metrics.ObserveJobDuration(time.Since(start).Seconds())
	}

	if depth, err := w.queue.Len(ctx); err == nil {
		w.metrics.SetQueueDepth(depth)
	}
	return len(jobs), claimErr
}

func (w *Worker) process(ctx context.Context, job Job) string {
	ctx = callcontext.WithCallContext(ctx, callcontext.CallContext{
		TenantID:  job.TenantID,
		UserName:  job.UserName,
		Reason:    RetryReason,
		RequestID: job.RequestID,
	})
	logger := w.logger.With(
		slog.String("payment_id", job.PaymentID.String()),
		slog.String("attempt_id", job.AttemptID.String()),
		slog.String("external_key", job.ExternalKey),
		slog.Int("retry_number", job.RetryNumber))

	attempt, err := w.store.GetAttempt(ctx, job.AttemptID)
	if err != nil {
		if errors.Is(err, payment.ErrAttemptNotFound) {
			logger.Warn("dropping retry for unknown attempt")
			return StatusSkipped
		}
		return w.fail(ctx, logger, job, err)
	}
	if attempt.StateName != payment.StateInit {
		logger.Debug("retry attempt already executed", slog.String("state", string(attempt.StateName)))
		return StatusSkipped
	}

	p, err := w.store.GetPayment(ctx, attempt.PaymentID)
	if err != nil {
		return w.fail(ctx, logger, job, err)
	}

	result, err := w.runner.Run(ctx, automaton.RunRequest{
		TransactionType:   attempt.TransactionType,
		Account:           payment.Account{ID: p.AccountID, Currency: p.Currency, PaymentMethodID: p.PaymentMethodID},
		PaymentMethodID:   attempt.PaymentMethodID,
		ExistingPaymentID: p.ID,
		InvoiceID:         p.InvoiceID,
		Resume:            true,
		ExternalKey:       attempt.ExternalKey,
		Amount:            attempt.Amount,
		Currency:          attempt.Currency,
		Properties:        attempt.Properties,
		PluginName:        attempt.PluginName,
	})
	if err != nil {
		return w.fail(ctx, logger, job, err)
	}

	logger.Info("payment retry executed", slog.String("status", string(result.Status)))
	return StatusSuccess
}

// fail records a failed job. Persistence failures are requeued; the attempt
// is still INIT and can be resumed.
func (w *Worker) fail(ctx context.Context, logger *slog.Logger, job Job, err error) string {
	code := payment.CodeOf(err)
	w.metrics.IncJobErrors(string(code))

	if code != payment.CodePersistence {
		logger.Error("payment retry failed", slog.String("code", string(code)), slog.String("error", err.Error()))
		return StatusFailure
	}

	job.DueAt = w.now().Add(w.cfg.RequeueDelay).UTC()
	if qerr := w.queue.Enqueue(ctx, job); qerr != nil {
		logger.Error("failed to requeue payment retry",
			slog.String("error", err.Error()),
			slog.String("queue_error", qerr.Error()))
		return StatusFailure
	}
	logger.Warn("payment retry requeued", slog.String("error", err.Error()), slog.Time("due_at", job.DueAt))
	return StatusFailure
}

// Sweep enqueues retry attempts whose job was lost: the notifier failed,
// a claimed job died with its worker, or a run crashed after claiming. The
// jobs are due now. Returns how many were enqueued.
func (w *Worker) Sweep(ctx context.Context) (int, error) {
	now := w.now()
	stale, err := w.store.ListStaleRetryAttempts(ctx, now.Add(-w.cfg.StaleAfter), w.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	enqueued := 0
	for _, a := range stale {
		job := Job{
			TenantID:    a.TenantID,
			UserName:    SweepUserName,
			PaymentID:   a.PaymentID,
			AttemptID:   a.ID,
			ExternalKey: a.ExternalKey,
			RetryNumber: a.RetryNumber,
			DueAt:       now.UTC(),
		}
		if err := w.queue.Enqueue(ctx, job); err != nil {
			w.metrics.AddSwept(enqueued)
			return enqueued, err
		}
		enqueued++
		w.logger.Warn("re-enqueued stale payment retry",
			slog.String("tenant_id", a.TenantID.String()),
			slog.String("payment_id", a.PaymentID.String()),
			slog.String("attempt_id", a.ID.String()),
			slog.Int("retry_number", a.RetryNumber))
	}
	w.metrics.AddSwept(enqueued)
	return enqueued, nil
}

// Run polls the queue until ctx is done, sweeping for stale attempts every
// SweepInterval.
// This function blocks and should typically be run in a goroutine.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	w.logger.Info("payment retry worker started",
		slog.Duration("poll_interval", w.cfg.PollInterval),
		slog.Duration("sweep_interval", w.cfg.SweepInterval),
		slog.Int("batch_size", w.cfg.BatchSize))

	var lastSweep time.Time
	for {
		if now := w.now(); now.Sub(lastSweep) >= w.cfg.SweepInterval {
			lastSweep = now
			if _, err := w.Sweep(ctx); err != nil {
				w.logger.Error("payment retry sweep failed", slog.String("error", err.Error()))
			}
		}
		if _, err := w.RunOnce(ctx); err != nil {
			w.logger.Error("payment retry poll failed", slog.String("error", err.Error()))
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			w.logger.Info("stopping payment retry worker")
			return
		}
	}
}
