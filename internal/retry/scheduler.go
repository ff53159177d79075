package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/onnwee/billing/internal/automaton"
	"github.com/onnwee/billing/internal/callcontext"
)

// Scheduler turns retries reported by the automaton into queued jobs.
// It implements automaton.RetryNotifier.
type Scheduler struct {
	queue  Queue
	policy Policy
	logger *slog.Logger
	now    func() time.Time
}

var _ automaton.RetryNotifier = (*Scheduler)(nil)

// NewScheduler creates a Scheduler. logger may be nil.
func NewScheduler(queue Queue, policy Policy, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{queue: queue, policy: policy, logger: logger, now: time.Now}
}

// ScheduleRetry enqueues r, due after the policy delay for its retry number.
func (s *Scheduler) ScheduleRetry(ctx context.Context, r automaton.Retry) error {
	cc, ok := callcontext.FromContext(ctx)
	if !ok {
		return callcontext.ErrMissingCallContext
	}

	job := Job{
		TenantID:    cc.TenantID,
		UserName:    cc.UserName,
		RequestID:   cc.RequestID,
		PaymentID:   r.PaymentID,
		AttemptID:   r.AttemptID,
		ExternalKey: r.ExternalKey,
		RetryNumber: r.RetryNumber,
		DueAt:       s.now().Add(s.policy.Delay(r.RetryNumber)).UTC(),
	}
	if err := s.queue.Enqueue(ctx, job); err != nil {
		return err
	}

	s.logger.Info("payment retry scheduled",
		slog.String("payment_id", r.PaymentID.String()),
		slog.String("external_key", r.ExternalKey),
		slog.Int("retry_number", r.RetryNumber),
		slog.Time("due_at", job.DueAt))
	return nil
}
