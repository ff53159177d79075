package payment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/onnwee/billing/internal/audit"
	"github.com/onnwee/billing/internal/callcontext"
)

// InMemoryStore implements Store and MethodStore in memory.
// Used for tests and development. Thread-safe via RWMutex; callers never
// share memory with stored rows.
type InMemoryStore struct {
	mu sync.RWMutex

	payments map[uuid.UUID]*Payment
	attempts map[uuid.UUID]*Attempt
	refunds  map[uuid.UUID]*Refund
	methods  map[uuid.UUID]*Method

	// attemptKeys and refundKeys index rows by tenant and external key.
	attemptKeys map[tenantKey]uuid.UUID
	refundKeys  map[tenantKey]uuid.UUID

	// seq breaks creation-time ties so ordering follows insertion.
	seq     int64
	seqByID map[uuid.UUID]int64

	audit audit.Repository
}

type tenantKey struct {
	tenant uuid.UUID
	key    string
}

// NewInMemoryStore creates an empty store writing audit rows to auditRepo.
// A nil auditRepo gets a private in-memory audit repository.
func NewInMemoryStore(auditRepo audit.Repository) *InMemoryStore {
	if auditRepo == nil {
		auditRepo = audit.NewInMemoryRepository()
	}
	return &InMemoryStore{
		payments:    make(map[uuid.UUID]*Payment),
		attempts:    make(map[uuid.UUID]*Attempt),
		refunds:     make(map[uuid.UUID]*Refund),
		methods:     make(map[uuid.UUID]*Method),
		attemptKeys: make(map[tenantKey]uuid.UUID),
		refundKeys:  make(map[tenantKey]uuid.UUID),
		seqByID:     make(map[uuid.UUID]int64),
		audit:       auditRepo,
	}
}

// writeAudit builds and appends audit rows before the caller applies its
// mutation, so a failed audit write leaves the store untouched.
func (s *InMemoryStore) writeAudit(ctx context.Context, now time.Time, entries ...audit.EntityAudit) error {
	logs := make([]*audit.Log, 0, len(entries))
	for _, e := range entries {
		l, err := audit.NewLog(ctx, e, now)
		if err != nil {
			return err
		}
		logs = append(logs, l)
	}
	return s.audit.Append(ctx, logs...)
}

func (s *InMemoryStore) nextSeq(id uuid.UUID) {
	s.seq++
	s.seqByID[id] = s.seq
}

func (s *InMemoryStore) less(aID uuid.UUID, aCreated time.Time, bID uuid.UUID, bCreated time.Time) bool {
	if !aCreated.Equal(bCreated) {
		return aCreated.Before(bCreated)
	}
	return s.seqByID[aID] < s.seqByID[bID]
}

func copyPayment(p *Payment) *Payment {
	c := *p
	return &c
}

func copyAttempt(a *Attempt) *Attempt {
	c := *a
	if a.Properties != nil {
		c.Properties = append([]Property(nil), a.Properties...)
	}
	return &c
}

func copyRefund(r *Refund) *Refund {
	c := *r
	return &c
}

func copyMethod(m *Method) *Method {
	c := *m
	return &c
}

// InsertPaymentWithFirstAttempt creates p and its first attempt a.
func (s *InMemoryStore) InsertPaymentWithFirstAttempt(ctx context.Context, p *Payment, a *Attempt) (*Payment, error) {
	tenant, err := callcontext.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	if p == nil || a == nil {
		return nil, ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.payments[p.ID]; ok {
		return nil, ErrDuplicateKey
	}
	if _, ok := s.attempts[a.ID]; ok {
		return nil, ErrDuplicateKey
	}
	if _, ok := s.attemptKeys[tenantKey{tenant, a.ExternalKey}]; ok {
		return nil, ErrDuplicateKey
	}

	now := time.Now().UTC()
	if err := s.writeAudit(ctx, now,
		audit.EntityAudit{TableName: audit.TablePayments, RecordID: p.ID, ChangeType: audit.ChangeInsert},
		audit.EntityAudit{TableName: audit.TablePaymentAttempts, RecordID: a.ID, ChangeType: audit.ChangeInsert},
	); err != nil {
		return nil, err
	}

	storedPayment := copyPayment(p)
	storedPayment.TenantID = tenant
	if storedPayment.Status == "" {
		storedPayment.Status = StatusUnknown
	}
	storedPayment.CreatedAt = now
	storedPayment.UpdatedAt = now

	storedAttempt := copyAttempt(a)
	storedAttempt.TenantID = tenant
	storedAttempt.PaymentID = p.ID
	if storedAttempt.StateName == "" {
		storedAttempt.StateName = StateInit
	}
	storedAttempt.CreatedAt = now
	storedAttempt.UpdatedAt = now

	s.payments[p.ID] = storedPayment
	s.nextSeq(p.ID)
	s.attempts[a.ID] = storedAttempt
	s.nextSeq(a.ID)
	s.attemptKeys[tenantKey{tenant, a.ExternalKey}] = a.ID

	return copyPayment(storedPayment), nil
}

// UpdatePaymentWithNewAttempt appends a to the payment.
func (s *InMemoryStore) UpdatePaymentWithNewAttempt(ctx context.Context, paymentID uuid.UUID, a *Attempt) error {
	tenant, err := callcontext.TenantID(ctx)
	if err != nil {
		return err
	}
	if a == nil {
		return ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[paymentID]
	if !ok || p.TenantID != tenant {
		return ErrPaymentNotFound
	}
	if _, ok := s.attempts[a.ID]; ok {
		return ErrDuplicateKey
	}
	if _, ok := s.attemptKeys[tenantKey{tenant, a.ExternalKey}]; ok {
		return ErrDuplicateKey
	}

	now := time.Now().UTC()
	if err := s.writeAudit(ctx, now,
		audit.EntityAudit{TableName: audit.TablePaymentAttempts, RecordID: a.ID, ChangeType: audit.ChangeInsert},
		audit.EntityAudit{TableName: audit.TablePayments, RecordID: paymentID, ChangeType: audit.ChangeUpdate},
	); err != nil {
		return err
	}

	stored := copyAttempt(a)
	stored.TenantID = tenant
	stored.PaymentID = paymentID
	if stored.StateName == "" {
		stored.StateName = StateInit
	}
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.attempts[a.ID] = stored
	s.nextSeq(a.ID)
	s.attemptKeys[tenantKey{tenant, a.ExternalKey}] = a.ID

	if a.TransactionType.UpdatesPayment() {
		p.PaymentMethodID = a.PaymentMethodID
		p.Amount = a.Amount
		p.Currency = a.Currency
		p.EffectiveDate = a.EffectiveDate
	}
	p.UpdatedAt = now
	return nil
}

// ClaimAttempt takes an INIT attempt for execution.
func (s *InMemoryStore) ClaimAttempt(ctx context.Context, attemptID uuid.UUID, now, staleBefore time.Time) error {
	tenant, err := callcontext.TenantID(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.attempts[attemptID]
	if !ok || a.TenantID != tenant {
		return ErrAttemptNotFound
	}
	if a.StateName != StateInit {
		return ErrAttemptCompleted
	}
	if !a.ClaimedAt.IsZero() && !a.ClaimedAt.Before(staleBefore) {
		return ErrAttemptClaimed
	}
	a.ClaimedAt = now.UTC()
	a.UpdatedAt = time.Now().UTC()
	return nil
}

// UpdatePaymentAndAttemptOnCompletion applies c to the payment and attempt.
func (s *InMemoryStore) UpdatePaymentAndAttemptOnCompletion(ctx context.Context, paymentID uuid.UUID, c Completion) error {
	tenant, err := callcontext.TenantID(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[paymentID]
	if !ok || p.TenantID != tenant {
		return ErrPaymentNotFound
	}
	a, ok := s.attempts[c.AttemptID]
	if !ok || a.TenantID != tenant || a.PaymentID != paymentID {
		return ErrAttemptNotFound
	}
	if a.StateName != StateInit {
		return ErrAttemptCompleted
	}

	now := time.Now().UTC()
	if err := s.writeAudit(ctx, now,
		audit.EntityAudit{TableName: audit.TablePayments, RecordID: paymentID, ChangeType: audit.ChangeUpdate},
		audit.EntityAudit{TableName: audit.TablePaymentAttempts, RecordID: c.AttemptID, ChangeType: audit.ChangeUpdate},
	); err != nil {
		return err
	}

	p.Status = c.Status
	p.ProcessedAmount = c.ProcessedAmount
	p.ProcessedCurrency = c.ProcessedCurrency
	p.UpdatedAt = now

	a.StateName = c.AttemptState
	a.GatewayErrorCode = c.GatewayErrorCode
	a.GatewayErrorMsg = c.GatewayErrorMsg
	if c.GatewayReferenceID != "" {
		a.GatewayReferenceID = c.GatewayReferenceID
	}
	a.UpdatedAt = now
	return nil
}

// GetPayment returns a payment by id.
func (s *InMemoryStore) GetPayment(ctx context.Context, paymentID uuid.UUID) (*Payment, error) {
	tenant, err := callcontext.TenantID(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.payments[paymentID]
	if !ok || p.TenantID != tenant {
		return nil, ErrPaymentNotFound
	}
	return copyPayment(p), nil
}

func (s *InMemoryStore) filterPayments(tenant uuid.UUID, keep func(*Payment) bool) []*Payment {
	var out []*Payment
	for _, p := range s.payments {
		if p.TenantID == tenant && keep(p) {
			out = append(out, copyPayment(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return s.less(out[i].ID, out[i].CreatedAt, out[j].ID, out[j].CreatedAt)
	})
	return out
}

// GetPaymentsForInvoice returns the payments of an invoice, oldest first.
func (s *InMemoryStore) GetPaymentsForInvoice(ctx context.Context, invoiceID uuid.UUID) ([]*Payment, error) {
	tenant, err := callcontext.TenantID(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.filterPayments(tenant, func(p *Payment) bool { return p.InvoiceID == invoiceID }), nil
}

// GetPaymentsForAccount returns the payments of an account, oldest first.
func (s *InMemoryStore) GetPaymentsForAccount(ctx context.Context, accountID uuid.UUID) ([]*Payment, error) {
	tenant, err := callcontext.TenantID(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.filterPayments(tenant, func(p *Payment) bool { return p.AccountID == accountID }), nil
}

// GetLastPaymentForPaymentMethod returns the newest payment for the pair.
func (s *InMemoryStore) GetLastPaymentForPaymentMethod(ctx context.Context, accountID, paymentMethodID uuid.UUID) (*Payment, error) {
	tenant, err := callcontext.TenantID(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	payments := s.filterPayments(tenant, func(p *Payment) bool {
		return p.AccountID == accountID && p.PaymentMethodID == paymentMethodID
	})
	if len(payments) == 0 {
		return nil, ErrPaymentNotFound
	}
	return payments[len(payments)-1], nil
}

// GetAttempt returns an attempt by id.
func (s *InMemoryStore) GetAttempt(ctx context.Context, attemptID uuid.UUID) (*Attempt, error) {
	tenant, err := callcontext.TenantID(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.attempts[attemptID]
	if !ok || a.TenantID != tenant {
		return nil, ErrAttemptNotFound
	}
	return copyAttempt(a), nil
}

// GetAttemptByExternalKey returns the attempt holding externalKey.
func (s *InMemoryStore) GetAttemptByExternalKey(ctx context.Context, externalKey string) (*Attempt, error) {
	tenant, err := callcontext.TenantID(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.attemptKeys[tenantKey{tenant, externalKey}]
	if !ok {
		return nil, ErrAttemptNotFound
	}
	return copyAttempt(s.attempts[id]), nil
}

// GetAttemptsForPayment returns the attempts of a payment, oldest first.
func (s *InMemoryStore) GetAttemptsForPayment(ctx context.Context, paymentID uuid.UUID) ([]*Attempt, error) {
	tenant, err := callcontext.TenantID(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Attempt
	for _, a := range s.attempts {
		if a.TenantID == tenant && a.PaymentID == paymentID {
			out = append(out, copyAttempt(a))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return s.less(out[i].ID, out[i].CreatedAt, out[j].ID, out[j].CreatedAt)
	})
	return out, nil
}

// ListStaleRetryAttempts returns INIT retry attempts idle since before.
func (s *InMemoryStore) ListStaleRetryAttempts(_ context.Context, before time.Time, limit int) ([]*Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Attempt
	for _, a := range s.attempts {
		if a.StateName == StateInit && a.RetryNumber > 0 && lastTouched(a).Before(before) {
			out = append(out, copyAttempt(a))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return s.less(out[i].ID, lastTouched(out[i]), out[j].ID, lastTouched(out[j]))
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// lastTouched is the claim time of a claimed attempt, else its creation time.
func lastTouched(a *Attempt) time.Time {
	if a.ClaimedAt.IsZero() {
		return a.CreatedAt
	}
	return a.ClaimedAt
}

// InsertRefund stores a new refund within the refundable amount of its payment.
func (s *InMemoryStore) InsertRefund(ctx context.Context, r *Refund) (*Refund, error) {
	tenant, err := callcontext.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.refunds[r.ID]; ok {
		return nil, ErrDuplicateKey
	}
	if r.ExternalKey != "" {
		if _, ok := s.refundKeys[tenantKey{tenant, r.ExternalKey}]; ok {
			return nil, ErrDuplicateKey
		}
	}
	p, ok := s.payments[r.PaymentID]
	if !ok || p.TenantID != tenant {
		return nil, ErrPaymentNotFound
	}
	refunded := decimal.Zero
	for _, existing := range s.refunds {
		if existing.TenantID == tenant && existing.PaymentID == r.PaymentID && existing.Status != RefundFailed {
			refunded = refunded.Add(existing.Amount)
		}
	}
	if refunded.Add(r.Amount).GreaterThan(p.ProcessedAmount) {
		return nil, ErrRefundExceedsPayment
	}

	now := time.Now().UTC()
	if err := s.writeAudit(ctx, now,
		audit.EntityAudit{TableName: audit.TableRefunds, RecordID: r.ID, ChangeType: audit.ChangeInsert},
	); err != nil {
		return nil, err
	}

	stored := copyRefund(r)
	stored.TenantID = tenant
	if stored.Status == "" {
		stored.Status = RefundCreated
	}
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.refunds[r.ID] = stored
	s.nextSeq(r.ID)
	if r.ExternalKey != "" {
		s.refundKeys[tenantKey{tenant, r.ExternalKey}] = r.ID
	}

	return copyRefund(stored), nil
}

// UpdateRefundStatus moves a refund to status.
func (s *InMemoryStore) UpdateRefundStatus(ctx context.Context, refundID uuid.UUID, status RefundStatus, processedAmount decimal.Decimal, processedCurrency string) error {
	tenant, err := callcontext.TenantID(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.refunds[refundID]
	if !ok || r.TenantID != tenant {
		return ErrRefundNotFound
	}
	if !r.Status.CanTransitionTo(status) {
		return ErrInvalidRefundTransition
	}

	now := time.Now().UTC()
	if err := s.writeAudit(ctx, now,
		audit.EntityAudit{TableName: audit.TableRefunds, RecordID: refundID, ChangeType: audit.ChangeUpdate},
	); err != nil {
		return err
	}

	r.Status = status
	r.ProcessedAmount = processedAmount
	r.ProcessedCurrency = processedCurrency
	r.UpdatedAt = now
	return nil
}

// GetRefund returns a refund by id.
func (s *InMemoryStore) GetRefund(ctx context.Context, refundID uuid.UUID) (*Refund, error) {
	tenant, err := callcontext.TenantID(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.refunds[refundID]
	if !ok || r.TenantID != tenant {
		return nil, ErrRefundNotFound
	}
	return copyRefund(r), nil
}

func (s *InMemoryStore) filterRefunds(tenant uuid.UUID, keep func(*Refund) bool) []*Refund {
	var out []*Refund
	for _, r := range s.refunds {
		if r.TenantID == tenant && keep(r) {
			out = append(out, copyRefund(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return s.less(out[i].ID, out[i].CreatedAt, out[j].ID, out[j].CreatedAt)
	})
	return out
}

// GetRefundsForPayment returns the refunds of a payment, oldest first.
func (s *InMemoryStore) GetRefundsForPayment(ctx context.Context, paymentID uuid.UUID) ([]*Refund, error) {
	tenant, err := callcontext.TenantID(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.filterRefunds(tenant, func(r *Refund) bool { return r.PaymentID == paymentID }), nil
}

// GetRefundsForAccount returns the refunds of an account, oldest first.
func (s *InMemoryStore) GetRefundsForAccount(ctx context.Context, accountID uuid.UUID) ([]*Refund, error) {
	tenant, err := callcontext.TenantID(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.filterRefunds(tenant, func(r *Refund) bool { return r.AccountID == accountID }), nil
}

// InsertPaymentMethod stores a new payment method.
func (s *InMemoryStore) InsertPaymentMethod(ctx context.Context, m *Method) (*Method, error) {
	tenant, err := callcontext.TenantID(ctx)
	if err != nil {
		return nil, err
	}
	if m == nil || m.PluginName == "" {
		return nil, ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.methods[m.ID]; ok {
		return nil, ErrDuplicateKey
	}

	now := time.Now().UTC()
	if err := s.writeAudit(ctx, now,
		audit.EntityAudit{TableName: audit.TablePaymentMethods, RecordID: m.ID, ChangeType: audit.ChangeInsert},
	); err != nil {
		return nil, err
	}

	stored := copyMethod(m)
	stored.TenantID = tenant
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.methods[m.ID] = stored
	s.nextSeq(m.ID)

	return copyMethod(stored), nil
}

func (s *InMemoryStore) lookupMethod(ctx context.Context, methodID uuid.UUID, includeDeleted bool) (*Method, error) {
	tenant, err := callcontext.TenantID(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.methods[methodID]
	if !ok || m.TenantID != tenant || (!includeDeleted && !m.IsActive) {
		return nil, ErrPaymentMethodNotFound
	}
	return copyMethod(m), nil
}

// GetPaymentMethod returns an active method.
func (s *InMemoryStore) GetPaymentMethod(ctx context.Context, methodID uuid.UUID) (*Method, error) {
	return s.lookupMethod(ctx, methodID, false)
}

// GetPaymentMethodIncludedDeleted returns a method whether active or not.
func (s *InMemoryStore) GetPaymentMethodIncludedDeleted(ctx context.Context, methodID uuid.UUID) (*Method, error) {
	return s.lookupMethod(ctx, methodID, true)
}

// GetPaymentMethods returns the active methods of an account.
func (s *InMemoryStore) GetPaymentMethods(ctx context.Context, accountID uuid.UUID) ([]*Method, error) {
	tenant, err := callcontext.TenantID(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Method
	for _, m := range s.methods {
		if m.TenantID == tenant && m.AccountID == accountID && m.IsActive {
			out = append(out, copyMethod(m))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return s.less(out[i].ID, out[i].CreatedAt, out[j].ID, out[j].CreatedAt)
	})
	return out, nil
}

// DeletedPaymentMethod soft deletes an active method.
func (s *InMemoryStore) DeletedPaymentMethod(ctx context.Context, methodID uuid.UUID) error {
	tenant, err := callcontext.TenantID(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.methods[methodID]
	if !ok || m.TenantID != tenant || !m.IsActive {
		return ErrPaymentMethodNotFound
	}

	now := time.Now().UTC()
	if err := s.writeAudit(ctx, now,
		audit.EntityAudit{TableName: audit.TablePaymentMethods, RecordID: methodID, ChangeType: audit.ChangeDelete},
	); err != nil {
		return err
	}

	m.IsActive = false
	m.UpdatedAt = now
	return nil
}
