package ledger_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
	"github.com/odyssey-erp/odyssey-ledger/internal/ledger/memstore"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/lock"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

var (
	day0  = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	day1  = day0.AddDate(0, 0, 1)
	today = time.Date(2024, 6, 30, 12, 0, 0, 0, time.UTC)
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type auditSpy struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (a *auditSpy) Record(_ context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
	return nil
}

func (a *auditSpy) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.logs))
	for _, l := range a.logs {
		out = append(out, l.Action)
	}
	return out
}

type metricsSpy struct {
	mu          sync.Mutex
	ops         map[string]int
	consistency map[string]int
}

func newMetricsSpy() *metricsSpy {
	return &metricsSpy{ops: map[string]int{}, consistency: map[string]int{}}
}

func (m *metricsSpy) ObserveOperation(op string, _ error, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops[op]++
}

func (m *metricsSpy) ConsistencyFailure(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consistency[op]++
}

type fixture struct {
	svc     *ledger.Service
	store   *memstore.Store
	audit   *auditSpy
	metrics *metricsSpy
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithRepo(t, nil)
}

// newFixtureWithRepo wraps the memory store with wrap when given, so tests
// can inject storage faults.
func newFixtureWithRepo(t *testing.T, wrap func(ledger.Repository) ledger.Repository) *fixture {
	t.Helper()
	store := memstore.New()
	var repo ledger.Repository = store
	if wrap != nil {
		repo = wrap(store)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := ledger.NewService(repo, lock.NewLocal(), logger)
	svc.WithNow(func() time.Time { return today })
	f := &fixture{svc: svc, store: store, audit: &auditSpy{}, metrics: newMetricsSpy()}
	svc.SetAudit(f.audit)
	svc.SetMetrics(f.metrics)
	return f
}

func (f *fixture) openAccount(t *testing.T, code string, category ledger.AccountCategory, opening string) ledger.Account {
	t.Helper()
	acc, err := f.svc.OpenAccount(context.Background(), ledger.OpenAccountInput{
		Code:           code,
		Name:           code + " account",
		Category:       category,
		Currency:       "EUR",
		OpeningBalance: dec(opening),
		OpenedOn:       day0,
		ActorID:        1,
	})
	require.NoError(t, err)
	return acc
}

func (f *fixture) record(t *testing.T, ref ledger.TargetRef, kind ledger.EventKind, amount string, date time.Time) ledger.Event {
	t.Helper()
	ev, err := f.svc.Record(context.Background(), ledger.RecordInput{
		Target:  ref,
		Kind:    kind,
		Amount:  dec(amount),
		Date:    date,
		ActorID: 1,
	})
	require.NoError(t, err)
	return ev
}

func (f *fixture) total(t *testing.T, ref ledger.TargetRef) decimal.Decimal {
	t.Helper()
	view, err := f.svc.GetBalance(context.Background(), ref)
	require.NoError(t, err)
	return view.Total
}

// requireInvariant checks that every running total equals its opening plus
// the deltas of its active events.
func (f *fixture) requireInvariant(t *testing.T) {
	t.Helper()
	report, err := f.svc.CheckIntegrity(context.Background())
	require.NoError(t, err)
	require.Empty(t, report.Issues)
}

func requireDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.Truef(t, dec(want).Equal(got), "want %s, got %s", want, got)
}

var errDiskFull = errors.New("disk full")

// faultyRepo fails the n-th ApplyDelta of each transaction.
type faultyRepo struct {
	ledger.Repository
	failApplyAt    int
	rollbackBroken bool
}

func (r *faultyRepo) WithTx(ctx context.Context, fn func(context.Context, ledger.TxRepository) error) error {
	err := r.Repository.WithTx(ctx, func(ctx context.Context, tx ledger.TxRepository) error {
		return fn(ctx, &faultyTx{TxRepository: tx, failAt: r.failApplyAt})
	})
	if err != nil && r.rollbackBroken {
		return errors.Join(err, ledger.ErrRollbackFailed)
	}
	return err
}

type faultyTx struct {
	ledger.TxRepository
	failAt int
	calls  int
}

func (t *faultyTx) ApplyDelta(ctx context.Context, ref ledger.TargetRef, delta decimal.Decimal, at time.Time) (ledger.Target, error) {
	t.calls++
	if t.calls == t.failAt {
		return ledger.Target{}, errDiskFull
	}
	return t.TxRepository.ApplyDelta(ctx, ref, delta, at)
}

// pausingRepo blocks the next transaction at its n-th ApplyDelta until
// released, then lets the call proceed or fail.
type pausingRepo struct {
	ledger.Repository
	mu      sync.Mutex
	at      int
	fail    bool
	reached chan struct{}
	release chan struct{}
}

// arm pauses the next transaction that starts.
func (r *pausingRepo) arm(at int, fail bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.at, r.fail = at, fail
	r.reached = make(chan struct{})
	r.release = make(chan struct{})
}

func (r *pausingRepo) WithTx(ctx context.Context, fn func(context.Context, ledger.TxRepository) error) error {
	r.mu.Lock()
	tx := &pausingTx{at: r.at, fail: r.fail, reached: r.reached, release: r.release}
	r.at = 0
	r.mu.Unlock()
	return r.Repository.WithTx(ctx, func(ctx context.Context, inner ledger.TxRepository) error {
		tx.TxRepository = inner
		return fn(ctx, tx)
	})
}

type pausingTx struct {
	ledger.TxRepository
	at      int
	calls   int
	fail    bool
	reached chan struct{}
	release chan struct{}
}

func (t *pausingTx) ApplyDelta(ctx context.Context, ref ledger.TargetRef, delta decimal.Decimal, at time.Time) (ledger.Target, error) {
	t.calls++
	if t.at > 0 && t.calls == t.at {
		close(t.reached)
		<-t.release
		if t.fail {
			return ledger.Target{}, errDiskFull
		}
	}
	return t.TxRepository.ApplyDelta(ctx, ref, delta, at)
}

// waitFor fails the test when ch is not closed within five seconds.
func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}
