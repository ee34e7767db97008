// Package memstore is an in-memory ledger.Repository. A transaction buffers
// the rows it writes and publishes them in one step on commit, so readers
// only ever see committed state. Callers must serialise writers per entity,
// which the ledger service does through its Locker.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
)

// Store implements ledger.Repository. The embedded reader holds committed
// state; its mutex also guards the claims below.
type Store struct {
	*reader
	// Account codes and request ids taken by transactions still in flight.
	claimedCodes    map[string]struct{}
	claimedRequests map[uuid.UUID]struct{}
}

type state struct {
	accounts  map[int64]ledger.Account
	debts     map[int64]ledger.Debt
	assets    map[int64]ledger.Asset
	events    map[int64]ledger.Event
	requests  map[uuid.UUID]int64
	revisions map[int64][]ledger.EventRevision
	sequences map[string]int64
	outbox    []ledger.OutboxMessage

	nextAccount  int64
	nextDebt     int64
	nextAsset    int64
	nextEvent    int64
	nextRevision int64
}

// New returns an empty store.
func New() *Store {
	return &Store{
		reader:          &reader{st: newState()},
		claimedCodes:    make(map[string]struct{}),
		claimedRequests: make(map[uuid.UUID]struct{}),
	}
}

func newState() *state {
	return &state{
		accounts:  make(map[int64]ledger.Account),
		debts:     make(map[int64]ledger.Debt),
		assets:    make(map[int64]ledger.Asset),
		events:    make(map[int64]ledger.Event),
		requests:  make(map[uuid.UUID]int64),
		revisions: make(map[int64][]ledger.EventRevision),
		sequences: make(map[string]int64),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	for k, v := range s.debts {
		c.debts[k] = v
	}
	for k, v := range s.assets {
		c.assets[k] = v
	}
	for k, v := range s.events {
		c.events[k] = v
	}
	for k, v := range s.requests {
		c.requests[k] = v
	}
	for k, v := range s.revisions {
		c.revisions[k] = append([]ledger.EventRevision(nil), v...)
	}
	for k, v := range s.sequences {
		c.sequences[k] = v
	}
	c.outbox = append([]ledger.OutboxMessage(nil), s.outbox...)
	c.nextAccount, c.nextDebt, c.nextAsset = s.nextAccount, s.nextDebt, s.nextAsset
	c.nextEvent, c.nextRevision = s.nextEvent, s.nextRevision
	return c
}

// overlay returns base with every entry of top laid over it.
func overlay[K comparable, V any](base, top map[K]V) map[K]V {
	out := make(map[K]V, len(base)+len(top))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range top {
		out[k] = v
	}
	return out
}

// WithTx runs fn against a private write buffer and publishes it when fn
// succeeds. On error the buffer is dropped.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, ledger.TxRepository) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &txRepo{store: s, w: newState()}
	if err := fn(ctx, tx); err != nil {
		tx.rollback()
		return err
	}
	tx.commit()
	return nil
}

// Snapshot runs fn against a private copy of the committed state.
func (s *Store) Snapshot(ctx context.Context, fn func(context.Context, ledger.Reader) error) error {
	s.mu.Lock()
	view := &reader{st: s.st.clone()}
	s.mu.Unlock()
	return fn(ctx, view)
}

// NextSequence increments a named counter outside any transaction. Counters
// are never rolled back, so a failed posting leaves a gap rather than a
// reused number.
func (s *Store) NextSequence(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.sequences[key]++
	return s.st.sequences[key], nil
}

// FetchUnpublished returns up to limit outbox messages in commit order.
func (s *Store) FetchUnpublished(_ context.Context, limit int) ([]ledger.OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ledger.OutboxMessage
	for _, msg := range s.st.outbox {
		if msg.PublishedAt != nil {
			continue
		}
		out = append(out, msg)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// MarkPublished stamps the given messages.
func (s *Store) MarkPublished(_ context.Context, ids []uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	for i := range s.st.outbox {
		if _, ok := set[s.st.outbox[i].ID]; ok {
			stamp := at
			s.st.outbox[i].PublishedAt = &stamp
		}
	}
	return nil
}

// Outbox returns every outbox message, published or not.
func (s *Store) Outbox() []ledger.OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ledger.OutboxMessage(nil), s.st.outbox...)
}

// Tamper overwrites a running total without an event. Tests use it to
// exercise the integrity check.
func (s *Store) Tamper(ref ledger.TargetRef, total decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch ref.Kind {
	case ledger.TargetAccount:
		if acc, ok := s.st.accounts[ref.ID]; ok {
			acc.Balance = total
			s.st.accounts[ref.ID] = acc
		}
	case ledger.TargetDebt:
		if d, ok := s.st.debts[ref.ID]; ok {
			d.Remaining = total
			s.st.debts[ref.ID] = d
		}
	}
}

// reader serves ledger.Reader from a state guarded by mu.
type reader struct {
	mu sync.Mutex
	st *state
}

func (r *reader) GetAccount(_ context.Context, id int64) (ledger.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	acc, ok := r.st.accounts[id]
	if !ok {
		return ledger.Account{}, ledger.NotFound("account", id)
	}
	return acc, nil
}

func (r *reader) ListAccounts(_ context.Context, filter ledger.AccountFilter) ([]ledger.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ledger.Account, 0, len(r.st.accounts))
	for _, acc := range r.st.accounts {
		if filter.Category != "" && acc.Category != filter.Category {
			continue
		}
		if filter.Active != nil && acc.Active != *filter.Active {
			continue
		}
		out = append(out, acc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (r *reader) GetDebt(_ context.Context, id int64) (ledger.Debt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.st.debts[id]
	if !ok {
		return ledger.Debt{}, ledger.NotFound("debt", id)
	}
	return d, nil
}

func (r *reader) ListDebts(_ context.Context, filter ledger.DebtFilter) ([]ledger.Debt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ledger.Debt, 0, len(r.st.debts))
	for _, d := range r.st.debts {
		if filter.Direction != "" && d.Direction != filter.Direction {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DueDate.Equal(out[j].DueDate) {
			return out[i].DueDate.Before(out[j].DueDate)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *reader) GetAsset(_ context.Context, id int64) (ledger.Asset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.st.assets[id]
	if !ok {
		return ledger.Asset{}, ledger.NotFound("asset", id)
	}
	return a, nil
}

func (r *reader) ListAssets(_ context.Context, filter ledger.AssetFilter) ([]ledger.Asset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ledger.Asset, 0, len(r.st.assets))
	for _, a := range r.st.assets {
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *reader) GetTarget(_ context.Context, ref ledger.TargetRef) (ledger.Target, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.st.target(ref)
}

func (s *state) target(ref ledger.TargetRef) (ledger.Target, error) {
	switch ref.Kind {
	case ledger.TargetAccount:
		acc, ok := s.accounts[ref.ID]
		if !ok {
			return ledger.Target{}, ledger.NotFound("account", ref.ID)
		}
		return accountTarget(acc), nil
	case ledger.TargetDebt:
		d, ok := s.debts[ref.ID]
		if !ok {
			return ledger.Target{}, ledger.NotFound("debt", ref.ID)
		}
		return debtTarget(d), nil
	}
	return ledger.Target{}, &ledger.NotFoundError{Entity: "target", ID: ref.String()}
}

func accountTarget(acc ledger.Account) ledger.Target {
	return ledger.Target{
		Ref:            ledger.AccountRef(acc.ID),
		Total:          acc.Balance,
		Opening:        acc.OpeningBalance,
		OpenedOn:       acc.OpenedOn,
		Currency:       acc.Currency,
		Active:         acc.Active,
		LastMovementAt: acc.LastMovementAt,
		Version:        acc.Version,
	}
}

func debtTarget(d ledger.Debt) ledger.Target {
	return ledger.Target{
		Ref:            ledger.DebtRef(d.ID),
		Total:          d.Remaining,
		Opening:        d.Original,
		OpenedOn:       d.OpenedOn,
		Currency:       d.Currency,
		Active:         true,
		LastMovementAt: d.LastMovementAt,
		Version:        d.Version,
	}
}

func (r *reader) GetEvent(_ context.Context, id int64) (ledger.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ev, ok := r.st.events[id]
	if !ok {
		return ledger.Event{}, ledger.NotFound("event", id)
	}
	return ev, nil
}

func (r *reader) FindEventByRequest(_ context.Context, requestID uuid.UUID) (ledger.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.st.requests[requestID]
	if !ok {
		return ledger.Event{}, &ledger.NotFoundError{Entity: "request", ID: requestID.String()}
	}
	return r.st.events[id], nil
}

func (r *reader) ListEvents(_ context.Context, filter ledger.EventFilter) ([]ledger.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.st.matching(filter)
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []ledger.Event{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *reader) CountEvents(_ context.Context, filter ledger.EventFilter) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.st.events {
		if filter.Matches(ev) {
			n++
		}
	}
	return n, nil
}

func (s *state) matching(filter ledger.EventFilter) []ledger.Event {
	out := make([]ledger.Event, 0)
	for _, ev := range s.events {
		if filter.Matches(ev) {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

func (r *reader) SumEvents(_ context.Context, filter ledger.EventFilter) (decimal.Decimal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sum := decimal.Zero
	for _, ev := range r.st.events {
		if filter.Matches(ev) {
			sum = sum.Add(ev.Effect())
		}
	}
	return sum, nil
}

func (r *reader) ListRevisions(_ context.Context, eventID int64) ([]ledger.EventRevision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ledger.EventRevision(nil), r.st.revisions[eventID]...), nil
}

var (
	_ ledger.Repository   = (*Store)(nil)
	_ ledger.TxRepository = (*txRepo)(nil)
)
