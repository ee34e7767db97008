package memstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
)

// txRepo reads through its own buffer to committed state. Only this
// transaction's goroutine touches w; committed state is read under store.mu.
type txRepo struct {
	store *Store
	w     *state

	codes    []string
	requests []uuid.UUID
}

func (t *txRepo) commit() {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	st := t.store.st
	for id, acc := range t.w.accounts {
		st.accounts[id] = acc
	}
	for id, d := range t.w.debts {
		st.debts[id] = d
	}
	for id, a := range t.w.assets {
		st.assets[id] = a
	}
	for id, ev := range t.w.events {
		st.events[id] = ev
	}
	for req, id := range t.w.requests {
		st.requests[req] = id
	}
	for id, revs := range t.w.revisions {
		st.revisions[id] = append(st.revisions[id], revs...)
	}
	st.outbox = append(st.outbox, t.w.outbox...)
	t.releaseClaims()
}

func (t *txRepo) rollback() {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.releaseClaims()
	t.w = newState()
}

// releaseClaims must be called with store.mu held.
func (t *txRepo) releaseClaims() {
	for _, code := range t.codes {
		delete(t.store.claimedCodes, code)
	}
	for _, id := range t.requests {
		delete(t.store.claimedRequests, id)
	}
	t.codes, t.requests = nil, nil
}

// view merges the buffer over a copy of committed state for scans.
func (t *txRepo) view() *reader {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	st := t.store.st
	return &reader{st: &state{
		accounts: overlay(st.accounts, t.w.accounts),
		debts:    overlay(st.debts, t.w.debts),
		assets:   overlay(st.assets, t.w.assets),
		events:   overlay(st.events, t.w.events),
		requests: overlay(st.requests, t.w.requests),
	}}
}

func (t *txRepo) account(id int64) (ledger.Account, bool) {
	if acc, ok := t.w.accounts[id]; ok {
		return acc, true
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	acc, ok := t.store.st.accounts[id]
	return acc, ok
}

func (t *txRepo) debt(id int64) (ledger.Debt, bool) {
	if d, ok := t.w.debts[id]; ok {
		return d, true
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	d, ok := t.store.st.debts[id]
	return d, ok
}

func (t *txRepo) asset(id int64) (ledger.Asset, bool) {
	if a, ok := t.w.assets[id]; ok {
		return a, true
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	a, ok := t.store.st.assets[id]
	return a, ok
}

func (t *txRepo) event(id int64) (ledger.Event, bool) {
	if ev, ok := t.w.events[id]; ok {
		return ev, true
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	ev, ok := t.store.st.events[id]
	return ev, ok
}

func (t *txRepo) GetAccount(_ context.Context, id int64) (ledger.Account, error) {
	acc, ok := t.account(id)
	if !ok {
		return ledger.Account{}, ledger.NotFound("account", id)
	}
	return acc, nil
}

func (t *txRepo) ListAccounts(ctx context.Context, filter ledger.AccountFilter) ([]ledger.Account, error) {
	return t.view().ListAccounts(ctx, filter)
}

func (t *txRepo) GetDebt(_ context.Context, id int64) (ledger.Debt, error) {
	d, ok := t.debt(id)
	if !ok {
		return ledger.Debt{}, ledger.NotFound("debt", id)
	}
	return d, nil
}

func (t *txRepo) ListDebts(ctx context.Context, filter ledger.DebtFilter) ([]ledger.Debt, error) {
	return t.view().ListDebts(ctx, filter)
}

func (t *txRepo) GetAsset(_ context.Context, id int64) (ledger.Asset, error) {
	a, ok := t.asset(id)
	if !ok {
		return ledger.Asset{}, ledger.NotFound("asset", id)
	}
	return a, nil
}

func (t *txRepo) ListAssets(ctx context.Context, filter ledger.AssetFilter) ([]ledger.Asset, error) {
	return t.view().ListAssets(ctx, filter)
}

func (t *txRepo) GetTarget(_ context.Context, ref ledger.TargetRef) (ledger.Target, error) {
	return t.target(ref)
}

func (t *txRepo) target(ref ledger.TargetRef) (ledger.Target, error) {
	switch ref.Kind {
	case ledger.TargetAccount:
		acc, ok := t.account(ref.ID)
		if !ok {
			return ledger.Target{}, ledger.NotFound("account", ref.ID)
		}
		return accountTarget(acc), nil
	case ledger.TargetDebt:
		d, ok := t.debt(ref.ID)
		if !ok {
			return ledger.Target{}, ledger.NotFound("debt", ref.ID)
		}
		return debtTarget(d), nil
	}
	return ledger.Target{}, &ledger.NotFoundError{Entity: "target", ID: ref.String()}
}

func (t *txRepo) GetEvent(_ context.Context, id int64) (ledger.Event, error) {
	ev, ok := t.event(id)
	if !ok {
		return ledger.Event{}, ledger.NotFound("event", id)
	}
	return ev, nil
}

func (t *txRepo) FindEventByRequest(ctx context.Context, requestID uuid.UUID) (ledger.Event, error) {
	if id, ok := t.w.requests[requestID]; ok {
		return t.GetEvent(ctx, id)
	}
	return t.store.FindEventByRequest(ctx, requestID)
}

func (t *txRepo) ListEvents(ctx context.Context, filter ledger.EventFilter) ([]ledger.Event, error) {
	return t.view().ListEvents(ctx, filter)
}

func (t *txRepo) CountEvents(ctx context.Context, filter ledger.EventFilter) (int, error) {
	return t.view().CountEvents(ctx, filter)
}

func (t *txRepo) SumEvents(ctx context.Context, filter ledger.EventFilter) (decimal.Decimal, error) {
	return t.view().SumEvents(ctx, filter)
}

func (t *txRepo) ListRevisions(ctx context.Context, eventID int64) ([]ledger.EventRevision, error) {
	committed, err := t.store.ListRevisions(ctx, eventID)
	if err != nil {
		return nil, err
	}
	return append(committed, t.w.revisions[eventID]...), nil
}

func (t *txRepo) LockTargets(_ context.Context, refs ...ledger.TargetRef) (map[ledger.TargetRef]ledger.Target, error) {
	out := make(map[ledger.TargetRef]ledger.Target, len(refs))
	for _, ref := range refs {
		target, err := t.target(ref)
		if err != nil {
			return nil, err
		}
		out[ref] = target
	}
	return out, nil
}

func (t *txRepo) ApplyDelta(_ context.Context, ref ledger.TargetRef, delta decimal.Decimal, at time.Time) (ledger.Target, error) {
	stamp := at
	switch ref.Kind {
	case ledger.TargetAccount:
		acc, ok := t.account(ref.ID)
		if !ok {
			return ledger.Target{}, ledger.NotFound("account", ref.ID)
		}
		acc.Balance = acc.Balance.Add(delta)
		acc.LastMovementAt = &stamp
		acc.Version++
		acc.UpdatedAt = at
		t.w.accounts[ref.ID] = acc
		return accountTarget(acc), nil
	case ledger.TargetDebt:
		d, ok := t.debt(ref.ID)
		if !ok {
			return ledger.Target{}, ledger.NotFound("debt", ref.ID)
		}
		next := d.Remaining.Add(delta)
		if next.Sign() < 0 || next.GreaterThan(d.Original) {
			return ledger.Target{}, fmt.Errorf("memstore: debt %d remaining would be %s", ref.ID, next)
		}
		d.Remaining = next
		d.LastMovementAt = &stamp
		d.Version++
		d.UpdatedAt = at
		t.w.debts[ref.ID] = d
		return debtTarget(d), nil
	}
	return ledger.Target{}, &ledger.NotFoundError{Entity: "target", ID: ref.String()}
}

func (t *txRepo) InsertAccount(_ context.Context, account ledger.Account) (ledger.Account, error) {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.claimedCodes[account.Code]; taken {
		return ledger.Account{}, ledger.ErrDuplicateCode
	}
	for _, existing := range s.st.accounts {
		if existing.Code == account.Code {
			return ledger.Account{}, ledger.ErrDuplicateCode
		}
	}
	s.claimedCodes[account.Code] = struct{}{}
	t.codes = append(t.codes, account.Code)
	s.st.nextAccount++
	account.ID = s.st.nextAccount
	t.w.accounts[account.ID] = account
	return account, nil
}

func (t *txRepo) UpdateAccountStatus(_ context.Context, id int64, active bool, at time.Time) error {
	return t.updateAccount(id, func(acc *ledger.Account) {
		acc.Active = active
		acc.Version++
		acc.UpdatedAt = at
	})
}

func (t *txRepo) UpdateAccountReconciliation(_ context.Context, id int64, rec ledger.Reconciliation) error {
	return t.updateAccount(id, func(acc *ledger.Account) {
		r := rec
		acc.LastReconciliation = &r
		acc.UpdatedAt = rec.ReconciledAt
	})
}

func (t *txRepo) updateAccount(id int64, mutate func(*ledger.Account)) error {
	acc, ok := t.account(id)
	if !ok {
		return ledger.NotFound("account", id)
	}
	mutate(&acc)
	t.w.accounts[id] = acc
	return nil
}

func (t *txRepo) CountActiveEquity(_ context.Context) (int, error) {
	n := 0
	for _, acc := range t.view().st.accounts {
		if acc.Active && acc.Category == ledger.CategoryEquity {
			n++
		}
	}
	return n, nil
}

func (t *txRepo) HasOpenReferences(_ context.Context, accountID int64, after time.Time) (bool, error) {
	st := t.view().st
	ref := ledger.AccountRef(accountID)
	for _, ev := range st.events {
		if ev.Target == ref && !ev.Reversed && ev.Date.After(after) {
			return true, nil
		}
	}
	for _, d := range st.debts {
		if d.SettlementAccountID != nil && *d.SettlementAccountID == accountID && d.Remaining.Sign() > 0 {
			return true, nil
		}
	}
	return false, nil
}

func (t *txRepo) InsertDebt(_ context.Context, debt ledger.Debt) (ledger.Debt, error) {
	t.store.mu.Lock()
	t.store.st.nextDebt++
	debt.ID = t.store.st.nextDebt
	t.store.mu.Unlock()
	t.w.debts[debt.ID] = debt
	return debt, nil
}

func (t *txRepo) UpdateDebtDisputed(_ context.Context, id int64, disputed bool, at time.Time) error {
	d, ok := t.debt(id)
	if !ok {
		return ledger.NotFound("debt", id)
	}
	d.Disputed = disputed
	d.UpdatedAt = at
	t.w.debts[id] = d
	return nil
}

func (t *txRepo) InsertAsset(_ context.Context, asset ledger.Asset) (ledger.Asset, error) {
	t.store.mu.Lock()
	t.store.st.nextAsset++
	asset.ID = t.store.st.nextAsset
	t.store.mu.Unlock()
	t.w.assets[asset.ID] = asset
	return asset, nil
}

func (t *txRepo) GetAssetForUpdate(ctx context.Context, id int64) (ledger.Asset, error) {
	return t.GetAsset(ctx, id)
}

func (t *txRepo) UpdateAsset(_ context.Context, asset ledger.Asset) error {
	if _, ok := t.asset(asset.ID); !ok {
		return ledger.NotFound("asset", asset.ID)
	}
	t.w.assets[asset.ID] = asset
	return nil
}

func (t *txRepo) InsertEvent(_ context.Context, event ledger.Event) (ledger.Event, error) {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if event.RequestID != nil {
		id := *event.RequestID
		_, committed := s.st.requests[id]
		_, claimed := s.claimedRequests[id]
		if committed || claimed {
			return ledger.Event{}, ledger.ErrDuplicateRequest
		}
		s.claimedRequests[id] = struct{}{}
		t.requests = append(t.requests, id)
	}
	s.st.nextEvent++
	event.ID = s.st.nextEvent
	event.Seq = event.ID
	t.w.events[event.ID] = event
	if event.RequestID != nil {
		t.w.requests[*event.RequestID] = event.ID
	}
	return event, nil
}

func (t *txRepo) GetEventForUpdate(ctx context.Context, id int64) (ledger.Event, error) {
	return t.GetEvent(ctx, id)
}

func (t *txRepo) UpdateEvent(_ context.Context, event ledger.Event) error {
	prev, ok := t.event(event.ID)
	if !ok {
		return ledger.NotFound("event", event.ID)
	}
	// Identity and creation fields are immutable.
	event.Seq = prev.Seq
	event.CreatedAt = prev.CreatedAt
	event.CreatedBy = prev.CreatedBy
	event.RequestID = prev.RequestID
	t.w.events[event.ID] = event
	return nil
}

func (t *txRepo) InsertRevision(_ context.Context, rev ledger.EventRevision) error {
	t.store.mu.Lock()
	t.store.st.nextRevision++
	rev.ID = t.store.st.nextRevision
	t.store.mu.Unlock()
	t.w.revisions[rev.EventID] = append(t.w.revisions[rev.EventID], rev)
	return nil
}

func (t *txRepo) InsertOutbox(_ context.Context, msg ledger.OutboxMessage) error {
	t.w.outbox = append(t.w.outbox, msg)
	return nil
}
