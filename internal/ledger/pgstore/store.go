// Package pgstore persists the ledger in PostgreSQL. Running totals are only
// changed by single-statement increments under row locks.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
)

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements ledger.Repository on a pgx pool.
type Store struct {
	*reader
	pool *pgxpool.Pool
}

// New returns a Store using pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{reader: &reader{q: pool}, pool: pool}
}

// WithTx runs fn in a read-committed transaction. Row locks taken by
// LockTargets and GetEventForUpdate serialise concurrent writers.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, ledger.TxRepository) error) error {
	err := db.WithTx(ctx, s.pool, db.ReadWrite, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{reader: &reader{q: tx}, tx: tx})
	})
	if errors.Is(err, db.ErrRollback) {
		return errors.Join(err, ledger.ErrRollbackFailed)
	}
	return err
}

// Snapshot runs fn inside a read-only repeatable-read transaction.
func (s *Store) Snapshot(ctx context.Context, fn func(context.Context, ledger.Reader) error) error {
	return db.WithTx(ctx, s.pool, db.ReadOnlySnapshot, func(tx pgx.Tx) error {
		return fn(ctx, &reader{q: tx})
	})
}

// NextSequence bumps a named counter in its own autocommit statement. The
// row lock is held only for that statement, never for a posting's lifetime.
func (s *Store) NextSequence(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `INSERT INTO sequences (key, value) VALUES ($1, 1)
ON CONFLICT (key) DO UPDATE SET value = sequences.value + 1 RETURNING value`, key).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("pgstore: next sequence %s: %w", key, err)
	}
	return n, nil
}

// FetchUnpublished returns up to limit outbox messages in commit order.
func (s *Store) FetchUnpublished(ctx context.Context, limit int) ([]ledger.OutboxMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `SELECT id, topic, key, type, payload, created_at, published_at
FROM outbox WHERE published_at IS NULL ORDER BY created_at, id LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("pgstore: fetch outbox: %w", err)
	}
	defer rows.Close()
	var out []ledger.OutboxMessage
	for rows.Next() {
		var msg ledger.OutboxMessage
		if err := rows.Scan(&msg.ID, &msg.Topic, &msg.Key, &msg.Type, &msg.Payload, &msg.CreatedAt, &msg.PublishedAt); err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// MarkPublished stamps the given messages.
func (s *Store) MarkPublished(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	raw := make([]string, len(ids))
	for i, id := range ids {
		raw[i] = id.String()
	}
	_, err := s.pool.Exec(ctx, `UPDATE outbox SET published_at=$2 WHERE id = ANY($1::uuid[]) AND published_at IS NULL`, raw, at)
	if err != nil {
		return fmt.Errorf("pgstore: mark published: %w", err)
	}
	return nil
}

// reader implements ledger.Reader over any querier.
type reader struct {
	q querier
}

const accountColumns = `id, code, name, category, currency, balance, opening_balance, opened_on, active, last_movement_at,
rec_statement_date, rec_statement_balance, rec_book_balance, rec_difference, rec_reconciled_at, rec_reconciled_by,
version, created_by, created_at, updated_at`

func scanAccount(row pgx.Row) (ledger.Account, error) {
	var (
		acc           ledger.Account
		recDate       *time.Time
		recStatement  decimal.NullDecimal
		recBook       decimal.NullDecimal
		recDifference decimal.NullDecimal
		recAt         *time.Time
		recBy         *int64
	)
	err := row.Scan(&acc.ID, &acc.Code, &acc.Name, &acc.Category, &acc.Currency, &acc.Balance, &acc.OpeningBalance,
		&acc.OpenedOn, &acc.Active, &acc.LastMovementAt,
		&recDate, &recStatement, &recBook, &recDifference, &recAt, &recBy,
		&acc.Version, &acc.CreatedBy, &acc.CreatedAt, &acc.UpdatedAt)
	if err != nil {
		return ledger.Account{}, err
	}
	if recDate != nil {
		rec := ledger.Reconciliation{
			StatementDate:    *recDate,
			StatementBalance: recStatement.Decimal,
			BookBalance:      recBook.Decimal,
			Difference:       recDifference.Decimal,
		}
		if recAt != nil {
			rec.ReconciledAt = *recAt
		}
		if recBy != nil {
			rec.ReconciledBy = *recBy
		}
		acc.LastReconciliation = &rec
	}
	return acc, nil
}

func (r *reader) GetAccount(ctx context.Context, id int64) (ledger.Account, error) {
	acc, err := scanAccount(r.q.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Account{}, ledger.NotFound("account", id)
	}
	return acc, err
}

func (r *reader) ListAccounts(ctx context.Context, filter ledger.AccountFilter) ([]ledger.Account, error) {
	var w where
	if filter.Category != "" {
		w.add("category = $%d", string(filter.Category))
	}
	if filter.Active != nil {
		w.add("active = $%d", *filter.Active)
	}
	rows, err := r.q.Query(ctx, `SELECT `+accountColumns+` FROM accounts`+w.sql()+` ORDER BY code`, w.args...)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list accounts: %w", err)
	}
	defer rows.Close()
	out := make([]ledger.Account, 0)
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acc)
	}
	return out, rows.Err()
}

const debtColumns = `id, direction, counterparty, reference, currency, original, remaining, due_date, opened_on, disputed,
settlement_account_id, last_movement_at, version, created_by, created_at, updated_at`

func scanDebt(row pgx.Row) (ledger.Debt, error) {
	var d ledger.Debt
	err := row.Scan(&d.ID, &d.Direction, &d.Counterparty, &d.Reference, &d.Currency, &d.Original, &d.Remaining,
		&d.DueDate, &d.OpenedOn, &d.Disputed, &d.SettlementAccountID, &d.LastMovementAt,
		&d.Version, &d.CreatedBy, &d.CreatedAt, &d.UpdatedAt)
	return d, err
}

func (r *reader) GetDebt(ctx context.Context, id int64) (ledger.Debt, error) {
	d, err := scanDebt(r.q.QueryRow(ctx, `SELECT `+debtColumns+` FROM debts WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Debt{}, ledger.NotFound("debt", id)
	}
	return d, err
}

func (r *reader) ListDebts(ctx context.Context, filter ledger.DebtFilter) ([]ledger.Debt, error) {
	var w where
	if filter.Direction != "" {
		w.add("direction = $%d", string(filter.Direction))
	}
	rows, err := r.q.Query(ctx, `SELECT `+debtColumns+` FROM debts`+w.sql()+` ORDER BY due_date, id`, w.args...)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list debts: %w", err)
	}
	defer rows.Close()
	out := make([]ledger.Debt, 0)
	for rows.Next() {
		d, err := scanDebt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

const assetColumns = `id, name, method, declining_factor, acquisition_cost, acquired_on, useful_life_months, residual_value,
accumulated_depreciation, book_value, status, depreciated_through, disposed_on, disposal_proceeds, disposal_gain_loss,
funding_account_id, funding_event_id, created_by, created_at, updated_at`

func scanAsset(row pgx.Row) (ledger.Asset, error) {
	var (
		a        ledger.Asset
		proceeds decimal.NullDecimal
		gainLoss decimal.NullDecimal
	)
	err := row.Scan(&a.ID, &a.Name, &a.Method, &a.DecliningFactor, &a.AcquisitionCost, &a.AcquiredOn, &a.UsefulLifeMonths,
		&a.ResidualValue, &a.AccumulatedDepreciation, &a.BookValue, &a.Status, &a.DepreciatedThrough, &a.DisposedOn,
		&proceeds, &gainLoss, &a.FundingAccountID, &a.FundingEventID, &a.CreatedBy, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return ledger.Asset{}, err
	}
	if proceeds.Valid {
		a.DisposalProceeds = &proceeds.Decimal
	}
	if gainLoss.Valid {
		a.DisposalGainLoss = &gainLoss.Decimal
	}
	return a, nil
}

func (r *reader) GetAsset(ctx context.Context, id int64) (ledger.Asset, error) {
	a, err := scanAsset(r.q.QueryRow(ctx, `SELECT `+assetColumns+` FROM assets WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Asset{}, ledger.NotFound("asset", id)
	}
	return a, err
}

func (r *reader) ListAssets(ctx context.Context, filter ledger.AssetFilter) ([]ledger.Asset, error) {
	var w where
	if filter.Status != "" {
		w.add("status = $%d", string(filter.Status))
	}
	rows, err := r.q.Query(ctx, `SELECT `+assetColumns+` FROM assets`+w.sql()+` ORDER BY id`, w.args...)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list assets: %w", err)
	}
	defer rows.Close()
	out := make([]ledger.Asset, 0)
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *reader) GetTarget(ctx context.Context, ref ledger.TargetRef) (ledger.Target, error) {
	return r.target(ctx, ref, "")
}

// target loads the running-total view of ref, appending suffix (a locking
// clause) to the query.
func (r *reader) target(ctx context.Context, ref ledger.TargetRef, suffix string) (ledger.Target, error) {
	t := ledger.Target{Ref: ref}
	var err error
	switch ref.Kind {
	case ledger.TargetAccount:
		err = r.q.QueryRow(ctx, `SELECT balance, opening_balance, opened_on, currency, active, last_movement_at, version
FROM accounts WHERE id=$1`+suffix, ref.ID).
			Scan(&t.Total, &t.Opening, &t.OpenedOn, &t.Currency, &t.Active, &t.LastMovementAt, &t.Version)
	case ledger.TargetDebt:
		t.Active = true
		err = r.q.QueryRow(ctx, `SELECT remaining, original, opened_on, currency, last_movement_at, version
FROM debts WHERE id=$1`+suffix, ref.ID).
			Scan(&t.Total, &t.Opening, &t.OpenedOn, &t.Currency, &t.LastMovementAt, &t.Version)
	default:
		return ledger.Target{}, &ledger.NotFoundError{Entity: "target", ID: ref.String()}
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Target{}, ledger.NotFound(string(ref.Kind), ref.ID)
	}
	if err != nil {
		return ledger.Target{}, fmt.Errorf("pgstore: load %s: %w", ref, err)
	}
	return t, nil
}

const eventColumns = `id, reference, target_kind, target_id, kind, amount, currency, event_date, memo, source,
transfer_id, request_id, revision, reversed, reversed_at, reversed_by, created_by, created_at, updated_at`

func scanEvent(row pgx.Row) (ledger.Event, error) {
	var ev ledger.Event
	err := row.Scan(&ev.ID, &ev.Reference, &ev.Target.Kind, &ev.Target.ID, &ev.Kind, &ev.Amount, &ev.Currency,
		&ev.Date, &ev.Memo, &ev.Source, &ev.TransferID, &ev.RequestID, &ev.Revision, &ev.Reversed,
		&ev.ReversedAt, &ev.ReversedBy, &ev.CreatedBy, &ev.CreatedAt, &ev.UpdatedAt)
	ev.Seq = ev.ID
	return ev, err
}

func (r *reader) GetEvent(ctx context.Context, id int64) (ledger.Event, error) {
	ev, err := scanEvent(r.q.QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Event{}, ledger.NotFound("event", id)
	}
	return ev, err
}

func (r *reader) FindEventByRequest(ctx context.Context, requestID uuid.UUID) (ledger.Event, error) {
	ev, err := scanEvent(r.q.QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE request_id=$1`, requestID))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Event{}, &ledger.NotFoundError{Entity: "request", ID: requestID.String()}
	}
	return ev, err
}

func (r *reader) ListEvents(ctx context.Context, filter ledger.EventFilter) ([]ledger.Event, error) {
	w := eventWhere(filter)
	sql := `SELECT ` + eventColumns + ` FROM events` + w.sql() + ` ORDER BY event_date, id`
	if filter.Limit > 0 {
		w.args = append(w.args, filter.Limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(w.args))
	}
	if filter.Offset > 0 {
		w.args = append(w.args, filter.Offset)
		sql += fmt.Sprintf(" OFFSET $%d", len(w.args))
	}
	rows, err := r.q.Query(ctx, sql, w.args...)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list events: %w", err)
	}
	defer rows.Close()
	out := make([]ledger.Event, 0)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (r *reader) CountEvents(ctx context.Context, filter ledger.EventFilter) (int, error) {
	w := eventWhere(filter)
	var n int
	if err := r.q.QueryRow(ctx, `SELECT COUNT(*) FROM events`+w.sql(), w.args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("pgstore: count events: %w", err)
	}
	return n, nil
}

// SumEvents adds the signed amounts of matching events; reversed events
// contribute nothing.
func (r *reader) SumEvents(ctx context.Context, filter ledger.EventFilter) (decimal.Decimal, error) {
	w := eventWhere(filter)
	var sum decimal.Decimal
	err := r.q.QueryRow(ctx, `SELECT COALESCE(SUM(CASE
	WHEN reversed THEN 0
	WHEN kind = 'inflow' THEN amount
	ELSE -amount END), 0) FROM events`+w.sql(), w.args...).Scan(&sum)
	if err != nil {
		return decimal.Zero, fmt.Errorf("pgstore: sum events: %w", err)
	}
	return sum, nil
}

func (r *reader) ListRevisions(ctx context.Context, eventID int64) ([]ledger.EventRevision, error) {
	rows, err := r.q.Query(ctx, `SELECT id, event_id, revision, before, after, actor_id, amended_at
FROM event_revisions WHERE event_id=$1 ORDER BY revision`, eventID)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list revisions: %w", err)
	}
	defer rows.Close()
	out := make([]ledger.EventRevision, 0)
	for rows.Next() {
		var (
			rev           ledger.EventRevision
			before, after []byte
		)
		if err := rows.Scan(&rev.ID, &rev.EventID, &rev.Revision, &before, &after, &rev.ActorID, &rev.AmendedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(before, &rev.Before); err != nil {
			return nil, fmt.Errorf("pgstore: decode revision %d: %w", rev.ID, err)
		}
		if err := json.Unmarshal(after, &rev.After); err != nil {
			return nil, fmt.Errorf("pgstore: decode revision %d: %w", rev.ID, err)
		}
		out = append(out, rev)
	}
	return out, rows.Err()
}

// where accumulates AND-ed conditions with positional arguments.
type where struct {
	conds []string
	args  []any
}

func (w *where) add(cond string, arg any) {
	w.args = append(w.args, arg)
	w.conds = append(w.conds, fmt.Sprintf(cond, len(w.args)))
}

func (w *where) sql() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func eventWhere(f ledger.EventFilter) *where {
	w := &where{}
	if f.Target != nil {
		w.add("target_kind = $%d", string(f.Target.Kind))
		w.add("target_id = $%d", f.Target.ID)
	}
	if f.TargetKind != "" {
		w.add("target_kind = $%d", string(f.TargetKind))
	}
	if f.TransferID != nil {
		w.add("transfer_id = $%d", *f.TransferID)
	}
	if f.Kind != "" {
		w.add("kind = $%d", string(f.Kind))
	}
	if f.From != nil {
		w.add("event_date >= $%d", *f.From)
	}
	if f.To != nil {
		w.add("event_date <= $%d", *f.To)
	}
	if f.Reversed != nil {
		w.add("reversed = $%d", *f.Reversed)
	}
	if len(f.ExcludeSources) > 0 {
		sources := make([]string, len(f.ExcludeSources))
		for i, src := range f.ExcludeSources {
			sources[i] = string(src)
		}
		w.add("source <> ALL($%d)", sources)
	}
	return w
}

var (
	_ ledger.Repository   = (*Store)(nil)
	_ ledger.TxRepository = (*txRepo)(nil)
)
