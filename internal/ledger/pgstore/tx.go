package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
)

const (
	codeUniqueViolation = "23505"
	codeCheckViolation  = "23514"
)

// txRepo implements ledger.TxRepository inside one pgx transaction.
type txRepo struct {
	*reader
	tx pgx.Tx
}

func pgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func (t *txRepo) LockTargets(ctx context.Context, refs ...ledger.TargetRef) (map[ledger.TargetRef]ledger.Target, error) {
	ordered := append([]ledger.TargetRef(nil), refs...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Less(ordered[j]) })
	out := make(map[ledger.TargetRef]ledger.Target, len(ordered))
	for _, ref := range ordered {
		if _, done := out[ref]; done {
			continue
		}
		target, err := t.target(ctx, ref, " FOR UPDATE")
		if err != nil {
			return nil, err
		}
		out[ref] = target
	}
	return out, nil
}

func (t *txRepo) ApplyDelta(ctx context.Context, ref ledger.TargetRef, delta decimal.Decimal, at time.Time) (ledger.Target, error) {
	var err error
	switch ref.Kind {
	case ledger.TargetAccount:
		_, err = t.tx.Exec(ctx, `UPDATE accounts SET balance = balance + $2, last_movement_at=$3, version = version + 1, updated_at=$3
WHERE id=$1`, ref.ID, delta, at)
	case ledger.TargetDebt:
		_, err = t.tx.Exec(ctx, `UPDATE debts SET remaining = remaining + $2, last_movement_at=$3, version = version + 1, updated_at=$3
WHERE id=$1`, ref.ID, delta, at)
	default:
		return ledger.Target{}, &ledger.NotFoundError{Entity: "target", ID: ref.String()}
	}
	if err != nil {
		if pgErr, ok := pgError(err); ok && pgErr.Code == codeCheckViolation {
			return ledger.Target{}, fmt.Errorf("pgstore: %s total out of range: %w", ref, err)
		}
		return ledger.Target{}, fmt.Errorf("pgstore: apply delta to %s: %w", ref, err)
	}
	return t.target(ctx, ref, "")
}

func (t *txRepo) InsertAccount(ctx context.Context, account ledger.Account) (ledger.Account, error) {
	err := t.tx.QueryRow(ctx, `INSERT INTO accounts (code, name, category, currency, balance, opening_balance, opened_on, active, version, created_by, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12) RETURNING id`,
		account.Code, account.Name, string(account.Category), account.Currency, account.Balance, account.OpeningBalance,
		account.OpenedOn, account.Active, account.Version, account.CreatedBy, account.CreatedAt, account.UpdatedAt).Scan(&account.ID)
	if err != nil {
		if pgErr, ok := pgError(err); ok && pgErr.Code == codeUniqueViolation {
			switch pgErr.ConstraintName {
			case "accounts_code_key":
				return ledger.Account{}, ledger.ErrDuplicateCode
			case "accounts_one_active_equity":
				return ledger.Account{}, &ledger.ValidationError{Field: "category", Reason: "an active equity account already exists"}
			}
		}
		return ledger.Account{}, fmt.Errorf("pgstore: insert account: %w", err)
	}
	return account, nil
}

func (t *txRepo) UpdateAccountStatus(ctx context.Context, id int64, active bool, at time.Time) error {
	cmd, err := t.tx.Exec(ctx, `UPDATE accounts SET active=$2, version = version + 1, updated_at=$3 WHERE id=$1`, id, active, at)
	if err != nil {
		if pgErr, ok := pgError(err); ok && pgErr.ConstraintName == "accounts_one_active_equity" {
			return &ledger.ValidationError{Field: "category", Reason: "an active equity account already exists"}
		}
		return fmt.Errorf("pgstore: update account status: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return ledger.NotFound("account", id)
	}
	return nil
}

func (t *txRepo) UpdateAccountReconciliation(ctx context.Context, id int64, rec ledger.Reconciliation) error {
	cmd, err := t.tx.Exec(ctx, `UPDATE accounts SET rec_statement_date=$2, rec_statement_balance=$3, rec_book_balance=$4,
rec_difference=$5, rec_reconciled_at=$6, rec_reconciled_by=$7, updated_at=$6 WHERE id=$1`,
		id, rec.StatementDate, rec.StatementBalance, rec.BookBalance, rec.Difference, rec.ReconciledAt, rec.ReconciledBy)
	if err != nil {
		return fmt.Errorf("pgstore: update reconciliation: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return ledger.NotFound("account", id)
	}
	return nil
}

func (t *txRepo) CountActiveEquity(ctx context.Context) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx, `SELECT COUNT(*) FROM accounts WHERE category='equity' AND active`).Scan(&n)
	return n, err
}

func (t *txRepo) HasOpenReferences(ctx context.Context, accountID int64, after time.Time) (bool, error) {
	var open bool
	err := t.tx.QueryRow(ctx, `SELECT
	EXISTS (SELECT 1 FROM events WHERE target_kind='account' AND target_id=$1 AND NOT reversed AND event_date > $2)
	OR EXISTS (SELECT 1 FROM debts WHERE settlement_account_id=$1 AND remaining > 0)`, accountID, after).Scan(&open)
	return open, err
}

func (t *txRepo) InsertDebt(ctx context.Context, debt ledger.Debt) (ledger.Debt, error) {
	err := t.tx.QueryRow(ctx, `INSERT INTO debts (direction, counterparty, reference, currency, original, remaining, due_date, opened_on,
disputed, settlement_account_id, version, created_by, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14) RETURNING id`,
		string(debt.Direction), debt.Counterparty, debt.Reference, debt.Currency, debt.Original, debt.Remaining, debt.DueDate,
		debt.OpenedOn, debt.Disputed, debt.SettlementAccountID, debt.Version, debt.CreatedBy, debt.CreatedAt, debt.UpdatedAt).Scan(&debt.ID)
	if err != nil {
		return ledger.Debt{}, fmt.Errorf("pgstore: insert debt: %w", err)
	}
	return debt, nil
}

func (t *txRepo) UpdateDebtDisputed(ctx context.Context, id int64, disputed bool, at time.Time) error {
	cmd, err := t.tx.Exec(ctx, `UPDATE debts SET disputed=$2, updated_at=$3 WHERE id=$1`, id, disputed, at)
	if err != nil {
		return fmt.Errorf("pgstore: update debt: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return ledger.NotFound("debt", id)
	}
	return nil
}

func (t *txRepo) InsertAsset(ctx context.Context, a ledger.Asset) (ledger.Asset, error) {
	err := t.tx.QueryRow(ctx, `INSERT INTO assets (name, method, declining_factor, acquisition_cost, acquired_on, useful_life_months,
residual_value, accumulated_depreciation, book_value, status, depreciated_through, funding_account_id, funding_event_id,
created_by, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16) RETURNING id`,
		a.Name, string(a.Method), a.DecliningFactor, a.AcquisitionCost, a.AcquiredOn, a.UsefulLifeMonths, a.ResidualValue,
		a.AccumulatedDepreciation, a.BookValue, string(a.Status), a.DepreciatedThrough, a.FundingAccountID, a.FundingEventID,
		a.CreatedBy, a.CreatedAt, a.UpdatedAt).Scan(&a.ID)
	if err != nil {
		return ledger.Asset{}, fmt.Errorf("pgstore: insert asset: %w", err)
	}
	return a, nil
}

func (t *txRepo) GetAssetForUpdate(ctx context.Context, id int64) (ledger.Asset, error) {
	a, err := scanAsset(t.tx.QueryRow(ctx, `SELECT `+assetColumns+` FROM assets WHERE id=$1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Asset{}, ledger.NotFound("asset", id)
	}
	return a, err
}

func (t *txRepo) UpdateAsset(ctx context.Context, a ledger.Asset) error {
	cmd, err := t.tx.Exec(ctx, `UPDATE assets SET accumulated_depreciation=$2, book_value=$3, status=$4, depreciated_through=$5,
disposed_on=$6, disposal_proceeds=$7, disposal_gain_loss=$8, updated_at=$9 WHERE id=$1`,
		a.ID, a.AccumulatedDepreciation, a.BookValue, string(a.Status), a.DepreciatedThrough, a.DisposedOn,
		a.DisposalProceeds, a.DisposalGainLoss, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("pgstore: update asset: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return ledger.NotFound("asset", a.ID)
	}
	return nil
}

func (t *txRepo) InsertEvent(ctx context.Context, ev ledger.Event) (ledger.Event, error) {
	err := t.tx.QueryRow(ctx, `INSERT INTO events (reference, target_kind, target_id, kind, amount, currency, event_date, memo, source,
transfer_id, request_id, revision, reversed, created_by, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16) RETURNING id`,
		ev.Reference, string(ev.Target.Kind), ev.Target.ID, string(ev.Kind), ev.Amount, ev.Currency, ev.Date, ev.Memo,
		string(ev.Source), ev.TransferID, ev.RequestID, ev.Revision, ev.Reversed, ev.CreatedBy, ev.CreatedAt, ev.UpdatedAt).Scan(&ev.ID)
	if err != nil {
		if pgErr, ok := pgError(err); ok && pgErr.Code == codeUniqueViolation && pgErr.ConstraintName == "events_request_id_key" {
			return ledger.Event{}, ledger.ErrDuplicateRequest
		}
		return ledger.Event{}, fmt.Errorf("pgstore: insert event: %w", err)
	}
	ev.Seq = ev.ID
	return ev, nil
}

func (t *txRepo) GetEventForUpdate(ctx context.Context, id int64) (ledger.Event, error) {
	ev, err := scanEvent(t.tx.QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE id=$1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Event{}, ledger.NotFound("event", id)
	}
	return ev, err
}

// UpdateEvent rewrites the mutable columns. Identity, request id and
// creation stamps never change.
func (t *txRepo) UpdateEvent(ctx context.Context, ev ledger.Event) error {
	cmd, err := t.tx.Exec(ctx, `UPDATE events SET reference=$2, target_kind=$3, target_id=$4, kind=$5, amount=$6, currency=$7,
event_date=$8, memo=$9, source=$10, transfer_id=$11, revision=$12, reversed=$13, reversed_at=$14, reversed_by=$15, updated_at=$16
WHERE id=$1`,
		ev.ID, ev.Reference, string(ev.Target.Kind), ev.Target.ID, string(ev.Kind), ev.Amount, ev.Currency, ev.Date, ev.Memo,
		string(ev.Source), ev.TransferID, ev.Revision, ev.Reversed, ev.ReversedAt, ev.ReversedBy, ev.UpdatedAt)
	if err != nil {
		return fmt.Errorf("pgstore: update event: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return ledger.NotFound("event", ev.ID)
	}
	return nil
}

func (t *txRepo) InsertRevision(ctx context.Context, rev ledger.EventRevision) error {
	before, err := json.Marshal(rev.Before)
	if err != nil {
		return err
	}
	after, err := json.Marshal(rev.After)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `INSERT INTO event_revisions (event_id, revision, before, after, actor_id, amended_at)
VALUES ($1,$2,$3,$4,$5,$6)`, rev.EventID, rev.Revision, before, after, rev.ActorID, rev.AmendedAt)
	if err != nil {
		return fmt.Errorf("pgstore: insert revision: %w", err)
	}
	return nil
}

func (t *txRepo) InsertOutbox(ctx context.Context, msg ledger.OutboxMessage) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO outbox (id, topic, key, type, payload, created_at) VALUES ($1,$2,$3,$4,$5,$6)`,
		msg.ID, msg.Topic, msg.Key, msg.Type, msg.Payload, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("pgstore: insert outbox: %w", err)
	}
	return nil
}
