package ledger

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

const equityLockKey = "ledger:equity"

// OpenAccountInput creates a value bucket.
type OpenAccountInput struct {
	Code           string          `validate:"required,max=32"`
	Name           string          `validate:"required,max=128"`
	Category       AccountCategory `validate:"required,oneof=cash bank postal equity"`
	Currency       string          `validate:"required,len=3"`
	OpeningBalance decimal.Decimal `validate:"-"`
	OpenedOn       time.Time       `validate:"required"`
	ActorID        int64
}

// ReconcileInput compares a bank or postal statement to the book.
type ReconcileInput struct {
	AccountID        int64           `validate:"gt=0"`
	StatementDate    time.Time       `validate:"required"`
	StatementBalance decimal.Decimal `validate:"-"`
	ActorID          int64
}

// OpenAccount creates an active account whose running total starts at the
// opening balance.
func (s *Service) OpenAccount(ctx context.Context, in OpenAccountInput) (Account, error) {
	if err := s.validateStruct(in); err != nil {
		return Account{}, err
	}
	code, err := normalizeCurrency(in.Currency)
	if err != nil {
		return Account{}, err
	}
	if err := checkScale("opening_balance", in.OpeningBalance); err != nil {
		return Account{}, err
	}
	var keys []string
	if in.Category == CategoryEquity {
		keys = []string{equityLockKey}
	}

	var out Account
	err = s.mutate(ctx, "open_account", keys, func(ctx context.Context, tx TxRepository) error {
		if in.Category == CategoryEquity {
			if err := ensureNoActiveEquity(ctx, tx); err != nil {
				return err
			}
		}
		at := s.now()
		acc, err := tx.InsertAccount(ctx, Account{
			Code:           strings.TrimSpace(in.Code),
			Name:           strings.TrimSpace(in.Name),
			Category:       in.Category,
			Currency:       code,
			Balance:        in.OpeningBalance,
			OpeningBalance: in.OpeningBalance,
			OpenedOn:       DateOf(in.OpenedOn),
			Active:         true,
			Version:        1,
			CreatedBy:      in.ActorID,
			CreatedAt:      at,
			UpdatedAt:      at,
		})
		if errors.Is(err, ErrDuplicateCode) {
			return invalid("code", "already in use")
		}
		if err != nil {
			return err
		}
		out = acc
		return s.notify(ctx, tx, "account.opened", acc.Code, accountMessage(acc))
	})
	if err != nil {
		return Account{}, err
	}
	s.record(ctx, in.ActorID, "ledger.account.open", "account", strconv.FormatInt(out.ID, 10), map[string]any{
		"code":     out.Code,
		"category": string(out.Category),
		"opening":  out.OpeningBalance.String(),
	})
	return out, nil
}

func normalizeCurrency(raw string) (string, error) {
	unit, err := currency.ParseISO(strings.TrimSpace(raw))
	if err != nil {
		return "", invalid("currency", "must be an ISO-4217 code")
	}
	return unit.String(), nil
}

func ensureNoActiveEquity(ctx context.Context, tx TxRepository) error {
	n, err := tx.CountActiveEquity(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		return invalid("category", "an active equity account already exists")
	}
	return nil
}

// GetAccount returns an account.
func (s *Service) GetAccount(ctx context.Context, id int64) (Account, error) {
	return s.repo.GetAccount(ctx, id)
}

// ListAccounts returns accounts ordered by code.
func (s *Service) ListAccounts(ctx context.Context, filter AccountFilter) ([]Account, error) {
	if filter.Category != "" && !filter.Category.Valid() {
		return nil, invalid("category", "must be one of cash bank postal equity")
	}
	return s.repo.ListAccounts(ctx, filter)
}

// DeactivateAccount stops further postings. It is refused while events dated
// after today still reference the account or unsettled debts settle through it.
func (s *Service) DeactivateAccount(ctx context.Context, id, actorID int64) (Account, error) {
	ref := AccountRef(id)
	var out Account
	changed := false
	err := s.mutate(ctx, "deactivate_account", lockKeys(ref), func(ctx context.Context, tx TxRepository) error {
		targets, err := tx.LockTargets(ctx, ref)
		if err != nil {
			return err
		}
		if !targets[ref].Active {
			out, err = tx.GetAccount(ctx, id)
			return err
		}
		open, err := tx.HasOpenReferences(ctx, id, DateOf(s.now()))
		if err != nil {
			return err
		}
		if open {
			return invalid("account", "open events or unsettled debts still reference it")
		}
		if err := tx.UpdateAccountStatus(ctx, id, false, s.now()); err != nil {
			return err
		}
		if out, err = tx.GetAccount(ctx, id); err != nil {
			return err
		}
		changed = true
		return s.notify(ctx, tx, "account.deactivated", out.Code, accountMessage(out))
	})
	if err != nil {
		return Account{}, err
	}
	if changed {
		s.record(ctx, actorID, "ledger.account.deactivate", "account", strconv.FormatInt(id, 10), nil)
	}
	return out, nil
}

// ReactivateAccount re-enables postings.
func (s *Service) ReactivateAccount(ctx context.Context, id, actorID int64) (Account, error) {
	acc, err := s.repo.GetAccount(ctx, id)
	if err != nil {
		return Account{}, err
	}
	if acc.Active {
		return acc, nil
	}
	ref := AccountRef(id)
	keys := lockKeys(ref)
	if acc.Category == CategoryEquity {
		keys = append([]string{equityLockKey}, keys...)
	}

	var out Account
	err = s.mutate(ctx, "reactivate_account", keys, func(ctx context.Context, tx TxRepository) error {
		targets, err := tx.LockTargets(ctx, ref)
		if err != nil {
			return err
		}
		if targets[ref].Active {
			out, err = tx.GetAccount(ctx, id)
			return err
		}
		if acc.Category == CategoryEquity {
			if err := ensureNoActiveEquity(ctx, tx); err != nil {
				return err
			}
		}
		if err := tx.UpdateAccountStatus(ctx, id, true, s.now()); err != nil {
			return err
		}
		if out, err = tx.GetAccount(ctx, id); err != nil {
			return err
		}
		return s.notify(ctx, tx, "account.reactivated", out.Code, accountMessage(out))
	})
	if err != nil {
		return Account{}, err
	}
	s.record(ctx, actorID, "ledger.account.reactivate", "account", strconv.FormatInt(id, 10), nil)
	return out, nil
}

// ReconcileAccount stores a comparison between a statement balance and the
// book balance on the statement date. The running total is never changed.
func (s *Service) ReconcileAccount(ctx context.Context, in ReconcileInput) (Account, error) {
	if err := s.validateStruct(in); err != nil {
		return Account{}, err
	}
	if err := checkScale("statement_balance", in.StatementBalance); err != nil {
		return Account{}, err
	}
	ref := AccountRef(in.AccountID)
	statementDate := DateOf(in.StatementDate)
	var out Account
	err := s.mutate(ctx, "reconcile_account", lockKeys(ref), func(ctx context.Context, tx TxRepository) error {
		acc, err := tx.GetAccount(ctx, in.AccountID)
		if err != nil {
			return err
		}
		if acc.Category == CategoryEquity {
			return invalid("account_id", "equity accounts are not reconciled")
		}
		pit, err := reconstruct(ctx, tx, ref, statementDate, DateOf(s.now()))
		if err != nil {
			return err
		}
		rec := Reconciliation{
			StatementDate:    statementDate,
			StatementBalance: in.StatementBalance,
			BookBalance:      pit.Total,
			Difference:       in.StatementBalance.Sub(pit.Total),
			ReconciledAt:     s.now(),
			ReconciledBy:     in.ActorID,
		}
		if err := tx.UpdateAccountReconciliation(ctx, in.AccountID, rec); err != nil {
			return err
		}
		acc.LastReconciliation = &rec
		out = acc
		return s.notify(ctx, tx, "account.reconciled", acc.Code, map[string]any{
			"account_id":        acc.ID,
			"statement_date":    statementDate.Format(time.DateOnly),
			"statement_balance": rec.StatementBalance,
			"book_balance":      rec.BookBalance,
			"difference":        rec.Difference,
		})
	})
	if err != nil {
		return Account{}, err
	}
	s.record(ctx, in.ActorID, "ledger.account.reconcile", "account", strconv.FormatInt(in.AccountID, 10), map[string]any{
		"difference": out.LastReconciliation.Difference.String(),
	})
	return out, nil
}

func accountMessage(acc Account) map[string]any {
	return map[string]any{
		"id":       acc.ID,
		"code":     acc.Code,
		"category": acc.Category,
		"currency": acc.Currency,
		"balance":  acc.Balance,
		"active":   acc.Active,
	}
}
