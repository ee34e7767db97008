package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/ledger/rules"
)

// OpenDebtInput registers a payable or receivable.
type OpenDebtInput struct {
	Direction           DebtDirection   `validate:"required,oneof=payable receivable"`
	Counterparty        string          `validate:"required,max=128"`
	Reference           string          `validate:"max=64"`
	Currency            string          `validate:"required,len=3"`
	Original            decimal.Decimal `validate:"-"`
	OpenedOn            time.Time       `validate:"required"`
	DueDate             time.Time       `validate:"required"`
	SettlementAccountID *int64          `validate:"omitempty,gt=0"`
	ActorID             int64
}

// PayDebtInput records a payment against a debt. When an account is given
// (or the debt has a settlement account) a linked cash event is recorded on
// it in the same transaction.
type PayDebtInput struct {
	DebtID    int64           `validate:"gt=0"`
	Amount    decimal.Decimal `validate:"-"`
	Date      time.Time       `validate:"required"`
	Memo      string          `validate:"max=500"`
	AccountID *int64          `validate:"omitempty,gt=0"`
	RequestID *uuid.UUID
	ActorID   int64
}

// PaymentResult returns the payment, the optional settlement leg and the
// debt after the payment.
type PaymentResult struct {
	Payment    Event
	Settlement *Event
	Debt       Debt
}

// OpenDebt creates a debt whose remaining amount starts at the original.
func (s *Service) OpenDebt(ctx context.Context, in OpenDebtInput) (Debt, error) {
	if err := s.validateStruct(in); err != nil {
		return Debt{}, err
	}
	if err := checkAmount("original", in.Original); err != nil {
		return Debt{}, err
	}
	code, err := normalizeCurrency(in.Currency)
	if err != nil {
		return Debt{}, err
	}
	openedOn, due := DateOf(in.OpenedOn), DateOf(in.DueDate)
	if due.Before(openedOn) {
		return Debt{}, invalid("due_date", "precedes opened_on")
	}

	var out Debt
	err = s.mutate(ctx, "open_debt", nil, func(ctx context.Context, tx TxRepository) error {
		if in.SettlementAccountID != nil {
			acc, err := tx.GetAccount(ctx, *in.SettlementAccountID)
			if err != nil {
				return err
			}
			if err := checkSettlementAccount(acc, code); err != nil {
				return err
			}
		}
		at := s.now()
		debt, err := tx.InsertDebt(ctx, Debt{
			Direction:           in.Direction,
			Counterparty:        strings.TrimSpace(in.Counterparty),
			Reference:           in.Reference,
			Currency:            code,
			Original:            in.Original,
			Remaining:           in.Original,
			DueDate:             due,
			OpenedOn:            openedOn,
			SettlementAccountID: in.SettlementAccountID,
			Version:             1,
			CreatedBy:           in.ActorID,
			CreatedAt:           at,
			UpdatedAt:           at,
		})
		if err != nil {
			return err
		}
		out = s.withStatus(debt)
		return s.notify(ctx, tx, "debt.opened", strconv.FormatInt(debt.ID, 10), debtMessage(out))
	})
	if err != nil {
		return Debt{}, err
	}
	s.record(ctx, in.ActorID, "ledger.debt.open", "debt", strconv.FormatInt(out.ID, 10), map[string]any{
		"direction":    string(out.Direction),
		"counterparty": out.Counterparty,
		"original":     out.Original.String(),
	})
	return out, nil
}

func checkSettlementAccount(acc Account, currency string) error {
	if !acc.Active {
		return &InactiveTargetError{Target: AccountRef(acc.ID)}
	}
	if acc.Category == CategoryEquity {
		return invalid("settlement_account_id", "equity accounts cannot settle debts")
	}
	if acc.Currency != currency {
		return invalid("settlement_account_id", fmt.Sprintf("currency %s does not match %s", acc.Currency, currency))
	}
	return nil
}

func (s *Service) withStatus(d Debt) Debt {
	d.Status = rules.Status(rules.DebtState{
		Original:  d.Original,
		Remaining: d.Remaining,
		DueDate:   d.DueDate,
		Disputed:  d.Disputed,
	}, s.now())
	return d
}

// GetDebt returns a debt with its status derived as of now.
func (s *Service) GetDebt(ctx context.Context, id int64) (Debt, error) {
	d, err := s.repo.GetDebt(ctx, id)
	if err != nil {
		return Debt{}, err
	}
	return s.withStatus(d), nil
}

// ListDebts returns debts ordered by due date. The status filter applies to
// the derived status.
func (s *Service) ListDebts(ctx context.Context, filter DebtFilter) ([]Debt, error) {
	if filter.Direction != "" && !filter.Direction.Valid() {
		return nil, invalid("direction", "must be one of payable receivable")
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, invalid("status", "unknown debt status")
	}
	debts, err := s.repo.ListDebts(ctx, DebtFilter{Direction: filter.Direction})
	if err != nil {
		return nil, err
	}
	out := make([]Debt, 0, len(debts))
	for _, d := range debts {
		d = s.withStatus(d)
		if filter.Status != "" && d.Status != filter.Status {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// SetDisputed flags or clears a dispute.
func (s *Service) SetDisputed(ctx context.Context, id int64, disputed bool, actorID int64) (Debt, error) {
	ref := DebtRef(id)
	var out Debt
	err := s.mutate(ctx, "dispute_debt", lockKeys(ref), func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.LockTargets(ctx, ref); err != nil {
			return err
		}
		if err := tx.UpdateDebtDisputed(ctx, id, disputed, s.now()); err != nil {
			return err
		}
		d, err := tx.GetDebt(ctx, id)
		if err != nil {
			return err
		}
		out = s.withStatus(d)
		return s.notify(ctx, tx, "debt.dispute", strconv.FormatInt(id, 10), debtMessage(out))
	})
	if err != nil {
		return Debt{}, err
	}
	s.record(ctx, actorID, "ledger.debt.dispute", "debt", strconv.FormatInt(id, 10), map[string]any{"disputed": disputed})
	return out, nil
}

// PayDebt records a payment event on the debt, reducing its remaining amount,
// plus the linked cash movement on the settlement account.
func (s *Service) PayDebt(ctx context.Context, in PayDebtInput) (PaymentResult, error) {
	if err := s.validateStruct(in); err != nil {
		return PaymentResult{}, err
	}
	if err := checkAmount("amount", in.Amount); err != nil {
		return PaymentResult{}, err
	}
	if in.RequestID != nil {
		if res, ok, err := s.replayedPayment(ctx, *in.RequestID); err != nil || ok {
			return res, err
		}
	}
	debt, err := s.repo.GetDebt(ctx, in.DebtID)
	if err != nil {
		return PaymentResult{}, err
	}
	accountID := in.AccountID
	if accountID == nil {
		accountID = debt.SettlementAccountID
	}
	debtRef := DebtRef(in.DebtID)
	refs := []TargetRef{debtRef}
	if accountID != nil {
		refs = append(refs, AccountRef(*accountID))
	}
	refs = uniqueRefs(refs...)
	date := DateOf(in.Date)
	reference, err := s.reference(ctx, prefixOutflow, date)
	if err != nil {
		return PaymentResult{}, err
	}

	var res PaymentResult
	err = s.mutate(ctx, "pay_debt", lockKeys(refs...), func(ctx context.Context, tx TxRepository) error {
		targets, err := tx.LockTargets(ctx, refs...)
		if err != nil {
			return err
		}
		dt := targets[debtRef]
		if err := checkPosting(dt, KindOutflow, in.Amount, date, dt.Total); err != nil {
			return err
		}
		var cashKind EventKind
		if accountID != nil {
			acc, err := tx.GetAccount(ctx, *accountID)
			if err != nil {
				return err
			}
			if err := checkSettlementAccount(acc, dt.Currency); err != nil {
				return err
			}
			cashKind = settlementKind(debt.Direction)
			cash := targets[AccountRef(*accountID)]
			if err := checkPosting(cash, cashKind, in.Amount, date, cash.Total); err != nil {
				return err
			}
		}

		var link *uuid.UUID
		if accountID != nil {
			id := uuid.New()
			link = &id
		}
		payment, err := s.post(ctx, tx, posting{
			target:     debtRef,
			kind:       KindOutflow,
			amount:     in.Amount,
			date:       date,
			reference:  reference,
			memo:       in.Memo,
			source:     SourceDebtPayment,
			transferID: link,
			requestID:  in.RequestID,
			actorID:    in.ActorID,
		})
		if err != nil {
			return err
		}
		res.Payment = payment
		if accountID != nil {
			settlement, err := s.post(ctx, tx, posting{
				target:     AccountRef(*accountID),
				kind:       cashKind,
				amount:     in.Amount,
				date:       date,
				reference:  reference,
				memo:       in.Memo,
				source:     SourceDebtSettlement,
				transferID: link,
				actorID:    in.ActorID,
			})
			if err != nil {
				return consistency("pay_debt", "settle "+AccountRef(*accountID).String(), refs, err)
			}
			res.Settlement = &settlement
		}
		d, err := tx.GetDebt(ctx, in.DebtID)
		if err != nil {
			return consistency("pay_debt", "reload debt", refs, err)
		}
		res.Debt = s.withStatus(d)
		legs := []Event{payment}
		if res.Settlement != nil {
			legs = append(legs, *res.Settlement)
		}
		if err := s.notify(ctx, tx, "debt.payment", strconv.FormatInt(in.DebtID, 10), newLegsMessage(payment, legs)); err != nil {
			return consistency("pay_debt", "outbox", refs, err)
		}
		return nil
	})
	if errors.Is(err, ErrDuplicateRequest) && in.RequestID != nil {
		if replay, ok, rerr := s.replayedPayment(ctx, *in.RequestID); rerr == nil && ok {
			return replay, nil
		}
	}
	if err != nil {
		return PaymentResult{}, err
	}
	s.record(ctx, in.ActorID, "ledger.debt.pay", "debt", strconv.FormatInt(in.DebtID, 10), map[string]any{
		"amount":    in.Amount.String(),
		"remaining": res.Debt.Remaining.String(),
	})
	return res, nil
}

// settlementKind is the cash direction for paying a debt: paying a payable
// takes money out, collecting a receivable brings it in.
func settlementKind(d DebtDirection) EventKind {
	if d == DebtReceivable {
		return KindInflow
	}
	return KindOutflow
}

func (s *Service) replayedPayment(ctx context.Context, requestID uuid.UUID) (PaymentResult, bool, error) {
	ev, ok, err := s.replayed(ctx, requestID)
	if err != nil || !ok {
		return PaymentResult{}, false, err
	}
	if ev.Source != SourceDebtPayment {
		return PaymentResult{}, false, invalid("request_id", "already used by another operation")
	}
	res := PaymentResult{Payment: ev}
	legs, err := s.legsOf(ctx, ev)
	if err != nil {
		return PaymentResult{}, false, err
	}
	for _, leg := range legs {
		if leg.ID != ev.ID {
			leg := leg
			res.Settlement = &leg
		}
	}
	d, err := s.GetDebt(ctx, ev.Target.ID)
	if err != nil {
		return PaymentResult{}, false, err
	}
	res.Debt = d
	return res, true, nil
}

// DebtAging buckets remaining amounts by days past due as of asOf.
func (s *Service) DebtAging(ctx context.Context, direction DebtDirection, asOf time.Time) (rules.AgingSummary, error) {
	if direction != "" && !direction.Valid() {
		return rules.AgingSummary{}, invalid("direction", "must be one of payable receivable")
	}
	if asOf.IsZero() {
		asOf = s.now()
	}
	debts, err := s.repo.ListDebts(ctx, DebtFilter{Direction: direction})
	if err != nil {
		return rules.AgingSummary{}, err
	}
	var summary rules.AgingSummary
	for _, d := range debts {
		summary.Add(d.DueDate, asOf, d.Remaining)
	}
	return summary, nil
}

func debtMessage(d Debt) map[string]any {
	return map[string]any{
		"id":           d.ID,
		"direction":    d.Direction,
		"counterparty": d.Counterparty,
		"original":     d.Original,
		"remaining":    d.Remaining,
		"due_date":     d.DueDate.Format(time.DateOnly),
		"disputed":     d.Disputed,
		"status":       d.Status,
	}
}
