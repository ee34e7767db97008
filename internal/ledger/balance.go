package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransferInput moves value between two accounts.
type TransferInput struct {
	FromAccountID int64           `validate:"gt=0"`
	ToAccountID   int64           `validate:"gt=0"`
	Amount        decimal.Decimal `validate:"-"`
	Date          time.Time       `validate:"required"`
	Memo          string          `validate:"max=500"`
	RequestID     *uuid.UUID
	ActorID       int64
}

// TransferResult returns both legs of a transfer.
type TransferResult struct {
	TransferID uuid.UUID `json:"transfer_id"`
	Out        Event     `json:"-"`
	In         Event     `json:"-"`
}

// apply adds delta to the target's running total. It is the only write path
// for totals.
func (s *Service) apply(ctx context.Context, tx TxRepository, ref TargetRef, delta decimal.Decimal, at time.Time) (Target, error) {
	t, err := tx.ApplyDelta(ctx, ref, delta, at)
	if err != nil {
		return Target{}, fmt.Errorf("ledger: apply %s: %w", ref, err)
	}
	return t, nil
}

// Transfer records an outflow leg on the source and an inflow leg on the
// destination in one transaction. Both legs share a TransferID.
func (s *Service) Transfer(ctx context.Context, in TransferInput) (TransferResult, error) {
	if err := s.validateStruct(in); err != nil {
		return TransferResult{}, err
	}
	if err := checkAmount("amount", in.Amount); err != nil {
		return TransferResult{}, err
	}
	if in.FromAccountID == in.ToAccountID {
		return TransferResult{}, invalid("to_account_id", "must differ from from_account_id")
	}
	if in.RequestID != nil {
		if res, ok, err := s.replayedTransfer(ctx, *in.RequestID); err != nil || ok {
			return res, err
		}
	}

	from, to := AccountRef(in.FromAccountID), AccountRef(in.ToAccountID)
	refs := uniqueRefs(from, to)
	date := DateOf(in.Date)
	reference, err := s.reference(ctx, prefixTransfer, date)
	if err != nil {
		return TransferResult{}, err
	}
	var res TransferResult
	err = s.mutate(ctx, "transfer", lockKeys(refs...), func(ctx context.Context, tx TxRepository) error {
		targets, err := tx.LockTargets(ctx, refs...)
		if err != nil {
			return err
		}
		src, dst := targets[from], targets[to]
		if src.Currency != dst.Currency {
			return invalid("to_account_id", fmt.Sprintf("currency %s does not match %s", dst.Currency, src.Currency))
		}
		if err := checkPosting(src, KindOutflow, in.Amount, date, src.Total); err != nil {
			return err
		}
		if err := checkPosting(dst, KindInflow, in.Amount, date, dst.Total); err != nil {
			return err
		}

		id := uuid.New()
		out, err := s.post(ctx, tx, posting{
			target:     from,
			kind:       KindOutflow,
			amount:     in.Amount,
			date:       date,
			reference:  reference,
			memo:       in.Memo,
			source:     SourceTransfer,
			transferID: &id,
			requestID:  in.RequestID,
			actorID:    in.ActorID,
		})
		if err != nil {
			return err
		}
		inLeg, err := s.post(ctx, tx, posting{
			target:     to,
			kind:       KindInflow,
			amount:     in.Amount,
			date:       date,
			reference:  reference,
			memo:       in.Memo,
			source:     SourceTransfer,
			transferID: &id,
			actorID:    in.ActorID,
		})
		if err != nil {
			return consistency("transfer", "credit "+to.String(), refs, err)
		}
		res = TransferResult{TransferID: id, Out: out, In: inLeg}
		if err := s.notify(ctx, tx, "transfer.recorded", reference, newLegsMessage(out, []Event{out, inLeg})); err != nil {
			return consistency("transfer", "outbox", refs, err)
		}
		return nil
	})
	if errors.Is(err, ErrDuplicateRequest) && in.RequestID != nil {
		if replay, ok, rerr := s.replayedTransfer(ctx, *in.RequestID); rerr == nil && ok {
			return replay, nil
		}
	}
	if err != nil {
		return TransferResult{}, err
	}
	s.record(ctx, in.ActorID, "ledger.transfer", "transfer", res.TransferID.String(), map[string]any{
		"from":   in.FromAccountID,
		"to":     in.ToAccountID,
		"amount": in.Amount.String(),
	})
	return res, nil
}

func (s *Service) replayedTransfer(ctx context.Context, requestID uuid.UUID) (TransferResult, bool, error) {
	ev, ok, err := s.replayed(ctx, requestID)
	if err != nil || !ok {
		return TransferResult{}, false, err
	}
	if ev.TransferID == nil {
		return TransferResult{}, false, invalid("request_id", "already used by a non-transfer event")
	}
	legs, err := s.legsOf(ctx, ev)
	if err != nil {
		return TransferResult{}, false, err
	}
	res := TransferResult{TransferID: *ev.TransferID}
	for _, leg := range legs {
		if leg.Kind == KindOutflow {
			res.Out = leg
		} else {
			res.In = leg
		}
	}
	return res, true, nil
}

// GetBalance returns the current running total of a target.
func (s *Service) GetBalance(ctx context.Context, ref TargetRef) (BalanceView, error) {
	if !ref.Valid() {
		return BalanceView{}, invalid("target", "must name an account or debt")
	}
	t, err := s.repo.GetTarget(ctx, ref)
	if err != nil {
		return BalanceView{}, err
	}
	return BalanceView{
		Target:         t.Ref,
		Total:          t.Total,
		Currency:       t.Currency,
		LastMovementAt: t.LastMovementAt,
	}, nil
}
