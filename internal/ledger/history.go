package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

// BalanceAsOf reconstructs the total of a target at the end of a business
// date. Events dated on asOf are included.
func (s *Service) BalanceAsOf(ctx context.Context, ref TargetRef, asOf time.Time) (PointInTime, error) {
	if !ref.Valid() {
		return PointInTime{}, invalid("target", "must name an account or debt")
	}
	if asOf.IsZero() {
		return PointInTime{}, invalid("as_of", "is required")
	}
	day := DateOf(asOf)

	current, err := s.repo.GetTarget(ctx, ref)
	if err != nil {
		return PointInTime{}, err
	}
	key := pointInTimeKey(ref, current.Version, day)
	if s.cache != nil {
		var cached PointInTime
		hit, err := s.cache.Get(ctx, key, &cached)
		if err != nil {
			s.logger.Warn("point-in-time cache read", slog.String("key", key), slog.Any("error", err))
		} else if hit {
			return cached, nil
		}
	}

	ch := s.flights.DoChan(key, func() (any, error) {
		// Shared by concurrent callers; detach from the first caller's cancellation.
		fctx := context.WithoutCancel(ctx)
		var pit PointInTime
		err := s.repo.Snapshot(fctx, func(ctx context.Context, r Reader) error {
			var err error
			pit, err = reconstruct(ctx, r, ref, day, DateOf(s.now()))
			return err
		})
		if err != nil {
			return nil, err
		}
		if s.cache != nil {
			// Stored under the version actually read, which may be newer than key.
			if err := s.cache.Set(fctx, pointInTimeKey(ref, pit.Version, day), pit); err != nil {
				s.logger.Warn("point-in-time cache write", slog.String("target", ref.String()), slog.Any("error", err))
			}
		}
		return pit, nil
	})
	select {
	case <-ctx.Done():
		return PointInTime{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return PointInTime{}, res.Err
		}
		return res.Val.(PointInTime), nil
	}
}

func pointInTimeKey(ref TargetRef, version int64, day time.Time) string {
	return fmt.Sprintf("ledger:pit:%s:v%d:%s", ref, version, day.Format(time.DateOnly))
}

// reconstruct computes the point-in-time total from a consistent reader.
func reconstruct(ctx context.Context, r Reader, ref TargetRef, asOf, today time.Time) (PointInTime, error) {
	t, err := r.GetTarget(ctx, ref)
	if err != nil {
		return PointInTime{}, err
	}
	pit := PointInTime{Target: ref, AsOf: asOf, Currency: t.Currency, Version: t.Version}
	if asOf.Before(t.OpenedOn) {
		pit.Total = decimal.Zero
		pit.Method = MethodBeforeOpening
		return pit, nil
	}
	if ChooseForward(t.OpenedOn, asOf, today) {
		events, err := r.ListEvents(ctx, EventFilter{Target: &ref, To: &asOf, Reversed: Active()})
		if err != nil {
			return PointInTime{}, fmt.Errorf("ledger: load events through %s: %w", asOf.Format(time.DateOnly), err)
		}
		pit.Total = Replay(t.Opening, events)
		pit.Method = MethodForward
		return pit, nil
	}
	after := asOf.AddDate(0, 0, 1)
	events, err := r.ListEvents(ctx, EventFilter{Target: &ref, From: &after, Reversed: Active()})
	if err != nil {
		return PointInTime{}, fmt.Errorf("ledger: load events after %s: %w", asOf.Format(time.DateOnly), err)
	}
	pit.Total = Rewind(t.Total, events)
	pit.Method = MethodBackward
	return pit, nil
}

// ChooseForward reports whether replaying from the opening is the shorter walk.
func ChooseForward(openedOn, asOf, today time.Time) bool {
	return asOf.Sub(openedOn) < today.Sub(asOf)
}

// Replay walks forward from the opening value.
func Replay(opening decimal.Decimal, events []Event) decimal.Decimal {
	total := opening
	for _, ev := range events {
		total = total.Add(ev.Effect())
	}
	return total
}

// Rewind walks backward from the current total, undoing later events.
func Rewind(current decimal.Decimal, later []Event) decimal.Decimal {
	total := current
	for i := len(later) - 1; i >= 0; i-- {
		total = total.Sub(later[i].Effect())
	}
	return total
}
