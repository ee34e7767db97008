package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	prefixInflow   = "IN"
	prefixOutflow  = "OUT"
	prefixTransfer = "TRF"

	maxAmendAttempts = 3
)

// errTargetMoved signals that a concurrent amendment re-targeted an event
// between lock planning and lock acquisition.
var errTargetMoved = errors.New("ledger: event target moved")

// RecordInput captures a new posting.
type RecordInput struct {
	Target    TargetRef       `validate:"required"`
	Kind      EventKind       `validate:"required,oneof=inflow outflow"`
	Amount    decimal.Decimal `validate:"-"`
	Date      time.Time       `validate:"required"`
	Reference string          `validate:"max=64"`
	Memo      string          `validate:"max=500"`
	RequestID *uuid.UUID
	ActorID   int64
}

// AmendInput changes any of the ledger-relevant fields of an event. Nil
// fields are left untouched.
type AmendInput struct {
	EventID int64 `validate:"gt=0"`
	Amount  *decimal.Decimal
	Kind    *EventKind `validate:"omitempty,oneof=inflow outflow"`
	Target  *TargetRef
	Date    *time.Time
	Memo    *string `validate:"omitempty,max=500"`
	ActorID int64
}

func (in AmendInput) empty() bool {
	return in.Amount == nil && in.Kind == nil && in.Target == nil && in.Date == nil && in.Memo == nil
}

// ReverseInput cancels the effect of an event.
type ReverseInput struct {
	EventID int64 `validate:"gt=0"`
	ActorID int64
}

// ReverseResult reports what a reversal did. NoEffect is set when the event
// was already reversed and nothing changed.
type ReverseResult struct {
	Event    Event
	Legs     []Event
	NoEffect bool
}

// posting is one leg of a unit of work, applied after its event row exists.
type posting struct {
	target     TargetRef
	kind       EventKind
	amount     decimal.Decimal
	date       time.Time
	reference  string
	memo       string
	source     EventSource
	transferID *uuid.UUID
	requestID  *uuid.UUID
	actorID    int64
}

// Record commits a new event and applies its delta to the target.
func (s *Service) Record(ctx context.Context, in RecordInput) (Event, error) {
	if err := s.validateStruct(in); err != nil {
		return Event{}, err
	}
	if err := checkAmount("amount", in.Amount); err != nil {
		return Event{}, err
	}
	if in.RequestID != nil {
		if ev, ok, err := s.replayed(ctx, *in.RequestID); err != nil || ok {
			return ev, err
		}
	}

	date := DateOf(in.Date)
	reference := in.Reference
	if reference == "" {
		generated, err := s.reference(ctx, prefixFor(in.Kind), date)
		if err != nil {
			return Event{}, err
		}
		reference = generated
	}
	var out Event
	err := s.mutate(ctx, "record", lockKeys(in.Target), func(ctx context.Context, tx TxRepository) error {
		targets, err := tx.LockTargets(ctx, in.Target)
		if err != nil {
			return err
		}
		target := targets[in.Target]
		if err := checkPosting(target, in.Kind, in.Amount, date, target.Total); err != nil {
			return err
		}
		ev, err := s.post(ctx, tx, posting{
			target:    in.Target,
			kind:      in.Kind,
			amount:    in.Amount,
			date:      date,
			reference: reference,
			memo:      in.Memo,
			source:    SourceManual,
			requestID: in.RequestID,
			actorID:   in.ActorID,
		})
		if err != nil {
			return err
		}
		out = ev
		return s.notify(ctx, tx, "event.recorded", ev.Reference, newEventMessage(ev))
	})
	if errors.Is(err, ErrDuplicateRequest) && in.RequestID != nil {
		// Lost a race against the same request; hand back the winner.
		if ev, ok, rerr := s.replayed(ctx, *in.RequestID); rerr == nil && ok {
			return ev, nil
		}
	}
	if err != nil {
		return Event{}, err
	}

	s.record(ctx, in.ActorID, "ledger.event.record", "event", strconv.FormatInt(out.ID, 10), map[string]any{
		"target": out.Target.String(),
		"kind":   string(out.Kind),
		"amount": out.Amount.String(),
	})
	return out, nil
}

func (s *Service) replayed(ctx context.Context, requestID uuid.UUID) (Event, bool, error) {
	ev, err := s.repo.FindEventByRequest(ctx, requestID)
	if err != nil {
		if IsNotFound(err) {
			return Event{}, false, nil
		}
		return Event{}, false, err
	}
	return ev, true, nil
}

// checkPosting enforces target rules for a leg about to be applied. total is
// the target's running total before the leg.
func checkPosting(t Target, kind EventKind, amount decimal.Decimal, date time.Time, total decimal.Decimal) error {
	if !t.Active {
		return &InactiveTargetError{Target: t.Ref}
	}
	if date.Before(t.OpenedOn) {
		return invalid("date", "precedes the opening date of "+t.Ref.String())
	}
	if t.Ref.Kind == TargetDebt {
		if kind != KindOutflow {
			return invalid("kind", "debts only accept outflow payments")
		}
		if amount.GreaterThan(total) {
			return invalid("amount", "exceeds remaining "+total.String())
		}
	}
	return nil
}

// post commits the event row and then applies its delta. Both steps write
// through tx, so a failure of either is undone with the transaction. The
// reference must already be allocated.
func (s *Service) post(ctx context.Context, tx TxRepository, p posting) (Event, error) {
	if p.reference == "" {
		return Event{}, errors.New("ledger: posting without reference")
	}
	target, err := tx.GetTarget(ctx, p.target)
	if err != nil {
		return Event{}, err
	}
	at := s.now()
	ev, err := tx.InsertEvent(ctx, Event{
		Reference:  p.reference,
		Target:     p.target,
		Kind:       p.kind,
		Amount:     p.amount,
		Currency:   target.Currency,
		Date:       p.date,
		Memo:       p.memo,
		Source:     p.source,
		TransferID: p.transferID,
		RequestID:  p.requestID,
		CreatedBy:  p.actorID,
		CreatedAt:  at,
		UpdatedAt:  at,
	})
	if err != nil {
		return Event{}, fmt.Errorf("ledger: insert event: %w", err)
	}
	if _, err := s.apply(ctx, tx, ev.Target, ev.SignedDelta(), at); err != nil {
		return Event{}, err
	}
	return ev, nil
}

func prefixFor(kind EventKind) string {
	if kind == KindOutflow {
		return prefixOutflow
	}
	return prefixInflow
}

// reference generates {PREFIX}-{YYYYMM}-{NNNN}, sequenced per prefix and month.
// It runs before the entity transaction so postings on unrelated entities
// never queue behind one counter; an aborted posting leaves a gap.
func (s *Service) reference(ctx context.Context, prefix string, date time.Time) (string, error) {
	period := date.Format("200601")
	seq, err := s.repo.NextSequence(ctx, prefix+"-"+period)
	if err != nil {
		return "", fmt.Errorf("ledger: next reference: %w", err)
	}
	return fmt.Sprintf("%s-%s-%04d", prefix, period, seq), nil
}

// Amend changes an event and moves its effect, as one unit: the old delta is
// backed out of the old target and the new delta applied to the new one.
// Linked legs (transfers, debt settlements) are amended together and may
// only change amount, date and memo.
func (s *Service) Amend(ctx context.Context, in AmendInput) (Event, error) {
	if err := s.validateStruct(in); err != nil {
		return Event{}, err
	}
	if in.empty() {
		return Event{}, invalid("", "nothing to amend")
	}
	if in.Amount != nil {
		if err := checkAmount("amount", *in.Amount); err != nil {
			return Event{}, err
		}
	}
	if in.Target != nil && !in.Target.Valid() {
		return Event{}, invalid("target", "must name an account or debt")
	}
	if in.Date != nil && in.Date.IsZero() {
		return Event{}, invalid("date", "is required")
	}

	for attempt := 0; attempt < maxAmendAttempts; attempt++ {
		out, err := s.amendOnce(ctx, in)
		if errors.Is(err, errTargetMoved) {
			continue
		}
		if err != nil {
			return Event{}, err
		}
		s.record(ctx, in.ActorID, "ledger.event.amend", "event", strconv.FormatInt(out.ID, 10), map[string]any{
			"revision": out.Revision,
			"target":   out.Target.String(),
			"amount":   out.Amount.String(),
		})
		return out, nil
	}
	return Event{}, fmt.Errorf("ledger: amend event %d: target changed concurrently", in.EventID)
}

func (s *Service) amendOnce(ctx context.Context, in AmendInput) (Event, error) {
	current, err := s.repo.GetEvent(ctx, in.EventID)
	if err != nil {
		return Event{}, err
	}
	if current.Reversed {
		return Event{}, &AlreadyReversedError{EventID: current.ID}
	}
	legs, err := s.legsOf(ctx, current)
	if err != nil {
		return Event{}, err
	}
	if len(legs) > 1 {
		if in.Target != nil && *in.Target != current.Target {
			return Event{}, invalid("target", "linked legs cannot be re-targeted")
		}
		if in.Kind != nil && *in.Kind != current.Kind {
			return Event{}, invalid("kind", "linked legs cannot change direction")
		}
	}
	refs := make([]TargetRef, 0, len(legs)+1)
	for _, leg := range legs {
		refs = append(refs, leg.Target)
	}
	if in.Target != nil {
		refs = append(refs, *in.Target)
	}
	refs = uniqueRefs(refs...)

	var out Event
	err = s.mutate(ctx, "amend", lockKeys(refs...), func(ctx context.Context, tx TxRepository) error {
		fresh := make([]Event, 0, len(legs))
		for _, leg := range legs {
			ev, err := tx.GetEventForUpdate(ctx, leg.ID)
			if err != nil {
				return err
			}
			if ev.Target != leg.Target {
				return errTargetMoved
			}
			if ev.Reversed {
				return &AlreadyReversedError{EventID: in.EventID}
			}
			fresh = append(fresh, ev)
		}
		targets, err := tx.LockTargets(ctx, refs...)
		if err != nil {
			return err
		}

		nexts := make([]Event, len(fresh))
		totals := make(map[TargetRef]decimal.Decimal, len(targets))
		for ref, t := range targets {
			totals[ref] = t.Total
		}
		changed := false
		for i, ev := range fresh {
			next := amended(ev, in, ev.ID == in.EventID)
			nexts[i] = next
			if next.State() != ev.State() {
				changed = true
			}
			if !targets[ev.Target].Active {
				return &InactiveTargetError{Target: ev.Target}
			}
			totals[ev.Target] = totals[ev.Target].Sub(ev.SignedDelta())
		}
		if !changed {
			out = fresh[primaryIndex(fresh, in.EventID)]
			return nil
		}
		for _, next := range nexts {
			if cur := targets[next.Target].Currency; cur != next.Currency {
				return invalid("target", fmt.Sprintf("currency %s does not match event currency %s", cur, next.Currency))
			}
			if err := checkPosting(targets[next.Target], next.Kind, next.Amount, next.Date, totals[next.Target]); err != nil {
				return err
			}
			totals[next.Target] = totals[next.Target].Add(next.SignedDelta())
		}

		// From here on the ledger is being changed: a failure leaves earlier
		// steps applied until the transaction is rolled back.
		at := s.now()
		applied := false
		for i := range fresh {
			old, next := fresh[i], nexts[i]
			if _, err := s.apply(ctx, tx, old.Target, old.SignedDelta().Neg(), at); err != nil {
				if !applied {
					return err
				}
				return consistency("amend", fmt.Sprintf("back out event %d", old.ID), refs, err)
			}
			applied = true
			if _, err := s.apply(ctx, tx, next.Target, next.SignedDelta(), at); err != nil {
				return consistency("amend", fmt.Sprintf("apply event %d", next.ID), refs, err)
			}
			next.Revision = old.Revision + 1
			next.UpdatedAt = at
			if err := tx.UpdateEvent(ctx, next); err != nil {
				return consistency("amend", fmt.Sprintf("update event %d", next.ID), refs, err)
			}
			if err := tx.InsertRevision(ctx, EventRevision{
				EventID:   next.ID,
				Revision:  next.Revision,
				Before:    old.State(),
				After:     next.State(),
				ActorID:   in.ActorID,
				AmendedAt: at,
			}); err != nil {
				return consistency("amend", fmt.Sprintf("revision event %d", next.ID), refs, err)
			}
			nexts[i] = next
		}
		out = nexts[primaryIndex(nexts, in.EventID)]
		if err := s.notify(ctx, tx, "event.amended", out.Reference, newLegsMessage(out, nexts)); err != nil {
			return consistency("amend", "outbox", refs, err)
		}
		return nil
	})
	return out, err
}

// amended applies the input to ev. Secondary legs only take amount, date and
// memo from the input.
func amended(ev Event, in AmendInput, primary bool) Event {
	next := ev
	if in.Amount != nil {
		next.Amount = *in.Amount
	}
	if in.Date != nil {
		next.Date = DateOf(*in.Date)
	}
	if in.Memo != nil {
		next.Memo = *in.Memo
	}
	if primary {
		if in.Kind != nil {
			next.Kind = *in.Kind
		}
		if in.Target != nil {
			next.Target = *in.Target
		}
	}
	return next
}

func primaryIndex(events []Event, id int64) int {
	for i, ev := range events {
		if ev.ID == id {
			return i
		}
	}
	return 0
}

// legsOf returns every event linked to ev, including ev itself, ordered by Seq.
func (s *Service) legsOf(ctx context.Context, ev Event) ([]Event, error) {
	if ev.TransferID == nil {
		return []Event{ev}, nil
	}
	legs, err := s.repo.ListEvents(ctx, EventFilter{TransferID: ev.TransferID})
	if err != nil {
		return nil, fmt.Errorf("ledger: load linked legs: %w", err)
	}
	if len(legs) == 0 {
		return []Event{ev}, nil
	}
	return legs, nil
}

// Reverse cancels the effect of an event and every leg linked to it. It is
// idempotent: a second reversal reports NoEffect and changes nothing.
func (s *Service) Reverse(ctx context.Context, in ReverseInput) (ReverseResult, error) {
	if err := s.validateStruct(in); err != nil {
		return ReverseResult{}, err
	}
	for attempt := 0; attempt < maxAmendAttempts; attempt++ {
		res, err := s.reverseOnce(ctx, in)
		if errors.Is(err, errTargetMoved) {
			continue
		}
		if err != nil {
			return ReverseResult{}, err
		}
		if !res.NoEffect {
			s.record(ctx, in.ActorID, "ledger.event.reverse", "event", strconv.FormatInt(res.Event.ID, 10), map[string]any{
				"legs": len(res.Legs),
			})
		}
		return res, nil
	}
	return ReverseResult{}, fmt.Errorf("ledger: reverse event %d: target changed concurrently", in.EventID)
}

func (s *Service) reverseOnce(ctx context.Context, in ReverseInput) (ReverseResult, error) {
	current, err := s.repo.GetEvent(ctx, in.EventID)
	if err != nil {
		return ReverseResult{}, err
	}
	if current.Reversed {
		return ReverseResult{Event: current, NoEffect: true}, nil
	}
	legs, err := s.legsOf(ctx, current)
	if err != nil {
		return ReverseResult{}, err
	}
	refs := make([]TargetRef, 0, len(legs))
	for _, leg := range legs {
		refs = append(refs, leg.Target)
	}
	refs = uniqueRefs(refs...)

	var res ReverseResult
	err = s.mutate(ctx, "reverse", lockKeys(refs...), func(ctx context.Context, tx TxRepository) error {
		pending := make([]Event, 0, len(legs))
		for _, leg := range legs {
			ev, err := tx.GetEventForUpdate(ctx, leg.ID)
			if err != nil {
				return err
			}
			if ev.Target != leg.Target {
				return errTargetMoved
			}
			if ev.ID == in.EventID {
				res.Event = ev
			}
			if !ev.Reversed {
				pending = append(pending, ev)
			}
		}
		if len(pending) == 0 {
			res.NoEffect = true
			return nil
		}
		targets, err := tx.LockTargets(ctx, refs...)
		if err != nil {
			return err
		}
		for _, ev := range pending {
			if !targets[ev.Target].Active {
				return &InactiveTargetError{Target: ev.Target}
			}
		}

		at := s.now()
		actor := in.ActorID
		for i, ev := range pending {
			if _, err := s.apply(ctx, tx, ev.Target, ev.SignedDelta().Neg(), at); err != nil {
				if i == 0 {
					return err
				}
				return consistency("reverse", fmt.Sprintf("back out event %d", ev.ID), refs, err)
			}
			ev.Reversed = true
			ev.ReversedAt = &at
			ev.ReversedBy = &actor
			ev.UpdatedAt = at
			if err := tx.UpdateEvent(ctx, ev); err != nil {
				return consistency("reverse", fmt.Sprintf("mark event %d", ev.ID), refs, err)
			}
			if ev.ID == in.EventID {
				res.Event = ev
			}
			res.Legs = append(res.Legs, ev)
		}
		if err := s.notify(ctx, tx, "event.reversed", res.Event.Reference, newLegsMessage(res.Event, res.Legs)); err != nil {
			return consistency("reverse", "outbox", refs, err)
		}
		return nil
	})
	if err != nil {
		return ReverseResult{}, err
	}
	return res, nil
}

// GetEvent returns a single event.
func (s *Service) GetEvent(ctx context.Context, id int64) (Event, error) {
	return s.repo.GetEvent(ctx, id)
}

// ListEvents returns events ordered by (Date, Seq).
func (s *Service) ListEvents(ctx context.Context, filter EventFilter) ([]Event, error) {
	if err := checkEventFilter(filter); err != nil {
		return nil, err
	}
	return s.repo.ListEvents(ctx, filter)
}

// CountEvents returns how many events match, regardless of paging.
func (s *Service) CountEvents(ctx context.Context, filter EventFilter) (int, error) {
	if err := checkEventFilter(filter); err != nil {
		return 0, err
	}
	return s.repo.CountEvents(ctx, filter)
}

func checkEventFilter(filter EventFilter) error {
	if filter.Target != nil && !filter.Target.Valid() {
		return invalid("target", "must name an account or debt")
	}
	if filter.From != nil && filter.To != nil && filter.From.After(*filter.To) {
		return invalid("from", "must not be after to")
	}
	if filter.Limit < 0 || filter.Offset < 0 {
		return invalid("limit", "must not be negative")
	}
	return nil
}

// EventRevisions returns the amendment history of an event, oldest first.
func (s *Service) EventRevisions(ctx context.Context, id int64) ([]EventRevision, error) {
	if _, err := s.repo.GetEvent(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListRevisions(ctx, id)
}

// EventMessage is the outbox payload describing an event.
type EventMessage struct {
	ID         int64           `json:"id"`
	Reference  string          `json:"reference"`
	Target     TargetRef       `json:"target"`
	Kind       EventKind       `json:"kind"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	Date       string          `json:"date"`
	Source     EventSource     `json:"source"`
	TransferID *uuid.UUID      `json:"transfer_id,omitempty"`
	Revision   int             `json:"revision"`
	Reversed   bool            `json:"reversed"`
}

func newEventMessage(ev Event) EventMessage {
	return EventMessage{
		ID:         ev.ID,
		Reference:  ev.Reference,
		Target:     ev.Target,
		Kind:       ev.Kind,
		Amount:     ev.Amount,
		Currency:   ev.Currency,
		Date:       ev.Date.Format(time.DateOnly),
		Source:     ev.Source,
		TransferID: ev.TransferID,
		Revision:   ev.Revision,
		Reversed:   ev.Reversed,
	}
}

type legsMessage struct {
	Event EventMessage   `json:"event"`
	Legs  []EventMessage `json:"legs,omitempty"`
}

func newLegsMessage(primary Event, legs []Event) legsMessage {
	msg := legsMessage{Event: newEventMessage(primary)}
	if len(legs) > 1 {
		for _, leg := range legs {
			msg.Legs = append(msg.Legs, newEventMessage(leg))
		}
	}
	return msg
}
