package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/ledger/rules"
)

// TargetKind enumerates entities that carry a running total.
type TargetKind string

const (
	TargetAccount TargetKind = "account"
	TargetDebt    TargetKind = "debt"
)

// TargetRef identifies the entity a posting is recorded against.
type TargetRef struct {
	Kind TargetKind `json:"kind" validate:"oneof=account debt"`
	ID   int64      `json:"id" validate:"gt=0"`
}

// AccountRef builds a reference to a cash/bank/postal/equity account.
func AccountRef(id int64) TargetRef { return TargetRef{Kind: TargetAccount, ID: id} }

// DebtRef builds a reference to a payable or receivable.
func DebtRef(id int64) TargetRef { return TargetRef{Kind: TargetDebt, ID: id} }

func (r TargetRef) String() string {
	return fmt.Sprintf("%s:%d", r.Kind, r.ID)
}

// Valid reports whether the reference names a known kind and a positive id.
func (r TargetRef) Valid() bool {
	return (r.Kind == TargetAccount || r.Kind == TargetDebt) && r.ID > 0
}

// Less orders references by kind then id. Locks are always taken in this order.
func (r TargetRef) Less(other TargetRef) bool {
	if r.Kind != other.Kind {
		return r.Kind < other.Kind
	}
	return r.ID < other.ID
}

// EventKind is the signed direction of a posting.
type EventKind string

const (
	KindInflow  EventKind = "inflow"
	KindOutflow EventKind = "outflow"
)

// Valid reports whether k is inflow or outflow.
func (k EventKind) Valid() bool {
	return k == KindInflow || k == KindOutflow
}

// Signed returns amount with the sign of the kind.
func (k EventKind) Signed(amount decimal.Decimal) decimal.Decimal {
	if k == KindOutflow {
		return amount.Neg()
	}
	return amount
}

// EventSource records which operation produced a posting.
type EventSource string

const (
	SourceManual           EventSource = "manual"
	SourceTransfer         EventSource = "transfer"
	SourceDebtPayment      EventSource = "debt_payment"
	SourceDebtSettlement   EventSource = "debt_settlement"
	SourceAssetAcquisition EventSource = "asset_acquisition"
	SourceAssetDisposal    EventSource = "asset_disposal"
)

// AccountCategory enumerates value buckets.
type AccountCategory string

const (
	CategoryCash   AccountCategory = "cash"
	CategoryBank   AccountCategory = "bank"
	CategoryPostal AccountCategory = "postal"
	CategoryEquity AccountCategory = "equity"
)

// Valid reports whether c is a known category.
func (c AccountCategory) Valid() bool {
	switch c {
	case CategoryCash, CategoryBank, CategoryPostal, CategoryEquity:
		return true
	}
	return false
}

// Reconciliation is the last statement comparison for an account. It never
// touches the book balance.
type Reconciliation struct {
	StatementDate    time.Time       `json:"statement_date"`
	StatementBalance decimal.Decimal `json:"statement_balance"`
	BookBalance      decimal.Decimal `json:"book_balance"`
	Difference       decimal.Decimal `json:"difference"`
	ReconciledAt     time.Time       `json:"reconciled_at"`
	ReconciledBy     int64           `json:"reconciled_by"`
}

// Account models a named bucket of value.
type Account struct {
	ID                 int64
	Code               string
	Name               string
	Category           AccountCategory
	Currency           string
	Balance            decimal.Decimal
	OpeningBalance     decimal.Decimal
	OpenedOn           time.Time
	Active             bool
	LastMovementAt     *time.Time
	LastReconciliation *Reconciliation
	Version            int64
	CreatedBy          int64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Target is the running-total view shared by accounts and debts.
type Target struct {
	Ref            TargetRef
	Total          decimal.Decimal
	Opening        decimal.Decimal
	OpenedOn       time.Time
	Currency       string
	Active         bool
	LastMovementAt *time.Time
	Version        int64
}

// Event is a single signed, dated posting against a target.
type Event struct {
	ID         int64
	Seq        int64
	Reference  string
	Target     TargetRef
	Kind       EventKind
	Amount     decimal.Decimal
	Currency   string
	Date       time.Time
	Memo       string
	Source     EventSource
	TransferID *uuid.UUID
	RequestID  *uuid.UUID
	Revision   int
	Reversed   bool
	ReversedAt *time.Time
	ReversedBy *int64
	CreatedBy  int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// SignedDelta is the effect the event has on its target when active.
func (e Event) SignedDelta() decimal.Decimal {
	return e.Kind.Signed(e.Amount)
}

// Effect is the delta left standing on the target: zero once reversed.
func (e Event) Effect() decimal.Decimal {
	if e.Reversed {
		return decimal.Zero
	}
	return e.SignedDelta()
}

// EventState captures the ledger-relevant fields of an event.
type EventState struct {
	Target TargetRef       `json:"target"`
	Kind   EventKind       `json:"kind"`
	Amount decimal.Decimal `json:"amount"`
	Date   time.Time       `json:"date"`
	Memo   string          `json:"memo,omitempty"`
}

// State returns the amendable fields of e.
func (e Event) State() EventState {
	return EventState{Target: e.Target, Kind: e.Kind, Amount: e.Amount, Date: e.Date, Memo: e.Memo}
}

// EventRevision is the audit row written for every amendment.
type EventRevision struct {
	ID        int64
	EventID   int64
	Revision  int
	Before    EventState
	After     EventState
	ActorID   int64
	AmendedAt time.Time
}

// EventFilter narrows event listings. Date bounds are inclusive.
type EventFilter struct {
	Target         *TargetRef
	TargetKind     TargetKind
	TransferID     *uuid.UUID
	Kind           EventKind
	From           *time.Time
	To             *time.Time
	Reversed       *bool
	ExcludeSources []EventSource
	Limit          int
	Offset         int
}

// Matches applies the filter to a single event.
func (f EventFilter) Matches(e Event) bool {
	if f.Target != nil && e.Target != *f.Target {
		return false
	}
	if f.TargetKind != "" && e.Target.Kind != f.TargetKind {
		return false
	}
	if f.TransferID != nil && (e.TransferID == nil || *e.TransferID != *f.TransferID) {
		return false
	}
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.From != nil && e.Date.Before(*f.From) {
		return false
	}
	if f.To != nil && e.Date.After(*f.To) {
		return false
	}
	if f.Reversed != nil && e.Reversed != *f.Reversed {
		return false
	}
	for _, src := range f.ExcludeSources {
		if e.Source == src {
			return false
		}
	}
	return true
}

// Active is a helper for filters over non-reversed events.
func Active() *bool {
	v := false
	return &v
}

// BalanceView answers balance queries.
type BalanceView struct {
	Target         TargetRef       `json:"target"`
	Total          decimal.Decimal `json:"total"`
	Currency       string          `json:"currency"`
	LastMovementAt *time.Time      `json:"last_movement_at,omitempty"`
}

// ReconstructionMethod records which walk produced a point-in-time total.
type ReconstructionMethod string

const (
	MethodForward       ReconstructionMethod = "forward"
	MethodBackward      ReconstructionMethod = "backward"
	MethodBeforeOpening ReconstructionMethod = "before_opening"
	MethodSchedule      ReconstructionMethod = "schedule"
)

// PointInTime is a reconstructed total as of a business date.
type PointInTime struct {
	Target   TargetRef            `json:"target"`
	AsOf     time.Time            `json:"as_of"`
	Total    decimal.Decimal      `json:"total"`
	Currency string               `json:"currency"`
	Method   ReconstructionMethod `json:"method"`
	Version  int64                `json:"version"`
}

// DebtDirection distinguishes what we owe from what we are owed.
type DebtDirection string

const (
	DebtPayable    DebtDirection = "payable"
	DebtReceivable DebtDirection = "receivable"
)

// Valid reports whether d is payable or receivable.
func (d DebtDirection) Valid() bool {
	return d == DebtPayable || d == DebtReceivable
}

// Debt is a payable or receivable whose running total is the remaining amount.
type Debt struct {
	ID                  int64
	Direction           DebtDirection
	Counterparty        string
	Reference           string
	Currency            string
	Original            decimal.Decimal
	Remaining           decimal.Decimal
	DueDate             time.Time
	OpenedOn            time.Time
	Disputed            bool
	SettlementAccountID *int64
	LastMovementAt      *time.Time
	Version             int64
	CreatedBy           int64
	CreatedAt           time.Time
	UpdatedAt           time.Time

	// Status is derived on every read and never persisted.
	Status rules.DebtStatus
}

// PaidToDate is original minus remaining.
func (d Debt) PaidToDate() decimal.Decimal {
	return d.Original.Sub(d.Remaining)
}

// OutboxMessage is a notification committed with the mutation it describes.
type OutboxMessage struct {
	ID          uuid.UUID
	Topic       string
	Key         string
	Type        string
	Payload     []byte
	CreatedAt   time.Time
	PublishedAt *time.Time
}

// AccountFilter narrows account listings.
type AccountFilter struct {
	Category AccountCategory
	Active   *bool
}

// DebtFilter narrows debt listings. Status is matched after derivation.
type DebtFilter struct {
	Direction DebtDirection
	Status    rules.DebtStatus
}

// DateOf truncates t to its UTC calendar date. All business dates are stored
// in this form so that comparisons are by day.
func DateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// AmountScale is the number of fractional digits money columns store.
const AmountScale = 4

// checkAmount rejects amounts that are not positive or that carry more
// fractional digits than AmountScale.
func checkAmount(field string, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return invalid(field, "must be positive")
	}
	return checkScale(field, amount)
}

// checkScale rejects values that would be rounded when stored. Trailing
// zeros are fine: 1.50000 is accepted, 0.00005 is not.
func checkScale(field string, amount decimal.Decimal) error {
	if !amount.Equal(amount.Truncate(AmountScale)) {
		return invalid(field, fmt.Sprintf("at most %d decimal places", AmountScale))
	}
	return nil
}
