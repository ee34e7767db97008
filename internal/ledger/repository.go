package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Reader exposes read access to ledger state. Implementations return
// *NotFoundError for unknown ids.
type Reader interface {
	GetAccount(ctx context.Context, id int64) (Account, error)
	ListAccounts(ctx context.Context, filter AccountFilter) ([]Account, error)
	GetDebt(ctx context.Context, id int64) (Debt, error)
	ListDebts(ctx context.Context, filter DebtFilter) ([]Debt, error)
	GetAsset(ctx context.Context, id int64) (Asset, error)
	ListAssets(ctx context.Context, filter AssetFilter) ([]Asset, error)
	GetTarget(ctx context.Context, ref TargetRef) (Target, error)
	GetEvent(ctx context.Context, id int64) (Event, error)
	FindEventByRequest(ctx context.Context, requestID uuid.UUID) (Event, error)
	// ListEvents returns matching events ordered by (Date, Seq).
	ListEvents(ctx context.Context, filter EventFilter) ([]Event, error)
	// CountEvents counts matching events, ignoring Limit and Offset.
	CountEvents(ctx context.Context, filter EventFilter) (int, error)
	// SumEvents returns the sum of signed deltas of matching events.
	SumEvents(ctx context.Context, filter EventFilter) (decimal.Decimal, error)
	ListRevisions(ctx context.Context, eventID int64) ([]EventRevision, error)
}

// Repository is the storage port of the ledger.
type Repository interface {
	Reader
	// WithTx runs fn in a transaction; any error returned by fn rolls back
	// every write made through the TxRepository.
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	// Snapshot runs fn against a consistent read view.
	Snapshot(ctx context.Context, fn func(context.Context, Reader) error) error
	// NextSequence returns the next value of a named counter, starting at 1.
	// It commits on its own and is never rolled back.
	NextSequence(ctx context.Context, key string) (int64, error)

	FetchUnpublished(ctx context.Context, limit int) ([]OutboxMessage, error)
	MarkPublished(ctx context.Context, ids []uuid.UUID, at time.Time) error
}

// TxRepository groups the writes performed inside a transaction.
type TxRepository interface {
	Reader

	// LockTargets loads the targets, holding row locks until commit. Refs are
	// locked in TargetRef.Less order.
	LockTargets(ctx context.Context, refs ...TargetRef) (map[TargetRef]Target, error)
	// ApplyDelta atomically adds delta to the target's running total, stamps
	// the last movement time and bumps the version.
	ApplyDelta(ctx context.Context, ref TargetRef, delta decimal.Decimal, at time.Time) (Target, error)

	InsertAccount(ctx context.Context, account Account) (Account, error)
	UpdateAccountStatus(ctx context.Context, id int64, active bool, at time.Time) error
	UpdateAccountReconciliation(ctx context.Context, id int64, rec Reconciliation) error
	CountActiveEquity(ctx context.Context) (int, error)
	// HasOpenReferences reports active events on the account dated after
	// the given date, or unsettled debts settling through it.
	HasOpenReferences(ctx context.Context, accountID int64, after time.Time) (bool, error)

	InsertDebt(ctx context.Context, debt Debt) (Debt, error)
	UpdateDebtDisputed(ctx context.Context, id int64, disputed bool, at time.Time) error

	InsertAsset(ctx context.Context, asset Asset) (Asset, error)
	GetAssetForUpdate(ctx context.Context, id int64) (Asset, error)
	UpdateAsset(ctx context.Context, asset Asset) error

	// InsertEvent assigns ID, Seq and CreatedAt. It returns ErrDuplicateRequest
	// when RequestID was already used.
	InsertEvent(ctx context.Context, event Event) (Event, error)
	GetEventForUpdate(ctx context.Context, id int64) (Event, error)
	UpdateEvent(ctx context.Context, event Event) error
	InsertRevision(ctx context.Context, rev EventRevision) error

	InsertOutbox(ctx context.Context, msg OutboxMessage) error
}

// Locker serialises work on entities. Acquire must take keys in a fixed
// global order and return a release func.
type Locker interface {
	Acquire(ctx context.Context, keys ...string) (func(), error)
}
