package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/ledger/depreciation"
)

// AssetStatus enumerates amortized asset states.
type AssetStatus string

const (
	AssetActive           AssetStatus = "active"
	AssetFullyDepreciated AssetStatus = "fully_depreciated"
	AssetDisposed         AssetStatus = "disposed"
)

// Asset is an amortized asset whose book value declines on a schedule.
type Asset struct {
	ID                      int64
	Name                    string
	Method                  depreciation.Method
	DecliningFactor         decimal.Decimal
	AcquisitionCost         decimal.Decimal
	AcquiredOn              time.Time
	UsefulLifeMonths        int
	ResidualValue           decimal.Decimal
	AccumulatedDepreciation decimal.Decimal
	BookValue               decimal.Decimal
	Status                  AssetStatus
	DepreciatedThrough      *time.Time
	DisposedOn              *time.Time
	DisposalProceeds        *decimal.Decimal
	DisposalGainLoss        *decimal.Decimal
	FundingAccountID        *int64
	FundingEventID          *int64
	CreatedBy               int64
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// Schedule returns the depreciation schedule of the asset.
func (a Asset) Schedule() depreciation.Schedule {
	return depreciation.Schedule{
		Method:     a.Method,
		Cost:       a.AcquisitionCost,
		Residual:   a.ResidualValue,
		LifeMonths: a.UsefulLifeMonths,
		Factor:     a.DecliningFactor,
		AcquiredOn: a.AcquiredOn,
	}
}

// AssetFilter narrows asset listings.
type AssetFilter struct {
	Status AssetStatus
}

// AssetValuation is the book value of an asset on a date.
type AssetValuation struct {
	AssetID     int64                `json:"asset_id"`
	AsOf        time.Time            `json:"as_of"`
	BookValue   decimal.Decimal      `json:"book_value"`
	Accumulated decimal.Decimal      `json:"accumulated_depreciation"`
	Method      ReconstructionMethod `json:"method"`
}

// AcquireAssetInput registers a new asset, optionally paid from an account.
type AcquireAssetInput struct {
	Name             string              `validate:"required,max=128"`
	Method           depreciation.Method `validate:"required,oneof=straight_line declining_balance"`
	DecliningFactor  *decimal.Decimal
	Cost             decimal.Decimal `validate:"-"`
	ResidualValue    decimal.Decimal `validate:"-"`
	AcquiredOn       time.Time       `validate:"required"`
	UsefulLifeMonths int             `validate:"gt=0,lte=1200"`
	FundingAccountID *int64          `validate:"omitempty,gt=0"`
	ActorID          int64
}

// DisposeAssetInput retires an asset.
type DisposeAssetInput struct {
	AssetID           int64           `validate:"gt=0"`
	DisposedOn        time.Time       `validate:"required"`
	Proceeds          decimal.Decimal `validate:"-"`
	ProceedsAccountID *int64          `validate:"omitempty,gt=0"`
	ActorID           int64
}

func assetLockKey(id int64) string {
	return "ledger:asset:" + strconv.FormatInt(id, 10)
}

// AcquireAsset registers an asset. When a funding account is given the cost
// is posted as an outflow on it in the same transaction.
func (s *Service) AcquireAsset(ctx context.Context, in AcquireAssetInput) (Asset, error) {
	if err := s.validateStruct(in); err != nil {
		return Asset{}, err
	}
	factor := depreciation.DefaultFactor
	if in.DecliningFactor != nil {
		factor = *in.DecliningFactor
	}
	asset := Asset{
		Name:             strings.TrimSpace(in.Name),
		Method:           in.Method,
		DecliningFactor:  factor,
		AcquisitionCost:  in.Cost,
		AcquiredOn:       DateOf(in.AcquiredOn),
		UsefulLifeMonths: in.UsefulLifeMonths,
		ResidualValue:    in.ResidualValue,
		BookValue:        in.Cost,
		Status:           AssetActive,
		FundingAccountID: in.FundingAccountID,
		CreatedBy:        in.ActorID,
	}
	if err := asset.Schedule().Validate(); err != nil {
		return Asset{}, scheduleError(err)
	}
	if err := checkScale("cost", in.Cost); err != nil {
		return Asset{}, err
	}
	if err := checkScale("residual_value", in.ResidualValue); err != nil {
		return Asset{}, err
	}

	var keys []string
	var refs []TargetRef
	var reference string
	if in.FundingAccountID != nil {
		refs = []TargetRef{AccountRef(*in.FundingAccountID)}
		keys = lockKeys(refs...)
		var err error
		if reference, err = s.reference(ctx, prefixOutflow, asset.AcquiredOn); err != nil {
			return Asset{}, err
		}
	}
	var out Asset
	err := s.mutate(ctx, "acquire_asset", keys, func(ctx context.Context, tx TxRepository) error {
		at := s.now()
		if in.FundingAccountID != nil {
			ref := refs[0]
			targets, err := tx.LockTargets(ctx, ref)
			if err != nil {
				return err
			}
			t := targets[ref]
			if err := checkPosting(t, KindOutflow, in.Cost, asset.AcquiredOn, t.Total); err != nil {
				return err
			}
			ev, err := s.post(ctx, tx, posting{
				target:    ref,
				kind:      KindOutflow,
				amount:    in.Cost,
				date:      asset.AcquiredOn,
				reference: reference,
				memo:      "acquisition: " + asset.Name,
				source:    SourceAssetAcquisition,
				actorID:   in.ActorID,
			})
			if err != nil {
				return err
			}
			asset.FundingEventID = &ev.ID
		}
		asset.CreatedAt, asset.UpdatedAt = at, at
		inserted, err := tx.InsertAsset(ctx, asset)
		if err != nil {
			if asset.FundingEventID != nil {
				return consistency("acquire_asset", "insert asset", refs, err)
			}
			return err
		}
		out = inserted
		return s.notify(ctx, tx, "asset.acquired", strconv.FormatInt(inserted.ID, 10), assetMessage(inserted))
	})
	if err != nil {
		return Asset{}, err
	}
	s.record(ctx, in.ActorID, "ledger.asset.acquire", "asset", strconv.FormatInt(out.ID, 10), map[string]any{
		"cost":   out.AcquisitionCost.String(),
		"method": string(out.Method),
	})
	return out, nil
}

func scheduleError(err error) error {
	switch {
	case errors.Is(err, depreciation.ErrInvalidMethod):
		return invalid("method", "must be one of straight_line declining_balance")
	case errors.Is(err, depreciation.ErrInvalidCost):
		return invalid("cost", "must be positive")
	case errors.Is(err, depreciation.ErrInvalidResidual):
		return invalid("residual_value", "must be at least zero and below cost")
	case errors.Is(err, depreciation.ErrInvalidLife):
		return invalid("useful_life_months", "must be between 1 and 1200")
	case errors.Is(err, depreciation.ErrInvalidFactor):
		return invalid("declining_factor", "must be positive")
	}
	return invalid("", err.Error())
}

// GetAsset returns an asset with book value recomputed as of today.
func (s *Service) GetAsset(ctx context.Context, id int64) (Asset, error) {
	a, err := s.repo.GetAsset(ctx, id)
	if err != nil {
		return Asset{}, err
	}
	return depreciate(a, DateOf(s.now())), nil
}

// ListAssets returns assets with book values recomputed as of today.
func (s *Service) ListAssets(ctx context.Context, filter AssetFilter) ([]Asset, error) {
	assets, err := s.repo.ListAssets(ctx, filter)
	if err != nil {
		return nil, err
	}
	today := DateOf(s.now())
	for i := range assets {
		assets[i] = depreciate(assets[i], today)
	}
	return assets, nil
}

// depreciate brings accumulated depreciation up to asOf. It never lowers the
// stored figure and never exceeds cost minus residual. Disposed assets are
// frozen.
func depreciate(a Asset, asOf time.Time) Asset {
	if a.Status == AssetDisposed {
		return a
	}
	sched := a.Schedule()
	acc := decimal.Max(a.AccumulatedDepreciation, sched.AccumulatedAt(asOf))
	if limit := sched.Depreciable(); acc.GreaterThan(limit) {
		acc = limit
	}
	a.AccumulatedDepreciation = acc
	a.BookValue = a.AcquisitionCost.Sub(acc)
	if acc.Equal(sched.Depreciable()) {
		a.Status = AssetFullyDepreciated
	}
	if a.DepreciatedThrough == nil || asOf.After(*a.DepreciatedThrough) {
		through := asOf
		a.DepreciatedThrough = &through
	}
	return a
}

// RefreshDepreciation persists accumulated depreciation through asOf for
// every undisposed asset and returns how many changed.
func (s *Service) RefreshDepreciation(ctx context.Context, asOf time.Time) (int, error) {
	if asOf.IsZero() {
		asOf = s.now()
	}
	day := DateOf(asOf)
	assets, err := s.repo.ListAssets(ctx, AssetFilter{})
	if err != nil {
		return 0, err
	}
	updated := 0
	for _, a := range assets {
		if a.Status == AssetDisposed {
			continue
		}
		changed := false
		err := s.mutate(ctx, "refresh_depreciation", []string{assetLockKey(a.ID)}, func(ctx context.Context, tx TxRepository) error {
			cur, err := tx.GetAssetForUpdate(ctx, a.ID)
			if err != nil {
				return err
			}
			if cur.Status == AssetDisposed {
				return nil
			}
			next := depreciate(cur, day)
			if next.AccumulatedDepreciation.Equal(cur.AccumulatedDepreciation) && next.Status == cur.Status {
				return nil
			}
			next.UpdatedAt = s.now()
			if err := tx.UpdateAsset(ctx, next); err != nil {
				return err
			}
			changed = true
			return s.notify(ctx, tx, "asset.depreciated", strconv.FormatInt(next.ID, 10), assetMessage(next))
		})
		if err != nil {
			return updated, fmt.Errorf("ledger: refresh asset %d: %w", a.ID, err)
		}
		if changed {
			updated++
		}
	}
	s.logger.Debug("depreciation refreshed", slog.Int("assets", len(assets)), slog.Int("updated", updated))
	return updated, nil
}

// DisposeAsset retires an asset. Depreciation is frozen at the disposal date
// and the gain or loss is proceeds minus book value. Proceeds are posted as
// an inflow when an account is given.
func (s *Service) DisposeAsset(ctx context.Context, in DisposeAssetInput) (Asset, error) {
	if err := s.validateStruct(in); err != nil {
		return Asset{}, err
	}
	if in.Proceeds.Sign() < 0 {
		return Asset{}, invalid("proceeds", "must not be negative")
	}
	if err := checkScale("proceeds", in.Proceeds); err != nil {
		return Asset{}, err
	}
	disposedOn := DateOf(in.DisposedOn)
	keys := []string{assetLockKey(in.AssetID)}
	var refs []TargetRef
	var reference string
	if in.ProceedsAccountID != nil && in.Proceeds.Sign() > 0 {
		refs = []TargetRef{AccountRef(*in.ProceedsAccountID)}
		keys = append(keys, lockKeys(refs...)...)
		var err error
		if reference, err = s.reference(ctx, prefixInflow, disposedOn); err != nil {
			return Asset{}, err
		}
	}

	var out Asset
	err := s.mutate(ctx, "dispose_asset", keys, func(ctx context.Context, tx TxRepository) error {
		cur, err := tx.GetAssetForUpdate(ctx, in.AssetID)
		if err != nil {
			return err
		}
		if cur.Status == AssetDisposed {
			return invalid("asset_id", "already disposed")
		}
		if disposedOn.Before(cur.AcquiredOn) {
			return invalid("disposed_on", "precedes acquisition")
		}
		next := depreciate(cur, disposedOn)
		gain := in.Proceeds.Sub(next.BookValue)
		proceeds := in.Proceeds
		next.Status = AssetDisposed
		next.DisposedOn = &disposedOn
		next.DepreciatedThrough = &disposedOn
		next.DisposalProceeds = &proceeds
		next.DisposalGainLoss = &gain
		next.UpdatedAt = s.now()

		posted := false
		if len(refs) > 0 {
			ref := refs[0]
			targets, err := tx.LockTargets(ctx, ref)
			if err != nil {
				return err
			}
			t := targets[ref]
			if err := checkPosting(t, KindInflow, proceeds, disposedOn, t.Total); err != nil {
				return err
			}
			if _, err := s.post(ctx, tx, posting{
				target:    ref,
				kind:      KindInflow,
				amount:    proceeds,
				date:      disposedOn,
				reference: reference,
				memo:      "disposal: " + cur.Name,
				source:    SourceAssetDisposal,
				actorID:   in.ActorID,
			}); err != nil {
				return err
			}
			posted = true
		}
		if err := tx.UpdateAsset(ctx, next); err != nil {
			if posted {
				return consistency("dispose_asset", "update asset", refs, err)
			}
			return err
		}
		out = next
		return s.notify(ctx, tx, "asset.disposed", strconv.FormatInt(next.ID, 10), assetMessage(next))
	})
	if err != nil {
		return Asset{}, err
	}
	s.record(ctx, in.ActorID, "ledger.asset.dispose", "asset", strconv.FormatInt(out.ID, 10), map[string]any{
		"proceeds":  in.Proceeds.String(),
		"gain_loss": out.DisposalGainLoss.String(),
	})
	return out, nil
}

// AssetValueAsOf returns the schedule book value on a date. It is zero before
// acquisition and from the disposal date on.
func (s *Service) AssetValueAsOf(ctx context.Context, id int64, asOf time.Time) (AssetValuation, error) {
	if asOf.IsZero() {
		return AssetValuation{}, invalid("as_of", "is required")
	}
	a, err := s.repo.GetAsset(ctx, id)
	if err != nil {
		return AssetValuation{}, err
	}
	return ValueAsOf(a, DateOf(asOf)), nil
}

// ValueAsOf evaluates the asset's schedule on day.
func ValueAsOf(a Asset, day time.Time) AssetValuation {
	v := AssetValuation{AssetID: a.ID, AsOf: day, Method: MethodSchedule}
	if day.Before(a.AcquiredOn) {
		v.Method = MethodBeforeOpening
		return v
	}
	if a.DisposedOn != nil && !day.Before(*a.DisposedOn) {
		v.Accumulated = decimal.Zero
		return v
	}
	sched := a.Schedule()
	v.Accumulated = sched.AccumulatedAt(day)
	v.BookValue = sched.BookValueAt(day)
	return v
}

func assetMessage(a Asset) map[string]any {
	return map[string]any{
		"id":                       a.ID,
		"name":                     a.Name,
		"method":                   a.Method,
		"acquisition_cost":         a.AcquisitionCost,
		"accumulated_depreciation": a.AccumulatedDepreciation,
		"book_value":               a.BookValue,
		"status":                   a.Status,
	}
}
