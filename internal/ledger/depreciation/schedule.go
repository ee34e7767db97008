// Package depreciation computes book values of amortized assets from elapsed
// time. Schedules are pure: the same inputs always yield the same figures, so
// values are recomputed on demand instead of being posted.
package depreciation

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Method enumerates supported schedules.
type Method string

const (
	StraightLine     Method = "straight_line"
	DecliningBalance Method = "declining_balance"
)

// MaxLifeMonths bounds useful life to keep schedule evaluation cheap.
const MaxLifeMonths = 1200

const moneyPlaces = 2

var (
	ErrInvalidMethod   = errors.New("depreciation: unknown method")
	ErrInvalidCost     = errors.New("depreciation: cost must be positive")
	ErrInvalidResidual = errors.New("depreciation: residual must be within [0, cost)")
	ErrInvalidLife     = errors.New("depreciation: useful life must be between 1 and 1200 months")
	ErrInvalidFactor   = errors.New("depreciation: declining factor must be positive")
)

// DefaultFactor is the double-declining rate multiplier.
var DefaultFactor = decimal.NewFromInt(2)

// Schedule describes how an asset loses value.
type Schedule struct {
	Method     Method
	Cost       decimal.Decimal
	Residual   decimal.Decimal
	LifeMonths int
	Factor     decimal.Decimal
	AcquiredOn time.Time
}

// Validate checks the schedule parameters.
func (s Schedule) Validate() error {
	if s.Method != StraightLine && s.Method != DecliningBalance {
		return ErrInvalidMethod
	}
	if s.Cost.Sign() <= 0 {
		return ErrInvalidCost
	}
	if s.Residual.Sign() < 0 || !s.Residual.LessThan(s.Cost) {
		return ErrInvalidResidual
	}
	if s.LifeMonths <= 0 || s.LifeMonths > MaxLifeMonths {
		return ErrInvalidLife
	}
	if s.Method == DecliningBalance && s.Factor.Sign() <= 0 {
		return ErrInvalidFactor
	}
	return nil
}

// Depreciable is the total amount that may ever be depreciated.
func (s Schedule) Depreciable() decimal.Decimal {
	return s.Cost.Sub(s.Residual)
}

// AccumulatedAt returns accumulated depreciation at asOf, rounded to cents and
// capped at the depreciable amount.
func (s Schedule) AccumulatedAt(asOf time.Time) decimal.Decimal {
	elapsed := ElapsedMonths(s.AcquiredOn, asOf)
	if elapsed.Sign() <= 0 {
		return decimal.Zero
	}
	life := decimal.NewFromInt(int64(s.LifeMonths))
	if elapsed.GreaterThanOrEqual(life) {
		return s.Depreciable()
	}
	var acc decimal.Decimal
	switch s.Method {
	case DecliningBalance:
		acc = s.decliningAccumulated(elapsed)
	default:
		acc = s.Depreciable().Mul(elapsed).Div(life)
	}
	acc = acc.Round(moneyPlaces)
	if acc.GreaterThan(s.Depreciable()) {
		return s.Depreciable()
	}
	return acc
}

// BookValueAt returns cost minus accumulated depreciation at asOf.
func (s Schedule) BookValueAt(asOf time.Time) decimal.Decimal {
	return s.Cost.Sub(s.AccumulatedAt(asOf))
}

// decliningAccumulated walks month by month, switching to straight-line over
// the remaining life once that charge is larger so the residual is reached
// exactly at end of life.
func (s Schedule) decliningAccumulated(elapsed decimal.Decimal) decimal.Decimal {
	rate := s.Factor.Div(decimal.NewFromInt(int64(s.LifeMonths)))
	whole := int(elapsed.IntPart())
	fraction := elapsed.Sub(decimal.NewFromInt(int64(whole)))

	book := s.Cost
	charge := func(month int) decimal.Decimal {
		db := book.Mul(rate)
		remaining := decimal.NewFromInt(int64(s.LifeMonths - month))
		sl := book.Sub(s.Residual).Div(remaining)
		c := decimal.Max(db, sl)
		if limit := book.Sub(s.Residual); c.GreaterThan(limit) {
			c = limit
		}
		return c
	}
	for m := 0; m < whole; m++ {
		book = book.Sub(charge(m))
	}
	if fraction.Sign() > 0 && whole < s.LifeMonths {
		book = book.Sub(charge(whole).Mul(fraction))
	}
	return s.Cost.Sub(book)
}

// ElapsedMonths returns whole months between from and to plus the fraction of
// the month in progress, measured in days of that month. Month arithmetic
// clamps to month end, so Jan 31 + 1 month is Feb 28/29.
func ElapsedMonths(from, to time.Time) decimal.Decimal {
	from, to = day(from), day(to)
	if !to.After(from) {
		return decimal.Zero
	}
	n := (to.Year()-from.Year())*12 + int(to.Month()-from.Month())
	for n > 0 && addMonths(from, n).After(to) {
		n--
	}
	anchor := addMonths(from, n)
	next := addMonths(from, n+1)
	span := next.Sub(anchor).Hours() / 24
	into := to.Sub(anchor).Hours() / 24
	months := decimal.NewFromInt(int64(n))
	if into == 0 {
		return months
	}
	return months.Add(decimal.NewFromFloat(into).DivRound(decimal.NewFromFloat(span), 8))
}

func addMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, 0, 0, 0, 0, time.UTC)
	last := first.AddDate(0, 1, -1).Day()
	if d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, 0, 0, 0, 0, time.UTC)
}

func day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
