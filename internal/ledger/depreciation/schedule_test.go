package depreciation

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestStraightLineScheduleReachesZero(t *testing.T) {
	acquired := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := Schedule{
		Method:     StraightLine,
		Cost:       decimal.NewFromInt(1200),
		LifeMonths: 3,
		AcquiredOn: acquired,
	}
	require.NoError(t, s.Validate())

	require.True(t, s.BookValueAt(acquired).Equal(decimal.NewFromInt(1200)))
	require.True(t, s.BookValueAt(acquired.AddDate(0, 1, 0)).Equal(decimal.NewFromInt(800)))
	require.True(t, s.BookValueAt(acquired.AddDate(0, 3, 0)).Equal(decimal.Zero))
	require.True(t, s.BookValueAt(acquired.AddDate(2, 0, 0)).Equal(decimal.Zero))
	require.True(t, s.BookValueAt(acquired.AddDate(0, 0, -10)).Equal(decimal.NewFromInt(1200)))
}

func TestStraightLineRespectsResidual(t *testing.T) {
	acquired := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := Schedule{
		Method:     StraightLine,
		Cost:       decimal.NewFromInt(10000),
		Residual:   decimal.NewFromInt(1000),
		LifeMonths: 36,
		AcquiredOn: acquired,
	}
	require.True(t, s.AccumulatedAt(acquired.AddDate(1, 0, 0)).Equal(decimal.NewFromInt(3000)))
	require.True(t, s.BookValueAt(acquired.AddDate(5, 0, 0)).Equal(decimal.NewFromInt(1000)))
}

func TestDecliningBalanceIsMonotonicAndEndsAtResidual(t *testing.T) {
	acquired := time.Date(2023, 7, 15, 0, 0, 0, 0, time.UTC)
	s := Schedule{
		Method:     DecliningBalance,
		Factor:     DefaultFactor,
		Cost:       decimal.NewFromInt(5000),
		Residual:   decimal.NewFromInt(500),
		LifeMonths: 24,
		AcquiredOn: acquired,
	}
	require.NoError(t, s.Validate())

	prev := decimal.Zero
	for days := 0; days <= 800; days += 7 {
		acc := s.AccumulatedAt(acquired.AddDate(0, 0, days))
		require.True(t, acc.GreaterThanOrEqual(prev), "day %d: %s < %s", days, acc, prev)
		require.True(t, acc.LessThanOrEqual(s.Depreciable()))
		prev = acc
	}
	require.True(t, s.BookValueAt(acquired.AddDate(0, 24, 0)).Equal(decimal.NewFromInt(500)))

	// Declining balance front-loads depreciation compared to straight line.
	sl := s
	sl.Method = StraightLine
	at := acquired.AddDate(0, 6, 0)
	require.True(t, s.AccumulatedAt(at).GreaterThan(sl.AccumulatedAt(at)))
}

func TestElapsedMonths(t *testing.T) {
	jan31 := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)
	require.True(t, ElapsedMonths(jan31, time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC)).Equal(decimal.NewFromInt(1)))

	jan1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	half := ElapsedMonths(jan1, time.Date(2024, 2, 16, 0, 0, 0, 0, time.UTC))
	require.True(t, half.GreaterThan(decimal.NewFromInt(1)))
	require.True(t, half.LessThan(decimal.NewFromInt(2)))
	require.True(t, ElapsedMonths(jan1, jan1).IsZero())
}

func TestScheduleValidation(t *testing.T) {
	base := Schedule{Method: StraightLine, Cost: decimal.NewFromInt(100), LifeMonths: 12}
	cases := map[string]struct {
		mutate func(*Schedule)
		want   error
	}{
		"method":   {func(s *Schedule) { s.Method = "sum_of_years" }, ErrInvalidMethod},
		"cost":     {func(s *Schedule) { s.Cost = decimal.Zero }, ErrInvalidCost},
		"residual": {func(s *Schedule) { s.Residual = decimal.NewFromInt(100) }, ErrInvalidResidual},
		"life":     {func(s *Schedule) { s.LifeMonths = 0 }, ErrInvalidLife},
		"zero factor": {func(s *Schedule) {
			s.Method = DecliningBalance
			s.Factor = decimal.Zero
		}, ErrInvalidFactor},
		"negative factor": {func(s *Schedule) {
			s.Method = DecliningBalance
			s.Factor = decimal.NewFromInt(-1)
		}, ErrInvalidFactor},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			s := base
			tc.mutate(&s)
			require.ErrorIs(t, s.Validate(), tc.want)
		})
	}
}
