package rules

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func TestStatus(t *testing.T) {
	now := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	due := time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC)
	past := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		name  string
		state DebtState
		want  DebtStatus
	}{
		{"untouched", DebtState{Original: d(1000), Remaining: d(1000), DueDate: due}, StatusOpen},
		{"partial", DebtState{Original: d(1000), Remaining: d(600), DueDate: due}, StatusPartiallySettled},
		{"settled", DebtState{Original: d(1000), Remaining: d(0), DueDate: due}, StatusSettled},
		{"settled even when past due", DebtState{Original: d(1000), Remaining: d(0), DueDate: past}, StatusSettled},
		{"overdue", DebtState{Original: d(1000), Remaining: d(600), DueDate: past}, StatusOverdue},
		{"disputed wins over overdue", DebtState{Original: d(1000), Remaining: d(600), DueDate: past, Disputed: true}, StatusDisputed},
		{"due today is not overdue", DebtState{Original: d(1000), Remaining: d(1000), DueDate: time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)}, StatusOpen},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, Status(tc.state, now))
		})
	}
}

func TestThresholdsClassify(t *testing.T) {
	th, err := NewThresholds(d(100), d(1000), d(10000))
	require.NoError(t, err)

	require.Equal(t, Tier1, th.Classify(d(-5)))
	require.Equal(t, Tier1, th.Classify(d(100)))
	require.Equal(t, Tier2, th.Classify(d(101)))
	require.Equal(t, Tier3, th.Classify(d(10000)))
	require.Equal(t, Tier4, th.Classify(d(10001)))
	require.Equal(t, "tier4", Tier4.String())
}

func TestThresholdsValidation(t *testing.T) {
	_, err := NewThresholds(d(100), d(100), d(200))
	require.ErrorIs(t, err, ErrCutoffsNotAscending)

	th, err := ParseThresholds("77700, 188700 ,500000")
	require.NoError(t, err)
	require.True(t, th.Cutoffs[1].Equal(d(188700)))

	_, err = ParseThresholds("1,2")
	require.Error(t, err)
	_, err = ParseThresholds("1,x,3")
	require.Error(t, err)
}

func TestAgingSummary(t *testing.T) {
	asOf := time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC)
	var s AgingSummary
	s.Add(asOf.AddDate(0, 0, 5), asOf, d(10))
	s.Add(asOf.AddDate(0, 0, -10), asOf, d(20))
	s.Add(asOf.AddDate(0, 0, -45), asOf, d(30))
	s.Add(asOf.AddDate(0, 0, -75), asOf, d(40))
	s.Add(asOf.AddDate(0, 0, -200), asOf, d(50))
	s.Add(asOf.AddDate(0, 0, -200), asOf, d(0))

	require.True(t, s.Current.Equal(d(10)))
	require.True(t, s.Bucket30.Equal(d(20)))
	require.True(t, s.Bucket60.Equal(d(30)))
	require.True(t, s.Bucket90.Equal(d(40)))
	require.True(t, s.Bucket120.Equal(d(50)))
	require.True(t, s.Total.Equal(d(150)))
	require.Equal(t, BucketCurrent, AgingBucket(asOf, asOf))
}
