package rules

import (
	"time"

	"github.com/shopspring/decimal"
)

// Bucket enumerates aging windows by days past due.
type Bucket string

const (
	BucketCurrent Bucket = "current"
	Bucket30      Bucket = "1-30"
	Bucket60      Bucket = "31-60"
	Bucket90      Bucket = "61-90"
	Bucket120     Bucket = "90+"
)

// AgingBucket places a due date relative to asOf.
func AgingBucket(due, asOf time.Time) Bucket {
	days := int(day(asOf).Sub(day(due)).Hours() / 24)
	switch {
	case days <= 0:
		return BucketCurrent
	case days <= 30:
		return Bucket30
	case days <= 60:
		return Bucket60
	case days <= 90:
		return Bucket90
	default:
		return Bucket120
	}
}

// AgingSummary totals remaining amounts per bucket.
type AgingSummary struct {
	Current   decimal.Decimal `json:"current"`
	Bucket30  decimal.Decimal `json:"bucket_30"`
	Bucket60  decimal.Decimal `json:"bucket_60"`
	Bucket90  decimal.Decimal `json:"bucket_90"`
	Bucket120 decimal.Decimal `json:"bucket_120"`
	Total     decimal.Decimal `json:"total"`
}

// Add accumulates remaining into the bucket for due. Settled amounts are ignored.
func (s *AgingSummary) Add(due, asOf time.Time, remaining decimal.Decimal) {
	if remaining.Sign() <= 0 {
		return
	}
	switch AgingBucket(due, asOf) {
	case BucketCurrent:
		s.Current = s.Current.Add(remaining)
	case Bucket30:
		s.Bucket30 = s.Bucket30.Add(remaining)
	case Bucket60:
		s.Bucket60 = s.Bucket60.Add(remaining)
	case Bucket90:
		s.Bucket90 = s.Bucket90.Add(remaining)
	default:
		s.Bucket120 = s.Bucket120.Add(remaining)
	}
	s.Total = s.Total.Add(remaining)
}
