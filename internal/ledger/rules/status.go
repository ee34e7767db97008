// Package rules holds pure classification functions over current ledger
// state. Nothing here is persisted; callers re-evaluate on every read.
package rules

import (
	"time"

	"github.com/shopspring/decimal"
)

// DebtStatus enumerates payable/receivable states.
type DebtStatus string

const (
	StatusOpen             DebtStatus = "open"
	StatusPartiallySettled DebtStatus = "partially_settled"
	StatusSettled          DebtStatus = "settled"
	StatusOverdue          DebtStatus = "overdue"
	StatusDisputed         DebtStatus = "disputed"
)

// Valid reports whether s is a known status.
func (s DebtStatus) Valid() bool {
	switch s {
	case StatusOpen, StatusPartiallySettled, StatusSettled, StatusOverdue, StatusDisputed:
		return true
	}
	return false
}

// DebtState is the input to status derivation.
type DebtState struct {
	Original  decimal.Decimal
	Remaining decimal.Decimal
	DueDate   time.Time
	Disputed  bool
}

// Status derives the debt status as of now. Precedence: settled, disputed,
// overdue, partially settled, open. Due dates compare by calendar day, so a
// debt due today is not yet overdue.
func Status(s DebtState, now time.Time) DebtStatus {
	if s.Remaining.Sign() <= 0 {
		return StatusSettled
	}
	if s.Disputed {
		return StatusDisputed
	}
	if day(s.DueDate).Before(day(now)) {
		return StatusOverdue
	}
	paid := s.Original.Sub(s.Remaining)
	if paid.Sign() > 0 && paid.LessThan(s.Original) {
		return StatusPartiallySettled
	}
	return StatusOpen
}

func day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
