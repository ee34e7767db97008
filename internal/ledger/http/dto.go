package ledgerhttp

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
	"github.com/odyssey-erp/odyssey-ledger/internal/ledger/depreciation"
	"github.com/odyssey-erp/odyssey-ledger/internal/ledger/rules"
)

// Dates travel as YYYY-MM-DD strings and are parsed by the handlers so that a
// bad date is reported as a field error instead of a malformed body.

type openAccountRequest struct {
	Code           string          `json:"code"`
	Name           string          `json:"name"`
	Category       string          `json:"category"`
	Currency       string          `json:"currency"`
	OpeningBalance decimal.Decimal `json:"opening_balance"`
	OpenedOn       string          `json:"opened_on"`
}

type reconcileRequest struct {
	StatementDate    string          `json:"statement_date"`
	StatementBalance decimal.Decimal `json:"statement_balance"`
}

type recordRequest struct {
	Target    ledger.TargetRef `json:"target"`
	Kind      string           `json:"kind"`
	Amount    decimal.Decimal  `json:"amount"`
	Date      string           `json:"date"`
	Reference string           `json:"reference"`
	Memo      string           `json:"memo"`
	RequestID *uuid.UUID       `json:"request_id"`
}

type amendRequest struct {
	Amount *decimal.Decimal  `json:"amount"`
	Kind   *string           `json:"kind"`
	Target *ledger.TargetRef `json:"target"`
	Date   *string           `json:"date"`
	Memo   *string           `json:"memo"`
}

type transferRequest struct {
	FromAccountID int64           `json:"from_account_id"`
	ToAccountID   int64           `json:"to_account_id"`
	Amount        decimal.Decimal `json:"amount"`
	Date          string          `json:"date"`
	Memo          string          `json:"memo"`
	RequestID     *uuid.UUID      `json:"request_id"`
}

type openDebtRequest struct {
	Direction           string          `json:"direction"`
	Counterparty        string          `json:"counterparty"`
	Reference           string          `json:"reference"`
	Currency            string          `json:"currency"`
	Original            decimal.Decimal `json:"original"`
	OpenedOn            string          `json:"opened_on"`
	DueDate             string          `json:"due_date"`
	SettlementAccountID *int64          `json:"settlement_account_id"`
}

type paymentRequest struct {
	Amount    decimal.Decimal `json:"amount"`
	Date      string          `json:"date"`
	Memo      string          `json:"memo"`
	AccountID *int64          `json:"account_id"`
	RequestID *uuid.UUID      `json:"request_id"`
}

type disputeRequest struct {
	Disputed bool `json:"disputed"`
}

type acquireAssetRequest struct {
	Name             string           `json:"name"`
	Method           string           `json:"method"`
	DecliningFactor  *decimal.Decimal `json:"declining_factor"`
	Cost             decimal.Decimal  `json:"cost"`
	ResidualValue    decimal.Decimal  `json:"residual_value"`
	AcquiredOn       string           `json:"acquired_on"`
	UsefulLifeMonths int              `json:"useful_life_months"`
	FundingAccountID *int64           `json:"funding_account_id"`
}

type disposeAssetRequest struct {
	DisposedOn        string          `json:"disposed_on"`
	Proceeds          decimal.Decimal `json:"proceeds"`
	ProceedsAccountID *int64          `json:"proceeds_account_id"`
}

type accountResponse struct {
	ID                 int64                  `json:"id"`
	Code               string                 `json:"code"`
	Name               string                 `json:"name"`
	Category           ledger.AccountCategory `json:"category"`
	Currency           string                 `json:"currency"`
	Balance            decimal.Decimal        `json:"balance"`
	OpeningBalance     decimal.Decimal        `json:"opening_balance"`
	OpenedOn           string                 `json:"opened_on"`
	Active             bool                   `json:"active"`
	LastMovementAt     *time.Time             `json:"last_movement_at,omitempty"`
	LastReconciliation *ledger.Reconciliation `json:"last_reconciliation,omitempty"`
	Version            int64                  `json:"version"`
}

func toAccount(a ledger.Account) accountResponse {
	return accountResponse{
		ID:                 a.ID,
		Code:               a.Code,
		Name:               a.Name,
		Category:           a.Category,
		Currency:           a.Currency,
		Balance:            a.Balance,
		OpeningBalance:     a.OpeningBalance,
		OpenedOn:           formatDate(a.OpenedOn),
		Active:             a.Active,
		LastMovementAt:     a.LastMovementAt,
		LastReconciliation: a.LastReconciliation,
		Version:            a.Version,
	}
}

type eventResponse struct {
	ID         int64              `json:"id"`
	Seq        int64              `json:"seq"`
	Reference  string             `json:"reference"`
	Target     ledger.TargetRef   `json:"target"`
	Kind       ledger.EventKind   `json:"kind"`
	Amount     decimal.Decimal    `json:"amount"`
	Currency   string             `json:"currency"`
	Date       string             `json:"date"`
	Memo       string             `json:"memo,omitempty"`
	Source     ledger.EventSource `json:"source"`
	TransferID *uuid.UUID         `json:"transfer_id,omitempty"`
	RequestID  *uuid.UUID         `json:"request_id,omitempty"`
	Revision   int                `json:"revision"`
	Reversed   bool               `json:"reversed"`
	ReversedAt *time.Time         `json:"reversed_at,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
}

func toEvent(e ledger.Event) eventResponse {
	return eventResponse{
		ID:         e.ID,
		Seq:        e.Seq,
		Reference:  e.Reference,
		Target:     e.Target,
		Kind:       e.Kind,
		Amount:     e.Amount,
		Currency:   e.Currency,
		Date:       formatDate(e.Date),
		Memo:       e.Memo,
		Source:     e.Source,
		TransferID: e.TransferID,
		RequestID:  e.RequestID,
		Revision:   e.Revision,
		Reversed:   e.Reversed,
		ReversedAt: e.ReversedAt,
		CreatedAt:  e.CreatedAt,
	}
}

func toEvents(events []ledger.Event) []eventResponse {
	out := make([]eventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, toEvent(e))
	}
	return out
}

type revisionResponse struct {
	Revision  int               `json:"revision"`
	Before    ledger.EventState `json:"before"`
	After     ledger.EventState `json:"after"`
	ActorID   int64             `json:"actor_id"`
	AmendedAt time.Time         `json:"amended_at"`
}

type reverseResponse struct {
	Event    eventResponse   `json:"event"`
	Legs     []eventResponse `json:"legs,omitempty"`
	NoEffect bool            `json:"no_effect"`
}

type transferResponse struct {
	TransferID uuid.UUID     `json:"transfer_id"`
	Out        eventResponse `json:"out"`
	In         eventResponse `json:"in"`
}

type debtResponse struct {
	ID                  int64                `json:"id"`
	Direction           ledger.DebtDirection `json:"direction"`
	Counterparty        string               `json:"counterparty"`
	Reference           string               `json:"reference,omitempty"`
	Currency            string               `json:"currency"`
	Original            decimal.Decimal      `json:"original"`
	Remaining           decimal.Decimal      `json:"remaining"`
	PaidToDate          decimal.Decimal      `json:"paid_to_date"`
	OpenedOn            string               `json:"opened_on"`
	DueDate             string               `json:"due_date"`
	Disputed            bool                 `json:"disputed"`
	Status              rules.DebtStatus     `json:"status"`
	SettlementAccountID *int64               `json:"settlement_account_id,omitempty"`
	LastMovementAt      *time.Time           `json:"last_movement_at,omitempty"`
	Version             int64                `json:"version"`
}

func toDebt(d ledger.Debt) debtResponse {
	return debtResponse{
		ID:                  d.ID,
		Direction:           d.Direction,
		Counterparty:        d.Counterparty,
		Reference:           d.Reference,
		Currency:            d.Currency,
		Original:            d.Original,
		Remaining:           d.Remaining,
		PaidToDate:          d.PaidToDate(),
		OpenedOn:            formatDate(d.OpenedOn),
		DueDate:             formatDate(d.DueDate),
		Disputed:            d.Disputed,
		Status:              d.Status,
		SettlementAccountID: d.SettlementAccountID,
		LastMovementAt:      d.LastMovementAt,
		Version:             d.Version,
	}
}

type paymentResponse struct {
	Payment    eventResponse  `json:"payment"`
	Settlement *eventResponse `json:"settlement,omitempty"`
	Debt       debtResponse   `json:"debt"`
}

type assetResponse struct {
	ID                      int64               `json:"id"`
	Name                    string              `json:"name"`
	Method                  depreciation.Method `json:"method"`
	AcquisitionCost         decimal.Decimal     `json:"acquisition_cost"`
	ResidualValue           decimal.Decimal     `json:"residual_value"`
	AcquiredOn              string              `json:"acquired_on"`
	UsefulLifeMonths        int                 `json:"useful_life_months"`
	AccumulatedDepreciation decimal.Decimal     `json:"accumulated_depreciation"`
	BookValue               decimal.Decimal     `json:"book_value"`
	Status                  ledger.AssetStatus  `json:"status"`
	DisposedOn              *string             `json:"disposed_on,omitempty"`
	DisposalProceeds        *decimal.Decimal    `json:"disposal_proceeds,omitempty"`
	DisposalGainLoss        *decimal.Decimal    `json:"disposal_gain_loss,omitempty"`
	FundingAccountID        *int64              `json:"funding_account_id,omitempty"`
}

func toAsset(a ledger.Asset) assetResponse {
	out := assetResponse{
		ID:                      a.ID,
		Name:                    a.Name,
		Method:                  a.Method,
		AcquisitionCost:         a.AcquisitionCost,
		ResidualValue:           a.ResidualValue,
		AcquiredOn:              formatDate(a.AcquiredOn),
		UsefulLifeMonths:        a.UsefulLifeMonths,
		AccumulatedDepreciation: a.AccumulatedDepreciation,
		BookValue:               a.BookValue,
		Status:                  a.Status,
		DisposalProceeds:        a.DisposalProceeds,
		DisposalGainLoss:        a.DisposalGainLoss,
		FundingAccountID:        a.FundingAccountID,
	}
	if a.DisposedOn != nil {
		d := formatDate(*a.DisposedOn)
		out.DisposedOn = &d
	}
	return out
}

type listResponse[T any] struct {
	Items      []T `json:"items"`
	Page       int `json:"page,omitempty"`
	PerPage    int `json:"per_page,omitempty"`
	Total      int `json:"total,omitempty"`
	TotalPages int `json:"total_pages,omitempty"`
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.DateOnly)
}

// parseDate reads a YYYY-MM-DD value. Empty input yields the zero time so
// that required-field validation in the service reports it.
func parseDate(field, raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, &ledger.ValidationError{Field: field, Reason: "must be a date formatted YYYY-MM-DD"}
	}
	return t, nil
}
