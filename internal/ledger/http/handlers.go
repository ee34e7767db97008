// Package ledgerhttp exposes the ledger over a JSON API.
package ledgerhttp

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
	"github.com/odyssey-erp/odyssey-ledger/internal/ledger/depreciation"
	"github.com/odyssey-erp/odyssey-ledger/internal/ledger/rules"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// Handler serves the ledger API.
type Handler struct {
	logger  *slog.Logger
	service *ledger.Service
}

// NewHandler builds a ledger handler.
func NewHandler(logger *slog.Logger, service *ledger.Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	httpx.RespondError(w, h.logger, err)
}

func (h *Handler) createAccount(w http.ResponseWriter, r *http.Request) {
	var req openAccountRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, err)
		return
	}
	openedOn, err := parseDate("opened_on", req.OpenedOn)
	if err != nil {
		h.fail(w, err)
		return
	}
	acc, err := h.service.OpenAccount(r.Context(), ledger.OpenAccountInput{
		Code:           req.Code,
		Name:           req.Name,
		Category:       ledger.AccountCategory(req.Category),
		Currency:       req.Currency,
		OpeningBalance: req.OpeningBalance,
		OpenedOn:       openedOn,
		ActorID:        shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toAccount(acc))
}

func (h *Handler) listAccounts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ledger.AccountFilter{Category: ledger.AccountCategory(q.Get("category"))}
	if raw := q.Get("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			h.fail(w, &ledger.ValidationError{Field: "active", Reason: "must be true or false"})
			return
		}
		filter.Active = &active
	}
	accounts, err := h.service.ListAccounts(r.Context(), filter)
	if err != nil {
		h.fail(w, err)
		return
	}
	items := make([]accountResponse, 0, len(accounts))
	for _, acc := range accounts {
		items = append(items, toAccount(acc))
	}
	httpx.JSON(w, http.StatusOK, listResponse[accountResponse]{Items: items})
}

func (h *Handler) getAccount(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	acc, err := h.service.GetAccount(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toAccount(acc))
}

func (h *Handler) accountBalance(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.balance(w, r, ledger.AccountRef(id))
}

func (h *Handler) debtBalance(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	h.balance(w, r, ledger.DebtRef(id))
}

// balance answers the current total, or the reconstructed total when as_of
// is given.
func (h *Handler) balance(w http.ResponseWriter, r *http.Request, ref ledger.TargetRef) {
	raw := r.URL.Query().Get("as_of")
	if raw == "" {
		view, err := h.service.GetBalance(r.Context(), ref)
		if err != nil {
			h.fail(w, err)
			return
		}
		httpx.JSON(w, http.StatusOK, view)
		return
	}
	asOf, err := parseDate("as_of", raw)
	if err != nil {
		h.fail(w, err)
		return
	}
	pit, err := h.service.BalanceAsOf(r.Context(), ref, asOf)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, pit)
}

func (h *Handler) deactivateAccount(w http.ResponseWriter, r *http.Request) {
	h.setAccountActive(w, r, false)
}

func (h *Handler) reactivateAccount(w http.ResponseWriter, r *http.Request) {
	h.setAccountActive(w, r, true)
}

func (h *Handler) setAccountActive(w http.ResponseWriter, r *http.Request, active bool) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	actor := shared.ActorFromContext(r.Context())
	var acc ledger.Account
	if active {
		acc, err = h.service.ReactivateAccount(r.Context(), id, actor)
	} else {
		acc, err = h.service.DeactivateAccount(r.Context(), id, actor)
	}
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toAccount(acc))
}

func (h *Handler) reconcileAccount(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	var req reconcileRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, err)
		return
	}
	statementDate, err := parseDate("statement_date", req.StatementDate)
	if err != nil {
		h.fail(w, err)
		return
	}
	acc, err := h.service.ReconcileAccount(r.Context(), ledger.ReconcileInput{
		AccountID:        id,
		StatementDate:    statementDate,
		StatementBalance: req.StatementBalance,
		ActorID:          shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toAccount(acc))
}

func (h *Handler) recordEvent(w http.ResponseWriter, r *http.Request) {
	var req recordRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, err)
		return
	}
	date, err := parseDate("date", req.Date)
	if err != nil {
		h.fail(w, err)
		return
	}
	requestID, err := requestIDFrom(r, req.RequestID)
	if err != nil {
		h.fail(w, err)
		return
	}
	ev, err := h.service.Record(r.Context(), ledger.RecordInput{
		Target:    req.Target,
		Kind:      ledger.EventKind(req.Kind),
		Amount:    req.Amount,
		Date:      date,
		Reference: req.Reference,
		Memo:      req.Memo,
		RequestID: requestID,
		ActorID:   shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toEvent(ev))
}

func (h *Handler) listEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ledger.EventFilter{
		TargetKind: ledger.TargetKind(q.Get("target_kind")),
		Kind:       ledger.EventKind(q.Get("kind")),
	}
	if raw := q.Get("target_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			h.fail(w, &ledger.ValidationError{Field: "target_id", Reason: "must be an integer"})
			return
		}
		kind := filter.TargetKind
		if kind == "" {
			kind = ledger.TargetAccount
		}
		filter.Target = &ledger.TargetRef{Kind: kind, ID: id}
	}
	for _, bound := range []struct {
		field string
		dest  **time.Time
	}{{"from", &filter.From}, {"to", &filter.To}} {
		raw := q.Get(bound.field)
		if raw == "" {
			continue
		}
		t, err := parseDate(bound.field, raw)
		if err != nil {
			h.fail(w, err)
			return
		}
		*bound.dest = &t
	}
	if raw := q.Get("reversed"); raw != "" {
		reversed, err := strconv.ParseBool(raw)
		if err != nil {
			h.fail(w, &ledger.ValidationError{Field: "reversed", Reason: "must be true or false"})
			return
		}
		filter.Reversed = &reversed
	}
	if raw := q.Get("transfer_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			h.fail(w, &ledger.ValidationError{Field: "transfer_id", Reason: "must be a uuid"})
			return
		}
		filter.TransferID = &id
	}
	page := shared.NewPagination(atoi(q.Get("page")), atoi(q.Get("per_page")))
	filter.Limit = page.PerPage
	filter.Offset = page.Offset()

	events, err := h.service.ListEvents(r.Context(), filter)
	if err != nil {
		h.fail(w, err)
		return
	}
	total, err := h.service.CountEvents(r.Context(), filter)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, listResponse[eventResponse]{
		Items:      toEvents(events),
		Page:       page.Page,
		PerPage:    page.PerPage,
		Total:      total,
		TotalPages: page.TotalPages(total),
	})
}

func (h *Handler) getEvent(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	ev, err := h.service.GetEvent(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toEvent(ev))
}

func (h *Handler) amendEvent(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	var req amendRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, err)
		return
	}
	in := ledger.AmendInput{
		EventID: id,
		Amount:  req.Amount,
		Target:  req.Target,
		Memo:    req.Memo,
		ActorID: shared.ActorFromContext(r.Context()),
	}
	if req.Kind != nil {
		kind := ledger.EventKind(*req.Kind)
		in.Kind = &kind
	}
	if req.Date != nil {
		date, err := parseDate("date", *req.Date)
		if err != nil {
			h.fail(w, err)
			return
		}
		in.Date = &date
	}
	ev, err := h.service.Amend(r.Context(), in)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toEvent(ev))
}

func (h *Handler) reverseEvent(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	res, err := h.service.Reverse(r.Context(), ledger.ReverseInput{EventID: id, ActorID: shared.ActorFromContext(r.Context())})
	if err != nil {
		h.fail(w, err)
		return
	}
	out := reverseResponse{Event: toEvent(res.Event), NoEffect: res.NoEffect}
	if len(res.Legs) > 1 {
		out.Legs = toEvents(res.Legs)
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) eventRevisions(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	revs, err := h.service.EventRevisions(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	items := make([]revisionResponse, 0, len(revs))
	for _, rev := range revs {
		items = append(items, revisionResponse{Revision: rev.Revision, Before: rev.Before, After: rev.After, ActorID: rev.ActorID, AmendedAt: rev.AmendedAt})
	}
	httpx.JSON(w, http.StatusOK, listResponse[revisionResponse]{Items: items})
}

func (h *Handler) transfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, err)
		return
	}
	date, err := parseDate("date", req.Date)
	if err != nil {
		h.fail(w, err)
		return
	}
	requestID, err := requestIDFrom(r, req.RequestID)
	if err != nil {
		h.fail(w, err)
		return
	}
	res, err := h.service.Transfer(r.Context(), ledger.TransferInput{
		FromAccountID: req.FromAccountID,
		ToAccountID:   req.ToAccountID,
		Amount:        req.Amount,
		Date:          date,
		Memo:          req.Memo,
		RequestID:     requestID,
		ActorID:       shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, transferResponse{TransferID: res.TransferID, Out: toEvent(res.Out), In: toEvent(res.In)})
}

func (h *Handler) createDebt(w http.ResponseWriter, r *http.Request) {
	var req openDebtRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, err)
		return
	}
	openedOn, err := parseDate("opened_on", req.OpenedOn)
	if err != nil {
		h.fail(w, err)
		return
	}
	due, err := parseDate("due_date", req.DueDate)
	if err != nil {
		h.fail(w, err)
		return
	}
	d, err := h.service.OpenDebt(r.Context(), ledger.OpenDebtInput{
		Direction:           ledger.DebtDirection(req.Direction),
		Counterparty:        req.Counterparty,
		Reference:           req.Reference,
		Currency:            req.Currency,
		Original:            req.Original,
		OpenedOn:            openedOn,
		DueDate:             due,
		SettlementAccountID: req.SettlementAccountID,
		ActorID:             shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toDebt(d))
}

func (h *Handler) listDebts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	debts, err := h.service.ListDebts(r.Context(), ledger.DebtFilter{
		Direction: ledger.DebtDirection(q.Get("direction")),
		Status:    rules.DebtStatus(q.Get("status")),
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	items := make([]debtResponse, 0, len(debts))
	for _, d := range debts {
		items = append(items, toDebt(d))
	}
	httpx.JSON(w, http.StatusOK, listResponse[debtResponse]{Items: items})
}

func (h *Handler) getDebt(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	d, err := h.service.GetDebt(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toDebt(d))
}

func (h *Handler) payDebt(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	var req paymentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, err)
		return
	}
	date, err := parseDate("date", req.Date)
	if err != nil {
		h.fail(w, err)
		return
	}
	requestID, err := requestIDFrom(r, req.RequestID)
	if err != nil {
		h.fail(w, err)
		return
	}
	res, err := h.service.PayDebt(r.Context(), ledger.PayDebtInput{
		DebtID:    id,
		Amount:    req.Amount,
		Date:      date,
		Memo:      req.Memo,
		AccountID: req.AccountID,
		RequestID: requestID,
		ActorID:   shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	out := paymentResponse{Payment: toEvent(res.Payment), Debt: toDebt(res.Debt)}
	if res.Settlement != nil {
		leg := toEvent(*res.Settlement)
		out.Settlement = &leg
	}
	httpx.JSON(w, http.StatusCreated, out)
}

func (h *Handler) disputeDebt(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	var req disputeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, err)
		return
	}
	d, err := h.service.SetDisputed(r.Context(), id, req.Disputed, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toDebt(d))
}

func (h *Handler) debtAging(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	asOf, err := parseDate("as_of", q.Get("as_of"))
	if err != nil {
		h.fail(w, err)
		return
	}
	summary, err := h.service.DebtAging(r.Context(), ledger.DebtDirection(q.Get("direction")), asOf)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, summary)
}

func (h *Handler) acquireAsset(w http.ResponseWriter, r *http.Request) {
	var req acquireAssetRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, err)
		return
	}
	acquiredOn, err := parseDate("acquired_on", req.AcquiredOn)
	if err != nil {
		h.fail(w, err)
		return
	}
	a, err := h.service.AcquireAsset(r.Context(), ledger.AcquireAssetInput{
		Name:             req.Name,
		Method:           depreciation.Method(req.Method),
		DecliningFactor:  req.DecliningFactor,
		Cost:             req.Cost,
		ResidualValue:    req.ResidualValue,
		AcquiredOn:       acquiredOn,
		UsefulLifeMonths: req.UsefulLifeMonths,
		FundingAccountID: req.FundingAccountID,
		ActorID:          shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toAsset(a))
}

func (h *Handler) listAssets(w http.ResponseWriter, r *http.Request) {
	assets, err := h.service.ListAssets(r.Context(), ledger.AssetFilter{Status: ledger.AssetStatus(r.URL.Query().Get("status"))})
	if err != nil {
		h.fail(w, err)
		return
	}
	items := make([]assetResponse, 0, len(assets))
	for _, a := range assets {
		items = append(items, toAsset(a))
	}
	httpx.JSON(w, http.StatusOK, listResponse[assetResponse]{Items: items})
}

func (h *Handler) getAsset(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	if raw := r.URL.Query().Get("as_of"); raw != "" {
		asOf, err := parseDate("as_of", raw)
		if err != nil {
			h.fail(w, err)
			return
		}
		val, err := h.service.AssetValueAsOf(r.Context(), id, asOf)
		if err != nil {
			h.fail(w, err)
			return
		}
		httpx.JSON(w, http.StatusOK, val)
		return
	}
	a, err := h.service.GetAsset(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toAsset(a))
}

func (h *Handler) disposeAsset(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.fail(w, err)
		return
	}
	var req disposeAssetRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.fail(w, err)
		return
	}
	disposedOn, err := parseDate("disposed_on", req.DisposedOn)
	if err != nil {
		h.fail(w, err)
		return
	}
	a, err := h.service.DisposeAsset(r.Context(), ledger.DisposeAssetInput{
		AssetID:           id,
		DisposedOn:        disposedOn,
		Proceeds:          req.Proceeds,
		ProceedsAccountID: req.ProceedsAccountID,
		ActorID:           shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toAsset(a))
}

func (h *Handler) regime(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := parseDate("from", q.Get("from"))
	if err != nil {
		h.fail(w, err)
		return
	}
	to, err := parseDate("to", q.Get("to"))
	if err != nil {
		h.fail(w, err)
		return
	}
	res, err := h.service.Regime(r.Context(), from, to)
	if err != nil {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, struct {
		ledger.RegimeResult
		TierName string `json:"tier_name"`
	}{res, res.Tier.String()})
}

// integrity runs a synchronous check. Drift is reported in the body; the
// ledger has already logged and counted it.
func (h *Handler) integrity(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.CheckIntegrity(r.Context())
	if err != nil && len(report.Issues) == 0 {
		h.fail(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, &ledger.ValidationError{Field: "id", Reason: "must be a positive integer"}
	}
	return id, nil
}

// requestIDFrom prefers the body value and falls back to the Idempotency-Key
// header.
func requestIDFrom(r *http.Request, body *uuid.UUID) (*uuid.UUID, error) {
	if body != nil {
		return body, nil
	}
	raw := strings.TrimSpace(r.Header.Get(IdempotencyHeader))
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, &ledger.ValidationError{Field: "request_id", Reason: "idempotency key must be a uuid"}
	}
	return &id, nil
}

func atoi(raw string) int {
	n, _ := strconv.Atoi(raw)
	return n
}
