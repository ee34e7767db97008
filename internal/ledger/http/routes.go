package ledgerhttp

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

const (
	// ActorHeader carries the acting user id recorded on events and audit rows.
	ActorHeader = "X-Actor-ID"
	// IdempotencyHeader carries a request id when the body does not.
	IdempotencyHeader = "Idempotency-Key"

	rateWindow = time.Minute
)

// MountRoutes registers the ledger API. writeLimit caps mutating requests per
// actor per minute; zero disables the limit.
func (h *Handler) MountRoutes(r chi.Router, writeLimit int) {
	if h == nil {
		return
	}
	r.Group(func(r chi.Router) {
		r.Use(ActorMiddleware)

		r.Get("/accounts", h.listAccounts)
		r.Get("/accounts/{id}", h.getAccount)
		r.Get("/accounts/{id}/balance", h.accountBalance)
		r.Get("/events", h.listEvents)
		r.Get("/events/{id}", h.getEvent)
		r.Get("/events/{id}/revisions", h.eventRevisions)
		r.Get("/debts", h.listDebts)
		r.Get("/debts/aging", h.debtAging)
		r.Get("/debts/{id}", h.getDebt)
		r.Get("/debts/{id}/balance", h.debtBalance)
		r.Get("/assets", h.listAssets)
		r.Get("/assets/{id}", h.getAsset)
		r.Get("/regime", h.regime)
		r.Get("/integrity", h.integrity)

		r.Group(func(wr chi.Router) {
			if writeLimit > 0 {
				wr.Use(httprate.Limit(writeLimit, rateWindow,
					httprate.WithKeyFuncs(rateLimitKey),
					httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
						httpx.Problem(w, http.StatusTooManyRequests, "Too Many Requests", "write rate limit exceeded")
					}),
				))
			}
			wr.Post("/accounts", h.createAccount)
			wr.Post("/accounts/{id}/deactivate", h.deactivateAccount)
			wr.Post("/accounts/{id}/reactivate", h.reactivateAccount)
			wr.Post("/accounts/{id}/reconcile", h.reconcileAccount)
			wr.Post("/events", h.recordEvent)
			wr.Patch("/events/{id}", h.amendEvent)
			wr.Post("/events/{id}/reverse", h.reverseEvent)
			wr.Post("/transfers", h.transfer)
			wr.Post("/debts", h.createDebt)
			wr.Post("/debts/{id}/payments", h.payDebt)
			wr.Post("/debts/{id}/dispute", h.disputeDebt)
			wr.Post("/assets", h.acquireAsset)
			wr.Post("/assets/{id}/dispose", h.disposeAsset)
		})
	})
}

// ActorMiddleware reads X-Actor-ID into the request context. The header is
// optional; a malformed value is rejected.
func ActorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get(ActorHeader))
		if raw == "" {
			next.ServeHTTP(w, r)
			return
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			httpx.RespondError(w, nil, &ledger.ValidationError{Field: "actor", Reason: ActorHeader + " must be a positive integer"})
			return
		}
		next.ServeHTTP(w, r.WithContext(shared.ContextWithActor(r.Context(), id)))
	})
}

func rateLimitKey(r *http.Request) (string, error) {
	if actor := shared.ActorFromContext(r.Context()); actor > 0 {
		return "actor:" + strconv.FormatInt(actor, 10), nil
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}
