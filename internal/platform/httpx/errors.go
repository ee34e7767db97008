package httpx

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
)

// ErrMalformedBody reports a request body that is not valid JSON for the route.
var ErrMalformedBody = errors.New("malformed request body")

const reconciliationHint = "the adjustment did not complete; reconcile the listed targets before retrying"

// RespondError maps ledger errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var (
		verr *ledger.ValidationError
		nerr *ledger.NotFoundError
		cerr *ledger.ConsistencyError
	)
	switch {
	case errors.As(err, &cerr):
		targets := make([]string, 0, len(cerr.Targets))
		for _, ref := range cerr.Targets {
			targets = append(targets, ref.String())
		}
		hint := reconciliationHint
		if !cerr.RolledBack {
			hint = "rollback failed; running totals of the listed targets need manual reconciliation"
		}
		write(w, ProblemDetail{
			Type:    "consistency",
			Title:   "Consistency Failure",
			Status:  http.StatusInternalServerError,
			Detail:  cerr.Op + " failed at " + cerr.Stage,
			Targets: targets,
			Hint:    hint,
		})
	case errors.As(err, &verr):
		write(w, ProblemDetail{Type: "validation", Title: "Validation Failed", Status: http.StatusBadRequest, Detail: err.Error(), Field: verr.Field})
	case errors.Is(err, ErrMalformedBody):
		Problem(w, http.StatusBadRequest, "Malformed Request", err.Error())
	case errors.As(err, &nerr):
		write(w, ProblemDetail{Type: "not_found", Title: "Not Found", Status: http.StatusNotFound, Detail: err.Error()})
	case errors.Is(err, ledger.ErrInactiveTarget):
		write(w, ProblemDetail{Type: "inactive_target", Title: "Target Inactive", Status: http.StatusConflict, Detail: err.Error()})
	case errors.Is(err, ledger.ErrAlreadyReversed):
		write(w, ProblemDetail{Type: "already_reversed", Title: "Already Reversed", Status: http.StatusConflict, Detail: err.Error()})
	default:
		if logger != nil {
			logger.Error("unhandled error", slog.Any("error", err))
		}
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
