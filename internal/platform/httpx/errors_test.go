package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
)

func TestRespondErrorMapsLedgerErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		typ    string
	}{
		{"validation", fmt.Errorf("wrap: %w", &ledger.ValidationError{Field: "amount", Reason: "must be positive"}), http.StatusBadRequest, "validation"},
		{"not found", ledger.NotFound("account", 7), http.StatusNotFound, "not_found"},
		{"inactive", &ledger.InactiveTargetError{Target: ledger.AccountRef(1)}, http.StatusConflict, "inactive_target"},
		{"reversed", &ledger.AlreadyReversedError{EventID: 3}, http.StatusConflict, "already_reversed"},
		{"consistency", &ledger.ConsistencyError{Op: "transfer", Stage: "apply", Targets: []ledger.TargetRef{ledger.AccountRef(2)}, RolledBack: true, Err: errors.New("x")}, http.StatusInternalServerError, "consistency"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			RespondError(rr, nil, tc.err)
			require.Equal(t, tc.status, rr.Code)
			require.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))

			var p ProblemDetail
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &p))
			require.Equal(t, tc.typ, p.Type)
			require.Equal(t, tc.status, p.Status)
		})
	}
}

func TestConsistencyProblemCarriesTargetsAndHint(t *testing.T) {
	rr := httptest.NewRecorder()
	RespondError(rr, nil, &ledger.ConsistencyError{
		Op: "amend", Stage: "apply", Targets: []ledger.TargetRef{ledger.AccountRef(1), ledger.DebtRef(4)}, RolledBack: false, Err: errors.New("x"),
	})
	var p ProblemDetail
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &p))
	require.Equal(t, []string{"account:1", "debt:4"}, p.Targets)
	require.Contains(t, p.Hint, "manual reconciliation")
	require.NotContains(t, p.Detail, "x")
}

func TestDecodeJSONRejectsUnknownFields(t *testing.T) {
	var dest struct {
		Amount string `json:"amount"`
	}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"amount":"1","extra":true}`))
	err := DecodeJSON(req, &dest)
	require.ErrorIs(t, err, ErrMalformedBody)

	rr := httptest.NewRecorder()
	RespondError(rr, nil, err)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}
