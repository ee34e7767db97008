package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	ledgerhttp "github.com/odyssey-erp/odyssey-ledger/internal/ledger/http"
	"github.com/odyssey-erp/odyssey-ledger/internal/observability"
	"github.com/odyssey-erp/odyssey-ledger/jobs"
)

func memoryConfig(t *testing.T, redisAddr string) *Config {
	t.Helper()
	t.Setenv("STORE_DRIVER", StoreMemory)
	t.Setenv("REDIS_ADDR", redisAddr)
	t.Setenv("LOCK_DRIVER", LockRedis)
	t.Setenv("REGIME_CUTOFFS", "1000,5000,20000")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	return cfg
}

func TestRouterServesLedgerAPI(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := memoryConfig(t, mr.Addr())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := observability.NewMetrics()

	l, err := BuildLedger(context.Background(), cfg, logger, metrics.Registerer())
	require.NoError(t, err)
	t.Cleanup(l.Close)
	require.NotNil(t, l.Redis)

	router := NewRouter(RouterParams{
		Logger:        logger,
		Config:        cfg,
		LedgerHandler: ledgerhttp.NewHandler(logger, l.Service),
		JobHandler:    jobs.NewHandler(nil, logger),
		Metrics:       metrics,
	})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))

	body := `{"code":"CASH","name":"Cash","category":"cash","currency":"EUR","opening_balance":"10","opened_on":"2024-01-01"}`
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/accounts", strings.NewReader(body)))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/regime?from=2024-01-01&to=2024-12-31", nil))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Contains(t, rr.Body.String(), `"tier_name":"tier1"`)

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/nothing", nil))
	require.Equal(t, http.StatusNotFound, rr.Code)
	require.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `ledger_operations_total{op="open_account",outcome="ok"} 1`)
	require.Contains(t, rr.Body.String(), `ledger_http_requests_total`)
}

func TestBuildLedgerFailsWithoutRedisForRedisLocks(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := memoryConfig(t, mr.Addr())
	mr.Close()

	_, err := BuildLedger(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	require.Error(t, err)
}
