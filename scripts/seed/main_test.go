package main

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
	"github.com/odyssey-erp/odyssey-ledger/internal/ledger/memstore"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/lock"
)

func TestSeedBuildsConsistentLedger(t *testing.T) {
	svc := ledger.NewService(memstore.New(), lock.NewLocal(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	svc.WithNow(func() time.Time { return time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC) })
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ctx := context.Background()

	require.NoError(t, seed(ctx, svc, start))
	require.ErrorIs(t, seed(ctx, svc, start), errAlreadySeeded)

	accounts, err := svc.ListAccounts(ctx, ledger.AccountFilter{})
	require.NoError(t, err)
	require.Len(t, accounts, 4)

	report, err := svc.CheckIntegrity(ctx)
	require.NoError(t, err)
	require.Empty(t, report.Issues)
}
