//go:build integration

package pgstore_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
	"github.com/odyssey-erp/odyssey-ledger/internal/ledger/pgstore"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/db"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/lock"
)

var day0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()
	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("ledger"),
		postgres.WithUsername("ledger"),
		postgres.WithPassword("ledger"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, db.Migrate(dsn))

	pool, err := db.New(ctx, dsn, db.PoolOptions{MaxConns: 16})
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func newService(t *testing.T, store *pgstore.Store) *ledger.Service {
	t.Helper()
	svc := ledger.NewService(store, lock.NewLocal(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	svc.WithNow(func() time.Time { return time.Date(2024, 6, 30, 12, 0, 0, 0, time.UTC) })
	return svc
}

func openAccount(t *testing.T, svc *ledger.Service, code string, opening int64) ledger.Account {
	t.Helper()
	acc, err := svc.OpenAccount(context.Background(), ledger.OpenAccountInput{
		Code: code, Name: code, Category: ledger.CategoryCash, Currency: "EUR",
		OpeningBalance: decimal.NewFromInt(opening), OpenedOn: day0,
	})
	require.NoError(t, err)
	return acc
}

func TestPostgresLedgerRoundTrip(t *testing.T) {
	pool := startPostgres(t)
	store := pgstore.New(pool)
	svc := newService(t, store)
	ctx := context.Background()

	a := openAccount(t, svc, "A", 1000)
	b := openAccount(t, svc, "B", 500)
	ref := ledger.AccountRef(a.ID)

	requestID := uuid.New()
	in := ledger.RecordInput{Target: ref, Kind: ledger.KindInflow, Amount: decimal.NewFromInt(500), Date: day0.AddDate(0, 0, 1), RequestID: &requestID}
	ev, err := svc.Record(ctx, in)
	require.NoError(t, err)
	replay, err := svc.Record(ctx, in)
	require.NoError(t, err)
	require.Equal(t, ev.ID, replay.ID)

	pit, err := svc.BalanceAsOf(ctx, ref, day0)
	require.NoError(t, err)
	require.True(t, pit.Total.Equal(decimal.NewFromInt(1000)))

	_, err = svc.Transfer(ctx, ledger.TransferInput{FromAccountID: a.ID, ToAccountID: b.ID, Amount: decimal.NewFromInt(300), Date: day0.AddDate(0, 0, 2)})
	require.NoError(t, err)

	amount := decimal.NewFromInt(450)
	_, err = svc.Amend(ctx, ledger.AmendInput{EventID: ev.ID, Amount: &amount})
	require.NoError(t, err)
	revs, err := svc.EventRevisions(ctx, ev.ID)
	require.NoError(t, err)
	require.Len(t, revs, 1)
	require.True(t, revs[0].Before.Amount.Equal(decimal.NewFromInt(500)))

	view, err := svc.GetBalance(ctx, ref)
	require.NoError(t, err)
	require.True(t, view.Total.Equal(decimal.NewFromInt(1150)))

	report, err := svc.CheckIntegrity(ctx)
	require.NoError(t, err)
	require.Empty(t, report.Issues)

	msgs, err := store.FetchUnpublished(ctx, 100)
	require.NoError(t, err)
	require.NotEmpty(t, msgs)
	require.NoError(t, store.MarkPublished(ctx, []uuid.UUID{msgs[0].ID}, time.Now()))
	rest, err := store.FetchUnpublished(ctx, 100)
	require.NoError(t, err)
	require.Len(t, rest, len(msgs)-1)
}

func TestPostgresConcurrentPostingsLoseNothing(t *testing.T) {
	pool := startPostgres(t)
	svc := newService(t, pgstore.New(pool))
	acc := openAccount(t, svc, "CASH", 0)

	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Record(context.Background(), ledger.RecordInput{
				Target: ledger.AccountRef(acc.ID), Kind: ledger.KindInflow, Amount: decimal.RequireFromString("2.5"), Date: day0,
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	view, err := svc.GetBalance(context.Background(), ledger.AccountRef(acc.ID))
	require.NoError(t, err)
	require.True(t, view.Total.Equal(decimal.NewFromInt(100)))
}

func TestPostgresDuplicateCodeAndDebtRange(t *testing.T) {
	pool := startPostgres(t)
	svc := newService(t, pgstore.New(pool))
	ctx := context.Background()
	openAccount(t, svc, "CASH", 0)

	_, err := svc.OpenAccount(ctx, ledger.OpenAccountInput{Code: "CASH", Name: "dup", Category: ledger.CategoryBank, Currency: "EUR", OpenedOn: day0})
	require.ErrorIs(t, err, ledger.ErrValidation)

	d, err := svc.OpenDebt(ctx, ledger.OpenDebtInput{
		Direction: ledger.DebtPayable, Counterparty: "Supplier", Currency: "EUR",
		Original: decimal.NewFromInt(100), OpenedOn: day0, DueDate: day0.AddDate(1, 0, 0),
	})
	require.NoError(t, err)
	_, err = svc.PayDebt(ctx, ledger.PayDebtInput{DebtID: d.ID, Amount: decimal.NewFromInt(150), Date: day0})
	require.ErrorIs(t, err, ledger.ErrValidation)
}

// holdingRepo keeps the first transaction open, with every row lock taken,
// until release is closed.
type holdingRepo struct {
	ledger.Repository
	once    sync.Once
	reached chan struct{}
	release chan struct{}
}

func (r *holdingRepo) WithTx(ctx context.Context, fn func(context.Context, ledger.TxRepository) error) error {
	return r.Repository.WithTx(ctx, func(ctx context.Context, tx ledger.TxRepository) error {
		if err := fn(ctx, tx); err != nil {
			return err
		}
		r.once.Do(func() {
			close(r.reached)
			<-r.release
		})
		return nil
	})
}

func TestPostgresPostingsOnDifferentAccountsDoNotWait(t *testing.T) {
	pool := startPostgres(t)
	store := pgstore.New(pool)
	svc := newService(t, store)
	a := openAccount(t, svc, "A", 0)
	b := openAccount(t, svc, "B", 0)

	repo := &holdingRepo{Repository: store, reached: make(chan struct{}), release: make(chan struct{})}
	held := ledger.NewService(repo, lock.NewLocal(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	held.WithNow(func() time.Time { return time.Date(2024, 6, 30, 12, 0, 0, 0, time.UTC) })

	date := day0.AddDate(0, 0, 1)
	done := make(chan error, 1)
	go func() {
		_, err := held.Record(context.Background(), ledger.RecordInput{Target: ledger.AccountRef(a.ID), Kind: ledger.KindInflow, Amount: decimal.NewFromInt(10), Date: date})
		done <- err
	}()
	<-repo.reached

	// Both postings draw from IN-202401; B must not wait for A's commit.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ev, err := svc.Record(ctx, ledger.RecordInput{Target: ledger.AccountRef(b.ID), Kind: ledger.KindInflow, Amount: decimal.NewFromInt(20), Date: date})
	require.NoError(t, err)
	require.Equal(t, "IN-202401-0002", ev.Reference)

	close(repo.release)
	require.NoError(t, <-done)
	got, err := store.GetTarget(context.Background(), ledger.AccountRef(a.ID))
	require.NoError(t, err)
	require.True(t, got.Total.Equal(decimal.NewFromInt(10)))
}
