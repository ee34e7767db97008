package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-ledger/internal/jobs"
)

// DepreciationRefresher is the ledger behaviour the refresh job needs.
type DepreciationRefresher interface {
	RefreshDepreciation(ctx context.Context, asOf time.Time) (int, error)
}

// DepreciationRefreshJob persists depreciation schedules up to a date.
type DepreciationRefreshJob struct {
	Ledger  DepreciationRefresher
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewDepreciationRefreshJob constructs the job handler.
func NewDepreciationRefreshJob(refresher DepreciationRefresher, logger *slog.Logger, metrics *jobmetrics.Metrics) *DepreciationRefreshJob {
	return &DepreciationRefreshJob{
		Ledger:  refresher,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the refresh.
func (j *DepreciationRefreshJob) Handle(ctx context.Context, task *asynq.Task) (resultErr error) {
	if j == nil || j.Ledger == nil {
		return errors.New("depreciation refresh: dependencies not configured")
	}
	var payload DepreciationRefreshPayload
	if err := decodePayload(task, &payload); err != nil {
		return err
	}
	asOf := payload.AsOf
	if asOf.IsZero() {
		asOf = j.now()
	}

	tracker := j.metrics().Track(TaskDepreciationRefresh)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	start := j.now()
	updated, err := j.Ledger.RefreshDepreciation(ctx, asOf)
	if err != nil {
		j.log().Error("refresh depreciation", slog.Time("as_of", asOf), slog.Int("updated", updated), slog.Any("error", err))
		return err
	}
	j.log().Info("refreshed depreciation", slog.Time("as_of", asOf), slog.Int("updated", updated), slog.Duration("duration", j.now().Sub(start)))
	return nil
}

// WithClock overrides the internal clock for deterministic tests.
func (j *DepreciationRefreshJob) WithClock(clock func() time.Time) {
	if j != nil && clock != nil {
		j.clock = clock
	}
}

func (j *DepreciationRefreshJob) now() time.Time {
	if j != nil && j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

func (j *DepreciationRefreshJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *DepreciationRefreshJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskDepreciationRefresh))
	}
	return slog.Default().With(slog.String("job", TaskDepreciationRefresh))
}
