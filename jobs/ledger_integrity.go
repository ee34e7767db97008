package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-ledger/internal/jobs"
	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
)

// IntegrityChecker is the ledger behaviour the integrity job needs.
type IntegrityChecker interface {
	CheckIntegrity(ctx context.Context) (ledger.IntegrityReport, error)
}

// LedgerIntegrityJob verifies running totals against the event log.
type LedgerIntegrityJob struct {
	Ledger  IntegrityChecker
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewLedgerIntegrityJob constructs the job handler.
func NewLedgerIntegrityJob(checker IntegrityChecker, logger *slog.Logger, metrics *jobmetrics.Metrics) *LedgerIntegrityJob {
	return &LedgerIntegrityJob{Ledger: checker, Logger: logger, Metrics: metrics}
}

// Handle runs one integrity check. Drift is never retried; the ledger has
// already escalated it.
func (j *LedgerIntegrityJob) Handle(ctx context.Context, _ *asynq.Task) (resultErr error) {
	if j == nil || j.Ledger == nil {
		return errors.New("ledger integrity: dependencies not configured")
	}
	tracker := j.metrics().Track(TaskLedgerIntegrity)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	report, err := j.Ledger.CheckIntegrity(ctx)
	j.metrics().AddIntegrityIssues(len(report.Issues))
	if errors.Is(err, ledger.ErrConsistency) {
		j.log().Error("ledger integrity drift",
			slog.Int("checked", report.Checked),
			slog.Int("issues", len(report.Issues)),
			slog.Any("error", err))
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	if err != nil {
		j.log().Error("ledger integrity check", slog.Any("error", err))
		return err
	}
	j.log().Info("ledger integrity verified", slog.Int("checked", report.Checked))
	return nil
}

func (j *LedgerIntegrityJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *LedgerIntegrityJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskLedgerIntegrity))
	}
	return slog.Default().With(slog.String("job", TaskLedgerIntegrity))
}
