package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-ledger/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"

	// TaskLedgerIntegrity recomputes every running total from its events.
	TaskLedgerIntegrity = "ledger:integrity"
	// TaskDepreciationRefresh persists accumulated depreciation for open assets.
	TaskDepreciationRefresh = "ledger:depreciation_refresh"
	// TaskOutboxRelay publishes committed outbox messages to Kafka.
	TaskOutboxRelay = "ledger:outbox_relay"
)

// DepreciationRefreshPayload pins the business date of a refresh. A zero
// AsOf means the date the task runs.
type DepreciationRefreshPayload struct {
	AsOf time.Time `json:"as_of"`
}

// OutboxRelayPayload sizes a relay run.
type OutboxRelayPayload struct {
	BatchSize int `json:"batch_size"`
}

// NewLedgerIntegrityTask constructs the integrity check task.
func NewLedgerIntegrityTask() *asynq.Task {
	return asynq.NewTask(TaskLedgerIntegrity, nil, asynq.Queue(QueueDefault), asynq.MaxRetry(0))
}

// NewDepreciationRefreshTask constructs a depreciation refresh task.
func NewDepreciationRefreshTask(asOf time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(DepreciationRefreshPayload{AsOf: asOf})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskDepreciationRefresh, body, asynq.Queue(QueueDefault)), nil
}

// NewOutboxRelayTask constructs an outbox relay task.
func NewOutboxRelayTask(batchSize int) (*asynq.Task, error) {
	body, err := json.Marshal(OutboxRelayPayload{BatchSize: batchSize})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskOutboxRelay, body, asynq.Queue(QueueDefault), asynq.Unique(time.Minute)), nil
}

func decodePayload(t *asynq.Task, dest any) error {
	if len(t.Payload()) == 0 {
		return nil
	}
	if err := json.Unmarshal(t.Payload(), dest); err != nil {
		return asynq.SkipRetry
	}
	return nil
}
