package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/odyssey-ledger/internal/ledger/rules"
	"github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

// DefaultTopic is the outbox topic for ledger notifications.
const DefaultTopic = "ledger.events"

// AuditPort records ledger actions for compliance.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Metrics receives operation outcomes.
type Metrics interface {
	ObserveOperation(op string, err error, elapsed time.Duration)
	ConsistencyFailure(op string)
}

// PointInTimeCache stores reconstructed totals. Keys embed the target
// version, so entries never need invalidation.
type PointInTimeCache interface {
	Get(ctx context.Context, key string, dest any) (bool, error)
	Set(ctx context.Context, key string, value any) error
}

// Service is the ledger consistency engine: event log, balance ledger,
// historical reconstructor and entity lifecycles.
type Service struct {
	repo     Repository
	locker   Locker
	logger   *slog.Logger
	validate *validator.Validate
	audit    AuditPort
	metrics  Metrics
	cache    PointInTimeCache
	flights  singleflight.Group
	regime   rules.Thresholds
	topic    string
	now      func() time.Time
}

// NewService constructs the ledger service.
func NewService(repo Repository, locker Locker, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		locker:   locker,
		logger:   logger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		metrics:  noopMetrics{},
		topic:    DefaultTopic,
		now:      time.Now,
	}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// SetAudit injects the audit sink.
func (s *Service) SetAudit(audit AuditPort) { s.audit = audit }

// SetMetrics injects operation metrics.
func (s *Service) SetMetrics(m Metrics) {
	if m != nil {
		s.metrics = m
	}
}

// SetCache injects the point-in-time cache.
func (s *Service) SetCache(c PointInTimeCache) { s.cache = c }

// SetRegimeThresholds configures regime classification.
func (s *Service) SetRegimeThresholds(t rules.Thresholds) { s.regime = t }

// SetTopic overrides the outbox topic.
func (s *Service) SetTopic(topic string) {
	if topic != "" {
		s.topic = topic
	}
}

type noopMetrics struct{}

func (noopMetrics) ObserveOperation(string, error, time.Duration) {}
func (noopMetrics) ConsistencyFailure(string)                     {}

// mutate serialises a unit of work over the given lock keys and runs it in a
// single transaction. Consistency failures are escalated here.
func (s *Service) mutate(ctx context.Context, op string, keys []string, fn func(context.Context, TxRepository) error) (err error) {
	start := s.now()
	defer func() {
		s.metrics.ObserveOperation(op, err, s.now().Sub(start))
	}()
	release, err := s.locker.Acquire(ctx, keys...)
	if err != nil {
		return fmt.Errorf("ledger: %s: acquire locks: %w", op, err)
	}
	defer release()

	err = s.repo.WithTx(ctx, fn)
	var cerr *ConsistencyError
	if errors.As(err, &cerr) {
		cerr.RolledBack = !errors.Is(err, ErrRollbackFailed)
		s.escalate(cerr)
	}
	return err
}

// escalate logs and counts a consistency failure. It is never retried.
func (s *Service) escalate(cerr *ConsistencyError) {
	targets := make([]string, 0, len(cerr.Targets))
	for _, ref := range cerr.Targets {
		targets = append(targets, ref.String())
	}
	s.logger.Error("ledger consistency failure",
		slog.String("op", cerr.Op),
		slog.String("stage", cerr.Stage),
		slog.Any("targets", targets),
		slog.Bool("rolled_back", cerr.RolledBack),
		slog.Any("error", cerr.Err),
	)
	s.metrics.ConsistencyFailure(cerr.Op)
}

func consistency(op, stage string, refs []TargetRef, err error) error {
	return &ConsistencyError{Op: op, Stage: stage, Targets: refs, Err: err}
}

func (s *Service) validateStruct(v any) error {
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return invalid(snake(fe.Field()), validationReason(fe))
	}
	return invalid("", err.Error())
}

func validationReason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return "must be one of " + fe.Param()
	case "gt":
		return "must be greater than " + fe.Param()
	case "gte":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "len":
		return "must have length " + fe.Param()
	}
	return "failed " + fe.Tag()
}

func snake(name string) string {
	var b strings.Builder
	for i, r := range name {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Service) record(ctx context.Context, actorID int64, action, entity, entityID string, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   entity,
		EntityID: entityID,
		Meta:     meta,
		At:       s.now(),
	}); err != nil {
		s.logger.Warn("audit record", slog.String("action", action), slog.Any("error", err))
	}
}

type outboxEnvelope struct {
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Data       any       `json:"data"`
}

// notify writes an outbox message inside the transaction.
func (s *Service) notify(ctx context.Context, tx TxRepository, typ, key string, data any) error {
	at := s.now().UTC()
	payload, err := json.Marshal(outboxEnvelope{Type: typ, OccurredAt: at, Data: data})
	if err != nil {
		return fmt.Errorf("ledger: marshal outbox %s: %w", typ, err)
	}
	return tx.InsertOutbox(ctx, OutboxMessage{
		ID:        uuid.New(),
		Topic:     s.topic,
		Key:       key,
		Type:      typ,
		Payload:   payload,
		CreatedAt: at,
	})
}

func lockKey(ref TargetRef) string {
	return "ledger:" + ref.String()
}

// lockKeys returns the distinct lock keys for refs in TargetRef order.
func lockKeys(refs ...TargetRef) []string {
	sorted := uniqueRefs(refs...)
	keys := make([]string, 0, len(sorted))
	for _, ref := range sorted {
		keys = append(keys, lockKey(ref))
	}
	return keys
}

func uniqueRefs(refs ...TargetRef) []TargetRef {
	seen := make(map[TargetRef]struct{}, len(refs))
	out := make([]TargetRef, 0, len(refs))
	for _, ref := range refs {
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}
		out = append(out, ref)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}
