// Package events publishes settlement domain events (invoice paid, wallet
// credited, incident recorded) to downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/warp/settlement-engine/core"
	"go.uber.org/zap"
)

type Type string

const (
	InvoicePaid           Type = "invoice.paid"
	InvoiceWaitingReview  Type = "invoice.waiting_review"
	TopupCredited         Type = "topup.credited"
	WithdrawApproved      Type = "withdraw.approved"
	ReconciliationFailure Type = "reconciliation.incident"
)

// Event is one published fact. Key partitions events by customer.
type Event struct {
	ID         string          `json:"id"`
	Type       Type            `json:"type"`
	CustomerID core.CustomerID `json:"customer_id,omitempty"`
	SubjectID  string          `json:"subject_id"`
	Amount     decimal.Decimal `json:"amount"`
	Method     string          `json:"method,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// New stamps an event with an id.
func New(t Type, customerID core.CustomerID, subjectID string, amount decimal.Decimal, at time.Time) Event {
	return Event{
		ID:         core.NewID(),
		Type:       t,
		CustomerID: customerID,
		SubjectID:  subjectID,
		Amount:     amount,
		OccurredAt: at.UTC(),
	}
}

func (e Event) key() string {
	if e.CustomerID != "" {
		return string(e.CustomerID)
	}
	return e.SubjectID
}

// Publisher is what services publish through. Publish is called after the
// state change has committed; a failure never rolls it back.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// =============================================================================
// LOG PUBLISHER
// =============================================================================

// LogPublisher writes events to the structured log. Used when no broker is
// configured.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger.Named("events")}
}

func (p *LogPublisher) Publish(_ context.Context, e Event) error {
	p.logger.Info("event",
		zap.String("type", string(e.Type)),
		zap.String("id", e.ID),
		zap.String("customer_id", string(e.CustomerID)),
		zap.String("subject_id", e.SubjectID),
		zap.String("amount", e.Amount.String()),
	)
	return nil
}

func (p *LogPublisher) Close() error { return nil }

// =============================================================================
// KAFKA PUBLISHER
// =============================================================================

// Writer is the subset of kafka.Writer the publisher needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes JSON events to one topic, keyed by customer.
type KafkaPublisher struct {
	writer Writer
	logger *zap.Logger
}

// NewKafkaPublisher connects to brokers lazily; the first Publish dials.
func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	return NewKafkaPublisherWithWriter(w, logger)
}

// NewKafkaPublisherWithWriter injects a writer, for tests.
func NewKafkaPublisherWithWriter(w Writer, logger *zap.Logger) *KafkaPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaPublisher{writer: w, logger: logger.Named("events")}
}

func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", e.Type, err)
	}

	msg := kafka.Message{
		Key:   []byte(e.key()),
		Value: b,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(e.Type)},
		},
		Time: e.OccurredAt,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Warn("kafka write failed", zap.String("type", string(e.Type)), zap.Error(err))
		return fmt.Errorf("publish %s: %w", e.Type, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Emit publishes and logs failures. Services call it after commit, where
// a broker outage must not surface as an operation error.
func Emit(ctx context.Context, p Publisher, logger *zap.Logger, e Event) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, e); err != nil && logger != nil {
		logger.Warn("event not published",
			zap.String("type", string(e.Type)),
			zap.String("subject_id", e.SubjectID),
			zap.Error(err),
		)
	}
}

// =============================================================================
// RECORDER (tests and scenarios)
// =============================================================================

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns what was published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType filters Events by type.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
