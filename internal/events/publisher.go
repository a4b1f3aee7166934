// Package events streams committed audit records to Kafka.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/ppiankov/wardwatch/internal/model"
)

// DefaultQueueSize bounds records waiting for delivery.
const DefaultQueueSize = 256

// Config selects the brokers and topic. Publishing is disabled when no
// brokers are listed.
type Config struct {
	Brokers   []string `yaml:"brokers"    json:"brokers"`
	Topic     string   `yaml:"topic"      json:"topic"`
	QueueSize int      `yaml:"queue_size" json:"queue_size"`
}

// Enabled reports whether any broker is configured.
func (c Config) Enabled() bool { return len(c.Brokers) > 0 }

// Validate checks an enabled config is usable.
func (c Config) Validate() error {
	if !c.Enabled() {
		return nil
	}
	if strings.TrimSpace(c.Topic) == "" {
		return errors.New("kafka topic must not be empty when brokers are set")
	}
	if c.QueueSize < 0 {
		return fmt.Errorf("kafka queue_size must not be negative, got %d", c.QueueSize)
	}
	return nil
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Message is the wire form of one committed audit record.
type Message struct {
	Type   string            `json:"type"`
	Record model.AuditRecord `json:"record"`
}

const messageType = "wardwatch.audit.v1"

// Publisher delivers audit records asynchronously. A nil or disabled
// Publisher accepts and discards records.
type Publisher struct {
	writer  messageWriter
	queue   chan model.AuditRecord
	log     *zap.Logger
	dropped atomic.Int64
	sent    atomic.Int64
}

// NewPublisher builds a Kafka-backed publisher, or nil when cfg is disabled.
func NewPublisher(cfg Config, log *zap.Logger) (*Publisher, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: false,
	}
	return newPublisher(w, cfg.QueueSize, log), nil
}

func newPublisher(w messageWriter, size int, log *zap.Logger) *Publisher {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{writer: w, queue: make(chan model.AuditRecord, size), log: log.Named("events")}
}

// Publish enqueues rec without blocking. When the queue is full the record
// is dropped; the store and the audit log remain authoritative.
func (p *Publisher) Publish(rec model.AuditRecord) {
	if p == nil {
		return
	}
	select {
	case p.queue <- rec:
	default:
		p.dropped.Add(1)
		p.log.Warn("event queue full, dropping record",
			zap.String("record_id", rec.ID),
			zap.String("subject_id", rec.SubjectID))
	}
}

// Run delivers queued records until ctx is done, then drains what is left
// and closes the writer.
func (p *Publisher) Run(ctx context.Context) error {
	if p == nil {
		<-ctx.Done()
		return nil
	}
	for {
		select {
		case rec := <-p.queue:
			p.deliver(ctx, rec)
		case <-ctx.Done():
			p.drain()
			return p.writer.Close()
		}
	}
}

func (p *Publisher) drain() {
	for {
		select {
		case rec := <-p.queue:
			p.deliver(context.Background(), rec)
		default:
			return
		}
	}
}

func (p *Publisher) deliver(ctx context.Context, rec model.AuditRecord) {
	value, err := json.Marshal(Message{Type: messageType, Record: rec})
	if err != nil {
		p.log.Error("encode audit record", zap.String("record_id", rec.ID), zap.Error(err))
		return
	}
	msg := kafka.Message{Key: []byte(rec.SubjectID), Value: value}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.log.Error("publish audit record",
			zap.String("record_id", rec.ID),
			zap.String("subject_id", rec.SubjectID),
			zap.Error(err))
		return
	}
	p.sent.Add(1)
}

// Counts returns delivered and dropped record totals.
func (p *Publisher) Counts() (sent, dropped int64) {
	if p == nil {
		return 0, 0
	}
	return p.sent.Load(), p.dropped.Load()
}
