package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/harvester/internal/app/sink"
	"github.com/ahrav/harvester/internal/domain/record"
	"github.com/ahrav/harvester/pkg/common/logger"
)

var _ sink.DocumentStore = (*DocumentStore)(nil)

// DocumentStore is a sink.DocumentStore over a SyncProducer. Kafka has no
// notion of a duplicate, so every acknowledged message counts as inserted.
type DocumentStore struct {
	producer sarama.SyncProducer
	topic    string
	logger   *logger.Logger
	tracer   trace.Tracer
}

// NewDocumentStore publishes to topic through producer.
func NewDocumentStore(producer sarama.SyncProducer, topic string, logger *logger.Logger, tracer trace.Tracer) *DocumentStore {
	return &DocumentStore{producer: producer, topic: topic, logger: logger, tracer: tracer}
}

// InsertMany implements sink.DocumentStore. Messages the broker rejects are
// reported per document. A send where every message failed, or any failure
// that points at broker availability, fails the batch.
func (s *DocumentStore) InsertMany(ctx context.Context, docs []record.Document) (sink.InsertResult, error) {
	ctx, span := s.tracer.Start(ctx, "kafka.produce",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination", s.topic),
			attribute.String("messaging.operation", "publish"),
			attribute.Int("messaging.batch.message_count", len(docs)),
		))
	defer span.End()

	var res sink.InsertResult
	if err := ctx.Err(); err != nil {
		return res, err
	}

	msgs := make([]*sarama.ProducerMessage, 0, len(docs))
	for _, d := range docs {
		value, err := json.Marshal(d.Body())
		if err != nil {
			res.Failed = append(res.Failed, sink.DocumentFailure{Key: d.Key, Err: fmt.Errorf("encode document: %w", err)})
			continue
		}
		msg := &sarama.ProducerMessage{
			Topic: s.topic,
			Key:   sarama.StringEncoder(d.Key),
			Value: sarama.ByteEncoder(value),
			Headers: []sarama.RecordHeader{
				{Key: []byte("collection"), Value: []byte(d.Collection)},
				{Key: []byte("run_id"), Value: []byte(d.Provenance.RunID)},
			},
			Metadata: d.Key,
		}
		injectTraceContext(ctx, msg)
		msgs = append(msgs, msg)
	}
	if len(msgs) == 0 {
		return res, nil
	}

	err := s.producer.SendMessages(msgs)
	if err == nil {
		res.Inserted += len(msgs)
		return res, nil
	}

	var perMsg sarama.ProducerErrors
	if !errors.As(err, &perMsg) {
		return s.batchFailure(span, len(msgs), err)
	}
	// SyncProducer reports broker outages per message too. Those fail the
	// batch so the sink retries it; acknowledged messages are republished
	// under the same key.
	if len(perMsg) == len(msgs) {
		return s.batchFailure(span, len(msgs), perMsg[0].Err)
	}
	for _, pe := range perMsg {
		if isBrokerUnavailable(pe.Err) {
			return s.batchFailure(span, len(msgs), pe.Err)
		}
	}

	for _, pe := range perMsg {
		key, _ := pe.Msg.Metadata.(string)
		res.Failed = append(res.Failed, sink.DocumentFailure{Key: key, Err: pe.Err})
	}
	res.Inserted += len(msgs) - len(perMsg)
	span.SetAttributes(attribute.Int("failed", len(perMsg)))
	s.logger.Warn(ctx, "kafka rejected some documents",
		"topic", s.topic, "sent", len(msgs), "failed", len(perMsg))
	return res, nil
}

func (s *DocumentStore) batchFailure(span trace.Span, n int, err error) (sink.InsertResult, error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, "send failed")
	return sink.InsertResult{}, fmt.Errorf("failed to send %d messages to kafka topic %s: %w", n, s.topic, err)
}

// brokerUnavailable are the producer errors that say nothing about the
// message itself.
var brokerUnavailable = []error{
	sarama.ErrOutOfBrokers,
	sarama.ErrNotLeaderForPartition,
	sarama.ErrLeaderNotAvailable,
	sarama.ErrRequestTimedOut,
	sarama.ErrNotEnoughReplicas,
}

func isBrokerUnavailable(err error) bool {
	for _, target := range brokerUnavailable {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Close closes the producer.
func (s *DocumentStore) Close() error { return s.producer.Close() }
