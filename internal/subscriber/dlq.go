package subscriber

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/exgate/hftgate/internal/config"
)

// DeadLetterMessage wraps a quarantined message with failure metadata so it
// can be inspected and replayed by hand.
type DeadLetterMessage struct {
	ID                string    `json:"id"`
	OriginalTopic     string    `json:"original_topic"`
	OriginalKey       string    `json:"original_key"`
	OriginalValue     []byte    `json:"original_value"`
	OriginalOffset    int64     `json:"original_offset"`
	OriginalPartition int       `json:"original_partition"`
	FailureReason     string    `json:"failure_reason"`
	FailureTimestamp  time.Time `json:"failure_timestamp"`
	Attempts          int       `json:"attempts"`
}

// DeadLetterQueue publishes quarantined messages to a dedicated topic.
type DeadLetterQueue struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewDeadLetterQueue creates the DLQ publisher.
func NewDeadLetterQueue(cfg config.KafkaConfig, logger *zap.Logger) *DeadLetterQueue {
	return &DeadLetterQueue{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.DeadLetterTopic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
		},
		logger: logger,
	}
}

// Quarantine publishes the failed message with its failure metadata. The
// caller acknowledges the original only if this succeeds.
func (q *DeadLetterQueue) Quarantine(ctx context.Context, msg kafka.Message, attempts int, cause error) error {
	dlm := DeadLetterMessage{
		ID:                uuid.NewString(),
		OriginalTopic:     msg.Topic,
		OriginalKey:       string(msg.Key),
		OriginalValue:     msg.Value,
		OriginalOffset:    msg.Offset,
		OriginalPartition: msg.Partition,
		FailureReason:     cause.Error(),
		FailureTimestamp:  time.Now().UTC(),
		Attempts:          attempts,
	}

	data, err := json.Marshal(dlm)
	if err != nil {
		return fmt.Errorf("failed to encode dead-letter message: %w", err)
	}

	key := fmt.Sprintf("dlq_%s_%d_%d", msg.Topic, msg.Partition, msg.Offset)

	q.logger.Warn("Quarantining message",
		zap.String("dlq_id", dlm.ID),
		zap.String("original_topic", msg.Topic),
		zap.Int64("offset", msg.Offset),
		zap.Int("attempts", attempts),
		zap.String("failure_reason", cause.Error()))

	if err := q.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: data,
		Time:  time.Now(),
	}); err != nil {
		return fmt.Errorf("failed to publish dead-letter message: %w", err)
	}
	return nil
}

// Close closes the underlying writer.
func (q *DeadLetterQueue) Close() error {
	return q.writer.Close()
}
