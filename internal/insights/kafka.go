package insights

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog/log"

	"github.com/enterprise/insight-engine/configs"
	"github.com/enterprise/insight-engine/internal/metrics"
	"github.com/enterprise/insight-engine/internal/queue"
)

const (
	kafkaConnectAttempts = 30
	kafkaConnectBackoff  = 5 * time.Second
)

// NewKafkaConsumerGroup connects to the brokers, retrying while they come up
func NewKafkaConsumerGroup(ctx context.Context, cfg configs.KafkaConfig) (sarama.ConsumerGroup, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Return.Errors = true
	config.Version = sarama.V3_0_0_0

	var lastErr error
	for i := 0; i < kafkaConnectAttempts; i++ {
		group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, config)
		if err == nil {
			return group, nil
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", i+1).Msg("Failed to connect to Kafka, retrying...")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(kafkaConnectBackoff):
		}
	}
	return nil, fmt.Errorf("failed to create Kafka consumer group: %w", lastErr)
}

// KafkaHandler feeds payment events from a Kafka topic into the pipeline.
// Offsets are marked once a message reaches a terminal state.
type KafkaHandler struct {
	processor Processor
	metrics   *metrics.Manager
	stats     *statsRecorder
}

// NewKafkaHandler creates a consumer group handler
func NewKafkaHandler(processor Processor, mm *metrics.Manager) *KafkaHandler {
	return &KafkaHandler{processor: processor, metrics: mm, stats: &statsRecorder{}}
}

// Setup is run at the beginning of a new session
func (h *KafkaHandler) Setup(session sarama.ConsumerGroupSession) error {
	log.Info().
		Str("member_id", session.MemberID()).
		Int32("generation", session.GenerationID()).
		Msg("Kafka session started")
	return nil
}

// Cleanup is run at the end of a session
func (h *KafkaHandler) Cleanup(sarama.ConsumerGroupSession) error {
	log.Info().Msg("Kafka session ended")
	return nil
}

// ConsumeClaim processes the messages of one partition claim
func (h *KafkaHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if !h.handle(session.Context(), message) {
				// interrupted by a rebalance or shutdown; redelivered to the next owner
				return nil
			}
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

// handle processes one message and reports whether its offset can be marked
func (h *KafkaHandler) handle(ctx context.Context, message *sarama.ConsumerMessage) bool {
	event, err := queue.DecodeEvent(message.Value)
	if err != nil {
		log.Error().
			Err(err).
			Str("topic", message.Topic).
			Int32("partition", message.Partition).
			Int64("offset", message.Offset).
			Msg("Skipping undecodable Kafka message")
		h.metrics.IncStreamMessage("kafka", "invalid")
		h.stats.recordFailure()
		return true
	}

	start := time.Now()
	insight, report := h.processor.Process(ctx, event)
	if insight == nil {
		if report.Has(KindCanceled) {
			h.metrics.IncStreamMessage("kafka", "canceled")
			return false
		}
		h.metrics.IncStreamMessage("kafka", "failed")
		h.stats.recordFailure()
		return true
	}

	result := "ok"
	if report.Degraded() {
		result = "degraded"
	}
	h.metrics.IncStreamMessage("kafka", result)
	h.stats.recordSuccess(time.Since(start), report.Degraded())
	return true
}

// Stats returns a copy of the handler counters
func (h *KafkaHandler) Stats() WorkerStats {
	return h.stats.snapshot()
}

// RunKafkaConsumer consumes topic until ctx is done, rejoining after every rebalance
func RunKafkaConsumer(ctx context.Context, group sarama.ConsumerGroup, topic string, handler *KafkaHandler) {
	go func() {
		for err := range group.Errors() {
			log.Error().Err(err).Msg("Kafka consumer group error")
		}
	}()

	for {
		if err := group.Consume(ctx, []string{topic}, handler); err != nil {
			log.Error().Err(err).Msg("Error from consumer")
		}
		if ctx.Err() != nil {
			log.Info().Msg("Context cancelled, stopping Kafka consumer")
			return
		}
	}
}
