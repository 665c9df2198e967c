package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/enterprise/insight-engine/configs"
	"github.com/enterprise/insight-engine/internal/models"
)

const claimMinIdle = 30 * time.Second

// ErrInvalidMessage marks a stream entry that could not be decoded into a payment event
var ErrInvalidMessage = errors.New("invalid stream message")

// NewRedisClient parses the URL and verifies the connection
func NewRedisClient(cfg configs.RedisConfig) (*redis.Client, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if cfg.MaxRetries > 0 {
		opt.MaxRetries = cfg.MaxRetries
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// RedisStreamClient publishes and consumes payment events on a Redis stream
type RedisStreamClient struct {
	client           *redis.Client
	streamName       string
	consumerGroup    string
	deadLetterStream string
}

// NewRedisStreamClient wraps client for the configured stream and ensures the consumer group exists
func NewRedisStreamClient(ctx context.Context, client *redis.Client, cfg configs.RedisConfig) *RedisStreamClient {
	rsc := &RedisStreamClient{
		client:           client,
		streamName:       cfg.StreamName,
		consumerGroup:    cfg.ConsumerGroup,
		deadLetterStream: cfg.DeadLetterStream,
	}
	if rsc.deadLetterStream == "" {
		rsc.deadLetterStream = cfg.StreamName + "-dlq"
	}

	if err := rsc.createConsumerGroup(ctx); err != nil {
		log.Warn().Err(err).Str("stream", rsc.streamName).Msg("Failed to create consumer group")
	}

	log.Info().
		Str("stream", rsc.streamName).
		Str("group", rsc.consumerGroup).
		Msg("Redis Stream client initialized")
	return rsc
}

func (r *RedisStreamClient) createConsumerGroup(ctx context.Context) error {
	err := r.client.XGroupCreateMkStream(ctx, r.streamName, r.consumerGroup, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return err
	}
	return nil
}

// Publish appends an event to the stream and returns its message id
func (r *RedisStreamClient) Publish(ctx context.Context, event *models.PaymentEvent) (string, error) {
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event: %w", err)
	}

	msgID, err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.streamName,
		Values: map[string]interface{}{
			"data": string(eventJSON),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish event: %w", err)
	}

	log.Debug().
		Str("message_id", msgID).
		Str("payer_id", event.PayerID).
		Msg("Event published to stream")

	return msgID, nil
}

// Consume returns up to count messages for consumerName, preferring messages another
// consumer left pending for longer than 30s. Entries that fail to decode are returned
// with Err set so the caller can dead-letter them.
func (r *RedisStreamClient) Consume(ctx context.Context, consumerName string, count int64, blockDuration time.Duration) ([]StreamMessage, error) {
	pending, err := r.claimPendingMessages(ctx, consumerName, count)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to claim pending messages")
	}
	if len(pending) > 0 {
		return pending, nil
	}

	streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    r.consumerGroup,
		Consumer: consumerName,
		Streams:  []string{r.streamName, ">"},
		Count:    count,
		Block:    blockDuration,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read from stream: %w", err)
	}

	var messages []StreamMessage
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			messages = append(messages, parseMessage(msg))
		}
	}
	return messages, nil
}

func (r *RedisStreamClient) claimPendingMessages(ctx context.Context, consumerName string, count int64) ([]StreamMessage, error) {
	pending, err := r.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: r.streamName,
		Group:  r.consumerGroup,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		return nil, err
	}

	var messageIDs []string
	for _, p := range pending {
		if p.Idle >= claimMinIdle {
			messageIDs = append(messageIDs, p.ID)
		}
	}
	if len(messageIDs) == 0 {
		return nil, nil
	}

	claimed, err := r.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   r.streamName,
		Group:    r.consumerGroup,
		Consumer: consumerName,
		MinIdle:  claimMinIdle,
		Messages: messageIDs,
	}).Result()
	if err != nil {
		return nil, err
	}

	messages := make([]StreamMessage, 0, len(claimed))
	for _, msg := range claimed {
		messages = append(messages, parseMessage(msg))
	}
	return messages, nil
}

func parseMessage(msg redis.XMessage) StreamMessage {
	out := StreamMessage{ID: msg.ID}

	data, ok := msg.Values["data"].(string)
	if !ok {
		out.Err = fmt.Errorf("%w: missing data field", ErrInvalidMessage)
		return out
	}
	out.Raw = data

	event, err := DecodeEvent([]byte(data))
	if err != nil {
		out.Err = err
		return out
	}
	out.Event = event
	return out
}

// DecodeEvent parses a JSON payment event
func DecodeEvent(data []byte) (*models.PaymentEvent, error) {
	var event models.PaymentEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if event.PayerID == "" {
		return nil, fmt.Errorf("%w: payer_id is required", ErrInvalidMessage)
	}
	return &event, nil
}

// AcknowledgeBatch acknowledges multiple messages
func (r *RedisStreamClient) AcknowledgeBatch(ctx context.Context, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}

	if _, err := r.client.XAck(ctx, r.streamName, r.consumerGroup, messageIDs...).Result(); err != nil {
		return fmt.Errorf("failed to acknowledge messages: %w", err)
	}

	log.Debug().Int("count", len(messageIDs)).Msg("Messages acknowledged")
	return nil
}

// SendToDeadLetter copies a message that cannot be processed to the dead letter stream
func (r *RedisStreamClient) SendToDeadLetter(ctx context.Context, msg StreamMessage, cause error) error {
	_, err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.deadLetterStream,
		Values: map[string]interface{}{
			"data":      msg.Raw,
			"error":     cause.Error(),
			"source_id": msg.ID,
			"failed_at": time.Now().Unix(),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to send to dead letter: %w", err)
	}

	log.Warn().
		Str("message_id", msg.ID).
		Err(cause).
		Msg("Message sent to dead letter queue")
	return nil
}

// GetStreamInfo returns information about the stream
func (r *RedisStreamClient) GetStreamInfo(ctx context.Context) (*StreamInfo, error) {
	info, err := r.client.XInfoStream(ctx, r.streamName).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get stream info: %w", err)
	}

	groups, err := r.client.XInfoGroups(ctx, r.streamName).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get groups info: %w", err)
	}

	var pendingCount int64
	for _, g := range groups {
		if g.Name == r.consumerGroup {
			pendingCount = g.Pending
			break
		}
	}

	return &StreamInfo{
		Length:       info.Length,
		PendingCount: pendingCount,
		Groups:       len(groups),
	}, nil
}

// StreamMessage is one consumed entry. Event is nil when Err is set.
type StreamMessage struct {
	ID    string
	Raw   string
	Event *models.PaymentEvent
	Err   error
}

// StreamInfo contains stream statistics
type StreamInfo struct {
	Length       int64 `json:"length"`
	PendingCount int64 `json:"pending_count"`
	Groups       int   `json:"groups"`
}
