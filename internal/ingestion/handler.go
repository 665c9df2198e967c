// Package ingestion accepts payment events over HTTP, stores them and queues them for processing.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/enterprise/insight-engine/internal/metrics"
	"github.com/enterprise/insight-engine/internal/models"
	"github.com/enterprise/insight-engine/internal/queue"
)

// ErrInvalidPayment is returned for requests that fail validation
var ErrInvalidPayment = errors.New("invalid payment")

// PaymentWriter persists payments
type PaymentWriter interface {
	Create(ctx context.Context, event *models.PaymentEvent) (uuid.UUID, error)
}

// EventPublisher queues payment events for the workers
type EventPublisher interface {
	Publish(ctx context.Context, event *models.PaymentEvent) (string, error)
}

// PaymentRequest represents an incoming payment
type PaymentRequest struct {
	PayerID    string          `json:"payer_id" binding:"required"`
	ProviderID string          `json:"provider_id"`
	Amount     decimal.Decimal `json:"amount"`
	Timestamp  int64           `json:"timestamp"`
}

// BatchPaymentRequest represents a batch of payments
type BatchPaymentRequest struct {
	Payments []PaymentRequest `json:"payments" binding:"required,min=1,max=1000"`
}

// PaymentResponse is returned for every accepted payment
type PaymentResponse struct {
	PaymentID string `json:"payment_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	PayerID   string `json:"payer_id"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
}

// BatchPaymentResponse represents the response for batch ingestion
type BatchPaymentResponse struct {
	Successful int               `json:"successful"`
	Failed     int               `json:"failed"`
	Results    []PaymentResponse `json:"results"`
}

// Payment statuses
const (
	StatusQueued   = "queued"
	StatusStored   = "stored"
	StatusRejected = "rejected"
)

// IngestionService stores payments and publishes them to the event stream
type IngestionService struct {
	payments  PaymentWriter
	publisher EventPublisher
	cache     *queue.CacheClient
	metrics   *metrics.Manager
}

// NewIngestionService creates a new ingestion service. payments and cache may be nil.
func NewIngestionService(payments PaymentWriter, publisher EventPublisher, cache *queue.CacheClient, mm *metrics.Manager) *IngestionService {
	return &IngestionService{
		payments:  payments,
		publisher: publisher,
		cache:     cache,
		metrics:   mm,
	}
}

// Validate checks a request and converts it to an event
func (r *PaymentRequest) Validate() (*models.PaymentEvent, error) {
	if r.PayerID == "" {
		return nil, fmt.Errorf("%w: payer_id is required", ErrInvalidPayment)
	}
	if r.Amount.IsNegative() {
		return nil, fmt.Errorf("%w: amount must not be negative", ErrInvalidPayment)
	}
	if r.Timestamp < 0 {
		return nil, fmt.Errorf("%w: timestamp must not be negative", ErrInvalidPayment)
	}
	return &models.PaymentEvent{
		Amount:     r.Amount,
		Timestamp:  r.Timestamp,
		PayerID:    r.PayerID,
		ProviderID: r.ProviderID,
	}, nil
}

// IngestPayment stores and queues a single payment
func (s *IngestionService) IngestPayment(ctx context.Context, req *PaymentRequest) (*PaymentResponse, error) {
	startTime := time.Now()

	event, err := req.Validate()
	if err != nil {
		s.metrics.IncEventsIngested("rejected")
		return nil, err
	}
	if event.Timestamp == 0 {
		event.Timestamp = startTime.Unix()
	}

	resp := &PaymentResponse{PayerID: event.PayerID}

	if s.payments != nil {
		id, err := s.payments.Create(ctx, event)
		if err != nil {
			s.metrics.IncEventsIngested("error")
			return nil, fmt.Errorf("failed to store payment: %w", err)
		}
		resp.PaymentID = id.String()
	}

	// the stored history changed, so the cached copy is stale
	if s.cache != nil {
		if err := s.cache.Delete(ctx, queue.HistoryKey(event.PayerID)); err != nil {
			log.Warn().Err(err).Str("payer_id", event.PayerID).Msg("Failed to invalidate history cache")
		}
	}

	messageID, err := s.publisher.Publish(ctx, event)
	if err != nil {
		if resp.PaymentID == "" {
			s.metrics.IncEventsIngested("error")
			return nil, fmt.Errorf("failed to publish payment: %w", err)
		}
		// stored but not queued; it still feeds history and training
		log.Error().Err(err).
			Str("payer_id", event.PayerID).
			Str("payment_id", resp.PaymentID).
			Msg("Failed to publish event to stream")
		resp.Status = StatusStored
		resp.Message = "Payment stored but not queued for analysis"
		s.metrics.IncEventsIngested("stored")
		return resp, nil
	}

	resp.MessageID = messageID
	resp.Status = StatusQueued
	s.metrics.IncEventsIngested("queued")

	log.Info().
		Str("payer_id", event.PayerID).
		Str("provider_id", event.ProviderID).
		Str("amount", event.Amount.String()).
		Str("message_id", messageID).
		Dur("processing_time", time.Since(startTime)).
		Msg("Payment ingested")

	return resp, nil
}

// IngestBatch ingests each payment independently
func (s *IngestionService) IngestBatch(ctx context.Context, req *BatchPaymentRequest) *BatchPaymentResponse {
	startTime := time.Now()

	response := &BatchPaymentResponse{
		Results: make([]PaymentResponse, 0, len(req.Payments)),
	}

	for i := range req.Payments {
		resp, err := s.IngestPayment(ctx, &req.Payments[i])
		if err != nil {
			response.Failed++
			response.Results = append(response.Results, PaymentResponse{
				PayerID: req.Payments[i].PayerID,
				Status:  StatusRejected,
				Message: err.Error(),
			})
			continue
		}
		response.Successful++
		response.Results = append(response.Results, *resp)
	}

	log.Info().
		Int("total", len(req.Payments)).
		Int("successful", response.Successful).
		Int("failed", response.Failed).
		Dur("processing_time", time.Since(startTime)).
		Msg("Batch ingestion completed")

	return response
}
