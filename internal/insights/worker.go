package insights

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/enterprise/insight-engine/configs"
	"github.com/enterprise/insight-engine/internal/metrics"
	"github.com/enterprise/insight-engine/internal/models"
	"github.com/enterprise/insight-engine/internal/queue"
)

const consumeBackoff = time.Second

// MessageSource is the stream side of a worker
type MessageSource interface {
	Consume(ctx context.Context, consumerName string, count int64, block time.Duration) ([]queue.StreamMessage, error)
	AcknowledgeBatch(ctx context.Context, messageIDs []string) error
	SendToDeadLetter(ctx context.Context, msg queue.StreamMessage, cause error) error
}

// Processor turns one event into an insight
type Processor interface {
	Process(ctx context.Context, event *models.PaymentEvent) (*models.UserInsight, Report)
}

// Worker consumes payment events from a stream and runs them through the pipeline
type Worker struct {
	id        string
	processor Processor
	source    MessageSource
	config    configs.WorkerConfig
	metrics   *metrics.Manager
	wg        sync.WaitGroup
	stopOnce  sync.Once
	stopCh    chan struct{}
	stats     *statsRecorder
}

// WorkerStats is a copy of a consumer's throughput counters
type WorkerStats struct {
	ProcessedCount    int64
	DegradedCount     int64
	FailedCount       int64
	TotalProcessingMs int64
	LastProcessedAt   time.Time
}

type statsRecorder struct {
	mu    sync.RWMutex
	stats WorkerStats
}

// NewWorker creates a new stream worker
func NewWorker(id string, processor Processor, source MessageSource, config configs.WorkerConfig, mm *metrics.Manager) *Worker {
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	return &Worker{
		id:        id,
		processor: processor,
		source:    source,
		config:    config,
		metrics:   mm,
		stopCh:    make(chan struct{}),
		stats:     &statsRecorder{},
	}
}

// Start runs the consumer goroutines until ctx is done or Stop is called
func (w *Worker) Start(ctx context.Context) error {
	log.Info().
		Str("worker_id", w.id).
		Int("concurrency", w.config.Concurrency).
		Msg("Starting insight worker")

	for i := 0; i < w.config.Concurrency; i++ {
		w.wg.Add(1)
		go w.processLoop(ctx, fmt.Sprintf("%s-%d", w.id, i))
	}

	select {
	case <-ctx.Done():
		log.Info().Str("worker_id", w.id).Msg("Context cancelled")
	case <-w.stopCh:
	}

	return w.Stop()
}

// Stop signals the consumer goroutines and waits for in-flight batches
func (w *Worker) Stop() error {
	w.stopOnce.Do(func() {
		log.Info().Str("worker_id", w.id).Msg("Stopping worker...")
		close(w.stopCh)
	})
	w.wg.Wait()
	log.Info().Str("worker_id", w.id).Msg("Worker stopped")
	return nil
}

func (w *Worker) processLoop(ctx context.Context, consumerName string) {
	defer w.wg.Done()

	log.Info().Str("consumer", consumerName).Msg("Worker goroutine started")

	for {
		select {
		case <-w.stopCh:
			log.Info().Str("consumer", consumerName).Msg("Worker goroutine stopping")
			return
		case <-ctx.Done():
			return
		default:
			w.processBatch(ctx, consumerName)
		}
	}
}

// processBatch reads one batch and acks everything that reached a terminal state.
// Messages interrupted by shutdown stay pending and are reclaimed later.
func (w *Worker) processBatch(ctx context.Context, consumerName string) {
	messages, err := w.source.Consume(ctx, consumerName, int64(w.config.BatchSize), w.config.BlockTimeout)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Error().Err(err).Str("consumer", consumerName).Msg("Failed to consume messages")
		select {
		case <-time.After(consumeBackoff):
		case <-ctx.Done():
		case <-w.stopCh:
		}
		return
	}

	if len(messages) == 0 {
		return
	}

	log.Debug().
		Str("consumer", consumerName).
		Int("count", len(messages)).
		Msg("Processing batch")

	ackIDs := make([]string, 0, len(messages))
	for _, msg := range messages {
		if w.handle(ctx, msg) {
			ackIDs = append(ackIDs, msg.ID)
		}
	}

	if len(ackIDs) > 0 {
		// ack even if ctx was cancelled mid-batch
		ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := w.source.AcknowledgeBatch(ackCtx, ackIDs); err != nil {
			log.Error().Err(err).Msg("Failed to acknowledge messages")
		}
	}
}

// handle processes one message and reports whether it can be acked
func (w *Worker) handle(ctx context.Context, msg queue.StreamMessage) bool {
	if msg.Err != nil || msg.Event == nil {
		cause := msg.Err
		if cause == nil {
			cause = queue.ErrInvalidMessage
		}
		w.deadLetter(ctx, msg, cause)
		w.metrics.IncStreamMessage("redis", "invalid")
		w.stats.recordFailure()
		return true
	}

	start := time.Now()
	insight, report := w.processor.Process(ctx, msg.Event)

	if insight == nil {
		if report.Has(KindCanceled) {
			// left pending for redelivery
			w.metrics.IncStreamMessage("redis", "canceled")
			return false
		}
		w.deadLetter(ctx, msg, reportError(report))
		w.metrics.IncStreamMessage("redis", "failed")
		w.stats.recordFailure()
		return true
	}

	result := "ok"
	if report.Degraded() {
		result = "degraded"
	}
	w.metrics.IncStreamMessage("redis", result)
	w.stats.recordSuccess(time.Since(start), report.Degraded())
	return true
}

func (w *Worker) deadLetter(ctx context.Context, msg queue.StreamMessage, cause error) {
	dlqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := w.source.SendToDeadLetter(dlqCtx, msg, cause); err != nil {
		log.Error().Err(err).Str("message_id", msg.ID).Msg("Failed to send to dead letter queue")
	}
}

func (r *statsRecorder) recordSuccess(d time.Duration, degraded bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.ProcessedCount++
	if degraded {
		r.stats.DegradedCount++
	}
	r.stats.TotalProcessingMs += d.Milliseconds()
	r.stats.LastProcessedAt = time.Now()
}

func (r *statsRecorder) recordFailure() {
	r.mu.Lock()
	r.stats.FailedCount++
	r.mu.Unlock()
}

func (r *statsRecorder) snapshot() WorkerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}

// GetStats returns a copy of the worker counters
func (w *Worker) GetStats() WorkerStats {
	return w.stats.snapshot()
}

// reportError folds the failures of a report into one error
func reportError(report Report) error {
	errs := make([]error, 0, len(report.Failures))
	for _, f := range report.Failures {
		errs = append(errs, fmt.Errorf("%s/%s: %w", f.Stage, f.Kind, f.Err))
	}
	if len(errs) == 0 {
		return errors.New("no insight produced")
	}
	return errors.Join(errs...)
}

// WorkerPool manages multiple workers
type WorkerPool struct {
	workers []*Worker
	wg      sync.WaitGroup
}

// NewWorkerPool creates numWorkers workers sharing one processor and source
func NewWorkerPool(
	numWorkers int,
	processor Processor,
	source MessageSource,
	config configs.WorkerConfig,
	mm *metrics.Manager,
) *WorkerPool {
	if numWorkers <= 0 {
		numWorkers = 1
	}
	pool := &WorkerPool{
		workers: make([]*Worker, numWorkers),
	}

	for i := 0; i < numWorkers; i++ {
		pool.workers[i] = NewWorker(
			fmt.Sprintf("worker-%d", i),
			processor,
			source,
			config,
			mm,
		)
	}

	return pool
}

// Start runs every worker and blocks until ctx is done
func (p *WorkerPool) Start(ctx context.Context) error {
	log.Info().Int("num_workers", len(p.workers)).Msg("Starting worker pool")

	for _, worker := range p.workers {
		w := worker
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			if err := w.Start(ctx); err != nil {
				log.Error().Err(err).Str("worker_id", w.id).Msg("Worker exited with error")
			}
		}()
	}

	<-ctx.Done()
	return ctx.Err()
}

// Stop stops all workers in the pool
func (p *WorkerPool) Stop() error {
	log.Info().Msg("Stopping worker pool")

	for _, worker := range p.workers {
		if err := worker.Stop(); err != nil {
			log.Error().Err(err).Str("worker_id", worker.id).Msg("Failed to stop worker")
		}
	}

	p.wg.Wait()
	log.Info().Msg("Worker pool stopped")
	return nil
}

// GetAggregatedStats sums the counters of every worker
func (p *WorkerPool) GetAggregatedStats() map[string]interface{} {
	var totalProcessed, totalDegraded, totalFailed, totalProcessingMs int64
	var lastProcessedAt time.Time

	for _, worker := range p.workers {
		s := worker.GetStats()
		totalProcessed += s.ProcessedCount
		totalDegraded += s.DegradedCount
		totalFailed += s.FailedCount
		totalProcessingMs += s.TotalProcessingMs
		if s.LastProcessedAt.After(lastProcessedAt) {
			lastProcessedAt = s.LastProcessedAt
		}
	}

	avgProcessingMs := float64(0)
	if totalProcessed > 0 {
		avgProcessingMs = float64(totalProcessingMs) / float64(totalProcessed)
	}

	return map[string]interface{}{
		"total_processed":   totalProcessed,
		"total_degraded":    totalDegraded,
		"total_failed":      totalFailed,
		"avg_processing_ms": avgProcessingMs,
		"last_processed_at": lastProcessedAt,
		"active_workers":    len(p.workers),
	}
}
