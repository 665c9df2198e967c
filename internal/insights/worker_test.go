package insights_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/enterprise/insight-engine/configs"
	"github.com/enterprise/insight-engine/internal/insights"
	"github.com/enterprise/insight-engine/internal/models"
	"github.com/enterprise/insight-engine/internal/queue"
)

// fakeSource hands out its batch once, then blocks like an idle XREADGROUP
type fakeSource struct {
	mu         sync.Mutex
	batch      []queue.StreamMessage
	acked      []string
	deadLetter []string
	delivered  chan struct{}
}

func newFakeSource(msgs ...queue.StreamMessage) *fakeSource {
	return &fakeSource{batch: msgs, delivered: make(chan struct{})}
}

func (f *fakeSource) Consume(ctx context.Context, _ string, _ int64, block time.Duration) ([]queue.StreamMessage, error) {
	f.mu.Lock()
	batch := f.batch
	f.batch = nil
	f.mu.Unlock()
	if batch != nil {
		return batch, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(10 * time.Millisecond):
		return nil, nil
	}
}

func (f *fakeSource) AcknowledgeBatch(_ context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, ids...)
	close(f.delivered)
	return nil
}

func (f *fakeSource) SendToDeadLetter(_ context.Context, msg queue.StreamMessage, _ error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deadLetter = append(f.deadLetter, msg.ID)
	return nil
}

// scriptedProcessor answers per payer
type scriptedProcessor struct {
	failures map[string]insights.Kind
}

func (s scriptedProcessor) Process(_ context.Context, event *models.PaymentEvent) (*models.UserInsight, insights.Report) {
	var report insights.Report
	if kind, ok := s.failures[event.PayerID]; ok {
		report.Failures = append(report.Failures, insights.StageFailure{
			Stage: insights.StageHistory,
			Kind:  kind,
			Err:   errors.New(string(kind)),
		})
		if kind == insights.KindCanceled || kind == insights.KindPanic {
			return nil, report
		}
	}
	return &models.UserInsight{PayerID: event.PayerID}, report
}

func TestWorker(t *testing.T) {
	Convey("Given a worker fed a mixed batch", t, func() {
		source := newFakeSource(
			queue.StreamMessage{ID: "1-0", Event: &models.PaymentEvent{PayerID: "good"}},
			queue.StreamMessage{ID: "2-0", Raw: "{", Err: queue.ErrInvalidMessage},
			queue.StreamMessage{ID: "3-0", Event: &models.PaymentEvent{PayerID: "slow-history"}},
			queue.StreamMessage{ID: "4-0", Event: &models.PaymentEvent{PayerID: "broken"}},
			queue.StreamMessage{ID: "5-0", Event: &models.PaymentEvent{PayerID: "interrupted"}},
		)
		processor := scriptedProcessor{failures: map[string]insights.Kind{
			"slow-history": insights.KindHistoryUnavailable,
			"broken":       insights.KindPanic,
			"interrupted":  insights.KindCanceled,
		}}
		worker := insights.NewWorker("w", processor, source, configs.WorkerConfig{Concurrency: 1, BatchSize: 10}, nil)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- worker.Start(ctx) }()

		select {
		case <-source.delivered:
		case <-time.After(2 * time.Second):
		}
		cancel()
		So(<-done, ShouldBeNil)

		Convey("Then terminal messages are acked and the interrupted one stays pending", func() {
			So(source.acked, ShouldResemble, []string{"1-0", "2-0", "3-0", "4-0"})
		})

		Convey("Then undecodable and failed messages go to the dead letter stream", func() {
			So(source.deadLetter, ShouldResemble, []string{"2-0", "4-0"})
		})

		Convey("Then the counters reflect the outcomes", func() {
			stats := worker.GetStats()
			So(stats.ProcessedCount, ShouldEqual, int64(2))
			So(stats.DegradedCount, ShouldEqual, int64(1))
			So(stats.FailedCount, ShouldEqual, int64(2))
		})
	})
}

func TestWorkerPool(t *testing.T) {
	Convey("Given a pool of two workers", t, func() {
		source := newFakeSource(queue.StreamMessage{ID: "1-0", Event: &models.PaymentEvent{PayerID: "good"}})
		pool := insights.NewWorkerPool(2, scriptedProcessor{}, source, configs.WorkerConfig{Concurrency: 1, BatchSize: 10}, nil)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- pool.Start(ctx) }()

		select {
		case <-source.delivered:
		case <-time.After(2 * time.Second):
		}
		cancel()
		So(errors.Is(<-done, context.Canceled), ShouldBeTrue)
		So(pool.Stop(), ShouldBeNil)

		Convey("Then the aggregated counters cover every worker", func() {
			stats := pool.GetAggregatedStats()
			So(stats["total_processed"], ShouldEqual, int64(1))
			So(stats["active_workers"], ShouldEqual, 2)
		})
	})
}
