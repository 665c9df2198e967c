package ingestion_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/enterprise/insight-engine/internal/ingestion"
	"github.com/enterprise/insight-engine/internal/models"
	"github.com/enterprise/insight-engine/internal/queue"
)

type memoryPayments struct {
	stored []*models.PaymentEvent
	err    error
}

func (m *memoryPayments) Create(_ context.Context, event *models.PaymentEvent) (uuid.UUID, error) {
	if m.err != nil {
		return uuid.Nil, m.err
	}
	m.stored = append(m.stored, event)
	return uuid.New(), nil
}

type memoryPublisher struct {
	published []*models.PaymentEvent
	err       error
}

func (m *memoryPublisher) Publish(_ context.Context, event *models.PaymentEvent) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.published = append(m.published, event)
	return "1700000000000-0", nil
}

func request(payer, amount string) *ingestion.PaymentRequest {
	return &ingestion.PaymentRequest{
		PayerID:    payer,
		ProviderID: "provider-a",
		Amount:     decimal.RequireFromString(amount),
		Timestamp:  1700000000,
	}
}

func TestIngestPayment(t *testing.T) {
	Convey("Given an ingestion service with a cached history", t, func() {
		ctx := context.Background()
		payments := &memoryPayments{}
		publisher := &memoryPublisher{}
		cache := queue.NewCacheClient(queue.NewMemoryStore())
		So(cache.Set(ctx, queue.HistoryKey("payer-1"), []models.HistoricalPayment{{Amount: 1}}, time.Minute), ShouldBeNil)
		svc := ingestion.NewIngestionService(payments, publisher, cache, nil)

		Convey("When a valid payment arrives", func() {
			resp, err := svc.IngestPayment(ctx, request("payer-1", "19.99"))

			Convey("Then it is stored, queued and the history cache is dropped", func() {
				So(err, ShouldBeNil)
				So(resp.Status, ShouldEqual, ingestion.StatusQueued)
				So(resp.MessageID, ShouldEqual, "1700000000000-0")
				So(resp.PaymentID, ShouldNotBeEmpty)
				So(len(payments.stored), ShouldEqual, 1)
				So(publisher.published[0].Amount.String(), ShouldEqual, "19.99")

				var history []models.HistoricalPayment
				So(errors.Is(cache.Get(ctx, queue.HistoryKey("payer-1"), &history), queue.ErrCacheMiss), ShouldBeTrue)
			})
		})

		Convey("When the amount is negative", func() {
			_, err := svc.IngestPayment(ctx, request("payer-1", "-1"))

			Convey("Then it is rejected before storage", func() {
				So(errors.Is(err, ingestion.ErrInvalidPayment), ShouldBeTrue)
				So(payments.stored, ShouldBeEmpty)
				So(publisher.published, ShouldBeEmpty)
			})
		})

		Convey("When the stream is down", func() {
			publisher.err = errors.New("redis: connection refused")
			resp, err := svc.IngestPayment(ctx, request("payer-1", "5"))

			Convey("Then the stored payment is still accepted", func() {
				So(err, ShouldBeNil)
				So(resp.Status, ShouldEqual, ingestion.StatusStored)
			})
		})

		Convey("When storage fails", func() {
			payments.err = errors.New("db down")
			_, err := svc.IngestPayment(ctx, request("payer-1", "5"))

			Convey("Then nothing is published", func() {
				So(err, ShouldNotBeNil)
				So(publisher.published, ShouldBeEmpty)
			})
		})

		Convey("When no timestamp is given", func() {
			req := request("payer-2", "5")
			req.Timestamp = 0
			_, err := svc.IngestPayment(ctx, req)

			Convey("Then the arrival time is used", func() {
				So(err, ShouldBeNil)
				So(publisher.published[0].Timestamp, ShouldBeGreaterThan, int64(0))
			})
		})
	})
}

func TestIngestBatch(t *testing.T) {
	Convey("Given a batch with one invalid payment", t, func() {
		publisher := &memoryPublisher{}
		svc := ingestion.NewIngestionService(nil, publisher, nil, nil)

		resp := svc.IngestBatch(context.Background(), &ingestion.BatchPaymentRequest{
			Payments: []ingestion.PaymentRequest{
				*request("a", "1"),
				*request("", "1"),
				*request("b", "2"),
			},
		})

		Convey("Then the others still go through", func() {
			So(resp.Successful, ShouldEqual, 2)
			So(resp.Failed, ShouldEqual, 1)
			So(resp.Results[1].Status, ShouldEqual, ingestion.StatusRejected)
			So(len(publisher.published), ShouldEqual, 2)
		})
	})
}
