package features_test

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/enterprise/insight-engine/internal/features"
	"github.com/enterprise/insight-engine/internal/models"
)

func TestExtractor_Extract(t *testing.T) {
	Convey("Given an extractor in UTC", t, func() {
		ex := features.NewExtractor(time.UTC)
		// Wednesday 2024-05-15 14:30 UTC
		now := time.Date(2024, 5, 15, 14, 30, 0, 0, time.UTC)
		day := int64(24 * 3600)

		event := &models.PaymentEvent{
			Amount:     decimal.NewFromFloat(42.5),
			Timestamp:  now.Unix(),
			PayerID:    "0xpayer",
			ProviderID: "openai",
		}

		Convey("When the payer has no history", func() {
			rec, err := ex.Extract(event, nil, now)

			Convey("Then history fields are zero and temporal fields come from the event", func() {
				So(err, ShouldBeNil)
				So(rec.PayerID, ShouldEqual, "0xpayer")
				So(rec.PaymentAmount, ShouldEqual, 42.5)
				So(rec.HourOfDay, ShouldEqual, 14)
				So(rec.DayOfWeek, ShouldEqual, 2)
				So(rec.IsWeekend, ShouldBeFalse)
				So(rec.TotalPayments, ShouldEqual, 0)
				So(rec.AvgPaymentAmount, ShouldEqual, 0)
				So(rec.PaymentFrequency, ShouldEqual, 0)
				So(rec.ProviderDiversity, ShouldEqual, 0)
				So(rec.RecentPaymentCount, ShouldEqual, 0)
				So(rec.RecentPaymentVariance, ShouldEqual, 0)
			})
		})

		Convey("When the payer has history spanning ten days", func() {
			history := []models.HistoricalPayment{
				{Amount: 10, Timestamp: now.Unix() - 1*day, ProviderID: "openai"},
				{Amount: 20, Timestamp: now.Unix() - 2*day, ProviderID: "anthropic"},
				{Amount: 30, Timestamp: now.Unix() - 8*day, ProviderID: "openai"},
				{Amount: 40, Timestamp: now.Unix() - 10*day, ProviderID: "cohere"},
			}
			rec, err := ex.Extract(event, history, now)

			Convey("Then aggregates reflect the whole history", func() {
				So(err, ShouldBeNil)
				So(rec.TotalPayments, ShouldEqual, 4)
				So(rec.AvgPaymentAmount, ShouldEqual, 25)
				So(rec.ProviderDiversity, ShouldEqual, 3)
				So(rec.PaymentFrequency, ShouldAlmostEqual, 4.0/9.0, 1e-9)
			})

			Convey("And the recent window only covers the last seven days", func() {
				So(rec.RecentPaymentCount, ShouldEqual, 2)
				So(rec.RecentPaymentVariance, ShouldAlmostEqual, 25, 1e-9)
			})
		})

		Convey("When all history falls within the same day", func() {
			history := []models.HistoricalPayment{
				{Amount: 5, Timestamp: now.Unix() - 60, ProviderID: "a"},
				{Amount: 5, Timestamp: now.Unix() - 120, ProviderID: "a"},
				{Amount: 5, Timestamp: now.Unix() - 180, ProviderID: "a"},
			}
			rec, err := ex.Extract(event, history, now)

			Convey("Then the span is floored to one day", func() {
				So(err, ShouldBeNil)
				So(rec.PaymentFrequency, ShouldEqual, 3)
				So(rec.RecentPaymentVariance, ShouldEqual, 0)
			})
		})

		Convey("When the event falls on a Saturday", func() {
			event.Timestamp = time.Date(2024, 5, 18, 23, 59, 0, 0, time.UTC).Unix()
			rec, err := ex.Extract(event, nil, now)

			Convey("Then it is flagged as a weekend", func() {
				So(err, ShouldBeNil)
				So(rec.DayOfWeek, ShouldEqual, 5)
				So(rec.IsWeekend, ShouldBeTrue)
				So(rec.HourOfDay, ShouldEqual, 23)
			})
		})

		Convey("When the event has no timestamp", func() {
			event.Timestamp = 0
			rec, err := ex.Extract(event, nil, now)

			Convey("Then the current time is used", func() {
				So(err, ShouldBeNil)
				So(rec.Timestamp, ShouldEqual, now.Unix())
				So(rec.HourOfDay, ShouldEqual, 14)
			})
		})

		Convey("When a history amount is not finite", func() {
			history := []models.HistoricalPayment{
				{Amount: math.Inf(1), Timestamp: now.Unix() - day, ProviderID: "a"},
			}
			rec, err := ex.Extract(event, history, now)

			Convey("Then a zeroed record with identifiers is returned", func() {
				So(errors.Is(err, features.ErrDegradedFeatures), ShouldBeTrue)
				So(rec.PayerID, ShouldEqual, "0xpayer")
				So(rec.ProviderID, ShouldEqual, "openai")
				So(rec.PaymentAmount, ShouldEqual, 0)
				So(rec.TotalPayments, ShouldEqual, 0)
			})
		})

		Convey("When the event amount is negative", func() {
			event.Amount = decimal.NewFromInt(-3)
			_, err := ex.Extract(event, nil, now)

			Convey("Then extraction degrades", func() {
				So(errors.Is(err, features.ErrDegradedFeatures), ShouldBeTrue)
			})
		})
	})
}

func TestPaymentFrequency(t *testing.T) {
	Convey("Given histories of different sizes", t, func() {
		Convey("A single payment has zero frequency", func() {
			So(features.PaymentFrequency([]models.HistoricalPayment{{Amount: 1, Timestamp: 100}}), ShouldEqual, 0)
		})

		Convey("Twenty payments over four days yield five per day", func() {
			var h []models.HistoricalPayment
			for i := 0; i < 20; i++ {
				h = append(h, models.HistoricalPayment{Amount: 1, Timestamp: int64(i) * 4 * 24 * 3600 / 19})
			}
			So(features.PaymentFrequency(h), ShouldAlmostEqual, 5, 1e-3)
		})
	})
}
