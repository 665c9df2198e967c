package insights_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/enterprise/insight-engine/internal/features"
	"github.com/enterprise/insight-engine/internal/insights"
	"github.com/enterprise/insight-engine/internal/models"
	"github.com/enterprise/insight-engine/internal/queue"
	"github.com/enterprise/insight-engine/internal/scoring"
)

var (
	fixedNow = time.Date(2024, 3, 6, 14, 0, 0, 0, time.UTC)

	fitOnce sync.Once
	fitted  *scoring.Snapshot
	fitErr  error
)

func trainedSnapshot() (*scoring.Snapshot, error) {
	fitOnce.Do(func() {
		fitted, _, fitErr = scoring.Fit(context.Background(), nil)
	})
	return fitted, fitErr
}

type fakeHistory struct {
	payments []models.HistoricalPayment
	err      error
	panics   bool
	calls    atomic.Int32
}

func (f *fakeHistory) RecentPayments(_ context.Context, _ string, limit int) ([]models.HistoricalPayment, error) {
	f.calls.Add(1)
	if f.panics {
		panic("history backend exploded")
	}
	if f.err != nil {
		return nil, f.err
	}
	if len(f.payments) > limit {
		return f.payments[:limit], nil
	}
	return f.payments, nil
}

type fakeRecorder struct {
	err      error
	recorded []*models.UserInsight
}

func (f *fakeRecorder) Record(_ context.Context, insight *models.UserInsight, _ *models.FeatureRecord) error {
	if f.err != nil {
		return f.err
	}
	f.recorded = append(f.recorded, insight)
	return nil
}

func newEvent(amount string) *models.PaymentEvent {
	return &models.PaymentEvent{
		Amount:     decimal.RequireFromString(amount),
		Timestamp:  fixedNow.Unix(),
		PayerID:    "payer-1",
		ProviderID: "provider-a",
	}
}

func dailyHistory(n int) []models.HistoricalPayment {
	out := make([]models.HistoricalPayment, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, models.HistoricalPayment{
			Amount:     20 + float64(i),
			Timestamp:  fixedNow.Add(-time.Duration(i+1) * 24 * time.Hour).Unix(),
			ProviderID: "provider-a",
		})
	}
	return out
}

func newPipeline(history insights.HistoryStore, recorder insights.Recorder, m *scoring.Models) (*insights.Pipeline, *queue.CacheClient) {
	cache := queue.NewCacheClient(queue.NewMemoryStore())
	if m == nil {
		m = scoring.NewModels(scoring.NewMemoryArtifactStore())
	}
	p := insights.NewPipeline(
		history,
		cache,
		features.NewExtractor(time.UTC),
		m,
		recorder,
		nil,
		insights.DefaultConfig(),
	).WithClock(func() time.Time { return fixedNow })
	return p, cache
}

func TestPipeline_Process(t *testing.T) {
	Convey("Given an untrained pipeline whose history store is down", t, func() {
		history := &fakeHistory{err: errors.New("connection refused")}
		p, _ := newPipeline(history, nil, nil)

		insight, report := p.Process(context.Background(), newEvent("42.50"))

		Convey("Then a default insight is still produced", func() {
			So(insight, ShouldNotBeNil)
			So(insight.PayerID, ShouldEqual, "payer-1")
			So(insight.Category, ShouldEqual, models.CategoryRegularUser)
			So(insight.Confidence, ShouldEqual, 0.5)
			So(insight.AnomalyScore, ShouldEqual, 0.1)
			So(insight.ModelVersion, ShouldEqual, scoring.UntrainedVersion)
			So(insight.DataConfidence, ShouldEqual, 0.5)
			So(insight.Timestamp, ShouldEqual, fixedNow)
		})

		Convey("Then the report names the failed stages", func() {
			So(report.Has(insights.KindHistoryUnavailable), ShouldBeTrue)
			So(report.Has(insights.KindModelUnavailable), ShouldBeTrue)
			So(report.Has(insights.KindCacheWrite), ShouldBeFalse)
			So(report.Degraded(), ShouldBeTrue)
		})

		Convey("Then the insight is cached for the payer", func() {
			cached, err := p.Insight(context.Background(), "payer-1")
			So(err, ShouldBeNil)
			So(cached.Category, ShouldEqual, insight.Category)
			So(cached.Recommendations, ShouldResemble, insight.Recommendations)
		})
	})

	Convey("Given a payer with twelve days of history", t, func() {
		history := &fakeHistory{payments: dailyHistory(12)}
		recorder := &fakeRecorder{}
		p, _ := newPipeline(history, recorder, nil)

		first, firstReport := p.Process(context.Background(), newEvent("150"))
		second, secondReport := p.Process(context.Background(), newEvent("150"))

		Convey("Then history is read from the store once and then from the cache", func() {
			So(history.calls.Load(), ShouldEqual, int32(1))
			So(firstReport.CacheHit, ShouldBeFalse)
			So(secondReport.CacheHit, ShouldBeTrue)
		})

		Convey("Then the heuristics see the full history", func() {
			So(first.DataConfidence, ShouldAlmostEqual, 1.0)
			So(second.DataConfidence, ShouldAlmostEqual, first.DataConfidence)

			types := make([]string, 0, len(first.CostSuggestions))
			for _, s := range first.CostSuggestions {
				types = append(types, s.Type)
			}
			So(types, ShouldResemble, []string{
				models.SuggestionTokenOptimization,
				models.SuggestionTimingOptimization,
			})
		})

		Convey("Then each insight is handed to the recorder", func() {
			So(len(recorder.recorded), ShouldEqual, 2)
		})
	})

	Convey("Given a trained model", t, func() {
		snapshot, err := trainedSnapshot()
		So(err, ShouldBeNil)
		m := scoring.NewModels(scoring.NewMemoryArtifactStore())
		m.Swap(snapshot)
		p, _ := newPipeline(&fakeHistory{payments: dailyHistory(12)}, nil, m)

		insight, report := p.Process(context.Background(), newEvent("35"))

		Convey("Then the insight carries the snapshot's output", func() {
			So(insight, ShouldNotBeNil)
			So(insight.ModelVersion, ShouldEqual, snapshot.Version())
			So(insight.Category.IsTrainable(), ShouldBeTrue)
			So(insight.Confidence, ShouldBeBetweenOrEqual, 0, 1)
			So(insight.AnomalyScore, ShouldBeBetweenOrEqual, 0, 1)
			So(report.Has(insights.KindModelUnavailable), ShouldBeFalse)
		})
	})

	Convey("Given an event with a negative amount", t, func() {
		p, _ := newPipeline(&fakeHistory{}, nil, nil)

		insight, report := p.Process(context.Background(), newEvent("-5"))

		Convey("Then features degrade but an insight is produced", func() {
			So(insight, ShouldNotBeNil)
			So(report.Has(insights.KindDegradedFeatures), ShouldBeTrue)
			So(insight.RiskScore, ShouldBeBetweenOrEqual, 0, 1)
		})
	})

	Convey("Given events with malformed fields", t, func() {
		p, _ := newPipeline(&fakeHistory{}, nil, nil)
		payloads := []struct{ name, body string }{
			{"fractional timestamp", `{"amount":10,"timestamp":1709733600.5,"payer_id":"payer-1"}`},
			{"string timestamp", `{"amount":10,"timestamp":"1709733600","payer_id":"payer-1"}`},
			{"non-numeric amount", `{"amount":"abc","timestamp":1709733600,"payer_id":"payer-1"}`},
		}

		for _, tc := range payloads {
			event, err := queue.DecodeEvent([]byte(tc.body))
			So(err, ShouldBeNil)

			insight, _ := p.Process(context.Background(), event)

			Convey("Then an insight is still produced for a "+tc.name, func() {
				So(insight, ShouldNotBeNil)
				So(insight.PayerID, ShouldEqual, "payer-1")
			})
		}

		Convey("Then an unparseable amount is zeroed and reported", func() {
			event, err := queue.DecodeEvent([]byte(payloads[2].body))
			So(err, ShouldBeNil)
			So(event.Amount.IsZero(), ShouldBeTrue)

			_, report := p.Process(context.Background(), event)
			So(report.Has(insights.KindDegradedFeatures), ShouldBeTrue)
		})

		Convey("Then numeric timestamps in any form are accepted as is", func() {
			event, err := queue.DecodeEvent([]byte(payloads[1].body))
			So(err, ShouldBeNil)
			So(event.Timestamp, ShouldEqual, int64(1709733600))

			_, report := p.Process(context.Background(), event)
			So(report.Has(insights.KindDegradedFeatures), ShouldBeFalse)
		})
	})

	Convey("Given an event without a payer", t, func() {
		history := &fakeHistory{}
		p, _ := newPipeline(history, nil, nil)
		event := newEvent("10")
		event.PayerID = ""

		insight, report := p.Process(context.Background(), event)

		Convey("Then nothing is produced and no store is touched", func() {
			So(insight, ShouldBeNil)
			So(report.Has(insights.KindInvalidEvent), ShouldBeTrue)
			So(history.calls.Load(), ShouldEqual, int32(0))
		})
	})

	Convey("Given a cancelled context", t, func() {
		p, _ := newPipeline(&fakeHistory{}, nil, nil)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		insight, report := p.Process(ctx, newEvent("10"))

		Convey("Then no insight is produced", func() {
			So(insight, ShouldBeNil)
			So(report.Has(insights.KindCanceled), ShouldBeTrue)
		})
	})

	Convey("Given a history store that panics", t, func() {
		p, _ := newPipeline(&fakeHistory{panics: true}, nil, nil)

		insight, report := p.Process(context.Background(), newEvent("10"))

		Convey("Then the panic is contained and reported", func() {
			So(insight, ShouldBeNil)
			So(report.Has(insights.KindPanic), ShouldBeTrue)
			So(report.Failures[len(report.Failures)-1].Stage, ShouldEqual, insights.StageHistory)
		})
	})

	Convey("Given a recorder that fails", t, func() {
		p, _ := newPipeline(&fakeHistory{}, &fakeRecorder{err: errors.New("db down")}, nil)

		insight, report := p.Process(context.Background(), newEvent("10"))

		Convey("Then the insight survives with a record failure", func() {
			So(insight, ShouldNotBeNil)
			So(report.Has(insights.KindRecord), ShouldBeTrue)
		})
	})
}

func TestPipeline_Insight(t *testing.T) {
	Convey("Given a pipeline with an empty cache", t, func() {
		p, _ := newPipeline(&fakeHistory{}, nil, nil)

		Convey("Then looking up a payer reports no insight", func() {
			insight, err := p.Insight(context.Background(), "nobody")
			So(insight, ShouldBeNil)
			So(errors.Is(err, insights.ErrInsightNotFound), ShouldBeTrue)
		})
	})
}
