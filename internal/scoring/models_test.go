package scoring_test

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/enterprise/insight-engine/internal/models"
	"github.com/enterprise/insight-engine/internal/scoring"
)

var (
	fitOnce     sync.Once
	fitted      *scoring.Snapshot
	fitReport   *scoring.FitResult
	fitErr      error
	sampleInput = &models.FeatureRecord{
		PaymentAmount:         55,
		TotalPayments:         12,
		AvgPaymentAmount:      30,
		PaymentFrequency:      2,
		ProviderDiversity:     2,
		RecentPaymentCount:    3,
		RecentPaymentVariance: 80,
		HourOfDay:             14,
		DayOfWeek:             2,
	}
)

type outlierFailingStore struct {
	scoring.ArtifactStore
	failOutlier bool
}

func (s *outlierFailingStore) Put(ctx context.Context, name string, data []byte) error {
	if s.failOutlier && strings.HasSuffix(name, "/"+scoring.ArtifactOutlier) {
		return errors.New("disk full")
	}
	return s.ArtifactStore.Put(ctx, name, data)
}

// trainedSnapshot fits once per test binary; goconvey re-runs setup for every leaf
func trainedSnapshot() (*scoring.Snapshot, *scoring.FitResult, error) {
	fitOnce.Do(func() {
		fitted, fitReport, fitErr = scoring.Fit(context.Background(), nil)
	})
	return fitted, fitReport, fitErr
}

func TestUntrainedSnapshot(t *testing.T) {
	Convey("Given models with nothing loaded", t, func() {
		m := scoring.NewModels(scoring.NewMemoryArtifactStore())
		s := m.Current()

		Convey("Then classification falls back to regular_user at 0.5", func() {
			category, confidence, err := s.Classify(sampleInput)
			So(errors.Is(err, scoring.ErrModelUnavailable), ShouldBeTrue)
			So(category, ShouldEqual, models.CategoryRegularUser)
			So(confidence, ShouldEqual, 0.5)
		})

		Convey("Then the anomaly score falls back to 0.1", func() {
			score, err := s.ScoreAnomaly(sampleInput)
			So(errors.Is(err, scoring.ErrModelUnavailable), ShouldBeTrue)
			So(score, ShouldEqual, 0.1)
		})

		Convey("Then it reports the untrained version", func() {
			So(s.Trained(), ShouldBeFalse)
			So(s.Version(), ShouldEqual, scoring.UntrainedVersion)
		})

		Convey("When loading from an empty store", func() {
			err := m.Load(context.Background())

			Convey("Then it fails softly and stays untrained", func() {
				So(errors.Is(err, scoring.ErrArtifactNotFound), ShouldBeTrue)
				So(m.Current().Trained(), ShouldBeFalse)
			})
		})
	})
}

func TestFit(t *testing.T) {
	Convey("Given a fit with too few rows", t, func() {
		s, report, err := trainedSnapshot()
		So(err, ShouldBeNil)

		Convey("Then the synthetic set is used", func() {
			So(report.Synthetic, ShouldBeTrue)
			So(report.Rows, ShouldEqual, scoring.SyntheticRowCount)
			So(report.TestRows, ShouldEqual, 200)
			So(report.TrainRows, ShouldEqual, 800)
		})

		Convey("Then the snapshot is trained and reasonably accurate", func() {
			So(s.Trained(), ShouldBeTrue)
			So(*s.Info().Accuracy, ShouldBeGreaterThan, 0.7)
			So(s.Info().Synthetic, ShouldBeTrue)
		})

		Convey("Then classification returns a known category with a probability", func() {
			category, confidence, err := s.Classify(sampleInput)
			So(err, ShouldBeNil)
			So(category.IsTrainable(), ShouldBeTrue)
			So(confidence, ShouldBeBetweenOrEqual, 0, 1)
		})

		Convey("Then anomaly scores stay in range", func() {
			normal, err := s.ScoreAnomaly(sampleInput)
			So(err, ShouldBeNil)
			So(normal, ShouldBeBetweenOrEqual, 0, 1)

			extreme := *sampleInput
			extreme.PaymentAmount = 1e7
			extreme.RecentPaymentVariance = 1e9
			extreme.PaymentFrequency = 500
			odd, err := s.ScoreAnomaly(&extreme)
			So(err, ShouldBeNil)
			So(odd, ShouldBeGreaterThanOrEqualTo, normal)
			So(odd, ShouldBeLessThanOrEqualTo, 1)
		})
	})

	Convey("Given rows with unusable labels", t, func() {
		rows := scoring.SyntheticRows(150, 7)
		for i := 0; i < 60; i++ {
			rows[i].Label = models.CategoryUnknown
		}
		_, report, err := scoring.Fit(context.Background(), rows)

		Convey("Then they are dropped before the size check", func() {
			So(err, ShouldBeNil)
			So(report.Dropped, ShouldEqual, 60)
			So(report.Synthetic, ShouldBeTrue)
		})
	})

	Convey("Given a cancelled context", t, func() {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, _, err := scoring.Fit(ctx, nil)

		Convey("Then the fit is abandoned", func() {
			So(errors.Is(err, context.Canceled), ShouldBeTrue)
		})
	})
}

func TestSyntheticRows(t *testing.T) {
	Convey("Given the synthetic generator", t, func() {
		a := scoring.SyntheticRows(1000, 42)
		b := scoring.SyntheticRows(1000, 42)

		Convey("Then it yields exactly the requested rows deterministically", func() {
			So(a, ShouldHaveLength, 1000)
			So(a, ShouldResemble, b)
		})

		Convey("Then every row is labelled by the segment rules and within range", func() {
			for _, r := range a {
				So(r.Label, ShouldEqual, models.LabelByRules(r.TotalPayments, r.PaymentFrequency, r.AvgPaymentAmount))
				So(r.HourOfDay, ShouldBeGreaterThanOrEqualTo, 0)
				So(r.HourOfDay, ShouldBeLessThan, 24)
				So(r.DayOfWeek, ShouldBeBetweenOrEqual, 0, 6)
				So(r.ProviderDiversity, ShouldBeGreaterThanOrEqualTo, 1)
			}
		})

		Convey("Then the hour is drawn as a continuous value", func() {
			fractional := 0
			for _, r := range a {
				if r.HourOfDay != math.Trunc(r.HourOfDay) {
					fractional++
				}
			}
			So(fractional, ShouldBeGreaterThan, 900)
		})
	})
}

func TestPersistAndLoad(t *testing.T) {
	Convey("Given a trained snapshot persisted to disk", t, func() {
		s, _, err := trainedSnapshot()
		So(err, ShouldBeNil)

		dir := t.TempDir()
		store := scoring.NewFileArtifactStore(dir)
		writer := scoring.NewModels(store)
		So(writer.Persist(context.Background(), s), ShouldBeNil)

		Convey("Then three blobs exist under the version and the manifest names it", func() {
			for _, name := range []string{"scaler", "categorizer", "outlier"} {
				_, err := os.Stat(filepath.Join(dir, s.Version(), name+".json"))
				So(err, ShouldBeNil)
			}
			manifest, err := os.ReadFile(filepath.Join(dir, "current.json"))
			So(err, ShouldBeNil)
			So(string(manifest), ShouldContainSubstring, s.Version())
		})

		Convey("When a fresh holder loads them", func() {
			reader := scoring.NewModels(store)
			So(reader.Load(context.Background()), ShouldBeNil)
			loaded := reader.Current()

			Convey("Then it predicts exactly like the original", func() {
				So(loaded.Version(), ShouldEqual, s.Version())
				c1, p1, _ := s.Classify(sampleInput)
				c2, p2, _ := loaded.Classify(sampleInput)
				So(c2, ShouldEqual, c1)
				So(p2, ShouldEqual, p1)
				a1, _ := s.ScoreAnomaly(sampleInput)
				a2, _ := loaded.ScoreAnomaly(sampleInput)
				So(a2, ShouldEqual, a1)
			})
		})

		Convey("When a running holder refreshes", func() {
			reader := scoring.NewModels(store)
			changed, err := reader.Refresh(context.Background())
			So(err, ShouldBeNil)
			again, err := reader.Refresh(context.Background())
			So(err, ShouldBeNil)

			Convey("Then it swaps once and then sees no change", func() {
				So(changed, ShouldBeTrue)
				So(again, ShouldBeFalse)
				So(reader.Info().Version, ShouldEqual, s.Version())
			})
		})

		Convey("When refreshing from a corrupted store", func() {
			reader := scoring.NewModels(store)
			So(reader.Load(context.Background()), ShouldBeNil)
			So(os.WriteFile(filepath.Join(dir, s.Version(), "scaler.json"), []byte("{"), 0o644), ShouldBeNil)
			changed, err := reader.Refresh(context.Background())

			Convey("Then the active snapshot is kept", func() {
				So(err, ShouldNotBeNil)
				So(changed, ShouldBeFalse)
				So(reader.Current().Trained(), ShouldBeTrue)
			})
		})

		Convey("When one blob is corrupted", func() {
			So(os.WriteFile(filepath.Join(dir, s.Version(), "outlier.json"), []byte("{not json"), 0o644), ShouldBeNil)
			reader := scoring.NewModels(store)
			err := reader.Load(context.Background())

			Convey("Then loading falls back to untrained", func() {
				So(err, ShouldNotBeNil)
				So(reader.Current().Trained(), ShouldBeFalse)
			})
		})
	})

	Convey("Given a persisted set and a store that then fails on the outlier blob", t, func() {
		first, _, err := trainedSnapshot()
		So(err, ShouldBeNil)

		store := &outlierFailingStore{ArtifactStore: scoring.NewFileArtifactStore(t.TempDir())}
		writer := scoring.NewModels(store)
		So(writer.Persist(context.Background(), first), ShouldBeNil)

		second, _, err := scoring.Fit(context.Background(), nil)
		So(err, ShouldBeNil)
		So(second.Version(), ShouldNotEqual, first.Version())

		store.failOutlier = true
		persistErr := writer.Persist(context.Background(), second)

		Convey("Then a fresh holder still loads the first set", func() {
			So(persistErr, ShouldNotBeNil)
			reader := scoring.NewModels(store)
			So(reader.Load(context.Background()), ShouldBeNil)
			So(reader.Current().Trained(), ShouldBeTrue)
			So(reader.Info().Version, ShouldEqual, first.Version())
		})
	})

	Convey("Given a manifest naming a path outside the store", t, func() {
		store := scoring.NewMemoryArtifactStore()
		So(store.Put(context.Background(), scoring.ArtifactManifest, []byte(`{"version":"../x"}`)), ShouldBeNil)
		reader := scoring.NewModels(store)

		Convey("Then loading refuses it", func() {
			So(reader.Load(context.Background()), ShouldNotBeNil)
			So(reader.Current().Trained(), ShouldBeFalse)
		})
	})

	Convey("Persisting an untrained snapshot is refused", t, func() {
		m := scoring.NewModels(scoring.NewMemoryArtifactStore())
		So(m.Persist(context.Background(), m.Current()), ShouldEqual, scoring.ErrModelUnavailable)
	})
}

func TestSwap(t *testing.T) {
	Convey("Given readers racing a swap", t, func() {
		s, _, err := trainedSnapshot()
		So(err, ShouldBeNil)
		m := scoring.NewModels(scoring.NewMemoryArtifactStore())

		var wg sync.WaitGroup
		versions := make(chan string, 400)
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 100; j++ {
					snap := m.Current()
					_, _, _ = snap.Classify(sampleInput)
					versions <- snap.Version()
				}
			}()
		}
		previous := m.Swap(s)
		wg.Wait()
		close(versions)

		Convey("Then every reader saw one whole snapshot", func() {
			So(previous.Version(), ShouldEqual, scoring.UntrainedVersion)
			for v := range versions {
				So(v, ShouldBeIn, []string{scoring.UntrainedVersion, s.Version()})
			}
			So(m.Current().Version(), ShouldEqual, s.Version())
		})
	})
}
