package ml_test

import (
	"encoding/json"
	"errors"
	"math/rand"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/enterprise/insight-engine/internal/ml"
)

func TestStandardScaler(t *testing.T) {
	Convey("Given a scaler fitted on two columns", t, func() {
		s := &ml.StandardScaler{}
		err := s.Fit([][]float64{{1, 5}, {3, 5}, {5, 5}})
		So(err, ShouldBeNil)

		Convey("Then mean and population std are learned", func() {
			So(s.Mean, ShouldResemble, []float64{3, 5})
			So(s.Scale[0], ShouldAlmostEqual, 1.632993, 1e-6)
		})

		Convey("And a constant column keeps a unit scale", func() {
			So(s.Scale[1], ShouldEqual, 1)
			out, err := s.Transform([]float64{3, 7})
			So(err, ShouldBeNil)
			So(out, ShouldResemble, []float64{0, 2})
		})

		Convey("When transforming a row of the wrong width", func() {
			_, err := s.Transform([]float64{1})
			So(errors.Is(err, ml.ErrDimension), ShouldBeTrue)
		})
	})

	Convey("Fitting ragged rows is refused", t, func() {
		s := &ml.StandardScaler{}
		err := s.Fit([][]float64{{1, 2}, {3}})
		So(errors.Is(err, ml.ErrDimension), ShouldBeTrue)
		So(s.Fitted(), ShouldBeFalse)
	})

	Convey("An unfitted scaler refuses to transform", t, func() {
		_, err := (&ml.StandardScaler{}).Transform([]float64{1})
		So(err, ShouldEqual, ml.ErrNotFitted)
	})
}

func blobs(rng *rand.Rand, n int) ([][]float64, []string) {
	var x [][]float64
	var y []string
	for i := 0; i < n; i++ {
		if i%2 == 0 {
			x = append(x, []float64{rng.NormFloat64(), rng.NormFloat64(), rng.Float64()})
			y = append(y, "low")
		} else {
			x = append(x, []float64{6 + rng.NormFloat64(), 6 + rng.NormFloat64(), rng.Float64()})
			y = append(y, "high")
		}
	}
	return x, y
}

func TestRandomForest(t *testing.T) {
	Convey("Given a forest trained on two separated clusters", t, func() {
		rng := rand.New(rand.NewSource(42))
		x, y := blobs(rng, 200)

		cfg := ml.DefaultForestConfig()
		cfg.Trees = 25
		forest := ml.NewRandomForest(cfg)
		So(forest.Fit(x, y), ShouldBeNil)

		Convey("Then classes are sorted and predictions are confident", func() {
			So(forest.Classes, ShouldResemble, []string{"high", "low"})

			label, p, err := forest.Predict([]float64{6, 6, 0.5})
			So(err, ShouldBeNil)
			So(label, ShouldEqual, "high")
			So(p, ShouldBeGreaterThan, 0.9)

			label, _, err = forest.Predict([]float64{0, 0, 0.5})
			So(err, ShouldBeNil)
			So(label, ShouldEqual, "low")
		})

		Convey("And class probabilities sum to one", func() {
			probs, err := forest.PredictProba([]float64{3, 3, 0.5})
			So(err, ShouldBeNil)
			So(probs[0]+probs[1], ShouldAlmostEqual, 1, 1e-9)
		})

		Convey("And held-out accuracy is high", func() {
			tx, ty := blobs(rand.New(rand.NewSource(7)), 50)
			acc, err := forest.Accuracy(tx, ty)
			So(err, ShouldBeNil)
			So(acc, ShouldBeGreaterThan, 0.95)
		})

		Convey("And the same seed reproduces the same forest", func() {
			again := ml.NewRandomForest(cfg)
			So(again.Fit(x, y), ShouldBeNil)
			a, _ := forest.PredictProba([]float64{3, 2.5, 0.1})
			b, _ := again.PredictProba([]float64{3, 2.5, 0.1})
			So(a, ShouldResemble, b)
		})

		Convey("And it survives a JSON round trip", func() {
			raw, err := json.Marshal(forest)
			So(err, ShouldBeNil)
			var restored ml.RandomForest
			So(json.Unmarshal(raw, &restored), ShouldBeNil)
			a, _ := forest.PredictProba([]float64{2, 4, 0.3})
			b, _ := restored.PredictProba([]float64{2, 4, 0.3})
			So(a, ShouldResemble, b)
		})
	})

	Convey("Fitting with no rows fails", t, func() {
		So(ml.NewRandomForest(ml.DefaultForestConfig()).Fit(nil, nil), ShouldEqual, ml.ErrEmptyInput)
	})
}

func TestIsolationForest(t *testing.T) {
	Convey("Given an isolation forest trained on a tight cluster", t, func() {
		rng := rand.New(rand.NewSource(42))
		var x [][]float64
		for i := 0; i < 500; i++ {
			x = append(x, []float64{rng.NormFloat64(), rng.NormFloat64()})
		}
		iso := ml.NewIsolationForest(ml.DefaultIsolationConfig())
		So(iso.Fit(x), ShouldBeNil)

		Convey("Then the sample size is capped at 256", func() {
			So(iso.SampleSize, ShouldEqual, 256)
		})

		Convey("Then a far point scores lower than the center", func() {
			center, err := iso.DecisionFunction([]float64{0, 0})
			So(err, ShouldBeNil)
			far, err := iso.DecisionFunction([]float64{12, -12})
			So(err, ShouldBeNil)
			So(far, ShouldBeLessThan, center)
			So(far, ShouldBeLessThan, 0)
			So(center, ShouldBeGreaterThan, 0)
		})

		Convey("And roughly the contamination share of training rows is flagged", func() {
			flagged := 0
			for _, row := range x {
				d, _ := iso.DecisionFunction(row)
				if d < 0 {
					flagged++
				}
			}
			So(flagged, ShouldBeBetweenOrEqual, 40, 60)
		})

		Convey("And raw scores stay in [-1, 0)", func() {
			s, err := iso.ScoreSamples([]float64{100, 100})
			So(err, ShouldBeNil)
			So(s, ShouldBeGreaterThanOrEqualTo, -1)
			So(s, ShouldBeLessThan, 0)
		})
	})

	Convey("Small inputs use every row as the sample", t, func() {
		iso := ml.NewIsolationForest(ml.DefaultIsolationConfig())
		So(iso.Fit([][]float64{{1}, {2}, {3}, {50}}), ShouldBeNil)
		So(iso.SampleSize, ShouldEqual, 4)
	})
}
