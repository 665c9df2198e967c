package scoring

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/enterprise/insight-engine/internal/ml"
	"github.com/enterprise/insight-engine/internal/models"
)

const (
	// MinTrainingRows is the smallest labelled set Fit trains on directly
	MinTrainingRows = 100
	// SyntheticRowCount is the size of the generated fallback set
	SyntheticRowCount = 1000
	// Seed drives every random choice made while fitting
	Seed = 42

	// UntrainedVersion names the snapshot used before any model is fitted or loaded
	UntrainedVersion = "untrained"

	defaultCategory   = models.CategoryRegularUser
	defaultConfidence = 0.5
	defaultAnomaly    = 0.1
	testFraction      = 0.2
)

var (
	// ErrModelUnavailable means the snapshot has no fitted models; callers get safe defaults
	ErrModelUnavailable = errors.New("scoring model unavailable")
	// ErrInsufficientRows is returned when even the fallback set cannot be fitted
	ErrInsufficientRows = errors.New("insufficient training rows")
)

// Snapshot is an immutable set of fitted models. It is never mutated once published.
type Snapshot struct {
	info        models.ModelInfo
	scaler      *ml.StandardScaler
	categorizer *ml.RandomForest
	outlier     *ml.IsolationForest
}

// NewUntrainedSnapshot returns the default snapshot that answers with safe defaults
func NewUntrainedSnapshot() *Snapshot {
	return &Snapshot{
		info:        models.ModelInfo{Version: UntrainedVersion},
		scaler:      &ml.StandardScaler{},
		categorizer: ml.NewRandomForest(ml.DefaultForestConfig()),
		outlier:     ml.NewIsolationForest(ml.DefaultIsolationConfig()),
	}
}

// Info returns the snapshot metadata
func (s *Snapshot) Info() models.ModelInfo {
	return s.info
}

// Version returns the snapshot version
func (s *Snapshot) Version() string {
	return s.info.Version
}

// Trained reports whether all three models are fitted
func (s *Snapshot) Trained() bool {
	return s.info.Trained && s.scaler.Fitted() && s.categorizer.Fitted() && s.outlier.Fitted()
}

// Classify returns the payer segment and the categorizer's confidence.
// When the models are unavailable it returns (regular_user, 0.5) with ErrModelUnavailable.
// Other errors also come with the defaults so callers can degrade.
func (s *Snapshot) Classify(f *models.FeatureRecord) (models.Category, float64, error) {
	if !s.Trained() {
		return defaultCategory, defaultConfidence, ErrModelUnavailable
	}

	scaled, err := s.scaler.Transform(f.CategorizerInputs())
	if err != nil {
		return defaultCategory, defaultConfidence, fmt.Errorf("failed to scale features: %w", err)
	}
	label, confidence, err := s.categorizer.Predict(scaled)
	if err != nil {
		return defaultCategory, defaultConfidence, fmt.Errorf("failed to classify: %w", err)
	}

	category := models.Category(label)
	if !category.IsTrainable() {
		return defaultCategory, defaultConfidence, fmt.Errorf("categorizer produced unknown label %q", label)
	}
	return category, confidence, nil
}

// ScoreAnomaly returns clamp((0.5 - decision) * 2) in [0,1], higher is more anomalous.
// The outlier model reads raw, unscaled inputs. Untrained snapshots return 0.1.
func (s *Snapshot) ScoreAnomaly(f *models.FeatureRecord) (float64, error) {
	if !s.Trained() {
		return defaultAnomaly, ErrModelUnavailable
	}

	raw, err := s.outlier.DecisionFunction(f.OutlierInputs())
	if err != nil {
		return defaultAnomaly, fmt.Errorf("failed to score anomaly: %w", err)
	}
	return clamp01((0.5 - raw) * 2), nil
}

// FitResult describes a completed fit
type FitResult struct {
	Rows       int
	Dropped    int
	Synthetic  bool
	Accuracy   float64
	TrainRows  int
	TestRows   int
	Duration   time.Duration
	Categories map[models.Category]int
}

// Fit trains a new snapshot from labelled rows. Rows with an untrainable label are dropped;
// if fewer than MinTrainingRows remain, SyntheticRowCount generated rows are used instead.
// The scaler and outlier model see every row, the categorizer a seeded 80% split
// with accuracy measured on the rest.
func Fit(ctx context.Context, rows []models.TrainingRow) (*Snapshot, *FitResult, error) {
	start := time.Now()
	result := &FitResult{Categories: make(map[models.Category]int)}

	usable := make([]models.TrainingRow, 0, len(rows))
	for _, r := range rows {
		if r.Label.IsTrainable() {
			usable = append(usable, r)
		}
	}
	result.Dropped = len(rows) - len(usable)

	if len(usable) < MinTrainingRows {
		usable = SyntheticRows(SyntheticRowCount, Seed)
		result.Synthetic = true
	}
	if len(usable) < 2 {
		return nil, nil, ErrInsufficientRows
	}
	result.Rows = len(usable)

	x := make([][]float64, len(usable))
	outlierX := make([][]float64, len(usable))
	y := make([]string, len(usable))
	for i := range usable {
		x[i] = usable[i].CategorizerInputs()
		outlierX[i] = usable[i].OutlierInputs()
		y[i] = string(usable[i].Label)
		result.Categories[usable[i].Label]++
	}

	scaler := &ml.StandardScaler{}
	if err := scaler.Fit(x); err != nil {
		return nil, nil, fmt.Errorf("failed to fit scaler: %w", err)
	}
	scaled, err := scaler.TransformAll(x)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to scale training rows: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	trainX, trainY, testX, testY := split(scaled, y, testFraction, Seed)
	result.TrainRows, result.TestRows = len(trainX), len(testX)

	categorizer := ml.NewRandomForest(ml.DefaultForestConfig())
	if err := categorizer.Fit(trainX, trainY); err != nil {
		return nil, nil, fmt.Errorf("failed to fit categorizer: %w", err)
	}
	if len(testX) > 0 {
		if result.Accuracy, err = categorizer.Accuracy(testX, testY); err != nil {
			return nil, nil, fmt.Errorf("failed to evaluate categorizer: %w", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	outlier := ml.NewIsolationForest(ml.DefaultIsolationConfig())
	if err := outlier.Fit(outlierX); err != nil {
		return nil, nil, fmt.Errorf("failed to fit outlier model: %w", err)
	}

	trainedAt := time.Now().UTC()
	accuracy := result.Accuracy
	snapshot := &Snapshot{
		info: models.ModelInfo{
			Version:   newVersion(trainedAt),
			Trained:   true,
			TrainedAt: &trainedAt,
			Accuracy:  &accuracy,
			RowCount:  result.Rows,
			Synthetic: result.Synthetic,
		},
		scaler:      scaler,
		categorizer: categorizer,
		outlier:     outlier,
	}
	result.Duration = time.Since(start)
	return snapshot, result, nil
}

func newVersion(t time.Time) string {
	return fmt.Sprintf("%s-%s", t.Format("20060102T150405Z"), uuid.NewString()[:8])
}

// split shuffles indices with a fixed seed and holds out the first fraction as the test set
func split(x [][]float64, y []string, fraction float64, seed int64) ([][]float64, []string, [][]float64, []string) {
	perm := rand.New(rand.NewSource(seed)).Perm(len(x))
	nTest := int(float64(len(x)) * fraction)
	if nTest >= len(x) {
		nTest = len(x) - 1
	}

	trainX := make([][]float64, 0, len(x)-nTest)
	trainY := make([]string, 0, len(x)-nTest)
	testX := make([][]float64, 0, nTest)
	testY := make([]string, 0, nTest)
	for i, idx := range perm {
		if i < nTest {
			testX = append(testX, x[idx])
			testY = append(testY, y[idx])
		} else {
			trainX = append(trainX, x[idx])
			trainY = append(trainY, y[idx])
		}
	}
	return trainX, trainY, testX, testY
}
