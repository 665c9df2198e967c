package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Category is the behavioral segment assigned to a payer
type Category string

// Category enum values
const (
	CategoryPowerUser      Category = "power_user"
	CategoryRegularUser    Category = "regular_user"
	CategoryOccasionalUser Category = "occasional_user"
	CategoryAtRiskUser     Category = "at_risk_user"
	CategoryUnknown        Category = "unknown"
)

// TrainableCategories are the labels the categorizer is trained on, in a fixed order
var TrainableCategories = []Category{
	CategoryPowerUser,
	CategoryRegularUser,
	CategoryOccasionalUser,
	CategoryAtRiskUser,
}

// IsTrainable reports whether c is one of the four categorizer labels
func (c Category) IsTrainable() bool {
	for _, t := range TrainableCategories {
		if c == t {
			return true
		}
	}
	return false
}

// PaymentEvent is a single payment observed on the event stream
type PaymentEvent struct {
	Amount     decimal.Decimal `json:"amount"`
	Timestamp  int64           `json:"timestamp"` // epoch seconds
	PayerID    string          `json:"payer_id"`
	ProviderID string          `json:"provider_id"`

	// Malformed lists the fields that could not be parsed and were defaulted
	Malformed []string `json:"-"`
}

// HistoricalPayment is a past payment of a payer, as returned by the history store
type HistoricalPayment struct {
	Amount     float64 `json:"amount"`
	Timestamp  int64   `json:"timestamp"` // epoch seconds
	ProviderID string  `json:"provider_id"`
}

// FeatureRecord holds the behavioral features derived from one event and its payer's history
type FeatureRecord struct {
	PayerID    string `json:"payer_id"`
	ProviderID string `json:"provider_id"`
	Timestamp  int64  `json:"timestamp"`

	// Payment
	PaymentAmount float64 `json:"payment_amount"`

	// Temporal
	HourOfDay int  `json:"hour_of_day"` // 0-23
	DayOfWeek int  `json:"day_of_week"` // 0 (Monday) - 6 (Sunday)
	IsWeekend bool `json:"is_weekend"`

	// History
	TotalPayments     int     `json:"total_payments"`
	AvgPaymentAmount  float64 `json:"avg_payment_amount"`
	PaymentFrequency  float64 `json:"payment_frequency"` // payments per day
	ProviderDiversity int     `json:"provider_diversity"`

	// Trailing 7 days
	RecentPaymentCount    int     `json:"recent_payment_count"`
	RecentPaymentVariance float64 `json:"recent_payment_variance"`
}

// WeekendFlag returns IsWeekend as 0/1
func (f *FeatureRecord) WeekendFlag() float64 {
	if f.IsWeekend {
		return 1
	}
	return 0
}

// CategorizerInputs returns the ordered categorizer input vector
func (f *FeatureRecord) CategorizerInputs() []float64 {
	return []float64{
		f.PaymentAmount,
		float64(f.TotalPayments),
		f.AvgPaymentAmount,
		f.PaymentFrequency,
		float64(f.ProviderDiversity),
		float64(f.RecentPaymentCount),
		float64(f.HourOfDay),
		float64(f.DayOfWeek),
		f.WeekendFlag(),
	}
}

// OutlierInputs returns the ordered outlier scorer input vector
func (f *FeatureRecord) OutlierInputs() []float64 {
	return []float64{
		f.PaymentAmount,
		float64(f.HourOfDay),
		float64(f.RecentPaymentCount),
		f.RecentPaymentVariance,
		f.PaymentFrequency,
	}
}

// Cost suggestion types
const (
	SuggestionBatchOptimization  = "batch_optimization"
	SuggestionTokenOptimization  = "token_optimization"
	SuggestionTimingOptimization = "timing_optimization"
)

// CostSuggestion is a single cost optimization hint
type CostSuggestion struct {
	Type             string  `json:"type"`
	Description      string  `json:"description"`
	PotentialSavings float64 `json:"potential_savings"`
	Confidence       float64 `json:"confidence"`
}

// UserInsight is the combined output for one processed event
type UserInsight struct {
	PayerID         string           `json:"payer_id"`
	Timestamp       time.Time        `json:"timestamp"`
	Category        Category         `json:"category"`
	Confidence      float64          `json:"confidence"`      // categorizer confidence
	DataConfidence  float64          `json:"data_confidence"` // confidence in the underlying data
	Recommendations []string         `json:"recommendations"`
	RiskScore       float64          `json:"risk_score"`
	EfficiencyScore float64          `json:"efficiency_score"`
	AnomalyScore    float64          `json:"anomaly_score"`
	CostSuggestions []CostSuggestion `json:"cost_suggestions"`
	ModelVersion    string           `json:"model_version"`
}

// TrainingRow is one labelled training example
type TrainingRow struct {
	PaymentAmount         float64  `json:"payment_amount"`
	TotalPayments         float64  `json:"total_payments"`
	AvgPaymentAmount      float64  `json:"avg_payment_amount"`
	PaymentFrequency      float64  `json:"payment_frequency"`
	ProviderDiversity     float64  `json:"provider_diversity"`
	RecentPaymentCount    float64  `json:"recent_payment_count"`
	HourOfDay             float64  `json:"hour_of_day"`
	DayOfWeek             float64  `json:"day_of_week"`
	IsWeekend             float64  `json:"is_weekend"`
	RecentPaymentVariance float64  `json:"recent_payment_variance"`
	Label                 Category `json:"user_category"`
}

// CategorizerInputs returns the row's categorizer input vector, same order as FeatureRecord
func (r *TrainingRow) CategorizerInputs() []float64 {
	return []float64{
		r.PaymentAmount,
		r.TotalPayments,
		r.AvgPaymentAmount,
		r.PaymentFrequency,
		r.ProviderDiversity,
		r.RecentPaymentCount,
		r.HourOfDay,
		r.DayOfWeek,
		r.IsWeekend,
	}
}

// OutlierInputs returns the row's outlier input vector, same order as FeatureRecord
func (r *TrainingRow) OutlierInputs() []float64 {
	return []float64{
		r.PaymentAmount,
		r.HourOfDay,
		r.RecentPaymentCount,
		r.RecentPaymentVariance,
		r.PaymentFrequency,
	}
}

// TrainingRowFromFeatures converts a feature record into an unlabelled training row
func TrainingRowFromFeatures(f *FeatureRecord) TrainingRow {
	return TrainingRow{
		PaymentAmount:         f.PaymentAmount,
		TotalPayments:         float64(f.TotalPayments),
		AvgPaymentAmount:      f.AvgPaymentAmount,
		PaymentFrequency:      f.PaymentFrequency,
		ProviderDiversity:     float64(f.ProviderDiversity),
		RecentPaymentCount:    float64(f.RecentPaymentCount),
		HourOfDay:             float64(f.HourOfDay),
		DayOfWeek:             float64(f.DayOfWeek),
		IsWeekend:             f.WeekendFlag(),
		RecentPaymentVariance: f.RecentPaymentVariance,
	}
}

// LabelByRules assigns a category using the fixed segment rules
func LabelByRules(totalPayments, frequency, avgAmount float64) Category {
	switch {
	case totalPayments > 50 && frequency > 5:
		return CategoryPowerUser
	case totalPayments < 5 || frequency < 0.5:
		return CategoryOccasionalUser
	case avgAmount < 10 && frequency > 10:
		return CategoryAtRiskUser
	default:
		return CategoryRegularUser
	}
}

// ModelInfo describes the active scoring model snapshot
type ModelInfo struct {
	Version   string     `json:"version"`
	Trained   bool       `json:"trained"`
	TrainedAt *time.Time `json:"trained_at,omitempty"`
	Accuracy  *float64   `json:"accuracy,omitempty"`
	RowCount  int        `json:"row_count"`
	Synthetic bool       `json:"synthetic"`
}

// CategoryCount is the number of insights assigned one category
type CategoryCount struct {
	Category Category `json:"category"`
	Count    int      `json:"count"`
}

// InsightSummary aggregates the insights archived on one day
type InsightSummary struct {
	Date             string          `json:"date"`
	TotalInsights    int             `json:"total_insights"`
	DistinctPayers   int             `json:"distinct_payers"`
	AvgRiskScore     float64         `json:"avg_risk_score"`
	AvgEfficiency    float64         `json:"avg_efficiency_score"`
	AvgAnomalyScore  float64         `json:"avg_anomaly_score"`
	HighAnomalyCount int             `json:"high_anomaly_count"`
	Categories       []CategoryCount `json:"categories"`
	ModelVersions    []string        `json:"model_versions"`
}

// SystemMetrics is a point-in-time view of the engine's backing services
type SystemMetrics struct {
	Timestamp           time.Time `json:"timestamp"`
	DBConnectionsActive int       `json:"db_connections_active"`
	DBConnectionsIdle   int       `json:"db_connections_idle"`
	QueueLength         int64     `json:"queue_length"`
	QueuePending        int64     `json:"queue_pending"`
	PaymentsPerSec      float64   `json:"payments_per_sec"`
	ModelVersion        string    `json:"model_version"`
}

// TrainingRunStatus is the outcome of a training run
type TrainingRunStatus string

// TrainingRunStatus values
const (
	TrainingRunCompleted TrainingRunStatus = "completed"
	TrainingRunFailed    TrainingRunStatus = "failed"
)

// TrainingRun is one logged training run
type TrainingRun struct {
	ID           uuid.UUID         `json:"id"`
	Status       TrainingRunStatus `json:"status"`
	ModelVersion string            `json:"model_version,omitempty"`
	Rows         int               `json:"rows"`
	Synthetic    bool              `json:"synthetic"`
	Accuracy     float64           `json:"accuracy"`
	Error        string            `json:"error,omitempty"`
	DurationMs   int64             `json:"duration_ms"`
	StartedAt    time.Time         `json:"started_at"`
}
