// Package features derives behavioral feature records from a payment event and its payer's history.
package features

import (
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/enterprise/insight-engine/internal/models"
)

const (
	secondsPerDay = 24 * 3600
	recentWindow  = 7 * 24 * time.Hour
)

// ErrDegradedFeatures is returned alongside a zeroed record when derivation failed
var ErrDegradedFeatures = errors.New("feature derivation failed")

// Extractor turns one event plus history into a FeatureRecord
type Extractor struct {
	loc *time.Location
}

// NewExtractor creates an extractor that reads calendar fields in loc (time.Local if nil)
func NewExtractor(loc *time.Location) *Extractor {
	if loc == nil {
		loc = time.Local
	}
	return &Extractor{loc: loc}
}

// Extract derives the feature record. It never fails hard: on a derivation error it returns a
// record with all numeric fields zeroed (payer/provider preserved) and an error wrapping
// ErrDegradedFeatures, which callers may log and continue with.
func (e *Extractor) Extract(event *models.PaymentEvent, history []models.HistoricalPayment, now time.Time) (models.FeatureRecord, error) {
	if event == nil {
		return models.FeatureRecord{}, fmt.Errorf("%w: nil event", ErrDegradedFeatures)
	}

	record, err := e.derive(event, history, now)
	if err != nil {
		return degraded(event), fmt.Errorf("%w: %v", ErrDegradedFeatures, err)
	}
	return record, nil
}

func (e *Extractor) derive(event *models.PaymentEvent, history []models.HistoricalPayment, now time.Time) (models.FeatureRecord, error) {
	amount := event.Amount.InexactFloat64()
	if err := checkAmount(amount); err != nil {
		return models.FeatureRecord{}, fmt.Errorf("payment amount: %w", err)
	}

	ts := event.Timestamp
	if ts <= 0 {
		ts = now.Unix()
	}
	dt := time.Unix(ts, 0).In(e.loc)
	dayOfWeek := mondayFirst(dt.Weekday())

	record := models.FeatureRecord{
		PayerID:       event.PayerID,
		ProviderID:    event.ProviderID,
		Timestamp:     ts,
		PaymentAmount: amount,
		HourOfDay:     dt.Hour(),
		DayOfWeek:     dayOfWeek,
		IsWeekend:     dayOfWeek >= 5,
		TotalPayments: len(history),
	}

	amounts := make([]float64, 0, len(history))
	providers := make(map[string]struct{}, len(history))
	var recent []float64
	recentSince := now.Add(-recentWindow).Unix()

	for i, p := range history {
		if err := checkAmount(p.Amount); err != nil {
			return models.FeatureRecord{}, fmt.Errorf("history entry %d: %w", i, err)
		}
		amounts = append(amounts, p.Amount)
		providers[p.ProviderID] = struct{}{}
		if p.Timestamp > recentSince {
			recent = append(recent, p.Amount)
		}
	}

	if len(amounts) > 0 {
		record.AvgPaymentAmount = stat.Mean(amounts, nil)
	}
	record.PaymentFrequency = PaymentFrequency(history)
	record.ProviderDiversity = len(providers)
	record.RecentPaymentCount = len(recent)
	if len(recent) > 0 {
		record.RecentPaymentVariance = populationVariance(recent)
	}

	for name, v := range map[string]float64{
		"avg_payment_amount":      record.AvgPaymentAmount,
		"payment_frequency":       record.PaymentFrequency,
		"recent_payment_variance": record.RecentPaymentVariance,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return models.FeatureRecord{}, fmt.Errorf("%s is not finite", name)
		}
	}

	return record, nil
}

// PaymentFrequency returns payments per day over the history's time span, 0 with fewer than 2 entries
func PaymentFrequency(history []models.HistoricalPayment) float64 {
	if len(history) < 2 {
		return 0
	}

	minTS, maxTS := history[0].Timestamp, history[0].Timestamp
	for _, p := range history[1:] {
		if p.Timestamp < minTS {
			minTS = p.Timestamp
		}
		if p.Timestamp > maxTS {
			maxTS = p.Timestamp
		}
	}

	days := math.Max(float64(maxTS-minTS)/secondsPerDay, 1)
	return float64(len(history)) / days
}

func populationVariance(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	_, variance := stat.PopMeanVariance(values, nil)
	return variance
}

func checkAmount(v float64) error {
	switch {
	case math.IsNaN(v) || math.IsInf(v, 0):
		return errors.New("not finite")
	case v < 0:
		return errors.New("negative")
	}
	return nil
}

// mondayFirst maps time.Weekday (Sunday=0) onto Monday=0 ... Sunday=6
func mondayFirst(d time.Weekday) int {
	return (int(d) + 6) % 7
}

func degraded(event *models.PaymentEvent) models.FeatureRecord {
	return models.FeatureRecord{
		PayerID:    event.PayerID,
		ProviderID: event.ProviderID,
		Timestamp:  event.Timestamp,
	}
}
