package scoring

import (
	"math"
	"math/rand"

	"github.com/enterprise/insight-engine/internal/models"
)

// SyntheticRows generates n labelled training rows from fixed distributions.
// The same seed always yields the same rows.
func SyntheticRows(n int, seed int64) []models.TrainingRow {
	rng := rand.New(rand.NewSource(seed))
	rows := make([]models.TrainingRow, n)

	for i := range rows {
		row := models.TrainingRow{
			PaymentAmount:         logNormal(rng, 4, 1),
			TotalPayments:         float64(poisson(rng, 10)),
			AvgPaymentAmount:      logNormal(rng, 3.5, 0.8),
			PaymentFrequency:      rng.ExpFloat64() * 2,
			ProviderDiversity:     float64(poisson(rng, 2) + 1),
			RecentPaymentCount:    float64(poisson(rng, 3)),
			RecentPaymentVariance: logNormal(rng, 4, 1.5),
			HourOfDay:             positiveMod(14+4*rng.NormFloat64(), 24),
			DayOfWeek:             float64(rng.Intn(7)),
		}
		// weekend is drawn on its own, not derived from the day
		if rng.Float64() < 0.3 {
			row.IsWeekend = 1
		}
		row.Label = models.LabelByRules(row.TotalPayments, row.PaymentFrequency, row.AvgPaymentAmount)
		rows[i] = row
	}
	return rows
}

func logNormal(rng *rand.Rand, mu, sigma float64) float64 {
	return math.Exp(mu + sigma*rng.NormFloat64())
}

// poisson uses Knuth's multiplication method, fine for the small means used here
func poisson(rng *rand.Rand, lambda float64) int {
	limit := math.Exp(-lambda)
	k, p := 0, 1.0
	for {
		p *= rng.Float64()
		if p <= limit {
			return k
		}
		k++
	}
}

func positiveMod(v, m float64) float64 {
	r := math.Mod(v, m)
	if r < 0 {
		r += m
	}
	if r >= m {
		return 0
	}
	return r
}
