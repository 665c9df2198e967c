package scoring

import (
	"github.com/enterprise/insight-engine/internal/models"
)

// Rule is a single additive heuristic. Rules of a table are evaluated in order,
// their impacts summed onto the table's base and the total clamped to [0,1].
type Rule struct {
	ID       string
	Name     string
	Impact   float64
	Evaluate func(f *models.FeatureRecord) bool
}

// RuleTable is an ordered list of rules applied on top of a base value
type RuleTable struct {
	Base  float64
	Rules []Rule
}

// Apply evaluates the table and returns the clamped score and the IDs of the rules that fired
func (t RuleTable) Apply(f *models.FeatureRecord) (float64, []string) {
	score := t.Base
	var triggered []string
	for _, rule := range t.Rules {
		if rule.Evaluate(f) {
			score += rule.Impact
			triggered = append(triggered, rule.ID)
		}
	}
	return clamp01(score), triggered
}

// RiskRules scores bot-like or unusual payment behavior
var RiskRules = RuleTable{
	Base: 0,
	Rules: []Rule{
		{
			ID:     "RISK_BOT_PATTERN",
			Name:   "High frequency micro payments",
			Impact: 0.3,
			Evaluate: func(f *models.FeatureRecord) bool {
				return f.PaymentFrequency > 20 && f.AvgPaymentAmount < 10
			},
		},
		{
			ID:     "RISK_ODD_HOURS",
			Name:   "Payment outside waking hours",
			Impact: 0.2,
			Evaluate: func(f *models.FeatureRecord) bool {
				return f.HourOfDay < 6 || f.HourOfDay > 22
			},
		},
		{
			ID:     "RISK_VOLATILE_AMOUNTS",
			Name:   "Volatile recent amounts",
			Impact: 0.2,
			Evaluate: func(f *models.FeatureRecord) bool {
				return f.RecentPaymentVariance > 1000
			},
		},
		{
			ID:     "RISK_SINGLE_PROVIDER_BURST",
			Name:   "Frequent payments to a single provider",
			Impact: 0.1,
			Evaluate: func(f *models.FeatureRecord) bool {
				return f.ProviderDiversity == 1 && f.PaymentFrequency > 5
			},
		},
	},
}

// EfficiencyRules scores how cost-effective the payer's pattern is
var EfficiencyRules = RuleTable{
	Base: 1.0,
	Rules: []Rule{
		{
			ID:     "EFF_MANY_SMALL_PAYMENTS",
			Name:   "Many small payments",
			Impact: -0.3,
			Evaluate: func(f *models.FeatureRecord) bool {
				return f.PaymentFrequency > 10 && f.AvgPaymentAmount < 50
			},
		},
		{
			ID:     "EFF_STABLE_AMOUNTS",
			Name:   "Stable recent amounts",
			Impact: 0.2,
			Evaluate: func(f *models.FeatureRecord) bool {
				return f.RecentPaymentVariance < 100
			},
		},
		{
			ID:     "EFF_DIVERSIFIED",
			Name:   "Diversified providers",
			Impact: 0.1,
			Evaluate: func(f *models.FeatureRecord) bool {
				return f.ProviderDiversity > 2
			},
		},
	},
}

// ConfidenceRules score how much history backs an insight
var ConfidenceRules = RuleTable{
	Base: 0.5,
	Rules: []Rule{
		{
			ID:     "CONF_LONG_HISTORY",
			Name:   "More than ten payments",
			Impact: 0.3,
			Evaluate: func(f *models.FeatureRecord) bool {
				return f.TotalPayments > 10
			},
		},
		{
			ID:     "CONF_SHORT_HISTORY",
			Name:   "Six to ten payments",
			Impact: 0.1,
			Evaluate: func(f *models.FeatureRecord) bool {
				return f.TotalPayments > 5 && f.TotalPayments <= 10
			},
		},
		{
			ID:     "CONF_RECENT_ACTIVITY",
			Name:   "Active in the last week",
			Impact: 0.2,
			Evaluate: func(f *models.FeatureRecord) bool {
				return f.RecentPaymentCount > 3
			},
		},
	},
}

var categoryRecommendations = map[models.Category][]string{
	models.CategoryPowerUser: {
		"Consider our enterprise API packages for better rates",
		"Your usage pattern is excellent - you're maximizing efficiency",
		"Explore advanced features like batch processing",
	},
	models.CategoryRegularUser: {
		"Your payment pattern looks healthy",
		"Consider setting up auto-deposits for convenience",
		"Monitor your API usage to optimize costs",
	},
	models.CategoryOccasionalUser: {
		"Set up low-balance alerts to avoid service interruptions",
		"Consider prepaid packages for better rates",
		"Your usage is efficient but could be more consistent",
	},
	models.CategoryAtRiskUser: {
		"Review your API usage to optimize costs",
		"Consider switching to more cost-effective providers",
		"Your payment pattern suggests potential inefficiencies",
	},
}

const (
	diversifyRecommendation = "Consider diversifying API providers for better reliability"
	batchRecommendation     = "Batch smaller payments to reduce transaction costs"

	batchDescription  = "Consider batching small payments. You could save ~15% on gas costs."
	tokenDescription  = "Use PYUSD for better liquidity and lower slippage on larger payments."
	timingDescription = "Consider making payments during off-peak hours (6-9 PM) for lower gas costs."
)

// RiskScore returns the clamped risk heuristic
func RiskScore(f *models.FeatureRecord) float64 {
	score, _ := RiskRules.Apply(f)
	return score
}

// EfficiencyScore returns the clamped efficiency heuristic
func EfficiencyScore(f *models.FeatureRecord) float64 {
	score, _ := EfficiencyRules.Apply(f)
	return score
}

// DataConfidence returns the clamped history-confidence heuristic
func DataConfidence(f *models.FeatureRecord) float64 {
	score, _ := ConfidenceRules.Apply(f)
	return score
}

// Recommendations returns the category templates followed by the conditional extras.
// An unknown category yields only the extras.
func Recommendations(category models.Category, f *models.FeatureRecord) []string {
	base := categoryRecommendations[category]
	recs := make([]string, 0, len(base)+2)
	recs = append(recs, base...)

	if f.ProviderDiversity == 1 {
		recs = append(recs, diversifyRecommendation)
	}
	if f.PaymentFrequency > 10 {
		recs = append(recs, batchRecommendation)
	}
	return recs
}

// CostSuggestions returns every cost hint whose trigger holds.
// The batch comparison uses the last five entries of history as given.
func CostSuggestions(amount float64, history []models.HistoricalPayment, hour int) []models.CostSuggestion {
	suggestions := make([]models.CostSuggestion, 0, 3)

	if len(history) > 5 {
		tail := history[len(history)-5:]
		var sum float64
		for _, p := range tail {
			sum += p.Amount
		}
		if amount < 0.3*(sum/float64(len(tail))) {
			suggestions = append(suggestions, models.CostSuggestion{
				Type:             models.SuggestionBatchOptimization,
				Description:      batchDescription,
				PotentialSavings: amount * 0.15,
				Confidence:       0.8,
			})
		}
	}

	if amount > 100 {
		suggestions = append(suggestions, models.CostSuggestion{
			Type:             models.SuggestionTokenOptimization,
			Description:      tokenDescription,
			PotentialSavings: amount * 0.03,
			Confidence:       0.7,
		})
	}

	if hour >= 9 && hour <= 17 {
		suggestions = append(suggestions, models.CostSuggestion{
			Type:             models.SuggestionTimingOptimization,
			Description:      timingDescription,
			PotentialSavings: amount * 0.05,
			Confidence:       0.6,
		})
	}

	return suggestions
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
