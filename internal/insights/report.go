package insights

import (
	"time"
)

// Stage names a pipeline step
type Stage string

// Pipeline stages
const (
	StageInput          Stage = "input"
	StageHistory        Stage = "history"
	StageFeatures       Stage = "features"
	StageClassification Stage = "classification"
	StageAnomaly        Stage = "anomaly"
	StageHeuristics     Stage = "heuristics"
	StageCacheWrite     Stage = "cache_write"
	StageRecord         Stage = "record"
)

// Kind classifies a stage failure
type Kind string

// Failure kinds
const (
	KindInvalidEvent       Kind = "invalid_event"
	KindHistoryUnavailable Kind = "history_unavailable"
	KindCacheRead          Kind = "cache_read"
	KindCacheWrite         Kind = "cache_write"
	KindDegradedFeatures   Kind = "degraded_features"
	KindModelUnavailable   Kind = "model_unavailable"
	KindClassification     Kind = "classification"
	KindAnomaly            Kind = "anomaly"
	KindRecord             Kind = "record"
	KindCanceled           Kind = "canceled"
	KindPanic              Kind = "panic"
)

// Informational reports whether the kind is an expected condition rather than a fault
func (k Kind) Informational() bool {
	return k == KindModelUnavailable
}

// StageFailure is one failure observed while processing an event
type StageFailure struct {
	Stage   Stage  `json:"stage"`
	Kind    Kind   `json:"kind"`
	Err     error  `json:"-"`
	Message string `json:"error"`
}

// Report describes how a Process call went
type Report struct {
	Failures []StageFailure `json:"failures,omitempty"`
	CacheHit bool           `json:"cache_hit"`
	Duration time.Duration  `json:"-"`
}

func (r *Report) add(stage Stage, kind Kind, err error) {
	f := StageFailure{Stage: stage, Kind: kind, Err: err}
	if err != nil {
		f.Message = err.Error()
	}
	r.Failures = append(r.Failures, f)
}

// Has reports whether a failure of kind was recorded
func (r Report) Has(kind Kind) bool {
	for _, f := range r.Failures {
		if f.Kind == kind {
			return true
		}
	}
	return false
}

// Degraded reports whether any non-informational failure was recorded
func (r Report) Degraded() bool {
	for _, f := range r.Failures {
		if !f.Kind.Informational() {
			return true
		}
	}
	return false
}
