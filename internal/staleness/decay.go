// Package staleness scores how far records have decayed since they were last
// validated and prunes the ones that have aged out.
package staleness

import (
	"math"
	"time"

	"github.com/fyrsmithlabs/expertd/internal/expertise"
)

// BaseHalfLifeDays is the half-life of each record type before adjustment.
var BaseHalfLifeDays = map[expertise.RecordType]float64{
	expertise.TypeBoundary:   365,
	expertise.TypeConvention: 180,
	expertise.TypeDecision:   150,
	expertise.TypePattern:    120,
	expertise.TypeFailure:    90,
	expertise.TypeInsight:    30,
}

// defaultHalfLifeDays covers a type missing from BaseHalfLifeDays.
const defaultHalfLifeDays = 90

var timeNow = time.Now

// HalfLifeDays returns the adjusted half-life of rec. Validation and
// confidence both lengthen it.
func HalfLifeDays(rec *expertise.Record) float64 {
	base, ok := BaseHalfLifeDays[rec.Type]
	if !ok {
		base = defaultHalfLifeDays
	}
	return base * (1 + float64(rec.ValidationCount)*0.1) * (0.8 + rec.Confidence*0.4)
}

// ComputeStaleness returns a score in [0,1]: 0 is fresh, 1 fully decayed.
func ComputeStaleness(rec *expertise.Record) float64 {
	return ScoreAt(rec, timeNow())
}

// ScoreAt computes the staleness of rec as of now.
func ScoreAt(rec *expertise.Record, now time.Time) float64 {
	age := AgeDays(rec.LastValidated, now)
	score := 1 - math.Exp2(-age/HalfLifeDays(rec))
	return math.Min(1, math.Max(0, score))
}

// AgeDays returns the non-negative fractional days from t to now.
func AgeDays(t, now time.Time) float64 {
	d := now.Sub(t).Hours() / 24
	if d < 0 {
		return 0
	}
	return d
}
