// Package progress estimates how long a generation will take from the length
// of its prompt, using a single self-correcting words-per-second rate.
//
// The estimate drives a cosmetic progress bar. It is never used to enforce a
// timeout.
package progress

import (
	"math"
	"strings"
)

// DefaultRate is the words-per-second rate used before any generation has
// been measured.
const DefaultRate = 1.0

// Estimator holds the current words-per-second rate. It is not safe for
// concurrent use; the owner serializes access (see chaincache.Cache).
type Estimator struct {
	rate        float64
	defaultRate float64
}

// NewEstimator returns an estimator starting at defaultRate. A non-positive
// defaultRate falls back to DefaultRate.
func NewEstimator(defaultRate float64) *Estimator {
	if defaultRate <= 0 {
		defaultRate = DefaultRate
	}
	return &Estimator{rate: defaultRate, defaultRate: defaultRate}
}

// Rate returns the current words-per-second rate.
func (e *Estimator) Rate() float64 {
	return e.rate
}

// EstimateSeconds returns max(1, round(words / rate)).
func (e *Estimator) EstimateSeconds(words int) int {
	secs := int(math.Round(float64(words) / e.rate))
	return max(1, secs)
}

// UpdateRate sets the rate to words / max(1, secondsElapsed). An update with
// no words is ignored so the rate can never drop to zero.
func (e *Estimator) UpdateRate(words, secondsElapsed int) {
	if words <= 0 {
		return
	}
	e.rate = float64(words) / float64(max(1, secondsElapsed))
}

// Reset restores the default rate.
func (e *Estimator) Reset() {
	e.rate = e.defaultRate
}

// Percent returns min(100, round(passed / estimated * 100)).
func Percent(passed, estimated int) int {
	if estimated <= 0 {
		return 100
	}
	pct := int(math.Round(float64(passed) / float64(estimated) * 100))
	return min(100, max(0, pct))
}

// CountWords returns the number of whitespace-separated words across prompts.
func CountWords(prompts []string) int {
	n := 0
	for _, p := range prompts {
		n += len(strings.Fields(p))
	}
	return n
}
