// Package metrics computes classification quality and latency statistics for
// benchmark runs. The positive class is "hot_dog": a "yes" answer on a hot
// dog image is a true positive.
package metrics

import (
	"math"
	"sort"

	"github.com/hotdogornot/hotdogornot/pkg/dataset"
	"github.com/hotdogornot/hotdogornot/pkg/parser"
)

// wilsonZ is the z-score for a 95% confidence interval.
const wilsonZ = 1.96

// Prediction is a single scored classification.
type Prediction struct {
	Answer      parser.Answer    `json:"answer"`
	GroundTruth dataset.Category `json:"ground_truth"`
	LatencyMs   float64          `json:"latency_ms"`
}

// Metrics is the confusion matrix plus the derived rates for one run.
// TP+TN+FP+FN+Errors always equals Total. When Valid is zero every rate is
// zero rather than NaN.
type Metrics struct {
	TruePositives  int `json:"true_positives"`
	TrueNegatives  int `json:"true_negatives"`
	FalsePositives int `json:"false_positives"`
	FalseNegatives int `json:"false_negatives"`
	Errors         int `json:"errors"`
	Total          int `json:"total"`
	Valid          int `json:"valid"`

	Accuracy  float64 `json:"accuracy"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
	ErrorRate float64 `json:"error_rate"`
}

// LatencySummary holds latency statistics in milliseconds. Errored
// predictions count too: a slow failure is still time the caller waited.
type LatencySummary struct {
	MeanMs   float64 `json:"mean_ms"`
	MedianMs float64 `json:"median_ms"`
	P95Ms    float64 `json:"p95_ms"`
}

// CategorySummary is the per-ground-truth-category accuracy breakdown.
type CategorySummary struct {
	Category dataset.Category `json:"category"`
	Correct  int              `json:"correct"`
	Total    int              `json:"total"`
	Accuracy float64          `json:"accuracy"`
	CILow    float64          `json:"ci_low"`
	CIHigh   float64          `json:"ci_high"`
}

// Report is the full evaluation of one run.
type Report struct {
	Metrics        Metrics           `json:"metrics"`
	AccuracyCILow  float64           `json:"accuracy_ci_low"`
	AccuracyCIHigh float64           `json:"accuracy_ci_high"`
	Categories     []CategorySummary `json:"categories"`
	Latency        LatencySummary    `json:"latency"`
}

// Compute builds the confusion matrix and derived rates for a set of
// predictions. Error answers are excluded from the matrix but counted.
func Compute(preds []Prediction) Metrics {
	m := Metrics{Total: len(preds)}

	for _, p := range preds {
		if p.Answer == parser.AnswerError {
			m.Errors++

			continue
		}

		predictedHotDog := p.Answer == parser.AnswerYes
		isHotDog := p.GroundTruth == dataset.CategoryHotDog

		switch {
		case predictedHotDog && isHotDog:
			m.TruePositives++
		case !predictedHotDog && !isHotDog:
			m.TrueNegatives++
		case predictedHotDog && !isHotDog:
			m.FalsePositives++
		default:
			m.FalseNegatives++
		}
	}

	m.Valid = m.TruePositives + m.TrueNegatives + m.FalsePositives + m.FalseNegatives

	if m.Valid > 0 {
		m.Accuracy = round4(float64(m.TruePositives+m.TrueNegatives) / float64(m.Valid))
	}

	if denom := m.TruePositives + m.FalsePositives; denom > 0 {
		m.Precision = round4(float64(m.TruePositives) / float64(denom))
	}

	if denom := m.TruePositives + m.FalseNegatives; denom > 0 {
		m.Recall = round4(float64(m.TruePositives) / float64(denom))
	}

	if m.Precision+m.Recall > 0 {
		m.F1 = round4(2 * m.Precision * m.Recall / (m.Precision + m.Recall))
	}

	if m.Total > 0 {
		m.ErrorRate = round4(float64(m.Errors) / float64(m.Total))
	}

	return m
}

// WilsonInterval returns the 95% Wilson score interval for a proportion of
// successes out of total. Returns (0, 0) when total is zero.
func WilsonInterval(successes, total int) (float64, float64) {
	if total <= 0 {
		return 0, 0
	}

	n := float64(total)
	pHat := float64(successes) / n
	z2 := wilsonZ * wilsonZ

	denom := 1 + z2/n
	center := (pHat + z2/(2*n)) / denom
	margin := wilsonZ / denom * math.Sqrt(pHat*(1-pHat)/n+z2/(4*n*n))

	lo := math.Max(0, center-margin)
	hi := math.Min(1, center+margin)

	return round4(lo), round4(hi)
}

// LatencyStats returns mean, median and p95 of the given latencies. The p95
// index follows the nearest-rank method on the sorted slice.
func LatencyStats(latencies []float64) LatencySummary {
	if len(latencies) == 0 {
		return LatencySummary{}
	}

	sorted := make([]float64, len(latencies))
	copy(sorted, latencies)
	sort.Float64s(sorted)

	var sum float64
	for _, l := range sorted {
		sum += l
	}

	n := len(sorted)

	var median float64
	if n%2 == 0 {
		median = (sorted[n/2-1] + sorted[n/2]) / 2
	} else {
		median = sorted[n/2]
	}

	p95Idx := int(math.Ceil(0.95*float64(n))) - 1
	if p95Idx < 0 {
		p95Idx = 0
	}

	return LatencySummary{
		MeanMs:   round4(sum / float64(n)),
		MedianMs: round4(median),
		P95Ms:    round4(sorted[p95Idx]),
	}
}

// ComputeReport assembles the full report: confusion metrics, accuracy CI,
// per-category breakdown and latency statistics.
func ComputeReport(preds []Prediction) Report {
	m := Compute(preds)

	ciLow, ciHigh := WilsonInterval(m.TruePositives+m.TrueNegatives, m.Valid)

	latencies := make([]float64, 0, len(preds))
	for _, p := range preds {
		latencies = append(latencies, p.LatencyMs)
	}

	return Report{
		Metrics:        m,
		AccuracyCILow:  ciLow,
		AccuracyCIHigh: ciHigh,
		Categories:     categoryBreakdown(preds),
		Latency:        LatencyStats(latencies),
	}
}

// categoryBreakdown computes per-category accuracy over non-error
// predictions, in stable category order.
func categoryBreakdown(preds []Prediction) []CategorySummary {
	type tally struct {
		correct int
		total   int
	}

	tallies := map[dataset.Category]*tally{}

	for _, p := range preds {
		if p.Answer == parser.AnswerError {
			continue
		}

		t, ok := tallies[p.GroundTruth]
		if !ok {
			t = &tally{}
			tallies[p.GroundTruth] = t
		}

		t.total++

		correct := (p.Answer == parser.AnswerYes) == (p.GroundTruth == dataset.CategoryHotDog)
		if correct {
			t.correct++
		}
	}

	out := make([]CategorySummary, 0, len(tallies))

	for _, cat := range []dataset.Category{dataset.CategoryHotDog, dataset.CategoryNotHotDog} {
		t, ok := tallies[cat]
		if !ok {
			continue
		}

		lo, hi := WilsonInterval(t.correct, t.total)

		out = append(out, CategorySummary{
			Category: cat,
			Correct:  t.correct,
			Total:    t.total,
			Accuracy: round4(float64(t.correct) / float64(t.total)),
			CILow:    lo,
			CIHigh:   hi,
		})
	}

	return out
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
