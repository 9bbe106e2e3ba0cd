// Package rating fits Bradley-Terry skill ratings from pairwise model
// comparisons. Strengths come from the standard minorization-maximization
// iteration with a small pseudo-count prior, ties counting as half a win for
// each side. Ratings are reported on an Elo-like display scale with
// bootstrap confidence intervals.
package rating

import (
	"math"
	"math/rand"
	"sort"
)

const (
	defaultMinVotes   = 2
	defaultPrior      = 0.1
	defaultResamples  = 200
	defaultSeed       = 424242
	maxIterations     = 1000
	convergenceEps    = 1e-9
	displayBase       = 1500.0
	displayScale      = 400.0
	ciLowerPercentile = 0.025
	ciUpperPercentile = 0.975
)

// Outcome of a single comparison.
type Outcome int

const (
	OutcomeAWins Outcome = iota
	OutcomeBWins
	OutcomeTie
)

// Comparison is one judged pairing of two models.
type Comparison struct {
	ModelA  string
	ModelB  string
	Outcome Outcome
}

// ModelRating is one leaderboard row.
type ModelRating struct {
	Model  string  `json:"model"`
	Rating float64 `json:"rating"`
	CILow  float64 `json:"ci_low"`
	CIHigh float64 `json:"ci_high"`
	Wins   float64 `json:"wins"`
	Losses float64 `json:"losses"`
	Ties   int     `json:"ties"`
	Votes  int     `json:"votes"`
}

// Leaderboard is the ranking output. Models is nil when there are fewer
// comparisons than MinVotes.
type Leaderboard struct {
	Models         []ModelRating `json:"models"`
	TotalVotes     int           `json:"total_votes"`
	MinVotesNeeded int           `json:"min_votes_needed"`
}

// Engine fits ratings. The zero value is not usable; construct with
// NewEngine.
type Engine struct {
	minVotes  int
	prior     float64
	resamples int
	seed      int64
}

// Option configures an Engine.
type Option func(*Engine)

// WithMinVotes sets the minimum comparison count before a ranking is
// produced.
func WithMinVotes(n int) Option {
	return func(e *Engine) { e.minVotes = n }
}

// WithResamples sets the bootstrap resample count. Zero disables the CIs.
func WithResamples(n int) Option {
	return func(e *Engine) { e.resamples = n }
}

// WithSeed fixes the bootstrap RNG seed.
func WithSeed(seed int64) Option {
	return func(e *Engine) { e.seed = seed }
}

// NewEngine creates a rating engine with the default prior, resample count
// and seed.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		minVotes:  defaultMinVotes,
		prior:     defaultPrior,
		resamples: defaultResamples,
		seed:      defaultSeed,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Rank fits a leaderboard from the given comparisons. Identical input
// multisets yield identical output regardless of comparison order.
func (e *Engine) Rank(comparisons []Comparison) Leaderboard {
	lb := Leaderboard{
		TotalVotes:     len(comparisons),
		MinVotesNeeded: e.minVotes,
	}

	if len(comparisons) < e.minVotes {
		return lb
	}

	models := collectModels(comparisons)
	if len(models) < 2 {
		return lb
	}

	index := make(map[string]int, len(models))
	for i, m := range models {
		index[m] = i
	}

	strengths := fit(buildWinMatrix(comparisons, index, e.prior))

	ratings := make([]ModelRating, len(models))
	for i, m := range models {
		ratings[i] = ModelRating{
			Model:  m,
			Rating: toDisplay(strengths[i]),
			CILow:  toDisplay(strengths[i]),
			CIHigh: toDisplay(strengths[i]),
		}
	}

	tallyRecords(comparisons, index, ratings)
	e.bootstrapCIs(comparisons, index, ratings)

	sort.Slice(ratings, func(i, j int) bool {
		if ratings[i].Rating != ratings[j].Rating {
			return ratings[i].Rating > ratings[j].Rating
		}

		return ratings[i].Model < ratings[j].Model
	})

	lb.Models = ratings

	return lb
}

// collectModels returns the distinct model ids in sorted order, so the fit
// is independent of comparison ordering.
func collectModels(comparisons []Comparison) []string {
	seen := map[string]bool{}
	for _, c := range comparisons {
		seen[c.ModelA] = true
		seen[c.ModelB] = true
	}

	models := make([]string, 0, len(seen))
	for m := range seen {
		models = append(models, m)
	}

	sort.Strings(models)

	return models
}

// buildWinMatrix returns w where w[i][j] is the (possibly fractional) number
// of times model i beat model j. Ties contribute half a win to each side,
// and every pair of models gets prior pseudo-wins in both directions, which
// keeps perfect records finite and connects sparse comparison graphs.
func buildWinMatrix(comparisons []Comparison, index map[string]int, prior float64) [][]float64 {
	n := len(index)

	w := make([][]float64, n)
	for i := range w {
		w[i] = make([]float64, n)

		for j := range w[i] {
			if i != j {
				w[i][j] = prior
			}
		}
	}

	for _, c := range comparisons {
		a, b := index[c.ModelA], index[c.ModelB]
		if a == b {
			continue
		}

		switch c.Outcome {
		case OutcomeAWins:
			w[a][b]++
		case OutcomeBWins:
			w[b][a]++
		case OutcomeTie:
			w[a][b] += 0.5
			w[b][a] += 0.5
		}
	}

	return w
}

// fit runs the MM iteration for Bradley-Terry maximum likelihood and
// returns strengths normalized to geometric mean 1.
func fit(w [][]float64) []float64 {
	n := len(w)

	p := make([]float64, n)
	for i := range p {
		p[i] = 1
	}

	next := make([]float64, n)

	for iter := 0; iter < maxIterations; iter++ {
		var maxDelta float64

		for i := 0; i < n; i++ {
			var wins, denom float64

			for j := 0; j < n; j++ {
				if i == j {
					continue
				}

				wins += w[i][j]
				denom += (w[i][j] + w[j][i]) / (p[i] + p[j])
			}

			if denom == 0 {
				next[i] = p[i]

				continue
			}

			next[i] = wins / denom
		}

		normalize(next)

		for i := 0; i < n; i++ {
			if d := math.Abs(next[i] - p[i]); d > maxDelta {
				maxDelta = d
			}
		}

		copy(p, next)

		if maxDelta < convergenceEps {
			break
		}
	}

	return p
}

// normalize rescales strengths to geometric mean 1, fixing the model's
// scale invariance.
func normalize(p []float64) {
	var logSum float64
	for _, v := range p {
		logSum += math.Log(v)
	}

	scale := math.Exp(logSum / float64(len(p)))
	for i := range p {
		p[i] /= scale
	}
}

// toDisplay maps a strength onto the Elo-like display scale.
func toDisplay(strength float64) float64 {
	return math.Round((displayBase+displayScale*math.Log10(strength))*100) / 100
}

// tallyRecords fills per-model win/loss/tie/vote counts.
func tallyRecords(comparisons []Comparison, index map[string]int, ratings []ModelRating) {
	for _, c := range comparisons {
		a, b := index[c.ModelA], index[c.ModelB]

		ratings[a].Votes++
		ratings[b].Votes++

		switch c.Outcome {
		case OutcomeAWins:
			ratings[a].Wins++
			ratings[b].Losses++
		case OutcomeBWins:
			ratings[b].Wins++
			ratings[a].Losses++
		case OutcomeTie:
			ratings[a].Ties++
			ratings[b].Ties++
			ratings[a].Wins += 0.5
			ratings[b].Wins += 0.5
			ratings[a].Losses += 0.5
			ratings[b].Losses += 0.5
		}
	}
}

// bootstrapCIs computes percentile confidence intervals on the display
// scale by refitting over comparison-level resamples. The RNG seed is fixed
// so identical inputs give identical intervals.
func (e *Engine) bootstrapCIs(comparisons []Comparison, index map[string]int, ratings []ModelRating) {
	if e.resamples <= 0 {
		return
	}

	rng := rand.New(rand.NewSource(e.seed))
	n := len(index)

	samples := make([][]float64, n)
	for i := range samples {
		samples[i] = make([]float64, 0, e.resamples)
	}

	resample := make([]Comparison, len(comparisons))

	for r := 0; r < e.resamples; r++ {
		for i := range resample {
			resample[i] = comparisons[rng.Intn(len(comparisons))]
		}

		strengths := fit(buildWinMatrix(resample, index, e.prior))
		for i := 0; i < n; i++ {
			samples[i] = append(samples[i], toDisplay(strengths[i]))
		}
	}

	for i := range ratings {
		sort.Float64s(samples[i])
		ratings[i].CILow = percentile(samples[i], ciLowerPercentile)
		ratings[i].CIHigh = percentile(samples[i], ciUpperPercentile)
	}
}

// percentile returns the nearest-rank percentile of a sorted slice.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}

	idx := int(math.Ceil(q*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}

	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}

	return sorted[idx]
}
