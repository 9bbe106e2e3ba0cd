// Package classify fans one image out to every configured model at once and
// reduces the verdicts to a single consensus answer.
package classify

import (
	"context"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/hotdogornot/hotdogornot/pkg/openrouter"
	"github.com/hotdogornot/hotdogornot/pkg/parser"
)

// Consensus values. "unsure" covers vote splits and all-error panels.
const (
	ConsensusYes    = "yes"
	ConsensusNo     = "no"
	ConsensusUnsure = "unsure"
)

// ModelResult is one model's verdict on the image.
type ModelResult struct {
	Model     string        `json:"model"`
	Answer    parser.Answer `json:"answer"`
	Reasoning string        `json:"reasoning"`
	LatencyMs float64       `json:"latency_ms"`
	Error     string        `json:"error,omitempty"`
}

// Result is the full panel outcome.
type Result struct {
	Results   []ModelResult `json:"results"`
	Consensus string        `json:"consensus"`
	YesCount  int           `json:"yes_count"`
	NoCount   int           `json:"no_count"`
	Errors    int           `json:"errors"`
}

// Service runs panel classifications.
type Service struct {
	log        logrus.FieldLogger
	classifier openrouter.Classifier
	models     []string
}

// NewService creates a panel classifier over the given model list.
func NewService(log logrus.FieldLogger, classifier openrouter.Classifier, models []string) *Service {
	return &Service{
		log:        log.WithField("component", "classify"),
		classifier: classifier,
		models:     models,
	}
}

// Classify asks every model about the image concurrently. Individual model
// failures become error entries in the panel rather than failing the call;
// only context cancellation aborts the whole panel.
func (s *Service) Classify(ctx context.Context, data []byte, mimeType string) (Result, error) {
	results := make([]ModelResult, len(s.models))

	g, ctx := errgroup.WithContext(ctx)

	for i, model := range s.models {
		g.Go(func() error {
			results[i] = s.classifyOne(ctx, model, data, mimeType)

			if err := ctx.Err(); err != nil {
				return err
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	return reduce(results), nil
}

func (s *Service) classifyOne(ctx context.Context, model string, data []byte, mimeType string) ModelResult {
	res, err := s.classifier.ClassifyImageData(ctx, model, data, mimeType)
	if err != nil {
		s.log.WithError(err).WithField("model", model).Warn("Panel classification failed")

		return ModelResult{
			Model:     model,
			Answer:    parser.AnswerError,
			LatencyMs: res.LatencyMs,
			Error:     err.Error(),
		}
	}

	verdict := parser.Parse(res.RawText)

	return ModelResult{
		Model:     model,
		Answer:    verdict.Answer,
		Reasoning: verdict.Reasoning,
		LatencyMs: res.LatencyMs,
	}
}

func reduce(results []ModelResult) Result {
	out := Result{Results: results}

	for _, r := range results {
		switch r.Answer {
		case parser.AnswerYes:
			out.YesCount++
		case parser.AnswerNo:
			out.NoCount++
		default:
			out.Errors++
		}
	}

	switch {
	case out.YesCount > out.NoCount:
		out.Consensus = ConsensusYes
	case out.NoCount > out.YesCount:
		out.Consensus = ConsensusNo
	default:
		out.Consensus = ConsensusUnsure
	}

	return out
}
