// Package battle runs head-to-head rounds: a challenger model's verdict on
// an image is paired with the resident baseline model's verdict, judges vote
// on which side did better, and vote ledgers roll up into skill rankings.
// The "user" and "arena" judge populations are kept fully separate.
package battle

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hotdogornot/hotdogornot/pkg/battle/store"
	"github.com/hotdogornot/hotdogornot/pkg/openrouter"
	"github.com/hotdogornot/hotdogornot/pkg/parser"
	"github.com/hotdogornot/hotdogornot/pkg/rating"
	"github.com/hotdogornot/hotdogornot/pkg/storage"
)

// Judge populations.
const (
	PopulationUser  = "user"
	PopulationArena = "arena"
)

// Vote choices.
const (
	ChoiceBaseline   = "baseline"
	ChoiceChallenger = "challenger"
	ChoiceTie        = "tie"
)

// Consensus values.
const (
	ConsensusYes      = "yes"
	ConsensusNo       = "no"
	ConsensusDisagree = "disagree"
)

var (
	ErrRoundNotFound = errors.New("round not found")
	ErrDuplicateVote = errors.New("duplicate vote")
	ErrInvalidInput  = errors.New("invalid input")
)

// Config for the battle service.
type Config struct {
	BaselineModel  string   `yaml:"baseline_model" mapstructure:"baseline_model"`
	MinVotes       int      `yaml:"min_votes" mapstructure:"min_votes"`
	ExcludedModels []string `yaml:"excluded_models" mapstructure:"excluded_models"`
}

// RoundRequest is a challenger submission.
type RoundRequest struct {
	ImageData           []byte
	ImageMimeType       string
	ImageExt            string
	ChallengerModel     string
	ChallengerAnswer    parser.Answer
	ChallengerReasoning string
	ChallengerLatencyMs float64
	Source              string
}

// FeedEntry is one judged round with its per-population outcome.
type FeedEntry struct {
	Round     store.Round `json:"round"`
	Winner    string      `json:"winner"`
	VoteCount int         `json:"vote_count"`
}

// Stats summarizes one population's ledger.
type Stats struct {
	Population          string `json:"population"`
	TotalRounds         int    `json:"total_rounds"`
	TotalVotes          int    `json:"total_votes"`
	PreferredBaseline   int    `json:"preferred_baseline"`
	PreferredChallenger int    `json:"preferred_challenger"`
	PreferredTie        int    `json:"preferred_tie"`
}

// Service orchestrates rounds, votes and rankings.
type Service struct {
	log        logrus.FieldLogger
	cfg        Config
	db         store.Store
	images     storage.Store
	classifier openrouter.Classifier
	engine     *rating.Engine
	excluded   map[string]bool

	roundLocks [64]sync.Mutex
}

// NewService creates the battle service.
func NewService(log logrus.FieldLogger, cfg Config, db store.Store, images storage.Store, classifier openrouter.Classifier) *Service {
	excluded := make(map[string]bool, len(cfg.ExcludedModels))
	for _, m := range cfg.ExcludedModels {
		excluded[m] = true
	}

	minVotes := cfg.MinVotes
	if minVotes <= 0 {
		minVotes = 2
	}

	return &Service{
		log:        log.WithField("component", "battle"),
		cfg:        cfg,
		db:         db,
		images:     images,
		classifier: classifier,
		engine:     rating.NewEngine(rating.WithMinVotes(minVotes)),
		excluded:   excluded,
	}
}

// ValidPopulation reports whether p names a known judge population.
func ValidPopulation(p string) bool {
	return p == PopulationUser || p == PopulationArena
}

// ValidChoice reports whether c is a legal vote choice.
func ValidChoice(c string) bool {
	return c == ChoiceBaseline || c == ChoiceChallenger || c == ChoiceTie
}

// RecordRound stores the submitted image, obtains the baseline model's
// verdict on it and persists the completed round. A baseline inference
// failure does not fail the round; the baseline answer becomes "error" so
// judges can still score the challenger.
func (s *Service) RecordRound(ctx context.Context, req RoundRequest) (*store.Round, error) {
	if !req.ChallengerAnswer.Valid() {
		return nil, fmt.Errorf("%w: challenger answer %q", ErrInvalidInput, req.ChallengerAnswer)
	}

	if req.ChallengerModel == "" {
		return nil, fmt.Errorf("%w: challenger model is required", ErrInvalidInput)
	}

	roundID, err := newRoundID()
	if err != nil {
		return nil, err
	}

	imageKey := roundID + normalizeExt(req.ImageExt)

	if err := s.images.Put(ctx, imageKey, req.ImageData); err != nil {
		return nil, fmt.Errorf("failed to store round image: %w", err)
	}

	round := &store.Round{
		RoundID:             roundID,
		CreatedAt:           time.Now().UTC(),
		ImageKey:            imageKey,
		Source:              req.Source,
		BaselineModel:       s.cfg.BaselineModel,
		ChallengerModel:     req.ChallengerModel,
		ChallengerAnswer:    string(req.ChallengerAnswer),
		ChallengerReasoning: req.ChallengerReasoning,
		ChallengerLatencyMs: req.ChallengerLatencyMs,
	}

	res, err := s.classifier.ClassifyImageData(ctx, s.cfg.BaselineModel, req.ImageData, req.ImageMimeType)
	if err != nil {
		s.log.WithError(err).WithField("round_id", roundID).Warn("Baseline inference failed")

		round.BaselineAnswer = string(parser.AnswerError)
		round.BaselineLatencyMs = res.LatencyMs
	} else {
		verdict := parser.Parse(res.RawText)

		round.BaselineAnswer = string(verdict.Answer)
		round.BaselineReasoning = verdict.Reasoning
		round.BaselineLatencyMs = res.LatencyMs
	}

	round.Consensus = consensus(parser.Answer(round.BaselineAnswer), req.ChallengerAnswer)

	if err := s.db.CreateRound(ctx, round); err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"round_id":   roundID,
		"challenger": req.ChallengerModel,
		"consensus":  round.Consensus,
	}).Info("Round recorded")

	return round, nil
}

// CastVote appends a judge's vote and recomputes the round's majority
// winner for that population. Votes on one round are serialized so the
// stored winner always reflects the full vote history.
func (s *Service) CastVote(ctx context.Context, roundID, population, voterID, choice string) (*store.RoundResult, error) {
	if !ValidPopulation(population) {
		return nil, fmt.Errorf("%w: population %q", ErrInvalidInput, population)
	}

	if !ValidChoice(choice) {
		return nil, fmt.Errorf("%w: choice %q", ErrInvalidInput, choice)
	}

	if voterID == "" {
		return nil, fmt.Errorf("%w: voter id is required", ErrInvalidInput)
	}

	lock := s.roundLock(roundID)
	lock.Lock()
	defer lock.Unlock()

	round, err := s.db.GetRound(ctx, roundID)
	if err != nil {
		return nil, err
	}

	if round == nil {
		return nil, ErrRoundNotFound
	}

	has, err := s.db.HasVote(ctx, roundID, population, voterID)
	if err != nil {
		return nil, err
	}

	if has {
		return nil, ErrDuplicateVote
	}

	vote := &store.Vote{
		RoundID:    roundID,
		Population: population,
		VoterID:    voterID,
		Choice:     choice,
		CreatedAt:  time.Now().UTC(),
	}

	if err := s.db.CreateVote(ctx, vote); err != nil {
		return nil, err
	}

	votes, err := s.db.ListVotesByRound(ctx, roundID, population)
	if err != nil {
		return nil, err
	}

	result := &store.RoundResult{
		RoundID:    roundID,
		Population: population,
		Winner:     majorityWinner(votes),
		VoteCount:  len(votes),
	}

	if err := s.db.UpsertRoundResult(ctx, result); err != nil {
		return nil, err
	}

	return result, nil
}

// Feed returns the population's judged rounds in chronological order,
// skipping the first `last` entries. Pollers pass the count they have
// already seen and get only what is new.
func (s *Service) Feed(ctx context.Context, population string, last int) ([]FeedEntry, error) {
	if !ValidPopulation(population) {
		return nil, fmt.Errorf("%w: population %q", ErrInvalidInput, population)
	}

	results, err := s.db.ListRoundResults(ctx, population)
	if err != nil {
		return nil, err
	}

	byRound := make(map[string]store.RoundResult, len(results))
	for _, r := range results {
		byRound[r.RoundID] = r
	}

	rounds, err := s.db.ListRounds(ctx, 0)
	if err != nil {
		return nil, err
	}

	feed := make([]FeedEntry, 0, len(byRound))

	for _, round := range rounds {
		result, ok := byRound[round.RoundID]
		if !ok {
			continue
		}

		feed = append(feed, FeedEntry{
			Round:     round,
			Winner:    result.Winner,
			VoteCount: result.VoteCount,
		})
	}

	if last > 0 {
		if last > len(feed) {
			last = len(feed)
		}

		feed = feed[last:]
	}

	return feed, nil
}

// Leaderboard converts the population's vote ledger into pairwise
// comparisons and fits the ranking. Excluded models never enter the fit.
func (s *Service) Leaderboard(ctx context.Context, population string) (rating.Leaderboard, error) {
	if !ValidPopulation(population) {
		return rating.Leaderboard{}, fmt.Errorf("%w: population %q", ErrInvalidInput, population)
	}

	votes, err := s.db.ListVotesByPopulation(ctx, population)
	if err != nil {
		return rating.Leaderboard{}, err
	}

	rounds, err := s.db.ListRounds(ctx, 0)
	if err != nil {
		return rating.Leaderboard{}, err
	}

	models := make(map[string]store.Round, len(rounds))
	for _, r := range rounds {
		models[r.RoundID] = r
	}

	comparisons := make([]rating.Comparison, 0, len(votes))

	for _, v := range votes {
		round, ok := models[v.RoundID]
		if !ok {
			continue
		}

		if s.excluded[round.BaselineModel] || s.excluded[round.ChallengerModel] {
			continue
		}

		c := rating.Comparison{ModelA: round.BaselineModel, ModelB: round.ChallengerModel}

		switch v.Choice {
		case ChoiceBaseline:
			c.Outcome = rating.OutcomeAWins
		case ChoiceChallenger:
			c.Outcome = rating.OutcomeBWins
		default:
			c.Outcome = rating.OutcomeTie
		}

		comparisons = append(comparisons, c)
	}

	return s.engine.Rank(comparisons), nil
}

// Stats summarizes a population's vote ledger.
func (s *Service) Stats(ctx context.Context, population string) (Stats, error) {
	if !ValidPopulation(population) {
		return Stats{}, fmt.Errorf("%w: population %q", ErrInvalidInput, population)
	}

	votes, err := s.db.ListVotesByPopulation(ctx, population)
	if err != nil {
		return Stats{}, err
	}

	st := Stats{Population: population, TotalVotes: len(votes)}

	rounds := map[string]bool{}

	for _, v := range votes {
		rounds[v.RoundID] = true

		switch v.Choice {
		case ChoiceBaseline:
			st.PreferredBaseline++
		case ChoiceChallenger:
			st.PreferredChallenger++
		case ChoiceTie:
			st.PreferredTie++
		}
	}

	st.TotalRounds = len(rounds)

	return st, nil
}

// Image fetches a stored round image. Returns (nil, nil) when missing.
func (s *Service) Image(ctx context.Context, key string) ([]byte, error) {
	return s.images.Get(ctx, key)
}

// roundLock returns the mutex serializing votes on one round. Locks are
// striped over a fixed table, so memory stays bounded no matter how many
// rounds accumulate.
func (s *Service) roundLock(roundID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(roundID))

	return &s.roundLocks[h.Sum32()%uint32(len(s.roundLocks))]
}

// majorityWinner tallies votes and returns the choice with a strict
// majority of the ballot. Any split without a unique leader is a tie.
func majorityWinner(votes []store.Vote) string {
	counts := map[string]int{}
	for _, v := range votes {
		counts[v.Choice]++
	}

	choices := make([]string, 0, len(counts))
	for c := range counts {
		choices = append(choices, c)
	}

	sort.Slice(choices, func(i, j int) bool {
		if counts[choices[i]] != counts[choices[j]] {
			return counts[choices[i]] > counts[choices[j]]
		}

		return choices[i] < choices[j]
	})

	if len(choices) == 0 {
		return ChoiceTie
	}

	if len(choices) > 1 && counts[choices[0]] == counts[choices[1]] {
		return ChoiceTie
	}

	return choices[0]
}

// consensus is "yes" or "no" only when both verdicts agree on it;
// everything else, errors included, is a disagreement.
func consensus(baseline, challenger parser.Answer) string {
	switch {
	case baseline == parser.AnswerYes && challenger == parser.AnswerYes:
		return ConsensusYes
	case baseline == parser.AnswerNo && challenger == parser.AnswerNo:
		return ConsensusNo
	default:
		return ConsensusDisagree
	}
}

func newRoundID() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate round id: %w", err)
	}

	return hex.EncodeToString(b), nil
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext == "" {
		return ".jpg"
	}

	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}

	return ext
}
