package battle

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hotdogornot/hotdogornot/pkg/battle/store"
	"github.com/hotdogornot/hotdogornot/pkg/openrouter"
	"github.com/hotdogornot/hotdogornot/pkg/parser"
	"github.com/hotdogornot/hotdogornot/pkg/storage"
)

type fakeClassifier struct {
	response string
	err      error
	calls    int
}

func (f *fakeClassifier) ClassifyImage(_ context.Context, _ string, _ string) (openrouter.Result, error) {
	f.calls++

	return openrouter.Result{RawText: f.response, LatencyMs: 42}, f.err
}

func (f *fakeClassifier) ClassifyImageData(_ context.Context, _ string, _ []byte, _ string) (openrouter.Result, error) {
	f.calls++

	return openrouter.Result{RawText: f.response, LatencyMs: 42}, f.err
}

func newTestService(t *testing.T, classifier openrouter.Classifier) *Service {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	db, err := store.New(log, store.Config{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, db.Start(ctx))
	t.Cleanup(func() { _ = db.Stop(ctx) })

	images, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	cfg := Config{
		BaselineModel:  "baseline/model",
		MinVotes:       2,
		ExcludedModels: []string{"openclaw", "unknown"},
	}

	return NewService(log, cfg, db, images, classifier)
}

func recordRound(t *testing.T, s *Service, challengerAnswer parser.Answer) *store.Round {
	t.Helper()

	round, err := s.RecordRound(context.Background(), RoundRequest{
		ImageData:        []byte("imagebytes"),
		ImageMimeType:    "image/jpeg",
		ImageExt:         ".jpg",
		ChallengerModel:  "challenger/model",
		ChallengerAnswer: challengerAnswer,
		Source:           "test",
	})
	require.NoError(t, err)

	return round
}

func TestRecordRound(t *testing.T) {
	fc := &fakeClassifier{response: "Observations: a bun with a sausage\nAnswer: yes"}
	s := newTestService(t, fc)

	round := recordRound(t, s, parser.AnswerYes)

	assert.Len(t, round.RoundID, 8)
	assert.Equal(t, "baseline/model", round.BaselineModel)
	assert.Equal(t, "yes", round.BaselineAnswer)
	assert.Equal(t, "a bun with a sausage", round.BaselineReasoning)
	assert.Equal(t, ConsensusYes, round.Consensus)
	assert.Equal(t, 1, fc.calls)

	// Image retrievable under the round's key.
	data, err := s.Image(context.Background(), round.ImageKey)
	require.NoError(t, err)
	assert.Equal(t, []byte("imagebytes"), data)
}

func TestRecordRoundConsensus(t *testing.T) {
	tests := []struct {
		name       string
		baseline   string
		challenger parser.Answer
		expected   string
	}{
		{"both yes", "Answer: yes", parser.AnswerYes, ConsensusYes},
		{"both no", "Answer: no", parser.AnswerNo, ConsensusNo},
		{"split", "Answer: yes", parser.AnswerNo, ConsensusDisagree},
		{"both error", "inscrutable", parser.AnswerError, ConsensusDisagree},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestService(t, &fakeClassifier{response: tt.baseline})

			round := recordRound(t, s, tt.challenger)
			assert.Equal(t, tt.expected, round.Consensus)
		})
	}
}

func TestRecordRoundBaselineFailure(t *testing.T) {
	s := newTestService(t, &fakeClassifier{err: errors.New("provider down")})

	round := recordRound(t, s, parser.AnswerYes)

	assert.Equal(t, "error", round.BaselineAnswer)
	assert.Equal(t, ConsensusDisagree, round.Consensus)
}

func TestRecordRoundValidation(t *testing.T) {
	s := newTestService(t, &fakeClassifier{response: "Answer: yes"})
	ctx := context.Background()

	_, err := s.RecordRound(ctx, RoundRequest{
		ChallengerModel:  "m",
		ChallengerAnswer: parser.Answer("maybe"),
	})
	assert.Error(t, err)

	_, err = s.RecordRound(ctx, RoundRequest{
		ChallengerAnswer: parser.AnswerYes,
	})
	assert.Error(t, err)
}

func TestCastVoteRoundNotFound(t *testing.T) {
	s := newTestService(t, &fakeClassifier{response: "Answer: yes"})

	_, err := s.CastVote(context.Background(), "missing1", PopulationUser, "v1", ChoiceBaseline)
	assert.ErrorIs(t, err, ErrRoundNotFound)
}

func TestCastVoteDuplicate(t *testing.T) {
	s := newTestService(t, &fakeClassifier{response: "Answer: yes"})
	round := recordRound(t, s, parser.AnswerNo)
	ctx := context.Background()

	_, err := s.CastVote(ctx, round.RoundID, PopulationUser, "v1", ChoiceBaseline)
	require.NoError(t, err)

	_, err = s.CastVote(ctx, round.RoundID, PopulationUser, "v1", ChoiceChallenger)
	assert.ErrorIs(t, err, ErrDuplicateVote)

	// The same voter may judge the round in the other population.
	_, err = s.CastVote(ctx, round.RoundID, PopulationArena, "v1", ChoiceChallenger)
	assert.NoError(t, err)
}

func TestCastVoteMajorityWinner(t *testing.T) {
	s := newTestService(t, &fakeClassifier{response: "Answer: yes"})
	round := recordRound(t, s, parser.AnswerNo)
	ctx := context.Background()

	res, err := s.CastVote(ctx, round.RoundID, PopulationUser, "v1", ChoiceBaseline)
	require.NoError(t, err)
	assert.Equal(t, ChoiceBaseline, res.Winner)
	assert.Equal(t, 1, res.VoteCount)

	// 1-1 split: tie.
	res, err = s.CastVote(ctx, round.RoundID, PopulationUser, "v2", ChoiceChallenger)
	require.NoError(t, err)
	assert.Equal(t, ChoiceTie, res.Winner)
	assert.Equal(t, 2, res.VoteCount)

	// Challenger pulls ahead: the early baseline vote is outvoted.
	res, err = s.CastVote(ctx, round.RoundID, PopulationUser, "v3", ChoiceChallenger)
	require.NoError(t, err)
	assert.Equal(t, ChoiceChallenger, res.Winner)
	assert.Equal(t, 3, res.VoteCount)
}

func TestCastVoteValidation(t *testing.T) {
	s := newTestService(t, &fakeClassifier{response: "Answer: yes"})
	ctx := context.Background()

	_, err := s.CastVote(ctx, "r", "lurkers", "v1", ChoiceBaseline)
	assert.Error(t, err)

	_, err = s.CastVote(ctx, "r", PopulationUser, "v1", "abstain")
	assert.Error(t, err)

	_, err = s.CastVote(ctx, "r", PopulationUser, "", ChoiceBaseline)
	assert.Error(t, err)
}

func TestFeedOnlyVotedRounds(t *testing.T) {
	s := newTestService(t, &fakeClassifier{response: "Answer: yes"})
	ctx := context.Background()

	voted := recordRound(t, s, parser.AnswerNo)
	recordRound(t, s, parser.AnswerNo) // never voted on

	_, err := s.CastVote(ctx, voted.RoundID, PopulationUser, "v1", ChoiceTie)
	require.NoError(t, err)

	feed, err := s.Feed(ctx, PopulationUser, 0)
	require.NoError(t, err)
	require.Len(t, feed, 1)
	assert.Equal(t, voted.RoundID, feed[0].Round.RoundID)
	assert.Equal(t, ChoiceTie, feed[0].Winner)

	// The arena population saw no votes at all.
	arenaFeed, err := s.Feed(ctx, PopulationArena, 0)
	require.NoError(t, err)
	assert.Empty(t, arenaFeed)
}

func TestFeedAfterIndex(t *testing.T) {
	s := newTestService(t, &fakeClassifier{response: "Answer: yes"})
	ctx := context.Background()

	var lastRound *store.Round
	for i := 0; i < 3; i++ {
		lastRound = recordRound(t, s, parser.AnswerNo)
		_, err := s.CastVote(ctx, lastRound.RoundID, PopulationUser, fmt.Sprintf("v%d", i), ChoiceBaseline)
		require.NoError(t, err)
	}

	// A poller that has seen 2 entries gets only the newest round.
	feed, err := s.Feed(ctx, PopulationUser, 2)
	require.NoError(t, err)
	require.Len(t, feed, 1)
	assert.Equal(t, lastRound.RoundID, feed[0].Round.RoundID)

	// Fully caught up, or asking past the end: nothing new.
	feed, err = s.Feed(ctx, PopulationUser, 3)
	require.NoError(t, err)
	assert.Empty(t, feed)

	feed, err = s.Feed(ctx, PopulationUser, 10)
	require.NoError(t, err)
	assert.Empty(t, feed)
}

func TestRoundLockStableForRound(t *testing.T) {
	s := newTestService(t, &fakeClassifier{response: "Answer: yes"})

	// The same round always maps to the same stripe.
	assert.Same(t, s.roundLock("deadbeef"), s.roundLock("deadbeef"))
	assert.NotNil(t, s.roundLock("cafef00d"))
}

func TestLeaderboard(t *testing.T) {
	s := newTestService(t, &fakeClassifier{response: "Answer: yes"})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		round := recordRound(t, s, parser.AnswerNo)
		_, err := s.CastVote(ctx, round.RoundID, PopulationUser, fmt.Sprintf("v%d", i), ChoiceChallenger)
		require.NoError(t, err)
	}

	lb, err := s.Leaderboard(ctx, PopulationUser)
	require.NoError(t, err)
	require.Len(t, lb.Models, 2)
	assert.Equal(t, "challenger/model", lb.Models[0].Model)
	assert.Equal(t, 3, lb.TotalVotes)

	// The arena ledger is independent and below the vote threshold.
	arenaLB, err := s.Leaderboard(ctx, PopulationArena)
	require.NoError(t, err)
	assert.Nil(t, arenaLB.Models)
}

func TestLeaderboardBelowMinVotes(t *testing.T) {
	s := newTestService(t, &fakeClassifier{response: "Answer: yes"})
	ctx := context.Background()

	round := recordRound(t, s, parser.AnswerNo)
	_, err := s.CastVote(ctx, round.RoundID, PopulationUser, "v1", ChoiceBaseline)
	require.NoError(t, err)

	lb, err := s.Leaderboard(ctx, PopulationUser)
	require.NoError(t, err)
	assert.Nil(t, lb.Models)
	assert.Equal(t, 1, lb.TotalVotes)
	assert.Equal(t, 2, lb.MinVotesNeeded)
}

func TestLeaderboardExcludesModels(t *testing.T) {
	s := newTestService(t, &fakeClassifier{response: "Answer: yes"})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		round, err := s.RecordRound(ctx, RoundRequest{
			ImageData:        []byte("img"),
			ImageMimeType:    "image/jpeg",
			ChallengerModel:  "openclaw",
			ChallengerAnswer: parser.AnswerNo,
		})
		require.NoError(t, err)

		_, err = s.CastVote(ctx, round.RoundID, PopulationUser, fmt.Sprintf("v%d", i), ChoiceChallenger)
		require.NoError(t, err)
	}

	lb, err := s.Leaderboard(ctx, PopulationUser)
	require.NoError(t, err)

	for _, m := range lb.Models {
		assert.NotEqual(t, "openclaw", m.Model)
	}
}

func TestStats(t *testing.T) {
	s := newTestService(t, &fakeClassifier{response: "Answer: yes"})
	ctx := context.Background()

	r1 := recordRound(t, s, parser.AnswerNo)
	r2 := recordRound(t, s, parser.AnswerNo)

	_, err := s.CastVote(ctx, r1.RoundID, PopulationUser, "v1", ChoiceBaseline)
	require.NoError(t, err)
	_, err = s.CastVote(ctx, r1.RoundID, PopulationUser, "v2", ChoiceChallenger)
	require.NoError(t, err)
	_, err = s.CastVote(ctx, r2.RoundID, PopulationUser, "v1", ChoiceTie)
	require.NoError(t, err)

	st, err := s.Stats(ctx, PopulationUser)
	require.NoError(t, err)
	assert.Equal(t, 3, st.TotalVotes)
	assert.Equal(t, 2, st.TotalRounds)
	assert.Equal(t, 1, st.PreferredBaseline)
	assert.Equal(t, 1, st.PreferredChallenger)
	assert.Equal(t, 1, st.PreferredTie)
}
