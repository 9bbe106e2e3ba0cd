package store

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) Store {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s, err := New(log, Config{Driver: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	t.Cleanup(func() { _ = s.Stop(ctx) })

	return s
}

func testRound(roundID string) *Round {
	return &Round{
		RoundID:          roundID,
		CreatedAt:        time.Now().UTC(),
		ImageKey:         roundID + ".jpg",
		Source:           "api",
		BaselineModel:    "baseline/model",
		BaselineAnswer:   "yes",
		ChallengerModel:  "challenger/model",
		ChallengerAnswer: "no",
		Consensus:        "disagree",
	}
}

func TestRoundRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateRound(ctx, testRound("r1")))

	got, err := s.GetRound(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "challenger/model", got.ChallengerModel)
	assert.Equal(t, "disagree", got.Consensus)
}

func TestGetRoundMissing(t *testing.T) {
	s := newTestStore(t)

	got, err := s.GetRound(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestListRoundsOrdered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"r1", "r2", "r3"} {
		require.NoError(t, s.CreateRound(ctx, testRound(id)))
	}

	rounds, err := s.ListRounds(ctx, 0)
	require.NoError(t, err)
	require.Len(t, rounds, 3)
	assert.Equal(t, "r1", rounds[0].RoundID)
	assert.Equal(t, "r3", rounds[2].RoundID)

	limited, err := s.ListRounds(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestVoteUniqueness(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateRound(ctx, testRound("r1")))

	vote := &Vote{RoundID: "r1", Population: "user", VoterID: "v1", Choice: "baseline", CreatedAt: time.Now().UTC()}
	require.NoError(t, s.CreateVote(ctx, vote))

	// Same voter, same population: rejected by the unique index.
	dup := &Vote{RoundID: "r1", Population: "user", VoterID: "v1", Choice: "challenger", CreatedAt: time.Now().UTC()}
	assert.Error(t, s.CreateVote(ctx, dup))

	// Same voter, other population: fine.
	other := &Vote{RoundID: "r1", Population: "arena", VoterID: "v1", Choice: "challenger", CreatedAt: time.Now().UTC()}
	assert.NoError(t, s.CreateVote(ctx, other))
}

func TestHasVote(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	has, err := s.HasVote(ctx, "r1", "user", "v1")
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, s.CreateVote(ctx, &Vote{RoundID: "r1", Population: "user", VoterID: "v1", Choice: "tie"}))

	has, err = s.HasVote(ctx, "r1", "user", "v1")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestVoteQueries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	votes := []*Vote{
		{RoundID: "r1", Population: "user", VoterID: "v1", Choice: "baseline"},
		{RoundID: "r1", Population: "user", VoterID: "v2", Choice: "challenger"},
		{RoundID: "r2", Population: "user", VoterID: "v1", Choice: "tie"},
		{RoundID: "r1", Population: "arena", VoterID: "judge1", Choice: "baseline"},
	}
	for _, v := range votes {
		require.NoError(t, s.CreateVote(ctx, v))
	}

	byRound, err := s.ListVotesByRound(ctx, "r1", "user")
	require.NoError(t, err)
	assert.Len(t, byRound, 2)

	byPop, err := s.ListVotesByPopulation(ctx, "user")
	require.NoError(t, err)
	assert.Len(t, byPop, 3)

	count, err := s.CountVotes(ctx, "arena")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestRoundResultUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertRoundResult(ctx, &RoundResult{
		RoundID: "r1", Population: "user", Winner: "baseline", VoteCount: 1,
	}))

	require.NoError(t, s.UpsertRoundResult(ctx, &RoundResult{
		RoundID: "r1", Population: "user", Winner: "challenger", VoteCount: 3,
	}))

	got, err := s.GetRoundResult(ctx, "r1", "user")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "challenger", got.Winner)
	assert.Equal(t, 3, got.VoteCount)

	results, err := s.ListRoundResults(ctx, "user")
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestClearAll(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateRound(ctx, testRound("r1")))
	require.NoError(t, s.CreateVote(ctx, &Vote{RoundID: "r1", Population: "user", VoterID: "v1", Choice: "tie"}))
	require.NoError(t, s.UpsertRoundResult(ctx, &RoundResult{RoundID: "r1", Population: "user", Winner: "tie", VoteCount: 1}))

	require.NoError(t, s.ClearAll(ctx))

	rounds, err := s.ListRounds(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, rounds)

	count, err := s.CountVotes(ctx, "user")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestNewValidation(t *testing.T) {
	log := logrus.New()

	_, err := New(log, Config{Driver: "oracle", DSN: "x"})
	assert.Error(t, err)

	_, err = New(log, Config{Driver: "sqlite"})
	assert.Error(t, err)
}
