package store

import "time"

// Round is one recorded battle round: a challenger verdict submitted for an
// image, paired with the baseline model's verdict on the same image.
// Winner and VoteCount are derived columns, recomputed per population in
// RoundResult; everything else is immutable once inserted.
type Round struct {
	ID        uint      `gorm:"primarykey" json:"-"`
	RoundID   string    `gorm:"uniqueIndex;size:64" json:"round_id"`
	CreatedAt time.Time `json:"created_at"`

	ImageKey string `gorm:"size:255" json:"image_key"`
	Source   string `gorm:"size:64" json:"source"`

	BaselineModel     string  `gorm:"size:255" json:"baseline_model"`
	BaselineAnswer    string  `gorm:"size:16" json:"baseline_answer"`
	BaselineReasoning string  `json:"baseline_reasoning"`
	BaselineLatencyMs float64 `json:"baseline_latency_ms"`

	ChallengerModel     string  `gorm:"size:255" json:"challenger_model"`
	ChallengerAnswer    string  `gorm:"size:16" json:"challenger_answer"`
	ChallengerReasoning string  `json:"challenger_reasoning"`
	ChallengerLatencyMs float64 `json:"challenger_latency_ms"`

	// Consensus is "yes"/"no" when both verdicts agree, else "disagree".
	Consensus string `gorm:"size:16" json:"consensus"`
}

// Vote is one judge's choice on a round. The unique index makes a judge's
// vote per round and population an insert-once affair.
type Vote struct {
	ID         uint      `gorm:"primarykey" json:"-"`
	RoundID    string    `gorm:"size:64;uniqueIndex:idx_round_pop_voter" json:"round_id"`
	Population string    `gorm:"size:16;uniqueIndex:idx_round_pop_voter" json:"population"`
	VoterID    string    `gorm:"size:128;uniqueIndex:idx_round_pop_voter" json:"voter_id"`
	Choice     string    `gorm:"size:16" json:"choice"`
	CreatedAt  time.Time `json:"created_at"`
}

// RoundResult is the derived per-population outcome of a round, rewritten
// whenever a vote lands.
type RoundResult struct {
	ID         uint   `gorm:"primarykey" json:"-"`
	RoundID    string `gorm:"size:64;uniqueIndex:idx_round_pop" json:"round_id"`
	Population string `gorm:"size:16;uniqueIndex:idx_round_pop" json:"population"`
	Winner     string `gorm:"size:16" json:"winner"`
	VoteCount  int    `json:"vote_count"`
}
