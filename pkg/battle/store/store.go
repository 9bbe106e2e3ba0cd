// Package store persists battle rounds and votes through gorm, on sqlite by
// default or postgres for shared deployments. Rounds and votes are
// append-only; derived state lives in round results and can always be
// rebuilt by replaying the votes table.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Config selects the database driver.
type Config struct {
	Driver string `yaml:"driver" mapstructure:"driver"` // "sqlite" or "postgres"
	DSN    string `yaml:"dsn" mapstructure:"dsn"`
}

// Store is the battle persistence boundary.
type Store interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	CreateRound(ctx context.Context, round *Round) error
	GetRound(ctx context.Context, roundID string) (*Round, error)
	ListRounds(ctx context.Context, limit int) ([]Round, error)

	CreateVote(ctx context.Context, vote *Vote) error
	HasVote(ctx context.Context, roundID, population, voterID string) (bool, error)
	ListVotesByRound(ctx context.Context, roundID, population string) ([]Vote, error)
	ListVotesByPopulation(ctx context.Context, population string) ([]Vote, error)
	CountVotes(ctx context.Context, population string) (int64, error)

	UpsertRoundResult(ctx context.Context, result *RoundResult) error
	GetRoundResult(ctx context.Context, roundID, population string) (*RoundResult, error)
	ListRoundResults(ctx context.Context, population string) ([]RoundResult, error)

	ClearAll(ctx context.Context) error
}

type gormStore struct {
	log logrus.FieldLogger
	cfg Config
	db  *gorm.DB
}

// New creates a Store for the configured driver. Start must be called
// before use.
func New(log logrus.FieldLogger, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", "sqlite", "postgres":
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}

	if cfg.DSN == "" {
		return nil, errors.New("database dsn not configured")
	}

	return &gormStore{
		log: log.WithField("component", "battle_store"),
		cfg: cfg,
	}, nil
}

func (s *gormStore) Start(_ context.Context) error {
	var dialector gorm.Dialector

	switch s.cfg.Driver {
	case "postgres":
		dialector = postgres.Open(s.cfg.DSN)
	default:
		dialector = sqlite.Open(s.cfg.DSN)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Discard,
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.AutoMigrate(&Round{}, &Vote{}, &RoundResult{}); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}

	s.db = db

	s.log.WithField("driver", s.cfg.Driver).Info("Battle store started")

	return nil
}

func (s *gormStore) Stop(_ context.Context) error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database handle: %w", err)
	}

	return sqlDB.Close()
}

func (s *gormStore) CreateRound(ctx context.Context, round *Round) error {
	if err := s.db.WithContext(ctx).Create(round).Error; err != nil {
		return fmt.Errorf("failed to create round: %w", err)
	}

	return nil
}

func (s *gormStore) GetRound(ctx context.Context, roundID string) (*Round, error) {
	var round Round

	err := s.db.WithContext(ctx).Where("round_id = ?", roundID).First(&round).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get round: %w", err)
	}

	return &round, nil
}

func (s *gormStore) ListRounds(ctx context.Context, limit int) ([]Round, error) {
	var rounds []Round

	q := s.db.WithContext(ctx).Order("created_at asc, id asc")
	if limit > 0 {
		q = q.Limit(limit)
	}

	if err := q.Find(&rounds).Error; err != nil {
		return nil, fmt.Errorf("failed to list rounds: %w", err)
	}

	return rounds, nil
}

func (s *gormStore) CreateVote(ctx context.Context, vote *Vote) error {
	if err := s.db.WithContext(ctx).Create(vote).Error; err != nil {
		return fmt.Errorf("failed to create vote: %w", err)
	}

	return nil
}

func (s *gormStore) HasVote(ctx context.Context, roundID, population, voterID string) (bool, error) {
	var count int64

	err := s.db.WithContext(ctx).Model(&Vote{}).
		Where("round_id = ? AND population = ? AND voter_id = ?", roundID, population, voterID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check vote: %w", err)
	}

	return count > 0, nil
}

func (s *gormStore) ListVotesByRound(ctx context.Context, roundID, population string) ([]Vote, error) {
	var votes []Vote

	err := s.db.WithContext(ctx).
		Where("round_id = ? AND population = ?", roundID, population).
		Order("id asc").
		Find(&votes).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list round votes: %w", err)
	}

	return votes, nil
}

func (s *gormStore) ListVotesByPopulation(ctx context.Context, population string) ([]Vote, error) {
	var votes []Vote

	err := s.db.WithContext(ctx).
		Where("population = ?", population).
		Order("id asc").
		Find(&votes).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list votes: %w", err)
	}

	return votes, nil
}

func (s *gormStore) CountVotes(ctx context.Context, population string) (int64, error) {
	var count int64

	err := s.db.WithContext(ctx).Model(&Vote{}).
		Where("population = ?", population).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count votes: %w", err)
	}

	return count, nil
}

func (s *gormStore) UpsertRoundResult(ctx context.Context, result *RoundResult) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "round_id"}, {Name: "population"}},
		DoUpdates: clause.AssignmentColumns([]string{"winner", "vote_count"}),
	}).Create(result).Error
	if err != nil {
		return fmt.Errorf("failed to upsert round result: %w", err)
	}

	return nil
}

func (s *gormStore) GetRoundResult(ctx context.Context, roundID, population string) (*RoundResult, error) {
	var result RoundResult

	err := s.db.WithContext(ctx).
		Where("round_id = ? AND population = ?", roundID, population).
		First(&result).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get round result: %w", err)
	}

	return &result, nil
}

func (s *gormStore) ListRoundResults(ctx context.Context, population string) ([]RoundResult, error) {
	var results []RoundResult

	err := s.db.WithContext(ctx).
		Where("population = ?", population).
		Find(&results).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list round results: %w", err)
	}

	return results, nil
}

// ClearAll wipes every table. Only the explicit admin reset uses this.
func (s *gormStore) ClearAll(ctx context.Context) error {
	for _, model := range []any{&Vote{}, &RoundResult{}, &Round{}} {
		if err := s.db.WithContext(ctx).Where("1 = 1").Delete(model).Error; err != nil {
			return fmt.Errorf("failed to clear table: %w", err)
		}
	}

	return nil
}
