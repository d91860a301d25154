// Package gamify updates user counters and awards challenge credits.
package gamify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/teenhut/hutchat/internal/domain"
)

// Catalog lists every challenge a user can complete.
var Catalog = []domain.Challenge{
	{ID: "comment_10", Target: 10, Metric: domain.MetricCommentsMade, Reward: 20},
	{ID: "like_20", Target: 20, Metric: domain.MetricLikesGiven, Reward: 30},
	{ID: "hype_5", Target: 5, Metric: domain.MetricHypesUploaded, Reward: 100},
	{ID: "message_50", Target: 50, Metric: domain.MetricMessagesSent, Reward: 50},
	{ID: "streak_3", Target: 3, Metric: domain.MetricStreak, Reward: 30},
	{ID: "streak_5", Target: 5, Metric: domain.MetricStreak, Reward: 50},
	{ID: "streak_7", Target: 7, Metric: domain.MetricStreak, Reward: 100},
}

// UserCounters is the persistence gamify needs.
type UserCounters interface {
	IncrementMessagesSent(ctx context.Context, userID string) (*domain.User, error)
	AwardChallenge(ctx context.Context, userID, challengeID string, reward int) (bool, error)
}

// Service records activity and evaluates challenges.
type Service struct {
	users     UserCounters
	catalog   []domain.Challenge
	onAwarded func(userID string, c domain.Challenge)
}

// Option configures a Service.
type Option func(*Service)

// OnAwarded registers a callback run after each newly awarded challenge.
func OnAwarded(fn func(userID string, c domain.Challenge)) Option {
	return func(s *Service) { s.onAwarded = fn }
}

// NewService creates a Service.
func NewService(users UserCounters, opts ...Option) *Service {
	s := &Service{users: users, catalog: Catalog}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RecordMessageSent increments the user's message counter and awards any
// challenge the user has now reached. Unknown users are ignored.
func (s *Service) RecordMessageSent(ctx context.Context, userID string) error {
	user, err := s.users.IncrementMessagesSent(ctx, userID)
	if err != nil {
		return fmt.Errorf("increment messages sent: %w", err)
	}
	if user == nil {
		slog.Debug("Skipping stats for unknown user", "user_id", userID)
		return nil
	}
	_, err = s.Evaluate(ctx, user)
	return err
}

// Evaluate awards every reached challenge the user has not completed yet and
// returns the newly awarded ones.
func (s *Service) Evaluate(ctx context.Context, user *domain.User) ([]domain.Challenge, error) {
	var awarded []domain.Challenge
	for _, c := range s.catalog {
		if user.HasCompleted(c.ID) || !c.Reached(user) {
			continue
		}
		ok, err := s.users.AwardChallenge(ctx, user.UserID, c.ID, c.Reward)
		if err != nil {
			return awarded, fmt.Errorf("award %s: %w", c.ID, err)
		}
		if !ok {
			continue
		}
		awarded = append(awarded, c)
		slog.Info("Challenge completed", "user_id", user.UserID, "challenge", c.ID, "reward", c.Reward)
		if s.onAwarded != nil {
			s.onAwarded(user.UserID, c)
		}
	}
	return awarded, nil
}
