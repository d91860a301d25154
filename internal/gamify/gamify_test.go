package gamify

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/teenhut/hutchat/internal/domain"
)

type fakeUsers struct {
	users map[string]*domain.User
	err   error
}

func (f *fakeUsers) IncrementMessagesSent(_ context.Context, userID string) (*domain.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	u, ok := f.users[userID]
	if !ok {
		return nil, nil
	}
	u.Stats.MessagesSent++
	cp := *u
	cp.CompletedChallenges = slices.Clone(u.CompletedChallenges)
	return &cp, nil
}

func (f *fakeUsers) AwardChallenge(_ context.Context, userID, challengeID string, reward int) (bool, error) {
	u, ok := f.users[userID]
	if !ok || u.HasCompleted(challengeID) {
		return false, nil
	}
	u.CompletedChallenges = append(u.CompletedChallenges, challengeID)
	u.Credits += reward
	return true, nil
}

func TestRecordMessageSent_AwardsAtThreshold(t *testing.T) {
	users := &fakeUsers{users: map[string]*domain.User{
		"u1": {UserID: "u1", Stats: domain.UserStats{MessagesSent: 48}},
	}}
	var notified []string
	s := NewService(users, OnAwarded(func(userID string, c domain.Challenge) {
		notified = append(notified, c.ID)
	}))
	ctx := context.Background()

	if err := s.RecordMessageSent(ctx, "u1"); err != nil {
		t.Fatalf("RecordMessageSent failed: %v", err)
	}
	if users.users["u1"].Credits != 0 {
		t.Errorf("Expected no credits at 49 messages, got %d", users.users["u1"].Credits)
	}

	if err := s.RecordMessageSent(ctx, "u1"); err != nil {
		t.Fatalf("RecordMessageSent failed: %v", err)
	}
	if users.users["u1"].Credits != 50 {
		t.Errorf("Expected 50 credits at 50 messages, got %d", users.users["u1"].Credits)
	}

	if err := s.RecordMessageSent(ctx, "u1"); err != nil {
		t.Fatalf("RecordMessageSent failed: %v", err)
	}
	if users.users["u1"].Credits != 50 {
		t.Errorf("Expected challenge awarded once, got %d credits", users.users["u1"].Credits)
	}
	if !slices.Equal(notified, []string{"message_50"}) {
		t.Errorf("Unexpected notifications %v", notified)
	}
}

func TestRecordMessageSent_EvaluatesOtherMetrics(t *testing.T) {
	users := &fakeUsers{users: map[string]*domain.User{
		"u1": {UserID: "u1", Streak: 5, CompletedChallenges: []string{"streak_3"}},
	}}
	s := NewService(users)

	if err := s.RecordMessageSent(context.Background(), "u1"); err != nil {
		t.Fatalf("RecordMessageSent failed: %v", err)
	}
	u := users.users["u1"]
	if !slices.Equal(u.CompletedChallenges, []string{"streak_3", "streak_5"}) {
		t.Errorf("Unexpected completed challenges %v", u.CompletedChallenges)
	}
	if u.Credits != 50 {
		t.Errorf("Expected 50 credits, got %d", u.Credits)
	}
}

func TestRecordMessageSent_UnknownUser(t *testing.T) {
	s := NewService(&fakeUsers{users: map[string]*domain.User{}})
	if err := s.RecordMessageSent(context.Background(), "ghost"); err != nil {
		t.Errorf("Expected unknown users to be skipped, got %v", err)
	}
}

func TestRecordMessageSent_StoreError(t *testing.T) {
	cause := errors.New("db down")
	s := NewService(&fakeUsers{err: cause})
	if err := s.RecordMessageSent(context.Background(), "u1"); !errors.Is(err, cause) {
		t.Errorf("Expected wrapped store error, got %v", err)
	}
}

func TestCatalog(t *testing.T) {
	seen := map[string]bool{}
	for _, c := range Catalog {
		if seen[c.ID] {
			t.Errorf("Duplicate challenge %s", c.ID)
		}
		seen[c.ID] = true
		if c.Target <= 0 || c.Reward <= 0 {
			t.Errorf("Challenge %s has non-positive target or reward", c.ID)
		}
	}
	if len(Catalog) != 7 {
		t.Errorf("Expected 7 challenges, got %d", len(Catalog))
	}
}

func TestCountAwards(t *testing.T) {
	users := &fakeUsers{users: map[string]*domain.User{
		"u1": {UserID: "u1", Stats: domain.UserStats{MessagesSent: 49}},
	}}
	reg := prometheus.NewRegistry()
	s := NewService(users, CountAwards(reg))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := s.RecordMessageSent(ctx, "u1"); err != nil {
			t.Fatalf("RecordMessageSent failed: %v", err)
		}
	}

	count, err := testutil.GatherAndCount(reg, "hutchat_challenges_awarded_total")
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected one labelled series, got %d", count)
	}
	problems, err := testutil.GatherAndLint(reg)
	if err != nil || len(problems) > 0 {
		t.Errorf("Unexpected lint result %v %v", problems, err)
	}
}
