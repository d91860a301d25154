package domain

// Metric names a user counter a challenge is measured against.
type Metric string

const (
	MetricCommentsMade  Metric = "commentsMade"
	MetricLikesGiven    Metric = "likesGiven"
	MetricHypesUploaded Metric = "hypesUploaded"
	MetricMessagesSent  Metric = "messagesSent"
	MetricStreak        Metric = "streak"
)

// Challenge is a one-time goal that awards credits when its target is reached.
type Challenge struct {
	ID     string `json:"id"`
	Target int    `json:"target"`
	Metric Metric `json:"type"`
	Reward int    `json:"reward"`
}

// Value returns the user's current value for the challenge metric.
func (c Challenge) Value(u *User) int {
	switch c.Metric {
	case MetricCommentsMade:
		return u.Stats.CommentsMade
	case MetricLikesGiven:
		return u.Stats.LikesGiven
	case MetricHypesUploaded:
		return u.Stats.HypesUploaded
	case MetricMessagesSent:
		return u.Stats.MessagesSent
	case MetricStreak:
		return u.Streak
	}
	return 0
}

// Reached returns true if the user has met the target.
func (c Challenge) Reached(u *User) bool {
	return c.Value(u) >= c.Target
}
