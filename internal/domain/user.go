// Package domain contains core domain types for the chat service.
package domain

import (
	"slices"
	"time"
)

// UserStats holds the activity counters that challenges are evaluated against.
type UserStats struct {
	CommentsMade  int `json:"commentsMade" bson:"commentsMade"`
	HypesUploaded int `json:"hypesUploaded" bson:"hypesUploaded"`
	LikesGiven    int `json:"likesGiven" bson:"likesGiven"`
	MessagesSent  int `json:"messagesSent" bson:"messagesSent"`
}

// User is the slice of the platform's user record the chat layer reads and
// updates.
type User struct {
	UserID              string    `json:"_id"`
	Username            string    `json:"username"`
	Credits             int       `json:"credits"`
	Streak              int       `json:"streak"`
	Stats               UserStats `json:"stats"`
	CompletedChallenges []string  `json:"completedChallenges"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// HasCompleted returns true if the challenge was already awarded to the user.
func (u *User) HasCompleted(challengeID string) bool {
	return slices.Contains(u.CompletedChallenges, challengeID)
}
