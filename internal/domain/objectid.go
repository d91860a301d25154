package domain

import (
	"go.mongodb.org/mongo-driver/v2/bson"
)

// NewID returns a fresh store identifier. Identifiers are ObjectId hex
// strings, so ids generated later sort after earlier ones within a process.
func NewID() string {
	return bson.NewObjectID().Hex()
}

// IsObjectID reports whether s is shaped like a store-generated identifier
// (24 hex characters). Private conversation rooms use this shape; anything
// else is a public room token.
func IsObjectID(s string) bool {
	if len(s) != 24 {
		return false
	}
	_, err := bson.ObjectIDFromHex(s)
	return err == nil
}
