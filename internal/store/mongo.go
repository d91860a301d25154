package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/teenhut/hutchat/internal/domain"
)

// reactionToggleAttempts bounds the pull/push loop when another writer keeps
// flipping the same reaction.
const reactionToggleAttempts = 5

// MongoStore implements Repository on MongoDB.
type MongoStore struct {
	client        *mongo.Client
	messages      *mongo.Collection
	conversations *mongo.Collection
	users         *mongo.Collection
}

type messageDoc struct {
	ID         bson.ObjectID     `bson:"_id"`
	Room       string            `bson:"room"`
	Text       string            `bson:"text"`
	MediaURL   string            `bson:"mediaUrl,omitempty"`
	MediaType  string            `bson:"mediaType,omitempty"`
	SenderID   string            `bson:"senderId,omitempty"`
	SenderName string            `bson:"senderName"`
	Timestamp  time.Time         `bson:"timestamp"`
	IsEdited   bool              `bson:"isEdited"`
	ReplyTo    *replyDoc         `bson:"replyTo,omitempty"`
	Reactions  []domain.Reaction `bson:"reactions"`
}

type replyDoc struct {
	ID         string `bson:"id"`
	Text       string `bson:"text"`
	SenderName string `bson:"senderName"`
}

type lastMessageDoc struct {
	Text       string    `bson:"text"`
	SenderName string    `bson:"senderName"`
	Timestamp  time.Time `bson:"timestamp"`
}

type conversationDoc struct {
	ID           bson.ObjectID   `bson:"_id"`
	Participants []string        `bson:"participants"`
	Name         string          `bson:"name,omitempty"`
	IsGroup      bool            `bson:"isGroup"`
	Admin        string          `bson:"admin,omitempty"`
	DirectKey    string          `bson:"directKey,omitempty"`
	LastMessage  *lastMessageDoc `bson:"lastMessage,omitempty"`
	UpdatedAt    time.Time       `bson:"updatedAt"`
}

type userDoc struct {
	ID                  string           `bson:"_id"`
	Username            string           `bson:"username"`
	Credits             int              `bson:"credits"`
	Streak              int              `bson:"streak"`
	Stats               domain.UserStats `bson:"stats"`
	CompletedChallenges []string         `bson:"completedChallenges"`
	CreatedAt           time.Time        `bson:"createdAt"`
	UpdatedAt           time.Time        `bson:"updatedAt"`
}

// NewMongo connects to uri and prepares the collections and indexes in database.
func NewMongo(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	db := client.Database(database)
	s := &MongoStore{
		client:        client,
		messages:      db.Collection("messages"),
		conversations: db.Collection("conversations"),
		users:         db.Collection("users"),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ensure indexes: %w", err)
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	if _, err := s.messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "room", Value: 1}, {Key: "timestamp", Value: -1}, {Key: "_id", Value: -1}},
	}); err != nil {
		return fmt.Errorf("messages index: %w", err)
	}
	if _, err := s.conversations.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "participants", Value: 1}, {Key: "updatedAt", Value: -1}}},
		{
			Keys: bson.D{{Key: "directKey", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.D{{Key: "directKey", Value: bson.D{{Key: "$type", Value: "string"}}}}),
		},
	}); err != nil {
		return fmt.Errorf("conversations index: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close disconnects the client.
func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect mongo: %w", err)
	}
	return nil
}

func toMessage(d *messageDoc) *domain.Message {
	msg := &domain.Message{
		ID:         d.ID.Hex(),
		Room:       d.Room,
		Text:       d.Text,
		MediaURL:   d.MediaURL,
		MediaType:  domain.MediaKind(d.MediaType),
		SenderID:   d.SenderID,
		SenderName: d.SenderName,
		Timestamp:  d.Timestamp.UTC(),
		IsEdited:   d.IsEdited,
		Reactions:  d.Reactions,
	}
	if msg.Reactions == nil {
		msg.Reactions = []domain.Reaction{}
	}
	if d.ReplyTo != nil {
		msg.ReplyTo = &domain.ReplyRef{ID: d.ReplyTo.ID, Text: d.ReplyTo.Text, SenderName: d.ReplyTo.SenderName}
	}
	return msg
}

// CreateMessage inserts a message.
func (s *MongoStore) CreateMessage(ctx context.Context, msg *domain.Message) error {
	oid := bson.NewObjectID()
	if msg.ID != "" {
		parsed, err := bson.ObjectIDFromHex(msg.ID)
		if err != nil {
			return fmt.Errorf("parse message id: %w", err)
		}
		oid = parsed
	}
	if msg.Reactions == nil {
		msg.Reactions = []domain.Reaction{}
	}

	doc := messageDoc{
		ID:         oid,
		Room:       msg.Room,
		Text:       msg.Text,
		MediaURL:   msg.MediaURL,
		MediaType:  string(msg.MediaType),
		SenderID:   msg.SenderID,
		SenderName: msg.SenderName,
		Timestamp:  msg.Timestamp,
		IsEdited:   msg.IsEdited,
		Reactions:  msg.Reactions,
	}
	if msg.ReplyTo != nil {
		doc.ReplyTo = &replyDoc{ID: msg.ReplyTo.ID, Text: msg.ReplyTo.Text, SenderName: msg.ReplyTo.SenderName}
	}

	if _, err := s.messages.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	msg.ID = oid.Hex()
	return nil
}

// GetMessage retrieves a message by ID.
func (s *MongoStore) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return nil, nil
	}
	var doc messageDoc
	err = s.messages.FindOne(ctx, bson.D{{Key: "_id", Value: oid}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find message: %w", err)
	}
	return toMessage(&doc), nil
}

// RecentMessages returns the newest limit messages of room, oldest first.
// ObjectIds are monotonic per process, so _id breaks timestamp ties in
// insertion order.
func (s *MongoStore) RecentMessages(ctx context.Context, room string, limit int) ([]*domain.Message, error) {
	if limit <= 0 {
		return []*domain.Message{}, nil
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(limit))

	cursor, err := s.messages.Find(ctx, bson.D{{Key: "room", Value: room}}, opts)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	var docs []messageDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}

	messages := make([]*domain.Message, len(docs))
	for i := range docs {
		messages[len(docs)-1-i] = toMessage(&docs[i])
	}
	return messages, nil
}

// UpdateMessageText sets a new body on a message owned by senderID.
func (s *MongoStore) UpdateMessageText(ctx context.Context, id, senderID, text string) error {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return ErrNotFound
	}
	res, err := s.messages.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: oid}, {Key: "senderId", Value: senderID}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "text", Value: text}, {Key: "isEdited", Value: true}}}},
	)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteMessage removes a message owned by senderID.
func (s *MongoStore) DeleteMessage(ctx context.Context, id, senderID string) error {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return ErrNotFound
	}
	res, err := s.messages.DeleteOne(ctx, bson.D{{Key: "_id", Value: oid}, {Key: "senderId", Value: senderID}})
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// ToggleReaction removes r with a guarded $pull, or appends it with a
// guarded $push when absent. Each step is a single atomic document update.
func (s *MongoStore) ToggleReaction(ctx context.Context, id string, r domain.Reaction) ([]domain.Reaction, error) {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return nil, ErrNotFound
	}
	pair := bson.D{{Key: "userId", Value: r.UserID}, {Key: "emoji", Value: r.Emoji}}
	match := bson.D{{Key: "$elemMatch", Value: pair}}
	after := options.FindOneAndUpdate().SetReturnDocument(options.After)

	for attempt := 0; attempt < reactionToggleAttempts; attempt++ {
		var doc messageDoc
		err := s.messages.FindOneAndUpdate(ctx,
			bson.D{{Key: "_id", Value: oid}, {Key: "reactions", Value: match}},
			bson.D{{Key: "$pull", Value: bson.D{{Key: "reactions", Value: pair}}}},
			after,
		).Decode(&doc)
		if err == nil {
			return toMessage(&doc).Reactions, nil
		}
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("pull reaction: %w", err)
		}

		err = s.messages.FindOneAndUpdate(ctx,
			bson.D{{Key: "_id", Value: oid}, {Key: "reactions", Value: bson.D{{Key: "$not", Value: match}}}},
			bson.D{{Key: "$push", Value: bson.D{{Key: "reactions", Value: r}}}},
			after,
		).Decode(&doc)
		if err == nil {
			return toMessage(&doc).Reactions, nil
		}
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("push reaction: %w", err)
		}

		count, err := s.messages.CountDocuments(ctx, bson.D{{Key: "_id", Value: oid}})
		if err != nil {
			return nil, fmt.Errorf("count message: %w", err)
		}
		if count == 0 {
			return nil, ErrNotFound
		}
	}
	return nil, fmt.Errorf("toggle reaction: contention after %d attempts", reactionToggleAttempts)
}

func toConversation(d *conversationDoc) *domain.Conversation {
	c := &domain.Conversation{
		ID:           d.ID.Hex(),
		Participants: d.Participants,
		Name:         d.Name,
		IsGroup:      d.IsGroup,
		AdminID:      d.Admin,
		UpdatedAt:    d.UpdatedAt.UTC(),
	}
	if d.LastMessage != nil {
		c.LastMessage = &domain.LastMessage{
			Text:       d.LastMessage.Text,
			SenderName: d.LastMessage.SenderName,
			Timestamp:  d.LastMessage.Timestamp.UTC(),
		}
	}
	return c
}

// CreateConversation inserts a conversation, reusing an existing 1-on-1
// conversation for the same pair.
func (s *MongoStore) CreateConversation(ctx context.Context, c *domain.Conversation) (*domain.Conversation, error) {
	key := c.DirectKey()
	if key != "" {
		existing, err := s.findDirect(ctx, key)
		if err != nil || existing != nil {
			return existing, err
		}
	}

	oid := bson.NewObjectID()
	if c.ID != "" {
		parsed, err := bson.ObjectIDFromHex(c.ID)
		if err != nil {
			return nil, fmt.Errorf("parse conversation id: %w", err)
		}
		oid = parsed
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}

	doc := conversationDoc{
		ID:           oid,
		Participants: c.Participants,
		Name:         c.Name,
		IsGroup:      c.IsGroup,
		Admin:        c.AdminID,
		DirectKey:    key,
		UpdatedAt:    c.UpdatedAt,
	}
	if _, err := s.conversations.InsertOne(ctx, doc); err != nil {
		if key != "" && mongo.IsDuplicateKeyError(err) {
			return s.findDirect(ctx, key)
		}
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	c.ID = oid.Hex()
	return c, nil
}

func (s *MongoStore) findDirect(ctx context.Context, key string) (*domain.Conversation, error) {
	var doc conversationDoc
	err := s.conversations.FindOne(ctx, bson.D{{Key: "directKey", Value: key}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find direct conversation: %w", err)
	}
	return toConversation(&doc), nil
}

// GetConversation retrieves a conversation by ID.
func (s *MongoStore) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return nil, nil
	}
	var doc conversationDoc
	err = s.conversations.FindOne(ctx, bson.D{{Key: "_id", Value: oid}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find conversation: %w", err)
	}
	return toConversation(&doc), nil
}

// ListConversations returns userID's conversations, newest update first.
func (s *MongoStore) ListConversations(ctx context.Context, userID string) ([]*domain.Conversation, error) {
	cursor, err := s.conversations.Find(ctx,
		bson.D{{Key: "participants", Value: userID}},
		options.Find().SetSort(bson.D{{Key: "updatedAt", Value: -1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	var docs []conversationDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode conversations: %w", err)
	}
	conversations := make([]*domain.Conversation, 0, len(docs))
	for i := range docs {
		conversations = append(conversations, toConversation(&docs[i]))
	}
	return conversations, nil
}

// UpdateLastMessage records the conversation's latest message summary.
func (s *MongoStore) UpdateLastMessage(ctx context.Context, id string, last domain.LastMessage) error {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return ErrNotFound
	}
	res, err := s.conversations.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: oid}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "lastMessage", Value: lastMessageDoc{Text: last.Text, SenderName: last.SenderName, Timestamp: last.Timestamp}},
			{Key: "updatedAt", Value: time.Now().UTC()},
		}}},
	)
	if err != nil {
		return fmt.Errorf("update last message: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func toUser(d *userDoc) *domain.User {
	u := &domain.User{
		UserID:              d.ID,
		Username:            d.Username,
		Credits:             d.Credits,
		Streak:              d.Streak,
		Stats:               d.Stats,
		CompletedChallenges: d.CompletedChallenges,
		CreatedAt:           d.CreatedAt.UTC(),
		UpdatedAt:           d.UpdatedAt.UTC(),
	}
	if u.CompletedChallenges == nil {
		u.CompletedChallenges = []string{}
	}
	return u
}

// GetUser retrieves a user by their user ID.
func (s *MongoStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	var doc userDoc
	err := s.users.FindOne(ctx, bson.D{{Key: "_id", Value: userID}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	return toUser(&doc), nil
}

// UpsertUser creates or updates a user record. Counters are only written on
// insert.
func (s *MongoStore) UpsertUser(ctx context.Context, user *domain.User) error {
	now := time.Now().UTC()
	completed := user.CompletedChallenges
	if completed == nil {
		completed = []string{}
	}
	_, err := s.users.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: user.UserID}},
		bson.D{
			{Key: "$set", Value: bson.D{{Key: "username", Value: user.Username}, {Key: "updatedAt", Value: now}}},
			{Key: "$setOnInsert", Value: bson.D{
				{Key: "credits", Value: user.Credits},
				{Key: "streak", Value: user.Streak},
				{Key: "stats", Value: user.Stats},
				{Key: "completedChallenges", Value: completed},
				{Key: "createdAt", Value: now},
			}},
		},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// IncrementMessagesSent bumps stats.messagesSent and returns the updated user.
func (s *MongoStore) IncrementMessagesSent(ctx context.Context, userID string) (*domain.User, error) {
	var doc userDoc
	err := s.users.FindOneAndUpdate(ctx,
		bson.D{{Key: "_id", Value: userID}},
		bson.D{
			{Key: "$inc", Value: bson.D{{Key: "stats.messagesSent", Value: 1}}},
			{Key: "$set", Value: bson.D{{Key: "updatedAt", Value: time.Now().UTC()}}},
		},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("increment messagesSent: %w", err)
	}
	return toUser(&doc), nil
}

// AwardChallenge records a completed challenge and credits its reward once.
func (s *MongoStore) AwardChallenge(ctx context.Context, userID, challengeID string, reward int) (bool, error) {
	res, err := s.users.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: userID}, {Key: "completedChallenges", Value: bson.D{{Key: "$ne", Value: challengeID}}}},
		bson.D{
			{Key: "$inc", Value: bson.D{{Key: "credits", Value: reward}}},
			{Key: "$push", Value: bson.D{{Key: "completedChallenges", Value: challengeID}}},
			{Key: "$set", Value: bson.D{{Key: "updatedAt", Value: time.Now().UTC()}}},
		},
	)
	if err != nil {
		return false, fmt.Errorf("award challenge: %w", err)
	}
	return res.ModifiedCount > 0, nil
}
