package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/fathima-sithara/marketplace-messaging/internal/domain"
)

func findIndex(t *testing.T, models []mongo.IndexModel, name string) mongo.IndexModel {
	t.Helper()
	for _, m := range models {
		if m.Options != nil && m.Options.Name != nil && *m.Options.Name == name {
			return m
		}
	}
	t.Fatalf("index %s missing", name)
	return mongo.IndexModel{}
}

func TestMongoUniqueIndexes(t *testing.T) {
	cases := []struct {
		name    string
		models  []mongo.IndexModel
		partial bson.M
	}{
		{"messages_thread", messageIndexes(), bson.M{"thread_key": bson.M{"$exists": true}}},
		{"conversation_messages_client", conversationMessageIndexes(), bson.M{"client_message_id": bson.M{"$exists": true}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := findIndex(t, tc.models, tc.name)
			require.NotNil(t, m.Options.Unique)
			assert.True(t, *m.Options.Unique)
			assert.Equal(t, tc.partial, m.Options.PartialFilterExpression)
		})
	}
}

func TestThreadKeySeparatesSellerAndEmail(t *testing.T) {
	assert.Equal(t, threadKey("s1", "b@x.com"), threadKey("s1", "b@x.com"))
	assert.NotEqual(t, threadKey("s1", "b@x.com"), threadKey("s1b", "@x.com"))
}

// newMongoStore needs a replica set, e.g.
// MESSAGING_TEST_MONGO_URI=mongodb://localhost:27017/?replicaSet=rs0
func newMongoStore(t *testing.T) *MongoStore {
	t.Helper()
	uri := os.Getenv("MESSAGING_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("MESSAGING_TEST_MONGO_URI not set")
	}
	ctx := context.Background()
	client, err := ConnectMongo(ctx, uri)
	require.NoError(t, err)
	db := "messaging_test_" + uuid.NewString()[:8]
	s, err := NewMongoStore(ctx, client, db)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.Database(db).Drop(context.Background())
		_ = s.Close(context.Background())
	})
	return s
}

func TestMongoAppendMessageAllOrNothing(t *testing.T) {
	s := newMongoStore(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	_, _, err := s.UpsertConversation(ctx, &domain.Conversation{ID: "c1", DMKey: "k", CreatedAt: t0})
	require.NoError(t, err)
	for _, u := range []string{"a", "b"} {
		require.NoError(t, s.UpsertMember(ctx, &domain.Member{ConversationID: "c1", UserID: u, JoinedAt: t0}))
	}

	require.NoError(t, s.AppendMessage(ctx, &domain.ConversationMessage{
		ID: "m1", ConversationID: "c1", SenderID: "a", Body: "hi", ClientMessageID: "out-1", CreatedAt: t0,
	}, "hi"))
	err = s.AppendMessage(ctx, &domain.ConversationMessage{
		ID: "m2", ConversationID: "c1", SenderID: "a", Body: "changed", ClientMessageID: "out-1", CreatedAt: t0.Add(time.Minute),
	}, "changed")
	assert.ErrorIs(t, err, ErrDuplicate)

	mb, err := s.GetMember(ctx, "c1", "b")
	require.NoError(t, err)
	assert.Equal(t, 1, mb.UnreadCount)
	conv, err := s.GetConversation(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "hi", conv.Preview, "aborted append rolls back the preview")

	got, err := s.FindMessageByClientID(ctx, "c1", "a", "out-1")
	require.NoError(t, err)
	assert.Equal(t, "m1", got.ID)
}

func TestMongoSecondLiveThreadIsDuplicate(t *testing.T) {
	s := newMongoStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	seed := func(id string) *domain.Message {
		return &domain.Message{ID: id, SellerID: "s1", SenderEmail: "b@x.com", Body: "hello", CreatedAt: now, UpdatedAt: now}
	}
	require.NoError(t, s.CreateMessage(ctx, seed("m1")))
	assert.ErrorIs(t, s.CreateMessage(ctx, seed("m2")), ErrDuplicate)

	require.NoError(t, s.SoftDeleteMessage(ctx, "m1", now))
	require.NoError(t, s.CreateMessage(ctx, seed("m3")), "a deleted thread frees the key")
}
