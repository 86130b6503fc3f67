package repository

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/fathima-sithara/marketplace-messaging/internal/delivery"
	"github.com/fathima-sithara/marketplace-messaging/internal/domain"
)

const opTimeout = 3 * time.Second

type MongoStore struct {
	client       *mongo.Client
	messages     *mongo.Collection
	replies      *mongo.Collection
	convs        *mongo.Collection
	members      *mongo.Collection
	convMessages *mongo.Collection
	push         *mongo.Collection
	profiles     *mongo.Collection
}

// ConnectMongo dials uri and verifies the connection with a ping.
func ConnectMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return client, nil
}

func NewMongoStore(ctx context.Context, client *mongo.Client, dbName string) (*MongoStore, error) {
	db := client.Database(dbName)
	s := &MongoStore{
		client:       client,
		messages:     db.Collection("messages"),
		replies:      db.Collection("message_replies"),
		convs:        db.Collection("conversations"),
		members:      db.Collection("conversation_members"),
		convMessages: db.Collection("conversation_messages"),
		push:         db.Collection("push_subscriptions"),
		profiles:     db.Collection("profiles"),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func messageIndexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{Keys: bson.D{{Key: "seller_id", Value: 1}, {Key: "sender_email", Value: 1}}},
		{
			Keys: bson.D{{Key: "thread_key", Value: 1}},
			Options: options.Index().SetName("messages_thread").SetUnique(true).
				SetPartialFilterExpression(bson.M{"thread_key": bson.M{"$exists": true}}),
		},
		{Keys: bson.D{{Key: "seller_id", Value: 1}, {Key: "updated_at", Value: -1}}},
		{Keys: bson.D{{Key: "sender_email", Value: 1}, {Key: "updated_at", Value: -1}}},
	}
}

func conversationMessageIndexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{
			Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "sender_id", Value: 1}, {Key: "client_message_id", Value: 1}},
			Options: options.Index().SetName("conversation_messages_client").SetUnique(true).
				SetPartialFilterExpression(bson.M{"client_message_id": bson.M{"$exists": true}}),
		},
	}
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	idx := []struct {
		coll   *mongo.Collection
		models []mongo.IndexModel
	}{
		{s.messages, messageIndexes()},
		{s.replies, []mongo.IndexModel{
			{Keys: bson.D{{Key: "message_id", Value: 1}, {Key: "created_at", Value: 1}}},
		}},
		{s.convs, []mongo.IndexModel{
			{Keys: bson.D{{Key: "dm_key", Value: 1}}, Options: options.Index().SetUnique(true)},
		}},
		{s.members, []mongo.IndexModel{
			{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "user_id", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "user_id", Value: 1}}},
		}},
		{s.convMessages, conversationMessageIndexes()},
		{s.push, []mongo.IndexModel{
			{Keys: bson.D{{Key: "endpoint", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "user_id", Value: 1}}},
		}},
	}
	for _, i := range idx {
		if _, err := i.coll.Indexes().CreateMany(ctx, i.models); err != nil {
			return err
		}
	}
	return nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *MongoStore) Close(ctx context.Context) error { return s.client.Disconnect(ctx) }

var notDeleted = bson.M{"$exists": false}

func mapNoDocs(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	return err
}

// --- legacy threads ---

// threadKey is set only on live seed messages; the partial unique index on
// it allows one live thread per (seller, email). Soft delete unsets it.
func threadKey(sellerID, senderEmail string) string {
	return sellerID + "\x00" + senderEmail
}

// CreateMessage upserts on the thread key. The upsert copies thread_key
// from the filter into the inserted document; a racing insert that loses
// on the unique index is reported as a duplicate.
func (s *MongoStore) CreateMessage(ctx context.Context, m *domain.Message) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	filter := bson.M{"thread_key": threadKey(m.SellerID, m.SenderEmail)}
	res, err := s.messages.UpdateOne(ctx, filter, bson.M{"$setOnInsert": m}, options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicate
	}
	if err != nil {
		return err
	}
	if res.UpsertedCount == 0 {
		return ErrDuplicate
	}
	return nil
}

func (s *MongoStore) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	var m domain.Message
	if err := s.messages.FindOne(ctx, bson.M{"_id": id, "deleted_at": notDeleted}).Decode(&m); err != nil {
		return nil, mapNoDocs(err)
	}
	return &m, nil
}

func (s *MongoStore) FindThread(ctx context.Context, sellerID, senderEmail string) (*domain.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	var m domain.Message
	filter := bson.M{"seller_id": sellerID, "sender_email": senderEmail, "deleted_at": notDeleted}
	if err := s.messages.FindOne(ctx, filter).Decode(&m); err != nil {
		return nil, mapNoDocs(err)
	}
	return &m, nil
}

func (s *MongoStore) ThreadExists(ctx context.Context, sellerID, senderEmail string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	n, err := s.messages.CountDocuments(ctx,
		bson.M{"seller_id": sellerID, "sender_email": senderEmail, "deleted_at": notDeleted},
		options.Count().SetLimit(1))
	return n > 0, err
}

func (s *MongoStore) ListInbox(ctx context.Context, sellerID string, limit int) ([]domain.InboxEntry, error) {
	return s.listThreads(ctx, bson.M{"seller_id": sellerID, "deleted_at": notDeleted}, limit)
}

func (s *MongoStore) ListBuyerThreads(ctx context.Context, senderEmail string, limit int) ([]domain.InboxEntry, error) {
	return s.listThreads(ctx, bson.M{"sender_email": senderEmail, "deleted_at": notDeleted}, limit)
}

func (s *MongoStore) listThreads(ctx context.Context, filter bson.M, limit int) ([]domain.InboxEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: filter}},
		{{Key: "$sort", Value: bson.D{{Key: "updated_at", Value: -1}}}},
		{{Key: "$limit", Value: limit}},
		{{Key: "$lookup", Value: bson.M{
			"from": "message_replies",
			"let":  bson.M{"mid": "$_id"},
			"pipeline": bson.A{
				bson.M{"$match": bson.M{
					"$expr":      bson.M{"$eq": bson.A{"$message_id", "$$mid"}},
					"deleted_at": notDeleted,
				}},
				bson.M{"$count": "n"},
			},
			"as": "reply_stats",
		}}},
	}
	cur, err := s.messages.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	out := []domain.InboxEntry{}
	for cur.Next(ctx) {
		var row struct {
			domain.Message `bson:",inline"`
			ReplyStats     []struct {
				N int `bson:"n"`
			} `bson:"reply_stats"`
		}
		if err := cur.Decode(&row); err != nil {
			return nil, err
		}
		e := domain.InboxEntry{Message: row.Message}
		if len(row.ReplyStats) > 0 {
			e.ReplyCount = row.ReplyStats[0].N
		}
		out = append(out, e)
	}
	return out, cur.Err()
}

func (s *MongoStore) UpdateMessageStatus(ctx context.Context, id string, status domain.TriageStatus, now time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	res, err := s.messages.UpdateOne(ctx,
		bson.M{"_id": id, "deleted_at": notDeleted},
		bson.M{"$set": bson.M{"status": status, "updated_at": now}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) CompareAndSetMessageDelivery(ctx context.Context, id string, expected, next delivery.Status, now time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	res, err := s.messages.UpdateOne(ctx,
		bson.M{"_id": id, "delivery_status": expected, "deleted_at": notDeleted},
		bson.M{"$set": bson.M{"delivery_status": next, "updated_at": now}})
	if err != nil {
		return false, err
	}
	return res.ModifiedCount == 1, nil
}

func (s *MongoStore) SoftDeleteMessage(ctx context.Context, id string, now time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	res, err := s.messages.UpdateOne(ctx,
		bson.M{"_id": id, "deleted_at": notDeleted},
		bson.M{"$set": bson.M{"deleted_at": now}, "$unset": bson.M{"thread_key": ""}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) CreateReply(ctx context.Context, r *domain.Reply) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := s.messages.UpdateOne(ctx,
		bson.M{"_id": r.MessageID, "deleted_at": notDeleted},
		bson.M{"$max": bson.M{"updated_at": r.CreatedAt}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	_, err = s.replies.InsertOne(ctx, r)
	return err
}

func (s *MongoStore) GetReply(ctx context.Context, id string) (*domain.Reply, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	var r domain.Reply
	if err := s.replies.FindOne(ctx, bson.M{"_id": id, "deleted_at": notDeleted}).Decode(&r); err != nil {
		return nil, mapNoDocs(err)
	}
	return &r, nil
}

func (s *MongoStore) ListReplies(ctx context.Context, messageID string) ([]domain.Reply, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	cur, err := s.replies.Find(ctx,
		bson.M{"message_id": messageID, "deleted_at": notDeleted},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	out := []domain.Reply{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoStore) CompareAndSetReplyDelivery(ctx context.Context, id string, expected, next delivery.Status) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	res, err := s.replies.UpdateOne(ctx,
		bson.M{"_id": id, "delivery_status": expected, "deleted_at": notDeleted},
		bson.M{"$set": bson.M{"delivery_status": next}})
	if err != nil {
		return false, err
	}
	return res.ModifiedCount == 1, nil
}

func (s *MongoStore) SoftDeleteReply(ctx context.Context, id string, now time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	res, err := s.replies.UpdateOne(ctx,
		bson.M{"_id": id, "deleted_at": notDeleted},
		bson.M{"$set": bson.M{"deleted_at": now}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// --- symmetric conversations ---

func (s *MongoStore) UpsertConversation(ctx context.Context, c *domain.Conversation) (*domain.Conversation, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := s.convs.UpdateOne(ctx,
		bson.M{"dm_key": c.DMKey},
		bson.M{"$setOnInsert": c},
		options.Update().SetUpsert(true))
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return nil, false, err
	}
	created := err == nil && res.UpsertedCount == 1

	var stored domain.Conversation
	if err := s.convs.FindOne(ctx, bson.M{"dm_key": c.DMKey}).Decode(&stored); err != nil {
		return nil, false, mapNoDocs(err)
	}
	return &stored, created, nil
}

func (s *MongoStore) UpsertMember(ctx context.Context, m *domain.Member) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	_, err := s.members.UpdateOne(ctx,
		bson.M{"conversation_id": m.ConversationID, "user_id": m.UserID},
		bson.M{"$setOnInsert": m},
		options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	return err
}

func (s *MongoStore) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	var c domain.Conversation
	if err := s.convs.FindOne(ctx, bson.M{"_id": id}).Decode(&c); err != nil {
		return nil, mapNoDocs(err)
	}
	return &c, nil
}

func (s *MongoStore) GetMember(ctx context.Context, conversationID, userID string) (*domain.Member, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	var m domain.Member
	if err := s.members.FindOne(ctx, bson.M{"conversation_id": conversationID, "user_id": userID}).Decode(&m); err != nil {
		return nil, mapNoDocs(err)
	}
	return &m, nil
}

func (s *MongoStore) ListMembers(ctx context.Context, conversationID string) ([]domain.Member, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	cur, err := s.members.Find(ctx, bson.M{"conversation_id": conversationID},
		options.Find().SetSort(bson.D{{Key: "joined_at", Value: 1}, {Key: "user_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	out := []domain.Member{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoStore) IsMember(ctx context.Context, conversationID, userID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	n, err := s.members.CountDocuments(ctx,
		bson.M{"conversation_id": conversationID, "user_id": userID},
		options.Count().SetLimit(1))
	return n > 0, err
}

// AppendMessage runs its four writes in one transaction, so the store
// must be a replica set or sharded cluster.
func (s *MongoStore) AppendMessage(ctx context.Context, msg *domain.ConversationMessage, preview string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	sess, err := s.client.StartSession()
	if err != nil {
		return err
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		res, err := s.convs.UpdateOne(sc,
			bson.M{"_id": msg.ConversationID},
			bson.M{"$set": bson.M{"preview": preview, "last_message_at": msg.CreatedAt}})
		if err != nil {
			return nil, err
		}
		if res.MatchedCount == 0 {
			return nil, ErrNotFound
		}
		if _, err := s.convMessages.InsertOne(sc, msg); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return nil, ErrDuplicate
			}
			return nil, err
		}
		if _, err := s.members.UpdateMany(sc,
			bson.M{"conversation_id": msg.ConversationID, "user_id": bson.M{"$ne": msg.SenderID}},
			bson.M{"$inc": bson.M{"unread_count": 1}}); err != nil {
			return nil, err
		}
		_, err = s.members.UpdateMany(sc,
			bson.M{"conversation_id": msg.ConversationID},
			bson.M{"$unset": bson.M{"hidden_at": ""}})
		return nil, err
	})
	return err
}

func (s *MongoStore) FindMessageByClientID(ctx context.Context, conversationID, senderID, clientMessageID string) (*domain.ConversationMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	var m domain.ConversationMessage
	filter := bson.M{"conversation_id": conversationID, "sender_id": senderID, "client_message_id": clientMessageID}
	if err := s.convMessages.FindOne(ctx, filter).Decode(&m); err != nil {
		return nil, mapNoDocs(err)
	}
	return &m, nil
}

func (s *MongoStore) ListMessages(ctx context.Context, conversationID string, before time.Time, limit int) ([]domain.ConversationMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	filter := bson.M{"conversation_id": conversationID, "deleted_at": notDeleted}
	if !before.IsZero() {
		filter["created_at"] = bson.M{"$lt": before}
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(limit))
	cur, err := s.convMessages.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var desc []domain.ConversationMessage
	if err := cur.All(ctx, &desc); err != nil {
		return nil, err
	}
	out := make([]domain.ConversationMessage, len(desc))
	for i, m := range desc {
		out[len(desc)-1-i] = m
	}
	return out, nil
}

func (s *MongoStore) MarkRead(ctx context.Context, conversationID, userID string, now time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	res, err := s.members.UpdateOne(ctx,
		bson.M{"conversation_id": conversationID, "user_id": userID},
		bson.M{"$set": bson.M{"unread_count": 0, "last_read_at": now}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) Hide(ctx context.Context, conversationID, userID string, now time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	res, err := s.members.UpdateOne(ctx,
		bson.M{"conversation_id": conversationID, "user_id": userID},
		bson.M{"$set": bson.M{"hidden_at": now}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) ListForUser(ctx context.Context, userID string, limit int) ([]MemberConversation, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cur, err := s.members.Find(ctx, bson.M{"user_id": userID, "hidden_at": bson.M{"$exists": false}})
	if err != nil {
		return nil, err
	}
	var mine []domain.Member
	if err := cur.All(ctx, &mine); err != nil {
		return nil, err
	}
	if len(mine) == 0 {
		return []MemberConversation{}, nil
	}
	ids := make([]string, 0, len(mine))
	byID := make(map[string]domain.Member, len(mine))
	for _, m := range mine {
		ids = append(ids, m.ConversationID)
		byID[m.ConversationID] = m
	}

	// conversations without messages sort by creation time
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"_id": bson.M{"$in": ids}}}},
		{{Key: "$addFields", Value: bson.M{"activity": bson.M{"$max": bson.A{"$last_message_at", "$created_at"}}}}},
		{{Key: "$sort", Value: bson.D{{Key: "activity", Value: -1}}}},
		{{Key: "$limit", Value: limit}},
	}
	ccur, err := s.convs.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	var convs []domain.Conversation
	if err := ccur.All(ctx, &convs); err != nil {
		return nil, err
	}

	ocur, err := s.members.Find(ctx,
		bson.M{"conversation_id": bson.M{"$in": ids}, "user_id": bson.M{"$ne": userID}},
		options.Find().SetSort(bson.D{{Key: "joined_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var others []domain.Member
	if err := ocur.All(ctx, &others); err != nil {
		return nil, err
	}
	byConv := make(map[string][]string)
	for _, o := range others {
		byConv[o.ConversationID] = append(byConv[o.ConversationID], o.UserID)
	}

	out := make([]MemberConversation, 0, len(convs))
	for _, c := range convs {
		out = append(out, MemberConversation{Conversation: c, Member: byID[c.ID], Others: byConv[c.ID]})
	}
	return out, nil
}

// --- push subscriptions ---

func (s *MongoStore) SavePushSubscription(ctx context.Context, p *domain.PushSubscription) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	_, err := s.push.UpdateOne(ctx,
		bson.M{"endpoint": p.Endpoint},
		bson.M{
			"$set":         bson.M{"user_id": p.UserID, "p256dh": p.P256dh, "auth": p.Auth},
			"$setOnInsert": bson.M{"_id": p.ID, "created_at": p.CreatedAt},
		},
		options.Update().SetUpsert(true))
	return err
}

func (s *MongoStore) ListPushSubscriptions(ctx context.Context, userID string) ([]domain.PushSubscription, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	cur, err := s.push.Find(ctx, bson.M{"user_id": userID}, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	out := []domain.PushSubscription{}
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoStore) DeletePushSubscription(ctx context.Context, userID, endpoint string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	res, err := s.push.DeleteOne(ctx, bson.M{"user_id": userID, "endpoint": endpoint})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) DeletePushEndpoint(ctx context.Context, endpoint string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	_, err := s.push.DeleteOne(ctx, bson.M{"endpoint": endpoint})
	return err
}

// --- profiles ---

func (s *MongoStore) GetProfiles(ctx context.Context, userIDs []string) (map[string]domain.Profile, error) {
	out := make(map[string]domain.Profile, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	cur, err := s.profiles.Find(ctx, bson.M{"_id": bson.M{"$in": userIDs}})
	if err != nil {
		return nil, err
	}
	var rows []domain.Profile
	if err := cur.All(ctx, &rows); err != nil {
		return nil, err
	}
	for _, p := range rows {
		out[p.UserID] = p
	}
	return out, nil
}

func (s *MongoStore) UpsertProfile(ctx context.Context, p *domain.Profile) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	_, err := s.profiles.ReplaceOne(ctx, bson.M{"_id": p.UserID}, p, options.Replace().SetUpsert(true))
	return err
}
