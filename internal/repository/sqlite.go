package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/fathima-sithara/marketplace-messaging/internal/delivery"
	"github.com/fathima-sithara/marketplace-messaging/internal/domain"
)

// SQLiteStore implements Store on a single SQLite file. Times are stored
// as unix nanoseconds so ORDER BY on them is chronological.
type SQLiteStore struct {
	db *sqlx.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	seller_id       TEXT NOT NULL,
	sender_email    TEXT NOT NULL,
	sender_name     TEXT NOT NULL DEFAULT '',
	sender_user_id  TEXT NOT NULL DEFAULT '',
	subject         TEXT NOT NULL DEFAULT '',
	body            TEXT NOT NULL,
	status          TEXT NOT NULL DEFAULT 'new',
	delivery_status TEXT NOT NULL DEFAULT 'sent',
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL,
	deleted_at      INTEGER
);
CREATE UNIQUE INDEX IF NOT EXISTS messages_thread
	ON messages (seller_id, sender_email) WHERE deleted_at IS NULL;
CREATE INDEX IF NOT EXISTS messages_sender_email ON messages (sender_email);

CREATE TABLE IF NOT EXISTS message_replies (
	id              TEXT PRIMARY KEY,
	message_id      TEXT NOT NULL,
	sender_id       TEXT NOT NULL,
	body            TEXT NOT NULL,
	delivery_status TEXT NOT NULL DEFAULT 'sent',
	created_at      INTEGER NOT NULL,
	deleted_at      INTEGER
);
CREATE INDEX IF NOT EXISTS message_replies_message ON message_replies (message_id, created_at);

CREATE TABLE IF NOT EXISTS conversations (
	id              TEXT PRIMARY KEY,
	dm_key          TEXT NOT NULL UNIQUE,
	preview         TEXT NOT NULL DEFAULT '',
	last_message_at INTEGER NOT NULL DEFAULT 0,
	created_at      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS conversation_members (
	conversation_id TEXT NOT NULL,
	user_id         TEXT NOT NULL,
	unread_count    INTEGER NOT NULL DEFAULT 0,
	last_read_at    INTEGER,
	hidden_at       INTEGER,
	joined_at       INTEGER NOT NULL,
	PRIMARY KEY (conversation_id, user_id)
);
CREATE INDEX IF NOT EXISTS conversation_members_user ON conversation_members (user_id);

CREATE TABLE IF NOT EXISTS conversation_messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	sender_id       TEXT NOT NULL,
	body            TEXT NOT NULL,
	client_message_id TEXT,
	created_at      INTEGER NOT NULL,
	deleted_at      INTEGER
);
CREATE INDEX IF NOT EXISTS conversation_messages_conv ON conversation_messages (conversation_id, created_at);
CREATE UNIQUE INDEX IF NOT EXISTS conversation_messages_client
	ON conversation_messages (conversation_id, sender_id, client_message_id)
	WHERE client_message_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS push_subscriptions (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	endpoint   TEXT NOT NULL UNIQUE,
	p256dh     TEXT NOT NULL,
	auth       TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS push_subscriptions_user ON push_subscriptions (user_id);

CREATE TABLE IF NOT EXISTS profiles (
	user_id       TEXT PRIMARY KEY,
	email         TEXT NOT NULL DEFAULT '',
	business_name TEXT NOT NULL DEFAULT '',
	full_name     TEXT NOT NULL DEFAULT '',
	first_name    TEXT NOT NULL DEFAULT '',
	last_name     TEXT NOT NULL DEFAULT '',
	avatar_url    TEXT NOT NULL DEFAULT ''
);
`

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteStore) Close(context.Context) error { return s.db.Close() }

// --- time helpers ---

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func affected(res sql.Result, err error) (int64, error) {
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- legacy threads ---

type messageRow struct {
	ID             string        `db:"id"`
	SellerID       string        `db:"seller_id"`
	SenderEmail    string        `db:"sender_email"`
	SenderName     string        `db:"sender_name"`
	SenderUserID   string        `db:"sender_user_id"`
	Subject        string        `db:"subject"`
	Body           string        `db:"body"`
	Status         string        `db:"status"`
	DeliveryStatus string        `db:"delivery_status"`
	CreatedAt      int64         `db:"created_at"`
	UpdatedAt      int64         `db:"updated_at"`
	DeletedAt      sql.NullInt64 `db:"deleted_at"`
}

func (r messageRow) toDomain() *domain.Message {
	return &domain.Message{
		ID:             r.ID,
		SellerID:       r.SellerID,
		SenderEmail:    r.SenderEmail,
		SenderName:     r.SenderName,
		SenderUserID:   r.SenderUserID,
		Subject:        r.Subject,
		Body:           r.Body,
		Status:         domain.TriageStatus(r.Status),
		DeliveryStatus: delivery.Status(r.DeliveryStatus),
		CreatedAt:      fromNanos(r.CreatedAt),
		UpdatedAt:      fromNanos(r.UpdatedAt),
		DeletedAt:      fromNullNanos(r.DeletedAt),
	}
}

type inboxRow struct {
	messageRow
	ReplyCount int `db:"reply_count"`
}

const messageColumns = `id, seller_id, sender_email, sender_name, sender_user_id, subject, body,
	status, delivery_status, created_at, updated_at, deleted_at`

func (s *SQLiteStore) CreateMessage(ctx context.Context, m *domain.Message) error {
	n, err := affected(s.db.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT DO NOTHING`,
		m.ID, m.SellerID, m.SenderEmail, m.SenderName, m.SenderUserID, m.Subject, m.Body,
		string(m.Status), string(m.DeliveryStatus), nanos(m.CreatedAt), nanos(m.UpdatedAt)))
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicate
	}
	return nil
}

func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	var r messageRow
	err := s.db.GetContext(ctx, &r, `SELECT `+messageColumns+` FROM messages WHERE id = ? AND deleted_at IS NULL`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return r.toDomain(), nil
}

func (s *SQLiteStore) FindThread(ctx context.Context, sellerID, senderEmail string) (*domain.Message, error) {
	var r messageRow
	err := s.db.GetContext(ctx, &r, `SELECT `+messageColumns+` FROM messages
		WHERE seller_id = ? AND sender_email = ? AND deleted_at IS NULL`, sellerID, senderEmail)
	if err != nil {
		return nil, notFound(err)
	}
	return r.toDomain(), nil
}

func (s *SQLiteStore) ThreadExists(ctx context.Context, sellerID, senderEmail string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM messages
		WHERE seller_id = ? AND sender_email = ? AND deleted_at IS NULL`, sellerID, senderEmail)
	return n > 0, err
}

const inboxQuery = `SELECT ` + messageColumns + `,
	(SELECT COUNT(*) FROM message_replies r WHERE r.message_id = messages.id AND r.deleted_at IS NULL) AS reply_count
	FROM messages`

func (s *SQLiteStore) ListInbox(ctx context.Context, sellerID string, limit int) ([]domain.InboxEntry, error) {
	var rows []inboxRow
	err := s.db.SelectContext(ctx, &rows, inboxQuery+`
		WHERE seller_id = ? AND deleted_at IS NULL ORDER BY updated_at DESC LIMIT ?`, sellerID, limit)
	if err != nil {
		return nil, err
	}
	return toInbox(rows), nil
}

func (s *SQLiteStore) ListBuyerThreads(ctx context.Context, senderEmail string, limit int) ([]domain.InboxEntry, error) {
	var rows []inboxRow
	err := s.db.SelectContext(ctx, &rows, inboxQuery+`
		WHERE sender_email = ? AND deleted_at IS NULL ORDER BY updated_at DESC LIMIT ?`, senderEmail, limit)
	if err != nil {
		return nil, err
	}
	return toInbox(rows), nil
}

func toInbox(rows []inboxRow) []domain.InboxEntry {
	out := make([]domain.InboxEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.InboxEntry{Message: *r.toDomain(), ReplyCount: r.ReplyCount})
	}
	return out
}

func (s *SQLiteStore) UpdateMessageStatus(ctx context.Context, id string, status domain.TriageStatus, now time.Time) error {
	n, err := affected(s.db.ExecContext(ctx,
		`UPDATE messages SET status = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		string(status), nanos(now), id))
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) CompareAndSetMessageDelivery(ctx context.Context, id string, expected, next delivery.Status, now time.Time) (bool, error) {
	n, err := affected(s.db.ExecContext(ctx,
		`UPDATE messages SET delivery_status = ?, updated_at = ?
		WHERE id = ? AND delivery_status = ? AND deleted_at IS NULL`,
		string(next), nanos(now), id, string(expected)))
	return n == 1, err
}

func (s *SQLiteStore) SoftDeleteMessage(ctx context.Context, id string, now time.Time) error {
	n, err := affected(s.db.ExecContext(ctx,
		`UPDATE messages SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`, nanos(now), id))
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type replyRow struct {
	ID             string        `db:"id"`
	MessageID      string        `db:"message_id"`
	SenderID       string        `db:"sender_id"`
	Body           string        `db:"body"`
	DeliveryStatus string        `db:"delivery_status"`
	CreatedAt      int64         `db:"created_at"`
	DeletedAt      sql.NullInt64 `db:"deleted_at"`
}

func (r replyRow) toDomain() domain.Reply {
	return domain.Reply{
		ID:             r.ID,
		MessageID:      r.MessageID,
		SenderID:       r.SenderID,
		Body:           r.Body,
		DeliveryStatus: delivery.Status(r.DeliveryStatus),
		CreatedAt:      fromNanos(r.CreatedAt),
		DeletedAt:      fromNullNanos(r.DeletedAt),
	}
}

const replyColumns = `id, message_id, sender_id, body, delivery_status, created_at, deleted_at`

// CreateReply also moves the parent's updated_at so the inbox orders by
// latest activity.
func (s *SQLiteStore) CreateReply(ctx context.Context, r *domain.Reply) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	n, err := affected(tx.ExecContext(ctx,
		`UPDATE messages SET updated_at = ? WHERE id = ? AND deleted_at IS NULL`, nanos(r.CreatedAt), r.MessageID))
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO message_replies (`+replyColumns+`) VALUES (?, ?, ?, ?, ?, ?, NULL)`,
		r.ID, r.MessageID, r.SenderID, r.Body, string(r.DeliveryStatus), nanos(r.CreatedAt)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetReply(ctx context.Context, id string) (*domain.Reply, error) {
	var r replyRow
	if err := s.db.GetContext(ctx, &r, `SELECT `+replyColumns+` FROM message_replies WHERE id = ? AND deleted_at IS NULL`, id); err != nil {
		return nil, notFound(err)
	}
	out := r.toDomain()
	return &out, nil
}

func (s *SQLiteStore) ListReplies(ctx context.Context, messageID string) ([]domain.Reply, error) {
	var rows []replyRow
	err := s.db.SelectContext(ctx, &rows, `SELECT `+replyColumns+` FROM message_replies
		WHERE message_id = ? AND deleted_at IS NULL ORDER BY created_at ASC, id ASC`, messageID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Reply, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *SQLiteStore) CompareAndSetReplyDelivery(ctx context.Context, id string, expected, next delivery.Status) (bool, error) {
	n, err := affected(s.db.ExecContext(ctx,
		`UPDATE message_replies SET delivery_status = ?
		WHERE id = ? AND delivery_status = ? AND deleted_at IS NULL`,
		string(next), id, string(expected)))
	return n == 1, err
}

func (s *SQLiteStore) SoftDeleteReply(ctx context.Context, id string, now time.Time) error {
	n, err := affected(s.db.ExecContext(ctx,
		`UPDATE message_replies SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`, nanos(now), id))
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- symmetric conversations ---

type conversationRow struct {
	ID            string `db:"id"`
	DMKey         string `db:"dm_key"`
	Preview       string `db:"preview"`
	LastMessageAt int64  `db:"last_message_at"`
	CreatedAt     int64  `db:"created_at"`
}

func (r conversationRow) toDomain() domain.Conversation {
	return domain.Conversation{
		ID:            r.ID,
		DMKey:         r.DMKey,
		Preview:       r.Preview,
		LastMessageAt: fromNanos(r.LastMessageAt),
		CreatedAt:     fromNanos(r.CreatedAt),
	}
}

type memberRow struct {
	ConversationID string        `db:"conversation_id"`
	UserID         string        `db:"user_id"`
	UnreadCount    int           `db:"unread_count"`
	LastReadAt     sql.NullInt64 `db:"last_read_at"`
	HiddenAt       sql.NullInt64 `db:"hidden_at"`
	JoinedAt       int64         `db:"joined_at"`
}

func (r memberRow) toDomain() domain.Member {
	return domain.Member{
		ConversationID: r.ConversationID,
		UserID:         r.UserID,
		UnreadCount:    r.UnreadCount,
		LastReadAt:     fromNullNanos(r.LastReadAt),
		HiddenAt:       fromNullNanos(r.HiddenAt),
		JoinedAt:       fromNanos(r.JoinedAt),
	}
}

const memberColumns = `conversation_id, user_id, unread_count, last_read_at, hidden_at, joined_at`

func (s *SQLiteStore) UpsertConversation(ctx context.Context, c *domain.Conversation) (*domain.Conversation, bool, error) {
	n, err := affected(s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, dm_key, preview, last_message_at, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(dm_key) DO NOTHING`,
		c.ID, c.DMKey, c.Preview, nanos(c.LastMessageAt), nanos(c.CreatedAt)))
	if err != nil {
		return nil, false, err
	}
	var r conversationRow
	if err := s.db.GetContext(ctx, &r, `SELECT id, dm_key, preview, last_message_at, created_at
		FROM conversations WHERE dm_key = ?`, c.DMKey); err != nil {
		return nil, false, notFound(err)
	}
	out := r.toDomain()
	return &out, n == 1, nil
}

func (s *SQLiteStore) UpsertMember(ctx context.Context, m *domain.Member) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_members (`+memberColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, user_id) DO NOTHING`,
		m.ConversationID, m.UserID, m.UnreadCount, nullNanos(m.LastReadAt), nullNanos(m.HiddenAt), nanos(m.JoinedAt))
	return err
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	var r conversationRow
	if err := s.db.GetContext(ctx, &r, `SELECT id, dm_key, preview, last_message_at, created_at
		FROM conversations WHERE id = ?`, id); err != nil {
		return nil, notFound(err)
	}
	out := r.toDomain()
	return &out, nil
}

func (s *SQLiteStore) GetMember(ctx context.Context, conversationID, userID string) (*domain.Member, error) {
	var r memberRow
	if err := s.db.GetContext(ctx, &r, `SELECT `+memberColumns+` FROM conversation_members
		WHERE conversation_id = ? AND user_id = ?`, conversationID, userID); err != nil {
		return nil, notFound(err)
	}
	out := r.toDomain()
	return &out, nil
}

func (s *SQLiteStore) ListMembers(ctx context.Context, conversationID string) ([]domain.Member, error) {
	var rows []memberRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+memberColumns+` FROM conversation_members
		WHERE conversation_id = ? ORDER BY joined_at, user_id`, conversationID); err != nil {
		return nil, err
	}
	out := make([]domain.Member, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *SQLiteStore) IsMember(ctx context.Context, conversationID, userID string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM conversation_members
		WHERE conversation_id = ? AND user_id = ?`, conversationID, userID)
	return n > 0, err
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *domain.ConversationMessage, preview string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	at := nanos(msg.CreatedAt)
	n, err := affected(tx.ExecContext(ctx,
		`UPDATE conversations SET preview = ?, last_message_at = ? WHERE id = ?`, preview, at, msg.ConversationID))
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	n, err = affected(tx.ExecContext(ctx, `INSERT INTO conversation_messages
		(id, conversation_id, sender_id, body, client_message_id, created_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT DO NOTHING`,
		msg.ID, msg.ConversationID, msg.SenderID, msg.Body, nullString(msg.ClientMessageID), at))
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicate
	}
	if _, err := tx.ExecContext(ctx, `UPDATE conversation_members
		SET unread_count = unread_count + 1
		WHERE conversation_id = ? AND user_id <> ?`, msg.ConversationID, msg.SenderID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE conversation_members SET hidden_at = NULL
		WHERE conversation_id = ?`, msg.ConversationID); err != nil {
		return err
	}
	return tx.Commit()
}

type conversationMessageRow struct {
	ID              string         `db:"id"`
	ConversationID  string         `db:"conversation_id"`
	SenderID        string         `db:"sender_id"`
	Body            string         `db:"body"`
	ClientMessageID sql.NullString `db:"client_message_id"`
	CreatedAt       int64          `db:"created_at"`
	DeletedAt       sql.NullInt64  `db:"deleted_at"`
}

func (r conversationMessageRow) toDomain() domain.ConversationMessage {
	return domain.ConversationMessage{
		ID:              r.ID,
		ConversationID:  r.ConversationID,
		SenderID:        r.SenderID,
		Body:            r.Body,
		ClientMessageID: r.ClientMessageID.String,
		CreatedAt:       fromNanos(r.CreatedAt),
		DeletedAt:       fromNullNanos(r.DeletedAt),
	}
}

const conversationMessageColumns = `id, conversation_id, sender_id, body, client_message_id, created_at, deleted_at`

func (s *SQLiteStore) FindMessageByClientID(ctx context.Context, conversationID, senderID, clientMessageID string) (*domain.ConversationMessage, error) {
	var r conversationMessageRow
	err := s.db.GetContext(ctx, &r, `SELECT `+conversationMessageColumns+`
		FROM conversation_messages
		WHERE conversation_id = ? AND sender_id = ? AND client_message_id = ?`,
		conversationID, senderID, clientMessageID)
	if err != nil {
		return nil, notFound(err)
	}
	m := r.toDomain()
	return &m, nil
}

// ListMessages returns up to limit messages older than before (all when
// before is zero), oldest first.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, before time.Time, limit int) ([]domain.ConversationMessage, error) {
	var rows []conversationMessageRow
	err := s.db.SelectContext(ctx, &rows, `SELECT `+conversationMessageColumns+`
		FROM conversation_messages
		WHERE conversation_id = ? AND deleted_at IS NULL AND (? = 0 OR created_at < ?)
		ORDER BY created_at DESC, id DESC LIMIT ?`,
		conversationID, nanos(before), nanos(before), limit)
	if err != nil {
		return nil, err
	}
	out := make([]domain.ConversationMessage, len(rows))
	for i, r := range rows {
		out[len(rows)-1-i] = r.toDomain()
	}
	return out, nil
}

func (s *SQLiteStore) MarkRead(ctx context.Context, conversationID, userID string, now time.Time) error {
	n, err := affected(s.db.ExecContext(ctx, `UPDATE conversation_members
		SET unread_count = 0, last_read_at = ?
		WHERE conversation_id = ? AND user_id = ?`, nanos(now), conversationID, userID))
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Hide(ctx context.Context, conversationID, userID string, now time.Time) error {
	n, err := affected(s.db.ExecContext(ctx, `UPDATE conversation_members SET hidden_at = ?
		WHERE conversation_id = ? AND user_id = ?`, nanos(now), conversationID, userID))
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type memberConversationRow struct {
	conversationRow
	UnreadCount int           `db:"unread_count"`
	LastReadAt  sql.NullInt64 `db:"last_read_at"`
	HiddenAt    sql.NullInt64 `db:"hidden_at"`
	JoinedAt    int64         `db:"joined_at"`
}

func (s *SQLiteStore) ListForUser(ctx context.Context, userID string, limit int) ([]MemberConversation, error) {
	var rows []memberConversationRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT c.id, c.dm_key, c.preview, c.last_message_at, c.created_at,
			m.unread_count, m.last_read_at, m.hidden_at, m.joined_at
		FROM conversation_members m JOIN conversations c ON c.id = m.conversation_id
		WHERE m.user_id = ? AND m.hidden_at IS NULL
		ORDER BY MAX(c.last_message_at, c.created_at) DESC
		LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return []MemberConversation{}, nil
	}

	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.ID)
	}
	q, args, err := sqlx.In(`SELECT conversation_id, user_id FROM conversation_members
		WHERE conversation_id IN (?) AND user_id <> ? ORDER BY joined_at, user_id`, ids, userID)
	if err != nil {
		return nil, err
	}
	var others []struct {
		ConversationID string `db:"conversation_id"`
		UserID         string `db:"user_id"`
	}
	if err := s.db.SelectContext(ctx, &others, s.db.Rebind(q), args...); err != nil {
		return nil, err
	}
	byConv := make(map[string][]string, len(rows))
	for _, o := range others {
		byConv[o.ConversationID] = append(byConv[o.ConversationID], o.UserID)
	}

	out := make([]MemberConversation, 0, len(rows))
	for _, r := range rows {
		out = append(out, MemberConversation{
			Conversation: r.conversationRow.toDomain(),
			Member: domain.Member{
				ConversationID: r.ID,
				UserID:         userID,
				UnreadCount:    r.UnreadCount,
				LastReadAt:     fromNullNanos(r.LastReadAt),
				HiddenAt:       fromNullNanos(r.HiddenAt),
				JoinedAt:       fromNanos(r.JoinedAt),
			},
			Others: byConv[r.ID],
		})
	}
	return out, nil
}

// --- push subscriptions ---

type pushRow struct {
	ID        string `db:"id"`
	UserID    string `db:"user_id"`
	Endpoint  string `db:"endpoint"`
	P256dh    string `db:"p256dh"`
	Auth      string `db:"auth"`
	CreatedAt int64  `db:"created_at"`
}

// SavePushSubscription upserts by endpoint; a browser endpoint that moves
// to another account follows the latest owner.
func (s *SQLiteStore) SavePushSubscription(ctx context.Context, p *domain.PushSubscription) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO push_subscriptions (id, user_id, endpoint, p256dh, auth, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(endpoint) DO UPDATE SET
			user_id = excluded.user_id, p256dh = excluded.p256dh, auth = excluded.auth`,
		p.ID, p.UserID, p.Endpoint, p.P256dh, p.Auth, nanos(p.CreatedAt))
	return err
}

func (s *SQLiteStore) ListPushSubscriptions(ctx context.Context, userID string) ([]domain.PushSubscription, error) {
	var rows []pushRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT id, user_id, endpoint, p256dh, auth, created_at
		FROM push_subscriptions WHERE user_id = ? ORDER BY created_at`, userID); err != nil {
		return nil, err
	}
	out := make([]domain.PushSubscription, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.PushSubscription{
			ID: r.ID, UserID: r.UserID, Endpoint: r.Endpoint, P256dh: r.P256dh, Auth: r.Auth,
			CreatedAt: fromNanos(r.CreatedAt),
		})
	}
	return out, nil
}

func (s *SQLiteStore) DeletePushSubscription(ctx context.Context, userID, endpoint string) error {
	n, err := affected(s.db.ExecContext(ctx,
		`DELETE FROM push_subscriptions WHERE user_id = ? AND endpoint = ?`, userID, endpoint))
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) DeletePushEndpoint(ctx context.Context, endpoint string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM push_subscriptions WHERE endpoint = ?`, endpoint)
	return err
}

// --- profiles ---

type profileRow struct {
	UserID       string `db:"user_id"`
	Email        string `db:"email"`
	BusinessName string `db:"business_name"`
	FullName     string `db:"full_name"`
	FirstName    string `db:"first_name"`
	LastName     string `db:"last_name"`
	AvatarURL    string `db:"avatar_url"`
}

func (s *SQLiteStore) GetProfiles(ctx context.Context, userIDs []string) (map[string]domain.Profile, error) {
	out := make(map[string]domain.Profile, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	q, args, err := sqlx.In(`SELECT user_id, email, business_name, full_name, first_name, last_name, avatar_url
		FROM profiles WHERE user_id IN (?)`, userIDs)
	if err != nil {
		return nil, err
	}
	var rows []profileRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...); err != nil {
		return nil, err
	}
	for _, r := range rows {
		out[r.UserID] = domain.Profile(r)
	}
	return out, nil
}

func (s *SQLiteStore) UpsertProfile(ctx context.Context, p *domain.Profile) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (user_id, email, business_name, full_name, first_name, last_name, avatar_url)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			email = excluded.email, business_name = excluded.business_name,
			full_name = excluded.full_name, first_name = excluded.first_name,
			last_name = excluded.last_name, avatar_url = excluded.avatar_url`,
		p.UserID, p.Email, p.BusinessName, p.FullName, p.FirstName, p.LastName, p.AvatarURL)
	return err
}
