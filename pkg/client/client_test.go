package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fasthttp/websocket"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fathima-sithara/marketplace-messaging/pkg/outbox"
)

const base = "http://messaging.test"

func mockClient(t *testing.T) (*Client, *httpmock.MockTransport) {
	t.Helper()
	tr := httpmock.NewMockTransport()
	return New(base, StaticToken("tok-1"), WithHTTPClient(&http.Client{Transport: tr})), tr
}

func TestSendDecodesEnvelope(t *testing.T) {
	c, tr := mockClient(t)
	tr.RegisterResponder(http.MethodPost, base+"/v1/conversations/c1/messages",
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "Bearer tok-1", req.Header.Get("Authorization"))
			var body map[string]string
			require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
			assert.Equal(t, "hi", body["body"])
			return httpmock.NewStringResponse(http.StatusCreated,
				`{"status":"ok","data":{"id":"m1","conversation_id":"c1","sender_id":"u1","body":"hi"}}`), nil
		})

	msg, err := c.Send(context.Background(), "c1", "hi")
	require.NoError(t, err)
	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, "c1", msg.ConversationID)
}

func TestErrorClassification(t *testing.T) {
	c, tr := mockClient(t)
	tr.RegisterResponder(http.MethodPost, base+"/v1/conversations/forbidden/messages",
		httpmock.NewStringResponder(http.StatusForbidden, `{"status":"error","code":"permission_denied","message":"not a member"}`))
	tr.RegisterResponder(http.MethodPost, base+"/v1/conversations/down/messages",
		httpmock.NewStringResponder(http.StatusServiceUnavailable, `{"status":"error","code":"unavailable","message":"try later"}`))

	err := c.SendMessage(context.Background(), "m-1", "forbidden", "hi")
	var perm *backoff.PermanentError
	require.True(t, errors.As(err, &perm))
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "permission_denied", apiErr.Code)

	err = c.SendMessage(context.Background(), "m-2", "down", "hi")
	assert.False(t, errors.As(err, &perm))
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.Status)
}

func TestClientBacksOutbox(t *testing.T) {
	c, tr := mockClient(t)
	up := false
	tr.RegisterResponder(http.MethodPost, base+"/v1/conversations",
		func(*http.Request) (*http.Response, error) {
			if !up {
				return nil, errors.New("connection refused")
			}
			return httpmock.NewStringResponse(http.StatusCreated,
				`{"status":"ok","data":{"conversation":{"id":"c1"},"created":true}}`), nil
		})

	ctx := context.Background()
	ob := outbox.New(outbox.NewMemoryQueue(), c)
	queued, err := ob.Submit(ctx, outbox.KindStartConversation, "bob", "hello")
	require.NoError(t, err)
	assert.True(t, queued)

	up = true
	res, err := ob.Flush(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 2, tr.GetTotalCallCount())
}

func TestFlushAfterTimeoutReusesClientMessageID(t *testing.T) {
	c, tr := mockClient(t)
	var ids []string
	tr.RegisterResponder(http.MethodPost, base+"/v1/conversations/c1/messages",
		func(req *http.Request) (*http.Response, error) {
			var body map[string]string
			require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
			ids = append(ids, body["client_message_id"])
			if len(ids) == 1 {
				// the server stored it, but the answer never arrives
				return nil, context.DeadlineExceeded
			}
			return httpmock.NewStringResponse(http.StatusCreated,
				`{"status":"ok","data":{"id":"m1","conversation_id":"c1","client_message_id":"`+body["client_message_id"]+`"}}`), nil
		})

	ctx := context.Background()
	ob := outbox.New(outbox.NewMemoryQueue(), c)
	queued, err := ob.Submit(ctx, outbox.KindConversationMessage, "c1", "hello")
	require.NoError(t, err)
	require.True(t, queued)

	res, err := ob.Flush(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)

	require.Len(t, ids, 2)
	assert.NotEmpty(t, ids[0])
	assert.Equal(t, ids[0], ids[1])
}

func TestAuthorizeChannelReadsBareGrant(t *testing.T) {
	c, tr := mockClient(t)
	tr.RegisterResponder(http.MethodPost, base+"/v1/realtime/auth",
		httpmock.NewStringResponder(http.StatusOK, `{"auth":"grant","socket_id":"s1","channel":"private-user-u1"}`))

	g, err := c.AuthorizeChannel(context.Background(), "s1", "private-user-u1")
	require.NoError(t, err)
	assert.Equal(t, "grant", g.Auth)
}

// fakeGateway speaks the socket protocol closely enough to exercise the
// subscribe handshake.
func fakeGateway(t *testing.T) *httptest.Server {
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/realtime/auth", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"auth": "grant:" + req["channel_name"], "socket_id": req["socket_id"], "channel": req["channel_name"],
		})
	})
	mux.HandleFunc("/v1/ws", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tok-1", r.URL.Query().Get("token"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteJSON(frame{Type: "connection_established", SocketID: "sock-1"})
		for {
			var f frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			if f.Type != "subscribe" {
				continue
			}
			if f.Auth != "grant:"+f.Channel || strings.HasSuffix(f.Channel, "-other") {
				_ = conn.WriteJSON(frame{Type: "error", Channel: f.Channel, Error: "subscription not authorized"})
				continue
			}
			_ = conn.WriteJSON(frame{Type: "subscription_succeeded", Channel: f.Channel})
			_ = conn.WriteJSON(frame{Type: "event", Channel: f.Channel, Event: "chat:typing", Data: json.RawMessage(`{"user_id":"u2"}`)})
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestRealtimeSubscribe(t *testing.T) {
	srv := fakeGateway(t)
	c := New(srv.URL, StaticToken("tok-1"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rt, err := c.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/ws")
	require.NoError(t, err)
	defer rt.Close()
	assert.Equal(t, "sock-1", rt.SocketID())

	require.NoError(t, rt.Subscribe(ctx, "private-conversation-c1"))
	select {
	case ev := <-rt.Events():
		assert.Equal(t, "chat:typing", ev.Event)
		assert.Equal(t, "private-conversation-c1", ev.Channel)
	case <-ctx.Done():
		t.Fatal("no event")
	}

	err = rt.Subscribe(ctx, "private-conversation-other")
	assert.ErrorIs(t, err, ErrSubscriptionRejected)
}
