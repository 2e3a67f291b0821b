package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"net/url"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"pulse/infrastructure"
	"pulse/internal/auth"
	"pulse/internal/chat"
	"pulse/internal/notifications"
	"pulse/internal/user"
)

type fakeVerifier map[string]auth.Identity

func (f fakeVerifier) Verify(_ context.Context, token string) (auth.Identity, error) {
	if token == "" {
		return auth.Identity{}, infrastructure.ErrMissingToken
	}
	id, ok := f[token]
	if !ok {
		return auth.Identity{}, infrastructure.ErrInvalidToken
	}
	return id, nil
}

type fakeChats struct {
	mu      sync.Mutex
	members map[string][]string
	sent    []chat.SendInput
	sendErr error
	seq     int64
}

func (f *fakeChats) IsActiveMember(_ context.Context, chatID, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Contains(f.members[chatID], userID), nil
}

func (f *fakeChats) ActiveChatIDs(_ context.Context, userID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id, members := range f.members {
		if slices.Contains(members, userID) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (f *fakeChats) ActiveMemberIDs(_ context.Context, chatID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.members[chatID]), nil
}

func (f *fakeChats) SendMessage(_ context.Context, in chat.SendInput) (*chat.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	if !slices.Contains(f.members[in.ChatID], in.SenderID) {
		return nil, infrastructure.ErrNotMember
	}
	f.seq++
	f.sent = append(f.sent, in)
	return &chat.Message{
		ID:        fmt.Sprintf("m%d", f.seq),
		ChatID:    in.ChatID,
		Seq:       f.seq,
		SenderID:  in.SenderID,
		Content:   in.Content,
		Kind:      in.Kind,
		ReadBy:    []string{},
		CreatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}, nil
}

func (f *fakeChats) removeMember(chatID, userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[chatID] = slices.DeleteFunc(slices.Clone(f.members[chatID]), func(id string) bool { return id == userID })
}

type fakeUsers struct {
	mu      sync.Mutex
	online  map[string]bool
	touched map[string]int
}

func (f *fakeUsers) TouchLastSeen(_ context.Context, id string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched[id]++
	return nil
}

func (f *fakeUsers) Presence(_ context.Context, ids []string) ([]user.Presence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]user.Presence, 0, len(ids))
	for _, id := range ids {
		out = append(out, user.Presence{UserID: id, Online: f.online[id]})
	}
	return out, nil
}

func (f *fakeUsers) touches(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.touched[id]
}

type fakeNotifier struct {
	notices chan notifications.NewMessageNotice
}

func (f *fakeNotifier) NotifyNewMessage(_ context.Context, n notifications.NewMessageNotice) error {
	f.notices <- n
	return nil
}

type harness struct {
	gw       *Gateway
	srv      *httptest.Server
	chats    *fakeChats
	users    *fakeUsers
	notifier *fakeNotifier
}

func newHarness(t *testing.T, opts Options, bus Bus) *harness {
	t.Helper()
	h := &harness{
		chats: &fakeChats{members: map[string][]string{
			"c1": {"alice", "bob", "carol"},
		}},
		users: &fakeUsers{
			online:  map[string]bool{"alice": true, "bob": true},
			touched: map[string]int{},
		},
		notifier: &fakeNotifier{notices: make(chan notifications.NewMessageNotice, 8)},
	}
	verifier := fakeVerifier{
		"tok-alice": {UserID: "alice", Username: "Alice"},
		"tok-bob":   {UserID: "bob", Username: "Bob"},
		"tok-dave":  {UserID: "dave", Username: "Dave"},
	}
	h.gw = NewGateway(verifier, h.chats, h.users, h.notifier, bus, nil, zerolog.Nop(), opts)
	h.srv = httptest.NewServer(h.gw)
	t.Cleanup(h.srv.Close)
	return h
}

type client struct {
	t  *testing.T
	ws *websocket.Conn
}

func (h *harness) dial(t *testing.T, token string) *client {
	t.Helper()
	u := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws?token=" + url.QueryEscape(token)
	ws, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return &client{t: t, ws: ws}
}

func (c *client) send(event string, data any) {
	c.t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(c.t, err)
	require.NoError(c.t, c.ws.WriteJSON(Envelope{Event: event, Data: raw}))
}

func (c *client) next() Envelope {
	c.t.Helper()
	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env Envelope
	require.NoError(c.t, c.ws.ReadJSON(&env))
	return env
}

func (c *client) expect(event string, into any) {
	c.t.Helper()
	env := c.next()
	require.Equal(c.t, event, env.Event, string(env.Data))
	if into != nil {
		require.NoError(c.t, json.Unmarshal(env.Data, into))
	}
}

// sync round-trips a presence query. Events are handled in order per
// connection, so everything sent before it has been processed, and any frame
// queued for this client earlier would be read first.
func (c *client) sync() {
	c.t.Helper()
	c.send(EventPresenceQuery, PresenceQuery{UserIDs: []string{"nobody"}})
	c.expect(EventPresence, nil)
}

func TestGateway_RejectsBadToken(t *testing.T) {
	h := newHarness(t, Options{}, nil)

	for _, token := range []string{"", "forged"} {
		c := h.dial(t, token)
		var notice ErrorNotice
		c.expect(EventUnauthorized, &notice)
		assert.Equal(t, "unauthorized", notice.Code)

		_, _, err := c.ws.ReadMessage()
		assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
	}
	assert.Equal(t, 0, h.gw.Hub().Len())
	assert.Zero(t, h.users.touches(""))
}

func TestGateway_ConnectJoinsPersonalRoomAndTouchesLastSeen(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	c := h.dial(t, "tok-alice")
	c.sync()

	assert.Equal(t, 1, h.gw.Hub().subscribers(UserRoom("alice")))
	assert.True(t, h.gw.Hub().Online("alice"))
	assert.GreaterOrEqual(t, h.users.touches("alice"), 1)
}

func TestGateway_SendMessage(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	alice := h.dial(t, "tok-alice")
	bob := h.dial(t, "tok-bob")

	bob.send(EventJoinChat, JoinChat{ChatID: "c1"})
	bob.sync()

	alice.send(EventSendMessage, map[string]any{"chat_id": "c1", "content": "hi bob", "client_id": "k1"})

	var ack MessageAck
	alice.expect(EventMessageAck, &ack)
	assert.Equal(t, "k1", ack.ClientID)
	assert.Equal(t, int64(1), ack.Seq)

	var nm NewMessage
	bob.expect(EventNewMessage, &nm)
	assert.Equal(t, "c1", nm.ChatID)
	assert.Equal(t, "hi bob", nm.Message.Content)
	assert.Equal(t, "alice", nm.Message.SenderID)

	select {
	case n := <-h.notifier.notices:
		assert.Equal(t, []string{"carol"}, n.RecipientIDs)
		assert.Equal(t, "m1", n.MessageID)
	case <-time.After(2 * time.Second):
		t.Fatal("no push notification for the offline member")
	}
}

func TestGateway_SendMessageFailureBroadcastsNothing(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	h.chats.sendErr = infrastructure.ErrInsufficientBalance
	alice := h.dial(t, "tok-alice")
	bob := h.dial(t, "tok-bob")
	bob.send(EventJoinChat, JoinChat{ChatID: "c1"})
	bob.sync()

	alice.send(EventSendMessage, map[string]any{
		"chat_id": "c1", "content": "20 for you", "message_type": "points", "points_amount": 20,
	})
	var notice ErrorNotice
	alice.expect(EventError, &notice)
	assert.Equal(t, "insufficient_balance", notice.Code)
	assert.Equal(t, EventSendMessage, notice.Event)

	bob.sync()
	assert.Empty(t, h.notifier.notices)
}

func TestGateway_JoinChatRequiresMembership(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	dave := h.dial(t, "tok-dave")

	dave.send(EventJoinChat, JoinChat{ChatID: "c1"})
	var notice ErrorNotice
	dave.expect(EventError, &notice)
	assert.Equal(t, "not_member", notice.Code)
	assert.Equal(t, 0, h.gw.Hub().subscribers(ChatRoom("c1")))
}

func TestGateway_JoinChats(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	h.chats.members["c2"] = []string{"alice", "dave"}
	alice := h.dial(t, "tok-alice")

	alice.send(EventJoinChats, struct{}{})
	alice.sync()
	assert.Equal(t, 1, h.gw.Hub().subscribers(ChatRoom("c1")))
	assert.Equal(t, 1, h.gw.Hub().subscribers(ChatRoom("c2")))
}

func TestGateway_TypingSkipsSender(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	alice := h.dial(t, "tok-alice")
	bob := h.dial(t, "tok-bob")
	alice.send(EventJoinChat, JoinChat{ChatID: "c1"})
	alice.sync()
	bob.send(EventJoinChat, JoinChat{ChatID: "c1"})
	bob.sync()

	alice.send(EventTypingStart, Typing{ChatID: "c1"})
	var typing TypingNotice
	bob.expect(EventUserTyping, &typing)
	assert.Equal(t, "alice", typing.UserID)
	alice.sync()

	alice.send(EventTypingStop, Typing{ChatID: "c1"})
	bob.expect(EventUserStoppedTyping, nil)
	alice.sync()
}

func TestGateway_MemberLeftStopsChatTraffic(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	alice := h.dial(t, "tok-alice")
	bob := h.dial(t, "tok-bob")
	bobTab := h.dial(t, "tok-bob")
	for _, c := range []*client{alice, bob, bobTab} {
		c.send(EventJoinChat, JoinChat{ChatID: "c1"})
		c.sync()
	}
	require.Equal(t, 3, h.gw.Hub().subscribers(ChatRoom("c1")))

	h.chats.removeMember("c1", "bob")
	h.gw.MemberLeft(context.Background(), "c1", "bob")
	assert.Equal(t, 1, h.gw.Hub().subscribers(ChatRoom("c1")))

	alice.send(EventSendMessage, map[string]any{"chat_id": "c1", "content": "after bob left"})
	alice.expect(EventMessageAck, nil)
	alice.sync()
	bob.sync()
	bobTab.sync()

	bob.send(EventTypingStart, Typing{ChatID: "c1"})
	var notice ErrorNotice
	bob.expect(EventError, &notice)
	assert.Equal(t, "not_member", notice.Code)
	alice.sync()
}

func TestGateway_TypingChecksMembership(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	alice := h.dial(t, "tok-alice")
	bob := h.dial(t, "tok-bob")
	alice.send(EventJoinChat, JoinChat{ChatID: "c1"})
	alice.sync()
	bob.send(EventJoinChat, JoinChat{ChatID: "c1"})
	bob.sync()

	// membership revoked while the subscription is still live
	h.chats.removeMember("c1", "bob")
	bob.send(EventTypingStart, Typing{ChatID: "c1"})
	var notice ErrorNotice
	bob.expect(EventError, &notice)
	assert.Equal(t, "not_member", notice.Code)
	alice.sync()
	assert.Equal(t, 1, h.gw.Hub().subscribers(ChatRoom("c1")))
}

func TestGateway_SignalingRelay(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	alice := h.dial(t, "tok-alice")
	bob := h.dial(t, "tok-bob")
	bob.sync()

	alice.send(EventCallOffer, map[string]any{
		"target_user_id": "bob", "call_type": "video", "sdp": map[string]string{"type": "offer"},
	})
	var offer SignalNotice
	bob.expect(EventCallOffer, &offer)
	assert.Equal(t, "alice", offer.From)
	assert.Equal(t, "video", offer.CallType)
	assert.JSONEq(t, `{"type":"offer"}`, string(offer.SDP))

	bob.send(EventIceCandidate, map[string]any{"target_user_id": "alice", "candidate": "c0"})
	var ice SignalNotice
	alice.expect(EventIceCandidate, &ice)
	assert.Equal(t, "bob", ice.From)

	// nobody is connected as carol: dropped without an error
	alice.send(EventCallEnd, map[string]any{"target_user_id": "carol"})
	alice.sync()

	alice.send(EventCallOffer, map[string]any{"target_user_id": "bob", "call_type": "fax", "sdp": "x"})
	var notice ErrorNotice
	alice.expect(EventError, &notice)
	assert.Equal(t, "validation", notice.Code)
}

func TestGateway_LiveStream(t *testing.T) {
	h := newHarness(t, Options{CommentRate: rate.Every(time.Hour), CommentBurst: 1}, nil)
	streamer := h.dial(t, "tok-alice")
	viewer := h.dial(t, "tok-bob")

	viewer.send(EventLiveStreamComment, LiveStreamComment{StreamerID: "alice", Comment: "early"})
	var notice ErrorNotice
	viewer.expect(EventError, &notice)
	assert.Equal(t, "state", notice.Code)

	stranger := h.dial(t, "tok-dave")
	streamer.send(EventLiveStreamStart, LiveStreamStart{Title: "cooking"})
	streamer.sync()

	// bob shares c1 with alice, dave shares nothing
	var started StreamNotice
	viewer.expect(EventLiveStreamStarted, &started)
	assert.Equal(t, "alice", started.StreamerID)
	assert.Equal(t, "cooking", started.Title)
	assert.Equal(t, StreamRoom("alice"), started.Room)
	stranger.sync()

	viewer.send(EventLiveStreamJoin, LiveStreamJoin{StreamerID: "alice"})
	var joined ViewerNotice
	streamer.expect(EventViewerJoined, &joined)
	assert.Equal(t, "bob", joined.ViewerID)

	viewer.send(EventLiveStreamComment, LiveStreamComment{StreamerID: "alice", Comment: "yum"})
	var comment LiveComment
	streamer.expect(EventLiveComment, &comment)
	assert.Equal(t, "yum", comment.Comment)
	viewer.expect(EventLiveComment, nil)

	viewer.send(EventLiveStreamComment, LiveStreamComment{StreamerID: "alice", Comment: "again"})
	viewer.expect(EventError, &notice)
	assert.Equal(t, "rate_limited", notice.Code)

	streamer.send(EventLiveStreamLeave, LiveStreamLeave{StreamerID: "alice"})
	var ended StreamNotice
	viewer.expect(EventLiveStreamEnded, &ended)
	assert.Equal(t, "alice", ended.StreamerID)
}

func TestGateway_DisconnectAnnouncesOffline(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	alice := h.dial(t, "tok-alice")
	second := h.dial(t, "tok-alice")
	bob := h.dial(t, "tok-bob")
	for _, c := range []*client{alice, second, bob} {
		c.send(EventJoinChat, JoinChat{ChatID: "c1"})
		c.sync()
	}

	// alice still has another connection
	require.NoError(t, alice.ws.Close())
	require.Eventually(t, func() bool { return h.gw.Hub().Len() == 2 }, 2*time.Second, 10*time.Millisecond)
	bob.sync()

	require.NoError(t, second.ws.Close())
	var off UserOffline
	bob.expect(EventUserOffline, &off)
	assert.Equal(t, "alice", off.UserID)

	require.Eventually(t, func() bool { return h.gw.Hub().Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, h.gw.Hub().subscribers(ChatRoom("c1")))
	assert.False(t, h.gw.Hub().Online("alice"))
	// two connects and two disconnects
	assert.Eventually(t, func() bool { return h.users.touches("alice") == 4 }, 2*time.Second, 10*time.Millisecond)
}

func TestGateway_UnknownAndMalformedEvents(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	c := h.dial(t, "tok-alice")

	c.send("dance", struct{}{})
	var notice ErrorNotice
	c.expect(EventError, &notice)
	assert.Equal(t, "validation", notice.Code)

	require.NoError(t, c.ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
	c.expect(EventError, &notice)
	assert.Equal(t, "validation", notice.Code)

	c.send(EventPresenceQuery, PresenceQuery{UserIDs: []string{"alice", "carol"}})
	var p PresenceNotice
	c.expect(EventPresence, &p)
	require.Len(t, p.Users, 2)
	assert.True(t, p.Users[0].Online)
	assert.False(t, p.Users[1].Online)
}

type memBus struct {
	mu       sync.Mutex
	handlers []func([]byte)
}

func (b *memBus) Publish(_ context.Context, payload []byte) error {
	b.mu.Lock()
	hs := slices.Clone(b.handlers)
	b.mu.Unlock()
	for _, h := range hs {
		h(payload)
	}
	return nil
}

func (b *memBus) Subscribe(ctx context.Context, handle func([]byte)) error {
	b.mu.Lock()
	b.handlers = append(b.handlers, handle)
	b.mu.Unlock()
	<-ctx.Done()
	return nil
}

func (b *memBus) subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers)
}

func TestGateway_BusCrossInstance(t *testing.T) {
	bus := &memBus{}
	a := newHarness(t, Options{}, bus)
	b := newHarness(t, Options{}, bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.gw.Run(ctx) }()
	go func() { _ = b.gw.Run(ctx) }()
	require.Eventually(t, func() bool { return bus.subscribers() == 2 }, 2*time.Second, 10*time.Millisecond)

	alice := a.dial(t, "tok-alice")
	bob := b.dial(t, "tok-bob")
	bob.sync()

	alice.send(EventCallOffer, map[string]any{"target_user_id": "bob", "call_type": "audio", "sdp": "v=0"})
	var offer SignalNotice
	bob.expect(EventCallOffer, &offer)
	assert.Equal(t, "alice", offer.From)

	// the origin instance ignores its own deliveries
	alice.sync()

	bob.send(EventJoinChat, JoinChat{ChatID: "c1"})
	bob.sync()
	b.chats.removeMember("c1", "bob")
	a.gw.MemberLeft(ctx, "c1", "bob")
	assert.Equal(t, 0, b.gw.Hub().subscribers(ChatRoom("c1")))
}
