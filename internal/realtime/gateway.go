// Package realtime is the websocket gateway: authenticated connections, room
// subscriptions, chat fan-out, typing and call signaling relays, and live
// stream rooms.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"pulse/infrastructure"
	"pulse/internal/auth"
	"pulse/internal/chat"
	"pulse/internal/logging"
	"pulse/internal/metrics"
	"pulse/internal/notifications"
	"pulse/internal/user"
)

// ChatStore is the part of the chat store the gateway needs.
type ChatStore interface {
	IsActiveMember(ctx context.Context, chatID, userID string) (bool, error)
	ActiveChatIDs(ctx context.Context, userID string) ([]string, error)
	ActiveMemberIDs(ctx context.Context, chatID string) ([]string, error)
	SendMessage(ctx context.Context, in chat.SendInput) (*chat.Message, error)
}

type PresenceStore interface {
	TouchLastSeen(ctx context.Context, userID string, at time.Time) error
	Presence(ctx context.Context, ids []string) ([]user.Presence, error)
}

type Options struct {
	SendQueue     int
	CommentRate   rate.Limit
	CommentBurst  int
	TouchInterval time.Duration
	// CheckOrigin defaults to accepting every origin; clients authenticate with
	// a bearer token, not cookies.
	CheckOrigin func(r *http.Request) bool
}

func DefaultOptions() Options {
	return Options{
		SendQueue:     64,
		CommentRate:   rate.Every(time.Second),
		CommentBurst:  3,
		TouchInterval: time.Minute,
	}
}

type Gateway struct {
	id       string
	hub      *Hub
	verifier auth.TokenVerifier
	chats    ChatStore
	users    PresenceStore
	notifier notifications.Notifier
	bus      Bus
	metrics  *metrics.Metrics
	log      zerolog.Logger
	opts     Options
	upgrader websocket.Upgrader
	now      func() time.Time
}

func NewGateway(
	verifier auth.TokenVerifier,
	chats ChatStore,
	users PresenceStore,
	notifier notifications.Notifier,
	bus Bus,
	m *metrics.Metrics,
	log zerolog.Logger,
	opts Options,
) *Gateway {
	def := DefaultOptions()
	if opts.SendQueue <= 0 {
		opts.SendQueue = def.SendQueue
	}
	if opts.CommentRate <= 0 {
		opts.CommentRate = def.CommentRate
	}
	if opts.CommentBurst <= 0 {
		opts.CommentBurst = def.CommentBurst
	}
	if opts.TouchInterval <= 0 {
		opts.TouchInterval = def.TouchInterval
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	if bus == nil {
		bus = LocalBus{}
	}
	return &Gateway{
		id:       uuid.NewString(),
		hub:      NewHub(),
		verifier: verifier,
		chats:    chats,
		users:    users,
		notifier: notifier,
		bus:      bus,
		metrics:  m,
		log:      log,
		opts:     opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		now: time.Now,
	}
}

func (g *Gateway) Hub() *Hub { return g.hub }

// Run relays broadcasts published by other instances until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) error {
	return g.bus.Subscribe(ctx, func(payload []byte) {
		var d Delivery
		if err := json.Unmarshal(payload, &d); err != nil {
			g.log.Warn().Err(err).Msg("malformed bus delivery")
			return
		}
		if d.Origin == g.id {
			return
		}
		if d.Evict != "" {
			g.hub.evict(d.Room, d.Evict)
			return
		}
		g.hub.deliver(d.Room, d.ExceptConn, d.Frame)
	})
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	connID := uuid.NewString()
	c := newConn(connID, ws, g.opts.SendQueue,
		rate.NewLimiter(g.opts.CommentRate, g.opts.CommentBurst),
		g.log.With().Str(logging.ConnID, connID).Logger())

	id, err := g.verifier.Verify(r.Context(), auth.BearerToken(r))
	if err != nil {
		g.reject(c, err)
		return
	}
	c.identity = id
	c.log = c.log.With().Str(logging.UserID, id.UserID).Logger()
	if err := c.transition(StateAuthenticated); err != nil {
		c.log.Error().Err(err).Msg("connection state")
		c.close()
		return
	}

	// the request context is not cancelled when a hijacked connection drops
	ctx, cancel := context.WithCancel(c.log.WithContext(context.Background()))
	defer cancel()

	g.hub.add(c)
	g.hub.join(c, UserRoom(id.UserID))
	g.metrics.ConnectionOpened()
	g.metrics.GatewayEvent("connect", nil)
	c.log.Info().Msg("connected")

	g.touch(ctx, c)
	go c.writePump()
	go g.keepPresence(ctx, c)

	g.readLoop(ctx, c)
	g.disconnect(c)
}

// reject tells the client why and closes with a policy violation. No room is
// joined.
func (g *Gateway) reject(c *Conn, err error) {
	g.metrics.GatewayEvent("connect", err)
	c.log.Debug().Err(err).Msg("rejected connection")
	if frame, encErr := encode(EventUnauthorized, ErrorNotice{
		Code:    infrastructure.ErrorCode(err),
		Message: err.Error(),
	}); encErr == nil {
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.ws.WriteMessage(websocket.TextMessage, frame)
	}
	_ = c.transition(StateDisconnected)
	c.closeWith(websocket.ClosePolicyViolation, "unauthorized")
}

func (g *Gateway) readLoop(ctx context.Context, c *Conn) {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("read failed")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			g.sendError(c, "", infrastructure.Validationf("malformed frame"))
			continue
		}
		g.dispatch(ctx, c, env)
	}
}

func (g *Gateway) dispatch(ctx context.Context, c *Conn, env Envelope) {
	ev, err := decodeInbound(env)
	if err == nil {
		err = g.handle(ctx, c, ev)
	}
	label := env.Event
	if errors.Is(err, errUnknownEvent) {
		label = "unknown"
	}
	g.metrics.GatewayEvent(label, err)
	if err != nil {
		g.sendError(c, env.Event, err)
	}
}

func (g *Gateway) handle(ctx context.Context, c *Conn, ev Inbound) error {
	switch ev := ev.(type) {
	case *JoinChats:
		return g.joinChats(ctx, c)
	case *JoinChat:
		return g.joinChat(ctx, c, ev.ChatID)
	case *LeaveChat:
		g.hub.leave(c, ChatRoom(ev.ChatID))
		return nil
	case *SendMessage:
		return g.sendMessage(ctx, c, ev)
	case *Typing:
		return g.typing(ctx, c, ev)
	case *Signal:
		return g.relaySignal(ctx, c, ev)
	case *LiveStreamStart:
		return g.startStream(ctx, c, ev)
	case *LiveStreamJoin:
		return g.joinStream(ctx, c, ev.StreamerID)
	case *LiveStreamLeave:
		g.leaveStream(ctx, c, ev.StreamerID)
		return nil
	case *LiveStreamComment:
		return g.comment(ctx, c, ev)
	case *PresenceQuery:
		return g.presence(ctx, c, ev.UserIDs)
	}
	return errUnknownEvent
}

func (g *Gateway) subscribe(c *Conn, room string) error {
	g.hub.join(c, room)
	return c.transition(StateSubscribed)
}

func (g *Gateway) joinChats(ctx context.Context, c *Conn) error {
	ids, err := g.chats.ActiveChatIDs(ctx, c.identity.UserID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := g.subscribe(c, ChatRoom(id)); err != nil {
			return err
		}
	}
	return nil
}

func (g *Gateway) joinChat(ctx context.Context, c *Conn, chatID string) error {
	ok, err := g.chats.IsActiveMember(ctx, chatID, c.identity.UserID)
	if err != nil {
		return err
	}
	if !ok {
		return infrastructure.ErrNotMember
	}
	return g.subscribe(c, ChatRoom(chatID))
}

func (g *Gateway) sendMessage(ctx context.Context, c *Conn, ev *SendMessage) error {
	in, err := ev.Input(ev.ChatID, c.identity.UserID)
	if err != nil {
		return err
	}
	msg, err := g.chats.SendMessage(ctx, in)
	if err != nil {
		return err
	}
	g.sendTo(c, EventMessageAck, MessageAck{
		ClientID:  ev.ClientID,
		ChatID:    msg.ChatID,
		MessageID: msg.ID,
		Seq:       msg.Seq,
	})
	g.MessageSent(ctx, msg)
	return nil
}

// MessageSent broadcasts a persisted message to the chat room and queues push
// notifications for members who are offline.
func (g *Gateway) MessageSent(ctx context.Context, msg *chat.Message) {
	frame, err := encode(EventNewMessage, NewMessage{ChatID: msg.ChatID, Message: msg})
	if err != nil {
		g.log.Error().Err(err).Msg("failed to encode message")
		return
	}
	g.broadcast(ctx, ChatRoom(msg.ChatID), "", frame)
	if err := g.pushOffline(ctx, msg); err != nil {
		g.log.Warn().Err(err).Str(logging.ChatID, msg.ChatID).Msg("failed to queue push notifications")
	}
}

// MemberLeft unsubscribes the user's connections from the chat room on every
// instance once they are no longer a member.
func (g *Gateway) MemberLeft(ctx context.Context, chatID, userID string) {
	room := ChatRoom(chatID)
	n := g.hub.evict(room, userID)
	g.log.Debug().Str(logging.ChatID, chatID).Str(logging.UserID, userID).Int("conns", n).Msg("member left chat")
	g.publish(ctx, Delivery{Origin: g.id, Room: room, Evict: userID})
}

func (g *Gateway) pushOffline(ctx context.Context, msg *chat.Message) error {
	if g.notifier == nil {
		return nil
	}
	ids, err := g.chats.ActiveMemberIDs(ctx, msg.ChatID)
	if err != nil {
		return err
	}
	others := ids[:0]
	for _, id := range ids {
		if id != msg.SenderID {
			others = append(others, id)
		}
	}
	if len(others) == 0 {
		return nil
	}
	presence, err := g.users.Presence(ctx, others)
	if err != nil {
		return err
	}
	var offline []string
	for _, p := range presence {
		if !p.Online {
			offline = append(offline, p.UserID)
		}
	}
	if len(offline) == 0 {
		return nil
	}
	return g.notifier.NotifyNewMessage(ctx, notifications.NewMessageNotice{
		RecipientIDs: offline,
		ChatID:       msg.ChatID,
		MessageID:    msg.ID,
		SenderID:     msg.SenderID,
		Kind:         string(msg.Kind),
		Content:      msg.Content,
		SentAt:       msg.CreatedAt,
	})
}

func (g *Gateway) typing(ctx context.Context, c *Conn, ev *Typing) error {
	room := ChatRoom(ev.ChatID)
	if !g.hub.inRoom(c, room) {
		return infrastructure.ErrNotMember
	}
	ok, err := g.chats.IsActiveMember(ctx, ev.ChatID, c.identity.UserID)
	if err != nil {
		return err
	}
	if !ok {
		g.hub.leave(c, room)
		return infrastructure.ErrNotMember
	}
	event := EventUserTyping
	if ev.stop {
		event = EventUserStoppedTyping
	}
	frame, err := encode(event, TypingNotice{
		ChatID:   ev.ChatID,
		UserID:   c.identity.UserID,
		Username: c.identity.Username,
	})
	if err != nil {
		return err
	}
	g.broadcast(ctx, room, c.id, frame)
	return nil
}

// relaySignal forwards a call-signaling event to the target's personal room.
// Nothing is kept when the target is not connected.
func (g *Gateway) relaySignal(ctx context.Context, c *Conn, ev *Signal) error {
	if ev.TargetUserID == c.identity.UserID {
		return infrastructure.Validationf("cannot signal yourself")
	}
	frame, err := encode(ev.event, SignalNotice{
		From:      c.identity.UserID,
		FromName:  c.identity.Username,
		CallType:  ev.CallType,
		SDP:       ev.SDP,
		Candidate: ev.Candidate,
	})
	if err != nil {
		return err
	}
	if n := g.broadcast(ctx, UserRoom(ev.TargetUserID), c.id, frame); n == 0 {
		c.log.Debug().Str("target", ev.TargetUserID).Str(logging.Event, ev.event).Msg("signal target not connected here")
	}
	return nil
}

func (g *Gateway) startStream(ctx context.Context, c *Conn, ev *LiveStreamStart) error {
	room := StreamRoom(c.identity.UserID)
	if err := g.subscribe(c, room); err != nil {
		return err
	}
	frame, err := encode(EventLiveStreamStarted, StreamNotice{
		StreamerID:   c.identity.UserID,
		StreamerName: c.identity.Username,
		Title:        ev.Title,
		Description:  ev.Description,
		Room:         room,
	})
	if err != nil {
		return err
	}
	g.broadcast(ctx, room, c.id, frame)
	contacts, err := g.contacts(ctx, c.identity.UserID)
	if err != nil {
		c.log.Warn().Err(err).Msg("failed to load stream audience")
		return nil
	}
	for _, id := range contacts {
		g.broadcast(ctx, UserRoom(id), "", frame)
	}
	return nil
}

// contacts returns everyone sharing an active chat with userID.
func (g *Gateway) contacts(ctx context.Context, userID string) ([]string, error) {
	chatIDs, err := g.chats.ActiveChatIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{userID: true}
	var out []string
	for _, chatID := range chatIDs {
		members, err := g.chats.ActiveMemberIDs(ctx, chatID)
		if err != nil {
			return nil, err
		}
		for _, id := range members {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out, nil
}

func (g *Gateway) joinStream(ctx context.Context, c *Conn, streamerID string) error {
	room := StreamRoom(streamerID)
	if g.hub.inRoom(c, room) {
		return nil
	}
	if err := g.subscribe(c, room); err != nil {
		return err
	}
	frame, err := encode(EventViewerJoined, ViewerNotice{
		StreamerID: streamerID,
		ViewerID:   c.identity.UserID,
		ViewerName: c.identity.Username,
	})
	if err != nil {
		return err
	}
	g.broadcast(ctx, room, c.id, frame)
	return nil
}

func (g *Gateway) leaveStream(ctx context.Context, c *Conn, streamerID string) {
	if g.hub.leave(c, StreamRoom(streamerID)) {
		g.streamDeparture(ctx, c, streamerID)
	}
}

// streamDeparture tells the room that c left: the stream ends when the
// streamer goes.
func (g *Gateway) streamDeparture(ctx context.Context, c *Conn, streamerID string) {
	var (
		frame []byte
		err   error
	)
	if streamerID == c.identity.UserID {
		frame, err = encode(EventLiveStreamEnded, StreamNotice{StreamerID: streamerID})
	} else {
		frame, err = encode(EventViewerLeft, ViewerNotice{StreamerID: streamerID, ViewerID: c.identity.UserID})
	}
	if err != nil {
		c.log.Error().Err(err).Msg("failed to encode stream notice")
		return
	}
	g.broadcast(ctx, StreamRoom(streamerID), c.id, frame)
}

func (g *Gateway) comment(ctx context.Context, c *Conn, ev *LiveStreamComment) error {
	room := StreamRoom(ev.StreamerID)
	if !g.hub.inRoom(c, room) {
		return infrastructure.Statef("not watching stream %s", ev.StreamerID)
	}
	if !c.comments.Allow() {
		return infrastructure.ErrRateLimited
	}
	frame, err := encode(EventLiveComment, LiveComment{
		StreamerID: ev.StreamerID,
		UserID:     c.identity.UserID,
		Username:   c.identity.Username,
		Comment:    ev.Comment,
		Timestamp:  g.now().UTC(),
	})
	if err != nil {
		return err
	}
	g.broadcast(ctx, room, "", frame)
	return nil
}

func (g *Gateway) presence(ctx context.Context, c *Conn, ids []string) error {
	users, err := g.users.Presence(ctx, ids)
	if err != nil {
		return err
	}
	g.sendTo(c, EventPresence, PresenceNotice{Users: users})
	return nil
}

func (g *Gateway) touch(ctx context.Context, c *Conn) {
	if err := g.users.TouchLastSeen(ctx, c.identity.UserID, g.now().UTC()); err != nil {
		c.log.Warn().Err(err).Msg("failed to update last seen")
	}
}

func (g *Gateway) keepPresence(ctx context.Context, c *Conn) {
	ticker := time.NewTicker(g.opts.TouchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.touch(ctx, c)
		}
	}
}

// disconnect releases every room of c. Chat rooms hear user_offline only when
// the user has no other connection on this instance.
func (g *Gateway) disconnect(c *Conn) {
	_ = c.transition(StateDisconnected)
	rooms, remaining := g.hub.remove(c)
	c.close()
	g.metrics.ConnectionClosed()

	ctx, cancel := context.WithTimeout(c.log.WithContext(context.Background()), 5*time.Second)
	defer cancel()

	at := g.now().UTC()
	if err := g.users.TouchLastSeen(ctx, c.identity.UserID, at); err != nil {
		c.log.Warn().Err(err).Msg("failed to update last seen")
	}

	var offline []byte
	for _, room := range rooms {
		prefix, id := roomKind(room)
		switch prefix {
		case chatRoomPrefix:
			if remaining > 0 {
				continue
			}
			if offline == nil {
				var err error
				offline, err = encode(EventUserOffline, UserOffline{
					UserID:   c.identity.UserID,
					Username: c.identity.Username,
					LastSeen: at,
				})
				if err != nil {
					c.log.Error().Err(err).Msg("failed to encode offline notice")
					return
				}
			}
			g.broadcast(ctx, room, c.id, offline)
		case streamRoomPrefix:
			g.streamDeparture(ctx, c, id)
		}
	}
	c.log.Info().Int("rooms", len(rooms)).Msg("disconnected")
}

func (g *Gateway) sendTo(c *Conn, event string, data any) {
	frame, err := encode(event, data)
	if err != nil {
		c.log.Error().Err(err).Str(logging.Event, event).Msg("failed to encode event")
		return
	}
	c.enqueue(frame)
}

func (g *Gateway) sendError(c *Conn, event string, err error) {
	msg := err.Error()
	if infrastructure.HTTPStatus(err) == http.StatusInternalServerError {
		c.log.Error().Err(err).Str(logging.Event, event).Msg("event failed")
		msg = "internal error"
	}
	g.sendTo(c, EventError, ErrorNotice{Event: event, Code: infrastructure.ErrorCode(err), Message: msg})
}

// broadcast delivers frame to local subscribers of room and forwards it to the
// other instances. It returns the number of local connections reached.
func (g *Gateway) broadcast(ctx context.Context, room, exceptConn string, frame []byte) int {
	n := g.hub.deliver(room, exceptConn, frame)
	g.publish(ctx, Delivery{Origin: g.id, Room: room, ExceptConn: exceptConn, Frame: frame})
	return n
}

func (g *Gateway) publish(ctx context.Context, d Delivery) {
	payload, err := json.Marshal(d)
	if err != nil {
		g.log.Error().Err(err).Msg("failed to encode delivery")
		return
	}
	if err := g.bus.Publish(ctx, payload); err != nil {
		g.log.Warn().Err(err).Str("room", d.Room).Msg("failed to publish to bus")
	}
}
