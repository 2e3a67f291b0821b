package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pulse/infrastructure"
	"pulse/internal/chat"
	"pulse/internal/user"
)

// Inbound event names.
const (
	EventJoinChats         = "join_chats"
	EventJoinChat          = "join_chat"
	EventLeaveChat         = "leave_chat"
	EventSendMessage       = "send_message"
	EventTypingStart       = "typing_start"
	EventTypingStop        = "typing_stop"
	EventCallOffer         = "call_offer"
	EventCallAnswer        = "call_answer"
	EventCallReject        = "call_reject"
	EventCallEnd           = "call_end"
	EventIceCandidate      = "ice_candidate"
	EventLiveStreamStart   = "live_stream_start"
	EventLiveStreamJoin    = "live_stream_join"
	EventLiveStreamLeave   = "live_stream_leave"
	EventLiveStreamComment = "live_stream_comment"
	EventPresenceQuery     = "presence_query"
)

// Outbound event names. Signaling events keep their inbound names.
const (
	EventNewMessage        = "new_message"
	EventMessageAck        = "message_ack"
	EventUserTyping        = "user_typing"
	EventUserStoppedTyping = "user_stopped_typing"
	EventLiveStreamStarted = "live_stream_started"
	EventLiveStreamEnded   = "live_stream_ended"
	EventViewerJoined      = "viewer_joined"
	EventViewerLeft        = "viewer_left"
	EventLiveComment       = "live_comment"
	EventUserOffline       = "user_offline"
	EventPresence          = "presence"
	EventError             = "error"
	EventUnauthorized      = "unauthorized"
)

const (
	maxCommentLength  = 300
	maxPresenceQuery  = 100
	maxStreamTitle    = 100
	maxStreamDescript = 500
)

var errUnknownEvent = errors.New("unknown event")

// Envelope is the frame exchanged in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Inbound is one of the client event payloads below.
type Inbound interface {
	validate() error
}

type JoinChats struct{}

type JoinChat struct {
	ChatID string `json:"chat_id"`
}

type LeaveChat struct {
	ChatID string `json:"chat_id"`
}

type SendMessage struct {
	ChatID   string `json:"chat_id"`
	ClientID string `json:"client_id,omitempty"`
	chat.SendMessageRequest
}

type Typing struct {
	ChatID string `json:"chat_id"`
	stop   bool
}

// Signal is a call-signaling event relayed to TargetUserID. SDP and Candidate
// are opaque to the gateway.
type Signal struct {
	TargetUserID string          `json:"target_user_id"`
	CallType     string          `json:"call_type,omitempty"`
	SDP          json.RawMessage `json:"sdp,omitempty"`
	Candidate    json.RawMessage `json:"candidate,omitempty"`
	event        string
}

type LiveStreamStart struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

type LiveStreamJoin struct {
	StreamerID string `json:"streamer_id"`
}

type LiveStreamLeave struct {
	StreamerID string `json:"streamer_id"`
}

type LiveStreamComment struct {
	StreamerID string `json:"streamer_id"`
	Comment    string `json:"comment"`
}

type PresenceQuery struct {
	UserIDs []string `json:"user_ids"`
}

func required(name, v string) error {
	if v == "" {
		return infrastructure.Validationf("%s is required", name)
	}
	return nil
}

func (JoinChats) validate() error         { return nil }
func (e JoinChat) validate() error        { return required("chat_id", e.ChatID) }
func (e LeaveChat) validate() error       { return required("chat_id", e.ChatID) }
func (e Typing) validate() error          { return required("chat_id", e.ChatID) }
func (e LiveStreamJoin) validate() error  { return required("streamer_id", e.StreamerID) }
func (e LiveStreamLeave) validate() error { return required("streamer_id", e.StreamerID) }

func (e SendMessage) validate() error {
	if err := required("chat_id", e.ChatID); err != nil {
		return err
	}
	if e.Content == "" {
		return infrastructure.Validationf("content is required")
	}
	if len([]rune(e.Content)) > chat.MaxContentLength {
		return infrastructure.Validationf("content exceeds %d characters", chat.MaxContentLength)
	}
	return nil
}

func (e Signal) validate() error {
	if err := required("target_user_id", e.TargetUserID); err != nil {
		return err
	}
	switch e.event {
	case EventCallOffer:
		if e.CallType != "audio" && e.CallType != "video" {
			return infrastructure.Validationf("call_type must be audio or video")
		}
		if len(e.SDP) == 0 {
			return infrastructure.Validationf("sdp is required")
		}
	case EventCallAnswer:
		if len(e.SDP) == 0 {
			return infrastructure.Validationf("sdp is required")
		}
	case EventIceCandidate:
		if len(e.Candidate) == 0 {
			return infrastructure.Validationf("candidate is required")
		}
	}
	return nil
}

func (e LiveStreamStart) validate() error {
	if err := required("title", e.Title); err != nil {
		return err
	}
	if len([]rune(e.Title)) > maxStreamTitle || len([]rune(e.Description)) > maxStreamDescript {
		return infrastructure.Validationf("title or description too long")
	}
	return nil
}

func (e LiveStreamComment) validate() error {
	if err := required("streamer_id", e.StreamerID); err != nil {
		return err
	}
	if e.Comment == "" || len([]rune(e.Comment)) > maxCommentLength {
		return infrastructure.Validationf("comment must be 1 to %d characters", maxCommentLength)
	}
	return nil
}

func (e PresenceQuery) validate() error {
	if len(e.UserIDs) == 0 || len(e.UserIDs) > maxPresenceQuery {
		return infrastructure.Validationf("user_ids must hold 1 to %d ids", maxPresenceQuery)
	}
	return nil
}

// decodeInbound resolves the envelope into its typed, validated payload.
func decodeInbound(env Envelope) (Inbound, error) {
	var ev Inbound
	switch env.Event {
	case EventJoinChats:
		ev = &JoinChats{}
	case EventJoinChat:
		ev = &JoinChat{}
	case EventLeaveChat:
		ev = &LeaveChat{}
	case EventSendMessage:
		ev = &SendMessage{}
	case EventTypingStart:
		ev = &Typing{}
	case EventTypingStop:
		ev = &Typing{stop: true}
	case EventCallOffer, EventCallAnswer, EventCallReject, EventCallEnd, EventIceCandidate:
		ev = &Signal{event: env.Event}
	case EventLiveStreamStart:
		ev = &LiveStreamStart{}
	case EventLiveStreamJoin:
		ev = &LiveStreamJoin{}
	case EventLiveStreamLeave:
		ev = &LiveStreamLeave{}
	case EventLiveStreamComment:
		ev = &LiveStreamComment{}
	case EventPresenceQuery:
		ev = &PresenceQuery{}
	default:
		return nil, fmt.Errorf("%w: %w %q", infrastructure.ErrValidation, errUnknownEvent, env.Event)
	}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, ev); err != nil {
			return nil, infrastructure.Validationf("malformed %s payload: %v", env.Event, err)
		}
	}
	if err := ev.validate(); err != nil {
		return nil, err
	}
	return ev, nil
}

// Outbound payloads.

type NewMessage struct {
	ChatID  string        `json:"chat_id"`
	Message *chat.Message `json:"message"`
}

type MessageAck struct {
	ClientID  string `json:"client_id,omitempty"`
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
	Seq       int64  `json:"seq"`
}

type TypingNotice struct {
	ChatID   string `json:"chat_id"`
	UserID   string `json:"user_id"`
	Username string `json:"username,omitempty"`
}

type SignalNotice struct {
	From      string          `json:"from"`
	FromName  string          `json:"from_name,omitempty"`
	CallType  string          `json:"call_type,omitempty"`
	SDP       json.RawMessage `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

type StreamNotice struct {
	StreamerID   string `json:"streamer_id"`
	StreamerName string `json:"streamer_name,omitempty"`
	Title        string `json:"title,omitempty"`
	Description  string `json:"description,omitempty"`
	Room         string `json:"room,omitempty"`
}

type ViewerNotice struct {
	StreamerID string `json:"streamer_id"`
	ViewerID   string `json:"viewer_id"`
	ViewerName string `json:"viewer_name,omitempty"`
}

type LiveComment struct {
	StreamerID string    `json:"streamer_id"`
	UserID     string    `json:"user_id"`
	Username   string    `json:"username"`
	Comment    string    `json:"comment"`
	Timestamp  time.Time `json:"timestamp"`
}

type UserOffline struct {
	UserID   string    `json:"user_id"`
	Username string    `json:"username"`
	LastSeen time.Time `json:"last_seen"`
}

type PresenceNotice struct {
	Users []user.Presence `json:"users"`
}

type ErrorNotice struct {
	Event   string `json:"event,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func encode(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}
