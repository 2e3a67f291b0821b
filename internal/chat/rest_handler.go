package chat

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"pulse/infrastructure"
	"pulse/internal/auth"
)

const defaultMessageLimit = 50

// Publisher fans chat changes out to connected clients.
type Publisher interface {
	MessageSent(ctx context.Context, msg *Message)
	MemberLeft(ctx context.Context, chatID, userID string)
}

type JSONHandler struct {
	store     *Store
	publisher Publisher
}

func NewJSONHandler(store *Store, publisher Publisher) *JSONHandler {
	return &JSONHandler{store: store, publisher: publisher}
}

// SetupJSON registers the chat routes on a router that requires a user.
func (h *JSONHandler) SetupJSON(router *mux.Router) {
	router.HandleFunc("", h.ListChats).Methods(http.MethodGet)
	router.HandleFunc("/", h.ListChats).Methods(http.MethodGet)
	router.HandleFunc("/private", h.CreatePrivate).Methods(http.MethodPost)
	router.HandleFunc("/group", h.CreateGroup).Methods(http.MethodPost)
	router.HandleFunc("/{id}/messages", h.ListMessages).Methods(http.MethodGet)
	router.HandleFunc("/{id}/messages", h.SendMessage).Methods(http.MethodPost)
	router.HandleFunc("/{id}/messages/{messageId}", h.DeleteMessage).Methods(http.MethodDelete)
	router.HandleFunc("/{id}/read", h.MarkRead).Methods(http.MethodPut)
	router.HandleFunc("/{id}/leave", h.Leave).Methods(http.MethodPost)
}

func (h *JSONHandler) ListChats(w http.ResponseWriter, r *http.Request) {
	chats, err := h.store.ListChats(r.Context(), auth.UserIDFromContext(r.Context()))
	if err != nil {
		infrastructure.WriteError(w, r, err)
		return
	}
	infrastructure.WriteJSON(w, http.StatusOK, map[string]any{"chats": chats})
}

type privateRequest struct {
	UserID string `json:"user_id" validate:"required"`
}

func (h *JSONHandler) CreatePrivate(w http.ResponseWriter, r *http.Request) {
	var req privateRequest
	if err := infrastructure.DecodeJSON(r, &req); err != nil {
		infrastructure.WriteError(w, r, err)
		return
	}
	chat, created, err := h.store.GetOrCreatePrivateChat(r.Context(), auth.UserIDFromContext(r.Context()), req.UserID)
	if err != nil {
		infrastructure.WriteError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	infrastructure.WriteJSON(w, status, map[string]any{"chat": chat, "created": created})
}

type groupRequest struct {
	Name         string   `json:"name" validate:"required,max=50"`
	Description  string   `json:"description" validate:"max=200"`
	Participants []string `json:"participants" validate:"required,min=1,dive,required"`
}

func (h *JSONHandler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	var req groupRequest
	if err := infrastructure.DecodeJSON(r, &req); err != nil {
		infrastructure.WriteError(w, r, err)
		return
	}
	chat, err := h.store.CreateGroupChat(r.Context(), GroupInput{
		CreatorID:   auth.UserIDFromContext(r.Context()),
		MemberIDs:   req.Participants,
		Name:        req.Name,
		Description: req.Description,
	})
	if err != nil {
		infrastructure.WriteError(w, r, err)
		return
	}
	infrastructure.WriteJSON(w, http.StatusCreated, map[string]any{"chat": chat})
}

func (h *JSONHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	page, err := h.store.ListMessages(r.Context(), mux.Vars(r)["id"], auth.UserIDFromContext(r.Context()),
		infrastructure.PageFromRequest(r, defaultMessageLimit))
	if err != nil {
		infrastructure.WriteError(w, r, err)
		return
	}
	infrastructure.WriteJSON(w, http.StatusOK, page)
}

// SendMessageRequest is shared with the realtime gateway's send_message event.
type SendMessageRequest struct {
	Content     string      `json:"content" validate:"required,max=1000"`
	MessageType MessageKind `json:"message_type"`
	MediaURL    string      `json:"media_url"`
	StickerID   string      `json:"sticker_id"`
	Points      int64       `json:"points_amount"`
	RecipientID string      `json:"recipient_id"`
}

// Input converts the request into a SendInput for chatID and senderID.
func (req SendMessageRequest) Input(chatID, senderID string) (SendInput, error) {
	payload, err := BuildPayload(req.MessageType, req.MediaURL, req.StickerID, req.Points, req.RecipientID)
	if err != nil {
		return SendInput{}, err
	}
	kind := req.MessageType
	if kind == "" {
		kind = MessageText
	}
	return SendInput{ChatID: chatID, SenderID: senderID, Content: req.Content, Kind: kind, Payload: payload}, nil
}

func (h *JSONHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := infrastructure.DecodeJSON(r, &req); err != nil {
		infrastructure.WriteError(w, r, err)
		return
	}
	in, err := req.Input(mux.Vars(r)["id"], auth.UserIDFromContext(r.Context()))
	if err != nil {
		infrastructure.WriteError(w, r, err)
		return
	}
	msg, err := h.store.SendMessage(r.Context(), in)
	if err != nil {
		infrastructure.WriteError(w, r, err)
		return
	}
	if h.publisher != nil {
		h.publisher.MessageSent(r.Context(), msg)
	}
	infrastructure.WriteJSON(w, http.StatusCreated, map[string]any{"message": msg})
}

func (h *JSONHandler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.store.DeleteMessage(r.Context(), vars["id"], vars["messageId"], auth.UserIDFromContext(r.Context())); err != nil {
		infrastructure.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *JSONHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	n, err := h.store.MarkRead(r.Context(), mux.Vars(r)["id"], auth.UserIDFromContext(r.Context()))
	if err != nil {
		infrastructure.WriteError(w, r, err)
		return
	}
	infrastructure.WriteJSON(w, http.StatusOK, map[string]int64{"marked": n})
}

func (h *JSONHandler) Leave(w http.ResponseWriter, r *http.Request) {
	chatID, userID := mux.Vars(r)["id"], auth.UserIDFromContext(r.Context())
	res, err := h.store.LeaveGroup(r.Context(), chatID, userID)
	if err != nil {
		infrastructure.WriteError(w, r, err)
		return
	}
	if h.publisher != nil {
		h.publisher.MemberLeft(r.Context(), chatID, userID)
	}
	infrastructure.WriteJSON(w, http.StatusOK, res)
}
