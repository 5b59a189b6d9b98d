package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/samber/lo"

	"chatrelay/internal/apperr"
	"chatrelay/internal/db"
	"chatrelay/internal/models"
)

type messageView struct {
	ID             string          `json:"id"`
	SenderID       string          `json:"sender_id"`
	SenderUsername string          `json:"sender_username"`
	Ciphertext     string          `json:"ciphertext"`
	Metadata       json.RawMessage `json:"metadata"`
	Timestamp      string          `json:"timestamp"`
	DeliveredTo    []string        `json:"delivered_to"`
	ReadBy         []string        `json:"read_by"`
}

func viewMessage(m models.Message) messageView {
	return messageView{
		ID:             m.ID,
		SenderID:       m.SenderID,
		SenderUsername: m.SenderUsername,
		Ciphertext:     m.Ciphertext,
		Metadata:       m.Metadata,
		Timestamp:      m.Timestamp.Format(time.RFC3339Nano),
		DeliveredTo:    m.DeliveredTo,
		ReadBy:         m.ReadBy,
	}
}

func (h *Handlers) HandleListMessages(w http.ResponseWriter, r *http.Request) {
	user, _ := userFrom(r.Context())

	conv, err := h.loadConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if _, err := h.members.EnsureMember(r.Context(), conv, user); err != nil {
		h.writeError(w, r, err)
		return
	}

	limit, err := pageLimit(r, h.pageDef, h.pageMax)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	messages, err := h.store.ListMessages(r.Context(), conv.ID, limit)
	if err != nil {
		h.writeError(w, r, apperr.Internal(err))
		return
	}

	writeJSON(w, http.StatusOK, envelope{
		"messages": lo.Map(messages, func(m models.Message, _ int) messageView { return viewMessage(m) }),
	})
}

// HandleSendMessage stores the message and pushes it to every member,
// the sender included, so other sessions of the sender stay in sync.
func (h *Handlers) HandleSendMessage(w http.ResponseWriter, r *http.Request) {
	user, _ := userFrom(r.Context())

	conv, err := h.loadConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	members, err := h.members.EnsureMember(r.Context(), conv, user)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req sendMessageRequest
	if err := decode(w, r, &req, apperr.ErrCiphertextMissing); err != nil {
		h.writeError(w, r, err)
		return
	}

	msg := &models.Message{
		ConversationID: conv.ID,
		SenderID:       user.ID,
		SenderUsername: user.Username,
		Ciphertext:     req.Ciphertext,
		Metadata:       req.Metadata,
	}
	if err := h.store.CreateMessage(r.Context(), msg); err != nil {
		h.writeError(w, r, apperr.Internal(err))
		return
	}

	h.publish(r.Context(), models.EventMessage, models.NewMessageEvent(msg), memberIDs(members))

	writeJSON(w, http.StatusCreated, envelope{
		"message_id": msg.ID,
		"timestamp":  msg.Timestamp.Format(time.RFC3339Nano),
	})
}

func (h *Handlers) HandleMarkRead(w http.ResponseWriter, r *http.Request) {
	user, _ := userFrom(r.Context())

	conv, err := h.loadConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if _, err := h.members.EnsureMember(r.Context(), conv, user); err != nil {
		h.writeError(w, r, err)
		return
	}

	msg, err := h.store.MarkRead(r.Context(), conv.ID, r.PathValue("message_id"), user.ID)
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, r, apperr.NotFound("message_not_found"))
		return
	}
	if err != nil {
		h.writeError(w, r, apperr.Internal(err))
		return
	}

	writeJSON(w, http.StatusOK, envelope{"message": viewMessage(*msg)})
}
