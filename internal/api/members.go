package api

import (
	"net/http"

	"github.com/samber/lo"

	"chatrelay/internal/apperr"
	"chatrelay/internal/models"
)

type participantView struct {
	Username string `json:"username"`
	UserID   string `json:"user_id"`
	IsAdmin  bool   `json:"is_admin"`
}

// HandleAddMembers upserts the listed members. Rows that already exist are
// skipped; only usernames that were actually inserted are reported.
func (h *Handlers) HandleAddMembers(w http.ResponseWriter, r *http.Request) {
	user, _ := userFrom(r.Context())

	conv, err := h.loadConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !conv.IsGroup {
		h.writeError(w, r, apperr.ErrNotGroup)
		return
	}
	if err := h.members.EnsureAdmin(r.Context(), conv, user, apperr.ErrAdminRequired); err != nil {
		h.writeError(w, r, err)
		return
	}

	var req addMembersRequest
	if err := decode(w, r, &req, apperr.InvalidArg("members list required")); err != nil {
		h.writeError(w, r, err)
		return
	}

	added := []string{}
	for _, ref := range req.Members {
		if ref.ID == "" {
			continue
		}
		username := ref.Username
		if username == "" {
			username = "user_" + ref.ID
		}
		inserted, err := h.store.AddMember(r.Context(), models.Member{
			ConversationID: conv.ID,
			UserID:         ref.ID,
			Username:       username,
		})
		if err != nil {
			h.writeError(w, r, apperr.Internal(err))
			return
		}
		if inserted {
			added = append(added, username)
		}
	}

	writeJSON(w, http.StatusOK, envelope{"added": added})
}

func (h *Handlers) HandleAddBot(w http.ResponseWriter, r *http.Request) {
	user, _ := userFrom(r.Context())

	conv, err := h.loadConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if !conv.IsGroup {
		h.writeError(w, r, apperr.ErrNotGroup)
		return
	}
	if err := h.members.EnsureAdmin(r.Context(), conv, user, apperr.ErrAdminRequiredBot); err != nil {
		h.writeError(w, r, err)
		return
	}

	_, err = h.store.AddMember(r.Context(), models.Member{
		ConversationID: conv.ID,
		UserID:         models.BotID,
		Username:       models.BotUsername,
	})
	if err != nil {
		h.writeError(w, r, apperr.Internal(err))
		return
	}

	writeJSON(w, http.StatusOK, envelope{"bot_added": models.BotUsername})
}

// HandleLeave removes every row matching the caller. Leaving twice, or
// leaving a conversation never joined, still succeeds.
func (h *Handlers) HandleLeave(w http.ResponseWriter, r *http.Request) {
	user, _ := userFrom(r.Context())

	conv, err := h.loadConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	removed, err := h.store.RemoveMember(r.Context(), conv.ID, user.ID, user.Username)
	if err != nil {
		h.writeError(w, r, apperr.Internal(err))
		return
	}
	h.logger.Info("member left", "conversation_id", conv.ID, "user_id", user.ID, "rows", removed)

	writeJSON(w, http.StatusOK, envelope{"message": "left"})
}

func (h *Handlers) HandleParticipants(w http.ResponseWriter, r *http.Request) {
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

	writeJSON(w, http.StatusOK, envelope{
		"members": lo.Map(members, func(m models.Member, _ int) participantView {
			return participantView{Username: m.Username, UserID: m.UserID, IsAdmin: m.IsAdmin}
		}),
	})
}
