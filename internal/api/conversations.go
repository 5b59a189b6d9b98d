package api

import (
	"net/http"

	"github.com/samber/lo"

	"chatrelay/internal/apperr"
	"chatrelay/internal/identity"
	"chatrelay/internal/models"
)

// resolveMembers turns participant refs into member rows with the caller
// first as admin. Entries without an id, and entries naming the caller by id
// or username, are dropped; a repeated id keeps its position and takes the later username.
// With usernameAsID, an object carrying only a username uses it as the id.
func resolveMembers(caller identity.User, refs []ParticipantRef, usernameAsID bool) []models.Member {
	members := []models.Member{{UserID: caller.ID, Username: caller.Username, IsAdmin: true}}
	index := map[string]int{caller.ID: 0}

	for _, ref := range refs {
		id, username := ref.ID, ref.Username
		if id == "" && usernameAsID {
			id = username
		}
		if id == "" || id == caller.ID || id == caller.Username {
			continue
		}
		if username == "" {
			username = "user_" + id
		}
		if i, ok := index[id]; ok {
			members[i].Username = username
			continue
		}
		index[id] = len(members)
		members = append(members, models.Member{UserID: id, Username: username})
	}
	return members
}

func memberIDs(members []models.Member) []string {
	return lo.Map(members, func(m models.Member, _ int) string { return m.UserID })
}

func (h *Handlers) HandleListConversations(w http.ResponseWriter, r *http.Request) {
	user, _ := userFrom(r.Context())

	conversations, err := h.store.ListConversationsFor(r.Context(), user.ID, user.Username)
	if err != nil {
		h.writeError(w, r, apperr.Internal(err))
		return
	}

	writeJSON(w, http.StatusOK, envelope{
		"conversations": lo.Map(conversations, func(c *models.Conversation, _ int) models.ConversationSummary {
			return models.Summarize(c)
		}),
	})
}

func (h *Handlers) HandleCreateConversation(w http.ResponseWriter, r *http.Request) {
	user, _ := userFrom(r.Context())

	var req createConversationRequest
	if err := decode(w, r, &req, nil); err != nil {
		h.writeError(w, r, err)
		return
	}

	members := resolveMembers(user, req.Participants, false)
	if len(members) < 2 {
		h.writeError(w, r, apperr.ErrNeedOtherMember)
		return
	}
	if !req.IsGroup && len(members) != 2 {
		h.writeError(w, r, apperr.ErrDirectPair)
		return
	}

	conv := &models.Conversation{
		IsGroup:           req.IsGroup,
		CreatedByID:       user.ID,
		CreatedByUsername: user.Username,
	}
	if req.IsGroup {
		conv.Name = req.Name
	}
	h.createAndAnnounce(w, r, conv, members)
}

func (h *Handlers) HandleCreateGroup(w http.ResponseWriter, r *http.Request) {
	user, _ := userFrom(r.Context())

	var req createGroupRequest
	if err := decode(w, r, &req, apperr.InvalidArg("name and members are required")); err != nil {
		h.writeError(w, r, err)
		return
	}

	members := resolveMembers(user, req.Members, true)
	if len(members) < 2 {
		h.writeError(w, r, apperr.ErrNeedGroupMembers)
		return
	}

	conv := &models.Conversation{
		IsGroup:           true,
		Name:              req.Name,
		CreatedByID:       user.ID,
		CreatedByUsername: user.Username,
	}
	h.createAndAnnounce(w, r, conv, members)
}

func (h *Handlers) createAndAnnounce(w http.ResponseWriter, r *http.Request, conv *models.Conversation, members []models.Member) {
	if err := h.store.CreateConversation(r.Context(), conv, members); err != nil {
		h.writeError(w, r, apperr.Internal(err))
		return
	}

	event := models.ConversationCreatedEvent{
		Type:         models.EventConversationCreated,
		Conversation: models.Summarize(conv),
	}
	h.publish(r.Context(), models.EventConversationCreated, event, memberIDs(members))

	h.logger.Info("conversation created",
		"conversation_id", conv.ID,
		"is_group", conv.IsGroup,
		"members", len(members))
	writeJSON(w, http.StatusCreated, envelope{"conversation_id": conv.ID})
}
