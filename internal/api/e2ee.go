package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/samber/lo"

	"chatrelay/internal/apperr"
	"chatrelay/internal/db"
	"chatrelay/internal/identity"
	"chatrelay/internal/models"
)

func identityBody(ident *models.Identity) envelope {
	return envelope{
		"user_id":     ident.UserID,
		"public_key":  ident.PublicKey,
		"fingerprint": identity.Fingerprint(ident.PublicKey),
	}
}

func (h *Handlers) HandleRegisterIdentity(w http.ResponseWriter, r *http.Request) {
	user, _ := userFrom(r.Context())

	var req registerIdentityRequest
	if err := decode(w, r, &req, apperr.InvalidArg("public_key required")); err != nil {
		h.writeError(w, r, err)
		return
	}

	ident, err := h.store.UpsertIdentity(r.Context(), user.ID, req.PublicKey)
	if err != nil {
		h.writeError(w, r, apperr.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, identityBody(ident))
}

// HandleGetIdentity is unauthenticated: public keys are public.
func (h *Handlers) HandleGetIdentity(w http.ResponseWriter, r *http.Request) {
	ident, err := h.store.GetIdentity(r.Context(), r.PathValue("user_id"))
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, r, apperr.ErrIdentityNotFound)
		return
	}
	if err != nil {
		h.writeError(w, r, apperr.Internal(err))
		return
	}
	writeJSON(w, http.StatusOK, identityBody(ident))
}

type dmView struct {
	ID          string `json:"id"`
	User1ID     string `json:"user1_id"`
	User2ID     string `json:"user2_id"`
	OtherUserID string `json:"other_user_id"`
	CreatedAt   string `json:"created_at"`
}

func (h *Handlers) HandleListDMs(w http.ResponseWriter, r *http.Request) {
	user, _ := userFrom(r.Context())

	dms, err := h.store.ListDMsFor(r.Context(), user.ID)
	if err != nil {
		h.writeError(w, r, apperr.Internal(err))
		return
	}

	writeJSON(w, http.StatusOK, envelope{
		"conversations": lo.Map(dms, func(dm *models.DMConversation, _ int) dmView {
			return dmView{
				ID:          dm.ID,
				User1ID:     dm.User1ID,
				User2ID:     dm.User2ID,
				OtherUserID: dm.Other(user.ID),
				CreatedAt:   dm.CreatedAt.Format(time.RFC3339Nano),
			}
		}),
	})
}

// HandleCreateDM returns the pair's conversation, creating it on first use,
// together with whichever public keys the two users have registered.
func (h *Handlers) HandleCreateDM(w http.ResponseWriter, r *http.Request) {
	user, _ := userFrom(r.Context())

	var req createDMRequest
	if err := decode(w, r, &req, apperr.InvalidArg("user_id required")); err != nil {
		h.writeError(w, r, err)
		return
	}
	other := string(req.UserID)
	if other == user.ID {
		h.writeError(w, r, apperr.ErrSelfDM)
		return
	}

	dm, created, err := h.store.GetOrCreateDM(r.Context(), user.ID, other)
	if err != nil {
		h.writeError(w, r, apperr.Internal(err))
		return
	}
	keys, err := h.store.PublicKeys(r.Context(), user.ID, other)
	if err != nil {
		h.writeError(w, r, apperr.Internal(err))
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, envelope{
		"conversation": envelope{
			"id":       dm.ID,
			"user1_id": dm.User1ID,
			"user2_id": dm.User2ID,
		},
		"keys":    keys,
		"created": created,
	})
}

type dmMessageView struct {
	ID         string          `json:"id"`
	SenderID   string          `json:"sender_id"`
	Nonce      string          `json:"nonce"`
	Ciphertext string          `json:"ciphertext"`
	Metadata   json.RawMessage `json:"metadata"`
	Timestamp  string          `json:"timestamp"`
}

// participantDM loads the DM and requires the caller to be one of its two
// users. Matching is exact: pairwise ids are canonical.
func (h *Handlers) participantDM(r *http.Request, user identity.User) (*models.DMConversation, error) {
	dm, err := h.loadDM(r.Context(), r.PathValue("id"))
	if err != nil {
		return nil, err
	}
	if !dm.HasParticipant(user.ID) {
		return nil, apperr.ErrNotParticipant
	}
	return dm, nil
}

func (h *Handlers) HandleListDMMessages(w http.ResponseWriter, r *http.Request) {
	user, _ := userFrom(r.Context())

	dm, err := h.participantDM(r, user)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	limit, err := pageLimit(r, h.pageDef, h.pageMax)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	messages, err := h.store.ListDMMessages(r.Context(), dm.ID, limit)
	if err != nil {
		h.writeError(w, r, apperr.Internal(err))
		return
	}

	writeJSON(w, http.StatusOK, envelope{
		"messages": lo.Map(messages, func(m models.DMMessage, _ int) dmMessageView {
			return dmMessageView{
				ID:         m.ID,
				SenderID:   m.SenderID,
				Nonce:      m.Nonce,
				Ciphertext: m.Ciphertext,
				Metadata:   m.Metadata,
				Timestamp:  m.Timestamp.Format(time.RFC3339Nano),
			}
		}),
	})
}

func (h *Handlers) HandleSendDMMessage(w http.ResponseWriter, r *http.Request) {
	user, _ := userFrom(r.Context())

	dm, err := h.participantDM(r, user)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req sendDMMessageRequest
	if err := decode(w, r, &req, apperr.InvalidArg("nonce and ciphertext required")); err != nil {
		h.writeError(w, r, err)
		return
	}

	msg := &models.DMMessage{
		ConversationID: dm.ID,
		SenderID:       user.ID,
		Nonce:          req.Nonce,
		Ciphertext:     req.Ciphertext,
		Metadata:       req.Metadata,
	}
	if err := h.store.CreateDMMessage(r.Context(), msg); err != nil {
		h.writeError(w, r, apperr.Internal(err))
		return
	}

	h.publish(r.Context(), models.EventE2EEMessage, models.NewE2EEMessageEvent(msg), []string{dm.User1ID, dm.User2ID})

	writeJSON(w, http.StatusCreated, envelope{
		"message_id": msg.ID,
		"timestamp":  msg.Timestamp.Format(time.RFC3339Nano),
	})
}
