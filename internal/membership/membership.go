// Package membership decides whether a caller may act on a group
// conversation.
//
// Member rows carry history: the cached username may be stale and some
// rows store a username in the user_id column. Matching therefore accepts
// any of three representations of the caller, and a conversation's creator
// whose row has gone missing is repaired on the spot instead of being
// locked out.
package membership

import (
	"context"
	"log/slog"

	"chatrelay/internal/apperr"
	"chatrelay/internal/identity"
	"chatrelay/internal/metrics"
	"chatrelay/internal/models"
)

// Matches reports whether member represents caller: by user id, by
// username, or by a legacy row whose user_id holds the username.
func Matches(member models.Member, caller identity.User) bool {
	if caller.ID != "" && member.UserID == caller.ID {
		return true
	}
	if caller.Username == "" {
		return false
	}
	return member.Username == caller.Username || member.UserID == caller.Username
}

// IsCreator applies the same tolerance to the conversation's creator
// fields.
func IsCreator(conv *models.Conversation, caller identity.User) bool {
	if caller.ID != "" && conv.CreatedByID == caller.ID {
		return true
	}
	if caller.Username == "" {
		return false
	}
	return conv.CreatedByID == caller.Username || conv.CreatedByUsername == caller.Username
}

// FindMember returns the first row matching caller.
func FindMember(members []models.Member, caller identity.User) (models.Member, bool) {
	for _, m := range members {
		if Matches(m, caller) {
			return m, true
		}
	}
	return models.Member{}, false
}

// Store is the slice of the conversation store the resolver needs.
type Store interface {
	ListMembers(ctx context.Context, conversationID string) ([]models.Member, error)
	AddMember(ctx context.Context, m models.Member) (bool, error)
}

type Resolver struct {
	store   Store
	log     *slog.Logger
	metrics *metrics.Metrics
}

func NewResolver(store Store, log *slog.Logger, m *metrics.Metrics) *Resolver {
	return &Resolver{store: store, log: log.With("component", "membership"), metrics: m}
}

// EnsureMember authorizes caller as a member of conv and returns the
// current member list. A creator without a matching row gets an admin row
// inserted first (self-heal); the insert is idempotent.
func (r *Resolver) EnsureMember(ctx context.Context, conv *models.Conversation, caller identity.User) ([]models.Member, error) {
	members, err := r.store.ListMembers(ctx, conv.ID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if _, ok := FindMember(members, caller); ok {
		return members, nil
	}
	if !IsCreator(conv, caller) {
		return nil, apperr.ErrNotParticipant
	}

	healed := models.Member{
		ConversationID: conv.ID,
		UserID:         caller.ID,
		Username:       caller.Username,
		IsAdmin:        true,
	}
	added, err := r.store.AddMember(ctx, healed)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	// inserted is false when a concurrent request healed the row first.
	r.log.Warn("self-healed creator membership",
		"conversation_id", conv.ID,
		"user_id", caller.ID,
		"username", caller.Username,
		"inserted", added)
	if added {
		r.metrics.SelfHealed()
	}

	members, err = r.store.ListMembers(ctx, conv.ID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return members, nil
}

// EnsureAdmin requires a matching member row with is_admin set. Creators
// are not repaired here.
func (r *Resolver) EnsureAdmin(ctx context.Context, conv *models.Conversation, caller identity.User, denied error) error {
	members, err := r.store.ListMembers(ctx, conv.ID)
	if err != nil {
		return apperr.Internal(err)
	}
	for _, m := range members {
		if m.IsAdmin && Matches(m, caller) {
			return nil
		}
	}
	return denied
}
