package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"chatrelay/internal/apperr"
	"chatrelay/internal/bus"
	"chatrelay/internal/db"
	"chatrelay/internal/identity"
	"chatrelay/internal/membership"
	"chatrelay/internal/metrics"
	"chatrelay/internal/models"
)

// Store is the persistence the handlers need; *db.DB implements it.
type Store interface {
	membership.Store

	CreateConversation(ctx context.Context, conv *models.Conversation, members []models.Member) error
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	ListConversationsFor(ctx context.Context, userID, username string) ([]*models.Conversation, error)
	RemoveMember(ctx context.Context, conversationID, userID, username string) (int64, error)

	CreateMessage(ctx context.Context, msg *models.Message) error
	ListMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error)
	MarkRead(ctx context.Context, conversationID, messageID, userID string) (*models.Message, error)

	UpsertIdentity(ctx context.Context, userID, publicKey string) (*models.Identity, error)
	GetIdentity(ctx context.Context, userID string) (*models.Identity, error)
	PublicKeys(ctx context.Context, userIDs ...string) (map[string]string, error)
	GetOrCreateDM(ctx context.Context, a, b string) (*models.DMConversation, bool, error)
	GetDM(ctx context.Context, id string) (*models.DMConversation, error)
	ListDMsFor(ctx context.Context, userID string) ([]*models.DMConversation, error)
	CreateDMMessage(ctx context.Context, msg *models.DMMessage) error
	ListDMMessages(ctx context.Context, conversationID string, limit int) ([]models.DMMessage, error)

	PingContext(ctx context.Context) error
}

type Config struct {
	CORSOrigin  string
	PageDefault int
	PageMax     int
}

type Handlers struct {
	store      Store
	members    *membership.Resolver
	resolver   identity.Resolver
	directory  identity.Directory
	bus        bus.Bus
	gateway    http.Handler
	logger     *slog.Logger
	metrics    *metrics.Metrics
	corsOrigin string
	pageDef    int
	pageMax    int
}

// NewHandlers wires the HTTP surface. directory may be nil, in which case
// the users endpoint reports the authority as unreachable; gateway may be
// nil when the process serves no realtime connections.
func NewHandlers(
	store Store,
	members *membership.Resolver,
	resolver identity.Resolver,
	directory identity.Directory,
	b bus.Bus,
	gateway http.Handler,
	cfg Config,
	logger *slog.Logger,
	m *metrics.Metrics,
) *Handlers {
	if cfg.PageDefault <= 0 {
		cfg.PageDefault = 50
	}
	if cfg.PageMax < cfg.PageDefault {
		cfg.PageMax = cfg.PageDefault
	}
	return &Handlers{
		store:      store,
		members:    members,
		resolver:   resolver,
		directory:  directory,
		bus:        b,
		gateway:    gateway,
		logger:     logger.With("component", "api"),
		metrics:    m,
		corsOrigin: cfg.CORSOrigin,
		pageDef:    cfg.PageDefault,
		pageMax:    cfg.PageMax,
	}
}

// Routes registers every endpoint on mux.
func (h *Handlers) Routes(mux *http.ServeMux) {
	authed := func(pattern string, fn http.HandlerFunc) {
		mux.HandleFunc(pattern, logRequest(h.logger, h.metrics, pattern, h.WithAuth(fn)))
	}
	open := func(pattern string, fn http.HandlerFunc) {
		mux.HandleFunc(pattern, logRequest(h.logger, h.metrics, pattern, fn))
	}

	authed("GET /chat/conversations/{$}", h.HandleListConversations)
	authed("POST /chat/conversations/{$}", h.HandleCreateConversation)
	authed("GET /chat/users/{$}", h.HandleUsers)
	authed("GET /chat/conversations/{id}/messages/{$}", h.HandleListMessages)
	authed("POST /chat/conversations/{id}/messages/{$}", h.HandleSendMessage)
	authed("POST /chat/conversations/{id}/messages/{message_id}/read/{$}", h.HandleMarkRead)
	authed("POST /chat/conversations/{id}/add-member/{$}", h.HandleAddMembers)
	authed("POST /chat/conversations/{id}/leave/{$}", h.HandleLeave)
	authed("GET /chat/conversations/{id}/participants/{$}", h.HandleParticipants)
	authed("POST /chat/groups/create/{$}", h.HandleCreateGroup)
	authed("POST /chat/conversations/{id}/add-bot/{$}", h.HandleAddBot)

	authed("POST /e2ee/identity/{$}", h.HandleRegisterIdentity)
	open("GET /e2ee/identity/{user_id}/{$}", h.HandleGetIdentity)
	authed("GET /e2ee/dm/{$}", h.HandleListDMs)
	authed("POST /e2ee/dm/{$}", h.HandleCreateDM)
	authed("GET /e2ee/dm/{id}/messages/{$}", h.HandleListDMMessages)
	authed("POST /e2ee/dm/{id}/messages/{$}", h.HandleSendDMMessage)

	mux.HandleFunc("GET /healthz", h.HandleHealth)
	if h.gateway != nil {
		mux.Handle("GET /ws/chat/{$}", h.gateway)
	}
}

// Handler returns the full HTTP surface behind the CORS middleware.
func (h *Handlers) Handler() http.Handler {
	mux := http.NewServeMux()
	h.Routes(mux)
	return h.WithCORS(mux)
}

func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.store.PingContext(r.Context()); err != nil {
		h.logger.Error("health check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(envelope{"success": false, "status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, envelope{"status": "ok"})
}

// loadConversation maps malformed and unknown ids to the same 404.
func (h *Handlers) loadConversation(ctx context.Context, id string) (*models.Conversation, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, apperr.ErrConversationGone
	}
	conv, err := h.store.GetConversation(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, apperr.ErrConversationGone
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return conv, nil
}

func (h *Handlers) loadDM(ctx context.Context, id string) (*models.DMConversation, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, apperr.ErrConversationGone
	}
	dm, err := h.store.GetDM(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, apperr.ErrConversationGone
	}
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return dm, nil
}

// publish sends one frame to each recipient's topic. Delivery is best
// effort: failures are logged and the request still succeeds. The fan-out
// outlives a client that hangs up mid-request.
func (h *Handlers) publish(ctx context.Context, eventType string, event any, recipients []string) int {
	ctx = context.WithoutCancel(ctx)
	frame, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("marshal event", "type", eventType, "error", err)
		return 0
	}
	sent := 0
	for _, userID := range recipients {
		if err := h.bus.Publish(ctx, bus.UserTopic(userID), frame); err != nil {
			h.logger.Warn("publish failed", "type", eventType, "user_id", userID, "error", err)
			continue
		}
		sent++
	}
	h.metrics.Published(eventType, sent)
	return sent
}
