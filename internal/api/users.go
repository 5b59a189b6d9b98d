package api

import (
	"net/http"

	"github.com/samber/lo"

	"chatrelay/internal/apperr"
	"chatrelay/internal/identity"
	"chatrelay/internal/models"
)

// HandleUsers proxies the authority's user directory. The first page of an
// unfiltered listing also carries the bot.
func (h *Handlers) HandleUsers(w http.ResponseWriter, r *http.Request) {
	search := r.URL.Query().Get("search")
	page, err := intQuery(r, "page", 1)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	pageSize, err := intQuery(r, "page_size", 20)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if h.directory == nil {
		h.writeError(w, r, apperr.ErrDirectoryDown)
		return
	}
	result, err := h.directory.ListUsers(r.Context(), r.Header.Get("Authorization"), search, page, pageSize)
	if err != nil {
		h.logger.Warn("users directory failed", "error", err)
		h.writeError(w, r, apperr.ErrDirectoryDown)
		return
	}

	users := lo.Map(result.Results, func(u identity.DirectoryUser, _ int) identity.DirectoryUser {
		return identity.DirectoryUser{ID: u.ID, Username: u.Username}
	})
	if page == 1 && search == "" {
		users = append(users, identity.DirectoryUser{ID: models.BotID, Username: models.BotUsername, IsBot: true})
	}

	writeJSON(w, http.StatusOK, envelope{
		"results":   users,
		"page":      result.Page,
		"page_size": result.PageSize,
		"has_next":  result.HasNext,
	})
}
