//go:generate go run go.uber.org/mock/mockgen -source=identity.go -destination=../mocks/mock_identity.go -package=mocks

// Package identity turns bearer credentials into a stable (id, username)
// pair. Verification is delegated either to the external authentication
// authority or, when none is configured, to a shared HS256 secret.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// User is the caller identity. Username is never empty: an authority
// that omits it yields "user_<id>".
type User struct {
	ID       string         `json:"id"`
	Username string         `json:"username"`
	Extra    map[string]any `json:"-"`
}

type Resolver interface {
	// Resolve verifies token. Any failure, including a timeout, is
	// reported as an error; callers treat every error as unauthenticated.
	Resolve(ctx context.Context, token string) (User, error)
}

type UsersPage struct {
	Results  []DirectoryUser `json:"results"`
	Page     int             `json:"page"`
	PageSize int             `json:"page_size"`
	HasNext  bool            `json:"has_next"`
}

type DirectoryUser struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	IsBot    bool   `json:"is_bot"`
}

type Directory interface {
	ListUsers(ctx context.Context, authorization, search string, page, pageSize int) (UsersPage, error)
}

// BearerToken extracts the token from an "Authorization: Bearer <token>"
// header value, returning "" for anything else.
func BearerToken(header string) string {
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return parts[1]
}

func FromRequest(r *http.Request) string {
	return BearerToken(r.Header.Get("Authorization"))
}

// userFromPayload normalises the authority's user object. The id may be
// under "user_id" or "id" and may be a number.
func userFromPayload(payload map[string]any) (User, bool) {
	id := stringify(payload["user_id"])
	if id == "" {
		id = stringify(payload["id"])
	}
	if id == "" {
		return User{}, false
	}

	username := stringify(payload["username"])
	if username == "" {
		username = "user_" + id
	}

	extra := make(map[string]any)
	for k, v := range payload {
		switch k {
		case "user_id", "id", "username":
		default:
			extra[k] = v
		}
	}
	return User{ID: id, Username: username, Extra: extra}, true
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return fmt.Sprintf("%.0f", t)
	default:
		return fmt.Sprint(t)
	}
}
