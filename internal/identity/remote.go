package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidToken = errors.New("invalid token")

// RemoteResolver verifies tokens with POST <verifyURL> {"token": ...}.
type RemoteResolver struct {
	verifyURL string
	client    *http.Client
	log       *slog.Logger
}

func NewRemoteResolver(verifyURL string, timeout time.Duration, log *slog.Logger) *RemoteResolver {
	return &RemoteResolver{
		verifyURL: verifyURL,
		client:    &http.Client{Timeout: timeout},
		log:       log.With("component", "identity"),
	}
}

type verifyResponse struct {
	Success bool           `json:"success"`
	User    map[string]any `json:"user"`
}

func (r *RemoteResolver) Resolve(ctx context.Context, token string) (User, error) {
	if token == "" {
		return User{}, ErrInvalidToken
	}

	body, err := json.Marshal(map[string]string{"token": token})
	if err != nil {
		return User{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.verifyURL, bytes.NewReader(body))
	if err != nil {
		return User{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		r.log.Warn("token verification request failed", "error", err)
		return User{}, fmt.Errorf("verify request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return User{}, fmt.Errorf("%w: authority returned %d", ErrInvalidToken, resp.StatusCode)
	}

	var payload verifyResponse
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return User{}, fmt.Errorf("decode verify response: %w", err)
	}
	if !payload.Success {
		return User{}, ErrInvalidToken
	}

	user, ok := userFromPayload(payload.User)
	if !ok {
		return User{}, fmt.Errorf("%w: authority response has no user id", ErrInvalidToken)
	}
	return user, nil
}

// RemoteDirectory proxies the authority's paginated users listing.
type RemoteDirectory struct {
	usersURL string
	client   *http.Client
}

func NewRemoteDirectory(baseURL string, timeout time.Duration) *RemoteDirectory {
	return &RemoteDirectory{
		usersURL: strings.TrimSuffix(baseURL, "/") + "/users/",
		client:   &http.Client{Timeout: timeout},
	}
}

type directoryResponse struct {
	Results  []map[string]any `json:"results"`
	Page     *int             `json:"page"`
	PageSize *int             `json:"page_size"`
	HasNext  bool             `json:"has_next"`
}

func (d *RemoteDirectory) ListUsers(ctx context.Context, authorization, search string, page, pageSize int) (UsersPage, error) {
	q := url.Values{}
	q.Set("search", search)
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(pageSize))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.usersURL+"?"+q.Encode(), nil)
	if err != nil {
		return UsersPage{}, err
	}
	req.Header.Set("Authorization", authorization)

	resp, err := d.client.Do(req)
	if err != nil {
		return UsersPage{}, fmt.Errorf("users request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return UsersPage{}, fmt.Errorf("users request: authority returned %d", resp.StatusCode)
	}

	var payload directoryResponse
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return UsersPage{}, fmt.Errorf("decode users response: %w", err)
	}

	out := UsersPage{Page: page, PageSize: pageSize, HasNext: payload.HasNext, Results: []DirectoryUser{}}
	if payload.Page != nil {
		out.Page = *payload.Page
	}
	if payload.PageSize != nil {
		out.PageSize = *payload.PageSize
	}
	for _, u := range payload.Results {
		id := stringify(u["id"])
		if id == "" {
			id = stringify(u["user_id"])
		}
		out.Results = append(out.Results, DirectoryUser{ID: id, Username: stringify(u["username"])})
	}
	return out, nil
}
