package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"

	"chatrelay/internal/apperr"
)

const maxBodyBytes = 1 << 20

var validate = validator.New()

// ParticipantRef is one entry of a participant or member list. Clients send
// either an object {"id"|"user_id", "username"} or a bare string or number.
type ParticipantRef struct {
	ID       string
	Username string
	// Bare is set when the entry was a plain value rather than an object.
	Bare bool
}

func (p *ParticipantRef) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case map[string]any:
		p.ID = scalar(v["id"])
		if p.ID == "" {
			p.ID = scalar(v["user_id"])
		}
		p.Username = scalar(v["username"])
	case string, json.Number:
		p.ID = scalar(v)
		p.Username = p.ID
		p.Bare = true
	case nil:
	default:
		return fmt.Errorf("participant must be an object, string or number")
	}
	return nil
}

// FlexID accepts a JSON string or number.
type FlexID string

func (f *FlexID) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string, json.Number, nil:
		*f = FlexID(scalar(v))
		return nil
	default:
		return fmt.Errorf("id must be a string or number")
	}
}

func scalar(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

type createConversationRequest struct {
	Participants []ParticipantRef `json:"participants"`
	IsGroup      bool             `json:"is_group"`
	Name         string           `json:"name"`
}

type createGroupRequest struct {
	Name    string           `json:"name" validate:"required"`
	Members []ParticipantRef `json:"members" validate:"required,min=1"`
}

type addMembersRequest struct {
	Members []ParticipantRef `json:"members" validate:"required,min=1"`
}

type sendMessageRequest struct {
	Ciphertext string          `json:"ciphertext" validate:"required"`
	Metadata   json.RawMessage `json:"metadata"`
}

type registerIdentityRequest struct {
	PublicKey string `json:"public_key" validate:"required"`
}

type createDMRequest struct {
	UserID FlexID `json:"user_id" validate:"required"`
}

type sendDMMessageRequest struct {
	Nonce      string          `json:"nonce" validate:"required"`
	Ciphertext string          `json:"ciphertext" validate:"required"`
	Metadata   json.RawMessage `json:"metadata"`
}

// decode reads a JSON body into dst and validates it. An empty body decodes
// as {}. Malformed JSON yields ErrInvalidJSON; a failed validation yields
// invalid, so each endpoint keeps its own message.
func decode(w http.ResponseWriter, r *http.Request, dst any, invalid error) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return apperr.InvalidArg("request body too large")
	}
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return apperr.ErrInvalidJSON
	}
	if invalid == nil {
		return nil
	}
	if err := validate.Struct(dst); err != nil {
		return invalid
	}
	return nil
}

// pageLimit reads ?limit=, defaulting to def and capping at max.
func pageLimit(r *http.Request, def, max int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, apperr.InvalidArg("limit must be a positive integer")
	}
	return min(n, max), nil
}

func intQuery(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, apperr.InvalidArg(key + " must be a positive integer")
	}
	return n, nil
}
