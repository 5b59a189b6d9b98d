package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeUnknown          Code = "UNKNOWN"
	CodeInvalidArgument  Code = "INVALID_ARGUMENT"
	CodeNotFound         Code = "NOT_FOUND"
	CodePermissionDenied Code = "PERMISSION_DENIED"
	CodeUnauthenticated  Code = "UNAUTHENTICATED"
	CodeUnavailable      Code = "UNAVAILABLE"
	CodeInternal         Code = "INTERNAL"
)

// Error is the error type handlers return. Message is safe to show to
// clients; Cause never leaves the process.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func InvalidArg(msg string) error { return New(CodeInvalidArgument, msg) }

func NotFound(msg string) error { return New(CodeNotFound, msg) }

func Unauthenticated(msg string) error { return New(CodeUnauthenticated, msg) }

func Forbidden(msg string) error { return New(CodePermissionDenied, msg) }

func Unavailable(msg string, cause error) error { return Wrap(CodeUnavailable, msg, cause) }

func Internal(cause error) error { return Wrap(CodeInternal, "internal server error", cause) }

var (
	ErrAuthRequired      = Unauthenticated("Authentication required")
	ErrNotParticipant    = Forbidden("Not a participant")
	ErrInvalidJSON       = InvalidArg("Invalid JSON")
	ErrConversationGone  = NotFound("conversation_not_found")
	ErrIdentityNotFound  = NotFound("identity_not_found")
	ErrDirectoryDown     = Unavailable("Auth server unreachable", nil)
	ErrAdminRequired     = Forbidden("Admin required to add members")
	ErrAdminRequiredBot  = Forbidden("Admin required to add bot")
	ErrSelfDM            = InvalidArg("Cannot create DM with yourself")
	ErrNeedOtherMember   = InvalidArg("At least one other participant required")
	ErrNeedGroupMembers  = InvalidArg("Need at least 2 members for group")
	ErrCiphertextMissing = InvalidArg("ciphertext required")
	ErrDirectPair        = InvalidArg("Direct conversations have exactly one other participant")
	ErrNotGroup          = InvalidArg("Members can only be added to group conversations")
)

// CodeOf returns the code carried by err, CodeUnknown for foreign errors.
func CodeOf(err error) Code {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeUnknown
}

// PublicMessage is the text a client may see for err. Internal and foreign
// errors collapse to a generic message.
func PublicMessage(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) && appErr.Code != CodeInternal && appErr.Code != CodeUnknown {
		return appErr.Message
	}
	return "internal server error"
}

func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodePermissionDenied:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
