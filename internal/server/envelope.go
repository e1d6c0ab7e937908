// Package server defines the request envelope, the reply type and the helpers
// that decode and encode them as JSON text frames.
package server

import (
	"encoding/json"
	"errors"
	"strings"
)

// EnvelopeKind tags a decoded request.
type EnvelopeKind int

const (
	KindUnknown EnvelopeKind = iota
	KindRegister
	KindMessage
)

func (k EnvelopeKind) String() string {
	switch k {
	case KindRegister:
		return "register"
	case KindMessage:
		return "message"
	default:
		return "unknown"
	}
}

var (
	// ErrInvalidRequestFormat marks a frame that is not a JSON object with
	// the fields its type requires.
	ErrInvalidRequestFormat = errors.New("invalid request format")
	// ErrInvalidRequestType marks a well-formed frame with an unrecognised type.
	ErrInvalidRequestType = errors.New("invalid request type")
)

// Reply messages sent back to the requester.
const (
	MsgRegistrationSuccessful = "Registration successful"
	MsgUsernameExists         = "Username already exists"
	MsgRegistrationFailed     = "Registration failed"
	MsgAuthenticationFailed   = "Authentication failed"
	MsgInvalidRequestType     = "Invalid request type"
	MsgInvalidRequestFormat   = "Invalid request format"
)

// Envelope is one decoded request frame.
type Envelope struct {
	Kind     EnvelopeKind
	Username string
	Password string
	Content  string
}

// requestFields holds the raw members of a request object. Lookups are by
// exact key, so "Type" or "USERNAME" do not stand in for the lowercase names
// the way encoding/json's struct matching would allow.
type requestFields map[string]json.RawMessage

// str returns the member named key if it is present and a JSON string.
func (f requestFields) str(key string) (string, bool) {
	raw, ok := f[key]
	if !ok {
		return "", false
	}
	var v *string
	if err := json.Unmarshal(raw, &v); err != nil || v == nil {
		return "", false
	}
	return *v, true
}

// DecodeEnvelope parses a request frame. On failure the returned envelope has
// KindUnknown and the error is ErrInvalidRequestFormat or ErrInvalidRequestType.
func DecodeEnvelope(frame []byte) (Envelope, error) {
	var fields requestFields
	if err := json.Unmarshal(frame, &fields); err != nil {
		return Envelope{}, ErrInvalidRequestFormat
	}
	kind, ok := fields.str("type")
	if !ok {
		return Envelope{}, ErrInvalidRequestFormat
	}

	username, hasUser := fields.str("username")
	password, hasPass := fields.str("password")
	switch kind {
	case "register":
		if !hasUser || !hasPass {
			return Envelope{}, ErrInvalidRequestFormat
		}
		return Envelope{Kind: KindRegister, Username: username, Password: password}, nil
	case "message":
		content, hasContent := fields.str("content")
		if !hasUser || !hasPass || !hasContent {
			return Envelope{}, ErrInvalidRequestFormat
		}
		return Envelope{Kind: KindMessage, Username: username, Password: password, Content: content}, nil
	default:
		return Envelope{}, ErrInvalidRequestType
	}
}

// Response statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Response is the reply written to the requester after every request.
type Response struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Success builds a success reply. message may be empty.
func Success(message string) Response {
	return Response{Status: StatusSuccess, Message: message}
}

// Failure builds an error reply.
func Failure(message string) Response {
	return Response{Status: StatusError, Message: message}
}

// Encode serialises the response as a JSON text frame.
func (r Response) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// IsSuccess reports whether the reply carries the success status.
func (r Response) IsSuccess() bool {
	return r.Status == StatusSuccess
}

// FormatBroadcast renders the raw text frame relayed to other sessions.
func FormatBroadcast(username, content string) []byte {
	return []byte(username + ": " + content)
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
