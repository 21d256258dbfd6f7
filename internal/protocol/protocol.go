// Package protocol defines the messages exchanged between the interception
// worker and foreground clients over the client channel.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Type tags a message on the wire.
type Type string

const (
	TypeAuthRequest  Type = "authRequest"
	TypeAuthResponse Type = "authResponse"
	TypeHello        Type = "hello"
)

// NoAccessTokenError is the error text a foreground client replies with when
// it holds no credential.
const NoAccessTokenError = "No access token available"

var (
	// ErrUnknownType indicates a frame whose type tag is not recognized.
	ErrUnknownType = errors.New("unknown message type")
	// ErrInvalidMessage indicates a recognized frame that is missing required fields.
	ErrInvalidMessage = errors.New("invalid message")
)

// Message is one of AuthRequest, AuthResponse or Hello.
type Message interface {
	MessageType() Type
}

// AuthRequest asks a foreground client for its current credential.
type AuthRequest struct {
	RequestID string `json:"requestId" validate:"required"`
}

func (AuthRequest) MessageType() Type { return TypeAuthRequest }

// AuthResponse answers an AuthRequest. Exactly one of AccessToken or Error is set.
type AuthResponse struct {
	RequestID   string `json:"requestId" validate:"required"`
	AccessToken string `json:"accessToken,omitempty"`
	Error       string `json:"error,omitempty"`
}

func (AuthResponse) MessageType() Type { return TypeAuthResponse }

// Hello tells a freshly connected foreground client its connection id.
type Hello struct {
	ClientID string `json:"clientId" validate:"required"`
}

func (Hello) MessageType() Type { return TypeHello }

type frame struct {
	Type        Type   `json:"type"`
	RequestID   string `json:"requestId,omitempty"`
	AccessToken string `json:"accessToken,omitempty"`
	Error       string `json:"error,omitempty"`
	ClientID    string `json:"clientId,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Encode serializes msg with its type tag.
func Encode(msg Message) ([]byte, error) {
	var f frame
	switch m := msg.(type) {
	case AuthRequest:
		f = frame{Type: TypeAuthRequest, RequestID: m.RequestID}
	case AuthResponse:
		f = frame{Type: TypeAuthResponse, RequestID: m.RequestID, AccessToken: m.AccessToken, Error: m.Error}
	case Hello:
		f = frame{Type: TypeHello, ClientID: m.ClientID}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, msg)
	}
	return json.Marshal(f)
}

// Decode parses a tagged frame into its concrete message type.
func Decode(data []byte) (Message, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	var msg Message
	switch f.Type {
	case TypeAuthRequest:
		msg = AuthRequest{RequestID: f.RequestID}
	case TypeAuthResponse:
		msg = AuthResponse{RequestID: f.RequestID, AccessToken: f.AccessToken, Error: f.Error}
	case TypeHello:
		msg = Hello{ClientID: f.ClientID}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, f.Type)
	}
	if err := validate.Struct(msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidMessage, f.Type, err)
	}
	return msg, nil
}
