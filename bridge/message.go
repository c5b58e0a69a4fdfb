package bridge

import (
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

// ProtocolVersion is stamped on every message. Consumers reject versions they
// do not understand instead of probing optional fields.
const ProtocolVersion = 1

// Kind tags the closed set of message types exchanged between contexts.
type Kind string

const (
	// KindSuccess carries the token obtained by the child context.
	KindSuccess Kind = "success"

	// KindError carries a serialized failure from the child context. Errors
	// are never surfaced in the child; the parent owns the error surface.
	KindError Kind = "error"

	// KindAck is the parent's receipt for a terminal message. The child
	// closes itself only after seeing one (or after the ack timeout).
	KindAck Kind = "ack"

	// KindLoaded announces that a child context finished loading and is able
	// to receive direct messages.
	KindLoaded Kind = "loaded"
)

// TokenPayload is the token material carried by a success message. It mirrors
// the token endpoint response shape.
type TokenPayload struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
}

// NewTokenPayload converts a token for transport. Expiry is flattened to a
// relative expires_in so the receiving context applies its own clock.
func NewTokenPayload(tok *oauth2.Token) *TokenPayload {
	p := &TokenPayload{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
	}
	if !tok.Expiry.IsZero() {
		p.ExpiresIn = int64(time.Until(tok.Expiry).Seconds())
	}
	return p
}

// OAuth2Token converts the payload back into a token on the receiving side.
func (p *TokenPayload) OAuth2Token() *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
		TokenType:    p.TokenType,
	}
	if p.ExpiresIn > 0 {
		tok.Expiry = time.Now().Add(time.Duration(p.ExpiresIn) * time.Second)
	}
	return tok
}

// Message is the closed tagged union passed between contexts. Exactly one
// terminal message (success or error) is produced per flow; duplicate delivery
// over redundant transports is expected and consumers treat repeats as no-ops.
type Message struct {
	Version int    `json:"version"`
	Kind    Kind   `json:"kind"`
	FlowID  string `json:"flow_id"`

	// Success fields.
	Token *TokenPayload `json:"token,omitempty"`

	// Error fields.
	Reason    string `json:"reason,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
}

// NewSuccess builds a success message for a flow.
func NewSuccess(flowID string, token *TokenPayload) Message {
	return Message{Version: ProtocolVersion, Kind: KindSuccess, FlowID: flowID, Token: token}
}

// NewError builds an error message for a flow.
func NewError(flowID, code, reason string) Message {
	return Message{Version: ProtocolVersion, Kind: KindError, FlowID: flowID, ErrorCode: code, Reason: reason}
}

// NewAck builds the acknowledgment for a terminal message.
func NewAck(flowID string) Message {
	return Message{Version: ProtocolVersion, Kind: KindAck, FlowID: flowID}
}

// NewLoaded announces child readiness.
func NewLoaded(flowID string) Message {
	return Message{Version: ProtocolVersion, Kind: KindLoaded, FlowID: flowID}
}

// Terminal reports whether the message ends a flow.
func (m Message) Terminal() bool {
	return m.Kind == KindSuccess || m.Kind == KindError
}

// Validate checks version, kind, and per-kind required fields.
func (m Message) Validate() error {
	if m.Version != ProtocolVersion {
		return fmt.Errorf("unsupported protocol version %d", m.Version)
	}
	if m.FlowID == "" {
		return fmt.Errorf("message has no flow id")
	}
	switch m.Kind {
	case KindSuccess:
		if m.Token == nil || m.Token.AccessToken == "" {
			return fmt.Errorf("success message has no token")
		}
	case KindError:
		if m.ErrorCode == "" && m.Reason == "" {
			return fmt.Errorf("error message has no code or reason")
		}
	case KindAck, KindLoaded:
	default:
		return fmt.Errorf("unknown message kind %q", m.Kind)
	}
	return nil
}

// Encode serializes the message for transports that move bytes.
func (m Message) Encode() (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to encode message: %w", err)
	}
	return string(data), nil
}

// Decode parses and validates a serialized message.
func Decode(data string) (Message, error) {
	var m Message
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return Message{}, fmt.Errorf("failed to decode message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}
