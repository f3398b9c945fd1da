package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type PacketType string

const (
	TypeAuthorization PacketType = "authorization"
	TypeText          PacketType = "text"
)

var (
	ErrMalformedPacket = errors.New("hub: malformed packet")
	ErrMissingType     = errors.New("hub: packet has no type")
)

// envelope is the union of every packet's fields. It is decoded once and
// then narrowed by Type.
type envelope struct {
	Type      PacketType `json:"type"`
	UserID    int64      `json:"userId,omitempty"`
	Username  string     `json:"username,omitempty"`
	Token     string     `json:"token,omitempty"`
	Message   string     `json:"message,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

type textWire struct {
	Type      PacketType `json:"type"`
	UserID    int64      `json:"userId"`
	Username  string     `json:"username"`
	Message   string     `json:"message"`
	Timestamp time.Time  `json:"timestamp"`
}

// Packet is one of *AuthorizationPacket, *TextPacket or *UnknownPacket.
type Packet interface {
	packetType() PacketType
}

// AuthorizationPacket binds the connection to UserID when Token validates.
type AuthorizationPacket struct {
	UserID int64
	Token  string
}

// TextPacket is chat content. UserID and Username are filled in by the
// server from the bound identity, never trusted from the client.
type TextPacket struct {
	UserID    int64
	Username  string
	Message   string
	Timestamp time.Time
}

type UnknownPacket struct {
	Type PacketType
}

func (*AuthorizationPacket) packetType() PacketType { return TypeAuthorization }
func (*TextPacket) packetType() PacketType          { return TypeText }
func (p *UnknownPacket) packetType() PacketType     { return p.Type }

// DecodePacket parses a client payload. The type tag is matched case
// insensitively.
func DecodePacket(payload []byte) (Packet, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedPacket, err)
	}

	typ := PacketType(strings.ToLower(strings.TrimSpace(string(env.Type))))
	switch typ {
	case "":
		return nil, ErrMissingType
	case TypeAuthorization:
		return &AuthorizationPacket{UserID: env.UserID, Token: env.Token}, nil
	case TypeText:
		p := &TextPacket{Message: env.Message}
		if env.Timestamp != nil {
			p.Timestamp = env.Timestamp.UTC()
		}
		return p, nil
	default:
		return &UnknownPacket{Type: env.Type}, nil
	}
}

// EncodeText renders an outbound text packet.
func EncodeText(p *TextPacket) ([]byte, error) {
	return json.Marshal(textWire{
		Type:      TypeText,
		UserID:    p.UserID,
		Username:  p.Username,
		Message:   p.Message,
		Timestamp: p.Timestamp.UTC(),
	})
}
