// Copyright 2024-2026 Aiku AI

package lightquark

import (
	"encoding/json"
	"fmt"
)

// Special attribute types understood by the bridge.
const (
	AttributeBotMessage       = "botMessage"
	AttributeClientAttributes = "clientAttributes"
)

// Gateway event identifiers.
const (
	EventIDMessageCreate = "messageCreate"
)

// Control frame event names sent by the client.
const (
	ControlSubscribe = "subscribe"
	ControlHeartbeat = "heartbeat"
)

// User is a Lightquark account as it appears in gateway frames and in the
// /user/me response.
type User struct {
	ID        string `json:"_id"`
	Username  string `json:"username"`
	AvatarURI string `json:"avatarUri,omitempty"`
}

// SpecialAttribute is a tagged metadata entry on a message. Type selects
// which of the remaining fields are meaningful:
//
//   - botMessage: Username and AvatarURI name the original author of a
//     relayed message.
//   - clientAttributes: Plaintext carries a plain text fallback for rich
//     content.
//
// Attributes of other types are decoded but carry no behaviour.
type SpecialAttribute struct {
	Type      string `json:"type"`
	Username  string `json:"username,omitempty"`
	AvatarURI string `json:"avatarUri,omitempty"`
	Plaintext string `json:"plaintext,omitempty"`
}

// BotMessageAttribute builds the attribute that marks a message as posted by
// a bot on behalf of another user.
func BotMessageAttribute(username, avatarURI string) SpecialAttribute {
	return SpecialAttribute{
		Type:      AttributeBotMessage,
		Username:  username,
		AvatarURI: avatarURI,
	}
}

// Message is the message body of a messageCreate gateway event.
type Message struct {
	ID                string             `json:"_id,omitempty"`
	ChannelID         string             `json:"channelId"`
	Content           string             `json:"content"`
	Attachments       []string           `json:"attachments,omitempty"`
	SpecialAttributes []SpecialAttribute `json:"specialAttributes,omitempty"`
	UserAgent         string             `json:"ua,omitempty"`
}

// Attribute returns the first special attribute of the given type.
func (m *Message) Attribute(attrType string) (SpecialAttribute, bool) {
	for _, attr := range m.SpecialAttributes {
		if attr.Type == attrType {
			return attr, true
		}
	}
	return SpecialAttribute{}, false
}

// Plaintext returns the plain text fallback carried by a clientAttributes
// attribute, if any.
func (m *Message) Plaintext() (string, bool) {
	attr, ok := m.Attribute(AttributeClientAttributes)
	if !ok || attr.Plaintext == "" {
		return "", false
	}
	return attr.Plaintext, true
}

// Event is a decoded gateway frame. The concrete type is selected by the
// frame's eventId.
type Event interface {
	EventID() string
}

// MessageCreateEvent is sent by the gateway when a message is posted in a
// subscribed channel.
type MessageCreateEvent struct {
	Author  User    `json:"author"`
	Message Message `json:"message"`
}

func (*MessageCreateEvent) EventID() string { return EventIDMessageCreate }

// UnknownEvent is any frame whose eventId the bridge does not handle.
type UnknownEvent struct {
	ID  string
	Raw json.RawMessage
}

func (e *UnknownEvent) EventID() string { return e.ID }

type frameHeader struct {
	EventID string `json:"eventId"`
}

// DecodeEvent decodes a gateway frame into its typed event. Frames with an
// unrecognized (or missing) eventId decode to *UnknownEvent without error.
func DecodeEvent(data []byte) (Event, error) {
	var header frameHeader
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("failed to decode frame header: %w", err)
	}
	switch header.EventID {
	case EventIDMessageCreate:
		var evt MessageCreateEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			return nil, fmt.Errorf("failed to decode %s frame: %w", header.EventID, err)
		}
		return &evt, nil
	default:
		return &UnknownEvent{ID: header.EventID, Raw: json.RawMessage(data)}, nil
	}
}

// ControlFrame is a client-to-gateway message.
type ControlFrame struct {
	Event   string `json:"event"`
	Message string `json:"message"`
}

// SubscribeFrame returns the control frame subscribing to a channel's events.
func SubscribeFrame(channelID string) ControlFrame {
	return ControlFrame{Event: ControlSubscribe, Message: ChannelTopic(channelID)}
}

// HeartbeatFrame returns the liveness control frame.
func HeartbeatFrame() ControlFrame {
	return ControlFrame{Event: ControlHeartbeat, Message: "hb"}
}

// ChannelTopic is the gateway subscription subject for a channel.
func ChannelTopic(channelID string) string {
	return "channel_" + channelID
}

// AttachmentUpload is an attachment embedded in a message creation request.
type AttachmentUpload struct {
	Filename string `json:"filename"`
	Data     string `json:"data"`
}

// CreateMessageRequest is the body of POST /channel/{id}/messages.
type CreateMessageRequest struct {
	Content           string             `json:"content"`
	SpecialAttributes []SpecialAttribute `json:"specialAttributes,omitempty"`
	Attachments       []AttachmentUpload `json:"attachments,omitempty"`
}

type tokenRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
}

type meResponse struct {
	JWTData User `json:"jwtData"`
}

// envelope wraps every Equinox REST response body.
type envelope[T any] struct {
	Response T `json:"response"`
}
