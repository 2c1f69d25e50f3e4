// Copyright 2024-2026 Aiku AI

package connector

import (
	"net/url"

	"github.com/LITdevs/quarkcord/pkg/connector/quarkfmt"
	"github.com/LITdevs/quarkcord/pkg/lightquark"
)

// formatInbound renders a Lightquark message as a Discord message body.
func (b *Bridge) formatInbound(msg *lightquark.Message) string {
	plaintext, _ := msg.Plaintext()
	body := quarkfmt.Compose(quarkfmt.Message{
		Content:     msg.Content,
		Plaintext:   plaintext,
		Attachments: msg.Attachments,
	}, b.Config.EmoteURL)
	return quarkfmt.Truncate(body, quarkfmt.MaxContentLength)
}

// formatInboundUsername renders the webhook username for a Lightquark author.
func (b *Bridge) formatInboundUsername(author *lightquark.User, msg *lightquark.Message) string {
	name := b.Config.FormatDisplayname(DisplaynameParams{
		Username: author.Username,
		Agent:    msg.UserAgent,
	})
	return quarkfmt.Truncate(name, quarkfmt.MaxUsernameLength)
}

// pngAvatarURL asks the Lightquark avatar endpoint for a PNG, which Discord
// accepts for webhook avatars.
func pngAvatarURL(avatarURI string) string {
	if avatarURI == "" {
		return ""
	}
	u, err := url.Parse(avatarURI)
	if err != nil {
		return avatarURI
	}
	q := u.Query()
	q.Set("format", "png")
	u.RawQuery = q.Encode()
	return u.String()
}
