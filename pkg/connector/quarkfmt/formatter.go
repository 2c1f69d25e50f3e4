// Copyright 2024-2026 Aiku AI

// Package quarkfmt converts Lightquark message content to Discord markdown.
package quarkfmt

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Discord limits.
const (
	MaxContentLength  = 2000
	MaxUsernameLength = 80
)

// emoteRe matches inline Lightquark emotes of the form <name:hexid>.
var emoteRe = regexp.MustCompile(`<([^:\s<>]+):([a-f0-9]+)>`)

// EmoteURLFunc returns the image URL for an emote ID.
type EmoteURLFunc func(id string) string

// Message is the part of a Lightquark message that ends up in the Discord
// message body.
type Message struct {
	Content     string
	Plaintext   string
	Attachments []string
}

// RewriteEmotes replaces every inline emote with its image URL. Text
// without emotes is returned unchanged.
func RewriteEmotes(text string, emoteURL EmoteURLFunc) string {
	if text == "" || !strings.Contains(text, "<") {
		return text
	}
	return emoteRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := emoteRe.FindStringSubmatch(match)
		if len(parts) < 3 {
			return match
		}
		return emoteURL(parts[2])
	})
}

// Compose builds the Discord message body: the emote-rewritten content, a
// spoilered plaintext fallback when it says something the content does
// not, and the attachment URLs.
func Compose(msg Message, emoteURL EmoteURLFunc) string {
	var sb strings.Builder
	content := RewriteEmotes(msg.Content, emoteURL)
	sb.WriteString(content)

	if msg.Plaintext != "" {
		plaintext := RewriteEmotes(msg.Plaintext, emoteURL)
		if plaintext != content {
			sb.WriteString("\n||")
			sb.WriteString(plaintext)
			sb.WriteString("||")
		}
	}

	if len(msg.Attachments) > 0 {
		sb.WriteString("\n\nAttachments:")
		for _, url := range msg.Attachments {
			sb.WriteString("\n")
			sb.WriteString(url)
		}
	}
	return sb.String()
}

// Truncate shortens s to at most n runes, marking the cut with an ellipsis.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n-1]) + "…"
}
